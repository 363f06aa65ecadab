package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete node configuration
type Config struct {
	NodeID          string         `yaml:"node_id"`
	ShutdownTimeout time.Duration  `yaml:"shutdown_timeout"` // Graceful shutdown timeout (default: 5s)
	Network         NetworkConfig  `yaml:"network"`
	Tunnel          TunnelConfig   `yaml:"tunnel"`
	Capture         CaptureConfig  `yaml:"capture"`
	Trigger         TriggerConfig  `yaml:"trigger"`
	Delivery        DeliveryConfig `yaml:"delivery"`
	Journal         JournalConfig  `yaml:"journal"`
	Cycle           CycleConfig    `yaml:"cycle"`
	Health          HealthConfig   `yaml:"health"`
	Restart         RestartConfig  `yaml:"restart"`
}

// NetworkConfig contains link attachment settings
type NetworkConfig struct {
	Link               string        `yaml:"link"` // nmcli, interface
	SSID               string        `yaml:"ssid"`
	Secret             string        `yaml:"secret"`
	Interface          string        `yaml:"interface"`
	AssociationTimeout time.Duration `yaml:"association_timeout"`
	KeepAlive          time.Duration `yaml:"keep_alive"` // 0 disables the between-cycle reconnect
}

// TunnelConfig contains the WireGuard tunnel settings
type TunnelConfig struct {
	Enabled             bool          `yaml:"enabled"`
	LocalAddress        string        `yaml:"local_address"`
	PrivateKey          string        `yaml:"private_key"`
	PeerPublicKey       string        `yaml:"peer_public_key"`
	PresharedKey        string        `yaml:"preshared_key"`
	EndpointAddress     string        `yaml:"endpoint_address"`
	EndpointPort        int           `yaml:"endpoint_port"`
	AllowedIPs          []string      `yaml:"allowed_ips"`
	DNS                 []string      `yaml:"dns"`
	MTU                 int           `yaml:"mtu"`
	PersistentKeepalive time.Duration `yaml:"persistent_keepalive"`
	HandshakeTimeout    time.Duration `yaml:"handshake_timeout"`
}

// CaptureConfig contains camera settings
type CaptureConfig struct {
	Source         string        `yaml:"source"` // v4l2, rtsp, libcamera, test, custom, mock
	Device         string        `yaml:"device"`
	URL            string        `yaml:"url"`
	Pipeline       string        `yaml:"pipeline"`
	Width          int           `yaml:"width"`
	Height         int           `yaml:"height"`
	Quality        int           `yaml:"quality"`
	GrabTimeout    time.Duration `yaml:"grab_timeout"`
	FlushStale     bool          `yaml:"flush_stale"`
	MaxUnavailable int           `yaml:"max_unavailable"` // consecutive unavailable cycles before restart (default: 1)
	MockFrameBytes int           `yaml:"mock_frame_bytes"`
}

// TriggerConfig groups the trigger sources. Enabled sources are polled in
// the order push, websocket, pull, timer.
type TriggerConfig struct {
	Push      PushConfig      `yaml:"push"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Pull      PullConfig      `yaml:"pull"`
	Timer     TimerConfig     `yaml:"timer"`
}

// PushConfig contains the MQTT command listener settings
type PushConfig struct {
	Enabled        bool            `yaml:"enabled"`
	Broker         string          `yaml:"broker"`
	ClientID       string          `yaml:"client_id"`
	Username       string          `yaml:"username"`
	Password       string          `yaml:"password"`
	Topic          string          `yaml:"topic"`
	QoS            byte            `yaml:"qos"`
	Sentinel       string          `yaml:"sentinel"`
	ConnectTimeout time.Duration   `yaml:"connect_timeout"`
	Reconnect      ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig contains the broker reconnect schedule
type ReconnectConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
}

// WebSocketConfig contains the websocket command listener settings
type WebSocketConfig struct {
	Enabled    bool            `yaml:"enabled"`
	URL        string          `yaml:"url"`
	Token      string          `yaml:"token"`
	Sentinel   string          `yaml:"sentinel"`
	PingPeriod time.Duration   `yaml:"ping_period"`
	PongWait   time.Duration   `yaml:"pong_wait"`
	Reconnect  ReconnectConfig `yaml:"reconnect"`
}

// PullConfig names the remote flag document
type PullConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Collection string        `yaml:"collection"`
	Document   string        `yaml:"document"`
	Field      string        `yaml:"field"`
	Interval   time.Duration `yaml:"interval"`
}

// TimerConfig contains the timelapse settings
type TimerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// DeliveryConfig contains the remote store settings
type DeliveryConfig struct {
	Backend  string         `yaml:"backend"` // firebase, funk, memory
	Bucket   string         `yaml:"bucket"`
	Timeout  time.Duration  `yaml:"timeout"`
	Firebase FirebaseConfig `yaml:"firebase"`
	Funk     FunkConfig     `yaml:"funk"`
}

// FirebaseConfig contains the Firebase project credentials
type FirebaseConfig struct {
	APIKey    string `yaml:"api_key"`
	ProjectID string `yaml:"project_id"`
	Database  string `yaml:"database"`
	Email     string `yaml:"email"`
	Password  string `yaml:"password"`
}

// FunkConfig contains the raw HTTP POST target
type FunkConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// JournalConfig contains the delivery journal settings
type JournalConfig struct {
	Dir          string `yaml:"dir"`       // empty keeps the journal in memory
	PathMode     string `yaml:"path_mode"` // counter, timestamp
	Prefix       string `yaml:"prefix"`
	Ext          string `yaml:"ext"`
	StartCounter uint64 `yaml:"start_counter"`
	MaxRecords   uint64 `yaml:"max_records"`
}

// CycleConfig bounds the blocking steps of one cycle
type CycleConfig struct {
	IdleTick        time.Duration `yaml:"idle_tick"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
	AckTimeout      time.Duration `yaml:"ack_timeout"`
}

// HealthConfig contains the health server settings
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// RestartConfig selects the last-resort recovery
type RestartConfig struct {
	Mode string `yaml:"mode"` // none, exit, reboot
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
