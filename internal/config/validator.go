package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/e7canasta/orion-snapnode/internal/network"
)

var nodeIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks if the configuration is valid and fills defaults
func Validate(cfg *Config) error {
	// Validate node_id
	if cfg.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if !nodeIDPattern.MatchString(cfg.NodeID) {
		return fmt.Errorf("node_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	if err := validateNetwork(&cfg.Network); err != nil {
		return fmt.Errorf("network: %w", err)
	}
	if err := validateTunnel(&cfg.Tunnel); err != nil {
		return fmt.Errorf("tunnel: %w", err)
	}
	// pull and push transports dial through the tunnel, so a dead one must be
	// rebuilt between cycles too
	if cfg.Tunnel.Enabled && cfg.Network.KeepAlive == 0 {
		cfg.Network.KeepAlive = 30 * time.Second
	}
	if err := validateCapture(&cfg.Capture); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	if err := validateDelivery(&cfg.Delivery); err != nil {
		return fmt.Errorf("delivery: %w", err)
	}
	if err := validateTrigger(cfg); err != nil {
		return fmt.Errorf("trigger: %w", err)
	}
	if err := validateJournal(&cfg.Journal); err != nil {
		return fmt.Errorf("journal: %w", err)
	}

	// Cycle bounds
	if cfg.Cycle.IdleTick <= 0 {
		cfg.Cycle.IdleTick = 100 * time.Millisecond
	}
	if cfg.Cycle.ConnectTimeout <= 0 {
		cfg.Cycle.ConnectTimeout = cfg.Network.AssociationTimeout + cfg.Tunnel.HandshakeTimeout + 5*time.Second
	}
	if cfg.Cycle.DeliveryTimeout <= 0 {
		cfg.Cycle.DeliveryTimeout = cfg.Delivery.Timeout
	}
	if cfg.Cycle.AckTimeout <= 0 {
		cfg.Cycle.AckTimeout = 10 * time.Second
	}

	if cfg.Health.Enabled && cfg.Health.Addr == "" {
		cfg.Health.Addr = ":8080"
	}

	switch cfg.Restart.Mode {
	case "":
		cfg.Restart.Mode = "exit"
	case "none", "exit", "reboot":
	default:
		return fmt.Errorf("restart.mode must be one of none, exit, reboot")
	}

	return nil
}

func validateNetwork(n *NetworkConfig) error {
	if n.Link == "" {
		if n.SSID != "" {
			n.Link = "nmcli"
		} else {
			n.Link = "interface"
		}
	}
	switch n.Link {
	case "nmcli":
		if n.SSID == "" && n.Interface == "" {
			return fmt.Errorf("nmcli link needs ssid or interface")
		}
	case "interface":
		if n.Interface == "" {
			return fmt.Errorf("interface link needs interface")
		}
	default:
		return fmt.Errorf("link must be nmcli or interface, got %q", n.Link)
	}
	if n.AssociationTimeout <= 0 {
		n.AssociationTimeout = 10 * time.Second
	}
	if n.KeepAlive < 0 {
		return fmt.Errorf("keep_alive must be >= 0")
	}
	return nil
}

func validateTunnel(t *TunnelConfig) error {
	if !t.Enabled {
		return nil
	}
	if t.LocalAddress == "" {
		return fmt.Errorf("local_address is required")
	}
	if _, err := network.ParseKey(t.PrivateKey); err != nil {
		return fmt.Errorf("private_key: %w", err)
	}
	if _, err := network.ParseKey(t.PeerPublicKey); err != nil {
		return fmt.Errorf("peer_public_key: %w", err)
	}
	if t.PresharedKey != "" {
		if _, err := network.ParseKey(t.PresharedKey); err != nil {
			return fmt.Errorf("preshared_key: %w", err)
		}
	}
	if t.EndpointAddress == "" {
		return fmt.Errorf("endpoint_address is required")
	}
	if t.EndpointPort <= 0 || t.EndpointPort > 65535 {
		return fmt.Errorf("endpoint_port must be in 1..65535")
	}
	if t.MTU == 0 {
		t.MTU = 1420
	}
	if t.PersistentKeepalive == 0 {
		t.PersistentKeepalive = 25 * time.Second
	}
	return nil
}

func validateCapture(c *CaptureConfig) error {
	if c.Source == "" {
		c.Source = "v4l2"
	}
	switch c.Source {
	case "v4l2", "libcamera", "test", "mock":
	case "rtsp":
		if c.URL == "" {
			return fmt.Errorf("rtsp source needs url")
		}
	case "custom":
		if !strings.Contains(c.Pipeline, "appsink name=sink") {
			return fmt.Errorf("custom pipeline must end in appsink name=sink")
		}
	default:
		return fmt.Errorf("unknown source %q", c.Source)
	}
	if c.Quality == 0 {
		c.Quality = 85
	}
	if c.Quality < 1 || c.Quality > 100 {
		return fmt.Errorf("quality must be in 1..100")
	}
	if (c.Width == 0) != (c.Height == 0) {
		return fmt.Errorf("width and height must be set together")
	}
	if c.GrabTimeout <= 0 {
		c.GrabTimeout = 3 * time.Second
	}
	if c.MaxUnavailable <= 0 {
		c.MaxUnavailable = 1
	}
	return nil
}

func validateDelivery(d *DeliveryConfig) error {
	if d.Backend == "" {
		d.Backend = "firebase"
	}
	switch d.Backend {
	case "firebase":
		if d.Firebase.ProjectID == "" {
			return fmt.Errorf("firebase.project_id is required")
		}
		if d.Bucket == "" {
			d.Bucket = d.Firebase.ProjectID + ".appspot.com"
		}
		if d.Firebase.Email != "" && d.Firebase.APIKey == "" {
			return fmt.Errorf("firebase.api_key is required for email sign-in")
		}
	case "funk":
		if d.Funk.Endpoint == "" {
			d.Funk.Endpoint = "http://funk.soracom.io"
		}
	case "memory":
	default:
		return fmt.Errorf("backend must be firebase, funk or memory, got %q", d.Backend)
	}
	if d.Timeout <= 0 {
		d.Timeout = 60 * time.Second
	}
	return nil
}

func validateReconnect(r *ReconnectConfig) {
	if *r == (ReconnectConfig{}) {
		r.MaxRetries = 3
	}
	if r.RetryDelay <= 0 {
		r.RetryDelay = 5 * time.Second
	}
	if r.MaxRetryDelay < r.RetryDelay {
		r.MaxRetryDelay = r.RetryDelay
	}
}

func validateTrigger(cfg *Config) error {
	t := &cfg.Trigger
	if !t.Push.Enabled && !t.WebSocket.Enabled && !t.Pull.Enabled && !t.Timer.Enabled {
		return fmt.Errorf("at least one trigger source must be enabled")
	}

	if p := &t.Push; p.Enabled {
		if p.Broker == "" {
			return fmt.Errorf("push.broker is required")
		}
		if p.Topic == "" {
			return fmt.Errorf("push.topic is required")
		}
		if p.QoS > 2 {
			return fmt.Errorf("push.qos must be 0, 1 or 2")
		}
		if p.ClientID == "" {
			p.ClientID = "snapnode-" + cfg.NodeID
		}
		if p.Sentinel == "" {
			p.Sentinel = "photo"
		}
		if p.ConnectTimeout <= 0 {
			p.ConnectTimeout = 10 * time.Second
		}
		validateReconnect(&p.Reconnect)
	}

	if w := &t.WebSocket; w.Enabled {
		if !strings.HasPrefix(w.URL, "ws://") && !strings.HasPrefix(w.URL, "wss://") {
			return fmt.Errorf("websocket.url must be ws:// or wss://")
		}
		if w.Sentinel == "" {
			w.Sentinel = "photo"
		}
		if w.PongWait <= 0 {
			w.PongWait = 60 * time.Second
		}
		if w.PingPeriod <= 0 {
			w.PingPeriod = w.PongWait * 9 / 10
		}
		if w.PingPeriod >= w.PongWait {
			return fmt.Errorf("websocket.ping_period must be less than pong_wait")
		}
		validateReconnect(&w.Reconnect)
	}

	if p := &t.Pull; p.Enabled {
		if p.Collection == "" || p.Document == "" || p.Field == "" {
			return fmt.Errorf("pull needs collection, document and field")
		}
		if cfg.Delivery.Backend == "funk" {
			return fmt.Errorf("pull requires a delivery backend with flag support")
		}
		if p.Interval <= 0 {
			p.Interval = 5 * time.Second
		}
	}

	if t.Timer.Enabled && t.Timer.Interval <= 0 {
		t.Timer.Interval = 60 * time.Second
	}
	return nil
}

func validateJournal(j *JournalConfig) error {
	if j.PathMode == "" {
		j.PathMode = "counter"
	}
	if j.PathMode != "counter" && j.PathMode != "timestamp" {
		return fmt.Errorf("path_mode must be counter or timestamp")
	}
	if j.Prefix == "" {
		j.Prefix = "images/"
	}
	if j.Ext == "" {
		j.Ext = ".jpg"
	}
	if j.MaxRecords == 0 {
		j.MaxRecords = 1000
	}
	return nil
}
