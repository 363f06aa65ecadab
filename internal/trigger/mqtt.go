package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-snapnode/internal/types"
)

// Dialer opens transport connections, usually through the network channel
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// MQTTConfig contains configuration for the MQTT push trigger
type MQTTConfig struct {
	// Broker URL (e.g. "tcp://broker.local:1883")
	Broker         string
	ClientID       string
	Username       string
	Password       string
	Topic          string
	QoS            byte
	Sentinel       string
	ConnectTimeout time.Duration
	Reconnect      ReconnectConfig
	// Dialer replaces the default TCP dialer for tcp:// and mqtt:// brokers
	Dialer Dialer
}

// PushStats contains push trigger statistics
type PushStats struct {
	Connected   bool
	Received    uint64
	Ignored     uint64
	ParseErrors uint64
	Coalesced   uint64
	Reconnects  uint64
}

// subscriber is the slice of an MQTT client the push trigger needs
type subscriber interface {
	Connect(ctx context.Context) error
	Subscribe(topic string, qos byte, handler func(payload []byte)) error
	IsConnected() bool
	Disconnect()
}

// MQTTPush turns {"message":"photo"} publications into capture triggers.
//
// Messages are parsed on the client's goroutine and land in a single-slot
// mailbox; Poll takes from it. When the broker connection is down Poll
// blocks in the reconnect loop and resubscribes before returning.
type MQTTPush struct {
	cfg MQTTConfig
	sub subscriber
	box mailbox

	connectMu   sync.Mutex
	ignored     uint64
	parseErrors uint64
	reconnects  uint64
	everUp      atomic.Bool
}

// NewMQTTPush creates an MQTT push trigger backed by paho
func NewMQTTPush(cfg MQTTConfig) *MQTTPush {
	cfg = withMQTTDefaults(cfg)
	return newMQTTPush(cfg, newPahoSubscriber(cfg))
}

func newMQTTPush(cfg MQTTConfig, sub subscriber) *MQTTPush {
	return &MQTTPush{cfg: withMQTTDefaults(cfg), sub: sub}
}

func withMQTTDefaults(cfg MQTTConfig) MQTTConfig {
	if cfg.Sentinel == "" {
		cfg.Sentinel = DefaultSentinel
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.Reconnect.RetryDelay <= 0 {
		cfg.Reconnect = DefaultReconnectConfig()
	}
	return cfg
}

// Name implements Source
func (p *MQTTPush) Name() string {
	return "mqtt"
}

// Poll implements Source
func (p *MQTTPush) Poll(ctx context.Context) (types.TriggerEvent, bool) {
	if !p.sub.IsConnected() {
		if err := p.reconnect(ctx); err != nil {
			return types.TriggerEvent{}, false
		}
	}
	return p.box.take()
}

func (p *MQTTPush) reconnect(ctx context.Context) error {
	p.connectMu.Lock()
	defer p.connectMu.Unlock()

	if p.sub.IsConnected() {
		return nil
	}
	if p.everUp.Load() {
		atomic.AddUint64(&p.reconnects, 1)
		slog.Warn("trigger: mqtt connection down, reconnecting",
			"broker", p.cfg.Broker,
			"delay", p.cfg.Reconnect.RetryDelay,
		)
	}
	return RunWithReconnect(ctx, p.Name(), p.connect, p.cfg.Reconnect)
}

func (p *MQTTPush) connect(ctx context.Context) error {
	if err := p.sub.Connect(ctx); err != nil {
		return err
	}
	if err := p.sub.Subscribe(p.cfg.Topic, p.cfg.QoS, p.onMessage); err != nil {
		p.sub.Disconnect()
		return err
	}
	p.everUp.Store(true)
	slog.Info("trigger: mqtt subscribed", "broker", p.cfg.Broker, "topic", p.cfg.Topic, "qos", p.cfg.QoS)
	return nil
}

// onMessage runs on the client goroutine and only writes the mailbox
func (p *MQTTPush) onMessage(payload []byte) {
	deliverCommand(p.Name(), payload, p.cfg.Sentinel, &p.box, &p.ignored, &p.parseErrors)
}

// deliverCommand parses payload and puts actionable commands in box
func deliverCommand(source string, payload []byte, sentinel string, box *mailbox, ignored, parseErrors *uint64) {
	cmd, err := ParseCommand(payload, sentinel)
	if err != nil {
		atomic.AddUint64(parseErrors, 1)
		slog.Warn("trigger: dropping malformed command", "source", source, "error", err)
		return
	}
	if cmd.Kind == types.TriggerUnknown {
		atomic.AddUint64(ignored, 1)
		slog.Debug("trigger: ignoring command", "source", source, "message", cmd.Message)
		return
	}

	box.put(types.TriggerEvent{
		Kind:       cmd.Kind,
		Payload:    cmd.Message,
		Source:     source,
		ReceivedAt: time.Now(),
	})
	slog.Debug("trigger: command queued", "source", source, "message", cmd.Message)
}

// Stats returns push statistics
func (p *MQTTPush) Stats() PushStats {
	received, drops := p.box.counts()
	return PushStats{
		Connected:   p.sub.IsConnected(),
		Received:    received,
		Ignored:     atomic.LoadUint64(&p.ignored),
		ParseErrors: atomic.LoadUint64(&p.parseErrors),
		Coalesced:   drops,
		Reconnects:  atomic.LoadUint64(&p.reconnects),
	}
}

// Close disconnects from the broker
func (p *MQTTPush) Close() error {
	p.sub.Disconnect()
	return nil
}

// pahoSubscriber adapts a paho client. Automatic reconnection is disabled;
// the push trigger owns the reconnect schedule.
type pahoSubscriber struct {
	cfg    MQTTConfig
	client mqtt.Client
}

func newPahoSubscriber(cfg MQTTConfig) *pahoSubscriber {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOrderMatters(false)

	if cfg.Dialer != nil {
		dialer := cfg.Dialer
		timeout := cfg.ConnectTimeout
		opts.SetCustomOpenConnectionFn(func(uri *url.URL, options mqtt.ClientOptions) (net.Conn, error) {
			if uri.Scheme != "tcp" && uri.Scheme != "mqtt" {
				return nil, fmt.Errorf("mqtt: scheme %q not supported through the network channel", uri.Scheme)
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			return dialer.DialContext(ctx, "tcp", uri.Host)
		})
	}

	opts.OnConnect = func(c mqtt.Client) {
		slog.Info("trigger: mqtt connection established",
			"broker", cfg.Broker,
			"client_id", cfg.ClientID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		slog.Warn("trigger: mqtt connection lost",
			"error", err,
			"broker", cfg.Broker,
		)
	}

	return &pahoSubscriber{cfg: cfg, client: mqtt.NewClient(opts)}
}

func (s *pahoSubscriber) Connect(ctx context.Context) error {
	token := s.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.cfg.ConnectTimeout + time.Second):
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	return nil
}

func (s *pahoSubscriber) Subscribe(topic string, qos byte, handler func(payload []byte)) error {
	token := s.client.Subscribe(topic, qos, func(c mqtt.Client, m mqtt.Message) {
		handler(m.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscription failed: %w", err)
	}
	return nil
}

func (s *pahoSubscriber) IsConnected() bool {
	return s.client.IsConnectionOpen()
}

func (s *pahoSubscriber) Disconnect() {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}
