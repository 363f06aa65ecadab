// Package node assembles a running camera node from its configuration:
// network channel, capture source, trigger sources, delivery backend,
// journal and orchestrator.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"sync"

	"github.com/e7canasta/orion-snapnode/internal/capture"
	"github.com/e7canasta/orion-snapnode/internal/config"
	"github.com/e7canasta/orion-snapnode/internal/core"
	"github.com/e7canasta/orion-snapnode/internal/delivery"
	"github.com/e7canasta/orion-snapnode/internal/network"
	"github.com/e7canasta/orion-snapnode/internal/trigger"
)

// DeviceFactory opens the capture device described by cfg
type DeviceFactory func(cfg config.CaptureConfig) (capture.Device, error)

// Option customizes how a Node is assembled
type Option func(*options)

type options struct {
	devices   DeviceFactory
	link      network.Link
	client    delivery.Client
	tunnels   network.TunnelFactory
	restarter core.Restarter
}

// WithDeviceFactory opens hardware devices. Without it only the mock
// source is available.
func WithDeviceFactory(f DeviceFactory) Option {
	return func(o *options) { o.devices = f }
}

// WithLink replaces the link built from network.link
func WithLink(l network.Link) Option {
	return func(o *options) { o.link = l }
}

// WithClient replaces the delivery backend built from delivery.backend
func WithClient(c delivery.Client) Option {
	return func(o *options) { o.client = c }
}

// WithTunnelFactory replaces the WireGuard tunnel factory
func WithTunnelFactory(f network.TunnelFactory) Option {
	return func(o *options) { o.tunnels = f }
}

// WithRestarter replaces the restarter built from restart.mode
func WithRestarter(r core.Restarter) Option {
	return func(o *options) { o.restarter = r }
}

// Node owns every component of a running camera node
type Node struct {
	Channel      *network.Channel
	Frames       *capture.Source
	Client       delivery.Client
	Journal      *delivery.Journal
	Orchestrator *core.Orchestrator

	timer *trigger.TimerSource
	pull  *trigger.PullSource
	push  []interface{ Close() error }

	mu     sync.Mutex
	cfg    *config.Config
	health *http.Server
}

// New builds a node from cfg. Nothing touches the network until Start.
func New(cfg *config.Config, opts ...Option) (*Node, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	n := &Node{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			n.Close()
		}
	}()

	// Network
	link := o.link
	if link == nil {
		switch cfg.Network.Link {
		case "nmcli":
			link = network.NewNMCLILink(nil)
		default:
			link = network.NewInterfaceLink()
		}
	}
	var chOpts []network.Option
	if o.tunnels != nil {
		chOpts = append(chOpts, network.WithTunnelFactory(o.tunnels))
	}
	n.Channel = network.NewChannel(link, chOpts...)

	// Capture
	dev, err := openDevice(cfg.Capture, o.devices)
	if err != nil {
		return nil, err
	}
	n.Frames, err = capture.NewSource(dev, capture.Config{FlushStale: cfg.Capture.FlushStale})
	if err != nil {
		dev.Close()
		return nil, err
	}

	// Delivery
	n.Client = o.client
	if n.Client == nil {
		n.Client, err = newClient(cfg.Delivery, n.Channel)
		if err != nil {
			return nil, err
		}
	}

	n.Journal, err = delivery.OpenJournal(delivery.JournalOptions{
		Dir:          cfg.Journal.Dir,
		Mode:         delivery.PathMode(cfg.Journal.PathMode),
		Prefix:       cfg.Journal.Prefix,
		Ext:          cfg.Journal.Ext,
		StartCounter: cfg.Journal.StartCounter,
		MaxRecords:   cfg.Journal.MaxRecords,
	})
	if err != nil {
		return nil, err
	}

	// Triggers
	triggers := n.buildTriggers(cfg)

	restarter := o.restarter
	if restarter == nil {
		restarter, err = core.NewRestarter(cfg.Restart.Mode)
		if err != nil {
			return nil, err
		}
	}

	n.Orchestrator, err = core.New(core.Config{
		Bucket: cfg.Delivery.Bucket,
		Flag: trigger.FlagRef{
			Collection: cfg.Trigger.Pull.Collection,
			Document:   cfg.Trigger.Pull.Document,
			Field:      cfg.Trigger.Pull.Field,
		},
		MaxUnavailable:  cfg.Capture.MaxUnavailable,
		IdleTick:        cfg.Cycle.IdleTick,
		ConnectTimeout:  cfg.Cycle.ConnectTimeout,
		DeliveryTimeout: cfg.Cycle.DeliveryTimeout,
		AckTimeout:      cfg.Cycle.AckTimeout,
		KeepAlive:       cfg.Network.KeepAlive,
	}, core.Deps{
		Channel:   n.Channel,
		Triggers:  triggers,
		Frames:    n.Frames,
		Client:    n.Client,
		Journal:   n.Journal,
		Restarter: restarter,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("node: assembled",
		"node_id", cfg.NodeID,
		"link", cfg.Network.Link,
		"tunnel", cfg.Tunnel.Enabled,
		"capture", cfg.Capture.Source,
		"delivery", cfg.Delivery.Backend,
		"triggers", triggers.Name(),
	)

	ok = true
	return n, nil
}

func openDevice(cfg config.CaptureConfig, factory DeviceFactory) (capture.Device, error) {
	if cfg.Source == "mock" {
		return capture.NewMockDevice(cfg.MockFrameBytes), nil
	}
	if factory == nil {
		return nil, fmt.Errorf("node: no device support for capture source %q", cfg.Source)
	}
	dev, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("node: open capture device: %w", err)
	}
	return dev, nil
}

func newClient(cfg config.DeliveryConfig, dialer *network.Channel) (delivery.Client, error) {
	switch cfg.Backend {
	case "firebase":
		c, err := delivery.NewFirebaseClient(delivery.FirebaseConfig{
			APIKey:    cfg.Firebase.APIKey,
			ProjectID: cfg.Firebase.ProjectID,
			Database:  cfg.Firebase.Database,
			Email:     cfg.Firebase.Email,
			Password:  cfg.Firebase.Password,
			Timeout:   cfg.Timeout,
			Dialer:    dialer,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case "funk":
		return delivery.NewFunkClient(cfg.Funk.Endpoint, cfg.Timeout, dialer), nil
	case "memory":
		return delivery.NewMemoryClient(), nil
	default:
		return nil, fmt.Errorf("node: unknown delivery backend %q", cfg.Backend)
	}
}

func reconnectConfig(r config.ReconnectConfig) trigger.ReconnectConfig {
	return trigger.ReconnectConfig{
		MaxRetries:    r.MaxRetries,
		RetryDelay:    r.RetryDelay,
		MaxRetryDelay: r.MaxRetryDelay,
	}
}

// buildTriggers returns the enabled sources in priority order: push
// commands first, the timelapse last
func (n *Node) buildTriggers(cfg *config.Config) trigger.Multi {
	var sources trigger.Multi
	t := cfg.Trigger

	if t.Push.Enabled {
		p := trigger.NewMQTTPush(trigger.MQTTConfig{
			Broker:         t.Push.Broker,
			ClientID:       t.Push.ClientID,
			Username:       t.Push.Username,
			Password:       t.Push.Password,
			Topic:          t.Push.Topic,
			QoS:            t.Push.QoS,
			Sentinel:       t.Push.Sentinel,
			ConnectTimeout: t.Push.ConnectTimeout,
			Reconnect:      reconnectConfig(t.Push.Reconnect),
			Dialer:         n.Channel,
		})
		n.push = append(n.push, p)
		sources = append(sources, p)
	}

	if t.WebSocket.Enabled {
		w := trigger.NewWebSocketPush(trigger.WebSocketConfig{
			URL:        t.WebSocket.URL,
			Token:      t.WebSocket.Token,
			Sentinel:   t.WebSocket.Sentinel,
			Reconnect:  reconnectConfig(t.WebSocket.Reconnect),
			Dialer:     n.Channel,
			PingPeriod: t.WebSocket.PingPeriod,
			PongWait:   t.WebSocket.PongWait,
		})
		n.push = append(n.push, w)
		sources = append(sources, w)
	}

	if t.Pull.Enabled {
		n.pull = trigger.NewPullSource(n.Client, trigger.FlagRef{
			Collection: t.Pull.Collection,
			Document:   t.Pull.Document,
			Field:      t.Pull.Field,
		}, t.Pull.Interval)
		sources = append(sources, n.pull)
	}

	if t.Timer.Enabled {
		n.timer = trigger.NewTimerSource(t.Timer.Interval)
		sources = append(sources, n.timer)
	}

	return sources
}

// Start attaches the link, brings up the tunnel and starts the health
// server. Connectivity failures are logged and left to the cycle gate.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	cfg := n.cfg
	n.mu.Unlock()

	err := n.Channel.Connect(ctx, network.Config{
		SSID:               cfg.Network.SSID,
		Secret:             cfg.Network.Secret,
		Interface:          cfg.Network.Interface,
		AssociationTimeout: cfg.Network.AssociationTimeout,
	})
	if err != nil {
		slog.Warn("node: initial connect failed", "error", err)
	}

	if cfg.Tunnel.Enabled {
		tc := cfg.Tunnel
		err := n.Channel.EstablishTunnel(ctx, network.TunnelConfig{
			LocalAddress:        tc.LocalAddress,
			PrivateKey:          tc.PrivateKey,
			PeerPublicKey:       tc.PeerPublicKey,
			PresharedKey:        tc.PresharedKey,
			EndpointAddress:     tc.EndpointAddress,
			EndpointPort:        tc.EndpointPort,
			AllowedIPs:          tc.AllowedIPs,
			DNS:                 tc.DNS,
			MTU:                 tc.MTU,
			PersistentKeepalive: tc.PersistentKeepalive,
			HandshakeTimeout:    tc.HandshakeTimeout,
		})
		if err != nil {
			slog.Warn("node: initial tunnel failed", "error", err)
		}
	}

	if cfg.Health.Enabled {
		srv, err := n.Orchestrator.StartHealthServer(cfg.Health.Addr)
		if err != nil {
			return fmt.Errorf("node: health server: %w", err)
		}
		n.mu.Lock()
		n.health = srv
		n.mu.Unlock()
	}
	return nil
}

// Run drives the orchestrator until ctx is done
func (n *Node) Run(ctx context.Context) error {
	return n.Orchestrator.Run(ctx)
}

// ApplyConfig hot-applies a reloaded configuration. Only trigger cadences
// take effect; any other difference is reported and needs a restart.
func (n *Node) ApplyConfig(newCfg *config.Config) (changes []string, restartRequired bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	old := n.cfg
	slog.Info("applying config update")

	if n.timer != nil && newCfg.Trigger.Timer.Interval != old.Trigger.Timer.Interval {
		n.timer.SetInterval(newCfg.Trigger.Timer.Interval)
		changes = append(changes, fmt.Sprintf("trigger.timer.interval: %v -> %v",
			old.Trigger.Timer.Interval, newCfg.Trigger.Timer.Interval))
	}
	if n.pull != nil && newCfg.Trigger.Pull.Interval != old.Trigger.Pull.Interval {
		n.pull.SetInterval(newCfg.Trigger.Pull.Interval)
		changes = append(changes, fmt.Sprintf("trigger.pull.interval: %v -> %v",
			old.Trigger.Pull.Interval, newCfg.Trigger.Pull.Interval))
	}

	// anything else needs a restart
	rest := *newCfg
	rest.Trigger.Timer.Interval = old.Trigger.Timer.Interval
	rest.Trigger.Pull.Interval = old.Trigger.Pull.Interval
	restartRequired = !reflect.DeepEqual(&rest, old)

	applied := *old
	applied.Trigger.Timer.Interval = newCfg.Trigger.Timer.Interval
	applied.Trigger.Pull.Interval = newCfg.Trigger.Pull.Interval
	n.cfg = &applied

	if len(changes) > 0 {
		slog.Info("config updated", "changes", changes)
	}
	if restartRequired {
		slog.Warn("config: changes outside trigger cadences need a restart to take effect")
	}
	return changes, restartRequired
}

// Shutdown stops the health server gracefully, then closes the node
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	srv := n.health
	n.health = nil
	n.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	return errors.Join(err, n.Close())
}

// Close releases every component. Safe on a partially built node. The
// tunnel is torn down but the link stays associated.
func (n *Node) Close() error {
	var errs []error

	n.mu.Lock()
	srv := n.health
	n.health = nil
	n.mu.Unlock()
	if srv != nil {
		errs = append(errs, srv.Close())
	}

	for _, p := range n.push {
		errs = append(errs, p.Close())
	}
	if n.Frames != nil {
		errs = append(errs, n.Frames.Close())
	}
	if n.Journal != nil {
		errs = append(errs, n.Journal.Close())
	}
	if n.Channel != nil {
		errs = append(errs, n.Channel.Close())
	}
	return errors.Join(errs...)
}
