package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-snapnode/internal/types"
)

// DefaultAssociationTimeout bounds Connect when the config leaves it unset
const DefaultAssociationTimeout = 10 * time.Second

// Stats contains channel statistics
type Stats struct {
	State            types.ConnectionState
	Connects         uint64
	ConnectFailures  uint64
	Tunnels          uint64
	TunnelFailures   uint64
	Downgrades       uint64
	LastStateChange  time.Time
	TunnelConfigured bool
}

// Option configures a Channel
type Option func(*Channel)

// WithTunnelFactory replaces the WireGuard tunnel constructor
func WithTunnelFactory(f TunnelFactory) Option {
	return func(c *Channel) {
		c.newTunnel = f
	}
}

// WithDialer sets the dialer used while no tunnel is up
func WithDialer(d *net.Dialer) Option {
	return func(c *Channel) {
		c.dialer = d
	}
}

// Channel keeps the node attached to its network and, optionally, to a
// WireGuard overlay.
//
// State transitions happen only inside Connect, EnsureConnected,
// EstablishTunnel, Disconnect and a failed liveness check in Status.
// Operations are serialized; Status and Stats never wait on an operation.
type Channel struct {
	link      Link
	newTunnel TunnelFactory
	dialer    *net.Dialer

	opMu sync.Mutex // serializes connect/ensure/tunnel/disconnect

	mu        sync.Mutex
	state     types.ConnectionState
	changedAt time.Time
	netCfg    *Config
	tunCfg    *TunnelConfig
	tunnel    Tunnel

	connects        uint64
	connectFailures uint64
	tunnels         uint64
	tunnelFailures  uint64
	downgrades      uint64
}

// NewChannel creates a channel over link
func NewChannel(link Link, opts ...Option) *Channel {
	c := &Channel{
		link:      link,
		newTunnel: NewWireGuardTunnel,
		dialer:    &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second},
		state:     types.Disconnected,
		changedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel) setState(s types.ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(s)
}

func (c *Channel) setStateLocked(s types.ConnectionState) {
	if c.state == s {
		return
	}
	slog.Info("network: state changed", "from", c.state.String(), "to", s.String())
	c.state = s
	c.changedAt = time.Now()
}

// Connect associates the link, bounded by cfg.AssociationTimeout.
//
// On timeout the returned error matches ErrAssociationTimeout and the
// channel is left Disconnected.
func (c *Channel) Connect(ctx context.Context, cfg Config) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.connect(ctx, cfg)
}

func (c *Channel) connect(ctx context.Context, cfg Config) error {
	if cfg.AssociationTimeout <= 0 {
		cfg.AssociationTimeout = DefaultAssociationTimeout
	}

	c.mu.Lock()
	c.netCfg = &cfg
	c.setStateLocked(types.Connecting)
	c.mu.Unlock()

	assocCtx, cancel := context.WithTimeout(ctx, cfg.AssociationTimeout)
	defer cancel()

	// Associate runs aside so the timeout holds even for links that
	// ignore ctx.
	done := make(chan error, 1)
	go func() {
		done <- c.link.Associate(assocCtx, cfg)
	}()

	var err error
	select {
	case err = <-done:
	case <-assocCtx.Done():
		err = assocCtx.Err()
	}

	if err == nil && !c.link.Up(cfg) {
		err = fmt.Errorf("link associated but has no address")
	}

	if err != nil {
		atomic.AddUint64(&c.connectFailures, 1)
		c.setState(types.Disconnected)

		if ctx.Err() == nil && errors.Is(assocCtx.Err(), context.DeadlineExceeded) {
			slog.Warn("network: association timed out",
				"ssid", cfg.SSID,
				"interface", cfg.Interface,
				"timeout", cfg.AssociationTimeout,
			)
			return &NetworkError{Op: "connect", Err: ErrAssociationTimeout}
		}
		slog.Warn("network: association failed", "ssid", cfg.SSID, "error", err)
		return &NetworkError{Op: "connect", Err: err}
	}

	atomic.AddUint64(&c.connects, 1)
	c.setState(types.Connected)
	return nil
}

// EnsureConnected makes one attempt to bring the channel back.
//
// It is a no-op when the link (and the tunnel, if one was configured) is
// alive. Otherwise it disconnects and connects exactly once, then
// re-establishes the configured tunnel once. It never loops; callers own
// the retry cadence.
func (c *Channel) EnsureConnected(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	state := c.Status()

	c.mu.Lock()
	netCfg := c.netCfg
	tunCfg := c.tunCfg
	c.mu.Unlock()

	if netCfg == nil {
		return &NetworkError{Op: "ensure", Err: ErrNotConfigured}
	}

	switch {
	case state == types.TunnelUp:
		return nil
	case state == types.Connected && tunCfg == nil:
		return nil
	case state == types.Connected:
		slog.Info("network: link up, re-establishing tunnel")
		return c.establishTunnel(ctx, *tunCfg)
	}

	slog.Info("network: reconnecting", "state", state.String())
	c.disconnect(ctx)

	if err := c.connect(ctx, *netCfg); err != nil {
		return err
	}
	if tunCfg != nil {
		return c.establishTunnel(ctx, *tunCfg)
	}
	return nil
}

// EstablishTunnel brings up the overlay once. Requires an attached link.
// The configuration is remembered for EnsureConnected.
func (c *Channel) EstablishTunnel(ctx context.Context, cfg TunnelConfig) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.establishTunnel(ctx, cfg)
}

func (c *Channel) establishTunnel(ctx context.Context, cfg TunnelConfig) error {
	c.mu.Lock()
	c.tunCfg = &cfg
	state := c.state
	old := c.tunnel
	c.tunnel = nil
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}

	if !state.IsConnected() {
		atomic.AddUint64(&c.tunnelFailures, 1)
		return &TunnelError{Op: "establish", Err: ErrNotConnected}
	}
	if state == types.TunnelUp {
		c.setState(types.Connected)
	}

	tun, err := c.newTunnel(cfg)
	if err != nil {
		atomic.AddUint64(&c.tunnelFailures, 1)
		slog.Warn("network: invalid tunnel config", "error", err)
		return &TunnelError{Op: "configure", Err: err}
	}

	if err := tun.Up(ctx); err != nil {
		atomic.AddUint64(&c.tunnelFailures, 1)
		tun.Close()
		slog.Warn("network: tunnel failed", "endpoint", cfg.EndpointAddress, "error", err)
		return &TunnelError{Op: "up", Err: err}
	}

	c.mu.Lock()
	c.tunnel = tun
	c.setStateLocked(types.TunnelUp)
	c.mu.Unlock()

	atomic.AddUint64(&c.tunnels, 1)
	return nil
}

// Status re-checks liveness and returns the current state.
//
// A failed link check downgrades to Disconnected; a dead tunnel on a live
// link downgrades to Connected. No other path lowers the state.
func (c *Channel) Status() types.ConnectionState {
	c.mu.Lock()
	state := c.state
	netCfg := c.netCfg
	tun := c.tunnel
	c.mu.Unlock()

	if !state.IsConnected() || netCfg == nil {
		return state
	}

	next := state
	if !c.link.Up(*netCfg) {
		next = types.Disconnected
	} else if state == types.TunnelUp && (tun == nil || !tun.Alive()) {
		next = types.Connected
	}

	if next == state {
		return state
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// another goroutine may have moved the state meanwhile
	if c.state != state {
		return c.state
	}
	atomic.AddUint64(&c.downgrades, 1)
	slog.Warn("network: liveness check failed", "from", state.String(), "to", next.String())
	c.setStateLocked(next)
	return next
}

// Ready reports whether traffic may flow: the link is attached and, once a
// tunnel has been configured, the tunnel is up. Runs the Status liveness check.
func (c *Channel) Ready() bool {
	state := c.Status()

	c.mu.Lock()
	tunneled := c.tunCfg != nil
	c.mu.Unlock()

	if tunneled {
		return state == types.TunnelUp
	}
	return state.IsConnected()
}

// Disconnect tears down the tunnel and detaches the link
func (c *Channel) Disconnect(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.disconnect(ctx)
}

func (c *Channel) disconnect(ctx context.Context) error {
	c.mu.Lock()
	tun := c.tunnel
	c.tunnel = nil
	netCfg := c.netCfg
	c.mu.Unlock()

	if tun != nil {
		tun.Close()
	}

	var err error
	if netCfg != nil {
		if derr := c.link.Disassociate(ctx, *netCfg); derr != nil {
			slog.Debug("network: disassociate failed", "error", derr)
			err = &NetworkError{Op: "disconnect", Err: derr}
		}
	}
	c.setState(types.Disconnected)
	return err
}

// DialContext dials through the tunnel when it is up. Without a tunnel
// configuration it uses the host network; with one, it never falls back.
func (c *Channel) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	c.mu.Lock()
	tun := c.tunnel
	state := c.state
	tunneled := c.tunCfg != nil
	c.mu.Unlock()

	if state == types.TunnelUp && tun != nil {
		return tun.DialContext(ctx, network, addr)
	}
	if tunneled {
		return nil, &TunnelError{Op: "dial", Err: ErrTunnelDown}
	}
	return c.dialer.DialContext(ctx, network, addr)
}

// Stats returns current channel statistics without a liveness check
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		State:            c.state,
		Connects:         atomic.LoadUint64(&c.connects),
		ConnectFailures:  atomic.LoadUint64(&c.connectFailures),
		Tunnels:          atomic.LoadUint64(&c.tunnels),
		TunnelFailures:   atomic.LoadUint64(&c.tunnelFailures),
		Downgrades:       atomic.LoadUint64(&c.downgrades),
		LastStateChange:  c.changedAt,
		TunnelConfigured: c.tunCfg != nil,
	}
}

// Close tears down the tunnel. The link stays associated; the host may
// depend on it for other traffic.
func (c *Channel) Close() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	tun := c.tunnel
	c.tunnel = nil
	if c.state == types.TunnelUp {
		c.setStateLocked(types.Connected)
	}
	c.mu.Unlock()

	if tun == nil {
		return nil
	}
	if err := tun.Close(); err != nil {
		return &TunnelError{Op: "close", Err: err}
	}
	return nil
}
