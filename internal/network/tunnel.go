package network

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun/netstack"
)

const (
	defaultTunnelMTU = 1420
	// rejectAfter is WireGuard's session lifetime; a peer without a
	// handshake in this window is unreachable
	rejectAfter = 180 * time.Second
)

// TunnelConfig is the WireGuard overlay configuration. Keys are base64.
type TunnelConfig struct {
	LocalAddress        string
	PrivateKey          string
	PeerPublicKey       string
	PresharedKey        string
	EndpointAddress     string
	EndpointPort        int
	AllowedIPs          []string
	DNS                 []string
	MTU                 int
	PersistentKeepalive time.Duration
	// HandshakeTimeout bounds the wait for the first handshake after Up.
	// Zero skips the wait.
	HandshakeTimeout time.Duration
}

// Validate checks keys and addresses without touching the network
func (c TunnelConfig) Validate() error {
	if _, err := ParseKey(c.PrivateKey); err != nil {
		return fmt.Errorf("private_key: %w", err)
	}
	if _, err := ParseKey(c.PeerPublicKey); err != nil {
		return fmt.Errorf("peer_public_key: %w", err)
	}
	if c.PresharedKey != "" {
		if _, err := ParseKey(c.PresharedKey); err != nil {
			return fmt.Errorf("preshared_key: %w", err)
		}
	}
	if _, err := parseLocalAddress(c.LocalAddress); err != nil {
		return err
	}
	if c.EndpointAddress == "" {
		return fmt.Errorf("endpoint_address is required")
	}
	if c.EndpointPort <= 0 || c.EndpointPort > 65535 {
		return fmt.Errorf("endpoint_port %d out of range", c.EndpointPort)
	}
	for _, d := range c.DNS {
		if _, err := netip.ParseAddr(d); err != nil {
			return fmt.Errorf("dns %q: %w", d, err)
		}
	}
	for _, p := range c.AllowedIPs {
		if _, err := netip.ParsePrefix(p); err != nil {
			return fmt.Errorf("allowed_ip %q: %w", p, err)
		}
	}
	return nil
}

// Tunnel is an encrypted overlay brought up over an attached link
type Tunnel interface {
	Up(ctx context.Context) error
	// Alive reports whether the peer is still reachable
	Alive() bool
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	Close() error
}

// TunnelFactory builds a tunnel from its configuration
type TunnelFactory func(cfg TunnelConfig) (Tunnel, error)

// WireGuardTunnel is a userspace WireGuard device on a gVisor netstack.
// No kernel interface is created; traffic enters through DialContext.
type WireGuardTunnel struct {
	cfg TunnelConfig

	mu    sync.Mutex
	dev   *device.Device
	tnet  *netstack.Net
	upAt  time.Time
	alive bool
}

// NewWireGuardTunnel is the default TunnelFactory
func NewWireGuardTunnel(cfg TunnelConfig) (Tunnel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MTU <= 0 {
		cfg.MTU = defaultTunnelMTU
	}
	if len(cfg.AllowedIPs) == 0 {
		cfg.AllowedIPs = []string{"0.0.0.0/0"}
	}
	return &WireGuardTunnel{cfg: cfg}, nil
}

// Up implements Tunnel
func (w *WireGuardTunnel) Up(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dev != nil {
		return nil
	}

	local, _ := parseLocalAddress(w.cfg.LocalAddress)
	var dns []netip.Addr
	for _, d := range w.cfg.DNS {
		dns = append(dns, netip.MustParseAddr(d))
	}

	endpoint, err := resolveEndpoint(ctx, w.cfg.EndpointAddress, w.cfg.EndpointPort)
	if err != nil {
		return err
	}

	tunDev, tnet, err := netstack.CreateNetTUN([]netip.Addr{local}, dns, w.cfg.MTU)
	if err != nil {
		return fmt.Errorf("create netstack: %w", err)
	}

	dev := device.NewDevice(tunDev, conn.NewDefaultBind(), newDeviceLogger())

	uapi, err := buildUAPI(w.cfg, endpoint)
	if err != nil {
		dev.Close()
		return err
	}
	if err := dev.IpcSet(uapi); err != nil {
		dev.Close()
		return fmt.Errorf("configure device: %w", err)
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return fmt.Errorf("bring device up: %w", err)
	}

	w.dev = dev
	w.tnet = tnet
	w.upAt = time.Now()

	slog.Info("network: wireguard device up",
		"local_address", local.String(),
		"endpoint", endpoint.String(),
		"mtu", w.cfg.MTU,
	)

	if w.cfg.HandshakeTimeout > 0 {
		if err := w.waitHandshake(ctx); err != nil {
			w.closeLocked()
			return err
		}
	}
	w.alive = true
	return nil
}

func (w *WireGuardTunnel) waitHandshake(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.HandshakeTimeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if !w.lastHandshake().IsZero() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("no handshake within %s: %w", w.cfg.HandshakeTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (w *WireGuardTunnel) lastHandshake() time.Time {
	if w.dev == nil {
		return time.Time{}
	}
	ipc, err := w.dev.IpcGet()
	if err != nil {
		return time.Time{}
	}
	return parseLastHandshake(ipc)
}

// Alive implements Tunnel
func (w *WireGuardTunnel) Alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dev == nil || !w.alive {
		return false
	}
	if time.Since(w.upAt) < rejectAfter {
		return true
	}
	hs := w.lastHandshake()
	return !hs.IsZero() && time.Since(hs) < rejectAfter
}

// DialContext implements Tunnel
func (w *WireGuardTunnel) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	w.mu.Lock()
	tnet := w.tnet
	w.mu.Unlock()
	if tnet == nil {
		return nil, ErrNotConnected
	}
	return tnet.DialContext(ctx, network, addr)
}

// Close implements Tunnel
func (w *WireGuardTunnel) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeLocked()
	return nil
}

func (w *WireGuardTunnel) closeLocked() {
	if w.dev != nil {
		w.dev.Close()
		slog.Info("network: wireguard device closed")
	}
	w.dev = nil
	w.tnet = nil
	w.alive = false
}

func parseLocalAddress(s string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, fmt.Errorf("local_address is required")
	}
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("local_address %q: %w", s, err)
		}
		return p.Addr(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("local_address %q: %w", s, err)
	}
	return a, nil
}

func resolveEndpoint(ctx context.Context, host string, port int) (netip.AddrPort, error) {
	if a, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(a, uint16(port)), nil
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve endpoint %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("resolve endpoint %q: no addresses", host)
	}
	// Prefer IPv4
	for _, a := range addrs {
		if a.Unmap().Is4() {
			return netip.AddrPortFrom(a.Unmap(), uint16(port)), nil
		}
	}
	return netip.AddrPortFrom(addrs[0], uint16(port)), nil
}

// buildUAPI renders the device configuration in the WireGuard UAPI format
func buildUAPI(cfg TunnelConfig, endpoint netip.AddrPort) (string, error) {
	priv, err := ParseKey(cfg.PrivateKey)
	if err != nil {
		return "", err
	}
	peer, err := ParseKey(cfg.PeerPublicKey)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%s\n", priv.Hex())
	b.WriteString("replace_peers=true\n")
	fmt.Fprintf(&b, "public_key=%s\n", peer.Hex())
	if cfg.PresharedKey != "" {
		psk, err := ParseKey(cfg.PresharedKey)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "preshared_key=%s\n", psk.Hex())
	}
	fmt.Fprintf(&b, "endpoint=%s\n", endpoint.String())
	if cfg.PersistentKeepalive > 0 {
		fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", int(cfg.PersistentKeepalive/time.Second))
	}
	b.WriteString("replace_allowed_ips=true\n")
	allowed := cfg.AllowedIPs
	if len(allowed) == 0 {
		allowed = []string{"0.0.0.0/0"}
	}
	for _, p := range allowed {
		fmt.Fprintf(&b, "allowed_ip=%s\n", p)
	}
	return b.String(), nil
}

// parseLastHandshake extracts the most recent peer handshake from IpcGet output
func parseLastHandshake(ipc string) time.Time {
	var sec, nsec int64
	sc := bufio.NewScanner(strings.NewReader(ipc))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		switch key {
		case "last_handshake_time_sec":
			sec, _ = strconv.ParseInt(value, 10, 64)
		case "last_handshake_time_nsec":
			nsec, _ = strconv.ParseInt(value, 10, 64)
		}
	}
	if sec == 0 && nsec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, nsec)
}

func newDeviceLogger() *device.Logger {
	return &device.Logger{
		Verbosef: func(format string, args ...any) {
			slog.Debug("network: wireguard: " + fmt.Sprintf(format, args...))
		},
		Errorf: func(format string, args ...any) {
			slog.Error("network: wireguard: " + fmt.Sprintf(format, args...))
		},
	}
}
