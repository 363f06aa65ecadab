package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/orion-snapnode/internal/types"
)

// fakeLink is a scriptable Link
type fakeLink struct {
	mu           sync.Mutex
	up           bool
	block        bool // Associate ignores ctx and never returns on its own
	assocErr     error
	associates   int
	disassociate int
	release      chan struct{}
}

func newFakeLink() *fakeLink {
	return &fakeLink{release: make(chan struct{})}
}

func (l *fakeLink) Associate(ctx context.Context, cfg Config) error {
	l.mu.Lock()
	l.associates++
	block, err := l.block, l.assocErr
	l.mu.Unlock()

	if block {
		<-l.release
		return nil
	}
	if err != nil {
		return err
	}
	l.setUp(true)
	return nil
}

func (l *fakeLink) Disassociate(ctx context.Context, cfg Config) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disassociate++
	l.up = false
	return nil
}

func (l *fakeLink) Up(Config) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.up
}

func (l *fakeLink) setUp(up bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.up = up
}

func (l *fakeLink) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.associates, l.disassociate
}

// fakeTunnel is a scriptable Tunnel
type fakeTunnel struct {
	mu     sync.Mutex
	upErr  error
	alive  bool
	closed bool
}

func (f *fakeTunnel) Up(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upErr != nil {
		return f.upErr
	}
	f.alive = true
	return nil
}

func (f *fakeTunnel) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive && !f.closed
}

func (f *fakeTunnel) DialContext(context.Context, string, string) (net.Conn, error) {
	return nil, errors.New("fake tunnel dial")
}

func (f *fakeTunnel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTunnel) kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = false
}

// tunnelRecorder hands out fake tunnels and remembers them
type tunnelRecorder struct {
	upErr   error
	created []*fakeTunnel
}

func (r *tunnelRecorder) factory(TunnelConfig) (Tunnel, error) {
	t := &fakeTunnel{upErr: r.upErr}
	r.created = append(r.created, t)
	return t, nil
}

func (r *tunnelRecorder) last() *fakeTunnel {
	return r.created[len(r.created)-1]
}

var testNet = Config{SSID: "field", Secret: "secret", Interface: "wlan0", AssociationTimeout: time.Second}

func TestChannel_Connect(t *testing.T) {
	link := newFakeLink()
	ch := NewChannel(link)

	if got := ch.Status(); got != types.Disconnected {
		t.Fatalf("initial Status() = %v, want disconnected", got)
	}
	if err := ch.Connect(context.Background(), testNet); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := ch.Status(); got != types.Connected {
		t.Errorf("Status() = %v, want connected", got)
	}
	if got := ch.Stats().Connects; got != 1 {
		t.Errorf("Connects = %d, want 1", got)
	}
}

func TestChannel_ConnectTimeout(t *testing.T) {
	link := newFakeLink()
	link.block = true
	defer close(link.release)

	ch := NewChannel(link)
	cfg := testNet
	cfg.AssociationTimeout = 50 * time.Millisecond

	start := time.Now()
	err := ch.Connect(context.Background(), cfg)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrAssociationTimeout) {
		t.Fatalf("Connect() error = %v, want ErrAssociationTimeout", err)
	}
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Errorf("error %T is not *NetworkError", err)
	}
	if elapsed > time.Second {
		t.Errorf("Connect() took %v, want bounded by association timeout", elapsed)
	}
	if got := ch.Status(); got != types.Disconnected {
		t.Errorf("Status() = %v, want disconnected", got)
	}
}

func TestChannel_ConnectFailure(t *testing.T) {
	link := newFakeLink()
	link.assocErr = errors.New("wrong password")
	ch := NewChannel(link)

	err := ch.Connect(context.Background(), testNet)
	if err == nil || errors.Is(err, ErrAssociationTimeout) {
		t.Fatalf("Connect() error = %v, want association failure", err)
	}
	if got := ch.Stats().ConnectFailures; got != 1 {
		t.Errorf("ConnectFailures = %d, want 1", got)
	}
}

func TestChannel_EnsureConnected(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		ch := NewChannel(newFakeLink())
		if err := ch.EnsureConnected(context.Background()); !errors.Is(err, ErrNotConfigured) {
			t.Errorf("EnsureConnected() = %v, want ErrNotConfigured", err)
		}
	})

	t.Run("noop when connected", func(t *testing.T) {
		link := newFakeLink()
		ch := NewChannel(link)
		if err := ch.Connect(context.Background(), testNet); err != nil {
			t.Fatal(err)
		}
		if err := ch.EnsureConnected(context.Background()); err != nil {
			t.Fatalf("EnsureConnected() error = %v", err)
		}
		assoc, disassoc := link.counts()
		if assoc != 1 || disassoc != 0 {
			t.Errorf("associate=%d disassociate=%d, want 1 and 0", assoc, disassoc)
		}
	})

	t.Run("reconnects exactly once", func(t *testing.T) {
		link := newFakeLink()
		ch := NewChannel(link)
		if err := ch.Connect(context.Background(), testNet); err != nil {
			t.Fatal(err)
		}

		link.setUp(false)
		link.mu.Lock()
		link.assocErr = errors.New("ap gone")
		link.mu.Unlock()

		if err := ch.EnsureConnected(context.Background()); err == nil {
			t.Fatal("EnsureConnected() = nil, want error")
		}
		assoc, disassoc := link.counts()
		if assoc != 2 {
			t.Errorf("associate = %d, want 2 (initial + one retry)", assoc)
		}
		if disassoc != 1 {
			t.Errorf("disassociate = %d, want 1", disassoc)
		}
		if got := ch.Status(); got != types.Disconnected {
			t.Errorf("Status() = %v, want disconnected", got)
		}

		// next call succeeds independently
		link.mu.Lock()
		link.assocErr = nil
		link.mu.Unlock()
		if err := ch.EnsureConnected(context.Background()); err != nil {
			t.Fatalf("EnsureConnected() error = %v", err)
		}
		if got := ch.Status(); got != types.Connected {
			t.Errorf("Status() = %v, want connected", got)
		}
	})
}

func TestChannel_Tunnel(t *testing.T) {
	link := newFakeLink()
	rec := &tunnelRecorder{}
	ch := NewChannel(link, WithTunnelFactory(rec.factory))
	ctx := context.Background()

	if err := ch.EstablishTunnel(ctx, TunnelConfig{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("EstablishTunnel() before Connect = %v, want ErrNotConnected", err)
	}

	if err := ch.Connect(ctx, testNet); err != nil {
		t.Fatal(err)
	}
	if err := ch.EstablishTunnel(ctx, TunnelConfig{}); err != nil {
		t.Fatalf("EstablishTunnel() error = %v", err)
	}
	if got := ch.Status(); got != types.TunnelUp {
		t.Fatalf("Status() = %v, want tunnel_up", got)
	}

	// tunnel dies, link stays up: Status downgrades to Connected only
	rec.last().kill()
	if got := ch.Status(); got != types.Connected {
		t.Fatalf("Status() = %v, want connected", got)
	}

	// EnsureConnected re-establishes the tunnel without touching the link
	if err := ch.EnsureConnected(ctx); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}
	if got := ch.Status(); got != types.TunnelUp {
		t.Errorf("Status() = %v, want tunnel_up", got)
	}
	if assoc, _ := link.counts(); assoc != 1 {
		t.Errorf("associate = %d, want 1", assoc)
	}
	if len(rec.created) != 2 {
		t.Errorf("tunnels created = %d, want 2", len(rec.created))
	}

	// link drops: full reconnect, then tunnel once more
	link.setUp(false)
	if got := ch.Status(); got != types.Disconnected {
		t.Fatalf("Status() = %v, want disconnected", got)
	}
	if err := ch.EnsureConnected(ctx); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}
	if got := ch.Status(); got != types.TunnelUp {
		t.Errorf("Status() = %v, want tunnel_up", got)
	}
	if !rec.created[1].closed {
		t.Error("previous tunnel was not closed")
	}
}

func TestChannel_TunnelFailure(t *testing.T) {
	link := newFakeLink()
	rec := &tunnelRecorder{upErr: errors.New("handshake timeout")}
	ch := NewChannel(link, WithTunnelFactory(rec.factory))
	ctx := context.Background()

	if err := ch.Connect(ctx, testNet); err != nil {
		t.Fatal(err)
	}

	err := ch.EstablishTunnel(ctx, TunnelConfig{})
	var tunErr *TunnelError
	if !errors.As(err, &tunErr) {
		t.Fatalf("EstablishTunnel() = %v, want *TunnelError", err)
	}
	if got := ch.Status(); got != types.Connected {
		t.Errorf("Status() = %v, want connected", got)
	}
	if len(rec.created) != 1 {
		t.Errorf("tunnels created = %d, want 1 (no internal retry)", len(rec.created))
	}
	if !rec.created[0].closed {
		t.Error("failed tunnel was not closed")
	}
}

func TestChannel_DialContextWithoutTunnel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ch := NewChannel(newFakeLink())
	conn, err := ch.DialContext(context.Background(), "tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("DialContext() error = %v", err)
	}
	conn.Close()
}

func TestChannel_ReadyRequiresConfiguredTunnel(t *testing.T) {
	link := newFakeLink()
	rec := &tunnelRecorder{upErr: errors.New("handshake timeout")}
	ch := NewChannel(link, WithTunnelFactory(rec.factory))
	ctx := context.Background()

	if ch.Ready() {
		t.Fatal("Ready() before Connect = true")
	}
	if err := ch.Connect(ctx, testNet); err != nil {
		t.Fatal(err)
	}
	if !ch.Ready() {
		t.Fatal("Ready() without tunnel config = false, want true")
	}

	// the first tunnel attempt fails: the link is up but traffic must wait
	if err := ch.EstablishTunnel(ctx, TunnelConfig{}); err == nil {
		t.Fatal("EstablishTunnel() = nil, want error")
	}
	if ch.Ready() {
		t.Error("Ready() with configured tunnel down = true")
	}
	if _, err := ch.DialContext(ctx, "tcp", "127.0.0.1:1"); !errors.Is(err, ErrTunnelDown) {
		t.Errorf("DialContext() = %v, want ErrTunnelDown", err)
	}

	rec.upErr = nil
	if err := ch.EnsureConnected(ctx); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}
	if !ch.Ready() {
		t.Error("Ready() after tunnel rebuilt = false")
	}
}

func TestChannel_CloseKeepsLink(t *testing.T) {
	link := newFakeLink()
	rec := &tunnelRecorder{}
	ch := NewChannel(link, WithTunnelFactory(rec.factory))
	ctx := context.Background()

	if err := ch.Connect(ctx, testNet); err != nil {
		t.Fatal(err)
	}
	if err := ch.EstablishTunnel(ctx, TunnelConfig{}); err != nil {
		t.Fatal(err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if !rec.last().closed {
		t.Error("tunnel not closed")
	}
	if _, disassoc := link.counts(); disassoc != 0 {
		t.Errorf("disassociate = %d, want 0", disassoc)
	}
	if got := ch.Status(); got != types.Connected {
		t.Errorf("Status() = %v, want connected", got)
	}
}
