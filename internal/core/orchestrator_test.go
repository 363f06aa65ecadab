package core

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/orion-snapnode/internal/capture"
	"github.com/e7canasta/orion-snapnode/internal/delivery"
	"github.com/e7canasta/orion-snapnode/internal/network"
	"github.com/e7canasta/orion-snapnode/internal/trigger"
	"github.com/e7canasta/orion-snapnode/internal/types"
)

type fakeChannel struct {
	mu          sync.Mutex
	state       types.ConnectionState
	ensureErr   error
	ensureCalls int
}

func (c *fakeChannel) Status() types.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) Ready() bool {
	return c.Status().IsConnected()
}

func (c *fakeChannel) EnsureConnected(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureCalls++
	if c.ensureErr != nil {
		return c.ensureErr
	}
	c.state = types.Connected
	return nil
}

type recordingRestarter struct {
	mu      sync.Mutex
	reasons []string
}

func (r *recordingRestarter) Restart(ctx context.Context, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
	return nil
}

func (r *recordingRestarter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reasons)
}

// queueSource hands out the queued events in order
type queueSource struct {
	mu     sync.Mutex
	events []types.TriggerEvent
}

func (q *queueSource) Name() string { return "queue" }

func (q *queueSource) Poll(ctx context.Context) (types.TriggerEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return types.TriggerEvent{}, false
	}
	ev := q.events[0]
	q.events = q.events[1:]
	return ev, true
}

type harness struct {
	orch      *Orchestrator
	channel   *fakeChannel
	device    *capture.MockDevice
	frames    *capture.Source
	client    *delivery.MemoryClient
	journal   *delivery.Journal
	restarter *recordingRestarter
}

var testFlag = trigger.FlagRef{Collection: "devices", Document: "cam1", Field: "photo"}

func newHarness(t *testing.T, triggers trigger.Source, cfg Config) *harness {
	t.Helper()

	h := &harness{
		channel:   &fakeChannel{state: types.Connected},
		device:    capture.NewMockDevice(capture.DefaultMockFrameBytes),
		client:    delivery.NewMemoryClient(),
		restarter: &recordingRestarter{},
	}

	var err error
	h.frames, err = capture.NewSource(h.device, capture.Config{})
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}
	h.journal, err = delivery.OpenJournal(delivery.JournalOptions{StartCounter: 42})
	if err != nil {
		t.Fatalf("OpenJournal() error = %v", err)
	}
	t.Cleanup(func() { h.journal.Close() })

	if cfg.Bucket == "" {
		cfg.Bucket = "cam-bucket"
	}
	if cfg.Flag.Field == "" {
		cfg.Flag = testFlag
	}
	h.orch, err = New(cfg, Deps{
		Channel:   h.channel,
		Triggers:  triggers,
		Frames:    h.frames,
		Client:    h.client,
		Journal:   h.journal,
		Restarter: h.restarter,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return h
}

func (h *harness) assertBalanced(t *testing.T) {
	t.Helper()
	stats := h.frames.Stats()
	if stats.Captures != stats.Releases {
		t.Errorf("captures = %d, releases = %d; want equal", stats.Captures, stats.Releases)
	}
	if stats.Held {
		t.Error("frame still held after cycle")
	}
}

func event(kind types.TriggerKind) types.TriggerEvent {
	return types.TriggerEvent{Kind: kind, Source: "test", ReceivedAt: time.Now()}
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Error("New() with no deps = nil error")
	}
}

func TestOrchestrator_EndToEndPolledFlag(t *testing.T) {
	client := delivery.NewMemoryClient()
	pull := trigger.NewPullSource(client, testFlag, time.Millisecond)
	h := newHarness(t, pull, Config{})
	// share the store between the pull source and the orchestrator
	h.orch.client = client
	ctx := context.Background()

	client.SetFlag(ctx, testFlag.Collection, testFlag.Document, testFlag.Field, true)

	res, ran := h.orch.Step(ctx)
	if !ran {
		t.Fatal("Step() ran no cycle with flag set")
	}
	if !res.OK() {
		t.Fatalf("cycle failed: stage %q: %v", res.Stage, res.Err)
	}
	if res.Path != "images/42.jpg" {
		t.Errorf("Path = %q, want images/42.jpg", res.Path)
	}
	if res.Frame.Size != capture.DefaultMockFrameBytes {
		t.Errorf("frame size = %d, want %d", res.Frame.Size, capture.DefaultMockFrameBytes)
	}
	if !res.Acked {
		t.Error("flag not acknowledged")
	}

	data, meta, err := client.Object("cam-bucket", "images/42.jpg")
	if err != nil {
		t.Fatalf("Object() error = %v", err)
	}
	if len(data) != capture.DefaultMockFrameBytes || meta.ContentType != types.ContentTypeJPEG {
		t.Errorf("stored %d bytes as %q", len(data), meta.ContentType)
	}
	h.assertBalanced(t)

	if set, _ := client.GetFlag(ctx, testFlag.Collection, testFlag.Document, testFlag.Field); set {
		t.Error("flag still set after delivery")
	}

	time.Sleep(5 * time.Millisecond)
	if _, ran := h.orch.Step(ctx); ran {
		t.Error("Step() after ack ran another cycle")
	}
	if got := h.journal.NextPath(); got != "images/43.jpg" {
		t.Errorf("NextPath() = %q, want images/43.jpg", got)
	}
	if h.orch.State() != StateIdle {
		t.Errorf("State() = %v, want idle", h.orch.State())
	}
}

func TestOrchestrator_DisconnectedNoCapture(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.channel.state = types.Disconnected
	h.channel.ensureErr = errors.New("association timeout")

	res := h.orch.RunCycle(context.Background(), event(types.TriggerTimerTick))

	if res.OK() || res.Stage != StageConnect {
		t.Fatalf("result = %v stage %q, want connect failure", res.State, res.Stage)
	}
	if h.channel.ensureCalls != 1 {
		t.Errorf("EnsureConnected calls = %d, want 1", h.channel.ensureCalls)
	}
	if grabs, _, _ := h.device.Counts(); grabs != 0 {
		t.Errorf("device grabbed %d buffers while disconnected", grabs)
	}
	if puts, _ := h.client.Calls(); puts != 0 {
		t.Errorf("PutObject calls = %d, want 0", puts)
	}
	if h.orch.Snapshot().Counters.ConnectFailures != 1 {
		t.Error("connect failure not counted")
	}
}

func TestOrchestrator_ReconnectsBeforeCapture(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.channel.state = types.Disconnected

	res := h.orch.RunCycle(context.Background(), event(types.TriggerRemoteCommand))
	if !res.OK() {
		t.Fatalf("cycle failed: %v", res.Err)
	}
	if h.channel.ensureCalls != 1 {
		t.Errorf("EnsureConnected calls = %d, want 1", h.channel.ensureCalls)
	}
	h.assertBalanced(t)
}

func TestOrchestrator_TransientPutFailureNotRetried(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()
	h.client.FailPuts(nil)

	res := h.orch.RunCycle(ctx, event(types.TriggerRemoteCommand))
	if res.OK() || res.Stage != StageDeliver {
		t.Fatalf("first cycle = %v stage %q, want delivery failure", res.State, res.Stage)
	}
	if !delivery.IsKind(res.Err, delivery.KindNetwork) {
		t.Errorf("error = %v, want network kind", res.Err)
	}
	if puts, _ := h.client.Calls(); puts != 1 {
		t.Errorf("PutObject calls = %d, want exactly 1", puts)
	}
	if a := res.Delivery; a.Attempts != 1 || a.LastErr == nil || a.Path != "images/42.jpg" || a.Bucket != "cam-bucket" {
		t.Errorf("Delivery = %+v, want one failed attempt at images/42.jpg", a)
	}
	h.assertBalanced(t)

	res = h.orch.RunCycle(ctx, event(types.TriggerRemoteCommand))
	if !res.OK() {
		t.Fatalf("second cycle failed: %v", res.Err)
	}
	// counter did not advance on the failed attempt
	if res.Path != "images/42.jpg" {
		t.Errorf("Path = %q, want images/42.jpg", res.Path)
	}
	h.assertBalanced(t)

	c := h.orch.Snapshot().Counters
	if c.Successes != 1 || c.Failures != 1 || c.DeliveryFailures != 1 {
		t.Errorf("counters = %+v", c)
	}
}

func TestOrchestrator_AckFailureKeepsSuccess(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.client.FailSets(errors.New("permission denied"))

	res := h.orch.RunCycle(context.Background(), event(types.TriggerPolledFlag))
	if !res.OK() {
		t.Fatalf("cycle failed: %v", res.Err)
	}
	if res.AckErr == nil || res.Acked {
		t.Errorf("AckErr = %v, Acked = %v; want failed ack", res.AckErr, res.Acked)
	}
	if _, _, err := h.client.Object("cam-bucket", res.Path); err != nil {
		t.Errorf("object missing after ack failure: %v", err)
	}
	if h.orch.Snapshot().Counters.AckFailures != 1 {
		t.Error("ack failure not counted")
	}
}

func TestOrchestrator_AckOnlyForPolledFlag(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()

	for _, kind := range []types.TriggerKind{types.TriggerRemoteCommand, types.TriggerTimerTick} {
		if res := h.orch.RunCycle(ctx, event(kind)); !res.OK() {
			t.Fatalf("%s cycle failed: %v", kind, res.Err)
		}
	}
	if _, sets := h.client.Calls(); sets != 0 {
		t.Errorf("SetFlag calls = %d, want 0 for non-polled triggers", sets)
	}
}

func TestOrchestrator_UnknownTriggerIgnored(t *testing.T) {
	src := &queueSource{events: []types.TriggerEvent{{Kind: types.TriggerUnknown, Payload: "ignore"}}}
	h := newHarness(t, src, Config{})

	if _, ran := h.orch.Step(context.Background()); ran {
		t.Error("Step() ran a cycle for an unknown trigger")
	}
	if grabs, _, _ := h.device.Counts(); grabs != 0 {
		t.Errorf("device grabbed %d buffers", grabs)
	}
	if h.orch.Snapshot().Counters.Ignored != 1 {
		t.Error("ignored trigger not counted")
	}

	res := h.orch.RunCycle(context.Background(), types.TriggerEvent{})
	if !errors.Is(res.Err, ErrUnknownTrigger) {
		t.Errorf("RunCycle(unknown) error = %v", res.Err)
	}
}

func TestOrchestrator_DeviceUnavailableRestarts(t *testing.T) {
	h := newHarness(t, nil, Config{MaxUnavailable: 2})
	ctx := context.Background()
	h.device.FailNext(6, nil)

	res := h.orch.RunCycle(ctx, event(types.TriggerTimerTick))
	if res.Stage != StageCapture || !errors.Is(res.Err, capture.ErrDeviceUnavailable) {
		t.Fatalf("result = stage %q err %v, want device unavailable", res.Stage, res.Err)
	}
	if h.restarter.count() != 0 {
		t.Fatal("restarted after the first failure with MaxUnavailable 2")
	}
	if h.orch.Snapshot().ConsecutiveUnavailable != 1 {
		t.Errorf("ConsecutiveUnavailable = %d, want 1", h.orch.Snapshot().ConsecutiveUnavailable)
	}

	h.orch.RunCycle(ctx, event(types.TriggerTimerTick))
	if h.restarter.count() != 1 {
		t.Fatalf("restarts = %d, want 1", h.restarter.count())
	}

	h.device.FailNext(0, nil)
	if res := h.orch.RunCycle(ctx, event(types.TriggerTimerTick)); !res.OK() {
		t.Fatalf("cycle after recovery failed: %v", res.Err)
	}
	if h.orch.Snapshot().ConsecutiveUnavailable != 0 {
		t.Error("ConsecutiveUnavailable not reset after success")
	}
	h.assertBalanced(t)
}

func TestOrchestrator_ReleaseBalancedAcrossPaths(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()

	h.client.FailPuts(nil, &delivery.DeliveryError{Op: "put_object", Kind: delivery.KindRejected, Status: 413})
	h.client.FailSets(nil)
	kinds := []types.TriggerKind{
		types.TriggerRemoteCommand,
		types.TriggerPolledFlag,
		types.TriggerPolledFlag,
		types.TriggerPolledFlag,
		types.TriggerTimerTick,
	}
	for _, k := range kinds {
		h.orch.RunCycle(ctx, event(k))
		if h.frames.Held() {
			t.Fatalf("frame held after %s cycle", k)
		}
	}
	h.assertBalanced(t)

	if got := h.frames.Stats().Captures; got != uint64(len(kinds)) {
		t.Errorf("captures = %d, want %d", got, len(kinds))
	}
}

func TestOrchestrator_JournalRecordsCycles(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()
	h.client.FailPuts(nil)

	h.orch.RunCycle(ctx, event(types.TriggerRemoteCommand))
	h.orch.RunCycle(ctx, event(types.TriggerTimerTick))

	recs, err := h.journal.Recent(10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if !recs[0].Success || recs[0].Trigger != "timer_tick" || recs[0].Digest == "" {
		t.Errorf("newest record = %+v", recs[0])
	}
	if recs[1].Success || recs[1].Error == "" {
		t.Errorf("failed record = %+v", recs[1])
	}
}

func TestOrchestrator_RunProcessesTriggers(t *testing.T) {
	src := &queueSource{events: []types.TriggerEvent{
		event(types.TriggerRemoteCommand),
		event(types.TriggerTimerTick),
	}}
	h := newHarness(t, src, Config{IdleTick: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	var ticks int
	var mu sync.Mutex
	h.orch.OnTick(func() {
		mu.Lock()
		ticks++
		mu.Unlock()
	})

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for h.client.Objects() < 2 {
		select {
		case <-deadline:
			t.Fatalf("Run() delivered %d objects, want 2", h.client.Objects())
		case <-time.After(5 * time.Millisecond):
		}
	}

	if !h.orch.Snapshot().Running {
		t.Error("Snapshot().Running = false during Run")
	}
	if err := h.orch.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run() error = %v", err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if ticks == 0 {
		t.Error("OnTick hook never called")
	}
}

func TestOrchestrator_KeepAliveReconnects(t *testing.T) {
	h := newHarness(t, &queueSource{}, Config{IdleTick: 5 * time.Millisecond, KeepAlive: time.Millisecond})
	h.channel.state = types.Disconnected

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	h.orch.Run(ctx)

	if h.channel.Status() != types.Connected {
		t.Errorf("Status() = %v, want connected after keep-alive", h.channel.Status())
	}
}

func TestHealthEndpoints(t *testing.T) {
	h := newHarness(t, nil, Config{})
	srv := httptest.NewServer(h.orch.Handler())
	defer srv.Close()

	// not running yet
	resp, err := http.Get(srv.URL + "/readiness")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/readiness before Run = %d, want 503", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health = %d, want 200", resp.StatusCode)
	}

	h.orch.RunCycle(context.Background(), event(types.TriggerRemoteCommand))

	resp, err = http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode /status: %v", err)
	}
	if snap.Counters.Successes != 1 || snap.Last == nil || snap.Last.Path != "images/42.jpg" {
		t.Errorf("/status = %+v", snap)
	}
	if snap.Connection != "connected" {
		t.Errorf("connection = %q", snap.Connection)
	}
}

func TestHealthCheck_Degraded(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.orch.running = true
	h.orch.started = time.Now()

	if got := h.orch.HealthCheck().Status; got != "healthy" {
		t.Errorf("Status = %q, want healthy", got)
	}
	h.channel.state = types.Disconnected
	if got := h.orch.HealthCheck().Status; got != "degraded" {
		t.Errorf("Status = %q, want degraded", got)
	}
}

func TestNewRestarter(t *testing.T) {
	tests := []struct {
		mode    string
		wantErr bool
	}{
		{"", false},
		{"none", false},
		{"exit", false},
		{"reboot", false},
		{"explode", true},
	}
	for _, tt := range tests {
		_, err := NewRestarter(tt.mode)
		if (err != nil) != tt.wantErr {
			t.Errorf("NewRestarter(%q) error = %v, wantErr %v", tt.mode, err, tt.wantErr)
		}
	}
}

func TestExitRestarter(t *testing.T) {
	var code int
	r := ExitRestarter{Code: 3, exit: func(c int) { code = c }}
	if err := r.Restart(context.Background(), "test"); err != nil {
		t.Fatal(err)
	}
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
}

func TestOrchestrator_CancelledCycleDoesNotRestart(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.orch.RunCycle(ctx, event(types.TriggerTimerTick))
	if res.OK() || res.Stage != StageCapture {
		t.Fatalf("result = %v stage %q, want capture failure", res.State, res.Stage)
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", res.Err)
	}
	if errors.Is(res.Err, capture.ErrDeviceUnavailable) {
		t.Errorf("error = %v, cancellation reported as device unavailable", res.Err)
	}
	if h.restarter.count() != 0 {
		t.Errorf("restarts = %d, want 0", h.restarter.count())
	}
	if got := h.orch.Snapshot().ConsecutiveUnavailable; got != 0 {
		t.Errorf("ConsecutiveUnavailable = %d, want 0", got)
	}
	h.assertBalanced(t)
}

// wifiLink is an always-available network.Link
type wifiLink struct{}

func (wifiLink) Associate(context.Context, network.Config) error { return nil }

func (wifiLink) Disassociate(context.Context, network.Config) error { return nil }

func (wifiLink) Up(network.Config) bool { return true }

// overlay is a network.Tunnel that can be killed
type overlay struct {
	mu    sync.Mutex
	alive bool
}

func (o *overlay) Up(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.alive = true
	return nil
}

func (o *overlay) Alive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.alive
}

func (o *overlay) DialContext(context.Context, string, string) (net.Conn, error) {
	return nil, errors.New("overlay dial")
}

func (o *overlay) Close() error {
	o.kill()
	return nil
}

func (o *overlay) kill() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.alive = false
}

// overlayFactory hands out overlays, failing while upErr is set
type overlayFactory struct {
	mu      sync.Mutex
	upErr   error
	created []*overlay
}

func (f *overlayFactory) build(network.TunnelConfig) (network.Tunnel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upErr != nil {
		return nil, f.upErr
	}
	o := &overlay{}
	f.created = append(f.created, o)
	return o, nil
}

func (f *overlayFactory) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upErr = err
}

func (f *overlayFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *overlayFactory) last() *overlay {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[len(f.created)-1]
}

func TestOrchestrator_DeadTunnelRebuiltBeforeCapture(t *testing.T) {
	h := newHarness(t, nil, Config{KeepAlive: time.Millisecond})
	ctx := context.Background()

	factory := &overlayFactory{}
	ch := network.NewChannel(wifiLink{}, network.WithTunnelFactory(factory.build))
	if err := ch.Connect(ctx, network.Config{Interface: "wlan0", AssociationTimeout: time.Second}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := ch.EstablishTunnel(ctx, network.TunnelConfig{}); err != nil {
		t.Fatalf("EstablishTunnel() error = %v", err)
	}
	h.orch.channel = ch

	// tunnel dies and cannot come back: no capture on the bare link
	factory.last().kill()
	factory.setErr(errors.New("handshake timeout"))

	res := h.orch.RunCycle(ctx, event(types.TriggerRemoteCommand))
	if res.OK() || res.Stage != StageConnect {
		t.Fatalf("result = %v stage %q, want connect failure", res.State, res.Stage)
	}
	if grabs, _, _ := h.device.Counts(); grabs != 0 {
		t.Errorf("device grabbed %d buffers with the tunnel down", grabs)
	}
	if puts, _ := h.client.Calls(); puts != 0 {
		t.Errorf("PutObject calls = %d, want 0", puts)
	}

	// peer is back: the gate rebuilds the tunnel, then the cycle runs
	factory.setErr(nil)
	res = h.orch.RunCycle(ctx, event(types.TriggerRemoteCommand))
	if !res.OK() {
		t.Fatalf("cycle failed: stage %q: %v", res.Stage, res.Err)
	}
	if got := ch.Status(); got != types.TunnelUp {
		t.Errorf("Status() = %v, want tunnel_up", got)
	}
	if factory.count() != 2 {
		t.Errorf("tunnels built = %d, want 2", factory.count())
	}

	// keep-alive rebuilds a tunnel that died between cycles
	factory.last().kill()
	h.orch.keepAlive(ctx)
	if got := ch.Status(); got != types.TunnelUp {
		t.Errorf("Status() after keep-alive = %v, want tunnel_up", got)
	}
	if factory.count() != 3 {
		t.Errorf("tunnels built = %d, want 3", factory.count())
	}
	h.assertBalanced(t)
}
