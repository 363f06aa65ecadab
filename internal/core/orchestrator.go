package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/orion-snapnode/internal/capture"
	"github.com/e7canasta/orion-snapnode/internal/delivery"
	"github.com/e7canasta/orion-snapnode/internal/trigger"
	"github.com/e7canasta/orion-snapnode/internal/types"
)

var (
	// ErrUnknownTrigger is returned in the result of a cycle asked to run
	// for an event that is not actionable
	ErrUnknownTrigger = errors.New("core: trigger not actionable")
	// ErrStillDisconnected is reported when EnsureConnected returned without
	// error but the channel is still not usable
	ErrStillDisconnected = errors.New("core: channel still disconnected")
	// ErrAlreadyRunning is returned by a second concurrent Run
	ErrAlreadyRunning = errors.New("core: orchestrator already running")
)

// Config contains orchestrator configuration
type Config struct {
	// Bucket is the remote bucket every frame is uploaded to
	Bucket string
	// Flag is cleared after a delivery triggered by that flag succeeds
	Flag trigger.FlagRef
	// MaxUnavailable is the number of consecutive cycles failing with
	// capture.ErrDeviceUnavailable that invoke the Restarter (default 1)
	MaxUnavailable int
	// IdleTick is the pause between trigger polls when nothing happened
	IdleTick time.Duration
	// ConnectTimeout bounds one EnsureConnected call
	ConnectTimeout time.Duration
	// DeliveryTimeout bounds one PutObject call
	DeliveryTimeout time.Duration
	// AckTimeout bounds the flag clear after a polled delivery
	AckTimeout time.Duration
	// KeepAlive re-establishes a dropped channel between cycles. Zero
	// leaves reconnection to the next trigger.
	KeepAlive time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxUnavailable <= 0 {
		c.MaxUnavailable = 1
	}
	if c.IdleTick <= 0 {
		c.IdleTick = 100 * time.Millisecond
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 60 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
}

// Deps are the components an Orchestrator drives. Triggers and Restarter
// are optional.
type Deps struct {
	Channel   Channel
	Triggers  trigger.Source
	Frames    FrameSource
	Client    delivery.Client
	Journal   Journal
	Restarter Restarter
}

// Counters are cumulative cycle statistics
type Counters struct {
	Cycles           uint64 `json:"cycles"`
	Successes        uint64 `json:"successes"`
	Failures         uint64 `json:"failures"`
	ConnectFailures  uint64 `json:"connect_failures"`
	CaptureFailures  uint64 `json:"capture_failures"`
	DeliveryFailures uint64 `json:"delivery_failures"`
	Ignored          uint64 `json:"ignored_triggers"`
	Acks             uint64 `json:"acks"`
	AckFailures      uint64 `json:"ack_failures"`
	Restarts         uint64 `json:"restarts"`
	JournalFailures  uint64 `json:"journal_failures"`
}

// Orchestrator runs the capture-and-deliver state machine.
//
// Cycles are strictly sequential: a trigger is not evaluated while another
// cycle holds a frame or is delivering it.
type Orchestrator struct {
	cfg       Config
	channel   Channel
	triggers  trigger.Source
	frames    FrameSource
	client    delivery.Client
	journal   Journal
	restarter Restarter

	now    func() time.Time
	onTick func()

	// cycleMu serializes cycles
	cycleMu sync.Mutex

	mu            sync.RWMutex
	state         State
	running       bool
	started       time.Time
	counters      Counters
	unavailable   int
	last          *CycleResult
	lastKeepAlive time.Time
}

// New creates an orchestrator over deps
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Channel == nil {
		return nil, fmt.Errorf("core: channel is required")
	}
	if deps.Frames == nil {
		return nil, fmt.Errorf("core: frame source is required")
	}
	if deps.Client == nil {
		return nil, fmt.Errorf("core: delivery client is required")
	}
	if deps.Journal == nil {
		return nil, fmt.Errorf("core: journal is required")
	}
	if deps.Restarter == nil {
		deps.Restarter = NoopRestarter{}
	}
	cfg.applyDefaults()

	return &Orchestrator{
		cfg:       cfg,
		channel:   deps.Channel,
		triggers:  deps.Triggers,
		frames:    deps.Frames,
		client:    deps.Client,
		journal:   deps.Journal,
		restarter: deps.Restarter,
		now:       time.Now,
		state:     StateIdle,
	}, nil
}

// OnTick registers fn to be called once per Run loop iteration. Used to
// feed an external watchdog. Must be called before Run.
func (o *Orchestrator) OnTick(fn func()) {
	o.onTick = fn
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()

	if prev != s {
		slog.Debug("core: state change", "from", prev.String(), "to", s.String())
	}
}

// State returns the current state
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// RunCycle runs one capture-and-deliver cycle for ev
func (o *Orchestrator) RunCycle(ctx context.Context, ev types.TriggerEvent) CycleResult {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	return o.runCycle(ctx, ev)
}

func (o *Orchestrator) runCycle(ctx context.Context, ev types.TriggerEvent) CycleResult {
	res := CycleResult{Trigger: ev, Started: o.now()}

	if !ev.Actionable() {
		o.mu.Lock()
		o.counters.Ignored++
		o.mu.Unlock()
		slog.Debug("core: ignoring trigger", "source", ev.Source, "payload", ev.Payload)
		res.State = StateIdle
		res.Err = ErrUnknownTrigger
		return res
	}

	o.setState(StateWaitingTrigger)
	slog.Info("core: cycle started", "trigger", ev.Kind.String(), "source", ev.Source)

	o.execute(ctx, &res)

	res.Duration = o.now().Sub(res.Started)
	o.record(res)
	o.setState(StateIdle)
	return res
}

func (o *Orchestrator) execute(ctx context.Context, res *CycleResult) {
	// Connectivity gate
	if !o.channel.Ready() {
		cctx, cancel := context.WithTimeout(ctx, o.cfg.ConnectTimeout)
		err := o.channel.EnsureConnected(cctx)
		cancel()
		if err == nil && !o.channel.Ready() {
			err = ErrStillDisconnected
		}
		if err != nil {
			o.fail(res, StageConnect, err)
			return
		}
	}

	frame, err := o.frames.Capture(ctx)
	if err != nil {
		o.fail(res, StageCapture, err)
		o.captureFailed(ctx, err)
		return
	}
	o.captureSucceeded()
	o.setState(StateHasFrame)

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if err := o.frames.Release(frame); err != nil {
			slog.Error("core: frame release failed", "trace_id", res.Frame.TraceID, "error", err)
		}
	}
	defer release()

	res.Frame = frame.Meta()
	res.Path = o.journal.NextPath()

	o.setState(StateDelivering)
	res.Delivery = delivery.Attempt{
		Bucket:  o.cfg.Bucket,
		Path:    res.Path,
		Size:    res.Frame.Size,
		Started: o.now(),
	}
	pctx, cancel := context.WithTimeout(ctx, o.cfg.DeliveryTimeout)
	obj, err := o.client.PutObject(pctx, o.cfg.Bucket, res.Path, frame.Data, frame.ContentType)
	cancel()
	release()
	res.Delivery.Attempts++
	res.Delivery.LastErr = err

	if err != nil {
		o.fail(res, StageDeliver, err)
		return
	}

	res.State = StateSuccess
	res.Object = obj
	o.setState(StateSuccess)

	slog.Info("core: frame delivered",
		"trace_id", res.Frame.TraceID,
		"name", obj.Name,
		"bucket", obj.Bucket,
		"content_type", obj.ContentType,
		"size", obj.Size,
		"generation", obj.Generation,
		"etag", obj.ETag,
		"url", obj.DownloadURL,
		"attempts", res.Delivery.Attempts,
		"elapsed", o.now().Sub(res.Delivery.Started),
	)

	if res.Trigger.Kind == types.TriggerPolledFlag {
		o.ack(ctx, res)
	}
}

// ack clears the remote flag. A failure is logged and the cycle stays
// successful; the flag will fire again on the next poll.
func (o *Orchestrator) ack(ctx context.Context, res *CycleResult) {
	ref := o.cfg.Flag
	if ref.Field == "" {
		return
	}

	actx, cancel := context.WithTimeout(ctx, o.cfg.AckTimeout)
	defer cancel()

	err := o.client.SetFlag(actx, ref.Collection, ref.Document, ref.Field, false)

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.counters.AckFailures++
		res.AckErr = err
		slog.Warn("core: flag clear failed",
			"collection", ref.Collection,
			"document", ref.Document,
			"field", ref.Field,
			"error", err,
		)
		return
	}
	o.counters.Acks++
	res.Acked = true
}

func (o *Orchestrator) fail(res *CycleResult, stage string, err error) {
	res.State = StateFailed
	res.Stage = stage
	res.Err = err
	o.setState(StateFailed)

	o.mu.Lock()
	switch stage {
	case StageConnect:
		o.counters.ConnectFailures++
	case StageCapture:
		o.counters.CaptureFailures++
	case StageDeliver:
		o.counters.DeliveryFailures++
	}
	o.mu.Unlock()

	attrs := []any{"stage", stage, "trigger", res.Trigger.Kind.String(), "error", err}
	var de *delivery.DeliveryError
	if errors.As(err, &de) {
		attrs = append(attrs, "kind", de.Kind.String())
	}
	if res.Path != "" {
		attrs = append(attrs, "path", res.Path)
	}
	if res.Delivery.Attempts > 0 {
		attrs = append(attrs, "attempts", res.Delivery.Attempts)
	}
	slog.Warn("core: cycle failed", attrs...)
}

func (o *Orchestrator) captureSucceeded() {
	o.mu.Lock()
	o.unavailable = 0
	o.mu.Unlock()
}

func (o *Orchestrator) captureFailed(ctx context.Context, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		return
	}

	o.mu.Lock()
	o.unavailable++
	n := o.unavailable
	restart := n >= o.cfg.MaxUnavailable
	if restart {
		o.unavailable = 0
		o.counters.Restarts++
	}
	o.mu.Unlock()

	if !restart {
		return
	}

	reason := fmt.Sprintf("capture device unavailable for %d consecutive cycles", n)
	slog.Error("core: restarting", "reason", reason)
	if rerr := o.restarter.Restart(ctx, reason); rerr != nil {
		slog.Error("core: restart failed", "error", rerr)
	}
}

func (o *Orchestrator) record(res CycleResult) {
	rec := delivery.Record{
		Path:       res.Path,
		Bucket:     o.cfg.Bucket,
		Size:       res.Frame.Size,
		Digest:     res.Object.Digest,
		Trigger:    res.Trigger.Kind.String(),
		TraceID:    res.Frame.TraceID,
		Success:    res.OK(),
		Generation: res.Object.Generation,
		StartedMs:  res.Started.UnixMilli(),
		DurationMs: res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	_, jerr := o.journal.Commit(rec)

	o.mu.Lock()
	defer o.mu.Unlock()

	o.counters.Cycles++
	if res.OK() {
		o.counters.Successes++
	} else {
		o.counters.Failures++
	}
	if jerr != nil {
		o.counters.JournalFailures++
		slog.Error("core: journal commit failed", "path", res.Path, "error", jerr)
	}
	o.last = &res
}

// Step polls the trigger source and runs at most one cycle. The boolean is
// false when no actionable trigger was pending.
func (o *Orchestrator) Step(ctx context.Context) (CycleResult, bool) {
	if o.triggers == nil {
		return CycleResult{}, false
	}

	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	ev, ok := o.triggers.Poll(ctx)
	if !ok {
		return CycleResult{}, false
	}
	if !ev.Actionable() {
		o.runCycle(ctx, ev)
		return CycleResult{}, false
	}
	return o.runCycle(ctx, ev), true
}

// Run loops Step until ctx is done
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.triggers == nil {
		return fmt.Errorf("core: no trigger source configured")
	}

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.running = true
	o.started = o.now()
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	slog.Info("core: orchestrator running",
		"triggers", o.triggers.Name(),
		"bucket", o.cfg.Bucket,
		"idle_tick", o.cfg.IdleTick,
		"keep_alive", o.cfg.KeepAlive,
	)

	for {
		if ctx.Err() != nil {
			slog.Info("core: orchestrator stopped")
			return nil
		}

		if o.onTick != nil {
			o.onTick()
		}
		o.keepAlive(ctx)

		if _, ran := o.Step(ctx); ran {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(o.cfg.IdleTick):
		}
	}
}

func (o *Orchestrator) keepAlive(ctx context.Context) {
	if o.cfg.KeepAlive <= 0 {
		return
	}
	now := o.now()
	o.mu.Lock()
	due := now.Sub(o.lastKeepAlive) >= o.cfg.KeepAlive
	if due {
		o.lastKeepAlive = now
	}
	o.mu.Unlock()

	if !due || o.channel.Ready() {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, o.cfg.ConnectTimeout)
	defer cancel()
	if err := o.channel.EnsureConnected(cctx); err != nil {
		slog.Warn("core: keep-alive reconnect failed", "error", err)
		return
	}
	slog.Info("core: keep-alive reconnected", "state", o.channel.Status().String())
}

// LastCycle is the JSON view of the most recent cycle
type LastCycle struct {
	Trigger    string    `json:"trigger"`
	State      string    `json:"state"`
	Stage      string    `json:"stage,omitempty"`
	Path       string    `json:"path,omitempty"`
	Size       int       `json:"size,omitempty"`
	Generation string    `json:"generation,omitempty"`
	URL        string    `json:"url,omitempty"`
	Error      string    `json:"error,omitempty"`
	AckError   string    `json:"ack_error,omitempty"`
	At         time.Time `json:"at"`
	DurationMS int64     `json:"duration_ms"`
}

// Snapshot is a point-in-time view of the orchestrator
type Snapshot struct {
	State                  string     `json:"state"`
	Connection             string     `json:"connection"`
	Running                bool       `json:"running"`
	UptimeSeconds          int64      `json:"uptime_seconds"`
	ConsecutiveUnavailable int        `json:"consecutive_unavailable"`
	Counters               Counters   `json:"counters"`
	Last                   *LastCycle `json:"last_cycle,omitempty"`
}

// Snapshot returns the current state, connection and counters
func (o *Orchestrator) Snapshot() Snapshot {
	conn := o.channel.Status()

	o.mu.RLock()
	defer o.mu.RUnlock()

	s := Snapshot{
		State:                  o.state.String(),
		Connection:             conn.String(),
		Running:                o.running,
		ConsecutiveUnavailable: o.unavailable,
		Counters:               o.counters,
	}
	if o.running {
		s.UptimeSeconds = int64(o.now().Sub(o.started).Seconds())
	}
	if r := o.last; r != nil {
		lc := &LastCycle{
			Trigger:    r.Trigger.Kind.String(),
			State:      r.State.String(),
			Stage:      r.Stage,
			Path:       r.Path,
			Size:       r.Frame.Size,
			Generation: r.Object.Generation,
			URL:        r.Object.DownloadURL,
			At:         r.Started,
			DurationMS: r.Duration.Milliseconds(),
		}
		if r.Err != nil {
			lc.Error = r.Err.Error()
		}
		if r.AckErr != nil {
			lc.AckError = r.AckErr.Error()
		}
		s.Last = lc
	}
	return s
}
