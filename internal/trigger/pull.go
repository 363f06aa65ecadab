package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/orion-snapnode/internal/types"
)

// DefaultPullInterval is the remote flag polling cadence
const DefaultPullInterval = 5 * time.Second

// FlagReader reads a boolean field from a remote document
type FlagReader interface {
	GetFlag(ctx context.Context, collection, document, field string) (bool, error)
}

// FlagRef addresses one boolean field in a remote document store
type FlagRef struct {
	Collection string
	Document   string
	Field      string
}

// PullSource polls a remote flag and emits TriggerPolledFlag while it is
// true. Clearing the flag is the orchestrator's acknowledgment.
type PullSource struct {
	reader FlagReader
	ref    FlagRef
	now    func() time.Time

	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	polls    uint64
	errors   uint64
}

// NewPullSource creates a pull source. The first Poll fetches immediately.
func NewPullSource(reader FlagReader, ref FlagRef, interval time.Duration) *PullSource {
	if interval <= 0 {
		interval = DefaultPullInterval
	}
	return &PullSource{reader: reader, ref: ref, now: time.Now, interval: interval}
}

// Name implements Source
func (p *PullSource) Name() string {
	return "pull"
}

// Ref returns the polled flag
func (p *PullSource) Ref() FlagRef {
	return p.ref
}

// Poll implements Source. Fetch errors and absent fields produce no event.
func (p *PullSource) Poll(ctx context.Context) (types.TriggerEvent, bool) {
	p.mu.Lock()
	now := p.now()
	if !p.last.IsZero() && now.Sub(p.last) < p.interval {
		p.mu.Unlock()
		return types.TriggerEvent{}, false
	}
	p.last = now
	p.polls++
	p.mu.Unlock()

	set, err := p.reader.GetFlag(ctx, p.ref.Collection, p.ref.Document, p.ref.Field)
	if err != nil {
		p.mu.Lock()
		p.errors++
		p.mu.Unlock()
		slog.Warn("trigger: flag read failed",
			"collection", p.ref.Collection,
			"document", p.ref.Document,
			"field", p.ref.Field,
			"error", err,
		)
		return types.TriggerEvent{}, false
	}
	if !set {
		return types.TriggerEvent{}, false
	}

	slog.Debug("trigger: flag set", "document", p.ref.Document, "field", p.ref.Field)
	return types.TriggerEvent{
		Kind:       types.TriggerPolledFlag,
		Source:     p.Name(),
		ReceivedAt: now,
	}, true
}

// SetInterval changes the polling cadence
func (p *PullSource) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if d != p.interval {
		slog.Info("trigger: pull interval updated", "old", p.interval, "new", d)
		p.interval = d
	}
}

// Counts returns the number of fetches and failed fetches
func (p *PullSource) Counts() (polls, errors uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls, p.errors
}
