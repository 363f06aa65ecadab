package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/orion-snapnode/internal/types"
)

// DefaultTimerInterval is the timelapse period
const DefaultTimerInterval = 60 * time.Second

// TimerSource emits TriggerTimerTick on a fixed period regardless of remote
// state. The first tick is one interval after the first Poll. Missed ticks
// are not replayed.
type TimerSource struct {
	now func() time.Time

	mu       sync.Mutex
	interval time.Duration
	next     time.Time
	ticks    uint64
}

// NewTimerSource creates a timer source
func NewTimerSource(interval time.Duration) *TimerSource {
	if interval <= 0 {
		interval = DefaultTimerInterval
	}
	return &TimerSource{now: time.Now, interval: interval}
}

// Name implements Source
func (t *TimerSource) Name() string {
	return "timer"
}

// Poll implements Source
func (t *TimerSource) Poll(ctx context.Context) (types.TriggerEvent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.next.IsZero() {
		t.next = now.Add(t.interval)
		return types.TriggerEvent{}, false
	}
	if now.Before(t.next) {
		return types.TriggerEvent{}, false
	}

	for !t.next.After(now) {
		t.next = t.next.Add(t.interval)
	}
	t.ticks++

	return types.TriggerEvent{
		Kind:       types.TriggerTimerTick,
		Source:     t.Name(),
		ReceivedAt: now,
	}, true
}

// SetInterval changes the period. The next tick is rescheduled from now.
func (t *TimerSource) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if d == t.interval {
		return
	}
	slog.Info("trigger: timer interval updated", "old", t.interval, "new", d)
	t.interval = d
	if !t.next.IsZero() {
		t.next = t.now().Add(d)
	}
}

// Ticks returns the number of ticks emitted
func (t *TimerSource) Ticks() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ticks
}
