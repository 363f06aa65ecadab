// Package trigger decides when the node captures: push commands, a polled
// remote flag, or a timelapse timer.
package trigger

import (
	"context"
	"time"

	"github.com/e7canasta/orion-snapnode/internal/types"
)

// Source decides when a capture should happen.
//
// Poll is non-blocking or bounded by ctx. It returns "no event" instead of
// an error when the remote side is unreachable.
type Source interface {
	Name() string
	Poll(ctx context.Context) (types.TriggerEvent, bool)
}

// Multi polls sources in order and returns the first event
type Multi []Source

// Name implements Source
func (m Multi) Name() string {
	return "multi"
}

// Poll implements Source
func (m Multi) Poll(ctx context.Context) (types.TriggerEvent, bool) {
	for _, s := range m {
		if ctx.Err() != nil {
			return types.TriggerEvent{}, false
		}
		if ev, ok := s.Poll(ctx); ok {
			return ev, true
		}
	}
	return types.TriggerEvent{}, false
}

// Intervaled is implemented by sources with a runtime-adjustable cadence
type Intervaled interface {
	SetInterval(d time.Duration)
}
