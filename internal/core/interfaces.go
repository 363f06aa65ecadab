package core

import (
	"context"

	"github.com/e7canasta/orion-snapnode/internal/delivery"
	"github.com/e7canasta/orion-snapnode/internal/types"
)

// Channel is the connectivity gate consulted before every capture.
// Ready is true only when uploads can go out the configured way, which
// includes the tunnel when one is configured.
type Channel interface {
	Status() types.ConnectionState
	Ready() bool
	EnsureConnected(ctx context.Context) error
}

// FrameSource hands out at most one frame at a time
type FrameSource interface {
	Capture(ctx context.Context) (*types.Frame, error)
	Release(frame *types.Frame) error
}

// Journal names uploads and records their outcome
type Journal interface {
	NextPath() string
	Commit(rec delivery.Record) (delivery.Record, error)
}

// Restarter is the last-resort recovery for a capture device that stopped
// answering
type Restarter interface {
	Restart(ctx context.Context, reason string) error
}
