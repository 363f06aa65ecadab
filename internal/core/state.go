package core

import (
	"time"

	"github.com/e7canasta/orion-snapnode/internal/delivery"
	"github.com/e7canasta/orion-snapnode/internal/types"
)

// State is the position of the orchestrator in the capture-and-deliver cycle
type State int

const (
	StateIdle State = iota
	StateWaitingTrigger
	StateHasFrame
	StateDelivering
	StateSuccess
	StateFailed
)

// String returns a human-readable string representation of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingTrigger:
		return "waiting_trigger"
	case StateHasFrame:
		return "has_frame"
	case StateDelivering:
		return "delivering"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Stage names where a failed cycle stopped
const (
	StageConnect = "connect"
	StageCapture = "capture"
	StageDeliver = "deliver"
)

// CycleResult describes one completed cycle
type CycleResult struct {
	Trigger types.TriggerEvent
	// State is StateSuccess or StateFailed
	State State
	// Stage is set on failure
	Stage string
	Path  string
	Frame types.FrameMeta
	// Delivery is filled once the frame was handed to the client
	Delivery delivery.Attempt
	// Object is the remote metadata on success
	Object delivery.ObjectMeta
	Err    error
	// AckErr is a failed flag clear. It does not turn a success into a failure.
	AckErr   error
	Acked    bool
	Started  time.Time
	Duration time.Duration
}

// OK reports whether the frame reached the remote store
func (r CycleResult) OK() bool {
	return r.State == StateSuccess
}
