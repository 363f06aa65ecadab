package types

import "time"

// TriggerKind tags what caused a capture-and-deliver cycle
type TriggerKind int

const (
	// TriggerUnknown is a message that reached a trigger source but did not
	// match any recognized command. It never starts a cycle.
	TriggerUnknown TriggerKind = iota
	// TriggerRemoteCommand is a push command (e.g. {"message":"photo"})
	TriggerRemoteCommand
	// TriggerPolledFlag is a remote boolean flag observed as true
	TriggerPolledFlag
	// TriggerTimerTick is a periodic timer firing
	TriggerTimerTick
)

// String returns a human-readable string representation of the trigger kind
func (k TriggerKind) String() string {
	switch k {
	case TriggerRemoteCommand:
		return "remote_command"
	case TriggerPolledFlag:
		return "polled_flag_true"
	case TriggerTimerTick:
		return "timer_tick"
	default:
		return "unknown"
	}
}

// TriggerEvent is consumed exactly once by the orchestrator
type TriggerEvent struct {
	Kind TriggerKind
	// Payload carries the command string for push triggers (may be empty)
	Payload string
	// Source names the trigger source that produced the event
	Source string
	// ReceivedAt is when the source observed the event
	ReceivedAt time.Time
}

// Actionable reports whether the event should start a cycle
func (e TriggerEvent) Actionable() bool {
	return e.Kind != TriggerUnknown
}
