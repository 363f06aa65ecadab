package trigger

import (
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-snapnode/internal/types"
)

// mailbox holds at most one pending event.
//
// Listener callbacks put, the control flow takes. A put over an unconsumed
// event overwrites it and counts a drop, so a burst of commands arriving
// while a cycle runs collapses into a single capture.
type mailbox struct {
	mu      sync.Mutex
	pending *types.TriggerEvent

	received uint64
	drops    uint64
}

// put never blocks
func (m *mailbox) put(ev types.TriggerEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	atomic.AddUint64(&m.received, 1)
	if m.pending != nil {
		atomic.AddUint64(&m.drops, 1)
	}
	m.pending = &ev
}

// take removes the pending event, if any
func (m *mailbox) take() (types.TriggerEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending == nil {
		return types.TriggerEvent{}, false
	}
	ev := *m.pending
	m.pending = nil
	return ev, true
}

func (m *mailbox) counts() (received, drops uint64) {
	return atomic.LoadUint64(&m.received), atomic.LoadUint64(&m.drops)
}
