package capture

import (
	"context"
	"time"
)

// Buffer is one encoded image as handed out by a Device
type Buffer struct {
	Data        []byte
	Width       int
	Height      int
	ContentType string
	Timestamp   time.Time

	// handle is device-private bookkeeping returned with the buffer
	handle any

	// discarded marks a buffer handed back right after Grab without use
	discarded bool
}

// Device is the hardware capture resource behind a Source.
//
// Implementations must guarantee:
//   - Grab blocks at most for the device grab timeout (or until ctx is done)
//   - Return is called exactly once for every successful Grab
//   - Stale reports whether the next Grab may yield a buffer that was queued
//     before the caller asked for it
type Device interface {
	// Grab takes the next buffer from the device queue.
	Grab(ctx context.Context) (Buffer, error)

	// Return hands a buffer back to the device pool.
	Return(b Buffer)

	// Stale reports whether the device queue may hold a buffer left over
	// from a previous cycle.
	Stale() bool

	// Close releases the device.
	Close() error
}
