package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyHeld is returned by Capture while a previous frame is outstanding
	ErrAlreadyHeld = errors.New("capture: frame already held")
	// ErrNotHeld is returned by Release for a frame the source does not hold
	ErrNotHeld = errors.New("capture: frame not held")
	// ErrDeviceUnavailable is returned when the device failed twice in a row
	ErrDeviceUnavailable = errors.New("capture: device unavailable")
	// ErrEmptyBuffer is returned by devices that produced a zero-length buffer
	ErrEmptyBuffer = errors.New("capture: empty buffer")
	// ErrClosed is returned by devices after Close
	ErrClosed = errors.New("capture: device closed")
)

// CaptureError wraps a capture failure with the operation that produced it
type CaptureError struct {
	Op  string
	Err error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s: %v", e.Op, e.Err)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}
