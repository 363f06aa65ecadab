package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-snapnode/internal/types"
)

// Config contains configuration for a frame source
type Config struct {
	// FlushStale discards one buffer before every capture, regardless of
	// what the device reports through Stale()
	FlushStale bool
	// ContentType is used when the device does not tag its buffers
	ContentType string
}

// Stats contains frame source statistics
type Stats struct {
	Captures uint64
	Releases uint64
	Flushes  uint64
	Failures uint64
	Held     bool
}

// Source owns the single hardware frame buffer.
//
// It is an arena of size 1: Capture acquires the slot, Release returns it.
// A second Capture before Release fails with ErrAlreadyHeld.
type Source struct {
	dev Device
	cfg Config

	mu      sync.Mutex
	held    *types.Frame
	heldBuf Buffer
	seq     uint64

	// Statistics (atomic for thread-safety)
	captures uint64
	releases uint64
	flushes  uint64
	failures uint64
}

// NewSource creates a frame source over dev
func NewSource(dev Device, cfg Config) (*Source, error) {
	if dev == nil {
		return nil, fmt.Errorf("capture: device is required")
	}
	if cfg.ContentType == "" {
		cfg.ContentType = types.ContentTypeJPEG
	}
	return &Source{dev: dev, cfg: cfg}, nil
}

// Capture acquires a fresh frame from the device.
//
// If the device queue may hold a stale buffer, exactly one buffer is
// discarded first. The device gets two attempts; if both fail the error
// matches ErrDeviceUnavailable. A cancelled ctx ends the capture with the
// context error instead.
func (s *Source) Capture(ctx context.Context) (*types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.held != nil {
		return nil, &CaptureError{Op: "capture", Err: ErrAlreadyHeld}
	}

	if s.cfg.FlushStale || s.dev.Stale() {
		s.flush(ctx)
	}

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		buf, err := s.dev.Grab(ctx)
		if err == nil && len(buf.Data) == 0 {
			buf.discarded = true
			s.dev.Return(buf)
			err = ErrEmptyBuffer
		}
		if err == nil {
			return s.hold(buf), nil
		}

		lastErr = err
		atomic.AddUint64(&s.failures, 1)
		slog.Warn("capture: grab failed",
			"attempt", attempt,
			"error", err,
		)

		if ctxErr := ctx.Err(); ctxErr != nil {
			// cancelled, the device itself was not shown to be down
			return nil, &CaptureError{Op: "capture", Err: ctxErr}
		}
	}

	return nil, &CaptureError{
		Op:  "capture",
		Err: fmt.Errorf("%w: %w", ErrDeviceUnavailable, lastErr),
	}
}

// flush discards exactly one buffer
func (s *Source) flush(ctx context.Context) {
	buf, err := s.dev.Grab(ctx)
	if err != nil {
		slog.Debug("capture: flush grab failed", "error", err)
		return
	}
	buf.discarded = true
	s.dev.Return(buf)
	atomic.AddUint64(&s.flushes, 1)
	slog.Debug("capture: stale buffer discarded", "size_bytes", len(buf.Data))
}

func (s *Source) hold(buf Buffer) *types.Frame {
	s.seq++
	contentType := buf.ContentType
	if contentType == "" {
		contentType = s.cfg.ContentType
	}
	ts := buf.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	frame := &types.Frame{
		Seq:         s.seq,
		Timestamp:   ts,
		Width:       buf.Width,
		Height:      buf.Height,
		Data:        buf.Data,
		ContentType: contentType,
		TraceID:     uuid.New().String(),
	}

	s.held = frame
	s.heldBuf = buf
	atomic.AddUint64(&s.captures, 1)

	slog.Debug("capture: frame acquired",
		"seq", frame.Seq,
		"size_bytes", frame.Len(),
		"trace_id", frame.TraceID,
	)
	return frame
}

// Release returns the frame's buffer to the device.
//
// Must be called exactly once per successful Capture. The frame's Data is
// cleared so it cannot be read after release.
func (s *Source) Release(frame *types.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if frame == nil || s.held == nil || frame != s.held {
		return &CaptureError{Op: "release", Err: ErrNotHeld}
	}

	s.dev.Return(s.heldBuf)
	frame.Data = nil
	s.held = nil
	s.heldBuf = Buffer{}
	atomic.AddUint64(&s.releases, 1)

	slog.Debug("capture: frame released", "seq", frame.Seq, "trace_id", frame.TraceID)
	return nil
}

// Held reports whether a frame is currently outstanding
func (s *Source) Held() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held != nil
}

// Stats returns current source statistics
func (s *Source) Stats() Stats {
	return Stats{
		Captures: atomic.LoadUint64(&s.captures),
		Releases: atomic.LoadUint64(&s.releases),
		Flushes:  atomic.LoadUint64(&s.flushes),
		Failures: atomic.LoadUint64(&s.failures),
		Held:     s.Held(),
	}
}

// Close closes the underlying device. An outstanding frame is returned first.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.held != nil {
		slog.Warn("capture: closing with frame still held", "seq", s.held.Seq)
		s.dev.Return(s.heldBuf)
		s.held.Data = nil
		s.held = nil
	}
	s.mu.Unlock()

	if err := s.dev.Close(); err != nil && !errors.Is(err, ErrClosed) {
		return fmt.Errorf("capture: close device: %w", err)
	}
	return nil
}
