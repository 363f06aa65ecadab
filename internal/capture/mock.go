package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/orion-snapnode/internal/types"
)

// DefaultMockFrameBytes is the size of a synthetic frame (50 KB)
const DefaultMockFrameBytes = 50 * 1024

var (
	markerFresh = []byte("FRESH")
	markerStale = []byte("STALE")
)

// MockDevice generates synthetic JPEG-tagged buffers for testing and dry runs.
//
// It models a single-buffer camera driver: after a buffer is returned the
// driver immediately refills its queue. When the returned buffer was held
// through a cycle, the refill is old by the time of the next Grab (Stale
// reports true). When it was discarded right away, the refill is current.
type MockDevice struct {
	frameBytes int

	mu          sync.Mutex
	gen         uint64
	queued      bool
	failNext    int
	failErr     error
	grabs       uint64
	returns     uint64
	outstanding int
	closed      bool
}

// NewMockDevice creates a mock device producing frames of frameBytes bytes
func NewMockDevice(frameBytes int) *MockDevice {
	if frameBytes <= 0 {
		frameBytes = DefaultMockFrameBytes
	}
	if frameBytes < 32 {
		frameBytes = 32
	}
	slog.Info("capture: mock device created", "frame_bytes", frameBytes)
	return &MockDevice{frameBytes: frameBytes}
}

// FailNext makes the next n grabs fail with err
func (m *MockDevice) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = errors.New("mock: sensor timeout")
	}
	m.failNext = n
	m.failErr = err
}

// SetQueued forces the stale-queue state
func (m *MockDevice) SetQueued(queued bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = queued
}

// Grab implements Device
func (m *MockDevice) Grab(ctx context.Context) (Buffer, error) {
	if err := ctx.Err(); err != nil {
		return Buffer{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Buffer{}, ErrClosed
	}
	if m.failNext > 0 {
		m.failNext--
		return Buffer{}, m.failErr
	}

	m.grabs++
	m.outstanding++
	stale := m.queued
	m.queued = false
	m.gen++

	return Buffer{
		Data:        m.createFrame(m.gen, stale),
		ContentType: types.ContentTypeJPEG,
		Timestamp:   time.Now(),
		handle:      m.gen,
	}, nil
}

// Return implements Device
func (m *MockDevice) Return(b Buffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.returns++
	m.outstanding--
	// driver refills its single slot right away
	m.queued = !b.discarded
}

// Stale implements Device
func (m *MockDevice) Stale() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queued
}

// Close implements Device
func (m *MockDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.closed = true
	return nil
}

// Counts returns grabs, returns and buffers currently outstanding
func (m *MockDevice) Counts() (grabs, returns uint64, outstanding int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grabs, m.returns, m.outstanding
}

// IsStaleFrame reports whether data was produced from a stale queue slot
func IsStaleFrame(data []byte) bool {
	return len(data) > 11 && string(data[6:11]) == string(markerStale)
}

// createFrame creates a minimal JPEG-framed buffer: SOI, an APP0 segment
// carrying a freshness marker and the generation, filler, EOI.
func (m *MockDevice) createFrame(gen uint64, stale bool) []byte {
	data := make([]byte, m.frameBytes)
	copy(data, []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10})
	if stale {
		copy(data[6:], markerStale)
	} else {
		copy(data[6:], markerFresh)
	}
	copy(data[11:], fmt.Sprintf("%08d", gen%100000000))
	data[len(data)-2] = 0xFF
	data[len(data)-1] = 0xD9
	return data
}
