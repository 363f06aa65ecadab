// Package capture owns the node's single hardware frame buffer.
//
// A Source wraps a Device (GStreamer pipeline, mock) and hands out at most
// one Frame at a time. Every successful Capture must be paired with exactly
// one Release; the Source enforces this at runtime with ErrAlreadyHeld and
// ErrNotHeld.
//
// Usage:
//
//	src, _ := capture.NewSource(dev, capture.Config{})
//	frame, err := src.Capture(ctx)
//	if err != nil {
//	    return err
//	}
//	defer src.Release(frame)
package capture
