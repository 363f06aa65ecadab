package types

import "time"

// ContentTypeJPEG is the content type every capture device in this node produces
const ContentTypeJPEG = "image/jpeg"

// Frame represents a single captured still image
type Frame struct {
	// Seq is the monotonic capture sequence number
	Seq uint64
	// Timestamp is when the buffer was taken from the device
	Timestamp time.Time
	// Width in pixels (0 if the device does not report it)
	Width int
	// Height in pixels (0 if the device does not report it)
	Height int
	// Data is the opaque encoded image. Nil after release.
	Data []byte
	// ContentType tags the encoding of Data (e.g. "image/jpeg")
	ContentType string
	// TraceID is a unique identifier for following one cycle through the logs
	TraceID string
}

// Len returns the size of the encoded buffer in bytes
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Data)
}

// FrameMeta contains frame metadata without the raw data
type FrameMeta struct {
	Seq         uint64
	Timestamp   time.Time
	Size        int
	ContentType string
	TraceID     string
}

// Meta returns the frame metadata. Safe to keep after the frame is released.
func (f *Frame) Meta() FrameMeta {
	return FrameMeta{
		Seq:         f.Seq,
		Timestamp:   f.Timestamp,
		Size:        len(f.Data),
		ContentType: f.ContentType,
		TraceID:     f.TraceID,
	}
}
