package gstcam

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/e7canasta/orion-snapnode/internal/capture"
)

func TestBuildLaunch(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		want    []string
		wantErr bool
	}{
		{
			name: "v4l2 default device",
			cfg:  Config{Source: SourceV4L2, Width: 640, Height: 480, Quality: 90},
			want: []string{"v4l2src device=/dev/video0", "width=640,height=480", "jpegenc quality=90", "appsink name=sink"},
		},
		{
			name: "rtsp",
			cfg:  Config{Source: SourceRTSP, URL: "rtsp://cam/stream"},
			want: []string{"rtspsrc location=rtsp://cam/stream", "decodebin", "jpegenc quality=85"},
		},
		{
			name:    "rtsp without url",
			cfg:     Config{Source: SourceRTSP},
			wantErr: true,
		},
		{
			name: "libcamera without scaling",
			cfg:  Config{Source: SourceLibcamera},
			want: []string{"libcamerasrc ! videoconvert ! jpegenc"},
		},
		{
			name: "custom",
			cfg:  Config{Source: SourceCustom, Pipeline: "videotestsrc ! jpegenc ! appsink name=sink"},
			want: []string{"videotestsrc ! jpegenc ! appsink name=sink"},
		},
		{
			name:    "custom without appsink",
			cfg:     Config{Source: SourceCustom, Pipeline: "videotestsrc ! fakesink"},
			wantErr: true,
		},
		{
			name:    "unknown",
			cfg:     Config{Source: "usb"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildLaunch(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("BuildLaunch() = %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildLaunch() error = %v", err)
			}
			for _, part := range tt.want {
				if !strings.Contains(got, part) {
					t.Errorf("BuildLaunch() = %q, missing %q", got, part)
				}
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := map[string]string{
		"Device '/dev/video0' is busy":        "device",
		"not-negotiated":                      "format",
		"Could not open resource for reading": "unknown",
		"Connection refused":                  "network",
	}
	for msg, want := range tests {
		if got := classify(msg); got != want {
			t.Errorf("classify(%q) = %q, want %q", msg, got, want)
		}
	}
}

func TestDevice_TestSource(t *testing.T) {
	if err := checkGStreamerAvailable(); err != nil {
		t.Skipf("Skipping test: GStreamer not available: %v", err)
	}

	dev, err := New(Config{Source: SourceTest, Width: 320, Height: 240, GrabTimeout: 5 * time.Second})
	if err != nil {
		t.Skipf("Skipping test: test pipeline unavailable: %v", err)
	}
	defer dev.Close()

	src, err := capture.NewSource(dev, capture.Config{})
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}

	frame, err := src.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if frame.Len() < 4 || frame.Data[0] != 0xFF || frame.Data[1] != 0xD8 {
		t.Errorf("frame does not start with JPEG SOI")
	}
	if err := src.Release(frame); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	stats := src.Stats()
	if stats.Flushes != 1 {
		t.Errorf("Flushes = %d, want 1 (appsink always holds a queued buffer)", stats.Flushes)
	}

	if err := dev.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := dev.Close(); !errors.Is(err, capture.ErrClosed) {
		t.Errorf("second Close() = %v, want ErrClosed", err)
	}
}
