package gstcam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-snapnode/internal/capture"
	"github.com/e7canasta/orion-snapnode/internal/types"
)

// SourceKind selects the GStreamer source element
type SourceKind string

const (
	SourceV4L2      SourceKind = "v4l2"
	SourceRTSP      SourceKind = "rtsp"
	SourceLibcamera SourceKind = "libcamera"
	SourceTest      SourceKind = "test"
	SourceCustom    SourceKind = "custom"
)

// Config contains configuration for a GStreamer still-capture device
type Config struct {
	Source SourceKind
	// Device is the V4L2 device node (e.g. "/dev/video0")
	Device string
	// URL is the RTSP location for SourceRTSP
	URL string
	// Pipeline is a full launch string for SourceCustom. It must end in an
	// appsink named "sink".
	Pipeline string
	Width    int
	Height   int
	// Quality is the jpegenc quality (1-100)
	Quality int
	// GrabTimeout bounds a single pull from the appsink
	GrabTimeout time.Duration
}

var errNoSample = errors.New("gstcam: no sample within grab timeout")

// Device is a capture.Device backed by a GStreamer pipeline ending in
// jpegenc ! appsink. The appsink keeps at most one buffer and drops older
// ones, so whatever sits in it when a cycle starts predates the trigger.
type Device struct {
	cfg    Config
	launch string

	mu       sync.Mutex
	pipeline *gst.Pipeline
	sink     *app.Sink
	playing  bool
	closed   bool
	restarts uint64
}

// New validates cfg, builds the launch string and starts the pipeline.
//
// Fails fast when GStreamer is not installed.
func New(cfg Config) (*Device, error) {
	if cfg.GrabTimeout <= 0 {
		cfg.GrabTimeout = 3 * time.Second
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = 85
	}

	launch, err := BuildLaunch(cfg)
	if err != nil {
		return nil, err
	}

	if err := checkGStreamerAvailable(); err != nil {
		return nil, fmt.Errorf("gstcam: %w", err)
	}

	d := &Device{cfg: cfg, launch: launch}
	if err := d.start(); err != nil {
		return nil, err
	}

	slog.Info("gstcam: device created",
		"source", cfg.Source,
		"width", cfg.Width,
		"height", cfg.Height,
		"quality", cfg.Quality,
	)
	return d, nil
}

// BuildLaunch returns the gst-launch description for cfg
func BuildLaunch(cfg Config) (string, error) {
	scale := ""
	if cfg.Width > 0 && cfg.Height > 0 {
		scale = fmt.Sprintf(" ! videoscale ! video/x-raw,width=%d,height=%d", cfg.Width, cfg.Height)
	}
	quality := cfg.Quality
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	tail := fmt.Sprintf(" ! videoconvert%s ! jpegenc quality=%d ! appsink name=sink", scale, quality)

	switch cfg.Source {
	case SourceV4L2:
		dev := cfg.Device
		if dev == "" {
			dev = "/dev/video0"
		}
		return fmt.Sprintf("v4l2src device=%s", dev) + tail, nil

	case SourceRTSP:
		if cfg.URL == "" {
			return "", fmt.Errorf("gstcam: url is required for rtsp source")
		}
		// protocols=4 is TCP only
		return fmt.Sprintf("rtspsrc location=%s protocols=4 latency=200 ! decodebin", cfg.URL) + tail, nil

	case SourceLibcamera:
		return "libcamerasrc" + tail, nil

	case SourceTest:
		return "videotestsrc is-live=true ! video/x-raw,framerate=5/1" + tail, nil

	case SourceCustom:
		if !strings.Contains(cfg.Pipeline, "appsink name=sink") {
			return "", fmt.Errorf("gstcam: custom pipeline must end in 'appsink name=sink'")
		}
		return cfg.Pipeline, nil

	default:
		return "", fmt.Errorf("gstcam: unknown source %q", cfg.Source)
	}
}

func (d *Device) start() error {
	gst.Init(nil)

	pipeline, err := gst.NewPipelineFromString(d.launch)
	if err != nil {
		return fmt.Errorf("gstcam: failed to create pipeline: %w", err)
	}

	elem, err := pipeline.GetElementByName("sink")
	if err != nil {
		return fmt.Errorf("gstcam: appsink not found: %w", err)
	}
	sink := app.SinkFromElement(elem)
	if sink == nil {
		return fmt.Errorf("gstcam: element 'sink' is not an appsink")
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", uint(1))
	sink.SetProperty("drop", true)

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return fmt.Errorf("gstcam: failed to start pipeline: %w", err)
	}

	d.pipeline = pipeline
	d.sink = sink
	d.playing = true
	slog.Debug("gstcam: pipeline playing", "launch", d.launch)
	return nil
}

func (d *Device) stop() {
	if d.pipeline != nil {
		d.pipeline.SetState(gst.StateNull)
	}
	d.pipeline = nil
	d.sink = nil
	d.playing = false
}

// Grab implements capture.Device
func (d *Device) Grab(ctx context.Context) (capture.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return capture.Buffer{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return capture.Buffer{}, capture.ErrClosed
	}

	if !d.playing {
		d.restarts++
		slog.Info("gstcam: restarting pipeline", "restarts", d.restarts)
		if err := d.start(); err != nil {
			return capture.Buffer{}, err
		}
	}

	timeout := d.cfg.GrabTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	sample := d.sink.TryPullSample(timeout)
	if sample == nil {
		if err := d.drainBus(); err != nil {
			d.stop()
			return capture.Buffer{}, err
		}
		if d.sink.IsEOS() {
			d.stop()
			return capture.Buffer{}, fmt.Errorf("gstcam: end of stream")
		}
		return capture.Buffer{}, errNoSample
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return capture.Buffer{}, capture.ErrEmptyBuffer
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return capture.Buffer{}, capture.ErrEmptyBuffer
	}

	// Copy frame data (GStreamer will reuse buffer)
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	return capture.Buffer{
		Data:        frameData,
		Width:       d.cfg.Width,
		Height:      d.cfg.Height,
		ContentType: types.ContentTypeJPEG,
		Timestamp:   time.Now(),
	}, nil
}

// drainBus pops pending bus messages without blocking and returns the first
// pipeline error found
func (d *Device) drainBus() error {
	bus := d.pipeline.GetPipelineBus()
	for {
		msg := bus.TimedPop(0)
		if msg == nil {
			return nil
		}
		if msg.Type() == gst.MessageError {
			gerr := msg.ParseError()
			slog.Error("gstcam: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", classify(gerr.Error()),
			)
			return fmt.Errorf("gstcam: pipeline error: %s", gerr.Error())
		}
	}
}

// Return implements capture.Device. Grab copies out of the GStreamer
// buffer, so there is nothing to hand back.
func (d *Device) Return(capture.Buffer) {}

// Stale implements capture.Device. A playing appsink always holds the most
// recent buffer, which was produced before the caller asked for it.
func (d *Device) Stale() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.playing
}

// Close implements capture.Device
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return capture.ErrClosed
	}
	d.closed = true
	d.stop()
	slog.Info("gstcam: device closed", "restarts", d.restarts)
	return nil
}

// classify buckets a pipeline error message for logging
func classify(msg string) string {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "busy") || strings.Contains(m, "no such device") || strings.Contains(m, "permission"):
		return "device"
	case strings.Contains(m, "negotiat") || strings.Contains(m, "caps"):
		return "format"
	case strings.Contains(m, "connection") || strings.Contains(m, "timeout") || strings.Contains(m, "resolve"):
		return "network"
	default:
		return "unknown"
	}
}

// checkGStreamerAvailable verifies GStreamer is installed and can create elements
func checkGStreamerAvailable() error {
	gst.Init(nil)

	elem, err := gst.NewElement("fakesrc")
	if err != nil {
		return fmt.Errorf("GStreamer not available or not properly installed: %w", err)
	}
	elem.SetState(gst.StateNull)
	return nil
}
