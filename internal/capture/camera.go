package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"jarvis-link/internal/clock"
	"jarvis-link/internal/model"
)

const DefaultCameraInterval = 2 * time.Second

type CameraOptions struct {
	Interval time.Duration
	// MaxWidth > 0 downscales wider frames before encoding.
	MaxWidth int
	Quality  int
	Clock    clock.Clock
	Logger   *slog.Logger
}

type CameraStats struct {
	Captures uint64
	Sent     uint64
	Dropped  uint64
	Errors   uint64
}

// Camera sends one camera_frame per interval between Start and Stop.
type Camera struct {
	src      VideoSource
	sender   Sender
	interval time.Duration
	maxWidth int
	quality  int
	clock    clock.Clock
	logger   *slog.Logger

	mu       sync.Mutex
	active   bool
	gen      uint64
	stream   VideoStream
	timer    clock.Timer
	next     time.Time
	runCtx   context.Context
	cancel   context.CancelFunc
	unwatch  func() bool
	inflight sync.WaitGroup

	captures atomic.Uint64
	sent     atomic.Uint64
	dropped  atomic.Uint64
	failures atomic.Uint64
}

func NewCamera(src VideoSource, sender Sender, opts CameraOptions) *Camera {
	if opts.Interval <= 0 {
		opts.Interval = DefaultCameraInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Camera{
		src:      src,
		sender:   sender,
		interval: opts.Interval,
		maxWidth: opts.MaxWidth,
		quality:  opts.Quality,
		clock:    opts.Clock,
		logger:   opts.Logger.With("pipeline", "camera"),
	}
}

// Start acquires the video source and schedules the first capture one
// interval from now. Cancelling ctx stops the pipeline as Stop does.
func (c *Camera) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return ErrAlreadyActive
	}
	stream, err := c.src.Open(ctx)
	if err != nil {
		return mediaError("camera", err)
	}

	c.active = true
	c.gen++
	gen := c.gen
	c.stream = stream
	c.runCtx, c.cancel = context.WithCancel(ctx)
	c.unwatch = context.AfterFunc(ctx, func() {
		if err := c.Stop(); err != nil {
			c.logger.Warn("camera teardown", "error", err)
		}
	})
	c.next = c.clock.Now().Add(c.interval)
	c.timer = c.clock.AfterFunc(c.interval, func() { c.tick(gen) })
	c.logger.Info("camera capture started", "interval", c.interval)
	return nil
}

// Stop cancels the capture schedule and releases the video source. Both
// happen even when the release fails. Idempotent. Must not be called from
// the Sender.
func (c *Camera) Stop() error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return nil
	}
	c.active = false
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.cancel()
	c.unwatch()
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	c.inflight.Wait()
	if err := stream.Close(); err != nil {
		return fmt.Errorf("camera: release video source: %w", err)
	}
	c.logger.Info("camera capture stopped", "sent", c.sent.Load(), "dropped", c.dropped.Load())
	return nil
}

func (c *Camera) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Camera) Stats() CameraStats {
	return CameraStats{
		Captures: c.captures.Load(),
		Sent:     c.sent.Load(),
		Dropped:  c.dropped.Load(),
		Errors:   c.failures.Load(),
	}
}

func (c *Camera) tick(gen uint64) {
	c.mu.Lock()
	if !c.active || gen != c.gen {
		c.mu.Unlock()
		return
	}
	stream, ctx := c.stream, c.runCtx
	c.inflight.Add(1)
	c.mu.Unlock()

	c.capture(ctx, stream)
	c.inflight.Done()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active || gen != c.gen {
		return
	}
	// Schedule from the previous deadline so capture time does not drift
	// the cadence; slots missed by a slow capture are skipped.
	now := c.clock.Now()
	c.next = c.next.Add(c.interval)
	for !c.next.After(now) {
		c.next = c.next.Add(c.interval)
	}
	c.timer = c.clock.AfterFunc(c.next.Sub(now), func() { c.tick(gen) })
}

func (c *Camera) capture(ctx context.Context, stream VideoStream) {
	c.captures.Add(1)
	img, err := stream.Frame(ctx)
	if err != nil {
		c.failures.Add(1)
		c.logger.Warn("capture frame", "error", err)
		return
	}
	data, err := EncodeJPEG(img, c.maxWidth, c.quality)
	if err != nil {
		c.failures.Add(1)
		c.logger.Warn("encode frame", "error", err)
		return
	}
	env, err := model.NewEnvelope(model.TypeCameraFrame, model.CameraFrame{Frame: JPEGDataURL(data)}, c.clock.Now())
	if err != nil {
		c.failures.Add(1)
		return
	}
	if err := c.sender.Send(ctx, env); err != nil {
		c.dropped.Add(1)
		c.logger.Debug("camera frame dropped", "error", err)
		return
	}
	c.sent.Add(1)
}
