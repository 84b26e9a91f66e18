package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"jarvis-link/internal/clock"
	"jarvis-link/internal/model"
)

// DefaultMaxRecording bounds the local buffer; audio past it is discarded.
const DefaultMaxRecording = 5 * time.Minute

type AudioOptions struct {
	MaxDuration time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger
}

type AudioStats struct {
	Sessions  uint64
	Sent      uint64
	Dropped   uint64
	LastBytes uint64
}

// Audio records between Start and Stop and transmits the whole session as
// one audio_chunk with is_final set. Nothing is sent while recording.
type Audio struct {
	src         AudioSource
	sender      Sender
	maxDuration time.Duration
	clock       clock.Clock
	logger      *slog.Logger

	mu      sync.Mutex
	active  bool
	session *recording
	unwatch func() bool

	sessions  atomic.Uint64
	sent      atomic.Uint64
	dropped   atomic.Uint64
	lastBytes atomic.Uint64
}

type recording struct {
	stream   AudioStream
	format   AudioFormat
	maxBytes int
	started  time.Time

	mu        sync.Mutex
	buf       bytes.Buffer
	truncated bool
	err       error
	done      chan struct{}
}

func NewAudio(src AudioSource, sender Sender, opts AudioOptions) *Audio {
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = DefaultMaxRecording
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Audio{
		src:         src,
		sender:      sender,
		maxDuration: opts.MaxDuration,
		clock:       opts.Clock,
		logger:      opts.Logger.With("pipeline", "audio"),
	}
}

// Start acquires the audio source and begins recording. Cancelling ctx
// ends the session as Stop does, including the final send.
func (a *Audio) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active {
		return ErrAlreadyActive
	}
	stream, err := a.src.Open(ctx)
	if err != nil {
		return mediaError("audio", err)
	}

	format := stream.Format().withDefaults()
	if err := format.validate(); err != nil {
		_ = stream.Close()
		return mediaError("audio", err)
	}
	bytesPerSecond := format.SampleRate * format.Channels * format.BitsPerSample / 8
	rec := &recording{
		stream:   stream,
		format:   format,
		maxBytes: int(a.maxDuration.Seconds() * float64(bytesPerSecond)),
		started:  a.clock.Now(),
		done:     make(chan struct{}),
	}
	a.active = true
	a.session = rec
	a.sessions.Add(1)
	a.unwatch = context.AfterFunc(ctx, func() {
		if err := a.Stop(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("audio teardown", "error", err)
		}
	})
	go rec.run()
	a.logger.Info("audio recording started", "sample_rate", format.SampleRate, "channels", format.Channels)
	return nil
}

// Stop ends the session, releases the audio source and sends the buffered
// recording as a single final audio_chunk. A refused send is counted and
// logged; the returned error reports only release failures. Idempotent.
func (a *Audio) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.active {
		a.mu.Unlock()
		return nil
	}
	a.active = false
	rec := a.session
	a.session = nil
	a.unwatch()
	a.mu.Unlock()

	closeErr := rec.stream.Close()
	// Some devices do not unblock Read on Close; ctx bounds the wait.
	select {
	case <-rec.done:
	case <-ctx.Done():
	}

	pcm, truncated, readErr := rec.result()
	a.lastBytes.Store(uint64(len(pcm)))
	if truncated {
		a.logger.Warn("audio recording truncated", "max_duration", a.maxDuration)
	}
	if readErr != nil {
		a.logger.Warn("audio recording ended early", "error", readErr)
	}

	blob, err := EncodeWAV(rec.format, pcm)
	var env model.Envelope
	if err == nil {
		env, err = model.NewEnvelope(model.TypeAudioChunk, model.AudioChunk{
			Audio:   base64.StdEncoding.EncodeToString(blob),
			IsFinal: true,
		}, a.clock.Now())
	}
	if err == nil {
		err = a.sender.Send(ctx, env)
	}
	if err != nil {
		a.dropped.Add(1)
		a.logger.Debug("audio chunk dropped", "error", err, "bytes", len(blob))
	} else {
		a.sent.Add(1)
	}
	a.logger.Info("audio recording stopped", "duration", a.clock.Now().Sub(rec.started), "bytes", len(pcm))

	if closeErr != nil {
		return fmt.Errorf("audio: release audio source: %w", closeErr)
	}
	return nil
}

func (a *Audio) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

func (a *Audio) Stats() AudioStats {
	return AudioStats{
		Sessions:  a.sessions.Load(),
		Sent:      a.sent.Load(),
		Dropped:   a.dropped.Load(),
		LastBytes: a.lastBytes.Load(),
	}
}

func (r *recording) run() {
	defer close(r.done)
	chunk := make([]byte, 4096)
	for {
		n, err := r.stream.Read(chunk)
		if n > 0 {
			r.append(chunk[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, os.ErrClosed) {
				r.mu.Lock()
				r.err = err
				r.mu.Unlock()
			}
			return
		}
	}
}

func (r *recording) append(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.maxBytes - r.buf.Len()
	if room <= 0 {
		r.truncated = true
		return
	}
	if len(p) > room {
		p = p[:room]
		r.truncated = true
	}
	r.buf.Write(p)
}

func (r *recording) result() ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Bytes(), r.truncated, r.err
}
