// Package capture turns local media into outbound envelopes.
//
// Camera captures one still frame per interval while active. Audio records
// continuously into a local buffer and sends a single final chunk when the
// session stops. Both pipelines ignore connection state: they hand every
// envelope to their Sender and count the ones it refuses.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"

	"jarvis-link/internal/model"
)

var (
	// ErrMediaUnavailable wraps every failure to acquire a camera or
	// microphone. The pipeline stays inactive.
	ErrMediaUnavailable = errors.New("capture: media unavailable")
	ErrAlreadyActive    = errors.New("capture: pipeline already active")
)

// Sender is the outbound path of the channel.
type Sender interface {
	Send(ctx context.Context, env model.Envelope) error
}

// VideoSource hands out exclusive video streams.
type VideoSource interface {
	Open(ctx context.Context) (VideoStream, error)
}

type VideoStream interface {
	// Frame returns the current still frame.
	Frame(ctx context.Context) (image.Image, error)
	Close() error
}

type AudioSource interface {
	Open(ctx context.Context) (AudioStream, error)
}

// AudioStream yields raw little-endian PCM in the stream's Format. Close
// must unblock a pending Read.
type AudioStream interface {
	io.Reader
	Format() AudioFormat
	Close() error
}

type AudioFormat struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

func (f AudioFormat) withDefaults() AudioFormat {
	if f.SampleRate <= 0 {
		f.SampleRate = 16000
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}
	if f.BitsPerSample <= 0 {
		f.BitsPerSample = 16
	}
	return f
}

// validate rejects formats with no whole-byte sample frame.
func (f AudioFormat) validate() error {
	if f.BitsPerSample%8 != 0 {
		return fmt.Errorf("unsupported sample width %d bits", f.BitsPerSample)
	}
	if f.Channels*f.BitsPerSample/8 <= 0 {
		return fmt.Errorf("empty sample frame (%d channels, %d bits)", f.Channels, f.BitsPerSample)
	}
	return nil
}

func mediaError(what string, err error) error {
	if errors.Is(err, ErrMediaUnavailable) {
		return fmt.Errorf("%s: %w", what, err)
	}
	return fmt.Errorf("%s: %w: %w", what, ErrMediaUnavailable, err)
}
