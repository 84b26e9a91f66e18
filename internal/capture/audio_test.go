package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"jarvis-link/internal/clock"
	"jarvis-link/internal/model"
)

type pipeMic struct {
	format  AudioFormat
	openErr error
	w       *io.PipeWriter
}

func (m *pipeMic) Open(context.Context) (AudioStream, error) {
	if m.openErr != nil {
		return nil, m.openErr
	}
	r, w := io.Pipe()
	m.w = w
	return &pipeStream{PipeReader: r, format: m.format}, nil
}

type pipeStream struct {
	*io.PipeReader
	format AudioFormat
}

func (s *pipeStream) Format() AudioFormat { return s.format }

func decodeFinalChunk(t *testing.T, env model.Envelope) (model.AudioChunk, []byte) {
	t.Helper()
	if env.Type() != model.TypeAudioChunk {
		t.Fatalf("type = %s, want audio_chunk", env.Type())
	}
	var chunk model.AudioChunk
	if err := env.DecodePayload(&chunk); err != nil {
		t.Fatal(err)
	}
	blob, err := base64.StdEncoding.DecodeString(chunk.Audio)
	if err != nil {
		t.Fatalf("audio is not base64: %v", err)
	}
	return chunk, blob
}

func TestAudioSendsOneFinalChunkAtStop(t *testing.T) {
	mic := &pipeMic{format: AudioFormat{SampleRate: 16000, Channels: 1, BitsPerSample: 16}}
	sender := &recordingSender{}
	rec := NewAudio(mic, sender, AudioOptions{Clock: clock.Fake(epoch)})

	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	pcm := bytes.Repeat([]byte{0x01, 0x02}, 6000)
	for off := 0; off < len(pcm); off += 1000 {
		if _, err := mic.w.Write(pcm[off : off+1000]); err != nil {
			t.Fatal(err)
		}
	}
	if sender.count() != 0 {
		t.Fatal("audio sent while recording")
	}

	if err := rec.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := rec.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if sender.count() != 1 {
		t.Fatalf("chunks = %d, want exactly 1", sender.count())
	}

	chunk, blob := decodeFinalChunk(t, sender.last())
	if !chunk.IsFinal {
		t.Fatal("is_final = false")
	}
	if string(blob[0:4]) != "RIFF" || string(blob[8:12]) != "WAVE" {
		t.Fatalf("blob is not WAV: %q", blob[:12])
	}
	if rate := binary.LittleEndian.Uint32(blob[24:28]); rate != 16000 {
		t.Fatalf("sample rate = %d", rate)
	}
	if !bytes.Equal(blob[44:], pcm) {
		t.Fatalf("pcm payload = %d bytes, want %d", len(blob)-44, len(pcm))
	}
	if st := rec.Stats(); st.Sessions != 1 || st.Sent != 1 || st.LastBytes != uint64(len(pcm)) {
		t.Fatalf("stats = %+v", st)
	}
}

func TestAudioFinalChunkDroppedWhenDisconnected(t *testing.T) {
	mic := &pipeMic{}
	sender := &recordingSender{fail: errOffline}
	rec := NewAudio(mic, sender, AudioOptions{})

	if err := rec.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := mic.w.Write(make([]byte, 320)); err != nil {
		t.Fatal(err)
	}
	if err := rec.Stop(context.Background()); err != nil {
		t.Fatalf("Stop reported a refused send: %v", err)
	}
	if sender.count() != 1 {
		t.Fatalf("send attempts = %d, want 1", sender.count())
	}
	if st := rec.Stats(); st.Dropped != 1 || st.Sent != 0 {
		t.Fatalf("stats = %+v, want one dropped", st)
	}
}

func TestAudioTruncatesAtMaxDuration(t *testing.T) {
	mic := &pipeMic{format: AudioFormat{SampleRate: 8000, Channels: 1, BitsPerSample: 16}}
	sender := &recordingSender{}
	rec := NewAudio(mic, sender, AudioOptions{MaxDuration: 100 * time.Millisecond})

	if err := rec.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := mic.w.Write(make([]byte, 4000)); err != nil {
		t.Fatal(err)
	}
	if err := rec.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, blob := decodeFinalChunk(t, sender.last())
	if got := len(blob) - 44; got != 1600 {
		t.Fatalf("pcm = %d bytes, want 1600 (100ms at 8kHz/16-bit)", got)
	}
}

func TestAudioStartErrors(t *testing.T) {
	mic := &pipeMic{openErr: os.ErrNotExist}
	rec := NewAudio(mic, &recordingSender{}, AudioOptions{})
	if err := rec.Start(context.Background()); !errors.Is(err, ErrMediaUnavailable) {
		t.Fatalf("Start = %v, want ErrMediaUnavailable", err)
	}
	if rec.Active() {
		t.Fatal("active after failed acquisition")
	}

	mic.openErr = nil
	if err := rec.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := rec.Start(context.Background()); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("second Start = %v, want ErrAlreadyActive", err)
	}
	_ = rec.Stop(context.Background())
}

func TestAudioStopsWhenContextEnds(t *testing.T) {
	mic := &pipeMic{}
	sender := &recordingSender{}
	rec := NewAudio(mic, sender, AudioOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	if err := rec.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for rec.Active() || sender.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("recording not finalized after context cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
	chunk, _ := decodeFinalChunk(t, sender.last())
	if !chunk.IsFinal {
		t.Fatal("teardown chunk not final")
	}
}

func TestPCMDeviceReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "take.pcm")
	pcm := bytes.Repeat([]byte{0x10, 0x00}, 800)
	if err := os.WriteFile(path, pcm, 0o600); err != nil {
		t.Fatal(err)
	}
	sender := &recordingSender{}
	rec := NewAudio(PCMDevice{Path: path}, sender, AudioOptions{})
	if err := rec.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	// A plain file ends in EOF; wait for the recorder to drain it.
	rec.mu.Lock()
	done := rec.session.done
	rec.mu.Unlock()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recorder did not reach EOF")
	}
	if err := rec.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, blob := decodeFinalChunk(t, sender.last())
	if !bytes.Equal(blob[44:], pcm) {
		t.Fatalf("pcm = %d bytes, want %d", len(blob)-44, len(pcm))
	}

	_, err := PCMDevice{Path: filepath.Join(t.TempDir(), "missing")}.Open(context.Background())
	if !errors.Is(err, ErrMediaUnavailable) {
		t.Fatalf("Open missing = %v, want ErrMediaUnavailable", err)
	}
}

func TestEncodeWAVDropsPartialFrame(t *testing.T) {
	blob, err := EncodeWAV(AudioFormat{SampleRate: 44100, Channels: 2, BitsPerSample: 16}, make([]byte, 10))
	if err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint32(blob[40:44]); got != 8 {
		t.Fatalf("data size = %d, want 8", got)
	}
	if got := binary.LittleEndian.Uint32(blob[28:32]); got != 44100*4 {
		t.Fatalf("byte rate = %d", got)
	}
	if len(blob) != 52 {
		t.Fatalf("len = %d, want 52", len(blob))
	}
}

func TestEncodeWAVRejectsSubByteSamples(t *testing.T) {
	if _, err := EncodeWAV(AudioFormat{SampleRate: 8000, Channels: 1, BitsPerSample: 4}, []byte{1, 2, 3}); err == nil {
		t.Fatal("4-bit samples encoded")
	}
	if _, err := EncodeWAV(AudioFormat{SampleRate: 8000, Channels: 1, BitsPerSample: 12}, []byte{1, 2, 3}); err == nil {
		t.Fatal("12-bit samples encoded")
	}
}

func TestAudioStartRejectsUnsupportedFormat(t *testing.T) {
	mic := &pipeMic{format: AudioFormat{SampleRate: 8000, Channels: 1, BitsPerSample: 4}}
	rec := NewAudio(mic, &recordingSender{}, AudioOptions{})
	if err := rec.Start(context.Background()); !errors.Is(err, ErrMediaUnavailable) {
		t.Fatalf("Start = %v, want ErrMediaUnavailable", err)
	}
	if rec.Active() {
		t.Fatal("active with an unsupported format")
	}
	if err := rec.Stop(context.Background()); err != nil {
		t.Fatalf("Stop after rejected Start = %v", err)
	}
	if _, err := mic.w.Write([]byte{0}); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("stream not released: write err = %v", err)
	}
}
