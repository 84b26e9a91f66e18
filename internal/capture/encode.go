package capture

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

const (
	DefaultJPEGQuality = 80
	jpegDataURLPrefix  = "data:image/jpeg;base64,"
)

// EncodeJPEG scales img down to maxWidth (keeping the aspect ratio) when it
// is wider, then encodes it as JPEG. maxWidth <= 0 disables scaling.
func EncodeJPEG(img image.Image, maxWidth, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	src := img.Bounds()
	if src.Empty() {
		return nil, fmt.Errorf("encode jpeg: empty frame")
	}
	if maxWidth > 0 && src.Dx() > maxWidth {
		h := src.Dy() * maxWidth / src.Dx()
		if h < 1 {
			h = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, src, draw.Src, nil)
		img = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// JPEGDataURL is the form the backend accepts in camera_frame.frame.
func JPEGDataURL(data []byte) string {
	return jpegDataURLPrefix + base64.StdEncoding.EncodeToString(data)
}

// EncodeWAV wraps raw PCM in a canonical 44-byte RIFF/WAVE header.
func EncodeWAV(format AudioFormat, pcm []byte) ([]byte, error) {
	format = format.withDefaults()
	if err := format.validate(); err != nil {
		return nil, fmt.Errorf("encode wav: %w", err)
	}
	blockAlign := format.Channels * format.BitsPerSample / 8
	byteRate := format.SampleRate * blockAlign

	// Drop a trailing partial sample frame.
	pcm = pcm[:len(pcm)-len(pcm)%blockAlign]

	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, struct {
		Size          uint32
		AudioFormat   uint16
		Channels      uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
	}{16, 1, uint16(format.Channels), uint32(format.SampleRate), uint32(byteRate), uint16(blockAlign), uint16(format.BitsPerSample)})
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes(), nil
}
