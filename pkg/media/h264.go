package media

import (
	"bytes"
	"image"

	"github.com/gen2brain/x264-go"
)

// h264Encoder wraps libx264 behind the Encoder interface. The
// underlying encoder writes NAL units into buf; with zerolatency
// tuning every Encode call flushes a complete access unit.
type h264Encoder struct {
	buf *bytes.Buffer
	enc *x264.Encoder
}

func NewH264Encoder(w, h, fps int) (Encoder, error) {
	opts := &x264.Options{
		Width:     w,
		Height:    h,
		FrameRate: fps,
		Tune:      "zerolatency",
		Preset:    "veryfast",
		Profile:   "baseline",
		LogLevel:  x264.LogError,
	}
	buf := bytes.NewBuffer(nil)
	enc, err := x264.NewEncoder(buf, opts)
	if err != nil {
		return nil, err
	}
	return &h264Encoder{buf: buf, enc: enc}, nil
}

func (e *h264Encoder) Encode(im image.Image) ([]byte, error) {
	e.buf.Reset()
	if err := e.enc.Encode(im); err != nil {
		return nil, err
	}
	return append([]byte(nil), e.buf.Bytes()...), nil
}

func (e *h264Encoder) Close() error { return e.enc.Close() }
