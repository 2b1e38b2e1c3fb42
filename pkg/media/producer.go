// Package media turns a session's framebuffer into a continuously
// clocked, encoded video stream.
package media

import (
	"errors"
	"image"
	"image/draw"
	"sync"
	"time"

	"github.com/crossview/crossview/pkg/config"
	"github.com/crossview/crossview/pkg/logger"
	"github.com/crossview/crossview/pkg/vnc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const ptsStep = 33
const fetchRetries = 3
const fetchRetryDelay = 100 * time.Millisecond

// Frame is one encoded video frame with its running timestamp.
// Data is nil when encoding failed; the timestamp still advances.
type Frame struct {
	Data     []byte
	PTS      int64
	Duration time.Duration
}

// Source supplies raster frames; it is the capture client behind an
// interface so the producer can be tested without a framebuffer server.
type Source interface {
	Frame() (*image.RGBA, error)
	Live() bool
	Stop()
}

// SourceFactory starts a fresh capture client, used both at producer
// start and for reconnect-in-place after a buffer fault.
type SourceFactory func() Source

// Encoder compresses raster frames into H.264 access units.
type Encoder interface {
	Encode(im image.Image) ([]byte, error)
	Close() error
}

type EncoderFactory func(w, h, fps int) (Encoder, error)

var (
	metricFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossview_frames_total",
		Help: "Number of produced video frames by kind.",
	}, []string{"kind"})
	metricFaults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crossview_capture_faults_total",
		Help: "Number of capture faults absorbed by the producer.",
	})
)

// Producer is a pull-based video source with a fixed output cadence.
// Next never fails: on any capture fault it degrades to a placeholder
// frame so the stream outlives the framebuffer connection.
type Producer struct {
	conf       config.Media
	newSource  SourceFactory
	newEncoder EncoderFactory
	log        *logger.Logger

	mu      sync.Mutex
	source  Source
	stopped bool

	enc        Encoder
	encW, encH int

	placeholder *image.RGBA
	pts         int64
	next        time.Time

	// sawFrame tracks whether the current source has delivered at
	// least one frame; only touched from the pulling goroutine.
	sawFrame bool
}

func NewProducer(conf config.Media, src SourceFactory, enc EncoderFactory, log *logger.Logger) *Producer {
	p := &Producer{
		conf:        conf,
		newSource:   src,
		newEncoder:  enc,
		log:         log,
		placeholder: image.NewRGBA(image.Rect(0, 0, conf.Width, conf.Height)),
	}
	draw.Draw(p.placeholder, p.placeholder.Rect, image.Black, image.Point{}, draw.Src)
	p.source = src()
	return p
}

// Next blocks until the next frame slot and returns the frame for it.
// The pts counter increases monotonically by a fixed step per frame
// regardless of where the pixels came from.
func (p *Producer) Next() Frame {
	p.pace()
	img, kind := p.capture()
	if img == nil {
		img = p.placeholder
		kind = "placeholder"
	}
	frame := Frame{Data: p.encode(img), PTS: p.pts, Duration: p.conf.FrameInterval()}
	p.pts += ptsStep
	metricFrames.WithLabelValues(kind).Inc()
	return frame
}

// capture pulls the current frame and classifies failures:
// empty frames get a few bounded retries before the client is stopped,
// a buffer fault replaces the client in place, and anything else stops
// the client and degrades this pull to a placeholder.
func (p *Producer) capture() (*image.RGBA, string) {
	p.mu.Lock()
	src := p.source
	stopped := p.stopped
	p.mu.Unlock()
	if stopped || src == nil || !src.Live() {
		return nil, ""
	}

	img, err := src.Frame()
	if err == nil {
		p.sawFrame = true
		return img, "capture"
	}

	switch {
	case errors.Is(err, vnc.ErrNoFrame):
		// a connected client that has not decoded its first update yet
		// is still warming up, not broken
		if !p.sawFrame {
			return nil, ""
		}
		for i := 0; i < fetchRetries; i++ {
			time.Sleep(fetchRetryDelay)
			if img, err = src.Frame(); err == nil {
				return img, "capture"
			}
		}
		p.log.Warn().Err(err).Msg("stream dried up, stopping capture")
		p.replaceSource(src, false)
	case errors.Is(err, vnc.ErrBufferFault):
		metricFaults.Inc()
		p.log.Warn().Err(err).Msg("framebuffer fault, reconnecting capture")
		p.replaceSource(src, true)
	default:
		p.log.Error().Err(err).Msg("capture failed, stopping")
		p.replaceSource(src, false)
	}
	return nil, ""
}

// replaceSource stops the current capture client and, when asked,
// starts a fresh one. The stop is awaited before the replacement
// exists, so two clients never race into the keyed store.
func (p *Producer) replaceSource(old Source, reconnect bool) {
	old.Stop()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.source != old {
		return // someone else already swapped it
	}
	p.source = nil
	p.sawFrame = false
	if reconnect && !p.stopped {
		p.source = p.newSource()
	}
}

func (p *Producer) encode(img *image.RGBA) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	w, h := img.Rect.Dx(), img.Rect.Dy()
	if p.enc == nil || w != p.encW || h != p.encH {
		if p.enc != nil {
			_ = p.enc.Close()
		}
		enc, err := p.newEncoder(w, h, p.conf.Fps)
		if err != nil {
			p.log.Error().Err(err).Msgf("no encoder for %dx%d", w, h)
			p.enc = nil
			return nil
		}
		p.enc, p.encW, p.encH = enc, w, h
	}
	data, err := p.enc.Encode(img)
	if err != nil {
		p.log.Error().Err(err).Msg("frame encoding")
		return nil
	}
	return data
}

// pace sleeps until the next frame slot, keeping ~Fps output cadence.
func (p *Producer) pace() {
	now := time.Now()
	interval := p.conf.FrameInterval()
	if p.next.IsZero() || now.Sub(p.next) > interval {
		p.next = now
	}
	if wait := p.next.Sub(now); wait > 0 {
		time.Sleep(wait)
	}
	p.next = p.next.Add(interval)
}

// Stop tears the capture client down. Idempotent; safe to call while
// another goroutine is inside Next.
func (p *Producer) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	src := p.source
	p.source = nil
	enc := p.enc
	p.enc = nil
	p.mu.Unlock()

	if src != nil {
		src.Stop()
	}
	if enc != nil {
		_ = enc.Close()
	}
}
