package encode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"sync"
	"time"

	"shadow-server/internal/monitoring"
	"shadow-server/pkg/config"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"go.uber.org/zap"
)

var ErrInvalidParams = errors.New("invalid encoder parameters")

// subscriberDepth is the per-subscriber frame buffer; slow subscribers
// lose their oldest frame.
const subscriberDepth = 2

type EncodedFrame struct {
	Data   []byte
	Width  int
	Height int
	Seq    uint64
}

// Source is the screen the encoder reads from.
type Source interface {
	Updated() <-chan struct{}
	Latest() (image.Image, uint64)
}

type Encoder struct {
	cfg     *config.Config
	src     Source
	log     *zap.Logger
	metrics *monitoring.Metrics
	fixed   bool
	bufs    sync.Pool
	pool    sync.Pool

	mu     sync.Mutex
	subs   map[uint64]chan EncodedFrame
	nextID uint64
	closed bool

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewEncoder starts encoding every update of src. It fails on parameters
// the JPEG path cannot honour.
func NewEncoder(cfg *config.Config, src Source, log *zap.Logger, metrics *monitoring.Metrics) (*Encoder, error) {
	if cfg.JpegQuality < 1 || cfg.JpegQuality > 100 {
		return nil, fmt.Errorf("%w: jpeg quality %d", ErrInvalidParams, cfg.JpegQuality)
	}
	if cfg.FrameRate <= 0 {
		return nil, fmt.Errorf("%w: frame rate %d", ErrInvalidParams, cfg.FrameRate)
	}
	if src == nil {
		return nil, fmt.Errorf("%w: no screen", ErrInvalidParams)
	}

	e := &Encoder{
		cfg:     cfg,
		src:     src,
		log:     log.Named("encode"),
		metrics: metrics,
		fixed:   cfg.ResizeWidth > 0 && cfg.ResizeHeight > 0,
		bufs: sync.Pool{
			New: func() any { return new(bytes.Buffer) },
		},
		pool: sync.Pool{
			New: func() any {
				return image.NewRGBA(image.Rect(0, 0, int(cfg.ResizeWidth), int(cfg.ResizeHeight)))
			},
		},
		subs: make(map[uint64]chan EncodedFrame),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go e.run()
	return e, nil
}

func (e *Encoder) run() {
	defer close(e.done)
	var last uint64
	for {
		select {
		case <-e.stop:
			return
		case <-e.src.Updated():
		}
		img, seq := e.src.Latest()
		if img == nil || seq == last {
			continue
		}
		last = seq

		start := time.Now()
		frame, err := e.Encode(img)
		if err != nil {
			e.metrics.EncodeErrors.Inc()
			e.log.Warn("JPEG encoding error", zap.Error(err))
			continue
		}
		frame.Seq = seq
		elapsed := time.Since(start)
		e.metrics.FramesEncoded.Inc()
		e.metrics.EncodeDuration.Observe(elapsed.Seconds())
		if elapsed > time.Second/time.Duration(e.cfg.FrameRate)*2 {
			e.log.Warn("encoding delay detected", zap.Duration("elapsed", elapsed))
		}
		e.publish(frame)
	}
}

// Encode scales img to the configured size and compresses it to JPEG.
func (e *Encoder) Encode(img image.Image) (EncodedFrame, error) {
	var scaled image.Image = img
	if e.cfg.ResizeWidth > 0 || e.cfg.ResizeHeight > 0 {
		scaled = resize.Resize(e.cfg.ResizeWidth, e.cfg.ResizeHeight, img, resize.NearestNeighbor)
	}
	if e.fixed {
		temp := e.pool.Get().(*image.RGBA)
		defer e.pool.Put(temp)
		draw.Draw(temp, temp.Bounds(), scaled, scaled.Bounds().Min, draw.Src)
		scaled = temp
	}

	buf := e.bufs.Get().(*bytes.Buffer)
	defer e.bufs.Put(buf)
	buf.Reset()
	if err := imaging.Encode(buf, scaled, imaging.JPEG, imaging.JPEGQuality(e.cfg.JpegQuality)); err != nil {
		return EncodedFrame{}, err
	}

	b := scaled.Bounds()
	return EncodedFrame{
		Data:   bytes.Clone(buf.Bytes()),
		Width:  b.Dx(),
		Height: b.Dy(),
	}, nil
}

func (e *Encoder) publish(f EncodedFrame) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- f:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- f:
			default:
			}
		}
	}
}

// Subscribe returns a channel of encoded frames and a function that ends
// the subscription. The channel is closed by either the cancel function
// or Free.
func (e *Encoder) Subscribe() (<-chan EncodedFrame, func()) {
	ch := make(chan EncodedFrame, subscriberDepth)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		close(ch)
		return ch, func() {}
	}
	id := e.nextID
	e.nextID++
	e.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if c, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(c)
			}
		})
	}
}

func (e *Encoder) Free() {
	e.once.Do(func() {
		close(e.stop)
		<-e.done

		e.mu.Lock()
		defer e.mu.Unlock()
		e.closed = true
		for id, ch := range e.subs {
			delete(e.subs, id)
			close(ch)
		}
	})
}
