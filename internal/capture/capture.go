package capture

import (
	"fmt"
	"image"
	"slices"
	"sync"
	"time"

	"shadow-server/pkg/config"

	"github.com/kbinani/screenshot"
	"go.uber.org/zap"
)

func init() {
	Register("screenshot", newCapturer)
}

// Capturer grabs the selected displays of the local desktop at a fixed
// rate.
type Capturer struct {
	log      *zap.Logger
	rate     time.Duration
	monitors []Monitor
	selected []int
	ch       chan image.Image

	mu     sync.Mutex
	stop   chan struct{}
	done   chan struct{}
	closed bool
}

func newCapturer(cfg *config.Config, log *zap.Logger) (Subsystem, error) {
	if cfg.FrameRate <= 0 {
		return nil, fmt.Errorf("%w: frame rate %d", ErrInvalidConfig, cfg.FrameRate)
	}
	return &Capturer{
		log:      log.Named("capture"),
		rate:     time.Second / time.Duration(cfg.FrameRate),
		selected: []int{cfg.DisplayIndex},
		ch:       make(chan image.Image, 8),
	}, nil
}

func (c *Capturer) Init() error {
	numDisplays := screenshot.NumActiveDisplays()
	if numDisplays <= 0 {
		return fmt.Errorf("%w: no active displays", ErrBackendUnavailable)
	}

	monitors := make([]Monitor, numDisplays)
	for i := range numDisplays {
		monitors[i] = MonitorFromRect(screenshot.GetDisplayBounds(i), i == 0)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.monitors = monitors
	if _, err := unionBounds(c.monitors, c.selected); err != nil {
		c.log.Warn("configured display not present, falling back to display 0", zap.Ints("selected", c.selected))
		c.selected = []int{0}
	}
	c.log.Info("displays detected", zap.Int("count", numDisplays))
	return nil
}

func (c *Capturer) Monitors() []Monitor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.monitors)
}

// SelectMonitors restricts capture to the union of the given displays. It
// takes effect on the next Start.
func (c *Capturer) SelectMonitors(indices []int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(indices) == 0 {
		return fmt.Errorf("%w: empty selection", ErrInvalidMonitor)
	}
	if _, err := unionBounds(c.monitors, indices); err != nil {
		return err
	}
	c.selected = slices.Clone(indices)
	return nil
}

func (c *Capturer) Frames() <-chan image.Image {
	return c.ch
}

func (c *Capturer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("capturer freed")
	}
	if c.stop != nil {
		return nil
	}
	bounds, err := unionBounds(c.monitors, c.selected)
	if err != nil {
		return err
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.run(bounds, c.stop, c.done)
	c.log.Info("capture started", zap.Stringer("bounds", bounds))
	return nil
}

func (c *Capturer) Stop() error {
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	c.log.Info("capture stopped")
	return nil
}

func (c *Capturer) Free() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.Stop()
	close(c.ch)
}

func (c *Capturer) run(bounds image.Rectangle, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.rate)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		img, err := screenshot.CaptureRect(bounds)
		if err != nil {
			c.log.Debug("capture failed", zap.Error(err))
			continue
		}
		// Drop the oldest frame rather than block the ticker.
		select {
		case c.ch <- img:
		default:
			select {
			case <-c.ch:
			default:
			}
			select {
			case c.ch <- img:
			default:
			}
		}
	}
}
