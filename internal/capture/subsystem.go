package capture

import (
	"errors"
	"fmt"
	"image"
	"sort"
	"sync"

	"shadow-server/pkg/config"

	"go.uber.org/zap"
)

var (
	// ErrBackendUnavailable is returned by Init when the capture mechanism
	// cannot be engaged, e.g. no display server.
	ErrBackendUnavailable = errors.New("capture backend unavailable")
	ErrUnknownBackend     = errors.New("unknown capture backend")
	ErrInvalidMonitor     = errors.New("invalid monitor index")
	ErrInvalidConfig      = errors.New("invalid capture configuration")
)

// Monitor is an immutable description of one display region.
type Monitor struct {
	Left    int
	Top     int
	Right   int
	Bottom  int
	Primary bool
}

func MonitorFromRect(r image.Rectangle, primary bool) Monitor {
	return Monitor{Left: r.Min.X, Top: r.Min.Y, Right: r.Max.X, Bottom: r.Max.Y, Primary: primary}
}

func (m Monitor) Width() int  { return m.Right - m.Left }
func (m Monitor) Height() int { return m.Bottom - m.Top }

func (m Monitor) Rect() image.Rectangle {
	return image.Rect(m.Left, m.Top, m.Right, m.Bottom)
}

// Subsystem is one capture backend instance. Init may fail; Free must be
// safe on a partially initialized or never started instance and
// idempotent.
type Subsystem interface {
	Init() error
	Monitors() []Monitor
	Free()
}

// Optional capabilities. A backend that does not implement one of them
// simply skips that phase.
type (
	Starter interface {
		Start() error
	}

	// Stopper must tolerate Stop without a prior Start.
	Stopper interface {
		Stop() error
	}

	FrameSource interface {
		Frames() <-chan image.Image
	}

	MonitorSelector interface {
		SelectMonitors(indices []int) error
	}
)

// Start calls s.Start when the backend has a start phase.
func Start(s Subsystem) error {
	if st, ok := s.(Starter); ok {
		return st.Start()
	}
	return nil
}

// Stop calls s.Stop when the backend has a stop phase.
func Stop(s Subsystem) error {
	if st, ok := s.(Stopper); ok {
		return st.Stop()
	}
	return nil
}

// Frames returns the backend frame channel, or nil when it has none.
func Frames(s Subsystem) <-chan image.Image {
	if fs, ok := s.(FrameSource); ok {
		return fs.Frames()
	}
	return nil
}

// Factory creates an uninitialized backend.
type Factory func(cfg *config.Config, log *zap.Logger) (Subsystem, error)

// Backends register themselves from init so that a build can leave one
// out without touching the registry.
var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// New creates the backend registered under name.
func New(name string, cfg *config.Config, log *zap.Logger) (Subsystem, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	return f(cfg, log)
}

// Names lists the registered backends in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// unionBounds returns the smallest rectangle covering the selected
// monitors.
func unionBounds(monitors []Monitor, selected []int) (image.Rectangle, error) {
	var r image.Rectangle
	for _, ix := range selected {
		if ix < 0 || ix >= len(monitors) {
			return image.Rectangle{}, fmt.Errorf("%w: %d", ErrInvalidMonitor, ix)
		}
		r = r.Union(monitors[ix].Rect())
	}
	return r, nil
}
