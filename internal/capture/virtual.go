package capture

import (
	"fmt"
	"slices"

	"shadow-server/pkg/config"

	"go.uber.org/zap"
)

func init() {
	Register("virtual", newVirtual)
}

// Virtual reports a fixed monitor layout from configuration and captures
// nothing. It has no start or stop phase and no frame source, which makes
// it usable on headless hosts.
type Virtual struct {
	layout   []config.MonitorConfig
	monitors []Monitor
}

func newVirtual(cfg *config.Config, _ *zap.Logger) (Subsystem, error) {
	return &Virtual{layout: slices.Clone(cfg.VirtualMonitors)}, nil
}

func (v *Virtual) Init() error {
	if len(v.layout) == 0 {
		return fmt.Errorf("%w: no virtual monitors configured", ErrBackendUnavailable)
	}
	monitors := make([]Monitor, 0, len(v.layout))
	for i, m := range v.layout {
		if m.Width <= 0 || m.Height <= 0 {
			return fmt.Errorf("%w: virtual monitor %d has size %dx%d", ErrBackendUnavailable, i, m.Width, m.Height)
		}
		monitors = append(monitors, Monitor{
			Left:    m.Left,
			Top:     m.Top,
			Right:   m.Left + m.Width,
			Bottom:  m.Top + m.Height,
			Primary: m.Primary,
		})
	}
	v.monitors = monitors
	return nil
}

func (v *Virtual) Monitors() []Monitor {
	return slices.Clone(v.monitors)
}

func (v *Virtual) Free() {
	v.monitors = nil
}
