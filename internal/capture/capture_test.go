package capture

import (
	"image"
	"testing"

	"shadow-server/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMonitorGeometry(t *testing.T) {
	m := MonitorFromRect(image.Rect(1920, 0, 3200, 1024), false)
	assert.Equal(t, 1280, m.Width())
	assert.Equal(t, 1024, m.Height())
	assert.Equal(t, image.Rect(1920, 0, 3200, 1024), m.Rect())
}

func TestRegistry(t *testing.T) {
	assert.Contains(t, Names(), "screenshot")
	assert.Contains(t, Names(), "virtual")

	_, err := New("wayland-portal", config.Default(), zap.NewNop())
	assert.ErrorIs(t, err, ErrUnknownBackend)

	s, err := New("virtual", config.Default(), zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &Virtual{}, s)
}

func TestUnionBounds(t *testing.T) {
	monitors := []Monitor{
		{Right: 1920, Bottom: 1080, Primary: true},
		{Left: 1920, Right: 3200, Bottom: 1024},
	}

	r, err := unionBounds(monitors, []int{0, 1})
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 3200, 1080), r)

	r, err = unionBounds(monitors, []int{1})
	require.NoError(t, err)
	assert.Equal(t, image.Rect(1920, 0, 3200, 1024), r)

	_, err = unionBounds(monitors, []int{2})
	assert.ErrorIs(t, err, ErrInvalidMonitor)
}

func TestVirtual(t *testing.T) {
	cfg := config.Default()
	cfg.VirtualMonitors = []config.MonitorConfig{
		{Width: 1920, Height: 1080, Primary: true},
		{Left: 1920, Width: 1280, Height: 1024},
	}
	s, err := New("virtual", cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Init())

	monitors := s.Monitors()
	require.Len(t, monitors, 2)
	assert.Equal(t, Monitor{Right: 1920, Bottom: 1080, Primary: true}, monitors[0])
	assert.Equal(t, Monitor{Left: 1920, Right: 3200, Bottom: 1024}, monitors[1])

	// No start/stop phase and no frames: the helpers skip them.
	assert.NoError(t, Start(s))
	assert.NoError(t, Stop(s))
	assert.Nil(t, Frames(s))

	s.Free()
	s.Free()
	assert.Empty(t, s.Monitors())
}

func TestVirtualInitFailure(t *testing.T) {
	cfg := config.Default()
	cfg.VirtualMonitors = nil
	s, err := New("virtual", cfg, zap.NewNop())
	require.NoError(t, err)
	assert.ErrorIs(t, s.Init(), ErrBackendUnavailable)

	cfg.VirtualMonitors = []config.MonitorConfig{{Width: 0, Height: 10}}
	s, err = New("virtual", cfg, zap.NewNop())
	require.NoError(t, err)
	assert.ErrorIs(t, s.Init(), ErrBackendUnavailable)
	s.Free()
}

func TestCapturerLifecycleWithoutDisplay(t *testing.T) {
	s, err := New("screenshot", config.Default(), zap.NewNop())
	require.NoError(t, err)
	c := s.(*Capturer)

	// Stop before Start and repeated Free are both harmless.
	assert.NoError(t, c.Stop())
	c.Free()
	c.Free()

	_, open := <-c.Frames()
	assert.False(t, open)
	assert.Error(t, c.Start())
}

func TestCapturerSelectMonitors(t *testing.T) {
	s, err := New("screenshot", config.Default(), zap.NewNop())
	require.NoError(t, err)
	c := s.(*Capturer)
	c.monitors = []Monitor{
		{Right: 1920, Bottom: 1080, Primary: true},
		{Left: 1920, Right: 3200, Bottom: 1024},
	}

	require.NoError(t, c.SelectMonitors([]int{1, 0}))
	assert.Equal(t, []int{1, 0}, c.selected)
	assert.ErrorIs(t, c.SelectMonitors([]int{3}), ErrInvalidMonitor)
	assert.ErrorIs(t, c.SelectMonitors(nil), ErrInvalidMonitor)
	assert.Equal(t, []int{1, 0}, c.selected)
}

func TestCapturerRejectsZeroFrameRate(t *testing.T) {
	cfg := config.Default()
	cfg.FrameRate = 0

	s, err := New("screenshot", cfg, zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Nil(t, s)
}
