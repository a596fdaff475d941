package cli

import (
	"bytes"
	"errors"
	"testing"

	"shadow-server/internal/capture"
	"shadow-server/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want Options
	}{
		{name: "empty", args: nil, want: Options{}},
		{name: "port separate", args: []string{"--port", "4000"}, want: Options{Port: 4000, HasPort: true}},
		{name: "port equals", args: []string{"--port=4000"}, want: Options{Port: 4000, HasPort: true}},
		{name: "port colon", args: []string{"--port:4000"}, want: Options{Port: 4000, HasPort: true}},
		{name: "port slash", args: []string{"/port:4000"}, want: Options{Port: 4000, HasPort: true}},
		{name: "monitors list", args: []string{"--monitors"}, want: Options{ListMonitors: true}},
		{name: "monitors slash list", args: []string{"/monitors"}, want: Options{ListMonitors: true}},
		{name: "monitors select", args: []string{"--monitors:0,1"}, want: Options{Monitors: []int{0, 1}}},
		{name: "monitors select equals", args: []string{"--monitors=2"}, want: Options{Monitors: []int{2}}},
		{name: "help", args: []string{"--help"}, want: Options{Help: true}},
		{name: "help dash", args: []string{"-?"}, want: Options{Help: true}},
		{name: "help slash", args: []string{"/?"}, want: Options{Help: true}},
		{name: "version", args: []string{"/version"}, want: Options{Version: true}},
		{name: "config path", args: []string{"--config:/etc/shadow.yaml"}, want: Options{ConfigPath: "/etc/shadow.yaml"}},
		{name: "config path separate", args: []string{"--config", "/etc/shadow.yaml"}, want: Options{ConfigPath: "/etc/shadow.yaml"}},
		{name: "config path slash flag", args: []string{"/config", "/port:4000"}, want: Options{ConfigPath: "/port:4000"}},
		{
			name: "config path then slash flags",
			args: []string{"--config", "/etc/shadow.yaml", "/port:4000", "/monitors"},
			want: Options{ConfigPath: "/etc/shadow.yaml", Port: 4000, HasPort: true, ListMonitors: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "unknown flag", args: []string{"--bogus"}},
		{name: "bad port", args: []string{"--port:abc"}},
		{name: "port out of range", args: []string{"--port=70000"}},
		{name: "port zero", args: []string{"--port=0"}},
		{name: "positional", args: []string{"extra"}},
		{name: "detached selector", args: []string{"--monitors", "0,1"}},
		{name: "bad selector", args: []string{"--monitors:0,x"}},
		{name: "negative selector", args: []string{"--monitors:-1"}},
		{name: "empty selector", args: []string{"--monitors="}},
		{name: "word selector", args: []string{"--monitors=list"}},
		{name: "unknown slash word", args: []string{"/etc/shadow.yaml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.args)
			assert.ErrorIs(t, err, ErrConfigParse)
		})
	}
}

func TestParseKeepsNoState(t *testing.T) {
	_, err := Parse([]string{"--port=4000", "--monitors"})
	require.NoError(t, err)

	got, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Options{}, got)
}

func TestApply(t *testing.T) {
	cfg := config.Default()
	Options{}.Apply(cfg)
	assert.Equal(t, config.DefaultPort, cfg.Port)

	Options{Port: 4000, HasPort: true, ListMonitors: true}.Apply(cfg)
	assert.Equal(t, 4000, cfg.Port)
}

type fakeProvider struct {
	monitors  []capture.Monitor
	selected  []int
	selectErr error
}

func (f *fakeProvider) Monitors() []capture.Monitor { return f.monitors }

func (f *fakeProvider) SelectMonitors(indices []int) error {
	f.selected = indices
	return f.selectErr
}

func twoMonitors() *fakeProvider {
	return &fakeProvider{monitors: []capture.Monitor{
		{Left: 0, Top: 0, Right: 1920, Bottom: 1080, Primary: true},
		{Left: 1920, Top: 0, Right: 3200, Bottom: 1024},
	}}
}

func TestEvaluateListsMonitors(t *testing.T) {
	p := twoMonitors()
	var out bytes.Buffer

	status, err := Evaluate(Options{ListMonitors: true}, p, &out)
	require.NoError(t, err)
	assert.Equal(t, StatusPrint, status)
	assert.Equal(t,
		"      * [0] 1920x1080\t+0+0\n"+
			"        [1] 1280x1024\t+1920+0\n",
		out.String())
	assert.Nil(t, p.selected)
}

func TestEvaluateSelectsMonitors(t *testing.T) {
	p := twoMonitors()
	var out bytes.Buffer

	status, err := Evaluate(Options{Monitors: []int{1}}, p, &out)
	require.NoError(t, err)
	assert.Equal(t, StatusRun, status)
	assert.Equal(t, []int{1}, p.selected)
	assert.Empty(t, out.String())

	p.selectErr = errors.New("out of range")
	_, err = Evaluate(Options{Monitors: []int{7}}, p, &out)
	assert.ErrorIs(t, err, ErrConfigParse)
}

func TestEvaluateRun(t *testing.T) {
	p := twoMonitors()
	status, err := Evaluate(Options{}, p, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, StatusRun, status)
	assert.Nil(t, p.selected)
}

func TestPreflight(t *testing.T) {
	var out bytes.Buffer
	assert.Equal(t, StatusPrintHelp, Preflight(Options{Help: true, Version: true}, &out))
	assert.Contains(t, out.String(), "Usage: shadow-server")
	assert.Contains(t, out.String(), "--monitors")
	assert.Contains(t, out.String(), "screenshot")
	assert.NotContains(t, out.String(), listSentinel)

	out.Reset()
	assert.Equal(t, StatusPrintVersion, Preflight(Options{Version: true}, &out))
	assert.Contains(t, out.String(), "shadow-server version")

	out.Reset()
	assert.Equal(t, StatusRun, Preflight(Options{Port: 1, HasPort: true}, &out))
	assert.Empty(t, out.String())
}
