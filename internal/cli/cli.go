// Package cli parses the shadow server command line.
//
// Options may be written GNU style (--port 4000, --port=4000), with a
// colon (--port:4000) or Windows style (/port:4000, /?). Parsing builds a
// fresh flag set on every call and keeps no state between calls.
package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"shadow-server/internal/buildinfo"
	"shadow-server/internal/capture"
	"shadow-server/pkg/config"

	"github.com/spf13/pflag"
)

var ErrConfigParse = errors.New("invalid command line")

// Status tells the caller whether to run the server or exit after
// printing.
type Status int

const (
	StatusRun Status = iota
	StatusPrint
	StatusPrintHelp
	StatusPrintVersion
)

// listSentinel is what --monitors holds when given without a value. A NUL
// byte cannot appear in a process argument.
const listSentinel = "\x00"

// Options is the parsed command line. The zero value runs the server
// with the configured defaults.
type Options struct {
	Port       int
	HasPort    bool
	ConfigPath string

	ListMonitors bool
	Monitors     []int

	Help    bool
	Version bool
}

type flagValues struct {
	port     int
	config   string
	monitors string
	help     bool
	version  bool
}

func newFlagSet(v *flagValues) *pflag.FlagSet {
	fs := pflag.NewFlagSet("shadow-server", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}

	fs.IntVar(&v.port, "port", config.DefaultPort, "listening port")
	fs.StringVar(&v.config, "config", "", "config file (default ./config.yaml)")
	fs.StringVar(&v.monitors, "monitors", "", "list monitors, or select a comma separated list of monitor indices")
	fs.Lookup("monitors").NoOptDefVal = listSentinel
	fs.BoolVar(&v.version, "version", false, "print the version")
	fs.BoolVarP(&v.help, "help", "?", false, "print this help")
	return fs
}

// Parse parses args, which must not include the program name.
func Parse(args []string) (Options, error) {
	var v flagValues
	fs := newFlagSet(&v)
	if err := fs.Parse(normalize(fs, args)); err != nil {
		return Options{}, fmt.Errorf("%w: %w", ErrConfigParse, err)
	}
	if fs.NArg() > 0 {
		return Options{}, fmt.Errorf("%w: unexpected argument %q", ErrConfigParse, fs.Arg(0))
	}

	opts := Options{
		ConfigPath: v.config,
		Help:       v.help,
		Version:    v.version,
	}
	if fs.Changed("port") {
		if v.port < 1 || v.port > 65535 {
			return Options{}, fmt.Errorf("%w: port %d out of range", ErrConfigParse, v.port)
		}
		opts.Port = v.port
		opts.HasPort = true
	}
	if fs.Changed("monitors") {
		if v.monitors == listSentinel {
			opts.ListMonitors = true
		} else {
			sel, err := parseSelector(v.monitors)
			if err != nil {
				return Options{}, err
			}
			opts.Monitors = sel
		}
	}
	return opts, nil
}

// normalize rewrites the colon and slash forms of known flags into
// --name=value. The value of a flag given as a separate argument is left
// alone, so --config /etc/shadow.yaml keeps its path.
func normalize(fs *pflag.FlagSet, args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			return append(out, args[i:]...)
		case arg == "/?" || arg == "-?":
			arg = "--help"
		case strings.HasPrefix(arg, "--"):
			arg = colonToEquals(arg)
		case len(arg) > 1 && arg[0] == '/' && fs.Lookup(flagName(arg[1:])) != nil:
			arg = colonToEquals("--" + arg[1:])
		}
		out = append(out, arg)

		if takesValue(fs, arg) && i+1 < len(args) {
			i++
			out = append(out, args[i])
		}
	}
	return out
}

func flagName(s string) string {
	if end := strings.IndexAny(s, ":="); end >= 0 {
		return s[:end]
	}
	return s
}

// takesValue reports whether arg is a long flag whose value is the next
// argument.
func takesValue(fs *pflag.FlagSet, arg string) bool {
	if !strings.HasPrefix(arg, "--") || strings.Contains(arg, "=") {
		return false
	}
	f := fs.Lookup(arg[2:])
	return f != nil && f.NoOptDefVal == ""
}

func colonToEquals(arg string) string {
	colon := strings.IndexByte(arg, ':')
	if colon < 0 {
		return arg
	}
	if eq := strings.IndexByte(arg, '='); eq >= 0 && eq < colon {
		return arg
	}
	return arg[:colon] + "=" + arg[colon+1:]
}

func parseSelector(s string) ([]int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty monitor selection", ErrConfigParse)
	}
	parts := strings.Split(s, ",")
	sel := make([]int, 0, len(parts))
	for _, p := range parts {
		ix, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || ix < 0 {
			return nil, fmt.Errorf("%w: bad monitor index %q", ErrConfigParse, p)
		}
		sel = append(sel, ix)
	}
	return sel, nil
}

// Apply copies the options that configure the server into cfg. Only the
// port is taken from the command line.
func (o Options) Apply(cfg *config.Config) {
	if o.HasPort {
		cfg.Port = o.Port
	}
}

// Preflight answers help and version requests, which need no capture
// backend. It returns StatusRun when there is nothing to print.
func Preflight(opts Options, out io.Writer) Status {
	switch {
	case opts.Help:
		PrintUsage(out)
		return StatusPrintHelp
	case opts.Version:
		PrintVersion(out)
		return StatusPrintVersion
	}
	return StatusRun
}

type MonitorProvider interface {
	Monitors() []capture.Monitor
	SelectMonitors(indices []int) error
}

// Evaluate runs after Init and before Start. A bare --monitors prints the
// monitor list; a selection is handed to the backend.
func Evaluate(opts Options, p MonitorProvider, out io.Writer) (Status, error) {
	if opts.ListMonitors {
		PrintMonitors(out, p.Monitors())
		return StatusPrint, nil
	}
	if len(opts.Monitors) > 0 {
		if err := p.SelectMonitors(opts.Monitors); err != nil {
			return StatusRun, fmt.Errorf("%w: monitors %v: %w", ErrConfigParse, opts.Monitors, err)
		}
	}
	return StatusRun, nil
}

func PrintMonitors(out io.Writer, monitors []capture.Monitor) {
	for i, m := range monitors {
		mark := " "
		if m.Primary {
			mark = "*"
		}
		fmt.Fprintf(out, "      %s [%d] %dx%d\t+%d+%d\n", mark, i, m.Width(), m.Height(), m.Left, m.Top)
	}
}

func PrintUsage(out io.Writer) {
	fs := newFlagSet(&flagValues{})
	fs.Lookup("monitors").NoOptDefVal = ""
	fmt.Fprintf(out, "Usage: shadow-server [options]\n\n")
	fmt.Fprintf(out, "Options may also be given as --name:value or /name:value.\n\n")
	fmt.Fprint(out, fs.FlagUsages())
	fmt.Fprintf(out, "\nCapture backends: %s\n", strings.Join(capture.Names(), ", "))
}

func PrintVersion(out io.Writer) {
	fmt.Fprintln(out, buildinfo.String())
}
