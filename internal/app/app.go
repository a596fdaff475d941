// Package app wires configuration, logging, metrics and the server into
// the shadow-server process.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shadow-server/internal/cli"
	"shadow-server/internal/logging"
	"shadow-server/internal/monitoring"
	"shadow-server/internal/server"
	"shadow-server/pkg/config"

	"go.uber.org/zap"
)

// Process exit codes.
const (
	ExitOK              = 0
	ExitConfig          = 1
	ExitBackendInit     = 2
	ExitResourceCreate  = 3
	ExitBind            = 4
	ExitListenerIO      = 5
	ExitShutdownTimeout = 6
)

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, server.ErrBackendInit):
		return ExitBackendInit
	case errors.Is(err, server.ErrResourceCreation):
		return ExitResourceCreate
	case errors.Is(err, server.ErrBind):
		return ExitBind
	case errors.Is(err, server.ErrListenerIO):
		return ExitListenerIO
	case errors.Is(err, server.ErrStopTimeout):
		return ExitShutdownTimeout
	}
	return ExitConfig
}

// Run runs the server until SIGINT or SIGTERM and returns the exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return RunContext(ctx, args, stdout, stderr)
}

// RunContext is Run with the shutdown request taken from ctx.
func RunContext(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := cli.Parse(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		cli.PrintUsage(stderr)
		return ExitConfig
	}
	if cli.Preflight(opts, stdout) != cli.StatusRun {
		return ExitOK
	}

	cfg, err := config.LoadConfig(opts.ConfigPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return ExitConfig
	}
	opts.Apply(cfg)

	log, err := logging.New(logging.Config{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		fmt.Fprintf(stderr, "failed to create logger: %v\n", err)
		return ExitConfig
	}
	defer func() { _ = log.Sync() }()

	metrics := monitoring.NewMetrics()
	if cfg.Metrics.Address != "" {
		shutdown, err := serveMetrics(cfg.Metrics.Address, metrics, log)
		if err != nil {
			log.Error("metrics endpoint", zap.Error(err))
			return ExitBind
		}
		defer shutdown()
	}

	return run(ctx, cfg, opts, server.New(cfg, log, server.WithMetrics(metrics)), stdout, log)
}

func run(ctx context.Context, cfg *config.Config, opts cli.Options, srv *server.Server, stdout io.Writer, log *zap.Logger) int {
	defer srv.Uninit()

	if err := srv.Init(); err != nil {
		log.Error("init failed", zap.Error(err))
		return ExitCode(err)
	}

	status, err := cli.Evaluate(opts, srv, stdout)
	if err != nil {
		log.Error("invalid monitor selection", zap.Error(err))
		return ExitConfig
	}
	if status != cli.StatusRun {
		return ExitOK
	}

	if err := srv.Start(); err != nil {
		log.Error("start failed", zap.Error(err))
		return ExitCode(err)
	}
	log.Info("shadow server running", zap.Stringer("addr", srv.Addr()), zap.Bool("rtsp", cfg.Rtsp.Enabled))

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case <-srv.Done():
	}

	if err := srv.Stop(); err != nil {
		log.Error("shutdown", zap.Error(err))
		return ExitCode(err)
	}
	if err := srv.Wait(); err != nil {
		return ExitCode(err)
	}
	return ExitOK
}

func serveMetrics(addr string, m *monitoring.Metrics, log *zap.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	hs := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", zap.Error(err))
		}
	}()
	log.Info("metrics listening", zap.Stringer("addr", ln.Addr()))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hs.Shutdown(ctx)
	}, nil
}
