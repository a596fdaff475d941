// Package server sequences the shadow server: it owns the capture
// backend, the listener, the screen buffer and the encoder, and runs the
// event loop that accepts peers until it is cancelled.
package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"shadow-server/internal/capture"
	"shadow-server/internal/encode"
	"shadow-server/internal/listener"
	"shadow-server/internal/monitoring"
	"shadow-server/internal/screen"
	"shadow-server/internal/session"
	"shadow-server/internal/stream"
	"shadow-server/pkg/config"

	"go.uber.org/zap"
)

// Listener is the bound endpoint the event loop waits on.
type Listener interface {
	Open(addr string, port int) error
	Handles() []listener.Handle
	CheckAndDispatch() error
	Addr() net.Addr
	Close()
}

// Screen holds the latest captured frame.
type Screen interface {
	encode.Source
	Free()
}

// Encoder turns screen updates into a subscribable frame stream.
type Encoder interface {
	Subscribe() (<-chan encode.EncodedFrame, func())
	Free()
}

// Mirror republishes the encoded stream on a second endpoint.
type Mirror interface {
	Open(bindAddress string) error
	Close()
}

type (
	ListenerFactory func(onAccept listener.AcceptFunc, log *zap.Logger) Listener
	ScreenFactory   func(s *Server) (Screen, error)
	EncoderFactory  func(s *Server) (Encoder, error)
	MirrorFactory   func(s *Server) Mirror
)

type Option func(*Server)

func WithSubsystemFactory(f capture.Factory) Option {
	return func(s *Server) { s.newSubsystem = f }
}

func WithListenerFactory(f ListenerFactory) Option {
	return func(s *Server) { s.newListener = f }
}

func WithScreenFactory(f ScreenFactory) Option {
	return func(s *Server) { s.newScreen = f }
}

func WithEncoderFactory(f EncoderFactory) Option {
	return func(s *Server) { s.newEncoder = f }
}

func WithMirrorFactory(f MirrorFactory) Option {
	return func(s *Server) { s.newMirror = f }
}

// WithAcceptFunc replaces the default peer sessions with f.
func WithAcceptFunc(f listener.AcceptFunc) Option {
	return func(s *Server) { s.onAccept = f }
}

func WithMetrics(m *monitoring.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

type Server struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *monitoring.Metrics

	newSubsystem capture.Factory
	newListener  ListenerFactory
	newScreen    ScreenFactory
	newEncoder   EncoderFactory
	newMirror    MirrorFactory
	onAccept     listener.AcceptFunc

	mu        sync.Mutex
	state     State
	subsystem capture.Subsystem
	listener  Listener
	screen    Screen
	encoder   Encoder
	mirror    Mirror
	sessions  atomic.Pointer[session.Manager]
	ctx       context.Context
	cancel    context.CancelFunc
	worker    *worker
}

// New creates a server in state New. cfg is shared, not copied; only its
// port is expected to change before Start.
func New(cfg *config.Config, log *zap.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:          cfg,
		log:          log.Named("server"),
		newSubsystem: defaultSubsystem,
		newListener:  defaultListener,
		newScreen:    defaultScreen,
		newEncoder:   defaultEncoder,
		newMirror:    defaultMirror,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = monitoring.NewMetrics()
	}
	s.setState(StateNew)
	return s
}

func defaultSubsystem(cfg *config.Config, log *zap.Logger) (capture.Subsystem, error) {
	return capture.New(cfg.Subsystem, cfg, log)
}

func defaultListener(onAccept listener.AcceptFunc, log *zap.Logger) Listener {
	return listener.New(onAccept, log)
}

func defaultScreen(s *Server) (Screen, error) {
	return screen.New(capture.Frames(s.subsystem), s.log), nil
}

func defaultEncoder(s *Server) (Encoder, error) {
	enc, err := encode.NewEncoder(s.cfg, s.screen, s.log, s.metrics)
	if err != nil {
		return nil, err
	}
	return enc, nil
}

func defaultMirror(s *Server) Mirror {
	return stream.NewMirror(s.cfg, s.encoder, s.log, s.metrics)
}

func (s *Server) setState(st State) {
	s.state = st
	s.metrics.ServerState.Set(float64(st))
}

func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Monitors returns the monitor layout reported by the capture backend,
// or nil before Init.
func (s *Server) Monitors() []capture.Monitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subsystem == nil || s.state != StateInitialized {
		return nil
	}
	return s.subsystem.Monitors()
}

// SelectMonitors restricts capture to the given monitor indices. It is
// only valid between Init and Start.
func (s *Server) SelectMonitors(indices []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInitialized {
		return ErrInvalidState
	}
	sel, ok := s.subsystem.(capture.MonitorSelector)
	if !ok {
		return ErrSelectionUnsupported
	}
	return sel.SelectMonitors(indices)
}

// Addr returns the bound listener address while running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Metrics returns the metrics the server reports to.
func (s *Server) Metrics() *monitoring.Metrics {
	return s.metrics
}

// dispatch is the listener's accept callback. It runs on the worker.
func (s *Server) dispatch(conn net.Conn) {
	s.metrics.ConnectionsAccepted.Inc()
	if s.onAccept != nil {
		s.onAccept(conn)
		return
	}
	if m := s.sessions.Load(); m != nil {
		m.Accept(conn)
		return
	}
	_ = conn.Close()
}
