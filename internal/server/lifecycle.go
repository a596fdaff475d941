package server

import (
	"context"
	"fmt"
	"time"

	"shadow-server/internal/session"

	"go.uber.org/zap"
)

// Init creates the cancellation signal, the listener, the capture backend,
// the screen and the encoder, in that order. On failure the later steps
// are skipped and what was created stays owned by the server until Uninit
// or the next Init attempt.
func (s *Server) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNew {
		return fmt.Errorf("%w: init while %s", ErrInvalidState, s.state)
	}

	// Leftovers of a previous failed attempt.
	s.release()

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.listener = s.newListener(s.dispatch, s.log)

	sub, err := s.newSubsystem(s.cfg, s.log)
	if err != nil {
		return initError(ErrBackendInit, err)
	}
	s.subsystem = sub
	if err := sub.Init(); err != nil {
		s.log.Error("capture backend unavailable", zap.String("backend", s.cfg.Subsystem), zap.Error(err))
		return initError(ErrBackendInit, err)
	}

	scr, err := s.newScreen(s)
	if err != nil {
		return initError(ErrResourceCreation, fmt.Errorf("screen: %w", err))
	}
	s.screen = scr

	enc, err := s.newEncoder(s)
	if err != nil {
		return initError(ErrResourceCreation, fmt.Errorf("encoder: %w", err))
	}
	s.encoder = enc
	s.sessions.Store(session.NewManager(enc, s.log, s.metrics))

	s.setState(StateInitialized)
	s.log.Info("initialized", zap.String("backend", s.cfg.Subsystem), zap.Int("monitors", len(sub.Monitors())))
	return nil
}

// Start binds the listener on the configured port and runs the event loop
// on its own goroutine. When the bind fails no worker is started and the
// server stays Initialized.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInitialized {
		return fmt.Errorf("%w: start while %s", ErrInvalidState, s.state)
	}

	if err := s.listener.Open(s.cfg.BindAddress, s.cfg.Port); err != nil {
		s.log.Error("bind failed", zap.Int("port", s.cfg.Port), zap.Error(err))
		return startError(ErrBind, err)
	}

	if s.cfg.Rtsp.Enabled {
		m := s.newMirror(s)
		if err := m.Open(s.cfg.BindAddress); err != nil {
			m.Close()
			// A closed listener cannot reopen; keep a fresh one for a retry.
			s.listener.Close()
			s.listener = s.newListener(s.dispatch, s.log)
			s.log.Error("rtsp bind failed", zap.Int("port", s.cfg.Rtsp.Port), zap.Error(err))
			return startError(ErrBind, err)
		}
		s.mirror = m
	}

	s.worker = newWorker(s.ctx, s.listener, s.subsystem, s.log, s.metrics)
	go s.worker.run()

	s.setState(StateRunning)
	s.log.Info("started", zap.Int("port", s.cfg.Port))
	return nil
}

// Stop cancels the event loop, waits for it and closes the listener. It
// is a no-op unless the server is running. With a positive
// shutdownTimeout a worker that does not exit in time is abandoned and
// ErrStopTimeout is returned; the server is Stopped either way.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Server) stopLocked() error {
	if s.state != StateRunning {
		return nil
	}

	s.cancel()
	var err error
	if timeout := s.cfg.ShutdownTimeout; timeout > 0 {
		select {
		case <-s.worker.done:
		case <-time.After(timeout):
			s.log.Warn("worker did not stop, abandoning it", zap.Duration("timeout", timeout))
			err = ErrStopTimeout
		}
	} else {
		<-s.worker.done
	}

	// The worker closes the listener itself unless it was abandoned.
	s.listener.Close()
	if m := s.sessions.Load(); m != nil {
		m.Close()
	}
	if s.mirror != nil {
		s.mirror.Close()
		s.mirror = nil
	}

	s.setState(StateStopped)
	s.log.Info("stopped")
	return err
}

// Uninit stops the server if needed and releases every owned resource.
// It never fails and may be called any number of times.
func (s *Server) Uninit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateUninitialized {
		return
	}
	if err := s.stopLocked(); err != nil {
		s.log.Warn("stop during uninit", zap.Error(err))
	}
	s.release()
	s.setState(StateUninitialized)
}

// release frees the listener, the encoder, the screen and the capture
// backend in that order, clearing each reference.
func (s *Server) release() {
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	if m := s.sessions.Swap(nil); m != nil {
		m.Close()
	}
	if s.mirror != nil {
		s.mirror.Close()
		s.mirror = nil
	}
	if s.encoder != nil {
		s.encoder.Free()
		s.encoder = nil
	}
	if s.screen != nil {
		s.screen.Free()
		s.screen = nil
	}
	if s.subsystem != nil {
		s.subsystem.Free()
		s.subsystem = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Done is closed when the event loop has exited. Before Start it is
// already closed.
func (s *Server) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.worker == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.worker.done
}

// Wait blocks until the event loop exits and returns why it did: nil
// after cancellation, an ErrListenerIO error after a listener failure.
func (s *Server) Wait() error {
	<-s.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.worker == nil {
		return nil
	}
	return s.worker.err
}
