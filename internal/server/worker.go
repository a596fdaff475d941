package server

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"shadow-server/internal/capture"
	"shadow-server/internal/monitoring"

	"go.uber.org/zap"
)

// MaxWaitHandles bounds the wait set: the cancellation signal plus every
// listener handle.
const MaxWaitHandles = 32

type worker struct {
	ctx       context.Context
	listener  Listener
	subsystem capture.Subsystem
	log       *zap.Logger
	metrics   *monitoring.Metrics

	done chan struct{}
	err  error
}

func newWorker(ctx context.Context, l Listener, sub capture.Subsystem, log *zap.Logger, m *monitoring.Metrics) *worker {
	return &worker{
		ctx:       ctx,
		listener:  l,
		subsystem: sub,
		log:       log.Named("worker"),
		metrics:   m,
		done:      make(chan struct{}),
	}
}

func (w *worker) run() {
	defer close(w.done)

	if err := capture.Start(w.subsystem); err != nil {
		w.log.Warn("capture start failed", zap.Error(err))
	}

	w.err = w.loop()

	w.listener.Close()
	if err := capture.Stop(w.subsystem); err != nil {
		w.log.Warn("capture stop failed", zap.Error(err))
	}

	reason := "cancelled"
	switch {
	case errors.Is(w.err, errWaitSet):
		reason = "wait_set"
		w.log.Error("event loop aborted", zap.Error(w.err))
	case w.err != nil:
		reason = "listener_io"
		w.log.Error("event loop failed", zap.Error(w.err))
	default:
		w.log.Debug("event loop cancelled")
	}
	w.metrics.WorkerExits.WithLabelValues(reason).Inc()
}

// loop waits on the cancellation signal and the listener handles, and
// dispatches pending connections until cancelled or the listener fails.
// Cancellation wins when both are ready.
func (w *worker) loop() error {
	for {
		handles := w.listener.Handles()
		if len(handles)+1 > MaxWaitHandles {
			return fmt.Errorf("%w: %d handles", errWaitSet, len(handles)+1)
		}

		cases := make([]reflect.SelectCase, 0, len(handles)+1)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(w.ctx.Done())})
		for _, h := range handles {
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(h)})
		}
		reflect.Select(cases)

		if w.ctx.Err() != nil {
			return nil
		}
		if err := w.listener.CheckAndDispatch(); err != nil {
			return fmt.Errorf("%w: %w", ErrListenerIO, err)
		}
	}
}
