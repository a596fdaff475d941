// Package screen keeps the most recent frame delivered by the capture
// backend.
package screen

import (
	"image"
	"sync"

	"go.uber.org/zap"
)

type Screen struct {
	log *zap.Logger

	mu    sync.RWMutex
	frame image.Image
	seq   uint64

	updated chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// New creates a screen fed from frames. A nil channel yields a screen
// that only changes through Put.
func New(frames <-chan image.Image, log *zap.Logger) *Screen {
	s := &Screen{
		log:     log.Named("screen"),
		updated: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if frames == nil {
		close(s.done)
		return s
	}
	go s.run(frames)
	return s
}

func (s *Screen) run(frames <-chan image.Image) {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case img, ok := <-frames:
			if !ok {
				s.log.Debug("frame source closed")
				return
			}
			s.Put(img)
		}
	}
}

// Put replaces the current frame and wakes a waiting consumer.
func (s *Screen) Put(img image.Image) {
	s.mu.Lock()
	s.frame = img
	s.seq++
	s.mu.Unlock()

	select {
	case s.updated <- struct{}{}:
	default:
	}
}

// Latest returns the current frame and its sequence number. The frame is
// nil until the first Put.
func (s *Screen) Latest() (image.Image, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frame, s.seq
}

// Updated is signalled after Put. Several Puts may coalesce into one
// signal.
func (s *Screen) Updated() <-chan struct{} {
	return s.updated
}

func (s *Screen) Free() {
	s.once.Do(func() {
		close(s.stop)
		<-s.done
		s.mu.Lock()
		s.frame = nil
		s.mu.Unlock()
	})
}
