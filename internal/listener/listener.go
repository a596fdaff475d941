// Package listener binds the server endpoint and turns incoming
// connections into readiness events that an event loop can wait on.
//
// Each bound socket runs an accept goroutine which queues connections and
// signals the socket's Handle. CheckAndDispatch hands queued connections
// to the AcceptFunc given at construction.
package listener

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// Backlog bounds the connections accepted but not yet dispatched per
// socket. The accept goroutine blocks when it is full.
const Backlog = 16

var (
	ErrIO          = errors.New("listener I/O failure")
	ErrInvalidPort = errors.New("invalid port")
	ErrAlreadyOpen = errors.New("listener already open")
	ErrClosed      = errors.New("listener closed")
)

// AcceptFunc receives ownership of each accepted connection.
type AcceptFunc func(conn net.Conn)

// Handle becomes readable when its socket has pending activity.
type Handle <-chan struct{}

type socket struct {
	ln    net.Listener
	ready chan struct{}
	queue chan net.Conn

	mu  sync.Mutex
	err error
}

func (s *socket) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *socket) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.signal()
}

func (s *socket) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

type Listener struct {
	onAccept AcceptFunc
	log      *zap.Logger

	mu      sync.Mutex
	sockets []*socket
	closing chan struct{}
	closed  bool
	wg      sync.WaitGroup
	once    sync.Once
}

func New(onAccept AcceptFunc, log *zap.Logger) *Listener {
	return &Listener{
		onAccept: onAccept,
		log:      log.Named("listener"),
		closing:  make(chan struct{}),
	}
}

// Open binds TCP on addr:port. An empty addr binds all interfaces. A port
// is required.
func (l *Listener) Open(addr string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if len(l.sockets) > 0 {
		return ErrAlreadyOpen
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	s := &socket{
		ln:    ln,
		ready: make(chan struct{}, 1),
		queue: make(chan net.Conn, Backlog),
	}
	l.sockets = append(l.sockets, s)
	l.wg.Add(1)
	go l.acceptLoop(s)

	l.log.Info("listening", zap.Stringer("addr", ln.Addr()))
	return nil
}

func (l *Listener) acceptLoop(s *socket) {
	defer l.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			l.log.Error("accept failed", zap.Error(err))
			s.fail(err)
			return
		}
		select {
		case s.queue <- conn:
			s.signal()
		case <-l.closing:
			_ = conn.Close()
			return
		}
	}
}

// Handles returns the readiness handles of the bound sockets. The set is
// empty until Open succeeds and does not change while open.
func (l *Listener) Handles() []Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	handles := make([]Handle, len(l.sockets))
	for i, s := range l.sockets {
		handles[i] = s.ready
	}
	return handles
}

// CheckAndDispatch hands every queued connection to the accept callback.
// It fails when the listener is closed or an accept loop has died.
func (l *Listener) CheckAndDispatch() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrIO, ErrClosed)
	}
	sockets := l.sockets
	l.mu.Unlock()

	for _, s := range sockets {
		if err := s.failure(); err != nil {
			return fmt.Errorf("%w: %w", ErrIO, err)
		}
	drain:
		for {
			select {
			case conn, ok := <-s.queue:
				if !ok {
					return fmt.Errorf("%w: %w", ErrIO, ErrClosed)
				}
				l.dispatch(conn)
			default:
				break drain
			}
		}
	}
	return nil
}

func (l *Listener) dispatch(conn net.Conn) {
	l.log.Debug("peer accepted", zap.Stringer("peer", conn.RemoteAddr()))
	if l.onAccept == nil {
		_ = conn.Close()
		return
	}
	l.onAccept(conn)
}

// Addr returns the first bound address, or nil when not open.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || len(l.sockets) == 0 {
		return nil
	}
	return l.sockets[0].ln.Addr()
}

// Close releases the sockets and drops undispatched connections. It is
// idempotent and may be called concurrently; every caller returns after
// the release completed.
func (l *Listener) Close() {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		sockets := l.sockets
		l.sockets = nil
		close(l.closing)
		l.mu.Unlock()

		for _, s := range sockets {
			_ = s.ln.Close()
		}
		l.wg.Wait()
		for _, s := range sockets {
			close(s.queue)
			for conn := range s.queue {
				_ = conn.Close()
			}
		}
		if len(sockets) > 0 {
			l.log.Info("listener closed")
		}
	})
}
