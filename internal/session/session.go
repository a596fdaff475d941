// Package session serves accepted peers. Each peer sends one HTTP request
// and receives the encoded screen as a multipart/x-mixed-replace MJPEG
// stream until it disconnects or the manager closes.
package session

import (
	"bufio"
	"fmt"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"sync"
	"time"

	"shadow-server/internal/encode"
	"shadow-server/internal/monitoring"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	boundary       = "shadowframe"
	requestTimeout = 5 * time.Second
	writeTimeout   = 10 * time.Second
)

// Feed is the encoded frame stream sessions subscribe to.
type Feed interface {
	Subscribe() (<-chan encode.EncodedFrame, func())
}

type Session struct {
	ID   string
	Peer string
	conn net.Conn
}

type Manager struct {
	feed    Feed
	log     *zap.Logger
	metrics *monitoring.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	quit     chan struct{}
	wg       sync.WaitGroup
}

func NewManager(feed Feed, log *zap.Logger, metrics *monitoring.Metrics) *Manager {
	return &Manager{
		feed:     feed,
		log:      log.Named("session"),
		metrics:  metrics,
		sessions: make(map[string]*Session),
		quit:     make(chan struct{}),
	}
}

// Accept takes ownership of conn and serves it on its own goroutine.
func (m *Manager) Accept(conn net.Conn) {
	s := &Session{
		ID:   uuid.New().String(),
		Peer: conn.RemoteAddr().String(),
		conn: conn,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.sessions[s.ID] = s
	m.wg.Add(1)
	m.mu.Unlock()

	m.metrics.SessionsActive.Inc()
	m.log.Info("peer connected", zap.String("session", s.ID), zap.String("peer", s.Peer))
	go m.serve(s)
}

func (m *Manager) serve(s *Session) {
	defer m.wg.Done()
	defer func() {
		_ = s.conn.Close()
		m.mu.Lock()
		delete(m.sessions, s.ID)
		m.mu.Unlock()
		m.metrics.SessionsActive.Dec()
		m.log.Info("peer disconnected", zap.String("session", s.ID))
	}()

	if err := m.handshake(s); err != nil {
		m.log.Debug("handshake failed", zap.String("session", s.ID), zap.Error(err))
		return
	}

	frames, cancel := m.feed.Subscribe()
	defer cancel()

	mw := multipart.NewWriter(s.conn)
	if err := mw.SetBoundary(boundary); err != nil {
		return
	}
	for {
		var f encode.EncodedFrame
		var ok bool
		select {
		case <-m.quit:
			return
		case f, ok = <-frames:
			if !ok {
				return
			}
		}
		if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return
		}
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":   {"image/jpeg"},
			"Content-Length": {strconv.Itoa(len(f.Data))},
		})
		if err != nil {
			m.log.Debug("write failed", zap.String("session", s.ID), zap.Error(err))
			return
		}
		if _, err := part.Write(f.Data); err != nil {
			m.log.Debug("write failed", zap.String("session", s.ID), zap.Error(err))
			return
		}
	}
}

// handshake reads the peer request head and answers with the stream
// header.
func (m *Manager) handshake(s *Session) error {
	if err := s.conn.SetReadDeadline(time.Now().Add(requestTimeout)); err != nil {
		return err
	}
	req, err := http.ReadRequest(bufio.NewReader(s.conn))
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}
	m.log.Debug("peer request", zap.String("session", s.ID), zap.String("method", req.Method), zap.String("path", req.URL.Path))

	if req.Method != http.MethodGet {
		_, _ = fmt.Fprintf(s.conn, "HTTP/1.1 405 Method Not Allowed\r\nConnection: close\r\n\r\n")
		return fmt.Errorf("method %s not allowed", req.Method)
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err = fmt.Fprintf(s.conn, "HTTP/1.1 200 OK\r\n"+
		"Content-Type: multipart/x-mixed-replace; boundary=%s\r\n"+
		"Cache-Control: no-cache\r\n"+
		"Connection: close\r\n\r\n", boundary)
	return err
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close disconnects every peer and waits for their goroutines. Later
// Accept calls close the connection immediately.
func (m *Manager) Close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.quit)
	}
	for _, s := range m.sessions {
		_ = s.conn.Close()
	}
	m.mu.Unlock()
	m.wg.Wait()
}
