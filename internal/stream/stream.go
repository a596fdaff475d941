// Package stream mirrors the encoded screen over RTSP as RTP/JPEG.
package stream

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"shadow-server/internal/encode"
	"shadow-server/internal/monitoring"
	"shadow-server/pkg/config"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"
	"go.uber.org/zap"
)

const (
	jpegHeaderSize = 8
	rtpClockRate   = 90000
	mirrorSSRC     = 12345678
)

var ErrPortInUse = errors.New("rtsp port already in use")

// Feed is the encoded frame stream the mirror publishes.
type Feed interface {
	Subscribe() (<-chan encode.EncodedFrame, func())
}

type handler struct {
	m *Mirror
}

func (h *handler) OnConnOpen(ctx *gortsplib.ServerHandlerOnConnOpenCtx) {
	h.m.log.Info("client connected", zap.Stringer("peer", ctx.Conn.NetConn().RemoteAddr()))
}

func (h *handler) OnConnClose(ctx *gortsplib.ServerHandlerOnConnCloseCtx) {
	h.m.log.Info("client disconnected", zap.Error(ctx.Error))
}

func (h *handler) OnSessionClose(ctx *gortsplib.ServerHandlerOnSessionCloseCtx) {
	h.m.removePlayer(ctx.Session)
}

func (h *handler) OnDescribe(ctx *gortsplib.ServerHandlerOnDescribeCtx) (*base.Response, *gortsplib.ServerStream, error) {
	if !h.m.matchPath(ctx.Path) {
		h.m.log.Debug("invalid path in describe", zap.String("path", ctx.Path))
		return &base.Response{StatusCode: base.StatusNotFound}, nil, nil
	}
	return &base.Response{StatusCode: base.StatusOK}, h.m.stream, nil
}

func (h *handler) OnSetup(ctx *gortsplib.ServerHandlerOnSetupCtx) (*base.Response, *gortsplib.ServerStream, error) {
	if !h.m.matchPath(ctx.Path) {
		h.m.log.Debug("setup rejected: invalid path", zap.String("path", ctx.Path))
		return &base.Response{StatusCode: base.StatusNotFound}, nil, nil
	}
	return &base.Response{StatusCode: base.StatusOK}, h.m.stream, nil
}

func (h *handler) OnPlay(ctx *gortsplib.ServerHandlerOnPlayCtx) (*base.Response, error) {
	if !h.m.matchPath(ctx.Path) {
		h.m.log.Debug("play rejected: invalid path", zap.String("path", ctx.Path))
		return &base.Response{StatusCode: base.StatusNotFound}, nil
	}
	h.m.addPlayer(ctx.Session)
	return &base.Response{StatusCode: base.StatusOK}, nil
}

// Mirror publishes the feed on rtsp://host:port/path while at least one
// client plays it.
type Mirror struct {
	cfg       config.RtspConfig
	frameRate int
	feed      Feed
	log       *zap.Logger
	metrics   *monitoring.Metrics

	server *gortsplib.Server
	stream *gortsplib.ServerStream
	media  *description.Media
	mjpeg  *format.MJPEG

	mu      sync.Mutex
	players map[*gortsplib.ServerSession]struct{}

	cancel func()
	done   chan struct{}
	once   sync.Once
}

func NewMirror(cfg *config.Config, feed Feed, log *zap.Logger, metrics *monitoring.Metrics) *Mirror {
	return &Mirror{
		cfg:       cfg.Rtsp,
		frameRate: max(cfg.FrameRate, 1),
		feed:      feed,
		log:       log.Named("rtsp"),
		metrics:   metrics,
		players:   make(map[*gortsplib.ServerSession]struct{}),
	}
}

// Open binds the RTSP port and starts publishing.
func (m *Mirror) Open(bindAddress string) error {
	addr := net.JoinHostPort(bindAddress, fmt.Sprint(m.cfg.Port))
	probe := net.JoinHostPort("localhost", fmt.Sprint(m.cfg.Port))
	if conn, err := net.DialTimeout("tcp", probe, 500*time.Millisecond); err == nil {
		conn.Close()
		return fmt.Errorf("%w: %d", ErrPortInUse, m.cfg.Port)
	}

	m.mjpeg = &format.MJPEG{}
	m.media = &description.Media{
		Type:    description.MediaTypeVideo,
		Control: "trackID=0",
		Formats: []format.Format{m.mjpeg},
	}
	m.server = &gortsplib.Server{
		RTSPAddress:   addr,
		Handler:       &handler{m: m},
		MaxPacketSize: m.cfg.RtpPayloadMaxSize + 12,
	}
	if err := m.server.Start(); err != nil {
		return fmt.Errorf("start rtsp server: %w", err)
	}

	m.stream = &gortsplib.ServerStream{
		Server: m.server,
		Desc: &description.Session{
			Medias: []*description.Media{m.media},
			Title:  "Shadow Desktop",
		},
	}
	if err := m.stream.Initialize(); err != nil {
		m.server.Close()
		return fmt.Errorf("initialize rtsp stream: %w", err)
	}

	frames, cancel := m.feed.Subscribe()
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.publish(frames)

	m.log.Info("ready", zap.String("url", fmt.Sprintf("rtsp://%s/%s", addr, m.cfg.Path)))
	return nil
}

func (m *Mirror) matchPath(path string) bool {
	return strings.TrimPrefix(path, "/") == m.cfg.Path
}

func (m *Mirror) addPlayer(s *gortsplib.ServerSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.players[s] = struct{}{}
	m.metrics.RtspClients.Set(float64(len(m.players)))
	m.log.Info("play requested", zap.Int("active", len(m.players)))
}

func (m *Mirror) removePlayer(s *gortsplib.ServerSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.players[s]; !ok {
		return
	}
	delete(m.players, s)
	m.metrics.RtspClients.Set(float64(len(m.players)))
	m.log.Info("player left", zap.Int("remaining", len(m.players)))
}

func (m *Mirror) activePlayers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.players)
}

func (m *Mirror) publish(frames <-chan encode.EncodedFrame) {
	defer close(m.done)
	var seq uint16
	var ts uint32
	var wasActive bool
	for frame := range frames {
		if m.activePlayers() == 0 {
			if wasActive {
				m.log.Info("no clients, streaming paused")
				wasActive = false
			}
			continue
		}
		if !wasActive {
			m.log.Info("client detected, streaming started")
			wasActive = true
		}
		packets := packetize(frame, m.mjpeg.PayloadType(), m.cfg.RtpPayloadMaxSize, &seq, ts)
		if packets == nil {
			m.log.Warn("frame too large for RTP/JPEG, dropped", zap.Int("width", frame.Width), zap.Int("height", frame.Height))
		}
		for _, pkt := range packets {
			if err := m.stream.WritePacketRTP(m.media, pkt); err != nil {
				m.log.Warn("failed to send packet", zap.Error(err))
			} else if m.cfg.Debug {
				m.log.Debug("sent", zap.Uint16("seq", pkt.SequenceNumber), zap.Uint32("ts", ts), zap.Int("bytes", len(pkt.Payload)))
			}
		}
		ts += rtpClockRate / uint32(m.frameRate)
	}
}

// Close stops publishing and shuts the RTSP server down. It is safe to
// call on a mirror that never opened.
func (m *Mirror) Close() {
	m.once.Do(func() {
		if m.cancel != nil {
			m.cancel()
			<-m.done
		}
		if m.stream != nil {
			m.stream.Close()
		}
		if m.server != nil {
			m.server.Close()
		}
	})
}

// packetize splits one JPEG frame into RTP packets with a minimal JPEG
// header per fragment. seq is advanced for every packet. Frames larger
// than the header can describe yield no packets.
func packetize(frame encode.EncodedFrame, payloadType uint8, maxPayload int, seq *uint16, ts uint32) []*rtp.Packet {
	if frame.Width > config.MaxRtspDimension || frame.Height > config.MaxRtspDimension {
		return nil
	}
	chunk := maxPayload - jpegHeaderSize
	packets := make([]*rtp.Packet, 0, len(frame.Data)/chunk+1)
	for offset := 0; offset < len(frame.Data); offset += chunk {
		size := min(chunk, len(frame.Data)-offset)
		payload := append(buildJPEGHeader(offset, frame.Width, frame.Height), frame.Data[offset:offset+size]...)
		packets = append(packets, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    payloadType,
				SequenceNumber: *seq,
				Timestamp:      ts,
				SSRC:           mirrorSSRC,
				Marker:         offset+size >= len(frame.Data),
			},
			Payload: payload,
		})
		*seq++
	}
	return packets
}

func buildJPEGHeader(offset int, width, height int) []byte {
	h := make([]byte, jpegHeaderSize)
	h[0] = 0x00
	h[1] = byte(offset >> 16)
	h[2] = byte(offset >> 8)
	h[3] = byte(offset)
	h[4] = 1
	h[5] = 0x01
	h[6] = byte(width / 8)
	h[7] = byte(height / 8)
	return h
}
