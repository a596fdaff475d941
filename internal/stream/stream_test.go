package stream

import (
	"bytes"
	"net"
	"testing"

	"shadow-server/internal/encode"
	"shadow-server/internal/monitoring"
	"shadow-server/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticFeed struct {
	ch chan encode.EncodedFrame
}

func (f *staticFeed) Subscribe() (<-chan encode.EncodedFrame, func()) {
	return f.ch, func() { close(f.ch) }
}

func TestBuildJPEGHeader(t *testing.T) {
	h := buildJPEGHeader(0x010203, 640, 480)
	assert.Equal(t, []byte{0x00, 0x01, 0x02, 0x03, 1, 0x01, 80, 60}, h)
}

func TestPacketize(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 25)
	frame := encode.EncodedFrame{Data: data, Width: 64, Height: 32}

	seq := uint16(65534)
	packets := packetize(frame, 26, 18, &seq, 9000)
	require.Len(t, packets, 3)

	assert.Equal(t, uint16(65534), packets[0].SequenceNumber)
	assert.Equal(t, uint16(65535), packets[1].SequenceNumber)
	assert.Equal(t, uint16(0), packets[2].SequenceNumber)
	assert.Equal(t, uint16(1), seq)

	var total int
	for i, p := range packets {
		assert.Equal(t, uint8(26), p.PayloadType)
		assert.Equal(t, uint32(9000), p.Timestamp)
		assert.Equal(t, i == len(packets)-1, p.Marker)
		assert.LessOrEqual(t, len(p.Payload), 18)
		total += len(p.Payload) - jpegHeaderSize
	}
	assert.Equal(t, len(data), total)
	// Third fragment starts at offset 20.
	assert.Equal(t, byte(20), packets[2].Payload[3])
}

func TestPacketizeRejectsOversizedFrame(t *testing.T) {
	seq := uint16(7)
	frame := encode.EncodedFrame{Data: bytes.Repeat([]byte{0xAB}, 64), Width: 2560, Height: 1440}
	assert.Nil(t, packetize(frame, 26, 1460, &seq, 0))
	assert.Equal(t, uint16(7), seq)

	frame.Width, frame.Height = config.MaxRtspDimension, config.MaxRtspDimension
	packets := packetize(frame, 26, 1460, &seq, 0)
	require.Len(t, packets, 1)
	assert.Equal(t, byte(255), packets[0].Payload[6])
	assert.Equal(t, byte(255), packets[0].Payload[7])
}

func TestCloseWithoutOpen(t *testing.T) {
	m := NewMirror(config.Default(), &staticFeed{ch: make(chan encode.EncodedFrame)}, zap.NewNop(), monitoring.NewMetrics())
	m.Close()
	m.Close()
}

func TestOpenRejectsBusyPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := config.Default()
	cfg.Rtsp.Enabled = true
	cfg.Rtsp.Port = busy.Addr().(*net.TCPAddr).Port

	m := NewMirror(cfg, &staticFeed{ch: make(chan encode.EncodedFrame)}, zap.NewNop(), monitoring.NewMetrics())
	assert.ErrorIs(t, m.Open("127.0.0.1"), ErrPortInUse)
	m.Close()
}

func TestOpenAndClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	cfg := config.Default()
	cfg.Rtsp.Enabled = true
	cfg.Rtsp.Port = port

	feed := &staticFeed{ch: make(chan encode.EncodedFrame, 1)}
	m := NewMirror(cfg, feed, zap.NewNop(), monitoring.NewMetrics())
	require.NoError(t, m.Open("127.0.0.1"))

	// No players: frames are consumed and dropped.
	feed.ch <- encode.EncodedFrame{Data: []byte{0xFF, 0xD8, 0xFF, 0xD9}, Width: 8, Height: 8}
	assert.True(t, m.matchPath("/screen"))
	assert.False(t, m.matchPath("/other"))
	assert.Zero(t, m.activePlayers())

	m.Close()
	m.Close()
}
