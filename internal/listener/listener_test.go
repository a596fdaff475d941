package listener

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func waitReady(t *testing.T, h Handle) {
	t.Helper()
	select {
	case <-h:
	case <-time.After(5 * time.Second):
		t.Fatal("listener never became ready")
	}
}

func TestOpenDispatchClose(t *testing.T) {
	accepted := make(chan net.Conn, 1)
	l := New(func(conn net.Conn) { accepted <- conn }, zap.NewNop())
	assert.Empty(t, l.Handles())

	port := freePort(t)
	require.NoError(t, l.Open("127.0.0.1", port))
	defer l.Close()

	handles := l.Handles()
	require.Len(t, handles, 1)
	assert.Equal(t, port, l.Addr().(*net.TCPAddr).Port)

	client, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	waitReady(t, handles[0])
	require.NoError(t, l.CheckAndDispatch())

	select {
	case conn := <-accepted:
		assert.Equal(t, client.LocalAddr().String(), conn.RemoteAddr().String())
		conn.Close()
	default:
		t.Fatal("accept callback not invoked")
	}

	// Nothing pending: dispatch is a no-op.
	require.NoError(t, l.CheckAndDispatch())
}

func TestOpenInvalidPort(t *testing.T) {
	l := New(nil, zap.NewNop())
	assert.ErrorIs(t, l.Open("127.0.0.1", 0), ErrInvalidPort)
	assert.ErrorIs(t, l.Open("127.0.0.1", 65536), ErrInvalidPort)
}

func TestOpenConflict(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	l := New(nil, zap.NewNop())
	err = l.Open("127.0.0.1", busy.Addr().(*net.TCPAddr).Port)
	assert.Error(t, err)
	assert.Empty(t, l.Handles())
	l.Close()
}

func TestOpenTwice(t *testing.T) {
	l := New(nil, zap.NewNop())
	require.NoError(t, l.Open("127.0.0.1", freePort(t)))
	defer l.Close()
	assert.ErrorIs(t, l.Open("127.0.0.1", freePort(t)), ErrAlreadyOpen)
}

func TestCloseIsIdempotentAndConcurrent(t *testing.T) {
	l := New(nil, zap.NewNop())
	require.NoError(t, l.Open("127.0.0.1", freePort(t)))

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Close()
		}()
	}
	wg.Wait()
	l.Close()

	assert.Nil(t, l.Addr())
	assert.Empty(t, l.Handles())
	assert.ErrorIs(t, l.CheckAndDispatch(), ErrIO)
	assert.ErrorIs(t, l.Open("127.0.0.1", freePort(t)), ErrClosed)
}

func TestCloseNeverOpened(t *testing.T) {
	l := New(nil, zap.NewNop())
	l.Close()
	l.Close()
}

func TestAcceptFailureIsReported(t *testing.T) {
	l := New(nil, zap.NewNop())
	require.NoError(t, l.Open("127.0.0.1", freePort(t)))
	defer l.Close()

	s := l.sockets[0]
	s.fail(assert.AnError)

	waitReady(t, l.Handles()[0])
	assert.ErrorIs(t, l.CheckAndDispatch(), ErrIO)
}

func TestCloseDropsUndispatched(t *testing.T) {
	l := New(func(net.Conn) { t.Error("dispatched after close") }, zap.NewNop())
	require.NoError(t, l.Open("127.0.0.1", freePort(t)))

	client, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	waitReady(t, l.Handles()[0])

	l.Close()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = client.Read(make([]byte, 1))
	assert.Error(t, err)
}
