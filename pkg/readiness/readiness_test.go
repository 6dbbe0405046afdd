package readiness

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockConn implements net.Conn for driving serve() without a real socket.
type MockConn struct {
	mock.Mock
}

func (m *MockConn) Read(b []byte) (n int, err error) {
	args := m.Called(b)
	return args.Int(0), args.Error(1)
}

func (m *MockConn) Write(b []byte) (n int, err error) {
	args := m.Called(b)
	return args.Int(0), args.Error(1)
}

func (m *MockConn) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockConn) LocalAddr() net.Addr {
	args := m.Called()
	return args.Get(0).(net.Addr)
}

func (m *MockConn) RemoteAddr() net.Addr {
	args := m.Called()
	return args.Get(0).(net.Addr)
}

func (m *MockConn) SetDeadline(t time.Time) error {
	args := m.Called(t)
	return args.Error(0)
}

func (m *MockConn) SetReadDeadline(t time.Time) error {
	args := m.Called(t)
	return args.Error(0)
}

func (m *MockConn) SetWriteDeadline(t time.Time) error {
	args := m.Called(t)
	return args.Error(0)
}

func testLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t)).With().Timestamp().Logger()
}

func testSocketPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "readiness.sock")
}

func TestServerListen(t *testing.T) {
	t.Run("should bind the unix socket", func(t *testing.T) {
		sock := testSocketPath(t)
		srv := NewServer(sock, testLogger(t))

		require.NoError(t, srv.Listen(context.Background()))
		defer srv.Shutdown()

		info, err := os.Stat(sock)
		require.NoError(t, err)
		assert.NotZero(t, info.Mode()&os.ModeSocket)
	})

	t.Run("should replace a stale socket file", func(t *testing.T) {
		sock := testSocketPath(t)
		stale, err := net.Listen("unix", sock)
		require.NoError(t, err)
		stale.Close()

		srv := NewServer(sock, testLogger(t))
		require.NoError(t, srv.Listen(context.Background()))
		srv.Shutdown()
	})
}

func TestServerNotifyAttached(t *testing.T) {
	t.Run("should write the ready byte once attached", func(t *testing.T) {
		srv := NewServer(testSocketPath(t), testLogger(t))
		srv.NotifyAttached()

		assert.Panics(t, func() {
			srv.attachedCh <- struct{}{}
		})

		mockConn := new(MockConn)
		mockConn.On("Write", []byte{Ready}).Return(1, nil)
		mockConn.On("Close").Return(nil)
		mockConn.On("SetReadDeadline", mock.Anything).Return(nil)
		mockConn.On("Read", mock.AnythingOfType("[]uint8")).Return(0, nil)

		srv.serve(context.Background(), mockConn)

		mockConn.AssertExpectations(t)
	})

	t.Run("should not write before attachment when canceled", func(t *testing.T) {
		srv := NewServer(testSocketPath(t), testLogger(t))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		mockConn := new(MockConn)
		mockConn.On("Close").Return(nil)

		srv.serve(ctx, mockConn)

		mockConn.AssertNotCalled(t, "Write", mock.Anything)
	})
}

func TestServerEndToEnd(t *testing.T) {
	sock := testSocketPath(t)
	srv := NewServer(sock, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, srv.Listen(ctx))
	defer srv.Shutdown()

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer conn.Close()

	srv.NotifyAttached()

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, byte(Ready), buf[0])
}

func TestServerShutdown(t *testing.T) {
	t.Run("should close the listener and remove the socket", func(t *testing.T) {
		sock := testSocketPath(t)
		srv := NewServer(sock, testLogger(t))

		require.NoError(t, srv.Listen(context.Background()))
		require.NoError(t, srv.Shutdown())

		_, err := os.Stat(sock)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("should tolerate an already removed socket", func(t *testing.T) {
		sock := testSocketPath(t)
		srv := NewServer(sock, testLogger(t))

		require.NoError(t, srv.Listen(context.Background()))
		require.NoError(t, srv.ln.Close())
		os.Remove(sock)

		srv.ln = nil
		assert.NoError(t, srv.Shutdown())
	})
}
