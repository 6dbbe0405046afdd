package readiness

import (
	"context"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
)

// Ready is the single byte written to a connected client once every probe
// has been attached.
const Ready = 0x01

// Server announces probe attachment over a unix socket. Clients connect at
// any time; each connection receives the ready byte as soon as
// NotifyAttached has been called.
type Server struct {
	ln         net.Listener
	attachedCh chan struct{}
	socketPath string
	logger     log.Logger
}

func NewServer(socketPath string, logger log.Logger) *Server {
	l := logger.With().Str("component", "readiness").Logger()
	return &Server{
		socketPath: socketPath,
		attachedCh: make(chan struct{}),
		logger:     l,
	}
}

// Listen binds the unix socket and starts serving connections. A stale
// socket from a previous run is replaced.
func (s *Server) Listen(ctx context.Context) error {
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return errors.Wrap(err, "failed to listen on readiness socket")
	}
	s.ln = ln

	go s.accept(ctx)

	return nil
}

// NotifyAttached marks the profiler ready. Every pending and future
// connection is answered with the ready byte. Must be called at most once.
func (s *Server) NotifyAttached() {
	s.logger.Debug().Msg("all probes attached, marking readiness")
	close(s.attachedCh)
}

// Shutdown closes the listener and removes the socket file.
func (s *Server) Shutdown() error {
	if s.ln != nil {
		if err := s.ln.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("error closing readiness listener")
		}
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to remove readiness socket")
	}

	return nil
}

func (s *Server) accept(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug().Msg("stopping accepting readiness connections")
			return
		default:
			conn, err := s.ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Warn().Err(err).Msg("readiness accept error")
				continue
			}

			go s.serve(ctx, conn)
		}
	}
}

// serve parks the connection until attachment, then delivers the ready byte.
func (s *Server) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	select {
	case <-s.attachedCh:
		if !s.connAlive(conn) {
			return
		}
		if err := s.write(conn, []byte{Ready}); err != nil {
			if !errors.Is(err, syscall.EPIPE) && !errors.Is(err, syscall.ECONNRESET) {
				s.logger.Debug().Err(err).Msg("failed to write ready byte")
			}
		}
	case <-ctx.Done():
		return
	}
}

func (s *Server) connAlive(conn net.Conn) bool {
	// A zero-length read with an expired deadline distinguishes a closed
	// peer from a merely idle one.
	conn.SetReadDeadline(time.Now())
	if _, err := conn.Read([]byte{}); err == io.EOF {
		s.logger.Debug().Msg("readiness client already gone")
		conn.Close()
		return false
	}

	conn.SetReadDeadline(time.Time{})
	return true
}

func (s *Server) write(conn net.Conn, data []byte) error {
	if _, err := conn.Write(data); err != nil {
		switch {
		case errors.Is(err, syscall.EPIPE):
			conn.Close()
			return errors.Wrap(err, "peer closed the connection")
		case errors.Is(err, syscall.ECONNRESET):
			conn.Close()
			return errors.Wrap(err, "peer reset the connection")
		default:
			return errors.Wrap(err, "failed to write")
		}
	}
	return nil
}
