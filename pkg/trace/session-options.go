package trace

import (
	"io"
	"time"

	log "github.com/rs/zerolog"
)

// Manager is the session's view of the probe lifecycle manager. Tracer
// implements it; tests substitute fakes.
type Manager interface {
	Snapshot() (*Report, error)
	DetachAll()
	Close()
}

type SessionOptions struct {
	manager Manager
	child   *Child
	config  Config

	out     io.Writer
	logger  log.Logger
	cleanup func()
	suspend func()

	childGrace time.Duration
}

type SessionOption func(*Session)

func WithSessionManager(manager Manager) SessionOption {
	return func(s *Session) {
		s.manager = manager
	}
}

func WithSessionChild(child *Child) SessionOption {
	return func(s *Session) {
		s.child = child
	}
}

func WithSessionConfig(config Config) SessionOption {
	return func(s *Session) {
		s.config = config
	}
}

func WithSessionOutput(out io.Writer) SessionOption {
	return func(s *Session) {
		s.out = out
	}
}

func WithSessionLogger(logger log.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithSessionCleanup registers a hook run exactly once during finalization,
// after probes are detached; used to restore redirected output.
func WithSessionCleanup(cleanup func()) SessionOption {
	return func(s *Session) {
		s.cleanup = cleanup
	}
}

// WithSessionSuspendFn overrides how the session stops its own process on a
// suspend signal.
func WithSessionSuspendFn(suspend func()) SessionOption {
	return func(s *Session) {
		s.suspend = suspend
	}
}

func WithSessionChildGrace(grace time.Duration) SessionOption {
	return func(s *Session) {
		s.childGrace = grace
	}
}
