package trace

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/memprof/memprof/internal/output"
)

// State of the reporting machine. The session is the only place probes are
// torn down and the traced child's lifecycle is finalized, whichever trigger
// fires first.
type State int

const (
	StateRunning State = iota
	StatePeriodicReport
	StateSuspendedReport
	StateFinalReport
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePeriodicReport:
		return "periodic-report"
	case StateSuspendedReport:
		return "suspended-report"
	case StateFinalReport:
		return "final-report"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

const (
	defaultChildGrace = 2 * time.Second
	defaultInterval   = 5 * time.Second
)

// Session drives the steady-state phase: periodic reports on an interval,
// snapshot-then-suspend on SIGTSTP, and exactly-once finalization on
// termination signals, the run time limit, or traced-child exit.
type Session struct {
	state    State
	started  time.Time
	finalize sync.Once

	*SessionOptions
}

func NewSession(opts ...SessionOption) *Session {
	s := &Session{
		SessionOptions: &SessionOptions{},
	}
	for _, f := range opts {
		f(s)
	}
	if s.out == nil {
		s.out = os.Stdout
	}
	if s.childGrace == 0 {
		s.childGrace = defaultChildGrace
	}
	// The ticker in Run cannot take a non-positive interval.
	if s.config.Interval <= 0 {
		s.config.Interval = defaultInterval
	}
	if s.suspend == nil {
		s.suspend = func() {
			syscall.Kill(os.Getpid(), syscall.SIGSTOP)
		}
	}
	return s
}

func (s *Session) State() State {
	return s.state
}

// Run blocks until a terminal trigger fires and returns the process exit
// code. Signals short-circuit the interval sleep.
func (s *Session) Run(ctx context.Context) (int, error) {
	s.started = time.Now()
	s.state = StateRunning
	s.writeHeader()

	termCh := make(chan os.Signal, 1)
	signal.Notify(termCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(termCh)

	suspendCh := make(chan os.Signal, 1)
	signal.Notify(suspendCh, syscall.SIGTSTP)
	defer signal.Stop(suspendCh)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if s.config.Duration > 0 {
		timer := time.NewTimer(s.config.Duration)
		defer timer.Stop()
		deadline = timer.C
	}

	var childExit <-chan struct{}
	if s.child != nil {
		childExit = s.child.Exited()
	}

	for {
		select {
		case <-ticker.C:
			s.state = StatePeriodicReport
			s.periodicReport()
			s.state = StateRunning

		case sig := <-termCh:
			s.logger.Info().Str("signal", sig.String()).Msg("received termination signal, performing cleanup")
			s.Finalize(fmt.Sprintf("triggered by %s", sig))
			return exitCodeForSignal(sig), nil

		case <-suspendCh:
			// Snapshot, then actually stop this process; execution
			// continues here after SIGCONT.
			s.state = StateSuspendedReport
			fmt.Fprintln(s.out, "\nSuspend requested. Dumping current stats before stopping...")
			s.report()
			s.suspend()
			s.state = StateRunning

		case <-deadline:
			s.logger.Info().Msg("specified run time has elapsed, stopping trace")
			s.Finalize("run time limit reached")
			return 0, nil

		case <-childExit:
			s.logger.Info().Int("code", s.child.ExitCode()).Msg("traced process has exited")
			s.Finalize("traced process exited")
			return 0, nil

		case <-ctx.Done():
			s.Finalize("context canceled")
			return 0, nil
		}
	}
}

func (s *Session) periodicReport() {
	fmt.Fprintf(s.out, "%s", time.Now().Format("15:04:05"))
	if s.config.Verbose {
		elapsed := time.Since(s.started).Round(time.Second)
		fmt.Fprintf(s.out, " (elapsed: %s)", elapsed)
	}
	fmt.Fprintln(s.out)

	r := s.report()
	if r != nil && s.child != nil && r.TotalCalls == 0 {
		fmt.Fprintln(s.out, "No function calls detected yet; the target may not use the traced functions.")
	}
}

func (s *Session) report() *Report {
	r, err := s.manager.Snapshot()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to snapshot counters")
		return nil
	}
	r.Render(s.out)
	return r
}

// Finalize produces the final report and tears everything down exactly
// once, regardless of which trigger fired or how often it is called.
func (s *Session) Finalize(reason string) {
	s.finalize.Do(func() {
		s.state = StateFinalReport

		fmt.Fprintf(s.out, "\n--- Final Statistics (%s) ---\n", reason)
		s.report()
		s.writeFooter()

		if s.child != nil {
			s.child.Terminate(s.childGrace)
		}

		s.manager.DetachAll()
		s.manager.Close()

		if s.cleanup != nil {
			s.cleanup()
		}
		s.state = StateTerminated
	})
}

func (s *Session) writeHeader() {
	hostname, _ := os.Hostname()
	username := "unknown"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}

	fmt.Fprintln(s.out, output.Banner(71))
	fmt.Fprintf(s.out, "memprof - started at %s\n", s.started.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(s.out, "Host: %s  OS: %s/%s  User: %s\n", hostname, runtime.GOOS, runtime.GOARCH, username)
	fmt.Fprintf(s.out, "Interval: %s", s.config.Interval)
	if s.config.TargetPID > 0 {
		fmt.Fprintf(s.out, "  PID: %d", s.config.TargetPID)
	}
	if s.config.Duration > 0 {
		fmt.Fprintf(s.out, "  Time limit: %s", s.config.Duration)
	}
	if s.config.CheckAlignment {
		fmt.Fprint(s.out, "  Alignment checks: on")
	}
	fmt.Fprintln(s.out)
	fmt.Fprintln(s.out, output.Banner(71))
}

func (s *Session) writeFooter() {
	fmt.Fprintln(s.out, output.Banner(71))
	fmt.Fprintf(s.out, "Started at: %s\n", s.started.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(s.out, "Ended at:   %s\n", time.Now().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(s.out, "Total runtime: %s\n", time.Since(s.started).Round(time.Second))
	fmt.Fprintln(s.out, output.Banner(71))
}

func exitCodeForSignal(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}
	return 1
}
