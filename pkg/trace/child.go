package trace

import (
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
)

var ErrChildGone = errors.New("traced process no longer exists")

// Child is a process launched to be traced. It is started in its own
// session and stopped immediately, so every probe is in place before the
// first instrumented call executes; Resume lets it run.
type Child struct {
	cmd    *exec.Cmd
	logger log.Logger

	exitCh   chan struct{}
	exitCode int
}

// StartChild spawns argv suspended. The caller must Resume it once probes
// are attached, and Terminate it at shutdown.
func StartChild(argv []string, logger log.Logger) (*Child, error) {
	if len(argv) == 0 {
		return nil, errors.New("no command to run")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to launch %s", argv[0])
	}

	// Freeze before any probe could be missed. A stopped process cannot
	// exit, so the Wait below stays pending until Resume.
	if err := syscall.Kill(cmd.Process.Pid, syscall.SIGSTOP); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, errors.Wrap(err, "failed to suspend traced process")
	}

	c := &Child{
		cmd:    cmd,
		logger: logger,
		exitCh: make(chan struct{}),
	}
	go c.reap()

	logger.Info().Int("pid", cmd.Process.Pid).Str("command", argv[0]).Msg("traced process launched suspended")

	return c, nil
}

func (c *Child) reap() {
	err := c.cmd.Wait()
	if c.cmd.ProcessState != nil {
		c.exitCode = c.cmd.ProcessState.ExitCode()
	}
	if err != nil {
		c.logger.Debug().Err(err).Msg("traced process wait returned")
	}
	close(c.exitCh)
}

func (c *Child) Pid() int {
	return c.cmd.Process.Pid
}

// Exited is closed once the traced process has been reaped.
func (c *Child) Exited() <-chan struct{} {
	return c.exitCh
}

func (c *Child) ExitCode() int {
	return c.exitCode
}

// Resume continues the suspended process. ErrChildGone means it disappeared
// while suspended; callers treat that as a warning, not a failure.
func (c *Child) Resume() error {
	if err := syscall.Kill(c.Pid(), syscall.SIGCONT); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return ErrChildGone
		}
		return errors.Wrap(err, "failed to resume traced process")
	}
	c.logger.Info().Int("pid", c.Pid()).Msg("traced process resumed")
	return nil
}

// Terminate asks the process to exit and escalates to SIGKILL when the
// grace period runs out. Safe to call after the process already exited.
func (c *Child) Terminate(grace time.Duration) {
	select {
	case <-c.exitCh:
		return
	default:
	}

	c.logger.Info().Int("pid", c.Pid()).Msg("terminating traced process")
	if err := syscall.Kill(c.Pid(), syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		c.logger.Warn().Err(err).Msg("failed to signal traced process")
	}

	select {
	case <-c.exitCh:
	case <-time.After(grace):
		c.logger.Warn().Msg("traced process did not terminate gracefully, killing it")
		c.cmd.Process.Kill()
		<-c.exitCh
	}
}
