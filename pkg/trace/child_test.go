package trace

import (
	"syscall"
	"testing"
	"time"

	log "github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartChildRequiresCommand(t *testing.T) {
	_, err := StartChild(nil, log.New(log.NewTestWriter(t)))
	require.Error(t, err)
}

func TestChildStartsSuspended(t *testing.T) {
	c, err := StartChild([]string{"/bin/sh", "-c", "exit 7"}, log.New(log.NewTestWriter(t)))
	require.NoError(t, err)
	defer c.Terminate(time.Second)

	// A stopped process cannot run to completion.
	select {
	case <-c.Exited():
		t.Fatal("suspended process exited before being resumed")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, c.Resume())

	select {
	case <-c.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("resumed process never exited")
	}
	assert.Equal(t, 7, c.ExitCode())
}

func TestChildTerminateEscalates(t *testing.T) {
	// Ignores SIGTERM, so Terminate has to fall back to SIGKILL.
	c, err := StartChild([]string{"/bin/sh", "-c", "trap '' TERM; sleep 60"}, log.New(log.NewTestWriter(t)))
	require.NoError(t, err)
	require.NoError(t, c.Resume())

	// Give the shell a moment to install its trap.
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		c.Terminate(200 * time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Terminate did not return")
	}

	select {
	case <-c.Exited():
	default:
		t.Fatal("process still running after Terminate")
	}
}

func TestChildTerminateWhileSuspended(t *testing.T) {
	// SIGTERM stays pending on a stopped process, so tearing down a child
	// that was never resumed relies on the SIGKILL escalation.
	c, err := StartChild([]string{"/bin/sleep", "60"}, log.New(log.NewTestWriter(t)))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		c.Terminate(200 * time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Terminate did not return for a suspended child")
	}

	select {
	case <-c.Exited():
	default:
		t.Fatal("suspended child still alive after Terminate")
	}
}

func TestChildTerminateAfterExit(t *testing.T) {
	c, err := StartChild([]string{"/bin/true"}, log.New(log.NewTestWriter(t)))
	require.NoError(t, err)
	require.NoError(t, c.Resume())

	select {
	case <-c.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("process never exited")
	}

	// Must be a no-op, not a signal to a recycled pid.
	c.Terminate(time.Second)
}

func TestChildResumeGone(t *testing.T) {
	c, err := StartChild([]string{"/bin/sh", "-c", "sleep 60"}, log.New(log.NewTestWriter(t)))
	require.NoError(t, err)

	require.NoError(t, syscall.Kill(c.Pid(), syscall.SIGKILL))
	select {
	case <-c.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("killed process was never reaped")
	}

	assert.ErrorIs(t, c.Resume(), ErrChildGone)
}
