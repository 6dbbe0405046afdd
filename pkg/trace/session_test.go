package trace

import (
	"bytes"
	"context"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	log "github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeManager struct {
	mu        sync.Mutex
	snapshots int
	detached  int
	closed    int
	report    *Report
}

func (m *fakeManager) Snapshot() (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots++
	if m.report != nil {
		return m.report, nil
	}
	return &Report{Timestamp: time.Now()}, nil
}

func (m *fakeManager) DetachAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detached++
}

func (m *fakeManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
}

func (m *fakeManager) counts() (int, int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshots, m.detached, m.closed
}

func testSession(t *testing.T, manager Manager, config Config, opts ...SessionOption) (*Session, *bytes.Buffer) {
	t.Helper()

	out := &bytes.Buffer{}
	base := []SessionOption{
		WithSessionManager(manager),
		WithSessionConfig(config),
		WithSessionOutput(out),
		WithSessionLogger(log.New(log.NewTestWriter(t))),
	}
	return NewSession(append(base, opts...)...), out
}

func TestFinalizeExactlyOnce(t *testing.T) {
	manager := &fakeManager{}
	cleanups := 0
	s, out := testSession(t, manager, Config{Interval: time.Hour},
		WithSessionCleanup(func() { cleanups++ }))

	s.Finalize("first")
	s.Finalize("second")
	s.Finalize("third")

	snapshots, detached, closed := manager.counts()
	assert.Equal(t, 1, snapshots)
	assert.Equal(t, 1, detached)
	assert.Equal(t, 1, closed)
	assert.Equal(t, 1, cleanups)
	assert.Equal(t, StateTerminated, s.State())

	assert.Contains(t, out.String(), "Final Statistics (first)")
	assert.NotContains(t, out.String(), "second")
}

func TestRunReturnsZeroOnTimeLimit(t *testing.T) {
	manager := &fakeManager{}
	s, out := testSession(t, manager, Config{
		Interval: time.Hour,
		Duration: 20 * time.Millisecond,
	})

	code, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, StateTerminated, s.State())
	assert.Contains(t, out.String(), "run time limit reached")
}

func TestRunReturnsZeroOnContextCancel(t *testing.T) {
	manager := &fakeManager{}
	s, _ := testSession(t, manager, Config{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	code, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	_, detached, closed := manager.counts()
	assert.Equal(t, 1, detached)
	assert.Equal(t, 1, closed)
}

func TestRunPeriodicReports(t *testing.T) {
	manager := &fakeManager{}
	s, out := testSession(t, manager, Config{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	code, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	snapshots, _, _ := manager.counts()
	assert.GreaterOrEqual(t, snapshots, 2, "at least one periodic report plus the final one")
	assert.Contains(t, out.String(), "Function Call Distribution")
}

func TestRunSuspendSnapshotsBeforeStopping(t *testing.T) {
	manager := &fakeManager{}
	suspended := make(chan struct{}, 1)
	s, out := testSession(t, manager, Config{Interval: time.Hour},
		WithSessionSuspendFn(func() { suspended <- struct{}{} }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	// Let Run install its signal handlers before delivering SIGTSTP.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTSTP))

	select {
	case <-suspended:
	case <-time.After(2 * time.Second):
		t.Fatal("suspend hook never ran")
	}

	cancel()
	<-done

	assert.Contains(t, out.String(), "Suspend requested")
	snapshots, _, _ := manager.counts()
	assert.GreaterOrEqual(t, snapshots, 2, "one suspend snapshot plus the final one")
}

func TestNewSessionDefaultsInterval(t *testing.T) {
	// A zero-value Config must not panic the ticker in Run.
	manager := &fakeManager{}
	s, _ := testSession(t, manager, Config{})
	assert.Equal(t, defaultInterval, s.config.Interval)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	code, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestExitCodeForSignal(t *testing.T) {
	assert.Equal(t, 130, exitCodeForSignal(syscall.SIGINT))
	assert.Equal(t, 143, exitCodeForSignal(syscall.SIGTERM))
	assert.Equal(t, 129, exitCodeForSignal(syscall.SIGHUP))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "periodic-report", StatePeriodicReport.String())
	assert.Equal(t, "suspended-report", StateSuspendedReport.String())
	assert.Equal(t, "final-report", StateFinalReport.String())
	assert.Equal(t, "terminated", StateTerminated.String())
	assert.Equal(t, "unknown", State(42).String())
}
