package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vcs-repack/backend/internal/registry"
)

type memRegistry struct {
	mu      sync.Mutex
	entries map[string]registry.Entry
}

func newMemRegistry() *memRegistry {
	return &memRegistry{entries: make(map[string]registry.Entry)}
}

func (m *memRegistry) SetWorkdir(_ context.Context, taskID, workdir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[taskID]
	e.Workdir = workdir
	m.entries[taskID] = e
	return nil
}

func (m *memRegistry) SetPID(_ context.Context, taskID string, pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[taskID]
	e.PID = pid
	m.entries[taskID] = e
	return nil
}

func (m *memRegistry) Get(_ context.Context, taskID string) (registry.Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[taskID]
	return e, ok, nil
}

func (m *memRegistry) Remove(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, taskID)
	return nil
}

func TestLaunchFailureIsLaunchError(t *testing.T) {
	s := New("/nonexistent/transcode-cmd", "vcs.example.org", newMemRegistry(), zap.NewNop())

	_, err := s.Launch("rec-1", "/tmp/out.mp4")
	require.Error(t, err)

	var launchErr *LaunchError
	assert.True(t, errors.As(err, &launchErr))
}

func TestRunReportsNonZeroExit(t *testing.T) {
	reg := newMemRegistry()
	s := New("/bin/false", "vcs.example.org", reg, zap.NewNop())

	err := s.Run(context.Background(), "task-1", "rec-1", "/tmp/out.mp4")
	require.Error(t, err)

	var procErr *ProcessError
	require.True(t, errors.As(err, &procErr))
	assert.Equal(t, 1, procErr.Code)

	// The pid was registered before the process exited.
	e, ok, _ := reg.Get(context.Background(), "task-1")
	assert.True(t, ok)
	assert.Greater(t, e.PID, 0)
}

func TestRunKillsProcessGroupWhenContextFires(t *testing.T) {
	script := filepath.Join(t.TempDir(), "fake-transcode.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nsleep 60\n"), 0o755))

	reg := newMemRegistry()
	s := New(script, "vcs.example.org", reg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx, "task-3", "rec-3", "/tmp/out.mp4") }()

	var pid int
	require.Eventually(t, func() bool {
		e, ok, _ := reg.Get(context.Background(), "task-3")
		pid = e.PID
		return ok && e.PID > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after the context fired")
	}

	// The whole process group is gone, not just reparented.
	assert.Eventually(t, func() bool {
		return syscall.Kill(-pid, 0) == syscall.ESRCH
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTerminateKillsRunningProcess(t *testing.T) {
	script := filepath.Join(t.TempDir(), "fake-transcode.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nsleep 60\n"), 0o755))

	reg := newMemRegistry()
	s := New(script, "vcs.example.org", reg, zap.NewNop())

	cmd, err := s.Launch("rec-2", "/tmp/out.mp4")
	require.NoError(t, err)
	require.NoError(t, reg.SetPID(context.Background(), "task-2", cmd.Process.Pid))

	found, err := s.Terminate(context.Background(), "task-2")
	require.NoError(t, err)
	assert.True(t, found)

	var procErr *ProcessError
	err = s.Wait(cmd)
	require.Error(t, err)
	assert.True(t, errors.As(err, &procErr))

	// Registry entry is gone and a second terminate is a no-op.
	_, ok, _ := reg.Get(context.Background(), "task-2")
	assert.False(t, ok)
	found, err = s.Terminate(context.Background(), "task-2")
	require.NoError(t, err)
	assert.False(t, found)
}
