// Package supervisor launches and terminates the external transcode process.
// The process runs in its own process group so termination reaps the whole
// command tree, including children spawned by wrapper scripts.
package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"

	"go.uber.org/zap"

	"github.com/vcs-repack/backend/internal/registry"
)

// LaunchError means the transcode command could not start at all. It is
// distinct from a process that started and then failed.
type LaunchError struct {
	Err error
}

func (e *LaunchError) Error() string { return fmt.Sprintf("launch transcode: %v", e.Err) }
func (e *LaunchError) Unwrap() error { return e.Err }

// ProcessError means the transcode process exited with a non-zero status or
// was killed. A cancelled job surfaces here as a kill.
type ProcessError struct {
	Code int
	Err  error
}

func (e *ProcessError) Error() string { return fmt.Sprintf("transcode exited %d: %v", e.Code, e.Err) }
func (e *ProcessError) Unwrap() error { return e.Err }

// Supervisor runs transcode commands and kills them on cancellation. Kills go
// through the shared registry so any process, not just the owning worker, can
// terminate a job.
type Supervisor struct {
	command  string
	resource string
	reg      registry.Registry
	logger   *zap.Logger
}

// New creates a supervisor for the given transcode command and meeting server
// resource host.
func New(command, resource string, reg registry.Registry, logger *zap.Logger) *Supervisor {
	return &Supervisor{command: command, resource: resource, reg: reg, logger: logger}
}

// Launch starts the transcode command for one recording without waiting. The
// process gets its own process group. Stdout and stderr are discarded; the
// command's own logging is its business.
func (s *Supervisor) Launch(recordID, outputPath string) (*exec.Cmd, error) {
	cmd := exec.Command(s.command,
		"-r", s.resource,
		"-i", recordID,
		"-o", outputPath,
	)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Err: err}
	}
	return cmd, nil
}

// Wait blocks until the process exits. Non-zero exits and kills come back as
// a *ProcessError.
func (s *Supervisor) Wait(cmd *exec.Cmd) error {
	err := cmd.Wait()
	if err == nil {
		return nil
	}
	code := -1
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	}
	return &ProcessError{Code: code, Err: err}
}

// Run launches the transcode for a task, registers its pid so it can be
// killed remotely, and waits for it to finish. When the context fires first,
// which includes the job deadline, the whole process group is killed so a
// redelivered job never runs beside a leftover process.
func (s *Supervisor) Run(ctx context.Context, taskID, recordID, outputPath string) error {
	cmd, err := s.Launch(recordID, outputPath)
	if err != nil {
		return err
	}
	pid := cmd.Process.Pid
	if regErr := s.reg.SetPID(ctx, taskID, pid); regErr != nil {
		s.logger.Warn("failed to register transcode pid",
			zap.String("task_id", taskID), zap.Int("pid", pid), zap.Error(regErr))
	}
	s.logger.Info("transcode started",
		zap.String("task_id", taskID), zap.String("record_id", recordID), zap.Int("pid", pid))

	done := make(chan error, 1)
	go func() { done <- s.Wait(cmd) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if killErr := syscall.Kill(-pid, syscall.SIGKILL); killErr != nil && killErr != syscall.ESRCH {
			s.logger.Warn("kill expired transcode process group",
				zap.String("task_id", taskID), zap.Int("pid", pid), zap.Error(killErr))
		}
		<-done
		return ctx.Err()
	}
}

// Terminate kills the registered process group for a task and removes the
// registry entry. It reports whether a live entry was found. Terminating a
// task with no entry, or one whose process is already gone, is a no-op.
func (s *Supervisor) Terminate(ctx context.Context, taskID string) (bool, error) {
	entry, ok, err := s.reg.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if entry.PID > 0 {
		// Negative pid targets the whole process group. The process may
		// have already exited; that is fine.
		if killErr := syscall.Kill(-entry.PID, syscall.SIGKILL); killErr != nil && killErr != syscall.ESRCH {
			s.logger.Warn("kill transcode process group",
				zap.String("task_id", taskID), zap.Int("pid", entry.PID), zap.Error(killErr))
		}
	}
	if err := s.reg.Remove(ctx, taskID); err != nil {
		return true, err
	}
	s.logger.Info("transcode terminated", zap.String("task_id", taskID), zap.Int("pid", entry.PID))
	return true, nil
}
