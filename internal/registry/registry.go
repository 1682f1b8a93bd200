// Package registry tracks the live transcode process for each running task so
// the cancellation flow can find and kill it from another process.
package registry

import (
	"context"
	"fmt"
	"strconv"

	"github.com/vcs-repack/backend/pkg/redis"
)

// Entry describes a registered job: the transcode process PID (0 until the
// process launches) and the per-job working directory.
type Entry struct {
	PID     int
	Workdir string
}

// Registry is the shared process table keyed by task id.
type Registry interface {
	// SetWorkdir records the job's working directory, creating the entry.
	SetWorkdir(ctx context.Context, taskID, workdir string) error
	// SetPID records the transcode process pid on an existing entry.
	SetPID(ctx context.Context, taskID string, pid int) error
	// Get returns the entry and whether it exists.
	Get(ctx context.Context, taskID string) (Entry, bool, error)
	// Remove deletes the entry. Removing an absent entry is not an error.
	Remove(ctx context.Context, taskID string) error
}

// RedisRegistry keeps entries in a Redis hash per task. A single key per task
// keeps writes atomic between the worker and the cancellation path.
type RedisRegistry struct {
	rdb *redis.Client
}

// NewRedisRegistry creates a registry on the shared Redis client.
func NewRedisRegistry(rdb *redis.Client) *RedisRegistry {
	return &RedisRegistry{rdb: rdb}
}

func key(taskID string) string {
	return "repack:proc:" + taskID
}

// SetWorkdir records the job's working directory.
func (r *RedisRegistry) SetWorkdir(ctx context.Context, taskID, workdir string) error {
	if err := r.rdb.HSet(ctx, key(taskID), "workdir", workdir).Err(); err != nil {
		return fmt.Errorf("registry set workdir: %w", err)
	}
	return nil
}

// SetPID records the transcode process pid.
func (r *RedisRegistry) SetPID(ctx context.Context, taskID string, pid int) error {
	if err := r.rdb.HSet(ctx, key(taskID), "pid", pid).Err(); err != nil {
		return fmt.Errorf("registry set pid: %w", err)
	}
	return nil
}

// Get returns the registered entry for a task.
func (r *RedisRegistry) Get(ctx context.Context, taskID string) (Entry, bool, error) {
	fields, err := r.rdb.HGetAll(ctx, key(taskID)).Result()
	if err != nil {
		return Entry{}, false, fmt.Errorf("registry get: %w", err)
	}
	if len(fields) == 0 {
		return Entry{}, false, nil
	}
	var e Entry
	e.Workdir = fields["workdir"]
	if raw, ok := fields["pid"]; ok {
		e.PID, _ = strconv.Atoi(raw)
	}
	return e, true, nil
}

// Remove deletes the entry for a task.
func (r *RedisRegistry) Remove(ctx context.Context, taskID string) error {
	if err := r.rdb.Del(ctx, key(taskID)).Err(); err != nil {
		return fmt.Errorf("registry remove: %w", err)
	}
	return nil
}
