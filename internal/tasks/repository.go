// Package tasks persists recording task rows and their guarded status
// transitions. Every status write names the statuses it may move from, so
// concurrent writers (worker, retries, cancellation) resolve deterministically
// and terminal states are never overwritten.
package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vcs-repack/backend/internal/models"
)

// Repository stores recording tasks.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a task repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateBatch inserts one queued task per record id for an order, in a single
// transaction. Task ids must be generated by the caller before enqueueing.
func (r *Repository) CreateBatch(ctx context.Context, orderID int64, tasks []models.RecordingTask) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `INSERT INTO recording_tasks (task_id, record_id, order_id, status)
		VALUES ($1, $2, $3, $4)`
	for _, t := range tasks {
		if _, err := tx.Exec(ctx, q, t.TaskID, t.RecordID, orderID, models.StatusQueued); err != nil {
			return fmt.Errorf("insert task %s: %w", t.TaskID, err)
		}
	}
	return tx.Commit(ctx)
}

// Get returns a task by its queue task id, or nil.
func (r *Repository) Get(ctx context.Context, taskID string) (*models.RecordingTask, error) {
	const q = `SELECT id, task_id, record_id, order_id, status, revision, created_at, updated_at
		FROM recording_tasks WHERE task_id = $1`
	var t models.RecordingTask
	err := r.pool.QueryRow(ctx, q, taskID).Scan(
		&t.ID, &t.TaskID, &t.RecordID, &t.OrderID, &t.Status, &t.Revision, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// Claim moves a task to processing if it is still queued or processing
// (asynq may redeliver). It returns the status the row held before the claim
// and whether the claim applied. A claim that does not apply means another
// writer got there first; the caller decides from prev what to do.
func (r *Repository) Claim(ctx context.Context, taskID string) (prev models.TaskStatus, claimed bool, err error) {
	const q = `UPDATE recording_tasks AS rt
		SET status = $2, revision = rt.revision + 1, updated_at = NOW()
		FROM (SELECT id, status FROM recording_tasks WHERE task_id = $1 FOR UPDATE) AS cur
		WHERE rt.id = cur.id AND cur.status IN ($3, $4)
		RETURNING cur.status`
	err = r.pool.QueryRow(ctx, q, taskID,
		models.StatusProcessing, models.StatusQueued, models.StatusProcessing).Scan(&prev)
	if err == nil {
		return prev, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("claim task: %w", err)
	}
	// Claim did not apply; report the current status instead.
	t, getErr := r.Get(ctx, taskID)
	if getErr != nil {
		return 0, false, getErr
	}
	if t == nil {
		return 0, false, fmt.Errorf("claim task: %s not found", taskID)
	}
	return t.Status, false, nil
}

// Transition moves a task to a new status only when its current status is one
// of from. It reports whether the write applied.
func (r *Repository) Transition(ctx context.Context, taskID string, to models.TaskStatus, from ...models.TaskStatus) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("transition requires at least one from status")
	}
	const q = `UPDATE recording_tasks
		SET status = $2, revision = revision + 1, updated_at = NOW()
		WHERE task_id = $1 AND status = ANY($3)`
	statuses := make([]int16, len(from))
	for i, s := range from {
		statuses[i] = int16(s)
	}
	tag, err := r.pool.Exec(ctx, q, taskID, to, statuses)
	if err != nil {
		return false, fmt.Errorf("transition task to %s: %w", to, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ResetForCancel moves a queued or processing task back to not processed.
// This write is the cancellation commit point: whichever of the worker and
// the canceller lands first decides the outcome.
func (r *Repository) ResetForCancel(ctx context.Context, taskID string) (bool, error) {
	return r.Transition(ctx, taskID, models.StatusNotProcessed,
		models.StatusQueued, models.StatusProcessing)
}

// FindActiveForOwner returns the caller's queued or processing tasks among
// the given record ids. Only the user who ordered a job may cancel it.
func (r *Repository) FindActiveForOwner(ctx context.Context, userID uuid.UUID, recordIDs []string) ([]models.RecordingTask, error) {
	const q = `SELECT rt.id, rt.task_id, rt.record_id, rt.order_id, rt.status, rt.revision, rt.created_at, rt.updated_at
		FROM recording_tasks rt
		JOIN orders o ON o.id = rt.order_id
		WHERE o.user_id = $1 AND rt.record_id = ANY($2) AND rt.status IN ($3, $4)
		ORDER BY rt.id`
	rows, err := r.pool.Query(ctx, q, userID, recordIDs, models.StatusQueued, models.StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("find active tasks: %w", err)
	}
	defer rows.Close()

	var out []models.RecordingTask
	for rows.Next() {
		var t models.RecordingTask
		if err := rows.Scan(&t.ID, &t.TaskID, &t.RecordID, &t.OrderID, &t.Status, &t.Revision,
			&t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
