// Package downloads serves the archived job outputs: listing, file download,
// upload-on-demand and admin cleanup.
package downloads

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vcs-repack/backend/internal/models"
)

// Repository stores the archive rows finished jobs produce.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates the archive repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts an archive row. Redelivered jobs may try to insert the same
// task twice; the second write is a no-op and the row keeps its first id.
func (r *Repository) Create(ctx context.Context, file *models.RecordingFile) error {
	const q = `INSERT INTO recording_files (task_id, file_path, file_size)
		VALUES ($1, $2, $3)
		ON CONFLICT (task_id) DO NOTHING
		RETURNING id, created_at`
	err := r.pool.QueryRow(ctx, q, file.TaskID, file.FilePath, file.FileSize).
		Scan(&file.ID, &file.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r.fill(ctx, file)
		}
		return fmt.Errorf("create recording file: %w", err)
	}
	return nil
}

func (r *Repository) fill(ctx context.Context, file *models.RecordingFile) error {
	const q = `SELECT id, created_at FROM recording_files WHERE task_id = $1`
	if err := r.pool.QueryRow(ctx, q, file.TaskID).Scan(&file.ID, &file.CreatedAt); err != nil {
		return fmt.Errorf("load existing recording file: %w", err)
	}
	return nil
}

// GetByID returns an archive row, or nil.
func (r *Repository) GetByID(ctx context.Context, id int64) (*models.RecordingFile, error) {
	const q = `SELECT id, task_id, file_path, file_size, created_at
		FROM recording_files WHERE id = $1`
	var f models.RecordingFile
	err := r.pool.QueryRow(ctx, q, id).Scan(&f.ID, &f.TaskID, &f.FilePath, &f.FileSize, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get recording file: %w", err)
	}
	return &f, nil
}

// Item is one downloadable archive as listed to its owner.
type Item struct {
	ID        int64     `json:"id"`
	RecordID  string    `json:"record_id"`
	FileSize  int64     `json:"file_size"`
	CreatedAt time.Time `json:"created_at"`
}

// ListByOwner returns the archives belonging to a user's orders, newest
// first.
func (r *Repository) ListByOwner(ctx context.Context, userID uuid.UUID) ([]Item, error) {
	const q = `SELECT f.id, rt.record_id, f.file_size, f.created_at
		FROM recording_files f
		JOIN recording_tasks rt ON rt.task_id = f.task_id
		JOIN orders o ON o.id = rt.order_id
		WHERE o.user_id = $1
		ORDER BY f.created_at DESC, f.id DESC`
	rows, err := r.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("list recording files: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.RecordID, &it.FileSize, &it.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// GetForOwner returns an archive row only when userID's order produced it.
func (r *Repository) GetForOwner(ctx context.Context, id int64, userID uuid.UUID) (*models.RecordingFile, error) {
	const q = `SELECT f.id, f.task_id, f.file_path, f.file_size, f.created_at
		FROM recording_files f
		JOIN recording_tasks rt ON rt.task_id = f.task_id
		JOIN orders o ON o.id = rt.order_id
		WHERE f.id = $1 AND o.user_id = $2`
	var f models.RecordingFile
	err := r.pool.QueryRow(ctx, q, id, userID).Scan(&f.ID, &f.TaskID, &f.FilePath, &f.FileSize, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get recording file: %w", err)
	}
	return &f, nil
}

// ListForUpload returns the user's archives among recordIDs whose tasks have
// finished, the candidates for upload-on-demand.
func (r *Repository) ListForUpload(ctx context.Context, userID uuid.UUID, recordIDs []string) ([]models.RecordingFile, error) {
	const q = `SELECT f.id, f.task_id, f.file_path, f.file_size, f.created_at
		FROM recording_files f
		JOIN recording_tasks rt ON rt.task_id = f.task_id
		JOIN orders o ON o.id = rt.order_id
		WHERE o.user_id = $1 AND rt.record_id = ANY($2) AND rt.status IN ($3, $4)
		ORDER BY f.id`
	rows, err := r.pool.Query(ctx, q, userID, recordIDs, models.StatusCompleted, models.StatusUploaded)
	if err != nil {
		return nil, fmt.Errorf("list files for upload: %w", err)
	}
	defer rows.Close()

	var out []models.RecordingFile
	for rows.Next() {
		var f models.RecordingFile
		if err := rows.Scan(&f.ID, &f.TaskID, &f.FilePath, &f.FileSize, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Delete removes an archive row. The caller is responsible for the file on
// disk.
func (r *Repository) Delete(ctx context.Context, id int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM recording_files WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete recording file: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
