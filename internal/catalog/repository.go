package catalog

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

// Repository persists and queries the imported recording catalog.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a catalog repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// UpsertType inserts a recording type by name, returning its id either way.
func (r *Repository) UpsertType(ctx context.Context, name string) (int64, error) {
	const q = `INSERT INTO recording_types (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`
	var id int64
	if err := r.pool.QueryRow(ctx, q, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("upsert recording type: %w", err)
	}
	return id, nil
}

// UpsertRecording inserts a catalog row. Existing rows only refresh the
// playback URL, which the meeting server may relocate.
func (r *Repository) UpsertRecording(ctx context.Context, rec models.Recording) error {
	const q = `INSERT INTO recordings (record_id, meeting_id, type_id, datetime_created, datetime_stopped, url)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (record_id, meeting_id) DO UPDATE SET url = EXCLUDED.url`
	_, err := r.pool.Exec(ctx, q,
		rec.RecordID, rec.MeetingID, rec.TypeID, rec.CreatedAt, rec.StoppedAt, rec.URL)
	if err != nil {
		return fmt.Errorf("upsert recording: %w", err)
	}
	return nil
}

// ListTypes returns all recording types ordered by name.
func (r *Repository) ListTypes(ctx context.Context) ([]models.RecordingType, error) {
	const q = `SELECT id, name FROM recording_types ORDER BY name`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list recording types: %w", err)
	}
	defer rows.Close()

	var out []models.RecordingType
	for rows.Next() {
		var t models.RecordingType
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecordingByID returns one catalog entry with its type name, or nil.
// Duplicate record ids across meetings resolve to the newest entry.
func (r *Repository) RecordingByID(ctx context.Context, recordID string) (*models.Recording, error) {
	const q = `SELECT r.id, r.record_id, r.meeting_id, r.type_id, t.name,
			r.datetime_created, r.datetime_stopped, r.url
		FROM recordings r
		JOIN recording_types t ON t.id = r.type_id
		WHERE r.record_id = $1
		ORDER BY r.datetime_created DESC
		LIMIT 1`
	var rec models.Recording
	err := r.pool.QueryRow(ctx, q, recordID).Scan(
		&rec.ID, &rec.RecordID, &rec.MeetingID, &rec.TypeID, &rec.TypeName,
		&rec.CreatedAt, &rec.StoppedAt, &rec.URL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get recording: %w", err)
	}
	return &rec, nil
}

// SelectEligible returns the catalog entries from recordIDs that have no
// active task, preserving catalog order. Recordings mid-flight (queued or
// processing) are excluded so they cannot be enqueued twice.
func (r *Repository) SelectEligible(ctx context.Context, recordIDs []string) ([]models.Recording, error) {
	const q = `SELECT r.id, r.record_id, r.meeting_id, r.type_id, t.name,
			r.datetime_created, r.datetime_stopped, r.url
		FROM recordings r
		JOIN recording_types t ON t.id = r.type_id
		WHERE r.record_id = ANY($1)
		  AND NOT EXISTS (
			SELECT 1 FROM recording_tasks rt
			WHERE rt.record_id = r.record_id AND rt.status IN ($2, $3)
		  )
		ORDER BY r.datetime_created`
	rows, err := r.pool.Query(ctx, q, recordIDs, models.StatusQueued, models.StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("select eligible recordings: %w", err)
	}
	defer rows.Close()

	var out []models.Recording
	for rows.Next() {
		var rec models.Recording
		if err := rows.Scan(&rec.ID, &rec.RecordID, &rec.MeetingID, &rec.TypeID, &rec.TypeName,
			&rec.CreatedAt, &rec.StoppedAt, &rec.URL); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordingStatus is one row in a per-room listing: the catalog entry plus
// the caller-visible state of its latest task.
type RecordingStatus struct {
	RecordID  string            `json:"record_id"`
	MeetingID string            `json:"meeting_id"`
	CreatedAt time.Time         `json:"datetime_created"`
	StoppedAt time.Time         `json:"datetime_stopped"`
	URL       string            `json:"url"`
	Status    models.TaskStatus `json:"status"`
	Label     string            `json:"status_label"`
}

// StatusByType lists a room's recordings with each one's latest task status.
// Recordings with no task ever show as not processed. In-flight states are
// only visible to the user who ordered them; everyone else sees not
// processed until the task reaches a terminal state.
func (r *Repository) StatusByType(ctx context.Context, typeID int64, viewer uuid.UUID) ([]RecordingStatus, error) {
	const q = `SELECT r.record_id, r.meeting_id, r.datetime_created, r.datetime_stopped, r.url,
			COALESCE(lt.status, $2) AS status,
			COALESCE(lt.owner_id, '00000000-0000-0000-0000-000000000000'::uuid) AS owner_id
		FROM recordings r
		LEFT JOIN LATERAL (
			SELECT rt.status, o.user_id AS owner_id
			FROM recording_tasks rt
			JOIN orders o ON o.id = rt.order_id
			WHERE rt.record_id = r.record_id
			ORDER BY rt.created_at DESC, rt.id DESC
			LIMIT 1
		) lt ON TRUE
		WHERE r.type_id = $1
		ORDER BY r.datetime_created`
	rows, err := r.pool.Query(ctx, q, typeID, models.StatusNotProcessed)
	if err != nil {
		return nil, fmt.Errorf("list recording statuses: %w", err)
	}
	defer rows.Close()

	var out []RecordingStatus
	for rows.Next() {
		var rs RecordingStatus
		var owner uuid.UUID
		if err := rows.Scan(&rs.RecordID, &rs.MeetingID, &rs.CreatedAt, &rs.StoppedAt, &rs.URL,
			&rs.Status, &owner); err != nil {
			return nil, err
		}
		// Mask another user's queued or running work; settled outcomes
		// (completed and beyond) are public.
		if owner != viewer &&
			(rs.Status == models.StatusQueued || rs.Status == models.StatusProcessing) {
			rs.Status = models.StatusNotProcessed
		}
		rs.Label = rs.Status.String()
		out = append(out, rs)
	}
	return out, rows.Err()
}
