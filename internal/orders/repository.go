// Package orders creates repack orders, fans their jobs out to the queue and
// settles each order once every job has reported an outcome.
package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vcs-repack/backend/internal/models"
)

// Repository stores order rows.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an order repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new unprocessed order and fills in its generated fields.
func (r *Repository) Create(ctx context.Context, order *models.Order) error {
	const q = `INSERT INTO orders (user_id, type_id, total_count)
		VALUES ($1, $2, $3)
		RETURNING id, uuid, created_at`
	err := r.pool.QueryRow(ctx, q, order.UserID, order.TypeID, order.TotalCount).
		Scan(&order.ID, &order.UUID, &order.CreatedAt)
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

// Get returns an order with its type name, or nil.
func (r *Repository) Get(ctx context.Context, id int64) (*models.Order, error) {
	const q = `SELECT o.id, o.uuid, o.user_id, o.type_id, t.name,
			o.total_count, o.count_failed, o.count_cancelled, o.processed, o.created_at
		FROM orders o
		JOIN recording_types t ON t.id = o.type_id
		WHERE o.id = $1`
	var o models.Order
	err := r.pool.QueryRow(ctx, q, id).Scan(&o.ID, &o.UUID, &o.UserID, &o.TypeID, &o.TypeName,
		&o.TotalCount, &o.CountFailed, &o.CountCancelled, &o.Processed, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &o, nil
}

// ListUnprocessed returns orders still waiting for all jobs to settle.
func (r *Repository) ListUnprocessed(ctx context.Context) ([]models.Order, error) {
	const q = `SELECT o.id, o.uuid, o.user_id, o.type_id, t.name,
			o.total_count, o.count_failed, o.count_cancelled, o.processed, o.created_at
		FROM orders o
		JOIN recording_types t ON t.id = o.type_id
		WHERE NOT o.processed
		ORDER BY o.id`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed orders: %w", err)
	}
	defer rows.Close()

	var out []models.Order
	for rows.Next() {
		var o models.Order
		if err := rows.Scan(&o.ID, &o.UUID, &o.UserID, &o.TypeID, &o.TypeName,
			&o.TotalCount, &o.CountFailed, &o.CountCancelled, &o.Processed, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Finalize marks an order processed and records the final failed and
// cancelled tallies. A row already processed is left alone.
func (r *Repository) Finalize(ctx context.Context, id int64, failed, cancelled int) (bool, error) {
	const q = `UPDATE orders
		SET processed = TRUE, count_failed = $2, count_cancelled = $3
		WHERE id = $1 AND NOT processed`
	tag, err := r.pool.Exec(ctx, q, id, failed, cancelled)
	if err != nil {
		return false, fmt.Errorf("finalize order: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
