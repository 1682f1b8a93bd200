package models

import (
	"time"

	"github.com/google/uuid"
)

// Order tracks one user-submitted batch of recordings to completion.
// While jobs run, the processed/failed/cancelled tallies live in the counter
// store; the row is finalized once, when their sum reaches TotalCount.
type Order struct {
	ID             int64     `json:"id"`
	UUID           uuid.UUID `json:"uuid"`
	UserID         uuid.UUID `json:"user_id"`
	TypeID         int64     `json:"type_id"`
	TypeName       string    `json:"type_name,omitempty"`
	TotalCount     int       `json:"total_count"`
	CountFailed    int       `json:"count_failed"`
	CountCancelled int       `json:"count_cancelled"`
	Processed      bool      `json:"processed"`
	CreatedAt      time.Time `json:"created_at"`
}
