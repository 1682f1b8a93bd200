package models

import "time"

// TaskStatus is the recording task lifecycle. Values are stored as-is, so the
// numbering is part of the schema.
type TaskStatus int16

const (
	StatusNotProcessed TaskStatus = 1
	StatusQueued       TaskStatus = 2
	StatusProcessing   TaskStatus = 3
	StatusCompleted    TaskStatus = 4
	StatusUploaded     TaskStatus = 5
	StatusFailed       TaskStatus = 6
)

// Terminal reports whether no further transitions may occur from s.
func (s TaskStatus) Terminal() bool {
	return s == StatusUploaded || s == StatusFailed
}

func (s TaskStatus) String() string {
	switch s {
	case StatusNotProcessed:
		return "not_processed"
	case StatusQueued:
		return "queued"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusUploaded:
		return "uploaded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RecordingTask is one unit of transcode work belonging to an order.
// TaskID is the 36-char queue task identifier assigned at enqueue time.
// Revision increments on every status write; together with status guards it
// makes concurrent writers (worker vs. cancellation) deterministic.
type RecordingTask struct {
	ID        int64      `json:"-"`
	TaskID    string     `json:"task_id"`
	RecordID  string     `json:"record_id"`
	OrderID   int64      `json:"order_id"`
	Status    TaskStatus `json:"status"`
	Revision  int64      `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
