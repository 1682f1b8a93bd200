// Package pipeline runs the repack jobs: transcoding via the external
// command, archiving, remote upload and cancellation. It consumes the queue
// the order service fills.
package pipeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/vcs-repack/backend/internal/models"
	"github.com/vcs-repack/backend/internal/orders"
)

// TaskStore is the task persistence the pipeline writes through.
type TaskStore interface {
	Get(ctx context.Context, taskID string) (*models.RecordingTask, error)
	Claim(ctx context.Context, taskID string) (models.TaskStatus, bool, error)
	Transition(ctx context.Context, taskID string, to models.TaskStatus, from ...models.TaskStatus) (bool, error)
	ResetForCancel(ctx context.Context, taskID string) (bool, error)
	FindActiveForOwner(ctx context.Context, userID uuid.UUID, recordIDs []string) ([]models.RecordingTask, error)
}

// Catalog is the slice of the recording catalog the pipeline reads.
type Catalog interface {
	RecordingByID(ctx context.Context, recordID string) (*models.Recording, error)
	ChatTranscript(ctx context.Context, recordID string) (string, error)
}

// UserStore resolves the ordering user for upload entitlement checks.
type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// OrderStore resolves a task's order.
type OrderStore interface {
	Get(ctx context.Context, id int64) (*models.Order, error)
}

// FileStore persists the downloadable archives jobs produce.
type FileStore interface {
	Create(ctx context.Context, file *models.RecordingFile) error
	GetByID(ctx context.Context, id int64) (*models.RecordingFile, error)
}

// ObjectStore uploads artifacts to remote storage.
type ObjectStore interface {
	Put(ctx context.Context, key, localFile string) error
}

// ProcessSupervisor runs and kills the external transcode process.
type ProcessSupervisor interface {
	Run(ctx context.Context, taskID, recordID, outputPath string) error
	Terminate(ctx context.Context, taskID string) (bool, error)
}

// Revoker removes or cancels queued jobs.
type Revoker interface {
	Revoke(ctx context.Context, taskID string) error
}

// StatusPublisher pushes task status changes to connected room watchers.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, typeID int64, recordID, taskID string, status models.TaskStatus) error
}

// Counters is the per-order outcome tally store.
type Counters = orders.Counters
