package pipeline

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vcs-repack/backend/internal/models"
	"github.com/vcs-repack/backend/internal/orders"
)

// Canceller stops in-flight repack jobs on user request.
type Canceller struct {
	tasks     TaskStore
	catalog   Catalog
	counters  Counters
	revoker   Revoker
	proc      ProcessSupervisor
	publisher StatusPublisher
	logger    *zap.Logger
}

// NewCanceller wires the cancellation flow.
func NewCanceller(tasks TaskStore, catalog Catalog, counters Counters, revoker Revoker,
	proc ProcessSupervisor, publisher StatusPublisher, logger *zap.Logger) *Canceller {
	return &Canceller{
		tasks:     tasks,
		catalog:   catalog,
		counters:  counters,
		revoker:   revoker,
		proc:      proc,
		publisher: publisher,
		logger:    logger,
	}
}

// Cancel stops the caller's active jobs among recordIDs and returns the
// record ids it actually cancelled. Only the user who ordered a job can
// cancel it; other users' jobs are simply not visible here. The guarded
// status reset is the commit point: a job whose reset does not apply lost the
// race against its own completion or failure and keeps that outcome.
func (c *Canceller) Cancel(ctx context.Context, userID uuid.UUID, recordIDs []string) ([]string, error) {
	active, err := c.tasks.FindActiveForOwner(ctx, userID, recordIDs)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, orders.ErrNothingToDo
	}

	cancelled := make([]string, 0, len(active))
	for _, t := range active {
		applied, err := c.tasks.ResetForCancel(ctx, t.TaskID)
		if err != nil {
			return cancelled, err
		}
		if !applied {
			c.logger.Info("task settled before cancellation",
				zap.String("task_id", t.TaskID), zap.String("record_id", t.RecordID))
			continue
		}
		if err := c.counters.Incr(ctx, t.OrderID, orders.KindCancelled); err != nil {
			c.logger.Error("count cancelled job",
				zap.Int64("order_id", t.OrderID), zap.Error(err))
		}
		if err := c.revoker.Revoke(ctx, t.TaskID); err != nil {
			c.logger.Warn("revoke queued job", zap.String("task_id", t.TaskID), zap.Error(err))
		}
		if _, err := c.proc.Terminate(ctx, t.TaskID); err != nil {
			c.logger.Warn("terminate transcode", zap.String("task_id", t.TaskID), zap.Error(err))
		}
		c.publishReset(ctx, t)
		cancelled = append(cancelled, t.RecordID)
		c.logger.Info("job cancelled",
			zap.String("task_id", t.TaskID), zap.String("record_id", t.RecordID))
	}
	if len(cancelled) == 0 {
		return nil, orders.ErrNothingToDo
	}
	return cancelled, nil
}

func (c *Canceller) publishReset(ctx context.Context, t models.RecordingTask) {
	if c.publisher == nil {
		return
	}
	rec, err := c.catalog.RecordingByID(ctx, t.RecordID)
	if err != nil || rec == nil {
		return
	}
	if err := c.publisher.PublishStatus(ctx, rec.TypeID, t.RecordID, t.TaskID, models.StatusNotProcessed); err != nil {
		c.logger.Warn("publish cancel event", zap.String("task_id", t.TaskID), zap.Error(err))
	}
}
