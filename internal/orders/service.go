package orders

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vcs-repack/backend/internal/models"
	"github.com/vcs-repack/backend/pkg/queue"
)

// ErrNothingToDo means a request matched no actionable recordings. Handlers
// report it as an informational outcome, not a failure.
var ErrNothingToDo = errors.New("no recordings to act on")

// CatalogStore is the slice of the recording catalog the service needs.
type CatalogStore interface {
	SelectEligible(ctx context.Context, recordIDs []string) ([]models.Recording, error)
}

// TaskStore creates the task rows an order fans out into.
type TaskStore interface {
	CreateBatch(ctx context.Context, orderID int64, tasks []models.RecordingTask) error
	Transition(ctx context.Context, taskID string, to models.TaskStatus, from ...models.TaskStatus) (bool, error)
}

// OrderStore persists order rows.
type OrderStore interface {
	Create(ctx context.Context, order *models.Order) error
	Get(ctx context.Context, id int64) (*models.Order, error)
	ListUnprocessed(ctx context.Context) ([]models.Order, error)
	Finalize(ctx context.Context, id int64, failed, cancelled int) (bool, error)
}

// Enqueuer schedules transcode jobs.
type Enqueuer interface {
	EnqueueRepack(ctx context.Context, p queue.RepackPayload) error
}

// Notifier delivers the one-per-order completion summary.
type Notifier interface {
	OrderProcessed(ctx context.Context, order models.Order, processed, failed, cancelled int) error
}

// Service submits orders and settles them once all jobs report.
type Service struct {
	ordersStore OrderStore
	tasksStore  TaskStore
	catalog     CatalogStore
	enqueuer    Enqueuer
	counters    Counters
	notifier    Notifier
	logger      *zap.Logger
}

// NewService wires the order service.
func NewService(ordersStore OrderStore, tasksStore TaskStore, catalog CatalogStore,
	enqueuer Enqueuer, counters Counters, notifier Notifier, logger *zap.Logger) *Service {
	return &Service{
		ordersStore: ordersStore,
		tasksStore:  tasksStore,
		catalog:     catalog,
		enqueuer:    enqueuer,
		counters:    counters,
		notifier:    notifier,
		logger:      logger,
	}
}

// Submit creates an order covering every eligible recording among recordIDs
// and enqueues one transcode job per recording. Recordings already mid-flight
// are silently skipped; if nothing is eligible, ErrNothingToDo is returned
// and no order is created. A job that cannot be enqueued is marked failed
// immediately so the order can still settle. The returned tasks carry the
// status each recording ended up in.
func (s *Service) Submit(ctx context.Context, userID uuid.UUID, recordIDs []string) (*models.Order, []models.RecordingTask, error) {
	eligible, err := s.catalog.SelectEligible(ctx, recordIDs)
	if err != nil {
		return nil, nil, err
	}
	if len(eligible) == 0 {
		return nil, nil, ErrNothingToDo
	}

	order := &models.Order{
		UserID:     userID,
		TypeID:     eligible[0].TypeID,
		TypeName:   eligible[0].TypeName,
		TotalCount: len(eligible),
	}
	if err := s.ordersStore.Create(ctx, order); err != nil {
		return nil, nil, err
	}

	batch := make([]models.RecordingTask, len(eligible))
	for i, rec := range eligible {
		batch[i] = models.RecordingTask{
			TaskID:   uuid.New().String(),
			RecordID: rec.RecordID,
			OrderID:  order.ID,
			Status:   models.StatusQueued,
		}
	}
	if err := s.tasksStore.CreateBatch(ctx, order.ID, batch); err != nil {
		return nil, nil, err
	}

	for i := range batch {
		t := &batch[i]
		payload := queue.RepackPayload{TaskID: t.TaskID, RecordID: t.RecordID, OrderID: order.ID}
		if err := s.enqueuer.EnqueueRepack(ctx, payload); err != nil {
			s.logger.Error("enqueue failed, marking task failed",
				zap.String("task_id", t.TaskID), zap.Error(err))
			if _, terr := s.tasksStore.Transition(ctx, t.TaskID, models.StatusFailed, models.StatusQueued); terr != nil {
				s.logger.Error("mark task failed", zap.String("task_id", t.TaskID), zap.Error(terr))
				continue
			}
			t.Status = models.StatusFailed
			if cerr := s.counters.Incr(ctx, order.ID, KindFailed); cerr != nil {
				s.logger.Error("count enqueue failure", zap.Int64("order_id", order.ID), zap.Error(cerr))
			}
		}
	}

	s.logger.Info("order submitted",
		zap.Int64("order_id", order.ID),
		zap.String("user_id", userID.String()),
		zap.Int("total", order.TotalCount))
	return order, batch, nil
}

// CheckCompletion settles every order whose jobs have all reported. It runs
// periodically; an order settles exactly once because Finalize is guarded on
// the processed flag. A summary notification goes out only when at least one
// job succeeded.
func (s *Service) CheckCompletion(ctx context.Context) error {
	open, err := s.ordersStore.ListUnprocessed(ctx)
	if err != nil {
		return err
	}
	for _, order := range open {
		if err := s.settle(ctx, order); err != nil {
			s.logger.Error("settle order", zap.Int64("order_id", order.ID), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) settle(ctx context.Context, order models.Order) error {
	if order.TotalCount == 0 {
		return nil
	}
	processed, err := s.counters.Get(ctx, order.ID, KindProcessed)
	if err != nil {
		return err
	}
	failed, err := s.counters.Get(ctx, order.ID, KindFailed)
	if err != nil {
		return err
	}
	cancelled, err := s.counters.Get(ctx, order.ID, KindCancelled)
	if err != nil {
		return err
	}

	sum := processed + failed + cancelled
	if sum < order.TotalCount {
		return nil
	}
	if sum > order.TotalCount {
		s.logger.Warn("order tallies exceed total",
			zap.Int64("order_id", order.ID),
			zap.Int("sum", sum), zap.Int("total", order.TotalCount))
	}

	applied, err := s.ordersStore.Finalize(ctx, order.ID, failed, cancelled)
	if err != nil {
		return err
	}
	if !applied {
		// Another checker settled it; still clear the counters.
		return s.counters.Delete(ctx, order.ID)
	}

	if processed > 0 {
		if err := s.notifier.OrderProcessed(ctx, order, processed, failed, cancelled); err != nil {
			s.logger.Error("order summary notification", zap.Int64("order_id", order.ID), zap.Error(err))
		}
	}
	s.logger.Info("order settled",
		zap.Int64("order_id", order.ID),
		zap.Int("processed", processed), zap.Int("failed", failed), zap.Int("cancelled", cancelled))
	return s.counters.Delete(ctx, order.ID)
}
