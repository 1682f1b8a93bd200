package orders

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vcs-repack/backend/internal/models"
	"github.com/vcs-repack/backend/pkg/queue"
)

type fakeCatalog struct {
	eligible []models.Recording
}

func (f *fakeCatalog) SelectEligible(_ context.Context, _ []string) ([]models.Recording, error) {
	return f.eligible, nil
}

type fakeOrderStore struct {
	nextID    int64
	orders    map[int64]*models.Order
	finalized map[int64][2]int
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{orders: make(map[int64]*models.Order), finalized: make(map[int64][2]int)}
}

func (f *fakeOrderStore) Create(_ context.Context, order *models.Order) error {
	f.nextID++
	order.ID = f.nextID
	order.UUID = uuid.New()
	cp := *order
	f.orders[order.ID] = &cp
	return nil
}

func (f *fakeOrderStore) Get(_ context.Context, id int64) (*models.Order, error) {
	return f.orders[id], nil
}

func (f *fakeOrderStore) ListUnprocessed(_ context.Context) ([]models.Order, error) {
	var out []models.Order
	for _, o := range f.orders {
		if !o.Processed {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeOrderStore) Finalize(_ context.Context, id int64, failed, cancelled int) (bool, error) {
	o, ok := f.orders[id]
	if !ok || o.Processed {
		return false, nil
	}
	o.Processed = true
	o.CountFailed = failed
	o.CountCancelled = cancelled
	f.finalized[id] = [2]int{failed, cancelled}
	return true, nil
}

type fakeTaskStore struct {
	created     []models.RecordingTask
	transitions map[string]models.TaskStatus
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{transitions: make(map[string]models.TaskStatus)}
}

func (f *fakeTaskStore) CreateBatch(_ context.Context, orderID int64, tasks []models.RecordingTask) error {
	for i := range tasks {
		tasks[i].OrderID = orderID
	}
	f.created = append(f.created, tasks...)
	return nil
}

func (f *fakeTaskStore) Transition(_ context.Context, taskID string, to models.TaskStatus, _ ...models.TaskStatus) (bool, error) {
	f.transitions[taskID] = to
	return true, nil
}

type fakeEnqueuer struct {
	failRecordID string
	enqueued     []queue.RepackPayload
}

func (f *fakeEnqueuer) EnqueueRepack(_ context.Context, p queue.RepackPayload) error {
	if p.RecordID == f.failRecordID {
		return errors.New("broker unavailable")
	}
	f.enqueued = append(f.enqueued, p)
	return nil
}

type memCounters struct {
	vals map[string]int
}

func newMemCounters() *memCounters { return &memCounters{vals: make(map[string]int)} }

func (m *memCounters) key(orderID int64, kind Kind) string {
	return fmt.Sprintf("%d:%s", orderID, kind)
}

func (m *memCounters) Incr(_ context.Context, orderID int64, kind Kind) error {
	m.vals[m.key(orderID, kind)]++
	return nil
}

func (m *memCounters) Get(_ context.Context, orderID int64, kind Kind) (int, error) {
	return m.vals[m.key(orderID, kind)], nil
}

func (m *memCounters) Delete(_ context.Context, orderID int64) error {
	for _, k := range []Kind{KindProcessed, KindFailed, KindCancelled} {
		delete(m.vals, m.key(orderID, k))
	}
	return nil
}

type fakeNotifier struct {
	calls []queue.OrderSummaryPayload
}

func (f *fakeNotifier) OrderProcessed(_ context.Context, order models.Order, processed, failed, cancelled int) error {
	f.calls = append(f.calls, queue.OrderSummaryPayload{
		OrderID: order.ID, Total: order.TotalCount,
		Succeeded: processed, Failed: failed, Cancelled: cancelled,
	})
	return nil
}

func recordings(n int) []models.Recording {
	out := make([]models.Recording, n)
	for i := range out {
		out[i] = models.Recording{
			RecordID: fmt.Sprintf("%040d-%013d", i, 1609459200000+i),
			TypeID:   7,
			TypeName: "Seminars",
		}
	}
	return out
}

func newTestService(cat *fakeCatalog, os *fakeOrderStore, ts *fakeTaskStore,
	enq *fakeEnqueuer, cnt Counters, not *fakeNotifier) *Service {
	return NewService(os, ts, cat, enq, cnt, not, zap.NewNop())
}

func TestSubmitCreatesOrderAndEnqueuesJobs(t *testing.T) {
	orderStore := newFakeOrderStore()
	taskStore := newFakeTaskStore()
	enq := &fakeEnqueuer{}
	svc := newTestService(&fakeCatalog{eligible: recordings(3)}, orderStore, taskStore, enq, newMemCounters(), &fakeNotifier{})

	order, batch, err := svc.Submit(context.Background(), uuid.New(), []string{"a", "b", "c"})
	require.NoError(t, err)

	assert.Equal(t, 3, order.TotalCount)
	assert.Equal(t, int64(7), order.TypeID)
	require.Len(t, batch, 3)
	for _, bt := range batch {
		assert.Equal(t, models.StatusQueued, bt.Status)
	}
	assert.Len(t, taskStore.created, 3)
	assert.Len(t, enq.enqueued, 3)
	for i, p := range enq.enqueued {
		assert.Equal(t, taskStore.created[i].TaskID, p.TaskID)
		assert.Equal(t, order.ID, p.OrderID)
	}
}

func TestSubmitNothingEligible(t *testing.T) {
	orderStore := newFakeOrderStore()
	svc := newTestService(&fakeCatalog{}, orderStore, newFakeTaskStore(), &fakeEnqueuer{}, newMemCounters(), &fakeNotifier{})

	_, _, err := svc.Submit(context.Background(), uuid.New(), []string{"a"})
	assert.ErrorIs(t, err, ErrNothingToDo)
	assert.Empty(t, orderStore.orders, "no order row for an empty submission")
}

func TestSubmitEnqueueFailureMarksTaskFailed(t *testing.T) {
	recs := recordings(3)
	orderStore := newFakeOrderStore()
	taskStore := newFakeTaskStore()
	counters := newMemCounters()
	enq := &fakeEnqueuer{failRecordID: recs[1].RecordID}
	svc := newTestService(&fakeCatalog{eligible: recs}, orderStore, taskStore, enq, counters, &fakeNotifier{})

	order, batch, err := svc.Submit(context.Background(), uuid.New(), []string{"a", "b", "c"})
	require.NoError(t, err)

	assert.Len(t, enq.enqueued, 2)
	failedTask := taskStore.created[1]
	assert.Equal(t, models.StatusFailed, taskStore.transitions[failedTask.TaskID])
	assert.Equal(t, models.StatusFailed, batch[1].Status,
		"the response reflects the enqueue failure")

	n, _ := counters.Get(context.Background(), order.ID, KindFailed)
	assert.Equal(t, 1, n, "enqueue failures count toward settlement")
}

func TestCheckCompletionSettlesAndNotifiesOnce(t *testing.T) {
	orderStore := newFakeOrderStore()
	counters := newMemCounters()
	notifier := &fakeNotifier{}
	svc := newTestService(&fakeCatalog{}, orderStore, newFakeTaskStore(), &fakeEnqueuer{}, counters, notifier)

	order := &models.Order{UserID: uuid.New(), TypeID: 7, TotalCount: 3}
	require.NoError(t, orderStore.Create(context.Background(), order))

	// Two succeeded, one failed.
	for i := 0; i < 2; i++ {
		require.NoError(t, counters.Incr(context.Background(), order.ID, KindProcessed))
	}
	require.NoError(t, counters.Incr(context.Background(), order.ID, KindFailed))

	require.NoError(t, svc.CheckCompletion(context.Background()))

	require.Len(t, notifier.calls, 1)
	assert.Equal(t, 2, notifier.calls[0].Succeeded)
	assert.Equal(t, 1, notifier.calls[0].Failed)
	assert.Equal(t, [2]int{1, 0}, orderStore.finalized[order.ID])

	n, _ := counters.Get(context.Background(), order.ID, KindProcessed)
	assert.Zero(t, n, "counters are cleared at settlement")

	// A second run finds nothing to do.
	require.NoError(t, svc.CheckCompletion(context.Background()))
	assert.Len(t, notifier.calls, 1)
}

func TestCheckCompletionWaitsForAllJobs(t *testing.T) {
	orderStore := newFakeOrderStore()
	counters := newMemCounters()
	notifier := &fakeNotifier{}
	svc := newTestService(&fakeCatalog{}, orderStore, newFakeTaskStore(), &fakeEnqueuer{}, counters, notifier)

	order := &models.Order{UserID: uuid.New(), TypeID: 7, TotalCount: 3}
	require.NoError(t, orderStore.Create(context.Background(), order))
	require.NoError(t, counters.Incr(context.Background(), order.ID, KindProcessed))

	require.NoError(t, svc.CheckCompletion(context.Background()))

	assert.False(t, orderStore.orders[order.ID].Processed)
	assert.Empty(t, notifier.calls)
}

func TestCheckCompletionAllCancelledSkipsNotification(t *testing.T) {
	orderStore := newFakeOrderStore()
	counters := newMemCounters()
	notifier := &fakeNotifier{}
	svc := newTestService(&fakeCatalog{}, orderStore, newFakeTaskStore(), &fakeEnqueuer{}, counters, notifier)

	order := &models.Order{UserID: uuid.New(), TypeID: 7, TotalCount: 2}
	require.NoError(t, orderStore.Create(context.Background(), order))
	for i := 0; i < 2; i++ {
		require.NoError(t, counters.Incr(context.Background(), order.ID, KindCancelled))
	}

	require.NoError(t, svc.CheckCompletion(context.Background()))

	assert.True(t, orderStore.orders[order.ID].Processed)
	assert.Empty(t, notifier.calls, "nothing succeeded, so nobody is notified")
	assert.Equal(t, [2]int{0, 2}, orderStore.finalized[order.ID])
}
