package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vcs-repack/backend/internal/models"
	"github.com/vcs-repack/backend/internal/orders"
	"github.com/vcs-repack/backend/internal/registry"
	"github.com/vcs-repack/backend/internal/supervisor"
	"github.com/vcs-repack/backend/pkg/queue"
)

// memTaskStore reproduces the guarded transition semantics of the real
// repository so races between worker and canceller can be simulated.
type memTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*models.RecordingTask
}

func newMemTaskStore(tasks ...*models.RecordingTask) *memTaskStore {
	m := &memTaskStore{tasks: make(map[string]*models.RecordingTask)}
	for _, t := range tasks {
		m.tasks[t.TaskID] = t
	}
	return m
}

func (m *memTaskStore) Get(_ context.Context, taskID string) (*models.RecordingTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *memTaskStore) Claim(_ context.Context, taskID string) (models.TaskStatus, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return 0, false, fmt.Errorf("task %s not found", taskID)
	}
	prev := t.Status
	if prev == models.StatusQueued || prev == models.StatusProcessing {
		t.Status = models.StatusProcessing
		t.Revision++
		return prev, true, nil
	}
	return prev, false, nil
}

func (m *memTaskStore) Transition(_ context.Context, taskID string, to models.TaskStatus, from ...models.TaskStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if t.Status == f {
			t.Status = to
			t.Revision++
			return true, nil
		}
	}
	return false, nil
}

func (m *memTaskStore) ResetForCancel(ctx context.Context, taskID string) (bool, error) {
	return m.Transition(ctx, taskID, models.StatusNotProcessed,
		models.StatusQueued, models.StatusProcessing)
}

func (m *memTaskStore) FindActiveForOwner(_ context.Context, _ uuid.UUID, recordIDs []string) ([]models.RecordingTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]bool, len(recordIDs))
	for _, id := range recordIDs {
		want[id] = true
	}
	var out []models.RecordingTask
	for _, t := range m.tasks {
		if want[t.RecordID] && (t.Status == models.StatusQueued || t.Status == models.StatusProcessing) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *memTaskStore) status(taskID string) models.TaskStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[taskID].Status
}

type memRegistry struct {
	mu      sync.Mutex
	entries map[string]registry.Entry
}

func newMemRegistry() *memRegistry {
	return &memRegistry{entries: make(map[string]registry.Entry)}
}

func (m *memRegistry) SetWorkdir(_ context.Context, taskID, workdir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[taskID]
	e.Workdir = workdir
	m.entries[taskID] = e
	return nil
}

func (m *memRegistry) SetPID(_ context.Context, taskID string, pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[taskID]
	e.PID = pid
	m.entries[taskID] = e
	return nil
}

func (m *memRegistry) Get(_ context.Context, taskID string) (registry.Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[taskID]
	return e, ok, nil
}

func (m *memRegistry) Remove(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, taskID)
	return nil
}

type fakeCatalog struct {
	recordings map[string]*models.Recording
	chat       string
	chatErr    error
}

func (f *fakeCatalog) RecordingByID(_ context.Context, recordID string) (*models.Recording, error) {
	return f.recordings[recordID], nil
}

func (f *fakeCatalog) ChatTranscript(_ context.Context, _ string) (string, error) {
	return f.chat, f.chatErr
}

type fakeUserStore struct {
	users map[uuid.UUID]*models.User
}

func (f *fakeUserStore) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	return f.users[id], nil
}

type fakeOrderStore struct {
	ordersByID map[int64]*models.Order
}

func (f *fakeOrderStore) Get(_ context.Context, id int64) (*models.Order, error) {
	return f.ordersByID[id], nil
}

type memFileStore struct {
	mu     sync.Mutex
	nextID int64
	files  map[int64]*models.RecordingFile
}

func newMemFileStore() *memFileStore {
	return &memFileStore{files: make(map[int64]*models.RecordingFile)}
}

func (m *memFileStore) Create(_ context.Context, file *models.RecordingFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	file.ID = m.nextID
	cp := *file
	m.files[file.ID] = &cp
	return nil
}

func (m *memFileStore) GetByID(_ context.Context, id int64) (*models.RecordingFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return nil, nil
	}
	cp := *f
	return &cp, nil
}

type memObjectStore struct {
	mu   sync.Mutex
	keys []string
}

func (m *memObjectStore) Put(_ context.Context, key, localFile string) error {
	if _, err := os.Stat(localFile); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	return nil
}

// fakeSupervisor simulates the external transcode: on success it writes the
// output file the real command would have produced.
type fakeSupervisor struct {
	runErr     error
	onRun      func()
	terminated []string
}

func (f *fakeSupervisor) Run(_ context.Context, _, _ string, outputPath string) error {
	if f.onRun != nil {
		f.onRun()
	}
	if f.runErr != nil {
		return f.runErr
	}
	return os.WriteFile(outputPath, []byte("transcoded video"), 0o644)
}

func (f *fakeSupervisor) Terminate(_ context.Context, taskID string) (bool, error) {
	f.terminated = append(f.terminated, taskID)
	return true, nil
}

type memCounters struct {
	mu   sync.Mutex
	vals map[string]int
}

func newMemCounters() *memCounters { return &memCounters{vals: make(map[string]int)} }

func (m *memCounters) Incr(_ context.Context, orderID int64, kind orders.Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[fmt.Sprintf("%d:%s", orderID, kind)]++
	return nil
}

func (m *memCounters) Get(_ context.Context, orderID int64, kind orders.Kind) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vals[fmt.Sprintf("%d:%s", orderID, kind)], nil
}

func (m *memCounters) Delete(_ context.Context, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range []orders.Kind{orders.KindProcessed, orders.KindFailed, orders.KindCancelled} {
		delete(m.vals, fmt.Sprintf("%d:%s", orderID, k))
	}
	return nil
}

type recordedEvent struct {
	TypeID   int64
	RecordID string
	Status   models.TaskStatus
}

type fakePublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakePublisher) PublishStatus(_ context.Context, typeID int64, recordID, _ string, status models.TaskStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{TypeID: typeID, RecordID: recordID, Status: status})
	return nil
}

type workerFixture struct {
	worker    *Worker
	tasks     *memTaskStore
	reg       *memRegistry
	catalog   *fakeCatalog
	files     *memFileStore
	objects   *memObjectStore
	proc      *fakeSupervisor
	counters  *memCounters
	publisher *fakePublisher
	payload   queue.RepackPayload
	userID    uuid.UUID
}

const testRecordID = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-1609459200000"

func newWorkerFixture(t *testing.T, remoteUpload bool) *workerFixture {
	t.Helper()
	userID := uuid.New()
	taskID := uuid.New().String()

	taskStore := newMemTaskStore(&models.RecordingTask{
		TaskID: taskID, RecordID: testRecordID, OrderID: 1, Status: models.StatusQueued,
	})
	reg := newMemRegistry()
	catalog := &fakeCatalog{
		recordings: map[string]*models.Recording{
			testRecordID: {
				RecordID:  testRecordID,
				MeetingID: "weekly-standup",
				TypeID:    7,
				TypeName:  "Seminars",
				CreatedAt: time.Date(2021, 1, 1, 10, 30, 0, 0, time.UTC),
			},
		},
		chat: "hello from the chat",
	}
	files := newMemFileStore()
	objects := &memObjectStore{}
	proc := &fakeSupervisor{}
	counters := newMemCounters()
	publisher := &fakePublisher{}

	worker := NewWorker(
		taskStore, catalog,
		&fakeUserStore{users: map[uuid.UUID]*models.User{
			userID: {ID: userID, Email: "user@example.org", RemoteUpload: remoteUpload},
		}},
		&fakeOrderStore{ordersByID: map[int64]*models.Order{
			1: {ID: 1, UserID: userID, TypeID: 7, TypeName: "Seminars", TotalCount: 1},
		}},
		files, objects, proc, reg, counters, publisher,
		t.TempDir(), t.TempDir(), zap.NewNop(),
	)
	return &workerFixture{
		worker: worker, tasks: taskStore, reg: reg, catalog: catalog,
		files: files, objects: objects, proc: proc, counters: counters,
		publisher: publisher, userID: userID,
		payload: queue.RepackPayload{TaskID: taskID, RecordID: testRecordID, OrderID: 1},
	}
}

func repackTask(t *testing.T, p queue.RepackPayload) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return asynq.NewTask(queue.TypeRepack, data)
}

func TestHandleRepackFullRun(t *testing.T) {
	fx := newWorkerFixture(t, true)

	err := fx.worker.HandleRepack(context.Background(), repackTask(t, fx.payload))
	require.NoError(t, err)

	assert.Equal(t, models.StatusUploaded, fx.tasks.status(fx.payload.TaskID))

	processed, _ := fx.counters.Get(context.Background(), 1, orders.KindProcessed)
	assert.Equal(t, 1, processed)

	// Video and chat transcript went to remote storage under the type prefix.
	require.Len(t, fx.objects.keys, 2)
	for _, key := range fx.objects.keys {
		assert.Contains(t, key, "Seminars/")
	}

	// One archive row, pointing at a zip that exists.
	require.Len(t, fx.files.files, 1)
	for _, f := range fx.files.files {
		assert.Equal(t, fx.payload.TaskID, f.TaskID)
		st, err := os.Stat(f.FilePath)
		require.NoError(t, err)
		assert.Equal(t, st.Size(), f.FileSize)
	}

	// Workdir and registry entry are gone.
	_, ok, _ := fx.reg.Get(context.Background(), fx.payload.TaskID)
	assert.False(t, ok)

	statuses := make([]models.TaskStatus, 0, len(fx.publisher.events))
	for _, e := range fx.publisher.events {
		statuses = append(statuses, e.Status)
	}
	assert.Equal(t, []models.TaskStatus{
		models.StatusProcessing, models.StatusCompleted, models.StatusUploaded,
	}, statuses)
}

func TestHandleRepackWithoutEntitlementSkipsRemoteUpload(t *testing.T) {
	fx := newWorkerFixture(t, false)

	err := fx.worker.HandleRepack(context.Background(), repackTask(t, fx.payload))
	require.NoError(t, err)

	assert.Equal(t, models.StatusUploaded, fx.tasks.status(fx.payload.TaskID))
	assert.Empty(t, fx.objects.keys, "no remote upload without the entitlement")
	assert.Len(t, fx.files.files, 1, "the local archive is still produced")
}

func TestHandleRepackProcessFailure(t *testing.T) {
	fx := newWorkerFixture(t, true)
	fx.proc.runErr = &supervisor.ProcessError{Code: 1}

	err := fx.worker.HandleRepack(context.Background(), repackTask(t, fx.payload))
	require.NoError(t, err, "a failed transcode settles the task, it does not retry")

	assert.Equal(t, models.StatusFailed, fx.tasks.status(fx.payload.TaskID))
	failed, _ := fx.counters.Get(context.Background(), 1, orders.KindFailed)
	assert.Equal(t, 1, failed)
	assert.Empty(t, fx.files.files)
}

func TestHandleRepackKilledByCancellation(t *testing.T) {
	fx := newWorkerFixture(t, true)
	// The canceller resets the row while the transcode runs; the kill then
	// surfaces as a process error in the worker.
	fx.proc.runErr = &supervisor.ProcessError{Code: -1}
	fx.proc.onRun = func() {
		_, err := fx.tasks.ResetForCancel(context.Background(), fx.payload.TaskID)
		require.NoError(t, err)
		require.NoError(t, fx.counters.Incr(context.Background(), 1, orders.KindCancelled))
	}

	err := fx.worker.HandleRepack(context.Background(), repackTask(t, fx.payload))
	require.NoError(t, err)

	assert.Equal(t, models.StatusNotProcessed, fx.tasks.status(fx.payload.TaskID))
	failed, _ := fx.counters.Get(context.Background(), 1, orders.KindFailed)
	assert.Zero(t, failed, "a cancelled job is never double counted as failed")
	cancelled, _ := fx.counters.Get(context.Background(), 1, orders.KindCancelled)
	assert.Equal(t, 1, cancelled)
}

func TestHandleRepackSkipsSettledTask(t *testing.T) {
	fx := newWorkerFixture(t, true)
	_, err := fx.tasks.Transition(context.Background(), fx.payload.TaskID,
		models.StatusFailed, models.StatusQueued)
	require.NoError(t, err)

	err = fx.worker.HandleRepack(context.Background(), repackTask(t, fx.payload))
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, fx.tasks.status(fx.payload.TaskID))
	assert.Empty(t, fx.publisher.events)
}

func TestHandleRepackRetryReusesWorkdir(t *testing.T) {
	fx := newWorkerFixture(t, true)

	// First delivery: the transcode succeeds but the chat transcript fetch
	// fails, so the error goes back to the queue for a retry.
	fx.catalog.chatErr = errors.New("transcript fetch: connection reset")
	err := fx.worker.HandleRepack(context.Background(), repackTask(t, fx.payload))
	require.Error(t, err)

	entry, ok, _ := fx.reg.Get(context.Background(), fx.payload.TaskID)
	require.True(t, ok)
	firstWorkdir := entry.Workdir
	require.DirExists(t, firstWorkdir)

	// The redelivery picks the registered directory back up instead of
	// minting a second one, then finishes and cleans it.
	fx.catalog.chatErr = nil
	err = fx.worker.HandleRepack(context.Background(), repackTask(t, fx.payload))
	require.NoError(t, err)

	assert.Equal(t, models.StatusUploaded, fx.tasks.status(fx.payload.TaskID))
	assert.NoDirExists(t, firstWorkdir, "the first delivery's directory must not be orphaned")
	_, ok, _ = fx.reg.Get(context.Background(), fx.payload.TaskID)
	assert.False(t, ok)

	processed, _ := fx.counters.Get(context.Background(), 1, orders.KindProcessed)
	assert.Equal(t, 1, processed)
}

func TestHandleRepackResumeWithLostWorkdirSettlesAsFailed(t *testing.T) {
	fx := newWorkerFixture(t, true)

	// The transcode finished on an earlier delivery but the registry entry
	// is gone, so the output cannot be found again.
	fx.tasks.tasks[fx.payload.TaskID].Status = models.StatusCompleted

	err := fx.worker.HandleRepack(context.Background(), repackTask(t, fx.payload))
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, fx.tasks.status(fx.payload.TaskID))
	failed, _ := fx.counters.Get(context.Background(), 1, orders.KindFailed)
	assert.Equal(t, 1, failed, "the lost job still counts toward order settlement")
}

func TestHandleRepackResumesUploadPhase(t *testing.T) {
	fx := newWorkerFixture(t, true)

	// A previous delivery finished the transcode and crashed before the
	// upload: row completed, workdir registered and populated, nothing counted.
	workdir := filepath.Join(t.TempDir(), "2021-01-01T10-30-resume1")
	require.NoError(t, os.MkdirAll(workdir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workdir, "2021-01-01T10-30.mp4"), []byte("video"), 0o644))
	require.NoError(t, fx.reg.SetWorkdir(context.Background(), fx.payload.TaskID, workdir))
	fx.tasks.tasks[fx.payload.TaskID].Status = models.StatusCompleted

	err := fx.worker.HandleRepack(context.Background(), repackTask(t, fx.payload))
	require.NoError(t, err)

	assert.Equal(t, models.StatusUploaded, fx.tasks.status(fx.payload.TaskID))
	assert.Len(t, fx.files.files, 1)
	assert.NoDirExists(t, workdir, "resume cleans the workdir up too")

	processed, _ := fx.counters.Get(context.Background(), 1, orders.KindProcessed)
	assert.Equal(t, 1, processed,
		"the tally rides the final transition, so a resumed job still counts exactly once")
}
