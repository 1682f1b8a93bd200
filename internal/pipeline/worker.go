package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/vcs-repack/backend/internal/archive"
	"github.com/vcs-repack/backend/internal/models"
	"github.com/vcs-repack/backend/internal/orders"
	"github.com/vcs-repack/backend/internal/registry"
	"github.com/vcs-repack/backend/internal/supervisor"
	"github.com/vcs-repack/backend/pkg/queue"
	"github.com/vcs-repack/backend/pkg/storage"
)

// Worker executes repack jobs from the queue. One job covers the full life of
// a recording task: transcode, chat transcript, remote upload, archive.
type Worker struct {
	tasks       TaskStore
	catalog     Catalog
	users       UserStore
	ordersStore OrderStore
	files       FileStore
	objects     ObjectStore
	proc        ProcessSupervisor
	reg         registry.Registry
	counters    Counters
	publisher   StatusPublisher
	workRoot    string
	archiveRoot string
	logger      *zap.Logger
}

// NewWorker wires the repack job handler.
func NewWorker(tasks TaskStore, catalog Catalog, users UserStore, ordersStore OrderStore,
	files FileStore, objects ObjectStore, proc ProcessSupervisor, reg registry.Registry,
	counters Counters, publisher StatusPublisher, workRoot, archiveRoot string,
	logger *zap.Logger) *Worker {
	return &Worker{
		tasks:       tasks,
		catalog:     catalog,
		users:       users,
		ordersStore: ordersStore,
		files:       files,
		objects:     objects,
		proc:        proc,
		reg:         reg,
		counters:    counters,
		publisher:   publisher,
		workRoot:    workRoot,
		archiveRoot: archiveRoot,
		logger:      logger,
	}
}

// HandleRepack is the asynq handler for repack jobs. Retries re-enter through
// the claim, so a redelivered job either resumes its upload phase or is
// dropped when its row already reached a terminal state.
func (w *Worker) HandleRepack(ctx context.Context, t *asynq.Task) error {
	var p queue.RepackPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode repack payload: %w", err)
	}
	log := w.logger.With(zap.String("task_id", p.TaskID), zap.String("record_id", p.RecordID))

	prev, claimed, err := w.tasks.Claim(ctx, p.TaskID)
	if err != nil {
		return err
	}
	if !claimed {
		switch prev {
		case models.StatusCompleted, models.StatusUploaded:
			// Crashed or retried after the transcode; finish the upload phase.
			return w.resume(ctx, p, log)
		default:
			// Cancelled or already failed; nothing left to run.
			log.Info("skipping job", zap.String("status", prev.String()))
			return nil
		}
	}

	rec, err := w.catalog.RecordingByID(ctx, p.RecordID)
	if err != nil {
		return err
	}
	if rec == nil {
		log.Error("recording missing from catalog")
		w.fail(ctx, p, 0, log)
		return nil
	}

	workdir, err := w.makeWorkdir(ctx, p.TaskID, rec)
	if err != nil {
		return err
	}
	w.publish(ctx, rec.TypeID, p, models.StatusProcessing)

	videoFile := filepath.Join(workdir, rec.CreatedAt.Format("2006-01-02T15-04")+".mp4")
	if err := w.proc.Run(ctx, p.TaskID, p.RecordID, videoFile); err != nil {
		var procErr *supervisor.ProcessError
		if errors.As(err, &procErr) || errors.As(err, new(*supervisor.LaunchError)) {
			// A kill from the cancellation flow lands here too; fail only
			// applies if nobody reset the row first.
			log.Warn("transcode did not finish", zap.Error(err))
			w.fail(ctx, p, rec.TypeID, log)
			w.cleanup(ctx, p.TaskID, workdir)
			return nil
		}
		return err
	}

	if _, statErr := os.Stat(videoFile); statErr != nil {
		// The command exited clean but produced nothing; that is a failure.
		log.Error("transcode produced no output", zap.String("path", videoFile))
		w.fail(ctx, p, rec.TypeID, log)
		w.cleanup(ctx, p.TaskID, workdir)
		return nil
	}

	chat, err := w.catalog.ChatTranscript(ctx, p.RecordID)
	if err != nil {
		// Transient; leave the row processing and let the queue retry.
		return err
	}
	if chat != "" {
		if err := os.WriteFile(filepath.Join(workdir, "chat.txt"), []byte(chat), 0o644); err != nil {
			return fmt.Errorf("write chat transcript: %w", err)
		}
	}

	applied, err := w.tasks.Transition(ctx, p.TaskID, models.StatusCompleted, models.StatusProcessing)
	if err != nil {
		return err
	}
	if !applied {
		// Cancelled between transcode and completion; the canceller counted it.
		log.Info("job was cancelled after transcode")
		w.cleanup(ctx, p.TaskID, workdir)
		return nil
	}
	w.publish(ctx, rec.TypeID, p, models.StatusCompleted)

	if err := w.finish(ctx, p, rec, workdir, log); err != nil {
		if isMissingFile(err) {
			// The job output vanished from disk; terminal for this job.
			log.Error("job output missing during upload phase", zap.Error(err))
			w.failUploadPhase(ctx, p, rec.TypeID, log)
			w.cleanup(ctx, p.TaskID, workdir)
			return nil
		}
		// Transient remote failure; the queue retries and the retry resumes.
		return err
	}
	w.cleanup(ctx, p.TaskID, workdir)
	log.Info("job finished")
	return nil
}

func isMissingFile(err error) bool {
	var pathErr *fs.PathError
	return errors.As(err, &pathErr) && os.IsNotExist(pathErr)
}

// resume finishes the upload phase for a task whose transcode already
// completed on a previous delivery.
func (w *Worker) resume(ctx context.Context, p queue.RepackPayload, log *zap.Logger) error {
	rec, err := w.catalog.RecordingByID(ctx, p.RecordID)
	if err != nil {
		return err
	}
	var typeID int64
	if rec != nil {
		typeID = rec.TypeID
	}
	entry, ok, err := w.reg.Get(ctx, p.TaskID)
	if err != nil {
		return err
	}
	if !ok || entry.Workdir == "" {
		// The output cannot be found again; settle the row so the order's
		// tally still adds up.
		log.Warn("working directory is gone, settling as failed")
		w.failUploadPhase(ctx, p, typeID, log)
		return nil
	}
	if rec == nil {
		log.Error("recording missing from catalog on resume")
		w.failUploadPhase(ctx, p, typeID, log)
		w.cleanup(ctx, p.TaskID, entry.Workdir)
		return nil
	}
	log.Info("resuming upload phase", zap.String("workdir", entry.Workdir))
	if err := w.finish(ctx, p, rec, entry.Workdir, log); err != nil {
		if isMissingFile(err) {
			log.Error("job output missing on resume", zap.Error(err))
			w.failUploadPhase(ctx, p, rec.TypeID, log)
			w.cleanup(ctx, p.TaskID, entry.Workdir)
			return nil
		}
		return err
	}
	w.cleanup(ctx, p.TaskID, entry.Workdir)
	return nil
}

// finish runs the upload phase: remote upload for entitled users, the local
// archive, and the final status.
func (w *Worker) finish(ctx context.Context, p queue.RepackPayload, rec *models.Recording,
	workdir string, log *zap.Logger) error {
	if err := w.uploadArtifacts(ctx, p, rec, workdir, log); err != nil {
		return err
	}

	workdirName := filepath.Base(workdir)
	zipPath := filepath.Join(w.archiveRoot, workdirName+".zip")
	size, err := archive.Make(workdir, zipPath)
	if err != nil {
		return fmt.Errorf("archive job output: %w", err)
	}
	file := &models.RecordingFile{TaskID: p.TaskID, FilePath: zipPath, FileSize: size}
	if err := w.files.Create(ctx, file); err != nil {
		return err
	}

	applied, err := w.tasks.Transition(ctx, p.TaskID, models.StatusUploaded, models.StatusCompleted)
	if err != nil {
		return err
	}
	if applied {
		// The tally rides the final transition, which applies exactly once
		// no matter how many deliveries it took to get here.
		if err := w.counters.Incr(ctx, p.OrderID, orders.KindProcessed); err != nil {
			log.Error("count processed job", zap.Error(err))
		}
	}
	w.publish(ctx, rec.TypeID, p, models.StatusUploaded)
	return nil
}

// failUploadPhase settles a job whose output disappeared after the transcode
// succeeded. Guarded on completed so a job that already reached uploaded
// keeps its terminal state.
func (w *Worker) failUploadPhase(ctx context.Context, p queue.RepackPayload, typeID int64, log *zap.Logger) {
	applied, err := w.tasks.Transition(ctx, p.TaskID, models.StatusFailed, models.StatusCompleted)
	if err != nil {
		log.Error("mark task failed", zap.Error(err))
		return
	}
	if !applied {
		return
	}
	if err := w.counters.Incr(ctx, p.OrderID, orders.KindFailed); err != nil {
		log.Error("count failed job", zap.Error(err))
	}
	if typeID != 0 {
		w.publish(ctx, typeID, p, models.StatusFailed)
	}
}

// uploadArtifacts pushes the job output to remote storage when the ordering
// user holds the remote-upload entitlement. Everyone still gets the local
// archive.
func (w *Worker) uploadArtifacts(ctx context.Context, p queue.RepackPayload, rec *models.Recording,
	workdir string, log *zap.Logger) error {
	order, err := w.ordersStore.Get(ctx, p.OrderID)
	if err != nil {
		return err
	}
	if order == nil {
		return fmt.Errorf("order %d not found", p.OrderID)
	}
	user, err := w.users.GetByID(ctx, order.UserID)
	if err != nil {
		return err
	}
	if user == nil || !user.RemoteUpload {
		log.Info("remote upload skipped, user not entitled")
		return nil
	}

	entries, err := os.ReadDir(workdir)
	if err != nil {
		return fmt.Errorf("read workdir: %w", err)
	}
	workdirName := filepath.Base(workdir)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key := storage.ArtifactKey(rec.TypeName, workdirName, e.Name())
		if err := w.objects.Put(ctx, key, filepath.Join(workdir, e.Name())); err != nil {
			return fmt.Errorf("upload artifact %s: %w", key, err)
		}
		log.Info("artifact uploaded", zap.String("key", key))
	}
	return nil
}

// makeWorkdir creates the per-job scratch directory and registers it so a
// resumed delivery can find the output again. A redelivered job that already
// registered a directory gets the same one back; minting a second would
// orphan the first on disk.
func (w *Worker) makeWorkdir(ctx context.Context, taskID string, rec *models.Recording) (string, error) {
	entry, ok, err := w.reg.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	if ok && entry.Workdir != "" {
		if err := os.MkdirAll(entry.Workdir, 0o755); err != nil {
			return "", fmt.Errorf("reuse workdir: %w", err)
		}
		return entry.Workdir, nil
	}

	salt := uuid.New().String()[:8]
	name := rec.CreatedAt.Format("2006-01-02T15-04") + "-" + salt
	dir := filepath.Join(w.workRoot, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workdir: %w", err)
	}
	if err := w.reg.SetWorkdir(ctx, taskID, dir); err != nil {
		return "", err
	}
	return dir, nil
}

// fail marks a task failed unless something already moved it, and tallies the
// failure for order settlement only when the write applied.
func (w *Worker) fail(ctx context.Context, p queue.RepackPayload, typeID int64, log *zap.Logger) {
	applied, err := w.tasks.Transition(ctx, p.TaskID, models.StatusFailed,
		models.StatusQueued, models.StatusProcessing)
	if err != nil {
		log.Error("mark task failed", zap.Error(err))
		return
	}
	if !applied {
		return
	}
	if err := w.counters.Incr(ctx, p.OrderID, orders.KindFailed); err != nil {
		log.Error("count failed job", zap.Error(err))
	}
	if typeID != 0 {
		w.publish(ctx, typeID, p, models.StatusFailed)
	}
}

func (w *Worker) cleanup(ctx context.Context, taskID, workdir string) {
	if workdir != "" {
		if err := os.RemoveAll(workdir); err != nil {
			w.logger.Warn("remove workdir", zap.String("workdir", workdir), zap.Error(err))
		}
	}
	if err := w.reg.Remove(ctx, taskID); err != nil {
		w.logger.Warn("remove registry entry", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (w *Worker) publish(ctx context.Context, typeID int64, p queue.RepackPayload, status models.TaskStatus) {
	if w.publisher == nil {
		return
	}
	if err := w.publisher.PublishStatus(ctx, typeID, p.RecordID, p.TaskID, status); err != nil {
		w.logger.Warn("publish status event", zap.String("task_id", p.TaskID), zap.Error(err))
	}
}
