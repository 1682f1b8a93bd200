package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/vcs-repack/backend/internal/archive"
	"github.com/vcs-repack/backend/internal/models"
	"github.com/vcs-repack/backend/pkg/queue"
	"github.com/vcs-repack/backend/pkg/storage"
)

// Uploader pushes already-archived job outputs to remote storage on demand,
// for users who gained the entitlement after their jobs finished.
type Uploader struct {
	tasks    TaskStore
	catalog  Catalog
	files    FileStore
	objects  ObjectStore
	workRoot string
	logger   *zap.Logger
}

// NewUploader wires the upload-on-demand handler.
func NewUploader(tasks TaskStore, catalog Catalog, files FileStore, objects ObjectStore,
	workRoot string, logger *zap.Logger) *Uploader {
	return &Uploader{
		tasks:    tasks,
		catalog:  catalog,
		files:    files,
		objects:  objects,
		workRoot: workRoot,
		logger:   logger,
	}
}

// HandleUpload is the asynq handler for upload-on-demand jobs. The archive is
// unpacked into a scratch directory, every artifact is uploaded under the
// usual key layout, and the scratch directory is removed again.
func (u *Uploader) HandleUpload(ctx context.Context, t *asynq.Task) error {
	var p queue.UploadPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode upload payload: %w", err)
	}
	file, err := u.files.GetByID(ctx, p.FileID)
	if err != nil {
		return err
	}
	if file == nil {
		u.logger.Warn("archive row gone, dropping upload job", zap.Int64("file_id", p.FileID))
		return nil
	}
	log := u.logger.With(zap.Int64("file_id", p.FileID), zap.String("task_id", file.TaskID))

	task, err := u.tasks.Get(ctx, file.TaskID)
	if err != nil {
		return err
	}
	if task == nil {
		log.Warn("task row gone, dropping upload job")
		return nil
	}
	rec, err := u.catalog.RecordingByID(ctx, task.RecordID)
	if err != nil {
		return err
	}
	if rec == nil {
		log.Warn("recording gone from catalog, dropping upload job")
		return nil
	}

	scratch := filepath.Join(u.workRoot, "restore-"+uuid.New().String()[:8])
	defer os.RemoveAll(scratch)

	if err := archive.Unpack(file.FilePath, scratch); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// The archive was swept from disk; the row is stale. Guarded on
			// completed so an already-uploaded task keeps its state.
			log.Error("archive file missing on disk", zap.String("path", file.FilePath))
			if _, terr := u.tasks.Transition(ctx, file.TaskID, models.StatusFailed, models.StatusCompleted); terr != nil {
				return terr
			}
			return nil
		}
		return err
	}

	workdirName := strings.TrimSuffix(filepath.Base(file.FilePath), ".zip")
	entries, err := os.ReadDir(scratch)
	if err != nil {
		return fmt.Errorf("read unpacked archive: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key := storage.ArtifactKey(rec.TypeName, workdirName, e.Name())
		if err := u.objects.Put(ctx, key, filepath.Join(scratch, e.Name())); err != nil {
			return fmt.Errorf("upload artifact %s: %w", key, err)
		}
		log.Info("artifact uploaded", zap.String("key", key))
	}

	// No-op for tasks that already reached uploaded.
	if _, err := u.tasks.Transition(ctx, file.TaskID, models.StatusUploaded, models.StatusCompleted); err != nil {
		return err
	}
	return nil
}
