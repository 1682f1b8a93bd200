package downloads

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vcs-repack/backend/internal/middleware"
	"github.com/vcs-repack/backend/internal/models"
	"github.com/vcs-repack/backend/pkg/queue"
	"github.com/vcs-repack/backend/pkg/response"
	"github.com/vcs-repack/backend/pkg/validate"
)

// Store is the archive persistence the handler reads and writes.
type Store interface {
	GetByID(ctx context.Context, id int64) (*models.RecordingFile, error)
	ListByOwner(ctx context.Context, userID uuid.UUID) ([]Item, error)
	GetForOwner(ctx context.Context, id int64, userID uuid.UUID) (*models.RecordingFile, error)
	ListForUpload(ctx context.Context, userID uuid.UUID, recordIDs []string) ([]models.RecordingFile, error)
	Delete(ctx context.Context, id int64) (bool, error)
}

// UserStore resolves the caller for the remote-upload entitlement check.
type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Enqueuer schedules upload-on-demand jobs.
type Enqueuer interface {
	EnqueueUpload(ctx context.Context, p queue.UploadPayload) error
}

// Handler serves the download endpoints.
type Handler struct {
	store    Store
	users    UserStore
	enqueuer Enqueuer
	logger   *zap.Logger
}

// NewHandler creates the downloads handler.
func NewHandler(store Store, users UserStore, enqueuer Enqueuer, logger *zap.Logger) *Handler {
	return &Handler{store: store, users: users, enqueuer: enqueuer, logger: logger}
}

// List returns the caller's downloadable archives.
func (h *Handler) List(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	items, err := h.store.ListByOwner(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("list downloads", zap.Error(err))
		response.Internal(c, "could not list downloads")
		return
	}
	if items == nil {
		items = []Item{}
	}
	response.OK(c, items)
}

// Fetch streams one archive to its owner.
func (h *Handler) Fetch(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "Bad request", "invalid download id")
		return
	}
	file, err := h.store.GetForOwner(c.Request.Context(), id, userID)
	if err != nil {
		h.logger.Error("get download", zap.Error(err))
		response.Internal(c, "could not load download")
		return
	}
	if file == nil {
		response.NotFound(c, "download not found")
		return
	}
	if _, err := os.Stat(file.FilePath); err != nil {
		h.logger.Warn("archive missing on disk",
			zap.Int64("file_id", file.ID), zap.String("path", file.FilePath))
		response.NotFound(c, "archive is no longer available")
		return
	}
	c.FileAttachment(file.FilePath, filepath.Base(file.FilePath))
}

// Delete removes an archive row and its file from disk. Admin only.
func (h *Handler) Delete(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "Bad request", "invalid download id")
		return
	}
	file, err := h.store.GetByID(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("get download", zap.Error(err))
		response.Internal(c, "could not load download")
		return
	}
	if file == nil {
		response.NotFound(c, "download not found")
		return
	}
	if _, err := h.store.Delete(c.Request.Context(), id); err != nil {
		h.logger.Error("delete download", zap.Error(err))
		response.Internal(c, "could not delete download")
		return
	}
	if err := os.Remove(file.FilePath); err != nil && !os.IsNotExist(err) {
		h.logger.Warn("remove archive file",
			zap.String("path", file.FilePath), zap.Error(err))
	}
	response.OK(c, gin.H{"deleted": id})
}

type uploadRequest struct {
	RecordIDs string `json:"record_ids" binding:"required"`
}

// RequestUpload schedules upload-on-demand jobs for the caller's finished
// recordings. Requires the remote-upload entitlement.
func (h *Handler) RequestUpload(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Bad request", "record_ids is required")
		return
	}
	recordIDs, err := validate.RecordingIDList(req.RecordIDs)
	if err != nil {
		response.BadRequest(c, "Bad request", err.Error())
		return
	}

	user, err := h.users.GetByID(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("load user", zap.Error(err))
		response.Internal(c, "could not verify entitlement")
		return
	}
	if user == nil || !user.RemoteUpload {
		response.Forbidden(c, "remote upload is not enabled for this account")
		return
	}

	files, err := h.store.ListForUpload(c.Request.Context(), userID, recordIDs)
	if err != nil {
		h.logger.Error("list files for upload", zap.Error(err))
		response.Internal(c, "could not look up archives")
		return
	}
	if len(files) == 0 {
		response.Info(c, "Nothing to upload", "no finished recordings matched the request")
		return
	}

	scheduled := 0
	for _, f := range files {
		if err := h.enqueuer.EnqueueUpload(c.Request.Context(), queue.UploadPayload{FileID: f.ID}); err != nil {
			h.logger.Error("enqueue upload", zap.Int64("file_id", f.ID), zap.Error(err))
			continue
		}
		scheduled++
	}
	response.OK(c, gin.H{"scheduled": scheduled, "message": fmt.Sprintf("%d upload(s) scheduled", scheduled)})
}
