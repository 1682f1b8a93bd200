// Package recordings serves the room and recording endpoints: catalog
// browsing, repack submission and cancellation.
package recordings

import (
	"context"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vcs-repack/backend/internal/catalog"
	"github.com/vcs-repack/backend/internal/middleware"
	"github.com/vcs-repack/backend/internal/models"
	"github.com/vcs-repack/backend/internal/orders"
	"github.com/vcs-repack/backend/pkg/response"
	"github.com/vcs-repack/backend/pkg/validate"
)

// CatalogStore is the catalog access the handler needs.
type CatalogStore interface {
	ListTypes(ctx context.Context) ([]models.RecordingType, error)
	StatusByType(ctx context.Context, typeID int64, viewer uuid.UUID) ([]catalog.RecordingStatus, error)
}

// Submitter creates repack orders.
type Submitter interface {
	Submit(ctx context.Context, userID uuid.UUID, recordIDs []string) (*models.Order, []models.RecordingTask, error)
}

// Canceller stops in-flight repack jobs.
type Canceller interface {
	Cancel(ctx context.Context, userID uuid.UUID, recordIDs []string) ([]string, error)
}

// Handler serves room and recording endpoints.
type Handler struct {
	catalog   CatalogStore
	submitter Submitter
	canceller Canceller
	logger    *zap.Logger
}

// NewHandler creates the recordings handler.
func NewHandler(catalogStore CatalogStore, submitter Submitter, canceller Canceller, logger *zap.Logger) *Handler {
	return &Handler{catalog: catalogStore, submitter: submitter, canceller: canceller, logger: logger}
}

// Rooms lists the recording types.
func (h *Handler) Rooms(c *gin.Context) {
	types, err := h.catalog.ListTypes(c.Request.Context())
	if err != nil {
		h.logger.Error("list rooms", zap.Error(err))
		response.Internal(c, "could not list rooms")
		return
	}
	if types == nil {
		types = []models.RecordingType{}
	}
	response.OK(c, types)
}

// ListByRoom lists a room's recordings with their task statuses as visible
// to the caller.
func (h *Handler) ListByRoom(c *gin.Context) {
	typeID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "Bad request", "invalid room id")
		return
	}
	viewer := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	statuses, err := h.catalog.StatusByType(c.Request.Context(), typeID, viewer)
	if err != nil {
		h.logger.Error("list room recordings", zap.Int64("type_id", typeID), zap.Error(err))
		response.Internal(c, "could not list recordings")
		return
	}
	if statuses == nil {
		statuses = []catalog.RecordingStatus{}
	}
	response.OK(c, statuses)
}

type processRequest struct {
	RecordIDs string `json:"record_ids" binding:"required"`
}

// Process submits a repack order for the given recordings.
func (h *Handler) Process(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	var req processRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Bad request", "record_ids is required")
		return
	}
	recordIDs, err := validate.RecordingIDList(req.RecordIDs)
	if err != nil {
		response.BadRequest(c, "Bad request", err.Error())
		return
	}

	order, tasks, err := h.submitter.Submit(c.Request.Context(), userID, recordIDs)
	if err != nil {
		if errors.Is(err, orders.ErrNothingToDo) {
			response.Info(c, "Nothing to process",
				"the selected recordings are already being processed or do not exist")
			return
		}
		h.logger.Error("submit order", zap.Error(err))
		response.Internal(c, "could not submit order")
		return
	}

	recs := make([]gin.H, len(tasks))
	for i, t := range tasks {
		recs[i] = gin.H{"record_id": t.RecordID, "status": t.Status}
	}
	response.OK(c, gin.H{"order": order, "recordings": recs})
}

// Terminate cancels the caller's in-flight jobs for the given recordings.
func (h *Handler) Terminate(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	var req processRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Bad request", "record_ids is required")
		return
	}
	recordIDs, err := validate.RecordingIDList(req.RecordIDs)
	if err != nil {
		response.BadRequest(c, "Bad request", err.Error())
		return
	}

	cancelled, err := h.canceller.Cancel(c.Request.Context(), userID, recordIDs)
	if err != nil {
		if errors.Is(err, orders.ErrNothingToDo) {
			response.Info(c, "Nothing to cancel",
				"none of the selected recordings have an active job of yours")
			return
		}
		h.logger.Error("cancel jobs", zap.Error(err))
		response.Internal(c, "could not cancel jobs")
		return
	}
	response.OK(c, gin.H{"cancelled": cancelled})
}
