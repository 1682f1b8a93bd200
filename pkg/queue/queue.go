// Package queue defines the asynq task types shared by the API server (which
// enqueues) and the worker processes (which handle them).
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	// TypeRepack is scheduled once per recording in a submitted order.
	TypeRepack = "repack:transcode"
	// TypeUpload re-uploads a completed job's archived artifacts on demand.
	TypeUpload = "repack:upload"
	// TypeOrderSummary delivers the order completion notification.
	TypeOrderSummary = "notify:order_summary"
	// TypeCheckOrders is the periodic order completion check.
	TypeCheckOrders = "orders:check_completion"
	// TypeCatalogImport is the periodic meeting-server catalog import.
	TypeCatalogImport = "catalog:import"

	// QueueRepack carries the transcode jobs; revocation targets this queue.
	QueueRepack = "repack"
	// QueueDefault carries everything else.
	QueueDefault = "default"
)

// RepackPayload identifies one transcode job. TaskID doubles as the asynq
// task id so the job can be revoked by the cancellation flow.
type RepackPayload struct {
	TaskID   string `json:"task_id"`
	RecordID string `json:"record_id"`
	OrderID  int64  `json:"order_id"`
}

// UploadPayload identifies one archived recording file to re-upload.
type UploadPayload struct {
	FileID int64 `json:"file_id"`
}

// OrderSummaryPayload carries the final tallies for a processed order.
type OrderSummaryPayload struct {
	OrderID   int64  `json:"order_id"`
	UserID    string `json:"user_id"`
	TypeName  string `json:"type_name"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Cancelled int    `json:"cancelled"`
	Failed    int    `json:"failed"`
}

// Client enqueues tasks.
type Client struct {
	client     *asynq.Client
	jobTimeout time.Duration
	logger     *zap.Logger
}

// NewClient creates an enqueueing client on the given Redis connection.
func NewClient(redisOpt asynq.RedisClientOpt, jobTimeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{client: asynq.NewClient(redisOpt), jobTimeout: jobTimeout, logger: logger}
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.client.Close() }

// EnqueueRepack schedules one transcode job. The payload's TaskID becomes the
// asynq task id, which must be unique per task row.
func (c *Client) EnqueueRepack(ctx context.Context, p RepackPayload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal repack payload: %w", err)
	}
	task := asynq.NewTask(TypeRepack, data)
	_, err = c.client.EnqueueContext(ctx, task,
		asynq.TaskID(p.TaskID),
		asynq.Queue(QueueRepack),
		asynq.MaxRetry(3),
		asynq.Timeout(c.jobTimeout),
	)
	if err != nil {
		return fmt.Errorf("enqueue repack task: %w", err)
	}
	c.logger.Debug("enqueued repack job",
		zap.String("task_id", p.TaskID), zap.String("record_id", p.RecordID))
	return nil
}

// EnqueueUpload schedules an upload-on-demand job for an archived file.
func (c *Client) EnqueueUpload(ctx context.Context, p UploadPayload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal upload payload: %w", err)
	}
	task := asynq.NewTask(TypeUpload, data)
	if _, err := c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault), asynq.MaxRetry(5)); err != nil {
		return fmt.Errorf("enqueue upload task: %w", err)
	}
	return nil
}

// EnqueueOrderSummary schedules the completion notification for an order.
func (c *Client) EnqueueOrderSummary(ctx context.Context, p OrderSummaryPayload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal summary payload: %w", err)
	}
	task := asynq.NewTask(TypeOrderSummary, data)
	if _, err := c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault), asynq.MaxRetry(5)); err != nil {
		return fmt.Errorf("enqueue summary task: %w", err)
	}
	return nil
}

// Revoker removes queued jobs and signals running ones via asynq's inspector.
type Revoker struct {
	inspector *asynq.Inspector
}

// NewRevoker creates a revoker on the given Redis connection.
func NewRevoker(redisOpt asynq.RedisClientOpt) *Revoker {
	return &Revoker{inspector: asynq.NewInspector(redisOpt)}
}

// Revoke removes a pending repack job so it never starts, or asks asynq to
// cancel it when it is already being processed. A task that is gone from the
// queue entirely is a no-op.
func (r *Revoker) Revoke(ctx context.Context, taskID string) error {
	delErr := r.inspector.DeleteTask(QueueRepack, taskID)
	if delErr == nil {
		return nil
	}
	if errors.Is(delErr, asynq.ErrTaskNotFound) || errors.Is(delErr, asynq.ErrQueueNotFound) {
		return nil // never enqueued or already finished
	}
	// Likely already active; ask the handler to stop. The forceful kill
	// happens in the process supervisor.
	if cancelErr := r.inspector.CancelProcessing(taskID); cancelErr != nil {
		return fmt.Errorf("revoke task %s: %w", taskID, delErr)
	}
	return nil
}
