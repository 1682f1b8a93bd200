// Package notify delivers the one-per-order completion summary. The summary
// is queued like any other job so mail outages never block order settlement.
package notify

import (
	"context"

	"github.com/vcs-repack/backend/internal/models"
	"github.com/vcs-repack/backend/pkg/queue"
)

// Enqueuer schedules summary deliveries.
type Enqueuer interface {
	EnqueueOrderSummary(ctx context.Context, p queue.OrderSummaryPayload) error
}

// QueueNotifier hands summaries to the queue for the mail worker.
type QueueNotifier struct {
	enqueuer Enqueuer
}

// NewQueueNotifier creates the queue-backed notifier.
func NewQueueNotifier(enqueuer Enqueuer) *QueueNotifier {
	return &QueueNotifier{enqueuer: enqueuer}
}

// OrderProcessed schedules the completion summary for a settled order.
func (n *QueueNotifier) OrderProcessed(ctx context.Context, order models.Order, processed, failed, cancelled int) error {
	return n.enqueuer.EnqueueOrderSummary(ctx, queue.OrderSummaryPayload{
		OrderID:   order.ID,
		UserID:    order.UserID.String(),
		TypeName:  order.TypeName,
		Total:     order.TotalCount,
		Succeeded: processed,
		Failed:    failed,
		Cancelled: cancelled,
	})
}
