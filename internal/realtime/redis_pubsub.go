package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vcs-repack/backend/internal/models"
)

const (
	channelPrefix = "room:"
	eventTTL      = 5 * time.Second

	// EventTaskStatus is the only event the pipeline emits.
	EventTaskStatus = "task_status"
)

// TaskStatusEvent is the payload pushed to room watchers on every task
// status change.
type TaskStatusEvent struct {
	RecordID   string            `json:"record_id"`
	TaskID     string            `json:"task_id"`
	Status     models.TaskStatus `json:"status"`
	StatusName string            `json:"status_label"`
}

// redisPayload is the message published to Redis for cross-instance relay.
type redisPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	At    int64           `json:"at"`
}

// RedisPubSub bridges room events over Redis so worker processes reach the
// API instances' WebSocket clients.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for room events.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	return &RedisPubSub{client: client, logger: logger}
}

// PublishRoomEvent publishes an event to the room's Redis channel.
func (r *RedisPubSub) PublishRoomEvent(roomID int64, event string, payload []byte) error {
	channel := fmt.Sprintf("%s%d", channelPrefix, roomID)
	body, err := json.Marshal(redisPayload{Event: event, Data: payload, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTTL)
	defer cancel()
	return r.client.Publish(ctx, channel, body).Err()
}

// PublishStatus pushes one task status change into the room channel. This is
// what the pipeline workers call.
func (r *RedisPubSub) PublishStatus(_ context.Context, typeID int64, recordID, taskID string, status models.TaskStatus) error {
	data, err := json.Marshal(TaskStatusEvent{
		RecordID:   recordID,
		TaskID:     taskID,
		Status:     status,
		StatusName: status.String(),
	})
	if err != nil {
		return err
	}
	return r.PublishRoomEvent(typeID, EventTaskStatus, data)
}

// SubscribeRoom subscribes to a room's Redis channel and calls handler for
// each message. Returns a cancel function to stop the subscription.
func (r *RedisPubSub) SubscribeRoom(roomID int64, handler func(event string, payload []byte)) (cancel func(), err error) {
	channel := fmt.Sprintf("%s%d", channelPrefix, roomID)
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p redisPayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					continue
				}
				handler(p.Event, p.Data)
			}
		}
	}()
	return func() { cancelCtx() }, nil
}
