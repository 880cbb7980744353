package mail

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the queue verification emails go to.
	QueueDefault = "default"
	// TaskTypeDeliver is the asynq task type for verification emails.
	TaskTypeDeliver = "mail:deliver"
)

// NewDeliverTask wraps a request into an asynq task.
func NewDeliverTask(req Request) (*asynq.Task, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("mail: marshal task: %w", err)
	}
	return asynq.NewTask(TaskTypeDeliver, payload), nil
}

// Courier enqueues verification emails for the worker.
type Courier struct {
	client *asynq.Client
}

// NewCourier constructs a Courier over the given Redis connection.
func NewCourier(redisOpts asynq.RedisClientOpt) *Courier {
	return &Courier{client: asynq.NewClient(redisOpts)}
}

// Enqueue submits a verification email to the delivery queue.
func (c *Courier) Enqueue(ctx context.Context, req Request) error {
	task, err := NewDeliverTask(req)
	if err != nil {
		return err
	}
	if _, err := c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault)); err != nil {
		return fmt.Errorf("mail: enqueue: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (c *Courier) Close() error {
	return c.client.Close()
}

var _ Enqueuer = (*Courier)(nil)
