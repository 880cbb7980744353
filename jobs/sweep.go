package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
)

// TaskTypeSweep is the asynq task type for periodic expired-row cleanup.
const TaskTypeSweep = "maintenance:sweep"

// NewSweepTask prepares the cleanup task for scheduler registration.
func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TaskTypeSweep, nil)
}

// Sweeper deletes rows whose expiration has passed.
type Sweeper interface {
	SweepExpired(ctx context.Context) error
}

// NewSweepHandler builds the handler for scheduled cleanup tasks. A returned
// error makes Asynq retry the task.
func NewSweepHandler(sweeper Sweeper, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		if err := sweeper.SweepExpired(ctx); err != nil {
			logger.Warn("sweep failed, will retry", slog.Any("error", err))
			return fmt.Errorf("jobs: sweep: %w", err)
		}
		return nil
	}
}
