package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/gatehouse-auth/gatehouse/internal/mail"
	"github.com/gatehouse-auth/gatehouse/internal/observability"
)

// NewDeliverHandler builds the handler for verification email tasks. A
// returned error makes Asynq retry the task, so rendering failures (which
// will never succeed) are swallowed after logging while SMTP failures
// propagate.
func NewDeliverHandler(sender mail.Sender, logger *slog.Logger, expiryMinutes int, metrics *observability.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var req mail.Request
		if err := json.Unmarshal(task.Payload(), &req); err != nil {
			logger.Error("malformed delivery payload", slog.Any("error", err))
			return nil
		}

		msg, err := mail.Render(req, expiryMinutes)
		if err != nil {
			logger.Error("failed to render verification email",
				slog.String("flow", string(req.Flow)), slog.Any("error", err))
			return nil
		}

		err = sender.Send(ctx, msg)
		metrics.ObserveMailDelivery(string(req.Flow), err)
		if err != nil {
			logger.Warn("delivery failed, will retry",
				slog.String("flow", string(req.Flow)), slog.Any("error", err))
			return fmt.Errorf("jobs: deliver: %w", err)
		}

		logger.Info("verification email delivered", slog.String("flow", string(req.Flow)))
		return nil
	}
}
