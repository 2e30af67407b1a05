package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shaiso/xdispatch/internal/domain"
	"github.com/shaiso/xdispatch/internal/mq"
	"github.com/shaiso/xdispatch/internal/telemetry"
)

// Sender доставляет текст в чат. Реализуется Telegram.
type Sender interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

// Handler возвращает обработчик очереди jobs.finished.
func Handler(sender Sender, logger *slog.Logger) mq.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, d *mq.Delivery) error {
		if d.Message.Type != mq.MessageTypeJobFinished {
			telemetry.NotificationsTotal.WithLabelValues("deliver", "unknown_type").Inc()
			return fmt.Errorf("%w: unexpected message type %q", mq.ErrPermanent, d.Message.Type)
		}

		ev, err := mq.ParsePayload[domain.JobFinished](&d.Message)
		if err != nil {
			telemetry.NotificationsTotal.WithLabelValues("deliver", "malformed").Inc()
			return fmt.Errorf("%w: %w", mq.ErrPermanent, err)
		}

		log := telemetry.WithJobID(logger, string(ev.Family), ev.JobID)
		if ev.ChatID == "" {
			telemetry.NotificationsTotal.WithLabelValues("deliver", "skipped").Inc()
			log.Debug("job has no chat, notification skipped")
			return nil
		}

		if err := sender.SendMessage(ctx, ev.ChatID, Format(ev)); err != nil {
			telemetry.NotificationsTotal.WithLabelValues("deliver", "error").Inc()
			return fmt.Errorf("notify job %d: %w", ev.JobID, err)
		}

		telemetry.NotificationsTotal.WithLabelValues("deliver", "ok").Inc()
		log.Info("completion notification sent", "chat_id", ev.ChatID)
		return nil
	}
}
