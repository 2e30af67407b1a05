package notify

import (
	"context"
	"log/slog"

	"github.com/shaiso/xdispatch/internal/domain"
	"github.com/shaiso/xdispatch/internal/jobs"
	"github.com/shaiso/xdispatch/internal/telemetry"
)

// EventPublisher публикует событие в шину. Реализуется mq.Publisher.
type EventPublisher interface {
	PublishJobFinished(ctx context.Context, ev domain.JobFinished) error
}

// Publisher — jobs.Notifier, который отправляет события в шину.
type Publisher struct {
	bus    EventPublisher
	logger *slog.Logger
}

// NewPublisher создаёт Publisher.
func NewPublisher(bus EventPublisher, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{bus: bus, logger: logger}
}

// JobFinished публикует событие. Jobs без chat_id никого не уведомляют
// и в шину не попадают.
func (p *Publisher) JobFinished(ctx context.Context, ev domain.JobFinished) error {
	if ev.ChatID == "" {
		telemetry.NotificationsTotal.WithLabelValues("publish", "skipped").Inc()
		return nil
	}
	if err := p.bus.PublishJobFinished(ctx, ev); err != nil {
		telemetry.NotificationsTotal.WithLabelValues("publish", "error").Inc()
		return err
	}

	telemetry.NotificationsTotal.WithLabelValues("publish", "ok").Inc()
	p.logger.Debug("job finished event published",
		"family", ev.Family,
		"job_id", ev.JobID,
	)
	return nil
}

var _ jobs.Notifier = (*Publisher)(nil)
