package jobs

import (
	"context"

	"github.com/shaiso/xdispatch/internal/domain"
)

// Notifier получает события о завершении jobs.
// Вызывается после коммита; ошибка только логируется.
type Notifier interface {
	JobFinished(ctx context.Context, ev domain.JobFinished) error
}

// NopNotifier отбрасывает события.
type NopNotifier struct{}

// JobFinished ничего не делает.
func (NopNotifier) JobFinished(context.Context, domain.JobFinished) error { return nil }

// FinishedEvent строит событие о завершении job.
func FinishedEvent(j *domain.Job) domain.JobFinished {
	ev := domain.JobFinished{
		JobID:    j.ID,
		Family:   j.Family,
		OwnerID:  j.OwnerID,
		Type:     j.Type,
		State:    j.State,
		Counters: j.Counters,
		Total:    j.Total,
		ChatID:   j.ChatID,
	}
	if a := j.Action; a != nil {
		ev.URL = a.URL
		ev.Quantity = a.Quantity
	}
	return ev
}
