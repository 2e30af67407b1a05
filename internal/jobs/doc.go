// Package jobs реализует жизненный цикл jobs трёх семейств поверх
// repo.JobRepo.
//
// Discrete job проходит queued → awaiting_acceptance → in_progress →
// completed|failed; кампании (warmer, scraping) сразу переходят в
// in_progress и выдают цели порциями, сдвигая курсор compare-and-set.
// Когда целей не осталось, кампания завершается с total = attempted.
//
// Операции, которые меняет только claimant (accept, reject, progress,
// завершение), при несовпадении worker-instance возвращают
// repo.ErrNotClaimant и ничего не меняют.
//
// После коммита финального перехода Service отправляет событие
// domain.JobFinished через Notifier.
package jobs
