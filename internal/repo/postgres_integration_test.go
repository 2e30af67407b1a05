package repo_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shaiso/xdispatch/internal/domain"
	"github.com/shaiso/xdispatch/internal/repo"
	"github.com/shaiso/xdispatch/internal/repo/repotest"
)

// --- Claim Tests ---

func TestClaim_ExclusiveUnderConcurrency(t *testing.T) {
	pool := repotest.Open(t)
	ctx := context.Background()
	jobs := repo.NewJobRepo(pool)

	owner, _ := repotest.Account(t, pool)
	id := repotest.ActionJob(t, pool, owner, nil, "like")

	const workers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker := uuid.NewString()
			j, err := jobs.Claim(ctx, domain.FamilyDiscrete, owner, "like", worker)
			if errors.Is(err, repo.ErrNotFound) {
				return
			}
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if j.ID != id {
				t.Errorf("claimed unexpected job %d", j.ID)
			}
			mu.Lock()
			winners = append(winners, worker)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected exactly one claimant, got %d", len(winners))
	}

	j, err := jobs.Get(ctx, domain.FamilyDiscrete, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.State != domain.JobAwaitingAcceptance || j.WorkerID != winners[0] {
		t.Errorf("unexpected job after claim: state=%s worker=%s", j.State, j.WorkerID)
	}
}

func TestClaim_FiltersByOwnerAndType(t *testing.T) {
	pool := repotest.Open(t)
	ctx := context.Background()
	jobs := repo.NewJobRepo(pool)

	owner, _ := repotest.Account(t, pool)
	other, _ := repotest.Account(t, pool)
	repotest.ActionJob(t, pool, other, nil, "like")
	id := repotest.ActionJob(t, pool, owner, nil, "retweet")

	if _, err := jobs.Claim(ctx, domain.FamilyDiscrete, owner, "like", "w1"); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing type, got %v", err)
	}

	// Пустой тип — любая job актора
	j, err := jobs.Claim(ctx, domain.FamilyDiscrete, owner, "", "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if j.ID != id {
		t.Errorf("expected job %d, got %d", id, j.ID)
	}
}

func TestClaim_CampaignGoesStraightToInProgress(t *testing.T) {
	pool := repotest.Open(t)
	ctx := context.Background()
	jobs := repo.NewJobRepo(pool)

	owner, _ := repotest.Account(t, pool)
	deck := repotest.Deck(t, pool, owner)
	id := repotest.WarmerJob(t, pool, owner, deck, "like", repotest.Group(), 5)

	j, err := jobs.Claim(ctx, domain.FamilyWarmer, owner, "", "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if j.ID != id || j.State != domain.JobInProgress {
		t.Errorf("unexpected claim: id=%d state=%s", j.ID, j.State)
	}
	if j.Warmer == nil || j.Warmer.DeckID != deck {
		t.Errorf("warmer details not loaded: %+v", j.Warmer)
	}
}

// --- Discrete Lifecycle Tests ---

func TestDiscrete_AcceptProgressComplete(t *testing.T) {
	pool := repotest.Open(t)
	ctx := context.Background()
	jobs := repo.NewJobRepo(pool)

	owner, _ := repotest.Account(t, pool)
	id := repotest.ActionJob(t, pool, owner, nil, "like")
	if _, err := jobs.Claim(ctx, domain.FamilyDiscrete, owner, "", "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Чужой worker-instance не может принять job
	if err := jobs.Accept(ctx, domain.FamilyDiscrete, id, "w2"); !errors.Is(err, repo.ErrNotClaimant) {
		t.Errorf("expected ErrNotClaimant, got %v", err)
	}
	if err := jobs.Accept(ctx, domain.FamilyDiscrete, id, "w1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := jobs.AddProgress(ctx, domain.FamilyDiscrete, id, "w1", 3); err != nil {
		t.Fatalf("progress: %v", err)
	}

	res, err := jobs.ReportStatus(ctx, id, "w1", domain.JobCompleted, "done")
	if err != nil {
		t.Fatalf("report status: %v", err)
	}
	if !res.Finished || res.Job.State != domain.JobCompleted || res.Job.Counters.Attempted != 3 {
		t.Errorf("unexpected result: finished=%v job=%+v", res.Finished, res.Job)
	}
	if res.Job.CompletedAt == nil {
		t.Error("completed_at should be set")
	}
}

func TestDiscrete_TerminalIsIdempotent(t *testing.T) {
	pool := repotest.Open(t)
	ctx := context.Background()
	jobs := repo.NewJobRepo(pool)

	owner, _ := repotest.Account(t, pool)
	id := repotest.ActionJob(t, pool, owner, nil, "like")
	if _, err := jobs.Claim(ctx, domain.FamilyDiscrete, owner, "", "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := jobs.ReportStatus(ctx, id, "w1", domain.JobFailed, "boom"); err != nil {
		t.Fatalf("report status: %v", err)
	}

	// Повторный финальный статус меняет только comment
	res, err := jobs.ReportStatus(ctx, id, "w1", domain.JobCompleted, "late")
	if err != nil {
		t.Fatalf("second report: %v", err)
	}
	if res.Finished {
		t.Error("second report must not finish the job again")
	}
	if res.Job.State != domain.JobFailed {
		t.Errorf("state must stay failed, got %s", res.Job.State)
	}

	// Accept и progress после финала ничего не меняют
	if err := jobs.Accept(ctx, domain.FamilyDiscrete, id, "w1"); !errors.Is(err, repo.ErrNotClaimant) {
		t.Errorf("expected ErrNotClaimant after terminal, got %v", err)
	}
	if err := jobs.AddProgress(ctx, domain.FamilyDiscrete, id, "w1", 1); !errors.Is(err, repo.ErrNotClaimant) {
		t.Errorf("expected ErrNotClaimant after terminal, got %v", err)
	}
	j, err := jobs.Get(ctx, domain.FamilyDiscrete, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.State != domain.JobFailed || j.Counters.Attempted != 0 {
		t.Errorf("terminal job changed: %+v", j)
	}
}

func TestDiscrete_RequeueStatusKeepsResultComment(t *testing.T) {
	pool := repotest.Open(t)
	ctx := context.Background()
	jobs := repo.NewJobRepo(pool)

	owner, _ := repotest.Account(t, pool)
	id := repotest.ActionJob(t, pool, owner, nil, "reply")
	if _, err := jobs.Claim(ctx, domain.FamilyDiscrete, owner, "", "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := jobs.ReportStatus(ctx, id, "w1", domain.JobInProgress, "https://x.com/a/status/99"); err != nil {
		t.Fatalf("report in_progress: %v", err)
	}

	res, err := jobs.ReportStatus(ctx, id, "w1", domain.JobQueued, "retry later")
	if err != nil {
		t.Fatalf("report queued: %v", err)
	}
	if res.Job.State != domain.JobQueued || res.Job.WorkerID != "" {
		t.Errorf("job should be back in queue without claimant: %+v", res.Job)
	}
	if res.Job.Action == nil || res.Job.Action.Comment != "https://x.com/a/status/99" {
		t.Errorf("result comment should be preserved, got %+v", res.Job.Action)
	}
}

func TestDiscrete_StopForcesFailure(t *testing.T) {
	pool := repotest.Open(t)
	ctx := context.Background()
	jobs := repo.NewJobRepo(pool)

	owner, _ := repotest.Account(t, pool)
	other, _ := repotest.Account(t, pool)
	id := repotest.ActionJob(t, pool, owner, nil, "like")

	if err := jobs.Stop(ctx, id, other, "stopped"); !errors.Is(err, repo.ErrInvalidState) {
		t.Errorf("foreign stop: expected ErrInvalidState, got %v", err)
	}
	if err := jobs.Stop(ctx, id, owner, "stopped"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := jobs.Stop(ctx, id, owner, "stopped"); !errors.Is(err, repo.ErrInvalidState) {
		t.Errorf("second stop: expected ErrInvalidState, got %v", err)
	}
}

// --- Requeue Tests ---

func TestRequeueByWorker(t *testing.T) {
	pool := repotest.Open(t)
	ctx := context.Background()
	jobs := repo.NewJobRepo(pool)

	owner, _ := repotest.Account(t, pool)
	deck := repotest.Deck(t, pool, owner)
	discrete := repotest.ActionJob(t, pool, owner, nil, "like")
	warmer := repotest.WarmerJob(t, pool, owner, deck, "like", repotest.Group(), 3)
	kept := repotest.ActionJob(t, pool, owner, nil, "retweet")

	if _, err := jobs.Claim(ctx, domain.FamilyDiscrete, owner, "like", "w1"); err != nil {
		t.Fatalf("claim discrete: %v", err)
	}
	if _, err := jobs.Claim(ctx, domain.FamilyWarmer, owner, "", "w1"); err != nil {
		t.Fatalf("claim warmer: %v", err)
	}
	if _, err := jobs.Claim(ctx, domain.FamilyDiscrete, owner, "retweet", "w2"); err != nil {
		t.Fatalf("claim kept: %v", err)
	}

	counts, err := jobs.RequeueByWorker(ctx, owner, "w1")
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if counts[domain.FamilyDiscrete] != 1 || counts[domain.FamilyWarmer] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}

	for _, tc := range []struct {
		family domain.Family
		id     int64
		state  domain.JobState
	}{
		{domain.FamilyDiscrete, discrete, domain.JobQueued},
		{domain.FamilyWarmer, warmer, domain.JobQueued},
		{domain.FamilyDiscrete, kept, domain.JobAwaitingAcceptance},
	} {
		j, err := jobs.Get(ctx, tc.family, tc.id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if j.State != tc.state {
			t.Errorf("%s job %d: expected %s, got %s", tc.family, tc.id, tc.state, j.State)
		}
	}
}

func TestRequeueStale_KeepsLiveWorkers(t *testing.T) {
	pool := repotest.Open(t)
	ctx := context.Background()
	jobs := repo.NewJobRepo(pool)

	owner, _ := repotest.Account(t, pool)
	alive, dead := "alive-"+uuid.NewString(), "dead-"+uuid.NewString()
	orphan := repotest.ActionJob(t, pool, owner, nil, "like")
	live := repotest.ActionJob(t, pool, owner, nil, "like")
	if _, err := jobs.Claim(ctx, domain.FamilyDiscrete, owner, "", dead); err != nil {
		t.Fatalf("claim orphan: %v", err)
	}
	if _, err := jobs.Claim(ctx, domain.FamilyDiscrete, owner, "", alive); err != nil {
		t.Fatalf("claim live: %v", err)
	}

	accounts := repo.NewAccountRepo(pool)
	if err := accounts.RegisterWorker(ctx, owner, alive); err != nil {
		t.Fatalf("register alive: %v", err)
	}
	// Запись "dead" есть, но heartbeat её давно не продлевал.
	if err := accounts.RegisterWorker(ctx, owner, dead); err != nil {
		t.Fatalf("register dead: %v", err)
	}
	if _, err := pool.Exec(ctx,
		`UPDATE workers SET last_seen = now() - interval '10 minutes' WHERE worker_id = $1`, dead); err != nil {
		t.Fatalf("age dead worker: %v", err)
	}

	counts, err := jobs.RequeueStale(ctx, owner, time.Minute)
	if err != nil {
		t.Fatalf("requeue stale: %v", err)
	}
	if counts[domain.FamilyDiscrete] != 1 {
		t.Errorf("expected one orphan requeued, got %v", counts)
	}

	j, _ := jobs.Get(ctx, domain.FamilyDiscrete, orphan)
	if j.State != domain.JobQueued {
		t.Errorf("orphan should be queued, got %s", j.State)
	}
	j, _ = jobs.Get(ctx, domain.FamilyDiscrete, live)
	if j.State != domain.JobAwaitingAcceptance {
		t.Errorf("live job should stay claimed, got %s", j.State)
	}
}

func TestTouchWorkers_KeepsWorkerLive(t *testing.T) {
	pool := repotest.Open(t)
	ctx := context.Background()
	jobs := repo.NewJobRepo(pool)
	accounts := repo.NewAccountRepo(pool)

	owner, _ := repotest.Account(t, pool)
	worker := "w-" + uuid.NewString()
	id := repotest.ActionJob(t, pool, owner, nil, "like")
	if _, err := jobs.Claim(ctx, domain.FamilyDiscrete, owner, "", worker); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := accounts.RegisterWorker(ctx, owner, worker); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := pool.Exec(ctx,
		`UPDATE workers SET last_seen = now() - interval '10 minutes' WHERE worker_id = $1`, worker); err != nil {
		t.Fatalf("age worker: %v", err)
	}

	n, err := accounts.TouchWorkers(ctx, []string{worker, "unknown-" + uuid.NewString()})
	if err != nil || n != 1 {
		t.Fatalf("touch: n=%d err=%v", n, err)
	}
	if _, err := jobs.RequeueStale(ctx, owner, time.Minute); err != nil {
		t.Fatalf("requeue stale: %v", err)
	}
	if j, _ := jobs.Get(ctx, domain.FamilyDiscrete, id); j.WorkerID != worker {
		t.Errorf("touched worker should keep its job: %+v", j)
	}

	if err := accounts.RemoveWorker(ctx, worker); err != nil {
		t.Fatalf("remove: %v", err)
	}
	counts, err := jobs.RequeueStale(ctx, owner, time.Minute)
	if err != nil || counts[domain.FamilyDiscrete] != 1 {
		t.Errorf("removed worker's job should be requeued: %v err=%v", counts, err)
	}
}

// --- Campaign Tests ---

func TestAdvanceCursor_CompareAndSet(t *testing.T) {
	pool := repotest.Open(t)
	ctx := context.Background()
	jobs := repo.NewJobRepo(pool)

	owner, _ := repotest.Account(t, pool)
	id := repotest.ScrapingJob(t, pool, owner, domain.ScrapeNickProfile, map[string]string{domain.FilterGroup: "g"}, 0)
	if _, err := jobs.Claim(ctx, domain.FamilyScraping, owner, "", "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := jobs.AdvanceCursor(ctx, domain.FamilyScraping, id, "w1", nil, 10, 3); err != nil {
		t.Fatalf("first advance: %v", err)
	}
	// Устаревшее ожидание — курсор уже сдвинут
	if err := jobs.AdvanceCursor(ctx, domain.FamilyScraping, id, "w1", nil, 20, 3); !errors.Is(err, repo.ErrCursorMoved) {
		t.Errorf("expected ErrCursorMoved, got %v", err)
	}
	// Назад курсор не двигается
	ten := int64(10)
	if err := jobs.AdvanceCursor(ctx, domain.FamilyScraping, id, "w1", &ten, 5, 3); !errors.Is(err, repo.ErrCursorMoved) {
		t.Errorf("expected ErrCursorMoved for backwards move, got %v", err)
	}
	// Чужой worker курсор не двигает
	if err := jobs.AdvanceCursor(ctx, domain.FamilyScraping, id, "w2", &ten, 25, 3); !errors.Is(err, repo.ErrCursorMoved) {
		t.Errorf("expected ErrCursorMoved for another worker, got %v", err)
	}
	if err := jobs.AdvanceCursor(ctx, domain.FamilyScraping, id, "w1", &ten, 25, 4); err != nil {
		t.Fatalf("second advance: %v", err)
	}

	j, err := jobs.Get(ctx, domain.FamilyScraping, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.Cursor.After() != 25 {
		t.Errorf("expected cursor at 25, got %d", j.Cursor.After())
	}
	if g, _ := j.Cursor.Filter(domain.FilterGroup); g != "g" {
		t.Error("filters must survive cursor advance")
	}

	// Выдано 3 + 4 цели: после истощения total равен 7.
	j, transitioned, err := jobs.DrainCampaign(ctx, domain.FamilyScraping, id, "w1")
	if err != nil || !transitioned {
		t.Fatalf("drain: transitioned=%v err=%v", transitioned, err)
	}
	if j.Total != 7 || !j.AwaitingResults() {
		t.Errorf("expected total 7 awaiting results, got total=%d %+v", j.Total, j.Counters)
	}
}

func TestDrainCampaign_AcceptsResultsForDispatchedTargets(t *testing.T) {
	pool := repotest.Open(t)
	ctx := context.Background()
	jobs := repo.NewJobRepo(pool)

	owner, _ := repotest.Account(t, pool)
	id := repotest.ScrapingJob(t, pool, owner, domain.ScrapeNickProfile, nil, 10)
	if _, err := jobs.Claim(ctx, domain.FamilyScraping, owner, "", "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := jobs.AdvanceCursor(ctx, domain.FamilyScraping, id, "w1", nil, 3, 3); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := jobs.RecordResult(ctx, pool, domain.FamilyScraping, id, "w1", true); err != nil {
		t.Fatalf("record before drain: %v", err)
	}

	j, _, err := jobs.DrainCampaign(ctx, domain.FamilyScraping, id, "w1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if j.State != domain.JobCompleted || j.Total != 3 || j.Counters.Attempted != 1 {
		t.Fatalf("unexpected drained job: state=%s total=%d %+v", j.State, j.Total, j.Counters)
	}

	rec, err := jobs.RecordResult(ctx, pool, domain.FamilyScraping, id, "w1", false)
	if err != nil || !rec.Recorded || rec.Settled {
		t.Fatalf("second result: %+v err=%v", rec, err)
	}
	rec, err = jobs.RecordResult(ctx, pool, domain.FamilyScraping, id, "w1", true)
	if err != nil || !rec.Recorded || !rec.Settled {
		t.Fatalf("last result should settle the campaign: %+v err=%v", rec, err)
	}
	rec, err = jobs.RecordResult(ctx, pool, domain.FamilyScraping, id, "w1", true)
	if err != nil || rec.Recorded {
		t.Fatalf("result beyond dispatched targets must be ignored: %+v err=%v", rec, err)
	}

	j, err = jobs.Get(ctx, domain.FamilyScraping, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.Counters.Attempted != 3 || j.Counters.Succeeded != 2 || j.Counters.Failed != 1 || j.AwaitingResults() {
		t.Errorf("unexpected settled counters: total=%d %+v", j.Total, j.Counters)
	}
}

func TestRecordResult_RequiresClaimant(t *testing.T) {
	pool := repotest.Open(t)
	ctx := context.Background()
	jobs := repo.NewJobRepo(pool)

	owner, _ := repotest.Account(t, pool)
	deck := repotest.Deck(t, pool, owner)
	id := repotest.WarmerJob(t, pool, owner, deck, "like", repotest.Group(), 5)
	if _, err := jobs.Claim(ctx, domain.FamilyWarmer, owner, "", "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if _, err := jobs.RecordResult(ctx, pool, domain.FamilyWarmer, id, "w2", true); !errors.Is(err, repo.ErrNotClaimant) {
		t.Errorf("expected ErrNotClaimant, got %v", err)
	}
	if _, err := jobs.RecordResult(ctx, pool, domain.FamilyWarmer, -1, "w1", true); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	j, err := jobs.Get(ctx, domain.FamilyWarmer, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.Counters.Attempted != 0 {
		t.Errorf("rejected result must not be counted: %+v", j.Counters)
	}
}

func TestCompleteCampaign_TotalEqualsAttempted(t *testing.T) {
	pool := repotest.Open(t)
	ctx := context.Background()
	jobs := repo.NewJobRepo(pool)

	owner, _ := repotest.Account(t, pool)
	deck := repotest.Deck(t, pool, owner)
	id := repotest.WarmerJob(t, pool, owner, deck, "like", repotest.Group(), 10)
	if _, err := jobs.Claim(ctx, domain.FamilyWarmer, owner, "", "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Оценка 10, фактически 7 результатов
	for i := 0; i < 7; i++ {
		rec, err := jobs.RecordResult(ctx, pool, domain.FamilyWarmer, id, "w1", i%3 != 0)
		if err != nil || !rec.Recorded {
			t.Fatalf("record result: %+v err=%v", rec, err)
		}
	}

	j, transitioned, err := jobs.CompleteCampaign(ctx, domain.FamilyWarmer, id, "w1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !transitioned {
		t.Error("first completion should transition")
	}
	if j.Total != 7 || j.Counters.Attempted != 7 || j.Counters.Succeeded+j.Counters.Failed != 7 {
		t.Errorf("unexpected counters: total=%d %+v", j.Total, j.Counters)
	}

	// Повторное завершение и поздние результаты ничего не меняют
	_, transitioned, err = jobs.CompleteCampaign(ctx, domain.FamilyWarmer, id, "w1")
	if err != nil || transitioned {
		t.Errorf("second completion: transitioned=%v err=%v", transitioned, err)
	}
	rec, err := jobs.RecordResult(ctx, pool, domain.FamilyWarmer, id, "w1", true)
	if err != nil || rec.Recorded {
		t.Errorf("late result must be ignored: %+v err=%v", rec, err)
	}
}

func TestCompleteCampaign_RequiresClaimant(t *testing.T) {
	pool := repotest.Open(t)
	ctx := context.Background()
	jobs := repo.NewJobRepo(pool)

	owner, _ := repotest.Account(t, pool)
	id := repotest.ScrapingJob(t, pool, owner, domain.ScrapeNickProfile, nil, 0)
	if _, err := jobs.Claim(ctx, domain.FamilyScraping, owner, "", "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if _, _, err := jobs.CompleteCampaign(ctx, domain.FamilyScraping, id, "w2"); !errors.Is(err, repo.ErrNotClaimant) {
		t.Errorf("expected ErrNotClaimant, got %v", err)
	}
}

// --- Credential Tests ---

func TestAcquireExclusive_SkipsLockedAndDeduplicates(t *testing.T) {
	pool := repotest.Open(t)
	ctx := context.Background()
	creds := repo.NewCredentialRepo(pool)

	owner, _ := repotest.Account(t, pool)
	deck := repotest.Deck(t, pool, owner)
	first := repotest.Credential(t, pool, deck, repotest.CredentialOpts{})
	second := repotest.Credential(t, pool, deck, repotest.CredentialOpts{})
	repotest.Credential(t, pool, deck, repotest.CredentialOpts{Health: domain.HealthSuspended})
	repotest.Credential(t, pool, deck, repotest.CredentialOpts{NoSecret: true})

	target := uuid.NewString()
	if err := creds.InsertAction(ctx, pool, repo.CredentialAction{
		CredentialID: first, ActionType: "like", TargetKey: target, Success: true,
	}); err != nil {
		t.Fatalf("insert action: %v", err)
	}

	var got []domain.Credential
	err := repo.InTx(ctx, pool, func(tx pgx.Tx) error {
		var err error
		got, err = creds.AcquireExclusive(ctx, tx, repo.LeaseQuery{
			DeckID: deck, ActionType: "like", TargetKey: target, WorkerID: "w1", Limit: 10,
		})
		return err
	})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(got) != 1 || got[0].ID != second {
		t.Fatalf("expected only credential %d, got %+v", second, got)
	}

	d, err := creds.Diagnose(ctx, pool, repo.LeaseQuery{DeckID: deck, ActionType: "like", TargetKey: target})
	if err != nil {
		t.Fatalf("diagnose: %v", err)
	}
	if d.Total != 4 || d.WithSecrets != 3 || d.Healthy != 2 || d.Unlocked != 1 || d.AlreadyUsedOnTarget != 1 {
		t.Errorf("unexpected diagnostics: %+v", d)
	}
}

func TestReclaimExpired(t *testing.T) {
	pool := repotest.Open(t)
	ctx := context.Background()
	creds := repo.NewCredentialRepo(pool)

	owner, _ := repotest.Account(t, pool)
	deck := repotest.Deck(t, pool, owner)
	id := repotest.Credential(t, pool, deck, repotest.CredentialOpts{})

	_, err := pool.Exec(ctx,
		`UPDATE credentials SET locked = TRUE, locked_by = 'w1', locked_at = now() - interval '1 hour' WHERE id = $1`, id)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	if _, err := creds.ReclaimExpired(ctx, 30*time.Minute); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	c, err := creds.Get(ctx, pool, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Leased() || c.LockedBy != "" {
		t.Errorf("lease should be reclaimed: %+v", c)
	}
}

func TestRecordFailure_HealthThresholds(t *testing.T) {
	pool := repotest.Open(t)
	ctx := context.Background()
	creds := repo.NewCredentialRepo(pool)

	owner, _ := repotest.Account(t, pool)
	deck := repotest.Deck(t, pool, owner)
	id := repotest.Credential(t, pool, deck, repotest.CredentialOpts{})
	suspended := repotest.Credential(t, pool, deck, repotest.CredentialOpts{Health: domain.HealthSuspended})

	health := func(id int64) domain.HealthState {
		t.Helper()
		c, err := creds.Get(ctx, pool, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		return c.Health
	}
	fail := func(id int64, n int) {
		t.Helper()
		for i := 0; i < n; i++ {
			if err := creds.RecordFailure(ctx, pool, id, "timeout"); err != nil {
				t.Fatalf("record failure: %v", err)
			}
		}
	}

	fail(id, domain.DegradedAfterFailures-1)
	if h := health(id); h != domain.HealthHealthy {
		t.Errorf("below degraded threshold expected healthy, got %s", h)
	}
	fail(id, 1)
	if h := health(id); h != domain.HealthDegraded {
		t.Errorf("at %d failures expected degraded, got %s", domain.DegradedAfterFailures, h)
	}
	fail(id, domain.DeadAfterFailures-domain.DegradedAfterFailures)
	if h := health(id); h != domain.HealthDead {
		t.Errorf("at %d failures expected dead, got %s", domain.DeadAfterFailures, h)
	}

	fail(suspended, domain.DeadAfterFailures)
	if h := health(suspended); h != domain.HealthSuspended {
		t.Errorf("suspended must stay suspended, got %s", h)
	}

	// Успех сбрасывает счётчик.
	if err := creds.MarkSuccess(ctx, pool, id, true, false); err != nil {
		t.Fatalf("mark success: %v", err)
	}
	fail(id, 1)
	if h := health(id); h != domain.HealthHealthy {
		t.Errorf("counter should restart after success, got %s", h)
	}
}
