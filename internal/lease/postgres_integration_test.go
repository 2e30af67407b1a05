package lease_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/shaiso/xdispatch/internal/domain"
	"github.com/shaiso/xdispatch/internal/lease"
	"github.com/shaiso/xdispatch/internal/repo"
	"github.com/shaiso/xdispatch/internal/repo/repotest"
	"github.com/shaiso/xdispatch/internal/rules"
)

type recordingBroadcaster struct {
	mu   sync.Mutex
	sent map[int64][]any
}

func (b *recordingBroadcaster) Broadcast(actorID int64, _ domain.Role, msg any) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sent == nil {
		b.sent = make(map[int64][]any)
	}
	b.sent[actorID] = append(b.sent[actorID], msg)
	return 1
}

func (b *recordingBroadcaster) count(actorID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent[actorID])
}

type fixture struct {
	manager *lease.Manager
	creds   *repo.CredentialRepo
	rules   *repo.RuleRepo
	bcast   *recordingBroadcaster
}

func newFixture(t *testing.T) (fixture, func() (owner, deck int64)) {
	pool := repotest.Open(t)
	creds := repo.NewCredentialRepo(pool)
	ruleRepo := repo.NewRuleRepo(pool)
	classifier := rules.NewClassifier(
		rules.NewCache(ruleRepo, rules.CacheConfig{}),
		rules.RepoStore{RuleRepo: ruleRepo, CredentialRepo: creds},
		nil,
	)
	b := &recordingBroadcaster{}
	f := fixture{
		manager: lease.New(creds, classifier, b, lease.Config{}),
		creds:   creds,
		rules:   ruleRepo,
		bcast:   b,
	}
	seed := func() (int64, int64) {
		owner, _ := repotest.Account(t, pool)
		return owner, repotest.Deck(t, pool, owner)
	}
	return f, seed
}

// --- Acquire Tests ---

func TestAcquire_ConcurrentWorkersGetDistinctCredentials(t *testing.T) {
	f, seed := newFixture(t)
	ctx := context.Background()
	owner, deck := seed()
	pool := f.creds.Pool()
	for i := 0; i < 3; i++ {
		repotest.Credential(t, pool, deck, repotest.CredentialOpts{})
	}

	const workers = 5
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		leased = map[int64]string{}
		empty  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker := uuid.NewString()
			res, err := f.manager.Acquire(ctx, lease.Request{
				ActorID: owner, DeckID: deck, ActionType: "like", TargetKey: uuid.NewString(), Count: 1, WorkerID: worker,
			})
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if len(res.Leases) == 0 {
				empty++
				if res.Diagnostics == nil {
					t.Error("empty result must carry diagnostics")
				}
				return
			}
			for _, c := range res.Leases {
				if prev, dup := leased[c.ID]; dup {
					t.Errorf("credential %d leased twice (%s, %s)", c.ID, prev, worker)
				}
				leased[c.ID] = worker
			}
		}()
	}
	wg.Wait()

	if len(leased) != 3 || empty != 2 {
		t.Errorf("expected 3 leases and 2 empty results, got %d and %d", len(leased), empty)
	}

	d, err := f.creds.Diagnose(ctx, pool, repo.LeaseQuery{DeckID: deck, ActionType: "like"})
	if err != nil {
		t.Fatalf("diagnose: %v", err)
	}
	if d.Unlocked != 0 {
		t.Errorf("all credentials should be leased, unlocked=%d", d.Unlocked)
	}
}

func TestAcquire_SharedReadDoesNotLock(t *testing.T) {
	f, seed := newFixture(t)
	ctx := context.Background()
	owner, deck := seed()
	id := repotest.Credential(t, f.creds.Pool(), deck, repotest.CredentialOpts{})

	for i := 0; i < 3; i++ {
		res, err := f.manager.Acquire(ctx, lease.Request{ActorID: owner, DeckID: deck, ActionType: domain.ActionView, WorkerID: "w"})
		if err != nil {
			t.Fatalf("acquire view: %v", err)
		}
		if len(res.Leases) != 1 || res.Leases[0].ID != id {
			t.Fatalf("view acquire %d: unexpected leases %+v", i, res.Leases)
		}
	}

	c, err := f.creds.Get(ctx, f.creds.Pool(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Leased() {
		t.Error("shared-read must not lock the credential")
	}
}

func TestAcquire_ForeignDeckRejected(t *testing.T) {
	f, seed := newFixture(t)
	ctx := context.Background()
	_, deck := seed()
	other, _ := seed()
	id := repotest.Credential(t, f.creds.Pool(), deck, repotest.CredentialOpts{})

	_, err := f.manager.Acquire(ctx, lease.Request{ActorID: other, DeckID: deck, ActionType: "like", WorkerID: "w1"})
	if !errors.Is(err, lease.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}

	c, err := f.creds.Get(ctx, f.creds.Pool(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Leased() {
		t.Error("foreign acquire must not lease the credential")
	}
}

// --- Report Tests ---

func TestReport_SuccessReleasesAndDeduplicates(t *testing.T) {
	f, seed := newFixture(t)
	ctx := context.Background()
	owner, deck := seed()
	id := repotest.Credential(t, f.creds.Pool(), deck, repotest.CredentialOpts{})
	target := uuid.NewString()

	res, err := f.manager.Acquire(ctx, lease.Request{ActorID: owner, DeckID: deck, ActionType: "like", TargetKey: target, WorkerID: "w1"})
	if err != nil || len(res.Leases) != 1 {
		t.Fatalf("acquire: leases=%d err=%v", len(res.Leases), err)
	}

	ch, err := f.manager.Report(ctx, lease.Report{
		ActorID: owner, WorkerID: "w1",
		CredentialID: id, ActionType: "like", TargetKey: target, Success: true,
		RotatedSecret: "auth_token=new-a; ct0=new-c",
	})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if ch.Health != domain.HealthHealthy {
		t.Errorf("expected healthy, got %s", ch.Health)
	}

	c, err := f.creds.Get(ctx, f.creds.Pool(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Leased() || c.AuthToken != "new-a" || c.CSRFToken != "new-c" {
		t.Errorf("unexpected credential after report: %+v", c)
	}
	if f.bcast.count(owner) != 1 {
		t.Errorf("owner should get one health broadcast, got %d", f.bcast.count(owner))
	}

	// Та же цель тем же действием — credential исключена
	res, err = f.manager.Acquire(ctx, lease.Request{ActorID: owner, DeckID: deck, ActionType: "like", TargetKey: target, WorkerID: "w2"})
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if len(res.Leases) != 0 {
		t.Fatalf("credential must not be reused on the same target")
	}
	if res.Diagnostics == nil || res.Diagnostics.AlreadyUsedOnTarget != 1 {
		t.Errorf("diagnostics should report target usage: %+v", res.Diagnostics)
	}

	// Другое действие над той же целью разрешено
	res, err = f.manager.Acquire(ctx, lease.Request{ActorID: owner, DeckID: deck, ActionType: "retweet", TargetKey: target, WorkerID: "w2"})
	if err != nil || len(res.Leases) != 1 {
		t.Errorf("other action on same target: leases=%d err=%v", len(res.Leases), err)
	}
}

func TestReport_FailureReleasesAndCountsFailures(t *testing.T) {
	f, seed := newFixture(t)
	ctx := context.Background()
	owner, deck := seed()
	id := repotest.Credential(t, f.creds.Pool(), deck, repotest.CredentialOpts{})

	if _, err := f.manager.Acquire(ctx, lease.Request{ActorID: owner, DeckID: deck, ActionType: "like", WorkerID: "w1"}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ch, err := f.manager.Report(ctx, lease.Report{
		ActorID: owner, WorkerID: "w1",
		CredentialID: id, ActionType: "like", TargetKey: uuid.NewString(),
		ErrorDetail: "unexpected failure " + uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if ch.Success {
		t.Error("change should be a failure")
	}

	c, err := f.creds.Get(ctx, f.creds.Pool(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Leased() {
		t.Error("failure must release the lease")
	}
	if c.ConsecutiveFailures != 1 || c.LastError == "" {
		t.Errorf("failure not recorded: failures=%d last_error=%q", c.ConsecutiveFailures, c.LastError)
	}
}

func TestReclaimExpired_FreesAbandonedLease(t *testing.T) {
	f, seed := newFixture(t)
	ctx := context.Background()
	owner, deck := seed()
	pool := f.creds.Pool()
	id := repotest.Credential(t, pool, deck, repotest.CredentialOpts{})

	if _, err := f.manager.Acquire(ctx, lease.Request{ActorID: owner, DeckID: deck, ActionType: "like", WorkerID: "w1"}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// Воркер пропал: состариваем lease за пределы таймаута
	if _, err := pool.Exec(ctx, `UPDATE credentials SET locked_at = now() - interval '1 hour' WHERE id = $1`, id); err != nil {
		t.Fatalf("age lease: %v", err)
	}

	if _, err := f.manager.ReclaimExpired(ctx); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	res, err := f.manager.Acquire(ctx, lease.Request{ActorID: owner, DeckID: deck, ActionType: "like", WorkerID: "w2"})
	if err != nil || len(res.Leases) != 1 {
		t.Errorf("reclaimed credential should be leasable: leases=%d err=%v", len(res.Leases), err)
	}
}

func TestReport_RequiresOwnerAndHolder(t *testing.T) {
	f, seed := newFixture(t)
	ctx := context.Background()
	owner, deck := seed()
	other, _ := seed()
	id := repotest.Credential(t, f.creds.Pool(), deck, repotest.CredentialOpts{})
	holder := uuid.NewString()

	if _, err := f.manager.Acquire(ctx, lease.Request{ActorID: owner, DeckID: deck, ActionType: "like", WorkerID: holder}); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	failure := lease.Report{CredentialID: id, ActionType: "like", TargetKey: uuid.NewString(), ErrorDetail: "x"}

	foreign := failure
	foreign.ActorID, foreign.WorkerID = other, holder
	if _, err := f.manager.Report(ctx, foreign); !errors.Is(err, lease.ErrNotOwner) {
		t.Errorf("other actor: expected ErrNotOwner, got %v", err)
	}

	stranger := failure
	stranger.ActorID, stranger.WorkerID = owner, uuid.NewString()
	if _, err := f.manager.Report(ctx, stranger); !errors.Is(err, repo.ErrNotClaimant) {
		t.Errorf("non-holder: expected ErrNotClaimant, got %v", err)
	}

	c, err := f.creds.Get(ctx, f.creds.Pool(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !c.Leased() || c.ConsecutiveFailures != 0 {
		t.Errorf("rejected reports must not touch the credential: leased=%v failures=%d", c.Leased(), c.ConsecutiveFailures)
	}
	if f.bcast.count(owner) != 0 {
		t.Errorf("rejected reports must not broadcast, got %d", f.bcast.count(owner))
	}
}

func TestReportBatch_SkipsForeignReports(t *testing.T) {
	f, seed := newFixture(t)
	ctx := context.Background()
	owner, deck := seed()
	other, otherDeck := seed()
	pool := f.creds.Pool()
	mine := repotest.Credential(t, pool, deck, repotest.CredentialOpts{})
	theirs := repotest.Credential(t, pool, otherDeck, repotest.CredentialOpts{})
	worker := uuid.NewString()

	if _, err := f.manager.Acquire(ctx, lease.Request{ActorID: owner, DeckID: deck, ActionType: "like", WorkerID: worker}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := f.manager.Acquire(ctx, lease.Request{ActorID: other, DeckID: otherDeck, ActionType: "like", WorkerID: "w-" + worker}); err != nil {
		t.Fatalf("acquire other: %v", err)
	}

	changes, err := f.manager.ReportBatch(ctx, []lease.Report{
		{ActorID: owner, WorkerID: worker, CredentialID: mine, ActionType: "like", TargetKey: uuid.NewString(), Success: true},
		{ActorID: owner, WorkerID: worker, CredentialID: theirs, ActionType: "like", TargetKey: uuid.NewString(), ErrorDetail: "x"},
	})
	if err != nil {
		t.Fatalf("report batch: %v", err)
	}
	if len(changes) != 1 || changes[0].CredentialID != mine {
		t.Fatalf("expected only own report applied, got %+v", changes)
	}

	c, err := f.creds.Get(ctx, pool, theirs)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !c.Leased() || c.ConsecutiveFailures != 0 {
		t.Errorf("foreign credential must stay untouched: leased=%v failures=%d", c.Leased(), c.ConsecutiveFailures)
	}
}
