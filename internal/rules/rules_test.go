package rules

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shaiso/xdispatch/internal/domain"
	"github.com/shaiso/xdispatch/internal/repo"
)

func intPtr(n int) *int { return &n }

type fakeLoader struct {
	rules []domain.ErrorRule
	err   error
	calls int
}

func (l *fakeLoader) ListEnabled(context.Context) ([]domain.ErrorRule, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return l.rules, nil
}

// blockingLoader останавливается внутри ListEnabled, пока тест не закроет release.
type blockingLoader struct {
	mu      sync.Mutex
	rules   []domain.ErrorRule
	block   bool
	entered chan struct{}
	release chan struct{}
}

func (l *blockingLoader) ListEnabled(context.Context) ([]domain.ErrorRule, error) {
	l.mu.Lock()
	rules, block := l.rules, l.block
	l.mu.Unlock()
	if block {
		close(l.entered)
		<-l.release
	}
	return rules, nil
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type healthCall struct {
	id         int64
	health     domain.HealthState
	message    string
	deactivate bool
}

type fakeStore struct {
	logs     []repo.ErrorLogEntry
	failures map[int64]string
	health   []healthCall
	logErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{failures: make(map[int64]string)}
}

func (s *fakeStore) InsertErrorLog(_ context.Context, _ repo.Querier, e repo.ErrorLogEntry) error {
	if s.logErr != nil {
		return s.logErr
	}
	s.logs = append(s.logs, e)
	return nil
}

func (s *fakeStore) RecordFailure(_ context.Context, _ repo.Querier, id int64, message string) error {
	s.failures[id] = message
	return nil
}

func (s *fakeStore) ApplyHealth(_ context.Context, _ repo.Querier, id int64, h domain.HealthState, message string, deactivate bool) error {
	s.health = append(s.health, healthCall{id: id, health: h, message: message, deactivate: deactivate})
	return nil
}

var sampleRules = []domain.ErrorRule{
	{ID: 1, Pattern: "suspended", Priority: 100, ActionDiscrete: domain.RetryNew, ActionBatch: domain.Skip,
		HealthState: domain.HealthSuspended, Deactivate: true, Enabled: true},
	{ID: 2, Code: intPtr(429), Priority: 50, ActionDiscrete: domain.RetryNew, ActionBatch: domain.RetrySame,
		HealthState: domain.HealthRateLimited, Enabled: true},
	{ID: 3, Pattern: "timeout", Priority: 10, ActionDiscrete: domain.RetrySame, ActionBatch: domain.Skip, Enabled: true},
}

// --- Cache Tests ---

func TestCache_FirstGetLoadsSynchronously(t *testing.T) {
	loader := &fakeLoader{rules: sampleRules}
	c := NewCache(loader, CacheConfig{TTL: time.Minute, Clock: &fakeClock{now: time.Unix(0, 0)}})

	got := c.Get(context.Background())
	if len(got) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(got))
	}
	if loader.calls != 1 {
		t.Errorf("expected 1 load, got %d", loader.calls)
	}
}

func TestCache_RefreshesAfterTTL(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	loader := &fakeLoader{rules: sampleRules[:1]}
	c := NewCache(loader, CacheConfig{TTL: time.Minute, Clock: clock})
	ctx := context.Background()

	c.Get(ctx)
	clock.now = clock.now.Add(30 * time.Second)
	c.Get(ctx)
	if loader.calls != 1 {
		t.Fatalf("cache should not reload before TTL, calls=%d", loader.calls)
	}

	loader.rules = sampleRules
	clock.now = clock.now.Add(31 * time.Second)
	got := c.Get(ctx)
	if loader.calls != 2 {
		t.Fatalf("cache should reload after TTL, calls=%d", loader.calls)
	}
	if len(got) != 3 {
		t.Errorf("expected refreshed rules, got %d", len(got))
	}
}

func TestCache_FailedRefreshKeepsPreviousRules(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	loader := &fakeLoader{rules: sampleRules}
	c := NewCache(loader, CacheConfig{TTL: time.Second, Clock: clock})
	ctx := context.Background()

	c.Get(ctx)
	loader.err = errors.New("db down")
	clock.now = clock.now.Add(2 * time.Second)

	got := c.Get(ctx)
	if len(got) != 3 {
		t.Errorf("expected previous rules to survive failed refresh, got %d", len(got))
	}
}

func TestCache_FirstLoadFailureServesEmpty(t *testing.T) {
	loader := &fakeLoader{err: errors.New("db down")}
	c := NewCache(loader, CacheConfig{TTL: time.Minute, Clock: &fakeClock{now: time.Unix(0, 0)}})

	if got := c.Get(context.Background()); len(got) != 0 {
		t.Errorf("expected no rules, got %d", len(got))
	}
	// Повтор не раньше TTL.
	c.Get(context.Background())
	if loader.calls != 1 {
		t.Errorf("failed load should not be retried before TTL, calls=%d", loader.calls)
	}
}

func TestCache_ServesPreviousRulesDuringRefresh(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(0, 0)}
	loader := &blockingLoader{
		rules:   sampleRules[:1],
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	c := NewCache(loader, CacheConfig{TTL: time.Minute, Clock: clock})

	if got := c.Get(ctx); len(got) != 1 {
		t.Fatalf("expected 1 rule after first load, got %d", len(got))
	}

	loader.mu.Lock()
	loader.rules = sampleRules
	loader.block = true
	loader.mu.Unlock()
	clock.now = clock.now.Add(2 * time.Minute)

	refreshed := make(chan []domain.ErrorRule, 1)
	go func() { refreshed <- c.Get(ctx) }()

	select {
	case <-loader.entered:
	case <-time.After(time.Second):
		t.Fatal("refresh never reached the loader")
	}

	concurrent := make(chan []domain.ErrorRule, 1)
	go func() { concurrent <- c.Get(ctx) }()

	select {
	case got := <-concurrent:
		if len(got) != 1 {
			t.Errorf("expected previous set of 1 rule during refresh, got %d", len(got))
		}
	case <-time.After(time.Second):
		t.Fatal("Get blocked while another call was loading rules")
	}

	close(loader.release)
	if got := <-refreshed; len(got) != len(sampleRules) {
		t.Errorf("refreshing Get should return the new set, got %d rules", len(got))
	}
	if got := c.Get(ctx); len(got) != len(sampleRules) {
		t.Errorf("expected %d rules after refresh, got %d", len(sampleRules), len(got))
	}
}

func TestCache_Reload(t *testing.T) {
	loader := &fakeLoader{rules: sampleRules[:2]}
	c := NewCache(loader, CacheConfig{TTL: time.Hour, Clock: &fakeClock{now: time.Unix(0, 0)}})

	n, err := c.Reload(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 rules, got %d", n)
	}

	loader.err = errors.New("boom")
	if _, err := c.Reload(context.Background()); err == nil {
		t.Error("expected reload error")
	}
}

// --- Match Tests ---

func TestMatch(t *testing.T) {
	tests := []struct {
		name    string
		code    *int
		message string
		wantID  int64
	}{
		{"code match", intPtr(429), "Too Many Requests", 2},
		{"pattern case-insensitive", nil, "Account SUSPENDED by platform", 1},
		{"priority wins over code", intPtr(429), "suspended and rate limited", 1},
		{"low priority pattern", nil, "request timeout", 3},
		{"no match", intPtr(500), "internal error", 0},
		{"empty message no code", nil, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := Match(sampleRules, tt.code, tt.message)
			if tt.wantID == 0 {
				if rule != nil {
					t.Errorf("expected no match, got rule %d", rule.ID)
				}
				return
			}
			if rule == nil {
				t.Fatalf("expected rule %d, got nil", tt.wantID)
			}
			if rule.ID != tt.wantID {
				t.Errorf("expected rule %d, got %d", tt.wantID, rule.ID)
			}
		})
	}
}

// --- ExtractCode Tests ---

func TestExtractCode(t *testing.T) {
	tests := []struct {
		detail string
		want   *int
	}{
		{`{"errors":[{"code":326,"message":"locked"}]}`, intPtr(326)},
		{`{"errors":[{"code":"64"}]}`, intPtr(64)},
		{`{"errors":[]}`, nil},
		{`{"detail":"no code here 404"}`, nil},
		{"HTTP 429 Too Many Requests", intPtr(429)},
		{"429", intPtr(429)},
		{"error 12345 happened", nil},
		{"could not authenticate you", nil},
		{"", nil},
	}

	for _, tt := range tests {
		got := ExtractCode(tt.detail)
		switch {
		case tt.want == nil && got != nil:
			t.Errorf("ExtractCode(%q) = %d, want nil", tt.detail, *got)
		case tt.want != nil && got == nil:
			t.Errorf("ExtractCode(%q) = nil, want %d", tt.detail, *tt.want)
		case tt.want != nil && *got != *tt.want:
			t.Errorf("ExtractCode(%q) = %d, want %d", tt.detail, *got, *tt.want)
		}
	}
}

// --- Classifier Tests ---

func newTestClassifier(store Store, rules []domain.ErrorRule) *Classifier {
	cache := NewCache(&fakeLoader{rules: rules}, CacheConfig{Clock: &fakeClock{now: time.Unix(0, 0)}})
	return NewClassifier(cache, store, nil)
}

func TestClassifier_Apply_RateLimitedRule(t *testing.T) {
	store := newFakeStore()
	c := newTestClassifier(store, sampleRules)

	out, err := c.Apply(context.Background(), nil, Failure{
		CredentialID: 5,
		Module:       "like",
		Code:         intPtr(429),
		Message:      "rate limit exceeded",
	}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out.Action != domain.RetryNew {
		t.Errorf("expected retry_new, got %s", out.Action)
	}
	if out.Health != domain.HealthRateLimited {
		t.Errorf("expected rate_limited, got %s", out.Health)
	}
	if len(store.health) != 1 {
		t.Fatalf("expected one health update, got %d", len(store.health))
	}
	if store.health[0].deactivate {
		t.Error("rate limited credential must stay active")
	}
	if len(store.logs) != 1 || store.logs[0].RuleID == nil || *store.logs[0].RuleID != 2 {
		t.Errorf("error log should reference rule 2: %+v", store.logs)
	}
}

func TestClassifier_Apply_BatchUsesBatchAction(t *testing.T) {
	store := newFakeStore()
	c := newTestClassifier(store, sampleRules)

	out, err := c.Apply(context.Background(), nil, Failure{CredentialID: 1, Code: intPtr(429)}, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Action != domain.RetrySame {
		t.Errorf("expected batch action retry_same, got %s", out.Action)
	}
}

func TestClassifier_Apply_DeactivatingRule(t *testing.T) {
	store := newFakeStore()
	c := newTestClassifier(store, sampleRules)

	_, err := c.Apply(context.Background(), nil, Failure{CredentialID: 9, Message: "User is suspended"}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.health) != 1 || !store.health[0].deactivate || store.health[0].health != domain.HealthSuspended {
		t.Errorf("expected suspended + deactivate, got %+v", store.health)
	}
}

func TestClassifier_Apply_NoMatchDefaults(t *testing.T) {
	tests := []struct {
		batch bool
		want  domain.RetryAction
	}{
		{false, domain.RetryNew},
		{true, domain.Skip},
	}

	for _, tt := range tests {
		store := newFakeStore()
		c := newTestClassifier(store, sampleRules)

		out, err := c.Apply(context.Background(), nil, Failure{CredentialID: 3, Message: "weird"}, tt.batch)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out.Action != tt.want {
			t.Errorf("batch=%v: expected %s, got %s", tt.batch, tt.want, out.Action)
		}
		if out.Rule != nil {
			t.Error("expected no rule")
		}
		if _, ok := store.failures[3]; !ok {
			t.Error("failure counter should be incremented")
		}
		if len(store.health) != 0 {
			t.Error("health must not change without a rule")
		}
		if len(store.logs) != 1 || store.logs[0].RuleID != nil {
			t.Error("unmatched classification must still be logged")
		}
	}
}

func TestClassifier_Apply_TruncatesMessages(t *testing.T) {
	store := newFakeStore()
	c := newTestClassifier(store, nil)

	long := strings.Repeat("x", 3000)
	if _, err := c.Apply(context.Background(), nil, Failure{CredentialID: 1, Message: long}, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := len(store.logs[0].Message); n != maxLogMessage {
		t.Errorf("error log message should be %d chars, got %d", maxLogMessage, n)
	}
	if n := len(store.failures[1]); n != maxLastError {
		t.Errorf("last error should be %d chars, got %d", maxLastError, n)
	}
}

func TestClassifier_Apply_LogFailureAborts(t *testing.T) {
	store := newFakeStore()
	store.logErr = errors.New("insert failed")
	c := newTestClassifier(store, sampleRules)

	if _, err := c.Apply(context.Background(), nil, Failure{CredentialID: 1}, false); err == nil {
		t.Error("expected error when audit insert fails")
	}
	if len(store.failures) != 0 {
		t.Error("credential must not be touched after audit failure")
	}
}
