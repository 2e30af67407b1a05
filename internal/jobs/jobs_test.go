package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shaiso/xdispatch/internal/domain"
)

// --- Helper Tests ---

func TestClampTargets(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{-1, 1},
		{0, 1},
		{1, 1},
		{20, 20},
		{MaxTargets, MaxTargets},
		{MaxTargets + 1, MaxTargets},
	}
	for _, tt := range tests {
		if got := ClampTargets(tt.in); got != tt.want {
			t.Errorf("ClampTargets(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestViewsPerMinute(t *testing.T) {
	tests := map[string]int{
		"":     defaultViewsPerMinute,
		"120":  120,
		" 45 ": 45,
		"0":    defaultViewsPerMinute,
		"-3":   defaultViewsPerMinute,
		"fast": defaultViewsPerMinute,
		"1000": 1000,
	}
	for in, want := range tests {
		if got := ViewsPerMinute(in); got != want {
			t.Errorf("ViewsPerMinute(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestFinishedEvent(t *testing.T) {
	j := &domain.Job{
		ID:       7,
		Family:   domain.FamilyDiscrete,
		OwnerID:  3,
		Type:     "like",
		State:    domain.JobCompleted,
		Counters: domain.Counters{Attempted: 5},
		ChatID:   "-100",
		Action:   &domain.ActionDetails{URL: "https://x.com/a/status/1", Quantity: 5},
	}
	ev := FinishedEvent(j)
	if ev.JobID != 7 || ev.OwnerID != 3 || ev.URL != j.Action.URL || ev.Quantity != 5 || ev.ChatID != "-100" {
		t.Errorf("unexpected event: %+v", ev)
	}

	// У кампаний нет URL и quantity
	ev = FinishedEvent(&domain.Job{ID: 8, Family: domain.FamilyWarmer, Total: 7})
	if ev.URL != "" || ev.Quantity != 0 || ev.Total != 7 {
		t.Errorf("unexpected campaign event: %+v", ev)
	}
}

func TestNopNotifier(t *testing.T) {
	if err := (NopNotifier{}).JobFinished(context.Background(), domain.JobFinished{}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCredentialScrape_Decode(t *testing.T) {
	raw := `{"health":"","profile":{"screen_name":"alice","twitter_user_id":"42","followers_count":10,"bio":"hi"}}`
	var res CredentialScrape
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.Profile == nil {
		t.Fatal("profile should be decoded")
	}
	if res.Profile.ScreenName != "alice" || res.Profile.TwitterUserID != "42" || res.Profile.Followers != 10 || res.Profile.Bio != "hi" {
		t.Errorf("unexpected profile: %+v", res.Profile)
	}
}

// --- Validation Tests ---

// Некорректные запросы отклоняются до обращения к хранилищу,
// поэтому Service без репозиториев их проходит.

func TestService_RejectsMalformedRequests(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()

	checks := []struct {
		name string
		err  error
	}{
		{"accept without id", s.Accept(ctx, 0, "w")},
		{"reject without id", s.Reject(ctx, -1, "w")},
		{"negative progress", s.Progress(ctx, 1, "w", -2)},
		{"snapshot not json", s.AttachSnapshot(ctx, 1, "w", json.RawMessage(`{broken`))},
		{"empty snapshot", s.AttachSnapshot(ctx, 1, "w", nil)},
		{"stop without id", s.Stop(ctx, 1, 0)},
	}
	for _, c := range checks {
		if !errors.Is(c.err, ErrMalformed) {
			t.Errorf("%s: expected ErrMalformed, got %v", c.name, c.err)
		}
	}

	for _, status := range []string{"", "done", "awaiting_acceptance"} {
		if _, err := s.ReportStatus(ctx, 1, 1, "w", status, ""); !errors.Is(err, ErrMalformed) {
			t.Errorf("status %q: expected ErrMalformed, got %v", status, err)
		}
	}

	if _, err := s.ClaimCampaign(ctx, domain.FamilyDiscrete, 1, "w"); !errors.Is(err, ErrMalformed) {
		t.Errorf("discrete campaign claim: expected ErrMalformed, got %v", err)
	}
	if _, err := s.NextTargets(ctx, domain.FamilyDiscrete, 1, 1, "w", 1); !errors.Is(err, ErrMalformed) {
		t.Errorf("discrete next: expected ErrMalformed, got %v", err)
	}
	if _, _, err := s.SignalDrained(ctx, domain.FamilyScraping, 1, 0, "w"); !errors.Is(err, ErrMalformed) {
		t.Errorf("drained without id: expected ErrMalformed, got %v", err)
	}
	if _, err := s.ApplyWarmerResult(ctx, 1, "w1", WarmerResult{JobID: 1}); !errors.Is(err, ErrMalformed) {
		t.Errorf("warmer result without credential: expected ErrMalformed, got %v", err)
	}
	if _, _, err := s.ApplyScrapingResults(ctx, 1, 1, "w1", nil); !errors.Is(err, ErrMalformed) {
		t.Errorf("empty scraping batch: expected ErrMalformed, got %v", err)
	}
}
