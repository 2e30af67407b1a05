package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/shaiso/xdispatch/internal/domain"
)

func TestDecode(t *testing.T) {
	env, err := Decode([]byte(`{"type":"progress","action_id":7,"quantity":3}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Type != TypeProgress {
		t.Errorf("expected progress, got %q", env.Type)
	}

	var p Progress
	if err := env.Bind(&p); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if p.ActionID != 7 || p.Quantity != 3 {
		t.Errorf("unexpected body: %+v", p)
	}
}

func TestDecode_Malformed(t *testing.T) {
	inputs := []string{
		`not json`,
		`{"action_id":1}`,
		`{"type":""}`,
		`[]`,
	}
	for _, in := range inputs {
		if _, err := Decode([]byte(in)); !errors.Is(err, ErrMalformed) {
			t.Errorf("Decode(%q): expected ErrMalformed, got %v", in, err)
		}
	}
}

func TestBind_WrongFieldType(t *testing.T) {
	env, err := Decode([]byte(`{"type":"progress","action_id":"seven"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var p Progress
	if err := env.Bind(&p); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestTokenFrom_UsesWorkerFieldNames(t *testing.T) {
	msg := NewTokenAssigned(domain.Credential{
		ID:        12,
		Nick:      "alice",
		AuthToken: "a",
		CSRFToken: "c",
	})
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	s := string(data)
	for _, want := range []string{`"type":"token_assigned"`, `"token_id":12`, `"ct0":"c"`, `"auth_token":"a"`} {
		if !strings.Contains(s, want) {
			t.Errorf("expected %s in %s", want, s)
		}
	}
}

func TestNewCampaignJob(t *testing.T) {
	warmer := &domain.Job{
		ID:     3,
		Family: domain.FamilyWarmer,
		Type:   "like",
		Warmer: &domain.WarmerDetails{DeckID: 9, NickGroup: "g1", APM: 4},
	}
	msg := NewCampaignJob(warmer, nil)
	if msg.Type != TypeWarmerJob {
		t.Errorf("expected warmer_job, got %s", msg.Type)
	}
	if msg.Job.DeckID != 9 || msg.Job.NickGroup != "g1" {
		t.Errorf("warmer details not copied: %+v", msg.Job)
	}

	scraping := &domain.Job{
		ID:     4,
		Family: domain.FamilyScraping,
		Type:   domain.ScrapeCredentialHealth,
		Cursor: domain.Cursor{Filters: map[string]string{domain.FilterDeckID: "2"}},
	}
	msg = NewCampaignJob(scraping, []domain.Credential{{ID: 1}})
	if msg.Type != TypeScrapingJob {
		t.Errorf("expected scraping_job, got %s", msg.Type)
	}
	if len(msg.ScraperTokens) != 1 {
		t.Error("scraper tokens should be attached")
	}
	if msg.Job.Filters[domain.FilterDeckID] != "2" {
		t.Error("filters should be exposed")
	}
}

func TestNewCampaignDone(t *testing.T) {
	j := &domain.Job{
		ID:       5,
		Family:   domain.FamilyScraping,
		Counters: domain.Counters{Attempted: 7, Succeeded: 6, Failed: 1},
		Total:    7,
	}
	done := NewCampaignDone(j)
	if done.Type != TypeScrapingDone || done.Total != 7 || done.Succeeded != 6 || done.Failed != 1 {
		t.Errorf("unexpected done: %+v", done)
	}
	if DoneType(domain.FamilyWarmer) != TypeWarmerDone {
		t.Error("warmer family should map to warmer_done")
	}
}
