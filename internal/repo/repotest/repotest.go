// Package repotest подготавливает Postgres для интеграционных тестов.
//
// Тесты запускаются, только если задан XDISPATCH_TEST_DB_URL. Каждый тест
// заводит собственного актора и deck, поэтому пакеты можно гонять
// параллельно на одной базе без очистки таблиц.
package repotest

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/xdispatch/internal/domain"
	"github.com/shaiso/xdispatch/internal/repo"
)

// EnvDSN — переменная окружения с DSN тестовой базы.
const EnvDSN = "XDISPATCH_TEST_DB_URL"

// Open подключается к тестовой базе и применяет миграции.
// Без EnvDSN тест пропускается.
func Open(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv(EnvDSN)
	if dsn == "" {
		t.Skip("set " + EnvDSN + " to run Postgres integration tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := repo.NewPool(ctx, dsn, 20)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := repo.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

// Account заводит актора и возвращает его ID.
func Account(t *testing.T, pool *pgxpool.Pool) (id int64, token string) {
	t.Helper()
	token = uuid.NewString()
	err := pool.QueryRow(context.Background(),
		`INSERT INTO accounts (name, api_token) VALUES ('itest', $1) RETURNING id`, token,
	).Scan(&id)
	if err != nil {
		t.Fatalf("insert account: %v", err)
	}
	return id, token
}

// Deck заводит deck актора.
func Deck(t *testing.T, pool *pgxpool.Pool, ownerID int64) int64 {
	t.Helper()
	var id int64
	err := pool.QueryRow(context.Background(),
		`INSERT INTO decks (owner_id, name, proxy, proxy_request)
		 VALUES ($1, 'itest', 'http://proxy:1', 'http://proxy:2') RETURNING id`, ownerID,
	).Scan(&id)
	if err != nil {
		t.Fatalf("insert deck: %v", err)
	}
	return id
}

// CredentialOpts — отклонения от здоровой credential по умолчанию.
type CredentialOpts struct {
	Health   domain.HealthState
	Inactive bool
	NoSecret bool
}

// Credential заводит credential в deck. По умолчанию активна, здорова
// и с обоими секретами.
func Credential(t *testing.T, pool *pgxpool.Pool, deckID int64, opts CredentialOpts) int64 {
	t.Helper()
	health := opts.Health
	if health == "" {
		health = domain.HealthHealthy
	}
	csrf := "ct0-" + uuid.NewString()
	if opts.NoSecret {
		csrf = ""
	}

	var id int64
	err := pool.QueryRow(context.Background(),
		`INSERT INTO credentials (deck_id, nick, auth_token, csrf_token, is_active, health)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6) RETURNING id`,
		deckID, "nick-"+uuid.NewString()[:8], "auth-"+uuid.NewString(), csrf, !opts.Inactive, string(health),
	).Scan(&id)
	if err != nil {
		t.Fatalf("insert credential: %v", err)
	}
	return id
}

// ActionJob заводит queued discrete job.
func ActionJob(t *testing.T, pool *pgxpool.Pool, ownerID int64, deckID *int64, jobType string) int64 {
	t.Helper()
	var id int64
	err := pool.QueryRow(context.Background(),
		`INSERT INTO action_jobs (owner_id, deck_id, type, url, quantity)
		 VALUES ($1, $2, $3, 'https://x.com/a/status/1', 5) RETURNING id`,
		ownerID, deckID, jobType,
	).Scan(&id)
	if err != nil {
		t.Fatalf("insert action job: %v", err)
	}
	return id
}

// WarmerJob заводит queued warmer кампанию.
func WarmerJob(t *testing.T, pool *pgxpool.Pool, ownerID, deckID int64, jobType, group string, total int) int64 {
	t.Helper()
	var id int64
	err := pool.QueryRow(context.Background(),
		`INSERT INTO warmer_jobs (owner_id, deck_id, type, nick_group, apm, total)
		 VALUES ($1, $2, $3, $4, 6, $5) RETURNING id`,
		ownerID, deckID, jobType, group, total,
	).Scan(&id)
	if err != nil {
		t.Fatalf("insert warmer job: %v", err)
	}
	return id
}

// ScrapingJob заводит queued scraping кампанию с фильтрами курсора.
func ScrapingJob(t *testing.T, pool *pgxpool.Pool, ownerID int64, jobType string, filters map[string]string, total int) int64 {
	t.Helper()
	cursor, err := json.Marshal(domain.Cursor{Filters: filters})
	if err != nil {
		t.Fatalf("marshal cursor: %v", err)
	}
	var id int64
	err = pool.QueryRow(context.Background(),
		`INSERT INTO scraping_jobs (owner_id, type, cursor, total)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		ownerID, jobType, cursor, total,
	).Scan(&id)
	if err != nil {
		t.Fatalf("insert scraping job: %v", err)
	}
	return id
}

// Nick заводит активный nick в группе с URL tweets.
func Nick(t *testing.T, pool *pgxpool.Pool, group string, tweets []string) int64 {
	t.Helper()
	if tweets == nil {
		tweets = []string{}
	}
	raw, err := json.Marshal(tweets)
	if err != nil {
		t.Fatalf("marshal tweets: %v", err)
	}
	var id int64
	err = pool.QueryRow(context.Background(),
		`INSERT INTO nicks (handle, group_name, tweets) VALUES ($1, $2, $3) RETURNING id`,
		"h_"+uuid.NewString()[:8], group, raw,
	).Scan(&id)
	if err != nil {
		t.Fatalf("insert nick: %v", err)
	}
	return id
}

// Group возвращает уникальное имя группы nicks для теста.
func Group() string {
	return "itest-" + uuid.NewString()
}
