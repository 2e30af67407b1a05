package repo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/xdispatch/internal/domain"
)

const credentialColumns = `c.id, c.deck_id, c.nick,
	COALESCE(c.auth_token, ''), COALESCE(c.csrf_token, ''), COALESCE(c.cookies_full, ''),
	c.is_active, c.health, COALESCE(c.locked_by, ''), c.locked_at, c.last_used_at, c.last_warmed_at,
	c.consecutive_failures, COALESCE(c.last_error, ''), COALESCE(c.twitter_user_id, ''),
	c.followers_count, c.following_count, c.profile_img, c.location, c.bio, c.bio_link`

// usableCondition — credential активен, здоров и с обоими секретами.
var usableCondition = func() string {
	blocked := make([]string, len(domain.BlockedHealthStates))
	for i, h := range domain.BlockedHealthStates {
		blocked[i] = "'" + string(h) + "'"
	}
	return `c.is_active
		AND c.health NOT IN (` + strings.Join(blocked, ", ") + `)
		AND COALESCE(c.auth_token, '') <> ''
		AND COALESCE(c.csrf_token, '') <> ''`
}()

// notUsedOnTarget исключает credentials, уже успешно выполнившие
// действие $3 над целью $2. Пустой target_key снимает проверку.
const notUsedOnTarget = `($2::text = '' OR c.id NOT IN (
		SELECT ca.credential_id FROM credential_actions ca
		WHERE ca.target_key = $2::text AND ca.action_type = $3::text AND ca.outcome = 'success'))`

// LeaseQuery — параметры выборки кандидатов на lease.
type LeaseQuery struct {
	DeckID     int64
	ActionType string
	TargetKey  string
	WorkerID   string
	Limit      int
}

// CredentialAction — строка аудита использования credential.
type CredentialAction struct {
	CredentialID int64
	ActionType   string
	TargetKey    string
	TargetURL    string
	Success      bool
	ErrorDetail  string
}

// DeckCredential — credential вместе с прокси его deck.
type DeckCredential struct {
	domain.Credential
	Proxy domain.DeckProxy
}

// CredentialPage — страница credentials для кампании.
type CredentialPage struct {
	After      int64
	DeckID     *int64
	Active     *bool
	UsableOnly bool
	Limit      int
}

// CredentialRepo — репозиторий credentials и аудита их использования.
type CredentialRepo struct {
	pool *pgxpool.Pool
}

// NewCredentialRepo создаёт новый CredentialRepo.
func NewCredentialRepo(pool *pgxpool.Pool) *CredentialRepo {
	return &CredentialRepo{pool: pool}
}

// Pool возвращает пул, чтобы сервисы могли открыть транзакцию.
func (r *CredentialRepo) Pool() *pgxpool.Pool {
	return r.pool
}

// AcquireExclusive выбирает до q.Limit свободных credentials по LRU и
// помечает их занятыми worker-instance. Занятые другими транзакциями
// строки пропускаются. Должен вызываться внутри транзакции.
func (r *CredentialRepo) AcquireExclusive(ctx context.Context, tx pgx.Tx, q LeaseQuery) ([]domain.Credential, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+credentialColumns+`
		 FROM credentials c
		 WHERE c.deck_id = $1
		   AND `+usableCondition+`
		   AND NOT c.locked
		   AND `+notUsedOnTarget+`
		 ORDER BY c.last_used_at ASC NULLS FIRST, c.id ASC
		 LIMIT $4
		 FOR UPDATE SKIP LOCKED`,
		q.DeckID, q.TargetKey, q.ActionType, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("select lease candidates: %w", err)
	}
	creds, err := collectCredentials(rows)
	if err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(creds))
	for i := range creds {
		ids[i] = creds[i].ID
	}

	var lockedAt time.Time
	err = tx.QueryRow(ctx,
		`WITH upd AS (
			UPDATE credentials
			SET locked = TRUE, locked_by = $2, locked_at = now(), updated_at = now()
			WHERE id = ANY($1)
			RETURNING locked_at
		 )
		 SELECT max(locked_at) FROM upd`,
		ids, q.WorkerID).Scan(&lockedAt)
	if err != nil {
		return nil, fmt.Errorf("mark leased: %w", err)
	}
	for i := range creds {
		creds[i].LockedBy = q.WorkerID
		creds[i].LockedAt = &lockedAt
	}
	return creds, nil
}

// AcquireShared выбирает credentials для shared-read действия: без
// блокировки и без дедупликации по цели.
func (r *CredentialRepo) AcquireShared(ctx context.Context, q LeaseQuery) ([]domain.Credential, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+credentialColumns+`
		 FROM credentials c
		 WHERE c.deck_id = $1 AND `+usableCondition+`
		 ORDER BY c.last_used_at ASC NULLS FIRST, c.id ASC
		 LIMIT $2`,
		q.DeckID, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("select shared candidates: %w", err)
	}
	return collectCredentials(rows)
}

// ListUsable возвращает все пригодные credentials deck по LRU.
// Используется как inline-снимок для view и scraping jobs.
func (r *CredentialRepo) ListUsable(ctx context.Context, deckID int64) ([]domain.Credential, error) {
	return r.AcquireShared(ctx, LeaseQuery{DeckID: deckID, Limit: 10000})
}

// Diagnose считает, сколько credentials deck проходит каждый фильтр.
func (r *CredentialRepo) Diagnose(ctx context.Context, q Querier, lq LeaseQuery) (domain.LeaseDiagnostics, error) {
	var d domain.LeaseDiagnostics
	err := q.QueryRow(ctx,
		`SELECT
			count(*),
			count(*) FILTER (WHERE c.is_active),
			count(*) FILTER (WHERE c.is_active
				AND COALESCE(c.auth_token, '') <> '' AND COALESCE(c.csrf_token, '') <> ''),
			count(*) FILTER (WHERE `+usableCondition+`),
			count(*) FILTER (WHERE `+usableCondition+` AND NOT c.locked)
		 FROM credentials c
		 WHERE c.deck_id = $1`,
		lq.DeckID,
	).Scan(&d.Total, &d.Active, &d.WithSecrets, &d.Healthy, &d.Unlocked)
	if err != nil {
		return d, fmt.Errorf("diagnose deck %d: %w", lq.DeckID, err)
	}

	if lq.TargetKey != "" && !domain.IsSharedRead(lq.ActionType) {
		err = q.QueryRow(ctx,
			`SELECT count(*) FROM credential_actions
			 WHERE target_key = $1 AND action_type = $2 AND outcome = 'success'`,
			lq.TargetKey, lq.ActionType,
		).Scan(&d.AlreadyUsedOnTarget)
		if err != nil {
			return d, fmt.Errorf("count target usage: %w", err)
		}
	}
	return d, nil
}

// Get возвращает credential по ID.
func (r *CredentialRepo) Get(ctx context.Context, q Querier, id int64) (*domain.Credential, error) {
	rows, err := q.Query(ctx, `SELECT `+credentialColumns+` FROM credentials c WHERE c.id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get credential %d: %w", id, err)
	}
	creds, err := collectCredentials(rows)
	if err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		return nil, ErrNotFound
	}
	return &creds[0], nil
}

// Owners возвращает владельца (актора) deck для каждого credential.
func (r *CredentialRepo) Owners(ctx context.Context, q Querier, ids []int64) (map[int64]int64, error) {
	rows, err := q.Query(ctx,
		`SELECT c.id, d.owner_id FROM credentials c JOIN decks d ON d.id = c.deck_id WHERE c.id = ANY($1)`,
		ids)
	if err != nil {
		return nil, fmt.Errorf("credential owners: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]int64, len(ids))
	for rows.Next() {
		var id, owner int64
		if err := rows.Scan(&id, &owner); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		out[id] = owner
	}
	return out, rows.Err()
}

// DeckOwner возвращает актора-владельца deck.
func (r *CredentialRepo) DeckOwner(ctx context.Context, q Querier, deckID int64) (int64, error) {
	var owner int64
	err := q.QueryRow(ctx, `SELECT owner_id FROM decks WHERE id = $1`, deckID).Scan(&owner)
	if err != nil {
		return 0, fmt.Errorf("deck %d owner: %w", deckID, notFound(err))
	}
	return owner, nil
}

// LeaseHolder блокирует строку credential до конца транзакции и
// возвращает владельца её deck и worker, который держит lease
// ("" — lease не выдан).
func (r *CredentialRepo) LeaseHolder(ctx context.Context, tx pgx.Tx, id int64) (owner int64, holder string, err error) {
	err = tx.QueryRow(ctx,
		`SELECT d.owner_id, COALESCE(c.locked_by, '')
		 FROM credentials c JOIN decks d ON d.id = c.deck_id
		 WHERE c.id = $1
		 FOR UPDATE OF c`,
		id,
	).Scan(&owner, &holder)
	if err != nil {
		return 0, "", fmt.Errorf("credential %d holder: %w", id, notFound(err))
	}
	return owner, holder, nil
}

// MarkSuccess: lease снят (если release), сбой сброшен, health = healthy.
func (r *CredentialRepo) MarkSuccess(ctx context.Context, q Querier, id int64, release, warmed bool) error {
	set := `last_used_at = now(), consecutive_failures = 0, health = 'healthy', last_error = NULL, updated_at = now()`
	if warmed {
		set += `, last_warmed_at = now()`
	}
	if release {
		set += `, ` + unlockSet
	}
	if _, err := q.Exec(ctx, `UPDATE credentials SET `+set+` WHERE id = $1`, id); err != nil {
		return fmt.Errorf("mark credential %d success: %w", id, err)
	}
	return nil
}

// TouchAfterFailure обновляет last_used_at и снимает lease (если release).
// Health и счётчик сбоев меняет классификатор.
func (r *CredentialRepo) TouchAfterFailure(ctx context.Context, q Querier, id int64, release bool) error {
	set := `last_used_at = now(), updated_at = now()`
	if release {
		set += `, ` + unlockSet
	}
	if _, err := q.Exec(ctx, `UPDATE credentials SET `+set+` WHERE id = $1`, id); err != nil {
		return fmt.Errorf("touch credential %d: %w", id, err)
	}
	return nil
}

const unlockSet = `locked = FALSE, locked_by = NULL, locked_at = NULL`

// RecordFailure увеличивает счётчик сбоев и сохраняет последнюю ошибку.
//
// После domain.DeadAfterFailures сбоев подряд credential становится dead
// (suspended и locked_out сохраняются), после domain.DegradedAfterFailures
// healthy или unknown становится degraded.
func (r *CredentialRepo) RecordFailure(ctx context.Context, q Querier, id int64, message string) error {
	_, err := q.Exec(ctx,
		`UPDATE credentials
		 SET consecutive_failures = consecutive_failures + 1,
		     last_error = $2,
		     health = CASE
		         WHEN consecutive_failures + 1 >= $4 AND health NOT IN ('suspended', 'locked_out') THEN 'dead'
		         WHEN consecutive_failures + 1 >= $3 AND health IN ('healthy', 'unknown') THEN 'degraded'
		         ELSE health
		     END,
		     updated_at = now()
		 WHERE id = $1`,
		id, message, domain.DegradedAfterFailures, domain.DeadAfterFailures)
	if err != nil {
		return fmt.Errorf("record credential %d failure: %w", id, err)
	}
	return nil
}

// ApplyHealth выставляет health (и деактивирует при необходимости)
// вместе с учётом сбоя.
func (r *CredentialRepo) ApplyHealth(ctx context.Context, q Querier, id int64, health domain.HealthState, message string, deactivate bool) error {
	_, err := q.Exec(ctx,
		`UPDATE credentials
		 SET consecutive_failures = consecutive_failures + 1,
		     last_error = $2,
		     health = $3,
		     is_active = CASE WHEN $4::bool THEN FALSE ELSE is_active END,
		     updated_at = now()
		 WHERE id = $1`,
		id, message, string(health), deactivate)
	if err != nil {
		return fmt.Errorf("apply health to credential %d: %w", id, err)
	}
	return nil
}

// ApplyRotatedSecret сохраняет обновлённые cookies. Пустые секреты
// не затирают текущие значения.
func (r *CredentialRepo) ApplyRotatedSecret(ctx context.Context, q Querier, id int64, s domain.RotatedSecret) error {
	_, err := q.Exec(ctx,
		`UPDATE credentials
		 SET cookies_full = $2,
		     csrf_token = COALESCE(NULLIF($3, ''), csrf_token),
		     auth_token = COALESCE(NULLIF($4, ''), auth_token),
		     updated_at = now()
		 WHERE id = $1`,
		id, s.Raw, s.CSRFToken, s.AuthToken)
	if err != nil {
		return fmt.Errorf("rotate secret of credential %d: %w", id, err)
	}
	return nil
}

// ApplyProfile сохраняет профиль, собранный scraping, и отмечает
// credential здоровым.
func (r *CredentialRepo) ApplyProfile(ctx context.Context, q Querier, id int64, nick string, p domain.Profile) error {
	_, err := q.Exec(ctx,
		`UPDATE credentials
		 SET nick = COALESCE(NULLIF($2, ''), nick),
		     twitter_user_id = COALESCE(NULLIF($3, ''), twitter_user_id),
		     followers_count = $4, following_count = $5,
		     profile_img = $6, location = $7, bio = $8, bio_link = $9,
		     is_active = TRUE, health = 'healthy',
		     consecutive_failures = 0, last_error = NULL, updated_at = now()
		 WHERE id = $1`,
		id, nick, p.TwitterUserID, p.Followers, p.Following,
		p.ImageURL, p.Location, p.Bio, p.BioLink)
	if err != nil {
		return fmt.Errorf("apply profile to credential %d: %w", id, err)
	}
	return nil
}

// InsertAction пишет строку аудита в credential_actions.
func (r *CredentialRepo) InsertAction(ctx context.Context, q Querier, a CredentialAction) error {
	outcome := "fail"
	if a.Success {
		outcome = "success"
	}
	_, err := q.Exec(ctx,
		`INSERT INTO credential_actions (credential_id, action_type, target_key, target_url, outcome, error_detail)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.CredentialID, a.ActionType, a.TargetKey, a.TargetURL, outcome, nullString(a.ErrorDetail))
	if err != nil {
		return fmt.Errorf("insert credential action: %w", err)
	}
	return nil
}

// NextPage возвращает credentials с id > p.After по возрастанию id.
func (r *CredentialRepo) NextPage(ctx context.Context, p CredentialPage) ([]DeckCredential, error) {
	where := `c.id > $1
		AND ($2::bigint IS NULL OR c.deck_id = $2)
		AND ($3::bool IS NULL OR c.is_active = $3)`
	if p.UsableOnly {
		where += ` AND ` + usableCondition
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+credentialColumns+`, d.proxy, d.proxy_request, d.proxy_boost
		 FROM credentials c
		 LEFT JOIN decks d ON d.id = c.deck_id
		 WHERE `+where+`
		 ORDER BY c.id ASC
		 LIMIT $4`,
		p.After, p.DeckID, p.Active, p.Limit)
	if err != nil {
		return nil, fmt.Errorf("next credential page: %w", err)
	}
	defer rows.Close()

	var out []DeckCredential
	for rows.Next() {
		var (
			dc                        DeckCredential
			proxy, proxyReq, proxyBst *string
		)
		dest := append(credentialDest(&dc.Credential), &proxy, &proxyReq, &proxyBst)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan credential page: %w", err)
		}
		finishCredential(&dc.Credential)
		dc.Proxy = domain.DeckProxy{
			Proxy:        derefString(proxy),
			ProxyRequest: derefString(proxyReq),
			ProxyBoost:   derefString(proxyBst),
		}
		out = append(out, dc)
	}
	return out, rows.Err()
}

// DeckProxy возвращает прокси-настройки deck.
func (r *CredentialRepo) DeckProxy(ctx context.Context, deckID int64) (domain.DeckProxy, error) {
	var proxy, proxyReq, proxyBoost *string
	err := r.pool.QueryRow(ctx,
		`SELECT proxy, proxy_request, proxy_boost FROM decks WHERE id = $1`, deckID,
	).Scan(&proxy, &proxyReq, &proxyBoost)
	if err != nil {
		return domain.DeckProxy{}, fmt.Errorf("deck %d proxy: %w", deckID, notFound(err))
	}
	return domain.DeckProxy{
		Proxy:        derefString(proxy),
		ProxyRequest: derefString(proxyReq),
		ProxyBoost:   derefString(proxyBoost),
	}, nil
}

// ReclaimExpired снимает leases старше timeout.
func (r *CredentialRepo) ReclaimExpired(ctx context.Context, timeout time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE credentials SET `+unlockSet+`, updated_at = now()
		 WHERE locked AND locked_at < now() - make_interval(secs => $1)`,
		timeout.Seconds())
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeActions удаляет аудит старше retention.
func (r *CredentialRepo) PurgeActions(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM credential_actions WHERE created_at < now() - make_interval(secs => $1)`,
		retention.Seconds())
	if err != nil {
		return 0, fmt.Errorf("purge credential actions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// LeasedCount возвращает количество credentials под lease.
func (r *CredentialRepo) LeasedCount(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM credentials WHERE locked`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count leased: %w", err)
	}
	return n, nil
}

func credentialDest(c *domain.Credential) []any {
	return []any{
		&c.ID, &c.DeckID, &c.Nick, &c.AuthToken, &c.CSRFToken, &c.CookiesFull,
		&c.Active, &c.Health, &c.LockedBy, &c.LockedAt, &c.LastUsedAt, &c.LastWarmedAt,
		&c.ConsecutiveFailures, &c.LastError, &c.Profile.TwitterUserID, &c.Profile.Followers,
		&c.Profile.Following, &c.Profile.ImageURL, &c.Profile.Location, &c.Profile.Bio, &c.Profile.BioLink,
	}
}

func finishCredential(c *domain.Credential) {
	if c.Health == "" {
		c.Health = domain.HealthUnknown
	}
}

func collectCredentials(rows pgx.Rows) ([]domain.Credential, error) {
	defer rows.Close()

	var out []domain.Credential
	for rows.Next() {
		var c domain.Credential
		if err := rows.Scan(credentialDest(&c)...); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		finishCredential(&c)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return out, nil
}
