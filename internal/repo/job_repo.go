package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/xdispatch/internal/domain"
)

// familyTable описывает, где и в какой форме лежат jobs семейства.
//
// extras — проекция полей конкретного семейства. У всех семейств она
// одной формы, поэтому один scanJob читает любую таблицу.
type familyTable struct {
	table  string
	from   string
	extras string
	// claimFilter — дополнительное условие выборки при claim.
	claimFilter string
	// requeueSet — дополнительные присваивания при возврате в очередь.
	requeueSet string
}

const jobCommonColumns = `j.id, j.owner_id, j.type, j.state, j.worker_id,
	j.attempted, j.succeeded, j.failed, j.total, j.cursor,
	j.started_at, j.completed_at, j.created_at`

var familyTables = map[domain.Family]familyTable{
	domain.FamilyDiscrete: {
		table: "action_jobs",
		from:  "action_jobs j LEFT JOIN decks d ON d.id = j.deck_id",
		extras: `d.chat_id, j.deck_id, j.url, j.quantity, j.comment, j.util,
			j.boost, j.request, j.module, j.media, j.scheduled_at,
			NULL::text, 0, 0`,
		claimFilter: "AND (j.scheduled_at IS NULL OR j.scheduled_at <= now())",
	},
	domain.FamilyWarmer: {
		table: "warmer_jobs",
		from:  "warmer_jobs j",
		extras: `j.chat_id, j.deck_id, ''::text, 0, NULL::text, NULL::text,
			0, j.request, ''::text, NULL::text, NULL::timestamptz,
			j.nick_group, j.apm, j.threads`,
		requeueSet: ", dispatched = attempted",
	},
	domain.FamilyScraping: {
		table: "scraping_jobs",
		from:  "scraping_jobs j",
		extras: `j.chat_id, NULL::bigint, ''::text, 0, NULL::text, NULL::text,
			0, 0, ''::text, NULL::text, NULL::timestamptz,
			NULL::text, 0, 0`,
		requeueSet: ", dispatched = attempted",
	},
}

func tableFor(family domain.Family) (familyTable, error) {
	ft, ok := familyTables[family]
	if !ok {
		return familyTable{}, fmt.Errorf("unknown family %q: %w", family, ErrInvalidState)
	}
	return ft, nil
}

func (ft familyTable) selectSQL() string {
	return "SELECT " + jobCommonColumns + ",\n\t" + ft.extras + "\nFROM " + ft.from
}

// StatusResult — результат отчёта о статусе discrete job.
type StatusResult struct {
	Job *domain.Job

	// Finished — этот отчёт перевёл job в финальное состояние.
	Finished bool
}

// JobRepo — репозиторий jobs всех трёх семейств.
type JobRepo struct {
	pool *pgxpool.Pool
}

// NewJobRepo создаёт новый JobRepo.
func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

// Claim атомарно забирает самую старую queued job актора.
//
// jobType == "" означает любой тип. Строки, заблокированные другими
// транзакциями, пропускаются (SKIP LOCKED). Если подходящей job нет,
// возвращает ErrNotFound.
func (r *JobRepo) Claim(ctx context.Context, family domain.Family, ownerID int64, jobType, workerID string) (*domain.Job, error) {
	ft, err := tableFor(family)
	if err != nil {
		return nil, err
	}

	query := ft.selectSQL() + `
		WHERE j.state = 'queued'
		  AND j.owner_id = $1
		  AND ($2::text = '' OR j.type = $2::text)
		  ` + ft.claimFilter + `
		ORDER BY j.id ASC
		LIMIT 1
		FOR UPDATE OF j SKIP LOCKED`

	var job *domain.Job
	err = InTx(ctx, r.pool, func(tx pgx.Tx) error {
		j, err := scanJob(family, tx.QueryRow(ctx, query, ownerID, jobType))
		if err != nil {
			return err
		}

		state := family.ClaimState()
		var startedAt time.Time
		err = tx.QueryRow(ctx,
			`UPDATE `+ft.table+`
			 SET state = $2, worker_id = $3, started_at = COALESCE(started_at, now())
			 WHERE id = $1
			 RETURNING started_at`,
			j.ID, state, workerID,
		).Scan(&startedAt)
		if err != nil {
			return fmt.Errorf("mark claimed: %w", err)
		}

		j.State = state
		j.WorkerID = workerID
		j.StartedAt = &startedAt
		job = j
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("claim %s job: %w", family, err)
	}
	return job, nil
}

// Get возвращает job по ID.
func (r *JobRepo) Get(ctx context.Context, family domain.Family, id int64) (*domain.Job, error) {
	ft, err := tableFor(family)
	if err != nil {
		return nil, err
	}
	return scanJob(family, r.pool.QueryRow(ctx, ft.selectSQL()+"\nWHERE j.id = $1", id))
}

// ListFilter — фильтр списка jobs для admin API.
type ListFilter struct {
	OwnerID int64
	State   domain.JobState
	Limit   int
}

// List возвращает jobs семейства, новые первыми.
func (r *JobRepo) List(ctx context.Context, family domain.Family, f ListFilter) ([]domain.Job, error) {
	ft, err := tableFor(family)
	if err != nil {
		return nil, err
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := ft.selectSQL() + `
		WHERE ($1::bigint = 0 OR j.owner_id = $1)
		  AND ($2::text = '' OR j.state = $2::text)
		ORDER BY j.id DESC
		LIMIT $3`
	rows, err := r.pool.Query(ctx, query, f.OwnerID, string(f.State), limit)
	if err != nil {
		return nil, fmt.Errorf("list %s jobs: %w", family, err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(family, rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s jobs: %w", family, err)
	}
	return jobs, nil
}

// Accept переводит awaiting_acceptance → in_progress. Только claimant.
func (r *JobRepo) Accept(ctx context.Context, family domain.Family, id int64, workerID string) error {
	return r.claimantUpdate(ctx, family, id, workerID,
		`SET state = 'in_progress'
		 WHERE id = $1 AND worker_id = $2 AND state = 'awaiting_acceptance'`)
}

// Reject возвращает awaiting_acceptance job в очередь и снимает claimant.
func (r *JobRepo) Reject(ctx context.Context, family domain.Family, id int64, workerID string) error {
	return r.claimantUpdate(ctx, family, id, workerID,
		`SET state = 'queued', worker_id = NULL, started_at = NULL
		 WHERE id = $1 AND worker_id = $2 AND state = 'awaiting_acceptance'`)
}

// AddProgress увеличивает attempted на delta. Финальную job не трогает.
func (r *JobRepo) AddProgress(ctx context.Context, family domain.Family, id int64, workerID string, delta int) error {
	if delta < 0 {
		return fmt.Errorf("negative progress delta %d: %w", delta, ErrInvalidState)
	}
	return r.claimantUpdate(ctx, family, id, workerID,
		`SET attempted = attempted + $3, state = 'in_progress'
		 WHERE id = $1 AND worker_id = $2 AND state NOT IN ('completed', 'failed')`,
		delta)
}

func (r *JobRepo) claimantUpdate(ctx context.Context, family domain.Family, id int64, workerID, clause string, extra ...any) error {
	ft, err := tableFor(family)
	if err != nil {
		return err
	}
	args := append([]any{id, workerID}, extra...)
	tag, err := r.pool.Exec(ctx, "UPDATE "+ft.table+"\n"+clause, args...)
	if err != nil {
		return fmt.Errorf("update %s job %d: %w", family, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimant
	}
	return nil
}

// ReportStatus применяет отчёт воркера о статусе discrete job.
//
//   - completed/failed: состояние + comment, media очищается;
//   - queued: возврат в очередь, claimant снимается, comment со ссылкой
//     на результат сохраняется;
//   - in_progress: состояние меняется только у нефинальной job.
//
// У уже финальной job обновляется только comment.
func (r *JobRepo) ReportStatus(ctx context.Context, id int64, workerID string, status domain.JobState, comment string) (StatusResult, error) {
	var res StatusResult
	ft := familyTables[domain.FamilyDiscrete]

	err := InTx(ctx, r.pool, func(tx pgx.Tx) error {
		var (
			state  string
			prev   *string
			holder *string
		)
		err := tx.QueryRow(ctx,
			`SELECT state, comment, worker_id FROM action_jobs WHERE id = $1 FOR UPDATE`, id,
		).Scan(&state, &prev, &holder)
		if err != nil {
			return fmt.Errorf("lock job: %w", notFound(err))
		}
		if holder == nil || *holder != workerID {
			return ErrNotClaimant
		}

		current := domain.JobState(state)
		switch {
		case current.IsTerminal():
			_, err = tx.Exec(ctx, `UPDATE action_jobs SET comment = $2 WHERE id = $1`, id, comment)

		case status.IsTerminal():
			_, err = tx.Exec(ctx,
				`UPDATE action_jobs
				 SET state = $2, comment = $3, media = NULL, completed_at = now()
				 WHERE id = $1`,
				id, status, comment)
			res.Finished = true

		case status == domain.JobQueued:
			keep := domain.PreservedComment(derefString(prev), comment)
			_, err = tx.Exec(ctx,
				`UPDATE action_jobs
				 SET state = 'queued', worker_id = NULL, comment = $2
				 WHERE id = $1`,
				id, keep)

		default:
			_, err = tx.Exec(ctx,
				`UPDATE action_jobs SET state = $2, comment = $3 WHERE id = $1`,
				id, status, comment)
		}
		if err != nil {
			return fmt.Errorf("apply status: %w", err)
		}

		job, err := scanJob(domain.FamilyDiscrete, tx.QueryRow(ctx, ft.selectSQL()+"\nWHERE j.id = $1", id))
		if err != nil {
			return err
		}
		res.Job = job
		return nil
	})
	if err != nil {
		return StatusResult{}, err
	}
	return res, nil
}

// AttachSnapshot сохраняет снимок цели для discrete job. Только claimant.
func (r *JobRepo) AttachSnapshot(ctx context.Context, id int64, workerID string, snapshot json.RawMessage) error {
	return r.claimantUpdate(ctx, domain.FamilyDiscrete, id, workerID,
		`SET snapshot = $3 WHERE id = $1 AND worker_id = $2`,
		[]byte(snapshot))
}

// Stop принудительно завершает discrete job актора с ошибкой.
// Возвращает ErrInvalidState, если job уже финальная или чужая.
func (r *JobRepo) Stop(ctx context.Context, id, ownerID int64, comment string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE action_jobs
		 SET state = 'failed', worker_id = NULL, comment = $3, media = NULL, completed_at = now()
		 WHERE id = $1 AND owner_id = $2 AND state NOT IN ('completed', 'failed')`,
		id, ownerID, comment)
	if err != nil {
		return fmt.Errorf("stop job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

// RequeueByWorker возвращает в очередь все jobs актора, которые держит
// worker-instance. Все семейства обновляются одной транзакцией.
func (r *JobRepo) RequeueByWorker(ctx context.Context, ownerID int64, workerID string) (map[domain.Family]int64, error) {
	return r.requeue(ctx, `owner_id = $1 AND worker_id = $2::text`, ownerID, workerID)
}

// RequeueStale возвращает в очередь jobs актора, чей claimant не
// отмечался в таблице workers дольше liveness. Таблицу ведут все
// процессы диспетчера, поэтому проверка верна при нескольких инстансах.
func (r *JobRepo) RequeueStale(ctx context.Context, ownerID int64, liveness time.Duration) (map[domain.Family]int64, error) {
	return r.requeue(ctx,
		`owner_id = $1 AND (worker_id IS NULL OR worker_id NOT IN (
			SELECT w.worker_id FROM workers w
			WHERE w.owner_id = $1
			  AND w.last_seen >= now() - make_interval(secs => $2)))`,
		ownerID, liveness.Seconds())
}

func (r *JobRepo) requeue(ctx context.Context, where string, args ...any) (map[domain.Family]int64, error) {
	counts := make(map[domain.Family]int64, len(familyTables))
	err := InTx(ctx, r.pool, func(tx pgx.Tx) error {
		for _, family := range domain.Families() {
			ft := familyTables[family]
			tag, err := tx.Exec(ctx,
				`UPDATE `+ft.table+`
				 SET state = 'queued', worker_id = NULL`+ft.requeueSet+`
				 WHERE state IN ('awaiting_acceptance', 'in_progress') AND `+where,
				args...)
			if err != nil {
				return fmt.Errorf("requeue %s jobs: %w", family, err)
			}
			counts[family] = tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// AdvanceCursor сдвигает курсор кампании на next, если его last_seen_id
// всё ещё равен expected (compare-and-set), и прибавляет count к числу
// выданных целей. Иначе ErrCursorMoved.
func (r *JobRepo) AdvanceCursor(ctx context.Context, family domain.Family, id int64, workerID string, expected *int64, next int64, count int) error {
	ft, err := tableFor(family)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE `+ft.table+`
		 SET cursor = jsonb_set(cursor, '{last_seen_id}', to_jsonb($3::bigint)),
		     dispatched = dispatched + $4
		 WHERE id = $1
		   AND worker_id = $5
		   AND state = 'in_progress'
		   AND (cursor->>'last_seen_id')::bigint IS NOT DISTINCT FROM $2::bigint
		   AND $3::bigint > COALESCE((cursor->>'last_seen_id')::bigint, 0)`,
		id, expected, next, count, workerID)
	if err != nil {
		return fmt.Errorf("advance cursor of %s job %d: %w", family, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCursorMoved
	}
	return nil
}

// DrainCampaign завершает кампанию после истощения курсора:
// total := dispatched. Результаты по уже выданным целям принимаются
// и после перехода (см. RecordResult).
// Возвращает job и true, если переход выполнил именно этот вызов.
func (r *JobRepo) DrainCampaign(ctx context.Context, family domain.Family, id int64, workerID string) (*domain.Job, bool, error) {
	return r.completeCampaign(ctx, family, id, workerID, "GREATEST(dispatched, attempted)")
}

// CompleteCampaign завершает кампанию по сигналу claimant: total := attempted.
// Возвращает job и true, если переход выполнил именно этот вызов.
func (r *JobRepo) CompleteCampaign(ctx context.Context, family domain.Family, id int64, workerID string) (*domain.Job, bool, error) {
	return r.completeCampaign(ctx, family, id, workerID, "attempted")
}

func (r *JobRepo) completeCampaign(ctx context.Context, family domain.Family, id int64, workerID, total string) (*domain.Job, bool, error) {
	ft, err := tableFor(family)
	if err != nil {
		return nil, false, err
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE `+ft.table+`
		 SET state = 'completed', completed_at = now(), total = `+total+`
		 WHERE id = $1
		   AND state NOT IN ('completed', 'failed')
		   AND worker_id = $2`,
		id, workerID)
	if err != nil {
		return nil, false, fmt.Errorf("complete %s job %d: %w", family, id, err)
	}

	job, err := r.Get(ctx, family, id)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() == 0 {
		if !job.State.IsTerminal() {
			return job, false, ErrNotClaimant
		}
		return job, false, nil
	}
	return job, true, nil
}

// ResultRecord — итог записи одного результата кампании.
type ResultRecord struct {
	// Recorded — счётчики увеличены. false, если job уже финальная
	// и все выданные цели учтены.
	Recorded bool

	// Settled — этот результат был последним ожидаемым для
	// завершённой кампании.
	Settled bool
}

// RecordResult увеличивает счётчики кампании на один результат.
//
// Результат принимается только от claimant (иначе ErrNotClaimant).
// Завершённая кампания принимает результаты, пока attempted < total.
func (r *JobRepo) RecordResult(ctx context.Context, q Querier, family domain.Family, id int64, workerID string, success bool) (ResultRecord, error) {
	ft, err := tableFor(family)
	if err != nil {
		return ResultRecord{}, err
	}
	column := "failed"
	if success {
		column = "succeeded"
	}

	var (
		state            string
		attempted, total int
	)
	err = q.QueryRow(ctx,
		`UPDATE `+ft.table+`
		 SET attempted = attempted + 1, `+column+` = `+column+` + 1
		 WHERE id = $1
		   AND worker_id = $2
		   AND (state NOT IN ('completed', 'failed')
		        OR (state = 'completed' AND attempted < total))
		 RETURNING state, attempted, total`,
		id, workerID,
	).Scan(&state, &attempted, &total)
	if err == nil {
		settled := domain.JobState(state) == domain.JobCompleted && attempted >= total
		return ResultRecord{Recorded: true, Settled: settled}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ResultRecord{}, fmt.Errorf("record %s result for job %d: %w", family, id, err)
	}

	var claimant *string
	err = q.QueryRow(ctx, `SELECT worker_id FROM `+ft.table+` WHERE id = $1`, id).Scan(&claimant)
	if errors.Is(err, pgx.ErrNoRows) {
		return ResultRecord{}, ErrNotFound
	}
	if err != nil {
		return ResultRecord{}, fmt.Errorf("load claimant of %s job %d: %w", family, id, err)
	}
	if derefString(claimant) != workerID {
		return ResultRecord{}, ErrNotClaimant
	}
	return ResultRecord{}, nil
}

// SettleStale закрывает завершённые кампании, которые ждут результаты
// дольше grace: total := attempted. Возвращает закрытые jobs.
func (r *JobRepo) SettleStale(ctx context.Context, family domain.Family, grace time.Duration) ([]domain.Job, error) {
	ft, err := tableFor(family)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx,
		`UPDATE `+ft.table+`
		 SET total = attempted
		 WHERE state = 'completed'
		   AND attempted < total
		   AND completed_at < now() - make_interval(secs => $1)
		 RETURNING id`,
		grace.Seconds())
	if err != nil {
		return nil, fmt.Errorf("settle stale %s jobs: %w", family, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("settle stale %s jobs: %w", family, err)
	}

	jobs := make([]domain.Job, 0, len(ids))
	for _, id := range ids {
		job, err := r.Get(ctx, family, id)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

// InsertWarmerLog пишет строку журнала warmer кампании.
func (r *JobRepo) InsertWarmerLog(ctx context.Context, q Querier, e WarmerLogEntry) error {
	outcome := "failed"
	if e.Success {
		outcome = "success"
	}
	_, err := q.Exec(ctx,
		`INSERT INTO warmer_log (job_id, credential_id, nick_target, url, outcome, error_msg, error_code)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.JobID, e.CredentialID, e.NickTarget, e.URL, outcome,
		nullString(e.ErrorMessage), nullString(e.ErrorCode))
	if err != nil {
		return fmt.Errorf("insert warmer log: %w", err)
	}
	return nil
}

// WarmerLogEntry — строка warmer_log.
type WarmerLogEntry struct {
	JobID        int64
	CredentialID int64
	NickTarget   string
	URL          string
	Success      bool
	ErrorMessage string
	ErrorCode    string
}

// CountByState возвращает количество jobs семейства по состояниям.
func (r *JobRepo) CountByState(ctx context.Context, family domain.Family) (map[domain.JobState]int64, error) {
	ft, err := tableFor(family)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `SELECT state, count(*) FROM `+ft.table+` GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count %s jobs: %w", family, err)
	}
	defer rows.Close()

	out := make(map[domain.JobState]int64)
	for rows.Next() {
		var (
			state string
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[domain.JobState(state)] = n
	}
	return out, rows.Err()
}

func scanJob(family domain.Family, row pgx.Row) (*domain.Job, error) {
	var (
		j          domain.Job
		state      string
		workerID   *string
		cursorJSON []byte
		chatID     *string
		deckID     *int64
		url        string
		quantity   int
		comment    *string
		util       *string
		boost      int
		request    int
		module     string
		media      *string
		schedAt    *time.Time
		nickGroup  *string
		apm        int
		threads    int
	)

	err := row.Scan(
		&j.ID, &j.OwnerID, &j.Type, &state, &workerID,
		&j.Counters.Attempted, &j.Counters.Succeeded, &j.Counters.Failed, &j.Total, &cursorJSON,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt,
		&chatID, &deckID, &url, &quantity, &comment, &util,
		&boost, &request, &module, &media, &schedAt,
		&nickGroup, &apm, &threads,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan %s job: %w", family, err)
	}

	j.Family = family
	j.State = domain.JobState(state)
	j.WorkerID = derefString(workerID)
	j.ChatID = derefString(chatID)
	if len(cursorJSON) > 0 {
		if err := json.Unmarshal(cursorJSON, &j.Cursor); err != nil {
			return nil, fmt.Errorf("unmarshal cursor: %w", err)
		}
	}

	switch family {
	case domain.FamilyDiscrete:
		j.Action = &domain.ActionDetails{
			DeckID:      deckID,
			URL:         url,
			Quantity:    quantity,
			Comment:     derefString(comment),
			Util:        derefString(util),
			Boost:       boost,
			Request:     request,
			Module:      module,
			Media:       derefString(media),
			ScheduledAt: schedAt,
		}
	case domain.FamilyWarmer:
		w := &domain.WarmerDetails{
			NickGroup: derefString(nickGroup),
			APM:       apm,
			Threads:   threads,
			Request:   request,
		}
		if deckID != nil {
			w.DeckID = *deckID
		}
		j.Warmer = w
	}
	return &j, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
