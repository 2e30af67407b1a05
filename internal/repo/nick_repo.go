package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/xdispatch/internal/domain"
)

// NickTweets — nick с его сохранёнными tweets.
type NickTweets struct {
	Handle string
	Tweets []string
}

// NickProfile — результат scraping профиля nick.
type NickProfile struct {
	UserID   string          `json:"user_id,omitempty"`
	ImageURL string          `json:"profile_img,omitempty"`
	Location string          `json:"location,omitempty"`
	Bio      string          `json:"bio,omitempty"`
	BioLink  string          `json:"bio_link,omitempty"`
	Tweets   json.RawMessage `json:"tweets,omitempty"`
	Pinned   bool            `json:"pinned,omitempty"`
	Comment  string          `json:"comment,omitempty"`
}

// NickRepo — репозиторий nicks.
type NickRepo struct {
	pool *pgxpool.Pool
}

// NewNickRepo создаёт новый NickRepo.
func NewNickRepo(pool *pgxpool.Pool) *NickRepo {
	return &NickRepo{pool: pool}
}

// NextPage возвращает nicks с id > after, отфильтрованные по группе и статусу.
func (r *NickRepo) NextPage(ctx context.Context, after int64, group, status string, limit int) ([]domain.Nick, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, handle, group_name, status, COALESCE(user_id, ''), comment
		 FROM nicks
		 WHERE id > $1
		   AND ($2::text = '' OR group_name = $2::text)
		   AND ($3::text = '' OR status = $3::text)
		 ORDER BY id ASC
		 LIMIT $4`,
		after, group, status, limit)
	if err != nil {
		return nil, fmt.Errorf("next nick page: %w", err)
	}
	defer rows.Close()

	var out []domain.Nick
	for rows.Next() {
		var n domain.Nick
		if err := rows.Scan(&n.ID, &n.Handle, &n.Group, &n.Status, &n.UserID, &n.Comment); err != nil {
			return nil, fmt.Errorf("scan nick: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// RandomWithTweets возвращает до limit случайных активных nicks группы,
// у которых есть tweets.
func (r *NickRepo) RandomWithTweets(ctx context.Context, group string, limit int) ([]NickTweets, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT handle, tweets
		 FROM nicks
		 WHERE group_name = $1 AND status = 'active' AND jsonb_array_length(tweets) > 0
		 ORDER BY random()
		 LIMIT $2`,
		group, limit)
	if err != nil {
		return nil, fmt.Errorf("random nicks: %w", err)
	}
	defer rows.Close()

	var out []NickTweets
	for rows.Next() {
		var (
			handle string
			raw    []byte
		)
		if err := rows.Scan(&handle, &raw); err != nil {
			return nil, fmt.Errorf("scan nick tweets: %w", err)
		}
		tweets := parseTweetURLs(raw)
		if len(tweets) == 0 {
			continue
		}
		out = append(out, NickTweets{Handle: handle, Tweets: tweets})
	}
	return out, rows.Err()
}

// ApplyProfile сохраняет профиль nick. Без tweets nick становится inactive.
func (r *NickRepo) ApplyProfile(ctx context.Context, q Querier, id int64, p NickProfile) error {
	tweets := p.Tweets
	if len(parseTweetURLs(tweets)) == 0 {
		tweets = json.RawMessage("[]")
	}
	status := domain.NickActive
	comment := ""
	if string(tweets) == "[]" {
		status = domain.NickInactive
		comment = p.Comment
		if comment == "" {
			comment = "no valid tweets"
		}
	}

	_, err := q.Exec(ctx,
		`UPDATE nicks
		 SET status = $2, user_id = NULLIF($3, ''), profile_img = $4, location = $5,
		     bio = $6, bio_link = $7, tweets = $8, pinned = $9, comment = $10,
		     scraped_at = now(), updated_at = now()
		 WHERE id = $1`,
		id, status, p.UserID, p.ImageURL, p.Location, p.Bio, p.BioLink,
		[]byte(tweets), p.Pinned, comment)
	if err != nil {
		return fmt.Errorf("apply nick %d profile: %w", id, err)
	}
	return nil
}

// MarkInactive помечает nick неактивным с причиной.
func (r *NickRepo) MarkInactive(ctx context.Context, q Querier, id int64, comment string) error {
	_, err := q.Exec(ctx,
		`UPDATE nicks SET status = 'inactive', comment = $2, tweets = '[]', updated_at = now() WHERE id = $1`,
		id, comment)
	if err != nil {
		return fmt.Errorf("mark nick %d inactive: %w", id, err)
	}
	return nil
}

// parseTweetURLs принимает массив строк или объектов {"url": ...}.
func parseTweetURLs(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			if s != "" {
				out = append(out, s)
			}
			continue
		}
		var obj struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(item, &obj); err == nil && obj.URL != "" {
			out = append(out, obj.URL)
		}
	}
	return out
}
