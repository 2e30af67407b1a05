package api

import (
	"net/http"
	"strconv"

	"github.com/shaiso/xdispatch/internal/domain"
	"github.com/shaiso/xdispatch/internal/repo"
)

// ListJobs возвращает jobs семейства.
// GET /api/v1/jobs/{family}?owner_id=...&state=...&limit=...
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	family, ok := pathFamily(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := repo.ListFilter{Limit: 50}
	if v := q.Get("owner_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			BadRequest(w, "invalid owner_id")
			return
		}
		filter.OwnerID = id
	}
	if v := q.Get("state"); v != "" {
		state, ok := domain.ParseJobState(v)
		if !ok {
			BadRequest(w, "invalid state")
			return
		}
		filter.State = state
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			BadRequest(w, "invalid limit")
			return
		}
		filter.Limit = limit
	}

	jobs, err := h.jobs.List(r.Context(), family, filter)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	List(w, jobs, len(jobs))
}

// CountJobs возвращает количество jobs семейства по состояниям.
// GET /api/v1/jobs/{family}/counts
func (h *Handler) CountJobs(w http.ResponseWriter, r *http.Request) {
	family, ok := pathFamily(w, r)
	if !ok {
		return
	}

	counts, err := h.jobs.CountByState(r.Context(), family)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	resp := JobCountsResponse{Family: family, States: counts}
	for _, n := range counts {
		resp.Total += n
	}
	Success(w, resp)
}

func pathFamily(w http.ResponseWriter, r *http.Request) (domain.Family, bool) {
	family := domain.Family(r.PathValue("family"))
	if !family.Valid() {
		BadRequest(w, "family must be one of discrete, warmer, scraping")
		return "", false
	}
	return family, true
}
