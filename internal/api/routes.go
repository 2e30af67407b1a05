package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes регистрирует маршруты admin API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	open := Chain(Recovery(h.logger))
	chain := Chain(
		Recovery(h.logger),
		Logging(h.logger),
		Auth(h.token),
	)

	// Пробы и метрики — без токена
	mux.Handle("GET /healthz", open(http.HandlerFunc(h.Health)))
	mux.Handle("GET /metrics", promhttp.Handler())

	// Sessions
	mux.Handle("GET /api/v1/sessions", chain(http.HandlerFunc(h.SessionStats)))

	// Error rules
	mux.Handle("GET /api/v1/rules", chain(http.HandlerFunc(h.ListRules)))
	mux.Handle("POST /api/v1/rules", chain(http.HandlerFunc(h.CreateRule)))
	mux.Handle("POST /api/v1/rules/reload", chain(http.HandlerFunc(h.ReloadRules)))
	mux.Handle("GET /api/v1/rules/{id}", chain(http.HandlerFunc(h.GetRule)))
	mux.Handle("PUT /api/v1/rules/{id}/enabled", chain(http.HandlerFunc(h.SetRuleEnabled)))
	mux.Handle("DELETE /api/v1/rules/{id}", chain(http.HandlerFunc(h.DeleteRule)))

	// Jobs
	mux.Handle("GET /api/v1/jobs/{family}", chain(http.HandlerFunc(h.ListJobs)))
	mux.Handle("GET /api/v1/jobs/{family}/counts", chain(http.HandlerFunc(h.CountJobs)))

	// Sweeps
	mux.Handle("GET /api/v1/sweeps", chain(http.HandlerFunc(h.ListSweeps)))
	mux.Handle("POST /api/v1/sweeps/{name}/run", chain(http.HandlerFunc(h.RunSweep)))
}
