package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
)

// ListRules возвращает все правила классификации.
// GET /api/v1/rules
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.rules.List(r.Context())
	if HandleRepoError(w, h.logger, err, "") {
		return
	}
	List(w, rules, len(rules))
}

// GetRule возвращает правило по ID.
// GET /api/v1/rules/{id}
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rule, err := h.rules.Get(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "rule not found") {
		return
	}
	Success(w, rule)
}

// CreateRule создаёт правило и обновляет кэш.
// POST /api/v1/rules
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		BadRequest(w, err.Error())
		return
	}

	rule := req.ToDomain()
	if HandleRepoError(w, h.logger, h.rules.Create(r.Context(), rule), "") {
		return
	}
	h.logger.Info("error rule created", "rule_id", rule.ID, "priority", rule.Priority)

	h.refreshRules(r.Context())
	Created(w, rule)
}

// SetRuleEnabled включает или выключает правило.
// PUT /api/v1/rules/{id}/enabled
func (h *Handler) SetRuleEnabled(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req SetEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		BadRequest(w, "enabled is required")
		return
	}

	if HandleRepoError(w, h.logger, h.rules.SetEnabled(r.Context(), id, *req.Enabled), "rule not found") {
		return
	}
	h.logger.Info("error rule toggled", "rule_id", id, "enabled", *req.Enabled)

	h.refreshRules(r.Context())
	NoContent(w)
}

// DeleteRule удаляет правило.
// DELETE /api/v1/rules/{id}
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if HandleRepoError(w, h.logger, h.rules.Delete(r.Context(), id), "rule not found") {
		return
	}
	h.logger.Info("error rule deleted", "rule_id", id)

	h.refreshRules(r.Context())
	NoContent(w)
}

// ReloadRules перечитывает кэш правил этого процесса.
// POST /api/v1/rules/reload
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	n, err := h.reloader.Reload(r.Context())
	if err != nil {
		InternalError(w, h.logger, err)
		return
	}
	Success(w, ReloadResponse{Rules: n})
}

// refreshRules применяет изменение правил сразу, не дожидаясь TTL кэша.
// Ошибка не критична: кэш перечитается сам.
func (h *Handler) refreshRules(ctx context.Context) {
	if _, err := h.reloader.Reload(ctx); err != nil {
		h.logger.Warn("failed to refresh rule cache", "error", err)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		BadRequest(w, "invalid id")
		return 0, false
	}
	return id, true
}
