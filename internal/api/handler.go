package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/feedback"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Deps are the components the HTTP layer fronts. Pipeline, Alerts, Rules,
// Policy and Feedback are required; the rest are optional.
type Deps struct {
	Pipeline *scoring.Pipeline
	Alerts   *alert.Queue
	Rules    *rules.Engine
	Policy   *decision.Policy
	Feedback *feedback.Service

	// RulesFile is set when rule definitions come from a watched YAML file.
	// Its change callbacks are expected to load the engine.
	RulesFile *config.RulesLoader

	Repo   domain.Repository
	Cache  domain.Cache
	Bus    domain.EventBus
	Worker *worker.Worker
}

// Handler contains HTTP handlers for the API.
type Handler struct {
	deps    Deps
	version string
}

// NewHandler creates a new handler.
func NewHandler(deps Deps, version string) *Handler {
	return &Handler{
		deps:    deps,
		version: version,
	}
}

// ScoreResponse is returned by POST /payments.
type ScoreResponse struct {
	*domain.ScoreResult
	Duplicate bool   `json:"duplicate"`
	AlertID   string `json:"alertId,omitempty"`
	Metadata  struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// SubmitPayment scores a payment synchronously.
func (h *Handler) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var ev domain.PaymentEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	out, err := h.deps.Pipeline.Submit(ctx, &ev)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := ScoreResponse{
		ScoreResult: out.Result,
		Duplicate:   out.Duplicate,
	}
	if out.Alert != nil {
		resp.AlertID = out.Alert.ID
	}
	resp.Metadata.TraceID = GetTraceID(ctx)
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version
	writeJSON(w, http.StatusOK, resp)
}

// SubmitPaymentAsync publishes a payment to the ingest topic for the
// streaming worker and returns immediately.
func (h *Handler) SubmitPaymentAsync(w http.ResponseWriter, r *http.Request) {
	if h.deps.Bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "event bus not available",
		})
		return
	}

	var ev domain.PaymentEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if err := ev.Validate(); err != nil {
		writeError(w, err)
		return
	}

	payload, err := json.Marshal(&ev)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.deps.Bus.Publish(r.Context(), domain.TopicPaymentIngested, payload); err != nil {
		slog.Error("failed to publish payment", "event_id", ev.ID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "failed to queue payment",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"eventId": ev.ID,
		"status":  "accepted",
	})
}

// GetScore returns the score result recorded for an event.
func (h *Handler) GetScore(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Pipeline.Lookup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetPayment returns a persisted payment event.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	if h.deps.Repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	eventID := chi.URLParam(r, "id")
	ev, err := h.deps.Repo.GetEvent(r.Context(), eventID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Error("failed to get payment", "event_id", eventID, "error", err)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// ListAlerts returns alerts in review priority order, optionally filtered by state.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	state := domain.ReviewState(strings.ToUpper(r.URL.Query().Get("state")))
	switch state {
	case "", domain.StatePending, domain.StateInReview, domain.StateResolved:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "state must be one of PENDING, IN_REVIEW, RESOLVED",
		})
		return
	}

	items := h.deps.Alerts.List(state)
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts":  items,
		"count":   len(items),
		"pending": h.deps.Alerts.PendingLen(),
	})
}

// GetAlert returns one alert with its audit trail.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	item, err := h.deps.Alerts.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// ClaimNextAlert assigns the highest-priority pending alert to the analyst.
func (h *Handler) ClaimNextAlert(w http.ResponseWriter, r *http.Request) {
	item, err := h.deps.Alerts.ClaimNext(r.Context(), GetAnalystID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// ClaimAlert assigns a specific alert to the analyst.
func (h *Handler) ClaimAlert(w http.ResponseWriter, r *http.Request) {
	item, err := h.deps.Alerts.Claim(r.Context(), chi.URLParam(r, "id"), GetAnalystID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// ReleaseAlert returns a claimed alert to the pending queue.
func (h *Handler) ReleaseAlert(w http.ResponseWriter, r *http.Request) {
	item, err := h.deps.Alerts.Release(r.Context(), chi.URLParam(r, "id"), GetAnalystID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// ResolveRequest is the request body for resolving an alert.
type ResolveRequest struct {
	Disposition domain.Disposition `json:"disposition"`
	Notes       string             `json:"notes,omitempty"`
}

// ResolveAlert records the analyst's disposition.
func (h *Handler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	ctx := r.Context()
	item, err := h.deps.Alerts.Resolve(ctx, chi.URLParam(r, "id"), GetAnalystID(ctx), req.Disposition, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// ReopenRequest is the request body for reopening an alert.
type ReopenRequest struct {
	Reason string `json:"reason"`
}

// ReopenAlert appends a reopen entry to a resolved alert's audit trail.
func (h *Handler) ReopenAlert(w http.ResponseWriter, r *http.Request) {
	var req ReopenRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid JSON request body",
			})
			return
		}
	}

	ctx := r.Context()
	item, err := h.deps.Alerts.Reopen(ctx, chi.URLParam(r, "id"), GetAnalystID(ctx), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type ruleError struct {
	RuleID string `json:"ruleId"`
	Reason string `json:"reason"`
}

func ruleErrors(errs []domain.ConfigurationError) []ruleError {
	out := make([]ruleError, len(errs))
	for i, e := range errs {
		out[i] = ruleError{RuleID: e.RuleID, Reason: e.Reason}
	}
	return out
}

// ListRules returns the definitions behind the current rule set, including
// rules disabled at load time.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	set := h.deps.Rules.Snapshot()
	source := "database"
	if h.deps.RulesFile != nil {
		source = h.deps.RulesFile.Path()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"version": set.Version,
		"rules":   set.Configs(),
		"count":   len(set.Configs()),
		"active":  set.Len(),
		"errors":  ruleErrors(set.Errors()),
		"source":  source,
	})
}

// CreateRule validates a definition, persists it and swaps in a rule set that
// includes it. An existing rule with the same ID is replaced.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	if h.deps.RulesFile != nil {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "rules are managed by " + h.deps.RulesFile.Path(),
		})
		return
	}

	var cfg domain.RuleConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if cfg.ID == "" || cfg.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id and type are required",
		})
		return
	}
	if cfg.Version == "" {
		cfg.Version = "1"
	}
	if err := h.deps.Rules.Validate(&cfg); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	if h.deps.Repo != nil {
		if err := h.deps.Repo.SaveRuleConfig(ctx, &cfg); err != nil {
			slog.Error("failed to save rule config", "rule_id", cfg.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save rule",
			})
			return
		}
	}

	current := h.deps.Rules.Snapshot().Configs()
	next := make([]*domain.RuleConfig, 0, len(current)+1)
	replaced := false
	for i := range current {
		if current[i].ID == cfg.ID {
			next = append(next, &cfg)
			replaced = true
			continue
		}
		next = append(next, &current[i])
	}
	if !replaced {
		next = append(next, &cfg)
	}
	h.deps.Rules.Load(next)

	slog.Info("rule saved", "rule_id", cfg.ID, "type", cfg.Type, "replaced", replaced)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    cfg,
		"version": h.deps.Rules.Snapshot().Version,
	})
}

// ReloadRules re-reads rule definitions from the rules file, or from the
// database when no file is configured, and swaps in the new rule set.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	var (
		count int
		errs  []domain.ConfigurationError
	)

	switch {
	case h.deps.RulesFile != nil:
		defs, err := h.deps.RulesFile.Reload()
		if err != nil {
			slog.Warn("rules file reload failed", "path", h.deps.RulesFile.Path(), "error", err)
			writeError(w, err)
			return
		}
		count = len(defs)
		errs = h.deps.Rules.Snapshot().Errors()
	case h.deps.Repo != nil:
		defs, err := h.deps.Repo.ListRuleConfigs(r.Context())
		if err != nil {
			slog.Error("failed to list rules from database", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to load rules from database",
			})
			return
		}
		count = len(defs)
		errs = h.deps.Rules.Load(defs)
	default:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "no rule source configured",
		})
		return
	}

	set := h.deps.Rules.Snapshot()
	slog.Info("rules reloaded", "version", set.Version, "rules_count", count, "disabled", len(errs))
	writeJSON(w, http.StatusOK, map[string]any{
		"version": set.Version,
		"count":   count,
		"active":  set.Len(),
		"errors":  ruleErrors(errs),
	})
}

// GetPolicy returns the active fusion and decision policy.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Policy.Current())
}

// ListProposals returns staged recalibration proposals, newest first.
func (h *Handler) ListProposals(w http.ResponseWriter, r *http.Request) {
	proposals := h.deps.Policy.Proposals()
	writeJSON(w, http.StatusOK, map[string]any{
		"proposals": proposals,
		"count":     len(proposals),
	})
}

// Recalibrate runs the recalibrator once against current dispositions.
func (h *Handler) Recalibrate(w http.ResponseWriter, r *http.Request) {
	prop, err := h.deps.Feedback.RunOnce(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	staged := false
	for _, p := range h.deps.Policy.Proposals() {
		if p.ID == prop.ID {
			staged = true
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"proposal": prop,
		"staged":   staged,
	})
}

// ActivateRequest is the request body for activating a policy. Either
// ProposalID or both Weights and Thresholds are required.
type ActivateRequest struct {
	ProposalID string             `json:"proposalId,omitempty"`
	Weights    *domain.Weights    `json:"weights,omitempty"`
	Thresholds *domain.Thresholds `json:"thresholds,omitempty"`
}

// ActivatePolicy publishes a new policy version.
func (h *Handler) ActivatePolicy(w http.ResponseWriter, r *http.Request) {
	var req ActivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	ctx := r.Context()
	var (
		cfg *domain.PolicyConfig
		err error
	)
	switch {
	case req.ProposalID != "":
		cfg, err = h.deps.Feedback.Activate(ctx, req.ProposalID)
	case req.Weights != nil && req.Thresholds != nil:
		source := "operator"
		if analyst := GetAnalystID(ctx); analyst != "" {
			source = "operator:" + analyst
		}
		cfg, err = h.deps.Feedback.ActivateConfig(ctx, *req.Weights, *req.Thresholds, source)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "proposalId or weights and thresholds are required",
		})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, cfg)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	components := map[string]string{}

	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			components[name] = err.Error()
			status = "degraded"
			return
		}
		components[name] = "ok"
	}
	if h.deps.Repo != nil {
		check("repository", h.deps.Repo.Ping)
	}
	if h.deps.Cache != nil {
		check("cache", h.deps.Cache.Ping)
	}
	if h.deps.Bus != nil {
		check("bus", h.deps.Bus.Ping)
	}

	resp := map[string]any{
		"status":         status,
		"version":        h.version,
		"components":     components,
		"ruleSetVersion": h.deps.Rules.Snapshot().Version,
		"policyVersion":  h.deps.Policy.Current().Version,
		"pendingAlerts":  h.deps.Alerts.PendingLen(),
	}
	if h.deps.Worker != nil {
		resp["worker"] = h.deps.Worker.GetStats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := map[string]any{"error": err.Error()}

	switch {
	case errors.Is(err, domain.ErrClaimConflict):
		status = http.StatusConflict
		body["retryable"] = true
	case errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
		body["retryable"] = false
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, alert.ErrQueueEmpty):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidEvent),
		errors.Is(err, domain.ErrInvalidPolicy),
		errors.Is(err, domain.ErrConfiguration),
		errors.Is(err, alert.ErrInvalidDisposition),
		errors.Is(err, alert.ErrAnalystRequired):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	default:
		slog.Error("request failed", "error", err)
		body["error"] = "internal server error"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
