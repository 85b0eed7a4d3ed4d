package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

const (
	maxBodyBytes = 10 << 20
	maxBatchSize = 500
)

// Handler holds dependencies for API handlers.
type Handler struct {
	pipeline *pipeline.Pipeline
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	engine   *rules.Engine
	version  string
}

// NewHandler creates a new API handler. repo, cache and bus may be nil;
// the endpoints that need them then answer 503.
func NewHandler(p *pipeline.Pipeline, repo domain.Repository, cache domain.Cache, eventBus domain.EventBus, engine *rules.Engine, version string) *Handler {
	return &Handler{
		pipeline: p,
		repo:     repo,
		cache:    cache,
		bus:      eventBus,
		engine:   engine,
		version:  version,
	}
}

// EvaluateResponse is the response for POST /statements/evaluate.
type EvaluateResponse struct {
	Verdict  *domain.FraudVerdict `json:"verdict"`
	Reasons  []string             `json:"reasons,omitempty"`
	Metadata ResponseMetadata     `json:"metadata"`
}

// ResponseMetadata is attached to evaluation responses.
type ResponseMetadata struct {
	TraceID string `json:"traceId"`
	TotalMs int64  `json:"totalMs"`
	Version string `json:"version"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`

	// Field names the offending statement field for malformed input.
	Field string `json:"field,omitempty"`
}

// Evaluate handles POST /statements/evaluate.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	stmt, err := h.pipeline.Decode(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeMalformed(w, err)
		return
	}

	verdict, err := h.pipeline.Evaluate(ctx, stmt)
	if err != nil {
		writeMalformed(w, err)
		return
	}

	writeJSON(w, http.StatusOK, EvaluateResponse{
		Verdict: verdict,
		Reasons: verdict.Reasons(),
		Metadata: ResponseMetadata{
			TraceID: GetTraceID(ctx),
			TotalMs: time.Since(start).Milliseconds(),
			Version: h.version,
		},
	})
}

// BatchRequest is the request body for POST /statements/batch.
type BatchRequest struct {
	Statements []json.RawMessage `json:"statements"`
}

// BatchResponse is the response for POST /statements/batch. Results are in
// request order.
type BatchResponse struct {
	Results  []pipeline.BatchResult `json:"results"`
	Failed   int                    `json:"failed"`
	Metadata ResponseMetadata       `json:"metadata"`
}

// EvaluateBatch handles POST /statements/batch. A malformed item yields an
// error entry and never fails the request.
func (h *Handler) EvaluateBatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req BatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON request body"})
		return
	}
	if len(req.Statements) == 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "statements must not be empty"})
		return
	}
	if len(req.Statements) > maxBatchSize {
		writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{
			Error: "batch exceeds " + strconv.Itoa(maxBatchSize) + " statements",
		})
		return
	}

	stmts := make([]*domain.Statement, len(req.Statements))
	decodeErrs := make(map[int]error)
	for i, raw := range req.Statements {
		stmt, err := h.pipeline.Decode(bytes.NewReader(raw))
		if err != nil {
			decodeErrs[i] = err
			continue
		}
		stmts[i] = stmt
	}

	results := h.pipeline.EvaluateBatch(ctx, stmts)

	failed := 0
	for i := range results {
		if err, ok := decodeErrs[i]; ok {
			results[i] = pipeline.BatchResult{Index: i, Err: err, Error: err.Error()}
		}
		if results[i].Err != nil {
			failed++
		}
	}

	writeJSON(w, http.StatusOK, BatchResponse{
		Results: results,
		Failed:  failed,
		Metadata: ResponseMetadata{
			TraceID: GetTraceID(ctx),
			TotalMs: time.Since(start).Milliseconds(),
			Version: h.version,
		},
	})
}

// Ingest handles POST /statements/ingest. The statement is validated,
// assigned an ID when missing, and queued for the worker.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "event bus not available"})
		return
	}

	stmt, err := h.pipeline.Decode(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeMalformed(w, err)
		return
	}
	if stmt.ID == "" {
		stmt.ID = uuid.NewString()
	}

	ctx = bus.WithMetadata(ctx, domain.MetaRequestID, requestIDFrom(ctx))
	ctx = bus.WithMetadata(ctx, domain.MetaTraceID, GetTraceID(ctx))
	if err := bus.PublishJSON(ctx, h.bus, stmt, domain.TopicStatementIngested); err != nil {
		slog.Error("failed to publish statement", "statement_id", stmt.ID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "failed to queue statement"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"statementId": stmt.ID,
		"status":      "queued",
	})
}

// GetStatement retrieves a stored statement by ID.
func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	id := chi.URLParam(r, "id")

	stmt, err := h.repo.GetStatement(r.Context(), id)
	if err != nil {
		writeLookupError(w, "statement", id, err)
		return
	}
	writeJSON(w, http.StatusOK, stmt)
}

// GetVerdict retrieves a verdict by ID.
func (h *Handler) GetVerdict(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	id := chi.URLParam(r, "id")

	v, err := h.repo.GetVerdict(r.Context(), id)
	if err != nil {
		writeLookupError(w, "verdict", id, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ListAccountVerdicts returns an account's verdicts, newest first. Optional
// query parameters are limit and minCategory.
func (h *Handler) ListAccountVerdicts(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	accountID := chi.URLParam(r, "accountId")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	minCategory := domain.Category(r.URL.Query().Get("minCategory"))
	if minCategory != "" && minCategory.Rank() < 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("unknown category %q", minCategory)})
		return
	}

	verdicts, err := h.repo.ListVerdicts(r.Context(), domain.VerdictQuery{
		AccountID:   accountID,
		MinCategory: minCategory,
		Limit:       limit,
	})
	if err != nil {
		slog.Error("failed to list verdicts", "account_id", accountID, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to list verdicts"})
		return
	}
	if verdicts == nil {
		verdicts = []*domain.FraudVerdict{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accountId": accountID,
		"verdicts":  verdicts,
		"count":     len(verdicts),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready reports whether the repository and event bus are reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.repo != nil {
		if err := h.repo.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false", "reason": "repository"})
			return
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false", "reason": "event bus"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListRules returns the narrative rules loaded in the engine.
// Rules are loaded from the database at startup and can be reloaded via POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.engine.Rules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

// GetRule retrieves a loaded rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	for _, rule := range h.engine.Rules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "rule not found"})
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Version     string  `json:"version,omitempty"`
	Expression  string  `json:"expression"`
	Severity    float64 `json:"severity"`
	Enabled     bool    `json:"enabled"`
}

// CreateRule validates a narrative rule and saves it to the database.
// After saving, call POST /rules/reload to hot-reload into the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON request body"})
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "id, name, and expression are required"})
		return
	}

	version := req.Version
	if version == "" {
		version = "1.0.0"
	}

	ruleConfig := &domain.RuleConfig{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Version:     version,
		Expression:  req.Expression,
		Severity:    req.Severity,
		Enabled:     req.Enabled,
	}

	if err := h.engine.ValidateRule(ruleConfig); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid rule: " + err.Error()})
		return
	}

	if !h.requireRepo(w) {
		return
	}
	if err := h.repo.SaveRuleConfig(ctx, ruleConfig); err != nil {
		if errors.Is(err, repository.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
		slog.Error("failed to save rule config", "id", ruleConfig.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to save rule"})
		return
	}

	slog.Info("rule created", "id", ruleConfig.ID, "name", ruleConfig.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    ruleConfig,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads all rules from the database into the engine.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	dbRules, err := h.repo.ListRuleConfigs(r.Context())
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to load rules from database"})
		return
	}

	if err := h.engine.ReloadRules(dbRules); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to reload rules: " + err.Error()})
		return
	}

	slog.Info("rules reloaded from database", "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
	})
}

func (h *Handler) requireRepo(w http.ResponseWriter) bool {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "repository not available"})
		return false
	}
	return true
}

// writeMalformed answers 400 and names the offending field when known.
func writeMalformed(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}
	var fe *domain.FieldError
	if errors.As(err, &fe) {
		resp.Field = fe.Field
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "request body too large"})
		return
	}
	writeJSON(w, http.StatusBadRequest, resp)
}

func writeLookupError(w http.ResponseWriter, kind, id string, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: kind + " not found"})
		return
	}
	slog.Error("failed to get "+kind, "id", id, "error", err)
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to get " + kind})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
