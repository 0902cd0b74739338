/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package httpapi exposes the canary engine's JSON/HTTP surface: Analyze,
// Optimize, Feedback, History, Report, and the per-prompt release,
// rollback, status, and check endpoints.
package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/canarylabs/promptcanary/internal/httputil"
	"github.com/canarylabs/promptcanary/internal/judge"
	"github.com/canarylabs/promptcanary/internal/logctx"
	"github.com/canarylabs/promptcanary/internal/pipeline"
	"github.com/canarylabs/promptcanary/internal/release"
	"github.com/canarylabs/promptcanary/internal/schema"
	"github.com/canarylabs/promptcanary/internal/store"
)

const (
	defaultHistoryLimit  = 50
	defaultRollbackLimit = 5
	defaultWindowDays    = 30
)

// errResponseMismatch is returned when a feedback request's response_id
// does not belong to the given prompt_id; distinct from
// store.ErrInvalidArgument so the HTTP boundary can map it to 400 (bad
// request shape) rather than 422 (semantically invalid field).
var errResponseMismatch = errors.New("response does not belong to prompt")

// Handler provides HTTP endpoints for the canary engine.
type Handler struct {
	store    store.Store
	pipeline *pipeline.AnalyzePipeline
	release  *release.Controller
	judge    judge.Judge
	log      logr.Logger
	schema   *schema.Validator
}

// NewHandler creates a new canary-engine API handler.
func NewHandler(s store.Store, p *pipeline.AnalyzePipeline, rc *release.Controller, j judge.Judge, log logr.Logger) *Handler {
	return &Handler{store: s, pipeline: p, release: rc, judge: j, log: log.WithName("httpapi"), schema: schema.NewValidator()}
}

// decodeBody reads r.Body fully, validates it against the named schema, and
// decodes it into v. Validation runs before decode so a request that is
// well-formed JSON but violates the schema (unknown field, out-of-range
// value, wrong type) is rejected with a schema error rather than whatever
// decode happens to do with it.
func (h *Handler) decodeBody(r *http.Request, name schema.Name, v any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("%w: reading request body: %v", store.ErrInvalidArgument, err)
	}

	if err := h.schema.Validate(name, body); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidArgument, err)
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: malformed JSON body", store.ErrInvalidArgument)
	}
	return nil
}

// RegisterRoutes registers the canary-engine API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /analyze", h.handleAnalyze)
	mux.HandleFunc("GET /optimize", h.handleOptimize)
	mux.HandleFunc("POST /feedback", h.handleFeedback)
	mux.HandleFunc("GET /history", h.handleHistory)
	mux.HandleFunc("GET /report", h.handleReport)
	mux.HandleFunc("POST /prompts/{id}/release", h.handleRelease)
	mux.HandleFunc("POST /prompts/{id}/rollback", h.handleRollback)
	mux.HandleFunc("GET /prompts/{id}/status", h.handleStatus)
	mux.HandleFunc("POST /prompts/{id}/check", h.handleCheck)
}

// RequestIDMiddleware stamps every request with a request id (reusing an
// inbound X-Request-Id header when present) and attaches it to the
// request's context for structured logging.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := logctx.WithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// analyzeRequest is the JSON body for POST /analyze.
type analyzeRequest struct {
	Prompt    string `json:"prompt,omitempty"`
	PromptID  int64  `json:"prompt_id,omitempty"`
	Response  string `json:"response,omitempty"`
	ModelName string `json:"model_name,omitempty"`
}

// analyzeResponse is the JSON response for POST /analyze.
type analyzeResponse struct {
	PromptID      int64   `json:"prompt_id"`
	LengthScore   float64 `json:"length_score"`
	ClarityScore  float64 `json:"clarity_score"`
	ToxicityScore float64 `json:"toxicity_score"`
	Overall       float64 `json:"overall"`
	Notes         string  `json:"notes"`
	IsCanary      bool    `json:"is_canary"`
	VersionID     int64   `json:"version_id"`
}

func (h *Handler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := h.decodeBody(r, schema.Analyze, &req); err != nil {
		writeError(w, err)
		return
	}

	promptID, scores, err := h.pipeline.Analyze(r.Context(), pipeline.Input{
		PromptText:   req.Prompt,
		PromptID:     req.PromptID,
		ResponseText: req.Response,
		ModelName:    req.ModelName,
	})
	if err != nil {
		h.logUnexpected(err, "Analyze failed")
		writeError(w, err)
		return
	}

	_ = httputil.WriteJSON(w, http.StatusOK, analyzeResponse{
		PromptID:      promptID,
		LengthScore:   scores.LengthScore,
		ClarityScore:  scores.ClarityScore,
		ToxicityScore: scores.ToxicityScore,
		Overall:       scores.Overall,
		Notes:         scores.Notes,
		IsCanary:      scores.IsCanary,
		VersionID:     scores.VersionID,
	})
}

// optimizeResponse is the JSON response for GET /optimize.
type optimizeResponse struct {
	SuggestionID  int64  `json:"suggestion_id"`
	PromptID      int64  `json:"prompt_id"`
	SuggestedText string `json:"suggested_text"`
	Rationale     string `json:"rationale"`
}

func (h *Handler) handleOptimize(w http.ResponseWriter, r *http.Request) {
	promptID, err := parseQueryInt64(r, "prompt_id")
	if err != nil {
		writeErrorWithStatus(w, fmt.Errorf("%w: prompt_id is required", store.ErrInvalidArgument), http.StatusBadRequest)
		return
	}

	prompt, err := h.store.GetPrompt(r.Context(), promptID)
	if err != nil {
		h.logUnexpected(err, "GetPrompt failed", "prompt_id", promptID)
		writeError(w, err)
		return
	}

	notes := ""
	if evals, err := h.store.ListEvaluations(r.Context(), promptID, 1); err == nil && len(evals) > 0 {
		notes = evals[0].Notes
	}

	rewritten := h.judge.Rewrite(r.Context(), prompt.Text, notes)
	rationale := "LLM-judge rewrite"
	if notes != "" {
		rationale = "LLM-judge rewrite guided by most recent evaluation notes"
	}

	suggestion, err := h.store.CreateSuggestion(r.Context(), promptID, rewritten, rationale)
	if err != nil {
		h.logUnexpected(err, "CreateSuggestion failed", "prompt_id", promptID)
		writeError(w, err)
		return
	}

	_ = httputil.WriteJSON(w, http.StatusOK, optimizeResponse{
		SuggestionID:  suggestion.ID,
		PromptID:      promptID,
		SuggestedText: suggestion.SuggestedText,
		Rationale:     suggestion.Rationale,
	})
}

// feedbackRequest is the JSON body for POST /feedback.
type feedbackRequest struct {
	PromptID   int64  `json:"prompt_id"`
	ResponseID *int64 `json:"response_id,omitempty"`
	Rating     int    `json:"rating"`
	Comment    string `json:"comment,omitempty"`
}

func (h *Handler) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := h.decodeBody(r, schema.Feedback, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.PromptID == 0 {
		writeError(w, fmt.Errorf("%w: prompt_id is required", store.ErrInvalidArgument))
		return
	}

	if _, err := h.store.GetPrompt(r.Context(), req.PromptID); err != nil {
		writeError(w, err)
		return
	}

	if req.ResponseID != nil {
		resp, err := h.store.GetResponse(r.Context(), *req.ResponseID)
		if err != nil {
			writeError(w, err)
			return
		}
		if resp.PromptID != req.PromptID {
			writeError(w, fmt.Errorf("%w: response %d does not belong to prompt %d", errResponseMismatch, *req.ResponseID, req.PromptID))
			return
		}
	}

	if req.Rating < 1 || req.Rating > 5 {
		writeError(w, fmt.Errorf("%w: rating must be in [1,5]", store.ErrInvalidArgument))
		return
	}

	if err := h.store.CreateFeedback(r.Context(), &store.Feedback{
		PromptID:   req.PromptID,
		ResponseID: req.ResponseID,
		Rating:     req.Rating,
		Comment:    req.Comment,
	}); err != nil {
		h.logUnexpected(err, "CreateFeedback failed", "prompt_id", req.PromptID)
		writeError(w, err)
		return
	}

	_ = httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// historyResponse is the JSON response for GET /history.
type historyResponse struct {
	PromptID    int64               `json:"prompt_id"`
	Text        string              `json:"text"`
	Evaluations []*store.Evaluation `json:"evaluations"`
	Suggestions []*store.Suggestion `json:"suggestions"`
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	promptID, err := parseQueryInt64(r, "prompt_id")
	if err != nil {
		writeErrorWithStatus(w, fmt.Errorf("%w: prompt_id is required", store.ErrInvalidArgument), http.StatusBadRequest)
		return
	}

	prompt, err := h.store.GetPrompt(r.Context(), promptID)
	if err != nil {
		writeError(w, err)
		return
	}

	evals, err := h.store.ListEvaluations(r.Context(), promptID, defaultHistoryLimit)
	if err != nil {
		h.logUnexpected(err, "ListEvaluations failed", "prompt_id", promptID)
		writeError(w, err)
		return
	}

	suggestions, err := h.store.ListSuggestions(r.Context(), promptID)
	if err != nil {
		h.logUnexpected(err, "ListSuggestions failed", "prompt_id", promptID)
		writeError(w, err)
		return
	}

	_ = httputil.WriteJSON(w, http.StatusOK, historyResponse{
		PromptID:    promptID,
		Text:        prompt.Text,
		Evaluations: evals,
		Suggestions: suggestions,
	})
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	windowDays := parseIntParam(r, "window_days", defaultWindowDays)

	report, err := h.store.Report(r.Context(), windowDays)
	if err != nil {
		h.logUnexpected(err, "Report failed")
		writeError(w, err)
		return
	}

	_ = httputil.WriteJSON(w, http.StatusOK, report)
}

// releaseRequest is the JSON body for POST /prompts/{id}/release.
type releaseRequest struct {
	SuggestionID  int64 `json:"suggestion_id,omitempty"`
	CanaryPercent int   `json:"canary_percent"`
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	promptID, err := pathInt64(r, "id")
	if err != nil {
		writeErrorWithStatus(w, err, http.StatusBadRequest)
		return
	}

	var req releaseRequest
	if err := h.decodeBody(r, schema.Release, &req); err != nil {
		writeErrorWithStatus(w, err, http.StatusBadRequest)
		return
	}

	status, err := h.release.Release(r.Context(), promptID, req.SuggestionID, req.CanaryPercent)
	if err != nil {
		h.logUnexpected(err, "Release failed", "prompt_id", promptID)
		writeErrorWithStatus(w, err, http.StatusBadRequest)
		return
	}

	_ = httputil.WriteJSON(w, http.StatusOK, status)
}

// rollbackRequest is the JSON body for POST /prompts/{id}/rollback.
type rollbackRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) {
	promptID, err := pathInt64(r, "id")
	if err != nil {
		writeErrorWithStatus(w, err, http.StatusBadRequest)
		return
	}

	var req rollbackRequest
	if err := h.decodeBody(r, schema.Rollback, &req); err != nil {
		writeErrorWithStatus(w, err, http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}

	ack, err := h.release.Rollback(r.Context(), promptID, req.Reason)
	if err != nil {
		h.logUnexpected(err, "Rollback failed", "prompt_id", promptID)
		writeErrorWithStatus(w, err, http.StatusBadRequest)
		return
	}

	_ = httputil.WriteJSON(w, http.StatusOK, ack)
}

// statusResponse is the JSON response for GET /prompts/{id}/status.
type statusResponse struct {
	PromptID        int64                  `json:"prompt_id"`
	ActiveVersionID int64                  `json:"active_version_id"`
	CanaryVersionID *int64                 `json:"canary_version_id,omitempty"`
	CanaryPercent   int                    `json:"canary_percent"`
	RecentRollbacks []*store.RollbackEvent `json:"recent_rollbacks"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	promptID, err := pathInt64(r, "id")
	if err != nil {
		writeErrorWithStatus(w, err, http.StatusBadRequest)
		return
	}

	rel, err := h.store.GetRelease(r.Context(), promptID)
	if err != nil {
		writeError(w, err)
		return
	}

	rollbacks, err := h.store.ListRollbackEvents(r.Context(), promptID, defaultRollbackLimit)
	if err != nil {
		h.logUnexpected(err, "ListRollbackEvents failed", "prompt_id", promptID)
		writeError(w, err)
		return
	}

	_ = httputil.WriteJSON(w, http.StatusOK, statusResponse{
		PromptID:        promptID,
		ActiveVersionID: rel.ActiveVersionID,
		CanaryVersionID: rel.CanaryVersionID,
		CanaryPercent:   rel.CanaryPercent,
		RecentRollbacks: rollbacks,
	})
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	promptID, err := pathInt64(r, "id")
	if err != nil {
		writeErrorWithStatus(w, err, http.StatusBadRequest)
		return
	}

	result, err := h.release.Check(r.Context(), promptID, release.CheckOptions{})
	if err != nil {
		h.logUnexpected(err, "Check failed", "prompt_id", promptID)
		writeError(w, err)
		return
	}

	_ = httputil.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) logUnexpected(err error, msg string, kv ...any) {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidArgument) {
		return
	}
	h.log.Error(err, msg, kv...)
}

func pathInt64(r *http.Request, name string) (int64, error) {
	v := r.PathValue(name)
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s path parameter %q", store.ErrInvalidArgument, name, v)
	}
	return id, nil
}

func parseQueryInt64(r *http.Request, name string) (int64, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return 0, fmt.Errorf("missing query parameter %s", name)
	}
	return strconv.ParseInt(v, 10, 64)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}

// errorResponse is the JSON response for errors.
type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps known store errors to HTTP status codes and writes a
// JSON error response using the default InvalidArgument mapping (422).
func writeError(w http.ResponseWriter, err error) {
	writeErrorWithStatus(w, err, http.StatusUnprocessableEntity)
}

// writeErrorWithStatus is writeError with the InvalidArgument status
// overridden to invalidArgStatus, for endpoints where a malformed request
// against an otherwise-valid resource should read as 400 rather than 422.
func writeErrorWithStatus(w http.ResponseWriter, err error, invalidArgStatus int) {
	status := http.StatusInternalServerError
	msg := "internal server error"

	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
		msg = "not found"
	case errors.Is(err, errResponseMismatch):
		status = http.StatusBadRequest
		msg = err.Error()
	case errors.Is(err, store.ErrInvalidArgument):
		status = invalidArgStatus
		msg = err.Error()
	case errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
		msg = "concurrent modification, retry"
	case errors.Is(err, store.ErrDeadlineExceeded):
		status = http.StatusGatewayTimeout
		msg = "deadline exceeded"
	}

	w.Header().Set(httputil.HeaderContentType, httputil.ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg})
}
