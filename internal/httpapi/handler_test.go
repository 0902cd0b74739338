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

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canarylabs/promptcanary/internal/judge"
	"github.com/canarylabs/promptcanary/internal/pipeline"
	"github.com/canarylabs/promptcanary/internal/release"
	"github.com/canarylabs/promptcanary/internal/router"
	"github.com/canarylabs/promptcanary/internal/scoring"
	"github.com/canarylabs/promptcanary/internal/store"
	"github.com/canarylabs/promptcanary/internal/storetest"
)

type stubJudge struct {
	verdict judge.Verdict
}

func (s stubJudge) Judge(context.Context, string, string) judge.Verdict {
	return s.verdict
}

func (s stubJudge) Rewrite(_ context.Context, original, _ string) string {
	return original + judge.RewriteSuffix
}

func newTestHandler(t *testing.T, s store.Store) *Handler {
	t.Helper()
	scorer, err := scoring.NewScorer()
	require.NoError(t, err)

	p := pipeline.New(s, router.New(s), scorer, stubJudge{verdict: judge.Verdict{Notes: "looks fine"}}, nil, nil)
	rc := release.New(s, nil, nil, nil, logr.Discard(), release.Config{}, nil)
	return NewHandler(s, p, rc, stubJudge{}, logr.Discard())
}

func newTestMux(t *testing.T, s store.Store) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	newTestHandler(t, s).RegisterRoutes(mux)
	return mux
}

func doRequest(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = httptest.NewRequest(method, path, bytes.NewReader(b))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, r)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestHandleAnalyze_CreatesPromptAndScores(t *testing.T) {
	s := storetest.NewMemStore()
	mux := newTestMux(t, s)

	rec := doRequest(t, mux, http.MethodPost, "/analyze", map[string]any{
		"prompt": "Summarize the article in 3 bullets.",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp analyzeResponse
	decodeBody(t, rec, &resp)
	assert.NotZero(t, resp.PromptID)
	assert.Equal(t, "looks fine", resp.Notes)
}

func TestHandleAnalyze_MissingInputIs422(t *testing.T) {
	s := storetest.NewMemStore()
	mux := newTestMux(t, s)

	rec := doRequest(t, mux, http.MethodPost, "/analyze", map[string]any{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandleAnalyze_UnknownPromptIDIs404(t *testing.T) {
	s := storetest.NewMemStore()
	mux := newTestMux(t, s)

	rec := doRequest(t, mux, http.MethodPost, "/analyze", map[string]any{"prompt_id": 999})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleOptimize_ProducesSuggestion(t *testing.T) {
	s := storetest.NewMemStore()
	ctx := context.Background()
	prompt, err := s.CreatePrompt(ctx, "Summarize the article.")
	require.NoError(t, err)

	mux := newTestMux(t, s)
	rec := doRequest(t, mux, http.MethodGet, "/optimize?prompt_id="+itoa(prompt.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp optimizeResponse
	decodeBody(t, rec, &resp)
	assert.NotZero(t, resp.SuggestionID)
	assert.Contains(t, resp.SuggestedText, judge.RewriteSuffix)
}

func TestHandleOptimize_MissingPromptIDIs400(t *testing.T) {
	s := storetest.NewMemStore()
	mux := newTestMux(t, s)

	rec := doRequest(t, mux, http.MethodGet, "/optimize", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleOptimize_UnknownPromptIDIs404(t *testing.T) {
	s := storetest.NewMemStore()
	mux := newTestMux(t, s)

	rec := doRequest(t, mux, http.MethodGet, "/optimize?prompt_id=999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleFeedback_RecordsRating(t *testing.T) {
	s := storetest.NewMemStore()
	ctx := context.Background()
	prompt, err := s.CreatePrompt(ctx, "A")
	require.NoError(t, err)

	mux := newTestMux(t, s)
	rec := doRequest(t, mux, http.MethodPost, "/feedback", map[string]any{
		"prompt_id": prompt.ID,
		"rating":    4,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleFeedback_ResponseMismatchIs400(t *testing.T) {
	s := storetest.NewMemStore()
	ctx := context.Background()
	promptA, err := s.CreatePrompt(ctx, "A")
	require.NoError(t, err)
	promptB, err := s.CreatePrompt(ctx, "B")
	require.NoError(t, err)
	resp, err := s.CreateResponse(ctx, promptB.ID, "gpt-4o-mini", "some response")
	require.NoError(t, err)

	mux := newTestMux(t, s)
	rec := doRequest(t, mux, http.MethodPost, "/feedback", map[string]any{
		"prompt_id":   promptA.ID,
		"response_id": resp.ID,
		"rating":      4,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleFeedback_RatingOutOfRangeIs422(t *testing.T) {
	s := storetest.NewMemStore()
	ctx := context.Background()
	prompt, err := s.CreatePrompt(ctx, "A")
	require.NoError(t, err)

	mux := newTestMux(t, s)
	rec := doRequest(t, mux, http.MethodPost, "/feedback", map[string]any{
		"prompt_id": prompt.ID,
		"rating":    7,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandleFeedback_UnknownPromptIDIs404(t *testing.T) {
	s := storetest.NewMemStore()
	mux := newTestMux(t, s)

	rec := doRequest(t, mux, http.MethodPost, "/feedback", map[string]any{
		"prompt_id": 999,
		"rating":    4,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleHistory_ReturnsEvaluationsAndSuggestions(t *testing.T) {
	s := storetest.NewMemStore()
	ctx := context.Background()
	prompt, err := s.CreatePrompt(ctx, "A")
	require.NoError(t, err)
	require.NoError(t, s.CreateEvaluation(ctx, &store.Evaluation{PromptID: prompt.ID, OverallScore: 0.8}))

	mux := newTestMux(t, s)
	rec := doRequest(t, mux, http.MethodGet, "/history?prompt_id="+itoa(prompt.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp historyResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, prompt.ID, resp.PromptID)
	require.Len(t, resp.Evaluations, 1)
}

func TestHandleHistory_UnknownPromptIDIs404(t *testing.T) {
	s := storetest.NewMemStore()
	mux := newTestMux(t, s)

	rec := doRequest(t, mux, http.MethodGet, "/history?prompt_id=999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleReport_AggregatesAcrossPrompts(t *testing.T) {
	s := storetest.NewMemStore()
	ctx := context.Background()
	_, err := s.CreatePrompt(ctx, "A")
	require.NoError(t, err)

	mux := newTestMux(t, s)
	rec := doRequest(t, mux, http.MethodGet, "/report", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp store.ReportResult
	decodeBody(t, rec, &resp)
	assert.Equal(t, 1, resp.TotalPrompts)
}

func TestHandleRelease_MintsCanaryAndClampsPercent(t *testing.T) {
	s := storetest.NewMemStore()
	ctx := context.Background()
	prompt, err := s.CreatePrompt(ctx, "A")
	require.NoError(t, err)
	suggestion, err := s.CreateSuggestion(ctx, prompt.ID, "A, tightened.", "tighter")
	require.NoError(t, err)

	mux := newTestMux(t, s)
	rec := doRequest(t, mux, http.MethodPost, "/prompts/"+itoa(prompt.ID)+"/release", map[string]any{
		"suggestion_id":  suggestion.ID,
		"canary_percent": 500,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp release.ReleaseStatus
	decodeBody(t, rec, &resp)
	assert.Equal(t, 100, resp.CanaryPercent)
}

func TestHandleRelease_MismatchedSuggestionIs400(t *testing.T) {
	s := storetest.NewMemStore()
	ctx := context.Background()
	promptA, err := s.CreatePrompt(ctx, "A")
	require.NoError(t, err)
	promptB, err := s.CreatePrompt(ctx, "B")
	require.NoError(t, err)
	suggestion, err := s.CreateSuggestion(ctx, promptB.ID, "B, tightened.", "tighter")
	require.NoError(t, err)

	mux := newTestMux(t, s)
	rec := doRequest(t, mux, http.MethodPost, "/prompts/"+itoa(promptA.ID)+"/release", map[string]any{
		"suggestion_id":  suggestion.ID,
		"canary_percent": 25,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRelease_UnknownPromptIDIs404(t *testing.T) {
	s := storetest.NewMemStore()
	mux := newTestMux(t, s)

	rec := doRequest(t, mux, http.MethodPost, "/prompts/999/release", map[string]any{"canary_percent": 25})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleRelease_MalformedIDIs400(t *testing.T) {
	s := storetest.NewMemStore()
	mux := newTestMux(t, s)

	rec := doRequest(t, mux, http.MethodPost, "/prompts/not-a-number/release", map[string]any{"canary_percent": 25})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRollback_RevertsActiveCanary(t *testing.T) {
	s := storetest.NewMemStore()
	ctx := context.Background()
	prompt, err := s.CreatePrompt(ctx, "A")
	require.NoError(t, err)
	suggestion, err := s.CreateSuggestion(ctx, prompt.ID, "A, tightened.", "tighter")
	require.NoError(t, err)

	mux := newTestMux(t, s)
	releaseRec := doRequest(t, mux, http.MethodPost, "/prompts/"+itoa(prompt.ID)+"/release", map[string]any{
		"suggestion_id":  suggestion.ID,
		"canary_percent": 25,
	})
	require.Equal(t, http.StatusOK, releaseRec.Code)

	rec := doRequest(t, mux, http.MethodPost, "/prompts/"+itoa(prompt.ID)+"/rollback", map[string]any{
		"reason": "bad vibes",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleRollback_NoCanaryIs400(t *testing.T) {
	s := storetest.NewMemStore()
	ctx := context.Background()
	prompt, err := s.CreatePrompt(ctx, "A")
	require.NoError(t, err)
	suggestion, err := s.CreateSuggestion(ctx, prompt.ID, "A, tightened.", "tighter")
	require.NoError(t, err)

	mux := newTestMux(t, s)
	releaseRec := doRequest(t, mux, http.MethodPost, "/prompts/"+itoa(prompt.ID)+"/release", map[string]any{
		"suggestion_id":  suggestion.ID,
		"canary_percent": 25,
	})
	require.Equal(t, http.StatusOK, releaseRec.Code)

	first := doRequest(t, mux, http.MethodPost, "/prompts/"+itoa(prompt.ID)+"/rollback", nil)
	require.Equal(t, http.StatusOK, first.Code)

	second := doRequest(t, mux, http.MethodPost, "/prompts/"+itoa(prompt.ID)+"/rollback", nil)
	assert.Equal(t, http.StatusBadRequest, second.Code)
}

func TestHandleStatus_ReturnsReleaseAndRollbacks(t *testing.T) {
	s := storetest.NewMemStore()
	ctx := context.Background()
	prompt, err := s.CreatePrompt(ctx, "A")
	require.NoError(t, err)
	suggestion, err := s.CreateSuggestion(ctx, prompt.ID, "A, tightened.", "tighter")
	require.NoError(t, err)

	mux := newTestMux(t, s)
	releaseRec := doRequest(t, mux, http.MethodPost, "/prompts/"+itoa(prompt.ID)+"/release", map[string]any{
		"suggestion_id":  suggestion.ID,
		"canary_percent": 10,
	})
	require.Equal(t, http.StatusOK, releaseRec.Code)

	rec := doRequest(t, mux, http.MethodGet, "/prompts/"+itoa(prompt.ID)+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, 10, resp.CanaryPercent)
	require.NotNil(t, resp.CanaryVersionID)
}

func TestHandleStatus_UnknownPromptIDIs404(t *testing.T) {
	s := storetest.NewMemStore()
	mux := newTestMux(t, s)

	rec := doRequest(t, mux, http.MethodGet, "/prompts/999/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleCheck_NoCanaryIsOK(t *testing.T) {
	s := storetest.NewMemStore()
	ctx := context.Background()
	prompt, err := s.CreatePrompt(ctx, "A")
	require.NoError(t, err)

	mux := newTestMux(t, s)
	rec := doRequest(t, mux, http.MethodPost, "/prompts/"+itoa(prompt.ID)+"/check", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp release.CheckResult
	decodeBody(t, rec, &resp)
	assert.False(t, resp.RolledBack)
	assert.Equal(t, "no active canary", resp.Reason)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
