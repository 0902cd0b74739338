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

package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/canarylabs/promptcanary/internal/store"
)

func freshProvider(t *testing.T) *Provider {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	_, connStr := freshDB(t)

	mg, err := NewMigrator(connStr, logr.Discard())
	require.NoError(t, err)
	require.NoError(t, mg.Up())
	require.NoError(t, mg.Close())

	cfg, err := pgxpool.ParseConfig(connStr)
	require.NoError(t, err)

	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return NewFromPool(pool)
}

func TestProvider_CreateAndGetPrompt(t *testing.T) {
	p := freshProvider(t)
	ctx := context.Background()

	created, err := p.CreatePrompt(ctx, "summarize this document")
	require.NoError(t, err)
	require.NotZero(t, created.ID)

	got, err := p.GetPrompt(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.Text, got.Text)
}

func TestProvider_GetPrompt_NotFound(t *testing.T) {
	p := freshProvider(t)

	_, err := p.GetPrompt(context.Background(), 999999)
	require.Error(t, err)
	require.True(t, errors.Is(err, store.ErrNotFound))
}

func TestProvider_SuggestionLifecycle(t *testing.T) {
	p := freshProvider(t)
	ctx := context.Background()

	prompt, err := p.CreatePrompt(ctx, "draft a reply")
	require.NoError(t, err)

	_, err = p.CreateSuggestion(ctx, prompt.ID, "draft a concise reply", "shorter is clearer")
	require.NoError(t, err)
	second, err := p.CreateSuggestion(ctx, prompt.ID, "draft a friendly reply", "warmer tone")
	require.NoError(t, err)

	latest, err := p.LatestSuggestion(ctx, prompt.ID)
	require.NoError(t, err)
	require.Equal(t, second.ID, latest.ID)

	all, err := p.ListSuggestions(ctx, prompt.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestProvider_EvaluationAggregation(t *testing.T) {
	p := freshProvider(t)
	ctx := context.Background()

	prompt, err := p.CreatePrompt(ctx, "translate this")
	require.NoError(t, err)

	require.NoError(t, p.CreateEvaluation(ctx, &store.Evaluation{
		PromptID: prompt.ID, LengthScore: 0.8, ClarityScore: 0.9, ToxicityScore: 1.0,
		OverallScore: 0.9, IsCanary: false,
	}))
	require.NoError(t, p.CreateEvaluation(ctx, &store.Evaluation{
		PromptID: prompt.ID, LengthScore: 0.5, ClarityScore: 0.6, ToxicityScore: 1.0,
		OverallScore: 0.7, IsCanary: true,
	}))

	activeAgg, err := p.AggregateEvaluations(ctx, prompt.ID, 30, false)
	require.NoError(t, err)
	require.Equal(t, 1, activeAgg.Count)
	require.InDelta(t, 0.9, activeAgg.Avg, 0.0001)

	canaryAgg, err := p.AggregateEvaluations(ctx, prompt.ID, 30, true)
	require.NoError(t, err)
	require.Equal(t, 1, canaryAgg.Count)
	require.InDelta(t, 0.7, canaryAgg.Avg, 0.0001)

	list, err := p.ListEvaluations(ctx, prompt.ID, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestProvider_TxReleaseBootstrapAndUpdate(t *testing.T) {
	p := freshProvider(t)
	ctx := context.Background()

	prompt, err := p.CreatePrompt(ctx, "greet the user")
	require.NoError(t, err)

	tx, err := p.BeginTx(ctx)
	require.NoError(t, err)

	v1, err := tx.CreateVersion(ctx, prompt.ID, 1, prompt.Text, true)
	require.NoError(t, err)

	release := &store.PromptRelease{PromptID: prompt.ID, ActiveVersionID: v1.ID, CanaryPercent: 0}
	require.NoError(t, tx.CreateRelease(ctx, release))
	require.NoError(t, tx.Commit(ctx))

	got, err := p.GetRelease(ctx, prompt.ID)
	require.NoError(t, err)
	require.Equal(t, v1.ID, got.ActiveVersionID)
	require.Nil(t, got.CanaryVersionID)

	tx2, err := p.BeginTx(ctx)
	require.NoError(t, err)
	locked, err := tx2.GetReleaseForUpdate(ctx, prompt.ID)
	require.NoError(t, err)

	v2, err := tx2.CreateVersion(ctx, prompt.ID, 2, "greet the user warmly", false)
	require.NoError(t, err)

	locked.CanaryVersionID = &v2.ID
	locked.CanaryPercent = 10
	require.NoError(t, tx2.UpdateRelease(ctx, locked))
	require.NoError(t, tx2.Commit(ctx))

	final, err := p.GetRelease(ctx, prompt.ID)
	require.NoError(t, err)
	require.NotNil(t, final.CanaryVersionID)
	require.Equal(t, v2.ID, *final.CanaryVersionID)
	require.Equal(t, 10, final.CanaryPercent)
}

func TestProvider_TxRollbackEvent(t *testing.T) {
	p := freshProvider(t)
	ctx := context.Background()

	prompt, err := p.CreatePrompt(ctx, "classify sentiment")
	require.NoError(t, err)

	tx, err := p.BeginTx(ctx)
	require.NoError(t, err)
	v1, err := tx.CreateVersion(ctx, prompt.ID, 1, prompt.Text, true)
	require.NoError(t, err)
	v2, err := tx.CreateVersion(ctx, prompt.ID, 2, "classify sentiment precisely", false)
	require.NoError(t, err)

	require.NoError(t, tx.CreateRollbackEvent(ctx, &store.RollbackEvent{
		PromptID: prompt.ID, FromVersionID: v2.ID, ToVersionID: v1.ID, Reason: "canary underperformed",
	}))
	require.NoError(t, tx.Commit(ctx))

	events, err := p.ListRollbackEvents(ctx, prompt.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "canary underperformed", events[0].Reason)
}

func TestProvider_TxRollback_DiscardsChanges(t *testing.T) {
	p := freshProvider(t)
	ctx := context.Background()

	prompt, err := p.CreatePrompt(ctx, "extract entities")
	require.NoError(t, err)

	tx, err := p.BeginTx(ctx)
	require.NoError(t, err)
	_, err = tx.CreateVersion(ctx, prompt.ID, 1, prompt.Text, true)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	_, err = p.GetRelease(ctx, prompt.ID)
	require.True(t, errors.Is(err, store.ErrNotFound))
}

func TestProvider_FeedbackAndReport(t *testing.T) {
	p := freshProvider(t)
	ctx := context.Background()

	prompt, err := p.CreatePrompt(ctx, "write a poem")
	require.NoError(t, err)
	resp, err := p.CreateResponse(ctx, prompt.ID, "gpt-4", "a short verse about rain")
	require.NoError(t, err)

	require.NoError(t, p.CreateFeedback(ctx, &store.Feedback{
		PromptID: prompt.ID, ResponseID: &resp.ID, Rating: 5, Comment: "loved it",
	}))

	require.NoError(t, p.CreateEvaluation(ctx, &store.Evaluation{
		PromptID: prompt.ID, ResponseID: &resp.ID, OverallScore: 0.95, ToxicityScore: 1.0,
	}))

	report, err := p.Report(ctx, 30)
	require.NoError(t, err)
	require.Equal(t, 1, report.TotalPrompts)
	require.Equal(t, 1, report.TotalEvaluations)
}
