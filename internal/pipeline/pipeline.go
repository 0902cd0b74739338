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

// Package pipeline orchestrates a single Analyze call: resolve the prompt,
// optionally record an external response, route to a served version, score
// it with both the heuristic and LLM judges, and persist the resulting
// Evaluation tagged with the version's role.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/canarylabs/promptcanary/internal/judge"
	"github.com/canarylabs/promptcanary/internal/metrics"
	"github.com/canarylabs/promptcanary/internal/router"
	"github.com/canarylabs/promptcanary/internal/scoring"
	"github.com/canarylabs/promptcanary/internal/store"
	"github.com/canarylabs/promptcanary/internal/tracing"
)

// Input carries the arguments to Analyze. At least one of PromptText or
// PromptID must be usable; see Validate.
type Input struct {
	// PromptText seeds a brand-new Prompt when PromptID is zero.
	PromptText string

	// PromptID selects an existing Prompt. Takes precedence over PromptText
	// when non-zero.
	PromptID int64

	// ResponseText, when non-empty after trimming, is recorded as a
	// Response linked to the resolved Prompt.
	ResponseText string

	// ModelName tags the optional Response; defaults to "unknown".
	ModelName string
}

// Validate enforces that Input carries enough information to resolve a
// Prompt.
func (in Input) Validate() error {
	if in.PromptID == 0 && strings.TrimSpace(in.PromptText) == "" {
		return fmt.Errorf("%w: either prompt text or prompt_id is required", store.ErrInvalidArgument)
	}
	return nil
}

// Scores is the result of one Analyze call, mirroring the persisted
// Evaluation's scoring fields.
type Scores struct {
	LengthScore   float64
	ClarityScore  float64
	ToxicityScore float64
	Overall       float64
	Notes         string
	IsCanary      bool
	VersionID     int64
}

// AnalyzePipeline wires the Router, HeuristicScorer, and LLMJudge together
// into the Analyze operation.
type AnalyzePipeline struct {
	store   store.Store
	router  *router.Router
	scorer  *scoring.Scorer
	judge   judge.Judge
	tracing *tracing.Provider
	metrics *metrics.Metrics
}

// New constructs an AnalyzePipeline. tp may be nil, in which case no spans
// are started and every stage gets a no-op span; mtx may be nil to disable
// metrics recording entirely.
func New(s store.Store, r *router.Router, scorer *scoring.Scorer, j judge.Judge, tp *tracing.Provider, mtx *metrics.Metrics) *AnalyzePipeline {
	return &AnalyzePipeline{store: s, router: r, scorer: scorer, judge: j, tracing: tp, metrics: mtx}
}

// Analyze resolves the Prompt named by in, routes it to a served version,
// scores that version's text, and persists the resulting Evaluation.
func (p *AnalyzePipeline) Analyze(ctx context.Context, in Input) (int64, Scores, error) {
	if err := in.Validate(); err != nil {
		return 0, Scores{}, err
	}

	promptID, err := p.resolve(ctx, in)
	if err != nil {
		return 0, Scores{}, fmt.Errorf("pipeline: resolve: %w", err)
	}

	var responseID *int64
	if text := strings.TrimSpace(in.ResponseText); text != "" {
		modelName := in.ModelName
		if modelName == "" {
			modelName = "unknown"
		}
		resp, err := p.store.CreateResponse(ctx, promptID, modelName, text)
		if err != nil {
			return 0, Scores{}, fmt.Errorf("pipeline: create response: %w", err)
		}
		responseID = &resp.ID
	}

	ctx, routeSpan := p.startSpan(ctx, "route", promptID)
	sel, err := p.router.ChooseVersion(ctx, promptID)
	tracing.RecordError(routeSpan, err)
	routeSpan.End()
	if err != nil {
		return 0, Scores{}, fmt.Errorf("pipeline: route: %w", err)
	}
	if sel.VersionID == 0 {
		return 0, Scores{}, fmt.Errorf("pipeline: route: %w", store.ErrNotFound)
	}

	_, scoreSpan := p.startSpan(ctx, "score", promptID)
	heuristic := p.scorer.Score(sel.Text)
	verdict := p.judge.Judge(ctx, sel.Text, in.ResponseText)
	tracing.SetSuccess(scoreSpan)
	scoreSpan.End()

	scores := Scores{
		LengthScore:   heuristic.LengthScore,
		ClarityScore:  heuristic.ClarityScore,
		ToxicityScore: heuristic.ToxicityScore,
		Overall:       heuristic.Overall,
		Notes:         verdict.Notes,
		IsCanary:      sel.IsCanary,
		VersionID:     sel.VersionID,
	}

	_, persistSpan := p.startSpan(ctx, "persist", promptID)
	eval := &store.Evaluation{
		PromptID:      promptID,
		ResponseID:    responseID,
		LengthScore:   scores.LengthScore,
		ClarityScore:  scores.ClarityScore,
		ToxicityScore: scores.ToxicityScore,
		OverallScore:  scores.Overall,
		Notes:         scores.Notes,
		IsCanary:      scores.IsCanary,
	}
	if err := p.store.CreateEvaluation(ctx, eval); err != nil {
		tracing.RecordError(persistSpan, err)
		persistSpan.End()
		return 0, Scores{}, fmt.Errorf("pipeline: persist evaluation: %w", err)
	}
	tracing.SetSuccess(persistSpan)
	persistSpan.End()

	if p.metrics != nil {
		p.metrics.RecordEvaluation(scores.IsCanary)
	}

	return promptID, scores, nil
}

// resolve loads an existing Prompt by id, or inserts a new one from seed
// text.
func (p *AnalyzePipeline) resolve(ctx context.Context, in Input) (int64, error) {
	if in.PromptID != 0 {
		prompt, err := p.store.GetPrompt(ctx, in.PromptID)
		if err != nil {
			return 0, err
		}
		return prompt.ID, nil
	}

	prompt, err := p.store.CreatePrompt(ctx, in.PromptText)
	if err != nil {
		return 0, err
	}
	return prompt.ID, nil
}

func (p *AnalyzePipeline) startSpan(ctx context.Context, stage string, promptID int64) (context.Context, trace.Span) {
	if p.tracing == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return p.tracing.StartStageSpan(ctx, stage, promptID)
}
