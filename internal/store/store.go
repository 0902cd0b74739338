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

package store

import (
	"context"
	"time"
)

// Store is the persistence abstraction used by every other component.
// Simple lookups and appends are plain methods; composite mutations that
// must be atomic (new version + release update + rollback event) go
// through BeginTx so callers control the transaction boundary explicitly,
// matching the teacher's own begin/commit/rollback idiom.
type Store interface {
	// CreatePrompt inserts a new Prompt with the given seed text.
	CreatePrompt(ctx context.Context, text string) (*Prompt, error)

	// GetPrompt returns the Prompt by id, or ErrNotFound.
	GetPrompt(ctx context.Context, id int64) (*Prompt, error)

	// CreateResponse inserts an external model response linked to a Prompt.
	CreateResponse(ctx context.Context, promptID int64, modelName, text string) (*Response, error)

	// GetResponse returns a Response by id, or ErrNotFound.
	GetResponse(ctx context.Context, id int64) (*Response, error)

	// GetRelease returns the PromptRelease for promptID, or ErrNotFound if
	// none has been created yet.
	GetRelease(ctx context.Context, promptID int64) (*PromptRelease, error)

	// GetVersion returns a PromptVersion by id, or ErrNotFound.
	GetVersion(ctx context.Context, id int64) (*PromptVersion, error)

	// CreateSuggestion inserts a Suggestion produced by the Rewrite function.
	CreateSuggestion(ctx context.Context, promptID int64, suggestedText, rationale string) (*Suggestion, error)

	// GetSuggestion returns a Suggestion by id, or ErrNotFound.
	GetSuggestion(ctx context.Context, id int64) (*Suggestion, error)

	// LatestSuggestion returns the most recently created Suggestion for a
	// Prompt, or ErrNotFound if none exist.
	LatestSuggestion(ctx context.Context, promptID int64) (*Suggestion, error)

	// ListSuggestions returns all Suggestions for a Prompt, newest first.
	ListSuggestions(ctx context.Context, promptID int64) ([]*Suggestion, error)

	// CreateEvaluation inserts an append-only Evaluation row. The ID field
	// is populated on return.
	CreateEvaluation(ctx context.Context, e *Evaluation) error

	// ListEvaluations returns Evaluations for a Prompt, newest first.
	ListEvaluations(ctx context.Context, promptID int64, limit int) ([]*Evaluation, error)

	// AggregateEvaluations computes the average overall_score and sample
	// count for a Prompt's Evaluations created within the last
	// windowDays, partitioned by isCanary. Nulls are treated as 0.
	AggregateEvaluations(ctx context.Context, promptID int64, windowDays int, isCanary bool) (EvalAggregate, error)

	// ListRollbackEvents returns the most recent RollbackEvents for a
	// Prompt, newest first, bounded by limit.
	ListRollbackEvents(ctx context.Context, promptID int64, limit int) ([]*RollbackEvent, error)

	// CreateFeedback inserts a Feedback row.
	CreateFeedback(ctx context.Context, f *Feedback) error

	// Report aggregates metrics across all Prompts for the given window.
	Report(ctx context.Context, windowDays int) (ReportResult, error)

	// PruneEvaluations deletes Evaluation rows older than olderThan and
	// returns the number of rows removed. Used by the retention sweep;
	// never called from the canary-decision path.
	PruneEvaluations(ctx context.Context, olderThan time.Time) (int64, error)

	// BeginTx starts a transaction exposing the operations that must be
	// atomic: release bootstrap, release mutation, rollback, and the
	// row-locked read in Check.
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx exposes the subset of Store operations that must run inside a single
// atomic transaction, with row-level locking on PromptRelease.
type Tx interface {
	// GetReleaseForUpdate loads the PromptRelease for promptID with a
	// row-level lock (SELECT ... FOR UPDATE or equivalent), or returns
	// ErrNotFound if none exists yet.
	GetReleaseForUpdate(ctx context.Context, promptID int64) (*PromptRelease, error)

	// CreateRelease inserts a new PromptRelease row (bootstrap path).
	CreateRelease(ctx context.Context, r *PromptRelease) error

	// CreateVersion inserts a new PromptVersion with the given 1-based
	// version number.
	CreateVersion(ctx context.Context, promptID int64, version int, text string, isActive bool) (*PromptVersion, error)

	// UpdateRelease persists the mutable fields of r (active_version_id,
	// canary_version_id, canary_percent) by id.
	UpdateRelease(ctx context.Context, r *PromptRelease) error

	// GetVersion returns a PromptVersion by id within the transaction.
	GetVersion(ctx context.Context, id int64) (*PromptVersion, error)

	// GetPrompt returns a Prompt by id within the transaction.
	GetPrompt(ctx context.Context, id int64) (*Prompt, error)

	// AggregateEvaluations mirrors Store.AggregateEvaluations but runs
	// against the transaction's connection, used by Check so the read is
	// consistent with the locked Release row.
	AggregateEvaluations(ctx context.Context, promptID int64, windowDays int, isCanary bool) (EvalAggregate, error)

	// CreateRollbackEvent inserts a RollbackEvent row.
	CreateRollbackEvent(ctx context.Context, e *RollbackEvent) error

	// Commit applies all changes made within the transaction.
	Commit(ctx context.Context) error

	// Rollback discards all changes made within the transaction. Safe to
	// call after Commit; it is then a no-op.
	Rollback(ctx context.Context) error
}

// ReportResult is the aggregate produced by Store.Report.
type ReportResult struct {
	WindowDays        int
	TotalPrompts      int
	TotalEvaluations  int
	ActiveAvgOverall  float64
	CanaryAvgOverall  float64
	TotalRollbacks    int
	GeneratedAt       time.Time
}
