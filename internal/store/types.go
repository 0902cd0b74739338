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

// Package store defines the persistence abstraction for prompts, their
// versions, releases, evaluations, suggestions, and rollback events. It
// is deliberately storage-agnostic; internal/store/postgres provides the
// concrete implementation used in production.
package store

import "time"

// Prompt is the durable natural-language input to an LLM. Its Text is the
// seed for Version 1 only; the Prompt row itself never changes afterward.
type Prompt struct {
	ID        int64
	Text      string
	CreatedAt time.Time
}

// PromptVersion is an immutable text revision of a Prompt.
type PromptVersion struct {
	ID        int64
	PromptID  int64
	Version   int
	Text      string
	IsActive  bool
	CreatedAt time.Time
}

// PromptRelease is the per-prompt record identifying which version is
// active and which, if any, is in canary, and what fraction of traffic
// goes to the canary. There is exactly one per Prompt that has ever been
// served by the Router.
type PromptRelease struct {
	ID              int64
	PromptID        int64
	ActiveVersionID int64
	CanaryVersionID *int64
	CanaryPercent   int
}

// Suggestion is a candidate rewrite produced by the external Rewrite
// function, consumed by ReleaseController to mint a new canary version.
type Suggestion struct {
	ID            int64
	PromptID      int64
	SuggestedText string
	Rationale     string
	CreatedAt     time.Time
}

// Response is an optional external model response recorded alongside an
// Evaluation, e.g. for feedback correlation.
type Response struct {
	ID        int64
	PromptID  int64
	ModelName string
	Text      string
	CreatedAt time.Time
}

// Evaluation is the persisted outcome of one scoring pass over a served
// prompt/response, append-only, tagged with the role of the served
// version at the time it was produced.
type Evaluation struct {
	ID             int64
	PromptID       int64
	ResponseID     *int64
	LengthScore    float64
	ClarityScore   float64
	ToxicityScore  float64
	OverallScore   float64
	Notes          string
	IsCanary       bool
	CreatedAt      time.Time
}

// RollbackEvent is an append-only audit record emitted by ReleaseController
// on every rollback, automatic or manual.
type RollbackEvent struct {
	ID            int64
	PromptID      int64
	FromVersionID int64
	ToVersionID   int64
	Reason        string
	CreatedAt     time.Time
}

// Feedback is human-provided feedback on a prompt/response pair.
type Feedback struct {
	ID         int64
	PromptID   int64
	ResponseID *int64
	Rating     int
	Comment    string
	CreatedAt  time.Time
}

// EvalAggregate summarizes Evaluation rows for a single (prompt, is_canary)
// partition within a time window, as consumed by ReleaseController.Check.
type EvalAggregate struct {
	Avg   float64
	Count int
}
