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

// Package judge defines the LLM-backed judging and rewriting contract.
// Both operations carry a never-fail guarantee: on any error the caller
// receives a well-formed fallback value rather than an error to handle.
package judge

import "context"

// Verdict is the LLM judge's assessment of a served prompt/response pair.
type Verdict struct {
	Clarity           float64 `json:"clarity"`
	Specificity       float64 `json:"specificity"`
	HallucinationRisk float64 `json:"hallucination_risk"`
	Overall           float64 `json:"overall"`
	Notes             string  `json:"notes"`
}

// FallbackVerdict is returned whenever Judge cannot complete a real call:
// missing credentials, network failure, timeout, or malformed response.
var FallbackVerdict = Verdict{
	Clarity:           0.7,
	Specificity:       0.6,
	HallucinationRisk: 0.4,
	Overall:           0.65,
	Notes:             "Tighten wording; add explicit constraints and success criteria.",
}

// RewriteSuffix is appended to the original prompt text when Rewrite
// cannot complete a real call.
const RewriteSuffix = " (Rewrite: be specific, add constraints, measurable success criteria.)"

// Judge is the never-fail LLM judging and rewriting contract. Implementations
// must never return an error from Judge or Rewrite; callers only ever see
// the (possibly fallback) value.
type Judge interface {
	// Judge scores prompt text and, when non-empty, an associated response.
	// On any failure it returns the fallback Verdict.
	Judge(ctx context.Context, prompt, response string) Verdict

	// Rewrite produces a candidate rewrite of original, optionally guided by
	// notes from a prior Judge call. On any failure it returns
	// original+RewriteSuffix.
	Rewrite(ctx context.Context, original, notes string) string
}
