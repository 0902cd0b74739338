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

// Package scoring implements the heuristic, deterministic half of the
// scoring pipeline: prompt text in, three scores in [0,1] and their
// rounded average out. It has no I/O and no external dependencies other
// than decoding its own term-list config at construction time.
package scoring

import (
	"embed"
	"math"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed vague_terms.yaml
var vagueTermsFS embed.FS

// idealWordCount and windowWidth parameterize length_score: scores decay
// linearly to 0 as wordcount moves more than windowWidth words away from
// idealWordCount.
const (
	idealWordCount = 40
	windowWidth    = 60
	clarityPenalty = 0.15
)

type termList struct {
	Terms []string `yaml:"terms"`
}

// Scorer evaluates prompt/response text against the fixed vague-term set.
// The zero value is not usable; construct with NewScorer.
type Scorer struct {
	vagueTerms []string
}

// NewScorer loads the vague-term list embedded alongside this package and
// returns a ready-to-use Scorer.
func NewScorer() (*Scorer, error) {
	data, err := vagueTermsFS.ReadFile("vague_terms.yaml")
	if err != nil {
		return nil, err
	}

	var tl termList
	if err := yaml.Unmarshal(data, &tl); err != nil {
		return nil, err
	}

	return &Scorer{vagueTerms: tl.Terms}, nil
}

// Result holds the three component scores and their rounded overall.
type Result struct {
	LengthScore   float64
	ClarityScore  float64
	ToxicityScore float64
	Overall       float64
}

// Score evaluates text and returns the heuristic Result. It never errors
// and never blocks.
func (s *Scorer) Score(text string) Result {
	length := lengthScore(text)
	clarity := s.clarityScore(text)
	toxicity := toxicityScore()

	overall := roundTo((length + clarity + toxicity) / 3, 3)

	return Result{
		LengthScore:   length,
		ClarityScore:  clarity,
		ToxicityScore: toxicity,
		Overall:       overall,
	}
}

func lengthScore(text string) float64 {
	wordCount := len(strings.Fields(text))
	raw := 1 - math.Abs(float64(wordCount-idealWordCount))/windowWidth
	return clamp01(raw)
}

func (s *Scorer) clarityScore(text string) float64 {
	lower := strings.ToLower(text)
	var v int
	for _, term := range s.vagueTerms {
		v += countNonOverlapping(lower, term)
	}
	return clamp01(1 - clarityPenalty*float64(v))
}

// toxicityScore is a placeholder constant; a real content filter
// returning [0,1] can replace this without changing the Result contract.
func toxicityScore() float64 {
	return 1.0
}

func countNonOverlapping(haystack, needle string) int {
	if needle == "" {
		return 0
	}
	var count int
	for {
		idx := strings.Index(haystack, needle)
		if idx == -1 {
			break
		}
		count++
		haystack = haystack[idx+len(needle):]
	}
	return count
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func roundTo(v float64, places int) float64 {
	mult := math.Pow(10, float64(places))
	return math.Round(v*mult) / mult
}
