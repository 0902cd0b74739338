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

package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewScorer(t *testing.T) {
	s, err := NewScorer()
	require.NoError(t, err)
	assert.NotEmpty(t, s.vagueTerms)
}

func TestScore_FreshAnalyzeScenario(t *testing.T) {
	s, err := NewScorer()
	require.NoError(t, err)

	result := s.Score("Summarize the article in 3 bullets.")

	assert.InDelta(t, 0.433, result.LengthScore, 0.001)
	assert.Equal(t, 1.0, result.ClarityScore)
	assert.Equal(t, 1.0, result.ToxicityScore)
	assert.Equal(t, 0.811, result.Overall)
}

func TestLengthScore_Ideal(t *testing.T) {
	words := make([]string, idealWordCount)
	for i := range words {
		words[i] = "word"
	}
	text := joinWords(words)

	assert.Equal(t, 1.0, lengthScore(text))
}

func TestLengthScore_ClampsToZero(t *testing.T) {
	words := make([]string, idealWordCount+windowWidth+50)
	for i := range words {
		words[i] = "word"
	}
	text := joinWords(words)

	assert.Equal(t, 0.0, lengthScore(text))
}

func TestClarityScore_NoVagueTerms(t *testing.T) {
	s, err := NewScorer()
	require.NoError(t, err)

	assert.Equal(t, 1.0, s.clarityScore("this is precise and direct"))
}

func TestClarityScore_CountsOverlappingAcrossTerms(t *testing.T) {
	s, err := NewScorer()
	require.NoError(t, err)

	got := s.clarityScore("Maybe it's roughly 10, or approximately sort of close.")
	// "maybe" + "roughly" + "approximately" + "sort of" = 4 occurrences.
	assert.InDelta(t, 1-0.15*4, got, 0.001)
}

func TestClarityScore_ClampsToZero(t *testing.T) {
	s, err := NewScorer()
	require.NoError(t, err)

	text := "maybe maybe maybe maybe maybe maybe maybe maybe"
	assert.Equal(t, 0.0, s.clarityScore(text))
}

func TestToxicityScore_IsConstant(t *testing.T) {
	assert.Equal(t, 1.0, toxicityScore())
}

func TestCountNonOverlapping(t *testing.T) {
	assert.Equal(t, 2, countNonOverlapping("maybe this and maybe that", "maybe"))
	assert.Equal(t, 0, countNonOverlapping("precise text", "maybe"))
	assert.Equal(t, 0, countNonOverlapping("anything", ""))
}

func joinWords(words []string) string {
	out := ""
	for i, w := range words {
		if i > 0 {
			out += " "
		}
		out += w
	}
	return out
}
