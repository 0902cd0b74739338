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

package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

var _ Judge = (*OpenAIJudge)(nil)

const (
	chatCompletionsURL = "https://api.openai.com/v1/chat/completions"
	defaultModel       = "gpt-4o-mini"
	defaultTemperature = 0.2

	judgeSystemPrompt = `You are a strict evaluator of LLM prompts. Given a prompt and ` +
		`optionally its response, rate clarity, specificity, and hallucination_risk each ` +
		`in [0,1], an overall score in [0,1], and brief notes. Respond ONLY as JSON: ` +
		`{"clarity":F,"specificity":F,"hallucination_risk":F,"overall":F,"notes":"..."}`

	rewriteSystemPrompt = `You rewrite LLM prompts to be more specific and measurable. ` +
		`Respond with ONLY the rewritten prompt text, nothing else.`
)

// The circuit opens after breakerTripCount consecutive OpenAI failures, so a
// flapping provider does not serialize every request through a slow timeout.
// breakerOpenTimeout is how long it stays open, breakerMaxRequests caps the
// trial requests allowed while half-open, and breakerInterval is the period
// after which the closed-state failure counts reset.
const (
	breakerMaxRequests = 3
	breakerInterval    = time.Minute
	breakerOpenTimeout = 30 * time.Second
	breakerTripCount   = 5

	rateLimitRPS   = 5
	rateLimitBurst = 5
)

// OpenAIJudge calls the OpenAI chat completions API directly over
// net/http. It never returns an error from Judge or Rewrite: any failure
// (missing key, network error, timeout, malformed response, open breaker)
// yields the package's fallback values.
type OpenAIJudge struct {
	apiKey     string
	model      string
	endpoint   string
	timeout    time.Duration
	httpClient *http.Client
	logger     logr.Logger

	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
}

// NewOpenAIJudge constructs an OpenAIJudge. When apiKey is empty, Judge and
// Rewrite short-circuit to their fallback values without attempting any
// network call.
func NewOpenAIJudge(apiKey string, timeout time.Duration, logger logr.Logger) *OpenAIJudge {
	settings := gobreaker.Settings{
		Name:        "openai-judge",
		MaxRequests: breakerMaxRequests,
		Interval:    breakerInterval,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripCount
		},
	}

	return &OpenAIJudge{
		apiKey:     apiKey,
		model:      defaultModel,
		endpoint:   chatCompletionsURL,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Limit(rateLimitRPS), rateLimitBurst),
		breaker:    gobreaker.NewCircuitBreaker[[]byte](settings),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Judge scores prompt/response via OpenAI. See the Judge interface for the
// never-fail contract.
func (j *OpenAIJudge) Judge(ctx context.Context, prompt, response string) Verdict {
	if j.apiKey == "" {
		return FallbackVerdict
	}

	content := prompt
	if response != "" {
		content = fmt.Sprintf("Prompt:\n%s\n\nResponse:\n%s", prompt, response)
	}

	body, err := j.call(ctx, judgeSystemPrompt, content)
	if err != nil {
		j.logger.V(1).Info("judge call failed, returning fallback", "error", err.Error())
		return FallbackVerdict
	}

	var v Verdict
	if err := json.Unmarshal(body, &v); err != nil {
		j.logger.V(1).Info("judge response malformed, returning fallback", "error", err.Error())
		return FallbackVerdict
	}

	return v
}

// Rewrite produces a candidate rewrite via OpenAI. See the Judge interface
// for the never-fail contract.
func (j *OpenAIJudge) Rewrite(ctx context.Context, original, notes string) string {
	if j.apiKey == "" {
		return original + RewriteSuffix
	}

	content := original
	if notes != "" {
		content = fmt.Sprintf("Original prompt:\n%s\n\nJudge notes:\n%s", original, notes)
	}

	body, err := j.call(ctx, rewriteSystemPrompt, content)
	if err != nil {
		j.logger.V(1).Info("rewrite call failed, returning fallback", "error", err.Error())
		return original + RewriteSuffix
	}

	return string(body)
}

// call performs a single chat-completion request, admitted by the rate
// limiter and protected by the circuit breaker, bounded by j.timeout.
func (j *OpenAIJudge) call(ctx context.Context, systemPrompt, content string) ([]byte, error) {
	if err := j.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("judge: rate limit wait: %w", err)
	}

	result, err := j.breaker.Execute(func() ([]byte, error) {
		return j.doCall(ctx, systemPrompt, content)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (j *OpenAIJudge) doCall(ctx context.Context, systemPrompt, content string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	reqBody, err := json.Marshal(chatRequest{
		Model:       j.model,
		Temperature: defaultTemperature,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: content},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, j.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+j.apiKey)

	resp, err := j.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("POST chat completions: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chat completions returned status %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("chat completions returned no choices")
	}

	return []byte(parsed.Choices[0].Message.Content), nil
}
