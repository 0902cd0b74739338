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

// Package config provides environment-driven configuration for the
// promptcanary engine. A single Options value is constructed once at
// startup and injected into every component that needs it; there are no
// package-level configuration singletons.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Default values applied when the corresponding environment variable is
// unset or fails to parse.
const (
	DefaultCanaryMinSamples   = 30
	DefaultCanaryThreshold    = 0.55
	DefaultWindowDaysValue    = 30
	DefaultRateLimitRequests  = 100
	DefaultRateLimitWindow    = time.Minute
	DefaultHealthCheckTimeout = 30 * time.Second
	DefaultJudgeTimeout       = 10 * time.Second
)

// Options holds all configuration for the canary engine, resolved once at
// process startup from the environment.
type Options struct {
	// DatabaseURL is the Postgres connection string backing the Store.
	DatabaseURL string

	// OpenAIAPIKey authorizes the LLM judge/rewrite adapter. When empty,
	// LLMJudge permanently returns its fallback result.
	OpenAIAPIKey string

	// WebhookURL receives best-effort notifications on automatic rollback.
	// When empty, no webhook is emitted.
	WebhookURL string

	// RedisAddr, when set, backs the asynchronous canary-check work queue.
	// When empty, the health check scheduled by Release runs inline on a
	// detached goroutine instead of being enqueued.
	RedisAddr string

	// CanaryMinSamples is the minimum number of canary evaluations required
	// before Check will render a verdict.
	CanaryMinSamples int

	// CanaryThreshold is the fraction of active performance a canary must
	// retain to avoid automatic rollback, in (0,1].
	CanaryThreshold float64

	// DefaultWindowDays bounds how far back Check aggregates evaluations
	// when the caller does not specify a window.
	DefaultWindowDays int

	// RateLimitRequests and RateLimitWindow define the HTTP surface's
	// token-bucket rate limit: RateLimitRequests tokens refilled every
	// RateLimitWindow.
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// HealthCheckTimeout bounds the detached asynchronous canary check
	// spawned after Release; it never blocks the originating HTTP response.
	HealthCheckTimeout time.Duration

	// JudgeTimeout is the upper bound past which LLMJudge returns its
	// fallback instead of waiting on the provider.
	JudgeTimeout time.Duration
}

// FromEnv builds Options from the environment, applying defaults for every
// value that is unset or fails to parse.
func FromEnv() (Options, error) {
	opts := Options{
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		OpenAIAPIKey:       os.Getenv("OPENAI_API_KEY"),
		WebhookURL:         os.Getenv("WEBHOOK_URL"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		CanaryMinSamples:   envInt("CANARY_MIN_SAMPLES", DefaultCanaryMinSamples),
		CanaryThreshold:    envFloat("CANARY_THRESHOLD", DefaultCanaryThreshold),
		DefaultWindowDays:  envInt("DEFAULT_WINDOW_DAYS", DefaultWindowDaysValue),
		RateLimitRequests:  envInt("RATE_LIMIT_REQUESTS", DefaultRateLimitRequests),
		RateLimitWindow:    envDuration("RATE_LIMIT_WINDOW", DefaultRateLimitWindow),
		HealthCheckTimeout: envDuration("HEALTH_CHECK_TIMEOUT", DefaultHealthCheckTimeout),
		JudgeTimeout:       envDuration("JUDGE_TIMEOUT", DefaultJudgeTimeout),
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// Validate checks invariants that must hold before the engine can serve
// traffic.
func (o *Options) Validate() error {
	if o.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if o.CanaryThreshold <= 0 || o.CanaryThreshold > 1 {
		return fmt.Errorf("config: CANARY_THRESHOLD must be in (0,1], got %v", o.CanaryThreshold)
	}
	if o.CanaryMinSamples < 0 {
		return fmt.Errorf("config: CANARY_MIN_SAMPLES must be >= 0, got %d", o.CanaryMinSamples)
	}
	return nil
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
