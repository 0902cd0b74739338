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

// Package ratelimit admits HTTP requests onto the API surface through a
// single shared token bucket, configured by RATE_LIMIT_REQUESTS /
// RATE_LIMIT_WINDOW. It does not distinguish callers: the canary engine
// has no tenant concept, so one bucket for the whole process is enough.
package ratelimit

import (
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Limiter admits requests at a fixed rate with burst equal to the
// configured request count, so a quiet period can absorb a burst up to
// the full allowance before throttling kicks in.
type Limiter struct {
	limiter *rate.Limiter
}

// New builds a Limiter that allows requests requests per window.
func New(requests int, window time.Duration) *Limiter {
	if requests <= 0 {
		requests = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	perSecond := float64(requests) / window.Seconds()
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(perSecond), requests)}
}

// Allow reports whether a request may proceed right now, consuming a
// token if so.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// errorBody is the JSON shape written for a throttled request.
type errorBody struct {
	Error string `json:"error"`
}

// Middleware wraps next, rejecting requests with 429 once the shared
// bucket is exhausted. It never blocks: Allow is non-blocking so a burst
// of callers gets an immediate answer instead of queueing behind the
// HTTP handler goroutine pool.
func Middleware(l *Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow() {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(errorBody{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
