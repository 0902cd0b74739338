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

// Package logctx provides structured logging context management. It allows
// storing and extracting common logging fields from context.Context,
// enabling consistent logging across the HTTP layer, the release
// controller, and the analyze pipeline.
package logctx

import (
	"context"
	"strconv"

	"github.com/go-logr/logr"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// Context keys for common logging fields.
const (
	// ContextKeyRequestID identifies the individual HTTP request.
	ContextKeyRequestID contextKey = "request_id"

	// ContextKeyPromptID identifies the prompt being operated on.
	ContextKeyPromptID contextKey = "prompt_id"

	// ContextKeyVersionID identifies the prompt version served or mutated.
	ContextKeyVersionID contextKey = "version_id"

	// ContextKeyStage identifies the processing stage (e.g. "route", "score", "release").
	ContextKeyStage contextKey = "stage"
)

var allContextKeys = []contextKey{
	ContextKeyRequestID,
	ContextKeyPromptID,
	ContextKeyVersionID,
	ContextKeyStage,
}

// WithRequestID returns a new context with the request ID set.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// WithPromptID returns a new context with the prompt ID set.
func WithPromptID(ctx context.Context, promptID int64) context.Context {
	return context.WithValue(ctx, ContextKeyPromptID, strconv.FormatInt(promptID, 10))
}

// WithVersionID returns a new context with the version ID set.
func WithVersionID(ctx context.Context, versionID int64) context.Context {
	return context.WithValue(ctx, ContextKeyVersionID, strconv.FormatInt(versionID, 10))
}

// WithStage returns a new context with the processing stage set.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, ContextKeyStage, stage)
}

// LogrValues extracts context values and returns them as key-value pairs
// suitable for use with logr.Logger.WithValues().
func LogrValues(ctx context.Context) []interface{} {
	var values []interface{}
	for _, key := range allContextKeys {
		if v := ctx.Value(key); v != nil {
			if s, ok := v.(string); ok && s != "" {
				values = append(values, string(key), s)
			}
		}
	}
	return values
}

// LoggerWithContext returns a logger enriched with all context values.
func LoggerWithContext(log logr.Logger, ctx context.Context) logr.Logger {
	values := LogrValues(ctx)
	if len(values) == 0 {
		return log
	}
	return log.WithValues(values...)
}

// RequestID extracts the request ID from the context.
func RequestID(ctx context.Context) string {
	if v := ctx.Value(ContextKeyRequestID); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
