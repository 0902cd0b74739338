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
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
)

func TestOpenAIJudge_Judge_NoAPIKeyReturnsFallback(t *testing.T) {
	j := NewOpenAIJudge("", time.Second, logr.Discard())
	got := j.Judge(context.Background(), "summarize this", "")
	assert.Equal(t, FallbackVerdict, got)
}

func TestOpenAIJudge_Rewrite_NoAPIKeyReturnsFallback(t *testing.T) {
	j := NewOpenAIJudge("", time.Second, logr.Discard())
	got := j.Rewrite(context.Background(), "summarize this", "")
	assert.Equal(t, "summarize this"+RewriteSuffix, got)
}

func TestOpenAIJudge_Judge_SuccessfulCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"clarity\":0.9,\"specificity\":0.8,\"hallucination_risk\":0.1,\"overall\":0.85,\"notes\":\"good\"}"}}]}`))
	}))
	defer server.Close()

	j := NewOpenAIJudge("test-key", 2*time.Second, logr.Discard())
	j.httpClient = server.Client()
	j.endpoint = server.URL

	got := j.Judge(context.Background(), "summarize this", "")
	assert.Equal(t, 0.9, got.Clarity)
	assert.Equal(t, "good", got.Notes)
}

func TestOpenAIJudge_Judge_NetworkErrorReturnsFallback(t *testing.T) {
	j := NewOpenAIJudge("test-key", 200*time.Millisecond, logr.Discard())
	j.endpoint = "http://127.0.0.1:1"

	got := j.Judge(context.Background(), "summarize this", "")
	assert.Equal(t, FallbackVerdict, got)
}

func TestOpenAIJudge_Judge_MalformedResponseReturnsFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"not json"}}]}`))
	}))
	defer server.Close()

	j := NewOpenAIJudge("test-key", 2*time.Second, logr.Discard())
	j.httpClient = server.Client()
	j.endpoint = server.URL

	got := j.Judge(context.Background(), "summarize this", "")
	assert.Equal(t, FallbackVerdict, got)
}

func TestOpenAIJudge_Rewrite_SuccessfulCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"summarize this in exactly 3 bullets"}}]}`))
	}))
	defer server.Close()

	j := NewOpenAIJudge("test-key", 2*time.Second, logr.Discard())
	j.httpClient = server.Client()
	j.endpoint = server.URL

	got := j.Rewrite(context.Background(), "summarize this", "")
	assert.Equal(t, "summarize this in exactly 3 bullets", got)
}

func TestOpenAIJudge_Judge_MissingChoicesReturnsFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	j := NewOpenAIJudge("test-key", 2*time.Second, logr.Discard())
	j.httpClient = server.Client()
	j.endpoint = server.URL

	got := j.Judge(context.Background(), "summarize this", "")
	assert.Equal(t, FallbackVerdict, got)
}
