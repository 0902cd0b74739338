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

package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"

	"github.com/go-logr/logr"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Dispatcher", func() {
	var (
		ctx     context.Context
		server  *httptest.Server
		calls   int32
		gotBody Payload
	)

	BeforeEach(func() {
		ctx = context.Background()
		calls = 0
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
			w.WriteHeader(http.StatusOK)
		}))
	})

	AfterEach(func() {
		server.Close()
	})

	It("posts the rollback payload with the expected shape", func() {
		d := NewDispatcher(server.URL, logr.Discard(), nil)
		d.Fire(ctx, 42, "auto-rollback: canary_avg 0.300 < active_avg 0.440", 0.3, 0.8)

		Eventually(func() int32 { return atomic.LoadInt32(&calls) }).Should(Equal(int32(1)))
		Expect(gotBody.Type).To(Equal("prompt_canary_rollback"))
		Expect(gotBody.PromptID).To(Equal(int64(42)))
		Expect(gotBody.CanaryAvg).To(Equal(0.3))
		Expect(gotBody.ActiveAvg).To(Equal(0.8))
	})

	It("does nothing when no URL is configured", func() {
		d := NewDispatcher("", logr.Discard(), nil)
		d.Fire(ctx, 1, "reason", 0.1, 0.9)
		Consistently(func() int32 { return atomic.LoadInt32(&calls) }).Should(Equal(int32(0)))
	})

	It("rate-limits repeated fires for the same prompt", func() {
		d := NewDispatcher(server.URL, logr.Discard(), nil)
		d.Fire(ctx, 7, "first", 0.3, 0.8)
		d.Fire(ctx, 7, "second", 0.3, 0.8)

		Eventually(func() int32 { return atomic.LoadInt32(&calls) }).Should(Equal(int32(1)))
		Consistently(func() int32 { return atomic.LoadInt32(&calls) }).Should(Equal(int32(1)))
	})

	It("swallows delivery failures without returning an error", func() {
		failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer failing.Close()

		d := NewDispatcher(failing.URL, logr.Discard(), nil)
		Expect(func() { d.Fire(ctx, 1, "reason", 0.1, 0.9) }).NotTo(Panic())
	})
})
