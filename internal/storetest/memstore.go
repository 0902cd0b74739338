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

// Package storetest provides an in-memory store.Store implementation used
// across router, pipeline, and release controller unit tests so those
// packages can exercise the store.Tx API without a database. Transactions
// are serialized by a single mutex, but writes made inside one are applied
// immediately: Rollback releases the lock and does not undo them.
package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/canarylabs/promptcanary/internal/store"
)

// MemStore is a goroutine-safe, in-memory implementation of store.Store.
// It is not optimized; it exists purely to give unit tests an in-memory
// implementation of the store.Store and store.Tx interfaces.
type MemStore struct {
	mu sync.Mutex

	nextID int64

	prompts        map[int64]*store.Prompt
	versions       map[int64]*store.PromptVersion
	releases       map[int64]*store.PromptRelease // keyed by prompt ID
	suggestions    map[int64]*store.Suggestion
	responses      map[int64]*store.Response
	evaluations    map[int64]*store.Evaluation
	rollbackEvents map[int64]*store.RollbackEvent
	feedback       map[int64]*store.Feedback
}

var _ store.Store = (*MemStore)(nil)

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		prompts:        make(map[int64]*store.Prompt),
		versions:       make(map[int64]*store.PromptVersion),
		releases:       make(map[int64]*store.PromptRelease),
		suggestions:    make(map[int64]*store.Suggestion),
		responses:      make(map[int64]*store.Response),
		evaluations:    make(map[int64]*store.Evaluation),
		rollbackEvents: make(map[int64]*store.RollbackEvent),
		feedback:       make(map[int64]*store.Feedback),
	}
}

func (m *MemStore) newID() int64 {
	m.nextID++
	return m.nextID
}

func (m *MemStore) CreatePrompt(_ context.Context, text string) (*store.Prompt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := &store.Prompt{ID: m.newID(), Text: text, CreatedAt: time.Now()}
	m.prompts[p.ID] = p
	return p, nil
}

func (m *MemStore) GetPrompt(_ context.Context, id int64) (*store.Prompt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.prompts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemStore) CreateResponse(_ context.Context, promptID int64, modelName, text string) (*store.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if modelName == "" {
		modelName = "unknown"
	}
	r := &store.Response{ID: m.newID(), PromptID: promptID, ModelName: modelName, Text: text, CreatedAt: time.Now()}
	m.responses[r.ID] = r
	return r, nil
}

func (m *MemStore) GetResponse(_ context.Context, id int64) (*store.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.responses[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemStore) GetRelease(_ context.Context, promptID int64) (*store.PromptRelease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.releases[promptID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemStore) GetVersion(_ context.Context, id int64) (*store.PromptVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.versions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (m *MemStore) CreateSuggestion(_ context.Context, promptID int64, suggestedText, rationale string) (*store.Suggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &store.Suggestion{ID: m.newID(), PromptID: promptID, SuggestedText: suggestedText, Rationale: rationale, CreatedAt: time.Now()}
	m.suggestions[s.ID] = s
	return s, nil
}

func (m *MemStore) GetSuggestion(_ context.Context, id int64) (*store.Suggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.suggestions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemStore) LatestSuggestion(_ context.Context, promptID int64) (*store.Suggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *store.Suggestion
	for _, s := range m.suggestions {
		if s.PromptID != promptID {
			continue
		}
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) || (s.CreatedAt.Equal(latest.CreatedAt) && s.ID > latest.ID) {
			latest = s
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MemStore) ListSuggestions(_ context.Context, promptID int64) ([]*store.Suggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*store.Suggestion
	for _, s := range m.suggestions {
		if s.PromptID == promptID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sortSuggestionsDesc(out)
	return out, nil
}

func (m *MemStore) CreateEvaluation(_ context.Context, e *store.Evaluation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.ID = m.newID()
	e.CreatedAt = time.Now()
	cp := *e
	m.evaluations[e.ID] = &cp
	return nil
}

func (m *MemStore) ListEvaluations(_ context.Context, promptID int64, limit int) ([]*store.Evaluation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*store.Evaluation
	for _, e := range m.evaluations {
		if e.PromptID == promptID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sortEvaluationsDesc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) AggregateEvaluations(_ context.Context, promptID int64, windowDays int, isCanary bool) (store.EvalAggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aggregateLocked(promptID, windowDays, isCanary), nil
}

func (m *MemStore) aggregateLocked(promptID int64, windowDays int, isCanary bool) store.EvalAggregate {
	cutoff := time.Now().AddDate(0, 0, -windowDays)
	var sum float64
	var count int
	for _, e := range m.evaluations {
		if e.PromptID != promptID || e.IsCanary != isCanary {
			continue
		}
		if e.CreatedAt.Before(cutoff) {
			continue
		}
		sum += e.OverallScore
		count++
	}
	if count == 0 {
		return store.EvalAggregate{}
	}
	return store.EvalAggregate{Avg: sum / float64(count), Count: count}
}

func (m *MemStore) ListRollbackEvents(_ context.Context, promptID int64, limit int) ([]*store.RollbackEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*store.RollbackEvent
	for _, e := range m.rollbackEvents {
		if e.PromptID == promptID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sortRollbackEventsDesc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) CreateFeedback(_ context.Context, f *store.Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f.ID = m.newID()
	f.CreatedAt = time.Now()
	cp := *f
	m.feedback[f.ID] = &cp
	return nil
}

func (m *MemStore) Report(_ context.Context, windowDays int) (store.ReportResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -windowDays)
	result := store.ReportResult{WindowDays: windowDays, GeneratedAt: time.Now()}
	result.TotalPrompts = len(m.prompts)

	var activeSum, canarySum float64
	var activeCount, canaryCount int
	for _, e := range m.evaluations {
		if e.CreatedAt.Before(cutoff) {
			continue
		}
		result.TotalEvaluations++
		if e.IsCanary {
			canarySum += e.OverallScore
			canaryCount++
		} else {
			activeSum += e.OverallScore
			activeCount++
		}
	}
	if activeCount > 0 {
		result.ActiveAvgOverall = activeSum / float64(activeCount)
	}
	if canaryCount > 0 {
		result.CanaryAvgOverall = canarySum / float64(canaryCount)
	}
	for _, e := range m.rollbackEvents {
		if !e.CreatedAt.Before(cutoff) {
			result.TotalRollbacks++
		}
	}
	return result, nil
}

// PruneEvaluations deletes evaluations rows older than olderThan.
func (m *MemStore) PruneEvaluations(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pruned int64
	for id, e := range m.evaluations {
		if e.CreatedAt.Before(olderThan) {
			delete(m.evaluations, id)
			pruned++
		}
	}
	return pruned, nil
}

// BeginTx returns a transaction view over the same in-memory maps, guarded
// by the MemStore's single mutex for the transaction's lifetime -
// approximating the row-lock semantics SELECT ... FOR UPDATE provides in
// Postgres closely enough for unit tests.
func (m *MemStore) BeginTx(_ context.Context) (store.Tx, error) {
	m.mu.Lock()
	return &memTx{m: m, committed: false}, nil
}

type memTx struct {
	m         *MemStore
	committed bool
	done      bool
}

func (t *memTx) GetReleaseForUpdate(_ context.Context, promptID int64) (*store.PromptRelease, error) {
	r, ok := t.m.releases[promptID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (t *memTx) CreateRelease(_ context.Context, r *store.PromptRelease) error {
	if _, exists := t.m.releases[r.PromptID]; exists {
		return store.ErrConflict
	}
	r.ID = t.m.newID()
	cp := *r
	t.m.releases[r.PromptID] = &cp
	return nil
}

func (t *memTx) CreateVersion(_ context.Context, promptID int64, version int, text string, isActive bool) (*store.PromptVersion, error) {
	v := &store.PromptVersion{
		ID: t.m.newID(), PromptID: promptID, Version: version, Text: text, IsActive: isActive, CreatedAt: time.Now(),
	}
	t.m.versions[v.ID] = v
	cp := *v
	return &cp, nil
}

func (t *memTx) UpdateRelease(_ context.Context, r *store.PromptRelease) error {
	existing, ok := t.m.releases[r.PromptID]
	if !ok {
		return store.ErrNotFound
	}
	cp := *r
	cp.ID = existing.ID
	t.m.releases[r.PromptID] = &cp
	return nil
}

func (t *memTx) GetVersion(_ context.Context, id int64) (*store.PromptVersion, error) {
	v, ok := t.m.versions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (t *memTx) GetPrompt(_ context.Context, id int64) (*store.Prompt, error) {
	p, ok := t.m.prompts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (t *memTx) AggregateEvaluations(_ context.Context, promptID int64, windowDays int, isCanary bool) (store.EvalAggregate, error) {
	return t.m.aggregateLocked(promptID, windowDays, isCanary), nil
}

func (t *memTx) CreateRollbackEvent(_ context.Context, e *store.RollbackEvent) error {
	e.ID = t.m.newID()
	e.CreatedAt = time.Now()
	cp := *e
	t.m.rollbackEvents[e.ID] = &cp
	return nil
}

func (t *memTx) Commit(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.committed = true
	t.m.mu.Unlock()
	return nil
}

func (t *memTx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.m.mu.Unlock()
	return nil
}

func sortSuggestionsDesc(s []*store.Suggestion) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && less(s[j-1].CreatedAt, s[j-1].ID, s[j].CreatedAt, s[j].ID); j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

func sortEvaluationsDesc(e []*store.Evaluation) {
	for i := 1; i < len(e); i++ {
		for j := i; j > 0 && less(e[j-1].CreatedAt, e[j-1].ID, e[j].CreatedAt, e[j].ID); j-- {
			e[j], e[j-1] = e[j-1], e[j]
		}
	}
}

func sortRollbackEventsDesc(e []*store.RollbackEvent) {
	for i := 1; i < len(e); i++ {
		for j := i; j > 0 && less(e[j-1].CreatedAt, e[j-1].ID, e[j].CreatedAt, e[j].ID); j-- {
			e[j], e[j-1] = e[j-1], e[j]
		}
	}
}

// less reports whether (atA, idA) sorts before (atB, idB) in descending
// created-at, descending-id order - i.e. whether a swap is needed when atA
// is "older" than atB.
func less(atA time.Time, idA int64, atB time.Time, idB int64) bool {
	if atA.Equal(atB) {
		return idA < idB
	}
	return atA.Before(atB)
}
