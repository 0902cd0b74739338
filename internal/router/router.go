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

// Package router selects which PromptVersion to serve for a single
// request, lazily bootstrapping a version-1 release for prompts that have
// none yet.
package router

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/canarylabs/promptcanary/internal/store"
)

// Selection is the outcome of ChooseVersion.
type Selection struct {
	Text      string
	IsCanary  bool
	VersionID int64
}

// Router chooses a served version per request and bootstraps a Release on
// first contact with a Prompt that has none.
type Router struct {
	store store.Store
}

// New constructs a Router backed by s.
func New(s store.Store) *Router {
	return &Router{store: s}
}

// ChooseVersion implements the traffic-split decision described in the
// router's state diagram: bootstrap on first contact, then either draw a
// canary split or return the active version. If promptID does not resolve
// to an existing Prompt, it returns a zero Selection and a nil error -
// there is simply nothing to route.
func (r *Router) ChooseVersion(ctx context.Context, promptID int64) (Selection, error) {
	release, err := r.store.GetRelease(ctx, promptID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		release, err = r.bootstrap(ctx, promptID)
		if errors.Is(err, store.ErrConflict) {
			// Lost the race to bootstrap this Prompt: another request
			// already committed Version 1 and the Release row between our
			// GetRelease and CreateVersion. Re-read what the winner wrote
			// instead of surfacing its conflict to this caller.
			release, err = r.store.GetRelease(ctx, promptID)
		}
		if errors.Is(err, store.ErrNotFound) {
			return Selection{}, nil
		}
		if err != nil {
			return Selection{}, err
		}
	case err != nil:
		return Selection{}, fmt.Errorf("router: get release: %w", err)
	}

	if release.CanaryVersionID != nil && release.CanaryPercent > 0 {
		draw := rand.IntN(100) + 1 // uniform integer in [1,100]
		if draw <= release.CanaryPercent {
			v, err := r.store.GetVersion(ctx, *release.CanaryVersionID)
			if err != nil {
				return Selection{}, fmt.Errorf("router: get canary version: %w", err)
			}
			return Selection{Text: v.Text, IsCanary: true, VersionID: v.ID}, nil
		}
	}

	v, err := r.store.GetVersion(ctx, release.ActiveVersionID)
	if err != nil {
		return Selection{}, fmt.Errorf("router: get active version: %w", err)
	}
	return Selection{Text: v.Text, IsCanary: false, VersionID: v.ID}, nil
}

// bootstrap creates Version 1 from the Prompt's seed text and a fresh
// Release pointing to it, atomically. Returns store.ErrNotFound if the
// Prompt itself does not exist.
func (r *Router) bootstrap(ctx context.Context, promptID int64) (*store.PromptRelease, error) {
	prompt, err := r.store.GetPrompt(ctx, promptID)
	if err != nil {
		return nil, fmt.Errorf("router: bootstrap: %w", err)
	}

	tx, err := r.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("router: bootstrap: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	v1, err := tx.CreateVersion(ctx, prompt.ID, 1, prompt.Text, true)
	if err != nil {
		return nil, fmt.Errorf("router: bootstrap: create version 1: %w", err)
	}

	release := &store.PromptRelease{
		PromptID:        prompt.ID,
		ActiveVersionID: v1.ID,
		CanaryPercent:   0,
	}
	if err := tx.CreateRelease(ctx, release); err != nil {
		return nil, fmt.Errorf("router: bootstrap: create release: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("router: bootstrap: commit: %w", err)
	}

	return release, nil
}
