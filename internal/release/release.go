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

// Package release implements ReleaseController, the state machine that
// mints canary versions from suggestions, runs the windowed health check
// that compares canary and active performance, and performs automatic or
// manual rollback with an audit trail and best-effort webhook.
package release

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/trace"

	"github.com/canarylabs/promptcanary/internal/metrics"
	"github.com/canarylabs/promptcanary/internal/store"
	"github.com/canarylabs/promptcanary/internal/tracing"
	"github.com/canarylabs/promptcanary/internal/webhook"
)

// rollbackEpsilon is the slack subtracted from canary_avg before comparing
// against active_avg * threshold, so floating-point noise at the boundary
// never tips a genuinely-equal canary into rollback.
const rollbackEpsilon = 1e-9

// withConflictRetry runs fn once, and if it fails with store.ErrConflict
// (another transaction won a race on the same row), retries it exactly
// once more before surfacing the error to the caller.
func withConflictRetry(fn func() error) error {
	err := fn()
	if errors.Is(err, store.ErrConflict) {
		err = fn()
	}
	return err
}

// Scheduler schedules an asynchronous canary health check for a prompt,
// fire-and-forget. Implementations must never block the caller; if the
// scheduling mechanism itself is unavailable, the check is simply deferred
// to the next on-demand Check call.
type Scheduler interface {
	ScheduleCheck(ctx context.Context, promptID int64)
}

// NoopScheduler schedules nothing, matching "deferred to the next on-demand
// invocation" when no async mechanism is configured.
type NoopScheduler struct{}

// ScheduleCheck does nothing.
func (NoopScheduler) ScheduleCheck(context.Context, int64) {}

// checkerFunc is the shape of Controller.Check, bound as a method value once
// the Controller it belongs to exists.
type checkerFunc func(ctx context.Context, promptID int64, opts CheckOptions) (CheckResult, error)

// DetachedScheduler is the fallback Scheduler used when no message queue is
// configured: ScheduleCheck spawns the check on its own goroutine bounded by
// timeout, independent of the originating request's context, so it never
// blocks the HTTP response and outlives a canceled request.
//
// A DetachedScheduler is only half-built by its constructor; it has a
// circular dependency on the Controller whose Check method it calls, so
// SetChecker must be invoked once construction of that Controller completes,
// before ScheduleCheck can be reached by real traffic.
type DetachedScheduler struct {
	timeout time.Duration
	logger  logr.Logger

	mu      sync.RWMutex
	checker checkerFunc
}

// NewDetachedScheduler constructs a DetachedScheduler bounding every
// scheduled check at timeout. Call SetChecker before any ScheduleCheck call
// can reach it.
func NewDetachedScheduler(timeout time.Duration, logger logr.Logger) *DetachedScheduler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &DetachedScheduler{timeout: timeout, logger: logger}
}

// SetChecker wires the Controller.Check method value this scheduler invokes.
// Must be called exactly once, after the owning Controller is constructed
// and before the scheduler is exposed to request traffic.
func (d *DetachedScheduler) SetChecker(checker checkerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checker = checker
}

// ScheduleCheck runs the wired checker on a detached goroutine, bounded by
// d.timeout and decoupled from ctx's cancellation. If SetChecker has not yet
// run, the check is silently dropped; the next on-demand Check call still
// covers the Prompt.
func (d *DetachedScheduler) ScheduleCheck(ctx context.Context, promptID int64) {
	d.mu.RLock()
	checker := d.checker
	d.mu.RUnlock()
	if checker == nil {
		return
	}

	go func() {
		checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		if _, err := checker(checkCtx, promptID, CheckOptions{}); err != nil {
			d.logger.Error(err, "detached canary check failed", "prompt_id", promptID)
		}
	}()
}

// ReleaseStatus is returned by Release.
type ReleaseStatus struct {
	PromptID        int64
	ActiveVersionID int64
	CanaryVersionID int64
	CanaryPercent   int
}

// Ack acknowledges a manual rollback.
type Ack struct {
	PromptID      int64
	FromVersionID int64
	ToVersionID   int64
}

// CheckResult is returned by Check.
type CheckResult struct {
	RolledBack bool
	Reason     string
	CanaryAvg  float64
	ActiveAvg  float64
}

// Controller implements Release, Rollback, and Check.
type Controller struct {
	store      store.Store
	webhook    *webhook.Dispatcher
	scheduler  Scheduler
	tracing    *tracing.Provider
	metrics    *metrics.Metrics
	logger     logr.Logger
	defaultMin int
	defaultThr float64
	defaultWin int
}

// Config tunes Controller's defaults; zero values fall back to the
// package's own defaults (30 samples, 0.55 threshold, 30-day window).
type Config struct {
	DefaultMinSamples int
	DefaultThreshold  float64
	DefaultWindowDays int
}

// New constructs a Controller. scheduler may be NoopScheduler{} when no
// asynchronous mechanism is configured; wd may be nil to disable webhook
// delivery entirely (equivalent to an empty Dispatcher URL); mtx may be nil
// to disable metrics recording entirely.
func New(s store.Store, wd *webhook.Dispatcher, scheduler Scheduler, tp *tracing.Provider, logger logr.Logger, cfg Config, mtx *metrics.Metrics) *Controller {
	if cfg.DefaultMinSamples <= 0 {
		cfg.DefaultMinSamples = 30
	}
	if cfg.DefaultThreshold <= 0 {
		cfg.DefaultThreshold = 0.55
	}
	if cfg.DefaultWindowDays <= 0 {
		cfg.DefaultWindowDays = 30
	}
	if scheduler == nil {
		scheduler = NoopScheduler{}
	}
	if tp == nil {
		// NewProvider never errors when tracing is disabled.
		tp, _ = tracing.NewProvider(context.Background(), tracing.Config{Enabled: false})
	}
	return &Controller{
		store:      s,
		webhook:    wd,
		scheduler:  scheduler,
		tracing:    tp,
		metrics:    mtx,
		logger:     logger,
		defaultMin: cfg.DefaultMinSamples,
		defaultThr: cfg.DefaultThreshold,
		defaultWin: cfg.DefaultWindowDays,
	}
}

// Release mints a new canary Version from a Suggestion and points the
// Prompt's Release at it with the requested traffic split, then schedules
// an asynchronous health check.
func (c *Controller) Release(ctx context.Context, promptID, suggestionID int64, canaryPercent int) (ReleaseStatus, error) {
	ctx, span := c.startSpan(ctx, "release", promptID)
	defer span.End()

	if _, err := c.store.GetPrompt(ctx, promptID); err != nil {
		tracing.RecordError(span, err)
		return ReleaseStatus{}, fmt.Errorf("release: get prompt: %w", err)
	}

	suggestion, err := c.selectSuggestion(ctx, promptID, suggestionID)
	if err != nil {
		tracing.RecordError(span, err)
		return ReleaseStatus{}, err
	}

	var status ReleaseStatus
	err = withConflictRetry(func() error {
		var txErr error
		status, txErr = c.releaseTx(ctx, promptID, suggestion, canaryPercent)
		return txErr
	})
	if err != nil {
		tracing.RecordError(span, err)
		return ReleaseStatus{}, err
	}

	tracing.SetSuccess(span)
	if c.metrics != nil {
		c.metrics.RecordRelease()
	}
	c.scheduler.ScheduleCheck(context.WithoutCancel(ctx), promptID)

	return status, nil
}

// releaseTx runs Release's transactional body once: load-or-bootstrap the
// Release, mint the next Version from suggestion, and point the Release at
// it with the requested split. Callers retry on store.ErrConflict.
func (c *Controller) releaseTx(ctx context.Context, promptID int64, suggestion *store.Suggestion, canaryPercent int) (ReleaseStatus, error) {
	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return ReleaseStatus{}, fmt.Errorf("release: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rel, err := c.loadOrBootstrap(ctx, tx, promptID)
	if err != nil {
		return ReleaseStatus{}, fmt.Errorf("release: load release: %w", err)
	}

	activeVersion, err := tx.GetVersion(ctx, rel.ActiveVersionID)
	if err != nil {
		return ReleaseStatus{}, fmt.Errorf("release: get active version: %w", err)
	}

	nextVersion := activeVersion.Version
	if rel.CanaryVersionID != nil {
		canaryVersion, err := tx.GetVersion(ctx, *rel.CanaryVersionID)
		if err != nil {
			return ReleaseStatus{}, fmt.Errorf("release: get canary version: %w", err)
		}
		if canaryVersion.Version > nextVersion {
			nextVersion = canaryVersion.Version
		}
	}
	nextVersion++

	newVersion, err := tx.CreateVersion(ctx, promptID, nextVersion, suggestion.SuggestedText, false)
	if err != nil {
		return ReleaseStatus{}, fmt.Errorf("release: create version: %w", err)
	}

	rel.CanaryVersionID = &newVersion.ID
	rel.CanaryPercent = clampPercent(canaryPercent)
	if err := tx.UpdateRelease(ctx, rel); err != nil {
		return ReleaseStatus{}, fmt.Errorf("release: update release: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return ReleaseStatus{}, fmt.Errorf("release: commit: %w", err)
	}

	return ReleaseStatus{
		PromptID:        promptID,
		ActiveVersionID: rel.ActiveVersionID,
		CanaryVersionID: newVersion.ID,
		CanaryPercent:   rel.CanaryPercent,
	}, nil
}

// Rollback manually reverts the active canary, recording an audit event.
// It never emits a webhook: a manual rollback is already observable by the
// caller that requested it.
func (c *Controller) Rollback(ctx context.Context, promptID int64, reason string) (Ack, error) {
	ctx, span := c.startSpan(ctx, "rollback", promptID)
	defer span.End()

	var ack Ack
	err := withConflictRetry(func() error {
		var txErr error
		ack, txErr = c.rollbackTx(ctx, promptID, reason)
		return txErr
	})
	if err != nil {
		tracing.RecordError(span, err)
		return Ack{}, err
	}

	tracing.SetSuccess(span)
	if c.metrics != nil {
		c.metrics.RecordRollback(metrics.ReasonManual)
	}
	return ack, nil
}

// rollbackTx runs Rollback's transactional body once. Callers retry on
// store.ErrConflict.
func (c *Controller) rollbackTx(ctx context.Context, promptID int64, reason string) (Ack, error) {
	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return Ack{}, fmt.Errorf("rollback: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rel, err := tx.GetReleaseForUpdate(ctx, promptID)
	if err != nil {
		return Ack{}, fmt.Errorf("rollback: get release: %w", err)
	}
	if rel.CanaryVersionID == nil {
		return Ack{}, fmt.Errorf("%w: no canary to rollback", store.ErrInvalidArgument)
	}

	fromVersionID := *rel.CanaryVersionID
	toVersionID := rel.ActiveVersionID

	if err := tx.CreateRollbackEvent(ctx, &store.RollbackEvent{
		PromptID:      promptID,
		FromVersionID: fromVersionID,
		ToVersionID:   toVersionID,
		Reason:        reason,
	}); err != nil {
		return Ack{}, fmt.Errorf("rollback: create rollback event: %w", err)
	}

	rel.CanaryVersionID = nil
	rel.CanaryPercent = 0
	if err := tx.UpdateRelease(ctx, rel); err != nil {
		return Ack{}, fmt.Errorf("rollback: update release: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Ack{}, fmt.Errorf("rollback: commit: %w", err)
	}

	return Ack{PromptID: promptID, FromVersionID: fromVersionID, ToVersionID: toVersionID}, nil
}

// CheckOptions overrides Controller's defaults for a single Check call; a
// zero field falls back to the Controller's configured default.
type CheckOptions struct {
	MinSamples int
	Threshold  float64
	WindowDays int
}

// Check aggregates recent Evaluations for the active canary and either
// leaves it running or automatically rolls it back, emitting a best-effort
// webhook when it does.
func (c *Controller) Check(ctx context.Context, promptID int64, opts CheckOptions) (CheckResult, error) {
	ctx, span := c.startSpan(ctx, "check", promptID)
	defer span.End()

	minSamples := opts.MinSamples
	if minSamples <= 0 {
		minSamples = c.defaultMin
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = c.defaultThr
	}
	windowDays := opts.WindowDays
	if windowDays <= 0 {
		windowDays = c.defaultWin
	}

	var outcome checkOutcome
	err := withConflictRetry(func() error {
		var txErr error
		outcome, txErr = c.checkTx(ctx, promptID, minSamples, threshold, windowDays)
		return txErr
	})
	if err != nil {
		tracing.RecordError(span, err)
		return CheckResult{}, err
	}

	tracing.SetSuccess(span)
	c.recordCheck(outcome.label)
	if outcome.label == metrics.CheckOutcomeRolledBack {
		if c.metrics != nil {
			c.metrics.RecordRollback(metrics.ReasonAuto)
		}
		if c.webhook != nil {
			c.webhook.Fire(context.WithoutCancel(ctx), promptID, outcome.result.Reason, outcome.result.CanaryAvg, outcome.result.ActiveAvg)
		}
	}

	return outcome.result, nil
}

// checkOutcome pairs Check's return value with the metrics label describing
// which branch produced it, since that label is decided deep inside the
// retried transaction but only recorded once the retry loop settles.
type checkOutcome struct {
	result CheckResult
	label  string
}

// checkTx runs Check's transactional body once: evaluate the canary window
// and either leave it running or roll it back. Callers retry on
// store.ErrConflict.
func (c *Controller) checkTx(ctx context.Context, promptID int64, minSamples int, threshold float64, windowDays int) (checkOutcome, error) {
	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return checkOutcome{}, fmt.Errorf("check: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rel, err := tx.GetReleaseForUpdate(ctx, promptID)
	if errors.Is(err, store.ErrNotFound) {
		return checkOutcome{
			result: CheckResult{RolledBack: false, Reason: "no active canary"},
			label:  metrics.CheckOutcomeNoCanary,
		}, nil
	}
	if err != nil {
		return checkOutcome{}, fmt.Errorf("check: get release: %w", err)
	}
	if rel.CanaryVersionID == nil || rel.CanaryPercent == 0 {
		return checkOutcome{
			result: CheckResult{RolledBack: false, Reason: "no active canary"},
			label:  metrics.CheckOutcomeNoCanary,
		}, nil
	}

	canaryAgg, err := tx.AggregateEvaluations(ctx, promptID, windowDays, true)
	if err != nil {
		return checkOutcome{}, fmt.Errorf("check: aggregate canary evaluations: %w", err)
	}
	activeAgg, err := tx.AggregateEvaluations(ctx, promptID, windowDays, false)
	if err != nil {
		return checkOutcome{}, fmt.Errorf("check: aggregate active evaluations: %w", err)
	}

	if canaryAgg.Count < minSamples {
		return checkOutcome{
			result: CheckResult{
				RolledBack: false,
				Reason:     "insufficient samples",
				CanaryAvg:  canaryAgg.Avg,
				ActiveAvg:  activeAgg.Avg,
			},
			label: metrics.CheckOutcomeInsufficient,
		}, nil
	}

	if !shouldRollback(canaryAgg.Avg, activeAgg.Avg, threshold) {
		return checkOutcome{
			result: CheckResult{
				RolledBack: false,
				Reason:     "canary acceptable",
				CanaryAvg:  canaryAgg.Avg,
				ActiveAvg:  activeAgg.Avg,
			},
			label: metrics.CheckOutcomeAcceptable,
		}, nil
	}

	reason := fmt.Sprintf("auto-rollback: canary_avg %.3f < active_avg %.3f × threshold %.2f",
		canaryAgg.Avg, activeAgg.Avg, threshold)

	fromVersionID := *rel.CanaryVersionID
	toVersionID := rel.ActiveVersionID

	if err := tx.CreateRollbackEvent(ctx, &store.RollbackEvent{
		PromptID:      promptID,
		FromVersionID: fromVersionID,
		ToVersionID:   toVersionID,
		Reason:        reason,
	}); err != nil {
		return checkOutcome{}, fmt.Errorf("check: create rollback event: %w", err)
	}

	rel.CanaryVersionID = nil
	rel.CanaryPercent = 0
	if err := tx.UpdateRelease(ctx, rel); err != nil {
		return checkOutcome{}, fmt.Errorf("check: update release: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return checkOutcome{}, fmt.Errorf("check: commit: %w", err)
	}

	return checkOutcome{
		result: CheckResult{
			RolledBack: true,
			Reason:     reason,
			CanaryAvg:  canaryAgg.Avg,
			ActiveAvg:  activeAgg.Avg,
		},
		label: metrics.CheckOutcomeRolledBack,
	}, nil
}

// shouldRollback implements the canary_avg + ε < active_avg × threshold
// rollback condition.
func shouldRollback(canaryAvg, activeAvg, threshold float64) bool {
	return canaryAvg+rollbackEpsilon < activeAvg*threshold
}

func clampPercent(p int) int {
	return int(math.Max(0, math.Min(100, float64(p))))
}

// selectSuggestion picks the Suggestion given by id (rejecting a mismatched
// prompt_id), falling back to the most recent Suggestion for the Prompt.
func (c *Controller) selectSuggestion(ctx context.Context, promptID, suggestionID int64) (*store.Suggestion, error) {
	if suggestionID != 0 {
		s, err := c.store.GetSuggestion(ctx, suggestionID)
		if err != nil {
			return nil, fmt.Errorf("release: get suggestion: %w", err)
		}
		if s.PromptID != promptID {
			return nil, fmt.Errorf("%w: suggestion %d does not belong to prompt %d", store.ErrInvalidArgument, suggestionID, promptID)
		}
		return s, nil
	}

	s, err := c.store.LatestSuggestion(ctx, promptID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no suggestions", store.ErrInvalidArgument)
	}
	if err != nil {
		return nil, fmt.Errorf("release: latest suggestion: %w", err)
	}
	return s, nil
}

// loadOrBootstrap mirrors the router's bootstrap step inside an
// already-open transaction, so Release's own version insert commits
// atomically with the bootstrap when a Prompt has never been routed.
func (c *Controller) loadOrBootstrap(ctx context.Context, tx store.Tx, promptID int64) (*store.PromptRelease, error) {
	rel, err := tx.GetReleaseForUpdate(ctx, promptID)
	if err == nil {
		return rel, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	prompt, err := tx.GetPrompt(ctx, promptID)
	if err != nil {
		return nil, err
	}

	v1, err := tx.CreateVersion(ctx, prompt.ID, 1, prompt.Text, true)
	if err != nil {
		return nil, err
	}

	newRel := &store.PromptRelease{PromptID: prompt.ID, ActiveVersionID: v1.ID, CanaryPercent: 0}
	if err := tx.CreateRelease(ctx, newRel); err != nil {
		return nil, err
	}
	return newRel, nil
}

func (c *Controller) startSpan(ctx context.Context, stage string, promptID int64) (context.Context, trace.Span) {
	return c.tracing.StartStageSpan(ctx, stage, promptID)
}

func (c *Controller) recordCheck(outcome string) {
	if c.metrics != nil {
		c.metrics.RecordCheck(outcome)
	}
}
