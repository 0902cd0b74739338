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

// Package postgres implements store.Store and store.Tx on top of pgx,
// with embedded schema migrations applied by Migrator.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/canarylabs/promptcanary/internal/pgutil"
	"github.com/canarylabs/promptcanary/internal/store"
)

// Compile-time interface checks.
var (
	_ store.Store = (*Provider)(nil)
	_ store.Tx    = (*pgTx)(nil)
)

// Provider implements store.Store using PostgreSQL.
type Provider struct {
	pool     *pgxpool.Pool
	ownsPool bool
}

// New creates a Provider that owns the underlying connection pool. The pool
// is created from cfg and verified with a ping. Close will shut down the pool.
func New(cfg Config) (*Provider, error) {
	if cfg.ConnString == "" {
		return nil, fmt.Errorf("postgres: connection string is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parsing connection string: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping failed: %w", err)
	}

	return &Provider{pool: pool, ownsPool: true}, nil
}

// NewFromPool wraps an existing connection pool. Close is a no-op because
// the caller retains ownership of the pool.
func NewFromPool(pool *pgxpool.Pool) *Provider {
	return &Provider{pool: pool, ownsPool: false}
}

// Ping verifies connectivity, used by readiness probes.
func (p *Provider) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the underlying pool if this Provider owns it.
func (p *Provider) Close() error {
	if p.ownsPool {
		p.pool.Close()
	}
	return nil
}

// --- scan helpers ------------------------------------------------------

func scanPrompt(row pgx.Row) (*store.Prompt, error) {
	var p store.Prompt
	if err := row.Scan(&p.ID, &p.Text, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan prompt: %w", err)
	}
	return &p, nil
}

func scanVersion(row pgx.Row) (*store.PromptVersion, error) {
	var v store.PromptVersion
	if err := row.Scan(&v.ID, &v.PromptID, &v.Version, &v.Text, &v.IsActive, &v.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan version: %w", err)
	}
	return &v, nil
}

func scanRelease(row pgx.Row) (*store.PromptRelease, error) {
	var r store.PromptRelease
	if err := row.Scan(&r.ID, &r.PromptID, &r.ActiveVersionID, &r.CanaryVersionID, &r.CanaryPercent); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan release: %w", err)
	}
	return &r, nil
}

func scanSuggestion(row pgx.Row) (*store.Suggestion, error) {
	var s store.Suggestion
	if err := row.Scan(&s.ID, &s.PromptID, &s.SuggestedText, &s.Rationale, &s.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan suggestion: %w", err)
	}
	return &s, nil
}

func scanEvaluation(row pgx.Row) (*store.Evaluation, error) {
	var e store.Evaluation
	if err := row.Scan(&e.ID, &e.PromptID, &e.ResponseID, &e.LengthScore, &e.ClarityScore,
		&e.ToxicityScore, &e.OverallScore, &e.Notes, &e.IsCanary, &e.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan evaluation: %w", err)
	}
	return &e, nil
}

func scanRollbackEvent(row pgx.Row) (*store.RollbackEvent, error) {
	var e store.RollbackEvent
	if err := row.Scan(&e.ID, &e.PromptID, &e.FromVersionID, &e.ToVersionID, &e.Reason, &e.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan rollback event: %w", err)
	}
	return &e, nil
}

// --- Store methods -------------------------------------------------------

func (p *Provider) CreatePrompt(ctx context.Context, text string) (*store.Prompt, error) {
	row := p.pool.QueryRow(ctx,
		`INSERT INTO prompts (text) VALUES ($1) RETURNING id, text, created_at`, text)
	return scanPrompt(row)
}

func (p *Provider) GetPrompt(ctx context.Context, id int64) (*store.Prompt, error) {
	row := p.pool.QueryRow(ctx, `SELECT id, text, created_at FROM prompts WHERE id=$1`, id)
	return scanPrompt(row)
}

func (p *Provider) CreateResponse(ctx context.Context, promptID int64, modelName, text string) (*store.Response, error) {
	var r store.Response
	row := p.pool.QueryRow(ctx,
		`INSERT INTO responses (prompt_id, model_name, text) VALUES ($1,$2,$3)
		 RETURNING id, prompt_id, model_name, text, created_at`,
		promptID, modelName, text)
	if err := row.Scan(&r.ID, &r.PromptID, &r.ModelName, &r.Text, &r.CreatedAt); err != nil {
		return nil, fmt.Errorf("postgres: create response: %w", err)
	}
	return &r, nil
}

func (p *Provider) GetResponse(ctx context.Context, id int64) (*store.Response, error) {
	var r store.Response
	row := p.pool.QueryRow(ctx,
		`SELECT id, prompt_id, model_name, text, created_at FROM responses WHERE id=$1`, id)
	if err := row.Scan(&r.ID, &r.PromptID, &r.ModelName, &r.Text, &r.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan response: %w", err)
	}
	return &r, nil
}

func (p *Provider) GetRelease(ctx context.Context, promptID int64) (*store.PromptRelease, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, prompt_id, active_version_id, canary_version_id, canary_percent
		 FROM prompt_releases WHERE prompt_id=$1`, promptID)
	return scanRelease(row)
}

func (p *Provider) GetVersion(ctx context.Context, id int64) (*store.PromptVersion, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, prompt_id, version, text, is_active, created_at FROM prompt_versions WHERE id=$1`, id)
	return scanVersion(row)
}

func (p *Provider) CreateSuggestion(ctx context.Context, promptID int64, suggestedText, rationale string) (*store.Suggestion, error) {
	row := p.pool.QueryRow(ctx,
		`INSERT INTO suggestions (prompt_id, suggested_text, rationale) VALUES ($1,$2,$3)
		 RETURNING id, prompt_id, suggested_text, rationale, created_at`,
		promptID, suggestedText, rationale)
	return scanSuggestion(row)
}

func (p *Provider) GetSuggestion(ctx context.Context, id int64) (*store.Suggestion, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, prompt_id, suggested_text, rationale, created_at FROM suggestions WHERE id=$1`, id)
	return scanSuggestion(row)
}

func (p *Provider) LatestSuggestion(ctx context.Context, promptID int64) (*store.Suggestion, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, prompt_id, suggested_text, rationale, created_at FROM suggestions
		 WHERE prompt_id=$1 ORDER BY created_at DESC, id DESC LIMIT 1`, promptID)
	return scanSuggestion(row)
}

func (p *Provider) ListSuggestions(ctx context.Context, promptID int64) ([]*store.Suggestion, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, prompt_id, suggested_text, rationale, created_at FROM suggestions
		 WHERE prompt_id=$1 ORDER BY created_at DESC, id DESC`, promptID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list suggestions: %w", err)
	}
	defer rows.Close()

	var out []*store.Suggestion
	for rows.Next() {
		s, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Provider) CreateEvaluation(ctx context.Context, e *store.Evaluation) error {
	row := p.pool.QueryRow(ctx,
		`INSERT INTO evaluations
			(prompt_id, response_id, length_score, clarity_score, toxicity_score, overall_score, notes, is_canary)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 RETURNING id, created_at`,
		e.PromptID, e.ResponseID, e.LengthScore, e.ClarityScore, e.ToxicityScore, e.OverallScore, e.Notes, e.IsCanary)
	if err := row.Scan(&e.ID, &e.CreatedAt); err != nil {
		return fmt.Errorf("postgres: create evaluation: %w", err)
	}
	return nil
}

func (p *Provider) ListEvaluations(ctx context.Context, promptID int64, limit int) ([]*store.Evaluation, error) {
	qb := &pgutil.QueryBuilder{}
	qb.Add("prompt_id=$?", promptID)
	query := `SELECT id, prompt_id, response_id, length_score, clarity_score, toxicity_score,
		overall_score, notes, is_canary, created_at FROM evaluations WHERE 1=1` + qb.Where() +
		` ORDER BY created_at DESC, id DESC`
	query = qb.AppendPagination(query, limit, 0)

	rows, err := p.pool.Query(ctx, query, qb.Args()...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list evaluations: %w", err)
	}
	defer rows.Close()

	var out []*store.Evaluation
	for rows.Next() {
		e, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func aggregateEvaluations(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, promptID int64, windowDays int, isCanary bool) (store.EvalAggregate, error) {
	var agg store.EvalAggregate
	row := q.QueryRow(ctx,
		`SELECT COALESCE(AVG(overall_score), 0), COUNT(*) FROM evaluations
		 WHERE prompt_id=$1 AND is_canary=$2 AND created_at >= now() - ($3 || ' days')::interval`,
		promptID, isCanary, windowDays)
	if err := row.Scan(&agg.Avg, &agg.Count); err != nil {
		return store.EvalAggregate{}, fmt.Errorf("postgres: aggregate evaluations: %w", err)
	}
	return agg, nil
}

func (p *Provider) AggregateEvaluations(ctx context.Context, promptID int64, windowDays int, isCanary bool) (store.EvalAggregate, error) {
	return aggregateEvaluations(ctx, p.pool, promptID, windowDays, isCanary)
}

func (p *Provider) ListRollbackEvents(ctx context.Context, promptID int64, limit int) ([]*store.RollbackEvent, error) {
	qb := &pgutil.QueryBuilder{}
	qb.Add("prompt_id=$?", promptID)
	query := `SELECT id, prompt_id, from_version_id, to_version_id, reason, created_at
		FROM rollback_events WHERE 1=1` + qb.Where() + ` ORDER BY created_at DESC, id DESC`
	query = qb.AppendPagination(query, limit, 0)

	rows, err := p.pool.Query(ctx, query, qb.Args()...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list rollback events: %w", err)
	}
	defer rows.Close()

	var out []*store.RollbackEvent
	for rows.Next() {
		e, err := scanRollbackEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Provider) CreateFeedback(ctx context.Context, f *store.Feedback) error {
	row := p.pool.QueryRow(ctx,
		`INSERT INTO feedback (prompt_id, response_id, rating, comment) VALUES ($1,$2,$3,$4)
		 RETURNING id, created_at`,
		f.PromptID, f.ResponseID, f.Rating, f.Comment)
	if err := row.Scan(&f.ID, &f.CreatedAt); err != nil {
		return fmt.Errorf("postgres: create feedback: %w", err)
	}
	return nil
}

func (p *Provider) Report(ctx context.Context, windowDays int) (store.ReportResult, error) {
	var r store.ReportResult
	r.WindowDays = windowDays
	r.GeneratedAt = time.Now().UTC()

	row := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM prompts`)
	if err := row.Scan(&r.TotalPrompts); err != nil {
		return store.ReportResult{}, fmt.Errorf("postgres: report: counting prompts: %w", err)
	}

	row = p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM evaluations WHERE created_at >= now() - ($1 || ' days')::interval`, windowDays)
	if err := row.Scan(&r.TotalEvaluations); err != nil {
		return store.ReportResult{}, fmt.Errorf("postgres: report: counting evaluations: %w", err)
	}

	row = p.pool.QueryRow(ctx,
		`SELECT COALESCE(AVG(overall_score), 0) FROM evaluations
		 WHERE is_canary=FALSE AND created_at >= now() - ($1 || ' days')::interval`, windowDays)
	if err := row.Scan(&r.ActiveAvgOverall); err != nil {
		return store.ReportResult{}, fmt.Errorf("postgres: report: active average: %w", err)
	}

	row = p.pool.QueryRow(ctx,
		`SELECT COALESCE(AVG(overall_score), 0) FROM evaluations
		 WHERE is_canary=TRUE AND created_at >= now() - ($1 || ' days')::interval`, windowDays)
	if err := row.Scan(&r.CanaryAvgOverall); err != nil {
		return store.ReportResult{}, fmt.Errorf("postgres: report: canary average: %w", err)
	}

	row = p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM rollback_events WHERE created_at >= now() - ($1 || ' days')::interval`, windowDays)
	if err := row.Scan(&r.TotalRollbacks); err != nil {
		return store.ReportResult{}, fmt.Errorf("postgres: report: counting rollbacks: %w", err)
	}

	return r, nil
}

// PruneEvaluations deletes evaluations rows older than olderThan.
func (p *Provider) PruneEvaluations(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM evaluations WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune evaluations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// BeginTx starts a transaction at the default isolation level. Callers that
// need serialization-failure detection around GetReleaseForUpdate rely on
// the row lock taken by FOR UPDATE, not on a higher isolation level.
func (p *Provider) BeginTx(ctx context.Context) (store.Tx, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin tx: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

// --- Tx implementation ----------------------------------------------------

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetReleaseForUpdate(ctx context.Context, promptID int64) (*store.PromptRelease, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT id, prompt_id, active_version_id, canary_version_id, canary_percent
		 FROM prompt_releases WHERE prompt_id=$1 FOR UPDATE`, promptID)
	return scanRelease(row)
}

func (t *pgTx) CreateRelease(ctx context.Context, r *store.PromptRelease) error {
	row := t.tx.QueryRow(ctx,
		`INSERT INTO prompt_releases (prompt_id, active_version_id, canary_version_id, canary_percent)
		 VALUES ($1,$2,$3,$4) RETURNING id`,
		r.PromptID, r.ActiveVersionID, r.CanaryVersionID, r.CanaryPercent)
	if err := row.Scan(&r.ID); err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("postgres: create release: %w", err)
	}
	return nil
}

func (t *pgTx) CreateVersion(ctx context.Context, promptID int64, version int, text string, isActive bool) (*store.PromptVersion, error) {
	row := t.tx.QueryRow(ctx,
		`INSERT INTO prompt_versions (prompt_id, version, text, is_active) VALUES ($1,$2,$3,$4)
		 RETURNING id, prompt_id, version, text, is_active, created_at`,
		promptID, version, text, isActive)
	v, err := scanVersion(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return v, nil
}

func (t *pgTx) UpdateRelease(ctx context.Context, r *store.PromptRelease) error {
	res, err := t.tx.Exec(ctx,
		`UPDATE prompt_releases SET active_version_id=$2, canary_version_id=$3, canary_percent=$4
		 WHERE id=$1`,
		r.ID, r.ActiveVersionID, r.CanaryVersionID, r.CanaryPercent)
	if err != nil {
		return fmt.Errorf("postgres: update release: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) GetVersion(ctx context.Context, id int64) (*store.PromptVersion, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT id, prompt_id, version, text, is_active, created_at FROM prompt_versions WHERE id=$1`, id)
	return scanVersion(row)
}

func (t *pgTx) GetPrompt(ctx context.Context, id int64) (*store.Prompt, error) {
	row := t.tx.QueryRow(ctx, `SELECT id, text, created_at FROM prompts WHERE id=$1`, id)
	return scanPrompt(row)
}

func (t *pgTx) AggregateEvaluations(ctx context.Context, promptID int64, windowDays int, isCanary bool) (store.EvalAggregate, error) {
	return aggregateEvaluations(ctx, t.tx, promptID, windowDays, isCanary)
}

func (t *pgTx) CreateRollbackEvent(ctx context.Context, e *store.RollbackEvent) error {
	row := t.tx.QueryRow(ctx,
		`INSERT INTO rollback_events (prompt_id, from_version_id, to_version_id, reason)
		 VALUES ($1,$2,$3,$4) RETURNING id, created_at`,
		e.PromptID, e.FromVersionID, e.ToVersionID, e.Reason)
	if err := row.Scan(&e.ID, &e.CreatedAt); err != nil {
		return fmt.Errorf("postgres: create rollback event: %w", err)
	}
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "40001" {
			return store.ErrConflict
		}
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("postgres: rollback: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
