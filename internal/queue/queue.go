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

// Package queue provides a Redis-backed work queue carrying deferred
// canary health-check requests, used when REDIS_ADDR is configured so a
// check survives a process restart instead of running on a bare detached
// goroutine.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
)

// pendingKey is the single Redis list backing the check queue. One key is
// enough: check requests carry nothing but a prompt id, and duplicate
// entries are harmless since Check is idempotent.
const pendingKey = "promptcanary:checks:pending"

// popTimeout bounds each blocking pop so workers can observe context
// cancellation between attempts.
const popTimeout = 5 * time.Second

// CheckQueue enqueues canary health-check requests by prompt id.
type CheckQueue struct {
	client *redis.Client
}

// New connects a CheckQueue to the Redis instance at addr.
func New(addr string) (*CheckQueue, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("queue: connect to redis: %w", err)
	}

	return &CheckQueue{client: client}, nil
}

// NewFromClient wraps an existing Redis client, for tests that supply a
// miniredis-backed client.
func NewFromClient(client *redis.Client) *CheckQueue {
	return &CheckQueue{client: client}
}

// Enqueue pushes a check request for promptID onto the queue.
func (q *CheckQueue) Enqueue(ctx context.Context, promptID int64) error {
	if err := q.client.LPush(ctx, pendingKey, strconv.FormatInt(promptID, 10)).Err(); err != nil {
		return fmt.Errorf("queue: enqueue prompt %d: %w", promptID, err)
	}
	return nil
}

// ScheduleCheck adapts CheckQueue to release.Scheduler, logging and
// swallowing enqueue failures so a flaky Redis never fails the Release
// call that scheduled the check.
func (q *CheckQueue) ScheduleCheck(ctx context.Context, promptID int64) {
	if err := q.Enqueue(ctx, promptID); err != nil {
		logr.FromContextOrDiscard(ctx).Error(err, "failed to enqueue canary check", "prompt_id", promptID)
	}
}

// Dequeue blocks up to popTimeout for the next queued prompt id. It
// returns (0, false, nil) on a timeout with nothing queued, so callers can
// loop and check ctx.Done() between attempts.
func (q *CheckQueue) Dequeue(ctx context.Context) (int64, bool, error) {
	res, err := q.client.BRPop(ctx, popTimeout, pendingKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("queue: dequeue: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("queue: unexpected BRPOP reply shape: %v", res)
	}

	promptID, err := strconv.ParseInt(res[1], 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("queue: malformed prompt id %q: %w", res[1], err)
	}
	return promptID, true, nil
}

// Close releases the underlying Redis client.
func (q *CheckQueue) Close() error {
	return q.client.Close()
}

// Worker consumes prompt ids from a CheckQueue on a small bounded pool and
// invokes handle for each.
type Worker struct {
	queue   *CheckQueue
	handle  func(ctx context.Context, promptID int64)
	logger  logr.Logger
	workers int
}

// NewWorker constructs a Worker pool of the given size (at least 1).
func NewWorker(q *CheckQueue, workers int, logger logr.Logger, handle func(ctx context.Context, promptID int64)) *Worker {
	if workers < 1 {
		workers = 1
	}
	return &Worker{queue: q, handle: handle, logger: logger, workers: workers}
}

// Run blocks, consuming from the queue across its worker pool until ctx is
// canceled.
func (w *Worker) Run(ctx context.Context) {
	done := make(chan struct{}, w.workers)
	for i := 0; i < w.workers; i++ {
		go func() {
			w.loop(ctx)
			done <- struct{}{}
		}()
	}
	for i := 0; i < w.workers; i++ {
		<-done
	}
}

func (w *Worker) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		promptID, ok, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error(err, "check queue dequeue failed")
			continue
		}
		if !ok {
			continue
		}

		w.handle(ctx, promptID)
	}
}
