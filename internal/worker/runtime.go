// Package worker is the shared consume loop: bounded concurrency, envelope
// decoding, terminal-state publishing, and ack discipline. Each worker
// binary wires its handlers into a Runtime and runs it against its queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/chatlead/backend/internal/bus"
	"github.com/chatlead/backend/internal/fabric"
)

// Handler processes one decoded task. A nil return acks the delivery; an
// error publishes the failed terminal event and dead-letters it.
type Handler func(ctx context.Context, env bus.Envelope) error

// Consumer is the queue dependency (satisfied by *bus.Bus).
type Consumer interface {
	Consume(ctx context.Context, queue string, prefetch int) (<-chan bus.Delivery, error)
}

// Publisher is the progress dependency (satisfied by *fabric.ProgressBus).
type Publisher interface {
	Publish(ctx context.Context, ev fabric.ProgressEvent) error
}

// Runtime drains one queue through registered handlers with at most
// maxConcurrent tasks in flight.
type Runtime struct {
	consumer      Consumer
	progress      Publisher
	handlers      map[bus.TaskType]Handler
	sem           *semaphore.Weighted
	maxConcurrent int64
	grace         time.Duration
	wg            sync.WaitGroup
}

func NewRuntime(consumer Consumer, progress Publisher, maxConcurrent int, grace time.Duration) *Runtime {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return &Runtime{
		consumer:      consumer,
		progress:      progress,
		handlers:      make(map[bus.TaskType]Handler),
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		maxConcurrent: int64(maxConcurrent),
		grace:         grace,
	}
}

// Register binds a task type to its handler. Not safe after Run starts.
func (r *Runtime) Register(taskType bus.TaskType, h Handler) {
	r.handlers[taskType] = h
}

// Run consumes the queue until ctx is cancelled, then waits up to the
// shutdown grace for in-flight tasks. Tasks still running after the grace
// keep their broker redelivery: their deliveries are unacked.
func (r *Runtime) Run(ctx context.Context, queue string, prefetch int) error {
	if prefetch <= 0 {
		prefetch = int(r.maxConcurrent)
	}
	deliveries, err := r.consumer.Consume(ctx, queue, prefetch)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}
	slog.Info("[Worker] Consuming", "queue", queue, "prefetch", prefetch, "max_concurrent", r.maxConcurrent)

	for {
		select {
		case <-ctx.Done():
			return r.drain()
		case d, ok := <-deliveries:
			if !ok {
				return r.drain()
			}
			if err := r.sem.Acquire(ctx, 1); err != nil {
				_ = d.NackRequeue()
				return r.drain()
			}
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				defer r.sem.Release(1)
				r.process(ctx, d)
			}()
		}
	}
}

func (r *Runtime) drain() error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("[Worker] Drained cleanly")
		return nil
	case <-time.After(r.grace):
		slog.Warn("[Worker] Shutdown grace elapsed with tasks in flight", "grace", r.grace)
		return nil
	}
}

func (r *Runtime) process(ctx context.Context, d bus.Delivery) {
	env, err := bus.Decode(d.Body())
	if err != nil {
		slog.Error("[Worker] Malformed envelope, dead-lettering", "error", err)
		_ = d.NackDiscard()
		return
	}

	handler, ok := r.handlers[env.TaskType]
	if !ok {
		slog.Error("[Worker] No handler for task type, dead-lettering",
			"task_id", env.TaskID, "task_type", env.TaskType)
		_ = d.NackDiscard()
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("[Worker] Handler panicked",
				"task_id", env.TaskID, "task_type", env.TaskType,
				"panic", rec, "stack", string(debug.Stack()))
			r.fail(env, fmt.Sprintf("internal error: %v", rec))
			_ = d.NackDiscard()
		}
	}()

	slog.Info("[Worker] Task started", "task_id", env.TaskID, "task_type", env.TaskType)
	start := time.Now()

	if err := handler(ctx, env); err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			// Process shutdown, not a task failure: leave the task for
			// redelivery.
			slog.Info("[Worker] Task interrupted by shutdown, requeueing", "task_id", env.TaskID)
			_ = d.NackRequeue()
			return
		}
		slog.Error("[Worker] Task failed",
			"task_id", env.TaskID, "task_type", env.TaskType,
			"duration", time.Since(start), "error", err)
		r.fail(env, err.Error())
		_ = d.NackDiscard()
		return
	}

	slog.Info("[Worker] Task completed",
		"task_id", env.TaskID, "task_type", env.TaskType, "duration", time.Since(start))
	_ = d.Ack()
}

// fail publishes the failed terminal event. It uses a fresh context: the
// task context may already be dead and the terminal state must still land.
func (r *Runtime) fail(env bus.Envelope, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.progress.Publish(ctx, fabric.ProgressEvent{
		Type:   fabric.EventError,
		TaskID: env.TaskID,
		BotID:  env.BotID,
		Status: fabric.StatusFailed,
		Error:  msg,
	}); err != nil {
		slog.Error("[Worker] Failed-event publish failed", "task_id", env.TaskID, "error", err)
	}
}
