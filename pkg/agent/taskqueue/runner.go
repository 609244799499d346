package taskqueue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/controlplane-com/dbmaint/pkg/agent/metrics"
)

// Handler runs one task. Handlers that need another run schedule it themselves.
// A handler that returns an error is run again after a delay, up to the
// runner's attempt limit.
type Handler func(ctx context.Context, args string) error

// PanicHandler is told about a handler that panicked, after the panic was recovered
type PanicHandler func(ctx context.Context, task Task, recovered any)

// FailureHandler is told about a task that failed on its last attempt
type FailureHandler func(ctx context.Context, task Task, err error)

// Runner polls a queue and runs due tasks synchronously, one at a time. It is
// a suture service.
type Runner struct {
	queue    Queue
	poll     time.Duration
	lease    time.Duration
	mu       sync.RWMutex
	handlers map[string]Handler
	onPanic  PanicHandler
	onFail   FailureHandler
	now      func() time.Time

	maxAttempts int
	retryDelay  time.Duration
}

func NewRunner(queue Queue, poll, lease time.Duration) *Runner {
	if poll <= 0 {
		poll = time.Second
	}
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return &Runner{
		queue:    queue,
		poll:     poll,
		lease:    lease,
		handlers: map[string]Handler{},
		now:      time.Now,

		maxAttempts: 3,
		retryDelay:  30 * time.Second,
	}
}

// SetRetry sets how often a failing task runs and the delay before its
// first retry. The delay doubles with every further attempt.
func (r *Runner) SetRetry(maxAttempts int, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if maxAttempts > 0 {
		r.maxAttempts = maxAttempts
	}
	if delay > 0 {
		r.retryDelay = delay
	}
}

// Handle registers h for tasks named name
func (r *Runner) Handle(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// OnPanic sets the watchdog callback
func (r *Runner) OnPanic(h PanicHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPanic = h
}

// OnFailure sets the callback for tasks that used up their attempts
func (r *Runner) OnFailure(h FailureHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFail = h
}

func (r *Runner) String() string { return "task-runner" }

// Serve implements suture.Service
func (r *Runner) Serve(ctx context.Context) error {
	slog.Info("task runner started", "poll", r.poll, "lease", r.lease)
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		if _, err := r.RunDue(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("task poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			slog.Info("task runner stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunDue runs every task that is due now and returns how many ran
func (r *Runner) RunDue(ctx context.Context) (int, error) {
	ran := 0
	for ctx.Err() == nil {
		task, err := r.queue.Claim(ctx, r.now(), r.lease)
		if err != nil {
			return ran, err
		}
		if task == nil {
			return ran, nil
		}
		ran++
		if retryAt, retry := r.run(ctx, task); retry {
			if err := r.queue.Retry(ctx, task, retryAt); err != nil {
				return ran, err
			}
			continue
		}
		if err := r.queue.Complete(ctx, task); err != nil {
			return ran, err
		}
	}
	return ran, ctx.Err()
}

// run invokes the task's handler. It reports whether the task should stay
// queued for another attempt, and when.
func (r *Runner) run(ctx context.Context, task *Task) (time.Time, bool) {
	r.mu.RLock()
	h, ok := r.handlers[task.Handler]
	onPanic, onFail := r.onPanic, r.onFail
	maxAttempts, delay := r.maxAttempts, r.retryDelay
	r.mu.RUnlock()
	if !ok {
		slog.Error("no handler registered for task", "handler", task.Handler, "args", task.Args)
		return time.Time{}, false
	}

	start := time.Now()
	panicked, err := r.invoke(ctx, h, task, onPanic)
	metrics.ObserveTick(task.Handler, time.Since(start), err)
	if err == nil {
		slog.Debug("task finished", "handler", task.Handler, "args", task.Args, "duration", time.Since(start))
		return time.Time{}, false
	}
	if panicked {
		return time.Time{}, false
	}
	if task.Attempts < maxAttempts && ctx.Err() == nil {
		retryAt := r.now().Add(delay << (task.Attempts - 1))
		slog.Warn("task failed, will retry", "handler", task.Handler, "args", task.Args,
			"attempt", task.Attempts, "retryAt", retryAt, "error", err)
		return retryAt, true
	}
	slog.Error("task failed", "handler", task.Handler, "args", task.Args, "attempt", task.Attempts, "error", err)
	if onFail != nil {
		r.guard(task.Handler, func() { onFail(ctx, *task, err) })
	}
	return time.Time{}, false
}

func (r *Runner) invoke(ctx context.Context, h Handler, task *Task, onPanic PanicHandler) (panicked bool, err error) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		metrics.TaskPanics.WithLabelValues(task.Handler).Inc()
		slog.Error("task panicked", "handler", task.Handler, "args", task.Args, "panic", rec,
			"stack", string(debug.Stack()))
		panicked, err = true, fmt.Errorf("panic in %s: %v", task.Handler, rec)
		if onPanic != nil {
			r.guard(task.Handler, func() { onPanic(ctx, *task, rec) })
		}
	}()
	return false, h(ctx, task.Args)
}

// guard runs a watchdog callback, which must not take the runner down
func (r *Runner) guard(handler string, fn func()) {
	defer func() {
		if again := recover(); again != nil {
			slog.Error("watchdog callback panicked", "handler", handler, "panic", again)
		}
	}()
	fn()
}
