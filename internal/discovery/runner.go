package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/mbd888/alswitch/internal/logging"
)

// DefaultTaskTimeout bounds a detached task when none is configured.
const DefaultTaskTimeout = 30 * time.Second

// fallbackTimeout bounds the error callback sent for a failed task. It runs
// on a fresh deadline since the task may have failed by running out of its
// own.
const fallbackTimeout = 10 * time.Second

// ErrRunnerStopped is returned when a task is submitted after Stop.
var ErrRunnerStopped = errors.New("discovery: runner stopped")

// PanicError carries a recovered panic out of a task.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Fallback answers a failed task, normally with an error callback.
type Fallback func(ctx context.Context, err error) error

// Guard runs fn and makes sure its failure is never silent. An error or a
// panic from fn is passed to fallback; if fallback fails too (or is nil)
// the failure is logged and counted as dropped.
func Guard(ctx context.Context, name string, logger *slog.Logger, fn func(context.Context) error, fallback Fallback) {
	log := logging.Ctx(ctx, logger).With("task", name)

	err := protect(ctx, fn)
	if err == nil {
		tasks.WithLabelValues(name, "ok").Inc()
		return
	}

	var pe *PanicError
	if errors.As(err, &pe) {
		log.Error("discovery task panicked", "panic", fmt.Sprint(pe.Value), "stack", string(pe.Stack))
	}
	if fallback == nil {
		tasks.WithLabelValues(name, "dropped").Inc()
		log.Error("discovery task failed with no fallback", "error", err)
		return
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fallbackTimeout)
	defer cancel()
	ferr := protect(fctx, func(ctx context.Context) error { return fallback(ctx, err) })
	if ferr != nil {
		tasks.WithLabelValues(name, "dropped").Inc()
		log.Error("discovery task failed and its error callback could not be sent",
			"error", err, "callback_error", ferr)
		return
	}
	tasks.WithLabelValues(name, "errored").Inc()
	log.Info("discovery task failed, error callback sent", "error", err)
}

func protect(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(ctx)
}

// Runner executes detached discovery tasks on a bounded worker pool. Tasks
// outlive the inbound request: they keep its values (logger, trace) but not
// its cancellation, and get their own deadline.
type Runner struct {
	pool    pond.Pool
	fanout  pond.Pool
	timeout time.Duration
	logger  *slog.Logger
	stop    sync.Once
}

// NewRunner creates a Runner with size workers for tasks and as many again
// for fan-out groups started by tasks.
func NewRunner(size int, timeout time.Duration, logger *slog.Logger) *Runner {
	if size <= 0 {
		size = 64
	}
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	return &Runner{
		pool:    pond.NewPool(size),
		fanout:  pond.NewPool(size),
		timeout: timeout,
		logger:  logger,
	}
}

// Go queues fn under Guard and returns immediately.
func (r *Runner) Go(ctx context.Context, name string, fn func(context.Context) error, fallback Fallback) error {
	if r.pool.Stopped() {
		return ErrRunnerStopped
	}
	detached := context.WithoutCancel(ctx)
	r.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(detached, r.timeout)
		defer cancel()
		Guard(ctx, name, r.logger, fn, fallback)
	})
	return nil
}

// Group starts a fan-out group. Its tasks run on a pool separate from the
// task pool so a task waiting on its group can never starve it.
func (r *Runner) Group() pond.TaskGroup {
	return r.fanout.NewGroup()
}

// Stop waits for queued tasks to finish.
func (r *Runner) Stop() {
	r.stop.Do(func() {
		r.pool.StopAndWait()
		r.fanout.StopAndWait()
	})
}
