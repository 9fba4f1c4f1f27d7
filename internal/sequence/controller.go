// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package sequence drives a multi-step, externally triggered process to
// completion exactly once.
//
// A [Controller] owns the progress of one sequence. Each trigger asks it to
// advance; it runs a single step through an [Executor] at the current cursor
// and records the outcome. Triggers that arrive while a step is running are
// dropped, not queued. Failed steps are classified (see [Kind]) and stop the
// sequence from advancing until the caller retries explicitly, unless
// [Options.AutoRetry] is set. Unauthorized failures and cancellation end the
// sequence for good.
//
// The same machinery backs paginated loading ([PageStride]) and
// conversational forms ([StepStride]).
package sequence

import (
	"context"
	"fmt"
	"sync"
)

// Executor runs one step at cursor. It must be safe to call again with the
// same cursor after a failure.
type Executor[T any] interface {
	Execute(ctx context.Context, cursor int) (Batch[T], error)
}

// ExecutorFunc adapts a function to [Executor].
type ExecutorFunc[T any] func(ctx context.Context, cursor int) (Batch[T], error)

// Execute calls f(ctx, cursor).
func (f ExecutorFunc[T]) Execute(ctx context.Context, cursor int) (Batch[T], error) {
	return f(ctx, cursor)
}

// Outcome reports what a trigger did.
type Outcome uint8

const (
	// Dropped means no step ran: one was already in flight, the sequence was
	// terminal, or a failure blocked it.
	Dropped Outcome = iota
	// Advanced means a step succeeded and more may follow.
	Advanced
	// Finished means a step succeeded and the sequence is complete.
	Finished
	// Failed means the step failed and the failure was recorded.
	Failed
	// Stopped means the step reported cancellation and the sequence ended.
	Stopped
	// Discarded means the sequence was cancelled while the step ran and its
	// result was thrown away.
	Discarded
)

func (o Outcome) String() string {
	switch o {
	case Dropped:
		return "dropped"
	case Advanced:
		return "advanced"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	case Stopped:
		return "stopped"
	case Discarded:
		return "discarded"
	default:
		return fmt.Sprintf("Outcome(%d)", o)
	}
}

// Controller serializes triggers against one sequence. It is safe for
// concurrent use.
type Controller[T any] struct {
	exec Executor[T]

	mu        sync.Mutex
	t         *Tracker[T]
	cancelled bool
}

// New returns a Controller running steps with exec.
func New[T any](exec Executor[T], opts Options) *Controller[T] {
	return &Controller[T]{exec: exec, t: NewTracker[T](opts)}
}

// Advance runs the next step if the sequence can advance.
func (c *Controller[T]) Advance(ctx context.Context) Outcome { return c.step(ctx, false) }

// Retry is like Advance, but may move past a recorded failure. It never
// revives a terminal sequence.
func (c *Controller[T]) Retry(ctx context.Context) Outcome { return c.step(ctx, true) }

func (c *Controller[T]) step(ctx context.Context, explicit bool) Outcome {
	c.mu.Lock()
	if !c.t.CanAdvance(explicit) {
		c.mu.Unlock()
		return Dropped
	}
	cursor := c.t.Begin()
	c.mu.Unlock()

	batch, err := c.run(ctx, cursor)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancelled {
		c.t.Abandon()
		return Discarded
	}
	if err != nil {
		f := Classify(err)
		c.t.RecordFailure(f)
		if f.Kind == Cancelled {
			return Stopped
		}
		return Failed
	}
	c.t.RecordSuccess(batch)
	if c.t.IsTerminal() {
		return Finished
	}
	return Advanced
}

// run calls the executor, turning a panic into a transient failure so the
// in-flight mark is always cleared.
func (c *Controller[T]) run(ctx context.Context, cursor int) (b Batch[T], err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Fail(Transient, fmt.Errorf("step panicked: %v", r))
		}
	}()
	return c.exec.Execute(ctx, cursor)
}

// Cancel ends the sequence. A step in flight runs to completion, but its
// result is discarded.
func (c *Controller[T]) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = true
	c.t.Cancel()
}

// Snapshot returns a copy of the current progress.
func (c *Controller[T]) Snapshot() State[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t.State()
}
