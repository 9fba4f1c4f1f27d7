// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package sequence

import "slices"

// Stride is how far the cursor moves after a successful step.
type Stride uint8

const (
	// PageStride moves the cursor by the number of items in the batch.
	PageStride Stride = iota
	// StepStride moves the cursor by one.
	StepStride
)

// DefaultMaxRetry is used when [Options.MaxRetry] is zero.
const DefaultMaxRetry = 3

// Options configure a [Tracker] or [Controller].
type Options struct {
	// MaxRetry bounds the consecutive failure count. DefaultMaxRetry if zero.
	MaxRetry int
	// Stride selects how the cursor advances.
	Stride Stride
	// Policy decides about retries. DefaultRetryPolicy if nil.
	Policy RetryPolicy
	// AutoRetry lets a plain trigger repeat a failed step while Policy allows
	// it. Otherwise only an explicit retry can move past a failure.
	AutoRetry bool
}

func (o Options) withDefaults() Options {
	if o.MaxRetry <= 0 {
		o.MaxRetry = DefaultMaxRetry
	}
	if o.Policy == nil {
		o.Policy = DefaultRetryPolicy{}
	}
	return o
}

// Batch is the result of one successful step.
type Batch[T any] struct {
	Items []T
	// Total is the expected overall item count. It is only meaningful when
	// TotalKnown is set.
	Total      int
	TotalKnown bool
}

// State is a snapshot of sequence progress.
type State[T any] struct {
	Cursor          int
	Items           []T
	CompletionKnown bool
	Total           int
	Terminal        bool
	Failure         *Failure
	RetryCount      int
	InFlight        bool
	// Cancelled is set when the sequence was ended by the caller.
	Cancelled bool
	// Retryable reports whether the retry policy would repeat the failed
	// step. An explicit retry is possible whenever Failure is set and the
	// sequence is not terminal.
	Retryable bool
}

// Tracker holds the progress of a sequence and enforces its invariants: the
// cursor only moves on success, terminal is never unset, and the retry
// count stays within bounds.
//
// Tracker is not safe for concurrent use; [Controller] serializes access
// to it.
type Tracker[T any] struct {
	opts Options
	st   State[T]
}

// NewTracker returns a Tracker at cursor zero.
func NewTracker[T any](opts Options) *Tracker[T] {
	return &Tracker[T]{opts: opts.withDefaults()}
}

// CanAdvance reports whether a step may start now. explicit is set for
// caller-initiated retries, which may move past a recorded failure.
func (t *Tracker[T]) CanAdvance(explicit bool) bool {
	if t.st.InFlight || t.st.Terminal {
		return false
	}
	if t.st.Failure == nil || explicit {
		return true
	}
	return t.opts.AutoRetry && t.opts.Policy.ShouldRetry(t.st.Failure, t.st.RetryCount, t.opts.MaxRetry)
}

// Begin marks a step in flight and returns the cursor it runs at.
func (t *Tracker[T]) Begin() int {
	t.st.InFlight = true
	return t.st.Cursor
}

// RecordSuccess applies a successful batch.
func (t *Tracker[T]) RecordSuccess(b Batch[T]) {
	t.st.InFlight = false
	if t.st.Terminal {
		return
	}
	t.st.Items = append(t.st.Items, b.Items...)
	switch t.opts.Stride {
	case StepStride:
		t.st.Cursor++
	default:
		t.st.Cursor += len(b.Items)
	}
	t.st.Failure = nil
	t.st.RetryCount = 0
	if b.TotalKnown {
		t.st.CompletionKnown = true
		t.st.Total = b.Total
	}
	if len(b.Items) == 0 || (t.st.CompletionKnown && len(t.st.Items) >= t.st.Total) {
		t.st.Terminal = true
	}
}

// RecordFailure applies a failed step. Cursor and items are left alone.
func (t *Tracker[T]) RecordFailure(f *Failure) {
	t.st.InFlight = false
	if t.st.Terminal || f == nil {
		return
	}
	switch f.Kind {
	case Cancelled:
		t.st.Terminal = true
		t.st.Cancelled = true
		return
	case Unauthorized:
		t.st.Terminal = true
	}
	if !f.Rejected {
		t.st.RetryCount = min(t.st.RetryCount+1, t.opts.MaxRetry)
	}
	t.st.Failure = f
}

// Cancel ends the sequence. A step in flight stays marked until its result
// is dropped with Abandon.
func (t *Tracker[T]) Cancel() {
	t.st.Terminal = true
	t.st.Cancelled = true
}

// Abandon clears the in-flight mark without applying a result.
func (t *Tracker[T]) Abandon() { t.st.InFlight = false }

// IsTerminal reports whether no further steps can run.
func (t *Tracker[T]) IsTerminal() bool { return t.st.Terminal }

// State returns a copy of the current progress.
func (t *Tracker[T]) State() State[T] {
	st := t.st
	st.Items = slices.Clone(t.st.Items)
	st.Retryable = !st.Terminal && st.Failure != nil && t.opts.Policy.ShouldRetry(st.Failure, st.RetryCount, t.opts.MaxRetry)
	return st
}
