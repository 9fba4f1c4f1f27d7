// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package pager loads a paginated collection incrementally, one page per
// trigger, the way an infinite-scrolling list does.
package pager

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.itsfan.me/site/internal/request"
	"go.itsfan.me/site/internal/sequence"
)

// DefaultLimit is the page size used when [Options.Limit] is zero.
const DefaultLimit = 10

// Page is one page of a collection.
type Page[T any] struct {
	Items []T `json:"data"`
	Total int `json:"total"`
}

// Source returns the page of at most limit items starting at offset.
type Source[T any] interface {
	Page(ctx context.Context, offset, limit int) (Page[T], error)
}

// SourceFunc adapts a function to [Source].
type SourceFunc[T any] func(ctx context.Context, offset, limit int) (Page[T], error)

// Page calls f(ctx, offset, limit).
func (f SourceFunc[T]) Page(ctx context.Context, offset, limit int) (Page[T], error) {
	return f(ctx, offset, limit)
}

// Options configure a [Pager].
type Options struct {
	// Limit is the page size. DefaultLimit if zero.
	Limit int
	// MaxRetry bounds consecutive failures. sequence.DefaultMaxRetry if zero.
	MaxRetry int
	// AutoRetry lets Trigger repeat a failed fetch while the retry budget
	// lasts.
	AutoRetry bool
}

// Pager accumulates the items of a [Source]. It is safe for concurrent use.
type Pager[T any] struct {
	c     *sequence.Controller[T]
	limit int
}

// New returns a Pager reading from src. Nothing is fetched until the first
// Trigger.
func New[T any](src Source[T], opts Options) *Pager[T] {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	exec := sequence.ExecutorFunc[T](func(ctx context.Context, offset int) (sequence.Batch[T], error) {
		page, err := src.Page(ctx, offset, limit)
		if err != nil {
			return sequence.Batch[T]{}, Classify(err)
		}
		return sequence.Batch[T]{Items: page.Items, Total: page.Total, TotalKnown: true}, nil
	})
	return &Pager[T]{
		c: sequence.New(exec, sequence.Options{
			MaxRetry:  opts.MaxRetry,
			Stride:    sequence.PageStride,
			AutoRetry: opts.AutoRetry,
		}),
		limit: limit,
	}
}

// Trigger fetches the next page, unless one is being fetched, everything
// is loaded or the last fetch failed.
func (p *Pager[T]) Trigger(ctx context.Context) sequence.Outcome { return p.c.Advance(ctx) }

// Retry repeats a failed fetch.
func (p *Pager[T]) Retry(ctx context.Context) sequence.Outcome { return p.c.Retry(ctx) }

// Close stops loading. A fetch in progress is allowed to finish, but its
// items are dropped.
func (p *Pager[T]) Close() { p.c.Cancel() }

// Items returns the items loaded so far.
func (p *Pager[T]) Items() []T { return p.c.Snapshot().Items }

// IsLoading reports whether a fetch is in progress.
func (p *Pager[T]) IsLoading() bool { return p.c.Snapshot().InFlight }

// Err returns the last fetch failure, or nil.
func (p *Pager[T]) Err() *sequence.Failure { return p.c.Snapshot().Failure }

// HasMore reports whether more items may be loaded.
func (p *Pager[T]) HasMore() bool { return !p.c.Snapshot().Terminal }

// RetryCount returns the number of consecutive failed fetches.
func (p *Pager[T]) RetryCount() int { return p.c.Snapshot().RetryCount }

// Limit returns the page size.
func (p *Pager[T]) Limit() int { return p.limit }

// State returns a snapshot of the pager progress.
func (p *Pager[T]) State() sequence.State[T] { return p.c.Snapshot() }

// Classify maps an error returned by a [Source] to a failure kind:
// 401 and 403 responses are unauthorized, 408, 429 and 5xx responses and
// network errors are transient, other unexpected responses and undecodable
// bodies are malformed.
func Classify(err error) *sequence.Failure {
	if err == nil {
		return nil
	}
	var f *sequence.Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.Canceled) {
		return sequence.Fail(sequence.Cancelled, err)
	}

	var se *request.StatusError
	if errors.As(err, &se) {
		switch code := se.StatusCode; {
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return sequence.Fail(sequence.Unauthorized, err)
		case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
			return sequence.Fail(sequence.Transient, err)
		default:
			return sequence.Fail(sequence.Malformed, err)
		}
	}

	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return sequence.Fail(sequence.Malformed, err)
	}
	return sequence.Fail(sequence.Transient, err)
}
