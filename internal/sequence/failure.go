// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package sequence

import (
	"context"
	"errors"
)

// Kind classifies why a step failed.
type Kind uint8

const (
	// Transient failures are expected to go away when the step is repeated
	// unchanged. Unclassified errors are transient.
	Transient Kind = iota
	// Unauthorized failures end the sequence.
	Unauthorized
	// Malformed failures mean the step produced or received something of
	// unexpected shape, including rejected user input.
	Malformed
	// Cancelled means the caller gave up. It ends the sequence silently.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Unauthorized:
		return "unauthorized"
	case Malformed:
		return "malformed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Failure is a classified step error.
type Failure struct {
	Kind Kind
	Err  error
	// Rejected marks input refused by validation. The step is repeated with
	// fresh input, so it doesn't count against the retry budget.
	Rejected bool
}

// Fail returns a Failure of the given kind wrapping err.
func Fail(kind Kind, err error) *Failure { return &Failure{Kind: kind, Err: err} }

// Reject returns a Malformed failure for input that didn't validate.
func Reject(err error) *Failure { return &Failure{Kind: Malformed, Err: err, Rejected: true} }

func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Kind.String()
	}
	return f.Kind.String() + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error { return f.Err }

// Classify turns err into a Failure. A *Failure anywhere in the chain is
// used as is, context cancellation becomes Cancelled and anything else is
// Transient. Classify returns nil for a nil error.
func Classify(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.Canceled) {
		return Fail(Cancelled, err)
	}
	return Fail(Transient, err)
}

// RetryPolicy decides whether a failed step may be repeated.
type RetryPolicy interface {
	ShouldRetry(f *Failure, retryCount, maxRetry int) bool
}

// DefaultRetryPolicy retries transient failures, and malformed ones if
// AllowMalformed is set, while retryCount is below maxRetry.
type DefaultRetryPolicy struct {
	AllowMalformed bool
}

// ShouldRetry implements [RetryPolicy].
func (p DefaultRetryPolicy) ShouldRetry(f *Failure, retryCount, maxRetry int) bool {
	if f == nil || retryCount >= maxRetry {
		return false
	}
	switch f.Kind {
	case Transient:
		return true
	case Malformed:
		return p.AllowMalformed
	default:
		return false
	}
}
