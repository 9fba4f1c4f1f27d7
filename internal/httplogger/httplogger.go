// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package httplogger provides an [http.RoundTripper] that logs outgoing
// requests with the logger of their context.
package httplogger

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.itsfan.me/site/internal/logger"
)

// New returns a transport that sends requests through t and logs each one:
// successful round trips at debug level, failed ones as warnings. Scrubber,
// if not nil, removes secrets such as tokens embedded in URLs.
func New(t http.RoundTripper, scrubber *strings.Replacer) http.RoundTripper {
	if t == nil {
		t = http.DefaultTransport
	}
	return &loggingTransport{transport: t, scrubber: scrubber}
}

type loggingTransport struct {
	transport http.RoundTripper
	scrubber  *strings.Replacer
}

func (t *loggingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.transport.RoundTrip(r)

	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("url", t.scrub(r.URL.String())),
		slog.Duration("duration", time.Since(start)),
	}
	if resp != nil {
		attrs = append(attrs, slog.Int("status", resp.StatusCode))
	}
	if err != nil {
		attrs = append(attrs, slog.String("err", t.scrub(err.Error())))
		logger.Warn(r.Context(), "outgoing request failed", attrs...)
		return resp, err
	}
	logger.Debug(r.Context(), "outgoing request", attrs...)
	return resp, nil
}

func (t *loggingTransport) scrub(s string) string {
	if t.scrubber == nil {
		return s
	}
	return t.scrubber.Replace(s)
}
