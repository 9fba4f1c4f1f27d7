// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package httplogger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.itsfan.me/site/internal/logger"
	"go.itsfan.me/site/internal/testutil"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func testContext(buf *bytes.Buffer) context.Context {
	level := new(slog.LevelVar)
	level.Set(slog.LevelDebug)
	return logger.Put(context.Background(), logger.New(buf, level))
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	const token = "123456:sekrit"
	var buf bytes.Buffer
	ctx := testContext(&buf)

	ok := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		w := httptest.NewRecorder()
		w.WriteHeader(http.StatusTeapot)
		return w.Result(), nil
	})
	c := &http.Client{Transport: New(ok, strings.NewReplacer(token, "[EXPUNGED]"))}

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.telegram.org/bot"+token+"/getMe", nil)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	out := buf.String()
	testutil.AssertSubstring(t, out, "level=DEBUG")
	testutil.AssertSubstring(t, out, "msg=\"outgoing request\"")
	testutil.AssertSubstring(t, out, "status=418")
	testutil.AssertSubstring(t, out, "bot[EXPUNGED]/getMe")
	if strings.Contains(out, token) {
		t.Errorf("log leaks the token: %s", out)
	}
}

func TestRoundTripError(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	ctx := testContext(&buf)

	failing := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})
	c := &http.Client{Transport: New(failing, nil)}

	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, "https://itsfan.me/api/moments", nil)
	if _, err := c.Do(req); err == nil {
		t.Fatal("want error")
	}

	out := buf.String()
	testutil.AssertSubstring(t, out, "level=WARN")
	testutil.AssertSubstring(t, out, "method=POST")
	testutil.AssertSubstring(t, out, "connection refused")
}
