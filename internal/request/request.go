// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package request makes JSON HTTP requests.
package request

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.itsfan.me/site/internal/version"
)

// DefaultClient is the [http.Client] used when [Params] has none.
var DefaultClient = &http.Client{Timeout: 10 * time.Second}

// Params describes a request.
type Params struct {
	// Method is the HTTP method. GET if empty.
	Method string
	// URL is the target of the request.
	URL string
	// Headers are set on the request in addition to User-Agent.
	Headers map[string]string
	// Body, when not nil, is marshaled to JSON and sent as the request body.
	Body any
	// WantStatusCode is the status code considered a success. Any 2xx code is
	// accepted when it is zero.
	WantStatusCode int
	// HTTPClient overrides DefaultClient.
	HTTPClient *http.Client
	// Scrubber removes secrets from returned error messages.
	Scrubber *strings.Replacer
}

// IgnoreResponse is a response type for requests whose body is discarded.
type IgnoreResponse struct{}

// StatusError is returned when the server replies with an unexpected status
// code.
type StatusError struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("want 2xx, got %d: %s", e.StatusCode, e.Body)
}

type scrubbedError struct {
	err      error
	scrubber *strings.Replacer
}

func (se *scrubbedError) Error() string {
	if se.scrubber == nil {
		return se.err.Error()
	}
	return se.scrubber.Replace(se.err.Error())
}

func (se *scrubbedError) Unwrap() error { return se.err }

// Make sends a request described by p and decodes the JSON response into
// Response. If Response is []byte, the raw body is returned. If it is
// [IgnoreResponse], the body is discarded.
func Make[Response any](ctx context.Context, p Params) (Response, error) {
	var resp Response
	fail := func(err error) (Response, error) {
		return resp, &scrubbedError{err: fmt.Errorf("%s %q: %w", cmp.Or(p.Method, http.MethodGet), p.URL, err), scrubber: p.Scrubber}
	}

	var body io.Reader
	if p.Body != nil {
		b, err := json.Marshal(p.Body)
		if err != nil {
			return fail(err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, cmp.Or(p.Method, http.MethodGet), p.URL, body)
	if err != nil {
		return fail(err)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	httpc := DefaultClient
	if p.HTTPClient != nil {
		httpc = p.HTTPClient
	}
	res, err := httpc.Do(req)
	if err != nil {
		return fail(err)
	}
	defer res.Body.Close()

	b, err := io.ReadAll(res.Body)
	if err != nil {
		return fail(err)
	}

	ok := res.StatusCode >= 200 && res.StatusCode < 300
	if p.WantStatusCode != 0 {
		ok = res.StatusCode == p.WantStatusCode
	}
	if !ok {
		return fail(&StatusError{StatusCode: res.StatusCode, Header: res.Header, Body: b})
	}

	switch v := any(&resp).(type) {
	case *IgnoreResponse:
		return resp, nil
	case *[]byte:
		*v = b
		return resp, nil
	}
	if err := json.Unmarshal(b, &resp); err != nil {
		return fail(err)
	}
	return resp, nil
}
