// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package web contains the HTTP plumbing of the site: the server, JSON and
// HTML responses, health checks and debug pages.
package web

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"go.itsfan.me/site/internal/logger"
)

// StatusErr is an error that maps to an HTTP status code. Wrap it with
// [fmt.Errorf] to add context:
//
//	return fmt.Errorf("moment %q: %w", id, web.ErrNotFound)
type StatusErr int

// Error returns the lowercase status text.
func (se StatusErr) Error() string { return strings.ToLower(http.StatusText(int(se))) }

const (
	ErrBadRequest          StatusErr = http.StatusBadRequest
	ErrUnauthorized        StatusErr = http.StatusUnauthorized
	ErrForbidden           StatusErr = http.StatusForbidden
	ErrNotFound            StatusErr = http.StatusNotFound
	ErrMethodNotAllowed    StatusErr = http.StatusMethodNotAllowed
	ErrConflict            StatusErr = http.StatusConflict
	ErrTooManyRequests     StatusErr = http.StatusTooManyRequests
	ErrInternalServerError StatusErr = http.StatusInternalServerError
	ErrBadGateway          StatusErr = http.StatusBadGateway
)

// StatusCode returns the status code err maps to, or 500 if it wraps no
// [StatusErr].
func StatusCode(err error) int {
	var se StatusErr
	if errors.As(err, &se) {
		return int(se)
	}
	return http.StatusInternalServerError
}

// RespondJSON writes response as indented JSON with status 200.
func RespondJSON(w http.ResponseWriter, response any) {
	RespondJSONStatus(w, http.StatusOK, response)
}

// RespondJSONStatus writes response as indented JSON with the given status
// code.
func RespondJSONStatus(w http.ResponseWriter, code int, response any) {
	b, err := json.MarshalIndent(response, "", "  ")
	if err != nil {
		code = http.StatusInternalServerError
		b, _ = json.Marshal(errorResponse{Status: "error", Error: "JSON marshal error: " + err.Error()})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
	w.Write([]byte("\n"))
}

type errorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// RespondJSONError writes err as a JSON error object. The status code is
// taken from a wrapped [StatusErr]; other errors are logged and reported as
// 500.
func RespondJSONError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusAndLog(r, err)
	RespondJSONStatus(w, code, errorResponse{Status: "error", Error: err.Error()})
}

var (
	//go:embed templates/error.html
	errorTemplateSrc string
	errorTemplate    = template.Must(template.New("error").Funcs(template.FuncMap{
		"static": StaticFS.HashName,
	}).Parse(errorTemplateSrc))
)

// RespondError writes err as an HTML error page, like [RespondJSONError].
func RespondError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusAndLog(r, err)
	data := struct {
		StatusCode int
		StatusText string
	}{code, http.StatusText(code)}

	var buf bytes.Buffer
	if err := errorTemplate.Execute(&buf, data); err != nil {
		http.Error(w, fmt.Sprintf("%d: %s", data.StatusCode, data.StatusText), code)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	buf.WriteTo(w)
}

func statusAndLog(r *http.Request, err error) int {
	code := StatusCode(err)
	if code >= http.StatusInternalServerError {
		logger.Error(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", code),
			slog.Any("err", err),
		)
	}
	return code
}
