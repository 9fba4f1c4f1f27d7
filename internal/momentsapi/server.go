// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package momentsapi implements the HTTP API for moments and a client for it.
package momentsapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"go.itsfan.me/site/internal/logger"
	"go.itsfan.me/site/internal/metrics"
	"go.itsfan.me/site/internal/moments"
	"go.itsfan.me/site/internal/store"
	"go.itsfan.me/site/internal/syncx"
	"go.itsfan.me/site/internal/web"
)

// DefaultAllowedHosts are the Host header values public reads are served
// for when [Server.AllowedHosts] is empty.
var DefaultAllowedHosts = []string{"itsfan.me", "localhost:3000", "127.0.0.1"}

const maxBodySize = 1 << 20

// ListResponse is the body of a successful list request.
type ListResponse struct {
	Data   []moments.Moment `json:"data"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

// MomentResponse is the body of a successful single-moment request.
type MomentResponse struct {
	Data moments.Moment `json:"data"`
}

// ErrorResponse is the body of a failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
}

// Server serves the moments API.
type Server struct {
	// Store holds the moments.
	Store store.Store
	// APIKey authorizes writes. Writes are always rejected when it is empty.
	APIKey string
	// AllowedHosts limits the Host header values reads are served for.
	// DefaultAllowedHosts if empty.
	AllowedHosts []string
	// RateLimit and RateBurst configure the per-client limiter of reads.
	// Reads are not limited when RateLimit is zero.
	RateLimit rate.Limit
	RateBurst int

	limiters *syncx.Protected[map[string]*rate.Limiter]
}

// maxLimiters bounds the number of remembered clients.
const maxLimiters = 10000

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	s.limiters = syncx.Protect(make(map[string]*rate.Limiter))

	s.handle(mux, "GET /api/moments", s.publicRead(s.list))
	s.handle(mux, "GET /api/moments/{id}", s.publicRead(s.get))
	s.handle(mux, "POST /api/moments", s.authorized(s.create))
	s.handle(mux, "PUT /api/moments/{id}", s.authorized(s.update))
	s.handle(mux, "DELETE /api/moments/{id}", s.authorized(s.delete))
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

func (s *Server) handle(mux *http.ServeMux, pattern string, h handlerFunc) {
	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		if err := h(rec, r); err != nil {
			respondError(rec, r, pattern, err)
		}
		metrics.APIRequests.WithLabelValues(pattern, strconv.Itoa(rec.code)).Inc()
	}))
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.code = code
	sr.ResponseWriter.WriteHeader(code)
}

var errRateLimited = fmt.Errorf("rate limit exceeded: %w", web.ErrTooManyRequests)

func (s *Server) publicRead(next handlerFunc) handlerFunc {
	allowed := s.AllowedHosts
	if len(allowed) == 0 {
		allowed = DefaultAllowedHosts
	}
	return func(w http.ResponseWriter, r *http.Request) error {
		if r.Host != "" && !slices.Contains(allowed, r.Host) {
			return fmt.Errorf("host %q: %w", r.Host, web.ErrForbidden)
		}
		if !s.allow(r) {
			metrics.RateLimited.Inc()
			return errRateLimited
		}
		return next(w, r)
	}
}

func (s *Server) allow(r *http.Request) bool {
	if s.RateLimit == 0 {
		return true
	}
	client, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		client = r.RemoteAddr
	}
	var l *rate.Limiter
	s.limiters.Access(func(m *map[string]*rate.Limiter) {
		if len(*m) >= maxLimiters {
			*m = make(map[string]*rate.Limiter)
		}
		l = (*m)[client]
		if l == nil {
			l = rate.NewLimiter(s.RateLimit, max(s.RateBurst, 1))
			(*m)[client] = l
		}
	})
	return l.Allow()
}

func (s *Server) authorized(next handlerFunc) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" || s.APIKey == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.APIKey)) != 1 {
			return web.ErrUnauthorized
		}
		return next(w, r)
	}
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) error {
	q, err := moments.ParseQuery(r.URL.Query())
	if err != nil {
		return err
	}
	ms, total, err := s.Store.List(r.Context(), q)
	if err != nil {
		return err
	}
	web.RespondJSON(w, ListResponse{
		Data:   nonNil(ms),
		Total:  total,
		Limit:  q.Limit,
		Offset: q.Offset,
	})
	return nil
}

var errMomentNotFound = errors.New("moment not found")

func (s *Server) get(w http.ResponseWriter, r *http.Request) error {
	m, err := s.Store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		return errMomentNotFound
	}
	if err != nil {
		return err
	}
	web.RespondJSON(w, MomentResponse{Data: m})
	return nil
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) error {
	var in moments.CreateInput
	if err := decodeBody(w, r, &in); err != nil {
		return err
	}
	if err := moments.Validate(in); err != nil {
		return err
	}
	m := moments.New(in, time.Now())
	if err := s.Store.Create(r.Context(), m); err != nil {
		return err
	}
	logger.Info(r.Context(), "moment created", slog.String("id", m.ID))
	web.RespondJSONStatus(w, http.StatusCreated, MomentResponse{Data: m})
	return nil
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) error {
	var in moments.UpdateInput
	if err := decodeBody(w, r, &in); err != nil {
		return err
	}
	if err := moments.Validate(in); err != nil {
		return err
	}
	m, err := s.Store.Update(r.Context(), r.PathValue("id"), in)
	if err != nil {
		return err
	}
	logger.Info(r.Context(), "moment updated", slog.String("id", m.ID))
	web.RespondJSON(w, MomentResponse{Data: m})
	return nil
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")
	if err := s.Store.Delete(r.Context(), id); err != nil {
		return err
	}
	logger.Info(r.Context(), "moment deleted", slog.String("id", id))
	web.RespondJSON(w, map[string]string{"message": "Moment deleted successfully"})
	return nil
}

type bodyError struct{ err error }

func (e *bodyError) Error() string { return "invalid request body: " + e.err.Error() }
func (e *bodyError) Unwrap() error { return e.err }

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		return &bodyError{err}
	}
	return nil
}

func respondError(w http.ResponseWriter, r *http.Request, route string, err error) {
	var (
		ve   *moments.ValidationError
		be   *bodyError
		code int
		body ErrorResponse
	)
	switch {
	case errors.As(err, &ve):
		code = http.StatusBadRequest
		body = ErrorResponse{Error: "Validation failed", Message: ve.Error(), Details: ve.Issues}
	case errors.As(err, &be):
		code = http.StatusBadRequest
		body = ErrorResponse{Error: "Invalid request body", Message: be.err.Error()}
	case errors.Is(err, errMomentNotFound):
		code = http.StatusNotFound
		body = ErrorResponse{Error: "Moment not found"}
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
		body = ErrorResponse{Error: "Resource not found"}
	default:
		switch code = web.StatusCode(err); code {
		case http.StatusUnauthorized:
			body = ErrorResponse{Error: "Unauthorized", Message: "Valid API key required"}
		case http.StatusForbidden:
			body = ErrorResponse{Error: "Forbidden", Message: "Access denied"}
		case http.StatusTooManyRequests:
			body = ErrorResponse{Error: "Too many requests", Message: "Rate limit exceeded"}
		default:
			code = http.StatusInternalServerError
			body = ErrorResponse{Error: "Internal server error"}
			logger.Error(r.Context(), "moments API request failed",
				slog.String("route", route),
				slog.Any("err", err),
			)
		}
	}
	if code == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	web.RespondJSONStatus(w, code, body)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
