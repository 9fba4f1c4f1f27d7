// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package web

import (
	"net/http"
	"net/url"

	"go.itsfan.me/site/internal/syncx"
)

// Health returns the [HealthHandler] registered on mux at /health,
// registering a new one if there is none.
func Health(mux *http.ServeMux) *HealthHandler {
	h, pat := mux.Handler(&http.Request{Method: http.MethodGet, URL: &url.URL{Path: "/health"}})
	if hh, ok := h.(*HealthHandler); ok && pat == "/health" {
		return hh
	}
	hh := &HealthHandler{checks: syncx.Protect(make(map[string]HealthFunc))}
	mux.Handle("/health", hh)
	return hh
}

// HealthHandler reports the health of the registered subsystems as JSON.
type HealthHandler struct {
	checks *syncx.Protected[map[string]HealthFunc]
}

// HealthFunc reports the state of one subsystem. It must be safe for
// concurrent use.
type HealthFunc func() (status string, ok bool)

// RegisterFunc adds a named check. It panics if the name is taken.
func (h *HealthHandler) RegisterFunc(name string, f HealthFunc) {
	h.checks.Access(func(checks *map[string]HealthFunc) {
		if _, dup := (*checks)[name]; dup {
			panic("web: duplicate health check " + name)
		}
		(*checks)[name] = f
	})
}

// HealthResponse is the body of a /health response.
type HealthResponse struct {
	OK     bool                     `json:"ok"`
	Checks map[string]CheckResponse `json:"checks"`
}

// CheckResponse is the result of one check.
type CheckResponse struct {
	Status string `json:"status"`
	OK     bool   `json:"ok"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{OK: true, Checks: make(map[string]CheckResponse)}
	h.checks.RAccess(func(checks map[string]HealthFunc) {
		for name, f := range checks {
			status, ok := f()
			resp.OK = resp.OK && ok
			resp.Checks[name] = CheckResponse{Status: status, OK: ok}
		}
	})
	code := http.StatusOK
	if !resp.OK {
		code = http.StatusInternalServerError
	}
	RespondJSONStatus(w, code, resp)
}
