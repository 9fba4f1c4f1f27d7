// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.itsfan.me/site/internal/logger"

	"github.com/benbjohnson/hashfs"
)

//go:embed static
var staticFS embed.FS

// StaticFS holds the static assets served under /static/ with
// content-addressed names.
var StaticFS = hashfs.NewFS(staticFS)

// Middleware wraps an [http.Handler].
type Middleware func(http.Handler) http.Handler

// Server is an HTTP server that shuts down gracefully when its context is
// cancelled.
//
// Fields must not be changed after ListenAndServe is called.
type Server struct {
	// Addr is the "host:port" to listen on.
	Addr string
	// Mux serves requests. /static/ and /health are registered on it, and
	// /debug/ too if Debuggable is set.
	Mux *http.ServeMux
	// Middleware is applied to every request, outermost first.
	Middleware []Middleware
	// Debuggable enables the /debug/ pages.
	Debuggable bool
	// DebugAuth, if set, decides who may see /debug/. Denied requests get a
	// 404.
	DebugAuth func(*http.Request) bool
	// Ready, if set, is called once the server is listening.
	Ready func()
	// ShutdownTimeout bounds graceful shutdown. 30 seconds if zero.
	ShutdownTimeout time.Duration
}

var (
	errNoAddr = errors.New("server address is empty")
	errNilMux = errors.New("server mux is nil")
)

const cspHeader = "default-src 'self'; img-src 'self' https: data:; style-src 'self' 'unsafe-inline'; script-src 'self' 'unsafe-inline'"

// ListenAndServe serves HTTP until ctx is done. Requests carry ctx's values,
// so handlers can use the logger stored in it.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.Addr == "" {
		return errNoAddr
	}
	if s.Mux == nil {
		return errNilMux
	}

	s.Mux.Handle("/static/", hashfs.FileServer(StaticFS))
	Health(s.Mux)
	if s.Debuggable {
		Debugger(s.Mux)
	}

	var h http.Handler = s.Mux
	h = s.protectDebug(h)
	for i := len(s.Middleware) - 1; i >= 0; i-- {
		h = s.Middleware[i](h)
	}
	h = securityHeaders(h)

	l, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.Addr, err)
	}
	defer l.Close()
	logger.Info(ctx, "listening", slog.String("addr", l.Addr().String()))

	httpSrv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Get(ctx).Handler(), slog.LevelWarn),
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if s.Ready != nil {
		s.Ready()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info(ctx, "gracefully shutting down")
		timeout := s.ShutdownTimeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) protectDebug(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/debug/") && s.DebugAuth != nil && !s.DebugAuth(r) {
			// Pretend the debug pages don't exist.
			RespondError(w, r, ErrNotFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "same-origin")
		h.Set("Content-Security-Policy", cspHeader)
		next.ServeHTTP(w, r)
	})
}
