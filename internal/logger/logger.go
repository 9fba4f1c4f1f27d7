// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package logger carries structured loggers through contexts and keeps a
// ring buffer of recent log lines that can be streamed over HTTP.
package logger

import (
	"container/ring"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

type ctxKey struct{}

// Put returns a copy of ctx that carries l.
func Put(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// Get returns the logger stored in ctx, or [slog.Default] if there is none.
func Get(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// Debug logs at [slog.LevelDebug] with the logger from ctx.
func Debug(ctx context.Context, msg string, attrs ...slog.Attr) {
	Get(ctx).LogAttrs(ctx, slog.LevelDebug, msg, attrs...)
}

// Info logs at [slog.LevelInfo] with the logger from ctx.
func Info(ctx context.Context, msg string, attrs ...slog.Attr) {
	Get(ctx).LogAttrs(ctx, slog.LevelInfo, msg, attrs...)
}

// Warn logs at [slog.LevelWarn] with the logger from ctx.
func Warn(ctx context.Context, msg string, attrs ...slog.Attr) {
	Get(ctx).LogAttrs(ctx, slog.LevelWarn, msg, attrs...)
}

// Error logs at [slog.LevelError] with the logger from ctx.
func Error(ctx context.Context, msg string, attrs ...slog.Attr) {
	Get(ctx).LogAttrs(ctx, slog.LevelError, msg, attrs...)
}

// New returns a text logger writing to w at the level held by level.
func New(w io.Writer, level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Streamer is an io.Writer that remembers the last written lines and lets
// HTTP clients follow new ones.
type Streamer interface {
	io.Writer
	http.Handler

	// Lines returns the remembered lines, oldest first.
	Lines() []string
	// Stream subscribes to newly written lines. The returned function
	// unsubscribes and closes the channel.
	Stream() (<-chan string, func())
}

// NewStreamer returns a Streamer that remembers up to size lines.
func NewStreamer(size int) Streamer {
	return &ringStreamer{
		size:    size,
		r:       ring.New(size),
		streams: make(map[chan string]struct{}),
	}
}

type ringStreamer struct {
	mu      sync.RWMutex
	size    int
	partial string
	r       *ring.Ring
	streams map[chan string]struct{}
}

func (rs *ringStreamer) Write(b []byte) (int, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	text := rs.partial + string(b)
	for {
		line, rest, found := strings.Cut(text, "\n")
		if !found {
			break
		}
		line += "\n"
		rs.r.Value = line
		rs.r = rs.r.Next()
		for ch := range rs.streams {
			select {
			case ch <- line:
			default:
				// Slow subscribers miss lines.
			}
		}
		text = rest
	}
	rs.partial = text
	return len(b), nil
}

func (rs *ringStreamer) Lines() []string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	lines := make([]string, 0, rs.size)
	rs.r.Do(func(v any) {
		if s, ok := v.(string); ok {
			lines = append(lines, s)
		}
	})
	return lines
}

func (rs *ringStreamer) Stream() (<-chan string, func()) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	ch := make(chan string, rs.size+1)
	rs.streams[ch] = struct{}{}
	return ch, func() {
		rs.mu.Lock()
		defer rs.mu.Unlock()
		delete(rs.streams, ch)
		close(ch)
	}
}

// ServeHTTP writes the remembered lines and then follows new ones until the
// client goes away. Clients that accept text/event-stream get server-sent
// events.
func (rs *ringStreamer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sse := strings.Contains(strings.ToLower(r.Header.Get("Accept")), "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	if sse {
		w.Header().Set("Content-Type", "text/event-stream")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}

	stream, unsubscribe := rs.Stream()
	defer unsubscribe()

	write := func(line string) {
		if sse {
			fmt.Fprintf(w, "event: logline\ndata: %s\n", line)
		} else {
			io.WriteString(w, line)
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
	if !sse {
		for _, line := range rs.Lines() {
			write(line)
		}
	}

	for {
		select {
		case line, ok := <-stream:
			if !ok {
				return
			}
			write(line)
		case <-r.Context().Done():
			return
		}
	}
}
