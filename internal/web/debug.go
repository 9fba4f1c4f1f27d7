// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package web

import (
	"bytes"
	"cmp"
	_ "embed"
	"html"
	"html/template"
	"net/http"
	"net/http/pprof"
	"net/url"
	"os"
	"runtime"
	"slices"
	"sync"
	"time"

	"go.itsfan.me/site/internal/version"

	"github.com/arl/statsviz"
)

var (
	//go:embed templates/debug.html
	debugTemplateSrc string
	debugTemplate    = template.Must(template.New("debug").Parse(debugTemplateSrc))
)

// DebugHandler serves the /debug/ index page and registers debug endpoints
// linked from it. It is safe for concurrent use.
type DebugHandler struct {
	mux *http.ServeMux

	mu       sync.RWMutex
	kvs      []debugKV
	links    []debugLink
	menuFunc func(*http.Request) []MenuItem
}

type (
	debugKV struct {
		k string
		v func() any
	}
	debugLink struct{ URL, Desc string }
)

// MenuItem is an entry of the debug page header.
type MenuItem interface {
	ToHTML() template.HTML
}

// LinkItem is a [MenuItem] linking to Target.
type LinkItem struct {
	Name   string
	Target string
}

// ToHTML implements [MenuItem].
func (li LinkItem) ToHTML() template.HTML {
	return template.HTML(`<a href="` + html.EscapeString(li.Target) + `">` + html.EscapeString(li.Name) + `</a>`)
}

// Debugger returns the [DebugHandler] registered on mux at /debug/,
// registering a new one with pprof and statsviz endpoints if there is none.
func Debugger(mux *http.ServeMux) *DebugHandler {
	h, pat := mux.Handler(&http.Request{Method: http.MethodGet, URL: &url.URL{Path: "/debug/"}})
	if d, ok := h.(*DebugHandler); ok && pat == "/debug/" {
		return d
	}
	d := &DebugHandler{mux: mux}
	mux.Handle("/debug/", d)

	if hostname, err := os.Hostname(); err == nil {
		d.KV("Machine", hostname)
	}
	d.KVFunc("Uptime", func() any { return time.Since(startTime).Round(time.Second) })
	d.KVFunc("Goroutines", func() any { return runtime.NumGoroutine() })

	d.Handle("pprof/", "Profiles", http.HandlerFunc(pprof.Index))
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	d.HandleFunc("gc", "Force GC", func(w http.ResponseWriter, r *http.Request) {
		runtime.GC()
		w.Write([]byte("Done.\n"))
	})
	if err := statsviz.Register(mux, statsviz.Root("/debug/statsviz")); err == nil {
		d.Link("/debug/statsviz/", "Runtime metrics")
	}
	return d
}

var startTime = time.Now()

func (d *DebugHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/debug/" {
		RespondError(w, r, ErrNotFound)
		return
	}

	d.mu.RLock()
	type kv struct {
		K string
		V any
	}
	data := struct {
		CmdName    string
		Version    version.Info
		KVs        []kv
		Links      []debugLink
		MenuItems  []MenuItem
		Stylesheet string
	}{
		CmdName:    version.CmdName(),
		Version:    version.Version(),
		Links:      slices.Clone(d.links),
		Stylesheet: StaticFS.HashName("static/css/main.css"),
	}
	for _, e := range d.kvs {
		data.KVs = append(data.KVs, kv{e.k, e.v()})
	}
	if d.menuFunc != nil {
		data.MenuItems = d.menuFunc(r)
	}
	d.mu.RUnlock()

	var buf bytes.Buffer
	if err := debugTemplate.Execute(&buf, data); err != nil {
		RespondError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	buf.WriteTo(w)
}

// Handle registers handler at /debug/<slug> and links it from the index.
func (d *DebugHandler) Handle(slug, desc string, handler http.Handler) {
	href := "/debug/" + slug
	d.mux.Handle(href, handler)
	d.Link(href, desc)
}

// HandleFunc is like Handle for a handler function.
func (d *DebugHandler) HandleFunc(slug, desc string, f http.HandlerFunc) {
	d.Handle(slug, desc, f)
}

// KV adds a fixed key/value row to the index.
func (d *DebugHandler) KV(k string, v any) {
	d.KVFunc(k, func() any { return v })
}

// KVFunc adds a key/value row whose value is computed on every render.
func (d *DebugHandler) KVFunc(k string, v func() any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kvs = append(d.kvs, debugKV{k, v})
}

// Link adds a link to the index. Links are sorted by description.
func (d *DebugHandler) Link(url, desc string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.links = append(d.links, debugLink{url, desc})
	slices.SortStableFunc(d.links, func(a, b debugLink) int { return cmp.Compare(a.Desc, b.Desc) })
}

// MenuFunc sets the function generating header menu items.
func (d *DebugHandler) MenuFunc(f func(*http.Request) []MenuItem) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.menuFunc = f
}
