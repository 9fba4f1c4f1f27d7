// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package content

import (
	"net/http"
	"time"

	"go.itsfan.me/site/internal/web"
)

// Summary is a post without its body.
type Summary struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Date        time.Time `json:"date"`
	Category    string    `json:"category"`
	Tags        []string  `json:"tags"`
	Slug        string    `json:"slug"`
	Permalink   string    `json:"permalink"`
}

func summarize(p Post) Summary {
	return Summary{
		Title:       p.Title,
		Description: p.Description,
		Date:        p.Date,
		Category:    p.Category,
		Tags:        p.Tags,
		Slug:        p.Slug,
		Permalink:   p.Permalink,
	}
}

type response[T any] struct {
	Data T `json:"data"`
}

// Register adds the content API to mux:
//
//	GET /api/posts         published posts, newest first, without bodies
//	GET /api/posts/{slug}  one published post
//	GET /api/friends       the friends page
func (s *Site) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/posts", func(w http.ResponseWriter, r *http.Request) {
		sums := []Summary{}
		for _, p := range s.Published() {
			sums = append(sums, summarize(p))
		}
		web.RespondJSON(w, response[[]Summary]{Data: sums})
	})
	mux.HandleFunc("GET /api/posts/{slug}", func(w http.ResponseWriter, r *http.Request) {
		p, ok := s.Post(r.PathValue("slug"))
		if !ok {
			web.RespondJSONError(w, r, web.ErrNotFound)
			return
		}
		web.RespondJSON(w, response[Post]{Data: p})
	})
	mux.HandleFunc("GET /api/friends", func(w http.ResponseWriter, r *http.Request) {
		if s.friends == nil {
			web.RespondJSONError(w, r, web.ErrNotFound)
			return
		}
		web.RespondJSON(w, response[*Friends]{Data: s.friends})
	})
}
