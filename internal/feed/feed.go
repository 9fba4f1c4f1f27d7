// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package feed serves the RSS feed and the sitemap of the site.
package feed

import (
	"bytes"
	"cmp"
	"encoding/xml"
	"net/http"
	"strings"
	"time"

	"go.itsfan.me/site/internal/content"
	"go.itsfan.me/site/internal/web"
)

const (
	// DefaultBaseURL is the public address of the site.
	DefaultBaseURL = "https://itsfan.me"

	title       = "FAN"
	description = "Keep Running..."
	language    = "zh-CN"
	ttl         = 60

	rssCacheControl = "public, max-age=0, s-maxage=600"
)

// StaticRoutes are the site pages listed in the sitemap besides posts.
var StaticRoutes = []string{"/", "/posts", "/friends", "/moments"}

// Feed renders posts of Site.
type Feed struct {
	Site *content.Site
	// BaseURL is prepended to permalinks. DefaultBaseURL if empty.
	BaseURL string

	now func() time.Time // for tests
}

func (f *Feed) baseURL() string {
	return strings.TrimSuffix(cmp.Or(f.BaseURL, DefaultBaseURL), "/")
}

func (f *Feed) timeNow() time.Time {
	if f.now != nil {
		return f.now()
	}
	return time.Now()
}

// Register adds GET /feed and GET /sitemap.xml to mux.
func (f *Feed) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /feed", func(w http.ResponseWriter, r *http.Request) {
		b, err := f.RSS()
		if err != nil {
			web.RespondError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		w.Header().Set("Cache-Control", rssCacheControl)
		w.Write(b)
	})
	mux.HandleFunc("GET /sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		b, err := f.Sitemap()
		if err != nil {
			web.RespondError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		w.Write(b)
	})
}

type rss struct {
	XMLName      xml.Name `xml:"rss"`
	Version      string   `xml:"version,attr"`
	XMLNSContent string   `xml:"xmlns:content,attr"`
	XMLNSAtom    string   `xml:"xmlns:atom,attr"`
	Channel      channel  `xml:"channel"`
}

type channel struct {
	Title         string   `xml:"title"`
	Description   string   `xml:"description"`
	Link          string   `xml:"link"`
	AtomLink      atomLink `xml:"atom:link"`
	Language      string   `xml:"language"`
	TTL           int      `xml:"ttl"`
	LastBuildDate string   `xml:"lastBuildDate,omitempty"`
	Items         []item   `xml:"item"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
	Type string `xml:"type,attr"`
}

type item struct {
	Title       string   `xml:"title"`
	Description string   `xml:"description"`
	Link        string   `xml:"link"`
	GUID        guid     `xml:"guid"`
	Categories  []string `xml:"category"`
	PubDate     string   `xml:"pubDate"`
	Content     cdata    `xml:"content:encoded"`
}

type guid struct {
	IsPermaLink bool   `xml:"isPermaLink,attr"`
	Value       string `xml:",chardata"`
}

type cdata struct {
	Text string `xml:",cdata"`
}

// RSS returns the RSS 2.0 document of published posts, newest first.
func (f *Feed) RSS() ([]byte, error) {
	base := f.baseURL()
	doc := rss{
		Version:      "2.0",
		XMLNSContent: "http://purl.org/rss/1.0/modules/content/",
		XMLNSAtom:    "http://www.w3.org/2005/Atom",
		Channel: channel{
			Title:       title,
			Description: description,
			Link:        base,
			AtomLink:    atomLink{Href: base + "/feed", Rel: "self", Type: "application/rss+xml"},
			Language:    language,
			TTL:         ttl,
			Items:       []item{},
		},
	}
	posts := f.Site.Published()
	if len(posts) > 0 {
		doc.Channel.LastBuildDate = rfc822(posts[0].Date)
	}
	for _, p := range posts {
		url := base + p.Permalink
		doc.Channel.Items = append(doc.Channel.Items, item{
			Title:       p.Title,
			Description: p.Description,
			Link:        url,
			GUID:        guid{IsPermaLink: true, Value: url},
			Categories:  p.Categories(),
			PubDate:     rfc822(p.Date),
			Content:     cdata{Text: p.HTML},
		})
	}
	return marshal(doc)
}

type urlset struct {
	XMLName xml.Name `xml:"urlset"`
	XMLNS   string   `xml:"xmlns,attr"`
	URLs    []url    `xml:"url"`
}

type url struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod"`
}

// Sitemap returns the sitemap of the static pages and published posts.
func (f *Feed) Sitemap() ([]byte, error) {
	base := f.baseURL()
	now := f.timeNow().UTC().Format(time.RFC3339)
	doc := urlset{XMLNS: "http://www.sitemaps.org/schemas/sitemap/0.9"}
	for _, route := range StaticRoutes {
		doc.URLs = append(doc.URLs, url{Loc: base + route, LastMod: now})
	}
	for _, p := range f.Site.Published() {
		doc.URLs = append(doc.URLs, url{Loc: base + p.Permalink, LastMod: p.Date.UTC().Format(time.RFC3339)})
	}
	return marshal(doc)
}

func rfc822(t time.Time) string { return t.UTC().Format(http.TimeFormat) }

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
