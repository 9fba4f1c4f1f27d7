// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package content loads posts and the friends page of the site from Markdown
// files with YAML front matter.
//
// Posts live under posts/ (any depth, .md or .mdx) and the friends page is
// friends/index.md:
//
//	---
//	title: Hello
//	date: 2024-05-01
//	category: Life
//	slug: hello
//	---
//
//	Post body in Markdown.
package content

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
	"rsc.io/markdown"

	"go.itsfan.me/site/internal/syncx"
)

const (
	postsDir    = "posts"
	friendsFile = "friends/index.md"
)

// Post is a blog post.
type Post struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Date        time.Time `json:"date"`
	Category    string    `json:"category"`
	Tags        []string  `json:"tags"`
	Slug        string    `json:"slug"`
	Draft       bool      `json:"draft,omitempty"`
	// Permalink is the path of the post page, like "/posts/hello".
	Permalink string    `json:"permalink"`
	TOC       []Heading `json:"toc,omitempty"`
	// HTML is the rendered body.
	HTML string `json:"content,omitempty"`
	// Path is the source file.
	Path string `json:"-"`
}

// Categories splits the comma-separated category of p.
func (p Post) Categories() []string {
	var cats []string
	for c := range strings.SplitSeq(p.Category, ",") {
		if c = strings.TrimSpace(c); c != "" {
			cats = append(cats, c)
		}
	}
	return cats
}

// Heading is an entry of a table of contents.
type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
	ID    string `json:"id"`
}

// Friends is the friends page.
type Friends struct {
	Title string    `json:"title" yaml:"title" validate:"required"`
	Date  time.Time `json:"date" yaml:"-"`
	Links []Link    `json:"links" yaml:"links" validate:"dive"`
}

// Link is a friend's site.
type Link struct {
	Title       string `json:"title" yaml:"title" validate:"required"`
	Description string `json:"description" yaml:"description" validate:"required"`
	Website     string `json:"website,omitempty" yaml:"website" validate:"omitempty,url"`
	Image       string `json:"image" yaml:"image" validate:"required"`
}

type postMeta struct {
	Title       string   `yaml:"title" validate:"required,max=50"`
	Description string   `yaml:"description" validate:"max=100"`
	Date        isoDate  `yaml:"date" validate:"required"`
	Category    string   `yaml:"category" validate:"required,max=10"`
	Tags        []string `yaml:"tags"`
	Slug        string   `yaml:"slug" validate:"required"`
	Draft       bool     `yaml:"draft"`
}

type friendsMeta struct {
	Friends `yaml:",inline"`
	Date    isoDate `yaml:"date" validate:"required"`
}

// isoDate is a date or date and time in one of the usual ISO 8601 forms.
// Values without a zone are in UTC.
type isoDate struct{ time.Time }

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	time.DateOnly,
}

func (d *isoDate) UnmarshalYAML(n *yaml.Node) error {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, strings.TrimSpace(n.Value)); err == nil {
			d.Time = t
			return nil
		}
	}
	return fmt.Errorf("line %d: %q is not a date", n.Line, n.Value)
}

var lazyValidate syncx.Lazy[*validator.Validate]

func validate() *validator.Validate {
	return lazyValidate.Get(func() *validator.Validate {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
			return name
		})
		return v
	})
}

var parser = sync.OnceValue(func() *markdown.Parser {
	return &markdown.Parser{
		HeadingID:     true,
		Strikethrough: true,
		TaskList:      true,
		AutoLinkText:  true,
		Table:         true,
		Footnote:      true,
	}
})

// Site is the loaded content.
type Site struct {
	posts   []Post // newest first
	bySlug  map[string]int
	friends *Friends
}

// Load reads the content from fsys. All problems found are reported
// together.
func Load(fsys fs.FS) (*Site, error) {
	s := &Site{bySlug: make(map[string]int)}
	var errs []error

	err := fs.WalkDir(fsys, postsDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == postsDir && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipDir
			}
			return err
		}
		if d.IsDir() || !isMarkdown(p) {
			return nil
		}
		post, err := loadPost(fsys, p)
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		s.posts = append(s.posts, post)
		return nil
	})
	if err != nil {
		return nil, err
	}

	friends, err := loadFriends(fsys)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		errs = append(errs, err)
	default:
		s.friends = friends
	}

	slices.SortStableFunc(s.posts, func(a, b Post) int {
		return cmp.Or(b.Date.Compare(a.Date), cmp.Compare(a.Slug, b.Slug))
	})
	for i, p := range s.posts {
		if j, dup := s.bySlug[p.Slug]; dup {
			errs = append(errs, fmt.Errorf("%s: slug %q is already used by %s", p.Path, p.Slug, s.posts[j].Path))
			continue
		}
		s.bySlug[p.Slug] = i
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return s, nil
}

func isMarkdown(p string) bool {
	ext := path.Ext(p)
	return ext == ".md" || ext == ".mdx"
}

func loadPost(fsys fs.FS, p string) (Post, error) {
	b, err := fs.ReadFile(fsys, p)
	if err != nil {
		return Post{}, err
	}
	var meta postMeta
	body, err := parseFrontMatter(b, &meta)
	if err != nil {
		return Post{}, fmt.Errorf("%s: %w", p, err)
	}
	if err := check(meta); err != nil {
		return Post{}, fmt.Errorf("%s: %w", p, err)
	}

	html, toc := render(body)
	tags := meta.Tags
	if tags == nil {
		tags = []string{}
	}
	return Post{
		Title:       meta.Title,
		Description: meta.Description,
		Date:        meta.Date.Time,
		Category:    meta.Category,
		Tags:        tags,
		Slug:        meta.Slug,
		Draft:       meta.Draft,
		Permalink:   "/posts/" + meta.Slug,
		TOC:         toc,
		HTML:        html,
		Path:        p,
	}, nil
}

func loadFriends(fsys fs.FS) (*Friends, error) {
	b, err := fs.ReadFile(fsys, friendsFile)
	if err != nil {
		return nil, err
	}
	var meta friendsMeta
	if _, err := parseFrontMatter(b, &meta); err != nil {
		return nil, fmt.Errorf("%s: %w", friendsFile, err)
	}
	if err := check(meta); err != nil {
		return nil, fmt.Errorf("%s: %w", friendsFile, err)
	}
	f := meta.Friends
	f.Date = meta.Date.Time
	if f.Links == nil {
		f.Links = []Link{}
	}
	return &f, nil
}

var (
	errNoFrontMatter   = errors.New("front matter is missing")
	errOpenFrontMatter = errors.New("front matter is not closed")
)

// parseFrontMatter decodes the YAML front matter of src into v and returns
// the rest of the file.
func parseFrontMatter(src []byte, v any) (body []byte, err error) {
	src = bytes.TrimPrefix(src, []byte("\ufeff"))
	src = bytes.ReplaceAll(src, []byte("\r\n"), []byte("\n"))
	rest, ok := bytes.CutPrefix(src, []byte("---\n"))
	if !ok {
		return nil, errNoFrontMatter
	}
	var front []byte
	if bytes.HasPrefix(rest, []byte("---\n")) || bytes.Equal(rest, []byte("---")) {
		front, body = nil, bytes.TrimPrefix(rest, []byte("---"))
	} else {
		i := bytes.Index(rest, []byte("\n---"))
		if i < 0 {
			return nil, errOpenFrontMatter
		}
		front, body = rest[:i+1], rest[i+len("\n---"):]
	}
	if err := yaml.Unmarshal(front, v); err != nil {
		return nil, fmt.Errorf("parsing front matter: %w", err)
	}
	return bytes.TrimLeft(body, "\n"), nil
}

func check(v any) error {
	err := validate().Struct(v)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			errs = append(errs, fmt.Errorf("%s is required", field))
		case "max":
			errs = append(errs, fmt.Errorf("%s must be at most %s characters", field, fe.Param()))
		case "url":
			errs = append(errs, fmt.Errorf("%s must be a URL", field))
		default:
			errs = append(errs, fmt.Errorf("%s is invalid", field))
		}
	}
	return errors.Join(errs...)
}

// Published returns the posts that are not drafts, newest first.
func (s *Site) Published() []Post {
	var posts []Post
	for _, p := range s.posts {
		if !p.Draft {
			posts = append(posts, p)
		}
	}
	return posts
}

// Post returns the published post with the given slug.
func (s *Site) Post(slug string) (Post, bool) {
	i, ok := s.bySlug[slug]
	if !ok || s.posts[i].Draft {
		return Post{}, false
	}
	return s.posts[i], true
}

// Friends returns the friends page, or nil if there is none.
func (s *Site) Friends() *Friends { return s.friends }
