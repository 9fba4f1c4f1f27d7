// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package content

import (
	"strconv"
	"strings"
	"unicode"

	"rsc.io/markdown"
)

// render converts a Markdown body to HTML. Headings get anchor IDs, and the
// second and third level ones make up the table of contents.
func render(src []byte) (string, []Heading) {
	doc := parser().Parse(string(src))

	var (
		toc  []Heading
		seen = make(map[string]int)
	)
	walkHeadings(doc.Blocks, func(h *markdown.Heading) {
		text := plainText(h.Text.Inline)
		if h.ID == "" {
			h.ID = slugify(text, seen)
		}
		if h.Level == 2 || h.Level == 3 {
			toc = append(toc, Heading{Level: h.Level, Text: text, ID: h.ID})
		}
	})
	return markdown.ToHTML(doc), toc
}

func walkHeadings(blocks []markdown.Block, f func(*markdown.Heading)) {
	for _, b := range blocks {
		switch b := b.(type) {
		case *markdown.Heading:
			f(b)
		case *markdown.Quote:
			walkHeadings(b.Blocks, f)
		case *markdown.List:
			for _, item := range b.Items {
				if item, ok := item.(*markdown.Item); ok {
					walkHeadings(item.Blocks, f)
				}
			}
		}
	}
}

func plainText(inlines markdown.Inlines) string {
	var sb strings.Builder
	var walk func(markdown.Inlines)
	walk = func(inlines markdown.Inlines) {
		for _, in := range inlines {
			switch in := in.(type) {
			case *markdown.Plain:
				sb.WriteString(in.Text)
			case *markdown.Code:
				sb.WriteString(in.Text)
			case *markdown.AutoLink:
				sb.WriteString(in.Text)
			case *markdown.Strong:
				walk(in.Inner)
			case *markdown.Emph:
				walk(in.Inner)
			case *markdown.Del:
				walk(in.Inner)
			case *markdown.Link:
				walk(in.Inner)
			case *markdown.SoftBreak, *markdown.HardBreak:
				sb.WriteByte(' ')
			}
		}
	}
	walk(inlines)
	return strings.TrimSpace(sb.String())
}

// slugify turns heading text into an anchor ID the way GitHub does:
// lowercase, punctuation dropped, spaces replaced with hyphens. Repeated IDs
// get a numeric suffix.
func slugify(text string, seen map[string]int) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_':
			sb.WriteRune(r)
		case r == ' ':
			sb.WriteByte('-')
		}
	}
	slug := sb.String()
	n := seen[slug]
	seen[slug] = n + 1
	if n > 0 {
		slug += "-" + strconv.Itoa(n)
	}
	return slug
}
