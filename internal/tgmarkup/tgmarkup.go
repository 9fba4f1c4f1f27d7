// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package tgmarkup converts Markdown to Telegram message text with
// formatting entities.
package tgmarkup

import (
	"strings"
	"unicode/utf16"

	"rsc.io/markdown"
)

// Message is message text plus the entities that format it. It can be
// embedded into Telegram Bot API request bodies.
type Message struct {
	Text     string   `json:"text"`
	Entities []Entity `json:"entities,omitempty"`
}

// Type is a Telegram message entity type. See
// https://core.telegram.org/bots/api#messageentity.
type Type string

// Entity types produced by FromMarkdown.
const (
	Bold          Type = "bold"
	Italic        Type = "italic"
	Strikethrough Type = "strikethrough"
	Blockquote    Type = "blockquote"
	Code          Type = "code"
	Pre           Type = "pre"
	TextLink      Type = "text_link"
	URL           Type = "url"
)

// Entity marks a formatted span of message text. Offsets and lengths are in
// UTF-16 code units.
type Entity struct {
	Type     Type   `json:"type"`
	Offset   int    `json:"offset"`
	Length   int    `json:"length"`
	URL      string `json:"url,omitempty"`
	Language string `json:"language,omitempty"`
}

// FromMarkdown converts Markdown text to a [Message].
func FromMarkdown(text string) Message {
	var p markdown.Parser
	p.Strikethrough = true
	p.AutoLinkText = true

	var b builder
	for _, block := range p.Parse(text).Blocks {
		b.block(block)
	}
	return Message{Text: strings.TrimRight(b.sb.String(), "\n"), Entities: b.entities}
}

type builder struct {
	sb       strings.Builder
	n        int // length of sb in UTF-16 code units
	entities []Entity
}

func (b *builder) write(s string) {
	b.sb.WriteString(s)
	b.n += len(utf16.Encode([]rune(s)))
}

// span records an entity covering whatever f writes. Empty spans are
// dropped. The trailing newline of a block is excluded when trim is set.
func (b *builder) span(e Entity, trim bool, f func()) {
	start := b.n
	f()
	end := b.n
	if trim && strings.HasSuffix(b.sb.String(), "\n") {
		end--
	}
	if end <= start {
		return
	}
	e.Offset, e.Length = start, end-start
	b.entities = append(b.entities, e)
}

func (b *builder) block(block markdown.Block) {
	switch bl := block.(type) {
	case *markdown.Paragraph:
		b.inlines(bl.Text.Inline)
		b.write("\n")
	case *markdown.Text:
		// Paragraphs of tight list items.
		b.inlines(bl.Inline)
		b.write("\n")
	case *markdown.Heading:
		b.span(Entity{Type: Bold}, true, func() {
			b.inlines(bl.Text.Inline)
			b.write("\n")
		})
	case *markdown.Quote:
		b.span(Entity{Type: Blockquote}, true, func() {
			for _, inner := range bl.Blocks {
				b.block(inner)
			}
		})
	case *markdown.CodeBlock:
		b.span(Entity{Type: Pre, Language: bl.Info}, true, func() {
			for _, line := range bl.Text {
				b.write(line + "\n")
			}
		})
	case *markdown.List:
		for _, item := range bl.Items {
			it, ok := item.(*markdown.Item)
			if !ok {
				continue
			}
			b.write("• ")
			for _, inner := range it.Blocks {
				b.block(inner)
			}
		}
	case *markdown.ThematicBreak:
		b.write("⸻\n")
	}
}

func (b *builder) inlines(inlines markdown.Inlines) {
	for _, in := range inlines {
		b.inline(in)
	}
}

func (b *builder) inline(in markdown.Inline) {
	switch il := in.(type) {
	case *markdown.Plain:
		b.write(il.Text)
	case *markdown.Strong:
		b.span(Entity{Type: Bold}, false, func() { b.inlines(il.Inner) })
	case *markdown.Emph:
		b.span(Entity{Type: Italic}, false, func() { b.inlines(il.Inner) })
	case *markdown.Del:
		b.span(Entity{Type: Strikethrough}, false, func() { b.inlines(il.Inner) })
	case *markdown.Link:
		b.span(Entity{Type: TextLink, URL: il.URL}, false, func() { b.inlines(il.Inner) })
	case *markdown.AutoLink:
		b.span(Entity{Type: URL}, false, func() { b.write(il.Text) })
	case *markdown.Code:
		b.span(Entity{Type: Code}, false, func() { b.write(il.Text) })
	case *markdown.SoftBreak, *markdown.HardBreak:
		b.write("\n")
	}
}
