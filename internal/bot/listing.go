// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.itsfan.me/site/internal/metrics"
	"go.itsfan.me/site/internal/moments"
	"go.itsfan.me/site/internal/pager"
	"go.itsfan.me/site/internal/sequence"
	"go.itsfan.me/site/internal/telegram"
)

// listing is the /moments browser of a chat.
type listing struct {
	tag string
	p   *pager.Pager[moments.Moment]

	mu    sync.Mutex
	shown int // items already sent

	lastActive time.Time // guarded by bot.mu
}

func (b *Bot) list(ctx context.Context, chatID int64, tag string) {
	src := pager.SourceFunc[moments.Moment](func(ctx context.Context, offset, limit int) (pager.Page[moments.Moment], error) {
		items, total, err := b.store.List(ctx, moments.Query{Limit: limit, Offset: offset, Tag: tag})
		if err != nil {
			return pager.Page[moments.Moment]{}, err
		}
		return pager.Page[moments.Moment]{Items: items, Total: total}, nil
	})
	l := &listing{
		tag:        tag,
		p:          pager.New(src, pager.Options{Limit: b.pageSize}),
		lastActive: b.now(),
	}

	b.mu.Lock()
	if old, ok := b.listings[chatID]; ok {
		old.p.Close()
	}
	b.listings[chatID] = l
	b.mu.Unlock()

	b.load(ctx, chatID, l, false)
}

func (b *Bot) closeListing(chatID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.listings[chatID]; ok {
		l.p.Close()
		delete(b.listings, chatID)
	}
}

// more loads the next page of the chat's listing.
func (b *Bot) more(ctx context.Context, chatID int64, retry bool) {
	b.mu.Lock()
	l, ok := b.listings[chatID]
	if ok {
		l.lastActive = b.now()
	}
	b.mu.Unlock()
	if !ok {
		b.reply(ctx, chatID, "Nothing to load. Use /moments to start.", nil)
		return
	}
	b.load(ctx, chatID, l, retry)
}

func (b *Bot) load(ctx context.Context, chatID int64, l *listing, retry bool) {
	var o sequence.Outcome
	if retry {
		o = l.p.Retry(ctx)
	} else {
		o = l.p.Trigger(ctx)
	}
	metrics.SequenceSteps.WithLabelValues("pager", o.String()).Inc()

	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.p.State()

	switch o {
	case sequence.Advanced, sequence.Finished:
		fresh := st.Items[min(l.shown, len(st.Items)):]
		if len(fresh) == 0 {
			b.reply(ctx, chatID, l.empty(l.shown == 0), nil)
			return
		}
		text := b.formatPage(l, fresh, l.shown, st.Total)
		l.shown = len(st.Items)
		b.reply(ctx, chatID, text, l.keyboard(st))
	case sequence.Failed:
		text := "Failed to load moments."
		if st.Failure != nil {
			text = fmt.Sprintf("Failed to load moments: %v.", st.Failure.Err)
		}
		b.reply(ctx, chatID, text, l.keyboard(st))
	case sequence.Dropped:
		switch {
		case st.InFlight:
			b.reply(ctx, chatID, "Still loading, please wait.", nil)
		case st.Terminal:
			b.reply(ctx, chatID, l.empty(l.shown == 0), nil)
		case st.Failure != nil:
			b.reply(ctx, chatID, "Loading failed. Press Retry to try again.", l.keyboard(st))
		}
	}
}

func (l *listing) empty(first bool) string {
	switch {
	case !first:
		return "No more moments."
	case l.tag != "":
		return fmt.Sprintf("No moments tagged %q.", l.tag)
	default:
		return "No moments yet."
	}
}

func (l *listing) keyboard(st sequence.State[moments.Moment]) *telegram.InlineKeyboardMarkup {
	switch {
	case st.Terminal:
		return nil
	case st.Failure != nil:
		return telegram.Row(telegram.Button("Retry", retryLoad))
	default:
		return telegram.Row(telegram.Button("Load more", loadMore))
	}
}

func (b *Bot) formatPage(l *listing, items []moments.Moment, offset, total int) string {
	var sb strings.Builder
	sb.WriteString("Moments")
	if l.tag != "" {
		fmt.Fprintf(&sb, " tagged %q", l.tag)
	}
	fmt.Fprintf(&sb, " %d-%d of %d", offset+1, offset+len(items), total)
	for _, m := range items {
		sb.WriteString("\n\n")
		sb.WriteString(b.formatListEntry(m))
	}
	return sb.String()
}
