// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"go.itsfan.me/site/internal/cli"
	"go.itsfan.me/site/internal/cli/envflag"
	"go.itsfan.me/site/internal/httplogger"
	"go.itsfan.me/site/internal/logger"
	"go.itsfan.me/site/internal/moments"
	"go.itsfan.me/site/internal/momentsapi"
	"go.itsfan.me/site/internal/pager"
	"go.itsfan.me/site/internal/sequence"
	"go.itsfan.me/site/internal/version"
)

//go:embed doc.go
var doc []byte

func init() { cli.SetDocComment(doc) }

func main() { cli.Main(new(app)) }

type app struct {
	baseURL string
	tag     string
	limit   int
	pages   int
	retries int
	backoff time.Duration

	httpc *http.Client
	sleep func(context.Context, time.Duration) bool // for tests
}

func (a *app) EnvFlags(fs *flag.FlagSet, getenv func(string) string) {
	envflag.Var(fs, getenv, &a.baseURL, "url", "MOMENTS_URL", "https://itsfan.me", "Site `URL`.")
	envflag.Var(fs, getenv, &a.tag, "tag", "MOMENTS_TAG", "", "List only moments with this `tag`.")
	envflag.Var(fs, getenv, &a.limit, "limit", "MOMENTS_LIMIT", moments.DefaultLimit, "Moments per page.")
	envflag.Var(fs, getenv, &a.pages, "pages", "MOMENTS_PAGES", 0, "Stop after this many pages; 0 loads everything.")
	envflag.Var(fs, getenv, &a.retries, "retries", "MOMENTS_RETRIES", sequence.DefaultMaxRetry-1, "Retry a failed page this many times.")
	envflag.Var(fs, getenv, &a.backoff, "backoff", "MOMENTS_BACKOFF", time.Second, "Wait this `duration` before the first retry.")
}

func (a *app) Run(ctx context.Context) error {
	env := cli.GetEnv(ctx)
	if len(env.Args) == 0 {
		return fmt.Errorf("%w: command is required (list, get or feed)", cli.ErrInvalidArgs)
	}
	if a.httpc == nil {
		a.httpc = &http.Client{Timeout: 30 * time.Second}
	}
	a.httpc.Transport = httplogger.New(a.httpc.Transport, nil)
	if a.sleep == nil {
		a.sleep = sleep
	}
	a.baseURL = strings.TrimSuffix(a.baseURL, "/")

	cmd, args := env.Args[0], env.Args[1:]
	switch cmd {
	case "list":
		if len(args) > 0 {
			return fmt.Errorf("%w: list takes no arguments", cli.ErrInvalidArgs)
		}
		return a.list(ctx, env.Stdout)
	case "get":
		if len(args) != 1 {
			return fmt.Errorf("%w: usage: get <id>", cli.ErrInvalidArgs)
		}
		return a.get(ctx, env.Stdout, args[0])
	case "feed":
		return a.feed(ctx, env.Stdout)
	}
	return fmt.Errorf("%w: unknown command %q", cli.ErrInvalidArgs, cmd)
}

func (a *app) client() *momentsapi.Client {
	return &momentsapi.Client{BaseURL: a.baseURL, Tag: a.tag, HTTPClient: a.httpc}
}

func (a *app) list(ctx context.Context, w io.Writer) error {
	p := pager.New[moments.Moment](a.client(), pager.Options{Limit: a.limit, MaxRetry: a.retries + 1})
	defer p.Close()

	shown := 0
	for pages := 0; a.pages == 0 || pages < a.pages; pages++ {
		out, err := a.fetch(ctx, p)
		if err != nil {
			return err
		}
		items := p.Items()
		for _, m := range items[shown:] {
			printMoment(w, m, true)
		}
		shown = len(items)
		if out != sequence.Advanced {
			break
		}
	}

	st := p.State()
	switch {
	case shown == 0:
		fmt.Fprintln(w, "No moments.")
	case st.CompletionKnown:
		fmt.Fprintf(w, "Shown %d of %d.\n", shown, st.Total)
	}
	return nil
}

// fetch loads the next page, retrying transient failures with exponential
// backoff while the retry budget lasts.
func (a *app) fetch(ctx context.Context, p *pager.Pager[moments.Moment]) (sequence.Outcome, error) {
	out := p.Trigger(ctx)
	for out == sequence.Failed {
		st := p.State()
		if !st.Retryable {
			return out, fmt.Errorf("loading moments: %s", momentsapi.ErrorMessage(st.Failure))
		}
		wait := a.backoff << max(st.RetryCount-1, 0)
		logger.Warn(ctx, "loading moments failed, retrying",
			slog.Int("attempt", st.RetryCount),
			slog.Duration("wait", wait),
			slog.Any("err", st.Failure.Err),
		)
		if !a.sleep(ctx, wait) {
			return out, ctx.Err()
		}
		out = p.Retry(ctx)
	}
	if out == sequence.Stopped {
		return out, ctx.Err()
	}
	return out, nil
}

func (a *app) get(ctx context.Context, w io.Writer, id string) error {
	m, err := a.client().Get(ctx, id)
	if err != nil {
		return errors.New(momentsapi.ErrorMessage(err))
	}
	printMoment(w, m, false)
	return nil
}

func printMoment(w io.Writer, m moments.Moment, brief bool) {
	fmt.Fprintf(w, "%s  %s\n", m.CreatedAt.Format(time.DateTime), m.ID)
	for line := range strings.SplitSeq(m.Content, "\n") {
		fmt.Fprintf(w, "    %s\n", line)
	}
	if len(m.Tags) > 0 {
		fmt.Fprintf(w, "    tags: %s\n", strings.Join(m.Tags, ", "))
	}
	if !brief {
		for _, img := range m.Images {
			fmt.Fprintf(w, "    image: %s (%dx%d)\n", img.URL, img.Width, img.Height)
		}
		if !m.UpdatedAt.Equal(m.CreatedAt) {
			fmt.Fprintf(w, "    updated: %s\n", m.UpdatedAt.Format(time.DateTime))
		}
	}
	fmt.Fprintln(w)
}

func (a *app) feed(ctx context.Context, w io.Writer) error {
	fp := gofeed.NewParser()
	fp.Client = a.httpc
	fp.UserAgent = version.UserAgent()
	feed, err := fp.ParseURLWithContext(a.baseURL+"/feed", ctx)
	if err != nil {
		return fmt.Errorf("fetching the feed: %w", err)
	}
	fmt.Fprintf(w, "%s - %s\n\n", feed.Title, feed.Description)
	for _, item := range feed.Items {
		date := ""
		if item.PublishedParsed != nil {
			date = item.PublishedParsed.Format(time.DateOnly)
		}
		fmt.Fprintf(w, "%s  %s\n    %s\n", date, item.Title, item.Link)
		if len(item.Categories) > 0 {
			fmt.Fprintf(w, "    %s\n", strings.Join(item.Categories, ", "))
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
