// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"crypto/subtle"
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"go.itsfan.me/site/internal/bot"
	"go.itsfan.me/site/internal/cli"
	"go.itsfan.me/site/internal/cli/envflag"
	"go.itsfan.me/site/internal/content"
	"go.itsfan.me/site/internal/contributions"
	"go.itsfan.me/site/internal/feed"
	"go.itsfan.me/site/internal/httplogger"
	"go.itsfan.me/site/internal/logger"
	"go.itsfan.me/site/internal/media"
	"go.itsfan.me/site/internal/metrics"
	"go.itsfan.me/site/internal/moments"
	"go.itsfan.me/site/internal/momentsapi"
	"go.itsfan.me/site/internal/store"
	"go.itsfan.me/site/internal/systemd"
	"go.itsfan.me/site/internal/telegram"
	"go.itsfan.me/site/internal/version"
	"go.itsfan.me/site/internal/web"
)

//go:embed doc.go
var doc []byte

func init() { cli.SetDocComment(doc) }

func main() { cli.Main(new(app)) }

const (
	webhookPath  = "/api/telegram/webhook"
	mediaPath    = "/media"
	logLineLimit = 300
	readBurst    = 20
)

type app struct {
	// configuration, read-only after initialization
	addr         string
	allowedHosts string
	apiKey       string
	contentDir   string
	convTimeout  time.Duration
	ghToken      string
	mediaDir     string
	prod         bool
	publicURL    string
	readsPerMin  int
	storeDSN     string
	tgOwner      int64
	tgSecret     string
	tgToken      string

	// initialized by init
	bot      *bot.Bot
	httpc    *http.Client
	logs     logger.Streamer
	mux      *http.ServeMux
	scrubber *strings.Replacer
	srv      *web.Server
	store    store.Store
	tg       *telegram.Client

	// for tests
	noServerStart bool
	ready         func() // see web.Server.Ready
}

func (a *app) EnvFlags(fs *flag.FlagSet, getenv func(string) string) {
	envflag.Var(fs, getenv, &a.addr, "addr", "ADDR", "localhost:3000", "Listen on `host:port`.")
	envflag.Var(fs, getenv, &a.storeDSN, "store", "STORE", "mem:", "Moment storage `DSN`.")
	envflag.Var(fs, getenv, &a.apiKey, "api-key", "MOMENTS_API_KEY", "", "Bearer `token` required for writes to the moments API and, in production, for /debug/.")
	envflag.Var(fs, getenv, &a.allowedHosts, "allowed-hosts", "ALLOWED_HOSTS", "", "Comma-separated `hosts` public moment reads are served for.")
	envflag.Var(fs, getenv, &a.readsPerMin, "rate-limit", "RATE_LIMIT", 60, "Public moment reads allowed per client per minute; 0 disables the limit.")
	envflag.Var(fs, getenv, &a.publicURL, "public-url", "PUBLIC_URL", feed.DefaultBaseURL, "Public `URL` of the site.")
	envflag.Var(fs, getenv, &a.contentDir, "content", "CONTENT_DIR", "content", "`Directory` with posts and the friends page.")
	envflag.Var(fs, getenv, &a.mediaDir, "media", "MEDIA_DIR", "media", "`Directory` uploaded images are kept in.")
	envflag.Var(fs, getenv, &a.ghToken, "github-token", "GITHUB_TOKEN", "", "GitHub `token` for the contribution calendar.")
	envflag.Var(fs, getenv, &a.tgToken, "tg-token", "TG_TOKEN", "", "Telegram Bot API `token`; the bot is disabled if empty.")
	envflag.Var(fs, getenv, &a.tgOwner, "tg-owner", "TG_OWNER", int64(0), "Telegram user `ID` allowed to use the bot.")
	envflag.Var(fs, getenv, &a.tgSecret, "tg-secret", "TG_SECRET", "", "Secret `token` Telegram sends with webhook requests.")
	envflag.Var(fs, getenv, &a.convTimeout, "conversation-timeout", "CONVERSATION_TIMEOUT", 10*time.Minute, "Cancel bot conversations idle for this `duration`; 0 disables.")
	envflag.Var(fs, getenv, &a.prod, "prod", "PROD", false, "Run in production mode.")
}

func (a *app) Run(ctx context.Context) error {
	env := cli.GetEnv(ctx)
	if len(env.Args) > 0 {
		return fmt.Errorf("%w: unexpected arguments %q", cli.ErrInvalidArgs, env.Args)
	}

	if a.logs == nil {
		a.logs = logger.NewStreamer(logLineLimit)
	}
	level := new(slog.LevelVar)
	if logger.Get(ctx).Enabled(ctx, slog.LevelDebug) {
		level.Set(slog.LevelDebug)
	}
	ctx = logger.Put(ctx, logger.New(io.MultiWriter(env.Stderr, a.logs), level))

	if err := a.init(ctx); err != nil {
		return err
	}
	defer a.store.Close()

	// Used in tests.
	if a.noServerStart {
		return nil
	}

	if a.prod && a.bot != nil {
		if err := a.setWebhook(ctx); err != nil {
			return err
		}
	}
	logger.Info(ctx, "starting",
		slog.String("version", version.Version().Version),
		slog.Bool("prod", a.prod),
		slog.Bool("bot", a.bot != nil),
	)

	ready := a.srv.Ready
	a.srv.Ready = func() {
		systemd.Notify(ctx, systemd.Ready)
		if ready != nil {
			ready()
		}
	}
	defer systemd.Notify(ctx, systemd.Stopping)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		systemd.WatchdogLoop(ctx)
		return nil
	})
	if a.bot != nil {
		g.Go(func() error {
			a.bot.RunJanitor(ctx)
			return nil
		})
	}
	g.Go(func() error { return a.srv.ListenAndServe(ctx) })
	return g.Wait()
}

var errNoPublicURL = errors.New("-public-url is required")

func (a *app) init(ctx context.Context) error {
	if a.publicURL == "" {
		return errNoPublicURL
	}
	a.publicURL = strings.TrimSuffix(a.publicURL, "/")
	if a.logs == nil {
		a.logs = logger.NewStreamer(logLineLimit)
	}

	var scrubPairs []string
	for _, secret := range []string{a.apiKey, a.ghToken, a.tgSecret, a.tgToken} {
		if secret != "" {
			scrubPairs = append(scrubPairs, secret, "[EXPUNGED]")
		}
	}
	a.scrubber = strings.NewReplacer(scrubPairs...)

	if a.httpc == nil {
		a.httpc = &http.Client{Timeout: 30 * time.Second}
	}
	a.httpc.Transport = httplogger.New(a.httpc.Transport, a.scrubber)

	site, err := content.Load(os.DirFS(a.contentDir))
	if err != nil {
		return fmt.Errorf("loading content from %s: %w", a.contentDir, err)
	}

	st, err := store.Open(ctx, a.storeDSN)
	if err != nil {
		return err
	}
	a.store = st

	images := &media.Dir{Root: a.mediaDir, BaseURL: a.publicURL + mediaPath}

	a.mux = http.NewServeMux()

	api := &momentsapi.Server{Store: st, APIKey: a.apiKey}
	if a.allowedHosts != "" {
		for h := range strings.SplitSeq(a.allowedHosts, ",") {
			if h = strings.TrimSpace(h); h != "" {
				api.AllowedHosts = append(api.AllowedHosts, h)
			}
		}
	}
	if a.readsPerMin > 0 {
		api.RateLimit = rate.Every(time.Minute / time.Duration(a.readsPerMin))
		api.RateBurst = readBurst
	}
	api.Register(a.mux)

	site.Register(a.mux)
	(&feed.Feed{Site: site, BaseURL: a.publicURL}).Register(a.mux)
	a.mux.Handle("GET /api/github/contributions", &contributions.Client{
		Token:      a.ghToken,
		HTTPClient: a.httpc,
	})
	a.mux.Handle("GET "+mediaPath+"/", http.StripPrefix(mediaPath, images.Handler()))
	a.mux.Handle("GET /metrics", metrics.Handler())
	web.Health(a.mux).RegisterFunc("store", a.storeHealth)

	if a.tgToken != "" {
		a.tg = telegram.New(a.tgToken, a.httpc)
		b, err := bot.New(bot.Config{
			API:                 a.tg,
			Store:               st,
			Images:              images,
			OwnerID:             a.tgOwner,
			WebhookSecret:       a.tgSecret,
			ConversationTimeout: a.convTimeout,
		})
		if err != nil {
			st.Close()
			return err
		}
		a.bot = b
		a.bot.Register(a.mux, webhookPath)
	}

	dbg := web.Debugger(a.mux)
	dbg.KV("Version", version.Version().Version)
	dbg.KV("Store", strings.SplitN(a.storeDSN, ":", 2)[0])
	dbg.KV("Posts", len(site.Published()))
	dbg.Handle("logs", "Recent log lines", a.logs)

	a.srv = &web.Server{
		Addr:       a.addr,
		Mux:        a.mux,
		Debuggable: true,
		DebugAuth:  a.debugAuth,
		Ready:      a.ready,
	}
	return nil
}

func (a *app) storeHealth() (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, total, err := a.store.List(ctx, moments.Query{Limit: 1})
	if err != nil {
		return err.Error(), false
	}
	return fmt.Sprintf("%d moments", total), true
}

func (a *app) setWebhook(ctx context.Context) error {
	me, err := a.tg.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("checking the Telegram token: %w", err)
	}
	url := a.publicURL + webhookPath
	if err := a.tg.SetWebhook(ctx, url, a.tgSecret); err != nil {
		return fmt.Errorf("setting the Telegram webhook: %w", err)
	}
	logger.Info(ctx, "webhook set", slog.String("bot", me.Username), slog.String("url", url))
	return nil
}

// debugAuth lets anyone see /debug/ in development. In production it
// requires the API key.
func (a *app) debugAuth(r *http.Request) bool {
	if !a.prod {
		return true
	}
	if a.apiKey == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(token), []byte(a.apiKey)) == 1
}
