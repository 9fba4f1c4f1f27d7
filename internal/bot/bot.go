// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package bot implements the Telegram bot used to author moments.
//
// The bot serves a single owner. It publishes, edits, deletes and lists
// moments. Publishing and editing are conversations: every message the owner
// sends advances a [sequence.Controller] by one step, and the moment is
// saved once the final confirmation arrives.
package bot

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.itsfan.me/site/internal/logger"
	"go.itsfan.me/site/internal/media"
	"go.itsfan.me/site/internal/metrics"
	"go.itsfan.me/site/internal/store"
	"go.itsfan.me/site/internal/telegram"
	"go.itsfan.me/site/internal/tgmarkup"
	"go.itsfan.me/site/internal/web"
)

// API is the part of the Telegram Bot API the bot calls. It is implemented
// by [telegram.Client].
type API interface {
	SendMessage(ctx context.Context, p telegram.SendParams) error
	AnswerCallbackQuery(ctx context.Context, id, text string, alert bool) error
	EditMessageReplyMarkup(ctx context.Context, chatID, messageID int64, markup *telegram.InlineKeyboardMarkup) error
	GetFile(ctx context.Context, fileID string) (telegram.File, error)
	DownloadFile(ctx context.Context, f telegram.File) ([]byte, error)
}

var _ API = (*telegram.Client)(nil)

const (
	// DefaultPageSize is the number of moments /moments shows at once.
	DefaultPageSize = 5
	// DefaultLocation is the time zone moment timestamps are shown in.
	DefaultLocation = "Asia/Shanghai"

	secretHeader   = "X-Telegram-Bot-Api-Secret-Token"
	maxUpdateSize  = 1 << 20
	updateTimeout  = 2 * time.Minute
	janitorMinTick = time.Second
)

// Config configures a [Bot].
type Config struct {
	// API talks to Telegram.
	API API
	// Store keeps moments.
	Store store.Store
	// Images stores photos attached to moments.
	Images media.Images
	// OwnerID is the only Telegram user allowed to use the bot.
	OwnerID int64
	// WebhookSecret must be sent by Telegram with every update.
	WebhookSecret string
	// Location is the time zone of displayed timestamps. DefaultLocation if
	// nil.
	Location *time.Location
	// ConversationTimeout cancels conversations idle for longer. Zero keeps
	// them open until finished.
	ConversationTimeout time.Duration
	// PageSize is the number of moments listed at once. DefaultPageSize if
	// zero.
	PageSize int
}

// Bot handles Telegram updates. It is safe for concurrent use.
type Bot struct {
	api      API
	store    store.Store
	images   media.Images
	owner    int64
	secret   string
	loc      *time.Location
	timeout  time.Duration
	pageSize int
	now      func() time.Time

	mu       sync.Mutex
	sessions map[int64]*session // by chat ID
	listings map[int64]*listing // by chat ID
	handled  map[int64]int64    // last update ID by chat ID
}

var (
	errNoAPI    = errors.New("bot: API is nil")
	errNoStore  = errors.New("bot: store is nil")
	errNoImages = errors.New("bot: image storage is nil")
	errNoOwner  = errors.New("bot: owner ID is not set")
	errNoSecret = errors.New("bot: webhook secret is empty")
)

// New returns a Bot configured by c.
func New(c Config) (*Bot, error) {
	switch {
	case c.API == nil:
		return nil, errNoAPI
	case c.Store == nil:
		return nil, errNoStore
	case c.Images == nil:
		return nil, errNoImages
	case c.OwnerID == 0:
		return nil, errNoOwner
	case c.WebhookSecret == "":
		return nil, errNoSecret
	}

	loc := c.Location
	if loc == nil {
		var err error
		loc, err = time.LoadLocation(DefaultLocation)
		if err != nil {
			loc = time.FixedZone("CST", 8*60*60)
		}
	}
	pageSize := c.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	return &Bot{
		api:      c.API,
		store:    c.Store,
		images:   c.Images,
		owner:    c.OwnerID,
		secret:   c.WebhookSecret,
		loc:      loc,
		timeout:  c.ConversationTimeout,
		pageSize: pageSize,
		now:      time.Now,
		sessions: make(map[int64]*session),
		listings: make(map[int64]*listing),
		handled:  make(map[int64]int64),
	}, nil
}

// Register adds the webhook routes to mux.
func (b *Bot) Register(mux *http.ServeMux, path string) {
	mux.Handle("POST "+path, b)
	mux.HandleFunc("GET "+path, func(w http.ResponseWriter, r *http.Request) {
		web.RespondJSON(w, statusResponse{
			Status:    "ok",
			Bot:       "moments-manager",
			Timestamp: b.now().UTC(),
		})
	})
}

type statusResponse struct {
	Status    string    `json:"status"`
	Bot       string    `json:"bot"`
	Timestamp time.Time `json:"timestamp"`
}

// ServeHTTP handles a webhook delivery. Once the secret is verified the
// response is always successful, so Telegram doesn't redeliver updates that
// failed to process.
func (b *Bot) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if subtle.ConstantTimeCompare([]byte(r.Header.Get(secretHeader)), []byte(b.secret)) != 1 {
		web.RespondJSONError(w, r, web.ErrUnauthorized)
		return
	}

	var upd telegram.Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUpdateSize)).Decode(&upd); err != nil {
		web.RespondJSONError(w, r, fmt.Errorf("%w: %v", web.ErrBadRequest, err))
		return
	}

	// Processing outlives the delivery: Telegram may hang up before a slow
	// upload finishes.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), updateTimeout)
	defer cancel()
	b.HandleUpdate(ctx, upd)

	web.RespondJSON(w, map[string]bool{"ok": true})
}

// firstDelivery records id as handled for chatID. It reports false if an
// update with this or a later ID was already handled there, as happens when
// Telegram redelivers.
func (b *Bot) firstDelivery(chatID, id int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if last, ok := b.handled[chatID]; ok && id <= last {
		return false
	}
	b.handled[chatID] = id
	return true
}

// HandleUpdate processes an update. Failures are reported to the chat the
// update came from.
func (b *Bot) HandleUpdate(ctx context.Context, upd telegram.Update) {
	var (
		from   *telegram.User
		chatID int64
		kind   string
	)
	switch {
	case upd.Message != nil:
		kind, from, chatID = "message", upd.Message.From, upd.Message.Chat.ID
	case upd.CallbackQuery != nil:
		kind, from, chatID = "callback_query", &upd.CallbackQuery.From, callbackChat(upd.CallbackQuery)
	default:
		metrics.BotUpdates.WithLabelValues("other").Inc()
		return
	}
	if from == nil {
		metrics.BotUpdates.WithLabelValues("other").Inc()
		return
	}
	ctx = logger.Put(ctx, logger.Get(ctx).With(
		slog.Int64("update_id", upd.UpdateID),
		slog.Int64("chat_id", chatID),
	))

	if from.ID != b.owner {
		metrics.BotUpdates.WithLabelValues("unauthorized").Inc()
		logger.Warn(ctx, "update from a stranger", slog.Int64("user_id", from.ID), slog.String("username", from.Username))
		if upd.CallbackQuery != nil {
			b.answer(ctx, upd.CallbackQuery.ID, "", false)
		}
		b.reply(ctx, chatID, msgUnauthorized, nil)
		return
	}
	if !b.firstDelivery(chatID, upd.UpdateID) {
		metrics.BotUpdates.WithLabelValues("duplicate").Inc()
		logger.Debug(ctx, "dropping redelivered update")
		return
	}
	metrics.BotUpdates.WithLabelValues(kind).Inc()

	defer func() {
		if r := recover(); r != nil {
			b.fail(ctx, chatID, upd.CallbackQuery, fmt.Errorf("panic: %v\n\n%s", r, debug.Stack()))
		}
	}()

	var err error
	if upd.Message != nil {
		err = b.handleMessage(ctx, upd.Message)
	} else {
		err = b.handleCallback(ctx, upd.CallbackQuery, chatID)
	}
	if err != nil {
		b.fail(ctx, chatID, upd.CallbackQuery, err)
	}
}

func callbackChat(cq *telegram.CallbackQuery) int64 {
	if cq.Message != nil {
		return cq.Message.Chat.ID
	}
	// Private chats share the ID of the user.
	return cq.From.ID
}

func (b *Bot) fail(ctx context.Context, chatID int64, cq *telegram.CallbackQuery, err error) {
	logger.Error(ctx, "handling update failed", slog.Any("err", err))
	if cq != nil {
		b.answer(ctx, cq.ID, msgGeneralError, true)
	}
	b.reply(ctx, chatID, msgGeneralError, nil)
}

// topLevel commands start something new and are refused during a
// conversation.
var topLevel = map[string]bool{
	"start":   true,
	"publish": true,
	"edit":    true,
	"delete":  true,
	"moments": true,
}

func (b *Bot) handleMessage(ctx context.Context, msg *telegram.Message) error {
	chatID := msg.Chat.ID
	name, args, isCmd := msg.Command()

	if s := b.session(chatID); s != nil {
		if isCmd && topLevel[name] {
			b.reply(ctx, chatID, msgBusy, nil)
			return nil
		}
		b.converse(ctx, s, input{msg: msg})
		return nil
	}

	if !isCmd {
		if msg.Text == "" {
			b.reply(ctx, chatID, msgUnsupported, nil)
		}
		return nil
	}

	switch name {
	case "start", "help":
		b.send(ctx, telegram.SendParams{ChatID: chatID, Message: tgmarkup.FromMarkdown(helpText)})
		return nil
	case "publish":
		b.startPublish(ctx, chatID)
		return nil
	case "edit":
		if args == "" {
			b.reply(ctx, chatID, usage("edit", "abc123"), nil)
			return nil
		}
		return b.startEdit(ctx, chatID, args)
	case "delete":
		if args == "" {
			b.reply(ctx, chatID, usage("delete", "0856dbcdabf9"), nil)
			return nil
		}
		return b.askDelete(ctx, chatID, args)
	case "moments":
		b.list(ctx, chatID, args)
		return nil
	case "cancel":
		b.closeListing(chatID)
		b.reply(ctx, chatID, "Operation cancelled.", nil)
		return nil
	default:
		b.reply(ctx, chatID, msgUnknownCommand, nil)
		return nil
	}
}

// conversationActions are the buttons of conversation prompts.
var conversationActions = map[string]bool{
	confirmCreate: true,
	cancelCreate:  true,
	confirmEdit:   true,
	cancelEdit:    true,
}

func (b *Bot) handleCallback(ctx context.Context, cq *telegram.CallbackQuery, chatID int64) error {
	data := cq.Data
	switch {
	case strings.HasPrefix(data, "edit_"):
		b.answer(ctx, cq.ID, "", false)
		if b.session(chatID) != nil {
			b.reply(ctx, chatID, msgBusy, nil)
			return nil
		}
		return b.startEdit(ctx, chatID, strings.TrimPrefix(data, "edit_"))
	case strings.HasPrefix(data, "confirm_delete_"):
		b.answer(ctx, cq.ID, "", false)
		b.dropKeyboard(ctx, cq)
		return b.confirmDelete(ctx, chatID, strings.TrimPrefix(data, "confirm_delete_"))
	case data == "cancel_delete":
		b.answer(ctx, cq.ID, "", false)
		b.dropKeyboard(ctx, cq)
		b.reply(ctx, chatID, "Delete cancelled.", nil)
		return nil
	case strings.HasPrefix(data, "delete_"):
		b.answer(ctx, cq.ID, "", false)
		return b.askDelete(ctx, chatID, strings.TrimPrefix(data, "delete_"))
	case conversationActions[data]:
		b.answer(ctx, cq.ID, "", false)
		b.dropKeyboard(ctx, cq)
		if s := b.session(chatID); s != nil {
			b.converse(ctx, s, input{data: data})
		}
		return nil
	case data == loadMore || data == retryLoad:
		b.answer(ctx, cq.ID, "", false)
		b.dropKeyboard(ctx, cq)
		b.more(ctx, chatID, data == retryLoad)
		return nil
	default:
		b.answer(ctx, cq.ID, "Unknown action.", false)
		return nil
	}
}

func (b *Bot) askDelete(ctx context.Context, chatID int64, id string) error {
	m, err := b.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		b.reply(ctx, chatID, notFound(id), nil)
		return nil
	}
	if err != nil {
		return err
	}
	b.reply(ctx, chatID, formatDeleteConfirmation(m), deleteKeyboard(m.ID))
	return nil
}

func (b *Bot) confirmDelete(ctx context.Context, chatID int64, id string) error {
	err := b.store.Delete(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		b.reply(ctx, chatID, notFound(id), nil)
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info(ctx, "moment deleted", slog.String("id", id))
	b.reply(ctx, chatID, strings.Join([]string{
		"Moment deleted.",
		"ID: " + id,
		"Deleted at: " + b.formatTime(b.now()),
	}, "\n"), nil)
	return nil
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string, kb *telegram.InlineKeyboardMarkup) {
	b.send(ctx, telegram.SendParams{
		ChatID:      chatID,
		Message:     tgmarkup.Message{Text: text},
		ReplyMarkup: kb,
	})
}

func (b *Bot) send(ctx context.Context, p telegram.SendParams) {
	if err := b.api.SendMessage(ctx, p); err != nil {
		logger.Warn(ctx, "sending message failed", slog.Int64("chat_id", p.ChatID), slog.Any("err", err))
	}
}

func (b *Bot) answer(ctx context.Context, id, text string, alert bool) {
	if err := b.api.AnswerCallbackQuery(ctx, id, text, alert); err != nil {
		logger.Warn(ctx, "answering callback query failed", slog.Any("err", err))
	}
}

// dropKeyboard removes the buttons of the message a callback came from, so
// they can't be pressed twice.
func (b *Bot) dropKeyboard(ctx context.Context, cq *telegram.CallbackQuery) {
	if cq.Message == nil {
		return
	}
	if err := b.api.EditMessageReplyMarkup(ctx, cq.Message.Chat.ID, cq.Message.MessageID, nil); err != nil {
		logger.Debug(ctx, "removing keyboard failed", slog.Any("err", err))
	}
}

// RunJanitor cancels idle conversations until ctx is done. It returns
// immediately if conversations never time out.
func (b *Bot) RunJanitor(ctx context.Context) {
	if b.timeout <= 0 {
		return
	}
	ticker := time.NewTicker(max(b.timeout/2, janitorMinTick))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.expire(ctx, b.now())
		}
	}
}

// expire ends conversations and listings idle since before now minus the
// timeout.
func (b *Bot) expire(ctx context.Context, now time.Time) {
	if b.timeout <= 0 {
		return
	}
	var expired []*session

	b.mu.Lock()
	for chatID, s := range b.sessions {
		if now.Sub(s.lastActive) > b.timeout {
			delete(b.sessions, chatID)
			metrics.Conversations.Dec()
			expired = append(expired, s)
		}
	}
	for chatID, l := range b.listings {
		if now.Sub(l.lastActive) > b.timeout {
			delete(b.listings, chatID)
			l.p.Close()
		}
	}
	b.mu.Unlock()

	for _, s := range expired {
		s.c.Cancel()
		logger.Info(ctx, "conversation timed out", slog.Int64("chat_id", s.chatID), slog.String("flow", s.flow.String()))
		b.reply(ctx, s.chatID, s.flow.timedOut(), nil)
	}
}
