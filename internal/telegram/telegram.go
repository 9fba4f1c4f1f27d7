// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package telegram is a thin client of the Telegram Bot API.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.itsfan.me/site/internal/logger"
	"go.itsfan.me/site/internal/request"
	"go.itsfan.me/site/internal/tgmarkup"
)

const (
	defaultAPIURL  = "https://api.telegram.org"
	sendRetryLimit = 5    // attempts to send a message when rate limited
	maxMessageLen  = 4096 // characters
)

// Client calls Bot API methods.
type Client struct {
	token    string
	apiURL   string
	httpc    *http.Client
	scrubber *strings.Replacer
	sleep    func(context.Context, time.Duration) bool
}

// New returns a client authenticated by token. A nil httpc means
// request.DefaultClient.
func New(token string, httpc *http.Client) *Client {
	return &Client{
		token:    token,
		apiURL:   defaultAPIURL,
		httpc:    httpc,
		scrubber: strings.NewReplacer(token, "[EXPUNGED]"),
		sleep:    sleep,
	}
}

type response[T any] struct {
	OK          bool   `json:"ok"`
	Result      T      `json:"result"`
	Description string `json:"description"`
}

func call[T any](ctx context.Context, c *Client, method string, args any) (T, error) {
	resp, err := request.Make[response[T]](ctx, request.Params{
		Method:     http.MethodPost,
		URL:        c.apiURL + "/bot" + c.token + "/" + method,
		Body:       args,
		HTTPClient: c.httpc,
		Scrubber:   c.scrubber,
	})
	if err != nil {
		return resp.Result, err
	}
	if !resp.OK {
		return resp.Result, fmt.Errorf("telegram: %s: %s", method, resp.Description)
	}
	return resp.Result, nil
}

// GetMe returns the bot user.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	return call[User](ctx, c, "getMe", struct{}{})
}

// SetWebhook makes Telegram deliver updates to url. Deliveries carry secret
// in the X-Telegram-Bot-Api-Secret-Token header.
func (c *Client) SetWebhook(ctx context.Context, url, secret string) error {
	_, err := call[bool](ctx, c, "setWebhook", map[string]any{
		"url":             url,
		"secret_token":    secret,
		"allowed_updates": []string{"message", "callback_query"},
	})
	return err
}

// SendParams describes a message to send.
type SendParams struct {
	ChatID int64 `json:"chat_id"`
	tgmarkup.Message
	ReplyMarkup *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// SendMessage sends a message, waiting and retrying when rate limited. Text
// longer than a Telegram message is split into several messages sent
// without formatting; the keyboard is attached to the last one.
func (c *Client) SendMessage(ctx context.Context, p SendParams) error {
	chunks := splitMessage(p.Text)
	if len(chunks) > 1 {
		p.Entities = nil
	}
	for i, chunk := range chunks {
		msg := p
		msg.Text = chunk
		if i < len(chunks)-1 {
			msg.ReplyMarkup = nil
		}
		if err := c.send(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, msg SendParams) error {
	var err error
	for range sendRetryLimit {
		_, err = call[json.RawMessage](ctx, c, "sendMessage", msg)
		if err == nil {
			return nil
		}
		limited, wait := isRateLimited(err)
		if !limited {
			return err
		}
		logger.Warn(ctx, "sending rate limited, waiting", slog.Int64("chat_id", msg.ChatID), slog.Duration("wait", wait))
		if !c.sleep(ctx, wait) {
			return ctx.Err()
		}
	}
	return err
}

// AnswerCallbackQuery acknowledges a button press, optionally showing text
// to the user.
func (c *Client) AnswerCallbackQuery(ctx context.Context, id, text string, alert bool) error {
	_, err := call[bool](ctx, c, "answerCallbackQuery", map[string]any{
		"callback_query_id": id,
		"text":              text,
		"show_alert":        alert,
	})
	return err
}

// EditMessageReplyMarkup replaces the keyboard of a message. A nil markup
// removes it.
func (c *Client) EditMessageReplyMarkup(ctx context.Context, chatID, messageID int64, markup *InlineKeyboardMarkup) error {
	args := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
	}
	if markup != nil {
		args["reply_markup"] = markup
	}
	_, err := call[json.RawMessage](ctx, c, "editMessageReplyMarkup", args)
	return err
}

// GetFile returns information needed to download a file.
func (c *Client) GetFile(ctx context.Context, fileID string) (File, error) {
	return call[File](ctx, c, "getFile", map[string]string{"file_id": fileID})
}

// DownloadFile fetches the contents of a file returned by GetFile.
func (c *Client) DownloadFile(ctx context.Context, f File) ([]byte, error) {
	if f.FilePath == "" {
		return nil, errors.New("telegram: file path is missing")
	}
	return request.Make[[]byte](ctx, request.Params{
		URL:        c.apiURL + "/file/bot" + c.token + "/" + f.FilePath,
		HTTPClient: c.httpc,
		Scrubber:   c.scrubber,
	})
}

func splitMessage(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	for text != "" {
		if utf8.RuneCountInString(text) <= maxMessageLen {
			chunks = append(chunks, text)
			break
		}

		var (
			lastNewline    = -1
			lastWhitespace = -1
			byteCap        = len(text)
			runeCount      int
		)
		for i, r := range text {
			if runeCount == maxMessageLen {
				byteCap = i
				break
			}
			runeCount++
			switch {
			case r == '\n':
				lastNewline = i
			case unicode.IsSpace(r):
				lastWhitespace = i
			}
		}

		splitAt := byteCap
		switch {
		case lastNewline > 0:
			splitAt = lastNewline
		case lastWhitespace > 0:
			splitAt = lastWhitespace
		}

		if chunk := strings.TrimSpace(text[:splitAt]); chunk != "" {
			chunks = append(chunks, chunk)
		}
		text = strings.TrimSpace(text[splitAt:])
	}
	return chunks
}

func isRateLimited(err error) (bool, time.Duration) {
	var statusErr *request.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusTooManyRequests {
		return false, 0
	}

	var errorResponse struct {
		Parameters struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.Unmarshal(statusErr.Body, &errorResponse); err != nil {
		return false, 0
	}
	return true, time.Duration(errorResponse.Parameters.RetryAfter) * time.Second
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
