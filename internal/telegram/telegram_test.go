// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"go.itsfan.me/site/internal/testutil"
	"go.itsfan.me/site/internal/tgmarkup"
)

const testToken = "123:token"

// fakeAPI records Bot API calls and answers them with canned responses.
type fakeAPI struct {
	mu      sync.Mutex
	calls   []apiCall
	respond func(method string, body map[string]any) (int, string)
}

type apiCall struct {
	Method string
	Body   map[string]any
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/file/bot"+testToken+"/") {
		w.Write([]byte("image bytes"))
		return
	}
	method, ok := strings.CutPrefix(r.URL.Path, "/bot"+testToken+"/")
	if !ok {
		http.Error(w, "unknown path "+r.URL.Path, http.StatusNotFound)
		return
	}
	b, _ := io.ReadAll(r.Body)
	var body map[string]any
	json.Unmarshal(b, &body)

	f.mu.Lock()
	f.calls = append(f.calls, apiCall{Method: method, Body: body})
	f.mu.Unlock()

	code, resp := http.StatusOK, `{"ok":true,"result":true}`
	if f.respond != nil {
		code, resp = f.respond(method, body)
	}
	w.WriteHeader(code)
	w.Write([]byte(resp))
}

func newTestClient(api *fakeAPI) *Client {
	c := New(testToken, testutil.MockHTTPClient(api))
	c.sleep = func(context.Context, time.Duration) bool { return true }
	return c
}

func TestSendMessage(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	c := newTestClient(api)
	err := c.SendMessage(t.Context(), SendParams{
		ChatID:      42,
		Message:     tgmarkup.FromMarkdown("**hi**"),
		ReplyMarkup: Row(Button("Edit", "edit_1"), Button("Delete", "delete_1")),
	})
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, len(api.calls), 1)
	call := api.calls[0]
	testutil.AssertEqual(t, call.Method, "sendMessage")
	testutil.AssertEqual(t, call.Body["chat_id"], float64(42))
	testutil.AssertEqual(t, call.Body["text"], "hi")
	testutil.AssertEqual(t, call.Body["reply_markup"], any(map[string]any{
		"inline_keyboard": []any{[]any{
			map[string]any{"text": "Edit", "callback_data": "edit_1"},
			map[string]any{"text": "Delete", "callback_data": "delete_1"},
		}},
	}))
}

func TestSendMessageSplitsLongText(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	c := newTestClient(api)
	text := strings.Repeat("a", 4000) + "\n" + strings.Repeat("b", 200)
	err := c.SendMessage(t.Context(), SendParams{
		ChatID:      1,
		Message:     tgmarkup.Message{Text: text, Entities: []tgmarkup.Entity{{Type: tgmarkup.Bold, Length: 1}}},
		ReplyMarkup: Row(Button("More", "more")),
	})
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, len(api.calls), 2)
	if _, ok := api.calls[0].Body["reply_markup"]; ok {
		t.Error("keyboard attached to the first chunk")
	}
	if _, ok := api.calls[1].Body["reply_markup"]; !ok {
		t.Error("keyboard missing from the last chunk")
	}
	if _, ok := api.calls[0].Body["entities"]; ok {
		t.Error("entities sent with a split message")
	}
}

func TestSendRateLimitRetry(t *testing.T) {
	t.Parallel()

	var attempts int
	api := &fakeAPI{respond: func(string, map[string]any) (int, string) {
		attempts++
		if attempts < 3 {
			return http.StatusTooManyRequests, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 2","parameters":{"retry_after":2}}`
		}
		return http.StatusOK, `{"ok":true,"result":{"message_id":1}}`
	}}
	c := newTestClient(api)
	var waits []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) bool {
		waits = append(waits, d)
		return true
	}

	if err := c.SendMessage(t.Context(), SendParams{ChatID: 1, Message: tgmarkup.Message{Text: "hi"}}); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, attempts, 3)
	testutil.AssertEqual(t, waits, []time.Duration{2 * time.Second, 2 * time.Second})
}

func TestSendGivesUp(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{respond: func(string, map[string]any) (int, string) {
		return http.StatusTooManyRequests, `{"ok":false,"parameters":{"retry_after":1}}`
	}}
	c := newTestClient(api)
	if err := c.SendMessage(t.Context(), SendParams{ChatID: 1, Message: tgmarkup.Message{Text: "hi"}}); err == nil {
		t.Fatal("SendMessage succeeded, want error")
	}
	testutil.AssertEqual(t, len(api.calls), sendRetryLimit)
}

func TestSendStopsOnCancel(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{respond: func(string, map[string]any) (int, string) {
		return http.StatusTooManyRequests, `{"ok":false,"parameters":{"retry_after":1}}`
	}}
	c := newTestClient(api)
	c.sleep = func(context.Context, time.Duration) bool { return false }
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if err := c.SendMessage(ctx, SendParams{ChatID: 1, Message: tgmarkup.Message{Text: "hi"}}); err == nil {
		t.Fatal("SendMessage succeeded, want error")
	}
}

func TestErrorsDoNotLeakToken(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{respond: func(string, map[string]any) (int, string) {
		return http.StatusUnauthorized, `{"ok":false,"description":"Unauthorized"}`
	}}
	c := newTestClient(api)
	_, err := c.GetMe(t.Context())
	if err == nil {
		t.Fatal("GetMe succeeded, want error")
	}
	if strings.Contains(err.Error(), testToken) {
		t.Fatalf("error leaks token: %v", err)
	}
}

func TestFiles(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{respond: func(method string, body map[string]any) (int, string) {
		return http.StatusOK, `{"ok":true,"result":{"file_id":"` + body["file_id"].(string) + `","file_unique_id":"u","file_path":"photos/file_1.jpg"}}`
	}}
	c := newTestClient(api)

	f, err := c.GetFile(t.Context(), "abc")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, f, File{FileID: "abc", FileUniqueID: "u", FilePath: "photos/file_1.jpg"})

	b, err := c.DownloadFile(t.Context(), f)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, string(b), "image bytes")

	if _, err := c.DownloadFile(t.Context(), File{}); err == nil {
		t.Fatal("DownloadFile without path succeeded")
	}
}

func TestOtherMethods(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	c := newTestClient(api)
	ctx := t.Context()
	if err := c.SetWebhook(ctx, "https://itsfan.me/api/telegram/webhook", "s3cret"); err != nil {
		t.Fatal(err)
	}
	if err := c.AnswerCallbackQuery(ctx, "q1", "Unknown action.", false); err != nil {
		t.Fatal(err)
	}
	if err := c.EditMessageReplyMarkup(ctx, 1, 2, nil); err != nil {
		t.Fatal(err)
	}

	var methods []string
	for _, call := range api.calls {
		methods = append(methods, call.Method)
	}
	testutil.AssertEqual(t, methods, []string{"setWebhook", "answerCallbackQuery", "editMessageReplyMarkup"})
	testutil.AssertEqual(t, api.calls[0].Body["secret_token"], "s3cret")
	if _, ok := api.calls[2].Body["reply_markup"]; ok {
		t.Error("nil markup sent")
	}
}

func TestCommand(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		text     string
		wantName string
		wantArgs string
		wantOK   bool
	}{
		"plain text":   {text: "hello", wantOK: false},
		"bare":         {text: "/start", wantName: "start", wantOK: true},
		"with args":    {text: "/edit  abc123 ", wantName: "edit", wantArgs: "abc123", wantOK: true},
		"with mention": {text: "/moments@itsfan_bot life", wantName: "moments", wantArgs: "life", wantOK: true},
		"only slash":   {text: "/", wantOK: false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			m := &Message{Text: tc.text}
			gotName, gotArgs, ok := m.Command()
			testutil.AssertEqual(t, ok, tc.wantOK)
			if ok {
				testutil.AssertEqual(t, gotName, tc.wantName)
				testutil.AssertEqual(t, gotArgs, tc.wantArgs)
			}
		})
	}
}

func TestSplitMessage(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		in   string
		want []string
	}{
		"empty":             {in: "  ", want: nil},
		"short":             {in: "hello", want: []string{"hello"}},
		"exact":             {in: strings.Repeat("a", 4096), want: []string{strings.Repeat("a", 4096)}},
		"long (no newline)": {in: strings.Repeat("a", 4100), want: []string{strings.Repeat("a", 4096), "aaaa"}},
		"long (spaces)": {
			in:   strings.Repeat("a", 3000) + " " + strings.Repeat("b", 1500),
			want: []string{strings.Repeat("a", 3000), strings.Repeat("b", 1500)},
		},
		"multi-byte unicode": {
			in:   strings.Repeat("🙂", 4095) + "\n" + "🙂",
			want: []string{strings.Repeat("🙂", 4095), "🙂"},
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			got := splitMessage(tc.in)
			testutil.AssertEqual(t, got, tc.want)
			for _, chunk := range got {
				if utf8.RuneCountInString(chunk) > maxMessageLen {
					t.Fatalf("chunk exceeds %d characters", maxMessageLen)
				}
			}
		})
	}
}
