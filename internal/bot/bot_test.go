// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.itsfan.me/site/internal/media"
	"go.itsfan.me/site/internal/moments"
	"go.itsfan.me/site/internal/store"
	"go.itsfan.me/site/internal/telegram"
	"go.itsfan.me/site/internal/testutil"
)

const (
	ownerID = 42
	secret  = "hunter2"
)

var testNow = time.Date(2025, 3, 1, 4, 5, 6, 0, time.UTC)

type sent struct {
	ChatID  int64
	Text    string
	Buttons []string // callback data
}

type fakeAPI struct {
	mu      sync.Mutex
	sent    []sent // since the last texts call
	latest  sent
	answers []string
	edits   int
}

func (f *fakeAPI) SendMessage(ctx context.Context, p telegram.SendParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := sent{ChatID: p.ChatID, Text: p.Text}
	if p.ReplyMarkup != nil {
		for _, row := range p.ReplyMarkup.InlineKeyboard {
			for _, b := range row {
				s.Buttons = append(s.Buttons, b.CallbackData)
			}
		}
	}
	f.sent = append(f.sent, s)
	f.latest = s
	return nil
}

func (f *fakeAPI) AnswerCallbackQuery(ctx context.Context, id, text string, alert bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeAPI) EditMessageReplyMarkup(ctx context.Context, chatID, messageID int64, markup *telegram.InlineKeyboardMarkup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits++
	return nil
}

func (f *fakeAPI) GetFile(ctx context.Context, fileID string) (telegram.File, error) {
	ext := ".jpg"
	if strings.HasPrefix(fileID, "gif") {
		ext = ".gif"
	}
	return telegram.File{FileID: fileID, FilePath: "photos/" + fileID + ext}, nil
}

func (f *fakeAPI) DownloadFile(ctx context.Context, file telegram.File) ([]byte, error) {
	return []byte("image " + file.FileID), nil
}

// texts returns the text of messages sent since the last call.
func (f *fakeAPI) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var texts []string
	for _, s := range f.sent {
		texts = append(texts, s.Text)
	}
	f.sent = nil
	return texts
}

// last returns the most recent message, whether or not texts has seen it.
func (f *fakeAPI) last() sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest
}

type fakeImages struct {
	mu      sync.Mutex
	uploads []media.Upload
	fails   int           // number of Put calls to fail
	started chan struct{} // if set, receives when Put starts
	release chan struct{} // if set, Put waits on it
}

func (f *fakeImages) Put(ctx context.Context, u media.Upload) (string, error) {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return "", errors.New("disk is full")
	}
	f.uploads = append(f.uploads, u)
	return fmt.Sprintf("https://itsfan.me/media/%s/%s%s", u.Prefix, u.FilenameHint, u.Extension), nil
}

// flakyStore fails the first creates and updates.
type flakyStore struct {
	store.Store
	mu    sync.Mutex
	fails int
}

func (s *flakyStore) fail() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails > 0 {
		s.fails--
		return errors.New("database is down")
	}
	return nil
}

func (s *flakyStore) Create(ctx context.Context, m moments.Moment) error {
	if err := s.fail(); err != nil {
		return err
	}
	return s.Store.Create(ctx, m)
}

type env struct {
	bot    *Bot
	api    *fakeAPI
	images *fakeImages
	store  *flakyStore

	lastUpdate atomic.Int64
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		api:    &fakeAPI{},
		images: &fakeImages{},
		store:  &flakyStore{Store: store.NewMem()},
	}
	b, err := New(Config{
		API:                 e.api,
		Store:               e.store,
		Images:              e.images,
		OwnerID:             ownerID,
		WebhookSecret:       secret,
		Location:            time.FixedZone("CST", 8*60*60),
		ConversationTimeout: 10 * time.Minute,
		PageSize:            5,
	})
	if err != nil {
		t.Fatal(err)
	}
	b.now = func() time.Time { return testNow }
	e.bot = b
	return e
}

func (e *env) message(msg telegram.Message) {
	msg.From = &telegram.User{ID: ownerID}
	msg.Chat = telegram.Chat{ID: ownerID, Type: "private"}
	e.bot.HandleUpdate(context.Background(), telegram.Update{UpdateID: e.lastUpdate.Add(1), Message: &msg})
}

func (e *env) text(s string) { e.message(telegram.Message{Text: s}) }

func (e *env) photo(fileID string) {
	e.message(telegram.Message{Photo: []telegram.PhotoSize{
		{FileID: fileID + "-small", FileUniqueID: fileID + "s", Width: 90, Height: 60},
		{FileID: fileID, FileUniqueID: fileID + "u", Width: 1280, Height: 853},
	}})
}

func (e *env) press(data string) {
	e.bot.HandleUpdate(context.Background(), telegram.Update{UpdateID: e.lastUpdate.Add(1), CallbackQuery: &telegram.CallbackQuery{
		ID:      "cb",
		From:    telegram.User{ID: ownerID},
		Message: &telegram.Message{MessageID: 7, Chat: telegram.Chat{ID: ownerID}},
		Data:    data,
	}})
}

func (e *env) seed(t *testing.T, n int) []moments.Moment {
	t.Helper()
	var ms []moments.Moment
	for i := range n {
		m := moments.New(moments.CreateInput{
			Content: fmt.Sprintf("moment %d", i),
			Tags:    []string{"life"},
		}, testNow.Add(time.Duration(i)*time.Minute))
		if err := e.store.Create(context.Background(), m); err != nil {
			t.Fatal(err)
		}
		ms = append(ms, m)
	}
	return ms
}

func (e *env) hasSession() bool { return e.bot.session(ownerID) != nil }

func assertSaid(t *testing.T, texts []string, substr string) {
	t.Helper()
	for _, s := range texts {
		if strings.Contains(s, substr) {
			return
		}
	}
	t.Fatalf("no message contains %q; got:\n%s", substr, strings.Join(texts, "\n---\n"))
}

func TestNew(t *testing.T) {
	t.Parallel()

	base := Config{
		API:           &fakeAPI{},
		Store:         store.NewMem(),
		Images:        &fakeImages{},
		OwnerID:       1,
		WebhookSecret: "s",
	}
	cases := map[string]struct {
		mutate  func(*Config)
		wantErr error
	}{
		"valid":     {mutate: func(*Config) {}},
		"no api":    {mutate: func(c *Config) { c.API = nil }, wantErr: errNoAPI},
		"no store":  {mutate: func(c *Config) { c.Store = nil }, wantErr: errNoStore},
		"no images": {mutate: func(c *Config) { c.Images = nil }, wantErr: errNoImages},
		"no owner":  {mutate: func(c *Config) { c.OwnerID = 0 }, wantErr: errNoOwner},
		"no secret": {mutate: func(c *Config) { c.WebhookSecret = "" }, wantErr: errNoSecret},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			c := base
			tc.mutate(&c)
			b, err := New(c)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("New() error = %v, want %v", err, tc.wantErr)
			}
			if err == nil {
				testutil.AssertEqual(t, b.pageSize, DefaultPageSize)
				if b.loc == nil {
					t.Fatal("location is nil")
				}
			}
		})
	}
}

func TestWebhook(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	mux := http.NewServeMux()
	e.bot.Register(mux, "/api/telegram/webhook")

	const update = `{"update_id":1,"message":{"message_id":1,"from":{"id":42,"is_bot":false,"first_name":"Owner"},"chat":{"id":42,"type":"private"},"date":1,"text":"/start"}}`

	post := func(secretToken, body string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/api/telegram/webhook", strings.NewReader(body))
		if secretToken != "" {
			r.Header.Set(secretHeader, secretToken)
		}
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, r)
		return w
	}

	if w := post("", update); w.Code != http.StatusUnauthorized {
		t.Fatalf("without secret: got %d, want 401", w.Code)
	}
	if w := post("wrong", update); w.Code != http.StatusUnauthorized {
		t.Fatalf("with wrong secret: got %d, want 401", w.Code)
	}
	if len(e.api.texts()) != 0 {
		t.Fatal("unauthenticated updates were processed")
	}
	if w := post(secret, "{"); w.Code != http.StatusBadRequest {
		t.Fatalf("with broken body: got %d, want 400", w.Code)
	}

	w := post(secret, update)
	testutil.AssertEqual(t, w.Code, http.StatusOK)
	assertSaid(t, e.api.texts(), "/publish")

	r := httptest.NewRequest(http.MethodGet, "/api/telegram/webhook", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	got := testutil.UnmarshalJSON[statusResponse](t, w.Body.Bytes())
	testutil.AssertEqual(t, got, statusResponse{Status: "ok", Bot: "moments-manager", Timestamp: testNow})
}

func TestStrangerIsDenied(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.bot.HandleUpdate(context.Background(), telegram.Update{Message: &telegram.Message{
		From: &telegram.User{ID: 1000},
		Chat: telegram.Chat{ID: 1000},
		Text: "/publish",
	}})

	testutil.AssertEqual(t, e.api.last(), sent{ChatID: 1000, Text: msgUnauthorized})
	if e.bot.session(1000) != nil {
		t.Fatal("stranger started a conversation")
	}
}

func TestMessages(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		msg  telegram.Message
		want string
	}{
		"sticker":         {msg: telegram.Message{}, want: msgUnsupported},
		"unknown command": {msg: telegram.Message{Text: "/frobnicate"}, want: msgUnknownCommand},
		"cancel":          {msg: telegram.Message{Text: "/cancel"}, want: "Operation cancelled."},
		"edit without id": {msg: telegram.Message{Text: "/edit"}, want: "Moment id is required.\nUsage: /edit <id>\nExample: /edit abc123"},
		"delete unknown":  {msg: telegram.Message{Text: "/delete nope"}, want: `Moment with id "nope" was not found.`},
		"edit unknown":    {msg: telegram.Message{Text: "/edit@itsfan_bot nope"}, want: `Moment with id "nope" was not found.`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t)
			e.message(tc.msg)
			testutil.AssertEqual(t, e.api.last().Text, tc.want)
		})
	}
}

func TestPlainTextIsIgnored(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.text("hello")
	testutil.AssertEqual(t, len(e.api.texts()), 0)
}

func TestPublish(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	e.text("/publish")
	assertSaid(t, e.api.texts(), "Create a new moment.")

	e.text("  Morning walk by the river.  ")
	assertSaid(t, e.api.texts(), "Add images (optional).")

	e.photo("p1")
	assertSaid(t, e.api.texts(), "Image added (1/9).")

	e.text("/done")
	texts := e.api.texts()
	assertSaid(t, texts, "Added 1 image(s).")
	assertSaid(t, texts, "Add tags (optional).")

	e.text("life walk life")
	texts = e.api.texts()
	assertSaid(t, texts, "Tags added: life, walk")
	assertSaid(t, texts, "Publish now?")

	e.press(confirmCreate)
	texts = e.api.texts()
	assertSaid(t, texts, "Creating moment...")
	assertSaid(t, texts, "New moment created.")

	if e.hasSession() {
		t.Fatal("conversation is still open")
	}

	ms, total, err := e.store.List(context.Background(), moments.Query{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, total, 1)
	m := ms[0]
	testutil.AssertEqual(t, m.Content, "Morning walk by the river.")
	testutil.AssertEqual(t, m.Tags, []string{"life", "walk"})
	testutil.AssertEqual(t, m.Images, []moments.ImageMeta{
		{URL: "https://itsfan.me/media/moments/p1u.jpg", Width: 1280, Height: 853},
	})
	testutil.AssertEqual(t, e.images.uploads[0].Body, []byte("image p1"))
	testutil.AssertEqual(t, e.api.last().Buttons, []string{"edit_" + m.ID, "delete_" + m.ID})
}

func TestContentLimitIgnoresSurroundingSpace(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.text("/publish")
	e.api.texts()

	e.text(strings.Repeat("a", moments.MaxContentLength) + "\n")
	assertSaid(t, e.api.texts(), "Add images (optional).")

	st := e.bot.session(ownerID).c.Snapshot()
	testutil.AssertEqual(t, st.Cursor, 1)
	if st.Failure != nil {
		t.Fatalf("content was rejected: %v", st.Failure)
	}
}

func TestPublishRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.text("/publish")
	e.api.texts()

	e.text(strings.Repeat("a", moments.MaxContentLength+1))
	texts := e.api.texts()
	assertSaid(t, texts, "Content cannot exceed 500 characters.")
	assertSaid(t, texts, "Send the content")

	st := e.bot.session(ownerID).c.Snapshot()
	testutil.AssertEqual(t, st.Cursor, 0)
	testutil.AssertEqual(t, st.RetryCount, 0)
	if st.Failure == nil || !st.Failure.Rejected {
		t.Fatalf("failure = %v, want a rejection", st.Failure)
	}

	e.message(telegram.Message{Photo: []telegram.PhotoSize{{FileID: "x", Width: 1, Height: 1}}})
	assertSaid(t, e.api.texts(), "Send the content as a text message.")

	e.text("fine")
	assertSaid(t, e.api.texts(), "Add images (optional).")

	e.text("not a photo")
	assertSaid(t, e.api.texts(), "Send a photo, use /done when finished, or /skip to continue without images.")

	e.text("/skip")
	assertSaid(t, e.api.texts(), "Add tags (optional).")

	e.text(strings.Repeat("x", moments.MaxTagLength+1))
	assertSaid(t, e.api.texts(), "No valid tags were provided.")

	e.text("/skip")
	texts = e.api.texts()
	assertSaid(t, texts, "Tags: None")

	e.text("yes please")
	assertSaid(t, e.api.texts(), "Use the buttons to confirm")

	e.press(confirmCreate)
	assertSaid(t, e.api.texts(), "New moment created.")

	if e.hasSession() {
		t.Fatal("conversation is still open")
	}
}

func TestPublishCancel(t *testing.T) {
	t.Parallel()

	cases := map[string]func(e *env){
		"command at content": func(e *env) { e.text("/cancel") },
		"command at images":  func(e *env) { e.text("hi"); e.text("/cancel") },
		"button at review": func(e *env) {
			e.text("hi")
			e.text("/done")
			e.text("/skip")
			e.press(cancelCreate)
		},
	}
	for name, steps := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t)
			e.text("/publish")
			steps(e)
			testutil.AssertEqual(t, e.api.last().Text, "Creation cancelled.")
			if e.hasSession() {
				t.Fatal("conversation is still open")
			}
			_, total, _ := e.store.List(context.Background(), moments.Query{Limit: 10})
			testutil.AssertEqual(t, total, 0)
		})
	}
}

func TestImageFailureIsRetried(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.images.fails = 1
	e.text("/publish")
	e.text("content")
	e.api.texts()

	e.photo("p1")
	assertSaid(t, e.api.texts(), "Failed to process the image. Please try again.")
	st := e.bot.session(ownerID).c.Snapshot()
	testutil.AssertEqual(t, st.RetryCount, 1)
	testutil.AssertEqual(t, st.Cursor, 1)

	e.photo("p2")
	assertSaid(t, e.api.texts(), "Image added (1/9).")
	st = e.bot.session(ownerID).c.Snapshot()
	testutil.AssertEqual(t, st.RetryCount, 0)
	testutil.AssertEqual(t, st.Cursor, 2)
}

func TestUnsupportedImageExtension(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.text("/publish")
	e.text("content")
	e.api.texts()

	e.photo("gif1")
	assertSaid(t, e.api.texts(), "Failed to process the image.")
	st := e.bot.session(ownerID).c.Snapshot()
	testutil.AssertEqual(t, st.RetryCount, 0)
	testutil.AssertEqual(t, len(e.images.uploads), 0)
}

func TestNinthImageMovesOn(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.text("/publish")
	e.text("content")
	for i := range moments.MaxImages {
		e.photo(fmt.Sprintf("p%d", i))
	}
	texts := e.api.texts()
	assertSaid(t, texts, "Image added (9/9).")
	assertSaid(t, texts, "Added 9 image(s).")
	assertSaid(t, texts, "Add tags (optional).")

	e.text("/skip")
	assertSaid(t, e.api.texts(), "Images: 9")
}

func TestPublishStoreFailure(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.store.fails = 1
	e.text("/publish")
	e.text("content")
	e.text("/skip")
	e.text("/skip")
	e.api.texts()

	e.press(confirmCreate)
	texts := e.api.texts()
	assertSaid(t, texts, "Failed to create moment. Please try again later.")
	assertSaid(t, texts, "Publish now?")
	if !e.hasSession() {
		t.Fatal("conversation ended after a failed save")
	}

	e.press(confirmCreate)
	assertSaid(t, e.api.texts(), "New moment created.")
	_, total, _ := e.store.List(context.Background(), moments.Query{Limit: 10})
	testutil.AssertEqual(t, total, 1)
}

func TestEdit(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	orig := e.seed(t, 1)[0]

	e.press("edit_" + orig.ID)
	texts := e.api.texts()
	assertSaid(t, texts, "Edit existing moment.")
	assertSaid(t, texts, "ID: "+orig.ID)
	assertSaid(t, texts, "Send the updated content")

	e.text("/skip")
	assertSaid(t, e.api.texts(), "Send new images")

	e.photo("p1")
	e.text("/done")
	assertSaid(t, e.api.texts(), "Send updated tags")

	e.text("/clear")
	texts = e.api.texts()
	assertSaid(t, texts, "All tags will be removed.")
	assertSaid(t, texts, "Save changes?")
	assertSaid(t, texts, "Tags: None")

	e.press(confirmEdit)
	assertSaid(t, e.api.texts(), "Moment updated successfully.")
	if e.hasSession() {
		t.Fatal("conversation is still open")
	}

	got, err := e.store.Get(context.Background(), orig.ID)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, got.Content, orig.Content)
	testutil.AssertEqual(t, len(got.Images), 1)
	testutil.AssertEqual(t, len(got.Tags), 0)
}

func TestEditClearsImages(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	orig := moments.New(moments.CreateInput{
		Content: "with a photo",
		Images:  []moments.ImageMeta{{URL: "https://itsfan.me/a.jpg", Width: 1, Height: 1}},
	}, testNow)
	if err := e.store.Create(context.Background(), orig); err != nil {
		t.Fatal(err)
	}

	e.text("/edit " + orig.ID)
	e.text("new words")
	e.text("/clear")
	assertSaid(t, e.api.texts(), "All images will be removed.")
	e.text("/skip")
	e.press(confirmEdit)

	got, err := e.store.Get(context.Background(), orig.ID)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, got.Content, "new words")
	testutil.AssertEqual(t, len(got.Images), 0)
}

func TestEditWithoutChanges(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	orig := e.seed(t, 1)[0]

	e.text("/edit " + orig.ID)
	e.text("/skip")
	e.text("/skip")
	e.text("/skip")
	testutil.AssertEqual(t, e.api.last().Text, "No changes detected. Edit cancelled.")
	if e.hasSession() {
		t.Fatal("conversation is still open")
	}
}

func TestEditMomentDeletedMeanwhile(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	orig := e.seed(t, 1)[0]

	e.text("/edit " + orig.ID)
	e.text("changed")
	e.text("/skip")
	e.text("/skip")
	if err := e.store.Delete(context.Background(), orig.ID); err != nil {
		t.Fatal(err)
	}
	e.press(confirmEdit)
	testutil.AssertEqual(t, e.api.last().Text, notFound(orig.ID))
	if e.hasSession() {
		t.Fatal("conversation is still open")
	}
}

func TestRedeliveredUpdateIsIgnored(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.text("/publish")
	e.text("content")
	e.api.texts()

	photo := telegram.Update{UpdateID: 100, Message: &telegram.Message{
		From:  &telegram.User{ID: ownerID},
		Chat:  telegram.Chat{ID: ownerID, Type: "private"},
		Photo: []telegram.PhotoSize{
			{FileID: "p1", FileUniqueID: "p1u", Width: 1280, Height: 853},
		},
	}}
	e.bot.HandleUpdate(t.Context(), photo)
	e.bot.HandleUpdate(t.Context(), photo)

	testutil.AssertEqual(t, e.api.texts(), []string{"Image added (1/9). Send more, /done to finish, or /skip to continue without more images."})
	testutil.AssertEqual(t, len(e.images.uploads), 1)
	st := e.bot.session(ownerID).c.Snapshot()
	testutil.AssertEqual(t, st.Cursor, 2)
}

func TestBusy(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	orig := e.seed(t, 1)[0]

	e.text("/publish")
	e.text("/publish")
	testutil.AssertEqual(t, e.api.last().Text, msgBusy)
	e.press("edit_" + orig.ID)
	testutil.AssertEqual(t, e.api.last().Text, msgBusy)

	st := e.bot.session(ownerID).c.Snapshot()
	testutil.AssertEqual(t, st.Cursor, 0)
	testutil.AssertEqual(t, e.bot.session(ownerID).flow, publishFlow)
}

func TestMessageWhileProcessingIsDropped(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.text("/publish")
	e.text("content")

	e.images.started = make(chan struct{})
	e.images.release = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.photo("slow")
	}()
	<-e.images.started

	e.text("/done")
	testutil.AssertEqual(t, e.api.last().Text, msgStillProcessing)

	close(e.images.release)
	<-done

	st := e.bot.session(ownerID).c.Snapshot()
	testutil.AssertEqual(t, st.Cursor, 2)
	testutil.AssertEqual(t, st.Items[1].kind, imageAnswer)
}

func TestConversationTimeout(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.text("/moments")
	e.text("/publish")
	e.api.texts()

	e.bot.expire(context.Background(), testNow.Add(5*time.Minute))
	if !e.hasSession() {
		t.Fatal("conversation expired too early")
	}

	e.bot.expire(context.Background(), testNow.Add(11*time.Minute))
	if e.hasSession() {
		t.Fatal("conversation did not expire")
	}
	testutil.AssertEqual(t, e.api.texts(), []string{"Creation timed out. Start again with /publish."})

	e.press(loadMore)
	testutil.AssertEqual(t, e.api.last().Text, "Nothing to load. Use /moments to start.")
}

func TestDelete(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	m := e.seed(t, 1)[0]

	e.text("/delete " + m.ID)
	last := e.api.last()
	testutil.AssertSubstring(t, last.Text, "Confirm delete")
	testutil.AssertSubstring(t, last.Text, "This action cannot be undone.")
	testutil.AssertEqual(t, last.Buttons, []string{"confirm_delete_" + m.ID, "cancel_delete"})

	e.press("cancel_delete")
	testutil.AssertEqual(t, e.api.last().Text, "Delete cancelled.")

	e.press("delete_" + m.ID)
	testutil.AssertSubstring(t, e.api.last().Text, "Confirm delete")

	e.press("confirm_delete_" + m.ID)
	testutil.AssertEqual(t, e.api.last().Text, "Moment deleted.\nID: "+m.ID+"\nDeleted at: 2025-03-01 12:05:06")
	if _, err := e.store.Get(context.Background(), m.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get after delete: %v", err)
	}

	e.press("confirm_delete_" + m.ID)
	testutil.AssertEqual(t, e.api.last().Text, notFound(m.ID))
}

func TestUnknownCallback(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.press("frobnicate")
	testutil.AssertEqual(t, e.api.answers, []string{"Unknown action."})
}

func TestList(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.seed(t, 7)

	e.text("/moments")
	first := e.api.last()
	testutil.AssertSubstring(t, first.Text, "Moments 1-5 of 7")
	testutil.AssertSubstring(t, first.Text, "moment 6")
	testutil.AssertEqual(t, first.Buttons, []string{loadMore})

	e.press(loadMore)
	second := e.api.last()
	testutil.AssertSubstring(t, second.Text, "Moments 6-7 of 7")
	testutil.AssertSubstring(t, second.Text, "moment 0")
	testutil.AssertEqual(t, len(second.Buttons), 0)

	e.press(loadMore)
	testutil.AssertEqual(t, e.api.last().Text, "No more moments.")
}

func TestListEmpty(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.text("/moments")
	testutil.AssertEqual(t, e.api.last().Text, "No moments yet.")
	e.text("/moments travel")
	testutil.AssertEqual(t, e.api.last().Text, `No moments tagged "travel".`)
}

// failingList fails List calls while down is set.
type failingList struct {
	store.Store
	mu   sync.Mutex
	down bool
}

func (s *failingList) List(ctx context.Context, q moments.Query) ([]moments.Moment, int, error) {
	s.mu.Lock()
	down := s.down
	s.mu.Unlock()
	if down {
		return nil, 0, errors.New("connection reset")
	}
	return s.Store.List(ctx, q)
}

func TestListRetry(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.seed(t, 3)
	fl := &failingList{Store: e.bot.store, down: true}
	e.bot.store = fl

	e.text("/moments")
	last := e.api.last()
	testutil.AssertSubstring(t, last.Text, "Failed to load moments")
	testutil.AssertEqual(t, last.Buttons, []string{retryLoad})

	e.press(loadMore)
	testutil.AssertEqual(t, e.api.last().Text, "Loading failed. Press Retry to try again.")

	fl.mu.Lock()
	fl.down = false
	fl.mu.Unlock()

	e.press(retryLoad)
	testutil.AssertSubstring(t, e.api.last().Text, "Moments 1-3 of 3")
}

func TestFormatMomentDetails(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	m := moments.Moment{
		ID:        "0856dbcdabf9",
		Content:   "  Hello there.  ",
		Tags:      []string{"life", "walk"},
		CreatedAt: time.Date(2025, 1, 2, 16, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2025, 1, 3, 17, 30, 0, 0, time.UTC),
	}
	want := `Moment Overview
---------------
ID: 0856dbcdabf9

Content:
Hello there.

Images: 0
Tags: life, walk
Created: 2025-01-03 00:00:00
Updated: 2025-01-04 01:30:00`
	testutil.AssertEqual(t, e.bot.formatMomentDetails(m), want)
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	testutil.AssertEqual(t, truncate("short", 10), "short")
	testutil.AssertEqual(t, truncate("你好世界", 2), "你好...")
	testutil.AssertEqual(t, truncate(strings.Repeat("a", 101), 100), strings.Repeat("a", 100)+"...")
}

func TestFold(t *testing.T) {
	t.Parallel()

	img := moments.ImageMeta{URL: "https://itsfan.me/a.jpg", Width: 1, Height: 1}
	d := fold([]answer{
		{kind: keepAnswer},
		{kind: imageAnswer, image: img},
		{kind: doneAnswer},
		{kind: tagsAnswer, tags: []string{"a"}},
	})
	testutil.AssertEqual(t, d.phase, confirmPhase)
	if d.content != nil {
		t.Fatal("content was set by /skip")
	}
	in := d.updateInput()
	testutil.AssertEqual(t, *in.Images, []moments.ImageMeta{img})
	testutil.AssertEqual(t, *in.Tags, []string{"a"})

	d = fold([]answer{{kind: contentAnswer, text: "x"}, {kind: doneAnswer}})
	testutil.AssertEqual(t, d.phase, tagsPhase)
	if d.updateInput().Images != nil {
		t.Fatal("/done without photos replaced images")
	}
}
