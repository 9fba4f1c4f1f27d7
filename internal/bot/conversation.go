// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"go.itsfan.me/site/internal/logger"
	"go.itsfan.me/site/internal/media"
	"go.itsfan.me/site/internal/metrics"
	"go.itsfan.me/site/internal/moments"
	"go.itsfan.me/site/internal/sequence"
	"go.itsfan.me/site/internal/store"
	"go.itsfan.me/site/internal/telegram"
)

type flow uint8

const (
	publishFlow flow = iota
	editFlow
)

func (f flow) String() string {
	if f == editFlow {
		return "edit"
	}
	return "publish"
}

func (f flow) cancelled() string {
	if f == editFlow {
		return "Edit cancelled."
	}
	return "Creation cancelled."
}

func (f flow) timedOut() string {
	if f == editFlow {
		return "Edit timed out. Start again with /edit <id>."
	}
	return "Creation timed out. Start again with /publish."
}

func (f flow) confirmData() string {
	if f == editFlow {
		return confirmEdit
	}
	return confirmCreate
}

func (f flow) cancelData() string {
	if f == editFlow {
		return cancelEdit
	}
	return cancelCreate
}

// phase is what a conversation waits for.
type phase uint8

const (
	contentPhase phase = iota
	imagesPhase
	tagsPhase
	confirmPhase
	donePhase
)

type answerKind uint8

const (
	contentAnswer answerKind = iota
	keepAnswer               // /skip: leave as is
	imageAnswer
	doneAnswer  // /done
	clearAnswer // /clear: remove all
	tagsAnswer
	confirmAnswer
)

// answer is one accepted reply of the owner. The answers of a conversation
// are the items of its sequence.
type answer struct {
	kind  answerKind
	text  string
	image moments.ImageMeta
	tags  []string
}

// draft is the state of a conversation, folded from its answers.
type draft struct {
	phase     phase
	content   *string
	images    []moments.ImageMeta
	imagesSet bool
	tags      []string
	tagsSet   bool
}

func fold(answers []answer) draft {
	var d draft
	for _, a := range answers {
		d.apply(a)
	}
	return d
}

func (d *draft) apply(a answer) {
	switch d.phase {
	case contentPhase:
		if a.kind == contentAnswer {
			d.content = &a.text
		}
		d.phase = imagesPhase
	case imagesPhase:
		switch a.kind {
		case imageAnswer:
			d.images = append(d.images, a.image)
			if len(d.images) >= moments.MaxImages {
				d.imagesSet = true
				d.phase = tagsPhase
			}
		case doneAnswer:
			d.imagesSet = len(d.images) > 0
			d.phase = tagsPhase
		case keepAnswer:
			d.images, d.imagesSet = nil, false
			d.phase = tagsPhase
		case clearAnswer:
			d.images, d.imagesSet = nil, true
			d.phase = tagsPhase
		}
	case tagsPhase:
		switch a.kind {
		case tagsAnswer:
			d.tags, d.tagsSet = a.tags, true
		case clearAnswer:
			d.tags, d.tagsSet = nil, true
		}
		d.phase = confirmPhase
	case confirmPhase:
		d.phase = donePhase
	}
}

func (d draft) createInput() moments.CreateInput {
	in := moments.CreateInput{Images: d.images, Tags: d.tags}
	if d.content != nil {
		in.Content = *d.content
	}
	return in
}

func (d draft) updateInput() moments.UpdateInput {
	var in moments.UpdateInput
	in.Content = d.content
	if d.imagesSet {
		images := slices.Clone(d.images)
		in.Images = &images
	}
	if d.tagsSet {
		tags := slices.Clone(d.tags)
		in.Tags = &tags
	}
	return in
}

// input is the update a conversation step reacts to: a message or the data
// of a pressed button.
type input struct {
	msg  *telegram.Message
	data string
}

func (in input) text() string {
	if in.msg == nil {
		return ""
	}
	return strings.TrimSpace(in.msg.Text)
}

func (in input) command() string {
	if in.msg == nil {
		return ""
	}
	name, _, ok := in.msg.Command()
	if !ok {
		return ""
	}
	return name
}

type inputKey struct{}

var (
	errCancelled = errors.New("conversation cancelled")
	errNoChanges = errors.New("no changes")
)

// session is an open conversation in a chat.
type session struct {
	bot    *Bot
	chatID int64
	flow   flow
	orig   moments.Moment // edited moment
	c      *sequence.Controller[answer]

	lastActive time.Time // guarded by bot.mu
}

func (b *Bot) session(chatID int64) *session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[chatID]
}

// begin opens a conversation in chatID. It returns false if one is already
// open there.
func (b *Bot) begin(chatID int64, f flow, orig moments.Moment) (*session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, busy := b.sessions[chatID]; busy {
		return nil, false
	}
	s := &session{
		bot:        b,
		chatID:     chatID,
		flow:       f,
		orig:       orig,
		lastActive: b.now(),
	}
	s.c = sequence.New(sequence.ExecutorFunc[answer](s.execute), sequence.Options{Stride: sequence.StepStride})
	b.sessions[chatID] = s
	metrics.Conversations.Inc()
	return s, true
}

func (b *Bot) end(s *session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sessions[s.chatID] == s {
		delete(b.sessions, s.chatID)
		metrics.Conversations.Dec()
	}
}

func (b *Bot) startPublish(ctx context.Context, chatID int64) {
	s, ok := b.begin(chatID, publishFlow, moments.Moment{})
	if !ok {
		b.reply(ctx, chatID, msgBusy, nil)
		return
	}
	s.say(ctx, strings.Join([]string{
		"Create a new moment.",
		s.contentPrompt(),
	}, "\n"))
}

func (b *Bot) startEdit(ctx context.Context, chatID int64, id string) error {
	m, err := b.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		b.reply(ctx, chatID, notFound(id), nil)
		return nil
	}
	if err != nil {
		return err
	}
	s, ok := b.begin(chatID, editFlow, m)
	if !ok {
		b.reply(ctx, chatID, msgBusy, nil)
		return nil
	}
	s.say(ctx, strings.Join([]string{
		"Edit existing moment.",
		"",
		b.formatMomentDetails(m),
		"",
		"Use /cancel at any time to abort.",
	}, "\n"))
	s.say(ctx, s.contentPrompt())
	return nil
}

// converse feeds in to the conversation. A step that failed, including one
// whose input was rejected, is repeated with the new input.
func (b *Bot) converse(ctx context.Context, s *session, in input) {
	b.mu.Lock()
	s.lastActive = b.now()
	b.mu.Unlock()

	ctx = context.WithValue(ctx, inputKey{}, in)
	var o sequence.Outcome
	if st := s.c.Snapshot(); st.Failure != nil {
		o = s.c.Retry(ctx)
	} else {
		o = s.c.Advance(ctx)
	}
	metrics.SequenceSteps.WithLabelValues("conversation", o.String()).Inc()

	switch o {
	case sequence.Dropped:
		if s.c.Snapshot().InFlight {
			b.reply(ctx, s.chatID, msgStillProcessing, nil)
		}
	case sequence.Finished, sequence.Stopped:
		b.end(s)
	}
}

func (s *session) say(ctx context.Context, text string) {
	s.bot.reply(ctx, s.chatID, text, nil)
}

// reject tells the owner why their input was refused and asks again.
func (s *session) reject(ctx context.Context, msg, prompt string) (answer, error) {
	s.say(ctx, msg)
	if prompt != "" {
		s.say(ctx, prompt)
	}
	return answer{}, sequence.Reject(errors.New(msg))
}

func (s *session) execute(ctx context.Context, cursor int) (sequence.Batch[answer], error) {
	in, _ := ctx.Value(inputKey{}).(input)
	if in.command() == "cancel" || in.data == s.flow.cancelData() {
		s.say(ctx, s.flow.cancelled())
		return sequence.Batch[answer]{}, sequence.Fail(sequence.Cancelled, errCancelled)
	}

	d := fold(s.c.Snapshot().Items)
	var (
		a   answer
		err error
	)
	switch d.phase {
	case contentPhase:
		a, err = s.content(ctx, in)
	case imagesPhase:
		a, err = s.image(ctx, in, d)
	case tagsPhase:
		a, err = s.tags(ctx, in, d)
	case confirmPhase:
		if a, err = s.confirm(ctx, in, d); err == nil {
			return sequence.Batch[answer]{Items: []answer{a}, Total: cursor + 1, TotalKnown: true}, nil
		}
	default:
		err = sequence.Fail(sequence.Malformed, fmt.Errorf("conversation is over at step %d", cursor))
	}
	if err != nil {
		return sequence.Batch[answer]{}, err
	}
	return sequence.Batch[answer]{Items: []answer{a}}, nil
}

func (s *session) contentPrompt() string {
	if s.flow == editFlow {
		return fmt.Sprintf("Send the updated content (up to %d characters).\nUse /skip to keep the current content or /cancel to abort.", moments.MaxContentLength)
	}
	return fmt.Sprintf("Send the content (up to %d characters).\nUse /cancel to abort.", moments.MaxContentLength)
}

func (s *session) imagesPrompt() string {
	if s.flow == editFlow {
		return fmt.Sprintf("Send new images (up to %d).\nUse /done when finished, /skip to keep current images, /clear to remove all images, or /cancel to abort.", moments.MaxImages)
	}
	return fmt.Sprintf("Add images (optional).\nSend photos, up to %d.\nUse /done when finished or /skip to continue without images.\nUse /cancel to abort.", moments.MaxImages)
}

func (s *session) photoHint() string {
	if s.flow == editFlow {
		return "Send a photo, use /done when finished, /skip to keep current images, or /cancel to abort."
	}
	return "Send a photo, use /done when finished, or /skip to continue without images."
}

func (s *session) tagsPrompt() string {
	if s.flow == editFlow {
		return fmt.Sprintf("Send updated tags separated by spaces (maximum %d tags, each up to %d characters).\nUse /skip to keep current tags, /clear to remove all tags, or /cancel to abort.", moments.MaxTags, moments.MaxTagLength)
	}
	return fmt.Sprintf("Add tags (optional).\nSend tags separated by spaces. Maximum %d tags.\nUse /skip to continue without tags or /cancel to abort.", moments.MaxTags)
}

func (s *session) content(ctx context.Context, in input) (answer, error) {
	cmd := in.command()
	if cmd == "skip" && s.flow == editFlow {
		s.say(ctx, s.imagesPrompt())
		return answer{kind: keepAnswer}, nil
	}
	text := in.text()
	if text == "" || cmd != "" {
		return s.reject(ctx, "Send the content as a text message.", s.contentPrompt())
	}
	// Content is stored trimmed, so the limit applies to the trimmed text.
	if err := moments.Validate(moments.CreateInput{Content: text}); err != nil {
		return s.reject(ctx, err.Error()+".", s.contentPrompt())
	}
	s.say(ctx, s.imagesPrompt())
	return answer{kind: contentAnswer, text: text}, nil
}

func (s *session) image(ctx context.Context, in input, d draft) (answer, error) {
	switch in.command() {
	case "done":
		s.imagesDone(ctx, len(d.images))
		return answer{kind: doneAnswer}, nil
	case "skip":
		if s.flow == publishFlow {
			s.imagesDone(ctx, len(d.images))
			return answer{kind: doneAnswer}, nil
		}
		s.say(ctx, "Keeping existing images.")
		s.say(ctx, s.tagsPrompt())
		return answer{kind: keepAnswer}, nil
	case "clear":
		if s.flow == editFlow {
			s.say(ctx, "All images will be removed.")
			s.say(ctx, s.tagsPrompt())
			return answer{kind: clearAnswer}, nil
		}
	}

	var (
		photo telegram.PhotoSize
		ok    bool
	)
	if in.msg != nil {
		photo, ok = in.msg.LargestPhoto()
	}
	if !ok {
		return s.reject(ctx, s.photoHint(), "")
	}

	img, err := s.bot.saveImage(ctx, photo)
	if err != nil {
		logger.Warn(ctx, "storing image failed", slog.Any("err", err))
		s.say(ctx, "Failed to process the image. Please try again.")
		if errors.Is(err, media.ErrExtension) {
			return answer{}, sequence.Reject(err)
		}
		return answer{}, sequence.Fail(sequence.Transient, err)
	}

	n := len(d.images) + 1
	switch {
	case n >= moments.MaxImages:
		s.say(ctx, fmt.Sprintf("Image added (%d/%d).", n, moments.MaxImages))
		s.imagesDone(ctx, n)
	case s.flow == editFlow:
		s.say(ctx, fmt.Sprintf("Image added (%d/%d). Send more or use /done when finished.", n, moments.MaxImages))
	default:
		s.say(ctx, fmt.Sprintf("Image added (%d/%d). Send more, /done to finish, or /skip to continue without more images.", n, moments.MaxImages))
	}
	return answer{kind: imageAnswer, image: img}, nil
}

func (s *session) imagesDone(ctx context.Context, n int) {
	if n > 0 {
		s.say(ctx, fmt.Sprintf("Added %d image(s).", n))
	}
	s.say(ctx, s.tagsPrompt())
}

func (b *Bot) saveImage(ctx context.Context, p telegram.PhotoSize) (moments.ImageMeta, error) {
	f, err := b.api.GetFile(ctx, p.FileID)
	if err != nil {
		return moments.ImageMeta{}, err
	}
	ext := strings.ToLower(path.Ext(f.FilePath))
	if !slices.Contains(media.AllowedExtensions, ext) {
		return moments.ImageMeta{}, fmt.Errorf("%w: %q", media.ErrExtension, ext)
	}
	body, err := b.api.DownloadFile(ctx, f)
	if err != nil {
		return moments.ImageMeta{}, err
	}
	url, err := b.images.Put(ctx, media.Upload{
		Body:         body,
		Prefix:       "moments",
		Extension:    ext,
		FilenameHint: p.FileUniqueID,
	})
	if err != nil {
		return moments.ImageMeta{}, err
	}
	return moments.ImageMeta{URL: url, Width: p.Width, Height: p.Height}, nil
}

func (s *session) tags(ctx context.Context, in input, d draft) (answer, error) {
	var a answer
	switch cmd := in.command(); {
	case cmd == "skip":
		a = answer{kind: keepAnswer}
	case cmd == "clear" && s.flow == editFlow:
		a = answer{kind: clearAnswer}
		s.say(ctx, "All tags will be removed.")
	case cmd != "" || in.text() == "":
		return s.reject(ctx, "Send tags as a text message.", s.tagsPrompt())
	default:
		tags := moments.ParseTags(in.msg.Text)
		if len(tags) == 0 {
			return s.reject(ctx, "No valid tags were provided.", s.tagsPrompt())
		}
		a = answer{kind: tagsAnswer, tags: tags}
		if s.flow == editFlow {
			s.say(ctx, "Tags will be updated to: "+strings.Join(tags, ", "))
		} else {
			s.say(ctx, "Tags added: "+strings.Join(tags, ", "))
		}
	}

	d.apply(a)
	if s.flow == editFlow && d.updateInput().IsZero() {
		s.say(ctx, "No changes detected. Edit cancelled.")
		return answer{}, sequence.Fail(sequence.Cancelled, errNoChanges)
	}
	s.review(ctx, d)
	return a, nil
}

func (s *session) review(ctx context.Context, d draft) {
	if s.flow == editFlow {
		preview := s.orig
		moments.Apply(&preview, d.updateInput(), s.bot.now())
		s.bot.reply(ctx, s.chatID, strings.Join([]string{
			"Review the updated moment.",
			"",
			s.bot.formatMomentDetails(preview),
			"",
			"Save changes?",
		}, "\n"), telegram.Row(
			telegram.Button("Save changes", confirmEdit),
			telegram.Button("Cancel", cancelEdit),
		))
		return
	}
	in := d.createInput()
	s.bot.reply(ctx, s.chatID, strings.Join([]string{
		"Review your moment.",
		"Content: " + truncate(strings.TrimSpace(in.Content), previewLength),
		fmt.Sprintf("Images: %d", len(in.Images)),
		"Tags: " + joinTags(in.Tags),
		"",
		"Publish now?",
	}, "\n"), telegram.Row(
		telegram.Button("Publish", confirmCreate),
		telegram.Button("Cancel", cancelCreate),
	))
}

func (s *session) confirm(ctx context.Context, in input, d draft) (answer, error) {
	if in.data != s.flow.confirmData() {
		s.say(ctx, "Use the buttons to confirm, or /cancel to abort.")
		s.review(ctx, d)
		return answer{}, sequence.Reject(errors.New("confirmation expected"))
	}
	var err error
	if s.flow == editFlow {
		err = s.save(ctx, d)
	} else {
		err = s.publish(ctx, d)
	}
	if err != nil {
		return answer{}, err
	}
	return answer{kind: confirmAnswer}, nil
}

func (s *session) publish(ctx context.Context, d draft) error {
	in := d.createInput()
	if err := moments.Validate(in); err != nil {
		s.say(ctx, err.Error()+". "+s.flow.cancelled())
		return sequence.Fail(sequence.Cancelled, err)
	}
	s.say(ctx, "Creating moment...")
	m := moments.New(in, s.bot.now())
	if err := s.bot.store.Create(ctx, m); err != nil {
		logger.Error(ctx, "creating moment failed", slog.Any("err", err))
		s.say(ctx, "Failed to create moment. Please try again later.")
		s.review(ctx, d)
		return sequence.Fail(sequence.Transient, err)
	}
	logger.Info(ctx, "moment created", slog.String("id", m.ID))
	s.bot.reply(ctx, s.chatID, "New moment created.\n\n"+s.bot.formatMomentDetails(m), actionsKeyboard(m.ID))
	return nil
}

func (s *session) save(ctx context.Context, d draft) error {
	in := d.updateInput()
	if err := moments.Validate(in); err != nil {
		s.say(ctx, err.Error()+". "+s.flow.cancelled())
		return sequence.Fail(sequence.Cancelled, err)
	}
	s.say(ctx, "Saving changes...")
	m, err := s.bot.store.Update(ctx, s.orig.ID, in)
	if errors.Is(err, store.ErrNotFound) {
		s.say(ctx, notFound(s.orig.ID))
		return sequence.Fail(sequence.Cancelled, err)
	}
	if err != nil {
		logger.Error(ctx, "updating moment failed", slog.String("id", s.orig.ID), slog.Any("err", err))
		s.say(ctx, "Failed to save changes. Please try again later.")
		s.review(ctx, d)
		return sequence.Fail(sequence.Transient, err)
	}
	logger.Info(ctx, "moment updated", slog.String("id", m.ID))
	s.bot.reply(ctx, s.chatID, "Moment updated successfully.\n\n"+s.bot.formatMomentDetails(m), actionsKeyboard(m.ID))
	return nil
}
