// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package moments defines moments, short posts with optional images and tags,
// and the rules their inputs are validated against.
package moments

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"github.com/google/uuid"

	"go.itsfan.me/site/internal/syncx"
)

// Limits on moment contents.
const (
	MaxContentLength = 500
	MaxImages        = 9
	MaxTags          = 5
	MaxTagLength     = 20
)

// Query defaults and bounds.
const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// ImageMeta describes an image attached to a moment.
type ImageMeta struct {
	URL         string `json:"url" validate:"required,url"`
	Width       int    `json:"width" validate:"gt=0"`
	Height      int    `json:"height" validate:"gt=0"`
	BlurDataURL string `json:"blurDataURL,omitempty"`
}

// Moment is a short post.
type Moment struct {
	ID        string      `json:"id"`
	Content   string      `json:"content"`
	Images    []ImageMeta `json:"images"`
	Tags      []string    `json:"tags"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// HasTag reports whether m is tagged with tag exactly.
func (m Moment) HasTag(tag string) bool { return slices.Contains(m.Tags, tag) }

// CreateInput holds the fields of a new moment.
type CreateInput struct {
	Content string      `json:"content" validate:"notblank,max=500"`
	Images  []ImageMeta `json:"images,omitempty" validate:"max=9,dive"`
	Tags    []string    `json:"tags,omitempty" validate:"max=5,dive,min=1,max=20"`
}

// UpdateInput holds the fields to change in an existing moment. Nil fields are
// left unchanged, a non-nil empty slice clears the field.
type UpdateInput struct {
	Content *string      `json:"content,omitempty" validate:"omitnil,notblank,max=500"`
	Images  *[]ImageMeta `json:"images,omitempty" validate:"omitnil,max=9,dive"`
	Tags    *[]string    `json:"tags,omitempty" validate:"omitnil,max=5,dive,min=1,max=20"`
}

// IsZero reports whether in changes nothing.
func (in UpdateInput) IsZero() bool {
	return in.Content == nil && in.Images == nil && in.Tags == nil
}

// Query selects a page of moments, newest first.
type Query struct {
	Limit  int    `json:"limit" validate:"min=1,max=100"`
	Offset int    `json:"offset" validate:"min=0"`
	Tag    string `json:"tag,omitempty"`
}

// ErrInvalid is wrapped by every [ValidationError].
var ErrInvalid = errors.New("invalid input")

// Issue is a single validation problem.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists the problems found in an input.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return ErrInvalid.Error()
	}
	return e.Issues[0].Message
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

var lazyValidate syncx.Lazy[*validator.Validate]

func validate() *validator.Validate { return lazyValidate.Get(newValidate) }

func newValidate() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks one of [CreateInput], [UpdateInput] or [Query] and returns
// a [*ValidationError] describing every problem found.
func Validate(v any) error {
	err := validate().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	ve := &ValidationError{}
	for _, fe := range verrs {
		ve.Issues = append(ve.Issues, Issue{Field: fieldPath(fe), Message: describe(fe)})
	}
	return ve
}

// fieldPath strips the struct name from a namespace like
// "CreateInput.images[0].url".
func fieldPath(fe validator.FieldError) string {
	_, path, ok := strings.Cut(fe.Namespace(), ".")
	if !ok {
		return fe.Field()
	}
	return path
}

func describe(fe validator.FieldError) string {
	field := fieldPath(fe)
	switch {
	case field == "content" && fe.Tag() == "notblank":
		return "Content cannot be empty"
	case field == "content" && fe.Tag() == "max":
		return fmt.Sprintf("Content cannot exceed %d characters", MaxContentLength)
	case field == "images" && fe.Tag() == "max":
		return fmt.Sprintf("Maximum %d images allowed", MaxImages)
	case field == "tags" && fe.Tag() == "max":
		return fmt.Sprintf("Maximum %d tags allowed", MaxTags)
	case strings.HasPrefix(field, "tags[") && fe.Tag() == "min":
		return "Tag cannot be empty"
	case strings.HasPrefix(field, "tags[") && fe.Tag() == "max":
		return fmt.Sprintf("Tag cannot exceed %d characters", MaxTagLength)
	case fe.Tag() == "url" || strings.HasSuffix(field, ".url"):
		return "Image URL must be valid"
	case fe.Tag() == "gt":
		return fmt.Sprintf("%s must be positive", field)
	case fe.Tag() == "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case fe.Tag() == "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	}
	return fmt.Sprintf("%s is invalid", field)
}

// ParseQuery reads limit, offset and tag from URL query values, applying
// defaults for absent values.
func ParseQuery(v url.Values) (Query, error) {
	q := Query{Limit: DefaultLimit, Tag: v.Get("tag")}
	ve := &ValidationError{}
	for _, p := range []struct {
		name string
		dst  *int
	}{
		{"limit", &q.Limit},
		{"offset", &q.Offset},
	} {
		if !v.Has(p.name) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v.Get(p.name)))
		if err != nil {
			ve.Issues = append(ve.Issues, Issue{Field: p.name, Message: fmt.Sprintf("%s must be an integer", p.name)})
			continue
		}
		*p.dst = n
	}
	if len(ve.Issues) > 0 {
		return Query{}, ve
	}
	if err := Validate(q); err != nil {
		return Query{}, err
	}
	return q, nil
}

// ParseTags splits whitespace-separated text into tags. Tokens longer than
// MaxTagLength characters and duplicates are dropped, and at most MaxTags
// tags are returned.
func ParseTags(text string) []string {
	var tags []string
	for _, tok := range strings.Fields(text) {
		if utf8.RuneCountInString(tok) > MaxTagLength || slices.Contains(tags, tok) {
			continue
		}
		tags = append(tags, tok)
		if len(tags) == MaxTags {
			break
		}
	}
	return tags
}

// NewID returns a new, time-ordered moment ID.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// New builds a moment from validated input. Content is trimmed, timestamps
// are kept in UTC with microsecond precision.
func New(in CreateInput, now time.Time) Moment {
	now = timestamp(now)
	return Moment{
		ID:        NewID(),
		Content:   strings.TrimSpace(in.Content),
		Images:    nilIfEmpty(in.Images),
		Tags:      nilIfEmpty(in.Tags),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Apply changes m according to validated input.
func Apply(m *Moment, in UpdateInput, now time.Time) {
	if in.Content != nil {
		m.Content = strings.TrimSpace(*in.Content)
	}
	if in.Images != nil {
		m.Images = nilIfEmpty(*in.Images)
	}
	if in.Tags != nil {
		m.Tags = nilIfEmpty(*in.Tags)
	}
	m.UpdatedAt = timestamp(now)
}

func timestamp(t time.Time) time.Time { return t.UTC().Truncate(time.Microsecond) }

func nilIfEmpty[S ~[]E, E any](s S) S {
	if len(s) == 0 {
		return nil
	}
	return slices.Clone(s)
}
