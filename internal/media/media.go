// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package media stores uploaded images.
package media

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/google/uuid"

	"go.itsfan.me/site/internal/atomicio"
)

// AllowedExtensions are the image file extensions accepted by [Dir.Put].
var AllowedExtensions = []string{".jpg", ".jpeg", ".png", ".webp"}

// ErrExtension is returned for files with an extension not in
// AllowedExtensions.
var ErrExtension = errors.New("invalid image extension")

// Upload is a file to store.
type Upload struct {
	Body []byte
	// Prefix is the directory of the object, like "moments".
	Prefix string
	// Extension includes the dot, like ".jpg".
	Extension string
	// FilenameHint, if set, starts the object name.
	FilenameHint string
}

// Images stores uploads and returns their public URLs.
type Images interface {
	Put(ctx context.Context, u Upload) (url string, err error)
}

// ContentType returns the MIME type of an image extension.
func ContentType(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	}
	return "application/octet-stream"
}

// Dir keeps images on local disk.
type Dir struct {
	// Root is the directory images are written to.
	Root string
	// BaseURL is the public URL Root is served at, like
	// "https://itsfan.me/media".
	BaseURL string
}

var _ Images = (*Dir)(nil)

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// Key returns the object key of u: "<prefix>/<hint>-<random><ext>". The hint
// defaults to the SHA-1 of the body.
func Key(u Upload) string {
	base := strings.ToLower(unsafeChars.ReplaceAllString(u.FilenameHint, ""))
	if base == "" {
		sum := sha1.Sum(u.Body)
		base = hex.EncodeToString(sum[:])
	}
	ext := strings.ToLower(u.Extension)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	name := base + "-" + uuid.NewString() + ext
	if prefix := strings.Trim(u.Prefix, "/"); prefix != "" {
		return prefix + "/" + name
	}
	return name
}

// Put writes u under Root and returns its URL.
func (d *Dir) Put(ctx context.Context, u Upload) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !slices.Contains(AllowedExtensions, strings.ToLower(u.Extension)) {
		return "", fmt.Errorf("%w: %q", ErrExtension, u.Extension)
	}
	key := Key(u)
	if err := atomicio.WriteFile(filepath.Join(d.Root, filepath.FromSlash(key)), u.Body, 0o644); err != nil {
		return "", fmt.Errorf("media: storing %s: %w", key, err)
	}
	return strings.TrimSuffix(d.BaseURL, "/") + "/" + key, nil
}

// Handler serves stored images. Directory listings are not served.
func (d *Dir) Handler() http.Handler {
	fsys := os.DirFS(d.Root)
	files := http.FileServerFS(fsys)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
		fi, err := fs.Stat(fsys, name)
		if err != nil || fi.IsDir() {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		files.ServeHTTP(w, r)
	})
}
