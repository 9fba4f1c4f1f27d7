// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package version

import (
	"runtime/debug"
	"strings"
	"testing"

	"go.itsfan.me/site/internal/testutil"
)

func TestLoadInfo(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		bi   *debug.BuildInfo
		ok   bool
		want Info
	}{
		"no build info": {
			ok:   false,
			want: Info{Name: "site", Version: "devel"},
		},
		"devel with vcs": {
			bi: &debug.BuildInfo{
				Path: "go.itsfan.me/site/cmd/site",
				Main: debug.Module{Version: "(devel)"},
				Settings: []debug.BuildSetting{
					{Key: "vcs.revision", Value: "abc123"},
					{Key: "vcs.time", Value: "2025-01-02T03:04:05Z"},
					{Key: "vcs.modified", Value: "true"},
				},
			},
			ok: true,
			want: Info{
				Name:    "site",
				Version: "devel",
				Commit:  "abc123",
				BuiltAt: "2025-01-02T03:04:05Z",
				Dirty:   true,
			},
		},
		"tagged": {
			bi: &debug.BuildInfo{
				Path: "go.itsfan.me/site/cmd/moments",
				Main: debug.Module{Version: "v1.2.3"},
			},
			ok:   true,
			want: Info{Name: "moments", Version: "v1.2.3"},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			got := loadInfo(func() (*debug.BuildInfo, bool) { return tc.bi, tc.ok })
			got.Go, got.OS, got.Arch = "", "", ""
			testutil.AssertEqual(t, got, tc.want)
		})
	}
}

func TestUserAgent(t *testing.T) {
	t.Parallel()

	testutil.AssertEqual(t, userAgent(Info{Name: "site", Version: "v1.0.0"}), "site/v1.0.0 (+https://itsfan.me)")
	testutil.AssertEqual(t, userAgent(Info{Name: "site", Version: "devel", Commit: "abc"}), "site/abc (+https://itsfan.me)")
}

func TestInfoString(t *testing.T) {
	t.Parallel()

	s := Info{Name: "site", Version: "devel", Commit: "abc", Dirty: true, Go: "go1.24", OS: "linux", Arch: "amd64"}.String()
	if !strings.Contains(s, "commit abc (dirty)") {
		t.Fatalf("String() = %q, want commit line", s)
	}
	if !strings.HasPrefix(s, "site devel (go1.24, linux/amd64)") {
		t.Fatalf("String() = %q", s)
	}
}
