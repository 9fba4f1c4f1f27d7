// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package contributions

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.itsfan.me/site/internal/testutil"
)

const testToken = "ghp_sekrit"

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

const calendarJSON = `{
  "data": {
    "user": {
      "contributionsCollection": {
        "contributionCalendar": {
          "totalContributions": 42,
          "weeks": [
            {"contributionDays": [
              {"date": "2024-02-28", "contributionCount": 3, "color": "#40c463"},
              {"date": "2024-03-01", "contributionCount": 0, "color": "#ebedf0"}
            ]},
            {"contributionDays": [
              {"date": "2024-03-02", "contributionCount": 4, "color": "#9be9a8"},
              {"date": "2025-02-27", "contributionCount": 5, "color": "#40c463"},
              {"date": "2025-02-28", "contributionCount": 12, "color": "#30a14e"},
              {"date": "2025-03-01", "contributionCount": 30, "color": "#216e39"}
            ]}
          ]
        }
      }
    }
  }
}`

type fakeGitHub struct {
	calls   atomic.Int32
	status  int
	header  http.Header
	body    string
	lastReq map[string]any
	auth    string
}

func (f *fakeGitHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	f.auth = r.Header.Get("Authorization")
	json.NewDecoder(r.Body).Decode(&f.lastReq)
	for k, v := range f.header {
		w.Header()[k] = v
	}
	if f.status != 0 {
		w.WriteHeader(f.status)
	}
	w.Write([]byte(f.body))
}

func newTestClient(gh *fakeGitHub) *Client {
	return &Client{
		Token:      testToken,
		HTTPClient: testutil.MockHTTPClient(gh),
		now:        func() time.Time { return testNow },
	}
}

func TestLevel(t *testing.T) {
	t.Parallel()

	for count, want := range map[int]int{0: 0, 1: 1, 4: 1, 5: 2, 9: 2, 10: 3, 14: 3, 15: 4, 100: 4} {
		if got := Level(count); got != want {
			t.Errorf("Level(%d) = %d, want %d", count, got, want)
		}
	}
}

func TestCalendar(t *testing.T) {
	t.Parallel()

	gh := &fakeGitHub{body: calendarJSON}
	c := newTestClient(gh)

	got, err := c.Calendar(t.Context(), "octocat")
	if err != nil {
		t.Fatal(err)
	}
	// Days earlier than twelve months before now are dropped.
	testutil.AssertEqual(t, got, []Activity{
		{Date: "2024-03-02", Count: 4, Level: 1},
		{Date: "2025-02-27", Count: 5, Level: 2},
		{Date: "2025-02-28", Count: 12, Level: 3},
		{Date: "2025-03-01", Count: 30, Level: 4},
	})
	testutil.AssertEqual(t, gh.auth, "Bearer "+testToken)
	testutil.AssertEqual(t, gh.lastReq["variables"], any(map[string]any{"username": "octocat"}))
	testutil.AssertSubstring(t, gh.lastReq["query"].(string), "contributionCalendar")

	// Served from cache, regardless of case.
	if _, err := c.Calendar(t.Context(), "OctoCat"); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, gh.calls.Load(), int32(1))
}

func TestCacheExpires(t *testing.T) {
	t.Parallel()

	gh := &fakeGitHub{body: calendarJSON}
	c := newTestClient(gh)
	now := testNow
	c.now = func() time.Time { return now }

	if _, err := c.Calendar(t.Context(), "octocat"); err != nil {
		t.Fatal(err)
	}
	now = now.Add(CacheTTL)
	if _, err := c.Calendar(t.Context(), "octocat"); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, gh.calls.Load(), int32(2))
}

func TestCacheIsBounded(t *testing.T) {
	t.Parallel()

	c := newTestClient(&fakeGitHub{body: calendarJSON})
	now := testNow
	c.now = func() time.Time { return now }

	size := func() (n int) {
		c.cache.RAccess(func(m map[string]cached) { n = len(m) })
		return n
	}

	for i := range 3 {
		if _, err := c.Calendar(t.Context(), fmt.Sprintf("user%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	testutil.AssertEqual(t, size(), 3)

	// Expired calendars are dropped on the next insert.
	now = now.Add(CacheTTL)
	if _, err := c.Calendar(t.Context(), "fresh"); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, size(), 1)

	for i := range maxCached + 5 {
		if _, err := c.Calendar(t.Context(), fmt.Sprintf("many%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	if n := size(); n > maxCached {
		t.Errorf("cache holds %d calendars, want at most %d", n, maxCached)
	}
}

func TestErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		gh         *fakeGitHub
		token      string
		username   string
		wantStatus int
		wantError  string
		wantReset  string
	}{
		"no username": {
			gh:         &fakeGitHub{},
			wantStatus: http.StatusBadRequest,
			wantError:  "Username is required",
		},
		"no token": {
			gh:         &fakeGitHub{},
			username:   "octocat",
			token:      "-",
			wantStatus: http.StatusInternalServerError,
			wantError:  "GitHub token not configured",
		},
		"bad token": {
			gh:         &fakeGitHub{status: http.StatusUnauthorized, body: `{"message":"Bad credentials"}`},
			username:   "octocat",
			wantStatus: http.StatusUnauthorized,
			wantError:  "GitHub token is invalid or expired",
		},
		"rate limited": {
			gh: &fakeGitHub{
				status: http.StatusForbidden,
				header: http.Header{"X-Ratelimit-Remaining": {"0"}, "X-Ratelimit-Reset": {"1740830400"}},
			},
			username:   "octocat",
			wantStatus: http.StatusTooManyRequests,
			wantError:  "GitHub API rate limit exceeded",
			wantReset:  "2025-03-01T12:00:00Z",
		},
		"forbidden": {
			gh:         &fakeGitHub{status: http.StatusForbidden},
			username:   "octocat",
			wantStatus: http.StatusForbidden,
			wantError:  "GitHub API access forbidden - check token permissions",
		},
		"not found": {
			gh:         &fakeGitHub{status: http.StatusNotFound},
			username:   "ghost",
			wantStatus: http.StatusNotFound,
			wantError:  "GitHub user 'ghost' not found",
		},
		"unresolved user": {
			gh:         &fakeGitHub{body: `{"data":{"user":null},"errors":[{"type":"NOT_FOUND","message":"Could not resolve to a User with the login of 'ghost'."}]}`},
			username:   "ghost",
			wantStatus: http.StatusNotFound,
			wantError:  "GitHub user 'ghost' not found",
		},
		"null user": {
			gh:         &fakeGitHub{body: `{"data":{"user":null}}`},
			username:   "ghost",
			wantStatus: http.StatusNotFound,
			wantError:  "GitHub user 'ghost' not found",
		},
		"graphql error": {
			gh:         &fakeGitHub{body: `{"errors":[{"message":"Something broke"}]}`},
			username:   "octocat",
			wantStatus: http.StatusInternalServerError,
			wantError:  "GitHub GraphQL error: Something broke",
		},
		"server error": {
			gh:         &fakeGitHub{status: http.StatusBadGateway, body: "oops"},
			username:   "octocat",
			wantStatus: http.StatusInternalServerError,
			wantError:  "GitHub API error: 502 - oops",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(tc.gh)
			if tc.token == "-" {
				c.Token = ""
			}
			w := httptest.NewRecorder()
			c.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/github/contributions?username="+tc.username, nil))

			testutil.AssertEqual(t, w.Code, tc.wantStatus)
			resp := testutil.UnmarshalJSON[errorResponse](t, w.Body.Bytes())
			testutil.AssertEqual(t, resp.Error, tc.wantError)
			testutil.AssertEqual(t, resp.ResetTime, tc.wantReset)
			if strings.Contains(w.Body.String(), testToken) {
				t.Errorf("response leaks the token: %s", w.Body)
			}
		})
	}
}

func TestHandler(t *testing.T) {
	t.Parallel()

	c := newTestClient(&fakeGitHub{body: calendarJSON})
	w := httptest.NewRecorder()
	c.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/github/contributions?username=octocat", nil))

	testutil.AssertEqual(t, w.Code, http.StatusOK)
	testutil.AssertEqual(t, w.Header().Get("Cache-Control"), "public, max-age=1800, s-maxage=1800, stale-while-revalidate=3600")
	days := testutil.UnmarshalJSON[[]Activity](t, w.Body.Bytes())
	testutil.AssertEqual(t, len(days), 4)
}
