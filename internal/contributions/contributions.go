// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package contributions fetches the GitHub contribution calendar of a user.
package contributions

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.itsfan.me/site/internal/logger"
	"go.itsfan.me/site/internal/request"
	"go.itsfan.me/site/internal/syncx"
	"go.itsfan.me/site/internal/web"
)

const (
	// DefaultEndpoint is the GitHub GraphQL API.
	DefaultEndpoint = "https://api.github.com/graphql"
	// CacheTTL is how long a calendar is served from memory.
	CacheTTL = 30 * time.Minute

	// maxCached bounds the number of cached calendars.
	maxCached = 1000

	cacheControl = "public, max-age=1800, s-maxage=1800, stale-while-revalidate=3600"
)

const query = `query($username: String!) {
  user(login: $username) {
    contributionsCollection {
      contributionCalendar {
        totalContributions
        weeks {
          contributionDays {
            date
            contributionCount
            color
          }
        }
      }
    }
  }
}`

// Activity is one day of the calendar.
type Activity struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
	// Level is the intensity bucket from 0 to 4.
	Level int `json:"level"`
}

// Level maps a contribution count to its intensity bucket.
func Level(count int) int {
	switch {
	case count >= 15:
		return 4
	case count >= 10:
		return 3
	case count >= 5:
		return 2
	case count > 0:
		return 1
	}
	return 0
}

// Error is a failure with a message meant for API clients.
type Error struct {
	Status  int
	Message string
	// ResetTime is when the rate limit resets, if known.
	ResetTime time.Time
}

func (e *Error) Error() string { return e.Message }

var (
	errNoUsername = &Error{Status: http.StatusBadRequest, Message: "Username is required"}
	errNoToken    = &Error{Status: http.StatusInternalServerError, Message: "GitHub token not configured"}
)

func userNotFound(username string) error {
	return &Error{Status: http.StatusNotFound, Message: fmt.Sprintf("GitHub user '%s' not found", username)}
}

// Client fetches calendars and caches them for [CacheTTL].
type Client struct {
	Token string
	// Endpoint overrides DefaultEndpoint.
	Endpoint   string
	HTTPClient *http.Client

	now   func() time.Time // for tests
	cache syncx.Protected[map[string]cached]
}

type cached struct {
	at   time.Time
	days []Activity
}

func (c *Client) timeNow() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphqlResponse struct {
	Data struct {
		User *struct {
			ContributionsCollection struct {
				ContributionCalendar struct {
					TotalContributions int `json:"totalContributions"`
					Weeks              []struct {
						ContributionDays []struct {
							Date              string `json:"date"`
							ContributionCount int    `json:"contributionCount"`
							Color             string `json:"color"`
						} `json:"contributionDays"`
					} `json:"weeks"`
				} `json:"contributionCalendar"`
			} `json:"contributionsCollection"`
		} `json:"user"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"errors"`
}

// Calendar returns the contributions of username during the last twelve
// months, oldest first.
func (c *Client) Calendar(ctx context.Context, username string) ([]Activity, error) {
	if username == "" {
		return nil, errNoUsername
	}
	if c.Token == "" {
		return nil, errNoToken
	}

	now := c.timeNow()
	key := strings.ToLower(username)
	var (
		hit bool
		res []Activity
	)
	c.cache.RAccess(func(m map[string]cached) {
		if e, ok := m[key]; ok && now.Sub(e.at) < CacheTTL {
			hit, res = true, e.days
		}
	})
	if hit {
		return res, nil
	}

	days, err := c.fetch(ctx, username, now)
	if err != nil {
		return nil, err
	}
	c.cache.Access(func(m *map[string]cached) {
		if *m == nil {
			*m = make(map[string]cached)
		}
		maps.DeleteFunc(*m, func(_ string, e cached) bool { return now.Sub(e.at) >= CacheTTL })
		if len(*m) >= maxCached {
			*m = make(map[string]cached)
		}
		(*m)[key] = cached{at: now, days: days}
	})
	return days, nil
}

func (c *Client) fetch(ctx context.Context, username string, now time.Time) ([]Activity, error) {
	resp, err := request.Make[graphqlResponse](ctx, request.Params{
		Method: http.MethodPost,
		URL:    cmp.Or(c.Endpoint, DefaultEndpoint),
		Headers: map[string]string{
			"Authorization": "Bearer " + c.Token,
		},
		Body: graphqlRequest{
			Query:     query,
			Variables: map[string]any{"username": username},
		},
		HTTPClient: c.HTTPClient,
		Scrubber:   strings.NewReplacer(c.Token, "[EXPUNGED]"),
	})
	if err != nil {
		return nil, statusError(err, username)
	}

	if len(resp.Errors) > 0 {
		msg := cmp.Or(resp.Errors[0].Message, "Unknown GraphQL error")
		if strings.Contains(msg, "Could not resolve to a User") {
			return nil, userNotFound(username)
		}
		return nil, fmt.Errorf("GitHub GraphQL error: %s", msg)
	}
	if resp.Data.User == nil {
		return nil, userNotFound(username)
	}

	cutoff := now.AddDate(-1, 0, 0)
	days := []Activity{}
	for _, week := range resp.Data.User.ContributionsCollection.ContributionCalendar.Weeks {
		for _, day := range week.ContributionDays {
			date, err := time.Parse(time.DateOnly, day.Date)
			if err != nil {
				return nil, fmt.Errorf("GitHub returned a bad date %q: %w", day.Date, err)
			}
			if date.Before(cutoff) {
				continue
			}
			days = append(days, Activity{
				Date:  day.Date,
				Count: day.ContributionCount,
				Level: Level(day.ContributionCount),
			})
		}
	}
	return days, nil
}

func statusError(err error, username string) error {
	var se *request.StatusError
	if !errors.As(err, &se) {
		return err
	}
	switch se.StatusCode {
	case http.StatusUnauthorized:
		return &Error{Status: http.StatusUnauthorized, Message: "GitHub token is invalid or expired"}
	case http.StatusForbidden:
		if se.Header.Get("X-Ratelimit-Remaining") == "0" {
			e := &Error{Status: http.StatusTooManyRequests, Message: "GitHub API rate limit exceeded"}
			if reset, err := strconv.ParseInt(se.Header.Get("X-Ratelimit-Reset"), 10, 64); err == nil {
				e.ResetTime = time.Unix(reset, 0).UTC()
			}
			return e
		}
		return &Error{Status: http.StatusForbidden, Message: "GitHub API access forbidden - check token permissions"}
	case http.StatusNotFound:
		return userNotFound(username)
	}
	return fmt.Errorf("GitHub API error: %d - %s", se.StatusCode, se.Body)
}

type errorResponse struct {
	Error     string `json:"error"`
	ResetTime string `json:"resetTime,omitempty"`
}

// ServeHTTP handles GET /api/github/contributions?username=.
func (c *Client) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	days, err := c.Calendar(r.Context(), r.URL.Query().Get("username"))
	if err != nil {
		var e *Error
		if !errors.As(err, &e) {
			logger.Error(r.Context(), "fetching contributions failed", slog.Any("err", err))
			web.RespondJSONStatus(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		resp := errorResponse{Error: e.Message}
		if !e.ResetTime.IsZero() {
			resp.ResetTime = e.ResetTime.Format(time.RFC3339)
		}
		web.RespondJSONStatus(w, e.Status, resp)
		return
	}
	w.Header().Set("Cache-Control", cacheControl)
	web.RespondJSON(w, days)
}
