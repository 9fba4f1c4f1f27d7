// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package momentsapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.itsfan.me/site/internal/moments"
	"go.itsfan.me/site/internal/pager"
	"go.itsfan.me/site/internal/request"
)

// Client talks to the moments API of a site.
type Client struct {
	// BaseURL is the site root, like "https://itsfan.me".
	BaseURL string
	// APIKey is sent as a bearer token on writes.
	APIKey string
	// Tag, if set, restricts listings to moments with this tag.
	Tag string
	// HTTPClient overrides request.DefaultClient.
	HTTPClient *http.Client
}

var _ pager.Source[moments.Moment] = (*Client)(nil)

// List returns the page of moments selected by q.
func (c *Client) List(ctx context.Context, q moments.Query) (ListResponse, error) {
	v := url.Values{}
	v.Set("limit", strconv.Itoa(q.Limit))
	v.Set("offset", strconv.Itoa(q.Offset))
	if q.Tag != "" {
		v.Set("tag", q.Tag)
	}
	return request.Make[ListResponse](ctx, c.params(http.MethodGet, "/api/moments?"+v.Encode(), nil))
}

// Page implements [pager.Source].
func (c *Client) Page(ctx context.Context, offset, limit int) (pager.Page[moments.Moment], error) {
	resp, err := c.List(ctx, moments.Query{Limit: limit, Offset: offset, Tag: c.Tag})
	if err != nil {
		return pager.Page[moments.Moment]{}, err
	}
	return pager.Page[moments.Moment]{Items: resp.Data, Total: resp.Total}, nil
}

// Get returns the moment with the given ID.
func (c *Client) Get(ctx context.Context, id string) (moments.Moment, error) {
	resp, err := request.Make[MomentResponse](ctx, c.params(http.MethodGet, "/api/moments/"+url.PathEscape(id), nil))
	return resp.Data, err
}

// Create publishes a new moment.
func (c *Client) Create(ctx context.Context, in moments.CreateInput) (moments.Moment, error) {
	p := c.params(http.MethodPost, "/api/moments", in)
	p.WantStatusCode = http.StatusCreated
	resp, err := request.Make[MomentResponse](ctx, p)
	return resp.Data, err
}

// Update changes an existing moment.
func (c *Client) Update(ctx context.Context, id string, in moments.UpdateInput) (moments.Moment, error) {
	resp, err := request.Make[MomentResponse](ctx, c.params(http.MethodPut, "/api/moments/"+url.PathEscape(id), in))
	return resp.Data, err
}

// Delete removes a moment.
func (c *Client) Delete(ctx context.Context, id string) error {
	_, err := request.Make[request.IgnoreResponse](ctx, c.params(http.MethodDelete, "/api/moments/"+url.PathEscape(id), nil))
	return err
}

func (c *Client) params(method, path string, body any) request.Params {
	p := request.Params{
		Method:     method,
		URL:        strings.TrimSuffix(c.BaseURL, "/") + path,
		Body:       body,
		HTTPClient: c.HTTPClient,
	}
	if c.APIKey != "" {
		p.Headers = map[string]string{"Authorization": "Bearer " + c.APIKey}
		p.Scrubber = strings.NewReplacer(c.APIKey, "[EXPUNGED]")
	}
	return p
}

// ErrorMessage extracts the human-readable message from an API error
// response wrapped in err. It returns err.Error() for other errors.
func ErrorMessage(err error) string {
	var se *request.StatusError
	if errors.As(err, &se) {
		var body ErrorResponse
		if json.Unmarshal(se.Body, &body) == nil && body.Error != "" {
			if body.Message != "" {
				return body.Error + ": " + body.Message
			}
			return body.Error
		}
	}
	return err.Error()
}
