// internal/common/http/client.go
package http

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// Response is the part of an HTTP response the callers keep.
type Response struct {
	StatusCode int
	Snippet    string
}

// Client is a thin wrapper that enforces a per-call deadline and reads at
// most snippetLimit bytes of the response body.
type Client struct {
	httpClient   *http.Client
	snippetLimit int64
}

func NewClient(timeout time.Duration, snippetLimit int64) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		snippetLimit: snippetLimit,
	}
}

// NewClientWith wraps an existing *http.Client, used by tests with httptest.
func NewClientWith(c *http.Client, snippetLimit int64) *Client {
	return &Client{httpClient: c, snippetLimit: snippetLimit}
}

// Post sends body to url. timeout bounds the whole call including reading
// the snippet; zero keeps only the client-level timeout.
func (c *Client) Post(ctx context.Context, url string, headers map[string]string, body []byte, timeout time.Duration) (*Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, c.snippetLimit))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return &Response{StatusCode: resp.StatusCode, Snippet: string(snippet)}, nil
}
