package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
)

// SocketPath is the type we pass the socket path around in, for binding.
type SocketPath string

// Client talks to the admin API over its Unix socket.
type Client struct {
	hc   *http.Client
	base string
}

// NewClient creates a client for the admin API listening at socketPath.
func NewClient(socketPath SocketPath) *Client {
	return &Client{hc: &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", string(socketPath))
			},
		},
	}, base: "http://unix"}
}

// NewClientWithHTTP calls the admin API at baseURL with hc, e.g. an httptest
// server.
func NewClientWithHTTP(hc *http.Client, baseURL string) *Client {
	return &Client{hc: hc, base: baseURL}
}

// Do sends body as JSON when it is non-nil. A response with a status other
// than want is returned as an error carrying the response body. On success
// the caller owns the response body.
func (c *Client) Do(ctx context.Context, method, path string, body any, want int) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call admin API: %w", err)
	}
	if resp.StatusCode != want {
		defer resp.Body.Close()
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(bodyBytes))}
	}
	return resp, nil
}

// DoJSON is Do, decoding the response into out.
func (c *Client) DoJSON(ctx context.Context, method, path string, body, out any, want int) error {
	resp, err := c.Do(ctx, method, path, body, want)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// StatusError is an unexpected admin API response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("admin API error (status %d): %s", e.Code, e.Body)
}
