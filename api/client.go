// Package api is the HTTP client for the raibid query API, used by the CLI
// and other tooling.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/buildkite/roko"
)

const defaultUserAgent = "raibid-client"

// Config is configuration for the API Client.
type Config struct {
	// Endpoint of the raibid server, e.g. "http://127.0.0.1:8080".
	Endpoint string

	// UserAgent sent with every request.
	UserAgent string

	// The http client used, leave nil for the default.
	HTTPClient *http.Client

	// Retries for idempotent requests, default 3.
	Retries int
}

// A Client manages communication with the raibid query API.
type Client struct {
	conf   Config
	client *http.Client
}

func NewClient(conf Config) *Client {
	if conf.UserAgent == "" {
		conf.UserAgent = defaultUserAgent
	}
	if conf.HTTPClient == nil {
		conf.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if conf.Retries <= 0 {
		conf.Retries = 3
	}
	return &Client{conf: conf, client: conf.HTTPClient}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	buf := new(bytes.Buffer)
	if body != nil {
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, joinURLPath(c.conf.Endpoint, path), buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.conf.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// doRequest builds and sends one request per attempt and JSON-decodes the
// response into v. GETs are retried on transport errors and 5xx; mutating
// requests are sent once.
func (c *Client) doRequest(ctx context.Context, method, path string, body, v any) error {
	attempts := 1
	if method == http.MethodGet {
		attempts = c.conf.Retries
	}

	r := roko.NewRetrier(
		roko.WithMaxAttempts(attempts),
		roko.WithStrategy(roko.Exponential(500*time.Millisecond, 0)),
	)
	return r.DoWithContext(ctx, func(rr *roko.Retrier) error {
		req, err := c.newRequest(ctx, method, path, body)
		if err != nil {
			rr.Break()
			return err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		defer io.Copy(io.Discard, resp.Body)

		if err := checkResponse(resp); err != nil {
			if resp.StatusCode < 500 {
				rr.Break()
			}
			return err
		}
		if v == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			rr.Break()
			return fmt.Errorf("decoding response: %w", err)
		}
		return nil
	})
}

// ErrorResponse is a non-2xx API reply.
type ErrorResponse struct {
	Response *http.Response
	Message  string `json:"error"`
}

func (r *ErrorResponse) Error() string {
	s := fmt.Sprintf("%v %v: %s",
		r.Response.Request.Method, r.Response.Request.URL, r.Response.Status)
	if r.Message != "" {
		s = fmt.Sprintf("%s: %v", s, r.Message)
	}
	return s
}

// IsErrHavingStatus reports whether err is an API error with the given code.
func IsErrHavingStatus(err error, code int) bool {
	var apierr *ErrorResponse
	return errors.As(err, &apierr) && apierr.Response.StatusCode == code
}

func checkResponse(r *http.Response) error {
	if c := r.StatusCode; 200 <= c && c <= 299 {
		return nil
	}
	errorResponse := &ErrorResponse{Response: r}
	if data, err := io.ReadAll(r.Body); err == nil && data != nil {
		_ = json.Unmarshal(data, errorResponse)
	}
	return errorResponse
}

func joinURLPath(endpoint, path string) string {
	return strings.TrimRight(endpoint, "/") + "/" + strings.TrimLeft(path, "/")
}
