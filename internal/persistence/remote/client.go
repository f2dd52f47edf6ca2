// Package remote talks to the companion backend that keeps the canonical
// copy of the environment metrics and the user records.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"ecocity.ai/internal/sim/environment"
	"ecocity.ai/internal/sim/players"
)

type Config struct {
	// BaseURL is the API root, e.g. http://localhost:3000/api.
	BaseURL     string
	Token       string
	HTTPTimeout time.Duration
	Attempts    int
	Logger      *log.Logger
}

type Client struct {
	cfg        Config
	httpClient *http.Client
}

type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status=%d body=%s", e.Method, e.Path, e.Code, e.Body)
}

func New(cfg Config) (*Client, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("empty remote base url")
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
	}, nil
}

func (c *Client) BaseURL() string { return c.cfg.BaseURL }

// FetchMetrics reads the stored document. An empty or null body means the
// backend has no metrics yet.
func (c *Client) FetchMetrics(ctx context.Context) (environment.Partial, bool, error) {
	body, err := c.do(ctx, http.MethodGet, "/environment/", nil)
	if err != nil {
		return environment.Partial{}, false, err
	}
	return decodeDocument(body)
}

// PushMetrics upserts the full metrics and returns the backend's document.
func (c *Client) PushMetrics(ctx context.Context, m environment.Metrics) (environment.Partial, error) {
	body, err := c.do(ctx, http.MethodPost, "/environment/metrics", m)
	if err != nil {
		return environment.Partial{}, err
	}
	p, _, err := decodeDocument(body)
	return p, err
}

// DeleteMetrics removes the stored document and returns what was deleted.
func (c *Client) DeleteMetrics(ctx context.Context) (environment.Partial, bool, error) {
	body, err := c.do(ctx, http.MethodDelete, "/environment/metrics", nil)
	if err != nil {
		return environment.Partial{}, false, err
	}
	return decodeDocument(body)
}

func (c *Client) UpsertUser(ctx context.Context, p players.Player) error {
	_, err := c.do(ctx, http.MethodPost, "/users", p)
	return err
}

func decodeDocument(body []byte) (environment.Partial, bool, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return environment.Partial{}, false, nil
	}
	p, err := environment.ParsePartial(trimmed)
	if err != nil {
		return environment.Partial{}, false, err
	}
	return p, true, nil
}

func (c *Client) do(ctx context.Context, method, path string, in any) ([]byte, error) {
	var buf []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		buf = b
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(100*(1<<(attempt-1))) * time.Millisecond):
			}
		}
		body, retry, err := c.once(ctx, method, path, buf)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retry {
			break
		}
		c.printf("remote: %s %s attempt %d: %v", method, path, attempt+1, err)
	}
	return nil, lastErr
}

func (c *Client) once(ctx context.Context, method, path string, buf []byte) ([]byte, bool, error) {
	var rd io.Reader
	if buf != nil {
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rd)
	if err != nil {
		return nil, false, err
	}
	if buf != nil {
		req.Header.Set("content-type", "application/json")
	}
	req.Header.Set("accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, true, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		serr := &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		return nil, resp.StatusCode >= 500, serr
	}
	return body, false, nil
}

func (c *Client) printf(format string, args ...any) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Printf(format, args...)
	}
}
