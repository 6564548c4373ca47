package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vitalis-app/governor/internal/controller"
	"github.com/vitalis-app/governor/internal/models"
)

// Client talks to a running governor's admin API.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client for addr, either a host:port or a full URL.
func NewClient(addr string, timeout time.Duration) *Client {
	base := addr
	if !strings.Contains(base, "://") {
		if strings.HasPrefix(base, ":") {
			base = "127.0.0.1" + base
		}
		base = "http://" + base
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Status fetches GET /v1/status.
func (c *Client) Status(ctx context.Context) (controller.Status, error) {
	var st controller.Status
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &st)
	return st, err
}

// History fetches up to limit transitions.
func (c *Client) History(ctx context.Context, limit int) ([]models.Transition, error) {
	path := "/v1/history"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var out []models.Transition
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Override pins profile.
func (c *Client) Override(ctx context.Context, profile, reason string) (controller.Status, error) {
	var st controller.Status
	err := c.do(ctx, http.MethodPost, "/v1/override", OverrideRequest{Profile: profile, Reason: reason}, &st)
	return st, err
}

// Resume clears an override or thrashing suspension.
func (c *Client) Resume(ctx context.Context) (ResumeResponse, error) {
	var out ResumeResponse
	err := c.do(ctx, http.MethodDelete, "/v1/override", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e errorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("governor returned %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("governor returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
