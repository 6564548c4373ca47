package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Reloader tells the collection agent to pick up a freshly written document.
type Reloader interface {
	Reload(ctx context.Context, profile string) error
	Name() string
}

// NoopReloader is used when the agent watches the document itself.
type NoopReloader struct{}

func (NoopReloader) Reload(context.Context, string) error { return nil }
func (NoopReloader) Name() string                         { return "none" }

// SignalReloader sends SIGHUP to the process whose PID is in PIDFile.
type SignalReloader struct {
	PIDFile string
}

func (SignalReloader) Name() string { return "signal" }

func (r SignalReloader) Reload(_ context.Context, _ string) error {
	data, err := os.ReadFile(r.PIDFile)
	if err != nil {
		return fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return fmt.Errorf("invalid pid in %s: %q", r.PIDFile, strings.TrimSpace(string(data)))
	}
	return signalReload(pid)
}

// HTTPReloader POSTs the profile name to the agent's reload endpoint.
type HTTPReloader struct {
	URL    string
	Token  string
	client *http.Client
}

// NewHTTPReloader creates an HTTP reloader with a per-request timeout.
func NewHTTPReloader(url, token string, timeout time.Duration) *HTTPReloader {
	return &HTTPReloader{
		URL:    url,
		Token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

func (*HTTPReloader) Name() string { return "http" }

// Reload performs a single POST to the reload endpoint.
func (r *HTTPReloader) Reload(ctx context.Context, profile string) error {
	body, err := json.Marshal(map[string]string{"profile": profile})
	if err != nil {
		return fmt.Errorf("marshal reload request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("agent returned %d", resp.StatusCode)
}
