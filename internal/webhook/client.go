package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/schaermu/diffsyncd/internal/delivery"
)

// Client sends signed requests to a running daemon.
type Client struct {
	BaseURL string
	Secret  []byte
	HTTP    *http.Client
}

// NewClient returns a client for the daemon listening on addr, which may
// be a bare host:port.
func NewClient(addr string, secret []byte) *Client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		BaseURL: strings.TrimSuffix(base, "/"),
		Secret:  secret,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Abort asks the daemon to abort all uploads.
func (c *Client) Abort(ctx context.Context) (int, error) {
	var out AbortResponse
	if err := c.do(ctx, http.MethodPost, "/abort", nil, &out); err != nil {
		return 0, err
	}
	return out.Aborted, nil
}

// Upload submits an upload to the daemon.
func (c *Client) Upload(ctx context.Context, req UploadRequest) (*UploadResponse, error) {
	var out UploadResponse
	if err := c.do(ctx, http.MethodPost, "/upload", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Jobs lists the daemon's running uploads.
func (c *Client) Jobs(ctx context.Context) ([]delivery.JobStatus, error) {
	var out []delivery.JobStatus
	if err := c.do(ctx, http.MethodGet, "/jobs", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(SignatureHeader, Sign(c.Secret, body))

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("daemon returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
