// Package client is a typed HTTP client for the pdfsnap API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cy0x6789/LandingPDFSnap/internal/files"
	"github.com/cy0x6789/LandingPDFSnap/internal/job"
)

// ErrNotFound is returned when the server does not know the job.
var ErrNotFound = errors.New("job not found")

// APIError carries a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Health is the server's health report.
type Health struct {
	Status         string `json:"status"`
	ActiveJobs     int    `json:"activeJobs"`
	PollIntervalMs int64  `json:"pollIntervalMs"`
}

func (h Health) PollInterval() time.Duration {
	return time.Duration(h.PollIntervalMs) * time.Millisecond
}

type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for the server at baseURL. hc may be nil.
func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// Submit creates a job.
func (c *Client) Submit(ctx context.Context, req job.CreateRequest) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs", req, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Status fetches the current job record.
func (c *Client) Status(ctx context.Context, id string) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Cancel asks the server to cancel a job. It returns false when the job had
// already finished.
func (c *Client) Cancel(ctx context.Context, id string) (bool, error) {
	var out struct {
		Cancelled bool `json:"cancelled"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(id)+"/cancel", nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return out.Cancelled, nil
}

// Files lists the PDFs generated by a job.
func (c *Client) Files(ctx context.Context, id string) ([]files.Entry, error) {
	var out struct {
		Files []files.Entry `json:"files"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id)+"/files", nil, &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/api/v1/health", nil, &h)
	return h, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
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
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && strings.HasPrefix(path, "/api/v1/jobs/") {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			apiErr.Message = e.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		// Cancel reports {"cancelled": false} alongside 409.
		if resp.StatusCode == http.StatusConflict && out != nil {
			json.Unmarshal(raw, out) //nolint:errcheck
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
