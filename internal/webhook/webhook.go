// Package webhook posts a job's final status to its callback URL.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cy0x6789/LandingPDFSnap/internal/job"
)

const requestTimeout = 30 * time.Second

// Payload is the body POSTed to a callback URL.
type Payload struct {
	JobID        string          `json:"jobId"`
	Status       job.Status      `json:"status"`
	OutputPath   string          `json:"outputPath"`
	URLStatuses  []job.URLStatus `json:"urlStatuses"`
	SuccessCount int             `json:"successCount"`
	FailCount    int             `json:"failCount"`
	Error        string          `json:"error,omitempty"`
}

// Notifier delivers completion callbacks. Delivery is attempted once.
type Notifier struct {
	client *http.Client
	// AllowPrivate disables the loopback/private address check. Tests only.
	AllowPrivate bool
}

func New() *Notifier {
	return &Notifier{client: &http.Client{Timeout: requestTimeout}}
}

// Notify sends j's final state in the background. It is a no-op when the job
// has no callback URL. ctx should outlive the job (context.WithoutCancel) so
// cancelling the job does not abort its own notification.
func (n *Notifier) Notify(ctx context.Context, j *job.Job) {
	if n == nil || j.CallbackURL == "" {
		return
	}
	go func() {
		if err := n.Deliver(ctx, j); err != nil {
			slog.Warn("webhook delivery failed", "job_id", j.ID, "url", j.CallbackURL, "error", err)
		}
	}()
}

// Deliver posts j to its callback URL and waits for the response.
func (n *Notifier) Deliver(ctx context.Context, j *job.Job) error {
	if !n.AllowPrivate {
		if err := validateURL(j.CallbackURL); err != nil {
			return fmt.Errorf("rejected callback URL: %w", err)
		}
	}

	body, err := json.Marshal(Payload{
		JobID:        j.ID,
		Status:       j.Status,
		OutputPath:   j.OutputPath,
		URLStatuses:  j.URLStatuses,
		SuccessCount: j.SuccessCount,
		FailCount:    j.FailCount,
		Error:        j.Error,
	})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return post(ctx, n.client, j.CallbackURL, body)
}

// validateURL blocks non-HTTP schemes and private/internal IP ranges.
func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	host := u.Hostname()
	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("DNS lookup failed: %w", err)
	}

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP blocked: %s", ipStr)
		}
	}

	return nil
}

func post(ctx context.Context, client *http.Client, callbackURL string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
