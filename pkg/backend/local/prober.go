package local

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// ProbeResult is one HTTP health observation.
type ProbeResult struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Prober performs HTTP health checks against a container's port. Any
// status in [200, 399] counts as healthy.
type Prober struct {
	client *http.Client
}

// NewProber creates a prober with the given per-check timeout.
func NewProber(timeout time.Duration) *Prober {
	return &Prober{
		client: &http.Client{Timeout: timeout},
	}
}

// Check performs one probe against the URL.
func (p *Prober) Check(ctx context.Context, url string) ProbeResult {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ProbeResult{
			Message:   fmt.Sprintf("failed to create request: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return ProbeResult{
			Message:   fmt.Sprintf("request failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= 200 && resp.StatusCode <= 399
	message := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if !healthy {
		message = fmt.Sprintf("%s (expected 200-399)", message)
	}
	return ProbeResult{
		Healthy:   healthy,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
