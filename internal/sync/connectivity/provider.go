package connectivity

import (
	"context"
	"net/http"
	"time"
)

// HTTPProvider probes a health endpoint to decide reachability. Any HTTP
// response counts as online; only transport failures count as offline,
// since a 5xx still proves the network path works.
type HTTPProvider struct {
	url    string
	client *http.Client
}

// NewHTTPProvider creates a provider probing healthURL.
func NewHTTPProvider(healthURL string) *HTTPProvider {
	return &HTTPProvider{
		url: healthURL,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Check performs one probe.
func (p *HTTPProvider) Check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// StaticProvider always reports a fixed state. Useful for one-shot CLI
// invocations and tests.
type StaticProvider bool

// Check returns the fixed state.
func (p StaticProvider) Check(ctx context.Context) bool {
	return bool(p)
}
