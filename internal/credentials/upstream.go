package credentials

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SDPUpstream answers a WebRTC offer on behalf of the AI backend.
type SDPUpstream interface {
	Exchange(ctx context.Context, offer, model string) (string, error)
}

// HTTPUpstream posts raw SDP to the realtime endpoint with the server-side key.
type HTTPUpstream struct {
	URL    string
	APIKey string
	Client *http.Client
}

// NewHTTPUpstream creates an upstream for endpoint.
func NewHTTPUpstream(endpoint, apiKey string) *HTTPUpstream {
	return &HTTPUpstream{URL: endpoint, APIKey: apiKey, Client: &http.Client{Timeout: 20 * time.Second}}
}

func (u *HTTPUpstream) Exchange(ctx context.Context, offer, model string) (string, error) {
	target, err := url.Parse(u.URL)
	if err != nil {
		return "", fmt.Errorf("parse upstream url: %w", err)
	}
	if model != "" {
		q := target.Query()
		q.Set("model", model)
		target.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), strings.NewReader(offer))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/sdp")
	if u.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+u.APIKey)
	}
	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upstream: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read answer: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	if len(body) == 0 {
		return "", fmt.Errorf("upstream returned an empty answer")
	}
	return string(body), nil
}
