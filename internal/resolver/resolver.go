// Package resolver calls the content-resolution API that expands a channel
// URL into its recent videos.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"horse.fit/pulse/internal/failure"
)

const (
	defaultTimeout   = 15 * time.Second
	maxResponseBytes = 4 * 1024 * 1024
)

// Item is one resolved video.
type Item struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	URL         string         `json:"url"`
	PublishedAt *time.Time     `json:"published_at"`
	Duration    int            `json:"duration"`
	Metadata    map[string]any `json:"metadata"`
}

// TranscriptURL returns metadata.transcript_url when present.
func (i Item) TranscriptURL() string {
	if v, ok := i.Metadata["transcript_url"].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

type resolveResponse struct {
	Items []Item `json:"items"`
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: client,
	}
}

// Configured reports whether a base URL was provided.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// Resolve lists the items behind a channel URL.
func (c *Client) Resolve(ctx context.Context, channelURL string) ([]Item, error) {
	if !c.Configured() {
		return nil, failure.Permanentf("resolve %s: resolver base url is not configured", channelURL)
	}

	endpoint := c.baseURL + "/v1/resolve?url=" + url.QueryEscape(channelURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, failure.Permanent(fmt.Errorf("build resolve request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, failure.FromNetwork(fmt.Errorf("resolve %s: %w", channelURL, err))
	}
	defer resp.Body.Close()

	if err := failure.FromStatus(resp.StatusCode, endpoint); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, failure.FromNetwork(fmt.Errorf("read resolve response: %w", err))
	}

	var parsed resolveResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, failure.Permanent(fmt.Errorf("decode resolve response: %w", err))
	}

	items := make([]Item, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		item.ID = strings.TrimSpace(item.ID)
		item.URL = strings.TrimSpace(item.URL)
		if item.ID == "" && item.URL == "" {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}
