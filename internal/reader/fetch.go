package reader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"horse.fit/pulse/internal/failure"
)

const (
	DefaultFetchTimeout  = 15 * time.Second
	DefaultBodyByteLimit = 2 * 1024 * 1024

	defaultUserAgent = "Pulse-Fetcher/1.0 (+https://horse.fit/pulse)"
	defaultAccept    = "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8"
)

// FetchOptions controls HTTP behavior for outbound fetches.
type FetchOptions struct {
	Timeout       time.Duration
	BodyByteLimit int64
	UserAgent     string
	HTTPClient    *http.Client
}

// Page is a fetched HTTP resource.
type Page struct {
	URL         string
	FinalURL    string
	ContentType string
	Body        []byte
}

// IsHTML reports whether the response declared an HTML content type.
func (p Page) IsHTML() bool {
	ct := strings.ToLower(p.ContentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

// Fetcher performs bounded GET requests. Every request carries its own
// timeout; errors are classified for the job queue.
type Fetcher struct {
	opts FetchOptions
}

func NewFetcher(opts FetchOptions) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultFetchTimeout
	}
	if opts.BodyByteLimit <= 0 {
		opts.BodyByteLimit = DefaultBodyByteLimit
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Fetcher{opts: opts}
}

func (f *Fetcher) Timeout() time.Duration { return f.opts.Timeout }

// Get fetches rawURL. 429/408/5xx and network errors are transient, other
// 4xx responses are permanent.
func (f *Fetcher) Get(ctx context.Context, rawURL string, accept string) (Page, error) {
	page := strings.TrimSpace(rawURL)
	if page == "" {
		return Page{}, failure.Permanentf("fetch: url is required")
	}
	if accept == "" {
		accept = defaultAccept
	}

	fetchCtx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, page, nil)
	if err != nil {
		return Page{}, failure.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", accept)
	req.Header.Set("Accept-Language", "en-US,en;q=0.8")

	resp, err := f.opts.HTTPClient.Do(req)
	if err != nil {
		return Page{}, failure.FromNetwork(fmt.Errorf("fetch %s: %w", page, err))
	}
	defer resp.Body.Close()

	if err := failure.FromStatus(resp.StatusCode, page); err != nil {
		return Page{}, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.BodyByteLimit))
	if err != nil {
		return Page{}, failure.FromNetwork(fmt.Errorf("read body %s: %w", page, err))
	}

	final := page
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}

	return Page{
		URL:         page,
		FinalURL:    final,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// FetchText retrieves rawURL and extracts its readable text.
func (f *Fetcher) FetchText(ctx context.Context, rawURL, title string) (Document, error) {
	page, err := f.Get(ctx, rawURL, "")
	if err != nil {
		return Document{}, err
	}
	doc, err := Extract(page, title)
	if err != nil {
		return Document{}, failure.Permanent(err)
	}
	return doc, nil
}

// FetchTranscript retrieves a WebVTT file and returns its raw body and the
// spoken text.
func (f *Fetcher) FetchTranscript(ctx context.Context, rawURL string) (raw string, text string, err error) {
	page, err := f.Get(ctx, rawURL, "text/vtt,text/plain;q=0.9,*/*;q=0.5")
	if err != nil {
		return "", "", err
	}
	raw = string(page.Body)
	text = ParseVTT(raw)
	if text == "" {
		return raw, "", failure.Permanentf("transcript %s has no cues", rawURL)
	}
	return raw, text, nil
}
