package nlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"horse.fit/pulse/internal/failure"
)

const (
	HTTPName = "http"

	DefaultEmbeddingMaxLength      = 512
	DefaultEmbeddingRequestTimeout = 45 * time.Second
)

type HTTPEmbedderOptions struct {
	Endpoint       string
	Model          string
	Dimensions     int
	MaxLength      int
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// HTTPEmbedder posts text to a self-hosted embedding service. Endpoints
// ending in /v1/embeddings get the OpenAI-style request body.
type HTTPEmbedder struct {
	opts HTTPEmbedderOptions
}

type embedRequest struct {
	Texts     []string `json:"texts,omitempty"`
	Input     []string `json:"input,omitempty"`
	Model     string   `json:"model,omitempty"`
	MaxLength int      `json:"max_length,omitempty"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Data       []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

func NewHTTPEmbedder(opts HTTPEmbedderOptions) (*HTTPEmbedder, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("embedding endpoint is required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("invalid embedding endpoint %q", endpoint)
	}
	if parsed.Path == "" || parsed.Path == "/" {
		parsed.Path = "/embed"
	}
	opts.Endpoint = parsed.String()
	if opts.Dimensions <= 0 {
		opts.Dimensions = 768
	}
	if opts.MaxLength <= 0 {
		opts.MaxLength = DefaultEmbeddingMaxLength
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultEmbeddingRequestTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	return &HTTPEmbedder{opts: opts}, nil
}

func (e *HTTPEmbedder) Name() string    { return HTTPName }
func (e *HTTPEmbedder) Dimensions() int { return e.opts.Dimensions }

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	texts := []string{text}
	payload := embedRequest{Texts: texts, MaxLength: e.opts.MaxLength}
	if strings.HasSuffix(e.opts.Endpoint, "/v1/embeddings") {
		payload = embedRequest{Input: texts, Model: e.opts.Model}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	requestCtx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, e.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, failure.Permanent(fmt.Errorf("build embedding request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, failure.FromNetwork(fmt.Errorf("embedding request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, failure.FromNetwork(fmt.Errorf("read embedding response: %w", err))
	}
	if err := failure.FromStatus(resp.StatusCode, e.opts.Endpoint); err != nil {
		return nil, fmt.Errorf("embedding service: %w: %s", err, strings.TrimSpace(string(respBody)))
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, failure.Permanent(fmt.Errorf("decode embedding response: %w", err))
	}

	vectors := parsed.Embeddings
	if len(vectors) == 0 && len(parsed.Data) > 0 {
		sort.Slice(parsed.Data, func(i, j int) bool {
			return parsed.Data[i].Index < parsed.Data[j].Index
		})
		for _, row := range parsed.Data {
			vectors = append(vectors, row.Embedding)
		}
	}
	if len(vectors) == 0 {
		return nil, failure.Permanent(fmt.Errorf("%w: embedding response missing vectors", ErrInvalidResponse))
	}
	return toFloat32(vectors[0], e.opts.Dimensions)
}

func toFloat32(values []float64, dims int) ([]float32, error) {
	if len(values) != dims {
		return nil, failure.Permanent(fmt.Errorf("%w: expected %d dimensions, got %d", ErrInvalidResponse, dims, len(values)))
	}
	out := make([]float32, len(values))
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, failure.Permanent(fmt.Errorf("%w: non-finite value at index %d", ErrInvalidResponse, i))
		}
		out[i] = float32(v)
	}
	return out, nil
}
