package nlp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"horse.fit/pulse/internal/failure"
)

const GeminiName = "gemini"

var ErrInvalidResponse = errors.New("invalid provider response")

const analyzePrompt = `You are analysing a piece of technical content for a developer-relations team.
Return JSON with exactly these fields:
  "why_it_matters": two or three sentences on why developers should care,
  "confidence": number between 0 and 1,
  "citations": array of {"url","title","quote"} supporting the claim,
  "chili": integer 0-3 rating urgency (3 = breaking change or security issue).

Title: %s
URL: %s

Content:
%s`

type GeminiOptions struct {
	APIKey         string
	Model          string
	EmbeddingModel string
	Dimensions     int
}

// Gemini implements Analyzer and Embedder on the Gemini API.
type Gemini struct {
	client         *genai.Client
	model          string
	embeddingModel string
	dims           int
}

func NewGemini(ctx context.Context, opts GeminiOptions) (*Gemini, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "gemini-2.0-flash"
	}
	embeddingModel := strings.TrimSpace(opts.EmbeddingModel)
	if embeddingModel == "" {
		embeddingModel = "text-embedding-004"
	}
	dims := opts.Dimensions
	if dims <= 0 {
		dims = 768
	}
	return &Gemini{client: client, model: model, embeddingModel: embeddingModel, dims: dims}, nil
}

func (g *Gemini) Name() string    { return GeminiName }
func (g *Gemini) Dimensions() int { return g.dims }

func (g *Gemini) Analyze(ctx context.Context, doc Document) (Analysis, error) {
	prompt := fmt.Sprintf(analyzePrompt, doc.Title, doc.URL, doc.Input(maxPromptRunes))
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return Analysis{}, failure.FromNetwork(fmt.Errorf("gemini generate: %w", err))
	}
	text, err := responseText(resp)
	if err != nil {
		return Analysis{}, err
	}
	return ParseAnalysis(text)
}

func (g *Gemini) Embed(ctx context.Context, text string) ([]float32, error) {
	dims := int32(g.dims)
	input := strings.TrimSpace(text)
	if runes := []rune(input); len(runes) > maxEmbedRunes {
		input = string(runes[:maxEmbedRunes])
	}
	resp, err := g.client.Models.EmbedContent(ctx, g.embeddingModel, genai.Text(input), &genai.EmbedContentConfig{
		OutputDimensionality: &dims,
	})
	if err != nil {
		return nil, failure.FromNetwork(fmt.Errorf("gemini embed: %w", err))
	}
	if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, failure.Permanent(fmt.Errorf("%w: no embeddings", ErrInvalidResponse))
	}
	values := resp.Embeddings[0].Values
	if len(values) != g.dims {
		return nil, failure.Permanent(fmt.Errorf("%w: expected %d dimensions, got %d", ErrInvalidResponse, g.dims, len(values)))
	}
	return values, nil
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	switch {
	case resp == nil:
		return "", failure.Permanent(fmt.Errorf("%w: nil response", ErrInvalidResponse))
	case len(resp.Candidates) == 0:
		return "", failure.Permanent(fmt.Errorf("%w: no content generated", ErrInvalidResponse))
	case resp.Candidates[0].Content == nil:
		return "", failure.Permanent(fmt.Errorf("%w: empty content in response", ErrInvalidResponse))
	case resp.Candidates[0].FinishReason == genai.FinishReasonSafety:
		return "", failure.Permanent(fmt.Errorf("%w: content blocked by safety filters", ErrInvalidResponse))
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			b.WriteString(part.Text)
		}
	}
	return b.String(), nil
}

// ParseAnalysis decodes a provider JSON answer. Code fences are tolerated.
func ParseAnalysis(raw string) (Analysis, error) {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var parsed Analysis
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &parsed); err != nil {
		return Analysis{}, failure.Permanent(fmt.Errorf("%w: %v", ErrInvalidResponse, err))
	}
	parsed = parsed.Normalize()
	if parsed.WhyItMatters == "" {
		return Analysis{}, failure.Permanent(fmt.Errorf("%w: why_it_matters is empty", ErrInvalidResponse))
	}
	return parsed, nil
}
