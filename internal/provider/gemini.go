// Gemini adapter: one genai client serving all four provider contracts.
// Classification and extraction use structured JSON output (response schema)
// so the model cannot drift into free-form prose; malformed output is still
// treated as a provider error and degraded by the caller.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GeminiClient implements Generator, Classifier, Extractor, and Embedder on
// top of the google.golang.org/genai SDK.
type GeminiClient struct {
	client          *genai.Client
	generativeModel string
	embeddingModel  string
	embedDim        int
}

// GeminiOption customizes a GeminiClient.
type GeminiOption func(*GeminiClient)

// WithGenerativeModel overrides the default generation model.
func WithGenerativeModel(model string) GeminiOption {
	return func(g *GeminiClient) { g.generativeModel = model }
}

// WithEmbeddingModel overrides the default embedding model.
func WithEmbeddingModel(model string) GeminiOption {
	return func(g *GeminiClient) { g.embeddingModel = model }
}

// WithEmbeddingDim sets the requested output dimensionality for embeddings.
func WithEmbeddingDim(dim int) GeminiOption {
	return func(g *GeminiClient) { g.embedDim = dim }
}

// NewGemini constructs a Gemini-backed provider using Vertex AI credentials.
func NewGemini(ctx context.Context, projectID, location string, opts ...GeminiOption) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	g := &GeminiClient{
		client:          client,
		generativeModel: "gemini-2.5-flash",
		embeddingModel:  "gemini-embedding-001",
		embedDim:        768,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Generate implements Generator.
func (g *GeminiClient) Generate(ctx context.Context, systemPrompt string, contextBundle []string, userMessage string) (string, error) {
	var sb strings.Builder
	if len(contextBundle) > 0 {
		sb.WriteString("Context that may be relevant to the user's message:\n")
		for _, c := range contextBundle {
			sb.WriteString("- ")
			sb.WriteString(c)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	sb.WriteString(userMessage)

	cfg := &genai.GenerateContentConfig{}
	if systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}}
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.generativeModel, genai.Text(sb.String()), cfg)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("generate content: empty response")
	}
	return text, nil
}

const classifySystemPrompt = `You route messages for a personal logging assistant.
Decide whether the user's message narrates a completed, factual event that should
become a structured record (is_log=true) or is conversation seeking information
or advice (is_log=false).

Rules:
- Past-tense, completed-action phrasing with concrete quantities is the strongest
  log signal ("I ate two eggs", "finished a 5k in 28 minutes").
- Questions, hypotheticals, plans, and future tense are chat.
- When signals are mixed, prefer chat.
- log_type must be "nutrition" for food/drink events and "activity" for exercise;
  use "" when is_log is false.`

// Classify implements Classifier via structured JSON output.
func (g *GeminiClient) Classify(ctx context.Context, rawText string, hasMedia bool) (*IntentResult, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: classifySystemPrompt}}},
		ResponseMIMEType:  "application/json",
		ResponseSchema: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"is_log":     {Type: genai.TypeBoolean},
				"log_type":   {Type: genai.TypeString},
				"confidence": {Type: genai.TypeNumber},
				"rationale":  {Type: genai.TypeString},
			},
			Required: []string{"is_log", "log_type", "confidence", "rationale"},
		},
	}

	prompt := rawText
	if hasMedia {
		prompt = "(The message included attached media, already transcribed below.)\n" + prompt
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.generativeModel, genai.Text(prompt), cfg)
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}

	var out IntentResult
	if err := json.Unmarshal([]byte(resp.Text()), &out); err != nil {
		return nil, fmt.Errorf("classify: malformed provider output: %w", err)
	}
	return &out, nil
}

const extractSystemPrompt = `You extract structured fields from a message that logs
a completed event. Return ONLY fields you can infer directly from the text; omit
anything uncertain rather than guessing. Units: distance_km in kilometers,
duration_min in minutes, calories in kcal, protein_grams in grams. logged_at is
RFC3339 and only present when the message states when the event happened.`

// Extract implements Extractor via structured JSON output. The field schema
// sent to the model mirrors the allowed-field set enforced again by the
// intent package at the boundary.
func (g *GeminiClient) Extract(ctx context.Context, rawText, logType string) (*Extraction, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: extractSystemPrompt}}},
		ResponseMIMEType:  "application/json",
		ResponseSchema: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"fields":     {Type: genai.TypeObject, Properties: extractionFieldSchema(logType)},
				"confidence": {Type: genai.TypeNumber},
			},
			Required: []string{"fields", "confidence"},
		},
	}

	prompt := fmt.Sprintf("Event type: %s\nMessage: %s", logType, rawText)
	resp, err := g.client.Models.GenerateContent(ctx, g.generativeModel, genai.Text(prompt), cfg)
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}

	var out Extraction
	if err := json.Unmarshal([]byte(resp.Text()), &out); err != nil {
		return nil, fmt.Errorf("extract: malformed provider output: %w", err)
	}
	if out.Fields == nil {
		out.Fields = map[string]any{}
	}
	return &out, nil
}

// extractionFieldSchema returns the per-type field schema advertised to the
// model. Unknown types fall back to a free description field.
func extractionFieldSchema(logType string) map[string]*genai.Schema {
	switch logType {
	case "nutrition":
		return map[string]*genai.Schema{
			"description":   {Type: genai.TypeString},
			"meal":          {Type: genai.TypeString},
			"quantity":      {Type: genai.TypeNumber},
			"unit":          {Type: genai.TypeString},
			"calories":      {Type: genai.TypeNumber},
			"protein_grams": {Type: genai.TypeNumber},
			"logged_at":     {Type: genai.TypeString},
		}
	case "activity":
		return map[string]*genai.Schema{
			"activity":     {Type: genai.TypeString},
			"distance_km":  {Type: genai.TypeNumber},
			"duration_min": {Type: genai.TypeNumber},
			"calories":     {Type: genai.TypeNumber},
			"logged_at":    {Type: genai.TypeString},
		}
	default:
		return map[string]*genai.Schema{
			"description": {Type: genai.TypeString},
			"logged_at":   {Type: genai.TypeString},
		}
	}
}

// Embed implements Embedder.
func (g *GeminiClient) Embed(ctx context.Context, text string) ([]float64, error) {
	cfg := &genai.EmbedContentConfig{}
	if g.embedDim > 0 {
		dim := int32(g.embedDim)
		cfg.OutputDimensionality = &dim
	}
	resp, err := g.client.Models.EmbedContent(ctx, g.embeddingModel, genai.Text(text), cfg)
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("embed content: empty embedding")
	}
	vals := resp.Embeddings[0].Values
	out := make([]float64, len(vals))
	for i, v := range vals {
		out[i] = float64(v)
	}
	return out, nil
}
