// Package provider defines the narrow contracts for the external language
// model capabilities this backend consumes: text generation, intent
// classification, structured extraction, and embedding. The rest of the
// application depends only on these interfaces; the Gemini adapter in this
// package is the production implementation and tests substitute fakes.
package provider

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when no provider is configured for a capability.
// Callers treat it like any other provider failure and take their degraded
// path, so the backend stays usable without credentials (e.g. local dev).
var ErrUnavailable = errors.New("provider not configured")

// IntentResult is the classifier's verdict on a single user turn.
type IntentResult struct {
	IsLog      bool    `json:"is_log"`
	LogType    string  `json:"log_type"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// Extraction is the structured payload pulled from a log-intent turn.
// Fields contains only keys the model could actually infer; absent keys mean
// "missing", never "guessed".
type Extraction struct {
	Fields     map[string]any `json:"fields"`
	Confidence float64        `json:"confidence"`
}

// Generator produces the assistant's chat reply from a system prompt, the
// fused context bundle, and the user's message.
type Generator interface {
	Generate(ctx context.Context, systemPrompt string, contextBundle []string, userMessage string) (string, error)
}

// Classifier decides whether a user turn narrates a loggable event.
type Classifier interface {
	Classify(ctx context.Context, rawText string, hasMedia bool) (*IntentResult, error)
}

// Extractor pulls a type-directed field map from a log-intent turn.
type Extractor interface {
	Extract(ctx context.Context, rawText, logType string) (*Extraction, error)
}

// Embedder converts text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}
