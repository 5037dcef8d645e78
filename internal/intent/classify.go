// Intent classification policy. The provider does the language work; this
// layer owns validation, timeouts, and the failure policy: any provider
// error, unknown log type, or low-confidence verdict resolves to chat.
package intent

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lvasilev/loglens-backend/internal/provider"
)

// ErrEmptyInput is returned when the fully-resolved turn text is blank.
// Empty input is a caller error, never something to classify.
var ErrEmptyInput = errors.New("input text is empty")

// Classifier applies intent policy on top of a provider.Classifier.
type Classifier struct {
	Provider provider.Classifier

	// Timeout bounds each provider call. Zero means no explicit deadline.
	Timeout time.Duration

	// MinLogConfidence is the chat bias: verdicts below it resolve to chat.
	// Confidence never gates staging vs. committing — that is always the
	// user's explicit confirmation — it only gates detection.
	MinLogConfidence float64
}

// chatResult builds the degraded/negative verdict used whenever the log path
// is not taken.
func chatResult(rationale string) *provider.IntentResult {
	return &provider.IntentResult{IsLog: false, Confidence: 0, Rationale: rationale}
}

// Classify decides {chat, log} for a user turn. It returns an error only for
// invalid input; provider failures are absorbed and reported as chat so the
// turn never crashes on a flaky backend.
func (c *Classifier) Classify(ctx context.Context, rawText string, hasMedia bool) (*provider.IntentResult, error) {
	if strings.TrimSpace(rawText) == "" {
		return nil, ErrEmptyInput
	}
	if c.Provider == nil {
		return chatResult("no classifier configured"), nil
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	res, err := c.Provider.Classify(ctx, rawText, hasMedia)
	if err != nil {
		// Degrade to chat: a missed log is recoverable by restating it.
		log.Warn().Err(err).Msg("intent classification failed; treating turn as chat")
		return chatResult("classifier unavailable"), nil
	}

	if !res.IsLog {
		return res, nil
	}
	if !KnownLogType(res.LogType) {
		log.Warn().Str("log_type", res.LogType).Msg("classifier returned unknown log type; treating turn as chat")
		return chatResult("unrecognized log type"), nil
	}
	if res.Confidence < c.MinLogConfidence {
		// Mixed signals: under-triggering beats false-positive staging.
		r := *res
		r.IsLog = false
		return &r, nil
	}
	return res, nil
}

// Extractor applies the boundary schema on top of a provider.Extractor.
type Extractor struct {
	Provider provider.Extractor
	Timeout  time.Duration
}

// Extract pulls the type-directed field map for a detected log. Out-of-schema
// and out-of-bounds values are dropped (and logged) rather than failing the
// turn: the confirmation UI shows missing fields for the user to fill in.
func (e *Extractor) Extract(ctx context.Context, rawText, logType string) (*provider.Extraction, error) {
	if !KnownLogType(logType) {
		return nil, errors.New("unknown log type: " + logType)
	}
	if e.Provider == nil {
		return nil, provider.ErrUnavailable
	}

	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	ext, err := e.Provider.Extract(ctx, rawText, logType)
	if err != nil {
		return nil, err
	}

	fields, errs := ValidateFields(logType, ext.Fields)
	for _, verr := range errs {
		log.Warn().Err(verr).Str("log_type", logType).Msg("dropped invalid extracted field")
	}
	return &provider.Extraction{Fields: fields, Confidence: ext.Confidence}, nil
}
