// Context builder. The scoring here is the load-bearing design decision:
// pure similarity surfaces stale-but-topical matches, pure recency ignores
// relevance, so candidates are ranked by a weighted blend of the two — with
// a hard similarity floor applied first, so an old-but-irrelevant record can
// never outrank relevance on recency alone.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lvasilev/loglens-backend/internal/domain"
	"github.com/lvasilev/loglens-backend/internal/provider"
	"github.com/lvasilev/loglens-backend/internal/sink"
)

// ScoredSnippet is one similarity-ranked context candidate.
type ScoredSnippet struct {
	Text       string  `json:"text"`
	SourceID   string  `json:"source_id"`
	SourceType string  `json:"source_type"`
	Similarity float64 `json:"similarity"`
	Recency    float64 `json:"recency"`
	Score      float64 `json:"score"`
}

// ContextBundle is the fused context handed to the generation step. The
// three sections are kept separate so recent-but-dissimilar turns and
// similar-but-old matches cannot crowd each other out of the bundle.
type ContextBundle struct {
	Matches       []ScoredSnippet
	RecentTurns   []string
	RecentEntries []string
	// Degraded is set when the similarity branch was skipped (embedder or
	// index failure) and the bundle is recency-only.
	Degraded bool
}

// Flatten renders the bundle as plain strings for the Generator.
func (b *ContextBundle) Flatten() []string {
	out := make([]string, 0, len(b.Matches)+len(b.RecentTurns)+len(b.RecentEntries))
	for _, m := range b.Matches {
		out = append(out, m.Text)
	}
	out = append(out, b.RecentTurns...)
	out = append(out, b.RecentEntries...)
	return out
}

// TurnSource supplies the unconditional recent-turns window.
type TurnSource interface {
	RecentTurns(ctx context.Context, conversationID string, n int) ([]domain.Message, error)
}

// Query describes one context-building request.
type Query struct {
	OwnerID        string
	ConversationID string
	Text           string
	// SourceType optionally restricts the similarity branch to one source.
	SourceType string
	// Limit caps the similarity-ranked matches; <= 0 uses the engine default.
	Limit int
	// RecencyWeight in [0,1] blends similarity (0) against recency (1);
	// negative values use the engine default.
	RecencyWeight float64
}

// Engine builds context bundles. Floor, weight, and half-life are tunable
// policy, injected from configuration.
type Engine struct {
	Embedder provider.Embedder
	Index    VectorIndex
	Turns    TurnSource
	Sink     sink.Sink

	// SimilarityFloor rejects candidates below this cosine similarity
	// regardless of recency.
	SimilarityFloor float64
	// RecencyWeight is the default blend weight in [0,1].
	RecencyWeight float64
	// RecencyHalfLife is the decay time constant (age at which the recency
	// term falls to 1/e).
	RecencyHalfLife time.Duration
	// TopK is how many neighbors to pull before rescoring.
	TopK int
	// DefaultLimit caps matches after rescoring when the query sets none.
	DefaultLimit int
	// RecentTurnWindow is the number of latest turns fused unconditionally.
	RecentTurnWindow int
	// RecentEntryDays bounds the recent confirmed-records window.
	RecentEntryDays int
	// EmbedTimeout bounds the query-embedding call.
	EmbedTimeout time.Duration
}

// BuildContext embeds the query, ranks neighbors by the blended score, and
// fuses the result with the recency windows. The similarity branch degrades
// to nothing (recency-only bundle) on embedder or index failure; a chat turn
// is never blocked on the retrieval subsystem.
func (e *Engine) BuildContext(ctx context.Context, q Query) (*ContextBundle, error) {
	tr := otel.Tracer("retrieval/Engine")
	ctx, span := tr.Start(ctx, "BuildContext",
		trace.WithAttributes(
			attribute.String("owner.id", q.OwnerID),
			attribute.String("conversation.id", q.ConversationID),
		),
	)
	defer span.End()

	if q.OwnerID == "" || q.Text == "" {
		return nil, fmt.Errorf("owner id and query text are required")
	}

	bundle := &ContextBundle{}

	matches, err := e.similarityMatches(ctx, q)
	if err != nil {
		log.Warn().Err(err).Msg("similarity branch unavailable; serving recency-only context")
		bundle.Degraded = true
	} else {
		bundle.Matches = matches
	}

	bundle.RecentTurns = e.recentTurns(ctx, q.ConversationID)
	bundle.RecentEntries = e.recentEntries(ctx, q.OwnerID)
	return bundle, nil
}

// similarityMatches runs the vector branch: embed, query top-K, rescore with
// the blend, floor-filter, truncate.
func (e *Engine) similarityMatches(ctx context.Context, q Query) ([]ScoredSnippet, error) {
	if e.Embedder == nil || e.Index == nil {
		return nil, provider.ErrUnavailable
	}

	ectx := ctx
	if e.EmbedTimeout > 0 {
		var cancel context.CancelFunc
		ectx, cancel = context.WithTimeout(ctx, e.EmbedTimeout)
		defer cancel()
	}
	vec, err := e.Embedder.Embed(ectx, q.Text)
	if err != nil {
		return nil, err
	}

	topK := e.TopK
	if topK <= 0 {
		topK = 20
	}
	cands, err := e.Index.Query(ctx, q.OwnerID, vec, q.SourceType, topK)
	if err != nil {
		return nil, err
	}

	weight := q.RecencyWeight
	if weight < 0 {
		weight = e.RecencyWeight
	}
	if weight > 1 {
		weight = 1
	}
	halfLife := e.RecencyHalfLife
	if halfLife <= 0 {
		halfLife = 30 * 24 * time.Hour
	}

	now := time.Now().UTC()
	out := make([]ScoredSnippet, 0, len(cands))
	for _, c := range cands {
		sim := 1 - c.Distance
		// The floor is a hard gate: no amount of recency rescues an
		// irrelevant candidate.
		if sim < e.SimilarityFloor {
			continue
		}
		age := now.Sub(c.CreatedAt).Seconds()
		if age < 0 {
			age = 0
		}
		rec := math.Exp(-age / halfLife.Seconds())
		out = append(out, ScoredSnippet{
			Text:       c.Text,
			SourceID:   c.SourceID,
			SourceType: c.SourceType,
			Similarity: sim,
			Recency:    rec,
			Score:      (1-weight)*sim + weight*rec,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].SourceID < out[j].SourceID
	})

	limit := q.Limit
	if limit <= 0 {
		limit = e.DefaultLimit
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// recentTurns pulls the fixed window of latest conversation turns. No
// similarity filtering: what was just said is context by definition.
func (e *Engine) recentTurns(ctx context.Context, conversationID string) []string {
	if e.Turns == nil || conversationID == "" || e.RecentTurnWindow <= 0 {
		return nil
	}
	msgs, err := e.Turns.RecentTurns(ctx, conversationID, e.RecentTurnWindow)
	if err != nil {
		log.Warn().Err(err).Msg("recent turns window unavailable")
		return nil
	}
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Role+": "+m.Content)
	}
	return out
}

// recentEntries pulls the short window of recently confirmed records from
// the domain sink.
func (e *Engine) recentEntries(ctx context.Context, ownerID string) []string {
	if e.Sink == nil || e.RecentEntryDays <= 0 {
		return nil
	}
	since := time.Now().UTC().AddDate(0, 0, -e.RecentEntryDays)
	entries, err := e.Sink.Recent(ctx, ownerID, since, 20)
	if err != nil {
		log.Warn().Err(err).Msg("recent entries window unavailable")
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, en := range entries {
		out = append(out, en.Describe())
	}
	return out
}
