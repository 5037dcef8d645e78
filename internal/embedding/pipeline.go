// Package embedding produces and stores one embedding per durable unit of
// text: every persisted message and every confirmed domain record. The
// pipeline is decoupled from the request path through a background worker;
// the system-level guarantee is eventual completeness, enforced by a
// reconciliation sweep that re-enqueues sources found without an embedding.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/lvasilev/loglens-backend/internal/domain"
	"github.com/lvasilev/loglens-backend/internal/provider"
	"github.com/lvasilev/loglens-backend/internal/repo"
	"github.com/lvasilev/loglens-backend/internal/retrieval"
)

// Pipeline embeds text and persists the resulting EmbeddingRecord.
type Pipeline struct {
	DB       *gorm.DB
	Embedder provider.Embedder
	// Timeout bounds each embed call. Zero means no explicit deadline.
	Timeout time.Duration
}

// ContentHash returns the idempotency hash for a unit of text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// EmbedAndStore embeds text for (sourceType, sourceID) and stores the record.
// Re-running for a source that already has an embedding for the identical
// text is a no-op returning the existing record: the (source_id, content_hash)
// unique index makes retries harmless.
func (p *Pipeline) EmbedAndStore(ctx context.Context, sourceType, sourceID, text, ownerID string) (*domain.EmbeddingRecord, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("cannot embed empty text")
	}
	if p.Embedder == nil {
		return nil, provider.ErrUnavailable
	}

	hash := ContentHash(text)
	if existing, err := repo.GetEmbeddingBySource(ctx, p.DB, sourceID, hash); err == nil {
		return existing, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	ectx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ectx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	vec, err := p.Embedder.Embed(ectx, text)
	if err != nil {
		return nil, err
	}

	encoded, err := retrieval.EncodeVector(vec)
	if err != nil {
		return nil, err
	}
	return repo.CreateEmbedding(ctx, p.DB, ownerID, sourceType, sourceID, hash, text, encoded)
}
