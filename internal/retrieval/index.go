// Package retrieval builds the grounded context bundle for chat turns. It
// consumes a vector similarity index through a narrow contract, blends
// cosine similarity with exponential time decay, enforces a hard similarity
// floor, and fuses the ranked matches with unconditional recency windows
// (latest conversation turns and latest confirmed records).
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/lvasilev/loglens-backend/internal/domain"
	"github.com/lvasilev/loglens-backend/internal/repo"
)

// Candidate is one nearest-neighbor hit from the vector index.
type Candidate struct {
	SourceID   string
	SourceType string
	Text       string
	// Distance is the cosine distance in [0, 2]; similarity is 1 - distance.
	Distance  float64
	CreatedAt time.Time
}

// VectorIndex is the narrow retrieval contract over whatever holds the
// vectors. Queries are always scoped by owner and optionally by source type.
type VectorIndex interface {
	Query(ctx context.Context, ownerID string, vector []float64, sourceType string, k int) ([]Candidate, error)
}

// SQLIndex is the bundled VectorIndex: brute-force cosine over the
// embedding_records table. Adequate for per-user corpora of conversational
// scale; a dedicated ANN index slots in behind the same interface when the
// corpus outgrows a linear scan.
type SQLIndex struct {
	DB *gorm.DB
	// Dim, when > 0, rejects query vectors of any other length.
	Dim int
}

// Query implements VectorIndex.
func (s *SQLIndex) Query(ctx context.Context, ownerID string, vector []float64, sourceType string, k int) ([]Candidate, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector is empty")
	}
	if s.Dim > 0 && len(vector) != s.Dim {
		return nil, fmt.Errorf("query vector dimension mismatch: got %d want %d", len(vector), s.Dim)
	}
	if k <= 0 {
		k = 10
	}

	recs, err := repo.ListEmbeddings(ctx, s.DB, ownerID, sourceType)
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(recs))
	for _, rec := range recs {
		vec, err := DecodeVector(rec.Vector)
		if err != nil || len(vec) != len(vector) {
			// Skip rows stored under a different embedding dimensionality.
			continue
		}
		out = append(out, Candidate{
			SourceID:   rec.SourceID,
			SourceType: rec.SourceType,
			Text:       rec.Text,
			Distance:   CosineDistance(vector, vec),
			CreatedAt:  rec.CreatedAt,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// SQLTurnSource supplies the recent-turns window straight from the messages
// table, in chronological order.
type SQLTurnSource struct {
	DB *gorm.DB
}

// RecentTurns implements TurnSource.
func (s *SQLTurnSource) RecentTurns(ctx context.Context, conversationID string, n int) ([]domain.Message, error) {
	return repo.RecentMessages(s.DB.WithContext(ctx), conversationID, n)
}

// CosineDistance returns 1 minus the cosine similarity of a and b. Zero-norm
// vectors are treated as maximally distant.
func CosineDistance(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// EncodeVector serializes a vector as compact JSON for TEXT-column storage.
func EncodeVector(vec []float64) (string, error) {
	b, err := json.Marshal(vec)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeVector parses a JSON-serialized vector.
func DecodeVector(s string) ([]float64, error) {
	var out []float64
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}
