package retrieval

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/lvasilev/loglens-backend/internal/domain"
	"github.com/lvasilev/loglens-backend/internal/sink"
)

//
// Fakes
//

type fakeEmbedder struct {
	vec []float64
	err error
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float64, error) {
	return f.vec, f.err
}

type fakeIndex struct {
	cands []Candidate
	err   error
}

func (f *fakeIndex) Query(_ context.Context, _ string, _ []float64, _ string, _ int) ([]Candidate, error) {
	return f.cands, f.err
}

type fakeTurns struct {
	msgs []domain.Message
}

func (f *fakeTurns) RecentTurns(_ context.Context, _ string, n int) ([]domain.Message, error) {
	if n < len(f.msgs) {
		return f.msgs[len(f.msgs)-n:], nil
	}
	return f.msgs, nil
}

type fakeSink struct {
	entries []sink.Entry
}

func (f *fakeSink) CreateRecord(_ context.Context, _, _ string, _ map[string]any) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeSink) Recent(_ context.Context, _ string, _ time.Time, _ int) ([]sink.Entry, error) {
	return f.entries, nil
}

func cand(id string, distance float64, age time.Duration) Candidate {
	return Candidate{
		SourceID:   id,
		SourceType: domain.SourceConversationMessage,
		Text:       "snippet " + id,
		Distance:   distance,
		CreatedAt:  time.Now().UTC().Add(-age),
	}
}

//
// Tests
//

func TestBuildContext_FloorIsAHardGate(t *testing.T) {
	// The stale candidate is extremely recent but far below the similarity
	// floor; no recency weight may rescue it.
	eng := &Engine{
		Embedder:        &fakeEmbedder{vec: []float64{1, 0}},
		Index:           &fakeIndex{cands: []Candidate{
			cand("relevant", 0.2, 40*24*time.Hour), // sim 0.8, old
			cand("irrelevant", 0.9, time.Minute),   // sim 0.1, fresh
		}},
		SimilarityFloor: 0.25,
		RecencyWeight:   0.99,
		RecencyHalfLife: 30 * 24 * time.Hour,
		TopK:            10,
		DefaultLimit:    10,
	}

	b, err := eng.BuildContext(context.Background(), Query{OwnerID: "u1", Text: "runs", RecencyWeight: -1})
	if err != nil {
		t.Fatalf("BuildContext: %v", err)
	}
	if b.Degraded {
		t.Fatalf("similarity branch must not be degraded")
	}
	if len(b.Matches) != 1 || b.Matches[0].SourceID != "relevant" {
		t.Fatalf("floor must reject the fresh-but-irrelevant candidate, got %+v", b.Matches)
	}
}

func TestBuildContext_RecencyBreaksNearTies(t *testing.T) {
	// Two candidates with near-identical similarity; the fresher one must
	// rank first under any positive recency weight.
	eng := &Engine{
		Embedder:        &fakeEmbedder{vec: []float64{1, 0}},
		Index:           &fakeIndex{cands: []Candidate{
			cand("old", 0.20, 60*24*time.Hour),
			cand("fresh", 0.21, time.Hour),
		}},
		SimilarityFloor: 0.25,
		RecencyWeight:   0.3,
		RecencyHalfLife: 30 * 24 * time.Hour,
		TopK:            10,
		DefaultLimit:    10,
	}

	b, err := eng.BuildContext(context.Background(), Query{OwnerID: "u1", Text: "runs", RecencyWeight: -1})
	if err != nil {
		t.Fatalf("BuildContext: %v", err)
	}
	if len(b.Matches) != 2 {
		t.Fatalf("expected both candidates above the floor, got %d", len(b.Matches))
	}
	if b.Matches[0].SourceID != "fresh" {
		t.Fatalf("fresher near-tie must rank first, got %q", b.Matches[0].SourceID)
	}
}

func TestBuildContext_ZeroWeightIsPureSimilarity(t *testing.T) {
	eng := &Engine{
		Embedder:        &fakeEmbedder{vec: []float64{1, 0}},
		Index:           &fakeIndex{cands: []Candidate{
			cand("closer", 0.1, 90*24*time.Hour),
			cand("farther", 0.3, time.Minute),
		}},
		SimilarityFloor: 0,
		RecencyWeight:   0,
		RecencyHalfLife: 30 * 24 * time.Hour,
		TopK:            10,
		DefaultLimit:    10,
	}

	b, err := eng.BuildContext(context.Background(), Query{OwnerID: "u1", Text: "runs", RecencyWeight: -1})
	if err != nil {
		t.Fatalf("BuildContext: %v", err)
	}
	if b.Matches[0].SourceID != "closer" {
		t.Fatalf("with weight 0 ordering must follow similarity alone, got %q first", b.Matches[0].SourceID)
	}
	if got, want := b.Matches[0].Score, b.Matches[0].Similarity; math.Abs(got-want) > 1e-9 {
		t.Fatalf("with weight 0 the score equals similarity: score=%v sim=%v", got, want)
	}
}

func TestBuildContext_DegradesToRecencyOnlyOnEmbedderFailure(t *testing.T) {
	eng := &Engine{
		Embedder: &fakeEmbedder{err: errors.New("embedder down")},
		Index:    &fakeIndex{},
		Turns: &fakeTurns{msgs: []domain.Message{
			{Role: domain.RoleUser, Content: "how far did I run?"},
		}},
		Sink: &fakeSink{entries: []sink.Entry{
			{LogType: "activity", OwnerID: "u1", Fields: map[string]any{"activity": "run"}, LoggedAt: time.Now()},
		}},
		RecentTurnWindow: 5,
		RecentEntryDays:  7,
	}

	b, err := eng.BuildContext(context.Background(), Query{
		OwnerID:        "u1",
		ConversationID: "c1",
		Text:           "runs",
	})
	if err != nil {
		t.Fatalf("a chat turn must never be blocked on retrieval: %v", err)
	}
	if !b.Degraded {
		t.Fatalf("bundle must be flagged degraded when the similarity branch fails")
	}
	if len(b.Matches) != 0 {
		t.Fatalf("degraded bundle carries no similarity matches")
	}
	if len(b.RecentTurns) != 1 || len(b.RecentEntries) != 1 {
		t.Fatalf("recency windows must still be served: turns=%d entries=%d", len(b.RecentTurns), len(b.RecentEntries))
	}
}

func TestBuildContext_FusesAllThreeSections(t *testing.T) {
	eng := &Engine{
		Embedder: &fakeEmbedder{vec: []float64{1, 0}},
		Index:    &fakeIndex{cands: []Candidate{cand("m1", 0.1, time.Hour)}},
		Turns: &fakeTurns{msgs: []domain.Message{
			{Role: domain.RoleUser, Content: "hello"},
			{Role: domain.RoleAssistant, Content: "hi"},
		}},
		Sink: &fakeSink{entries: []sink.Entry{
			{LogType: "nutrition", OwnerID: "u1", Fields: map[string]any{"meal": "lunch"}, LoggedAt: time.Now()},
		}},
		SimilarityFloor:  0.25,
		RecencyWeight:    0.3,
		RecencyHalfLife:  30 * 24 * time.Hour,
		TopK:             10,
		DefaultLimit:     10,
		RecentTurnWindow: 5,
		RecentEntryDays:  7,
	}

	b, err := eng.BuildContext(context.Background(), Query{OwnerID: "u1", ConversationID: "c1", Text: "food"})
	if err != nil {
		t.Fatalf("BuildContext: %v", err)
	}
	flat := b.Flatten()
	// 1 match + 2 turns + 1 entry
	if len(flat) != 4 {
		t.Fatalf("flattened bundle must fuse all sections, got %d lines: %v", len(flat), flat)
	}
	if flat[0] != "snippet m1" {
		t.Fatalf("matches come first in the bundle, got %q", flat[0])
	}
}

func TestBuildContext_LimitTruncatesAfterScoring(t *testing.T) {
	cands := []Candidate{
		cand("a", 0.05, time.Hour),
		cand("b", 0.10, time.Hour),
		cand("c", 0.15, time.Hour),
	}
	eng := &Engine{
		Embedder:        &fakeEmbedder{vec: []float64{1, 0}},
		Index:           &fakeIndex{cands: cands},
		SimilarityFloor: 0,
		RecencyWeight:   0,
		RecencyHalfLife: 30 * 24 * time.Hour,
		TopK:            10,
		DefaultLimit:    10,
	}

	b, err := eng.BuildContext(context.Background(), Query{OwnerID: "u1", Text: "x", Limit: 2})
	if err != nil {
		t.Fatalf("BuildContext: %v", err)
	}
	if len(b.Matches) != 2 || b.Matches[0].SourceID != "a" || b.Matches[1].SourceID != "b" {
		t.Fatalf("limit must keep the best-scored candidates, got %+v", b.Matches)
	}
}

func TestBuildContext_RequiresOwnerAndText(t *testing.T) {
	eng := &Engine{}
	if _, err := eng.BuildContext(context.Background(), Query{OwnerID: "", Text: "x"}); err == nil {
		t.Fatalf("missing owner must error")
	}
	if _, err := eng.BuildContext(context.Background(), Query{OwnerID: "u1", Text: ""}); err == nil {
		t.Fatalf("missing text must error")
	}
}
