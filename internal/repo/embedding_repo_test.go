package repo

import (
	"context"
	"testing"
	"time"

	"github.com/lvasilev/loglens-backend/internal/domain"
)

func TestCreateEmbedding_IdempotentOnDuplicate(t *testing.T) {
	db := newRepoDB(t, &domain.EmbeddingRecord{})
	ctx := context.Background()

	first, err := CreateEmbedding(ctx, db, "u1", domain.SourceConversationMessage, "m1", "hash-a", "ran 5k", "[1,0]")
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}

	// Identical (source, hash): returns the existing row instead of failing.
	again, err := CreateEmbedding(ctx, db, "u1", domain.SourceConversationMessage, "m1", "hash-a", "ran 5k", "[1,0]")
	if err != nil {
		t.Fatalf("duplicate insert must be idempotent: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("duplicate insert must return the original row: %s vs %s", again.ID, first.ID)
	}

	// Same source with different content hash is a new row (text changed).
	other, err := CreateEmbedding(ctx, db, "u1", domain.SourceConversationMessage, "m1", "hash-b", "ran 10k", "[0,1]")
	if err != nil {
		t.Fatalf("new-hash insert: %v", err)
	}
	if other.ID == first.ID {
		t.Fatalf("different content hash must produce a distinct row")
	}

	var count int64
	db.Model(&domain.EmbeddingRecord{}).Count(&count)
	if count != 2 {
		t.Fatalf("expected 2 rows, got %d", count)
	}
}

func TestListEmbeddings_OwnerAndSourceTypeScoping(t *testing.T) {
	db := newRepoDB(t, &domain.EmbeddingRecord{})
	ctx := context.Background()

	seed := []struct{ owner, st, src string }{
		{"u1", domain.SourceConversationMessage, "m1"},
		{"u1", domain.SourceDomainEvent, "r1"},
		{"u2", domain.SourceConversationMessage, "m2"},
	}
	for i, s := range seed {
		if _, err := CreateEmbedding(ctx, db, s.owner, s.st, s.src, "h", "text", "[1]"); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}

	all, err := ListEmbeddings(ctx, db, "u1", "")
	if err != nil || len(all) != 2 {
		t.Fatalf("owner scope: got %d rows err=%v, want 2", len(all), err)
	}
	msgs, err := ListEmbeddings(ctx, db, "u1", domain.SourceConversationMessage)
	if err != nil || len(msgs) != 1 || msgs[0].SourceID != "m1" {
		t.Fatalf("source-type scope: got %+v err=%v", msgs, err)
	}
}

func TestMessagesMissingEmbeddings_SkipsArchivedCancelledAndEmbedded(t *testing.T) {
	db := newRepoDB(t, &domain.Conversation{}, &domain.Message{}, &domain.PendingLog{}, &domain.EmbeddingRecord{})
	ctx := context.Background()

	conv, _ := CreateConversation(ctx, db, "u1", "live")
	archived, _ := CreateConversation(ctx, db, "u1", "put away")

	missing := appendInTx(t, db, conv, domain.RoleUser, domain.KindChat, "no embedding yet")
	embedded := appendInTx(t, db, conv, domain.RoleAssistant, domain.KindChat, "already embedded")
	appendInTx(t, db, conv, domain.RoleAssistant, domain.KindLogCancelled, "never embedded")
	appendInTx(t, db, archived, domain.RoleUser, domain.KindChat, "archived thread")

	if _, err := CreateEmbedding(ctx, db, "u1", domain.SourceConversationMessage, embedded.ID, "h", "already embedded", "[1]"); err != nil {
		t.Fatalf("embed: %v", err)
	}
	if err := ArchiveConversation(ctx, db, archived.ID, "u1"); err != nil {
		t.Fatalf("archive: %v", err)
	}

	cutoff := time.Now().UTC().Add(time.Second)
	got, err := MessagesMissingEmbeddings(ctx, db, cutoff, 10)
	if err != nil {
		t.Fatalf("MessagesMissingEmbeddings: %v", err)
	}
	if len(got) != 1 || got[0].ID != missing.ID {
		t.Fatalf("expected exactly the un-embedded live chat message, got %+v", got)
	}
}

func TestRecordsMissingEmbeddings_RespectsCutoff(t *testing.T) {
	db := newRepoDB(t, &domain.LogRecord{}, &domain.EmbeddingRecord{})
	ctx := context.Background()

	old := &domain.LogRecord{ID: "r-old", OwnerID: "u1", LogType: "activity", Fields: "{}",
		LoggedAt: time.Now().UTC(), CreatedAt: time.Now().UTC().Add(-time.Hour)}
	fresh := &domain.LogRecord{ID: "r-new", OwnerID: "u1", LogType: "activity", Fields: "{}",
		LoggedAt: time.Now().UTC(), CreatedAt: time.Now().UTC()}
	if err := db.Create(old).Error; err != nil {
		t.Fatalf("seed old: %v", err)
	}
	if err := db.Create(fresh).Error; err != nil {
		t.Fatalf("seed fresh: %v", err)
	}

	cutoff := time.Now().UTC().Add(-time.Minute)
	got, err := RecordsMissingEmbeddings(ctx, db, cutoff, 10)
	if err != nil {
		t.Fatalf("RecordsMissingEmbeddings: %v", err)
	}
	if len(got) != 1 || got[0].ID != "r-old" {
		t.Fatalf("fresh rows inside the lag window must be skipped, got %+v", got)
	}
}
