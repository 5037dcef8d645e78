package repo

import (
	"context"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/lvasilev/loglens-backend/internal/domain"
)

func appendInTx(t *testing.T, db *gorm.DB, conv *domain.Conversation, role, kind, content string) *domain.Message {
	t.Helper()
	var m *domain.Message
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		m, err = AppendMessage(tx, conv, role, kind, content, nil)
		return err
	})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	return m
}

func TestAppendMessage_AssignsSeqAndBumpsAggregates(t *testing.T) {
	db := newRepoDB(t, &domain.Conversation{}, &domain.Message{})
	ctx := context.Background()

	conv, _ := CreateConversation(ctx, db, "u1", "t")

	m0 := appendInTx(t, db, conv, domain.RoleUser, domain.KindChat, "first")
	m1 := appendInTx(t, db, conv, domain.RoleAssistant, domain.KindChat, "second")
	m2 := appendInTx(t, db, conv, domain.RoleUser, domain.KindChat, "third")

	if m0.Seq != 0 || m1.Seq != 1 || m2.Seq != 2 {
		t.Fatalf("Seq must be a per-conversation insertion counter: %d %d %d", m0.Seq, m1.Seq, m2.Seq)
	}

	var got domain.Conversation
	if err := db.First(&got, "id = ?", conv.ID).Error; err != nil {
		t.Fatalf("fetch conversation: %v", err)
	}
	if got.MessageCount != 3 {
		t.Fatalf("MessageCount = %d, want 3", got.MessageCount)
	}
	if got.LastMessageAt == nil {
		t.Fatalf("LastMessageAt must be set after append")
	}
}

func TestListMessages_DeterministicOrderOnEqualTimestamps(t *testing.T) {
	db := newRepoDB(t, &domain.Conversation{}, &domain.Message{})
	ctx := context.Background()

	conv, _ := CreateConversation(ctx, db, "u1", "t")

	// Force identical CreatedAt so only Seq can break the tie.
	now := time.Now().UTC()
	for i, content := range []string{"a", "b", "c"} {
		m := appendInTx(t, db, conv, domain.RoleUser, domain.KindChat, content)
		if err := db.Model(&domain.Message{}).Where("id = ?", m.ID).
			Update("created_at", now).Error; err != nil {
			t.Fatalf("pin created_at: %v", err)
		}
		_ = i
	}

	got, err := ListMessages(db, conv.ID, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	for i, want := range []string{"a", "b", "c"} {
		if got[i].Content != want {
			t.Fatalf("position %d = %q, want %q (Seq must break CreatedAt ties)", i, got[i].Content, want)
		}
	}
}

func TestRecentMessages_ReturnsChronologicalTail(t *testing.T) {
	db := newRepoDB(t, &domain.Conversation{}, &domain.Message{})
	ctx := context.Background()

	conv, _ := CreateConversation(ctx, db, "u1", "t")
	for _, content := range []string{"one", "two", "three", "four"} {
		appendInTx(t, db, conv, domain.RoleUser, domain.KindChat, content)
	}

	got, err := RecentMessages(db, conv.ID, 2)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(got) != 2 || got[0].Content != "three" || got[1].Content != "four" {
		t.Fatalf("expected chronological tail [three four], got %+v", got)
	}
}

func TestCountMessages_ErrorWithoutTable(t *testing.T) {
	db := newRepoDB(t /* no migrations */)
	if _, err := CountMessages(db, "c1"); err == nil {
		t.Fatalf("expected error counting without table")
	}
}

func TestListMessagesPage_OffsetAndLimit(t *testing.T) {
	db := newRepoDB(t, &domain.Conversation{}, &domain.Message{})
	ctx := context.Background()

	conv, _ := CreateConversation(ctx, db, "u1", "t")
	for _, content := range []string{"m0", "m1", "m2", "m3", "m4"} {
		appendInTx(t, db, conv, domain.RoleUser, domain.KindChat, content)
	}

	page, err := ListMessagesPage(db, conv.ID, 2, 2)
	if err != nil {
		t.Fatalf("ListMessagesPage: %v", err)
	}
	if len(page) != 2 || page[0].Content != "m2" || page[1].Content != "m3" {
		t.Fatalf("unexpected page contents: %+v", page)
	}

	total, err := CountMessages(db, conv.ID)
	if err != nil || total != 5 {
		t.Fatalf("CountMessages = %d err=%v, want 5", total, err)
	}
}
