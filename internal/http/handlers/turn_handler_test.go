package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lvasilev/loglens-backend/internal/domain"
	"github.com/lvasilev/loglens-backend/internal/intent"
	"github.com/lvasilev/loglens-backend/internal/repo"
	"github.com/lvasilev/loglens-backend/internal/services"
)

// newTurnDB opens an isolated sqlite file with the full schema.
func newTurnDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("turn_handlers_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// newDegradedTurnHandlers wires a real TurnService without any provider:
// classification resolves to chat and generation serves the fallback reply.
// That is the production degraded posture, and it exercises the full
// persistence and idempotency machinery.
func newDegradedTurnHandlers(db *gorm.DB) *Handlers {
	turnSvc := &services.TurnService{
		DB:             db,
		Classifier:     &intent.Classifier{MinLogConfidence: 0.5},
		Extractor:      &intent.Extractor{},
		Locks:          services.NewConvLocks(),
		MaxPromptRunes: 2000,
	}
	return New(stubConvSvc{}, turnSvc, stubPendingSvc{})
}

func seedConversation(t *testing.T, db *gorm.DB, owner string) *domain.Conversation {
	t.Helper()
	conv, err := repo.CreateConversation(context.Background(), db, owner, "t")
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	return conv
}

func TestPostTurn_InputValidation(t *testing.T) {
	db := newTurnDB(t)
	r := newTestRouter(newDegradedTurnHandlers(db))
	conv := seedConversation(t, db, "demo-user")

	if w := doJSON(t, r, http.MethodPost, "/conversations/not-a-uuid/messages",
		map[string]string{"content": "hi"}, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("non-uuid id: status = %d", w.Code)
	}
	if w := doJSON(t, r, http.MethodPost, "/conversations/"+conv.ID+"/messages",
		map[string]string{}, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("missing content: status = %d", w.Code)
	}
	if w := doJSON(t, r, http.MethodPost, "/conversations/"+conv.ID+"/messages",
		map[string]string{"content": "   \n\n  "}, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("whitespace content: status = %d", w.Code)
	}

	long := make([]byte, 2001)
	for i := range long {
		long[i] = 'a'
	}
	if w := doJSON(t, r, http.MethodPost, "/conversations/"+conv.ID+"/messages",
		map[string]string{"content": string(long)}, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("oversized content: status = %d", w.Code)
	}
}

func TestPostTurn_ChatPathPersistsAndResponds(t *testing.T) {
	db := newTurnDB(t)
	r := newTestRouter(newDegradedTurnHandlers(db))
	conv := seedConversation(t, db, "demo-user")

	w := doJSON(t, r, http.MethodPost, "/conversations/"+conv.ID+"/messages",
		map[string]string{"content": "how far did I run last week?"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp PostTurnResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Intent != "chat" {
		t.Fatalf("intent = %q", resp.Intent)
	}
	if resp.UserMessage == nil || resp.AssistantMessage == nil || resp.PendingLog != nil {
		t.Fatalf("chat turn must carry the message pair and no pending log: %+v", resp)
	}

	var count int64
	db.Model(&domain.Message{}).Where("conversation_id = ?", conv.ID).Count(&count)
	if count != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", count)
	}
}

func TestPostTurn_ConversationErrors(t *testing.T) {
	db := newTurnDB(t)
	r := newTestRouter(newDegradedTurnHandlers(db))

	// Unknown conversation.
	w := doJSON(t, r, http.MethodPost, "/conversations/00000000-0000-0000-0000-000000000000/messages",
		map[string]string{"content": "hi"}, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown conversation: status = %d", w.Code)
	}

	// Archived conversation refuses new turns.
	conv := seedConversation(t, db, "demo-user")
	if err := repo.ArchiveConversation(context.Background(), db, conv.ID, "demo-user"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	w = doJSON(t, r, http.MethodPost, "/conversations/"+conv.ID+"/messages",
		map[string]string{"content": "hi"}, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("archived conversation: status = %d", w.Code)
	}
	var er ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &er)
	if er.Code != ErrCodeArchived {
		t.Fatalf("error code = %q", er.Code)
	}
}

func TestPostTurn_IdempotencyReplay(t *testing.T) {
	db := newTurnDB(t)
	r := newTestRouter(newDegradedTurnHandlers(db))
	conv := seedConversation(t, db, "demo-user")

	hdr := map[string]string{"Idempotency-Key": "key-1"}
	body := map[string]string{"content": "hello there"}

	w1 := doJSON(t, r, http.MethodPost, "/conversations/"+conv.ID+"/messages", body, hdr)
	if w1.Code != http.StatusOK {
		t.Fatalf("first: status = %d, body = %s", w1.Code, w1.Body.String())
	}
	var first PostTurnResponse
	_ = json.Unmarshal(w1.Body.Bytes(), &first)

	w2 := doJSON(t, r, http.MethodPost, "/conversations/"+conv.ID+"/messages", body, hdr)
	if w2.Code != http.StatusOK {
		t.Fatalf("replay: status = %d", w2.Code)
	}
	if w2.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("replay must set the Idempotency-Replayed header")
	}
	var second PostTurnResponse
	_ = json.Unmarshal(w2.Body.Bytes(), &second)
	if second.AssistantMessage == nil || second.AssistantMessage.ID != first.AssistantMessage.ID {
		t.Fatalf("replay must return the recorded assistant message")
	}
	if second.Intent != first.Intent {
		t.Fatalf("replay must carry the recorded intent")
	}

	// Only one turn's worth of messages despite two requests.
	var count int64
	db.Model(&domain.Message{}).Where("conversation_id = ?", conv.ID).Count(&count)
	if count != 2 {
		t.Fatalf("replay must not persist a second turn, got %d messages", count)
	}
}

func TestListMessages(t *testing.T) {
	db := newTurnDB(t)
	r := newTestRouter(newDegradedTurnHandlers(db))
	conv := seedConversation(t, db, "demo-user")

	if w := doJSON(t, r, http.MethodGet, "/conversations/zzz/messages", nil, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("non-uuid id: status = %d", w.Code)
	}
	if w := doJSON(t, r, http.MethodGet, "/conversations/00000000-0000-0000-0000-000000000000/messages", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown conversation: status = %d", w.Code)
	}

	if w := doJSON(t, r, http.MethodPost, "/conversations/"+conv.ID+"/messages",
		map[string]string{"content": "hi"}, nil); w.Code != http.StatusOK {
		t.Fatalf("seed turn: status = %d", w.Code)
	}

	w := doJSON(t, r, http.MethodGet, "/conversations/"+conv.ID+"/messages?page=1&page_size=10", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: status = %d", w.Code)
	}
	var resp ListMessagesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Pagination.Total != 2 || len(resp.Messages) != 2 {
		t.Fatalf("expected the persisted pair: total=%d len=%d", resp.Pagination.Total, len(resp.Messages))
	}
}

func TestSanitizeContent(t *testing.T) {
	cases := []struct{ in, want string }{
		{"a\r\nb", "a\nb"},
		{"a\rb", "a\nb"},
		{"a\n\n\n\n\nb", "a\n\nb"},
		{"  padded  ", "padded"},
	}
	for _, tc := range cases {
		if got := sanitizeContent(tc.in); got != tc.want {
			t.Fatalf("sanitizeContent(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
