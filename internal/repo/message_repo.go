// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message
// model, including the transactional append that keeps the conversation's
// cached aggregates (message_count, last_message_at) consistent.
package repo

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lvasilev/loglens-backend/internal/domain"
)

// AppendMessage inserts a message row and bumps the parent conversation's
// cached aggregates in the same statement set. Callers MUST run it inside a
// transaction (and, for user turns, under the per-conversation writer lock)
// so the invariant message_count == count(messages) holds.
//
// Seq is assigned from the conversation's current MessageCount, giving a
// monotonic per-conversation insertion counter that breaks CreatedAt ties.
func AppendMessage(tx *gorm.DB, conv *domain.Conversation, role, kind, content string, linkedRecordID *string) (*domain.Message, error) {
	now := time.Now().UTC()
	m := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           role,
		Kind:           kind,
		Content:        content,
		Seq:            conv.MessageCount,
		LinkedRecordID: linkedRecordID,
		CreatedAt:      now,
	}
	if err := tx.Create(m).Error; err != nil {
		return nil, err
	}

	conv.MessageCount++
	conv.LastMessageAt = &now
	err := tx.Model(&domain.Conversation{}).
		Where("id = ?", conv.ID).
		Updates(map[string]any{
			"message_count":   conv.MessageCount,
			"last_message_at": now,
		}).Error
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListMessages returns messages ordered deterministically (CreatedAt ASC, Seq ASC).
func ListMessages(db *gorm.DB, conversationID string, limit int) ([]domain.Message, error) {
	var out []domain.Message
	q := db.Where("conversation_id = ?", conversationID).Order("created_at ASC, seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// RecentMessages returns the newest n messages of a conversation in
// chronological order. Used by the retrieval engine's recent-turns window.
func RecentMessages(db *gorm.DB, conversationID string, n int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC, seq DESC").
		Limit(n).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error (as tests expect).
func CountMessages(db *gorm.DB, conversationID string) (int64, error) {
	var total int64
	err := db.Raw("SELECT COUNT(*) FROM messages WHERE conversation_id = ?", conversationID).Scan(&total).Error
	return total, err
}

// ListMessagesPage returns a paginated slice ordered (CreatedAt ASC, Seq ASC).
func ListMessagesPage(db *gorm.DB, conversationID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, seq ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// GetMessage fetches a message by ID.
func GetMessage(db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}
