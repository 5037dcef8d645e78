// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Conversation model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a conversation is not found, functions return
//     gorm.ErrRecordNotFound (also exported here as ErrNotFound).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lvasilev/loglens-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateConversation inserts a new Conversation row owned by ownerID with the
// given title. The ID is a randomly generated UUID and CreatedAt is UTC.
func CreateConversation(ctx context.Context, db *gorm.DB, ownerID, title string) (*domain.Conversation, error) {
	c := &domain.Conversation{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

// ListConversations returns all non-archived conversations belonging to
// ownerID, most recently active first. Conversations that have never received
// a message sort by creation time.
func ListConversations(ctx context.Context, db *gorm.DB, ownerID string) ([]domain.Conversation, error) {
	var out []domain.Conversation
	err := db.WithContext(ctx).
		Where("owner_id = ? AND archived = ?", ownerID, false).
		Order("COALESCE(last_message_at, created_at) desc").
		Find(&out).Error
	return out, err
}

// CountConversations returns the total number of non-archived conversations
// owned by ownerID.
func CountConversations(ctx context.Context, db *gorm.DB, ownerID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("owner_id = ? AND archived = ?", ownerID, false).
		Count(&total).Error
	return total, err
}

// ListConversationsPage returns a paginated slice of non-archived
// conversations for ownerID, most recently active first. Use
// CountConversations to obtain the total for pagination metadata.
func ListConversationsPage(ctx context.Context, db *gorm.DB, ownerID string, offset, limit int) ([]domain.Conversation, error) {
	var out []domain.Conversation
	err := db.WithContext(ctx).
		Where("owner_id = ? AND archived = ?", ownerID, false).
		Order("COALESCE(last_message_at, created_at) desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// GetConversation fetches a single conversation by its ID and owner. If the
// record does not exist, it returns ErrNotFound.
func GetConversation(ctx context.Context, db *gorm.DB, id, ownerID string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", id, ownerID).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateConversationTitle updates the title of a conversation identified by
// id and owned by ownerID. If no rows are affected (conversation missing or
// not owned by ownerID), it returns ErrNotFound.
func UpdateConversationTitle(ctx context.Context, db *gorm.DB, id, ownerID, title string) error {
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND owner_id = ?", id, ownerID).
		Update("title", title)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ArchiveConversation sets the archived flag on a conversation and deletes
// the embedding records derived from its messages, so retrieval stops
// surfacing text the user has put away. Runs in a single transaction.
// Returns ErrNotFound when the conversation is missing or not owned.
func ArchiveConversation(ctx context.Context, db *gorm.DB, id, ownerID string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Conversation{}).
			Where("id = ? AND owner_id = ? AND archived = ?", id, ownerID, false).
			Update("archived", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		// Cascade: embeddings whose source is a message of this conversation.
		return tx.
			Where("source_type = ? AND source_id IN (?)",
				domain.SourceConversationMessage,
				tx.Model(&domain.Message{}).Select("id").Where("conversation_id = ?", id),
			).
			Delete(&domain.EmbeddingRecord{}).Error
	})
}
