// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// EmbeddingRecord model: idempotent insertion keyed by (source_id,
// content_hash), owner-scoped listing for the vector index, and the queries
// behind the reconciliation sweep.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lvasilev/loglens-backend/internal/domain"
)

// GetEmbeddingBySource returns the embedding record for (sourceID, contentHash),
// or ErrNotFound when none exists.
func GetEmbeddingBySource(ctx context.Context, db *gorm.DB, sourceID, contentHash string) (*domain.EmbeddingRecord, error) {
	var rec domain.EmbeddingRecord
	err := db.WithContext(ctx).
		Where("source_id = ? AND content_hash = ?", sourceID, contentHash).
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateEmbedding inserts an embedding record. A unique-constraint violation
// (a concurrent retry already stored the identical vector) is resolved by
// returning the existing row, making the call idempotent.
func CreateEmbedding(ctx context.Context, db *gorm.DB, ownerID, sourceType, sourceID, contentHash, text, vectorJSON string) (*domain.EmbeddingRecord, error) {
	rec := &domain.EmbeddingRecord{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		SourceType:  sourceType,
		SourceID:    sourceID,
		ContentHash: contentHash,
		Text:        text,
		Vector:      vectorJSON,
		CreatedAt:   time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		low := strings.ToLower(err.Error())
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(low, "unique constraint failed") ||
			strings.Contains(low, "constraint failed: unique") {
			return GetEmbeddingBySource(ctx, db, sourceID, contentHash)
		}
		return nil, err
	}
	return rec, nil
}

// ListEmbeddings returns all embedding records for an owner, optionally
// filtered by source type. The bundled brute-force vector index scans these.
func ListEmbeddings(ctx context.Context, db *gorm.DB, ownerID, sourceType string) ([]domain.EmbeddingRecord, error) {
	q := db.WithContext(ctx).Where("owner_id = ?", ownerID)
	if sourceType != "" {
		q = q.Where("source_type = ?", sourceType)
	}
	var out []domain.EmbeddingRecord
	err := q.Find(&out).Error
	return out, err
}

// MessagesMissingEmbeddings returns messages persisted before cutoff that
// have no embedding record yet, excluding messages of archived conversations
// and cancel acknowledgments (which are never embedded). The reconciliation
// sweep re-enqueues these.
func MessagesMissingEmbeddings(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Joins("JOIN conversations ON conversations.id = messages.conversation_id AND conversations.archived = ?", false).
		Where("messages.kind <> ?", domain.KindLogCancelled).
		Where("messages.created_at < ?", cutoff).
		Where("NOT EXISTS (SELECT 1 FROM embedding_records e WHERE e.source_id = messages.id)").
		Order("messages.created_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// RecordsMissingEmbeddings returns confirmed domain records created before
// cutoff that have no embedding record yet.
func RecordsMissingEmbeddings(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.LogRecord, error) {
	var out []domain.LogRecord
	err := db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Where("NOT EXISTS (SELECT 1 FROM embedding_records e WHERE e.source_id = log_records.id)").
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
