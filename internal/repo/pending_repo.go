// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the PendingLog
// model: creation guarded by the storage-layer uniqueness constraint, and
// compare-and-set transitions to the terminal statuses.
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

// ErrPendingDuplicate indicates that a pending log already exists for the
// triggering message. The unique index on triggering_message_id closes the
// race between concurrent duplicate submissions; this error surfaces it.
var ErrPendingDuplicate = errors.New("pending log already exists for message")

// ErrPendingTerminal indicates a transition was attempted on a pending log
// that has already been confirmed or cancelled.
var ErrPendingTerminal = errors.New("pending log already resolved")

// CreatePendingLog inserts a pending log row for the triggering message.
// Returns ErrPendingDuplicate on unique-constraint violation.
func CreatePendingLog(tx *gorm.DB, conversationID, triggeringMessageID, logType, fieldsJSON string, confidence float64) (*domain.PendingLog, error) {
	p := &domain.PendingLog{
		ID:                  uuid.NewString(),
		ConversationID:      conversationID,
		TriggeringMessageID: triggeringMessageID,
		LogType:             logType,
		Fields:              fieldsJSON,
		Confidence:          confidence,
		Status:              domain.PendingStatusPending,
		CreatedAt:           time.Now().UTC(),
	}
	if err := tx.Create(p).Error; err != nil {
		// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
		low := strings.ToLower(err.Error())
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(low, "unique constraint failed") ||
			strings.Contains(low, "constraint failed: unique") {
			return nil, ErrPendingDuplicate
		}
		return nil, err
	}
	return p, nil
}

// GetPendingLog fetches a pending log by ID together with its parent
// conversation (used for ownership checks). Returns ErrNotFound when missing.
func GetPendingLog(ctx context.Context, db *gorm.DB, id string) (*domain.PendingLog, error) {
	var p domain.PendingLog
	err := db.WithContext(ctx).
		Preload("Conversation").
		Where("id = ?", id).
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ResolvePendingLog performs the compare-and-set transition from pending to
// the given terminal status. The WHERE clause on status means the row is
// claimed by exactly one caller: concurrent transitions see zero rows
// affected and get ErrPendingTerminal. SQLite serializes writers, so the
// loser observes the winner's committed status.
func ResolvePendingLog(tx *gorm.DB, id, toStatus string, resolvedAt time.Time) error {
	res := tx.Model(&domain.PendingLog{}).
		Where("id = ? AND status = ?", id, domain.PendingStatusPending).
		Updates(map[string]any{
			"status":      toStatus,
			"resolved_at": resolvedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrPendingTerminal
	}
	return nil
}
