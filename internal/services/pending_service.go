// Package services – PendingLogService
//
// This file implements the resolution half of the pending-log state machine:
// a staged extraction is either confirmed into the domain sink or cancelled.
// Confirm is the only path on which a record ever reaches the sink, and it is
// exactly-once: the compare-and-set status transition, the sink write, and
// the confirmation message commit as one transaction, so a retried or
// concurrent confirm either observes the terminal status or nothing at all.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/rs/zerolog/log"

	"github.com/lvasilev/loglens-backend/internal/domain"
	"github.com/lvasilev/loglens-backend/internal/embedding"
	"github.com/lvasilev/loglens-backend/internal/intent"
	"github.com/lvasilev/loglens-backend/internal/repo"
	"github.com/lvasilev/loglens-backend/internal/sink"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PendingLogService resolves staged log entries.
type PendingLogService struct {
	DB     *gorm.DB
	Sink   sink.Sink
	Embeds embedding.Enqueuer
	Locks  *ConvLocks
}

// ConfirmResult reports a successful confirmation.
type ConfirmResult struct {
	RecordID string             `json:"record_id"`
	Pending  *domain.PendingLog `json:"pending_log"`
	Message  *domain.Message    `json:"message"`
}

// Confirm resolves a pending log to confirmed, writes the record to the
// domain sink, and appends the confirmation message — atomically. finalFields
// overrides the staged extraction when non-nil (the user edited the preview);
// either way the fields are re-validated against the log type's schema before
// anything is written.
func (s *PendingLogService) Confirm(ctx context.Context, ownerID, pendingID string, finalFields map[string]any) (*ConfirmResult, error) {
	tr := otel.Tracer("services/PendingLogService")
	ctx, span := tr.Start(ctx, "Confirm",
		trace.WithAttributes(
			attribute.String("pending.id", pendingID),
			attribute.String("user.id", ownerID),
		),
	)
	defer span.End()

	pending, err := s.fetchOwned(ctx, ownerID, pendingID)
	if err != nil {
		return nil, err
	}
	if pending.Resolved() {
		return nil, ErrPendingResolved
	}

	fields := finalFields
	if fields == nil {
		fields = map[string]any{}
		if err := json.Unmarshal([]byte(pending.Fields), &fields); err != nil {
			return nil, err
		}
	}
	valid, errs := intent.ValidateFields(pending.LogType, fields)
	if len(errs) > 0 {
		return nil, ErrInvalidFields
	}

	unlock := s.Locks.Lock(pending.ConversationID)
	defer unlock()

	conv, err := repo.GetConversation(ctx, s.DB, pending.ConversationID, ownerID)
	if err != nil {
		return nil, ErrConversationNotFound
	}

	validJSON, err := json.Marshal(valid)
	if err != nil {
		return nil, err
	}

	res := &ConfirmResult{}
	now := time.Now().UTC()
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// CAS first: claiming the row is what makes the rest of the
		// transaction exactly-once.
		if err := repo.ResolvePendingLog(tx, pending.ID, domain.PendingStatusConfirmed, now); err != nil {
			return err
		}
		// Persist the (possibly edited) fields the record was written from.
		if err := tx.Model(&domain.PendingLog{}).Where("id = ?", pending.ID).Update("fields", string(validJSON)).Error; err != nil {
			return err
		}

		recordID, err := s.sinkFor(tx).CreateRecord(ctx, ownerID, pending.LogType, valid)
		if err != nil {
			log.Error().Err(err).Str("pending_id", pending.ID).Msg("domain sink write failed; confirm rolled back")
			return ErrSinkUnavailable
		}

		msg, err := repo.AppendMessage(tx, conv, domain.RoleAssistant, domain.KindLogConfirmed,
			confirmationText(pending.LogType, valid), &recordID)
		if err != nil {
			return err
		}

		res.RecordID = recordID
		res.Message = msg
		return nil
	})
	if err != nil {
		if errors.Is(err, repo.ErrPendingTerminal) {
			return nil, ErrPendingResolved
		}
		return nil, err
	}

	pending.Status = domain.PendingStatusConfirmed
	pending.ResolvedAt = &now
	pending.Fields = string(validJSON)
	res.Pending = pending

	// The confirmed fact enters retrieval twice: the confirmation message as
	// conversational memory, the record description as structured memory.
	if s.Embeds != nil {
		s.Embeds.Enqueue(embedding.Job{
			SourceType: domain.SourceConversationMessage,
			SourceID:   res.Message.ID,
			OwnerID:    ownerID,
			Text:       res.Message.Content,
		})
		s.Embeds.Enqueue(embedding.Job{
			SourceType: domain.SourceDomainEvent,
			SourceID:   res.RecordID,
			OwnerID:    ownerID,
			Text: sink.Entry{
				ID:       res.RecordID,
				OwnerID:  ownerID,
				LogType:  pending.LogType,
				Fields:   valid,
				LoggedAt: now,
			}.Describe(),
		})
	}
	return res, nil
}

// Cancel resolves a pending log to cancelled and appends a short
// acknowledgment. Nothing reaches the sink and the acknowledgment is not
// embedded; a discarded draft is not memory.
func (s *PendingLogService) Cancel(ctx context.Context, ownerID, pendingID string) (*domain.PendingLog, error) {
	tr := otel.Tracer("services/PendingLogService")
	ctx, span := tr.Start(ctx, "Cancel",
		trace.WithAttributes(
			attribute.String("pending.id", pendingID),
			attribute.String("user.id", ownerID),
		),
	)
	defer span.End()

	pending, err := s.fetchOwned(ctx, ownerID, pendingID)
	if err != nil {
		return nil, err
	}
	if pending.Resolved() {
		return nil, ErrPendingResolved
	}

	unlock := s.Locks.Lock(pending.ConversationID)
	defer unlock()

	conv, err := repo.GetConversation(ctx, s.DB, pending.ConversationID, ownerID)
	if err != nil {
		return nil, ErrConversationNotFound
	}

	now := time.Now().UTC()
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.ResolvePendingLog(tx, pending.ID, domain.PendingStatusCancelled, now); err != nil {
			return err
		}
		_, err := repo.AppendMessage(tx, conv, domain.RoleAssistant, domain.KindLogCancelled,
			"Okay, I won't log that.", nil)
		return err
	})
	if err != nil {
		if errors.Is(err, repo.ErrPendingTerminal) {
			return nil, ErrPendingResolved
		}
		return nil, err
	}

	pending.Status = domain.PendingStatusCancelled
	pending.ResolvedAt = &now
	return pending, nil
}

// Get returns a pending log after the ownership check. Handlers use it to
// render the current state of a staged entry.
func (s *PendingLogService) Get(ctx context.Context, ownerID, pendingID string) (*domain.PendingLog, error) {
	return s.fetchOwned(ctx, ownerID, pendingID)
}

// fetchOwned loads a pending log and verifies it belongs to ownerID via its
// parent conversation. Foreign pending logs read as not found.
func (s *PendingLogService) fetchOwned(ctx context.Context, ownerID, pendingID string) (*domain.PendingLog, error) {
	pending, err := repo.GetPendingLog(ctx, s.DB, pendingID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPendingNotFound
		}
		return nil, err
	}
	if pending.Conversation.OwnerID != ownerID {
		return nil, ErrPendingNotFound
	}
	return pending, nil
}

// sinkFor binds the sink to the confirm transaction when the bundled GORM
// sink is in use. External sinks get the ambient handle; their write is not
// transactional with the status flip, which is the accepted trade-off until
// an outbox is warranted.
func (s *PendingLogService) sinkFor(tx *gorm.DB) sink.Sink {
	if gs, ok := s.Sink.(*sink.GormSink); ok {
		return gs.WithTx(tx)
	}
	return s.Sink
}

// confirmationText renders the assistant's confirmation message.
func confirmationText(logType string, fields map[string]any) string {
	if d, ok := fields["description"].(string); ok && d != "" {
		return "Logged your " + logType + " entry: " + d + "."
	}
	if a, ok := fields["activity"].(string); ok && a != "" {
		return "Logged your " + logType + " entry: " + a + "."
	}
	return "Logged your " + logType + " entry."
}
