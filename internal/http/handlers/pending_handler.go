// Pending-log HTTP handlers.
//
// This file exposes REST endpoints for the staged-log lifecycle:
//   - GET  /pending-logs/{id}          (inspect a staged entry)
//   - POST /pending-logs/{id}/confirm  (resolve to confirmed; writes the record)
//   - POST /pending-logs/{id}/cancel   (resolve to cancelled; discards it)
//
// Confirm and cancel are one-shot: a second call on the same staged entry
// returns 409 with the `conflict` code regardless of which terminal state won.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lvasilev/loglens-backend/internal/domain"
	"github.com/lvasilev/loglens-backend/internal/services"
)

//
// DTOs
//

// ConfirmPendingRequest is the JSON payload for confirming a staged log.
// Fields, when present, replaces the staged extraction wholesale with the
// user's edited values; omit it to confirm the preview as shown.
type ConfirmPendingRequest struct {
	Fields map[string]any `json:"fields,omitempty"`
}

// ConfirmPendingResponse reports the committed record and the assistant's
// confirmation message.
type ConfirmPendingResponse struct {
	RecordID string             `json:"record_id"`
	Pending  *domain.PendingLog `json:"pending_log"`
	Message  *domain.Message    `json:"message"`
}

//
// Handlers
//

// GetPendingLog handles GET /pending-logs/:id.
func (h *Handlers) GetPendingLog(c *gin.Context) {
	pendingID := c.Param("id")
	if _, err := uuid.Parse(pendingID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "pending log id must be a UUID")
		return
	}

	p, err := h.pendingSvc.Get(c.Request.Context(), userID(c), pendingID)
	if err != nil {
		if errors.Is(err, services.ErrPendingNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "pending log not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, p)
}

// ConfirmPendingLog handles POST /pending-logs/:id/confirm.
func (h *Handlers) ConfirmPendingLog(c *gin.Context) {
	pendingID := c.Param("id")
	if _, err := uuid.Parse(pendingID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "pending log id must be a UUID")
		return
	}

	// Body is optional: an empty body confirms the staged fields as-is.
	var req ConfirmPendingRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}

	res, err := h.pendingSvc.Confirm(c.Request.Context(), userID(c), pendingID, req.Fields)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrPendingNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "pending log not found")
		case errors.Is(err, services.ErrPendingResolved):
			fail(c, http.StatusConflict, ErrCodeConflict, "pending log already resolved")
		case errors.Is(err, services.ErrInvalidFields):
			fail(c, http.StatusBadRequest, ErrCodeInvalidFields, "fields failed validation for this log type")
		case errors.Is(err, services.ErrSinkUnavailable):
			fail(c, http.StatusBadGateway, ErrCodeSinkUnavailable, "could not save the record, nothing was saved")
		case errors.Is(err, services.ErrConversationNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeConfirmFailed, err.Error())
		}
		return
	}

	ok(c, http.StatusOK, ConfirmPendingResponse{
		RecordID: res.RecordID,
		Pending:  res.Pending,
		Message:  res.Message,
	})
}

// CancelPendingLog handles POST /pending-logs/:id/cancel.
func (h *Handlers) CancelPendingLog(c *gin.Context) {
	pendingID := c.Param("id")
	if _, err := uuid.Parse(pendingID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "pending log id must be a UUID")
		return
	}

	p, err := h.pendingSvc.Cancel(c.Request.Context(), userID(c), pendingID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrPendingNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "pending log not found")
		case errors.Is(err, services.ErrPendingResolved):
			fail(c, http.StatusConflict, ErrCodeConflict, "pending log already resolved")
		case errors.Is(err, services.ErrConversationNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}
	ok(c, http.StatusOK, p)
}
