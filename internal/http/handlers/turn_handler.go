// Turn HTTP handlers.
//
// This file exposes REST endpoints for conversation turns:
//   - POST /conversations/{id}/messages   (route one user turn through intent classification)
//   - GET  /conversations/{id}/messages   (list paginated messages for a conversation)
//
// Handlers are transport-thin:
//   - validate & normalize inputs (including newline and length constraints)
//   - delegate to application services (TurnService)
//   - implement idempotency semantics for safe retries
//
// Idempotency:
// If the client supplies an Idempotency-Key header and a previous successful
// result exists for (user, conversation, key), the handler returns the recorded
// assistant message and sets `Idempotency-Replayed: true`.
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lvasilev/loglens-backend/internal/domain"
	"github.com/lvasilev/loglens-backend/internal/repo"
	"github.com/lvasilev/loglens-backend/internal/services"
	"github.com/lvasilev/loglens-backend/internal/utils"
)

//
// DTOs
//

// PostTurnRequest is the JSON payload for sending one user turn.
//
// Content is normalized by the handler (line endings and excessive blank
// lines) before being passed to the service layer. The service also enforces
// a maximum rune count.
type PostTurnRequest struct {
	// Content is the user's message. It must be non-empty.
	Content string `json:"content" binding:"required,min=1" example:"I ran 5 miles in 40 minutes this morning"`
	// HasMedia marks turns that arrived with an attachment; attachments are
	// not ingested but bias classification toward the log intent.
	HasMedia bool `json:"has_media,omitempty"`
}

// PostTurnResponse is the JSON envelope for a routed turn. PendingLog is set
// only when the turn was classified as a loggable event and staged.
type PostTurnResponse struct {
	Intent           string             `json:"intent"`
	UserMessage      *domain.Message    `json:"user_message,omitempty"`
	AssistantMessage *domain.Message    `json:"assistant_message"`
	PendingLog       *domain.PendingLog `json:"pending_log,omitempty"`
}

// ListMessagesResponse contains a page of messages and pagination metadata.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

//
// Helpers
//

// clampMsgPagination parses page/page_size from query parameters, applies sane
// defaults and caps, and returns the validated (page, pageSize).
func clampMsgPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent normalizes user text for consistent downstream behavior:
//   - converts CRLF/CR to LF,
//   - collapses runs of 3+ LFs to exactly two (paragraph separation),
//   - trims surrounding whitespace.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// discoverMaxPromptRunes inspects the concrete TurnService for a configured
// prompt-length limit. If unavailable, it returns a conservative fallback.
func discoverMaxPromptRunes(turnSvc TurnService) int {
	const fallback = 4000
	if ts, ok := turnSvc.(*services.TurnService); ok {
		if ts.MaxPromptRunes > 0 {
			return ts.MaxPromptRunes
		}
	}
	return fallback
}

//
// Handlers
//

// PostTurn handles POST /conversations/:id/messages. The turn is classified
// and routed: chat turns come back with a generated assistant reply, loggable
// turns come back with a staged pending log and the assistant's preview.
// Supports idempotency via the Idempotency-Key header (same key → same result).
func (h *Handlers) PostTurn(c *gin.Context) {
	ctx := c.Request.Context()
	conversationID := c.Param("id")

	if _, err := uuid.Parse(conversationID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation id must be a UUID")
		return
	}

	var req PostTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}

	// Sanitize + early size cap to fail fast at the edge.
	content := sanitizeContent(req.Content)
	maxRunes := discoverMaxPromptRunes(h.turnSvc)
	if maxRunes > 0 && utf8.RuneCountInString(content) > maxRunes {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("content too long: max %d runes", maxRunes))
		return
	}
	if content == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}

	currentUser := userID(c)

	// Idempotency (replay path) – read validated key if present.
	idemKey, _ := requestIdempotencyKey(c)
	if idemKey != "" {
		if svc, okSvc := h.turnSvc.(*services.TurnService); okSvc && svc.DB != nil {
			if rec, err := repo.GetIdempotency(ctx, svc.DB, currentUser, conversationID, idemKey, time.Now().UTC()); err == nil && rec != nil {
				if prev, err2 := repo.GetMessage(svc.DB, rec.MessageID); err2 == nil {
					c.Header("Idempotency-Replayed", "true")
					ok(c, http.StatusOK, PostTurnResponse{
						Intent:           rec.Intent,
						AssistantMessage: prev,
					})
					return
				}
			}
		}
	}

	res, err := h.turnSvc.HandleTurn(ctx, currentUser, conversationID, content, req.HasMedia)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrConversationNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		case errors.Is(err, services.ErrConversationArchived):
			fail(c, http.StatusConflict, ErrCodeArchived, "conversation is archived")
		case errors.Is(err, services.ErrTooLong):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("content too long: max %d runes", maxRunes))
		case errors.Is(err, services.ErrEmptyMessage):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		case errors.Is(err, services.ErrPendingExists):
			fail(c, http.StatusConflict, ErrCodeConflict, "a pending log already exists for this message")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeTurnFailed, err.Error())
		}
		return
	}

	// Idempotency (store path) – best effort.
	if idemKey != "" && res.AssistantMessage != nil {
		if svc, ok := h.turnSvc.(*services.TurnService); ok && svc.DB != nil {
			ttl := 24 * time.Hour
			_, _ = repo.CreateIdempotency(ctx, svc.DB, currentUser, conversationID, idemKey, res.AssistantMessage.ID, res.Intent, http.StatusOK, ttl)
		}
	}

	ok(c, http.StatusOK, PostTurnResponse{
		Intent:           res.Intent,
		UserMessage:      res.UserMessage,
		AssistantMessage: res.AssistantMessage,
		PendingLog:       res.Pending,
	})
}

// ListMessages handles GET /conversations/:id/messages (paginated).
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	conversationID := c.Param("id")

	if _, err := uuid.Parse(conversationID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation id must be a UUID")
		return
	}

	page, pageSize := clampMsgPagination(c)

	items, total, err := h.turnSvc.ListPage(ctx, conversationID, page, pageSize)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrConversationNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		}
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListMessagesResponse{
		Messages: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// requestIdempotencyKey extracts an idempotency key if an upstream middleware
// has already validated/stashed it. The fallback behavior reads the
// "Idempotency-Key" header directly when no dedicated middleware exists.
func requestIdempotencyKey(c *gin.Context) (string, bool) {
	if v := strings.TrimSpace(c.GetHeader("Idempotency-Key")); v != "" {
		return v, true
	}
	return "", false
}
