// Package services – ConversationService
//
// This file implements the ConversationService, which manages the lifecycle
// of conversations. It validates and normalizes titles, enforces ownership
// rules, and coordinates repository operations for creating, listing (with
// pagination), renaming, and archiving conversations. Title handling is
// intentionally minimal here because automatic title generation is performed
// in TurnService on the first user message.
//
// Service-level errors (e.g., ErrConversationNotFound) are returned for
// predictable cases so handlers can map them to HTTP results consistently.
package services

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/lvasilev/loglens-backend/internal/domain"
	"golang.org/x/text/language"
)

// ConversationRepo defines the repository contract required by
// ConversationService. Implementations are responsible for persistence of
// conversation aggregates.
type ConversationRepo interface {
	// CreateConversation inserts a new conversation row for the given owner.
	CreateConversation(ctx context.Context, db *gorm.DB, ownerID, title string) (*domain.Conversation, error)

	// ListConversations returns all conversations belonging to the owner.
	ListConversations(ctx context.Context, db *gorm.DB, ownerID string) ([]domain.Conversation, error)

	// GetConversation fetches a conversation by ID ensuring ownership.
	GetConversation(ctx context.Context, db *gorm.DB, id, ownerID string) (*domain.Conversation, error)

	// UpdateConversationTitle renames a conversation (only if owned).
	UpdateConversationTitle(ctx context.Context, db *gorm.DB, id, ownerID, title string) error

	// CountConversations returns the total for pagination.
	CountConversations(ctx context.Context, db *gorm.DB, ownerID string) (int64, error)

	// ListConversationsPage returns a page of conversations for the owner.
	ListConversationsPage(ctx context.Context, db *gorm.DB, ownerID string, offset, limit int) ([]domain.Conversation, error)

	// ArchiveConversation soft-archives a conversation and cascades the
	// deletion of its message embeddings.
	ArchiveConversation(ctx context.Context, db *gorm.DB, id, ownerID string) error
}

// ConversationService provides conversation-level operations such as
// creating, listing, renaming, and archiving threads. It enforces title
// rules and ensures ownership constraints.
type ConversationService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the conversation repository used by this service.
	Repo ConversationRepo

	// TitleMaxLen caps stored titles by rune length.
	TitleMaxLen int
	// TitleLocale is retained for compatibility; auto-titling is handled in TurnService.
	TitleLocale language.Tag
}

// NewConversationService constructs a ConversationService with sane defaults
// for title handling.
func NewConversationService(db *gorm.DB, r ConversationRepo) *ConversationService {
	return &ConversationService{
		DB:          db,
		Repo:        r,
		TitleMaxLen: 60,
		TitleLocale: language.Und,
	}
}

// Create inserts a new conversation owned by ownerID with the provided title.
// Titles are normalized, trimmed, clipped, and a default fallback is applied.
func (s *ConversationService) Create(ctx context.Context, ownerID, title string) (*domain.Conversation, error) {
	title = normalizeTitle(title)
	if title == "" {
		title = "New conversation"
	}
	return s.Repo.CreateConversation(ctx, s.DB, ownerID, s.clip(title))
}

// List returns all conversations for an owner (non-paginated).
// Prefer ListPage for scalability on large datasets.
func (s *ConversationService) List(ctx context.Context, ownerID string) ([]domain.Conversation, error) {
	return s.Repo.ListConversations(ctx, s.DB, ownerID)
}

// ListPage returns a page of conversations for an owner (paginated).
// It applies defaults for invalid page/pageSize and returns total count.
func (s *ConversationService) ListPage(ctx context.Context, ownerID string, page, pageSize int) ([]domain.Conversation, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := s.Repo.CountConversations(ctx, s.DB, ownerID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Conversation{}, 0, nil
	}

	items, err := s.Repo.ListConversationsPage(ctx, s.DB, ownerID, offset, pageSize)
	return items, total, err
}

// UpdateTitle renames a conversation, ensuring it exists and belongs to the
// given owner. Falls back to "Untitled" if the title is blank.
func (s *ConversationService) UpdateTitle(ctx context.Context, ownerID, conversationID, title string) error {
	title = normalizeTitle(title)
	if title == "" {
		title = "Untitled"
	}
	// Ensure the conversation exists and belongs to the owner.
	if _, err := s.Repo.GetConversation(ctx, s.DB, conversationID, ownerID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrConversationNotFound
		}
		return err
	}
	return s.Repo.UpdateConversationTitle(ctx, s.DB, conversationID, ownerID, s.clip(title))
}

// Archive soft-archives a conversation. Archived threads accept no further
// turns and their message embeddings are removed from retrieval.
func (s *ConversationService) Archive(ctx context.Context, ownerID, conversationID string) error {
	err := s.Repo.ArchiveConversation(ctx, s.DB, conversationID, ownerID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrConversationNotFound
	}
	return err
}

// clip truncates a conversation title to the configured maximum rune length.
func (s *ConversationService) clip(title string) string {
	if s.TitleMaxLen > 0 && utf8.RuneCountInString(title) > s.TitleMaxLen {
		return string([]rune(title)[:s.TitleMaxLen])
	}
	return title
}

// normalizeTitle trims whitespace and collapses multiple spaces to one.
func normalizeTitle(s string) string {
	s = whitespaceRE.ReplaceAllString(strings.TrimSpace(s), " ")
	return s
}

// whitespaceRE collapses consecutive whitespace to a single space.
var whitespaceRE = regexp.MustCompile(`\s+`)
