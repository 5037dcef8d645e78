// Package services – TurnService
//
// This file implements TurnService, the application-level component that owns
// one inbound user turn end to end: persist the user message, classify its
// intent, and route it either down the chat path (retrieval-grounded
// generation) or the log path (structured extraction staged as a PendingLog
// awaiting explicit confirmation). Nothing on the log path reaches the domain
// sink from here; staging is the only side effect.
//
// Optional enhancement: it also auto-generates a conversation title from the
// first user prompt when the conversation still has a default/empty title.
//
// Observability: public methods are OpenTelemetry-instrumented; spans include
// conversation/user identifiers and the routing decision.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/rs/zerolog/log"

	"github.com/lvasilev/loglens-backend/internal/domain"
	"github.com/lvasilev/loglens-backend/internal/embedding"
	"github.com/lvasilev/loglens-backend/internal/intent"
	"github.com/lvasilev/loglens-backend/internal/provider"
	"github.com/lvasilev/loglens-backend/internal/repo"
	"github.com/lvasilev/loglens-backend/internal/retrieval"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	// default titles we consider placeholders eligible for auto-generation
	defaultTitleNew      = "New conversation"
	defaultTitleUntitled = "Untitled"

	// degradedReply is served when generation fails after retrying. It reads
	// like an ordinary answer; provider plumbing is never exposed.
	degradedReply = "I don't have a good answer for that right now — could you try asking again?"

	chatSystemPrompt = "You are a personal logging assistant. Answer using the provided " +
		"context where it is relevant; be concise and concrete. If the context does not " +
		"cover the question, say what you do know without inventing logged data."
)

// TurnResult is the outcome of one inbound user turn. Exactly one of
// AssistantMessage (chat path) and Pending (log path) semantics applies,
// though the log path also carries the assistant-authored preview message.
type TurnResult struct {
	UserMessage      *domain.Message    `json:"user_message"`
	AssistantMessage *domain.Message    `json:"assistant_message"`
	Pending          *domain.PendingLog `json:"pending_log,omitempty"`
	Intent           string             `json:"intent"`
	Confidence       float64            `json:"confidence,omitempty"`
}

// TurnService routes inbound turns between the chat and log paths.
type TurnService struct {
	DB         *gorm.DB
	Classifier *intent.Classifier
	Extractor  *intent.Extractor
	Engine     *retrieval.Engine
	Generator  provider.Generator
	Embeds     embedding.Enqueuer
	Locks      *ConvLocks

	// Optional guards
	MaxPromptRunes int
	MaxReplyRunes  int

	// GenerateTimeout bounds each generation attempt.
	GenerateTimeout time.Duration

	// Title generation config
	TitleLocale language.Tag
	TitleMaxLen int
}

// HandleTurn validates the turn, verifies the conversation, classifies
// intent, and executes the selected path. The user and assistant messages
// (and on the log path, the PendingLog) are persisted atomically; embedding
// work is handed to the background pipeline after commit.
func (s *TurnService) HandleTurn(ctx context.Context, ownerID, conversationID, text string, hasMedia bool) (*TurnResult, error) {
	tr := otel.Tracer("services/TurnService")
	ctx, span := tr.Start(ctx, "HandleTurn",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("user.id", ownerID),
		),
	)
	defer span.End()

	// Normalize & validate the turn text.
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if s.MaxPromptRunes > 0 && utf8.RuneCountInString(text) > s.MaxPromptRunes {
		return nil, ErrTooLong
	}

	// Serialize concurrent turns per conversation: Seq assignment and the
	// cached aggregates depend on single-writer discipline.
	unlock := s.Locks.Lock(conversationID)
	defer unlock()

	conv, err := repo.GetConversation(ctx, s.DB, conversationID, ownerID)
	if err != nil {
		return nil, ErrConversationNotFound
	}
	if conv.Archived {
		return nil, ErrConversationArchived
	}

	verdict, err := s.Classifier.Classify(ctx, text, hasMedia)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Bool("turn.is_log", verdict.IsLog))

	if verdict.IsLog {
		return s.logTurn(ctx, conv, text, verdict)
	}
	return s.chatTurn(ctx, conv, text)
}

// chatTurn runs the retrieval-grounded generation path and persists the
// user/assistant pair atomically.
func (s *TurnService) chatTurn(ctx context.Context, conv *domain.Conversation, text string) (*TurnResult, error) {
	reply := s.generateReply(ctx, conv, text)

	res := &TurnResult{Intent: "chat"}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		userMsg, err := repo.AppendMessage(tx, conv, domain.RoleUser, domain.KindChat, text, nil)
		if err != nil {
			return err
		}
		asstMsg, err := repo.AppendMessage(tx, conv, domain.RoleAssistant, domain.KindChat, reply, nil)
		if err != nil {
			return err
		}
		res.UserMessage = userMsg
		res.AssistantMessage = asstMsg
		s.maybeAutoTitle(tx, conv, text)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.enqueueMessageEmbedding(conv.OwnerID, res.UserMessage)
	s.enqueueMessageEmbedding(conv.OwnerID, res.AssistantMessage)
	if s.MaxReplyRunes > 0 && utf8.RuneCountInString(res.AssistantMessage.Content) > s.MaxReplyRunes {
		runes := []rune(res.AssistantMessage.Content)
		res.AssistantMessage.Content = string(runes[:s.MaxReplyRunes])
	}
	return res, nil
}

// logTurn runs the staging path: extract, persist the user turn plus the
// PendingLog plus the preview message atomically. The domain sink is not
// touched; that happens only on explicit confirmation.
func (s *TurnService) logTurn(ctx context.Context, conv *domain.Conversation, text string, verdict *provider.IntentResult) (*TurnResult, error) {
	ext, err := s.Extractor.Extract(ctx, text, verdict.LogType)
	if err != nil {
		// Extraction is the one provider call the log path cannot degrade
		// around: without fields there is nothing to stage, so fall back to
		// treating the turn as chat rather than failing it.
		log.Warn().Err(err).Str("log_type", verdict.LogType).Msg("extraction failed; treating turn as chat")
		return s.chatTurn(ctx, conv, text)
	}

	fieldsJSON, err := json.Marshal(ext.Fields)
	if err != nil {
		return nil, err
	}

	res := &TurnResult{Intent: "log", Confidence: verdict.Confidence}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		userMsg, err := repo.AppendMessage(tx, conv, domain.RoleUser, domain.KindChat, text, nil)
		if err != nil {
			return err
		}
		pending, err := repo.CreatePendingLog(tx, conv.ID, userMsg.ID, verdict.LogType, string(fieldsJSON), verdict.Confidence)
		if err != nil {
			return err
		}
		preview := previewText(verdict.LogType, ext.Fields, verdict.Confidence)
		asstMsg, err := repo.AppendMessage(tx, conv, domain.RoleAssistant, domain.KindLogPreview, preview, nil)
		if err != nil {
			return err
		}
		res.UserMessage = userMsg
		res.AssistantMessage = asstMsg
		res.Pending = pending
		s.maybeAutoTitle(tx, conv, text)
		return nil
	})
	if err != nil {
		if errors.Is(err, repo.ErrPendingDuplicate) {
			return nil, ErrPendingExists
		}
		return nil, err
	}

	// The preview is provisional; only the user turn is embedded now. The
	// confirmation message gets embedded when (and if) the log is confirmed.
	s.enqueueMessageEmbedding(conv.OwnerID, res.UserMessage)
	return res, nil
}

// generateReply builds the grounded context bundle and asks the generator
// for an answer, retrying once. All failures degrade to a neutral reply; a
// chat turn never hard-fails on provider flakiness.
func (s *TurnService) generateReply(ctx context.Context, conv *domain.Conversation, text string) string {
	var bundle []string
	if s.Engine != nil {
		b, err := s.Engine.BuildContext(ctx, retrieval.Query{
			OwnerID:        conv.OwnerID,
			ConversationID: conv.ID,
			Text:           text,
			RecencyWeight:  -1, // engine default
		})
		if err != nil {
			log.Warn().Err(err).Msg("context build failed; generating without grounding")
		} else {
			bundle = b.Flatten()
		}
	}

	if s.Generator == nil {
		return degradedReply
	}

	for attempt := 0; attempt < 2; attempt++ {
		gctx := ctx
		if s.GenerateTimeout > 0 {
			var cancel context.CancelFunc
			gctx, cancel = context.WithTimeout(ctx, s.GenerateTimeout)
			defer cancel()
		}
		reply, err := s.Generator.Generate(gctx, chatSystemPrompt, bundle, text)
		if err == nil {
			return reply
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("generation failed")
	}
	return degradedReply
}

// enqueueMessageEmbedding hands a persisted message to the background
// embedding pipeline.
func (s *TurnService) enqueueMessageEmbedding(ownerID string, m *domain.Message) {
	if s.Embeds == nil || m == nil {
		return
	}
	s.Embeds.Enqueue(embedding.Job{
		SourceType: domain.SourceConversationMessage,
		SourceID:   m.ID,
		OwnerID:    ownerID,
		Text:       m.Content,
	})
}

// ListPage returns paginated messages for a conversation.
func (s *TurnService) ListPage(ctx context.Context, conversationID string, page, pageSize int) ([]domain.Message, int64, error) {
	tr := otel.Tracer("services/TurnService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	// Ensure the conversation exists.
	var convCount int64
	if err := s.DB.WithContext(ctx).Model(&domain.Conversation{}).Where("id = ?", conversationID).Count(&convCount).Error; err != nil {
		return nil, 0, err
	}
	if convCount == 0 {
		return nil, 0, ErrConversationNotFound
	}

	total, err := repo.CountMessages(s.DB.WithContext(ctx), conversationID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Message{}, 0, nil
	}

	items, err := repo.ListMessagesPage(s.DB.WithContext(ctx), conversationID, offset, pageSize)
	return items, total, err
}

// previewText renders the staged extraction as the assistant's preview
// message. Missing fields are called out so the user can fill gaps before
// confirming.
func previewText(logType string, fields map[string]any, confidence float64) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Here's the %s entry I put together (%.0f%% confident):\n", logType, confidence*100)
	if len(keys) == 0 {
		sb.WriteString("- (no fields could be inferred — please fill them in)\n")
	}
	for _, k := range keys {
		fmt.Fprintf(&sb, "- %s: %v\n", k, fields[k])
	}
	sb.WriteString("Confirm to save it, edit the fields first, or cancel.")
	return sb.String()
}

// maybeAutoTitle updates a placeholder title from the first prompt. Failures
// are ignored; titling is cosmetic.
func (s *TurnService) maybeAutoTitle(tx *gorm.DB, conv *domain.Conversation, prompt string) {
	if !shouldAutoTitle(conv.Title) {
		return
	}
	gen := s.generateTitleFromPrompt(prompt)
	if gen == "" {
		return
	}
	gen = s.clipTitle(gen)
	if err := tx.Model(&domain.Conversation{}).Where("id = ?", conv.ID).Update("title", gen).Error; err == nil {
		conv.Title = gen
	}
}

// shouldAutoTitle reports whether the current title is a placeholder.
func shouldAutoTitle(current string) bool {
	t := strings.TrimSpace(strings.ToLower(current))
	return t == "" || t == strings.ToLower(defaultTitleNew) || t == strings.ToLower(defaultTitleUntitled)
}

// generateTitleFromPrompt derives a concise title from the prompt.
func (s *TurnService) generateTitleFromPrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ""
	}
	toks := titleWordRE.FindAllString(strings.ToLower(prompt), -1)
	if len(toks) == 0 {
		return ""
	}

	titleCaser := cases.Title(s.titleLocaleOrDefault())
	out := make([]string, 0, 8)

	for _, w := range toks {
		if _, skip := titleStopWords[w]; skip {
			continue
		}
		out = append(out, titleCaser.String(w))
		if len(out) >= 8 {
			break
		}
	}
	if len(out) == 0 {
		return ""
	}
	return strings.Join(out, " ")
}

// clipTitle truncates a generated title to the configured maximum rune length.
func (s *TurnService) clipTitle(title string) string {
	max := s.TitleMaxLen
	if max <= 0 {
		max = 60
	}
	if utf8.RuneCountInString(title) > max {
		return string([]rune(title)[:max])
	}
	return title
}

// titleLocaleOrDefault returns the configured locale for casing or English if unset.
func (s *TurnService) titleLocaleOrDefault() language.Tag {
	if s.TitleLocale == language.Und {
		return language.English
	}
	return s.TitleLocale
}

// --- Title generation helpers ---

// Extract Unicode letters with optional trailing numbers (e.g., "run2024").
var titleWordRE = regexp.MustCompile(`[\p{L}]+[\p{N}]*`)

// Minimal English stop-words set for compact titles.
var titleStopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "of": {}, "to": {}, "in": {},
	"is": {}, "are": {}, "for": {}, "on": {}, "with": {}, "by": {}, "from": {},
	"at": {}, "as": {}, "that": {}, "this": {}, "it": {}, "be": {}, "was": {}, "were": {},
	"i": {}, "my": {}, "me": {},
}
