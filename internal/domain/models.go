// Package domain defines the persistence models for conversations, messages,
// pending logs, and embeddings. These types are mapped with GORM and form the
// core data layer of the logging-assistant application.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message kinds. A plain exchange is "chat"; the staged-log lifecycle is
// reflected in the assistant-authored messages that accompany it.
const (
	KindChat         = "chat"
	KindLogPreview   = "log_preview"
	KindLogConfirmed = "log_confirmed"
	KindLogCancelled = "log_cancelled"
)

// PendingLog statuses. A pending log transitions exactly once to either
// confirmed or cancelled and is immutable afterwards.
const (
	PendingStatusPending   = "pending"
	PendingStatusConfirmed = "confirmed"
	PendingStatusCancelled = "cancelled"
)

// Embedding source types.
const (
	SourceConversationMessage = "conversation_message"
	SourceDomainEvent         = "domain_event"
	SourceOther               = "other"
)

// Conversation represents a chat thread owned by a user. MessageCount and
// LastMessageAt are cached aggregates maintained transactionally on every
// append, so listing screens never need to join against messages.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - OwnerID: identifier of the conversation owner; indexed for retrieval.
//   - Title: human-readable title (auto-generated from the first prompt).
//   - MessageCount: number of messages appended so far (also the next Seq).
//   - LastMessageAt: timestamp of the most recent append.
//   - Archived: soft archival flag; archived conversations accept no turns.
//   - DeletedAt: soft deletion marker (retains row for audit/history).
type Conversation struct {
	ID            string         `json:"id"         gorm:"type:char(36);primaryKey"`
	OwnerID       string         `json:"owner_id"   gorm:"type:varchar(64);not null;index:idx_owner_convs"`
	Title         string         `json:"title"      gorm:"type:varchar(255);not null;default:'New conversation'"`
	MessageCount  int64          `json:"message_count" gorm:"not null;default:0"`
	LastMessageAt *time.Time     `json:"last_message_at,omitempty"`
	Archived      bool           `json:"archived"   gorm:"not null;default:false"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `json:"-"          gorm:"index"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// Message represents a single utterance within a conversation. Messages are
// append-only: once created they are never mutated, and the staged-log
// lifecycle of a user turn is tracked by a separate PendingLog row rather
// than by rewriting the message.
//
// Ordering within a conversation is (CreatedAt, Seq): Seq is a per-conversation
// insertion counter assigned under the conversation writer lock, so two turns
// landing in the same wall-clock instant still have a total order.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - ConversationID: foreign key to the owning conversation (indexed).
//   - Role: "user", "assistant", or "system" (enforced by DB constraint).
//   - Kind: chat | log_preview | log_confirmed | log_cancelled.
//   - Seq: per-conversation monotonic insertion counter.
//   - LinkedRecordID: opaque reference into the domain sink, set on the
//     confirmation message that announces a committed record.
type Message struct {
	ID             string         `json:"id"              gorm:"type:char(36);primaryKey"`
	ConversationID string         `json:"conversation_id" gorm:"type:char(36);not null;index:idx_conv_msgs,priority:1"`
	Role           string         `json:"role"            gorm:"type:varchar(16);not null;check:role IN ('user','assistant','system')"`
	Kind           string         `json:"kind"            gorm:"type:varchar(16);not null;default:'chat';check:kind IN ('chat','log_preview','log_confirmed','log_cancelled')"`
	Content        string         `json:"content"         gorm:"type:text;not null"`
	Seq            int64          `json:"seq"             gorm:"not null"`
	LinkedRecordID *string        `json:"linked_record_id,omitempty" gorm:"type:char(36)"`
	CreatedAt      time.Time      `json:"created_at"      gorm:"index:idx_conv_msgs,priority:2"`
	DeletedAt      gorm.DeletedAt `json:"-"               gorm:"index"`

	// Conversation is the parent thread. Messages are cascade-deleted if
	// their conversation is removed.
	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// PendingLog is a staged, extracted-but-unconfirmed structured payload keyed
// to the user message that produced it. It is the gate between "the classifier
// detected a log" and "a domain record exists": nothing is written to the sink
// until the user confirms.
//
// The unique index on TriggeringMessageID enforces, at the storage layer, that
// a user message spawns at most one pending log; a duplicate insert fails with
// a constraint violation rather than relying on a check-then-insert race.
//
// Fields holds the extracted key/value payload serialized as JSON. Absent keys
// mean the extractor could not infer a value; they are never fabricated.
type PendingLog struct {
	ID                  string     `json:"id"                    gorm:"type:char(36);primaryKey"`
	ConversationID      string     `json:"conversation_id"       gorm:"type:char(36);not null;index"`
	TriggeringMessageID string     `json:"triggering_message_id" gorm:"type:char(36);not null;uniqueIndex:ux_pending_trigger"`
	LogType             string     `json:"log_type"              gorm:"type:varchar(32);not null"`
	Fields              string     `json:"fields"                gorm:"type:text;not null"`
	Confidence          float64    `json:"confidence"            gorm:"not null"`
	Status              string     `json:"status"                gorm:"type:varchar(16);not null;default:'pending';check:status IN ('pending','confirmed','cancelled');index"`
	CreatedAt           time.Time  `json:"created_at"`
	ResolvedAt          *time.Time `json:"resolved_at,omitempty"`

	// Conversation association keeps ownership checks cheap and cascades
	// removal with the parent thread.
	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for PendingLog.
func (PendingLog) TableName() string { return "pending_logs" }

// Resolved reports whether the pending log has reached a terminal status.
func (p *PendingLog) Resolved() bool {
	return p.Status != PendingStatusPending
}

// EmbeddingRecord is one stored embedding vector for a retrievable unit of
// text (a persisted message or a confirmed domain record). Records are created
// once and never mutated; re-embedding changed text produces a new row.
//
// The unique index on (SourceID, ContentHash) backs pipeline idempotency:
// retrying the embedding job for identical text is a no-op at the database
// level, not just in application code.
type EmbeddingRecord struct {
	ID          string    `json:"id"           gorm:"type:char(36);primaryKey"`
	OwnerID     string    `json:"owner_id"     gorm:"type:varchar(64);not null;index:idx_embed_owner,priority:1"`
	SourceType  string    `json:"source_type"  gorm:"type:varchar(32);not null;index:idx_embed_owner,priority:2;check:source_type IN ('conversation_message','domain_event','other')"`
	SourceID    string    `json:"source_id"    gorm:"type:char(36);not null;uniqueIndex:ux_embed_source_hash,priority:1"`
	ContentHash string    `json:"content_hash" gorm:"type:char(64);not null;uniqueIndex:ux_embed_source_hash,priority:2"`
	Text        string    `json:"text"         gorm:"type:text;not null"`
	Vector      string    `json:"-"            gorm:"type:text;not null"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName returns the database table name for EmbeddingRecord.
func (EmbeddingRecord) TableName() string { return "embedding_records" }

// LogRecord is the bundled reference implementation of the domain sink: one
// confirmed structured record per confirmed pending log. Deployments that
// ship records to an external system implement sink.Sink instead; this table
// exists so the backend is complete out of the box and testable end to end.
type LogRecord struct {
	ID        string    `json:"id"        gorm:"type:char(36);primaryKey"`
	OwnerID   string    `json:"owner_id"  gorm:"type:varchar(64);not null;index:idx_records_owner,priority:1"`
	LogType   string    `json:"log_type"  gorm:"type:varchar(32);not null"`
	Fields    string    `json:"fields"    gorm:"type:text;not null"`
	LoggedAt  time.Time `json:"logged_at" gorm:"index:idx_records_owner,priority:2"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for LogRecord.
func (LogRecord) TableName() string { return "log_records" }
