// Package sink defines the narrow contract to the domain sink — the external
// store of confirmed structured records — and provides a GORM-backed
// reference implementation. The core only ever writes one record per
// confirmation and reads back a short recent window for context fusion;
// everything else about the sink's schema is out of its hands.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lvasilev/loglens-backend/internal/domain"
)

// Entry is one confirmed record as seen through the read-back window.
type Entry struct {
	ID       string
	OwnerID  string
	LogType  string
	Fields   map[string]any
	LoggedAt time.Time
}

// Describe renders the entry as a single context line for the generator.
func (e Entry) Describe() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.Fields[k]))
	}
	return fmt.Sprintf("[%s] %s logged on %s: %s",
		e.LogType, e.OwnerID, e.LoggedAt.Format("2006-01-02"), strings.Join(parts, ", "))
}

// Sink is the write-and-narrow-read contract to the domain record store.
type Sink interface {
	// CreateRecord persists one confirmed record and returns its id.
	CreateRecord(ctx context.Context, ownerID, logType string, fields map[string]any) (string, error)
	// Recent returns records logged at or after since, newest first.
	Recent(ctx context.Context, ownerID string, since time.Time, limit int) ([]Entry, error)
}

// GormSink is the bundled Sink writing to the log_records table. It accepts
// an optional transaction handle per call via WithTx so a confirmation can
// commit the record and the pending-log transition as one unit.
type GormSink struct {
	DB *gorm.DB
}

// WithTx returns a GormSink bound to tx. Used by the confirm path so the
// sink write participates in the state-transition transaction.
func (s *GormSink) WithTx(tx *gorm.DB) *GormSink {
	return &GormSink{DB: tx}
}

// CreateRecord implements Sink.
func (s *GormSink) CreateRecord(ctx context.Context, ownerID, logType string, fields map[string]any) (string, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}

	loggedAt := time.Now().UTC()
	if raw, ok := fields["logged_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			loggedAt = t.UTC()
		}
	}

	rec := &domain.LogRecord{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		LogType:   logType,
		Fields:    string(payload),
		LoggedAt:  loggedAt,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.DB.WithContext(ctx).Create(rec).Error; err != nil {
		return "", err
	}
	return rec.ID, nil
}

// Recent implements Sink.
func (s *GormSink) Recent(ctx context.Context, ownerID string, since time.Time, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []domain.LogRecord
	err := s.DB.WithContext(ctx).
		Where("owner_id = ? AND logged_at >= ?", ownerID, since).
		Order("logged_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		fields := map[string]any{}
		// Rows written by this backend always hold valid JSON; tolerate
		// anything else by surfacing an empty field map.
		_ = json.Unmarshal([]byte(r.Fields), &fields)
		out = append(out, Entry{
			ID:       r.ID,
			OwnerID:  r.OwnerID,
			LogType:  r.LogType,
			Fields:   fields,
			LoggedAt: r.LoggedAt,
		})
	}
	return out, nil
}
