package sink

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lvasilev/loglens-backend/internal/domain"
)

func newSinkDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("sink_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := db.AutoMigrate(&domain.LogRecord{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestCreateRecord_HonorsExplicitLoggedAt(t *testing.T) {
	db := newSinkDB(t)
	s := &GormSink{DB: db}
	ctx := context.Background()

	id, err := s.CreateRecord(ctx, "u1", "activity", map[string]any{
		"activity":  "run",
		"logged_at": "2026-08-20T07:30:00Z",
	})
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	var rec domain.LogRecord
	if err := db.First(&rec, "id = ?", id).Error; err != nil {
		t.Fatalf("fetch: %v", err)
	}
	want := time.Date(2026, 8, 20, 7, 30, 0, 0, time.UTC)
	if !rec.LoggedAt.Equal(want) {
		t.Fatalf("logged_at = %v, want %v", rec.LoggedAt, want)
	}
}

func TestCreateRecord_DefaultsLoggedAtToNow(t *testing.T) {
	db := newSinkDB(t)
	s := &GormSink{DB: db}

	before := time.Now().UTC().Add(-time.Second)
	id, err := s.CreateRecord(context.Background(), "u1", "meal", map[string]any{
		"meal_type": "lunch",
		"logged_at": "not a timestamp",
	})
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	var rec domain.LogRecord
	if err := db.First(&rec, "id = ?", id).Error; err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if rec.LoggedAt.Before(before) {
		t.Fatalf("unparseable logged_at must fall back to now, got %v", rec.LoggedAt)
	}
}

func TestRecent_WindowOrderAndScope(t *testing.T) {
	db := newSinkDB(t)
	s := &GormSink{DB: db}
	ctx := context.Background()

	seed := func(owner, logType string, daysAgo int) {
		t.Helper()
		at := time.Now().UTC().AddDate(0, 0, -daysAgo).Format(time.RFC3339)
		if _, err := s.CreateRecord(ctx, owner, logType, map[string]any{"logged_at": at}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	seed("u1", "activity", 1)
	seed("u1", "meal", 3)
	seed("u1", "activity", 10) // outside the window
	seed("u2", "activity", 1)  // someone else

	since := time.Now().UTC().AddDate(0, 0, -7)
	entries, err := s.Recent(ctx, "u1", since, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries in the window, got %d", len(entries))
	}
	if !entries[0].LoggedAt.After(entries[1].LoggedAt) {
		t.Fatalf("entries must come back newest first")
	}
	for _, e := range entries {
		if e.OwnerID != "u1" {
			t.Fatalf("foreign record leaked: %+v", e)
		}
	}

	entries, err = s.Recent(ctx, "u1", since, 1)
	if err != nil || len(entries) != 1 {
		t.Fatalf("limit must truncate: len=%d err=%v", len(entries), err)
	}
}

func TestEntryDescribe(t *testing.T) {
	e := Entry{
		ID:       "r1",
		OwnerID:  "u1",
		LogType:  "activity",
		LoggedAt: time.Date(2026, 8, 20, 7, 30, 0, 0, time.UTC),
		Fields: map[string]any{
			"distance_km": 8.0,
			"activity":    "run",
		},
	}
	got := e.Describe()
	if !strings.HasPrefix(got, "[activity] u1 logged on 2026-08-20: ") {
		t.Fatalf("unexpected prefix: %q", got)
	}
	// Fields render sorted by key so the line is stable across runs.
	if !strings.Contains(got, "activity=run, distance_km=8") {
		t.Fatalf("fields must be sorted and rendered: %q", got)
	}
}
