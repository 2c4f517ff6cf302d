package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/pmwatch/internal/history"
)

func TestSQLiteStore_File(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			t.Errorf("Failed to close store: %v", err)
		}
	}()

	ctx := context.Background()
	ts := history.Millis(time.Now())
	if err := s.Append(ctx, []history.Sample{{TS: ts, PMID: 1, Name: "api", Status: "online"}}); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}

	// A second handle on the same file sees committed rows.
	other, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer func() { _ = other.Close() }()

	got, err := other.Range(ctx, 1, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Failed to range: %v", err)
	}
	if len(got) != 1 || !got[0].TS.Equal(ts) {
		t.Fatalf("unexpected series: %+v", got)
	}
}

func TestSQLiteStore_InMemory(t *testing.T) {
	for _, dsn := range []string{":memory:", "sqlite://:memory:"} {
		t.Run(dsn, func(t *testing.T) {
			s, err := New(dsn)
			if err != nil {
				t.Fatalf("Failed to create in-memory store: %v", err)
			}
			defer func() { _ = s.Close() }()

			ctx := context.Background()
			if err := s.Append(ctx, []history.Sample{{TS: time.UnixMilli(5), PMID: 2}}); err != nil {
				t.Fatalf("Failed to append: %v", err)
			}
			// Requests share the single connection and therefore the database.
			got, err := s.Range(ctx, 2, time.Time{}, time.Time{})
			if err != nil {
				t.Fatalf("Failed to range: %v", err)
			}
			if len(got) != 1 {
				t.Fatalf("expected 1 sample, got %d", len(got))
			}
		})
	}
}

func TestSQLiteStore_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err != history.ErrEmptyDSN {
		t.Fatalf("expected ErrEmptyDSN, got %v", err)
	}
}

func TestSQLiteStore_ContextCancellation(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer func() { _ = s.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Append(ctx, []history.Sample{{TS: time.UnixMilli(1), PMID: 1}}); err == nil {
		t.Fatal("expected error with cancelled context")
	}
	got, err := s.Range(context.Background(), 1, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Failed to range: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("cancelled append must not persist, got %d rows", len(got))
	}
}
