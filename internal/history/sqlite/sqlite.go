package sqlite

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/pmwatch/internal/history"
)

// Store keeps samples in a SQLite database.
type Store struct {
	*history.SQLStore
}

// New opens a SQLite sample store.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, history.ErrEmptyDSN
	}

	// Handle sqlite:// prefix
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	memory := strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
	if !memory && !strings.Contains(dsn, "_pragma=busy_timeout") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Each connection to :memory: is its own database.
	if memory {
		db.SetMaxOpenConns(1)
	}

	s, err := history.NewSQLStore(context.Background(), db, history.DialectSQLite)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{SQLStore: s}, nil
}
