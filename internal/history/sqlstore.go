package history

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect selects placeholder and type syntax for SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore keeps samples in a relational table pm_history keyed by
// (pm_id, ts). It supports SQLite (modernc.org/sqlite) and Postgres (pgx
// stdlib); the caller opens the *sql.DB with the matching driver.
// The schema is created if missing.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps db and ensures the schema exists.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	var stmts []string
	if s.dialect == DialectSQLite {
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS pm_history(
				pm_id INTEGER NOT NULL,
				ts INTEGER NOT NULL,
				name TEXT NULL,
				status TEXT NULL,
				cpu REAL NULL,
				memory REAL NULL,
				uptime INTEGER NULL,
				PRIMARY KEY (pm_id, ts)
			);`,
			`CREATE INDEX IF NOT EXISTS idx_pm_history_ts ON pm_history(ts);`,
		}
	} else {
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS pm_history(
				pm_id INTEGER NOT NULL,
				ts BIGINT NOT NULL,
				name TEXT NULL,
				status TEXT NULL,
				cpu DOUBLE PRECISION NULL,
				memory DOUBLE PRECISION NULL,
				uptime BIGINT NULL,
				PRIMARY KEY (pm_id, ts)
			);`,
			`CREATE INDEX IF NOT EXISTS idx_pm_history_ts ON pm_history(ts);`,
		}
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// ph returns the i-th (1-based) placeholder.
func (s *SQLStore) ph(i int) string {
	if s.dialect == DialectPostgres {
		return "$" + strconv.Itoa(i)
	}
	return "?"
}

func (s *SQLStore) Append(ctx context.Context, samples []Sample) (err error) {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	q := fmt.Sprintf(`INSERT INTO pm_history(pm_id, ts, name, status, cpu, memory, uptime)
		VALUES(%s, %s, %s, %s, %s, %s, %s)
		ON CONFLICT (pm_id, ts) DO NOTHING;`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7))
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()
	for _, smp := range samples {
		if _, err = stmt.ExecContext(ctx,
			smp.PMID, smp.TS.UnixMilli(), sqlString(smp.Name), sqlString(smp.Status),
			sqlFloat(smp.CPU), sqlFloat(smp.Memory), sqlInt(smp.Uptime)); err != nil {
			return fmt.Errorf("insert sample %d@%d: %w", smp.PMID, smp.TS.UnixMilli(), err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLStore) Range(ctx context.Context, pmID int, from, to time.Time) (Series, error) {
	out := Series{}
	if pmID < 0 {
		return out, nil
	}
	var (
		b    strings.Builder
		args = []any{pmID}
	)
	b.WriteString(`SELECT pm_id, ts, name, status, cpu, memory, uptime FROM pm_history WHERE pm_id = ` + s.ph(1))
	if !from.IsZero() {
		args = append(args, from.UnixMilli())
		b.WriteString(` AND ts >= ` + s.ph(len(args)))
	}
	if !to.IsZero() {
		args = append(args, to.UnixMilli())
		b.WriteString(` AND ts <= ` + s.ph(len(args)))
	}
	b.WriteString(` ORDER BY ts ASC`)

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			smp          Sample
			ts           int64
			name, status sql.NullString
			cpu, memory  sql.NullFloat64
			uptime       sql.NullInt64
		)
		if err := rows.Scan(&smp.PMID, &ts, &name, &status, &cpu, &memory, &uptime); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		smp.TS = time.UnixMilli(ts).UTC()
		smp.Name = name.String
		smp.Status = status.String
		if cpu.Valid {
			smp.CPU = &cpu.Float64
		}
		if memory.Valid {
			smp.Memory = &memory.Float64
		}
		if uptime.Valid {
			smp.Uptime = &uptime.Int64
		}
		out = append(out, smp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate range: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pm_history WHERE ts < `+s.ph(1), CutoffMillis(before))
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return n, nil
}

func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func sqlString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func sqlFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func sqlInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
