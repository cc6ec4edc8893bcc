package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/wordai/editor/internal/history"
)

// Sink writes history events to a SQLite database.
type Sink struct {
	db *sqlx.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	if path := strings.TrimPrefix(dsn, "file:"); path != ":memory:" && !strings.HasPrefix(path, ":") {
		if dir := filepath.Dir(strings.SplitN(path, "?", 2)[0]); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, err
			}
		}
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS service_history(
		timestamp TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		pid INTEGER NOT NULL,
		command TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		detail TEXT,
		started_at TIMESTAMP
	);`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	var startedAt any
	if !rec.StartedAt.IsZero() {
		startedAt = rec.StartedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_history(timestamp, type, name, pid, command, exit_code, detail, started_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), rec.Name, rec.PID, rec.Command, rec.ExitCode,
		rec.Description, startedAt)
	return err
}

func (s *Sink) Recent(ctx context.Context, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []history.Row
	err := s.db.SelectContext(ctx, &rows, `
		SELECT timestamp, type, name, pid, command, exit_code, COALESCE(detail, '') AS detail, started_at
		FROM service_history ORDER BY timestamp DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	return history.Events(rows), nil
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// compile-time checks
var (
	_ history.Sink    = (*Sink)(nil)
	_ history.Querier = (*Sink)(nil)
)
