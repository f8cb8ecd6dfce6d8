package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/reverie/pkg/model"
	_ "modernc.org/sqlite"
)

// SQLite keeps everything in a single local database file.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

type SQLiteOption func(*SQLite)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) SQLiteOption {
	return func(s *SQLite) {
		s.now = now
	}
}

// NewSQLite opens or creates the database at path.
func NewSQLite(ctx context.Context, path string, opts ...SQLiteOption) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, goerr.Wrap(err, "failed to create database directory", goerr.V("path", path))
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=synchronous(full)")
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open sqlite", goerr.V("path", path))
	}
	// a single connection serializes writers, which keeps log ids gapless
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS memories (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		text       TEXT NOT NULL,
		tags       TEXT NOT NULL DEFAULT '[]',
		source     TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS logs (
		id      INTEGER PRIMARY KEY,
		role    TEXT NOT NULL,
		speaker TEXT NOT NULL DEFAULT '',
		text    TEXT NOT NULL,
		ts      TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS identity (
		id  INTEGER PRIMARY KEY CHECK (id = 1),
		doc TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reflections (
		seq             INTEGER PRIMARY KEY AUTOINCREMENT,
		id              TEXT NOT NULL UNIQUE,
		window_start    INTEGER NOT NULL,
		window_end      INTEGER NOT NULL,
		summary         TEXT NOT NULL,
		changes         TEXT NOT NULL,
		meta_evaluation TEXT,
		created_at      TEXT NOT NULL
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return goerr.Wrap(err, "failed to migrate sqlite schema")
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// ---- memories

const memoryColumns = `id, text, tags, source, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*model.MemoryRecord, error) {
	var (
		m                  model.MemoryRecord
		tags, created, upd string
	)
	if err := row.Scan(&m.ID, &m.Text, &tags, &m.Source, &created, &upd); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
		return nil, goerr.Wrap(err, "invalid stored tags", goerr.V("id", m.ID))
	}
	var err error
	if m.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = parseTime(upd); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLite) InsertMemory(ctx context.Context, m *model.MemoryRecord) (model.MemoryID, error) {
	if err := m.Validate(); err != nil {
		return 0, err
	}

	tags, err := json.Marshal(model.NormalizeTags(m.Tags))
	if err != nil {
		return 0, goerr.Wrap(err, "failed to encode tags")
	}

	now := s.now()
	var id model.MemoryID
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO memories (text, tags, source, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			m.Text, string(tags), string(m.Source), formatTime(now), formatTime(now))
		if err != nil {
			return goerr.Wrap(err, "failed to insert memory")
		}
		last, err := res.LastInsertId()
		if err != nil {
			return goerr.Wrap(err, "failed to get memory id")
		}
		id = model.MemoryID(last)
		return nil
	})
	if err != nil {
		return 0, err
	}

	m.ID = id
	m.Tags = model.NormalizeTags(m.Tags)
	m.CreatedAt = now
	m.UpdatedAt = now
	return id, nil
}

func (s *SQLite) GetMemory(ctx context.Context, id model.MemoryID) (*model.MemoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", id))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get memory", goerr.V("id", id))
	}
	return m, nil
}

func (s *SQLite) UpdateMemory(ctx context.Context, id model.MemoryID, text string) (*model.MemoryRecord, error) {
	if strings.TrimSpace(text) == "" {
		return nil, goerr.Wrap(model.ErrValidation, "memory text is empty", goerr.V("id", id))
	}

	var updated *model.MemoryRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE memories SET text = ?, updated_at = ? WHERE id = ?`,
			text, formatTime(s.now()), id)
		if err != nil {
			return goerr.Wrap(err, "failed to update memory", goerr.V("id", id))
		}
		if n, err := res.RowsAffected(); err != nil {
			return goerr.Wrap(err, "failed to read affected rows")
		} else if n == 0 {
			return goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", id))
		}

		updated, err = scanMemory(tx.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id))
		if err != nil {
			return goerr.Wrap(err, "failed to reload memory", goerr.V("id", id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *SQLite) DeleteMemory(ctx context.Context, id model.MemoryID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
		if err != nil {
			return goerr.Wrap(err, "failed to delete memory", goerr.V("id", id))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return goerr.Wrap(err, "failed to read affected rows")
		}
		if n == 0 {
			return goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", id))
		}
		return nil
	})
}

func (s *SQLite) ListMemories(ctx context.Context, filter model.MemoryFilter) ([]*model.MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+memoryColumns+` FROM memories ORDER BY id ASC`)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list memories")
	}
	defer rows.Close()

	var out []*model.MemoryRecord
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to scan memory")
		}
		if filter.Match(m) {
			out = append(out, m)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate memories")
	}
	return out, nil
}

// ---- logs

func scanLog(row rowScanner) (*model.LogEntry, error) {
	var (
		e  model.LogEntry
		ts string
	)
	if err := row.Scan(&e.ID, &e.Role, &e.Speaker, &e.Text, &ts); err != nil {
		return nil, err
	}
	var err error
	if e.Timestamp, err = parseTime(ts); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLite) AppendLog(ctx context.Context, entry *model.LogEntry) (model.LogID, error) {
	if err := entry.Validate(); err != nil {
		return 0, err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}

	var id model.LogID
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM logs`).Scan(&id); err != nil {
			return goerr.Wrap(err, "failed to allocate log id")
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO logs (id, role, speaker, text, ts) VALUES (?, ?, ?, ?, ?)`,
			id, string(entry.Role), entry.Speaker, entry.Text, formatTime(entry.Timestamp))
		if err != nil {
			return goerr.Wrap(err, "failed to insert log", goerr.V("id", id))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	entry.ID = id
	return id, nil
}

func (s *SQLite) queryLogs(ctx context.Context, query string, args ...any) ([]*model.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query logs")
	}
	defer rows.Close()

	var out []*model.LogEntry
	for rows.Next() {
		e, err := scanLog(rows)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to scan log")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate logs")
	}
	return out, nil
}

func (s *SQLite) ListLogs(ctx context.Context, after model.LogID, limit int) ([]*model.LogEntry, error) {
	if limit <= 0 {
		return nil, goerr.Wrap(model.ErrValidation, "limit must be positive", goerr.V("limit", limit))
	}
	return s.queryLogs(ctx, `SELECT id, role, speaker, text, ts FROM logs WHERE id > ? ORDER BY id ASC LIMIT ?`, after, limit)
}

func (s *SQLite) ListRecentLogs(ctx context.Context, n int) ([]*model.LogEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	return s.queryLogs(ctx, `SELECT id, role, speaker, text, ts FROM (
		SELECT id, role, speaker, text, ts FROM logs ORDER BY id DESC LIMIT ?
	) ORDER BY id ASC`, n)
}

// ---- identity and reflections

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadIdentity(ctx context.Context, q queryer) (*model.IdentityState, error) {
	var doc string
	err := q.QueryRowContext(ctx, `SELECT doc FROM identity WHERE id = 1`).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NewIdentityState(), nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load identity")
	}

	state := model.NewIdentityState()
	if err := json.Unmarshal([]byte(doc), state); err != nil {
		return nil, goerr.Wrap(err, "failed to decode identity")
	}
	return state.Clone(), nil
}

func storeIdentity(ctx context.Context, tx *sql.Tx, state *model.IdentityState) error {
	doc, err := json.Marshal(state)
	if err != nil {
		return goerr.Wrap(err, "failed to encode identity")
	}
	// the single row is replaced as a whole inside the transaction
	_, err = tx.ExecContext(ctx, `INSERT INTO identity (id, doc) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc`, string(doc))
	if err != nil {
		return goerr.Wrap(err, "failed to store identity")
	}
	return nil
}

func (s *SQLite) GetIdentity(ctx context.Context) (*model.IdentityState, error) {
	return loadIdentity(ctx, s.db)
}

func (s *SQLite) PutIdentity(ctx context.Context, state *model.IdentityState) error {
	if state == nil {
		return goerr.Wrap(model.ErrValidation, "identity is nil")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return storeIdentity(ctx, tx, state)
	})
}

const reflectionColumns = `id, window_start, window_end, summary, changes, meta_evaluation, created_at`

func scanReflection(row rowScanner) (*model.ReflectionRecord, error) {
	var (
		r       model.ReflectionRecord
		changes string
		meta    sql.NullString
		created string
	)
	if err := row.Scan(&r.ID, &r.Window.Start, &r.Window.End, &r.Summary, &changes, &meta, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(changes), &r.Changes); err != nil {
		return nil, goerr.Wrap(err, "invalid stored changes", goerr.V("id", r.ID))
	}
	if meta.Valid {
		r.MetaEvaluation = &meta.String
	}
	var err error
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLite) LatestReflection(ctx context.Context) (*model.ReflectionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reflectionColumns+` FROM reflections ORDER BY seq DESC LIMIT 1`)
	r, err := scanReflection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get latest reflection")
	}
	return r, nil
}

func (s *SQLite) ListReflections(ctx context.Context, limit int) ([]*model.ReflectionRecord, error) {
	if limit <= 0 {
		return nil, goerr.Wrap(model.ErrValidation, "limit must be positive", goerr.V("limit", limit))
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+reflectionColumns+` FROM reflections ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list reflections")
	}
	defer rows.Close()

	var out []*model.ReflectionRecord
	for rows.Next() {
		r, err := scanReflection(rows)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to scan reflection")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate reflections")
	}
	return out, nil
}

func (s *SQLite) CommitReflection(ctx context.Context, base, next *model.IdentityState, rec *model.ReflectionRecord) error {
	changes, err := json.Marshal(rec.Changes)
	if err != nil {
		return goerr.Wrap(err, "failed to encode changes")
	}
	var meta sql.NullString
	if rec.MetaEvaluation != nil {
		meta = sql.NullString{String: *rec.MetaEvaluation, Valid: true}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := loadIdentity(ctx, tx)
		if err != nil {
			return err
		}

		var latestEnd, maxLog model.LogID
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE((SELECT window_end FROM reflections ORDER BY seq DESC LIMIT 1), 0)`).Scan(&latestEnd); err != nil {
			return goerr.Wrap(err, "failed to read latest window")
		}
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM logs`).Scan(&maxLog); err != nil {
			return goerr.Wrap(err, "failed to read log head")
		}

		if err := checkCommit(current, base, latestEnd, maxLog, rec); err != nil {
			return err
		}

		if err := storeIdentity(ctx, tx, next); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO reflections (`+reflectionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			string(rec.ID), rec.Window.Start, rec.Window.End, rec.Summary, string(changes), meta, formatTime(rec.CreatedAt))
		if err != nil {
			return goerr.Wrap(err, "failed to insert reflection", goerr.V("id", rec.ID))
		}
		return nil
	})
}
