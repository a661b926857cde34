package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"meridian-hq/meridian/pkg/audit"
)

// SQLiteStorage implements audit.Storage using SQLite. The schema has
// no UPDATE or DELETE path; seq is the primary key, so a duplicate or
// rewritten sequence number is rejected by the database itself.
type SQLiteStorage struct {
	db *sql.DB
}

// SQLiteConfig configures the SQLite audit backend.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// BusyTimeout is the duration to wait when the database is locked.
	// Default: 5 seconds.
	BusyTimeout time.Duration
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	seq                 INTEGER PRIMARY KEY,
	id                  TEXT NOT NULL UNIQUE,
	entity_type         TEXT NOT NULL,
	entity_id           TEXT NOT NULL,
	action              TEXT NOT NULL,
	actor_id            TEXT NOT NULL,
	actor_role          TEXT NOT NULL DEFAULT '',
	before_state        TEXT NOT NULL DEFAULT '',
	after_state         TEXT NOT NULL DEFAULT '',
	compliance_category TEXT NOT NULL DEFAULT '',
	prev_hash           TEXT NOT NULL DEFAULT '',
	hash                TEXT NOT NULL,
	created_at          INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);
`

// NewSQLiteStorage opens (and if needed initializes) a SQLite audit
// backend.
func NewSQLiteStorage(cfg SQLiteConfig) (*SQLiteStorage, error) {
	if cfg.Path == "" {
		return nil, audit.NewStorageError("sqlite", "open", errors.New("db path cannot be empty"))
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
		cfg.Path, int(cfg.BusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, audit.NewStorageError("sqlite", "open", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, audit.NewStorageError("sqlite", "init_schema", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Append persists an entry.
func (s *SQLiteStorage) Append(ctx context.Context, e *audit.Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (
			seq, id, entity_type, entity_id, action, actor_id, actor_role,
			before_state, after_state, compliance_category, prev_hash, hash, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, e.ID, e.EntityType, e.EntityID, e.Action, e.ActorID, e.ActorRole,
		e.Before, e.After, e.ComplianceCategory, e.PrevHash, e.Hash, e.CreatedAt.UnixNano(),
	)
	if err != nil {
		return audit.NewStorageError("sqlite", "append", err)
	}
	return nil
}

// Query returns entries matching the filter, ordered by seq ascending.
func (s *SQLiteStorage) Query(ctx context.Context, q *audit.Query) ([]*audit.Entry, error) {
	query := `SELECT seq, id, entity_type, entity_id, action, actor_id, actor_role,
		before_state, after_state, compliance_category, prev_hash, hash, created_at
	FROM audit_log WHERE 1=1`
	var args []interface{}

	if q.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, q.EntityType)
	}
	if q.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, q.EntityID)
	}
	if q.Action != "" {
		query += ` AND action = ?`
		args = append(args, q.Action)
	}
	if q.ActorID != "" {
		query += ` AND actor_id = ?`
		args = append(args, q.ActorID)
	}
	if q.Category != "" {
		query += ` AND compliance_category = ?`
		args = append(args, q.Category)
	}
	if q.StartTime != nil {
		query += ` AND created_at >= ?`
		args = append(args, q.StartTime.UnixNano())
	}
	if q.EndTime != nil {
		query += ` AND created_at <= ?`
		args = append(args, q.EndTime.UnixNano())
	}
	if q.MinSeq > 0 {
		query += ` AND seq >= ?`
		args = append(args, q.MinSeq)
	}
	if q.MaxSeq > 0 {
		query += ` AND seq <= ?`
		args = append(args, q.MaxSeq)
	}

	query += ` ORDER BY seq ASC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
		if q.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, q.Offset)
		}
	} else if q.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, audit.NewStorageError("sqlite", "query", err)
	}
	defer rows.Close()

	var out []*audit.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Last returns the highest-seq entry, or nil when the log is empty.
func (s *SQLiteStorage) Last(ctx context.Context) (*audit.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, id, entity_type, entity_id, action, actor_id, actor_role,
			before_state, after_state, compliance_category, prev_hash, hash, created_at
		 FROM audit_log ORDER BY seq DESC LIMIT 1`)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Close closes the underlying database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*audit.Entry, error) {
	var (
		e         audit.Entry
		createdAt int64
	)
	err := row.Scan(
		&e.Seq, &e.ID, &e.EntityType, &e.EntityID, &e.Action, &e.ActorID, &e.ActorRole,
		&e.Before, &e.After, &e.ComplianceCategory, &e.PrevHash, &e.Hash, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, audit.NewStorageError("sqlite", "scan", err)
	}
	e.CreatedAt = time.Unix(0, createdAt)
	return &e, nil
}
