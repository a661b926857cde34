package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"meridian-hq/meridian/pkg/intervention"
	"meridian-hq/meridian/pkg/workflow"
)

// SQLiteStore implements intervention.Store using SQLite. It is suited
// to single-instance deployments that need persistence across restarts.
// WAL mode is enabled for better concurrent read performance; writes go
// through transactions so the one-open-case check and the insert are
// atomic.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteConfig configures the SQLite intervention store.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds.
	BusyTimeout time.Duration
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS case_numbers (
	id  INTEGER PRIMARY KEY AUTOINCREMENT
);

CREATE TABLE IF NOT EXISTS interventions (
	id                 TEXT PRIMARY KEY,
	number             TEXT NOT NULL UNIQUE,
	subject_id         TEXT NOT NULL,
	trigger_source     TEXT NOT NULL,
	trigger_key        TEXT NOT NULL,
	rule_id            TEXT NOT NULL DEFAULT '',
	type               TEXT NOT NULL,
	priority           INTEGER NOT NULL DEFAULT 0,
	status             TEXT NOT NULL,
	action_description TEXT NOT NULL DEFAULT '',
	responsible_actor  TEXT NOT NULL DEFAULT '',
	created_at         INTEGER NOT NULL,
	requires_followup  INTEGER NOT NULL DEFAULT 0,
	followup_date      INTEGER NOT NULL DEFAULT 0,
	outcome            TEXT NOT NULL DEFAULT '',
	closed_at          INTEGER NOT NULL DEFAULT 0,
	metric             TEXT NOT NULL DEFAULT '',
	baseline_value     REAL NOT NULL DEFAULT 0,
	target_value       REAL NOT NULL DEFAULT 0,
	version            INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_interventions_subject ON interventions(subject_id, trigger_key, status);
CREATE INDEX IF NOT EXISTS idx_interventions_created ON interventions(created_at);

CREATE TABLE IF NOT EXISTS workflow_instances (
	intervention_id    TEXT PRIMARY KEY REFERENCES interventions(id),
	definition_type    TEXT NOT NULL,
	definition_version INTEGER NOT NULL,
	steps              TEXT NOT NULL,
	frozen             INTEGER NOT NULL DEFAULT 0,
	version            INTEGER NOT NULL,
	created_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS rule_firings (
	subject_id TEXT NOT NULL,
	rule_id    TEXT NOT NULL,
	fired_at   INTEGER NOT NULL,
	PRIMARY KEY (subject_id, rule_id)
);
`

// NewSQLiteStore opens (and if needed initializes) a SQLite-backed
// intervention store.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, intervention.NewStorageError("sqlite", "open", errors.New("db path cannot be empty"))
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
		cfg.Path, int(cfg.BusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, intervention.NewStorageError("sqlite", "open", err)
	}

	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, intervention.NewStorageError("sqlite", "init_schema", err)
	}

	return &SQLiteStore{db: db}, nil
}

// NextNumber atomically reserves the next case number sequence value.
func (s *SQLiteStore) NextNumber(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO case_numbers DEFAULT VALUES`)
	if err != nil {
		return 0, intervention.NewStorageError("sqlite", "next_number", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, intervention.NewStorageError("sqlite", "next_number", err)
	}
	return seq, nil
}

// Create inserts a new intervention, enforcing the one-open-case
// invariant inside a single transaction.
func (s *SQLiteStore) Create(ctx context.Context, iv *intervention.Intervention) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return intervention.NewStorageError("sqlite", "create", err)
	}
	defer tx.Rollback()

	var existing int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM interventions
		 WHERE subject_id = ? AND trigger_key = ? AND status NOT IN (?, ?, ?)`,
		iv.SubjectID, iv.TriggerKey(),
		intervention.StatusCompleted, intervention.StatusClosed, intervention.StatusCancelled,
	).Scan(&existing)
	if err != nil {
		return intervention.NewStorageError("sqlite", "create", err)
	}
	if existing > 0 {
		return intervention.ErrDuplicateOpen
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO interventions (
			id, number, subject_id, trigger_source, trigger_key, rule_id, type,
			priority, status, action_description, responsible_actor, created_at,
			requires_followup, followup_date, outcome, closed_at,
			metric, baseline_value, target_value, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		iv.ID, iv.Number, iv.SubjectID, iv.TriggerSource, iv.TriggerKey(), iv.RuleID, iv.Type,
		iv.Priority, iv.Status, iv.ActionDescription, iv.ResponsibleActor, iv.CreatedAt.UnixNano(),
		boolToInt(iv.RequiresFollowup), timeToInt(iv.FollowupDate), iv.Outcome, timeToInt(iv.ClosedAt),
		iv.Metric, iv.BaselineValue, iv.TargetValue, iv.Version,
	)
	if err != nil {
		return intervention.NewStorageError("sqlite", "create", err)
	}

	if err := tx.Commit(); err != nil {
		return intervention.NewStorageError("sqlite", "create", err)
	}
	return nil
}

// Get returns the intervention with the given id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*intervention.Intervention, error) {
	row := s.db.QueryRowContext(ctx, selectIntervention+` WHERE id = ?`, id)
	return scanIntervention(row)
}

// Update writes back a modified intervention under an optimistic
// version check.
func (s *SQLiteStore) Update(ctx context.Context, iv *intervention.Intervention, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE interventions SET
			status = ?, action_description = ?, responsible_actor = ?,
			requires_followup = ?, followup_date = ?, outcome = ?, closed_at = ?,
			version = version + 1
		 WHERE id = ? AND version = ?`,
		iv.Status, iv.ActionDescription, iv.ResponsibleActor,
		boolToInt(iv.RequiresFollowup), timeToInt(iv.FollowupDate), iv.Outcome, timeToInt(iv.ClosedAt),
		iv.ID, expectedVersion,
	)
	if err != nil {
		return intervention.NewStorageError("sqlite", "update", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return intervention.NewStorageError("sqlite", "update", err)
	}
	if affected == 0 {
		// Distinguish a missing row from a lost version race.
		if _, getErr := s.Get(ctx, iv.ID); errors.Is(getErr, intervention.ErrNotFound) {
			return intervention.ErrNotFound
		}
		return intervention.ErrConcurrentModification
	}
	iv.Version = expectedVersion + 1
	return nil
}

// Delete removes an intervention and its instance. It exists solely so
// a failed audit append can unwind its creation.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return intervention.NewStorageError("sqlite", "delete", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_instances WHERE intervention_id = ?`, id); err != nil {
		return intervention.NewStorageError("sqlite", "delete", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM interventions WHERE id = ?`, id)
	if err != nil {
		return intervention.NewStorageError("sqlite", "delete", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return intervention.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return intervention.NewStorageError("sqlite", "delete", err)
	}
	return nil
}

// FindOpen returns the open intervention for (subject, trigger key).
func (s *SQLiteStore) FindOpen(ctx context.Context, subjectID, triggerKey string) (*intervention.Intervention, error) {
	row := s.db.QueryRowContext(ctx,
		selectIntervention+` WHERE subject_id = ? AND trigger_key = ? AND status NOT IN (?, ?, ?) LIMIT 1`,
		subjectID, triggerKey,
		intervention.StatusCompleted, intervention.StatusClosed, intervention.StatusCancelled,
	)
	return scanIntervention(row)
}

// List returns interventions matching the filter, newest first.
func (s *SQLiteStore) List(ctx context.Context, f intervention.Filter) ([]*intervention.Intervention, error) {
	query := selectIntervention + ` WHERE 1=1`
	var args []interface{}

	if f.SubjectID != "" {
		query += ` AND subject_id = ?`
		args = append(args, f.SubjectID)
	}
	if f.RuleID != "" {
		query += ` AND rule_id = ?`
		args = append(args, f.RuleID)
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.OnlyOpen {
		query += ` AND status NOT IN (?, ?, ?)`
		args = append(args, intervention.StatusCompleted, intervention.StatusClosed, intervention.StatusCancelled)
	}
	if !f.FollowupDueBy.IsZero() {
		query += ` AND requires_followup = 1 AND followup_date > 0 AND followup_date <= ?`
		args = append(args, f.FollowupDueBy.UnixNano())
	}
	if !f.CreatedFrom.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.CreatedFrom.UnixNano())
	}
	if !f.CreatedTo.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, f.CreatedTo.UnixNano())
	}

	query += ` ORDER BY created_at DESC, number DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, intervention.NewStorageError("sqlite", "list", err)
	}
	defer rows.Close()

	var out []*intervention.Intervention
	for rows.Next() {
		iv, err := scanIntervention(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, iv)
	}
	return out, rows.Err()
}

// CountByStatus derives case counts grouped by status.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[intervention.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM interventions GROUP BY status`)
	if err != nil {
		return nil, intervention.NewStorageError("sqlite", "count", err)
	}
	defer rows.Close()

	counts := make(map[intervention.Status]int)
	for rows.Next() {
		var status intervention.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, intervention.NewStorageError("sqlite", "count", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// RecordFiring stores the last firing time for (subject, rule).
func (s *SQLiteStore) RecordFiring(ctx context.Context, subjectID, ruleID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rule_firings (subject_id, rule_id, fired_at) VALUES (?, ?, ?)
		 ON CONFLICT(subject_id, rule_id) DO UPDATE SET fired_at = excluded.fired_at`,
		subjectID, ruleID, at.UnixNano(),
	)
	if err != nil {
		return intervention.NewStorageError("sqlite", "record_firing", err)
	}
	return nil
}

// LastFiring returns the last firing time for (subject, rule).
func (s *SQLiteStore) LastFiring(ctx context.Context, subjectID, ruleID string) (time.Time, bool, error) {
	var nanos int64
	err := s.db.QueryRowContext(ctx,
		`SELECT fired_at FROM rule_firings WHERE subject_id = ? AND rule_id = ?`,
		subjectID, ruleID,
	).Scan(&nanos)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, intervention.NewStorageError("sqlite", "last_firing", err)
	}
	return time.Unix(0, nanos), true, nil
}

// CreateInstance attaches a workflow instance to an intervention.
func (s *SQLiteStore) CreateInstance(ctx context.Context, in *workflow.Instance) error {
	steps, err := json.Marshal(in.Steps)
	if err != nil {
		return intervention.NewStorageError("sqlite", "create_instance", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_instances (
			intervention_id, definition_type, definition_version, steps, frozen, version, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		in.InterventionID, in.DefinitionType, in.DefinitionVersion, string(steps),
		boolToInt(in.Frozen), in.Version, in.CreatedAt.UnixNano(),
	)
	if err != nil {
		return intervention.NewStorageError("sqlite", "create_instance", err)
	}
	return nil
}

// GetInstance returns the workflow instance for an intervention.
func (s *SQLiteStore) GetInstance(ctx context.Context, interventionID string) (*workflow.Instance, error) {
	var (
		in        workflow.Instance
		steps     string
		frozen    int
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT intervention_id, definition_type, definition_version, steps, frozen, version, created_at
		 FROM workflow_instances WHERE intervention_id = ?`, interventionID,
	).Scan(&in.InterventionID, &in.DefinitionType, &in.DefinitionVersion, &steps, &frozen, &in.Version, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, intervention.ErrNotFound
	}
	if err != nil {
		return nil, intervention.NewStorageError("sqlite", "get_instance", err)
	}
	if err := json.Unmarshal([]byte(steps), &in.Steps); err != nil {
		return nil, intervention.NewStorageError("sqlite", "get_instance", err)
	}
	in.Frozen = frozen != 0
	in.CreatedAt = time.Unix(0, createdAt)
	return &in, nil
}

// UpdateInstance writes back a modified instance under an optimistic
// version check.
func (s *SQLiteStore) UpdateInstance(ctx context.Context, in *workflow.Instance, expectedVersion int64) error {
	steps, err := json.Marshal(in.Steps)
	if err != nil {
		return intervention.NewStorageError("sqlite", "update_instance", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_instances SET steps = ?, frozen = ?, version = version + 1
		 WHERE intervention_id = ? AND version = ?`,
		string(steps), boolToInt(in.Frozen), in.InterventionID, expectedVersion,
	)
	if err != nil {
		return intervention.NewStorageError("sqlite", "update_instance", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return intervention.NewStorageError("sqlite", "update_instance", err)
	}
	if affected == 0 {
		if _, getErr := s.GetInstance(ctx, in.InterventionID); errors.Is(getErr, intervention.ErrNotFound) {
			return intervention.ErrNotFound
		}
		return intervention.ErrConcurrentModification
	}
	in.Version = expectedVersion + 1
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const selectIntervention = `SELECT
	id, number, subject_id, trigger_source, rule_id, type, priority, status,
	action_description, responsible_actor, created_at, requires_followup,
	followup_date, outcome, closed_at, metric, baseline_value, target_value, version
FROM interventions`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIntervention(row rowScanner) (*intervention.Intervention, error) {
	var (
		iv                           intervention.Intervention
		createdAt, followup, closed  int64
		requiresFollowup             int
	)
	err := row.Scan(
		&iv.ID, &iv.Number, &iv.SubjectID, &iv.TriggerSource, &iv.RuleID, &iv.Type,
		&iv.Priority, &iv.Status, &iv.ActionDescription, &iv.ResponsibleActor,
		&createdAt, &requiresFollowup, &followup, &iv.Outcome, &closed,
		&iv.Metric, &iv.BaselineValue, &iv.TargetValue, &iv.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, intervention.ErrNotFound
	}
	if err != nil {
		return nil, intervention.NewStorageError("sqlite", "scan", err)
	}

	iv.CreatedAt = time.Unix(0, createdAt)
	iv.RequiresFollowup = requiresFollowup != 0
	iv.FollowupDate = intToTime(followup)
	iv.ClosedAt = intToTime(closed)
	return &iv, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeToInt(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func intToTime(nanos int64) time.Time {
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}
