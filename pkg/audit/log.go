package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Log is the append-only audit log. It serializes appends so sequence
// assignment is a single atomic increment and the hash chain never
// forks, no matter how many components write concurrently.
//
// Callers must treat a failed Append as fatal for the mutation it
// documents: the state change has to be rolled back so no mutation ever
// exists without its audit trail.
type Log struct {
	mu       sync.Mutex
	storage  Storage
	nextSeq  int64
	lastHash string
	logger   *slog.Logger
	clock    func() time.Time
	observer func(err error)
}

// NewLog creates a log over the given storage, resuming the sequence
// and hash chain from the last persisted entry.
func NewLog(ctx context.Context, storage Storage) (*Log, error) {
	l := &Log{
		storage: storage,
		nextSeq: 1,
		logger:  slog.Default().With("component", "audit.log"),
		clock:   time.Now,
	}

	last, err := storage.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading audit chain head: %w", err)
	}
	if last != nil {
		l.nextSeq = last.Seq + 1
		l.lastHash = last.Hash
	}

	return l, nil
}

// SetAppendObserver installs a hook invoked after every append
// attempt with its outcome. Used for metrics.
func (l *Log) SetAppendObserver(fn func(err error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observer = fn
}

// Append validates the entry, assigns seq, id, timestamp, and chain
// hashes, and persists it. Appends are linearizable. The returned seq
// is the entry's position in the log.
func (l *Log) Append(ctx context.Context, e *Entry) (int64, error) {
	if err := validateEntry(e); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e.Seq = l.nextSeq
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.clock()
	}
	e.PrevHash = l.lastHash
	e.Hash = ChainHash(l.lastHash, e)

	if err := l.storage.Append(ctx, e); err != nil {
		// Leave nextSeq untouched so the chain has no gap; the caller
		// must roll back the mutation this entry documents.
		l.logger.Error("audit append failed, enclosing mutation must roll back",
			"entity_type", e.EntityType,
			"entity_id", e.EntityID,
			"action", e.Action,
			"error", err,
		)
		if l.observer != nil {
			l.observer(err)
		}
		return 0, fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	if l.observer != nil {
		l.observer(nil)
	}

	l.nextSeq++
	l.lastHash = e.Hash
	return e.Seq, nil
}

// Query returns entries matching the filter, ordered by seq ascending.
func (l *Log) Query(ctx context.Context, q *Query) ([]*Entry, error) {
	if q == nil {
		q = &Query{}
	}
	return l.storage.Query(ctx, q)
}

// Verify re-reads the whole log and checks every hash link and sequence
// step. Used by exported compliance reports for tamper-evidence.
func (l *Log) Verify(ctx context.Context) error {
	entries, err := l.storage.Query(ctx, &Query{})
	if err != nil {
		return err
	}
	return VerifyChain("", entries)
}

// Snapshot renders an entity state as the canonical JSON stored in
// Before/After fields. Key order is fixed by the entity's struct field
// order, so identical states always canonicalize identically.
func Snapshot(v interface{}) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(data)
}

// StatusChange is the before/after snapshot payload for status
// transitions.
type StatusChange struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func validateEntry(e *Entry) error {
	if e.EntityType == "" {
		return &EntryError{Field: "entity_type", Message: "required"}
	}
	if e.EntityID == "" {
		return &EntryError{Field: "entity_id", Message: "required"}
	}
	if e.Action == "" {
		return &EntryError{Field: "action", Message: "required"}
	}
	if e.ActorID == "" {
		return &EntryError{Field: "actor_id", Message: "required"}
	}
	return nil
}
