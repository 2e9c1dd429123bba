package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/agentichr/hrflow/pkg/api"
)

// SQLiteStore implements all four store interfaces on SQLite.
//
// It expects an *sql.DB opened with the "modernc.org/sqlite" driver
// (this package's import registers it).
//
// Events are stored as JSON in a single payload column; sequence
// ordering and optimistic concurrency are enforced by the schema, not
// the payload.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements the interfaces.
var (
	_ HistoryStore  = (*SQLiteStore)(nil)
	_ WaitStore     = (*SQLiteStore)(nil)
	_ SignalStore   = (*SQLiteStore)(nil)
	_ InstanceStore = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the required schema in the given database
// and returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Persistence returns a bundle with every store backed by this
// SQLiteStore.
func (s *SQLiteStore) Persistence() Persistence {
	return Persistence{History: s, Waits: s, Signals: s, Instances: s}
}

// isConstraintViolation reports whether err is a SQLITE_CONSTRAINT
// failure (any extended code). Only those carry a semantic meaning
// here; every other execution error is infrastructure and must reach
// the caller unmapped.
func isConstraintViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS history_events (
			instance_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			kind TEXT NOT NULL,
			at INTEGER NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (instance_id, sequence)
		);
		CREATE TABLE IF NOT EXISTS pending_waits (
			instance_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			call_id INTEGER NOT NULL,
			signal_name TEXT NOT NULL DEFAULT '',
			deadline INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (instance_id, kind)
		);
		CREATE INDEX IF NOT EXISTS idx_pending_waits_deadline ON pending_waits(kind, deadline);
		CREATE TABLE IF NOT EXISTS buffered_signals (
			instance_id TEXT NOT NULL,
			name TEXT NOT NULL,
			body TEXT,
			received_at INTEGER NOT NULL,
			PRIMARY KEY (instance_id, name)
		);
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			workflow_type TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at INTEGER NOT NULL DEFAULT 0
		);
	`)
	return err
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, instanceID string, expectedSeq int64, ev api.HistoryEvent) error {
	ev.InstanceID = instanceID
	ev.Sequence = expectedSeq + 1
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode history event: %w", err)
	}

	// The guarded insert both detects a stale expectedSeq and, together
	// with the primary key, rules out gaps under concurrent appenders.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO history_events (instance_id, sequence, kind, at, payload)
		SELECT ?, ?, ?, ?, ?
		WHERE (SELECT COALESCE(MAX(sequence), 0) FROM history_events WHERE instance_id = ?) = ?`,
		instanceID,
		ev.Sequence,
		string(ev.Kind),
		ev.Timestamp.UnixNano(),
		string(payload),
		instanceID,
		expectedSeq,
	)
	if err != nil {
		// A concurrent winner makes the guard pass for both but the
		// primary key reject the loser.
		if isConstraintViolation(err) {
			return api.ErrConcurrencyConflict
		}
		return fmt.Errorf("append event: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrConcurrencyConflict
	}
	return nil
}

func (s *SQLiteStore) ReadHistory(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload
		FROM history_events
		WHERE instance_id = ?
		ORDER BY sequence ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.HistoryEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev api.HistoryEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("decode history event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Head(ctx context.Context, instanceID string) (int64, error) {
	var head int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0)
		FROM history_events
		WHERE instance_id = ?`, instanceID).Scan(&head)
	return head, err
}

func (s *SQLiteStore) PutWait(ctx context.Context, w PendingWait) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_waits (instance_id, kind, call_id, signal_name, deadline)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (instance_id, kind) DO UPDATE
		SET call_id = excluded.call_id,
		    signal_name = excluded.signal_name,
		    deadline = excluded.deadline`,
		w.InstanceID,
		string(w.Kind),
		w.CallID,
		w.SignalName,
		w.Deadline.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) GetWait(ctx context.Context, instanceID string, kind WaitKind) (PendingWait, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT instance_id, kind, call_id, signal_name, deadline
		FROM pending_waits
		WHERE instance_id = ? AND kind = ?`,
		instanceID, string(kind),
	)
	return scanWait(row)
}

func (s *SQLiteStore) DeleteWaits(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_waits WHERE instance_id = ?`, instanceID)
	return err
}

func (s *SQLiteStore) ListDueTimers(ctx context.Context, now time.Time) ([]PendingWait, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, kind, call_id, signal_name, deadline
		FROM pending_waits
		WHERE kind = ? AND deadline <= ?`,
		string(WaitTimer), now.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []PendingWait
	for rows.Next() {
		w, err := scanWait(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, w)
	}
	return due, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWait(row rowScanner) (PendingWait, error) {
	var w PendingWait
	var kind string
	var deadlineNs int64

	if err := row.Scan(&w.InstanceID, &kind, &w.CallID, &w.SignalName, &deadlineNs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PendingWait{}, ErrWaitNotFound
		}
		return PendingWait{}, err
	}
	w.Kind = WaitKind(kind)
	if deadlineNs != 0 {
		w.Deadline = time.Unix(0, deadlineNs)
	}
	return w, nil
}

func (s *SQLiteStore) BufferSignal(ctx context.Context, sig BufferedSignal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO buffered_signals (instance_id, name, body, received_at)
		VALUES (?, ?, ?, ?)`,
		sig.InstanceID,
		sig.Name,
		string(sig.Body),
		sig.ReceivedAt.UnixNano(),
	)
	if err != nil {
		// The primary key on (instance_id, name) enforces the
		// one-undelivered-signal-per-name rule.
		if isConstraintViolation(err) {
			return api.ErrDuplicateSignal
		}
		return fmt.Errorf("buffer signal: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PeekSignal(ctx context.Context, instanceID, name string) (BufferedSignal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT instance_id, name, body, received_at
		FROM buffered_signals
		WHERE instance_id = ? AND name = ?`,
		instanceID, name,
	)

	var sig BufferedSignal
	var body sql.NullString
	var receivedNs int64
	if err := row.Scan(&sig.InstanceID, &sig.Name, &body, &receivedNs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BufferedSignal{}, ErrNoBufferedSignal
		}
		return BufferedSignal{}, err
	}
	if body.Valid && body.String != "" {
		sig.Body = json.RawMessage(body.String)
	}
	sig.ReceivedAt = time.Unix(0, receivedNs)
	return sig, nil
}

func (s *SQLiteStore) DeleteSignal(ctx context.Context, instanceID, name string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM buffered_signals WHERE instance_id = ? AND name = ?`,
		instanceID, name,
	)
	return err
}

func (s *SQLiteStore) CreateInstance(ctx context.Context, rec InstanceRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (id, workflow_type, created_at)
		VALUES (?, ?, ?)`,
		rec.ID,
		string(rec.WorkflowType),
		rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrInstanceExists
		}
		return fmt.Errorf("create instance: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (InstanceRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_type, created_at
		FROM instances
		WHERE id = ?`, id,
	)

	var rec InstanceRecord
	var wt string
	var createdNs int64
	if err := row.Scan(&rec.ID, &wt, &createdNs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return InstanceRecord{}, api.ErrInstanceNotFound
		}
		return InstanceRecord{}, err
	}
	rec.WorkflowType = api.WorkflowType(wt)
	rec.CreatedAt = time.Unix(0, createdNs)
	return rec, nil
}

func (s *SQLiteStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET lease_owner = ?, lease_expires_at = ?
		WHERE id = ?
		AND (
			lease_owner = ''
			OR lease_expires_at <= ?
			OR lease_owner = ?
		)`,
		owner, now.Add(ttl).UnixNano(), instanceID, now.UnixNano(), owner,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET lease_expires_at = ?
		WHERE id = ? AND lease_owner = ?`,
		time.Now().Add(ttl).UnixNano(), instanceID, owner,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET lease_owner = '', lease_expires_at = 0
		WHERE id = ? AND (lease_owner = '' OR lease_owner = ?)`,
		instanceID, owner,
	)
	if err != nil {
		return err
	}
	_, _ = res.RowsAffected()
	return nil
}
