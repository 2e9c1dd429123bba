package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/agentichr/hrflow/pkg/api"
)

// PostgresStore implements all four store interfaces on PostgreSQL.
//
// It expects an *sql.DB using the pgx stdlib driver:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
//	db, err := sql.Open("pgx", dsn)
//
// The schema mirrors the SQLite backend; events are stored as JSONB.
type PostgresStore struct {
	db *sql.DB
}

// Ensure PostgresStore implements the interfaces.
var (
	_ HistoryStore  = (*PostgresStore)(nil)
	_ WaitStore     = (*PostgresStore)(nil)
	_ SignalStore   = (*PostgresStore)(nil)
	_ InstanceStore = (*PostgresStore)(nil)
)

// NewPostgresStore initializes the required schema in the given
// database and returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Persistence returns a bundle with every store backed by this
// PostgresStore.
func (s *PostgresStore) Persistence() Persistence {
	return Persistence{History: s, Waits: s, Signals: s, Instances: s}
}

// pgUniqueViolation is the PostgreSQL error code for unique_violation.
const pgUniqueViolation = "23505"

// isUniqueViolation reports whether err is a unique-constraint
// rejection. Only those carry a semantic meaning here; every other
// execution error is infrastructure and must reach the caller unmapped.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}

func (s *PostgresStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS history_events (
			instance_id TEXT NOT NULL,
			sequence BIGINT NOT NULL,
			kind TEXT NOT NULL,
			at BIGINT NOT NULL,
			payload JSONB NOT NULL,
			PRIMARY KEY (instance_id, sequence)
		);
		CREATE TABLE IF NOT EXISTS pending_waits (
			instance_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			call_id INTEGER NOT NULL,
			signal_name TEXT NOT NULL DEFAULT '',
			deadline BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (instance_id, kind)
		);
		CREATE INDEX IF NOT EXISTS idx_pending_waits_deadline ON pending_waits(kind, deadline);
		CREATE TABLE IF NOT EXISTS buffered_signals (
			instance_id TEXT NOT NULL,
			name TEXT NOT NULL,
			body TEXT,
			received_at BIGINT NOT NULL,
			PRIMARY KEY (instance_id, name)
		);
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			workflow_type TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0
		);
	`)
	return err
}

func (s *PostgresStore) AppendEvent(ctx context.Context, instanceID string, expectedSeq int64, ev api.HistoryEvent) error {
	ev.InstanceID = instanceID
	ev.Sequence = expectedSeq + 1
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode history event: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO history_events (instance_id, sequence, kind, at, payload)
		SELECT $1, $2, $3, $4, $5
		WHERE (SELECT COALESCE(MAX(sequence), 0) FROM history_events WHERE instance_id = $6) = $7`,
		instanceID,
		ev.Sequence,
		string(ev.Kind),
		ev.Timestamp.UnixNano(),
		string(payload),
		instanceID,
		expectedSeq,
	)
	if err != nil {
		// Two appenders can pass the guard together; the primary key
		// rejects the loser.
		if isUniqueViolation(err) {
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

func (s *PostgresStore) ReadHistory(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload
		FROM history_events
		WHERE instance_id = $1
		ORDER BY sequence ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.HistoryEvent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev api.HistoryEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode history event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Head(ctx context.Context, instanceID string) (int64, error) {
	var head int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0)
		FROM history_events
		WHERE instance_id = $1`, instanceID).Scan(&head)
	return head, err
}

func (s *PostgresStore) PutWait(ctx context.Context, w PendingWait) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_waits (instance_id, kind, call_id, signal_name, deadline)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (instance_id, kind) DO UPDATE
		SET call_id = EXCLUDED.call_id,
		    signal_name = EXCLUDED.signal_name,
		    deadline = EXCLUDED.deadline`,
		w.InstanceID,
		string(w.Kind),
		w.CallID,
		w.SignalName,
		w.Deadline.UnixNano(),
	)
	return err
}

func (s *PostgresStore) GetWait(ctx context.Context, instanceID string, kind WaitKind) (PendingWait, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT instance_id, kind, call_id, signal_name, deadline
		FROM pending_waits
		WHERE instance_id = $1 AND kind = $2`,
		instanceID, string(kind),
	)
	return scanWait(row)
}

func (s *PostgresStore) DeleteWaits(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_waits WHERE instance_id = $1`, instanceID)
	return err
}

func (s *PostgresStore) ListDueTimers(ctx context.Context, now time.Time) ([]PendingWait, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, kind, call_id, signal_name, deadline
		FROM pending_waits
		WHERE kind = $1 AND deadline <= $2`,
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

func (s *PostgresStore) BufferSignal(ctx context.Context, sig BufferedSignal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO buffered_signals (instance_id, name, body, received_at)
		VALUES ($1, $2, $3, $4)`,
		sig.InstanceID,
		sig.Name,
		string(sig.Body),
		sig.ReceivedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return api.ErrDuplicateSignal
		}
		return fmt.Errorf("buffer signal: %w", err)
	}
	return nil
}

func (s *PostgresStore) PeekSignal(ctx context.Context, instanceID, name string) (BufferedSignal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT instance_id, name, body, received_at
		FROM buffered_signals
		WHERE instance_id = $1 AND name = $2`,
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

func (s *PostgresStore) DeleteSignal(ctx context.Context, instanceID, name string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM buffered_signals WHERE instance_id = $1 AND name = $2`,
		instanceID, name,
	)
	return err
}

func (s *PostgresStore) CreateInstance(ctx context.Context, rec InstanceRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (id, workflow_type, created_at)
		VALUES ($1, $2, $3)`,
		rec.ID,
		string(rec.WorkflowType),
		rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrInstanceExists
		}
		return fmt.Errorf("create instance: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInstance(ctx context.Context, id string) (InstanceRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_type, created_at
		FROM instances
		WHERE id = $1`, id,
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

func (s *PostgresStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET lease_owner = $1, lease_expires_at = $2
		WHERE id = $3
		AND (
			lease_owner = ''
			OR lease_expires_at <= $4
			OR lease_owner = $5
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

func (s *PostgresStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET lease_expires_at = $1
		WHERE id = $2 AND lease_owner = $3`,
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

func (s *PostgresStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET lease_owner = '', lease_expires_at = 0
		WHERE id = $1 AND (lease_owner = '' OR lease_owner = $2)`,
		instanceID, owner,
	)
	if err != nil {
		return err
	}
	_, _ = res.RowsAffected()
	return nil
}
