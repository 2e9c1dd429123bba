package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQLiteQueue is a persistent dispatch queue backed by SQLite, using
// simple FIFO semantics based on an auto-incrementing id. Tasks survive
// process restarts, which keeps in-flight dispatches durable alongside
// the SQLite stores.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewSQLiteQueue initializes the tasks table in the given DB and returns a new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS dispatch_tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			enqueued_at INTEGER NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0
		);
	`)
	return err
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, t Task) error {
	enqueuedAt := t.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now()
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO dispatch_tasks (instance_id, reason, enqueued_at, attempts)
		VALUES (?, ?, ?, ?)`,
		t.InstanceID,
		string(t.Reason),
		enqueuedAt.UnixNano(),
		t.Attempts,
	)
	return err
}

func (q *SQLiteQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		tx, err := q.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}

		var (
			id          int64
			instanceID  string
			reason      string
			enqueuedInt int64
			attempts    int
		)

		row := tx.QueryRowContext(ctx, `
			SELECT id, instance_id, reason, enqueued_at, attempts
			FROM dispatch_tasks
			ORDER BY id
			LIMIT 1`)
		err = row.Scan(&id, &instanceID, &reason, &enqueuedInt, &attempts)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				_ = tx.Rollback()
				// Nothing available: sleep a bit and retry.
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(q.pollInterval):
					continue
				}
			}
			_ = tx.Rollback()
			return nil, err
		}

		// Delete the row we just claimed.
		if _, err := tx.ExecContext(ctx, `DELETE FROM dispatch_tasks WHERE id = ?`, id); err != nil {
			_ = tx.Rollback()
			return nil, err
		}

		if err := tx.Commit(); err != nil {
			return nil, err
		}

		return &Task{
			InstanceID: instanceID,
			Reason:     Reason(reason),
			EnqueuedAt: time.Unix(0, enqueuedInt),
			Attempts:   attempts,
		}, nil
	}
}

func (q *SQLiteQueue) Len() int {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM dispatch_tasks`).Scan(&n)
	if err != nil {
		return 0
	}
	return n
}
