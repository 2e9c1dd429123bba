package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/agentichr/hrflow/pkg/api"
)

var (
	// ErrWaitNotFound is returned when no pending wait of the requested
	// kind exists for an instance.
	ErrWaitNotFound = errors.New("pending wait not found")

	// ErrNoBufferedSignal is returned by PeekSignal when nothing is
	// buffered for the name.
	ErrNoBufferedSignal = errors.New("no buffered signal")

	// ErrInstanceExists is returned by CreateInstance when the ID is
	// already taken. Callers treat it as an idempotent-start hit, not a
	// failure.
	ErrInstanceExists = errors.New("instance already exists")
)

// HistoryStore is the append-only event log, one strictly ordered
// history per instance.
type HistoryStore interface {
	// AppendEvent appends ev at sequence expectedSeq+1. If the current
	// head of the instance's history is not expectedSeq, it returns
	// api.ErrConcurrencyConflict and persists nothing. The store stamps
	// ev.Sequence; callers leave it zero.
	AppendEvent(ctx context.Context, instanceID string, expectedSeq int64, ev api.HistoryEvent) error

	// ReadHistory returns the full history in sequence order. A missing
	// instance yields an empty slice, not an error.
	ReadHistory(ctx context.Context, instanceID string) ([]api.HistoryEvent, error)

	// Head returns the sequence of the last event, or 0 for an empty
	// history.
	Head(ctx context.Context, instanceID string) (int64, error)
}

// WaitKind distinguishes the two rows a suspended signal wait owns.
type WaitKind string

const (
	// WaitTimer is the deadline row; every signal wait has one.
	WaitTimer WaitKind = "timer"
	// WaitSignal is the row the signal inbox matches deliveries against.
	WaitSignal WaitKind = "signal"
)

// PendingWait is one row of durable wait state, keyed by
// (instance_id, kind). An instance has at most one wait of each kind
// at a time; resolving a wait point deletes both rows.
type PendingWait struct {
	InstanceID string
	Kind       WaitKind
	CallID     int
	SignalName string
	// Deadline is set on WaitTimer rows only.
	Deadline time.Time
}

// WaitStore holds the durable wait state the timer service and signal
// inbox act on.
type WaitStore interface {
	// PutWait inserts or replaces the wait row for (InstanceID, Kind).
	PutWait(ctx context.Context, w PendingWait) error

	// GetWait returns the wait row of the given kind, or ErrWaitNotFound.
	GetWait(ctx context.Context, instanceID string, kind WaitKind) (PendingWait, error)

	// DeleteWaits removes all wait rows for the instance. Idempotent.
	DeleteWaits(ctx context.Context, instanceID string) error

	// ListDueTimers returns every WaitTimer row whose deadline is at or
	// before now.
	ListDueTimers(ctx context.Context, now time.Time) ([]PendingWait, error)
}

// BufferedSignal is a delivered signal no wait point has consumed yet.
type BufferedSignal struct {
	InstanceID string
	Name       string
	Body       json.RawMessage
	ReceivedAt time.Time
}

// SignalStore buffers signals that arrive before their wait point. At
// most one undelivered signal per (instance, name).
type SignalStore interface {
	// BufferSignal stores sig, or returns api.ErrDuplicateSignal if an
	// undelivered signal with the same name is already buffered.
	BufferSignal(ctx context.Context, sig BufferedSignal) error

	// PeekSignal returns the buffered signal without removing it, or
	// ErrNoBufferedSignal.
	PeekSignal(ctx context.Context, instanceID, name string) (BufferedSignal, error)

	// DeleteSignal removes the buffered signal. Idempotent.
	DeleteSignal(ctx context.Context, instanceID, name string) error
}

// InstanceRecord is the registry row for a workflow instance. All
// execution state lives in history; this row exists for duplicate-start
// detection and lease coordination.
type InstanceRecord struct {
	ID           string
	WorkflowType api.WorkflowType
	CreatedAt    time.Time
}

// InstanceStore handles instance registration and per-instance leases.
type InstanceStore interface {
	// CreateInstance registers the instance, or returns ErrInstanceExists.
	CreateInstance(ctx context.Context, rec InstanceRecord) error

	// GetInstance returns the record, or api.ErrInstanceNotFound.
	GetInstance(ctx context.Context, id string) (InstanceRecord, error)

	// TryAcquireLease attempts to acquire (or re-acquire) a lease on an
	// instance. If the instance is currently leased by another owner and
	// the lease has not expired, it returns acquired=false, err=nil.
	//
	// Implementations treat a lease owned by the same owner as re-entrant.
	TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (acquired bool, err error)

	// RenewLease extends an existing lease owned by 'owner' for the given ttl.
	RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error

	// ReleaseLease releases a lease if it is owned by 'owner'. It is idempotent.
	ReleaseLease(ctx context.Context, instanceID, owner string) error
}

// ErrLeaseNotHeld is returned by RenewLease when the caller no longer
// owns the lease.
var ErrLeaseNotHeld = errors.New("lease not held")
