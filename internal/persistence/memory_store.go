package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/agentichr/hrflow/pkg/api"
)

// MemoryStore is a goroutine-safe implementation of all four store
// interfaces backed by maps. It is the default backend for tests and
// embedded use.
type MemoryStore struct {
	mu        sync.RWMutex
	histories map[string][]api.HistoryEvent
	waits     map[string]map[WaitKind]PendingWait
	signals   map[string]map[string]BufferedSignal
	instances map[string]InstanceRecord
	leases    map[string]lease
}

type lease struct {
	owner   string
	expires time.Time
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		histories: make(map[string][]api.HistoryEvent),
		waits:     make(map[string]map[WaitKind]PendingWait),
		signals:   make(map[string]map[string]BufferedSignal),
		instances: make(map[string]InstanceRecord),
		leases:    make(map[string]lease),
	}
}

// Ensure MemoryStore implements the interfaces.
var (
	_ HistoryStore  = (*MemoryStore)(nil)
	_ WaitStore     = (*MemoryStore)(nil)
	_ SignalStore   = (*MemoryStore)(nil)
	_ InstanceStore = (*MemoryStore)(nil)
)

func (s *MemoryStore) AppendEvent(ctx context.Context, instanceID string, expectedSeq int64, ev api.HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.histories[instanceID]
	if int64(len(history)) != expectedSeq {
		return api.ErrConcurrencyConflict
	}

	ev.InstanceID = instanceID
	ev.Sequence = expectedSeq + 1
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.histories[instanceID] = append(history, ev)
	return nil
}

func (s *MemoryStore) ReadHistory(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.histories[instanceID]
	out := make([]api.HistoryEvent, len(history))
	copy(out, history)
	return out, nil
}

func (s *MemoryStore) Head(ctx context.Context, instanceID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.histories[instanceID])), nil
}

func (s *MemoryStore) PutWait(ctx context.Context, w PendingWait) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kinds, ok := s.waits[w.InstanceID]
	if !ok {
		kinds = make(map[WaitKind]PendingWait)
		s.waits[w.InstanceID] = kinds
	}
	kinds[w.Kind] = w
	return nil
}

func (s *MemoryStore) GetWait(ctx context.Context, instanceID string, kind WaitKind) (PendingWait, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.waits[instanceID][kind]
	if !ok {
		return PendingWait{}, ErrWaitNotFound
	}
	return w, nil
}

func (s *MemoryStore) DeleteWaits(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.waits, instanceID)
	return nil
}

func (s *MemoryStore) ListDueTimers(ctx context.Context, now time.Time) ([]PendingWait, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []PendingWait
	for _, kinds := range s.waits {
		w, ok := kinds[WaitTimer]
		if !ok {
			continue
		}
		if !w.Deadline.After(now) {
			due = append(due, w)
		}
	}
	return due, nil
}

func (s *MemoryStore) BufferSignal(ctx context.Context, sig BufferedSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, ok := s.signals[sig.InstanceID]
	if !ok {
		names = make(map[string]BufferedSignal)
		s.signals[sig.InstanceID] = names
	}
	if _, exists := names[sig.Name]; exists {
		return api.ErrDuplicateSignal
	}
	names[sig.Name] = sig
	return nil
}

func (s *MemoryStore) PeekSignal(ctx context.Context, instanceID, name string) (BufferedSignal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sig, ok := s.signals[instanceID][name]
	if !ok {
		return BufferedSignal{}, ErrNoBufferedSignal
	}
	return sig, nil
}

func (s *MemoryStore) DeleteSignal(ctx context.Context, instanceID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.signals[instanceID], name)
	return nil
}

func (s *MemoryStore) CreateInstance(ctx context.Context, rec InstanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[rec.ID]; exists {
		return ErrInstanceExists
	}
	s.instances[rec.ID] = rec
	return nil
}

func (s *MemoryStore) GetInstance(ctx context.Context, id string) (InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.instances[id]
	if !ok {
		return InstanceRecord{}, api.ErrInstanceNotFound
	}
	return rec, nil
}

func (s *MemoryStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	l, held := s.leases[instanceID]
	if held && l.owner != owner && l.expires.After(now) {
		return false, nil
	}
	s.leases[instanceID] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, held := s.leases[instanceID]
	if !held || l.owner != owner {
		return ErrLeaseNotHeld
	}
	s.leases[instanceID] = lease{owner: owner, expires: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, held := s.leases[instanceID]
	if held && l.owner == owner {
		delete(s.leases, instanceID)
	}
	return nil
}
