package persistence

// Persistence bundles the four store interfaces so the engine and
// services can depend on a single abstraction. A backend usually
// implements all four on one type; the bundle keeps mixing backends
// possible (for example memory waits over a SQLite history in tests).
type Persistence struct {
	History   HistoryStore
	Waits     WaitStore
	Signals   SignalStore
	Instances InstanceStore
}

// NewMemoryPersistence returns a Persistence with every store backed by
// a single in-memory backend.
func NewMemoryPersistence() Persistence {
	s := NewMemoryStore()
	return Persistence{History: s, Waits: s, Signals: s, Instances: s}
}
