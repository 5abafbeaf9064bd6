package lifecycle

import "sync"

// TxLocks serializes mutation per transaction identifier. Events for the
// same transaction are applied one at a time; operations on different
// transactions proceed fully in parallel.
type TxLocks struct {
	mu    sync.Mutex
	locks map[string]*txLock
}

type txLock struct {
	mu   sync.Mutex
	refs int
}

func NewTxLocks() *TxLocks {
	return &TxLocks{locks: make(map[string]*txLock)}
}

// Acquire blocks until the lock for id is held and returns the release
// function. Lock entries are reference-counted and removed once unused.
func (t *TxLocks) Acquire(id string) func() {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &txLock{}
		t.locks[id] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, id)
		}
		t.mu.Unlock()
	}
}
