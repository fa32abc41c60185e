package session

import (
	"fmt"
	"sync"
	"time"
)

// Resolver decides which session is current for an inbound prompt,
// opening and closing sessions as needed. Resolution is serialized per
// identity key: the store's find-then-create sequence is not
// transactional, and without the lock two near-simultaneous messages
// from one identity could each create an open session. Different
// identities resolve concurrently.
type Resolver struct {
	store *Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewResolver creates a resolver backed by the given store.
func NewResolver(store *Store) *Resolver {
	return &Resolver{
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

// Resolve returns the session the prompt at time now belongs to.
//
// A continuation returns the existing open session unchanged. A system
// instruction always rotates: the open session (if any) is closed at
// now and a fresh one is opened, so a new instruction never inherits
// stale context. With no open session, one is created.
func (r *Resolver) Resolve(identity Identity, systemCommand bool, now time.Time) (*Session, error) {
	lock := r.identityLock(identity.Key())
	lock.Lock()
	defer lock.Unlock()

	open, err := r.store.FindOpen(identity)
	if err != nil {
		return nil, err
	}

	if open != nil {
		if !systemCommand {
			return open, nil
		}
		if err := r.store.End(open.ID, now); err != nil {
			return nil, fmt.Errorf("rotate session %s: %w", open.ID, err)
		}
	}

	return r.store.Start(identity, now)
}

// identityLock returns the mutex for an identity key, creating it on
// first use. Locks are never evicted; the set of identities a single
// bot talks to stays small.
func (r *Resolver) identityLock(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[key] = lock
	}
	return lock
}
