package router

import (
	"sync"

	"github.com/Auto-Lab-Solutions/Web-Backend-sub001/internal/store"
)

// identityLocks hands out one mutex per identity id so that
// purge-then-bind sequences for the same identity never interleave.
// Locks are reference-counted and dropped when unused.
type identityLocks struct {
	mu    sync.Mutex
	locks map[string]*identityLock
}

type identityLock struct {
	mu   sync.Mutex
	refs int
}

func newIdentityLocks() *identityLocks {
	return &identityLocks{locks: make(map[string]*identityLock)}
}

// Lock acquires the lock for key and returns its release function.
func (il *identityLocks) Lock(key string) func() {
	il.mu.Lock()
	l, ok := il.locks[key]
	if !ok {
		l = &identityLock{}
		il.locks[key] = l
	}
	l.refs++
	il.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		il.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(il.locks, key)
		}
		il.mu.Unlock()
	}
}

// sessionIndex is the in-memory view of live sessions, kept in lockstep
// with the persistent session rows. All routing reads come from here; the
// store is the durable record.
type sessionIndex struct {
	mu         sync.RWMutex
	byHandle   map[string]store.Session
	byIdentity map[string]map[string]struct{} // identity id -> handles
	byKind     map[store.SessionKind]map[string]struct{}
}

func newSessionIndex() *sessionIndex {
	return &sessionIndex{
		byHandle:   make(map[string]store.Session),
		byIdentity: make(map[string]map[string]struct{}),
		byKind: map[store.SessionKind]map[string]struct{}{
			store.KindCustomer: {},
			store.KindStaff:    {},
		},
	}
}

func (si *sessionIndex) bind(s store.Session) {
	si.mu.Lock()
	defer si.mu.Unlock()
	si.byHandle[s.Handle] = s
	if si.byIdentity[s.IdentityID] == nil {
		si.byIdentity[s.IdentityID] = make(map[string]struct{})
	}
	si.byIdentity[s.IdentityID][s.Handle] = struct{}{}
	si.byKind[s.Kind][s.Handle] = struct{}{}
}

// unbind removes a handle. It reports the removed session, whether the
// handle was bound at all, and whether it was the identity's last handle.
func (si *sessionIndex) unbind(handle string) (s store.Session, ok, last bool) {
	si.mu.Lock()
	defer si.mu.Unlock()
	s, ok = si.byHandle[handle]
	if !ok {
		return store.Session{}, false, false
	}
	delete(si.byHandle, handle)
	delete(si.byKind[s.Kind], handle)
	if handles := si.byIdentity[s.IdentityID]; handles != nil {
		delete(handles, handle)
		if len(handles) == 0 {
			delete(si.byIdentity, s.IdentityID)
			last = true
		}
	}
	return s, true, last
}

func (si *sessionIndex) lookup(handle string) (store.Session, bool) {
	si.mu.RLock()
	defer si.mu.RUnlock()
	s, ok := si.byHandle[handle]
	return s, ok
}

// handlesFor returns the live handles bound to an identity.
func (si *sessionIndex) handlesFor(identityID string) []string {
	si.mu.RLock()
	defer si.mu.RUnlock()
	handles := make([]string, 0, len(si.byIdentity[identityID]))
	for h := range si.byIdentity[identityID] {
		handles = append(handles, h)
	}
	return handles
}

// staffHandles returns every live staff handle.
func (si *sessionIndex) staffHandles() []string {
	si.mu.RLock()
	defer si.mu.RUnlock()
	handles := make([]string, 0, len(si.byKind[store.KindStaff]))
	for h := range si.byKind[store.KindStaff] {
		handles = append(handles, h)
	}
	return handles
}
