package ledger

import (
	"context"
	"sync"
	"time"
)

// sweepEvery bounds map growth: every n-th reservation drops expired keys.
const sweepEvery = 1024

type memoryEntry struct {
	Entry
	token string
	txID  string
}

// Memory is a single-process ledger for development and tests. It gives the
// same atomicity as the shared backends but is not shared between replicas.
type Memory struct {
	mu       sync.Mutex
	entries  map[string]*memoryEntry
	now      func() time.Time
	reserves int
}

// NewMemory returns an empty in-process ledger.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*memoryEntry), now: time.Now}
}

// WithClock replaces the time source; used by tests.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

// Remaining returns the time left on key, zero when it is free or expired.
func (m *Memory) Remaining(_ context.Context, key Key) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key.String())
	if e == nil {
		return 0, nil
	}
	return e.Remaining(m.now()), nil
}

// Reserve claims every key under the mutex or fails with a *ReservedError
// naming the first held key.
func (m *Memory) Reserve(_ context.Context, claims []Claim) (*Reservation, error) {
	if len(claims) == 0 {
		return nil, ErrNoClaims
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, c := range claims {
		if e := m.live(c.Key.String()); e != nil {
			return nil, &ReservedError{Key: c.Key, Remaining: e.Remaining(now)}
		}
	}
	r := newReservation(claims)
	for _, c := range claims {
		m.entries[c.Key.String()] = &memoryEntry{
			Entry: Entry{Key: c.Key, ExpiresAt: now.Add(c.Window)},
			token: r.Token,
		}
	}
	m.reserves++
	if m.reserves%sweepEvery == 0 {
		m.sweep(now)
	}
	return r, nil
}

// Release deletes only the entries still carrying r.Token.
func (m *Memory) Release(_ context.Context, r *Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range r.keys() {
		if e, ok := m.entries[k]; ok && e.token == r.Token {
			delete(m.entries, k)
		}
	}
	return nil
}

// Commit restarts the owned entries from now and records txID. It returns
// ErrReservationLost when none of them are still owned.
func (m *Memory) Commit(_ context.Context, r *Reservation, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	held := 0
	for _, c := range r.Claims {
		e := m.live(c.Key.String())
		if e == nil || e.token != r.Token {
			continue
		}
		e.GrantedAt = now
		e.ExpiresAt = now.Add(c.Window)
		e.txID = txID
		e.token = ""
		held++
	}
	if held == 0 {
		return ErrReservationLost
	}
	return nil
}

// Lookup returns the live entry for key, if any.
func (m *Memory) Lookup(key Key) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key.String())
	if e == nil {
		return Entry{}, false
	}
	return e.Entry, true
}

// live returns the unexpired entry for k, dropping it if it has expired.
// Caller holds m.mu.
func (m *Memory) live(k string) *memoryEntry {
	e, ok := m.entries[k]
	if !ok {
		return nil
	}
	if !m.now().Before(e.ExpiresAt) {
		delete(m.entries, k)
		return nil
	}
	return e
}

// sweep removes expired entries to keep the map bounded.
func (m *Memory) sweep(now time.Time) {
	for k, e := range m.entries {
		if !now.Before(e.ExpiresAt) {
			delete(m.entries, k)
		}
	}
}
