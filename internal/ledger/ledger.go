// Package ledger tracks cooldown windows per wallet address and per network
// origin. Entries expire through the backing store's TTL; a window is taken
// with an atomic reservation before any transfer is attempted.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Namespace separates address keys from origin keys.
type Namespace string

const (
	NamespaceAddress Namespace = "address"
	NamespaceOrigin  Namespace = "origin"
)

const keyPrefix = "faucet:cooldown:"

// Key identifies a rate-limited subject.
type Key struct {
	Namespace Namespace
	ID        string
}

// AddressKey keys a wallet address. The ID is lowercased so checksum and
// plain hex spellings share one entry.
func AddressKey(addr string) Key {
	return Key{Namespace: NamespaceAddress, ID: strings.ToLower(strings.TrimSpace(addr))}
}

// OriginKey keys a client network origin such as an IP address.
func OriginKey(id string) Key {
	return Key{Namespace: NamespaceOrigin, ID: strings.TrimSpace(id)}
}

// String returns the store key.
func (k Key) String() string {
	return keyPrefix + string(k.Namespace) + ":" + k.ID
}

// Claim asks for key to be held for Window.
type Claim struct {
	Key    Key
	Window time.Duration
}

// Entry is a cooldown record as seen by a backend.
type Entry struct {
	Key       Key
	GrantedAt time.Time
	ExpiresAt time.Time
}

// Remaining returns the wait left at now, or zero once expired.
func (e Entry) Remaining(now time.Time) time.Duration {
	if !now.Before(e.ExpiresAt) {
		return 0
	}
	return e.ExpiresAt.Sub(now)
}

// Reservation is a successful claim on a set of keys. Token marks the
// entries as owned by this reservation so release and commit never touch
// entries written by someone else.
type Reservation struct {
	Token  string
	Claims []Claim
}

func newReservation(claims []Claim) *Reservation {
	return &Reservation{Token: uuid.NewString(), Claims: claims}
}

func (r *Reservation) keys() []string {
	keys := make([]string, len(r.Claims))
	for i, c := range r.Claims {
		keys[i] = c.Key.String()
	}
	return keys
}

var (
	// ErrReserved is matched by errors.Is for every ReservedError.
	ErrReserved = errors.New("cooldown active")
	// ErrReservationLost is returned by Commit when none of the reserved
	// entries are still owned by the reservation.
	ErrReservationLost = errors.New("reservation no longer held")
	// ErrNoClaims is returned by Reserve for an empty claim set.
	ErrNoClaims = errors.New("no claims to reserve")
)

// ReservedError reports the key that blocked a reservation and its wait.
type ReservedError struct {
	Key       Key
	Remaining time.Duration
}

func (e *ReservedError) Error() string {
	return fmt.Sprintf("%s: %s reserved for another %s", ErrReserved, e.Key, e.Remaining.Round(time.Second))
}

func (e *ReservedError) Unwrap() error { return ErrReserved }

// Ledger is the cooldown store used by the admission controller.
// Implementations must be safe for concurrent use.
type Ledger interface {
	// Remaining returns how long key stays in cooldown, zero if it is free.
	Remaining(ctx context.Context, key Key) (time.Duration, error)
	// Reserve atomically creates entries for every claim, or none of them.
	// If any key is held it returns a *ReservedError.
	Reserve(ctx context.Context, claims []Claim) (*Reservation, error)
	// Release deletes the entries still owned by r.
	Release(ctx context.Context, r *Reservation) error
	// Commit stamps the owned entries with the grant time and txID and
	// restarts their windows.
	Commit(ctx context.Context, r *Reservation, txID string) error
}

func grantValue(txID string, at time.Time) string {
	return fmt.Sprintf("granted:%d:%s", at.UnixMilli(), txID)
}

func windowMillis(d time.Duration) int64 {
	if ms := d.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}
