// Package ledger is the authoritative table of open reservations.
//
// Every structural change goes through a Ledger method holding its mutex.
// Critical sections never perform I/O: callers decide under the lock and
// act (settlement, publishing, auditing) after it is released.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// State is the lifecycle state of a reservation.
type State string

const (
	StatePending State = "pending"
	StateArrived State = "arrived"
	StateExpired State = "expired"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateArrived || s == StateExpired
}

// Policy controls admission of a reservation for a slot that already has
// a pending reservation under a different id.
type Policy string

const (
	// PolicyAllow admits both reservations. Each settles independently.
	PolicyAllow Policy = "allow"
	// PolicyReject refuses the newcomer with ErrSlotReserved.
	PolicyReject Policy = "reject"
)

// ParsePolicy maps a config value to a Policy. Empty means PolicyAllow.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyAllow:
		return PolicyAllow, nil
	case PolicyReject:
		return PolicyReject, nil
	default:
		return "", fmt.Errorf("unknown double booking policy %q (must be 'allow' or 'reject')", s)
	}
}

// ErrSlotReserved is returned by Insert under PolicyReject.
var ErrSlotReserved = errors.New("slot already reserved")

// Reservation is one client's claim on a slot until a deadline.
type Reservation struct {
	ID         int64
	SlotName   string
	Deadline   time.Time
	State      State
	ReceivedAt time.Time
}

// Decision is the verdict a reconcile pass reaches for one reservation.
type Decision int

const (
	// Keep leaves the reservation pending.
	Keep Decision = iota
	// Arrive marks the reservation arrived and removes it.
	Arrive
	// Expire marks the reservation expired and removes it.
	Expire
	// Drop removes the reservation without a terminal state.
	Drop
)

func (d Decision) String() string {
	switch d {
	case Keep:
		return "keep"
	case Arrive:
		return "arrive"
	case Expire:
		return "expire"
	case Drop:
		return "drop"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Ledger maps reservation ids to open reservations.
type Ledger struct {
	policy Policy

	mu      sync.Mutex
	entries map[int64]Reservation
}

// New creates an empty Ledger with the given double booking policy.
func New(policy Policy) *Ledger {
	if policy == "" {
		policy = PolicyAllow
	}
	return &Ledger{
		policy:  policy,
		entries: make(map[int64]Reservation),
	}
}

// Policy returns the ledger's double booking policy.
func (l *Ledger) Policy() Policy {
	return l.policy
}

// Insert stores r as pending, replacing any entry with the same id.
// A re-sent id always overwrites regardless of policy.
func (l *Ledger) Insert(r Reservation) (replaced bool, err error) {
	r.State = StatePending

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.policy == PolicyReject {
		for id, e := range l.entries {
			if id != r.ID && e.SlotName == r.SlotName && e.State == StatePending {
				return false, fmt.Errorf("%w: %s held by reservation %d", ErrSlotReserved, r.SlotName, id)
			}
		}
	}

	_, replaced = l.entries[r.ID]
	l.entries[r.ID] = r
	return replaced, nil
}

// Get returns the reservation for id.
func (l *Ledger) Get(id int64) (Reservation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.entries[id]
	return r, ok
}

// Len returns the number of open reservations.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Keys returns the ids present now, sorted ascending. Entries inserted
// after the call are not included; entries removed after the call are
// skipped by Decide.
func (l *Ledger) Keys() []int64 {
	l.mu.Lock()
	ids := make([]int64, 0, len(l.entries))
	for id := range l.entries {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Snapshot returns a point-in-time copy of all open reservations ordered
// by id.
func (l *Ledger) Snapshot() []Reservation {
	l.mu.Lock()
	out := make([]Reservation, 0, len(l.entries))
	for _, r := range l.entries {
		out = append(out, r)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Decide applies fn to the pending reservation with the given id and
// commits the verdict atomically. fn runs under the ledger lock and must
// not block. The returned reservation carries the state after the
// decision. ok is false when the id is no longer present or not pending,
// in which case fn is not called.
func (l *Ledger) Decide(id int64, fn func(Reservation) Decision) (Reservation, Decision, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.entries[id]
	if !ok || r.State != StatePending {
		return Reservation{}, Keep, false
	}

	d := fn(r)
	switch d {
	case Arrive:
		r.State = StateArrived
		delete(l.entries, id)
	case Expire:
		r.State = StateExpired
		delete(l.entries, id)
	case Drop:
		delete(l.entries, id)
	}
	return r, d, true
}
