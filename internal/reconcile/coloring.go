package reconcile

import (
	"time"

	"github.com/care/parking/internal/geometry"
	"github.com/care/parking/internal/ledger"
	"github.com/care/parking/internal/occupancy"
)

// Status is the display state of a slot.
type Status string

const (
	StatusFree     Status = "free"
	StatusReserved Status = "reserved"
	StatusOccupied Status = "occupied"
)

// SlotColor is one slot's status in a coloring.
type SlotColor struct {
	ID     int    `json:"-"`
	Name   string `json:"name"`
	Status Status `json:"status"`
}

// Coloring is the per-slot status computed at the end of a tick.
type Coloring struct {
	Seq   uint64      `json:"-"`
	At    time.Time   `json:"at"`
	Slots []SlotColor `json:"slots"`
}

// Colorize assigns each slot a status: occupied if in the snapshot,
// else reserved if a pending reservation names it, else free. Pending
// reservations naming unknown slots are ignored.
func Colorize(store *geometry.Store, occupied occupancy.Set, pending []ledger.Reservation) []SlotColor {
	reserved := make(map[int]bool, len(pending))
	for _, r := range pending {
		if r.State != ledger.StatePending {
			continue
		}
		if slot, err := store.Lookup(r.SlotName); err == nil {
			reserved[slot.ID] = true
		}
	}

	slots := store.Slots()
	out := make([]SlotColor, len(slots))
	for i, slot := range slots {
		status := StatusFree
		switch {
		case occupied.Has(slot.ID):
			status = StatusOccupied
		case reserved[slot.ID]:
			status = StatusReserved
		}
		out[i] = SlotColor{ID: slot.ID, Name: slot.Name, Status: status}
	}
	return out
}

// Free returns the names of free slots in id order. Never nil.
func (c Coloring) Free() []string {
	free := make([]string, 0, len(c.Slots))
	for _, s := range c.Slots {
		if s.Status == StatusFree {
			free = append(free, s.Name)
		}
	}
	return free
}

// Count returns the number of slots with status s.
func (c Coloring) Count(s Status) int {
	n := 0
	for _, sc := range c.Slots {
		if sc.Status == s {
			n++
		}
	}
	return n
}
