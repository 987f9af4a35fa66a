// Package reconcile merges occupancy snapshots, pending reservations and
// the wall clock into one terminal decision per reservation.
package reconcile

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/care/parking/internal/audit"
	"github.com/care/parking/internal/clock"
	"github.com/care/parking/internal/geometry"
	"github.com/care/parking/internal/ledger"
	"github.com/care/parking/internal/occupancy"
	"github.com/care/parking/internal/settlement"
)

// Settler accepts settlement requests without blocking the caller.
type Settler interface {
	Submit(ctx context.Context, req settlement.Request)
}

// Result summarizes one tick.
type Result struct {
	Seq      uint64
	At       time.Time
	Occupied []int
	Arrived  []int64
	Expired  []int64
	Dropped  []int64
	Coloring Coloring
}

// Stats contains loop counters.
type Stats struct {
	Ticks    uint64
	Arrived  uint64
	Expired  uint64
	Dropped  uint64
	LastTick time.Time
}

// Loop runs reconcile passes. Tick is not safe for concurrent use; a
// single consumer drives it. Latest and Stats may be read from any
// goroutine.
type Loop struct {
	store    *geometry.Store
	ledger   *ledger.Ledger
	settler  Settler
	recorder audit.Recorder
	clock    clock.Clock

	latest atomic.Pointer[Coloring]

	ticks    atomic.Uint64
	arrived  atomic.Uint64
	expired  atomic.Uint64
	dropped  atomic.Uint64
	lastTick atomic.Int64
}

// NewLoop wires a Loop. recorder may be nil.
func NewLoop(store *geometry.Store, l *ledger.Ledger, settler Settler, recorder audit.Recorder, clk clock.Clock) *Loop {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Loop{
		store:    store,
		ledger:   l,
		settler:  settler,
		recorder: recorder,
		clock:    clk,
	}
}

// Tick evaluates one occupancy snapshot against every pending
// reservation. Arrival is tested before expiry, so a reservation whose
// slot becomes occupied in the same tick its deadline passes is
// confirmed. Deadlines compare at whole-second resolution: a reservation
// expires once the current second is past the deadline second.
func (l *Loop) Tick(ctx context.Context, seq uint64, points []geometry.Point) Result {
	now := l.clock.Now()
	occ := occupancy.Evaluate(l.store.Slots(), points)

	res := Result{Seq: seq, At: now, Occupied: occ.IDs()}

	for _, id := range l.ledger.Keys() {
		var lookupErr error
		r, d, ok := l.ledger.Decide(id, func(r ledger.Reservation) ledger.Decision {
			slot, err := l.store.Lookup(r.SlotName)
			if err != nil {
				lookupErr = err
				return ledger.Drop
			}
			if occ.Has(slot.ID) {
				return ledger.Arrive
			}
			if now.Unix() > r.Deadline.Unix() {
				return ledger.Expire
			}
			return ledger.Keep
		})
		if !ok {
			continue
		}

		switch d {
		case ledger.Arrive:
			res.Arrived = append(res.Arrived, r.ID)
			l.arrived.Add(1)
			slog.Info("reservation arrived",
				"reservation_id", r.ID,
				"slot", r.SlotName,
				"seq", seq,
			)
			l.settle(ctx, r, settlement.ConfirmArrival, audit.EventArrived, now)

		case ledger.Expire:
			res.Expired = append(res.Expired, r.ID)
			l.expired.Add(1)
			slog.Info("reservation expired",
				"reservation_id", r.ID,
				"slot", r.SlotName,
				"deadline", r.Deadline.Unix(),
				"late_s", now.Unix()-r.Deadline.Unix(),
			)
			l.settle(ctx, r, settlement.FinalizeNoShow, audit.EventExpired, now)

		case ledger.Drop:
			res.Dropped = append(res.Dropped, r.ID)
			l.dropped.Add(1)
			slog.Warn("reservation dropped",
				"reservation_id", r.ID,
				"slot", r.SlotName,
				"error", lookupErr,
				"action", "no settlement issued, check client slot names against geometry",
			)
			l.record(ctx, audit.Record{
				ReservationID: r.ID,
				Slot:          r.SlotName,
				Event:         audit.EventDropped,
				Detail:        errString(lookupErr),
				At:            now,
			})
		}
	}

	res.Coloring = Coloring{
		Seq:   seq,
		At:    now,
		Slots: Colorize(l.store, occ, l.ledger.Snapshot()),
	}
	l.latest.Store(&res.Coloring)

	l.ticks.Add(1)
	l.lastTick.Store(now.UnixNano())

	if len(res.Arrived)+len(res.Expired)+len(res.Dropped) > 0 {
		slog.Debug("reconcile tick",
			"seq", seq,
			"occupied", len(res.Occupied),
			"arrived", len(res.Arrived),
			"expired", len(res.Expired),
			"dropped", len(res.Dropped),
		)
	}
	return res
}

// settle records the transition then hands the outcome to the settler.
// The ledger transition is already committed; a settlement failure does
// not undo it.
func (l *Loop) settle(ctx context.Context, r ledger.Reservation, outcome settlement.Outcome, event audit.Event, now time.Time) {
	l.record(ctx, audit.Record{
		ReservationID: r.ID,
		Slot:          r.SlotName,
		Event:         event,
		At:            now,
	})
	l.settler.Submit(ctx, settlement.Request{
		Outcome:       outcome,
		ReservationID: r.ID,
		SlotName:      r.SlotName,
		DecidedAt:     now,
	})
}

func (l *Loop) record(ctx context.Context, rec audit.Record) {
	if err := l.recorder.Append(ctx, rec); err != nil {
		slog.Error("failed to record audit event",
			"reservation_id", rec.ReservationID,
			"event", rec.Event,
			"error", err,
		)
	}
}

// Latest returns the coloring from the most recent tick. ok is false
// before the first tick.
func (l *Loop) Latest() (Coloring, bool) {
	c := l.latest.Load()
	if c == nil {
		return Coloring{}, false
	}
	return *c, true
}

// Stats returns loop counters.
func (l *Loop) Stats() Stats {
	s := Stats{
		Ticks:   l.ticks.Load(),
		Arrived: l.arrived.Load(),
		Expired: l.expired.Load(),
		Dropped: l.dropped.Load(),
	}
	if ns := l.lastTick.Load(); ns != 0 {
		s.LastTick = time.Unix(0, ns)
	}
	return s
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
