package intake

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/care/parking/internal/clock"
	"github.com/care/parking/internal/ledger"
)

// Handler admits reservation messages arriving from the bus.
type Handler struct {
	ledger *ledger.Ledger
	clock  clock.Clock

	accepted atomic.Uint64
	replaced atomic.Uint64
	rejected atomic.Uint64
}

// Stats contains intake counters.
type Stats struct {
	Accepted uint64
	Replaced uint64
	Rejected uint64
}

// NewHandler creates a Handler writing into l.
func NewHandler(l *ledger.Ledger, clk clock.Clock) *Handler {
	if clk == nil {
		clk = clock.Real()
	}
	return &Handler{ledger: l, clock: clk}
}

// Admit validates payload and inserts it as a pending reservation. A
// rejected payload leaves the ledger untouched.
func (h *Handler) Admit(payload []byte) (Request, error) {
	req, err := Parse(payload)
	if err != nil {
		h.rejected.Add(1)
		return Request{}, err
	}

	replaced, err := h.ledger.Insert(ledger.Reservation{
		ID:         req.ReservationID,
		SlotName:   req.Slot,
		Deadline:   req.Deadline,
		ReceivedAt: h.clock.Now(),
	})
	if err != nil {
		h.rejected.Add(1)
		return req, err
	}

	h.accepted.Add(1)
	if replaced {
		h.replaced.Add(1)
	}
	return req, nil
}

// HandleMessage is the bus callback for the reserve topic.
func (h *Handler) HandleMessage(topic string, payload []byte) {
	req, err := h.Admit(payload)
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, ledger.ErrSlotReserved) {
			level = slog.LevelInfo
		}
		slog.Log(context.Background(), level, "reservation rejected",
			"topic", topic,
			"reservation_id", req.ReservationID,
			"size", len(payload),
			"error", err,
		)
		return
	}

	slog.Info("reservation received",
		"reservation_id", req.ReservationID,
		"slot", req.Slot,
		"deadline", req.Deadline.Unix(),
	)
}

// Stats returns intake counters.
func (h *Handler) Stats() Stats {
	return Stats{
		Accepted: h.accepted.Load(),
		Replaced: h.replaced.Load(),
		Rejected: h.rejected.Load(),
	}
}
