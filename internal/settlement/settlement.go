// Package settlement notifies the external backend of each reservation's
// final outcome.
package settlement

import (
	"context"
	"fmt"
	"time"
)

// Outcome is the terminal notification sent for a reservation.
type Outcome string

const (
	ConfirmArrival Outcome = "confirmArrival"
	FinalizeNoShow Outcome = "finalizeNoShow"
)

// TxHandle identifies a submitted backend transaction.
type TxHandle string

// Request asks for one outcome to be settled.
type Request struct {
	Outcome       Outcome
	ReservationID int64
	SlotName      string
	DecidedAt     time.Time
}

// Backend performs settlement calls. Implementations own transaction
// construction and signing.
type Backend interface {
	Name() string
	// Ping verifies the backend is reachable. Called once at startup.
	Ping(ctx context.Context) error
	ConfirmArrival(ctx context.Context, reservationID int64) (TxHandle, error)
	FinalizeNoShow(ctx context.Context, reservationID int64) (TxHandle, error)
}

// Call routes req to the matching Backend method.
func Call(ctx context.Context, b Backend, req Request) (TxHandle, error) {
	switch req.Outcome {
	case ConfirmArrival:
		return b.ConfirmArrival(ctx, req.ReservationID)
	case FinalizeNoShow:
		return b.FinalizeNoShow(ctx, req.ReservationID)
	default:
		return "", fmt.Errorf("unknown settlement outcome %q", req.Outcome)
	}
}
