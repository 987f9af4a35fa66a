// Package intake validates inbound reservation messages and admits them
// into the ledger.
package intake

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"time"
)

var (
	// ErrMalformed means the payload is not a JSON object.
	ErrMalformed = errors.New("malformed message")
	// ErrIncomplete means reservationId or deadline is missing.
	ErrIncomplete = errors.New("incomplete message")
	// ErrInvalidSlot means slot is empty or not <letter><positive integer>.
	ErrInvalidSlot = errors.New("invalid slot")
)

var slotPattern = regexp.MustCompile(`^[A-Za-z][1-9][0-9]*$`)

// Message is the wire form of a reservation request.
//
//	{"reservationId": 7, "slot": "P3", "deadline": 1700000060}
//
// Numbers may be integers, floats (truncated) or numeric strings.
// Unknown fields are ignored.
type Message struct {
	ReservationID *json.Number `json:"reservationId"`
	Slot          string       `json:"slot"`
	Deadline      *json.Number `json:"deadline"`
}

// Request is a validated reservation request.
type Request struct {
	ReservationID int64
	Slot          string
	Deadline      time.Time
}

// Parse validates payload in order: decodable, complete, valid slot.
func Parse(payload []byte) (Request, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if msg.ReservationID == nil || msg.Deadline == nil {
		return Request{}, ErrIncomplete
	}

	if msg.Slot == "" || !slotPattern.MatchString(msg.Slot) {
		return Request{}, fmt.Errorf("%w: %q", ErrInvalidSlot, msg.Slot)
	}

	id, err := toInt64(*msg.ReservationID)
	if err != nil {
		return Request{}, fmt.Errorf("%w: reservationId: %v", ErrMalformed, err)
	}
	deadline, err := toInt64(*msg.Deadline)
	if err != nil {
		return Request{}, fmt.Errorf("%w: deadline: %v", ErrMalformed, err)
	}

	return Request{
		ReservationID: id,
		Slot:          msg.Slot,
		Deadline:      time.Unix(deadline, 0),
	}, nil
}

// toInt64 accepts integral and fractional numbers, truncating toward zero.
func toInt64(n json.Number) (int64, error) {
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, err
	}
	f = math.Trunc(f)
	if f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("%s out of range", n)
	}
	return int64(f), nil
}
