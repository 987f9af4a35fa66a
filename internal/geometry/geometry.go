// Package geometry holds the immutable slot polygons of a parking lot.
//
// Slots are loaded once at startup. Slot i is named prefix+(i+1), so the
// first polygon in the file is "P1" with the default prefix. Nothing in
// this package mutates a Store after NewStore returns.
package geometry

import (
	"errors"
	"fmt"
	"strconv"
)

// DefaultNamePrefix is the letter slot names start with.
const DefaultNamePrefix = "P"

// ErrUnknownSlot is returned by Lookup when a name does not resolve to a slot.
var ErrUnknownSlot = errors.New("unknown slot")

// Point is a 2-D image coordinate.
type Point struct {
	X float64
	Y float64
}

// Polygon is a closed ring of points. The last point connects to the first.
type Polygon []Point

// Slot is a named parking zone.
type Slot struct {
	ID      int
	Name    string
	Polygon Polygon
}

// Store is the loaded lot geometry.
type Store struct {
	prefix string
	slots  []Slot
	byName map[string]int
}

// NewStore builds a Store from polygons in slot order.
func NewStore(polygons []Polygon, prefix string) (*Store, error) {
	if prefix == "" {
		prefix = DefaultNamePrefix
	}
	if len(polygons) == 0 {
		return nil, fmt.Errorf("geometry has no slots")
	}

	s := &Store{
		prefix: prefix,
		slots:  make([]Slot, 0, len(polygons)),
		byName: make(map[string]int, len(polygons)),
	}

	for i, poly := range polygons {
		if len(poly) < 3 {
			return nil, fmt.Errorf("slot %d: polygon must have at least 3 points, got %d", i+1, len(poly))
		}
		name := prefix + strconv.Itoa(i+1)
		ring := make(Polygon, len(poly))
		copy(ring, poly)
		s.slots = append(s.slots, Slot{ID: i, Name: name, Polygon: ring})
		s.byName[name] = i
	}

	return s, nil
}

// Slots returns the slots in id order. The slice must not be modified.
func (s *Store) Slots() []Slot {
	return s.slots
}

// Len returns the number of slots.
func (s *Store) Len() int {
	return len(s.slots)
}

// Prefix returns the slot name prefix.
func (s *Store) Prefix() string {
	return s.prefix
}

// Lookup resolves a slot name such as "P5" by exact match.
func (s *Store) Lookup(name string) (Slot, error) {
	id, ok := s.byName[name]
	if !ok {
		return Slot{}, fmt.Errorf("%w: %q", ErrUnknownSlot, name)
	}
	return s.slots[id], nil
}

// Contains reports whether p lies inside the polygon or on its boundary.
func (poly Polygon) Contains(p Point) bool {
	n := len(poly)
	if n < 3 {
		return false
	}

	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := poly[j], poly[i]
		if onSegment(a, b, p) {
			return true
		}
		if (b.Y > p.Y) != (a.Y > p.Y) {
			x := (a.X-b.X)*(p.Y-b.Y)/(a.Y-b.Y) + b.X
			if p.X < x {
				inside = !inside
			}
		}
	}
	return inside
}

const epsilon = 1e-9

func onSegment(a, b, p Point) bool {
	cross := (b.X-a.X)*(p.Y-a.Y) - (b.Y-a.Y)*(p.X-a.X)
	if cross > epsilon || cross < -epsilon {
		return false
	}
	return p.X >= min(a.X, b.X)-epsilon && p.X <= max(a.X, b.X)+epsilon &&
		p.Y >= min(a.Y, b.Y)-epsilon && p.Y <= max(a.Y, b.Y)+epsilon
}
