// Package occupancy maps detected vehicle centers onto slot polygons.
package occupancy

import (
	"sort"

	"github.com/care/parking/internal/geometry"
)

// Set is the ids of slots occupied in one snapshot.
type Set map[int]struct{}

// Has reports whether slot id is occupied.
func (s Set) Has(id int) bool {
	_, ok := s[id]
	return ok
}

// Len returns the number of occupied slots.
func (s Set) Len() int {
	return len(s)
}

// IDs returns the occupied slot ids in ascending order.
func (s Set) IDs() []int {
	ids := make([]int, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Evaluate returns the slots containing at least one point. A point on a
// polygon boundary counts as inside. Overlapping polygons may both be
// occupied by the same point.
func Evaluate(slots []geometry.Slot, points []geometry.Point) Set {
	occupied := make(Set)
	if len(points) == 0 {
		return occupied
	}

	for _, slot := range slots {
		for _, p := range points {
			if slot.Polygon.Contains(p) {
				occupied[slot.ID] = struct{}{}
				break
			}
		}
	}
	return occupied
}
