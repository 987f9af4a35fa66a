// Package perception supplies occupancy observations: the vehicle center
// points seen in each analyzed frame.
package perception

import (
	"context"
	"time"

	"github.com/care/parking/internal/geometry"
)

// Observation is one analyzed frame.
type Observation struct {
	Seq       uint64
	Timestamp time.Time
	TraceID   string
	Points    []geometry.Point
}

// Stats contains source statistics.
type Stats struct {
	Running    bool
	Emitted    uint64
	Dropped    uint64
	Errors     uint64
	LastSeenAt time.Time
}

// Source produces observations until stopped.
type Source interface {
	// Start begins producing observations
	Start(ctx context.Context) error
	// Observations returns the channel observations are delivered on.
	// It is closed by Stop.
	Observations() <-chan Observation
	// Stop halts the source
	Stop() error
	// Stats returns source statistics
	Stats() Stats
}

// toPoints converts [[x,y],...] pairs. Pairs of the wrong length are skipped.
func toPoints(pairs [][]float64) []geometry.Point {
	points := make([]geometry.Point, 0, len(pairs))
	for _, p := range pairs {
		if len(p) != 2 {
			continue
		}
		points = append(points, geometry.Point{X: p[0], Y: p[1]})
	}
	return points
}
