package perception

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/care/parking/internal/geometry"
)

// MockSource replays a scripted list of point sets at a fixed rate,
// cycling when it reaches the end. An empty script yields empty
// observations so that deadlines are still evaluated.
type MockSource struct {
	script [][]geometry.Point
	fps    int

	obsCh  chan Observation
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu        sync.RWMutex
	seq       uint64
	emitted   uint64
	dropped   uint64
	isRunning bool
	lastSeen  time.Time
}

// NewMockSource creates a mock source from [[x,y],...] point sets.
func NewMockSource(script [][][]float64, fps int) *MockSource {
	if fps <= 0 {
		fps = 1
	}
	sets := make([][]geometry.Point, 0, len(script))
	for _, set := range script {
		sets = append(sets, toPoints(set))
	}
	return &MockSource{
		script: sets,
		fps:    fps,
		obsCh:  make(chan Observation, 10),
		stopCh: make(chan struct{}),
	}
}

// Start begins generating observations
func (m *MockSource) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return fmt.Errorf("source already running")
	}
	m.isRunning = true
	m.mu.Unlock()

	slog.Info("mock perception starting",
		"fps", m.fps,
		"script_len", len(m.script),
	)

	m.wg.Add(1)
	go m.generate(ctx)

	return nil
}

func (m *MockSource) generate(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(m.fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			m.seq++
			seq := m.seq
			m.mu.Unlock()

			var points []geometry.Point
			if len(m.script) > 0 {
				points = m.script[int((seq-1)%uint64(len(m.script)))]
			}

			obs := Observation{
				Seq:       seq,
				Timestamp: now,
				TraceID:   uuid.NewString(),
				Points:    points,
			}

			select {
			case m.obsCh <- obs:
				m.mu.Lock()
				m.emitted++
				m.lastSeen = now
				m.mu.Unlock()
			default:
				m.mu.Lock()
				m.dropped++
				m.mu.Unlock()
			}
		}
	}
}

// Observations returns the observation channel
func (m *MockSource) Observations() <-chan Observation {
	return m.obsCh
}

// Stop stops the source
func (m *MockSource) Stop() error {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return nil
	}
	m.isRunning = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	close(m.obsCh)

	slog.Info("mock perception stopped", "emitted", m.Stats().Emitted)
	return nil
}

// Stats returns source statistics
func (m *MockSource) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Running:    m.isRunning,
		Emitted:    m.emitted,
		Dropped:    m.dropped,
		LastSeenAt: m.lastSeen,
	}
}
