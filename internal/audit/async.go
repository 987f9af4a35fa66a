package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Async buffers appends and writes them from a single goroutine so the
// reconcile path never waits on storage. When the buffer is full the
// record is dropped and counted.
type Async struct {
	inner Recorder
	queue chan Record
	done  chan struct{}

	mu     sync.RWMutex
	closed bool

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// AsyncStats contains writer counters.
type AsyncStats struct {
	Written uint64
	Dropped uint64
	Failed  uint64
}

// NewAsync wraps inner with a queue of the given size.
func NewAsync(inner Recorder, size int) *Async {
	if size <= 0 {
		size = 256
	}
	a := &Async{
		inner: inner,
		queue: make(chan Record, size),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for rec := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := a.inner.Append(ctx, rec)
		cancel()
		if err != nil {
			a.failed.Add(1)
			slog.Error("audit append failed",
				"reservation_id", rec.ReservationID,
				"event", rec.Event,
				"error", err,
			)
			continue
		}
		a.written.Add(1)
	}
}

// Append enqueues rec without blocking. It never returns an error;
// failures surface in logs and Stats.
func (a *Async) Append(_ context.Context, rec Record) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return nil
	}

	select {
	case a.queue <- rec:
	default:
		a.dropped.Add(1)
		slog.Warn("audit queue full, record dropped",
			"reservation_id", rec.ReservationID,
			"event", rec.Event,
		)
	}
	return nil
}

// List reads through to the wrapped store.
func (a *Async) List(ctx context.Context, limit int) ([]Record, error) {
	return a.inner.List(ctx, limit)
}

// Close drains the queue and closes the wrapped store.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return a.inner.Close()
}

// Stats returns writer counters.
func (a *Async) Stats() AsyncStats {
	return AsyncStats{
		Written: a.written.Load(),
		Dropped: a.dropped.Load(),
		Failed:  a.failed.Load(),
	}
}
