package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/care/parking/internal/audit"
)

// DispatcherConfig bounds concurrent settlement calls.
type DispatcherConfig struct {
	// MaxInFlight caps concurrent backend calls. Default 1, since
	// on-chain backends assign a nonce per call from one sender.
	MaxInFlight int
	// Timeout bounds a single backend call. Default 60s.
	Timeout time.Duration
}

// Result is the outcome of one settlement attempt.
type Result struct {
	Request Request
	Tx      TxHandle
	Err     error
	Elapsed time.Duration
}

// Dispatcher makes exactly one backend call per submitted request and
// records the result. It never retries.
type Dispatcher struct {
	backend  Backend
	recorder audit.Recorder
	timeout  time.Duration
	sem      chan struct{}

	wg sync.WaitGroup

	submitted atomic.Uint64
	inFlight  atomic.Int64
	succeeded atomic.Uint64
	failed    atomic.Uint64
}

// Stats contains dispatcher counters.
type Stats struct {
	Backend   string
	Submitted uint64
	InFlight  int64
	Succeeded uint64
	Failed    uint64
}

// NewDispatcher creates a Dispatcher. recorder may be nil.
func NewDispatcher(backend Backend, recorder audit.Recorder, cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Dispatcher{
		backend:  backend,
		recorder: recorder,
		timeout:  cfg.Timeout,
		sem:      make(chan struct{}, cfg.MaxInFlight),
	}
}

// Submit hands req off and returns immediately. The call outlives ctx
// cancellation; only the per-call timeout bounds it, so a stop signal
// never abandons a decided outcome. Use Wait to drain.
func (d *Dispatcher) Submit(ctx context.Context, req Request) {
	d.submitted.Add(1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.sem <- struct{}{}
		defer func() { <-d.sem }()
		d.Dispatch(context.WithoutCancel(ctx), req)
	}()
}

// Dispatch performs the single attempt for req synchronously.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Result {
	d.inFlight.Add(1)
	defer d.inFlight.Add(-1)

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	tx, err := Call(callCtx, d.backend, req)
	res := Result{Request: req, Tx: tx, Err: err, Elapsed: time.Since(start)}

	rec := audit.Record{
		ReservationID: req.ReservationID,
		Slot:          req.SlotName,
		At:            time.Now(),
	}

	if err != nil {
		d.failed.Add(1)
		slog.Error("settlement failed",
			"reservation_id", req.ReservationID,
			"outcome", req.Outcome,
			"backend", d.backend.Name(),
			"elapsed", res.Elapsed,
			"error", err,
			"action", "manual settlement required",
		)
		rec.Event = audit.EventSettlementFailed
		rec.Detail = fmt.Sprintf("%s: %v", req.Outcome, err)
	} else {
		d.succeeded.Add(1)
		slog.Info("settlement confirmed",
			"reservation_id", req.ReservationID,
			"outcome", req.Outcome,
			"tx", tx,
			"elapsed", res.Elapsed,
		)
		rec.Event = audit.EventSettled
		rec.Detail = fmt.Sprintf("%s: %s", req.Outcome, tx)
	}

	if err := d.recorder.Append(ctx, rec); err != nil {
		slog.Error("failed to record settlement",
			"reservation_id", req.ReservationID,
			"error", err,
		)
	}
	return res
}

// Wait blocks until all submitted calls finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("settlement drain: %d calls still in flight: %w", d.pending(), ctx.Err())
	}
}

func (d *Dispatcher) pending() uint64 {
	return d.submitted.Load() - d.succeeded.Load() - d.failed.Load()
}

// Stats returns dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Backend:   d.backend.Name(),
		Submitted: d.submitted.Load(),
		InFlight:  d.inFlight.Load(),
		Succeeded: d.succeeded.Load(),
		Failed:    d.failed.Load(),
	}
}
