package perception

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// DetectorConfig configures the external detector process.
type DetectorConfig struct {
	Command    string
	Args       []string
	Confidence float64
}

// detectorMessage is one result written by the detector on stdout,
// msgpack-encoded behind a length prefix.
type detectorMessage struct {
	Seq         uint64      `msgpack:"seq"`
	TimestampMS int64       `msgpack:"ts_ms"`
	Centers     [][]float64 `msgpack:"centers"`
}

// DetectorProcess runs the vehicle detector as a subprocess. The
// detector owns the camera; it writes one message per analyzed frame
// holding the centers of detected vehicles.
type DetectorProcess struct {
	cfg DetectorConfig

	cmd    *exec.Cmd
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	obsCh     chan Observation
	closeOnce sync.Once
	stopOnce  sync.Once

	started  atomic.Bool
	isActive atomic.Bool
	emitted  atomic.Uint64
	dropped  atomic.Uint64
	errors   atomic.Uint64
	lastSeen atomic.Int64
}

// NewDetectorProcess creates a detector source. The process is spawned
// by Start.
func NewDetectorProcess(cfg DetectorConfig) *DetectorProcess {
	return &DetectorProcess{
		cfg:   cfg,
		obsCh: make(chan Observation, 10),
	}
}

// Start spawns the detector process
func (d *DetectorProcess) Start(ctx context.Context) error {
	if d.started.Load() {
		return fmt.Errorf("detector already started")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)

	args := append([]string{}, d.cfg.Args...)
	if d.cfg.Confidence > 0 {
		args = append(args, "--confidence", fmt.Sprintf("%.2f", d.cfg.Confidence))
	}
	d.cmd = exec.CommandContext(d.ctx, d.cfg.Command, args...)

	stdout, err := d.cmd.StdoutPipe()
	if err != nil {
		d.cancel()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := d.cmd.StderrPipe()
	if err != nil {
		d.cancel()
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := d.cmd.Start(); err != nil {
		d.cancel()
		return fmt.Errorf("failed to start detector process: %w", err)
	}

	d.started.Store(true)
	d.isActive.Store(true)

	slog.Info("detector process spawned",
		"command", d.cfg.Command,
		"pid", d.cmd.Process.Pid,
	)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		d.logStderr(stderr)
	}()
	go func() {
		defer readers.Done()
		d.readResults(stdout)
	}()

	// Wait must not run before both pipes are drained. Once the process
	// is gone nothing sends on obsCh, so the consumer is released.
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		readers.Wait()
		d.waitProcess()
		d.isActive.Store(false)
		d.closeObservations()
	}()

	return nil
}

// readResults decodes length-prefixed msgpack messages until EOF.
func (d *DetectorProcess) readResults(r io.Reader) {
	for {
		frame, err := ReadFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				slog.Debug("detector stdout closed (EOF)")
				return
			}
			d.errors.Add(1)
			slog.Error("failed to read frame from detector, terminating process",
				"error", err,
			)
			if d.cancel != nil {
				d.cancel()
			}
			return
		}

		var msg detectorMessage
		if err := msgpack.Unmarshal(frame, &msg); err != nil {
			d.errors.Add(1)
			slog.Error("failed to unmarshal detector result",
				"error", err,
				"data_length", len(frame),
			)
			continue
		}

		ts := time.Now()
		if msg.TimestampMS > 0 {
			ts = time.UnixMilli(msg.TimestampMS)
		}

		obs := Observation{
			Seq:       msg.Seq,
			Timestamp: ts,
			TraceID:   uuid.NewString(),
			Points:    toPoints(msg.Centers),
		}

		select {
		case d.obsCh <- obs:
			d.emitted.Add(1)
			d.lastSeen.Store(time.Now().UnixNano())
		default:
			d.dropped.Add(1)
			slog.Debug("observation dropped, consumer busy", "seq", msg.Seq)
		}
	}
}

// logStderr forwards detector stderr lines to the log
func (d *DetectorProcess) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			slog.Error("detector error", "log", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			slog.Warn("detector warning", "log", line)
		default:
			slog.Debug("detector log", "log", line)
		}
	}
}

// waitProcess reaps the detector to prevent zombies
func (d *DetectorProcess) waitProcess() {
	err := d.cmd.Wait()
	if err == nil {
		slog.Info("detector process exited cleanly", "pid", d.cmd.Process.Pid)
		return
	}

	select {
	case <-d.ctx.Done():
		slog.Debug("detector process exited (shutdown)", "pid", d.cmd.Process.Pid)
	default:
		d.errors.Add(1)
		slog.Error("detector process exited unexpectedly",
			"pid", d.cmd.Process.Pid,
			"error", err,
			"action", "reconciliation stopped until restart",
		)
	}
}

// Observations returns the observation channel
func (d *DetectorProcess) Observations() <-chan Observation {
	return d.obsCh
}

func (d *DetectorProcess) closeObservations() {
	d.closeOnce.Do(func() { close(d.obsCh) })
}

// Stop kills the detector and closes the observation channel. It is safe
// to call after the process has already exited.
func (d *DetectorProcess) Stop() error {
	if !d.started.Load() {
		return nil
	}
	d.stopOnce.Do(d.stop)
	return nil
}

func (d *DetectorProcess) stop() {
	slog.Info("stopping detector process")
	d.isActive.Store(false)
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		slog.Warn("detector stop timeout, force killing process")
		if d.cmd != nil && d.cmd.Process != nil {
			d.cmd.Process.Kill()
		}
		<-done
	}

	d.closeObservations()

	slog.Info("detector process stopped",
		"emitted", d.emitted.Load(),
		"dropped", d.dropped.Load(),
	)
}

// Stats returns source statistics
func (d *DetectorProcess) Stats() Stats {
	s := Stats{
		Running: d.isActive.Load(),
		Emitted: d.emitted.Load(),
		Dropped: d.dropped.Load(),
		Errors:  d.errors.Load(),
	}
	if ns := d.lastSeen.Load(); ns != 0 {
		s.LastSeenAt = time.Unix(0, ns)
	}
	return s
}
