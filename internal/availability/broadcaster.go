// Package availability periodically broadcasts which slots are free.
//
// The broadcaster only reads the latest coloring published by the
// reconcile loop. It never touches the ledger, so a slow broker cannot
// stall reconciliation.
package availability

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"github.com/care/parking/internal/reconcile"
)

// Publisher sends a payload to a bus topic.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// ColoringSource provides the most recent slot coloring.
type ColoringSource interface {
	Latest() (reconcile.Coloring, bool)
}

// Config configures a Broadcaster.
type Config struct {
	Schedule    string // cron spec, e.g. "@every 3s"
	FreeTopic   string
	FreeQoS     byte
	StatusTopic string // optional; retained full coloring
	StatusQoS   byte
}

// Message is the free-slot broadcast.
type Message struct {
	FreeCount int      `json:"free_count"`
	FreeSlots []string `json:"free_slots"`
}

// Broadcaster publishes availability on a cron schedule.
type Broadcaster struct {
	cfg    Config
	pub    Publisher
	source ColoringSource
	cron   *cron.Cron

	published atomic.Uint64
	failed    atomic.Uint64
	skipped   atomic.Uint64
}

// Stats contains broadcaster counters.
type Stats struct {
	Published uint64
	Failed    uint64
	Skipped   uint64
}

// New creates a Broadcaster. The schedule is parsed immediately.
func New(cfg Config, pub Publisher, source ColoringSource) (*Broadcaster, error) {
	if cfg.FreeTopic == "" {
		return nil, fmt.Errorf("free topic is required")
	}

	b := &Broadcaster{
		cfg:    cfg,
		pub:    pub,
		source: source,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}

	if _, err := b.cron.AddFunc(cfg.Schedule, b.tick); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", cfg.Schedule, err)
	}
	return b, nil
}

// Start begins the schedule. Non-blocking.
func (b *Broadcaster) Start() {
	slog.Info("availability broadcaster starting",
		"schedule", b.cfg.Schedule,
		"free_topic", b.cfg.FreeTopic,
		"status_topic", b.cfg.StatusTopic,
	)
	b.cron.Start()
}

// Stop halts the schedule and waits for a running publish to finish.
func (b *Broadcaster) Stop() {
	<-b.cron.Stop().Done()
	slog.Info("availability broadcaster stopped",
		"published", b.published.Load(),
		"failed", b.failed.Load(),
	)
}

func (b *Broadcaster) tick() {
	if err := b.PublishOnce(); err != nil {
		slog.Warn("availability publish failed", "error", err)
	}
}

// PublishOnce publishes the latest coloring. Before the first reconcile
// tick there is nothing to report and the publish is skipped.
func (b *Broadcaster) PublishOnce() error {
	coloring, ok := b.source.Latest()
	if !ok {
		b.skipped.Add(1)
		slog.Debug("availability publish skipped, no coloring yet")
		return nil
	}

	free := coloring.Free()
	payload, err := json.Marshal(Message{FreeCount: len(free), FreeSlots: free})
	if err != nil {
		b.failed.Add(1)
		return fmt.Errorf("marshal availability: %w", err)
	}

	if err := b.pub.Publish(b.cfg.FreeTopic, payload, b.cfg.FreeQoS, false); err != nil {
		b.failed.Add(1)
		return fmt.Errorf("publish %s: %w", b.cfg.FreeTopic, err)
	}
	b.published.Add(1)

	if b.cfg.StatusTopic != "" {
		status, err := json.Marshal(coloring)
		if err != nil {
			b.failed.Add(1)
			return fmt.Errorf("marshal status: %w", err)
		}
		if err := b.pub.Publish(b.cfg.StatusTopic, status, b.cfg.StatusQoS, true); err != nil {
			b.failed.Add(1)
			return fmt.Errorf("publish %s: %w", b.cfg.StatusTopic, err)
		}
	}

	slog.Debug("availability published",
		"free_count", len(free),
		"seq", coloring.Seq,
	)
	return nil
}

// Stats returns broadcaster counters.
func (b *Broadcaster) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Failed:    b.failed.Load(),
		Skipped:   b.skipped.Load(),
	}
}
