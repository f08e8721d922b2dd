// Package collector runs the daily background collection: it reconciles
// a lookback window for every known and previously-seen entity so the
// cache stays warm without user traffic.
package collector

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"tagwatch/pkg/dates"
	"tagwatch/pkg/reconcile"
	"tagwatch/pkg/store"
)

// Config controls the collection schedule and scope.
type Config struct {
	Enabled      bool
	RunAt        string // wall-clock "HH:MM"
	LookbackDays int
	Workers      int

	SeatIDs      []string
	PublisherIDs []string
}

// RunSummary describes one completed collection pass.
type RunSummary struct {
	StartedAt    time.Time `json:"started_at"`
	Duration     string    `json:"duration"`
	Entities     int       `json:"entities"`
	Succeeded    int       `json:"succeeded"`
	Failed       int       `json:"failed"`
	RowsAppended int       `json:"rows_appended"`
}

// Status is the collector's state for the admin endpoint.
type Status struct {
	Enabled bool        `json:"enabled"`
	RunAt   string      `json:"run_at"`
	Running bool        `json:"running"`
	LastRun *RunSummary `json:"last_run,omitempty"`
}

// Collector schedules and executes collection passes.
type Collector struct {
	cfg  Config
	st   store.Store
	orch *reconcile.Orchestrator
	log  *zap.SugaredLogger

	mu      sync.Mutex
	running bool
	last    *RunSummary
}

// New creates a collector. Call Start to begin the daily schedule.
func New(cfg Config, st store.Store, orch *reconcile.Orchestrator, log *zap.SugaredLogger) *Collector {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Collector{cfg: cfg, st: st, orch: orch, log: log}
}

// Start runs the daily schedule until ctx is canceled. It returns
// immediately when collection is disabled.
func (c *Collector) Start(ctx context.Context) {
	if !c.cfg.Enabled {
		c.log.Info("background collection disabled")
		return
	}
	go c.loop(ctx)
}

func (c *Collector) loop(ctx context.Context) {
	for {
		wait := untilNext(time.Now(), c.cfg.RunAt)
		c.log.Infow("next collection scheduled", "in", wait.Round(time.Second).String())

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := c.RunOnce(ctx); err != nil {
				c.log.Warnw("collection pass failed", "error", err)
			}
		}
	}
}

// untilNext computes the wait until the next occurrence of runAt.
// A malformed time falls back to 24h.
func untilNext(now time.Time, runAt string) time.Duration {
	at, err := time.Parse("15:04", runAt)
	if err != nil {
		return 24 * time.Hour
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), at.Hour(), at.Minute(), 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

// RunOnce executes a single collection pass over all known entities.
// Only one pass runs at a time; overlapping calls are rejected.
func (c *Collector) RunOnce(ctx context.Context) (*RunSummary, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, errAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	started := time.Now()
	today := dates.Today(started)
	window := dates.Range{
		From: dates.AddDays(today, -c.cfg.LookbackDays),
		To:   dates.Yesterday(today),
	}

	keys := c.targets(ctx)
	c.log.Infow("collection pass starting", "entities", len(keys), "window", window.String())

	summary := &RunSummary{StartedAt: started, Entities: len(keys)}
	var mu sync.Mutex

	sem := make(chan struct{}, c.cfg.Workers)
	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(key store.Key) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			res, err := c.orch.Reconcile(ctx, key, window, today)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.log.Warnw("collection failed for entity", "key", key.String(), "error", err)
				summary.Failed++
				return
			}
			summary.Succeeded++
			summary.RowsAppended += res.RowsAppended
		}(key)
	}
	wg.Wait()

	summary.Duration = time.Since(started).Round(time.Millisecond).String()
	c.log.Infow("collection pass finished",
		"succeeded", summary.Succeeded, "failed", summary.Failed,
		"rows_appended", summary.RowsAppended, "duration", summary.Duration)

	c.mu.Lock()
	c.last = summary
	c.mu.Unlock()
	return summary, nil
}

// targets merges the configured entity ids with every entity already
// present in the store, deduplicated.
func (c *Collector) targets(ctx context.Context) []store.Key {
	seen := map[string]struct{}{}
	var keys []store.Key
	add := func(k store.Key) {
		if k.ID == "" {
			return
		}
		if _, dup := seen[k.String()]; dup {
			return
		}
		seen[k.String()] = struct{}{}
		keys = append(keys, k)
	}

	for _, id := range c.cfg.SeatIDs {
		add(store.Key{Class: store.Seat, ID: id})
	}
	for _, id := range c.cfg.PublisherIDs {
		add(store.Key{Class: store.Publisher, ID: id})
	}

	stored, err := c.st.Keys(ctx)
	if err != nil {
		c.log.Warnw("listing stored entities failed", "error", err)
		return keys
	}
	for _, k := range stored {
		add(k)
	}
	return keys
}

// Status reports the schedule state and the last run, if any.
func (c *Collector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{Enabled: c.cfg.Enabled, RunAt: c.cfg.RunAt, Running: c.running}
	if c.last != nil {
		cp := *c.last
		s.LastRun = &cp
	}
	return s
}
