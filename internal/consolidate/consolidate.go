package consolidate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rvanner/lore/internal/engine"
	"github.com/rvanner/lore/internal/entity"
	"github.com/rvanner/lore/internal/events"
	"github.com/rvanner/lore/internal/logging"
	"github.com/rvanner/lore/internal/store"
)

// Report summarizes one consolidation pass.
type Report struct {
	Processed    int           `json:"processed"`
	Consolidated int           `json:"consolidated"` // layer changed
	Archived     int           `json:"archived"`     // deleted
	Errors       int           `json:"errors"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Consolidator scans entities and applies the first matching strategy
// per entity per pass.
type Consolidator struct {
	engine *engine.Engine
	now    func() time.Time

	mu         sync.Mutex
	strategies []Strategy

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a consolidator with the built-in strategies installed in
// order: working-memory aging, then completed-task aging. Age thresholds
// come from the engine's layer descriptors; the built-in defaults apply
// where a descriptor carries no MaxAge.
func New(eng *engine.Engine) *Consolidator {
	working := NewWorkingAging()
	tasks := NewCompletedTaskAging()
	for _, li := range eng.Layers() {
		if li.Retention.MaxAge <= 0 {
			continue
		}
		switch li.Layer {
		case entity.LayerWorking:
			working.MaxAge = li.Retention.MaxAge
		case entity.LayerProcedural:
			tasks.MaxAge = li.Retention.MaxAge
		}
	}
	return &Consolidator{
		engine:     eng,
		now:        time.Now,
		strategies: []Strategy{working, tasks},
		stop:       make(chan struct{}),
	}
}

// SetNow stubs the clock for tests.
func (c *Consolidator) SetNow(now func() time.Time) { c.now = now }

// Append adds a strategy at the end of the evaluation order. Safe to
// call at runtime.
func (c *Consolidator) Append(s Strategy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strategies = append(c.strategies, s)
}

// Run scans entities matching the filter (nil means all) and applies
// the single first-matching strategy to each. Per-entity failures are
// isolated: they're counted in Report.Errors and the pass continues.
func (c *Consolidator) Run(ctx context.Context, filter *store.Filter) (*Report, error) {
	start := c.now()

	var f store.Filter
	if filter != nil {
		f = *filter
	}

	entities, err := c.engine.Query(f)
	if err != nil {
		return nil, fmt.Errorf("failed to scan entities: %w", err)
	}

	c.mu.Lock()
	strategies := make([]Strategy, len(c.strategies))
	copy(strategies, c.strategies)
	c.mu.Unlock()

	report := &Report{}
	now := c.now()

	for _, e := range entities {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Processed++

		strategy := firstMatch(strategies, e, now)
		if strategy == nil {
			continue
		}

		if err := c.apply(ctx, strategy, e, report); err != nil {
			report.Errors++
			logging.Info("consolidate", "%s failed for %s (%s): %v",
				strategy.Name(), e.ID, logging.Truncate(e.Title, 40), err)
		}
	}

	report.Elapsed = c.now().Sub(start)
	c.engine.Bus().Emit(events.Event{
		Name: events.ConsolidateCompleted,
		Data: map[string]any{
			"processed":    report.Processed,
			"consolidated": report.Consolidated,
			"archived":     report.Archived,
			"errors":       report.Errors,
		},
	})
	return report, nil
}

func firstMatch(strategies []Strategy, e *entity.Entity, now time.Time) Strategy {
	for _, s := range strategies {
		if s.ShouldConsolidate(e, now) {
			return s
		}
	}
	return nil
}

func (c *Consolidator) apply(ctx context.Context, s Strategy, e *entity.Entity, report *Report) error {
	target, ok := s.TargetLayer(e)
	if !ok {
		if err := c.engine.Delete(ctx, e.ID); err != nil {
			return err
		}
		report.Archived++
		logging.Debug("consolidate", "%s archived %s", s.Name(), e.ID)
		return nil
	}

	var patch engine.Patch
	transformed := false
	if t, isTransformer := s.(Transformer); isTransformer {
		patch = t.Transform(e)
		transformed = true
	}

	if target == e.Layer && !transformed {
		// Already where the strategy wants it: no write, not counted.
		return nil
	}

	moved := target != e.Layer
	if moved {
		patch.Layer = &target
	}
	if _, err := c.engine.Update(ctx, e.ID, patch); err != nil {
		return err
	}
	if moved {
		report.Consolidated++
		logging.Debug("consolidate", "%s moved %s: %s -> %s", s.Name(), e.ID, e.Layer, target)
	}
	return nil
}

// Start runs periodic passes at the given interval until Stop or context
// cancellation. Pass failures are logged and the ticker keeps running.
func (c *Consolidator) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				report, err := c.Run(ctx, nil)
				if err != nil {
					logging.Info("consolidate", "periodic pass failed: %v", err)
					continue
				}
				if report.Consolidated > 0 || report.Archived > 0 || report.Errors > 0 {
					logging.Info("consolidate", "pass: %d processed, %d moved, %d archived, %d errors (%s)",
						report.Processed, report.Consolidated, report.Archived, report.Errors, report.Elapsed)
				}
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the periodic runner. Idempotent.
func (c *Consolidator) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}
