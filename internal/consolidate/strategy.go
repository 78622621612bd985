// Package consolidate moves or discards entities between memory layers
// by applying ordered aging strategies.
package consolidate

import (
	"time"

	"github.com/rvanner/lore/internal/engine"
	"github.com/rvanner/lore/internal/entity"
)

// Strategy decides whether and where an entity should move. Strategies
// are evaluated in insertion order and the first satisfied one governs:
// an entity is expected to belong to at most one active aging policy at
// a time.
type Strategy interface {
	Name() string
	ShouldConsolidate(e *entity.Entity, now time.Time) bool

	// TargetLayer returns the destination layer. ok=false means archive:
	// the entity is deleted rather than moved.
	TargetLayer(e *entity.Entity) (layer entity.Layer, ok bool)
}

// Transformer is an optional extension: strategies implementing it have
// their patch applied alongside the layer move.
type Transformer interface {
	Transform(e *entity.Entity) engine.Patch
}

// WorkingAging promotes or archives entities that have sat in working
// memory past the age threshold, measured from creation.
//
// Daily notes earn promotion to episodic with substantial content
// (> ContentKeep bytes) or at least one link; thin unlinked ones are
// archived. Anything else in working memory promotes unconditionally.
type WorkingAging struct {
	MaxAge      time.Duration
	ContentKeep int
}

// NewWorkingAging returns the strategy with defaults: 7 days, 500 bytes.
func NewWorkingAging() *WorkingAging {
	return &WorkingAging{MaxAge: 7 * 24 * time.Hour, ContentKeep: 500}
}

func (s *WorkingAging) Name() string { return "working-memory-aging" }

func (s *WorkingAging) ShouldConsolidate(e *entity.Entity, now time.Time) bool {
	return e.Layer == entity.LayerWorking && now.Sub(e.CreatedAt) > s.MaxAge
}

func (s *WorkingAging) TargetLayer(e *entity.Entity) (entity.Layer, bool) {
	if e.Type == entity.TypeDailyNote {
		if len(e.Content) > s.ContentKeep || len(e.Links) > 0 {
			return entity.LayerEpisodic, true
		}
		return "", false
	}
	return entity.LayerEpisodic, true
}

// CompletedTaskAging archives tasks that were finished (done or
// cancelled) more than MaxAge ago, measured from the last update.
type CompletedTaskAging struct {
	MaxAge time.Duration
}

// NewCompletedTaskAging returns the strategy with the 30 day default.
func NewCompletedTaskAging() *CompletedTaskAging {
	return &CompletedTaskAging{MaxAge: 30 * 24 * time.Hour}
}

func (s *CompletedTaskAging) Name() string { return "completed-task-aging" }

func (s *CompletedTaskAging) ShouldConsolidate(e *entity.Entity, now time.Time) bool {
	if e.Type != entity.TypeTask {
		return false
	}
	status := e.TaskStatus()
	if status != entity.TaskStatusDone && status != entity.TaskStatusCancelled {
		return false
	}
	return now.Sub(e.UpdatedAt) > s.MaxAge
}

func (s *CompletedTaskAging) TargetLayer(e *entity.Entity) (entity.Layer, bool) {
	return "", false // always archive
}
