package consolidate

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rvanner/lore/internal/engine"
	"github.com/rvanner/lore/internal/entity"
	"github.com/rvanner/lore/internal/events"
	"github.com/rvanner/lore/internal/store"
)

var testBase = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// setupTestConsolidator wires a consolidator over a temp-dir store with
// a frozen creation clock
func setupTestConsolidator(t *testing.T) (*Consolidator, *engine.Engine, store.Store, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "consolidate-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	st, err := store.Open(tmpDir)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to open store: %v", err)
	}

	eng := engine.New(engine.Options{
		Store: st,
		Now:   func() time.Time { return testBase },
	})
	c := New(eng)

	cleanup := func() {
		st.Close()
		os.RemoveAll(tmpDir)
	}
	return c, eng, st, cleanup
}

func daysLater(n int) func() time.Time {
	return func() time.Time { return testBase.Add(time.Duration(n) * 24 * time.Hour) }
}

func TestRichDailyNotePromotes(t *testing.T) {
	c, eng, _, cleanup := setupTestConsolidator(t)
	defer cleanup()

	note, err := eng.Create(context.Background(), engine.Draft{
		Type:    entity.TypeDailyNote,
		Title:   "2026-01-01",
		Content: strings.Repeat("standup notes. ", 40), // 600 bytes
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	c.SetNow(daysLater(8))
	report, err := c.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Consolidated != 1 || report.Archived != 0 {
		t.Errorf("Expected 1 consolidated, 0 archived; got %+v", report)
	}

	got, err := eng.Get(note.ID)
	if err != nil {
		t.Fatalf("Note disappeared: %v", err)
	}
	if got.Layer != entity.LayerEpisodic {
		t.Errorf("Expected episodic layer, got %s", got.Layer)
	}
}

func TestThinDailyNoteArchives(t *testing.T) {
	c, eng, _, cleanup := setupTestConsolidator(t)
	defer cleanup()

	note, err := eng.Create(context.Background(), engine.Draft{
		Type:    entity.TypeDailyNote,
		Title:   "2026-01-01",
		Content: "nothing",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	c.SetNow(daysLater(8))
	report, err := c.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Archived != 1 {
		t.Errorf("Expected 1 archived, got %+v", report)
	}
	if _, err := eng.Get(note.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected note deleted, got %v", err)
	}
}

func TestLinkedThinDailyNoteSurvives(t *testing.T) {
	c, eng, _, cleanup := setupTestConsolidator(t)
	defer cleanup()

	note, err := eng.Create(context.Background(), engine.Draft{
		Type:    entity.TypeDailyNote,
		Title:   "2026-01-01",
		Content: "met ada",
		Links:   []entity.Link{{TargetID: "ada", TargetType: entity.TypePerson, Relationship: "mentions"}},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	c.SetNow(daysLater(8))
	if _, err := c.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got, err := eng.Get(note.ID)
	if err != nil {
		t.Fatalf("Linked note should survive: %v", err)
	}
	if got.Layer != entity.LayerEpisodic {
		t.Errorf("Expected episodic layer, got %s", got.Layer)
	}
}

func TestFreshEntitiesUntouched(t *testing.T) {
	c, eng, _, cleanup := setupTestConsolidator(t)
	defer cleanup()

	if _, err := eng.Create(context.Background(), engine.Draft{
		Type:  entity.TypeDailyNote,
		Title: "2026-01-01",
	}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	c.SetNow(daysLater(3)) // under the 7 day threshold
	report, err := c.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Consolidated != 0 || report.Archived != 0 {
		t.Errorf("Fresh entity was touched: %+v", report)
	}
}

func TestLayerRetentionDrivesAgingThreshold(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "consolidate-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)
	st, err := store.Open(tmpDir)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	// Working memory ages out after 2 days instead of the built-in 7.
	layers := entity.DefaultLayers()
	for i := range layers {
		if layers[i].Layer == entity.LayerWorking {
			layers[i].Retention.MaxAge = 2 * 24 * time.Hour
		}
	}
	eng := engine.New(engine.Options{
		Store:  st,
		Layers: layers,
		Now:    func() time.Time { return testBase },
	})
	c := New(eng)

	if _, err := eng.Create(context.Background(), engine.Draft{
		Type:  entity.TypePerson,
		Layer: entity.LayerWorking,
		Title: "Ada",
	}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	c.SetNow(daysLater(3))
	report, err := c.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Consolidated != 1 {
		t.Errorf("Expected 3 day old entity consolidated under a 2 day retention, got %+v", report)
	}
}

func TestNonNoteWorkingEntityPromotes(t *testing.T) {
	c, eng, _, cleanup := setupTestConsolidator(t)
	defer cleanup()

	// A person parked in working memory moves to episodic regardless of
	// content size
	p, err := eng.Create(context.Background(), engine.Draft{
		Type:  entity.TypePerson,
		Layer: entity.LayerWorking,
		Title: "Ada",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	c.SetNow(daysLater(8))
	if _, err := c.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got, err := eng.Get(p.ID)
	if err != nil {
		t.Fatalf("Entity disappeared: %v", err)
	}
	if got.Layer != entity.LayerEpisodic {
		t.Errorf("Expected episodic layer, got %s", got.Layer)
	}
}

func TestCompletedTaskArchives(t *testing.T) {
	c, eng, _, cleanup := setupTestConsolidator(t)
	defer cleanup()

	done, err := eng.Create(context.Background(), engine.Draft{
		Type:  entity.TypeTask,
		Title: "ship it",
		Task:  &entity.TaskMeta{Status: entity.TaskStatusDone},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	open, err := eng.Create(context.Background(), engine.Draft{
		Type:  entity.TypeTask,
		Title: "still going",
		Task:  &entity.TaskMeta{Status: entity.TaskStatusOpen},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	c.SetNow(daysLater(31))
	report, err := c.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Archived != 1 {
		t.Errorf("Expected 1 archived, got %+v", report)
	}
	if _, err := eng.Get(done.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected done task archived, got %v", err)
	}
	if _, err := eng.Get(open.ID); err != nil {
		t.Errorf("Open task should survive: %v", err)
	}
}

func TestRecentlyCompletedTaskKept(t *testing.T) {
	c, eng, _, cleanup := setupTestConsolidator(t)
	defer cleanup()

	task, err := eng.Create(context.Background(), engine.Draft{
		Type:  entity.TypeTask,
		Title: "done last week",
		Task:  &entity.TaskMeta{Status: entity.TaskStatusCancelled},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	c.SetNow(daysLater(10))
	if _, err := c.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, err := eng.Get(task.ID); err != nil {
		t.Errorf("Recently completed task should survive: %v", err)
	}
}

func TestTaskStatusMetadataFallback(t *testing.T) {
	c, eng, _, cleanup := setupTestConsolidator(t)
	defer cleanup()

	// Status carried only in metadata still counts as completed
	task, err := eng.Create(context.Background(), engine.Draft{
		Type:     entity.TypeTask,
		Title:    "legacy task",
		Metadata: map[string]string{"status": entity.TaskStatusDone},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	c.SetNow(daysLater(31))
	if _, err := c.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, err := eng.Get(task.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected metadata-status task archived, got %v", err)
	}
}

// archiveAll matches everything and always archives
type archiveAll struct{}

func (archiveAll) Name() string { return "archive-all" }

func (archiveAll) ShouldConsolidate(e *entity.Entity, now time.Time) bool { return true }

func (archiveAll) TargetLayer(e *entity.Entity) (entity.Layer, bool) { return "", false }

func TestFirstMatchingStrategyWins(t *testing.T) {
	c, eng, _, cleanup := setupTestConsolidator(t)
	defer cleanup()

	note, err := eng.Create(context.Background(), engine.Draft{
		Type:    entity.TypeDailyNote,
		Title:   "2026-01-01",
		Content: strings.Repeat("x", 600),
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// archiveAll sits after the built-ins, so the working-aging move
	// governs and the note survives
	c.Append(archiveAll{})
	c.SetNow(daysLater(8))
	if _, err := c.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got, err := eng.Get(note.ID)
	if err != nil {
		t.Fatalf("Note should have moved, not archived: %v", err)
	}
	if got.Layer != entity.LayerEpisodic {
		t.Errorf("Expected episodic layer, got %s", got.Layer)
	}
}

func TestSecondPassIsIdempotent(t *testing.T) {
	c, eng, _, cleanup := setupTestConsolidator(t)
	defer cleanup()

	if _, err := eng.Create(context.Background(), engine.Draft{
		Type:    entity.TypeDailyNote,
		Title:   "2026-01-01",
		Content: strings.Repeat("x", 600),
	}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	c.SetNow(daysLater(8))
	first, err := c.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	if first.Consolidated != 1 {
		t.Fatalf("Expected 1 consolidated on first pass, got %+v", first)
	}

	second, err := c.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}
	if second.Consolidated != 0 || second.Archived != 0 {
		t.Errorf("Second pass touched entities again: %+v", second)
	}
}

// vanishing deletes the entity out from under the pass before asking
// for a move, forcing the update to fail
type vanishing struct {
	st     store.Store
	victim string
}

func (v *vanishing) Name() string { return "vanishing" }

func (v *vanishing) ShouldConsolidate(e *entity.Entity, now time.Time) bool {
	if e.ID == v.victim {
		v.st.Delete(e.ID)
		return true
	}
	return false
}

func (v *vanishing) TargetLayer(e *entity.Entity) (entity.Layer, bool) {
	return entity.LayerProcedural, true
}

func TestPerEntityErrorIsolation(t *testing.T) {
	c, eng, st, cleanup := setupTestConsolidator(t)
	defer cleanup()

	victim, err := eng.Create(context.Background(), engine.Draft{Type: entity.TypeArea, Title: "victim"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	note, err := eng.Create(context.Background(), engine.Draft{
		Type:    entity.TypeDailyNote,
		Title:   "2026-01-01",
		Content: strings.Repeat("x", 600),
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	c.Append(&vanishing{st: st, victim: victim.ID})
	c.SetNow(daysLater(8))
	report, err := c.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run failed despite per-entity isolation: %v", err)
	}
	if report.Errors != 1 {
		t.Errorf("Expected 1 error recorded, got %+v", report)
	}

	// The healthy entity still consolidated
	got, err := eng.Get(note.ID)
	if err != nil {
		t.Fatalf("Healthy entity lost: %v", err)
	}
	if got.Layer != entity.LayerEpisodic {
		t.Errorf("Healthy entity not consolidated, layer %s", got.Layer)
	}
}

func TestRunEmitsCompletionEvent(t *testing.T) {
	c, eng, _, cleanup := setupTestConsolidator(t)
	defer cleanup()

	if _, err := eng.Create(context.Background(), engine.Draft{
		Type:  entity.TypeDailyNote,
		Title: "2026-01-01",
	}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	var got events.Event
	eng.Bus().Subscribe(events.ConsolidateCompleted, func(ev events.Event) { got = ev })

	c.SetNow(daysLater(8))
	if _, err := c.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got.Name != events.ConsolidateCompleted {
		t.Fatal("consolidate:completed not emitted")
	}
	if got.Data["processed"] != 1 || got.Data["archived"] != 1 {
		t.Errorf("Wrong event payload: %v", got.Data)
	}
}
