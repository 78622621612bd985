package entity

import (
	"testing"
	"time"
)

func TestTaskStatus(t *testing.T) {
	e := &Entity{Type: TypeTask, Task: &TaskMeta{Status: TaskStatusDone}}
	if got := e.TaskStatus(); got != TaskStatusDone {
		t.Errorf("Expected done from Task field, got %q", got)
	}

	// Metadata fallback for entities written before the typed field
	e = &Entity{Type: TypeTask, Metadata: map[string]string{"status": TaskStatusCancelled}}
	if got := e.TaskStatus(); got != TaskStatusCancelled {
		t.Errorf("Expected cancelled from metadata, got %q", got)
	}

	// Task field wins over metadata
	e = &Entity{
		Type:     TypeTask,
		Task:     &TaskMeta{Status: TaskStatusOpen},
		Metadata: map[string]string{"status": TaskStatusDone},
	}
	if got := e.TaskStatus(); got != TaskStatusOpen {
		t.Errorf("Expected Task field to win, got %q", got)
	}

	e = &Entity{Type: TypeTask}
	if got := e.TaskStatus(); got != "" {
		t.Errorf("Expected empty status, got %q", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	due := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	e := &Entity{
		ID:        "e1",
		Type:      TypeTask,
		Layer:     LayerWorking,
		Title:     "original",
		Embedding: []float64{0.1, 0.2},
		Links:     []Link{{TargetID: "p1", TargetType: TypeProject, Relationship: "part-of"}},
		Tags:      []string{"a"},
		Metadata:  map[string]string{"k": "v"},
		Task:      &TaskMeta{Status: TaskStatusOpen, DueDate: &due},
	}

	c := e.Clone()
	c.Embedding[0] = 9
	c.Links[0].TargetID = "changed"
	c.Tags[0] = "changed"
	c.Metadata["k"] = "changed"
	c.Task.Status = TaskStatusDone

	if e.Embedding[0] != 0.1 {
		t.Error("Embedding shared between clone and original")
	}
	if e.Links[0].TargetID != "p1" {
		t.Error("Links shared between clone and original")
	}
	if e.Tags[0] != "a" {
		t.Error("Tags shared between clone and original")
	}
	if e.Metadata["k"] != "v" {
		t.Error("Metadata shared between clone and original")
	}
	if e.Task.Status != TaskStatusOpen {
		t.Error("Task shared between clone and original")
	}
}

func TestLinkedTo(t *testing.T) {
	e := &Entity{Links: []Link{
		{TargetID: "a", TargetType: TypePerson, Relationship: "mentions"},
		{TargetID: "b", TargetType: TypeProject, Relationship: "part-of"},
	}}

	if !e.LinkedTo("a") || !e.LinkedTo("b") {
		t.Error("Expected links to a and b")
	}
	if e.LinkedTo("c") {
		t.Error("Unexpected link to c")
	}
}

func TestDefaultLayerForType(t *testing.T) {
	cases := map[Type]Layer{
		TypeDailyNote: LayerWorking,
		TypePerson:    LayerEpisodic,
		TypeCompany:   LayerEpisodic,
		TypeProject:   LayerEpisodic,
		TypeTask:      LayerProcedural,
		TypeArea:      LayerSemantic,
		TypeResource:  LayerSemantic,
	}
	for typ, want := range cases {
		if got := DefaultLayerForType(typ); got != want {
			t.Errorf("%s: expected %s, got %s", typ, want, got)
		}
	}
	if got := DefaultLayerForType(Type("unknown")); got != LayerWorking {
		t.Errorf("Unknown type should default to working, got %s", got)
	}
}

func TestDefaultLayersCoverAll(t *testing.T) {
	layers := DefaultLayers()
	if len(layers) != 4 {
		t.Fatalf("Expected 4 layer descriptors, got %d", len(layers))
	}
	seen := map[Layer]bool{}
	for _, l := range layers {
		seen[l.Layer] = true
	}
	for _, want := range []Layer{LayerWorking, LayerEpisodic, LayerSemantic, LayerProcedural} {
		if !seen[want] {
			t.Errorf("Missing descriptor for %s", want)
		}
	}
}
