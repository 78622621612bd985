// Package entity defines the typed knowledge entities and the four
// cognitive memory layers they live in.
package entity

import (
	"time"
)

// Type discriminates entity variants. Fixed at creation, never changes.
type Type string

const (
	TypeDailyNote Type = "daily-note"
	TypePerson    Type = "person"
	TypeCompany   Type = "company"
	TypeProject   Type = "project"
	TypeTask      Type = "task"
	TypeArea      Type = "area"
	TypeResource  Type = "resource"
)

// Layer is the cognitive memory layer an entity currently belongs to.
// Mutable: consolidation reassigns it over time.
type Layer string

const (
	LayerWorking    Layer = "working"
	LayerEpisodic   Layer = "episodic"
	LayerSemantic   Layer = "semantic"
	LayerProcedural Layer = "procedural"
)

// TaskStatus values read by the completed-task aging strategy.
const (
	TaskStatusOpen      = "open"
	TaskStatusDone      = "done"
	TaskStatusCancelled = "cancelled"
)

// Sync status values for the local-first change tracking flag.
const (
	SyncStatusSynced  = "synced"
	SyncStatusPending = "pending"
)

// Link is a directed, weighted edge to another entity. Duplicates are
// allowed; order is preserved.
type Link struct {
	TargetID     string  `json:"target_id"`
	TargetType   Type    `json:"target_type"`
	Relationship string  `json:"relationship"`
	Strength     float64 `json:"strength"` // [0,1]
}

// TaskMeta carries the task-variant extra fields. Nil for other types.
type TaskMeta struct {
	Status   string     `json:"status,omitempty"`
	Priority string     `json:"priority,omitempty"`
	DueDate  *time.Time `json:"due_date,omitempty"`
}

// Entity is the unit of stored knowledge.
type Entity struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	Layer     Layer             `json:"layer"`
	Title     string            `json:"title"`
	Content   string            `json:"content"`
	Embedding []float64         `json:"embedding,omitempty"`
	Links     []Link            `json:"links,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Task      *TaskMeta         `json:"task,omitempty"`

	SyncStatus string    `json:"sync_status,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TaskStatus returns the task status for task entities, falling back to
// the opaque metadata bag for entities created before TaskMeta existed.
func (e *Entity) TaskStatus() string {
	if e.Task != nil && e.Task.Status != "" {
		return e.Task.Status
	}
	return e.Metadata["status"]
}

// Clone returns a deep copy. Read paths hand out clones so callers can't
// mutate cached state through shared slices.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	if e.Embedding != nil {
		c.Embedding = append([]float64(nil), e.Embedding...)
	}
	if e.Links != nil {
		c.Links = append([]Link(nil), e.Links...)
	}
	if e.Tags != nil {
		c.Tags = append([]string(nil), e.Tags...)
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	if e.Task != nil {
		t := *e.Task
		if e.Task.DueDate != nil {
			d := *e.Task.DueDate
			t.DueDate = &d
		}
		c.Task = &t
	}
	return &c
}

// LinkedTo reports whether the entity has an outgoing link to targetID.
func (e *Entity) LinkedTo(targetID string) bool {
	for _, l := range e.Links {
		if l.TargetID == targetID {
			return true
		}
	}
	return false
}
