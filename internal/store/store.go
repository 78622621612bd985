// Package store defines the durable storage contract the memory engine
// depends on, plus the SQLite implementation of it.
package store

import (
	"errors"
	"time"

	"github.com/rvanner/lore/internal/entity"
)

// ErrNotFound is returned when an operation targets a nonexistent entity.
var ErrNotFound = errors.New("entity not found")

// Filter narrows Query and SimilaritySearch results. Zero-value fields
// are ignored.
type Filter struct {
	Types      []entity.Type
	Layers     []entity.Layer
	SyncStatus string
	Tag        string
}

// Match is a similarity search hit with its raw cosine score.
type Match struct {
	Entity *entity.Entity
	Score  float64
}

// Stats describes the stored collection.
type Stats struct {
	TotalEntities int                  `json:"total_entities"`
	ByLayer       map[entity.Layer]int `json:"by_layer"`
	ByType        map[entity.Type]int  `json:"by_type"`
	VectorCount   int                  `json:"vector_count"`
	StorageSize   int64                `json:"storage_size"`
}

// SyncOp is the operation recorded in a sync log entry.
type SyncOp string

const (
	SyncOpCreate SyncOp = "create"
	SyncOpUpdate SyncOp = "update"
	SyncOpDelete SyncOp = "delete"
)

// SyncRecord is an append-only audit entry. A nil ResolvedAt marks an
// open conflict or unacknowledged change. Records are never deleted.
type SyncRecord struct {
	ID         int64      `json:"id"`
	EntityID   string     `json:"entity_id"`
	Op         SyncOp     `json:"op"`
	Payload    []byte     `json:"payload,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	ClientID   string     `json:"client_id"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Store is the storage collaborator contract. All reads return detached
// copies; mutating a returned entity does not change stored state.
type Store interface {
	Create(e *entity.Entity) error
	Get(id string) (*entity.Entity, error)
	Update(e *entity.Entity) error
	Delete(id string) (bool, error)
	Query(f Filter) ([]*entity.Entity, error)

	// SimilaritySearch returns up to limit entities whose embedding has
	// cosine similarity >= threshold against the query vector, best first.
	SimilaritySearch(query []float64, limit int, threshold float64, f Filter) ([]Match, error)

	BulkCreate(es []*entity.Entity) error
	BulkDelete(ids []string) error
	Stats() (*Stats, error)

	AppendSyncRecord(rec *SyncRecord) error
	UnresolvedSyncRecords() ([]*SyncRecord, error)
	UnresolvedSyncRecordForEntity(entityID string) (*SyncRecord, error)
	ResolveSyncRecord(id int64, at time.Time) error
	SyncRecords(entityID string) ([]*SyncRecord, error)

	Close() error
}
