// Package engine implements the entity lifecycle orchestrator: it owns
// entity creation, update and deletion, attaches embeddings, flags
// local changes for sync, and emits lifecycle events.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rvanner/lore/internal/entity"
	"github.com/rvanner/lore/internal/events"
	"github.com/rvanner/lore/internal/logging"
	"github.com/rvanner/lore/internal/store"
)

// ErrEmbeddingUnavailable is returned when an embedding was explicitly
// required but no embedder is configured.
var ErrEmbeddingUnavailable = errors.New("embedding required but no embedder configured")

// Embedder is the embedding collaborator contract the engine consumes.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)
	Dimensions() int
}

// Options configures an Engine. Store is required; everything else has
// a usable zero value.
type Options struct {
	Store    store.Store
	Embedder Embedder // nil: entities persist without embeddings
	Bus      *events.Bus
	ClientID string

	// RequireEmbedding makes Create fail with ErrEmbeddingUnavailable
	// when no embedder is configured instead of proceeding without one.
	RequireEmbedding bool

	// Layers overrides the default layer descriptors. Loaded once here,
	// never mutated afterwards.
	Layers []entity.LayerInfo

	// Now is stubbed in tests.
	Now func() time.Time
}

// Engine orchestrates the entity lifecycle. It does not serialize
// concurrent calls: concurrent updates on the same id race at the
// storage layer and the last write wins.
type Engine struct {
	store            store.Store
	embedder         Embedder
	bus              *events.Bus
	clientID         string
	requireEmbedding bool
	layers           []entity.LayerInfo
	now              func() time.Time
}

// New constructs an engine from options.
func New(opts Options) *Engine {
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus()
	}
	layers := opts.Layers
	if layers == nil {
		layers = entity.DefaultLayers()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	return &Engine{
		store:            opts.Store,
		embedder:         opts.Embedder,
		bus:              bus,
		clientID:         clientID,
		requireEmbedding: opts.RequireEmbedding,
		layers:           layers,
		now:              now,
	}
}

// Bus returns the event bus for subscribing.
func (g *Engine) Bus() *events.Bus { return g.bus }

// ClientID returns the local client identity used in sync records.
func (g *Engine) ClientID() string { return g.clientID }

// Layers returns the layer descriptors loaded at construction.
func (g *Engine) Layers() []entity.LayerInfo { return g.layers }

// Draft is the caller-supplied part of a new entity. Id, timestamps and
// embedding are assigned by the engine.
type Draft struct {
	Type     entity.Type
	Layer    entity.Layer // optional; zero value selects the type default
	Title    string
	Content  string
	Links    []entity.Link
	Tags     []string
	Metadata map[string]string
	Task     *entity.TaskMeta
}

// Create assigns a fresh id and timestamps, attaches an embedding when
// an embedder is configured, persists the entity, and emits
// entity:created.
func (g *Engine) Create(ctx context.Context, d Draft) (*entity.Entity, error) {
	if g.embedder == nil && g.requireEmbedding {
		return nil, ErrEmbeddingUnavailable
	}

	layer := d.Layer
	if layer == "" {
		layer = entity.DefaultLayerForType(d.Type)
	}

	now := g.now()
	e := &entity.Entity{
		ID:         uuid.NewString(),
		Type:       d.Type,
		Layer:      layer,
		Title:      d.Title,
		Content:    d.Content,
		Links:      d.Links,
		Tags:       d.Tags,
		Metadata:   d.Metadata,
		Task:       d.Task,
		SyncStatus: entity.SyncStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if g.embedder != nil {
		emb, err := g.embedder.Embed(ctx, embedText(e.Title, e.Content))
		if err != nil {
			return nil, fmt.Errorf("failed to embed entity: %w", err)
		}
		e.Embedding = emb
	}

	if err := g.store.Create(e); err != nil {
		return nil, err
	}

	g.appendSyncRecord(e.ID, store.SyncOpCreate, e)
	g.bus.Emit(events.Event{Name: events.EntityCreated, Entity: e.Clone()})
	return e, nil
}

// Patch describes a partial update. Nil fields are left untouched;
// Metadata entries are merged over the existing map.
type Patch struct {
	Title    *string
	Content  *string
	Layer    *entity.Layer
	Links    *[]entity.Link
	Tags     *[]string
	Metadata map[string]string
	Task     *entity.TaskMeta
}

// touchesText reports whether the patch changes title or content, which
// is the only case that triggers re-embedding.
func (p Patch) touchesText() bool {
	return p.Title != nil || p.Content != nil
}

// Update applies a partial update. Re-embeds only when title or content
// changed; otherwise the existing embedding is carried forward
// unchanged. Always bumps UpdatedAt. Returns store.ErrNotFound for
// unknown ids.
func (g *Engine) Update(ctx context.Context, id string, p Patch) (*entity.Entity, error) {
	e, err := g.store.Get(id)
	if err != nil {
		return nil, err
	}

	if p.Title != nil {
		e.Title = *p.Title
	}
	if p.Content != nil {
		e.Content = *p.Content
	}
	if p.Layer != nil {
		e.Layer = *p.Layer
	}
	if p.Links != nil {
		e.Links = *p.Links
	}
	if p.Tags != nil {
		e.Tags = *p.Tags
	}
	if p.Task != nil {
		e.Task = p.Task
	}
	for k, v := range p.Metadata {
		if e.Metadata == nil {
			e.Metadata = make(map[string]string)
		}
		e.Metadata[k] = v
	}

	if p.touchesText() && g.embedder != nil {
		emb, err := g.embedder.Embed(ctx, embedText(e.Title, e.Content))
		if err != nil {
			return nil, fmt.Errorf("failed to re-embed entity: %w", err)
		}
		e.Embedding = emb
	}

	now := g.now()
	if !now.After(e.UpdatedAt) {
		now = e.UpdatedAt.Add(time.Millisecond)
	}
	e.UpdatedAt = now
	e.SyncStatus = entity.SyncStatusPending

	if err := g.store.Update(e); err != nil {
		return nil, err
	}

	g.appendSyncRecord(e.ID, store.SyncOpUpdate, e)
	g.bus.Emit(events.Event{Name: events.EntityUpdated, Entity: e.Clone()})
	return e, nil
}

// Delete removes an entity. Deleting an absent id is a no-op, not an
// error; entity:deleted fires only when something was actually removed.
func (g *Engine) Delete(ctx context.Context, id string) error {
	e, err := g.store.Get(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	removed, err := g.store.Delete(id)
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}

	g.appendSyncRecord(id, store.SyncOpDelete, e)
	g.bus.Emit(events.Event{Name: events.EntityDeleted, Entity: e})
	return nil
}

// Get reads a single entity.
func (g *Engine) Get(id string) (*entity.Entity, error) {
	return g.store.Get(id)
}

// Query is the read surface the consolidation engine scans through.
func (g *Engine) Query(f store.Filter) ([]*entity.Entity, error) {
	return g.store.Query(f)
}

// Stats passes through the storage stats.
func (g *Engine) Stats() (*store.Stats, error) {
	return g.store.Stats()
}

// appendSyncRecord records a local change in the sync log. Best-effort:
// log trouble must not fail the owning write, the pending flag on the
// entity row is what push actually keys off.
func (g *Engine) appendSyncRecord(entityID string, op store.SyncOp, snapshot *entity.Entity) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		payload = nil
	}
	rec := &store.SyncRecord{
		EntityID:  entityID,
		Op:        op,
		Payload:   payload,
		Timestamp: g.now(),
		ClientID:  g.clientID,
	}
	if err := g.store.AppendSyncRecord(rec); err != nil {
		logging.Info("engine", "failed to append sync record for %s: %v", entityID, err)
	}
}

func embedText(title, content string) string {
	return title + " " + content
}
