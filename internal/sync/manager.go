// Package sync reconciles local pending changes against a remote peer,
// records conflicts in the append-only sync log, and exposes manual
// conflict resolution.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/rvanner/lore/internal/entity"
	"github.com/rvanner/lore/internal/events"
	"github.com/rvanner/lore/internal/logging"
	"github.com/rvanner/lore/internal/store"
)

var (
	// ErrInvalidResolution is returned when a merged resolution is chosen
	// without a merged payload.
	ErrInvalidResolution = errors.New("merged resolution requires a payload")

	// ErrSyncFailed wraps push/pull round-trip failures.
	ErrSyncFailed = errors.New("sync failed")
)

// Status is the per-client sync state machine.
type Status string

const (
	StatusSynced   Status = "synced"
	StatusPending  Status = "pending"
	StatusConflict Status = "conflict"
	StatusError    Status = "error"
)

// State is a snapshot of the manager's standing.
type State struct {
	Status         Status    `json:"status"`
	PendingChanges int       `json:"pending_changes"`
	ConflictCount  int       `json:"conflict_count"`
	LastSyncedAt   time.Time `json:"last_synced_at"`
}

// Resolution selects how a conflict is settled.
type Resolution string

const (
	ResolveLocal  Resolution = "local"
	ResolveRemote Resolution = "remote"
	ResolveMerged Resolution = "merged"
)

// MergePayload is the caller-supplied merged version for ResolveMerged.
type MergePayload struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Manager drives periodic and manual reconciliation. Overlapping sync
// passes are collapsed by a single-flight lock: a call racing an
// in-progress pass returns immediately without doing work.
type Manager struct {
	store    store.Store
	peer     Peer
	bus      *events.Bus
	clientID string
	pageSize int
	now      func() time.Time

	syncMu gosync.Mutex // single-flight guard around Sync

	mu          gosync.Mutex
	state       State
	syncVersion int64

	stopOnce gosync.Once
	stop     chan struct{}
}

// NewManager creates a sync manager for the given peer.
func NewManager(st store.Store, peer Peer, bus *events.Bus, clientID string) *Manager {
	if bus == nil {
		bus = events.NewBus()
	}
	return &Manager{
		store:    st,
		peer:     peer,
		bus:      bus,
		clientID: clientID,
		pageSize: 100,
		now:      time.Now,
		state:    State{Status: StatusPending},
		stop:     make(chan struct{}),
	}
}

// SetNow stubs the clock for tests.
func (m *Manager) SetNow(now func() time.Time) { m.now = now }

// SetPageSize adjusts the pull page size.
func (m *Manager) SetPageSize(n int) {
	if n > 0 {
		m.pageSize = n
	}
}

// State returns a snapshot of the current sync standing.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Sync runs one push/pull reconciliation pass. A failed push must not
// lose pending flags; any push/pull failure downgrades state to error
// without corrupting the pending count gathered before the attempt.
func (m *Manager) Sync(ctx context.Context) error {
	if !m.syncMu.TryLock() {
		logging.Debug("sync", "pass already in flight, skipping")
		return nil
	}
	defer m.syncMu.Unlock()

	m.bus.Emit(events.Event{Name: events.SyncStarted})

	pending, err := m.store.Query(store.Filter{SyncStatus: entity.SyncStatusPending})
	if err != nil {
		return m.fail(fmt.Errorf("failed to gather pending changes: %w", err))
	}
	m.mu.Lock()
	m.state.PendingChanges = len(pending)
	m.mu.Unlock()

	if len(pending) > 0 {
		if err := m.push(ctx, pending); err != nil {
			return m.fail(err)
		}
	}

	if err := m.pull(ctx); err != nil {
		return m.fail(err)
	}

	conflicts, err := m.countConflicts()
	if err != nil {
		return m.fail(err)
	}
	// Conflicted entities are still pending, so recount rather than zero.
	remaining, err := m.store.Query(store.Filter{SyncStatus: entity.SyncStatusPending})
	if err != nil {
		return m.fail(err)
	}

	now := m.now()
	m.mu.Lock()
	m.state.ConflictCount = conflicts
	m.state.PendingChanges = len(remaining)
	m.state.LastSyncedAt = now
	if conflicts > 0 {
		m.state.Status = StatusConflict
	} else {
		m.state.Status = StatusSynced
	}
	m.mu.Unlock()

	m.bus.Emit(events.Event{Name: events.SyncCompleted, Data: map[string]any{
		"conflicts": conflicts,
	}})
	return nil
}

func (m *Manager) fail(err error) error {
	m.mu.Lock()
	m.state.Status = StatusError
	m.mu.Unlock()
	m.bus.Emit(events.Event{Name: events.SyncFailed, Data: map[string]any{"error": err.Error()}})
	return fmt.Errorf("%w: %v", ErrSyncFailed, err)
}

// push uploads pending entities, records reported conflicts, and marks
// cleanly accepted entities (and their local log entries) as synced.
func (m *Manager) push(ctx context.Context, pending []*entity.Entity) error {
	resp, err := m.peer.Push(ctx, PushRequest{
		ClientID:        m.clientID,
		Entities:        pending,
		LastSyncVersion: m.syncVersion,
	})
	if err != nil {
		return fmt.Errorf("push failed: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("push rejected by peer")
	}
	m.syncVersion = resp.SyncVersion

	conflicted := make(map[string]bool, len(resp.Conflicts))
	for _, c := range resp.Conflicts {
		conflicted[c.EntityID] = true
		m.recordConflict(c.EntityID, c.ClientID, c.Remote)
	}

	accepted := make(map[string]bool, len(pending))
	for _, e := range pending {
		if conflicted[e.ID] {
			continue // stays pending until the conflict is resolved
		}
		e.SyncStatus = entity.SyncStatusSynced
		if err := m.store.Update(e); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to mark %s synced: %w", e.ID, err)
		}
		accepted[e.ID] = true
	}

	// Acknowledge the local change records behind accepted entities.
	records, err := m.store.UnresolvedSyncRecords()
	if err != nil {
		return fmt.Errorf("failed to read sync log: %w", err)
	}
	now := m.now()
	for _, rec := range records {
		if rec.ClientID == m.clientID && accepted[rec.EntityID] {
			if err := m.store.ResolveSyncRecord(rec.ID, now); err != nil {
				logging.Info("sync", "failed to acknowledge record %d: %v", rec.ID, err)
			}
		}
	}
	return nil
}

// pull pages remote changes and applies them. A remote change colliding
// with a locally pending entity becomes an unresolved conflict record;
// the local entity is left untouched until resolution.
func (m *Manager) pull(ctx context.Context) error {
	for {
		resp, err := m.peer.Pull(ctx, PullRequest{
			ClientID:        m.clientID,
			LastSyncVersion: m.syncVersion,
			Limit:           m.pageSize,
		})
		if err != nil {
			return fmt.Errorf("pull failed: %w", err)
		}

		for _, remote := range resp.Entities {
			if err := m.applyRemote(remote); err != nil {
				return err
			}
		}

		m.syncVersion = resp.SyncVersion
		if !resp.HasMore {
			return nil
		}
	}
}

func (m *Manager) applyRemote(remote *entity.Entity) error {
	local, err := m.store.Get(remote.ID)
	if errors.Is(err, store.ErrNotFound) {
		remote.SyncStatus = entity.SyncStatusSynced
		if err := m.store.Create(remote); err != nil {
			return fmt.Errorf("failed to apply remote create %s: %w", remote.ID, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read local entity %s: %w", remote.ID, err)
	}

	if local.SyncStatus == entity.SyncStatusPending {
		m.recordConflict(remote.ID, "", remote)
		return nil
	}

	remote.SyncStatus = entity.SyncStatusSynced
	if err := m.store.Update(remote); err != nil {
		return fmt.Errorf("failed to apply remote update %s: %w", remote.ID, err)
	}
	return nil
}

// recordConflict appends an unresolved sync-log record carrying the
// remote version. Duplicate open conflicts for the same entity are
// collapsed.
func (m *Manager) recordConflict(entityID, sourceClient string, remote *entity.Entity) {
	if existing, _ := m.conflictRecordFor(entityID); existing != nil {
		return // already have an open conflict for this entity
	}
	if sourceClient == "" {
		sourceClient = "remote"
	}
	payload, err := json.Marshal(remote)
	if err != nil {
		payload = nil
	}
	rec := &store.SyncRecord{
		EntityID:  entityID,
		Op:        store.SyncOpUpdate,
		Payload:   payload,
		Timestamp: m.now(),
		ClientID:  sourceClient,
	}
	if err := m.store.AppendSyncRecord(rec); err != nil {
		logging.Info("sync", "failed to record conflict for %s: %v", entityID, err)
	}
}

// countConflicts counts distinct entities with open remote-originated
// records. Local change records awaiting acknowledgment don't count.
func (m *Manager) countConflicts() (int, error) {
	records, err := m.store.UnresolvedSyncRecords()
	if err != nil {
		return 0, fmt.Errorf("failed to read sync log: %w", err)
	}
	seen := make(map[string]bool)
	for _, rec := range records {
		if rec.ClientID == m.clientID {
			continue
		}
		seen[rec.EntityID] = true
	}
	return len(seen), nil
}

// conflictRecordFor finds the open remote-originated record for an
// entity. Local change records awaiting push acknowledgment are not
// conflicts.
func (m *Manager) conflictRecordFor(entityID string) (*store.SyncRecord, error) {
	records, err := m.store.UnresolvedSyncRecords()
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.EntityID == entityID && rec.ClientID != m.clientID {
			return rec, nil
		}
	}
	return nil, store.ErrNotFound
}

// ResolveConflict settles the open conflict for an entity.
//
//   - local: keep the local version untouched, mark the record resolved.
//   - remote: overwrite title/content/updatedAt from the recorded remote
//     version, mark resolved.
//   - merged: apply the caller-supplied payload; without one the call
//     fails with ErrInvalidResolution and the record stays unresolved.
func (m *Manager) ResolveConflict(entityID string, resolution Resolution, merged *MergePayload) error {
	rec, err := m.conflictRecordFor(entityID)
	if err != nil {
		return err
	}

	switch resolution {
	case ResolveLocal:
		// Local entity stays pending, so the next push re-offers it.

	case ResolveRemote:
		var remote entity.Entity
		if err := json.Unmarshal(rec.Payload, &remote); err != nil {
			return fmt.Errorf("conflict record %d has no usable remote payload: %w", rec.ID, err)
		}
		local, err := m.store.Get(entityID)
		if err != nil {
			return err
		}
		local.Title = remote.Title
		local.Content = remote.Content
		local.UpdatedAt = remote.UpdatedAt
		local.SyncStatus = entity.SyncStatusSynced
		if err := m.store.Update(local); err != nil {
			return fmt.Errorf("failed to apply remote version: %w", err)
		}

	case ResolveMerged:
		if merged == nil {
			return ErrInvalidResolution
		}
		local, err := m.store.Get(entityID)
		if err != nil {
			return err
		}
		local.Title = merged.Title
		local.Content = merged.Content
		local.UpdatedAt = m.now()
		local.SyncStatus = entity.SyncStatusPending
		if err := m.store.Update(local); err != nil {
			return fmt.Errorf("failed to apply merged version: %w", err)
		}

	default:
		return fmt.Errorf("unknown resolution %q", resolution)
	}

	if err := m.store.ResolveSyncRecord(rec.ID, m.now()); err != nil {
		return fmt.Errorf("failed to mark conflict resolved: %w", err)
	}

	conflicts, err := m.countConflicts()
	if err == nil {
		m.mu.Lock()
		m.state.ConflictCount = conflicts
		if conflicts == 0 && m.state.Status == StatusConflict {
			m.state.Status = StatusSynced
		}
		m.mu.Unlock()
	}
	return nil
}

// Start launches the periodic sync loop. Pass failures are logged and
// swallowed so the timer keeps running.
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Sync(ctx); err != nil {
					logging.Info("sync", "periodic pass failed: %v", err)
				}
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the periodic loop. Idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}
