package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/rvanner/lore/internal/entity"
)

func init() {
	sqlite_vec.Auto() // registers the vec0 virtual table with go-sqlite3
}

// SQLite implements Store on an embedded SQLite database. Embeddings are
// stored as JSON blobs on the entities table; when the sqlite-vec
// extension is available they are mirrored into a vec0 virtual table for
// KNN queries, otherwise similarity search falls back to a full scan.
type SQLite struct {
	db           *sql.DB
	path         string
	vecAvailable bool
	vecDim       int // dimension of entity_vec (0 = not yet determined)
}

var _ Store = (*SQLite)(nil)

// Open opens or creates the entity database under dataDir.
func Open(dataDir string) (*SQLite, error) {
	dbPath := filepath.Join(dataDir, "lore.db")

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLite{db: db, path: dbPath}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	var vecVersion string
	if err := db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		log.Printf("[store] sqlite-vec not available (%v), similarity search will full-scan", err)
	} else {
		log.Printf("[store] sqlite-vec %s loaded", vecVersion)
		s.vecAvailable = true
		if err := s.initVecTableFromEntities(); err != nil {
			log.Printf("[store] vec init warning: %v", err)
		}
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		layer TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		embedding BLOB,
		links TEXT,
		tags TEXT,
		metadata TEXT,
		task TEXT,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(type);
	CREATE INDEX IF NOT EXISTS idx_entities_layer ON entities(layer);
	CREATE INDEX IF NOT EXISTS idx_entities_sync_status ON entities(sync_status);
	CREATE INDEX IF NOT EXISTS idx_entities_updated ON entities(updated_at);

	-- Append-only sync log. Rows are resolved, never deleted.
	CREATE TABLE IF NOT EXISTS sync_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id TEXT NOT NULL,
		op TEXT NOT NULL,
		payload TEXT,
		timestamp DATETIME NOT NULL,
		client_id TEXT NOT NULL,
		resolved_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_sync_log_entity ON sync_log(entity_id);
	CREATE INDEX IF NOT EXISTS idx_sync_log_resolved ON sync_log(resolved_at);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// --- entity CRUD ---

// Create inserts a new entity row and mirrors its embedding into the
// vec index when available.
func (s *SQLite) Create(e *entity.Entity) error {
	if e.ID == "" {
		return fmt.Errorf("entity ID is required")
	}
	return s.upsert(e, false)
}

// Update overwrites an existing entity row. Returns ErrNotFound if no
// row matches; partial application is the caller's concern.
func (s *SQLite) Update(e *entity.Entity) error {
	return s.upsert(e, true)
}

func (s *SQLite) upsert(e *entity.Entity, mustExist bool) error {
	embedding := marshalOrNil(e.Embedding)
	links := marshalOrNil(e.Links)
	tags := marshalOrNil(e.Tags)
	metadata := marshalOrNil(e.Metadata)
	task := marshalOrNil(e.Task)

	syncStatus := e.SyncStatus
	if syncStatus == "" {
		syncStatus = entity.SyncStatusPending
	}

	var err error
	if mustExist {
		var res sql.Result
		res, err = s.db.Exec(`
			UPDATE entities SET type = ?, layer = ?, title = ?, content = ?,
				embedding = ?, links = ?, tags = ?, metadata = ?, task = ?,
				sync_status = ?, created_at = ?, updated_at = ?
			WHERE id = ?`,
			e.Type, e.Layer, e.Title, e.Content,
			embedding, links, tags, metadata, task,
			syncStatus, e.CreatedAt, e.UpdatedAt, e.ID,
		)
		if err == nil {
			if n, _ := res.RowsAffected(); n == 0 {
				return ErrNotFound
			}
		}
	} else {
		_, err = s.db.Exec(`
			INSERT INTO entities (id, type, layer, title, content, embedding,
				links, tags, metadata, task, sync_status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.Type, e.Layer, e.Title, e.Content, embedding,
			links, tags, metadata, task, syncStatus, e.CreatedAt, e.UpdatedAt,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to write entity: %w", err)
	}

	if len(e.Embedding) > 0 {
		s.indexEmbedding(e.ID, e.Embedding)
	} else {
		s.dropEmbedding(e.ID)
	}
	return nil
}

// Get returns the entity or ErrNotFound.
func (s *SQLite) Get(id string) (*entity.Entity, error) {
	row := s.db.QueryRow(selectEntity+" WHERE id = ?", id)
	e, err := scanEntity(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read entity: %w", err)
	}
	return e, nil
}

// Delete removes the entity row. Reports whether a row was removed;
// deleting an absent id is not an error.
func (s *SQLite) Delete(id string) (bool, error) {
	res, err := s.db.Exec("DELETE FROM entities WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("failed to delete entity: %w", err)
	}
	s.dropEmbedding(id)
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Query returns entities matching the filter, most recently updated first.
func (s *SQLite) Query(f Filter) ([]*entity.Entity, error) {
	where, args := buildWhere(f)
	q := selectEntity
	if where != "" {
		q += " WHERE " + where
	}
	q += " ORDER BY updated_at DESC"

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var out []*entity.Entity
	for rows.Next() {
		e, err := scanEntity(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// BulkCreate inserts entities in a single transaction.
func (s *SQLite) BulkCreate(es []*entity.Entity) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for _, e := range es {
		_, err := tx.Exec(`
			INSERT INTO entities (id, type, layer, title, content, embedding,
				links, tags, metadata, task, sync_status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.Type, e.Layer, e.Title, e.Content, marshalOrNil(e.Embedding),
			marshalOrNil(e.Links), marshalOrNil(e.Tags), marshalOrNil(e.Metadata),
			marshalOrNil(e.Task), orPending(e.SyncStatus), e.CreatedAt, e.UpdatedAt,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to bulk insert entity %s: %w", e.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit bulk create: %w", err)
	}
	for _, e := range es {
		if len(e.Embedding) > 0 {
			s.indexEmbedding(e.ID, e.Embedding)
		}
	}
	return nil
}

// BulkDelete removes entities in a single transaction. Absent ids are
// skipped silently.
func (s *SQLite) BulkDelete(ids []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.Exec("DELETE FROM entities WHERE id = ?", id); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to bulk delete entity %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit bulk delete: %w", err)
	}
	for _, id := range ids {
		s.dropEmbedding(id)
	}
	return nil
}

// Stats returns collection-wide counts and the database file size.
func (s *SQLite) Stats() (*Stats, error) {
	st := &Stats{
		ByLayer: make(map[entity.Layer]int),
		ByType:  make(map[entity.Type]int),
	}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM entities").Scan(&st.TotalEntities); err != nil {
		return nil, fmt.Errorf("failed to count entities: %w", err)
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM entities WHERE embedding IS NOT NULL").Scan(&st.VectorCount); err != nil {
		return nil, fmt.Errorf("failed to count vectors: %w", err)
	}

	rows, err := s.db.Query("SELECT layer, COUNT(*) FROM entities GROUP BY layer")
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var layer string
		var n int
		if err := rows.Scan(&layer, &n); err == nil {
			st.ByLayer[entity.Layer(layer)] = n
		}
	}
	rows.Close()

	rows, err = s.db.Query("SELECT type, COUNT(*) FROM entities GROUP BY type")
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err == nil {
			st.ByType[entity.Type(typ)] = n
		}
	}
	rows.Close()

	var pageCount, pageSize int64
	s.db.QueryRow("PRAGMA page_count").Scan(&pageCount)
	s.db.QueryRow("PRAGMA page_size").Scan(&pageSize)
	st.StorageSize = pageCount * pageSize

	return st, nil
}

// --- scan helpers ---

const selectEntity = `SELECT id, type, layer, title, content, embedding,
	links, tags, metadata, task, sync_status, created_at, updated_at FROM entities`

func scanEntity(scan func(dest ...any) error) (*entity.Entity, error) {
	var e entity.Entity
	var embedding, links, tags, metadata, task []byte
	err := scan(&e.ID, &e.Type, &e.Layer, &e.Title, &e.Content, &embedding,
		&links, &tags, &metadata, &task, &e.SyncStatus, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	unmarshalInto(embedding, &e.Embedding)
	unmarshalInto(links, &e.Links)
	unmarshalInto(tags, &e.Tags)
	unmarshalInto(metadata, &e.Metadata)
	unmarshalInto(task, &e.Task)
	return &e, nil
}

func marshalOrNil(v any) []byte {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return nil
	}
	return b
}

func unmarshalInto(b []byte, dst any) {
	if len(b) == 0 {
		return
	}
	// Corrupt blobs degrade to zero values rather than failing the read.
	_ = json.Unmarshal(b, dst)
}

func orPending(status string) string {
	if status == "" {
		return entity.SyncStatusPending
	}
	return status
}

func buildWhere(f Filter) (string, []any) {
	var clauses []string
	var args []any

	if len(f.Types) > 0 {
		ph := make([]string, len(f.Types))
		for i, t := range f.Types {
			ph[i] = "?"
			args = append(args, string(t))
		}
		clauses = append(clauses, "type IN ("+strings.Join(ph, ", ")+")")
	}
	if len(f.Layers) > 0 {
		ph := make([]string, len(f.Layers))
		for i, l := range f.Layers {
			ph[i] = "?"
			args = append(args, string(l))
		}
		clauses = append(clauses, "layer IN ("+strings.Join(ph, ", ")+")")
	}
	if f.SyncStatus != "" {
		clauses = append(clauses, "sync_status = ?")
		args = append(args, f.SyncStatus)
	}
	if f.Tag != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(entities.tags) WHERE json_each.value = ?)")
		args = append(args, f.Tag)
	}

	return strings.Join(clauses, " AND "), args
}
