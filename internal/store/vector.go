package store

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"slices"
	"sort"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/rvanner/lore/internal/entity"
)

// SimilaritySearch returns up to limit entities above the cosine
// similarity threshold, best first. Uses the vec0 KNN index when loaded,
// otherwise falls back to a full scan over stored embeddings.
func (s *SQLite) SimilaritySearch(query []float64, limit int, threshold float64, f Filter) ([]Match, error) {
	if limit <= 0 {
		limit = 10
	}
	if len(query) == 0 {
		return nil, nil
	}

	if s.vecAvailable && s.vecDim == len(query) {
		matches, err := s.vecSearch(query, limit, threshold, f)
		if err == nil {
			return matches, nil
		}
		log.Printf("[store] vec search failed, falling back to full scan: %v", err)
	}
	return s.scanSearch(query, limit, threshold, f)
}

// vecSearch runs a KNN query against the entity_vec virtual table.
// Over-fetches when a filter is present since filtering happens after
// the KNN pass.
func (s *SQLite) vecSearch(query []float64, limit int, threshold float64, f Filter) ([]Match, error) {
	k := limit
	filtered := len(f.Types) > 0 || len(f.Layers) > 0 || f.SyncStatus != "" || f.Tag != ""
	if filtered {
		k = limit * 4
	}

	serialized, err := sqlite_vec.SerializeFloat32(normalizeFloat32(float64ToFloat32(query)))
	if err != nil {
		return nil, fmt.Errorf("failed to serialize query vector: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT entity_id, distance FROM entity_vec
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance`, serialized, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type hit struct {
		id    string
		score float64
	}
	var hits []hit
	for rows.Next() {
		var id string
		var dist float64
		if err := rows.Scan(&id, &dist); err != nil {
			continue
		}
		sim := l2ToCosineSim(dist)
		if sim >= threshold {
			hits = append(hits, hit{id: id, score: sim})
		}
	}

	var matches []Match
	for _, h := range hits {
		if len(matches) >= limit {
			break
		}
		e, err := s.Get(h.id)
		if err != nil {
			continue // row deleted since indexing
		}
		if !matchesFilter(e, f) {
			continue
		}
		matches = append(matches, Match{Entity: e, Score: h.score})
	}
	return matches, nil
}

// scanSearch computes cosine similarity against every stored embedding
// matching the filter.
func (s *SQLite) scanSearch(query []float64, limit int, threshold float64, f Filter) ([]Match, error) {
	where, args := buildWhere(f)
	q := selectEntity + " WHERE embedding IS NOT NULL"
	if where != "" {
		q += " AND " + where
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan embeddings: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		e, err := scanEntity(rows.Scan)
		if err != nil {
			continue
		}
		sim := cosineSimilarity(query, e.Embedding)
		if sim >= threshold {
			matches = append(matches, Match{Entity: e, Score: sim})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// --- vec index maintenance ---

// initVecTableFromEntities reads the embedding dimension from existing
// rows, creates entity_vec with that dimension, and backfills. No-ops if
// no embeddings exist yet.
func (s *SQLite) initVecTableFromEntities() error {
	var embBytes []byte
	err := s.db.QueryRow(`SELECT embedding FROM entities WHERE embedding IS NOT NULL AND LENGTH(embedding) > 4 LIMIT 1`).Scan(&embBytes)
	if err != nil {
		return nil // no embeddings yet; defer to first write
	}
	var emb []float64
	if err := json.Unmarshal(embBytes, &emb); err != nil || len(emb) == 0 {
		return nil
	}
	return s.ensureVecTable(len(emb))
}

// ensureVecTable creates the entity_vec virtual table for the given
// dimension (if not yet created) and backfills existing rows. Idempotent
// for the same dim.
func (s *SQLite) ensureVecTable(dim int) error {
	if s.vecDim == dim {
		return nil
	}
	if s.vecDim != 0 && s.vecDim != dim {
		return fmt.Errorf("embedding dim %d doesn't match vec table dim %d", dim, s.vecDim)
	}

	_, err := s.db.Exec(fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS entity_vec USING vec0(
			embedding float[%d],
			+entity_id TEXT
		)`, dim))
	if err != nil {
		return fmt.Errorf("failed to create entity_vec(float[%d]): %w", dim, err)
	}
	s.vecDim = dim

	rows, err := s.db.Query(`SELECT rowid, id, embedding FROM entities WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil // backfill failure is non-fatal
	}
	defer rows.Close()

	tx, err := s.db.Begin()
	if err != nil {
		return nil
	}
	var count int
	for rows.Next() {
		var rowid int64
		var id string
		var embBytes []byte
		if err := rows.Scan(&rowid, &id, &embBytes); err != nil {
			continue
		}
		var emb []float64
		if err := json.Unmarshal(embBytes, &emb); err != nil || len(emb) != dim {
			continue
		}
		serialized, serErr := sqlite_vec.SerializeFloat32(normalizeFloat32(float64ToFloat32(emb)))
		if serErr != nil {
			continue
		}
		// vec0 does not reliably support INSERT OR REPLACE; use DELETE + INSERT.
		tx.Exec(`DELETE FROM entity_vec WHERE rowid = ?`, rowid)
		if _, err := tx.Exec(`INSERT INTO entity_vec(rowid, embedding, entity_id) VALUES (?, ?, ?)`, rowid, serialized, id); err != nil {
			continue
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return nil
	}
	if count > 0 {
		log.Printf("[store] vec backfill: indexed %d entities (dim=%d)", count, dim)
	}
	return nil
}

// indexEmbedding mirrors an entity's embedding into entity_vec.
// Best-effort: index failures never fail the owning write.
func (s *SQLite) indexEmbedding(id string, emb []float64) {
	if !s.vecAvailable {
		return
	}
	if err := s.ensureVecTable(len(emb)); err != nil {
		log.Printf("[store] vec index skipped for %s: %v", id, err)
		return
	}

	var rowid int64
	if err := s.db.QueryRow(`SELECT rowid FROM entities WHERE id = ?`, id).Scan(&rowid); err != nil {
		return
	}
	serialized, err := sqlite_vec.SerializeFloat32(normalizeFloat32(float64ToFloat32(emb)))
	if err != nil {
		return
	}
	s.db.Exec(`DELETE FROM entity_vec WHERE rowid = ?`, rowid)
	if _, err := s.db.Exec(`INSERT INTO entity_vec(rowid, embedding, entity_id) VALUES (?, ?, ?)`, rowid, serialized, id); err != nil {
		log.Printf("[store] vec index failed for %s: %v", id, err)
	}
}

// dropEmbedding removes an entity's row from entity_vec.
func (s *SQLite) dropEmbedding(id string) {
	if !s.vecAvailable || s.vecDim == 0 {
		return
	}
	s.db.Exec(`DELETE FROM entity_vec WHERE entity_id = ?`, id)
}

func matchesFilter(e *entity.Entity, f Filter) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.Type) {
		return false
	}
	if len(f.Layers) > 0 && !slices.Contains(f.Layers, e.Layer) {
		return false
	}
	if f.SyncStatus != "" && e.SyncStatus != f.SyncStatus {
		return false
	}
	if f.Tag != "" && !slices.Contains(e.Tags, f.Tag) {
		return false
	}
	return true
}

// --- math helpers ---

// cosineSimilarity computes cosine similarity between two embeddings.
// Mismatched lengths or zero magnitude score 0 rather than erroring.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

// normalizeFloat32 returns a unit-length copy of the vector. Normalizing
// before storing in vec0 makes L2 distance equivalent to cosine distance:
//
//	cosine_dist = L2_dist² / 2   (for unit vectors)
func normalizeFloat32(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// l2ToCosineSim converts an L2 distance (on normalized vectors) to
// cosine similarity: cosine_sim = 1 - L2²/2.
func l2ToCosineSim(l2dist float64) float64 {
	return 1.0 - (l2dist*l2dist)/2.0
}
