package store

import (
	"database/sql"
	"fmt"
	"time"
)

// AppendSyncRecord appends an entry to the sync log and fills in the
// assigned id.
func (s *SQLite) AppendSyncRecord(rec *SyncRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	res, err := s.db.Exec(`
		INSERT INTO sync_log (entity_id, op, payload, timestamp, client_id, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.EntityID, string(rec.Op), rec.Payload, rec.Timestamp, rec.ClientID, rec.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append sync record: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

// UnresolvedSyncRecords returns all records with no resolution time,
// oldest first.
func (s *SQLite) UnresolvedSyncRecords() ([]*SyncRecord, error) {
	return s.querySyncRecords(`SELECT id, entity_id, op, payload, timestamp, client_id, resolved_at
		FROM sync_log WHERE resolved_at IS NULL ORDER BY timestamp ASC`)
}

// UnresolvedSyncRecordForEntity returns the oldest unresolved record for
// the entity, or ErrNotFound.
func (s *SQLite) UnresolvedSyncRecordForEntity(entityID string) (*SyncRecord, error) {
	row := s.db.QueryRow(`SELECT id, entity_id, op, payload, timestamp, client_id, resolved_at
		FROM sync_log WHERE entity_id = ? AND resolved_at IS NULL
		ORDER BY timestamp ASC LIMIT 1`, entityID)
	rec, err := scanSyncRecord(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sync record: %w", err)
	}
	return rec, nil
}

// ResolveSyncRecord sets the resolution time on a record. Resolving an
// already-resolved record is a no-op; the log is append-only otherwise.
func (s *SQLite) ResolveSyncRecord(id int64, at time.Time) error {
	res, err := s.db.Exec(`UPDATE sync_log SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`, at, id)
	if err != nil {
		return fmt.Errorf("failed to resolve sync record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM sync_log WHERE id = ?`, id).Scan(&exists); err == nil && exists == 0 {
			return ErrNotFound
		}
	}
	return nil
}

// SyncRecords returns the full audit trail for an entity, oldest first.
func (s *SQLite) SyncRecords(entityID string) ([]*SyncRecord, error) {
	return s.querySyncRecords(`SELECT id, entity_id, op, payload, timestamp, client_id, resolved_at
		FROM sync_log WHERE entity_id = ? ORDER BY timestamp ASC`, entityID)
}

func (s *SQLite) querySyncRecords(q string, args ...any) ([]*SyncRecord, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync log: %w", err)
	}
	defer rows.Close()

	var out []*SyncRecord
	for rows.Next() {
		rec, err := scanSyncRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanSyncRecord(scan func(dest ...any) error) (*SyncRecord, error) {
	var rec SyncRecord
	var op string
	var resolved sql.NullTime
	err := scan(&rec.ID, &rec.EntityID, &op, &rec.Payload, &rec.Timestamp, &rec.ClientID, &resolved)
	if err != nil {
		return nil, err
	}
	rec.Op = SyncOp(op)
	if resolved.Valid {
		t := resolved.Time
		rec.ResolvedAt = &t
	}
	return &rec, nil
}
