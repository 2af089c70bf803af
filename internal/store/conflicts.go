package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	concordsync "github.com/hyperengineering/concord/internal/sync"
	"github.com/oklog/ulid/v2"
)

const conflictColumns = `id, session_id, device_id, database_name, collection_name, doc_key,
	local_vector, remote_vector, local_data, remote_data, marker, strategy, status,
	resolution, detected_at, resolved_at`

// RecordConflict stores rec as pending. An ID is generated when empty.
func (s *SQLiteStore) RecordConflict(ctx context.Context, rec *concordsync.ConflictRecord) error {
	if rec.ID == "" {
		rec.ID = ulid.MustNew(ulid.Now(), rand.Reader).String()
	}
	if rec.DetectedAt.IsZero() {
		rec.DetectedAt = time.Now().UTC()
	}
	rec.Status = concordsync.ConflictPending

	local, err := json.Marshal(rec.LocalVector)
	if err != nil {
		return fmt.Errorf("encode local vector: %w", err)
	}
	remote, err := json.Marshal(rec.RemoteVector)
	if err != nil {
		return fmt.Errorf("encode remote vector: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conflicts (`+conflictColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, NULL)`,
		rec.ID, rec.SessionID, rec.DeviceID, rec.Database, rec.Collection, rec.DocumentKey,
		string(local), string(remote),
		nullRaw(rec.LocalData), nullRaw(rec.RemoteData), nullRaw(rec.Marker),
		rec.Strategy, rec.Status, rec.DetectedAt.UTC().Format(sortableTime),
	)
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}

// PendingConflicts lists pending conflicts for a device, oldest first.
func (s *SQLiteStore) PendingConflicts(ctx context.Context, deviceID string) ([]concordsync.ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conflictColumns+` FROM conflicts
		WHERE device_id = ? AND status = ?
		ORDER BY detected_at ASC, id ASC`, deviceID, concordsync.ConflictPending)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	out := make([]concordsync.ConflictRecord, 0)
	for rows.Next() {
		rec, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return out, nil
}

// PendingConflictForKey returns the newest pending conflict for a device and
// document key, or ErrNotFound.
func (s *SQLiteStore) PendingConflictForKey(ctx context.Context, deviceID, key string) (*concordsync.ConflictRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conflictColumns+` FROM conflicts
		WHERE device_id = ? AND doc_key = ? AND status = ?
		ORDER BY detected_at DESC, id DESC
		LIMIT 1`, deviceID, key, concordsync.ConflictPending)

	rec, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// MarkConflictResolved closes a pending conflict.
func (s *SQLiteStore) MarkConflictResolved(ctx context.Context, id, resolution string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conflicts SET status = ?, resolution = ?, resolved_at = ?
		WHERE id = ? AND status = ?`,
		concordsync.ConflictResolved, resolution, at.UTC().Format(sortableTime),
		id, concordsync.ConflictPending)
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM conflicts WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	return ErrConflictClosed
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConflict(sc scanner) (*concordsync.ConflictRecord, error) {
	var (
		rec                         concordsync.ConflictRecord
		localVec, remoteVec         string
		localData, remoteData, mark sql.NullString
		resolution, resolvedAt      sql.NullString
		detectedAt                  string
	)
	err := sc.Scan(&rec.ID, &rec.SessionID, &rec.DeviceID, &rec.Database, &rec.Collection,
		&rec.DocumentKey, &localVec, &remoteVec, &localData, &remoteData, &mark,
		&rec.Strategy, &rec.Status, &resolution, &detectedAt, &resolvedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan conflict: %w", err)
	}

	if err := json.Unmarshal([]byte(localVec), &rec.LocalVector); err != nil {
		return nil, fmt.Errorf("decode local vector: %w", err)
	}
	if err := json.Unmarshal([]byte(remoteVec), &rec.RemoteVector); err != nil {
		return nil, fmt.Errorf("decode remote vector: %w", err)
	}
	if localData.Valid {
		rec.LocalData = json.RawMessage(localData.String)
	}
	if remoteData.Valid {
		rec.RemoteData = json.RawMessage(remoteData.String)
	}
	if mark.Valid {
		rec.Marker = json.RawMessage(mark.String)
	}
	rec.Resolution = resolution.String
	rec.DetectedAt, _ = time.Parse(time.RFC3339Nano, detectedAt)
	if resolvedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, resolvedAt.String)
		if err == nil {
			rec.ResolvedAt = &t
		}
	}
	return &rec, nil
}

func nullRaw(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
