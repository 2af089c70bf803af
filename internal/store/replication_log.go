package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	concordsync "github.com/hyperengineering/concord/internal/sync"
	"github.com/hyperengineering/concord/internal/vclock"
)

// Append writes a single entry and returns the sequence assigned to it.
// Entries without a node id are attributed to this node. Entries without an
// origin sequence are their own origin.
func (s *SQLiteStore) Append(ctx context.Context, entry *concordsync.LogEntry) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	seq, err := s.appendTx(ctx, tx, entry)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return seq, nil
}

// AppendBatch writes entries in one transaction. Sequences are written back
// into the slice.
func (s *SQLiteStore) AppendBatch(ctx context.Context, entries []concordsync.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range entries {
		if _, err := s.appendTx(ctx, tx, &entries[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) appendTx(ctx context.Context, tx *sql.Tx, entry *concordsync.LogEntry) (uint64, error) {
	if entry.NodeID == "" {
		entry.NodeID = s.nodeID
	}
	if entry.OriginNode == "" {
		entry.OriginNode = entry.NodeID
	}

	var data, vector sql.NullString
	if len(entry.Data) > 0 {
		data = sql.NullString{String: string(entry.Data), Valid: true}
	}
	if entry.Vector != nil {
		raw, err := json.Marshal(entry.Vector)
		if err != nil {
			return 0, fmt.Errorf("encode entry vector: %w", err)
		}
		vector = sql.NullString{String: string(raw), Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO replication_log
			(node_id, origin_node, origin_sequence, database_name, collection_name,
			 operation, doc_key, data, hlc_timestamp, vector, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.NodeID, entry.OriginNode, entry.OriginSequence, entry.Database, entry.Collection,
		string(entry.Operation), entry.Key, data, entry.Timestamp, vector,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("insert log entry: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read log sequence: %w", err)
	}
	seq := uint64(id)

	if entry.OriginSequence == 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE replication_log SET origin_sequence = sequence WHERE sequence = ?`, id); err != nil {
			return 0, fmt.Errorf("set origin sequence: %w", err)
		}
		entry.OriginSequence = seq
	}

	entry.Sequence = seq
	return seq, nil
}

// EntriesAfter returns up to limit entries with sequence greater than
// afterSeq in ascending order. Rows with an unknown operation are skipped.
func (s *SQLiteStore) EntriesAfter(ctx context.Context, afterSeq uint64, limit int) ([]concordsync.LogEntry, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, node_id, origin_node, origin_sequence, database_name,
		       collection_name, operation, doc_key, data, hlc_timestamp, vector
		FROM replication_log
		WHERE sequence > ?
		ORDER BY sequence ASC
		LIMIT ?`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query log entries: %w", err)
	}
	defer rows.Close()

	entries := make([]concordsync.LogEntry, 0)
	for rows.Next() {
		var (
			e            concordsync.LogEntry
			op           string
			data, vector sql.NullString
		)
		if err := rows.Scan(&e.Sequence, &e.NodeID, &e.OriginNode, &e.OriginSequence,
			&e.Database, &e.Collection, &op, &e.Key, &data, &e.Timestamp, &vector); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}

		parsed, err := concordsync.ParseOperation(op)
		if err != nil {
			slog.Warn("skipping unreadable log entry",
				"component", "store",
				"sequence", e.Sequence,
				"error", err,
			)
			continue
		}
		e.Operation = parsed
		if data.Valid {
			e.Data = []byte(data.String)
		}
		if vector.Valid {
			var v vclock.VersionVector
			if err := json.Unmarshal([]byte(vector.String), &v); err != nil {
				slog.Warn("skipping log entry with unreadable vector",
					"component", "store",
					"sequence", e.Sequence,
					"error", err,
				)
				continue
			}
			e.Vector = &v
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log entries: %w", err)
	}
	return entries, nil
}

// CurrentSequence returns the highest assigned sequence, or 0 for an empty
// log. Trimming never lowers it.
func (s *SQLiteStore) CurrentSequence(ctx context.Context) (uint64, error) {
	var seq uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE((SELECT seq FROM sqlite_sequence WHERE name = 'replication_log'), 0)`,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("current sequence: %w", err)
	}
	return seq, nil
}

// MaxSequenceByNode returns the highest origin sequence seen per origin node.
func (s *SQLiteStore) MaxSequenceByNode(ctx context.Context) (map[string]uint64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT origin_node, MAX(origin_sequence) FROM replication_log GROUP BY origin_node`)
	if err != nil {
		return nil, fmt.Errorf("query max sequence by node: %w", err)
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var node string
		var seq uint64
		if err := rows.Scan(&node, &seq); err != nil {
			return nil, fmt.Errorf("scan max sequence: %w", err)
		}
		out[node] = seq
	}
	return out, rows.Err()
}

// Trim deletes the oldest entries so at most maxEntries remain and returns
// the number removed. A maxEntries of zero or less keeps everything.
func (s *SQLiteStore) Trim(ctx context.Context, maxEntries int) (int64, error) {
	if maxEntries <= 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var cutoff sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT sequence FROM replication_log
		ORDER BY sequence DESC
		LIMIT 1 OFFSET ?`, maxEntries).Scan(&cutoff)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("find trim cutoff: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM replication_log WHERE sequence <= ?`, cutoff.Int64)
	if err != nil {
		return 0, fmt.Errorf("trim log: %w", err)
	}
	removed, _ := res.RowsAffected()

	for k, v := range map[string]string{
		concordsync.SyncMetaLastTrimSeq: strconv.FormatInt(cutoff.Int64, 10),
		concordsync.SyncMetaLastTrimAt:  time.Now().UTC().Format(time.RFC3339Nano),
	} {
		if err := setMetaTx(ctx, tx, k, v); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return removed, nil
}
