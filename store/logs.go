package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/perspec/coordinator/types"
)

// AppendExecutionLog records a structured diagnostic event. requestID may
// be nil for events not tied to any request.
func (s *Store) AppendExecutionLog(ctx context.Context, requestID *int64, level types.ExecutionLogLevel, source, message string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_log (request_id, log_level, message, source)
		VALUES (?, ?, ?, ?)`,
		nullableID(requestID), string(level), message, source)
	return newStorageError("append execution log", err)
}

// ExecutionLogs returns the newest execution log entries, optionally
// filtered by request id.
func (s *Store) ExecutionLogs(ctx context.Context, requestID *int64, limit int) ([]types.ExecutionLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, request_id, log_level, message, COALESCE(source, ''), created_at FROM execution_log`
	args := []any{}
	if requestID != nil {
		query += ` WHERE request_id = ?`
		args = append(args, *requestID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, newStorageError("read execution logs", err)
	}
	defer rows.Close()

	var out []types.ExecutionLogEntry
	for rows.Next() {
		var e types.ExecutionLogEntry
		var reqID sql.NullInt64
		var level string
		if err := rows.Scan(&e.ID, &reqID, &level, &e.Message, &e.Source, &e.CreatedAt); err != nil {
			return nil, newStorageError("read execution logs", err)
		}
		e.Level = types.ExecutionLogLevel(level)
		if reqID.Valid {
			e.RequestID = &reqID.Int64
		}
		out = append(out, e)
	}
	return out, newStorageError("read execution logs", rows.Err())
}

// InsertConsoleLogs persists a drained batch of console entries in one
// transaction. An empty batch is a no-op.
func (s *Store) InsertConsoleLogs(ctx context.Context, entries []types.ConsoleLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStorageError("insert console logs", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO console_logs (session_id, log_level, message, stack_trace, truncated_stack,
			source_file, source_line, timestamp, frame_count, is_truncated, context, request_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return newStorageError("insert console logs", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		ts := e.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, e.SessionID, string(e.Level), e.Message, e.RawStack,
			e.TruncatedStack, e.SourceFile, e.SourceLine, ts, e.FrameCount, e.IsTruncated,
			e.Context, nullableID(e.RequestID)); err != nil {
			return newStorageError("insert console logs", err)
		}
	}
	return newStorageError("insert console logs", tx.Commit())
}

// ConsoleLogQuery narrows a console log read. Zero values mean no filter.
type ConsoleLogQuery struct {
	SessionID string
	Level     types.LogLevel
	RequestID *int64
	Limit     int
}

// ConsoleLogs returns captured console entries, newest first.
func (s *Store) ConsoleLogs(ctx context.Context, q ConsoleLogQuery) ([]types.ConsoleLogEntry, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	var conds []string
	var args []any
	if q.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.Level != "" {
		conds = append(conds, "log_level = ?")
		args = append(args, string(q.Level))
	}
	if q.RequestID != nil {
		conds = append(conds, "request_id = ?")
		args = append(args, *q.RequestID)
	}

	query := `SELECT id, session_id, log_level, message, COALESCE(stack_trace, ''), COALESCE(truncated_stack, ''),
		COALESCE(source_file, ''), COALESCE(source_line, 0), timestamp, COALESCE(frame_count, 0),
		COALESCE(is_truncated, 0), COALESCE(context, ''), request_id
		FROM console_logs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, newStorageError("read console logs", err)
	}
	defer rows.Close()

	var out []types.ConsoleLogEntry
	for rows.Next() {
		var e types.ConsoleLogEntry
		var level string
		var reqID sql.NullInt64
		if err := rows.Scan(&e.ID, &e.SessionID, &level, &e.Message, &e.RawStack, &e.TruncatedStack,
			&e.SourceFile, &e.SourceLine, &e.Timestamp, &e.FrameCount, &e.IsTruncated,
			&e.Context, &reqID); err != nil {
			return nil, newStorageError("read console logs", err)
		}
		e.Level = types.LogLevel(level)
		if reqID.Valid {
			e.RequestID = &reqID.Int64
		}
		out = append(out, e)
	}
	return out, newStorageError("read console logs", rows.Err())
}

// PruneConsoleLogs deletes console entries older than the cutoff and
// returns the number removed.
func (s *Store) PruneConsoleLogs(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.pruneTable(ctx, "console_logs", "timestamp", olderThan)
}

// PruneExecutionLogs deletes execution log entries older than the cutoff.
func (s *Store) PruneExecutionLogs(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.pruneTable(ctx, "execution_log", "created_at", olderThan)
}

func (s *Store) pruneTable(ctx context.Context, table, column string, olderThan time.Duration) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE `+column+` < ?`, cutoff)
	if err != nil {
		return 0, newStorageError("prune "+table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, newStorageError("prune "+table, err)
	}
	if n > 0 {
		s.log.Debug().Int64("rows", n).Str("table", table).Msg("pruned old log entries")
	}
	return n, nil
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}
