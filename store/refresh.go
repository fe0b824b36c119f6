package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/perspec/coordinator/types"
)

// EnqueueRefresh inserts a pending asset refresh request and returns its
// id. Paths are stored as a JSON array in a TEXT column, matching what the
// driver scripts write.
func (s *Store) EnqueueRefresh(ctx context.Context, req types.NewRefreshRequest) (int64, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}

	var paths any
	if len(req.Paths) > 0 {
		encoded, err := json.Marshal(req.Paths)
		if err != nil {
			return 0, fmt.Errorf("failed to encode paths: %w", err)
		}
		paths = string(encoded)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO asset_refresh_requests (refresh_type, paths, import_options, priority)
		VALUES (?, ?, ?, ?)`,
		string(req.RefreshType), paths, string(req.ImportOptions), req.Priority)
	if err != nil {
		return 0, newStorageError("enqueue refresh request", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, newStorageError("enqueue refresh request", err)
	}
	s.log.Debug().Int64("id", id).Str("type", string(req.RefreshType)).Msg("refresh request enqueued")
	return id, nil
}

// NextPendingRefresh returns the oldest pending refresh request, or nil
// when none exist.
func (s *Store) NextPendingRefresh(ctx context.Context) (*types.RefreshRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+refreshRequestColumns+`
		FROM asset_refresh_requests
		WHERE status = 'pending'
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT 1`)

	req, err := scanRefreshRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, newStorageError("read next pending refresh", err)
	}
	return req, nil
}

// HasPendingRefresh is the poller's existence check for refresh work.
func (s *Store) HasPendingRefresh(ctx context.Context) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM asset_refresh_requests WHERE status = 'pending' LIMIT 1`).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, newStorageError("check pending refreshes", err)
	}
	return true, nil
}

// GetRefreshRequest reads a single refresh request by id.
func (s *Store) GetRefreshRequest(ctx context.Context, id int64) (*types.RefreshRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+refreshRequestColumns+` FROM asset_refresh_requests WHERE id = ?`, id)
	req, err := scanRefreshRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, newStorageError("read refresh request", err)
	}
	return req, nil
}

// MarkRefreshRunning transitions a pending refresh to running.
func (s *Store) MarkRefreshRunning(ctx context.Context, id int64) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE asset_refresh_requests
		SET status = 'running', started_at = ?
		WHERE id = ? AND status = 'pending'`,
		time.Now().UTC(), id)
	if err != nil {
		return false, newStorageError("mark refresh running", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, newStorageError("mark refresh running", err)
	}
	return n > 0, nil
}

// FinishRefresh writes the terminal status, duration and messages in one
// update. As with FinishTest, only a running row is finished; false means
// the row already reached a terminal state (cancelled mid-run) and the
// result was discarded.
func (s *Store) FinishRefresh(ctx context.Context, id int64, status types.RequestStatus, duration time.Duration, resultMsg, errMsg string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("finish requires a terminal status, got %q", status)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE asset_refresh_requests
		SET status = ?, completed_at = ?, duration_seconds = ?, result_message = ?, error_message = ?
		WHERE id = ? AND status = 'running'`,
		string(status), time.Now().UTC(), duration.Seconds(), resultMsg, errMsg, id)
	if err != nil {
		return false, newStorageError("finish refresh request", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, newStorageError("finish refresh request", err)
	}
	return n > 0, nil
}

// CancelRefresh marks a pending or running refresh cancelled.
func (s *Store) CancelRefresh(ctx context.Context, id int64, reason string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE asset_refresh_requests
		SET status = 'cancelled', completed_at = ?, error_message = ?
		WHERE id = ? AND status IN ('pending', 'running')`,
		time.Now().UTC(), reason, id)
	if err != nil {
		return false, newStorageError("cancel refresh request", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, newStorageError("cancel refresh request", err)
	}
	return n > 0, nil
}

// RunningRefreshes returns refresh rows stuck in status=running.
func (s *Store) RunningRefreshes(ctx context.Context) ([]*types.RefreshRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+refreshRequestColumns+`
		FROM asset_refresh_requests WHERE status = 'running' ORDER BY id ASC`)
	if err != nil {
		return nil, newStorageError("read running refreshes", err)
	}
	defer rows.Close()

	var out []*types.RefreshRequest
	for rows.Next() {
		req, err := scanRefreshRequest(rows)
		if err != nil {
			return nil, newStorageError("read running refreshes", err)
		}
		out = append(out, req)
	}
	return out, newStorageError("read running refreshes", rows.Err())
}

const refreshRequestColumns = `id, refresh_type, COALESCE(paths, ''), COALESCE(import_options, 'default'), status, priority,
	created_at, started_at, completed_at, duration_seconds, COALESCE(result_message, ''), COALESCE(error_message, '')`

func scanRefreshRequest(row rowScanner) (*types.RefreshRequest, error) {
	var req types.RefreshRequest
	var refreshType, importOptions, status string
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&req.ID, &refreshType, &req.Paths, &importOptions, &status, &req.Priority,
		&req.CreatedAt, &startedAt, &completedAt, &req.DurationSeconds, &req.ResultMessage, &req.ErrorMessage)
	if err != nil {
		return nil, err
	}
	req.RefreshType = types.RefreshType(refreshType)
	req.ImportOptions = types.ImportOptions(importOptions)
	req.Status = types.RequestStatus(status)
	if startedAt.Valid {
		req.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		req.CompletedAt = &completedAt.Time
	}
	return &req, nil
}
