// Package store owns all durable state for the coordination daemon. It is
// the only component touching the SQLite database; every other component
// holds at most a transient, read-refreshed copy of a row.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/perspec/coordinator/types"
)

// Store wraps the coordination database. SQLite serializes concurrent
// writers poorly under contention, so writes additionally funnel through
// an in-process mutex; reads go straight to the pool.
type Store struct {
	db     *sql.DB
	dbPath string
	log    zerolog.Logger

	writeMu sync.Mutex
}

// Open creates or opens the coordination database and ensures the schema
// exists. WAL mode keeps driver-side readers from blocking our writes.
func Open(dbPath string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{
		db:     db,
		dbPath: dbPath,
		log:    logger.With().Str("component", "store").Logger(),
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// EnqueueTest inserts a pending test request and returns its id.
func (s *Store) EnqueueTest(ctx context.Context, req types.NewTestRequest) (int64, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO test_requests (request_type, test_filter, test_platform, priority)
		VALUES (?, ?, ?, ?)`,
		string(req.RequestType), req.TestFilter, string(req.Platform), req.Priority)
	if err != nil {
		return 0, newStorageError("enqueue test request", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, newStorageError("enqueue test request", err)
	}
	s.log.Debug().Int64("id", id).Str("type", string(req.RequestType)).
		Str("platform", string(req.Platform)).Msg("test request enqueued")
	return id, nil
}

// NextPendingTest returns the oldest pending test request, respecting
// priority, or nil when the queue is empty. The read claims nothing; the
// dispatcher's busy flag is what prevents double execution.
func (s *Store) NextPendingTest(ctx context.Context) (*types.TestRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+testRequestColumns+`
		FROM test_requests
		WHERE status = 'pending'
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT 1`)

	req, err := scanTestRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, newStorageError("read next pending test", err)
	}
	return req, nil
}

// HasPendingTest is the lightweight existence check used by the background
// poller; it must stay cheap enough to run every second.
func (s *Store) HasPendingTest(ctx context.Context) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM test_requests WHERE status = 'pending' LIMIT 1`).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, newStorageError("check pending tests", err)
	}
	return true, nil
}

// GetTestRequest reads a single test request by id.
func (s *Store) GetTestRequest(ctx context.Context, id int64) (*types.TestRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+testRequestColumns+` FROM test_requests WHERE id = ?`, id)
	req, err := scanTestRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, newStorageError("read test request", err)
	}
	return req, nil
}

// MarkTestRunning transitions a pending request to running and stamps
// started_at. The WHERE guard makes the transition observable: false means
// the row was no longer pending (cancelled, or claimed elsewhere).
func (s *Store) MarkTestRunning(ctx context.Context, id int64) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE test_requests
		SET status = 'running', started_at = ?
		WHERE id = ? AND status = 'pending'`,
		time.Now().UTC(), id)
	if err != nil {
		return false, newStorageError("mark test running", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, newStorageError("mark test running", err)
	}
	return n > 0, nil
}

// FinishTest writes the terminal status, counts and duration as a single
// update so a concurrent reader never sees a terminal status with stale
// results. The WHERE guard keeps terminal rows terminal: a request
// cancelled while its execution was in flight stays cancelled, and the
// late result is discarded. False means the row was no longer running.
func (s *Store) FinishTest(ctx context.Context, id int64, status types.RequestStatus, summary types.RunSummary, errMsg, resultSummary string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("finish requires a terminal status, got %q", status)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE test_requests
		SET status = ?, completed_at = ?, result_summary = ?, error_message = ?,
		    total_tests = ?, passed_tests = ?, failed_tests = ?, skipped_tests = ?,
		    duration_seconds = ?
		WHERE id = ? AND status = 'running'`,
		string(status), time.Now().UTC(), resultSummary, errMsg,
		summary.Total, summary.Passed, summary.Failed, summary.Skipped,
		summary.Duration.Seconds(), id)
	if err != nil {
		return false, newStorageError("finish test request", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, newStorageError("finish test request", err)
	}
	return n > 0, nil
}

// CancelTest marks a pending or running request cancelled. Cancellation is
// advisory: a running execution is not interrupted, the dispatcher just
// stops honoring the row.
func (s *Store) CancelTest(ctx context.Context, id int64, reason string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE test_requests
		SET status = 'cancelled', completed_at = ?, error_message = ?
		WHERE id = ? AND status IN ('pending', 'running')`,
		time.Now().UTC(), reason, id)
	if err != nil {
		return false, newStorageError("cancel test request", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, newStorageError("cancel test request", err)
	}
	return n > 0, nil
}

// RunningTests returns all rows stuck in status=running. After a restart
// these are orphans to be resolved by the recovery scan.
func (s *Store) RunningTests(ctx context.Context) ([]*types.TestRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+testRequestColumns+`
		FROM test_requests WHERE status = 'running' ORDER BY id ASC`)
	if err != nil {
		return nil, newStorageError("read running tests", err)
	}
	defer rows.Close()

	var out []*types.TestRequest
	for rows.Next() {
		req, err := scanTestRequest(rows)
		if err != nil {
			return nil, newStorageError("read running tests", err)
		}
		out = append(out, req)
	}
	return out, newStorageError("read running tests", rows.Err())
}

// InsertCaseResults persists per-case outcomes for a finished run in one
// transaction.
func (s *Store) InsertCaseResults(ctx context.Context, requestID int64, cases []types.CaseResult) error {
	if len(cases) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStorageError("insert case results", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO test_results (request_id, test_name, test_class, test_method, result, duration_ms, error_message, stack_trace)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return newStorageError("insert case results", err)
	}
	defer stmt.Close()

	for _, c := range cases {
		if _, err := stmt.ExecContext(ctx, requestID, c.Name, c.Class, c.Method,
			string(c.Status), float64(c.Duration.Milliseconds()), c.Message, c.StackTrace); err != nil {
			return newStorageError("insert case results", err)
		}
	}
	return newStorageError("insert case results", tx.Commit())
}

// CaseResults returns the per-case rows for a request, ordered by name.
func (s *Store) CaseResults(ctx context.Context, requestID int64) ([]types.CaseResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT test_name, test_class, test_method, result, duration_ms, error_message, stack_trace
		FROM test_results WHERE request_id = ? ORDER BY test_name ASC`, requestID)
	if err != nil {
		return nil, newStorageError("read case results", err)
	}
	defer rows.Close()

	var out []types.CaseResult
	for rows.Next() {
		var c types.CaseResult
		var class, method, msg, stack sql.NullString
		var status string
		var durationMs float64
		if err := rows.Scan(&c.Name, &class, &method, &status, &durationMs, &msg, &stack); err != nil {
			return nil, newStorageError("read case results", err)
		}
		c.Class = class.String
		c.Method = method.String
		c.Status = types.CaseStatus(status)
		c.Duration = time.Duration(durationMs * float64(time.Millisecond))
		c.Message = msg.String
		c.StackTrace = stack.String
		out = append(out, c)
	}
	return out, newStorageError("read case results", rows.Err())
}

const testRequestColumns = `id, request_type, COALESCE(test_filter, ''), test_platform, status, priority,
	created_at, started_at, completed_at, COALESCE(result_summary, ''), COALESCE(error_message, ''),
	total_tests, passed_tests, failed_tests, skipped_tests, duration_seconds`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTestRequest(row rowScanner) (*types.TestRequest, error) {
	var req types.TestRequest
	var requestType, platform, status string
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&req.ID, &requestType, &req.TestFilter, &platform, &status, &req.Priority,
		&req.CreatedAt, &startedAt, &completedAt, &req.ResultSummary, &req.ErrorMessage,
		&req.TotalTests, &req.PassedTests, &req.FailedTests, &req.SkippedTests, &req.DurationSeconds)
	if err != nil {
		return nil, err
	}
	req.RequestType = types.RequestType(requestType)
	req.Platform = types.Platform(platform)
	req.Status = types.RequestStatus(status)
	if startedAt.Valid {
		req.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		req.CompletedAt = &completedAt.Time
	}
	return &req, nil
}
