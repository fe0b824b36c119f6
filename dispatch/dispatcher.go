// Package dispatch owns the single goroutine that claims queued requests
// and hands them to their executors. All busy-state and row-transition
// decisions happen on that goroutine; executors report back by posting
// closures onto it, so no request state is ever touched concurrently.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/perspec/coordinator/executor"
	"github.com/perspec/coordinator/export"
	"github.com/perspec/coordinator/metrics"
	"github.com/perspec/coordinator/types"
)

// Storage is the slice of the request store the dispatcher needs.
type Storage interface {
	NextPendingTest(ctx context.Context) (*types.TestRequest, error)
	MarkTestRunning(ctx context.Context, id int64) (bool, error)
	FinishTest(ctx context.Context, id int64, status types.RequestStatus, summary types.RunSummary, errMsg, resultSummary string) (bool, error)
	InsertCaseResults(ctx context.Context, requestID int64, cases []types.CaseResult) error
	RunningTests(ctx context.Context) ([]*types.TestRequest, error)

	NextPendingRefresh(ctx context.Context) (*types.RefreshRequest, error)
	MarkRefreshRunning(ctx context.Context, id int64) (bool, error)
	FinishRefresh(ctx context.Context, id int64, status types.RequestStatus, duration time.Duration, resultMsg, errMsg string) (bool, error)
	RunningRefreshes(ctx context.Context) ([]*types.RefreshRequest, error)

	AppendExecutionLog(ctx context.Context, requestID *int64, level types.ExecutionLogLevel, source, message string) error
	PruneConsoleLogs(ctx context.Context, olderThan time.Duration) (int64, error)
	PruneExecutionLogs(ctx context.Context, olderThan time.Duration) (int64, error)
}

// TestRunner executes one test request; onComplete fires exactly once
// from a background goroutine.
type TestRunner interface {
	Execute(ctx context.Context, req *types.TestRequest, onComplete func(types.RunSummary, error))
}

// RefreshRunner executes one asset refresh request. The note reports any
// degradation the executor applied (selective import falling back to a
// full rescan); it ends up in the row's result_message.
type RefreshRunner interface {
	Execute(ctx context.Context, req *types.RefreshRequest, onComplete func(outcome types.RefreshOutcome, note string, duration time.Duration, err error))
}

// ResultWriter persists result artifacts for finished runs.
type ResultWriter interface {
	Export(run export.Run) (string, error)
	LatestForRequest(requestID int64) (string, error)
	ClearForRequest(requestID int64) error
}

// CaptureBuffer is the console capture pipeline surface the dispatcher
// drives.
type CaptureBuffer interface {
	SetActiveRequest(id int64)
	ClearActiveRequest()
	Drain(ctx context.Context) (int, error)
}

// Config wires a dispatcher. DrainInterval and PruneInterval default to
// 2s and 1h; Retention defaults to 7 days.
type Config struct {
	Store     Storage
	Tests     TestRunner
	Refreshes RefreshRunner
	Exporter  ResultWriter
	Capture   CaptureBuffer
	Log       zerolog.Logger

	DrainInterval time.Duration
	PruneInterval time.Duration
	Retention     time.Duration
}

// Dispatcher runs the claim/execute/finish cycle for both queues on a
// single goroutine. At most one test request and one refresh request run
// at a time; the busy flags are plain bools because only the dispatch
// goroutine reads or writes them.
type Dispatcher struct {
	cfg Config
	log zerolog.Logger

	wake  chan struct{}
	calls chan func()

	testBusy    bool
	refreshBusy bool

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New validates the wiring and creates a dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Store == nil || cfg.Tests == nil || cfg.Refreshes == nil {
		return nil, errors.New("store and both runners are required")
	}
	if cfg.Exporter == nil || cfg.Capture == nil {
		return nil, errors.New("exporter and capture pipeline are required")
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = 2 * time.Second
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	return &Dispatcher{
		cfg:   cfg,
		log:   cfg.Log.With().Str("component", "dispatch").Logger(),
		wake:  make(chan struct{}, 1),
		calls: make(chan func(), 16),
		done:  make(chan struct{}),
	}, nil
}

// Wake hints that pending work may exist. Never blocks; consecutive
// wakes coalesce into one.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Post schedules fn onto the dispatch goroutine.
func (d *Dispatcher) Post(fn func()) {
	select {
	case d.calls <- fn:
	case <-d.done:
		d.log.Debug().Msg("dropping posted call, dispatcher stopped")
	}
}

// Start recovers orphaned rows from a previous process, then begins the
// dispatch loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("dispatcher already started")
	}
	d.done = make(chan struct{})

	if err := d.RecoverOrphans(ctx); err != nil {
		d.log.Warn().Err(err).Msg("orphan recovery incomplete, continuing")
	}

	d.wg.Add(1)
	go d.run(ctx)
	d.Wake()
	return nil
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	drain := time.NewTicker(d.cfg.DrainInterval)
	defer drain.Stop()
	prune := time.NewTicker(d.cfg.PruneInterval)
	defer prune.Stop()

	d.log.Info().Msg("dispatch loop started")
	for {
		select {
		case <-d.wake:
			d.dispatch(ctx)
		case fn := <-d.calls:
			fn()
			// A finish frees a slot, so look for more work right away.
			d.dispatch(ctx)
		case <-drain.C:
			d.drainCapture(ctx)
		case <-prune.C:
			d.pruneLogs(ctx)
		case <-d.done:
			d.drainCapture(ctx)
			d.log.Info().Msg("dispatch loop stopped")
			return
		case <-ctx.Done():
			// Close done so late executor Posts and a subsequent Stop see
			// the dispatcher as stopped instead of blocking.
			if d.running.CompareAndSwap(true, false) {
				close(d.done)
			}
			d.log.Info().Msg("context canceled, dispatch loop stopped")
			return
		}
	}
}

// dispatch claims at most one request per idle slot.
func (d *Dispatcher) dispatch(ctx context.Context) {
	metrics.RecordDispatchBusy("test", d.testBusy)
	metrics.RecordDispatchBusy("refresh", d.refreshBusy)
	if !d.testBusy {
		d.claimTest(ctx)
	}
	if !d.refreshBusy {
		d.claimRefresh(ctx)
	}
}

func (d *Dispatcher) claimTest(ctx context.Context) {
	req, err := d.cfg.Store.NextPendingTest(ctx)
	if err != nil {
		metrics.RecordErrorDetails("claim_test", err)
		d.log.Warn().Err(err).Msg("failed to read pending tests")
		return
	}
	if req == nil {
		return
	}

	// Stale artifacts from an earlier run of the same id would confuse
	// orphan recovery, so clear them before work starts.
	if err := d.cfg.Exporter.ClearForRequest(req.ID); err != nil {
		d.log.Warn().Err(err).Int64("request_id", req.ID).Msg("failed to clear stale artifacts")
	}

	claimed, err := d.cfg.Store.MarkTestRunning(ctx, req.ID)
	if err != nil {
		metrics.RecordErrorDetails("claim_test", err)
		d.log.Warn().Err(err).Int64("request_id", req.ID).Msg("failed to claim test request")
		return
	}
	if !claimed {
		// Cancelled between the read and the claim; the next wake will
		// find whatever is behind it.
		d.log.Debug().Int64("request_id", req.ID).Msg("test request no longer pending, skipping")
		d.Wake()
		return
	}

	d.testBusy = true
	d.cfg.Capture.SetActiveRequest(req.ID)
	d.journal(ctx, &req.ID, types.ExecLogInfo,
		fmt.Sprintf("dispatching test request: type=%s filter=%q platform=%s", req.RequestType, req.TestFilter, req.Platform))
	if _, warning := executor.BuildFilter(req, req.Platform); warning != "" {
		d.journal(ctx, &req.ID, types.ExecLogWarning, warning)
	}

	startedAt := time.Now()
	d.log.Info().Int64("request_id", req.ID).
		Str("type", string(req.RequestType)).
		Str("platform", string(req.Platform)).
		Msg("test request claimed")

	d.cfg.Tests.Execute(ctx, req, func(summary types.RunSummary, execErr error) {
		d.Post(func() {
			d.finishTest(ctx, req, startedAt, summary, execErr)
		})
	})
}

// finishTest runs on the dispatch goroutine. The busy flag and active
// request are cleared on every path, including a panic while finishing.
func (d *Dispatcher) finishTest(ctx context.Context, req *types.TestRequest, startedAt time.Time, summary types.RunSummary, execErr error) {
	defer func() {
		d.testBusy = false
		d.cfg.Capture.ClearActiveRequest()
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Int64("request_id", req.ID).Msg("panic while finishing test request")
			if _, err := d.cfg.Store.FinishTest(ctx, req.ID, types.StatusFailed, summary, fmt.Sprintf("internal error: %v", r), ""); err != nil {
				d.log.Error().Err(err).Int64("request_id", req.ID).Msg("failed to record failure after panic")
			}
		}
	}()

	// Flush captured console output while the run is still attributed.
	d.drainCapture(ctx)

	duration := time.Since(startedAt)
	if summary.Duration == 0 {
		summary.Duration = duration
	}

	if err := d.cfg.Store.InsertCaseResults(ctx, req.ID, summary.Cases); err != nil {
		d.log.Warn().Err(err).Int64("request_id", req.ID).Msg("failed to persist case results")
	}

	status := types.StatusFailed
	errMsg := ""
	resultSummary := ""

	if execErr != nil {
		errMsg = execErr.Error()
		resultSummary = fmt.Sprintf("execution failed after %d of %d cases", summary.Total-summary.Skipped, summary.Total)
		d.journal(ctx, &req.ID, types.ExecLogError, "test request failed: "+errMsg)
	} else {
		// Failing test cases are still a completed request; failed is
		// reserved for the machinery breaking.
		status = summary.RowStatus()
		xmlPath, expErr := d.cfg.Exporter.Export(export.Run{
			RequestID:   req.ID,
			Platform:    req.Platform,
			Filter:      req.TestFilter,
			StartedAt:   startedAt,
			CompletedAt: time.Now(),
			Summary:     summary,
		})
		if expErr != nil {
			d.log.Warn().Err(expErr).Int64("request_id", req.ID).Msg("failed to export result artifact")
			resultSummary = fmt.Sprintf("%d/%d passed (artifact export failed)", summary.Passed, summary.Total)
		} else {
			resultSummary = fmt.Sprintf("%d/%d passed, results in %s", summary.Passed, summary.Total, xmlPath)
		}
		d.journal(ctx, &req.ID, types.ExecLogInfo,
			fmt.Sprintf("test request completed: %d passed, %d failed, %d skipped", summary.Passed, summary.Failed, summary.Skipped))
	}

	finished, err := d.cfg.Store.FinishTest(ctx, req.ID, status, summary, errMsg, resultSummary)
	if err != nil {
		metrics.RecordErrorDetails("finish_test", err)
		d.log.Error().Err(err).Int64("request_id", req.ID).Msg("failed to record test completion")
	} else if !finished {
		// The row reached a terminal state while the run was in flight,
		// almost certainly a cancel. The terminal status wins.
		d.log.Warn().Int64("request_id", req.ID).Msg("test request no longer running, result discarded")
		d.journal(ctx, &req.ID, types.ExecLogWarning, "request cancelled while running, late result discarded")
	}

	metrics.RecordRequestFinished("test", string(status), duration)
	metrics.RecordTestCases(summary.Passed, summary.Failed, summary.Skipped)
	d.log.Info().Int64("request_id", req.ID).
		Str("status", string(status)).
		Dur("duration", duration).
		Int("passed", summary.Passed).
		Int("failed", summary.Failed).
		Msg("test request finished")
}

func (d *Dispatcher) claimRefresh(ctx context.Context) {
	req, err := d.cfg.Store.NextPendingRefresh(ctx)
	if err != nil {
		metrics.RecordErrorDetails("claim_refresh", err)
		d.log.Warn().Err(err).Msg("failed to read pending refreshes")
		return
	}
	if req == nil {
		return
	}

	claimed, err := d.cfg.Store.MarkRefreshRunning(ctx, req.ID)
	if err != nil {
		metrics.RecordErrorDetails("claim_refresh", err)
		d.log.Warn().Err(err).Int64("request_id", req.ID).Msg("failed to claim refresh request")
		return
	}
	if !claimed {
		d.log.Debug().Int64("request_id", req.ID).Msg("refresh request no longer pending, skipping")
		d.Wake()
		return
	}

	d.refreshBusy = true
	d.journal(ctx, &req.ID, types.ExecLogInfo,
		fmt.Sprintf("dispatching refresh request: type=%s options=%s", req.RefreshType, req.ImportOptions))
	d.log.Info().Int64("request_id", req.ID).Str("type", string(req.RefreshType)).Msg("refresh request claimed")

	d.cfg.Refreshes.Execute(ctx, req, func(outcome types.RefreshOutcome, note string, duration time.Duration, execErr error) {
		d.Post(func() {
			d.finishRefresh(ctx, req, outcome, note, duration, execErr)
		})
	})
}

func (d *Dispatcher) finishRefresh(ctx context.Context, req *types.RefreshRequest, outcome types.RefreshOutcome, note string, duration time.Duration, execErr error) {
	defer func() {
		d.refreshBusy = false
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Int64("request_id", req.ID).Msg("panic while finishing refresh request")
		}
	}()

	status := types.StatusCompleted
	errMsg := ""
	resultMsg := refreshResultMessage(outcome)
	if note != "" {
		resultMsg += " (" + note + ")"
	}
	if execErr != nil {
		status = types.StatusFailed
		errMsg = execErr.Error()
		resultMsg = ""
		d.journal(ctx, &req.ID, types.ExecLogError, "refresh request failed: "+errMsg)
	} else {
		d.journal(ctx, &req.ID, types.ExecLogInfo, "refresh request finished: "+resultMsg)
	}

	finished, err := d.cfg.Store.FinishRefresh(ctx, req.ID, status, duration, resultMsg, errMsg)
	if err != nil {
		metrics.RecordErrorDetails("finish_refresh", err)
		d.log.Error().Err(err).Int64("request_id", req.ID).Msg("failed to record refresh completion")
	} else if !finished {
		d.log.Warn().Int64("request_id", req.ID).Msg("refresh request no longer running, result discarded")
		d.journal(ctx, &req.ID, types.ExecLogWarning, "request cancelled while running, late result discarded")
	}

	metrics.RecordRequestFinished("refresh", string(status), duration)
	d.log.Info().Int64("request_id", req.ID).
		Str("status", string(status)).
		Str("outcome", string(outcome)).
		Dur("duration", duration).
		Msg("refresh request finished")
}

func refreshResultMessage(outcome types.RefreshOutcome) string {
	switch outcome {
	case types.RefreshNoOp:
		return "no assets needed importing"
	case types.RefreshCompleted:
		return "asset refresh completed"
	case types.RefreshUnconfirmed:
		return "asset refresh triggered, completion not confirmed"
	default:
		return string(outcome)
	}
}

// RecoverOrphans resolves rows left in running state by a previous
// process. A test row whose result artifact exists on disk finished
// before the crash and is completed from the artifact; anything else is
// marked failed. Refresh runs leave no artifact, so a running refresh
// row is always failed.
func (d *Dispatcher) RecoverOrphans(ctx context.Context) error {
	tests, err := d.cfg.Store.RunningTests(ctx)
	if err != nil {
		return fmt.Errorf("failed to list running tests: %w", err)
	}
	for _, req := range tests {
		d.recoverTest(ctx, req)
	}

	refreshes, err := d.cfg.Store.RunningRefreshes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list running refreshes: %w", err)
	}
	for _, req := range refreshes {
		d.log.Warn().Int64("request_id", req.ID).Msg("recovering orphaned refresh request as failed")
		if _, err := d.cfg.Store.FinishRefresh(ctx, req.ID, types.StatusFailed, 0, "", "no result found after restart"); err != nil {
			d.log.Error().Err(err).Int64("request_id", req.ID).Msg("failed to fail orphaned refresh")
			continue
		}
		metrics.RecordOrphanRecovered("refresh", "failed")
	}
	return nil
}

func (d *Dispatcher) recoverTest(ctx context.Context, req *types.TestRequest) {
	artifact, err := d.cfg.Exporter.LatestForRequest(req.ID)
	if err != nil {
		d.log.Warn().Err(err).Int64("request_id", req.ID).Msg("failed to look up result artifact")
	}

	if artifact != "" {
		parsed, perr := export.ParseFile(artifact)
		if perr == nil {
			summary := parsed.Summary()
			summary.Platform = req.Platform
			status := summary.RowStatus()
			msg := fmt.Sprintf("%d/%d passed, recovered from %s", summary.Passed, summary.Total, artifact)
			if _, err := d.cfg.Store.FinishTest(ctx, req.ID, status, summary, "", msg); err != nil {
				d.log.Error().Err(err).Int64("request_id", req.ID).Msg("failed to complete orphaned test from artifact")
				return
			}
			d.log.Info().Int64("request_id", req.ID).Str("artifact", artifact).Msg("orphaned test completed from artifact")
			metrics.RecordOrphanRecovered("test", "completed")
			return
		}
		d.log.Warn().Err(perr).Int64("request_id", req.ID).Msg("result artifact unreadable")
	}

	d.log.Warn().Int64("request_id", req.ID).Msg("recovering orphaned test request as failed")
	if _, err := d.cfg.Store.FinishTest(ctx, req.ID, types.StatusFailed, types.RunSummary{}, "no result found after restart", ""); err != nil {
		d.log.Error().Err(err).Int64("request_id", req.ID).Msg("failed to fail orphaned test")
		return
	}
	metrics.RecordOrphanRecovered("test", "failed")
}

func (d *Dispatcher) drainCapture(ctx context.Context) {
	if n, err := d.cfg.Capture.Drain(ctx); err != nil {
		d.log.Warn().Err(err).Msg("failed to drain console capture")
	} else if n > 0 {
		d.log.Debug().Int("entries", n).Msg("console capture drained")
	}
}

func (d *Dispatcher) pruneLogs(ctx context.Context) {
	if n, err := d.cfg.Store.PruneConsoleLogs(ctx, d.cfg.Retention); err != nil {
		d.log.Warn().Err(err).Msg("failed to prune console logs")
	} else if n > 0 {
		d.log.Info().Int64("rows", n).Msg("pruned old console logs")
	}
	if n, err := d.cfg.Store.PruneExecutionLogs(ctx, d.cfg.Retention); err != nil {
		d.log.Warn().Err(err).Msg("failed to prune execution logs")
	} else if n > 0 {
		d.log.Info().Int64("rows", n).Msg("pruned old execution logs")
	}
}

func (d *Dispatcher) journal(ctx context.Context, requestID *int64, level types.ExecutionLogLevel, message string) {
	if err := d.cfg.Store.AppendExecutionLog(ctx, requestID, level, "dispatch", message); err != nil {
		d.log.Debug().Err(err).Msg("failed to append execution log")
	}
}

// Stop signals the dispatch goroutine to exit after the current iteration.
func (d *Dispatcher) Stop() {
	if !d.running.CompareAndSwap(true, false) {
		return
	}
	close(d.done)
}

// Stopped returns true once Stop has been called.
func (d *Dispatcher) Stopped() bool {
	return !d.running.Load()
}

// WaitForShutdown blocks until the dispatch goroutine has terminated or
// the context expires.
func (d *Dispatcher) WaitForShutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.log.Warn().Err(ctx.Err()).Msg("timed out waiting for dispatcher to terminate")
		return ctx.Err()
	}
}
