// Package coordinator wires the request store, console capture, poller,
// dispatcher and executors into one long-running daemon that drives an
// editor host through its test and asset-refresh queues.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/rs/zerolog"

	"github.com/perspec/coordinator/capture"
	"github.com/perspec/coordinator/dispatch"
	"github.com/perspec/coordinator/executor"
	"github.com/perspec/coordinator/export"
	"github.com/perspec/coordinator/poller"
	"github.com/perspec/coordinator/service"
	"github.com/perspec/coordinator/store"
	"github.com/perspec/coordinator/types"
)

// Coordinator owns the daemon's moving parts and their lifecycles.
type Coordinator struct {
	ctx        context.Context
	config     *Config
	version    string
	store      *store.Store
	pipeline   *capture.Pipeline
	dispatcher *dispatch.Dispatcher
	poller     *poller.Poller

	running atomic.Bool
	log     zerolog.Logger
}

// New builds a coordinator that executes requests through the editor in
// batchmode. The editor path must be configured; hosts that embed the
// daemon with their own execution surface use NewWithHost.
func New(ctx context.Context, config *Config, version string) (*Coordinator, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.EditorPath == "" {
		return nil, errors.New("editor path is required to execute requests")
	}

	batchCfg := executor.BatchmodeConfig{
		EditorPath:  config.EditorPath,
		ProjectPath: config.ProjectPath,
		WorkDir:     config.WorkDir,
	}
	runner, err := executor.NewBatchmodeRunner(batchCfg, config.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create batchmode runner: %w", err)
	}
	importer, err := executor.NewBatchmodeImporter(batchCfg, config.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create batchmode importer: %w", err)
	}
	return NewWithHost(ctx, config, version, runner, importer)
}

// NewWithHost builds a coordinator around caller-supplied execution
// surfaces.
func NewWithHost(ctx context.Context, config *Config, version string, runner executor.HostRunner, importer executor.AssetImporter) (*Coordinator, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	log := config.Log.With().Str("component", "coordinator").Logger()

	st, err := store.Open(config.DBPath, config.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to open request store: %w", err)
	}

	exporter, err := export.New(config.ExportDir, config.Log)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	truncator := capture.NewTruncator(config.Truncation)
	pipeline := capture.NewPipeline(st, truncator, 0, config.Log)

	dispatcher, err := dispatch.New(dispatch.Config{
		Store:         st,
		Tests:         executor.NewTestExecutor(runner, config.Log),
		Refreshes:     executor.NewRefreshExecutor(importer, config.Log),
		Exporter:      exporter,
		Capture:       pipeline,
		Log:           config.Log,
		DrainInterval: config.DrainInterval,
		Retention:     config.Retention,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	queuePoller, err := poller.New(config.PollInterval, st, dispatcher, config.Log)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create poller: %w", err)
	}

	return &Coordinator{
		ctx:        ctx,
		config:     config,
		version:    version,
		store:      st,
		pipeline:   pipeline,
		dispatcher: dispatcher,
		poller:     queuePoller,
		log:        log,
	}, nil
}

// Start begins dispatching and polling. Orphaned rows from a previous
// process are resolved before the first claim.
func (c *Coordinator) Start(ctx context.Context) error {
	c.ctx = ctx
	c.running.Store(true)

	c.log.Info().
		Str("version", c.version).
		Str("db", c.config.DBPath).
		Str("session", c.pipeline.SessionID()).
		Msg("starting coordinator")

	if err := c.dispatcher.Start(ctx); err != nil {
		return NewRuntimeError(fmt.Errorf("failed to start dispatcher: %w", err))
	}
	if err := c.poller.Start(ctx); err != nil {
		c.dispatcher.Stop()
		return NewRuntimeError(fmt.Errorf("failed to start poller: %w", err))
	}

	c.log.Info().Msg("coordinator started")
	return nil
}

// Stop halts polling and dispatching. Safe to call twice.
func (c *Coordinator) Stop(ctx context.Context) error {
	if !c.running.CompareAndSwap(true, false) {
		c.log.Debug().Msg("already stopped, nothing to do")
		return nil
	}
	c.log.Info().Msg("stopping coordinator")

	c.poller.Stop()
	c.dispatcher.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = c.poller.WaitForShutdown(shutdownCtx)
	_ = c.dispatcher.WaitForShutdown(shutdownCtx)

	if err := c.store.Close(); err != nil {
		c.log.Warn().Err(err).Msg("failed to close request store")
	}
	c.log.Info().Msg("coordinator stopped")
	return nil
}

// Stopped returns true if the coordinator is stopped.
func (c *Coordinator) Stopped() bool {
	return !c.running.Load()
}

// Recover re-runs orphan recovery and nudges the dispatcher. Wired to
// SIGHUP so an operator can force a queue re-scan after restoring a
// database or artifact directory.
func (c *Coordinator) Recover(ctx context.Context) error {
	if err := c.dispatcher.RecoverOrphans(ctx); err != nil {
		return err
	}
	c.dispatcher.Wake()
	return nil
}

// Capture exposes the console capture pipeline so the embedding host can
// feed log events into it.
func (c *Coordinator) Capture() *capture.Pipeline {
	return c.pipeline
}

// Store exposes the request store for enqueue and query operations.
func (c *Coordinator) Store() *store.Store {
	return c.store
}

// Status reports the daemon's health payload.
func (c *Coordinator) Status(ctx context.Context) service.HealthStatus {
	status := service.HealthStatus{
		Status:       "ok",
		SessionID:    c.pipeline.SessionID(),
		ActiveTestID: c.pipeline.ActiveRequest(),
	}
	if pending, err := c.store.HasPendingTest(ctx); err != nil {
		status.Status = "degraded"
	} else if pending {
		status.PendingTests = 1
	}
	if pending, err := c.store.HasPendingRefresh(ctx); err != nil {
		status.Status = "degraded"
	} else if pending {
		status.PendingRefreshes = 1
	}
	return status
}

// RunAndWait enqueues a test request, wakes the dispatcher, and blocks
// until the request reaches a terminal state. Used by the one-shot CLI
// mode; the returned error maps to the process exit code.
func (c *Coordinator) RunAndWait(ctx context.Context, req types.NewTestRequest) (*types.TestRequest, error) {
	id, err := c.store.EnqueueTest(ctx, req)
	if err != nil {
		return nil, NewRuntimeError(fmt.Errorf("failed to enqueue test request: %w", err))
	}
	c.log.Info().Int64("request_id", id).Msg("test request enqueued")
	c.dispatcher.Wake()

	final, err := c.waitForTest(ctx, id)
	if err != nil {
		return nil, err
	}

	cases, err := c.store.CaseResults(ctx, id)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to load case results")
	}
	c.printResultsTable(final, cases)

	switch final.Status {
	case types.StatusCompleted:
		if final.FailedTests > 0 {
			return final, NewTestFailureError(fmt.Sprintf("%d of %d tests failed", final.FailedTests, final.TotalTests))
		}
		return final, nil
	case types.StatusCancelled:
		return final, NewRuntimeError(fmt.Errorf("request %d was cancelled", id))
	default:
		return final, NewRuntimeError(fmt.Errorf("request %d failed: %s", id, final.ErrorMessage))
	}
}

func (c *Coordinator) waitForTest(ctx context.Context, id int64) (*types.TestRequest, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			req, err := c.store.GetTestRequest(ctx, id)
			if err != nil {
				return nil, NewRuntimeError(fmt.Errorf("failed to read request %d: %w", id, err))
			}
			if req.Status.IsTerminal() {
				return req, nil
			}
		case <-ctx.Done():
			return nil, NewRuntimeError(ctx.Err())
		}
	}
}

// RefreshAndWait enqueues an asset refresh and blocks until it finishes.
func (c *Coordinator) RefreshAndWait(ctx context.Context, req types.NewRefreshRequest) (*types.RefreshRequest, error) {
	id, err := c.store.EnqueueRefresh(ctx, req)
	if err != nil {
		return nil, NewRuntimeError(fmt.Errorf("failed to enqueue refresh request: %w", err))
	}
	c.log.Info().Int64("request_id", id).Msg("refresh request enqueued")
	c.dispatcher.Wake()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r, err := c.store.GetRefreshRequest(ctx, id)
			if err != nil {
				return nil, NewRuntimeError(fmt.Errorf("failed to read refresh %d: %w", id, err))
			}
			if r.Status.IsTerminal() {
				if r.Status == types.StatusFailed {
					return r, NewRuntimeError(fmt.Errorf("refresh %d failed: %s", id, r.ErrorMessage))
				}
				return r, nil
			}
		case <-ctx.Done():
			return nil, NewRuntimeError(ctx.Err())
		}
	}
}

// printResultsTable prints the finished run to the console.
func (c *Coordinator) printResultsTable(req *types.TestRequest, cases []types.CaseResult) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle(fmt.Sprintf("Test Results (request #%d, %s)", req.ID, formatDuration(req.DurationSeconds)))

	t.AppendHeader(table.Row{"Test", "Status", "Duration", "Message"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Test", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Message", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, cr := range cases {
		msg := ""
		if cr.Status == types.CaseFailed {
			msg = firstLine(cr.Message)
		}
		t.AppendRow(table.Row{cr.Name, caseStatusString(cr.Status), formatDuration(cr.Duration.Seconds()), msg})
	}

	switch {
	case req.Status != types.StatusCompleted:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	case req.FailedTests > 0:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	}

	t.AppendFooter(table.Row{
		fmt.Sprintf("%d tests", req.TotalTests),
		fmt.Sprintf("%d passed, %d failed, %d skipped", req.PassedTests, req.FailedTests, req.SkippedTests),
		formatDuration(req.DurationSeconds),
		"",
	})
	t.Render()
}

func caseStatusString(s types.CaseStatus) string {
	switch s {
	case types.CasePassed:
		return "pass"
	case types.CaseFailed:
		return "FAIL"
	case types.CaseInconclusive:
		return "inconclusive"
	default:
		return "skip"
	}
}

func formatDuration(seconds float64) string {
	if seconds <= 0 {
		return "-"
	}
	return time.Duration(seconds * float64(time.Second)).Round(10 * time.Millisecond).String()
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
