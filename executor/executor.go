// Package executor translates persisted requests into host runner
// invocations and folds the runner's event stream into a result summary.
// It is the only place that knows how test filters map onto the host's
// native test-running capability.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/perspec/coordinator/types"
)

// Filter narrows which tests the host runs. Zero-value fields mean no
// constraint.
type Filter struct {
	Platform  types.Platform
	ExactName string
	Category  string
}

// RunCallbacks receives the four ordered events from the host's native
// runner. Any callback may be nil.
type RunCallbacks struct {
	RunStarted   func(planned int)
	TestStarted  func(name string)
	TestFinished func(c types.CaseResult)
	RunFinished  func()
}

// HostRunner is the host's native test-running capability. Run blocks
// until the run has finished, delivering callbacks as events occur; it is
// never called with Platform set to Both.
type HostRunner interface {
	Run(ctx context.Context, f Filter, cb RunCallbacks) error
}

// ExecutionError marks a failure of the execution machinery itself, as
// opposed to individual test cases failing.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failure: %v", e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsExecutionError checks if the error is or wraps an ExecutionError
func IsExecutionError(err error) bool {
	var execErr *ExecutionError
	return err != nil && errors.As(err, &execErr)
}

// BuildFilter maps a request onto a runner filter. Unknown request types
// degrade to running everything; the warning is returned so the caller
// can journal it.
func BuildFilter(req *types.TestRequest, platform types.Platform) (Filter, string) {
	f := Filter{Platform: platform}
	switch req.RequestType {
	case types.RequestTypeAll:
	case types.RequestTypeClass, types.RequestTypeMethod:
		f.ExactName = req.TestFilter
	case types.RequestTypeCategory:
		f.Category = req.TestFilter
	default:
		return f, fmt.Sprintf("unknown request type %q, running all tests", req.RequestType)
	}
	return f, ""
}

// TestExecutor drives the host runner for one request at a time.
type TestExecutor struct {
	runner HostRunner
	log    zerolog.Logger
	tracer trace.Tracer
}

// NewTestExecutor creates an executor around a host runner.
func NewTestExecutor(runner HostRunner, logger zerolog.Logger) *TestExecutor {
	return &TestExecutor{
		runner: runner,
		log:    logger.With().Str("component", "executor").Logger(),
		tracer: otel.Tracer("test executor"),
	}
}

// Execute runs a request asynchronously. onComplete is invoked exactly
// once, from a background goroutine, with the aggregated summary and any
// execution failure; the caller is responsible for marshalling back onto
// its own thread. Platform Both expands into two sequential runs, since
// only one execution context can be active at a time on the host.
func (e *TestExecutor) Execute(ctx context.Context, req *types.TestRequest, onComplete func(types.RunSummary, error)) {
	go func() {
		summary, err := e.executeAll(ctx, req)
		onComplete(summary, err)
	}()
}

func (e *TestExecutor) executeAll(ctx context.Context, req *types.TestRequest) (types.RunSummary, error) {
	ctx, span := e.tracer.Start(ctx, fmt.Sprintf("test request %d", req.ID))
	defer span.End()

	total := types.RunSummary{Platform: req.Platform}
	for _, platform := range req.Platform.Expand() {
		summary, err := e.executeOne(ctx, req, platform)
		total.Merge(summary)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// executeOne wires the runner callbacks for a single execution context
// and folds test-finished events into a summary. Panics in the runner are
// converted into failure outcomes so the caller is never left waiting.
func (e *TestExecutor) executeOne(ctx context.Context, req *types.TestRequest, platform types.Platform) (summary types.RunSummary, err error) {
	filter, warning := BuildFilter(req, platform)
	if warning != "" {
		e.log.Warn().Int64("request_id", req.ID).Msg(warning)
	}

	summary.Platform = platform
	start := time.Now()
	defer func() {
		summary.Duration = time.Since(start)
		if r := recover(); r != nil {
			err = &ExecutionError{Err: fmt.Errorf("host runner panicked: %v", r)}
		} else if err != nil && !IsExecutionError(err) {
			err = &ExecutionError{Err: err}
		}
	}()

	e.log.Info().Int64("request_id", req.ID).
		Str("platform", string(platform)).
		Str("type", string(req.RequestType)).
		Str("filter", req.TestFilter).
		Msg("starting test run")

	err = e.runner.Run(ctx, filter, RunCallbacks{
		RunStarted: func(planned int) {
			e.log.Debug().Int64("request_id", req.ID).Int("planned", planned).Msg("run started")
		},
		TestStarted: func(name string) {
			e.log.Debug().Str("test", name).Msg("test started")
		},
		TestFinished: func(c types.CaseResult) {
			summary.Add(c)
		},
		RunFinished: func() {
			e.log.Info().Int64("request_id", req.ID).
				Int("total", summary.Total).
				Int("passed", summary.Passed).
				Int("failed", summary.Failed).
				Msg("run finished")
		},
	})
	return summary, err
}
