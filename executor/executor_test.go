package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perspec/coordinator/types"
)

// fakeRunner scripts one run per platform and records what it was asked
// to do.
type fakeRunner struct {
	mu      sync.Mutex
	filters []Filter
	cases   map[types.Platform][]types.CaseResult
	err     error
	panics  bool
}

func (r *fakeRunner) Run(_ context.Context, f Filter, cb RunCallbacks) error {
	r.mu.Lock()
	r.filters = append(r.filters, f)
	cases := r.cases[f.Platform]
	r.mu.Unlock()

	if r.panics {
		panic("runner exploded")
	}
	if cb.RunStarted != nil {
		cb.RunStarted(len(cases))
	}
	for _, c := range cases {
		if cb.TestStarted != nil {
			cb.TestStarted(c.Name)
		}
		if cb.TestFinished != nil {
			cb.TestFinished(c)
		}
	}
	if cb.RunFinished != nil {
		cb.RunFinished()
	}
	return r.err
}

func (r *fakeRunner) seenFilters() []Filter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Filter(nil), r.filters...)
}

type completion struct {
	summary types.RunSummary
	err     error
}

func runAndWait(t *testing.T, e *TestExecutor, req *types.TestRequest) completion {
	t.Helper()
	done := make(chan completion, 2)
	e.Execute(context.Background(), req, func(s types.RunSummary, err error) {
		done <- completion{summary: s, err: err}
	})
	select {
	case c := <-done:
		// A second send would mean onComplete fired twice.
		select {
		case <-done:
			t.Fatal("onComplete invoked more than once")
		case <-time.After(50 * time.Millisecond):
		}
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
		return completion{}
	}
}

func TestBuildFilter(t *testing.T) {
	tests := []struct {
		name        string
		req         types.TestRequest
		want        Filter
		wantWarning bool
	}{
		{
			name: "all",
			req:  types.TestRequest{RequestType: types.RequestTypeAll},
			want: Filter{Platform: types.PlatformEditMode},
		},
		{
			name: "class",
			req:  types.TestRequest{RequestType: types.RequestTypeClass, TestFilter: "PlayerTests"},
			want: Filter{Platform: types.PlatformEditMode, ExactName: "PlayerTests"},
		},
		{
			name: "method",
			req:  types.TestRequest{RequestType: types.RequestTypeMethod, TestFilter: "PlayerTests.Jump"},
			want: Filter{Platform: types.PlatformEditMode, ExactName: "PlayerTests.Jump"},
		},
		{
			name: "category",
			req:  types.TestRequest{RequestType: types.RequestTypeCategory, TestFilter: "smoke"},
			want: Filter{Platform: types.PlatformEditMode, Category: "smoke"},
		},
		{
			name:        "unknown degrades to all",
			req:         types.TestRequest{RequestType: "bogus", TestFilter: "ignored"},
			want:        Filter{Platform: types.PlatformEditMode},
			wantWarning: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, warning := BuildFilter(&tt.req, types.PlatformEditMode)
			assert.Equal(t, tt.want, got)
			if tt.wantWarning {
				assert.NotEmpty(t, warning)
			} else {
				assert.Empty(t, warning)
			}
		})
	}
}

func TestExecuteAggregatesResults(t *testing.T) {
	runner := &fakeRunner{
		cases: map[types.Platform][]types.CaseResult{
			types.PlatformEditMode: {
				{Name: "PlayerTests.Jump", Status: types.CasePassed},
				{Name: "PlayerTests.Fall", Status: types.CaseFailed, Message: "expected grounded"},
				{Name: "PlayerTests.Swim", Status: types.CaseSkipped},
			},
		},
	}
	e := NewTestExecutor(runner, zerolog.Nop())

	req := &types.TestRequest{ID: 1, RequestType: types.RequestTypeAll, Platform: types.PlatformEditMode}
	c := runAndWait(t, e, req)

	require.NoError(t, c.err)
	assert.Equal(t, 3, c.summary.Total)
	assert.Equal(t, 1, c.summary.Passed)
	assert.Equal(t, 1, c.summary.Failed)
	assert.Equal(t, 1, c.summary.Skipped)
	require.Len(t, c.summary.FailedCases(), 1)
	assert.Equal(t, "PlayerTests.Fall", c.summary.FailedCases()[0].Name)
}

func TestExecuteBothRunsSequentially(t *testing.T) {
	runner := &fakeRunner{
		cases: map[types.Platform][]types.CaseResult{
			types.PlatformEditMode: {{Name: "A.Edit", Status: types.CasePassed}},
			types.PlatformPlayMode: {
				{Name: "A.Play", Status: types.CasePassed},
				{Name: "B.Play", Status: types.CaseFailed},
			},
		},
	}
	e := NewTestExecutor(runner, zerolog.Nop())

	req := &types.TestRequest{ID: 2, RequestType: types.RequestTypeAll, Platform: types.PlatformBoth}
	c := runAndWait(t, e, req)

	require.NoError(t, c.err)
	assert.Equal(t, 3, c.summary.Total)
	assert.Equal(t, 2, c.summary.Passed)
	assert.Equal(t, 1, c.summary.Failed)

	filters := runner.seenFilters()
	require.Len(t, filters, 2)
	assert.Equal(t, types.PlatformEditMode, filters[0].Platform)
	assert.Equal(t, types.PlatformPlayMode, filters[1].Platform)
}

func TestExecuteRunnerError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("compilation failed")}
	e := NewTestExecutor(runner, zerolog.Nop())

	req := &types.TestRequest{ID: 3, RequestType: types.RequestTypeAll, Platform: types.PlatformEditMode}
	c := runAndWait(t, e, req)

	require.Error(t, c.err)
	assert.True(t, IsExecutionError(c.err))
	assert.Contains(t, c.err.Error(), "compilation failed")
}

func TestExecuteRunnerPanic(t *testing.T) {
	runner := &fakeRunner{panics: true}
	e := NewTestExecutor(runner, zerolog.Nop())

	req := &types.TestRequest{ID: 4, RequestType: types.RequestTypeAll, Platform: types.PlatformEditMode}
	c := runAndWait(t, e, req)

	require.Error(t, c.err)
	assert.True(t, IsExecutionError(c.err))
	assert.Contains(t, c.err.Error(), "panicked")
}

func TestExecuteBothStopsAfterFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("editor crashed")}
	e := NewTestExecutor(runner, zerolog.Nop())

	req := &types.TestRequest{ID: 5, RequestType: types.RequestTypeAll, Platform: types.PlatformBoth}
	c := runAndWait(t, e, req)

	require.Error(t, c.err)
	assert.Len(t, runner.seenFilters(), 1, "second platform should not run after a failure")
}
