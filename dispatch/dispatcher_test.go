package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perspec/coordinator/export"
	"github.com/perspec/coordinator/types"
)

type testFinish struct {
	status        types.RequestStatus
	summary       types.RunSummary
	errMsg        string
	resultSummary string
}

type refreshFinish struct {
	status    types.RequestStatus
	resultMsg string
	errMsg    string
}

type fakeStore struct {
	mu               sync.Mutex
	pendingTests     []*types.TestRequest
	pendingRefreshes []*types.RefreshRequest
	runningTests     []*types.TestRequest
	runningRefreshes []*types.RefreshRequest
	rejectClaims     map[int64]bool
	cancelledMidRun  map[int64]bool

	testFinishes    map[int64]testFinish
	refreshFinishes map[int64]refreshFinish
	cases           map[int64][]types.CaseResult
	journal         []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rejectClaims:    map[int64]bool{},
		cancelledMidRun: map[int64]bool{},
		testFinishes:    map[int64]testFinish{},
		refreshFinishes: map[int64]refreshFinish{},
		cases:           map[int64][]types.CaseResult{},
	}
}

func (s *fakeStore) NextPendingTest(context.Context) (*types.TestRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pendingTests) == 0 {
		return nil, nil
	}
	r := *s.pendingTests[0]
	return &r, nil
}

func (s *fakeStore) MarkTestRunning(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.pendingTests {
		if r.ID == id {
			s.pendingTests = append(s.pendingTests[:i], s.pendingTests[i+1:]...)
			return !s.rejectClaims[id], nil
		}
	}
	return false, nil
}

func (s *fakeStore) FinishTest(_ context.Context, id int64, status types.RequestStatus, summary types.RunSummary, errMsg, resultSummary string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelledMidRun[id] {
		return false, nil
	}
	s.testFinishes[id] = testFinish{status: status, summary: summary, errMsg: errMsg, resultSummary: resultSummary}
	return true, nil
}

func (s *fakeStore) InsertCaseResults(_ context.Context, requestID int64, cases []types.CaseResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cases[requestID] = append(s.cases[requestID], cases...)
	return nil
}

func (s *fakeStore) RunningTests(context.Context) ([]*types.TestRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.TestRequest(nil), s.runningTests...), nil
}

func (s *fakeStore) NextPendingRefresh(context.Context) (*types.RefreshRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pendingRefreshes) == 0 {
		return nil, nil
	}
	r := *s.pendingRefreshes[0]
	return &r, nil
}

func (s *fakeStore) MarkRefreshRunning(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.pendingRefreshes {
		if r.ID == id {
			s.pendingRefreshes = append(s.pendingRefreshes[:i], s.pendingRefreshes[i+1:]...)
			return !s.rejectClaims[id], nil
		}
	}
	return false, nil
}

func (s *fakeStore) FinishRefresh(_ context.Context, id int64, status types.RequestStatus, _ time.Duration, resultMsg, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelledMidRun[id] {
		return false, nil
	}
	s.refreshFinishes[id] = refreshFinish{status: status, resultMsg: resultMsg, errMsg: errMsg}
	return true, nil
}

func (s *fakeStore) RunningRefreshes(context.Context) ([]*types.RefreshRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.RefreshRequest(nil), s.runningRefreshes...), nil
}

func (s *fakeStore) AppendExecutionLog(_ context.Context, _ *int64, _ types.ExecutionLogLevel, _, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = append(s.journal, message)
	return nil
}

func (s *fakeStore) PruneConsoleLogs(context.Context, time.Duration) (int64, error)   { return 0, nil }
func (s *fakeStore) PruneExecutionLogs(context.Context, time.Duration) (int64, error) { return 0, nil }

func (s *fakeStore) journalEntries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.journal...)
}

func (s *fakeStore) testFinish(id int64) (testFinish, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.testFinishes[id]
	return f, ok
}

func (s *fakeStore) refreshFinish(id int64) (refreshFinish, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.refreshFinishes[id]
	return f, ok
}

// scriptedTestRunner completes each request with a preset result, or
// holds it until released.
type scriptedTestRunner struct {
	mu       sync.Mutex
	started  []int64
	summary  types.RunSummary
	err      error
	hold     bool
	releases []func()
}

func (r *scriptedTestRunner) Execute(_ context.Context, req *types.TestRequest, onComplete func(types.RunSummary, error)) {
	r.mu.Lock()
	r.started = append(r.started, req.ID)
	complete := func() { onComplete(r.summary, r.err) }
	if r.hold {
		r.releases = append(r.releases, complete)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	go complete()
}

func (r *scriptedTestRunner) startedIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.started...)
}

func (r *scriptedTestRunner) release() {
	r.mu.Lock()
	releases := r.releases
	r.releases = nil
	r.mu.Unlock()
	for _, fn := range releases {
		go fn()
	}
}

type scriptedRefreshRunner struct {
	mu      sync.Mutex
	started []int64
	outcome types.RefreshOutcome
	note    string
	err     error
	hold    bool
}

func (r *scriptedRefreshRunner) Execute(_ context.Context, req *types.RefreshRequest, onComplete func(types.RefreshOutcome, string, time.Duration, error)) {
	r.mu.Lock()
	r.started = append(r.started, req.ID)
	hold := r.hold
	r.mu.Unlock()
	if !hold {
		go onComplete(r.outcome, r.note, 10*time.Millisecond, r.err)
	}
}

func (r *scriptedRefreshRunner) startedIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.started...)
}

type fakeCapture struct {
	mu     sync.Mutex
	active []int64
	clears int
	drains atomic.Int64
}

func (c *fakeCapture) SetActiveRequest(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = append(c.active, id)
}

func (c *fakeCapture) ClearActiveRequest() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clears++
}

func (c *fakeCapture) Drain(context.Context) (int, error) {
	c.drains.Add(1)
	return 0, nil
}

func newTestDispatcher(t *testing.T, store *fakeStore, tests TestRunner, refreshes RefreshRunner) (*Dispatcher, *fakeCapture) {
	t.Helper()
	exporter, err := export.New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	capture := &fakeCapture{}
	d, err := New(Config{
		Store:         store,
		Tests:         tests,
		Refreshes:     refreshes,
		Exporter:      exporter,
		Capture:       capture,
		Log:           zerolog.Nop(),
		DrainInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	return d, capture
}

func startDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() {
		d.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.WaitForShutdown(ctx)
	})
}

func TestDispatchCompletesTestRequest(t *testing.T) {
	store := newFakeStore()
	store.pendingTests = []*types.TestRequest{
		{ID: 1, RequestType: types.RequestTypeAll, Platform: types.PlatformEditMode, Status: types.StatusPending},
	}
	runner := &scriptedTestRunner{summary: types.RunSummary{
		Total: 2, Passed: 2,
		Cases: []types.CaseResult{
			{Name: "A.One", Status: types.CasePassed},
			{Name: "A.Two", Status: types.CasePassed},
		},
	}}
	d, capture := newTestDispatcher(t, store, runner, &scriptedRefreshRunner{})
	startDispatcher(t, d)

	require.Eventually(t, func() bool {
		_, ok := store.testFinish(1)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	f, _ := store.testFinish(1)
	assert.Equal(t, types.StatusCompleted, f.status)
	assert.Empty(t, f.errMsg)
	assert.Contains(t, f.resultSummary, "2/2 passed")

	store.mu.Lock()
	assert.Len(t, store.cases[1], 2)
	store.mu.Unlock()

	capture.mu.Lock()
	assert.Equal(t, []int64{1}, capture.active)
	assert.Equal(t, 1, capture.clears)
	capture.mu.Unlock()
}

func TestDispatchAtMostOneTestRunning(t *testing.T) {
	store := newFakeStore()
	store.pendingTests = []*types.TestRequest{
		{ID: 1, RequestType: types.RequestTypeAll, Platform: types.PlatformEditMode},
		{ID: 2, RequestType: types.RequestTypeAll, Platform: types.PlatformEditMode},
	}
	runner := &scriptedTestRunner{hold: true}
	d, _ := newTestDispatcher(t, store, runner, &scriptedRefreshRunner{})
	startDispatcher(t, d)

	require.Eventually(t, func() bool {
		return len(runner.startedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// More wakes while busy must not start the second request.
	for i := 0; i < 5; i++ {
		d.Wake()
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []int64{1}, runner.startedIDs())

	runner.release()
	require.Eventually(t, func() bool {
		return len(runner.startedIDs()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{1, 2}, runner.startedIDs())
}

func TestDispatchSkipsRequestCancelledBeforeClaim(t *testing.T) {
	store := newFakeStore()
	store.pendingTests = []*types.TestRequest{
		{ID: 1, RequestType: types.RequestTypeAll, Platform: types.PlatformEditMode},
		{ID: 2, RequestType: types.RequestTypeAll, Platform: types.PlatformEditMode},
	}
	store.rejectClaims[1] = true
	runner := &scriptedTestRunner{summary: types.RunSummary{Total: 1, Passed: 1}}
	d, _ := newTestDispatcher(t, store, runner, &scriptedRefreshRunner{})
	startDispatcher(t, d)

	require.Eventually(t, func() bool {
		_, ok := store.testFinish(2)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{2}, runner.startedIDs(), "cancelled request must never reach the runner")
}

func TestDispatchExecutionFailure(t *testing.T) {
	store := newFakeStore()
	store.pendingTests = []*types.TestRequest{
		{ID: 5, RequestType: types.RequestTypeAll, Platform: types.PlatformEditMode},
	}
	runner := &scriptedTestRunner{err: errors.New("compilation failed")}
	d, _ := newTestDispatcher(t, store, runner, &scriptedRefreshRunner{})
	startDispatcher(t, d)

	require.Eventually(t, func() bool {
		_, ok := store.testFinish(5)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	f, _ := store.testFinish(5)
	assert.Equal(t, types.StatusFailed, f.status)
	assert.Contains(t, f.errMsg, "compilation failed")
}

func TestDispatchCaseFailuresStayCompleted(t *testing.T) {
	store := newFakeStore()
	store.pendingTests = []*types.TestRequest{
		{ID: 6, RequestType: types.RequestTypeAll, Platform: types.PlatformEditMode},
	}
	runner := &scriptedTestRunner{summary: types.RunSummary{
		Total: 2, Passed: 1, Failed: 1,
		Cases: []types.CaseResult{
			{Name: "A.One", Status: types.CasePassed},
			{Name: "A.Two", Status: types.CaseFailed, Message: "boom"},
		},
	}}
	d, _ := newTestDispatcher(t, store, runner, &scriptedRefreshRunner{})
	startDispatcher(t, d)

	require.Eventually(t, func() bool {
		_, ok := store.testFinish(6)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	f, _ := store.testFinish(6)
	assert.Equal(t, types.StatusCompleted, f.status, "failing cases are a completed run, not a failed request")
	assert.Empty(t, f.errMsg)
}

func TestDispatchDiscardsResultWhenCancelledMidRun(t *testing.T) {
	store := newFakeStore()
	store.pendingTests = []*types.TestRequest{
		{ID: 4, RequestType: types.RequestTypeAll, Platform: types.PlatformEditMode},
		{ID: 5, RequestType: types.RequestTypeAll, Platform: types.PlatformEditMode},
	}
	store.cancelledMidRun[4] = true
	runner := &scriptedTestRunner{summary: types.RunSummary{Total: 1, Passed: 1}}
	d, _ := newTestDispatcher(t, store, runner, &scriptedRefreshRunner{})
	startDispatcher(t, d)

	// The cancelled row keeps its terminal status and the slot frees up
	// for the next request.
	require.Eventually(t, func() bool {
		_, ok := store.testFinish(5)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := store.testFinish(4)
	assert.False(t, ok, "late result must not overwrite the cancelled row")
	assert.Contains(t, store.journalEntries(), "request cancelled while running, late result discarded")
}

func TestDispatchJournalsUnknownRequestType(t *testing.T) {
	store := newFakeStore()
	store.pendingTests = []*types.TestRequest{
		{ID: 3, RequestType: "bogus", Platform: types.PlatformEditMode},
	}
	runner := &scriptedTestRunner{summary: types.RunSummary{Total: 1, Passed: 1}}
	d, _ := newTestDispatcher(t, store, runner, &scriptedRefreshRunner{})
	startDispatcher(t, d)

	require.Eventually(t, func() bool {
		_, ok := store.testFinish(3)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	var found bool
	for _, msg := range store.journalEntries() {
		if strings.Contains(msg, `unknown request type "bogus"`) {
			found = true
		}
	}
	assert.True(t, found, "degraded filter must be journaled")
}

func TestDispatchRefreshOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		outcome     types.RefreshOutcome
		err         error
		wantStatus  types.RequestStatus
		wantMessage string
	}{
		{"no-op", types.RefreshNoOp, nil, types.StatusCompleted, "no assets needed importing"},
		{"completed", types.RefreshCompleted, nil, types.StatusCompleted, "asset refresh completed"},
		{"unconfirmed", types.RefreshUnconfirmed, nil, types.StatusCompleted, "not confirmed"},
		{"error", "", errors.New("editor unavailable"), types.StatusFailed, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			store.pendingRefreshes = []*types.RefreshRequest{
				{ID: 9, RefreshType: types.RefreshFull},
			}
			refresher := &scriptedRefreshRunner{outcome: tt.outcome, err: tt.err}
			d, _ := newTestDispatcher(t, store, &scriptedTestRunner{}, refresher)
			startDispatcher(t, d)

			require.Eventually(t, func() bool {
				_, ok := store.refreshFinish(9)
				return ok
			}, 2*time.Second, 10*time.Millisecond)

			f, _ := store.refreshFinish(9)
			assert.Equal(t, tt.wantStatus, f.status)
			if tt.wantMessage != "" {
				assert.Contains(t, f.resultMsg, tt.wantMessage)
			}
			if tt.err != nil {
				assert.Contains(t, f.errMsg, tt.err.Error())
			}
		})
	}
}

func TestDispatchRefreshNoteReachesResultMessage(t *testing.T) {
	store := newFakeStore()
	store.pendingRefreshes = []*types.RefreshRequest{
		{ID: 11, RefreshType: types.RefreshSelective, Paths: `{not json`},
	}
	refresher := &scriptedRefreshRunner{
		outcome: types.RefreshCompleted,
		note:    "degraded to full refresh: path list unreadable",
	}
	d, _ := newTestDispatcher(t, store, &scriptedTestRunner{}, refresher)
	startDispatcher(t, d)

	require.Eventually(t, func() bool {
		_, ok := store.refreshFinish(11)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	f, _ := store.refreshFinish(11)
	assert.Equal(t, types.StatusCompleted, f.status)
	assert.Contains(t, f.resultMsg, "asset refresh completed")
	assert.Contains(t, f.resultMsg, "degraded to full refresh")
}

func TestDispatchTestAndRefreshRunIndependently(t *testing.T) {
	store := newFakeStore()
	store.pendingTests = []*types.TestRequest{
		{ID: 1, RequestType: types.RequestTypeAll, Platform: types.PlatformEditMode},
	}
	store.pendingRefreshes = []*types.RefreshRequest{
		{ID: 2, RefreshType: types.RefreshFull},
	}
	runner := &scriptedTestRunner{hold: true}
	refresher := &scriptedRefreshRunner{hold: true}
	d, _ := newTestDispatcher(t, store, runner, refresher)
	startDispatcher(t, d)

	require.Eventually(t, func() bool {
		return len(runner.startedIDs()) == 1 && len(refresher.startedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond, "one test and one refresh should run at the same time")
}

func TestRecoverOrphans(t *testing.T) {
	dir := t.TempDir()
	exporter, err := export.New(dir, zerolog.Nop())
	require.NoError(t, err)

	// Request 7 finished before the crash: its artifact is on disk.
	summary := types.RunSummary{Total: 3, Passed: 3}
	summary.Cases = []types.CaseResult{
		{Name: "A.One", Class: "A", Method: "One", Status: types.CasePassed},
		{Name: "A.Two", Class: "A", Method: "Two", Status: types.CasePassed},
		{Name: "A.Three", Class: "A", Method: "Three", Status: types.CasePassed},
	}
	_, err = exporter.Export(export.Run{
		RequestID:   7,
		Platform:    types.PlatformEditMode,
		StartedAt:   time.Now().Add(-time.Minute),
		CompletedAt: time.Now(),
		Summary:     summary,
	})
	require.NoError(t, err)

	store := newFakeStore()
	store.runningTests = []*types.TestRequest{
		{ID: 7, Platform: types.PlatformEditMode, Status: types.StatusRunning},
		{ID: 8, Platform: types.PlatformEditMode, Status: types.StatusRunning},
	}
	store.runningRefreshes = []*types.RefreshRequest{
		{ID: 3, RefreshType: types.RefreshFull, Status: types.StatusRunning},
	}

	d, err := New(Config{
		Store:     store,
		Tests:     &scriptedTestRunner{},
		Refreshes: &scriptedRefreshRunner{},
		Exporter:  exporter,
		Capture:   &fakeCapture{},
		Log:       zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, d.RecoverOrphans(context.Background()))

	f7, ok := store.testFinish(7)
	require.True(t, ok)
	assert.Equal(t, types.StatusCompleted, f7.status)
	assert.Equal(t, 3, f7.summary.Passed)
	assert.Contains(t, f7.resultSummary, filepath.Join(dir, "TestResults_EditMode_req7.xml"))

	f8, ok := store.testFinish(8)
	require.True(t, ok)
	assert.Equal(t, types.StatusFailed, f8.status)
	assert.Contains(t, f8.errMsg, "no result found after restart")

	r3, ok := store.refreshFinish(3)
	require.True(t, ok)
	assert.Equal(t, types.StatusFailed, r3.status)
	assert.Contains(t, r3.errMsg, "no result found after restart")
}

func TestDispatchContextCancelReleasesPost(t *testing.T) {
	store := newFakeStore()
	d, _ := newTestDispatcher(t, store, &scriptedTestRunner{}, &scriptedRefreshRunner{})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))
	cancel()

	require.Eventually(t, d.Stopped, 2*time.Second, 10*time.Millisecond)

	// A late executor completion must not block once the loop is gone,
	// even after the call buffer would have filled.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 64; i++ {
			d.Post(func() {})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Post blocked after context cancellation")
	}

	d.Stop() // no-op, must not panic

	wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer wcancel()
	require.NoError(t, d.WaitForShutdown(wctx))
}

func TestDispatchDrainsCapturePeriodically(t *testing.T) {
	store := newFakeStore()
	d, capture := newTestDispatcher(t, store, &scriptedTestRunner{}, &scriptedRefreshRunner{})
	startDispatcher(t, d)

	require.Eventually(t, func() bool {
		return capture.drains.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}
