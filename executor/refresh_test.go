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

type fakeImporter struct {
	mu            sync.Mutex
	importedPaths [][]string
	refreshes     int

	importOutcome  types.RefreshOutcome
	importErr      error
	refreshOutcome types.RefreshOutcome
	refreshErr     error
	panics         bool
}

func (i *fakeImporter) ImportPaths(_ context.Context, paths []string, _ types.ImportOptions) (types.RefreshOutcome, error) {
	i.mu.Lock()
	i.importedPaths = append(i.importedPaths, paths)
	i.mu.Unlock()
	if i.panics {
		panic("importer exploded")
	}
	return i.importOutcome, i.importErr
}

func (i *fakeImporter) Refresh(context.Context, types.ImportOptions) (types.RefreshOutcome, error) {
	i.mu.Lock()
	i.refreshes++
	i.mu.Unlock()
	if i.panics {
		panic("importer exploded")
	}
	return i.refreshOutcome, i.refreshErr
}

type refreshCompletion struct {
	outcome types.RefreshOutcome
	note    string
	err     error
}

func refreshAndWait(t *testing.T, e *RefreshExecutor, req *types.RefreshRequest) refreshCompletion {
	t.Helper()
	done := make(chan refreshCompletion, 1)
	e.Execute(context.Background(), req, func(outcome types.RefreshOutcome, note string, _ time.Duration, err error) {
		done <- refreshCompletion{outcome: outcome, note: note, err: err}
	})
	select {
	case c := <-done:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for refresh completion")
		return refreshCompletion{}
	}
}

func TestRefreshSelectivePaths(t *testing.T) {
	imp := &fakeImporter{importOutcome: types.RefreshCompleted}
	e := NewRefreshExecutor(imp, zerolog.Nop())

	req := &types.RefreshRequest{
		ID:          1,
		RefreshType: types.RefreshSelective,
		Paths:       `["Assets/Scripts/Player.cs","Assets/Prefabs/Player.prefab"]`,
	}
	c := refreshAndWait(t, e, req)

	require.NoError(t, c.err)
	assert.Equal(t, types.RefreshCompleted, c.outcome)
	require.Len(t, imp.importedPaths, 1)
	assert.Equal(t, []string{"Assets/Scripts/Player.cs", "Assets/Prefabs/Player.prefab"}, imp.importedPaths[0])
	assert.Zero(t, imp.refreshes)
	assert.Empty(t, c.note)
}

func TestRefreshSelectiveFallsBackToFull(t *testing.T) {
	imp := &fakeImporter{
		importErr:      errors.New("path does not exist: Assets/Gone.cs"),
		refreshOutcome: types.RefreshCompleted,
	}
	e := NewRefreshExecutor(imp, zerolog.Nop())

	req := &types.RefreshRequest{
		ID:          2,
		RefreshType: types.RefreshSelective,
		Paths:       `["Assets/Gone.cs"]`,
	}
	c := refreshAndWait(t, e, req)

	require.NoError(t, c.err)
	assert.Equal(t, types.RefreshCompleted, c.outcome)
	assert.Len(t, imp.importedPaths, 1)
	assert.Equal(t, 1, imp.refreshes)
	assert.Contains(t, c.note, "selective import failed")
}

func TestRefreshFull(t *testing.T) {
	imp := &fakeImporter{refreshOutcome: types.RefreshNoOp}
	e := NewRefreshExecutor(imp, zerolog.Nop())

	req := &types.RefreshRequest{ID: 3, RefreshType: types.RefreshFull}
	c := refreshAndWait(t, e, req)

	require.NoError(t, c.err)
	assert.Equal(t, types.RefreshNoOp, c.outcome)
	assert.Empty(t, imp.importedPaths)
	assert.Equal(t, 1, imp.refreshes)
}

func TestRefreshMalformedPathsBecomesFull(t *testing.T) {
	imp := &fakeImporter{refreshOutcome: types.RefreshCompleted}
	e := NewRefreshExecutor(imp, zerolog.Nop())

	req := &types.RefreshRequest{
		ID:          4,
		RefreshType: types.RefreshSelective,
		Paths:       `{not json`,
	}
	c := refreshAndWait(t, e, req)

	require.NoError(t, c.err)
	assert.Empty(t, imp.importedPaths)
	assert.Equal(t, 1, imp.refreshes)
	assert.Contains(t, c.note, "path list unreadable")
}

func TestRefreshSelectiveWithoutPathsDegrades(t *testing.T) {
	imp := &fakeImporter{refreshOutcome: types.RefreshCompleted}
	e := NewRefreshExecutor(imp, zerolog.Nop())

	req := &types.RefreshRequest{ID: 7, RefreshType: types.RefreshSelective}
	c := refreshAndWait(t, e, req)

	require.NoError(t, c.err)
	assert.Empty(t, imp.importedPaths)
	assert.Equal(t, 1, imp.refreshes)
	assert.Contains(t, c.note, "no paths given")
}

func TestRefreshImporterPanic(t *testing.T) {
	imp := &fakeImporter{panics: true}
	e := NewRefreshExecutor(imp, zerolog.Nop())

	req := &types.RefreshRequest{ID: 5, RefreshType: types.RefreshFull}
	c := refreshAndWait(t, e, req)

	require.Error(t, c.err)
	assert.True(t, IsExecutionError(c.err))
	assert.Equal(t, types.RefreshUnconfirmed, c.outcome)
}

func TestRefreshImporterError(t *testing.T) {
	imp := &fakeImporter{refreshErr: errors.New("editor unavailable")}
	e := NewRefreshExecutor(imp, zerolog.Nop())

	req := &types.RefreshRequest{ID: 6, RefreshType: types.RefreshFull}
	c := refreshAndWait(t, e, req)

	require.Error(t, c.err)
	assert.True(t, IsExecutionError(c.err))
}
