package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/perspec/coordinator/types"
)

// AssetImporter is the host's asset database surface. ImportPaths imports
// the named assets; Refresh rescans the whole project. Both report the
// observed outcome so callers can distinguish a confirmed completion from
// a fire-and-forget trigger.
type AssetImporter interface {
	ImportPaths(ctx context.Context, paths []string, opts types.ImportOptions) (types.RefreshOutcome, error)
	Refresh(ctx context.Context, opts types.ImportOptions) (types.RefreshOutcome, error)
}

// RefreshExecutor drives the asset importer for one refresh request at a
// time.
type RefreshExecutor struct {
	importer AssetImporter
	log      zerolog.Logger
}

// NewRefreshExecutor creates an executor around an asset importer.
func NewRefreshExecutor(importer AssetImporter, logger zerolog.Logger) *RefreshExecutor {
	return &RefreshExecutor{
		importer: importer,
		log:      logger.With().Str("component", "refresh-executor").Logger(),
	}
}

// Execute runs a refresh request asynchronously. onComplete is invoked
// exactly once, from a background goroutine. The note reports any
// degradation applied along the way, empty when the request ran as asked.
func (e *RefreshExecutor) Execute(ctx context.Context, req *types.RefreshRequest, onComplete func(outcome types.RefreshOutcome, note string, duration time.Duration, err error)) {
	go func() {
		start := time.Now()
		outcome, note, err := e.executeOne(ctx, req)
		onComplete(outcome, note, time.Since(start), err)
	}()
}

func (e *RefreshExecutor) executeOne(ctx context.Context, req *types.RefreshRequest) (outcome types.RefreshOutcome, note string, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = types.RefreshUnconfirmed
			err = &ExecutionError{Err: fmt.Errorf("asset importer panicked: %v", r)}
		} else if err != nil && !IsExecutionError(err) {
			err = &ExecutionError{Err: err}
		}
	}()

	opts := req.ImportOptions

	if req.RefreshType == types.RefreshSelective {
		paths, decodeErr := decodePaths(req.Paths)
		switch {
		case decodeErr != nil:
			e.log.Warn().Err(decodeErr).Int64("request_id", req.ID).
				Msg("stored path list unreadable, degrading to full refresh")
			note = "degraded to full refresh: path list unreadable"
		case len(paths) == 0:
			e.log.Warn().Int64("request_id", req.ID).
				Msg("selective refresh has no paths, degrading to full refresh")
			note = "degraded to full refresh: no paths given"
		default:
			e.log.Info().Int64("request_id", req.ID).Int("paths", len(paths)).Msg("importing assets")
			outcome, err = e.importer.ImportPaths(ctx, paths, opts)
			if err == nil {
				return outcome, "", nil
			}
			// A bad path list should not fail the request outright; a full
			// rescan covers whatever the selective import could not.
			e.log.Warn().Err(err).Int64("request_id", req.ID).Msg("selective import failed, falling back to full refresh")
			note = fmt.Sprintf("degraded to full refresh: selective import failed: %v", err)
		}
	} else {
		e.log.Info().Int64("request_id", req.ID).Msg("refreshing asset database")
	}

	outcome, err = e.importer.Refresh(ctx, opts)
	return outcome, note, err
}

// decodePaths reports malformed stored path lists instead of hiding them;
// the caller decides how to degrade.
func decodePaths(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var paths []string
	if err := json.Unmarshal([]byte(raw), &paths); err != nil {
		return nil, fmt.Errorf("failed to decode path list: %w", err)
	}
	out := paths[:0]
	for _, p := range paths {
		if p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}
