package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/perspec/coordinator/export"
	"github.com/perspec/coordinator/types"
)

// Exit codes the editor reports from a batchmode test run.
const (
	editorExitPassed      = 0
	editorExitTestsFailed = 1
)

// BatchmodeConfig locates the editor binary and the project it operates
// on.
type BatchmodeConfig struct {
	EditorPath  string
	ProjectPath string
	WorkDir     string // scratch space for result and log files
}

// BatchmodeRunner runs tests by launching the editor in batchmode and
// reading back the NUnit result document it writes. Each Run is a fresh
// editor process; startup cost is high but isolation is total.
type BatchmodeRunner struct {
	cfg BatchmodeConfig
	log zerolog.Logger
}

// NewBatchmodeRunner creates a runner for a headless editor install.
func NewBatchmodeRunner(cfg BatchmodeConfig, logger zerolog.Logger) (*BatchmodeRunner, error) {
	if cfg.EditorPath == "" {
		return nil, fmt.Errorf("editor path is required")
	}
	if cfg.ProjectPath == "" {
		return nil, fmt.Errorf("project path is required")
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	return &BatchmodeRunner{
		cfg: cfg,
		log: logger.With().Str("component", "batchmode").Logger(),
	}, nil
}

// Run implements HostRunner.
func (r *BatchmodeRunner) Run(ctx context.Context, f Filter, cb RunCallbacks) error {
	if err := os.MkdirAll(r.cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}
	resultFile := filepath.Join(r.cfg.WorkDir, fmt.Sprintf("batchmode_%s.xml", f.Platform))
	logFile := filepath.Join(r.cfg.WorkDir, fmt.Sprintf("batchmode_%s.log", f.Platform))

	args := []string{
		"-batchmode",
		"-projectPath", r.cfg.ProjectPath,
		"-runTests",
		"-testPlatform", string(f.Platform),
		"-testResults", resultFile,
		"-logFile", logFile,
	}
	if f.ExactName != "" {
		args = append(args, "-testFilter", f.ExactName)
	}
	if f.Category != "" {
		args = append(args, "-testCategory", f.Category)
	}

	r.log.Info().Str("platform", string(f.Platform)).Str("result_file", resultFile).Msg("launching editor")
	cmd := exec.CommandContext(ctx, r.cfg.EditorPath, args...)
	runErr := cmd.Run()

	exitCode := editorExitPassed
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if runErr != nil {
		return fmt.Errorf("failed to launch editor: %w", runErr)
	}

	// Exit code 1 means test failures, which the result document already
	// records case by case. Anything else is the editor itself breaking.
	if exitCode != editorExitPassed && exitCode != editorExitTestsFailed {
		return fmt.Errorf("editor exited with code %d, see %s", exitCode, logFile)
	}

	parsed, err := export.ParseFile(resultFile)
	if err != nil {
		return fmt.Errorf("editor produced no readable result document: %w", err)
	}

	if cb.RunStarted != nil {
		cb.RunStarted(parsed.Total)
	}
	for _, c := range parsed.Cases {
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
	return nil
}

// BatchmodeImporter triggers asset imports by launching the editor with
// no test arguments, which reimports anything stale on startup. The
// editor gives no per-path confirmation, so outcomes are unconfirmed
// unless nothing needed importing at all.
type BatchmodeImporter struct {
	cfg BatchmodeConfig
	log zerolog.Logger
}

// NewBatchmodeImporter creates an importer for a headless editor install.
func NewBatchmodeImporter(cfg BatchmodeConfig, logger zerolog.Logger) (*BatchmodeImporter, error) {
	if cfg.EditorPath == "" {
		return nil, fmt.Errorf("editor path is required")
	}
	if cfg.ProjectPath == "" {
		return nil, fmt.Errorf("project path is required")
	}
	return &BatchmodeImporter{
		cfg: cfg,
		log: logger.With().Str("component", "batchmode-importer").Logger(),
	}, nil
}

// ImportPaths implements AssetImporter. Batchmode has no selective
// import surface; missing paths are reported so the caller can fall back.
func (i *BatchmodeImporter) ImportPaths(ctx context.Context, paths []string, opts types.ImportOptions) (types.RefreshOutcome, error) {
	for _, p := range paths {
		abs := filepath.Join(i.cfg.ProjectPath, p)
		if _, err := os.Stat(abs); err != nil {
			return types.RefreshUnconfirmed, fmt.Errorf("path does not exist: %s", p)
		}
	}
	return i.Refresh(ctx, opts)
}

// Refresh implements AssetImporter.
func (i *BatchmodeImporter) Refresh(ctx context.Context, opts types.ImportOptions) (types.RefreshOutcome, error) {
	args := []string{"-batchmode", "-quit", "-projectPath", i.cfg.ProjectPath}
	if opts == types.ImportSynchronous {
		args = append(args, "-importPackageSynchronously")
	}
	i.log.Info().Msg("launching editor for asset refresh")
	cmd := exec.CommandContext(ctx, i.cfg.EditorPath, args...)
	if err := cmd.Run(); err != nil {
		return types.RefreshUnconfirmed, fmt.Errorf("editor refresh run failed: %w", err)
	}
	return types.RefreshCompleted, nil
}
