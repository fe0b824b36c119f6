package coordinator

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/perspec/coordinator/capture"
	"github.com/perspec/coordinator/flags"
)

// Config holds the daemon configuration
type Config struct {
	DBPath      string
	ProjectPath string
	EditorPath  string
	ExportDir   string
	WorkDir     string

	PollInterval  time.Duration // Interval between queue checks
	DrainInterval time.Duration // Interval between console capture flushes
	Retention     time.Duration // How long log rows are kept before pruning

	Truncation capture.TruncatorConfig

	HealthzAddr string
	MetricsAddr string

	Log zerolog.Logger
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, logger zerolog.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	projectPath, err := filepath.Abs(ctx.String(flags.ProjectPath.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project path: %w", err)
	}

	dbPath := ctx.String(flags.DBPath.Name)
	if dbPath == "" {
		dbPath = "coordinator.db"
	}
	dbPath, err = filepath.Abs(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database path: %w", err)
	}

	exportDir := ctx.String(flags.ExportDir.Name)
	if exportDir == "" {
		exportDir = "test-results"
	}
	exportDir, err = filepath.Abs(exportDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve export directory: %w", err)
	}

	truncation := capture.TruncatorConfig{ProjectRoot: projectPath}
	if path := ctx.String(flags.TruncationConfig.Name); path != "" {
		truncation, err = loadTruncationConfig(path)
		if err != nil {
			return nil, err
		}
		if truncation.ProjectRoot == "" {
			truncation.ProjectRoot = projectPath
		}
	}

	pollInterval := ctx.Duration(flags.PollInterval.Name)
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	return &Config{
		DBPath:        dbPath,
		ProjectPath:   projectPath,
		EditorPath:    ctx.String(flags.EditorPath.Name),
		ExportDir:     exportDir,
		WorkDir:       ctx.String(flags.WorkDir.Name),
		PollInterval:  pollInterval,
		DrainInterval: ctx.Duration(flags.DrainInterval.Name),
		Retention:     ctx.Duration(flags.Retention.Name),
		Truncation:    truncation,
		HealthzAddr:   ctx.String(flags.HealthzAddr.Name),
		MetricsAddr:   ctx.String(flags.MetricsAddr.Name),
		Log:           logger,
	}, nil
}

func loadTruncationConfig(path string) (capture.TruncatorConfig, error) {
	var cfg capture.TruncatorConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read truncation config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse truncation config %s: %w", path, err)
	}
	return cfg, nil
}
