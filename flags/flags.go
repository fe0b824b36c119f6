package flags

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"
)

const EnvVarPrefix = "COORDINATOR"

// prefixEnvVar turns a flag name into its environment variable name,
// e.g. "db-path" becomes "COORDINATOR_DB_PATH".
func prefixEnvVar(name string) []string {
	return []string{EnvVarPrefix + "_" + strings.ReplaceAll(strings.ToUpper(name), "-", "_")}
}

var (
	DBPath = &cli.StringFlag{
		Name:    "db-path",
		Value:   "coordinator.db",
		EnvVars: prefixEnvVar("db-path"),
		Usage:   "Path to the SQLite database holding the request queues",
	}
	ProjectPath = &cli.StringFlag{
		Name:     "project-path",
		Value:    "",
		Required: true,
		EnvVars:  prefixEnvVar("project-path"),
		Usage:    "Path to the editor project root",
	}
	EditorPath = &cli.StringFlag{
		Name:    "editor-path",
		Value:   "",
		EnvVars: prefixEnvVar("editor-path"),
		Usage:   "Path to the editor binary used for batchmode runs",
	}
	ExportDir = &cli.StringFlag{
		Name:    "export-dir",
		Value:   "test-results",
		EnvVars: prefixEnvVar("export-dir"),
		Usage:   "Directory where result documents and summaries are written",
	}
	WorkDir = &cli.StringFlag{
		Name:    "work-dir",
		Value:   "",
		EnvVars: prefixEnvVar("work-dir"),
		Usage:   "Scratch directory for batchmode result and log files (defaults to the system temp dir)",
	}
	PollInterval = &cli.DurationFlag{
		Name:    "poll-interval",
		Value:   0,
		EnvVars: prefixEnvVar("poll-interval"),
		Usage:   "Interval between queue checks (e.g. '1s', '500ms')",
	}
	DrainInterval = &cli.DurationFlag{
		Name:    "drain-interval",
		Value:   0,
		EnvVars: prefixEnvVar("drain-interval"),
		Usage:   "Interval between console capture flushes to the database",
	}
	Retention = &cli.DurationFlag{
		Name:    "retention",
		Value:   0,
		EnvVars: prefixEnvVar("retention"),
		Usage:   "How long console and execution log rows are kept (e.g. '168h')",
	}
	TruncationConfig = &cli.StringFlag{
		Name:    "truncation-config",
		Value:   "",
		EnvVars: prefixEnvVar("truncation-config"),
		Usage:   "Path to a YAML file overriding stack trace truncation settings",
	}
	HealthzAddr = &cli.StringFlag{
		Name:    "healthz-addr",
		Value:   "",
		EnvVars: prefixEnvVar("healthz-addr"),
		Usage:   "Listen address for the health endpoint (e.g. '0.0.0.0:8080')",
	}
	MetricsAddr = &cli.StringFlag{
		Name:    "metrics-addr",
		Value:   "",
		EnvVars: prefixEnvVar("metrics-addr"),
		Usage:   "Listen address for the Prometheus metrics endpoint",
	}
	LogLevel = &cli.StringFlag{
		Name:    "log-level",
		Value:   "info",
		EnvVars: prefixEnvVar("log-level"),
		Usage:   "Log level: trace, debug, info, warn, error",
	}
	LogFormat = &cli.StringFlag{
		Name:    "log-format",
		Value:   "console",
		EnvVars: prefixEnvVar("log-format"),
		Usage:   "Log output format: console or json",
	}
)

var requiredFlags = []cli.Flag{
	ProjectPath,
}

var optionalFlags = []cli.Flag{
	DBPath,
	EditorPath,
	ExportDir,
	WorkDir,
	PollInterval,
	DrainInterval,
	Retention,
	TruncationConfig,
	HealthzAddr,
	MetricsAddr,
	LogLevel,
	LogFormat,
}

var Flags []cli.Flag

func init() {
	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
