package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	coordinator "github.com/perspec/coordinator"
	"github.com/perspec/coordinator/exitcodes"
	"github.com/perspec/coordinator/flags"
	"github.com/perspec/coordinator/service"
	"github.com/perspec/coordinator/store"
	"github.com/perspec/coordinator/types"
)

var (
	Version   = "v0.3.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "coordinator"
	app.Usage = "Editor test coordination daemon"
	app.Description = "coordinator queues, executes and records editor test runs and asset refreshes"
	app.Commands = []*cli.Command{
		serveCommand(),
		runCommand(),
		refreshCommand(),
		cancelCommand(),
		logsCommand(),
		initDBCommand(),
	}
	app.ExitErrHandler = func(c *cli.Context, err error) {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			cli.HandleExitCoder(exitErr)
		} else if err != nil {
			if coordinator.IsRuntimeError(err) {
				cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.RuntimeErr))
			} else if coordinator.IsTestFailureError(err) {
				cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.TestFailure))
			} else {
				cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.TestFailure))
			}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitcodes.RuntimeErr)
	}
}

func newLogger(ctx *cli.Context) zerolog.Logger {
	level, err := zerolog.ParseLevel(ctx.String(flags.LogLevel.Name))
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if ctx.String(flags.LogFormat.Name) == "json" {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func setup(ctx *cli.Context) (*coordinator.Config, zerolog.Logger, error) {
	logger := newLogger(ctx)
	cfg, err := coordinator.NewConfig(ctx, logger)
	if err != nil {
		return nil, logger, coordinator.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
	}
	return cfg, logger, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the coordination daemon until interrupted",
		Flags: flags.Flags,
		Action: func(ctx *cli.Context) error {
			cfg, logger, err := setup(ctx)
			if err != nil {
				return err
			}

			otelShutdown, err := otelconfig.ConfigureOpenTelemetry(
				otelconfig.WithServiceName("coordinator"),
				otelconfig.WithServiceVersion(Version),
			)
			if err != nil {
				logger.Warn().Err(err).Msg("telemetry disabled")
			} else {
				defer otelShutdown()
			}

			coord, err := coordinator.New(ctx.Context, cfg, Version)
			if err != nil {
				return coordinator.NewRuntimeError(err)
			}
			if err := coord.Start(ctx.Context); err != nil {
				return err
			}

			svc := service.New(service.Config{
				HealthzAddr: cfg.HealthzAddr,
				MetricsAddr: cfg.MetricsAddr,
				Status:      coord.Status,
				Log:         logger,
			})
			svc.Start(ctx.Context)

			// SIGHUP forces a queue re-scan, for when artifacts or the
			// database were restored underneath a running daemon.
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			go func() {
				for range hup {
					logger.Info().Msg("SIGHUP received, re-running recovery")
					if err := coord.Recover(ctx.Context); err != nil {
						logger.Warn().Err(err).Msg("recovery failed")
					}
				}
			}()

			<-ctx.Context.Done()
			logger.Info().Msg("shutdown signal received")

			svc.Shutdown()
			return coord.Stop(context.Background())
		},
	}
}

func runCommand() *cli.Command {
	cmdFlags := append([]cli.Flag{
		&cli.StringFlag{Name: "type", Value: "all", Usage: "Request type: all, class, method, category"},
		&cli.StringFlag{Name: "filter", Usage: "Class name, fully qualified method, or category"},
		&cli.StringFlag{Name: "platform", Value: "EditMode", Usage: "Test platform: EditMode, PlayMode, Both"},
		&cli.IntFlag{Name: "priority", Usage: "Queue priority, higher runs first"},
		&cli.BoolFlag{Name: "wait", Value: true, Usage: "Execute the request and wait for the result; with --wait=false, only enqueue"},
	}, flags.Flags...)

	return &cli.Command{
		Name:  "run",
		Usage: "Enqueue a test request, execute it, and exit with the run's result",
		Flags: cmdFlags,
		Action: func(ctx *cli.Context) error {
			cfg, logger, err := setup(ctx)
			if err != nil {
				return err
			}

			req := types.NewTestRequest{
				RequestType: types.RequestType(ctx.String("type")),
				TestFilter:  ctx.String("filter"),
				Platform:    types.Platform(ctx.String("platform")),
				Priority:    ctx.Int("priority"),
			}
			if err := req.Validate(); err != nil {
				return coordinator.NewRuntimeError(err)
			}

			// Enqueue-only mode leaves execution to a running daemon.
			if !ctx.Bool("wait") {
				st, err := store.Open(cfg.DBPath, logger)
				if err != nil {
					return coordinator.NewRuntimeError(err)
				}
				defer st.Close()
				id, err := st.EnqueueTest(ctx.Context, req)
				if err != nil {
					return coordinator.NewRuntimeError(err)
				}
				fmt.Printf("enqueued test request %d\n", id)
				return nil
			}

			coord, err := coordinator.New(ctx.Context, cfg, Version)
			if err != nil {
				return coordinator.NewRuntimeError(err)
			}
			if err := coord.Start(ctx.Context); err != nil {
				return err
			}
			defer coord.Stop(context.Background()) //nolint:errcheck

			_, err = coord.RunAndWait(ctx.Context, req)
			return err
		},
	}
}

func refreshCommand() *cli.Command {
	cmdFlags := append([]cli.Flag{
		&cli.StringSliceFlag{Name: "path", Usage: "Asset path to import; repeat for several, omit for a full refresh"},
		&cli.StringFlag{Name: "options", Value: "default", Usage: "Import options: default, synchronous, force_update"},
		&cli.IntFlag{Name: "priority", Usage: "Queue priority, higher runs first"},
		&cli.BoolFlag{Name: "wait", Value: true, Usage: "Execute the refresh and wait for the result; with --wait=false, only enqueue"},
	}, flags.Flags...)

	return &cli.Command{
		Name:  "refresh",
		Usage: "Enqueue an asset refresh, execute it, and exit",
		Flags: cmdFlags,
		Action: func(ctx *cli.Context) error {
			cfg, logger, err := setup(ctx)
			if err != nil {
				return err
			}

			paths := ctx.StringSlice("path")
			refreshType := types.RefreshFull
			if len(paths) > 0 {
				refreshType = types.RefreshSelective
			}
			req := types.NewRefreshRequest{
				RefreshType:   refreshType,
				Paths:         paths,
				ImportOptions: types.ImportOptions(ctx.String("options")),
				Priority:      ctx.Int("priority"),
			}
			if err := req.Validate(); err != nil {
				return coordinator.NewRuntimeError(err)
			}

			if !ctx.Bool("wait") {
				st, err := store.Open(cfg.DBPath, logger)
				if err != nil {
					return coordinator.NewRuntimeError(err)
				}
				defer st.Close()
				id, err := st.EnqueueRefresh(ctx.Context, req)
				if err != nil {
					return coordinator.NewRuntimeError(err)
				}
				fmt.Printf("enqueued refresh request %d\n", id)
				return nil
			}

			coord, err := coordinator.New(ctx.Context, cfg, Version)
			if err != nil {
				return coordinator.NewRuntimeError(err)
			}
			if err := coord.Start(ctx.Context); err != nil {
				return err
			}
			defer coord.Stop(context.Background()) //nolint:errcheck

			result, err := coord.RefreshAndWait(ctx.Context, req)
			if err != nil {
				return err
			}
			logger.Info().Str("result", result.ResultMessage).Msg("refresh finished")
			return nil
		},
	}
}

func cancelCommand() *cli.Command {
	cmdFlags := append([]cli.Flag{
		&cli.Int64Flag{Name: "id", Required: true, Usage: "Request id to cancel"},
		&cli.BoolFlag{Name: "refresh", Usage: "Cancel a refresh request instead of a test request"},
		&cli.StringFlag{Name: "reason", Value: "cancelled by operator", Usage: "Reason recorded on the request"},
	}, flags.Flags...)

	return &cli.Command{
		Name:  "cancel",
		Usage: "Cancel a pending or running request",
		Flags: cmdFlags,
		Action: func(ctx *cli.Context) error {
			cfg, logger, err := setup(ctx)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.DBPath, logger)
			if err != nil {
				return coordinator.NewRuntimeError(err)
			}
			defer st.Close()

			id := ctx.Int64("id")
			var cancelled bool
			if ctx.Bool("refresh") {
				cancelled, err = st.CancelRefresh(ctx.Context, id, ctx.String("reason"))
			} else {
				cancelled, err = st.CancelTest(ctx.Context, id, ctx.String("reason"))
			}
			if err != nil {
				return coordinator.NewRuntimeError(err)
			}
			if !cancelled {
				return coordinator.NewRuntimeError(fmt.Errorf("request %d is not pending or running", id))
			}
			fmt.Printf("cancelled request %d\n", id)
			return nil
		},
	}
}

func logsCommand() *cli.Command {
	cmdFlags := append([]cli.Flag{
		&cli.StringFlag{Name: "session", Usage: "Only logs from this capture session"},
		&cli.StringFlag{Name: "level", Usage: "Only logs at this level: Info, Warning, Error, Exception, Assert"},
		&cli.Int64Flag{Name: "request-id", Usage: "Only logs captured during this test request"},
		&cli.IntFlag{Name: "limit", Value: 100, Usage: "Maximum number of entries"},
	}, flags.Flags...)

	return &cli.Command{
		Name:  "logs",
		Usage: "Print captured console logs from the database",
		Flags: cmdFlags,
		Action: func(ctx *cli.Context) error {
			cfg, logger, err := setup(ctx)
			if err != nil {
				return err
			}

			st, err := store.Open(cfg.DBPath, logger)
			if err != nil {
				return coordinator.NewRuntimeError(err)
			}
			defer st.Close()

			query := store.ConsoleLogQuery{
				SessionID: ctx.String("session"),
				Level:     types.LogLevel(ctx.String("level")),
				Limit:     ctx.Int("limit"),
			}
			if ctx.IsSet("request-id") {
				id := ctx.Int64("request-id")
				query.RequestID = &id
			}

			entries, err := st.ConsoleLogs(ctx.Context, query)
			if err != nil {
				return coordinator.NewRuntimeError(err)
			}
			for _, e := range entries {
				fmt.Printf("%s [%s] %s\n", e.Timestamp.Format(time.RFC3339), e.Level, e.Message)
				if e.TruncatedStack != "" {
					fmt.Println(indent(e.TruncatedStack, "    "))
				}
			}
			return nil
		},
	}
}

func initDBCommand() *cli.Command {
	return &cli.Command{
		Name:  "init-db",
		Usage: "Create the database schema and exit",
		Flags: flags.Flags,
		Action: func(ctx *cli.Context) error {
			cfg, logger, err := setup(ctx)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.DBPath, logger)
			if err != nil {
				return coordinator.NewRuntimeError(err)
			}
			defer st.Close()
			logger.Info().Str("db", cfg.DBPath).Msg("database initialized")
			return nil
		},
	}
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
