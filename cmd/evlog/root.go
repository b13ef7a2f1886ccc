package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/codewandler/evlog-go/core/es"
	"github.com/codewandler/evlog-go/internal/backend"
	"github.com/codewandler/evlog-go/internal/config"
)

type app struct {
	verbose bool
	backend string
	output  string

	cfg config.Config
	log *slog.Logger
	out io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "evlog",
		Short: "Append-only event log with optimistic concurrency",
		Long: `evlog stores versioned facts per aggregate and rebuilds current or
historical state by folding them. Backends are selected with EVLOG_BACKEND or --backend.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.out = cmd.OutOrStdout()

			cfg, err := config.Parse()
			if err != nil {
				return err
			}
			if a.backend != "" {
				cfg.Backend = config.Backend(a.backend)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			a.cfg = cfg

			level, _ := cfg.Level()
			if a.verbose {
				level = slog.LevelDebug
			}
			a.log = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			slog.SetDefault(a.log)

			switch a.output {
			case outputTable, outputJSON, outputYAML:
			default:
				return fmt.Errorf("unknown output format %q", a.output)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&a.backend, "backend", "", "Backend: memory, sqlite, postgres, nats or redis (overrides EVLOG_BACKEND)")
	rootCmd.PersistentFlags().StringVarP(&a.output, "output", "o", outputTable, "Output format: table, json or yaml")

	rootCmd.AddCommand(
		newAppendCmd(a),
		newHistoryCmd(a),
		newOrderCmd(a),
		newLoadtestCmd(a),
	)
	return rootCmd
}

// withLog opens the configured backend for the duration of fn.
func (a *app) withLog(ctx context.Context, fn func(l es.EventLog) error) error {
	l, closeLog, err := backend.Open(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeLog(); err != nil {
			a.log.Warn("close backend", slog.Any("error", err))
		}
	}()
	return fn(l)
}

func (a *app) opts() []es.Option {
	return []es.Option{es.WithLog(a.log)}
}
