package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sakif/submission-runner/internal/app"
	"github.com/sakif/submission-runner/internal/config"
)

// cliState is filled by the root command's PersistentPreRunE.
type cliState struct {
	cfg     *config.Config
	logger  *slog.Logger
	verbose bool
}

func newRootCommand() *cobra.Command {
	st := &cliState{}

	root := &cobra.Command{
		Use:   "grader",
		Short: "Run untrusted submissions in sandboxed containers",
		Long: `grader runs code submissions inside network-less, resource-capped
containers and prints their results.

Configuration comes from the environment (and .env), the same keys the
server reads: RUNTIME, CONTAINER_BIN, RUNNER_IMAGE, RUN_TIMEOUT, ...`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if st.verbose {
				cfg.LogLevel = slog.LevelDebug
			}
			st.cfg = cfg
			// Logs go to stderr so reports on stdout stay pipeable.
			st.logger = cfg.NewLogger(cmd.ErrOrStderr())
			return nil
		},
	}

	root.PersistentFlags().BoolVarP(&st.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		newRunCommand(st),
		newBatchCommand(st),
		newFoldersCommand(st),
		newServeCommand(st),
		newTokenCommand(st),
	)
	return root
}

// build wires the runner for a one-shot command. Recovery is left to the
// server so a CLI run never fails the server's in-flight runs.
func (st *cliState) build(ctx context.Context) (*app.App, error) {
	return app.Build(ctx, st.cfg, app.Options{}, st.logger)
}

var (
	headerColor = color.New(color.Bold)
	okColor     = color.New(color.FgGreen, color.Bold)
	errColor    = color.New(color.FgRed, color.Bold)
	warnColor   = color.New(color.FgYellow, color.Bold)
)

// printReport writes a batch report, highlighting section headers and
// per-submission outcomes.
func printReport(cmd *cobra.Command, report string) {
	w := cmd.OutOrStdout()
	for _, line := range strings.SplitAfter(report, "\n") {
		switch {
		case strings.HasPrefix(line, "--- Running Submission:"):
			headerColor.Fprint(w, line)
		case strings.HasPrefix(line, "Result for "):
			okColor.Fprint(w, line)
		case strings.HasPrefix(line, "Error for "), strings.HasPrefix(line, "Error: "):
			errColor.Fprint(w, line)
		case strings.HasPrefix(line, "Run cancelled"):
			warnColor.Fprint(w, line)
		default:
			fmt.Fprint(w, line)
		}
	}
}
