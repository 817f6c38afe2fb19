package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sakif/submission-runner/internal/folders"
)

func newBatchCommand(st *cliState) *cobra.Command {
	var (
		inputFile string
		parent    string
		workers   int
	)

	cmd := &cobra.Command{
		Use:   "batch [folder...]",
		Short: "Run every submission folder against one input file",
		Long: `Run a batch of submission folders one after another and print the
report. Each folder must contain a Python (.py) source file.

Examples:
  # Explicit folders
  grader batch alice/ bob/ --input tests/case1.txt

  # Every subfolder of a directory
  grader batch --parent submissions/ --input tests/case1.txt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := args
			if parent != "" {
				if len(args) > 0 {
					return errors.New("pass folders or --parent, not both")
				}
				var err error
				if paths, err = folders.List(parent); err != nil {
					return err
				}
			}
			if len(paths) == 0 {
				return errors.New("no submission folders given")
			}

			if cmd.Flags().Changed("workers") {
				st.cfg.BatchWorkers = workers
			}

			a, err := st.build(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Runs.RunBatch(cmd.Context(), paths, inputFile)
			if err != nil {
				return err
			}
			printReport(cmd, report)
			okColor.Fprintf(cmd.ErrOrStderr(), "✓ batch of %d finished\n", len(paths))
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputFile, "input", "i", "", "Input file given to every submission (required)")
	cmd.Flags().StringVarP(&parent, "parent", "p", "", "Run every immediate subfolder of this directory")
	cmd.Flags().IntVarP(&workers, "workers", "w", 1, "Submissions to run at once")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func newFoldersCommand(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "folders <parent>",
		Short: "List the submission folders under a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs, err := folders.List(args[0])
			if err != nil {
				return err
			}
			for _, d := range dirs {
				fmt.Fprintln(cmd.OutOrStdout(), d)
			}
			if len(dirs) == 0 {
				warnColor.Fprintln(cmd.ErrOrStderr(), "no folders found")
			}
			return nil
		},
	}
}
