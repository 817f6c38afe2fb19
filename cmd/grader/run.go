package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sakif/submission-runner/internal/apperror"
)

func newRunCommand(st *cliState) *cobra.Command {
	var (
		inputFile string
		readStdin bool
	)

	cmd := &cobra.Command{
		Use:   "run <code-file>",
		Short: "Run one submission and print its result",
		Long: `Run a single source file in a fresh sandbox.

Examples:
  # Input from a file
  grader run solution.py --input input.txt

  # Input piped in
  echo 42 | grader run solution.py --stdin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}

			var input []byte
			switch {
			case readStdin && inputFile != "":
				return errors.New("--input and --stdin are mutually exclusive")
			case readStdin:
				input, err = io.ReadAll(cmd.InOrStdin())
			case inputFile != "":
				input, err = os.ReadFile(inputFile)
			}
			if err != nil {
				return fmt.Errorf("reading input: %w", err)
			}

			a, err := st.build(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			out, err := a.Runs.RunSubmission(cmd.Context(), string(code), string(input))
			if err != nil {
				printRunError(cmd, err)
				return err
			}
			okColor.Fprintln(cmd.ErrOrStderr(), "✓ run succeeded")
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputFile, "input", "i", "", "File whose contents are the submission's input")
	cmd.Flags().BoolVar(&readStdin, "stdin", false, "Read the submission's input from stdin")
	return cmd
}

// printRunError adds the captured stderr of a failed submission, which the
// error text alone does not carry.
func printRunError(cmd *cobra.Command, err error) {
	w := cmd.ErrOrStderr()
	errColor.Fprintln(w, "✗ run failed")

	var exitErr *apperror.ExitError
	if errors.As(err, &exitErr) && exitErr.Stderr != "" {
		headerColor.Fprintln(w, "stderr:")
		fmt.Fprintln(w, exitErr.Stderr)
	}
}
