package main

import (
	"fmt"
	"io"
	"os"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

// githubOutputEnv names the file GitHub Actions collects step outputs from
const githubOutputEnv = "GITHUB_OUTPUT"

type output = lo.Entry[string, string]

func kv(key string, value any) output {
	return output{Key: key, Value: fmt.Sprint(value)}
}

// emit prints results as KEY=value lines on stdout, and appends them to the
// GitHub Actions output file when there is one.
func emit(cmd *cobra.Command, outputs ...output) error {
	if err := writeOutputs(cmd.OutOrStdout(), outputs); err != nil {
		return err
	}

	path := os.Getenv(githubOutputEnv)
	if path == "" {
		return nil
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", githubOutputEnv, err)
	}
	defer file.Close()

	return writeOutputs(file, outputs)
}

func writeOutputs(w io.Writer, outputs []output) error {
	for _, output := range outputs {
		if _, err := fmt.Fprintf(w, "%s=%s\n", output.Key, output.Value); err != nil {
			return fmt.Errorf("failed to write output '%s': %w", output.Key, err)
		}
	}
	return nil
}
