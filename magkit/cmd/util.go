package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func logf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// expandInputs turns a comma-separated list of paths and globs into the
// concrete genome file list.
func expandInputs(value string) ([]string, error) {
	var genomes []string
	for _, pattern := range splitList(value) {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad input pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			if _, err := os.Stat(pattern); err != nil {
				return nil, fmt.Errorf("input not found: %s", pattern)
			}
			matches = []string{pattern}
		}
		genomes = append(genomes, matches...)
	}
	if len(genomes) == 0 {
		return nil, fmt.Errorf("no input genomes")
	}
	return genomes, nil
}
