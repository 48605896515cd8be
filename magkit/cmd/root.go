package cmd

import (
	"fmt"
	"os"
)

func Execute(args []string) {
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "refine":
		runRefine(args[1:])
	case "annotate":
		runAnnotate(args[1:])
	case "run":
		runBoth(args[1:])
	case "fetch-db":
		runFetchDB(args[1:])
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "MagKit - MAG refinement and annotation tools")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  magkit <command> [options]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  refine     Gene prediction + marker-gene search, completeness/contamination scoring")
	fmt.Fprintln(os.Stderr, "  annotate   Gene prediction + protein and repeat searches, functional annotation")
	fmt.Fprintln(os.Stderr, "  run        Both workflows in one pass (gene prediction runs once per genome)")
	fmt.Fprintln(os.Stderr, "  fetch-db   Resolve reference databases into the local cache")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Run 'magkit <command> -h' for command-specific options.")
}
