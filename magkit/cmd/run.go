package cmd

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/Doomsbay/MagKit/magkit/config"
	"github.com/Doomsbay/MagKit/magkit/invoke"
	"github.com/Doomsbay/MagKit/magkit/refdb"
	"github.com/Doomsbay/MagKit/magkit/report"
	"github.com/Doomsbay/MagKit/magkit/shuttle"
)

func runRefine(args []string) {
	runWorkflows("refine", []string{shuttle.WorkflowRefine}, args)
}

func runAnnotate(args []string) {
	runWorkflows("annotate", []string{shuttle.WorkflowAnnotate}, args)
}

func runBoth(args []string) {
	runWorkflows("run", []string{shuttle.WorkflowRefine, shuttle.WorkflowAnnotate}, args)
}

func runWorkflows(name string, selected []string, args []string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "TOML configuration file")
	input := fs.String("input", "", "Genome FASTA file(s): comma-separated paths or globs")
	outDir := fs.String("outdir", "magkit_out", "Output directory")
	workers := fs.Int("workers", 0, "Parallel genome pipelines (0 uses the config value)")
	keepWork := fs.Bool("keep-work", false, "Keep per-stage scratch directories")
	progressOn := fs.Bool("progress", true, "Show progress bars")
	verbose := fs.Bool("verbose", false, "Debug logging")
	if err := fs.Parse(args); err != nil {
		fatalf("parse args failed: %v", err)
	}

	if *input == "" {
		fatalf("input is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("load config failed: %v", err)
	}
	if *workers > 0 {
		cfg.Run.Workers = *workers
	}
	if *keepWork {
		cfg.Run.KeepWork = true
	}

	genomes, err := expandInputs(*input)
	if err != nil {
		fatalf("resolve inputs failed: %v", err)
	}

	// Tool presence is checked once, up front; a missing executable is a
	// startup error, never a mid-run retry.
	for _, tool := range toolsFor(cfg.Tools, selected) {
		if !invoke.LookPath(tool) {
			fatalf("required executable not found on PATH: %s", tool)
		}
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbs, err := refdb.Resolve(ctx, cfg.Databases, shuttle.DatabasesFor(selected), refdb.Options{
		CacheDir: cfg.Fetch.CacheDir,
		Retries:  cfg.Fetch.Retries,
		Backoff:  cfg.Fetch.Backoff.Duration,
		Progress: *progressOn,
		Logger:   logger,
	})
	if err != nil {
		fatalf("database resolution failed: %v", err)
	}

	reportEvery := 0
	if *progressOn {
		reportEvery = 1
	}
	bar := newProgress(len(genomes), reportEvery)

	runID := uuid.NewString()
	results, err := shuttle.Run(ctx, shuttle.Request{
		Workflows: selected,
		Genomes:   genomes,
		OutDir:    *outDir,
		Databases: dbs,
	}, shuttle.Options{
		Runner:       &invoke.Exec{Logger: logger},
		Tools:        cfg.Tools,
		Workers:      cfg.Run.Workers,
		KeepWork:     cfg.Run.KeepWork,
		RunID:        runID,
		Logger:       logger,
		OnGenomeDone: bar.increment,
	})
	bar.finish()
	if err != nil {
		if ctx.Err() != nil {
			fatalf("interrupted, in-flight tools terminated")
		}
		fatalf("run failed: %v", err)
	}

	markerSetSize := 0
	if dbs[refdb.MarkerGene] != "" {
		markerSetSize, err = report.CountMarkers(dbs[refdb.MarkerGene])
		if err != nil {
			logf("Warning: marker set size unknown: %v", err)
		}
	}

	rows := make([]report.Row, 0, len(results))
	anyFailed := false
	for _, res := range results {
		in := res.Input()
		rows = append(rows, report.Summarize(in, markerSetSize))
		anyFailed = anyFailed || in.FullyFailed()

		geneTable := filepath.Join(*outDir, res.Genome, "genes.tsv")
		if err := report.WriteGeneTSV(geneTable, report.GeneTable(in, logger)); err != nil {
			fatalf("write gene table for %s failed: %v", res.Genome, err)
		}
	}

	reportTSV := filepath.Join(*outDir, "report.tsv")
	if err := report.WriteTSV(reportTSV, rows); err != nil {
		fatalf("write report failed: %v", err)
	}
	if err := report.WriteParquet(filepath.Join(*outDir, "report.parquet"), rows); err != nil {
		fatalf("write parquet report failed: %v", err)
	}
	if err := report.WriteManifest(filepath.Join(*outDir, "manifest.json"), buildManifest(runID, selected, genomes, cfg, dbs)); err != nil {
		fatalf("write manifest failed: %v", err)
	}

	summarize(rows)
	logf("Report written -> %s", reportTSV)
	if anyFailed {
		os.Exit(1)
	}
}

func toolsFor(tools config.Tools, selected []string) []string {
	needed := []string{tools.GenePredictor}
	for _, wf := range selected {
		switch wf {
		case shuttle.WorkflowRefine:
			needed = append(needed, tools.HMMSearch)
		case shuttle.WorkflowAnnotate:
			needed = append(needed, tools.SeqSearch)
		}
	}
	seen := make(map[string]bool, len(needed))
	var out []string
	for _, tool := range needed {
		if !seen[tool] {
			seen[tool] = true
			out = append(out, tool)
		}
	}
	return out
}

func buildManifest(runID string, selected, genomes []string, cfg config.Config, dbs map[string]string) report.Manifest {
	info := make(map[string]report.DatabaseInfo, len(dbs))
	for name, path := range dbs {
		spec := cfg.Databases[name]
		info[name] = report.DatabaseInfo{
			Path:    path,
			Version: spec.Version,
			SHA256:  spec.SHA256,
		}
	}
	ids := make([]string, 0, len(genomes))
	for _, g := range genomes {
		ids = append(ids, shuttle.GenomeID(g))
	}
	return report.Manifest{
		RunID:     runID,
		CreatedAt: time.Now().UTC(),
		Workflows: selected,
		Genomes:   ids,
		Databases: info,
	}
}

// summarize prints the end-of-run outcome per genome: fully failed genomes
// drive a non-zero exit, partial failures only warn.
func summarize(rows []report.Row) {
	var ok, partial, failed int
	for _, row := range rows {
		switch {
		case row.Status == "ok":
			ok++
		case strings.HasPrefix(row.Status, "failed:"):
			failed++
		default:
			partial++
		}
	}
	logf("Genomes: %d ok, %d partial, %d failed", ok, partial, failed)
	for _, row := range rows {
		if row.Status == "ok" {
			continue
		}
		logf("  %s: %s", row.Genome, row.Status)
		for _, stage := range row.FailedStages {
			logf("    %s", stage)
		}
	}
}
