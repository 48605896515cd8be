package cmd

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Doomsbay/MagKit/magkit/config"
	"github.com/Doomsbay/MagKit/magkit/refdb"
)

func runFetchDB(args []string) {
	fs := flag.NewFlagSet("fetch-db", flag.ExitOnError)
	configPath := fs.String("config", "", "TOML configuration file")
	names := fs.String("db", strings.Join(refdb.KnownNames(), ","), "Databases to resolve")
	progressOn := fs.Bool("progress", true, "Show download progress")
	force := fs.Bool("force", false, "Re-fetch even when the cached copy verifies")
	verbose := fs.Bool("verbose", false, "Debug logging")
	if err := fs.Parse(args); err != nil {
		fatalf("parse args failed: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("load config failed: %v", err)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resolved, err := refdb.Resolve(ctx, cfg.Databases, splitList(*names), refdb.Options{
		CacheDir: cfg.Fetch.CacheDir,
		Retries:  cfg.Fetch.Retries,
		Backoff:  cfg.Fetch.Backoff.Duration,
		Progress: *progressOn,
		Logger:   logger,
		Force:    *force,
	})
	if err != nil {
		fatalf("database resolution failed: %v", err)
	}

	for _, name := range refdb.KnownNames() {
		if path, ok := resolved[name]; ok {
			logf("%s -> %s", name, path)
		}
	}
}
