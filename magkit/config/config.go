// Package config loads the MagKit run configuration. Settings come from an
// optional TOML file; command-line flags override file values and defaults
// fill whatever remains.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Doomsbay/MagKit/magkit/refdb"
)

// Duration wraps time.Duration so TOML values can be written as "2h" or "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Fetch controls reference-database downloads.
type Fetch struct {
	// Number of fetch attempts before a database is reported unavailable.
	Retries int `toml:"retries"`

	// Delay before the first retry; doubles on each subsequent attempt.
	Backoff Duration `toml:"backoff"`

	// Root of the shared on-disk database cache. The cache persists
	// across runs and is safe to share between concurrent invocations.
	CacheDir string `toml:"cache_dir"`
}

// Tools names the external executables and their invocation limits.
type Tools struct {
	// Gene predictor binary (prodigal-compatible CLI).
	GenePredictor string `toml:"gene_predictor"`

	// Profile-HMM search binary (hmmsearch-compatible CLI).
	HMMSearch string `toml:"hmm_search"`

	// Sequence similarity search binary (mmseqs-compatible CLI).
	SeqSearch string `toml:"seq_search"`

	// Wall-clock limit per tool invocation. A stage that exceeds it is
	// killed and recorded as timed out.
	Timeout Duration `toml:"timeout"`

	// E-value threshold passed to the profile-HMM search.
	EValue string `toml:"evalue"`
}

// Run controls pipeline scheduling.
type Run struct {
	// Maximum number of genome pipelines executing at once.
	Workers int `toml:"workers"`

	// Keep per-stage working files after a successful run.
	KeepWork bool `toml:"keep_work"`
}

// Config is the full run configuration.
type Config struct {
	Databases map[string]refdb.Spec `toml:"databases"`
	Fetch     Fetch                 `toml:"fetch"`
	Tools     Tools                 `toml:"tools"`
	Run       Run                   `toml:"run"`
}

// Default returns the built-in configuration. Database sources carry no
// default: they are deployment-specific and must come from the config file.
func Default() Config {
	return Config{
		Databases: map[string]refdb.Spec{},
		Fetch: Fetch{
			Retries:  3,
			Backoff:  Duration{2 * time.Second},
			CacheDir: "magkit_dbs",
		},
		Tools: Tools{
			GenePredictor: "prodigal",
			HMMSearch:     "hmmsearch",
			SeqSearch:     "mmseqs",
			Timeout:       Duration{2 * time.Hour},
			EValue:        "1e-5",
		},
		Run: Run{
			Workers: 4,
		},
	}
}

// Load reads the TOML file at path over the defaults. An empty path returns
// the defaults untouched.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	for _, key := range meta.Undecoded() {
		return Config{}, fmt.Errorf("config %s: unknown key %q", path, key)
	}
	for name := range cfg.Databases {
		if !refdb.KnownName(name) {
			return Config{}, fmt.Errorf("config %s: unknown database %q", path, name)
		}
	}
	if cfg.Run.Workers < 1 {
		return Config{}, fmt.Errorf("config %s: workers must be >= 1", path)
	}
	return cfg, nil
}
