// Package refdb maintains the local cache of reference databases that the
// analysis tools search against. A database is identified by name and
// version; once a cached artifact has been checksum-verified it is treated
// as immutable and is never re-fetched or deleted.
package refdb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/pgzip"
	"github.com/schollz/progressbar/v3"
)

// Database names form a closed set; anything else is a configuration error.
const (
	ProteinReference = "protein-reference"
	MarkerGene       = "marker-gene"
	RepeatReference  = "repeat-reference"
)

// KnownNames lists every database MagKit can resolve, in stable order.
func KnownNames() []string {
	return []string{MarkerGene, ProteinReference, RepeatReference}
}

// KnownName reports whether name is a database MagKit understands.
func KnownName(name string) bool {
	switch name {
	case ProteinReference, MarkerGene, RepeatReference:
		return true
	}
	return false
}

// Spec describes where a database comes from and how to recognize it.
type Spec struct {
	// Source is an http(s) URL or a local filesystem path.
	Source string `toml:"source"`

	// SHA256 is the expected hex digest of the final artifact, after any
	// unpacking.
	SHA256 string `toml:"sha256"`

	// Version tags the cache subdirectory so upgrades never overwrite a
	// cached copy in place.
	Version string `toml:"version"`

	// Unpack is "" for artifacts used as downloaded, or "gzip" when the
	// source is a .gz that must be decompressed before use.
	Unpack string `toml:"unpack"`
}

// Options controls cache location, retry policy, and reporting.
type Options struct {
	CacheDir  string
	Retries   int
	Backoff   time.Duration
	LockStale time.Duration
	Progress  bool
	Logger    *slog.Logger

	// Force re-fetches even when the cached artifact verifies.
	Force bool
}

func (o Options) withDefaults() Options {
	if o.CacheDir == "" {
		o.CacheDir = "magkit_dbs"
	}
	if o.Retries <= 0 {
		o.Retries = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = 2 * time.Second
	}
	if o.LockStale <= 0 {
		o.LockStale = 15 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

// UnavailableError reports that a database source could not be fetched after
// the configured number of attempts.
type UnavailableError struct {
	Name     string
	Source   string
	Attempts int
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("database %s unavailable after %d attempts (source %s): %v", e.Name, e.Attempts, e.Source, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// ChecksumError reports that an artifact repeatedly failed verification.
type ChecksumError struct {
	Name string
	Path string
	Want string
	Got  string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("database %s checksum mismatch at %s: want %s, got %s", e.Name, e.Path, e.Want, e.Got)
}

// Resolve ensures each named database exists in the cache with a verified
// checksum and returns name -> absolute artifact path. It is idempotent:
// when every requested database is already cached and valid, no network or
// unpack work happens. Concurrent resolvers for the same name serialize on a
// per-name lock file, and fetched artifacts only reach their final path via
// rename, so a cancelled run never leaves a partial artifact looking valid.
func Resolve(ctx context.Context, specs map[string]Spec, names []string, opts Options) (map[string]string, error) {
	opts = opts.withDefaults()

	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	resolved := make(map[string]string, len(sorted))
	var fetched bool
	for _, name := range sorted {
		if _, ok := resolved[name]; ok {
			continue
		}
		if !KnownName(name) {
			return nil, fmt.Errorf("unknown database %q", name)
		}
		spec, ok := specs[name]
		if !ok || spec.Source == "" {
			return nil, fmt.Errorf("database %q has no configured source", name)
		}
		if spec.SHA256 == "" {
			return nil, fmt.Errorf("database %q has no configured sha256", name)
		}
		path, didFetch, err := resolveOne(ctx, name, spec, opts)
		if err != nil {
			return nil, err
		}
		resolved[name] = path
		fetched = fetched || didFetch
	}

	if fetched {
		if err := writeManifest(opts.CacheDir); err != nil {
			opts.Logger.Warn("cache manifest not updated", "error", err)
		}
	}
	return resolved, nil
}

func resolveOne(ctx context.Context, name string, spec Spec, opts Options) (string, bool, error) {
	dir := filepath.Join(opts.CacheDir, name, versionDir(spec))
	final, err := filepath.Abs(filepath.Join(dir, artifactName(spec)))
	if err != nil {
		return "", false, fmt.Errorf("resolve cache path: %w", err)
	}

	if !opts.Force {
		if ok, _ := verified(final, spec.SHA256); ok {
			opts.Logger.Debug("database cached", "name", name, "path", final)
			return final, false, nil
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", false, fmt.Errorf("create cache dir: %w", err)
	}

	release, err := acquireLock(ctx, filepath.Join(opts.CacheDir, name+".lock"), opts.LockStale)
	if err != nil {
		return "", false, fmt.Errorf("lock database %s: %w", name, err)
	}
	defer release()

	// Another process may have completed the fetch while we waited.
	if !opts.Force {
		if ok, _ := verified(final, spec.SHA256); ok {
			return final, false, nil
		}
	}

	if err := fetchVerified(ctx, name, spec, final, opts); err != nil {
		return "", false, err
	}
	return final, true, nil
}

// fetchVerified downloads (or copies), unpacks, and verifies the artifact,
// retrying with doubling backoff. The final rename only happens after the
// checksum matches. The partial name is unique per fetcher so two resolvers
// can never interleave writes into one file.
func fetchVerified(ctx context.Context, name string, spec Spec, final string, opts Options) error {
	partial := fmt.Sprintf("%s.partial.%s", final, uuid.NewString())
	defer func() {
		_ = os.Remove(partial)
	}()
	delay := opts.Backoff

	var lastErr error
	var lastChecksum *ChecksumError
	for attempt := 1; attempt <= opts.Retries; attempt++ {
		if attempt > 1 {
			opts.Logger.Info("retrying database fetch", "name", name, "attempt", attempt, "backoff", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		err := fetchOnce(ctx, name, spec, partial, opts)
		if err != nil {
			if ctx.Err() != nil {
				_ = os.Remove(partial)
				return ctx.Err()
			}
			lastErr = err
			lastChecksum = nil
			continue
		}

		got, err := fileSHA256(partial)
		if err != nil {
			lastErr = err
			continue
		}
		if !strings.EqualFold(got, spec.SHA256) {
			_ = os.Remove(partial)
			lastChecksum = &ChecksumError{Name: name, Path: spec.Source, Want: strings.ToLower(spec.SHA256), Got: got}
			lastErr = lastChecksum
			continue
		}

		if err := os.Rename(partial, final); err != nil {
			return fmt.Errorf("finalize %s: %w", name, err)
		}
		marker := fmt.Sprintf("%s  %s\n", got, filepath.Base(final))
		if err := os.WriteFile(filepath.Join(filepath.Dir(final), ".sha256"), []byte(marker), 0o644); err != nil {
			return fmt.Errorf("write checksum marker: %w", err)
		}
		opts.Logger.Info("database fetched", "name", name, "version", spec.Version, "path", final)
		return nil
	}

	if lastChecksum != nil {
		return lastChecksum
	}
	return &UnavailableError{Name: name, Source: spec.Source, Attempts: opts.Retries, Err: lastErr}
}

func fetchOnce(ctx context.Context, name string, spec Spec, partial string, opts Options) error {
	raw := partial
	if spec.Unpack == "gzip" {
		raw = partial + ".gz"
	}

	var err error
	if isURL(spec.Source) {
		err = download(ctx, name, spec.Source, raw, opts)
	} else {
		err = copyLocal(spec.Source, raw)
	}
	if err != nil {
		_ = os.Remove(raw)
		return err
	}

	if spec.Unpack == "gzip" {
		if err := gunzip(raw, partial); err != nil {
			_ = os.Remove(raw)
			_ = os.Remove(partial)
			return fmt.Errorf("unpack %s: %w", name, err)
		}
		_ = os.Remove(raw)
	}
	return nil
}

func isURL(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

func download(ctx context.Context, name, url, dest string, opts Options) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: unexpected status %s", url, resp.Status)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create download target: %w", err)
	}
	defer func() {
		_ = out.Close()
	}()

	var w io.Writer = out
	if opts.Progress {
		bar := progressbar.DefaultBytes(resp.ContentLength, "fetch "+name)
		defer func() {
			_ = bar.Finish()
		}()
		w = io.MultiWriter(out, bar)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	return nil
}

func copyLocal(source, dest string) error {
	in, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer func() {
		_ = in.Close()
	}()
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create copy target: %w", err)
	}
	defer func() {
		_ = out.Close()
	}()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy source: %w", err)
	}
	return nil
}

func gunzip(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()
	gz, err := pgzip.NewReader(in)
	if err != nil {
		return err
	}
	defer func() {
		_ = gz.Close()
	}()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer func() {
		_ = out.Close()
	}()
	_, err = io.Copy(out, gz)
	return err
}

func verified(path, want string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return false, err
	}
	got, err := fileSHA256(path)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(got, want), nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for hashing: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func artifactName(spec Spec) string {
	base := filepath.Base(spec.Source)
	if spec.Unpack == "gzip" {
		base = strings.TrimSuffix(base, ".gz")
	}
	if base == "" || base == "." || base == "/" {
		base = "db"
	}
	return base
}

func versionDir(spec Spec) string {
	if spec.Version == "" {
		return "current"
	}
	return spec.Version
}

// acquireLock serializes resolution per database name across processes. The
// lock is an O_EXCL file; waiters poll, and locks older than stale are
// treated as leftovers from a killed run and broken.
func acquireLock(ctx context.Context, path string, stale time.Duration) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
			_ = f.Close()
			return func() {
				_ = os.Remove(path)
			}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
		if info, serr := os.Stat(path); serr == nil && time.Since(info.ModTime()) > stale {
			// Steal by rename: only one waiter's rename can succeed, so a
			// plain remove can never delete a successor's fresh lock.
			stolen := path + ".stale"
			if os.Rename(path, stolen) == nil {
				_ = os.Remove(stolen)
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// writeManifest regenerates SHA256SUMS.txt at the cache root from the
// per-version checksum markers, so the cache can be audited without
// re-hashing multi-gigabyte artifacts.
func writeManifest(cacheDir string) error {
	var lines []string
	for _, name := range KnownNames() {
		versions, err := os.ReadDir(filepath.Join(cacheDir, name))
		if err != nil {
			continue
		}
		for _, v := range versions {
			if !v.IsDir() {
				continue
			}
			marker, err := os.ReadFile(filepath.Join(cacheDir, name, v.Name(), ".sha256"))
			if err != nil {
				continue
			}
			entry := strings.TrimSpace(string(marker))
			if entry == "" {
				continue
			}
			fields := strings.Fields(entry)
			if len(fields) != 2 {
				continue
			}
			lines = append(lines, fmt.Sprintf("%s  %s", fields[0], filepath.ToSlash(filepath.Join(name, v.Name(), fields[1]))))
		}
	}
	sort.Strings(lines)

	path := filepath.Join(cacheDir, "SHA256SUMS.txt")
	tmp := fmt.Sprintf("%s.partial.%s", path, uuid.NewString())
	if err := os.WriteFile(tmp, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("finalize manifest: %w", err)
	}
	return nil
}
