// Package shuttle routes a validated request onto the tool pipelines. It
// owns stage ordering, artifact threading between stages, the per-genome
// worker pool, and failure isolation: a broken stage stops its own
// workflow for its own genome and nothing else.
package shuttle

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Doomsbay/MagKit/magkit/config"
	"github.com/Doomsbay/MagKit/magkit/invoke"
	"github.com/Doomsbay/MagKit/magkit/refdb"
	"github.com/Doomsbay/MagKit/magkit/report"
)

// Workflow and stage names form a closed set.
const (
	WorkflowRefine   = "refine"
	WorkflowAnnotate = "annotate"

	StagePredictGenes  = "predict-genes"
	StageMarkerSearch  = "marker-search"
	StageProteinSearch = "protein-search"
	StageRepeatSearch  = "repeat-search"
)

type stageDef struct {
	name     string
	database string
}

// workflows maps each workflow to its fixed stage sequence. Both workflows
// share predict-genes; the router runs it once per genome and feeds its
// artifact to every branch.
var workflows = map[string][]stageDef{
	WorkflowRefine: {
		{name: StagePredictGenes},
		{name: StageMarkerSearch, database: refdb.MarkerGene},
	},
	WorkflowAnnotate: {
		{name: StagePredictGenes},
		{name: StageProteinSearch, database: refdb.ProteinReference},
		{name: StageRepeatSearch, database: refdb.RepeatReference},
	},
}

// KnownWorkflow reports whether name is a routable workflow.
func KnownWorkflow(name string) bool {
	_, ok := workflows[name]
	return ok
}

// DatabasesFor returns the database names the given workflows depend on.
func DatabasesFor(names []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, wf := range names {
		for _, stage := range workflows[wf] {
			if stage.database != "" && !seen[stage.database] {
				seen[stage.database] = true
				out = append(out, stage.database)
			}
		}
	}
	return out
}

// UnresolvedDependencyError reports a stage whose database was not in the
// resolved set. This is a wiring bug or bad config, never a runtime
// condition, so it aborts the whole run.
type UnresolvedDependencyError struct {
	Workflow string
	Stage    string
	Database string
}

func (e *UnresolvedDependencyError) Error() string {
	return fmt.Sprintf("stage %s/%s requires unresolved database %s", e.Workflow, e.Stage, e.Database)
}

// Request is the read-only input to one routing run.
type Request struct {
	Workflows []string
	Genomes   []string
	OutDir    string

	// Databases maps database name to its verified local path, as
	// returned by refdb.Resolve.
	Databases map[string]string
}

// Options carries the collaborators and limits for a run.
type Options struct {
	Runner   invoke.Runner
	Tools    config.Tools
	Workers  int
	KeepWork bool
	RunID    string
	Logger   *slog.Logger

	// OnGenomeDone, when set, is called as each genome pipeline
	// finishes, for progress reporting.
	OnGenomeDone func()
}

// GenomeResult is everything one genome's pipelines produced.
type GenomeResult struct {
	Genome     string
	Path       string
	Stages     []report.StageStatus
	Genes      []report.Gene
	MarkerHits []report.MarkerHit
	TaxHits    []report.TaxHit
	RepeatHits []report.SearchHit
}

// Input adapts the result for the aggregator.
func (r GenomeResult) Input() report.GenomeInput {
	return report.GenomeInput{
		Genome:     r.Genome,
		Stages:     r.Stages,
		Genes:      r.Genes,
		MarkerHits: r.MarkerHits,
		TaxHits:    r.TaxHits,
		RepeatHits: r.RepeatHits,
	}
}

// Run executes the requested workflows over every genome. Genome pipelines
// run in parallel up to Workers; stages within one genome are sequential.
// Stage-local failures are recorded in the results, never returned; the
// only error returns are request validation and context cancellation.
func Run(ctx context.Context, req Request, opts Options) ([]GenomeResult, error) {
	if opts.Runner == nil {
		return nil, errors.New("shuttle: no runner configured")
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if len(req.Genomes) == 0 {
		return nil, errors.New("shuttle: no input genomes")
	}

	selected, err := normalizeWorkflows(req.Workflows)
	if err != nil {
		return nil, err
	}

	// Every stage's database must already be in the resolved set before
	// any pipeline starts.
	for _, wf := range selected {
		for _, stage := range workflows[wf] {
			if stage.database == "" {
				continue
			}
			if req.Databases[stage.database] == "" {
				return nil, &UnresolvedDependencyError{Workflow: wf, Stage: stage.name, Database: stage.database}
			}
		}
	}

	ids := make(map[string]bool, len(req.Genomes))
	for _, g := range req.Genomes {
		id := GenomeID(g)
		if ids[id] {
			return nil, fmt.Errorf("shuttle: duplicate genome id %q", id)
		}
		ids[id] = true
	}

	opts.Logger.Info("routing run", "run_id", opts.RunID,
		"workflows", selected, "genomes", len(req.Genomes), "workers", opts.Workers)

	results := make([]GenomeResult, len(req.Genomes))
	var group errgroup.Group
	group.SetLimit(opts.Workers)
	for i, genome := range req.Genomes {
		group.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			results[i] = runGenome(ctx, genome, selected, req, opts)
			if opts.OnGenomeDone != nil {
				opts.OnGenomeDone()
			}
			return ctx.Err()
		})
	}
	if err := group.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func normalizeWorkflows(names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, errors.New("shuttle: no workflows selected")
	}
	seen := make(map[string]bool)
	var out []string
	for _, name := range names {
		if !KnownWorkflow(name) {
			return nil, fmt.Errorf("shuttle: unknown workflow %q", name)
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out, nil
}

// GenomeID derives the genome identifier from its file name: the base name
// with a trailing .gz and one sequence extension stripped.
func GenomeID(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, ".gz")
	ext := filepath.Ext(base)
	switch ext {
	case ".fasta", ".fa", ".fna":
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

// pipeline is the per-genome execution state. The predict-genes stage runs
// at most once; its outcome is replayed into every workflow that needs it.
type pipeline struct {
	req  Request
	opts Options

	genome string
	id     string
	dir    string

	input string

	faa         string
	predictRan  bool
	predictErr  error
	markerTable string
}

func runGenome(ctx context.Context, genome string, selected []string, req Request, opts Options) GenomeResult {
	p := &pipeline{
		req:    req,
		opts:   opts,
		genome: genome,
		id:     GenomeID(genome),
		dir:    filepath.Join(req.OutDir, GenomeID(genome)),
	}
	res := GenomeResult{Genome: p.id, Path: genome}
	logger := opts.Logger.With("genome", p.id)

	inputErr := p.prepareInput(ctx)

	for _, wf := range selected {
		failed := false
		var failedAt int
		stages := workflows[wf]
		for si, stage := range stages {
			if inputErr != nil {
				res.Stages = append(res.Stages, report.StageStatus{
					Workflow: wf, Stage: stage.name, State: report.StageFailed,
					Reason: fmt.Sprintf("prepare input: %v", inputErr),
				})
				failed, failedAt = true, si
				break
			}
			err := p.runStage(ctx, wf, stage, &res)
			if err != nil {
				logger.Warn("stage failed", "workflow", wf, "stage", stage.name, "error", err)
				res.Stages = append(res.Stages, report.StageStatus{
					Workflow: wf, Stage: stage.name, State: report.StageFailed,
					Reason: failureReason(err),
				})
				failed, failedAt = true, si
				break
			}
			res.Stages = append(res.Stages, report.StageStatus{
				Workflow: wf, Stage: stage.name, State: report.StageOK,
			})
		}
		if failed {
			for _, stage := range stages[failedAt+1:] {
				res.Stages = append(res.Stages, report.StageStatus{
					Workflow: wf, Stage: stage.name, State: report.StageNotRun,
					Reason: "upstream stage failed",
				})
			}
		}
	}

	if !opts.KeepWork {
		p.cleanTmp()
	}
	return res
}

// prepareInput decompresses a gzipped genome into the work directory so the
// tools always see a plain sequence file.
func (p *pipeline) prepareInput(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !strings.HasSuffix(p.genome, ".gz") {
		p.input = p.genome
		return nil
	}

	dir := filepath.Join(p.dir, "input")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create input dir: %w", err)
	}
	dest := filepath.Join(dir, p.id+".fna")
	partial := dest + ".partial"

	in, err := os.Open(p.genome)
	if err != nil {
		return fmt.Errorf("open genome: %w", err)
	}
	defer func() {
		_ = in.Close()
	}()
	gz, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("read gzip genome: %w", err)
	}
	defer func() {
		_ = gz.Close()
	}()
	out, err := os.Create(partial)
	if err != nil {
		return fmt.Errorf("create unpacked genome: %w", err)
	}
	if _, err := io.Copy(out, gz); err != nil {
		_ = out.Close()
		_ = os.Remove(partial)
		return fmt.Errorf("unpack genome: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close unpacked genome: %w", err)
	}
	if err := os.Rename(partial, dest); err != nil {
		return fmt.Errorf("finalize unpacked genome: %w", err)
	}
	p.input = dest
	return nil
}

func (p *pipeline) runStage(ctx context.Context, wf string, stage stageDef, res *GenomeResult) error {
	switch stage.name {
	case StagePredictGenes:
		return p.predictGenes(ctx, res)
	case StageMarkerSearch:
		return p.markerSearch(ctx, res)
	case StageProteinSearch:
		return p.proteinSearch(ctx, res)
	case StageRepeatSearch:
		return p.repeatSearch(ctx, res)
	}
	return fmt.Errorf("unknown stage %s/%s", wf, stage.name)
}

// predictGenes runs the gene predictor once per genome. Later workflows in
// the same run reuse the artifact (or inherit the failure).
func (p *pipeline) predictGenes(ctx context.Context, res *GenomeResult) error {
	if p.predictRan {
		return p.predictErr
	}
	p.predictRan = true

	dir := filepath.Join(p.dir, StagePredictGenes)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		p.predictErr = fmt.Errorf("create stage dir: %w", err)
		return p.predictErr
	}
	p.faa = filepath.Join(dir, p.id+".faa")

	_, err := p.opts.Runner.Run(ctx, invoke.Invocation{
		Tool:    p.opts.Tools.GenePredictor,
		Args:    []string{"-i", p.input, "-a", p.faa, "-p", "meta", "-q"},
		Dir:     dir,
		Output:  p.faa,
		Timeout: p.opts.Tools.Timeout.Duration,
	})
	if err != nil {
		p.predictErr = err
		return err
	}

	genes, err := parseArtifact(p.faa, report.ParseGenes)
	if err != nil {
		p.predictErr = err
		return err
	}
	res.Genes = genes
	return nil
}

func (p *pipeline) markerSearch(ctx context.Context, res *GenomeResult) error {
	dir := filepath.Join(p.dir, StageMarkerSearch)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create stage dir: %w", err)
	}
	p.markerTable = filepath.Join(dir, p.id+".tbl")

	_, err := p.opts.Runner.Run(ctx, invoke.Invocation{
		Tool: p.opts.Tools.HMMSearch,
		Args: []string{
			"-E", p.opts.Tools.EValue,
			"--tblout", p.markerTable,
			p.req.Databases[refdb.MarkerGene],
			p.faa,
		},
		Dir:     dir,
		Output:  p.markerTable,
		Timeout: p.opts.Tools.Timeout.Duration,
	})
	if err != nil {
		return err
	}

	hits, err := parseArtifact(p.markerTable, report.ParseMarkerHits)
	if err != nil {
		return err
	}
	res.MarkerHits = hits
	return nil
}

func (p *pipeline) proteinSearch(ctx context.Context, res *GenomeResult) error {
	dir := filepath.Join(p.dir, StageProteinSearch)
	tmp := filepath.Join(dir, "tmp")
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return fmt.Errorf("create stage dir: %w", err)
	}
	prefix := filepath.Join(dir, p.id)
	table := prefix + "_lca.tsv"

	_, err := p.opts.Runner.Run(ctx, invoke.Invocation{
		Tool: p.opts.Tools.SeqSearch,
		Args: []string{
			"easy-taxonomy", p.faa,
			p.req.Databases[refdb.ProteinReference],
			prefix, tmp,
			"--tax-lineage", "1",
		},
		Dir:     dir,
		Output:  table,
		Timeout: p.opts.Tools.Timeout.Duration,
	})
	if err != nil {
		return err
	}

	hits, err := parseArtifact(table, report.ParseTaxHits)
	if err != nil {
		return err
	}
	res.TaxHits = hits
	return nil
}

func (p *pipeline) repeatSearch(ctx context.Context, res *GenomeResult) error {
	dir := filepath.Join(p.dir, StageRepeatSearch)
	tmp := filepath.Join(dir, "tmp")
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return fmt.Errorf("create stage dir: %w", err)
	}
	table := filepath.Join(dir, p.id+".m8")

	_, err := p.opts.Runner.Run(ctx, invoke.Invocation{
		Tool: p.opts.Tools.SeqSearch,
		Args: []string{
			"easy-search", p.faa,
			p.req.Databases[refdb.RepeatReference],
			table, tmp,
		},
		Dir:     dir,
		Output:  table,
		Timeout: p.opts.Tools.Timeout.Duration,
	})
	if err != nil {
		return err
	}

	hits, err := parseArtifact(table, report.ParseSearchHits)
	if err != nil {
		return err
	}
	res.RepeatHits = hits
	return nil
}

// cleanTmp removes the search tools' scratch directories but keeps the
// stage artifacts, which are part of the documented output layout.
func (p *pipeline) cleanTmp() {
	for _, stage := range []string{StageProteinSearch, StageRepeatSearch} {
		tmp := filepath.Join(p.dir, stage, "tmp")
		if err := os.RemoveAll(tmp); err != nil {
			p.opts.Logger.Warn("scratch dir not removed", "path", tmp, "error", err)
		}
	}
}

func parseArtifact[T any](path string, parse func(io.Reader) ([]T, error)) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	out, err := parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return out, nil
}

// failureReason compresses a stage error into the short form used in the
// report's status column.
func failureReason(err error) string {
	var timeout *invoke.TimeoutError
	if errors.As(err, &timeout) {
		return "timeout"
	}
	var tool *invoke.ToolError
	if errors.As(err, &tool) {
		return fmt.Sprintf("exit %d", tool.ExitCode)
	}
	var missing *invoke.MissingOutputError
	if errors.As(err, &missing) {
		return "missing output"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return err.Error()
}
