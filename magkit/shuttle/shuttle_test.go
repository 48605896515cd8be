package shuttle

import (
	"compress/gzip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/Doomsbay/MagKit/magkit/config"
	"github.com/Doomsbay/MagKit/magkit/invoke"
	"github.com/Doomsbay/MagKit/magkit/refdb"
	"github.com/Doomsbay/MagKit/magkit/report"
)

const fakeFAA = `>c1_1 # 1 # 300 # 1 # ID=1_1;partial=00
MKVLITGAGSGIGL
>c1_2 # 400 # 900 # -1 # ID=1_2;partial=00
MAKQSTR
>c2_1 # 10 # 250 # 1 # ID=2_1;partial=00
MSEQ
`

const fakeTbl = `# target name        accession  query name           accession    E-value  score  bias
c1_1                 -          Ribosomal_L2         PF00181.1    1.2e-30  105.3   0.1
c2_1                 -          Ribosomal_L3         PF00297.1    3.4e-12   44.0   0.0
`

const fakeLCA = "c1_1\tP12345\tspecies\tEscherichia coli\td_Bacteria;p_Proteobacteria\n" +
	"c1_2\t0\tno rank\tunclassified\n"

const fakeM8 = "c1_2\tREP001\t98.5\t120\t2\t0\t1\t120\t5\t124\t1.5e-40\t160.2\n"

// fakeRunner satisfies invoke.Runner without real binaries: it records every
// invocation and writes a canned artifact to the declared output path.
type fakeRunner struct {
	mu       sync.Mutex
	calls    []invoke.Invocation
	failWhen func(inv invoke.Invocation) error
	outputs  map[string]string
}

// stageKey distinguishes the two search modes that share one executable.
func stageKey(inv invoke.Invocation) string {
	if len(inv.Args) > 0 && strings.HasPrefix(inv.Args[0], "easy-") {
		return inv.Tool + " " + inv.Args[0]
	}
	return inv.Tool
}

func (f *fakeRunner) Run(ctx context.Context, inv invoke.Invocation) (invoke.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	f.mu.Unlock()

	if f.failWhen != nil {
		if err := f.failWhen(inv); err != nil {
			return invoke.Result{}, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(inv.Output), 0o755); err != nil {
		return invoke.Result{}, err
	}
	if err := os.WriteFile(inv.Output, []byte(f.outputs[stageKey(inv)]), 0o644); err != nil {
		return invoke.Result{}, err
	}
	return invoke.Result{Tool: inv.Tool, Output: inv.Output}, nil
}

func (f *fakeRunner) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, inv := range f.calls {
		if stageKey(inv) == key {
			n++
		}
	}
	return n
}

func fullOutputs() map[string]string {
	return map[string]string{
		"prodigal":             fakeFAA,
		"hmmsearch":            fakeTbl,
		"mmseqs easy-taxonomy": fakeLCA,
		"mmseqs easy-search":   fakeM8,
	}
}

func allDatabases() map[string]string {
	return map[string]string{
		refdb.MarkerGene:       "/dbs/markers.hmm",
		refdb.ProteinReference: "/dbs/proteins.fasta",
		refdb.RepeatReference:  "/dbs/repeats.fasta",
	}
}

func writeGenome(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(">contig1\nACGT\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func baseOptions(runner *fakeRunner) Options {
	return Options{
		Runner: runner,
		Tools:  config.Default().Tools,
	}
}

func stageState(t *testing.T, stages []report.StageStatus, workflow, stage string) report.StageStatus {
	t.Helper()
	for _, s := range stages {
		if s.Workflow == workflow && s.Stage == stage {
			return s
		}
	}
	t.Fatalf("no status recorded for %s/%s in %v", workflow, stage, stages)
	return report.StageStatus{}
}

func TestRunRefine(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{outputs: fullOutputs()}

	results, err := Run(context.Background(), Request{
		Workflows: []string{WorkflowRefine},
		Genomes:   []string{writeGenome(t, dir, "bin1.fasta")},
		OutDir:    filepath.Join(dir, "out"),
		Databases: allDatabases(),
	}, baseOptions(runner))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}

	res := results[0]
	if res.Genome != "bin1" {
		t.Errorf("genome id = %q", res.Genome)
	}
	for _, stage := range []string{StagePredictGenes, StageMarkerSearch} {
		if s := stageState(t, res.Stages, WorkflowRefine, stage); s.State != report.StageOK {
			t.Errorf("%s state = %s (%s)", stage, s.State, s.Reason)
		}
	}
	if len(res.Genes) != 3 {
		t.Errorf("parsed %d genes, want 3", len(res.Genes))
	}
	if len(res.MarkerHits) != 2 {
		t.Errorf("parsed %d marker hits, want 2", len(res.MarkerHits))
	}
	if n := runner.count("prodigal"); n != 1 {
		t.Errorf("gene predictor ran %d times, want 1", n)
	}
	if n := runner.count("hmmsearch"); n != 1 {
		t.Errorf("marker search ran %d times, want 1", n)
	}
}

func TestRunSharesGenePrediction(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{outputs: fullOutputs()}
	out := filepath.Join(dir, "out")

	results, err := Run(context.Background(), Request{
		Workflows: []string{WorkflowRefine, WorkflowAnnotate},
		Genomes:   []string{writeGenome(t, dir, "bin1.fasta")},
		OutDir:    out,
		Databases: allDatabases(),
	}, baseOptions(runner))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Both workflows list predict-genes, but the tool runs once.
	if n := runner.count("prodigal"); n != 1 {
		t.Errorf("gene predictor ran %d times, want 1", n)
	}
	res := results[0]
	if len(res.Stages) != 5 {
		t.Errorf("recorded %d stage statuses, want 5", len(res.Stages))
	}
	for _, s := range res.Stages {
		if s.State != report.StageOK {
			t.Errorf("stage %s/%s state = %s (%s)", s.Workflow, s.Stage, s.State, s.Reason)
		}
	}
	if len(res.TaxHits) != 2 || len(res.RepeatHits) != 1 {
		t.Errorf("tax/repeat hits = %d/%d, want 2/1", len(res.TaxHits), len(res.RepeatHits))
	}

	// Search scratch dirs are cleaned up unless KeepWork is set.
	if _, err := os.Stat(filepath.Join(out, "bin1", StageProteinSearch, "tmp")); !os.IsNotExist(err) {
		t.Errorf("scratch dir survived cleanup")
	}
	if _, err := os.Stat(filepath.Join(out, "bin1", StageProteinSearch, "bin1_lca.tsv")); err != nil {
		t.Errorf("stage artifact removed by cleanup: %v", err)
	}
}

func TestRunMarkerSearchFailureIsPartial(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{
		outputs: fullOutputs(),
		failWhen: func(inv invoke.Invocation) error {
			if inv.Tool == "hmmsearch" {
				return &invoke.ToolError{Tool: inv.Tool, ExitCode: 1}
			}
			return nil
		},
	}

	results, err := Run(context.Background(), Request{
		Workflows: []string{WorkflowRefine},
		Genomes:   []string{writeGenome(t, dir, "bin1.fasta")},
		OutDir:    filepath.Join(dir, "out"),
		Databases: allDatabases(),
	}, baseOptions(runner))
	if err != nil {
		t.Fatalf("stage failure must not fail the run: %v", err)
	}

	res := results[0]
	if s := stageState(t, res.Stages, WorkflowRefine, StagePredictGenes); s.State != report.StageOK {
		t.Errorf("predict-genes state = %s", s.State)
	}
	s := stageState(t, res.Stages, WorkflowRefine, StageMarkerSearch)
	if s.State != report.StageFailed || s.Reason != "exit 1" {
		t.Errorf("marker-search status = %s/%q", s.State, s.Reason)
	}
	if len(res.Genes) != 3 {
		t.Errorf("upstream gene results were discarded")
	}
	if len(res.MarkerHits) != 0 {
		t.Errorf("failed stage produced hits")
	}

	in := res.Input()
	if in.FullyFailed() {
		t.Error("partial failure reported as fully failed")
	}
	if row := report.Summarize(in, 10); row.Status != "partial-failure: marker-search" {
		t.Errorf("status = %q", row.Status)
	}
}

func TestRunPredictFailureSkipsDownstream(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{
		outputs: fullOutputs(),
		failWhen: func(inv invoke.Invocation) error {
			if inv.Tool == "prodigal" {
				return &invoke.TimeoutError{Tool: inv.Tool}
			}
			return nil
		},
	}

	results, err := Run(context.Background(), Request{
		Workflows: []string{WorkflowRefine, WorkflowAnnotate},
		Genomes:   []string{writeGenome(t, dir, "bin1.fasta")},
		OutDir:    filepath.Join(dir, "out"),
		Databases: allDatabases(),
	}, baseOptions(runner))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The shared stage fails once; nothing downstream is attempted.
	if len(runner.calls) != 1 {
		t.Errorf("ran %d invocations, want 1", len(runner.calls))
	}
	res := results[0]
	for _, wf := range []string{WorkflowRefine, WorkflowAnnotate} {
		s := stageState(t, res.Stages, wf, StagePredictGenes)
		if s.State != report.StageFailed || s.Reason != "timeout" {
			t.Errorf("%s/predict-genes status = %s/%q", wf, s.State, s.Reason)
		}
	}
	for _, stage := range []string{StageMarkerSearch, StageProteinSearch, StageRepeatSearch} {
		for _, s := range res.Stages {
			if s.Stage == stage && s.State != report.StageNotRun {
				t.Errorf("%s/%s state = %s, want not-run", s.Workflow, stage, s.State)
			}
		}
	}
	if !res.Input().FullyFailed() {
		t.Error("genome with nothing completed must be fully failed")
	}
}

func TestRunIsolatesGenomeFailures(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{
		outputs: fullOutputs(),
		failWhen: func(inv invoke.Invocation) error {
			if inv.Tool == "prodigal" && strings.Contains(inv.Output, "bin2") {
				return &invoke.ToolError{Tool: inv.Tool, ExitCode: 137}
			}
			return nil
		},
	}

	opts := baseOptions(runner)
	opts.Workers = 2
	var done int
	var mu sync.Mutex
	opts.OnGenomeDone = func() {
		mu.Lock()
		done++
		mu.Unlock()
	}

	results, err := Run(context.Background(), Request{
		Workflows: []string{WorkflowAnnotate},
		Genomes: []string{
			writeGenome(t, dir, "bin1.fasta"),
			writeGenome(t, dir, "bin2.fasta"),
		},
		OutDir:    filepath.Join(dir, "out"),
		Databases: allDatabases(),
	}, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if done != 2 {
		t.Errorf("completion callback fired %d times, want 2", done)
	}

	byGenome := make(map[string]GenomeResult, len(results))
	for _, res := range results {
		byGenome[res.Genome] = res
	}
	if byGenome["bin1"].Input().FullyFailed() {
		t.Error("healthy genome dragged down by its neighbor")
	}
	if len(byGenome["bin1"].TaxHits) != 2 {
		t.Errorf("bin1 tax hits = %d, want 2", len(byGenome["bin1"].TaxHits))
	}
	if !byGenome["bin2"].Input().FullyFailed() {
		t.Error("broken genome not reported as fully failed")
	}
	s := stageState(t, byGenome["bin2"].Stages, WorkflowAnnotate, StagePredictGenes)
	if s.Reason != "exit 137" {
		t.Errorf("bin2 failure reason = %q", s.Reason)
	}
}

func TestRunUnpacksGzippedGenome(t *testing.T) {
	dir := t.TempDir()
	genome := filepath.Join(dir, "bin3.fasta.gz")
	f, err := os.Create(genome)
	if err != nil {
		t.Fatal(err)
	}
	gz := gzip.NewWriter(f)
	if _, err := gz.Write([]byte(">contig1\nACGTACGT\n")); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	runner := &fakeRunner{outputs: fullOutputs()}
	out := filepath.Join(dir, "out")
	results, err := Run(context.Background(), Request{
		Workflows: []string{WorkflowRefine},
		Genomes:   []string{genome},
		OutDir:    out,
		Databases: allDatabases(),
	}, baseOptions(runner))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results[0].Genome != "bin3" {
		t.Errorf("genome id = %q, want bin3", results[0].Genome)
	}

	unpacked := filepath.Join(out, "bin3", "input", "bin3.fna")
	data, err := os.ReadFile(unpacked)
	if err != nil {
		t.Fatalf("unpacked genome missing: %v", err)
	}
	if string(data) != ">contig1\nACGTACGT\n" {
		t.Errorf("unpacked content = %q", data)
	}
	if got := runner.calls[0].Args[1]; got != unpacked {
		t.Errorf("predictor input = %q, want %q", got, unpacked)
	}
}

func TestRunUnresolvedDependency(t *testing.T) {
	dir := t.TempDir()
	dbs := allDatabases()
	delete(dbs, refdb.RepeatReference)

	_, err := Run(context.Background(), Request{
		Workflows: []string{WorkflowAnnotate},
		Genomes:   []string{writeGenome(t, dir, "bin1.fasta")},
		OutDir:    filepath.Join(dir, "out"),
		Databases: dbs,
	}, baseOptions(&fakeRunner{outputs: fullOutputs()}))

	var unresolved *UnresolvedDependencyError
	if !errors.As(err, &unresolved) {
		t.Fatalf("err = %v, want *UnresolvedDependencyError", err)
	}
	if unresolved.Database != refdb.RepeatReference || unresolved.Stage != StageRepeatSearch {
		t.Errorf("unresolved = %+v", unresolved)
	}
}

func TestRunRequestValidation(t *testing.T) {
	dir := t.TempDir()
	genome := writeGenome(t, dir, "bin1.fasta")
	opts := baseOptions(&fakeRunner{outputs: fullOutputs()})

	if _, err := Run(context.Background(), Request{
		Workflows: []string{WorkflowRefine},
		Databases: allDatabases(),
	}, opts); err == nil {
		t.Error("expected error for empty genome list")
	}

	if _, err := Run(context.Background(), Request{
		Workflows: []string{"polish"},
		Genomes:   []string{genome},
		Databases: allDatabases(),
	}, opts); err == nil {
		t.Error("expected error for unknown workflow")
	}

	if _, err := Run(context.Background(), Request{
		Workflows: []string{WorkflowRefine},
		Genomes:   []string{genome, filepath.Join(dir, "sub", "bin1.fasta")},
		Databases: allDatabases(),
	}, opts); err == nil {
		t.Error("expected error for colliding genome ids")
	}
}

func TestGenomeID(t *testing.T) {
	cases := []struct{ path, id string }{
		{"bins/bin1.fasta", "bin1"},
		{"bin2.fa.gz", "bin2"},
		{"/abs/path/bin3.fna", "bin3"},
		{"bin4.fa", "bin4"},
		{"plain", "plain"},
	}
	for _, c := range cases {
		if got := GenomeID(c.path); got != c.id {
			t.Errorf("GenomeID(%q) = %q, want %q", c.path, got, c.id)
		}
	}
}

func TestDatabasesFor(t *testing.T) {
	got := DatabasesFor([]string{WorkflowRefine, WorkflowAnnotate})
	want := map[string]bool{
		refdb.MarkerGene:       true,
		refdb.ProteinReference: true,
		refdb.RepeatReference:  true,
	}
	if len(got) != len(want) {
		t.Fatalf("databases = %v", got)
	}
	for _, name := range got {
		if !want[name] {
			t.Errorf("unexpected database %q", name)
		}
	}
}
