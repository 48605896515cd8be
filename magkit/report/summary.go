package report

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Stage states as recorded by the workflow router.
const (
	StageOK     = "ok"
	StageFailed = "failed"
	StageNotRun = "not-run"
)

// StageStatus is one stage outcome within one workflow.
type StageStatus struct {
	Workflow string
	Stage    string
	State    string
	Reason   string
}

// GenomeInput is everything the aggregator needs about one genome: the
// per-stage outcomes plus whatever parsed tables the completed stages left.
type GenomeInput struct {
	Genome     string
	Stages     []StageStatus
	Genes      []Gene
	MarkerHits []MarkerHit
	TaxHits    []TaxHit
	RepeatHits []SearchHit
}

// Row is one line of the final report.
type Row struct {
	Genome            string
	Genes             int
	MarkersFound      int
	Completeness      float64
	Contamination     float64
	AnnotatedGenes    int
	RepeatGenes       int
	ConsensusPhylum   string
	SuspiciousContigs int
	Status            string
	FailedStages      []string
}

// FullyFailed reports whether any requested workflow for this genome
// produced nothing at all (its first stage already failed). The process exit
// code hinges on this.
func (in GenomeInput) FullyFailed() bool {
	ok := make(map[string]bool)
	seen := make(map[string]bool)
	for _, s := range in.Stages {
		seen[s.Workflow] = true
		if s.State == StageOK {
			ok[s.Workflow] = true
		}
	}
	for wf := range seen {
		if !ok[wf] {
			return true
		}
	}
	return false
}

// Summarize folds one genome's stage tables into a report row.
// markerSetSize is the number of models in the marker database; zero when
// the refine workflow did not run.
func Summarize(in GenomeInput, markerSetSize int) Row {
	row := Row{
		Genome: in.Genome,
		Genes:  len(in.Genes),
	}

	distinct := make(map[string]bool)
	for _, h := range in.MarkerHits {
		distinct[h.Marker] = true
	}
	row.MarkersFound = len(distinct)
	row.Completeness, row.Contamination = MarkerScores(in.MarkerHits, markerSetSize)

	annotated := make(map[string]bool)
	for _, h := range in.TaxHits {
		if h.LCA != "unclassified" {
			annotated[h.Gene] = true
		}
	}
	row.AnnotatedGenes = len(annotated)

	repeatGenes := make(map[string]bool)
	for _, h := range in.RepeatHits {
		repeatGenes[h.Query] = true
	}
	row.RepeatGenes = len(repeatGenes)

	var suspicious []string
	row.ConsensusPhylum, suspicious = ConsensusPhylum(in.TaxHits)
	row.SuspiciousContigs = len(suspicious)

	row.Status, row.FailedStages = status(in)
	return row
}

func status(in GenomeInput) (string, []string) {
	var failed []string
	for _, s := range in.Stages {
		if s.State == StageFailed {
			failed = append(failed, fmt.Sprintf("%s/%s: %s", s.Workflow, s.Stage, s.Reason))
		}
	}
	if len(failed) == 0 {
		return "ok", nil
	}
	if in.FullyFailed() {
		ok := make(map[string]bool)
		for _, s := range in.Stages {
			if s.State == StageOK {
				ok[s.Workflow] = true
			}
		}
		for _, s := range in.Stages {
			if s.State == StageFailed && !ok[s.Workflow] {
				return fmt.Sprintf("failed: %s %s", s.Stage, s.Reason), failed
			}
		}
	}
	var names []string
	for _, s := range in.Stages {
		if s.State == StageFailed {
			names = append(names, s.Stage)
		}
	}
	return "partial-failure: " + strings.Join(names, ","), failed
}

var reportHeader = []string{
	"genome", "genes", "markers_found", "completeness", "contamination",
	"annotated_genes", "repeat_genes", "consensus_phylum",
	"suspicious_contigs", "status",
}

// WriteTSV writes the final report table.
func WriteTSV(path string, rows []Row) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	w := bufio.NewWriter(f)
	defer func() {
		_ = w.Flush()
	}()

	if _, err := w.WriteString(strings.Join(reportHeader, "\t") + "\n"); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, row := range rows {
		line := strings.Join([]string{
			row.Genome,
			fmt.Sprintf("%d", row.Genes),
			fmt.Sprintf("%d", row.MarkersFound),
			fmt.Sprintf("%.4f", row.Completeness),
			fmt.Sprintf("%.4f", row.Contamination),
			fmt.Sprintf("%d", row.AnnotatedGenes),
			fmt.Sprintf("%d", row.RepeatGenes),
			row.ConsensusPhylum,
			fmt.Sprintf("%d", row.SuspiciousContigs),
			row.Status,
		}, "\t")
		if _, err := w.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	return nil
}

var geneTableHeader = []string{
	"gene", "contig", "start", "end", "strand",
	"marker", "marker_evalue", "marker_score",
	"annotation", "lca", "lineage",
	"repeat", "repeat_identity",
}

// WriteGeneTSV writes one genome's merged per-gene table.
func WriteGeneTSV(path string, records []Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create gene table dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create gene table: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	w := bufio.NewWriter(f)
	defer func() {
		_ = w.Flush()
	}()

	if _, err := w.WriteString(strings.Join(geneTableHeader, "\t") + "\n"); err != nil {
		return fmt.Errorf("write gene table header: %w", err)
	}
	for _, rec := range records {
		fields := make([]string, 0, len(geneTableHeader))
		fields = append(fields, rec.ID)
		for _, col := range geneTableHeader[1:] {
			fields = append(fields, rec.Attrs[col])
		}
		if _, err := w.WriteString(strings.Join(fields, "\t") + "\n"); err != nil {
			return fmt.Errorf("write gene table row: %w", err)
		}
	}
	return nil
}

// DatabaseInfo records one resolved reference database in the run manifest.
type DatabaseInfo struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	SHA256  string `json:"sha256"`
}

// Manifest describes one completed run.
type Manifest struct {
	RunID     string                  `json:"run_id"`
	CreatedAt time.Time               `json:"created_at"`
	Workflows []string                `json:"workflows"`
	Genomes   []string                `json:"genomes"`
	Databases map[string]DatabaseInfo `json:"databases"`
}

// WriteManifest writes the run manifest next to the report.
func WriteManifest(path string, m Manifest) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
