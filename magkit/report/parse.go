// Package report turns raw tool output files into structured records and
// merges per-stage tables into the final per-genome report.
package report

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Gene is one predicted coding sequence. The gene predictor names genes
// <contig>_<n>, so the owning contig is recovered by splitting the id at its
// last underscore.
type Gene struct {
	ID     string
	Contig string
	Start  int
	End    int
	Strand int
}

// MarkerHit is one row of the profile-HMM search table: a predicted gene
// matching a single-copy marker model.
type MarkerHit struct {
	Gene   string
	Marker string
	EValue float64
	Score  float64
}

// TaxHit is one row of the similarity-search classification table: the best
// reference-protein assignment for a gene, with its lineage string.
type TaxHit struct {
	Gene    string
	Target  string
	Rank    string
	LCA     string
	Lineage string
}

// SearchHit is one row of a tabular (m8) similarity search.
type SearchHit struct {
	Query    string
	Target   string
	Identity float64
	EValue   float64
	Bits     float64
}

// ContigOf splits a predictor-style gene id into its contig name.
func ContigOf(geneID string) string {
	if i := strings.LastIndex(geneID, "_"); i > 0 {
		return geneID[:i]
	}
	return geneID
}

// ParseGenes reads the gene predictor's protein FASTA. Headers look like
//
//	>contig_12_3 # 2706 # 3675 # -1 # ID=12_3;partial=00;...
//
// Only the id and the three coordinate fields are kept.
func ParseGenes(r io.Reader) ([]Gene, error) {
	var genes []Gene
	err := parseFasta(r, func(rec fastaRecord) error {
		id := fastaID(rec.header)
		if id == "" {
			return nil
		}
		gene := Gene{ID: id, Contig: ContigOf(id)}
		parts := strings.Split(rec.header, "#")
		if len(parts) >= 4 {
			var err error
			if gene.Start, err = strconv.Atoi(strings.TrimSpace(parts[1])); err != nil {
				return fmt.Errorf("gene %s: bad start %q: %w", id, strings.TrimSpace(parts[1]), err)
			}
			if gene.End, err = strconv.Atoi(strings.TrimSpace(parts[2])); err != nil {
				return fmt.Errorf("gene %s: bad end %q: %w", id, strings.TrimSpace(parts[2]), err)
			}
			if gene.Strand, err = strconv.Atoi(strings.TrimSpace(parts[3])); err != nil {
				return fmt.Errorf("gene %s: bad strand %q: %w", id, strings.TrimSpace(parts[3]), err)
			}
		}
		genes = append(genes, gene)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return genes, nil
}

// ParseMarkerHits reads an hmmsearch --tblout table. Comment lines start
// with '#'; data columns are whitespace-separated with the target gene in
// column 1, the marker model in column 3, and the full-sequence E-value and
// score in columns 5 and 6.
func ParseMarkerHits(r io.Reader) ([]MarkerHit, error) {
	var hits []MarkerHit
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 6 {
			return nil, fmt.Errorf("marker table: line %q has %d fields, want >= 6", line, len(fields))
		}
		evalue, err := strconv.ParseFloat(fields[4], 64)
		if err != nil {
			return nil, fmt.Errorf("marker table: bad e-value %q: %w", fields[4], err)
		}
		score, err := strconv.ParseFloat(fields[5], 64)
		if err != nil {
			return nil, fmt.Errorf("marker table: bad score %q: %w", fields[5], err)
		}
		hits = append(hits, MarkerHit{
			Gene:   fields[0],
			Marker: fields[2],
			EValue: evalue,
			Score:  score,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan marker table: %w", err)
	}
	return hits, nil
}

// ParseTaxHits reads the similarity search's classification TSV: gene,
// target accession, rank, lowest-common-ancestor name, and optionally the
// full lineage when lineage output is enabled.
func ParseTaxHits(r io.Reader) ([]TaxHit, error) {
	var hits []TaxHit
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 4 {
			return nil, fmt.Errorf("taxonomy table: line %q has %d fields, want >= 4", line, len(fields))
		}
		hit := TaxHit{
			Gene:   fields[0],
			Target: fields[1],
			Rank:   fields[2],
			LCA:    fields[3],
		}
		if len(fields) > 4 {
			hit.Lineage = fields[4]
		}
		hits = append(hits, hit)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan taxonomy table: %w", err)
	}
	return hits, nil
}

// ParseSearchHits reads a tab-separated m8 table (query, target, identity,
// ..., e-value in column 11, bit score in column 12).
func ParseSearchHits(r io.Reader) ([]SearchHit, error) {
	var hits []SearchHit
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 12 {
			return nil, fmt.Errorf("m8 table: line %q has %d fields, want >= 12", line, len(fields))
		}
		identity, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, fmt.Errorf("m8 table: bad identity %q: %w", fields[2], err)
		}
		evalue, err := strconv.ParseFloat(fields[10], 64)
		if err != nil {
			return nil, fmt.Errorf("m8 table: bad e-value %q: %w", fields[10], err)
		}
		bits, err := strconv.ParseFloat(fields[11], 64)
		if err != nil {
			return nil, fmt.Errorf("m8 table: bad bit score %q: %w", fields[11], err)
		}
		hits = append(hits, SearchHit{
			Query:    fields[0],
			Target:   fields[1],
			Identity: identity,
			EValue:   evalue,
			Bits:     bits,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan m8 table: %w", err)
	}
	return hits, nil
}

// CountMarkers counts the profile models in an HMM flatfile by its NAME
// lines, giving the marker-set size used for completeness scoring.
func CountMarkers(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open marker database: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	count := 0
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "NAME ") || strings.HasPrefix(line, "NAME\t") {
			count++
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan marker database: %w", err)
	}
	return count, nil
}
