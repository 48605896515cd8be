package report

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Record is the uniform row shape every stage table reduces to: an
// identifier plus a flat attribute map.
type Record struct {
	ID    string
	Attrs map[string]string
}

// StageRecords is one stage's parsed table.
type StageRecords struct {
	Stage   string
	Records []Record
}

// GeneRecords flattens genes into the uniform record shape.
func GeneRecords(genes []Gene) []Record {
	out := make([]Record, 0, len(genes))
	for _, g := range genes {
		out = append(out, Record{
			ID: g.ID,
			Attrs: map[string]string{
				"contig": g.Contig,
				"start":  fmt.Sprintf("%d", g.Start),
				"end":    fmt.Sprintf("%d", g.End),
				"strand": fmt.Sprintf("%d", g.Strand),
			},
		})
	}
	return out
}

// MarkerRecords flattens marker hits into the uniform record shape.
func MarkerRecords(hits []MarkerHit) []Record {
	out := make([]Record, 0, len(hits))
	for _, h := range hits {
		out = append(out, Record{
			ID: h.Gene,
			Attrs: map[string]string{
				"marker":        h.Marker,
				"marker_evalue": fmt.Sprintf("%g", h.EValue),
				"marker_score":  fmt.Sprintf("%g", h.Score),
			},
		})
	}
	return out
}

// TaxRecords flattens classification hits into the uniform record shape.
func TaxRecords(hits []TaxHit) []Record {
	out := make([]Record, 0, len(hits))
	for _, h := range hits {
		out = append(out, Record{
			ID: h.Gene,
			Attrs: map[string]string{
				"annotation": h.Target,
				"lca":        h.LCA,
				"lineage":    h.Lineage,
			},
		})
	}
	return out
}

// RepeatRecords flattens repeat-screen hits into the uniform record shape.
func RepeatRecords(hits []SearchHit) []Record {
	out := make([]Record, 0, len(hits))
	for _, h := range hits {
		out = append(out, Record{
			ID: h.Query,
			Attrs: map[string]string{
				"repeat":          h.Target,
				"repeat_identity": fmt.Sprintf("%g", h.Identity),
			},
		})
	}
	return out
}

// Merge left-joins stage tables on the gene identifier. The first stage
// defines the identifier universe; attributes from later stages attach to
// existing rows. A missing stage simply leaves its attributes absent. When
// two stages write the same attribute for the same id, the later stage wins
// and the conflict is logged.
func Merge(stages []StageRecords, logger *slog.Logger) []Record {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if len(stages) == 0 {
		return nil
	}

	index := make(map[string]int)
	var merged []Record
	for _, rec := range stages[0].Records {
		if _, ok := index[rec.ID]; ok {
			// Duplicate id inside the base stage: fold attributes in.
			mergeAttrs(&merged[index[rec.ID]], rec.Attrs, stages[0].Stage, logger)
			continue
		}
		copied := Record{ID: rec.ID, Attrs: make(map[string]string, len(rec.Attrs))}
		for k, v := range rec.Attrs {
			copied.Attrs[k] = v
		}
		index[rec.ID] = len(merged)
		merged = append(merged, copied)
	}

	for _, stage := range stages[1:] {
		for _, rec := range stage.Records {
			i, ok := index[rec.ID]
			if !ok {
				logger.Warn("stage record has no predicted gene, dropping",
					"stage", stage.Stage, "id", rec.ID)
				continue
			}
			mergeAttrs(&merged[i], rec.Attrs, stage.Stage, logger)
		}
	}
	return merged
}

func mergeAttrs(dst *Record, attrs map[string]string, stage string, logger *slog.Logger) {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := attrs[k]
		if old, ok := dst.Attrs[k]; ok && old != v {
			logger.Warn("merge key conflict, preferring latest stage",
				"id", dst.ID, "attr", k, "stage", stage, "old", old, "new", v)
		}
		dst.Attrs[k] = v
	}
}

// GeneTable merges one genome's stage tables into per-gene records. The
// predicted genes define the identifier universe; search stages contribute
// attributes for the genes they matched.
func GeneTable(in GenomeInput, logger *slog.Logger) []Record {
	return Merge([]StageRecords{
		{Stage: "predict-genes", Records: GeneRecords(in.Genes)},
		{Stage: "marker-search", Records: MarkerRecords(in.MarkerHits)},
		{Stage: "protein-search", Records: TaxRecords(in.TaxHits)},
		{Stage: "repeat-search", Records: RepeatRecords(in.RepeatHits)},
	}, logger)
}

// MarkerScores derives completeness and contamination from marker hits, per
// the single-copy-gene convention: completeness is the fraction of the
// marker set seen at least once, contamination the fraction of the set seen
// in extra copies.
func MarkerScores(hits []MarkerHit, markerSetSize int) (completeness, contamination float64) {
	if markerSetSize <= 0 {
		return 0, 0
	}
	copies := make(map[string]int)
	for _, h := range hits {
		copies[h.Marker]++
	}
	var extra int
	for _, n := range copies {
		if n > 1 {
			extra += n - 1
		}
	}
	completeness = float64(len(copies)) / float64(markerSetSize)
	contamination = float64(extra) / float64(markerSetSize)
	return completeness, contamination
}

// PhylumOf extracts the phylum entry from a semicolon-separated lineage
// string ("d_Bacteria;p_Proteobacteria;c_...").
func PhylumOf(lineage string) string {
	for _, part := range strings.Split(lineage, ";") {
		part = strings.TrimSpace(part)
		if rest, ok := strings.CutPrefix(part, "p__"); ok {
			return rest
		}
		if rest, ok := strings.CutPrefix(part, "p_"); ok {
			return rest
		}
	}
	return ""
}

// ConsensusPhylum assigns each contig the most common phylum across its
// classified genes, then the genome the most common phylum across contigs.
// Contigs disagreeing with the genome consensus are returned as suspicious:
// high-quality MAGs frequently carry a misplaced phylum-level cluster, and
// these contigs are the refinement candidates.
func ConsensusPhylum(hits []TaxHit) (genomePhylum string, suspicious []string) {
	contigCounts := make(map[string]map[string]int)
	for _, h := range hits {
		if h.LCA == "unclassified" {
			continue
		}
		phylum := PhylumOf(h.Lineage)
		if phylum == "" {
			continue
		}
		contig := ContigOf(h.Gene)
		if contigCounts[contig] == nil {
			contigCounts[contig] = make(map[string]int)
		}
		contigCounts[contig][phylum]++
	}
	if len(contigCounts) == 0 {
		return "", nil
	}

	contigPhylum := make(map[string]string, len(contigCounts))
	genomeCounts := make(map[string]int)
	for contig, counts := range contigCounts {
		contigPhylum[contig] = mostCommon(counts)
		genomeCounts[contigPhylum[contig]]++
	}
	genomePhylum = mostCommon(genomeCounts)

	for contig, phylum := range contigPhylum {
		if phylum != genomePhylum {
			suspicious = append(suspicious, contig)
		}
	}
	sort.Strings(suspicious)
	return genomePhylum, suspicious
}

// mostCommon breaks ties lexicographically so results are deterministic.
func mostCommon(counts map[string]int) string {
	var best string
	bestN := -1
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if counts[k] > bestN {
			best = k
			bestN = counts[k]
		}
	}
	return best
}
