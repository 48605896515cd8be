package report

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/apache/arrow/go/v18/arrow"
	"github.com/apache/arrow/go/v18/arrow/array"
	"github.com/apache/arrow/go/v18/arrow/memory"
	"github.com/apache/arrow/go/v18/parquet"
	"github.com/apache/arrow/go/v18/parquet/pqarrow"
)

var reportSchema = arrow.NewSchema([]arrow.Field{
	{Name: "genome", Type: arrow.BinaryTypes.String},
	{Name: "genes", Type: arrow.PrimitiveTypes.Int64},
	{Name: "markers_found", Type: arrow.PrimitiveTypes.Int64},
	{Name: "completeness", Type: arrow.PrimitiveTypes.Float64},
	{Name: "contamination", Type: arrow.PrimitiveTypes.Float64},
	{Name: "annotated_genes", Type: arrow.PrimitiveTypes.Int64},
	{Name: "repeat_genes", Type: arrow.PrimitiveTypes.Int64},
	{Name: "consensus_phylum", Type: arrow.BinaryTypes.String},
	{Name: "suspicious_contigs", Type: arrow.PrimitiveTypes.Int64},
	{Name: "status", Type: arrow.BinaryTypes.String},
}, nil)

// WriteParquet writes the report table as Parquet, a columnar twin of the
// TSV for downstream analysis tooling.
func WriteParquet(path string, rows []Row) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}

	builder := array.NewRecordBuilder(memory.NewGoAllocator(), reportSchema)
	defer builder.Release()

	for _, row := range rows {
		builder.Field(0).(*array.StringBuilder).Append(row.Genome)
		builder.Field(1).(*array.Int64Builder).Append(int64(row.Genes))
		builder.Field(2).(*array.Int64Builder).Append(int64(row.MarkersFound))
		builder.Field(3).(*array.Float64Builder).Append(row.Completeness)
		builder.Field(4).(*array.Float64Builder).Append(row.Contamination)
		builder.Field(5).(*array.Int64Builder).Append(int64(row.AnnotatedGenes))
		builder.Field(6).(*array.Int64Builder).Append(int64(row.RepeatGenes))
		builder.Field(7).(*array.StringBuilder).Append(row.ConsensusPhylum)
		builder.Field(8).(*array.Int64Builder).Append(int64(row.SuspiciousContigs))
		builder.Field(9).(*array.StringBuilder).Append(row.Status)
	}

	rec := builder.NewRecord()
	defer rec.Release()
	table := array.NewTableFromRecords(reportSchema, []arrow.Record{rec})
	defer table.Release()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create parquet report: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	chunk := int64(len(rows))
	if chunk == 0 {
		chunk = 1
	}
	if err := pqarrow.WriteTable(table, f, chunk, parquet.NewWriterProperties(), pqarrow.DefaultWriterProps()); err != nil {
		return fmt.Errorf("write parquet report: %w", err)
	}
	return nil
}
