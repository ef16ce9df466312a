package parquet

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	"github.com/wegman-software/jartic2geojson-go/internal/repair"
)

var outcomeSchema = arrow.NewSchema([]arrow.Field{
	{Name: "feature_id", Type: arrow.BinaryTypes.String, Nullable: false},
	{Name: "original_valid", Type: arrow.FixedWidthTypes.Boolean, Nullable: false},
	{Name: "method_applied", Type: arrow.BinaryTypes.String, Nullable: false},
	{Name: "success", Type: arrow.FixedWidthTypes.Boolean, Nullable: false},
	{Name: "skipped", Type: arrow.FixedWidthTypes.Boolean, Nullable: false},
	{Name: "reason", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "error", Type: arrow.BinaryTypes.String, Nullable: true},
}, nil)

// OutcomeWriter writes repair outcomes to a zstd-compressed Parquet file
type OutcomeWriter struct {
	file      *os.File
	writer    *pqarrow.FileWriter
	builder   *array.RecordBuilder
	batchSize int
	count     int
}

// NewOutcomeWriter creates path and its parent directories. Rows are
// flushed as a record batch every batchSize outcomes.
func NewOutcomeWriter(path string, batchSize int) (*OutcomeWriter, error) {
	if batchSize < 1 {
		batchSize = 1000
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create outcome directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Zstd),
		parquet.WithDictionaryDefault(false),
	)

	writer, err := pqarrow.NewFileWriter(outcomeSchema, f, writerProps, pqarrow.DefaultWriterProps())
	if err != nil {
		f.Close()
		return nil, err
	}

	builder := array.NewRecordBuilder(memory.DefaultAllocator, outcomeSchema)

	return &OutcomeWriter{
		file:      f,
		writer:    writer,
		builder:   builder,
		batchSize: batchSize,
	}, nil
}

// Write appends outcomes in order
func (w *OutcomeWriter) Write(outcomes []repair.Outcome) error {
	for _, o := range outcomes {
		w.builder.Field(0).(*array.StringBuilder).Append(o.FeatureID)
		w.builder.Field(1).(*array.BooleanBuilder).Append(o.OriginalValid)
		w.builder.Field(2).(*array.StringBuilder).Append(string(o.Method))
		w.builder.Field(3).(*array.BooleanBuilder).Append(o.Success)
		w.builder.Field(4).(*array.BooleanBuilder).Append(o.Skipped)
		appendOptional(w.builder.Field(5).(*array.StringBuilder), o.Reason)
		appendOptional(w.builder.Field(6).(*array.StringBuilder), o.Err)

		w.count++
		if w.count >= w.batchSize {
			if err := w.flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

func appendOptional(b *array.StringBuilder, s string) {
	if s == "" {
		b.AppendNull()
		return
	}
	b.Append(s)
}

func (w *OutcomeWriter) flush() error {
	if w.count == 0 {
		return nil
	}
	rec := w.builder.NewRecord()
	defer rec.Release()
	err := w.writer.Write(rec)
	w.count = 0
	return err
}

// Close flushes pending rows and closes the file
func (w *OutcomeWriter) Close() error {
	defer w.builder.Release()
	if err := w.flush(); err != nil {
		w.writer.Close()
		w.file.Close()
		return err
	}
	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return err
	}
	// the parquet writer may already have closed the file
	if err := w.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}
