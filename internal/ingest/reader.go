package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/wegman-software/jartic2geojson-go/internal/regulation"
)

// ErrNoCoordinateColumn is returned when neither the header nor the data
// reveal a coordinate column
var ErrNoCoordinateColumn = errors.New("no coordinate column found")

// Row is one CSV row: the typed record plus the remaining cells as feature
// properties
type Row struct {
	Line         int
	Record       regulation.Record
	RawDirection string
	Properties   map[string]interface{}
}

// Reader reads regulation rows from a CSV export
type Reader struct {
	csv            *csv.Reader
	header         []string
	encoding       string
	columns        Columns
	preserveOneway bool
}

// NewReader decodes r, reads the header row and detects the special
// columns. With preserveOneway, duplicate coordinates of one-way rows are
// kept.
func NewReader(r io.Reader, preserveOneway bool) (*Reader, error) {
	dec, enc, err := Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to detect encoding: %w", err)
	}

	cr := csv.NewReader(dec)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	return &Reader{
		csv:            cr,
		header:         header,
		encoding:       enc,
		columns:        DetectColumns(header),
		preserveOneway: preserveOneway,
	}, nil
}

// Encoding returns the detected input encoding
func (r *Reader) Encoding() string { return r.encoding }

// Header returns the trimmed header row
func (r *Reader) Header() []string { return r.header }

// Columns returns the detected special columns
func (r *Reader) Columns() Columns { return r.columns }

// ReadAll reads every remaining row. Rows without a key are named row<N>
// after their position; empty cells are left out of the properties and the
// coordinate column never becomes a property.
func (r *Reader) ReadAll() ([]Row, error) {
	records, err := r.csv.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}

	if r.columns.Coordinates < 0 {
		r.columns.Coordinates = detectCoordinatesByContent(records, r.columns)
	}
	if r.columns.Coordinates < 0 {
		return nil, ErrNoCoordinateColumn
	}

	rows := make([]Row, 0, len(records))
	for i, rec := range records {
		rows = append(rows, r.row(i, rec))
	}
	return rows, nil
}

func (r *Reader) row(i int, rec []string) Row {
	cell := func(col int) string {
		if col < 0 || col >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[col])
	}

	record := regulation.Record{
		Key:            cell(r.columns.Key),
		Shape:          regulation.ParseShapeCode(cell(r.columns.Shape)),
		RegulationCode: cell(r.columns.Regulation),
		Direction:      regulation.ParseDirectionCode(cell(r.columns.Direction)),
	}
	if record.Key == "" {
		record.Key = fmt.Sprintf("row%d", i)
	}
	keep := r.preserveOneway && record.IsOneway()
	record.Coords = ParseCoordinates(cell(r.columns.Coordinates), keep)

	props := make(map[string]interface{}, len(r.header))
	for col, name := range r.header {
		if col == r.columns.Coordinates || name == "" {
			continue
		}
		if v := cell(col); v != "" {
			props[name] = v
		}
	}

	return Row{
		Line:         i + 2,
		Record:       record,
		RawDirection: cell(r.columns.Direction),
		Properties:   props,
	}
}
