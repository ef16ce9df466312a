package report

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/wegman-software/jartic2geojson-go/internal/repair"
)

// OutcomeWriter persists per-feature outcomes in input order
type OutcomeWriter interface {
	Write(outcomes []repair.Outcome) error
	Close() error
}

// JSONLWriter writes one JSON object per outcome per line
type JSONLWriter struct {
	file *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
}

// NewJSONLWriter creates path and its parent directories
func NewJSONLWriter(path string) (*JSONLWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create outcome directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create outcome log: %w", err)
	}
	buf := bufio.NewWriter(f)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &JSONLWriter{file: f, buf: buf, enc: enc}, nil
}

// Write appends outcomes
func (w *JSONLWriter) Write(outcomes []repair.Outcome) error {
	for i := range outcomes {
		if err := w.enc.Encode(&outcomes[i]); err != nil {
			return fmt.Errorf("failed to write outcome: %w", err)
		}
	}
	return nil
}

// Close flushes and closes the file
func (w *JSONLWriter) Close() error {
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// ReadJSONL loads an outcome log written by JSONLWriter
func ReadJSONL(path string) ([]repair.Outcome, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var outcomes []repair.Outcome
	dec := json.NewDecoder(bufio.NewReader(f))
	for dec.More() {
		var o repair.Outcome
		if err := dec.Decode(&o); err != nil {
			return nil, fmt.Errorf("outcome %d: %w", len(outcomes), err)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, nil
}
