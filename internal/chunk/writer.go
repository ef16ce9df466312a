package chunk

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/paulmach/orb/geojson"
)

// Writer streams a FeatureCollection one feature at a time
type Writer struct {
	w       *bufio.Writer
	count   int
	open    bool
	trailer map[string]json.RawMessage
}

// NewWriter writes the collection header with the given extra members
func NewWriter(w io.Writer, members map[string]json.RawMessage) (*Writer, error) {
	cw := &Writer{w: bufio.NewWriterSize(w, 1<<20)}

	if _, err := cw.w.WriteString(`{"type":"FeatureCollection"`); err != nil {
		return nil, err
	}

	writeMembers(cw.w, members)

	if _, err := cw.w.WriteString(`,"features":[`); err != nil {
		return nil, err
	}
	cw.open = true
	return cw, nil
}

// Write appends features in order
func (w *Writer) Write(features []*geojson.Feature) error {
	for _, f := range features {
		data, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("failed to encode feature %d: %w", w.count, err)
		}
		if w.count > 0 {
			if err := w.w.WriteByte(','); err != nil {
				return err
			}
		}
		if _, err := w.w.Write(data); err != nil {
			return err
		}
		w.count++
	}
	return nil
}

// Count returns the number of features written
func (w *Writer) Count() int {
	return w.count
}

// Close terminates the collection and flushes buffered output
func (w *Writer) Close() error {
	if !w.open {
		return nil
	}
	w.open = false
	if err := w.w.WriteByte(']'); err != nil {
		return err
	}
	writeMembers(w.w, w.trailer)
	if _, err := w.w.WriteString("}\n"); err != nil {
		return err
	}
	return w.w.Flush()
}

// AddMembers queues top-level members written after the features array
func (w *Writer) AddMembers(members map[string]json.RawMessage) {
	if len(members) == 0 {
		return
	}
	if w.trailer == nil {
		w.trailer = make(map[string]json.RawMessage, len(members))
	}
	for k, v := range members {
		w.trailer[k] = v
	}
}

// writeMembers writes ,"key":value pairs in key order
func writeMembers(w *bufio.Writer, members map[string]json.RawMessage) {
	keys := make([]string, 0, len(members))
	for k := range members {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name, _ := json.Marshal(k)
		fmt.Fprintf(w, ",%s:%s", name, members[k])
	}
}

// FileWriter writes a collection to a temporary file that replaces the
// destination only on Close, so failed units never leave partial output
type FileWriter struct {
	*Writer
	file *os.File
	path string
}

// CreateFile creates the parent directory and a temporary file next to path
func CreateFile(path string, members map[string]json.RawMessage) (*FileWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}

	w, err := NewWriter(f, members)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	return &FileWriter{Writer: w, file: f, path: path}, nil
}

// Close finishes the collection and moves it into place
func (fw *FileWriter) Close() error {
	if err := fw.Writer.Close(); err != nil {
		fw.Abort()
		return err
	}
	if err := fw.file.Close(); err != nil {
		os.Remove(fw.file.Name())
		return err
	}
	if err := os.Rename(fw.file.Name(), fw.path); err != nil {
		os.Remove(fw.file.Name())
		return fmt.Errorf("failed to move output into place: %w", err)
	}
	return nil
}

// Abort discards the temporary file
func (fw *FileWriter) Abort() {
	fw.file.Close()
	os.Remove(fw.file.Name())
}
