// Package chunk splits feature collections into bounded, ordered slices and
// streams repaired features back out.
package chunk

import (
	"io"

	"github.com/paulmach/orb/geojson"
)

// Chunk is an ordered slice of a feature collection. Offset is the position
// of the first feature in the whole collection.
type Chunk struct {
	Index    int
	Offset   int
	Features []*geojson.Feature
}

// Len returns the number of features in the chunk
func (c *Chunk) Len() int {
	return len(c.Features)
}

// Source yields consecutive chunks in input order. Next returns io.EOF once
// the collection is exhausted; n may change between calls.
type Source interface {
	Next(n int) (*Chunk, error)
	Close() error
}

// MemorySource chunks an in-memory feature collection
type MemorySource struct {
	features []*geojson.Feature
	pos      int
	index    int
}

// NewMemorySource creates a source over fc's features
func NewMemorySource(fc *geojson.FeatureCollection) *MemorySource {
	return &MemorySource{features: fc.Features}
}

// Next returns up to n features
func (s *MemorySource) Next(n int) (*Chunk, error) {
	if s.pos >= len(s.features) {
		return nil, io.EOF
	}
	if n < 1 {
		n = 1
	}

	end := s.pos + n
	if end > len(s.features) {
		end = len(s.features)
	}

	c := &Chunk{
		Index:    s.index,
		Offset:   s.pos,
		Features: s.features[s.pos:end:end],
	}
	s.pos = end
	s.index++
	return c, nil
}

// Close is a no-op
func (s *MemorySource) Close() error {
	return nil
}
