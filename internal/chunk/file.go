package chunk

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/paulmach/orb/geojson"
)

// ErrNotFeatureCollection is returned for documents without a features array
var ErrNotFeatureCollection = errors.New("not a GeoJSON FeatureCollection")

// FileSource decodes a FeatureCollection one feature at a time, so only the
// current chunk is held in memory. Numbers in ids and properties are kept as
// json.Number so integers beyond float64 precision survive a round trip.
type FileSource struct {
	file     *os.File
	dec      *json.Decoder
	members  map[string]json.RawMessage
	trailing map[string]json.RawMessage
	started  bool
	done    bool
	pos     int
	index   int
}

// OpenFile opens a GeoJSON FeatureCollection for streaming
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	dec := json.NewDecoder(bufio.NewReaderSize(f, 1<<20))
	dec.UseNumber()
	return &FileSource{
		file:     f,
		dec:      dec,
		members:  make(map[string]json.RawMessage),
		trailing: make(map[string]json.RawMessage),
	}, nil
}

// Members returns top-level members other than "type" and "features" that
// appear before the features array (e.g. "name", "crs"). Members after the
// array are in TrailingMembers.
func (s *FileSource) Members() (map[string]json.RawMessage, error) {
	if err := s.start(); err != nil {
		return nil, err
	}
	return s.members, nil
}

// Next decodes up to n features
func (s *FileSource) Next(n int) (*Chunk, error) {
	if err := s.start(); err != nil {
		return nil, err
	}
	if s.done {
		return nil, io.EOF
	}
	if n < 1 {
		n = 1
	}

	c := &Chunk{Index: s.index, Offset: s.pos}
	for len(c.Features) < n && s.dec.More() {
		f, err := s.decodeFeature()
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", s.pos, err)
		}
		c.Features = append(c.Features, f)
		s.pos++
	}

	if !s.dec.More() {
		// closing ']'
		if _, err := s.dec.Token(); err != nil {
			return nil, fmt.Errorf("failed to read end of features: %w", err)
		}
		if err := s.readTrailer(); err != nil {
			return nil, err
		}
		s.done = true
	}

	if len(c.Features) == 0 {
		return nil, io.EOF
	}
	s.index++
	return c, nil
}

// TrailingMembers returns top-level members found after the features array.
// It is complete once Next has returned io.EOF.
func (s *FileSource) TrailingMembers() map[string]json.RawMessage {
	return s.trailing
}

// featureJSON mirrors a GeoJSON feature. Decoding it with the source's
// decoder keeps numbers as json.Number.
type featureJSON struct {
	ID         interface{}        `json:"id"`
	Type       string             `json:"type"`
	BBox       geojson.BBox       `json:"bbox"`
	Geometry   *geojson.Geometry  `json:"geometry"`
	Properties geojson.Properties `json:"properties"`
}

func (s *FileSource) decodeFeature() (*geojson.Feature, error) {
	var raw featureJSON
	if err := s.dec.Decode(&raw); err != nil {
		return nil, err
	}
	if raw.Type != "Feature" {
		return nil, fmt.Errorf("not a feature: type=%s", raw.Type)
	}

	f := &geojson.Feature{
		ID:         raw.ID,
		Type:       raw.Type,
		BBox:       raw.BBox,
		Properties: raw.Properties,
	}
	if f.Properties == nil {
		f.Properties = make(geojson.Properties)
	}
	if raw.Geometry != nil {
		f.Geometry = raw.Geometry.Geometry()
	}
	return f, nil
}

// readTrailer consumes members after the features array and the closing '}'
func (s *FileSource) readTrailer() error {
	for s.dec.More() {
		tok, err := s.dec.Token()
		if err != nil {
			return fmt.Errorf("failed to read member: %w", err)
		}
		key, _ := tok.(string)

		var raw json.RawMessage
		if err := s.dec.Decode(&raw); err != nil {
			return fmt.Errorf("failed to read member %s: %w", key, err)
		}
		switch key {
		case "type":
			var typ string
			if err := json.Unmarshal(raw, &typ); err != nil || typ != "FeatureCollection" {
				return fmt.Errorf("%w: type=%s", ErrNotFeatureCollection, raw)
			}
		case "features":
			return fmt.Errorf("%w: duplicate features member", ErrNotFeatureCollection)
		default:
			s.trailing[key] = raw
		}
	}
	if _, err := s.dec.Token(); err != nil {
		return fmt.Errorf("failed to read end of document: %w", err)
	}
	return nil
}

// start advances the decoder to the first element of the features array
func (s *FileSource) start() error {
	if s.started {
		return nil
	}
	s.started = true

	tok, err := s.dec.Token()
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return ErrNotFeatureCollection
	}

	for s.dec.More() {
		tok, err := s.dec.Token()
		if err != nil {
			return fmt.Errorf("failed to read member: %w", err)
		}
		key, _ := tok.(string)

		switch key {
		case "features":
			tok, err := s.dec.Token()
			if err != nil {
				return fmt.Errorf("failed to read features: %w", err)
			}
			if d, ok := tok.(json.Delim); !ok || d != '[' {
				return ErrNotFeatureCollection
			}
			return nil
		case "type":
			var typ string
			if err := s.dec.Decode(&typ); err != nil {
				return fmt.Errorf("failed to read type: %w", err)
			}
			if typ != "FeatureCollection" {
				return fmt.Errorf("%w: type=%s", ErrNotFeatureCollection, typ)
			}
		default:
			var raw json.RawMessage
			if err := s.dec.Decode(&raw); err != nil {
				return fmt.Errorf("failed to read member %s: %w", key, err)
			}
			s.members[key] = raw
		}
	}
	return ErrNotFeatureCollection
}

// Close closes the underlying file
func (s *FileSource) Close() error {
	return s.file.Close()
}
