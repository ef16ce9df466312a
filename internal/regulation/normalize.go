package regulation

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
)

// ErrMalformedCoordinateSequence is returned when a record has too few points
// for its shape or an unclosed polygon ring
var ErrMalformedCoordinateSequence = errors.New("malformed coordinate sequence")

func malformed(key, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformedCoordinateSequence, key, fmt.Sprintf(format, args...))
}

// ResolveShape decides the geometry kind of a record. Missing shape codes are
// inferred from the point count; one-way records are always lines.
func ResolveShape(r Record) ShapeCode {
	if r.IsOneway() {
		return ShapeLine
	}
	if r.Shape != ShapeUnknown {
		return r.Shape
	}
	switch len(r.Coords) {
	case 0:
		return ShapeUnknown
	case 1:
		return ShapePoint
	case 2:
		return ShapeLine
	}
	return ShapePolygon
}

// Normalize builds the geometry of a record. One-way lines are emitted in
// prohibited-direction order: code 2 sequences are reversed, code 1 and
// unknown codes pass through. Polygon rings are never re-wound.
// The input record is not modified.
func Normalize(r Record) (orb.Geometry, error) {
	if len(r.Coords) == 0 {
		return nil, malformed(r.Key, "no coordinates")
	}

	switch ResolveShape(r) {
	case ShapePoint:
		// Extra coordinates on a point record are ignored
		return r.Coords[0], nil

	case ShapeLine:
		if len(r.Coords) < 2 {
			return nil, malformed(r.Key, "line needs at least 2 points, got %d", len(r.Coords))
		}
		line := make(orb.LineString, len(r.Coords))
		copy(line, r.Coords)
		if r.IsOneway() && r.Direction == DirectionDesignated {
			line.Reverse()
		}
		return line, nil

	case ShapePolygon:
		ring := orb.Ring(r.Coords)
		if len(ring) < 4 {
			return nil, malformed(r.Key, "polygon ring needs at least 4 points, got %d", len(ring))
		}
		if !ring.Closed() {
			return nil, malformed(r.Key, "polygon ring is not closed")
		}
		out := make(orb.Ring, len(ring))
		copy(out, ring)
		return orb.Polygon{out}, nil
	}

	return nil, malformed(r.Key, "cannot determine shape")
}

// CloseRing returns coords with the first point appended when the sequence is
// open. The input is not modified.
func CloseRing(coords []orb.Point) []orb.Point {
	if len(coords) == 0 || coords[0] == coords[len(coords)-1] {
		return coords
	}
	out := make([]orb.Point, len(coords), len(coords)+1)
	copy(out, coords)
	return append(out, coords[0])
}

// AssemblePolygon merges the rings of several rows sharing one key. Rows
// contribute rings in input order; each ring is closed, ring 0 is the shell
// and the rest are holes. Winding order is kept as given.
func AssemblePolygon(key string, rings [][]orb.Point) (orb.Polygon, error) {
	if len(rings) == 0 {
		return nil, malformed(key, "no rings")
	}

	poly := make(orb.Polygon, 0, len(rings))
	for i, coords := range rings {
		ring := orb.Ring(CloseRing(coords))
		if len(ring) < 4 {
			return nil, malformed(key, "ring %d needs at least 4 points, got %d", i, len(ring))
		}
		poly = append(poly, ring)
	}
	return poly, nil
}
