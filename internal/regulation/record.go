// Package regulation turns typed traffic-regulation records into geometries
// with a canonical coordinate order.
package regulation

import (
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// OnewayCode is the common regulation type code for one-way restrictions
const OnewayCode = "11"

// ShapeCode is the point/line/polygon code of a record
type ShapeCode int

const (
	ShapeUnknown ShapeCode = iota
	ShapePoint
	ShapeLine
	ShapePolygon
)

// ParseShapeCode accepts "1", "2", "3" (and "1.0" style floats)
func ParseShapeCode(s string) ShapeCode {
	switch parseCode(s) {
	case 1:
		return ShapePoint
	case 2:
		return ShapeLine
	case 3:
		return ShapePolygon
	}
	return ShapeUnknown
}

func (s ShapeCode) String() string {
	switch s {
	case ShapePoint:
		return "point"
	case ShapeLine:
		return "line"
	case ShapePolygon:
		return "polygon"
	}
	return "unknown"
}

// DirectionCode tells whether a one-way record's coordinates follow the
// prohibited or the permitted direction of travel
type DirectionCode int

const (
	DirectionUnknown    DirectionCode = iota
	DirectionProhibited               // code 1: order already prohibited-direction
	DirectionDesignated               // code 2: order is the permitted direction
)

// ParseDirectionCode accepts "1", "2", "1.0", "2.0"; anything else is unknown
func ParseDirectionCode(s string) DirectionCode {
	switch parseCode(s) {
	case 1:
		return DirectionProhibited
	case 2:
		return DirectionDesignated
	}
	return DirectionUnknown
}

func (d DirectionCode) String() string {
	switch d {
	case DirectionProhibited:
		return "prohibited"
	case DirectionDesignated:
		return "designated"
	}
	return "unknown"
}

// parseCode returns the integral value of a code cell, or -1
func parseCode(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return -1
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int(f)) {
		return -1
	}
	return int(f)
}

// Record is one parsed input row. Coords are (lon, lat) pairs in file order.
type Record struct {
	Key            string
	Shape          ShapeCode
	RegulationCode string
	Direction      DirectionCode
	Coords         []orb.Point
}

// IsOneway reports whether the record is a directional one-way restriction
func (r Record) IsOneway() bool {
	return NormalizeCode(r.RegulationCode) == OnewayCode
}

// NormalizeCode trims a regulation code and drops a ".0" float suffix
func NormalizeCode(code string) string {
	code = strings.TrimSpace(code)
	if n := parseCode(code); n >= 0 {
		return strconv.Itoa(n)
	}
	return code
}
