package wkb

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// WKB type constants (ISO SQL/MM specification)
const (
	wkbPoint              = 1
	wkbLineString         = 2
	wkbPolygon            = 3
	wkbMultiPoint         = 4
	wkbMultiLineString    = 5
	wkbMultiPolygon       = 6
	wkbGeometryCollection = 7

	// SRID flag for EWKB (PostGIS extended WKB)
	wkbSRIDFlag = 0x20000000
)

// SRID4326 is WGS84, the only reference system regulation data uses
const SRID4326 = 4326

// Encoder encodes orb geometries to WKB format.
// Uses little-endian byte order and includes SRID on the outermost geometry
// (EWKB format). The returned slice is reused by the next Encode call.
type Encoder struct {
	buf  []byte
	srid uint32
}

// NewEncoder creates a new WKB encoder with pre-allocated buffer and default SRID 4326
func NewEncoder(initialSize int) *Encoder {
	return &Encoder{
		buf:  make([]byte, 0, initialSize),
		srid: SRID4326,
	}
}

// NewEncoderWithSRID creates a new WKB encoder with specified SRID
func NewEncoderWithSRID(initialSize int, srid int) *Encoder {
	return &Encoder{
		buf:  make([]byte, 0, initialSize),
		srid: uint32(srid),
	}
}

// SRID returns the encoder's current SRID
func (e *Encoder) SRID() int {
	return int(e.srid)
}

// Reset clears the buffer for reuse
func (e *Encoder) Reset() {
	e.buf = e.buf[:0]
}

// Bytes returns the encoded WKB bytes
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Encode encodes g as EWKB. Bound and Ring are encoded as polygons.
func (e *Encoder) Encode(g orb.Geometry) ([]byte, error) {
	e.Reset()
	if g == nil {
		return nil, fmt.Errorf("wkb: nil geometry")
	}
	if err := e.appendGeometry(g, true); err != nil {
		return nil, err
	}
	return e.buf, nil
}

// EncodePoint encodes a point as EWKB with SRID
func (e *Encoder) EncodePoint(lon, lat float64) []byte {
	e.Reset()
	// Total size: 1 (byte order) + 4 (type+srid flag) + 4 (srid) + 16 (2 doubles) = 25 bytes
	e.ensureCapacity(25)
	e.appendHeader(wkbPoint, true)
	e.appendPoint(orb.Point{lon, lat})
	return e.buf
}

func (e *Encoder) appendGeometry(g orb.Geometry, top bool) error {
	switch g := g.(type) {
	case orb.Point:
		e.appendHeader(wkbPoint, top)
		e.appendPoint(g)
	case orb.MultiPoint:
		e.appendHeader(wkbMultiPoint, top)
		e.appendUint32(uint32(len(g)))
		for _, p := range g {
			e.appendHeader(wkbPoint, false)
			e.appendPoint(p)
		}
	case orb.LineString:
		e.appendHeader(wkbLineString, top)
		e.appendPoints(g)
	case orb.MultiLineString:
		e.appendHeader(wkbMultiLineString, top)
		e.appendUint32(uint32(len(g)))
		for _, ls := range g {
			e.appendHeader(wkbLineString, false)
			e.appendPoints(ls)
		}
	case orb.Ring:
		e.appendHeader(wkbPolygon, top)
		e.appendRings(orb.Polygon{g})
	case orb.Polygon:
		e.appendHeader(wkbPolygon, top)
		e.appendRings(g)
	case orb.Bound:
		e.appendHeader(wkbPolygon, top)
		e.appendRings(g.ToPolygon())
	case orb.MultiPolygon:
		e.appendHeader(wkbMultiPolygon, top)
		e.appendUint32(uint32(len(g)))
		// Embedded polygons don't carry an SRID
		for _, p := range g {
			e.appendHeader(wkbPolygon, false)
			e.appendRings(p)
		}
	case orb.Collection:
		e.appendHeader(wkbGeometryCollection, top)
		e.appendUint32(uint32(len(g)))
		for _, child := range g {
			if err := e.appendGeometry(child, false); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("wkb: unsupported geometry type %T", g)
	}
	return nil
}

// appendHeader writes the byte order and type, with the SRID for the
// outermost geometry only
func (e *Encoder) appendHeader(typ uint32, withSRID bool) {
	e.buf = append(e.buf, 0x01)
	if withSRID {
		e.appendUint32(typ | wkbSRIDFlag)
		e.appendUint32(e.srid)
		return
	}
	e.appendUint32(typ)
}

func (e *Encoder) appendRings(p orb.Polygon) {
	e.appendUint32(uint32(len(p)))
	for _, r := range p {
		e.appendPoints(r)
	}
}

func (e *Encoder) appendPoints(pts []orb.Point) {
	e.ensureCapacity(len(e.buf) + 4 + len(pts)*16)
	e.appendUint32(uint32(len(pts)))
	for _, p := range pts {
		e.appendPoint(p)
	}
}

// appendPoint writes X=lon, Y=lat
func (e *Encoder) appendPoint(p orb.Point) {
	e.appendFloat64(p[0])
	e.appendFloat64(p[1])
}

func (e *Encoder) ensureCapacity(n int) {
	if cap(e.buf) < n {
		buf := make([]byte, len(e.buf), n)
		copy(buf, e.buf)
		e.buf = buf
	}
}

func (e *Encoder) appendUint32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) appendFloat64(v float64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, math.Float64bits(v))
}
