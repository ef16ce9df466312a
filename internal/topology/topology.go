// Package topology wraps a GEOS context for validity checks and the
// geometric operations used by the repair stages. A Context is bound to one
// goroutine at a time; create one per worker.
package topology

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/twpayne/go-geos"
)

// ErrEmptyGeometry is returned when an operation produced no geometry
var ErrEmptyGeometry = errors.New("empty geometry")

// Context converts orb geometries to GEOS and back. GEOS errors surface as
// panics from go-geos; every exported method converts them to errors.
type Context struct {
	gctx *geos.Context
}

// NewContext creates a GEOS context owned by the caller
func NewContext() *Context {
	return &Context{gctx: geos.NewContext()}
}

// IsValid reports whether g is topologically valid. The reason is the GEOS
// description of the first problem found, empty when valid.
func (c *Context) IsValid(g orb.Geometry) (valid bool, reason string, err error) {
	err = c.with(g, func(gg *geos.Geom) error {
		if gg.IsValid() {
			valid = true
			return nil
		}
		reason = gg.IsValidReason()
		return nil
	})
	return valid, reason, err
}

// MakeValid runs GEOS MakeValid
func (c *Context) MakeValid(g orb.Geometry) (orb.Geometry, error) {
	return c.transform(g, func(gg *geos.Geom) *geos.Geom {
		return gg.MakeValid()
	})
}

// Buffer buffers g by width with the default 8 quadrant segments
func (c *Context) Buffer(g orb.Geometry, width float64) (orb.Geometry, error) {
	return c.transform(g, func(gg *geos.Geom) *geos.Geom {
		return gg.Buffer(width, 8)
	})
}

// DoubleBuffer buffers out by width and back in by the same amount
func (c *Context) DoubleBuffer(g orb.Geometry, width float64) (orb.Geometry, error) {
	return c.transform(g, func(gg *geos.Geom) *geos.Geom {
		grown := gg.Buffer(width, 8)
		defer grown.Destroy()
		return grown.Buffer(-width, 8)
	})
}

// Simplify runs topology-preserving simplification
func (c *Context) Simplify(g orb.Geometry, tolerance float64) (orb.Geometry, error) {
	return c.transform(g, func(gg *geos.Geom) *geos.Geom {
		return gg.TopologyPreserveSimplify(tolerance)
	})
}

// ConvexHull returns the convex hull of g
func (c *Context) ConvexHull(g orb.Geometry) (orb.Geometry, error) {
	return c.transform(g, func(gg *geos.Geom) *geos.Geom {
		return gg.ConvexHull()
	})
}

func (c *Context) transform(g orb.Geometry, op func(*geos.Geom) *geos.Geom) (orb.Geometry, error) {
	var out orb.Geometry
	err := c.with(g, func(gg *geos.Geom) error {
		res := op(gg)
		if res == nil {
			return ErrEmptyGeometry
		}
		defer res.Destroy()
		if res.IsEmpty() {
			return ErrEmptyGeometry
		}
		decoded, err := wkb.Unmarshal(res.ToWKB())
		if err != nil {
			return fmt.Errorf("failed to decode GEOS result: %w", err)
		}
		out = decoded
		return nil
	})
	return out, err
}

// with converts g into a GEOS geometry, runs fn and releases the geometry.
// Panics raised inside GEOS are returned as errors.
func (c *Context) with(g orb.Geometry, fn func(*geos.Geom) error) (err error) {
	if g == nil {
		return ErrEmptyGeometry
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("geos: %v", r)
		}
	}()

	g, _ = CloseRings(g)
	data, err := wkb.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to encode geometry: %w", err)
	}
	gg, err := c.gctx.NewGeomFromWKB(data)
	if err != nil {
		return fmt.Errorf("failed to build GEOS geometry: %w", err)
	}
	defer gg.Destroy()

	return fn(gg)
}

// CloseRings returns g with every open polygon ring closed by repeating its
// first point, and whether anything changed. g is not modified.
func CloseRings(g orb.Geometry) (orb.Geometry, bool) {
	switch v := g.(type) {
	case orb.Ring:
		return closeRing(v)
	case orb.Polygon:
		return closePolygon(v)
	case orb.MultiPolygon:
		var changed bool
		out := make(orb.MultiPolygon, len(v))
		for i, p := range v {
			var c bool
			out[i], c = closePolygon(p)
			changed = changed || c
		}
		if !changed {
			return g, false
		}
		return out, true
	case orb.Collection:
		var changed bool
		out := make(orb.Collection, len(v))
		for i, member := range v {
			var c bool
			out[i], c = CloseRings(member)
			changed = changed || c
		}
		if !changed {
			return g, false
		}
		return out, true
	}
	return g, false
}

func closePolygon(p orb.Polygon) (orb.Polygon, bool) {
	var changed bool
	out := make(orb.Polygon, len(p))
	for i, r := range p {
		var c bool
		out[i], c = closeRing(r)
		changed = changed || c
	}
	if !changed {
		return p, false
	}
	return out, true
}

func closeRing(r orb.Ring) (orb.Ring, bool) {
	if len(r) == 0 || r.Closed() {
		return r, false
	}
	out := make(orb.Ring, len(r), len(r)+1)
	copy(out, r)
	return append(out, r[0]), true
}
