package convert

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/wegman-software/jartic2geojson-go/internal/config"
	"github.com/wegman-software/jartic2geojson-go/internal/ingest"
	"github.com/wegman-software/jartic2geojson-go/internal/regulation"
)

// convexHullMinPoints is the ring size above which convex_hull applies
const convexHullMinPoints = 10

// Group is one output collection
type Group struct {
	Code       string // regulation code, empty when not split
	Name       string // output file name
	Collection *geojson.FeatureCollection
	Stats      Stats
}

// Stats counts the features of a group by geometry and one-way direction
type Stats struct {
	Points     int
	Lines      int
	Polygons   int
	Prohibited int
	Designated int
	Unknown    int
}

// SkippedRow is a row that produced no feature
type SkippedRow struct {
	Key  string
	Line int
	Err  error
}

// entry is a feature under construction. Polygon rows sharing a key add
// rings to the same entry.
type entry struct {
	row   ingest.Row
	shape regulation.ShapeCode
	rings [][]orb.Point
}

// Build groups rows into collections and turns every row into a feature.
// Groups keep the order in which their code first appears; features keep
// row order, with merged polygons at the position of their first row.
func (c *Converter) Build(rows []ingest.Row) ([]*Group, []SkippedRow) {
	type pending struct {
		group   *Group
		entries []*entry
		polys   map[string]*entry
	}

	var order []*pending
	byName := make(map[string]*pending)

	for _, row := range rows {
		name, code := c.groupName(row.Record)
		p, ok := byName[name]
		if !ok {
			p = &pending{
				group: &Group{Code: code, Name: name, Collection: geojson.NewFeatureCollection()},
				polys: make(map[string]*entry),
			}
			byName[name] = p
			order = append(order, p)
		}

		shape := regulation.ResolveShape(row.Record)
		if shape != regulation.ShapePolygon {
			p.entries = append(p.entries, &entry{row: row, shape: shape})
			continue
		}

		ring := c.polygonRing(row.Record.Coords)
		if e, ok := p.polys[row.Record.Key]; ok {
			e.rings = append(e.rings, ring)
			continue
		}
		e := &entry{row: row, shape: shape, rings: [][]orb.Point{ring}}
		p.polys[row.Record.Key] = e
		p.entries = append(p.entries, e)
	}

	groups := make([]*Group, 0, len(order))
	var skipped []SkippedRow
	for _, p := range order {
		for _, e := range p.entries {
			f, err := c.feature(e)
			if err != nil {
				skipped = append(skipped, SkippedRow{Key: e.row.Record.Key, Line: e.row.Line, Err: err})
				continue
			}
			p.group.Collection.Append(f)
			p.group.Stats.add(f)
		}
		groups = append(groups, p.group)
	}
	return groups, skipped
}

// groupName returns the output file name and code for a record
func (c *Converter) groupName(r regulation.Record) (name, code string) {
	if !c.cfg.SplitByRegulation {
		return "all_regulations.geojson", ""
	}
	code = regulation.NormalizeCode(r.RegulationCode)
	if code == "" {
		code = "unknown"
	}
	code = strings.NewReplacer("/", "_", "\\", "_", " ", "_").Replace(code)
	return fmt.Sprintf("regulation_%s.geojson", code), code
}

func (c *Converter) feature(e *entry) (*geojson.Feature, error) {
	rec := e.row.Record

	var geom orb.Geometry
	var err error
	switch {
	case len(e.rings) > 1:
		geom, err = regulation.AssemblePolygon(rec.Key, e.rings)
	case len(e.rings) == 1:
		rec.Coords = e.rings[0]
		geom, err = regulation.Normalize(rec)
	default:
		geom, err = regulation.Normalize(rec)
	}
	if err != nil {
		return nil, err
	}

	f := geojson.NewFeature(geom)
	f.ID = rec.Key
	for k, v := range e.row.Properties {
		f.Properties[k] = v
	}
	if rec.IsOneway() && c.cfg.PreserveOnewayOrder {
		for k, v := range regulation.OnewayProperties(rec.Direction, e.row.RawDirection) {
			f.Properties[k] = v
		}
	}
	return f, nil
}

// polygonRing prepares one polygon row's coordinates with the configured
// method and closes the ring
func (c *Converter) polygonRing(coords []orb.Point) []orb.Point {
	if len(coords) < 3 {
		return coords
	}
	switch c.cfg.PolygonMethod {
	case config.PolygonMethodSortAngle:
		coords = SortByAngle(coords)
	case config.PolygonMethodConvexHull:
		if len(coords) > convexHullMinPoints {
			if hull, ok := c.convexHull(coords); ok {
				return hull
			}
		}
	}
	return regulation.CloseRing(coords)
}

func (c *Converter) convexHull(coords []orb.Point) ([]orb.Point, bool) {
	g, err := c.hull(orb.MultiPoint(coords))
	if err != nil {
		c.logger.Debug("Convex hull failed, using raw ring")
		return nil, false
	}
	poly, ok := g.(orb.Polygon)
	if !ok || len(poly) == 0 {
		return nil, false
	}
	return poly[0], true
}

// SortByAngle orders points counter-clockwise by their angle around the
// centroid. A closing point is dropped first; the result is open.
func SortByAngle(coords []orb.Point) []orb.Point {
	pts := make([]orb.Point, len(coords))
	copy(pts, coords)
	if len(pts) > 1 && pts[0] == pts[len(pts)-1] {
		pts = pts[:len(pts)-1]
	}
	if len(pts) < 3 {
		return pts
	}

	var cx, cy float64
	for _, p := range pts {
		cx += p[0]
		cy += p[1]
	}
	cx /= float64(len(pts))
	cy /= float64(len(pts))

	sort.SliceStable(pts, func(i, j int) bool {
		return math.Atan2(pts[i][1]-cy, pts[i][0]-cx) < math.Atan2(pts[j][1]-cy, pts[j][0]-cx)
	})
	return pts
}

func (s *Stats) add(f *geojson.Feature) {
	switch f.Geometry.(type) {
	case orb.Point:
		s.Points++
	case orb.LineString:
		s.Lines++
	case orb.Polygon:
		s.Polygons++
	}
	switch f.Properties["direction_code_type"] {
	case "prohibited":
		s.Prohibited++
	case "designated":
		s.Designated++
	case "unknown":
		s.Unknown++
	}
}
