package convert

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/wegman-software/jartic2geojson-go/internal/config"
	"github.com/wegman-software/jartic2geojson-go/internal/ingest"
	"github.com/wegman-software/jartic2geojson-go/internal/pipeline"
	"github.com/wegman-software/jartic2geojson-go/internal/regulation"
	"github.com/wegman-software/jartic2geojson-go/internal/repair"
	"github.com/wegman-software/jartic2geojson-go/internal/report"
)

func testRow(key, code, shape, dir string, coords ...orb.Point) ingest.Row {
	return ingest.Row{
		Record: regulation.Record{
			Key:            key,
			Shape:          regulation.ParseShapeCode(shape),
			RegulationCode: code,
			Direction:      regulation.ParseDirectionCode(dir),
			Coords:         coords,
		},
		RawDirection: dir,
		Properties:   map[string]interface{}{"ユニークキー": key, "共通規制種別コード": code},
	}
}

func testConverter(t *testing.T, mutate func(*config.Config)) *Converter {
	cfg := config.DefaultConfig()
	cfg.OutputDir = t.TempDir()
	cfg.LogDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}
	return New(cfg, nil, nil)
}

func TestBuildSplitsByRegulation(t *testing.T) {
	c := testConverter(t, func(cfg *config.Config) { cfg.SplitByRegulation = true })
	rows := []ingest.Row{
		testRow("a", "11", "2", "1", orb.Point{139, 35}, orb.Point{139.1, 35}),
		testRow("b", "6", "1", "", orb.Point{139, 35}),
		testRow("c", "11.0", "2", "2", orb.Point{139, 35}, orb.Point{139.1, 35}),
		testRow("d", "", "1", "", orb.Point{139, 35}),
	}

	groups, skipped := c.Build(rows)
	if len(skipped) != 0 {
		t.Fatalf("unexpected skipped rows: %+v", skipped)
	}
	want := []struct {
		name     string
		features int
	}{
		{"regulation_11.geojson", 2},
		{"regulation_6.geojson", 1},
		{"regulation_unknown.geojson", 1},
	}
	if len(groups) != len(want) {
		t.Fatalf("expected %d groups, got %d", len(want), len(groups))
	}
	for i, w := range want {
		if groups[i].Name != w.name || len(groups[i].Collection.Features) != w.features {
			t.Errorf("group %d: expected %s with %d features, got %s with %d",
				i, w.name, w.features, groups[i].Name, len(groups[i].Collection.Features))
		}
	}
	if groups[0].Stats.Prohibited != 1 || groups[0].Stats.Designated != 1 {
		t.Errorf("unexpected one-way stats %+v", groups[0].Stats)
	}
}

func TestBuildSingleCollection(t *testing.T) {
	c := testConverter(t, nil)
	groups, _ := c.Build([]ingest.Row{
		testRow("a", "11", "2", "1", orb.Point{139, 35}, orb.Point{139.1, 35}),
		testRow("b", "6", "1", "", orb.Point{139, 35}),
	})
	if len(groups) != 1 || groups[0].Name != "all_regulations.geojson" {
		t.Fatalf("expected one all_regulations group, got %+v", groups)
	}
	if groups[0].Collection.Features[0].ID != "a" || groups[0].Collection.Features[1].ID != "b" {
		t.Error("features out of row order")
	}
}

func TestBuildOnewayDirection(t *testing.T) {
	start, end := orb.Point{139.0, 35.0}, orb.Point{139.1, 35.1}

	tests := []struct {
		name      string
		dir       string
		preserve  bool
		wantFirst orb.Point
		wantOrder interface{}
	}{
		{"prohibited", "1", true, start, "original"},
		{"designated", "2", true, end, "reversed"},
		{"unknown", "", true, start, "unknown"},
		{"designated without metadata", "2", false, end, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testConverter(t, func(cfg *config.Config) { cfg.PreserveOnewayOrder = tt.preserve })
			groups, skipped := c.Build([]ingest.Row{testRow("k", "11", "", tt.dir, start, end)})
			if len(skipped) != 0 {
				t.Fatalf("unexpected skip: %v", skipped[0].Err)
			}
			f := groups[0].Collection.Features[0]
			ls, ok := f.Geometry.(orb.LineString)
			if !ok {
				t.Fatalf("expected LineString, got %T", f.Geometry)
			}
			if ls[0] != tt.wantFirst {
				t.Errorf("expected first point %v, got %v", tt.wantFirst, ls[0])
			}
			if got := f.Properties["coordinate_order"]; got != tt.wantOrder {
				t.Errorf("expected coordinate_order %v, got %v", tt.wantOrder, got)
			}
		})
	}
}

func TestBuildMergesPolygonRings(t *testing.T) {
	c := testConverter(t, nil)
	shell := []orb.Point{{0, 0}, {10, 0}, {10, 10}, {0, 10}}
	hole := []orb.Point{{2, 2}, {4, 2}, {4, 4}, {2, 2}}

	groups, skipped := c.Build([]ingest.Row{
		testRow("p", "6", "3", "", shell...),
		testRow("q", "6", "1", "", orb.Point{5, 5}),
		testRow("p", "6", "3", "", hole...),
	})
	if len(skipped) != 0 {
		t.Fatalf("unexpected skip: %v", skipped[0].Err)
	}
	features := groups[0].Collection.Features
	if len(features) != 2 {
		t.Fatalf("expected 2 features, got %d", len(features))
	}
	poly, ok := features[0].Geometry.(orb.Polygon)
	if !ok {
		t.Fatalf("expected merged polygon first, got %T", features[0].Geometry)
	}
	if len(poly) != 2 {
		t.Fatalf("expected shell and hole, got %d rings", len(poly))
	}
	if !poly[0].Closed() || len(poly[0]) != 5 {
		t.Errorf("expected closed shell, got %v", poly[0])
	}
	if poly[1][0] != hole[0] {
		t.Errorf("expected hole in input order, got %v", poly[1])
	}
}

func TestBuildSkipsMalformed(t *testing.T) {
	c := testConverter(t, nil)
	groups, skipped := c.Build([]ingest.Row{
		testRow("line", "6", "2", "", orb.Point{1, 1}),
		testRow("poly", "6", "3", "", orb.Point{1, 1}, orb.Point{2, 2}),
		testRow("empty", "6", "1", ""),
		testRow("ok", "6", "1", "", orb.Point{1, 1}),
	})
	if len(skipped) != 3 {
		t.Fatalf("expected 3 skipped rows, got %d", len(skipped))
	}
	for _, s := range skipped {
		if !errors.Is(s.Err, regulation.ErrMalformedCoordinateSequence) {
			t.Errorf("%s: expected malformed error, got %v", s.Key, s.Err)
		}
	}
	if len(groups[0].Collection.Features) != 1 {
		t.Errorf("expected 1 feature, got %d", len(groups[0].Collection.Features))
	}
}

func TestPolygonMethods(t *testing.T) {
	// 12 points: a square's corners plus interior points, scrambled
	coords := []orb.Point{
		{0, 0}, {5, 5}, {10, 10}, {2, 3}, {10, 0}, {4, 4},
		{0, 10}, {6, 2}, {3, 7}, {7, 7}, {1, 1}, {8, 3},
	}

	hull := testConverter(t, func(cfg *config.Config) { cfg.PolygonMethod = config.PolygonMethodConvexHull })
	ring := hull.polygonRing(coords)
	if len(ring) != 5 || ring[0] != ring[len(ring)-1] {
		t.Errorf("expected closed 4-corner hull, got %v", ring)
	}

	raw := testConverter(t, nil)
	if ring := raw.polygonRing(coords); len(ring) != 13 {
		t.Errorf("expected raw ring closed with 13 points, got %d", len(ring))
	}

	sorted := testConverter(t, func(cfg *config.Config) { cfg.PolygonMethod = config.PolygonMethodSortAngle })
	square := []orb.Point{{0, 0}, {1, 1}, {1, 0}, {0, 1}}
	ring = sorted.polygonRing(square)
	if len(ring) != 5 || !ring[0].Equal(ring[4]) {
		t.Fatalf("expected closed ring, got %v", ring)
	}
	if orb.Ring(ring).Orientation() != orb.CCW {
		t.Errorf("expected counter-clockwise ring, got %v", ring)
	}
}

func TestSortByAngleDropsClosingPoint(t *testing.T) {
	got := SortByAngle([]orb.Point{{1, 0}, {0, 1}, {-1, 0}, {0, -1}, {1, 0}})
	want := []orb.Point{{0, -1}, {1, 0}, {0, 1}, {-1, 0}}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("point %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

const convertCSV = "ユニークキー,共通規制種別コード,点・線・面コード,指定・禁止方向の別コード,規制場所の経度緯度\n" +
	"A1,11,2,2,139.0 35.0;139.1 35.1\n" +
	"B1,6,3,,0.0 0.0;1.0 1.0;1.0 0.0;0.0 1.0;0.0 0.0\n" +
	"C1,6,2,,139.0 35.0\n"

func TestConvertWithRepair(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "regulations.csv")
	if err := os.WriteFile(input, []byte(convertCSV), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.OutputDir = filepath.Join(dir, "out")
	cfg.LogDir = filepath.Join(dir, "logs")
	cfg.SplitByRegulation = true
	cfg.Workers = 2

	agg := report.NewAggregator()
	proc := pipeline.NewProcessor(cfg, nil, agg, nil, func() pipeline.Repairer {
		return repair.NewGEOSEngine(zap.NewNop())
	})
	res, err := New(cfg, proc, agg).Convert(context.Background(), input)
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}

	if res.Encoding != ingest.EncodingUTF8 || res.Rows != 3 || len(res.Skipped) != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if len(res.Files) != 2 {
		t.Fatalf("expected 2 output files, got %d", len(res.Files))
	}

	data, err := os.ReadFile(filepath.Join(cfg.OutputDir, "regulation_11.geojson"))
	if err != nil {
		t.Fatal(err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		t.Fatalf("invalid output: %v", err)
	}
	ls := fc.Features[0].Geometry.(orb.LineString)
	if ls[0] != (orb.Point{139.1, 35.1}) {
		t.Errorf("expected reversed one-way line, got %v", ls)
	}
	if fc.ExtraMembers["name"] != "regulation_11" {
		t.Errorf("expected name member, got %v", fc.ExtraMembers["name"])
	}

	s := agg.Finalize()
	if s.Total != 3 || s.Repaired != 1 || s.Skipped != 1 {
		t.Errorf("unexpected summary: total=%d repaired=%d skipped=%d", s.Total, s.Repaired, s.Skipped)
	}
}

func TestConvertWithoutRepair(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "regulations.csv")
	if err := os.WriteFile(input, []byte(convertCSV), 0644); err != nil {
		t.Fatal(err)
	}

	c := testConverter(t, nil)
	res, err := c.Convert(context.Background(), input)
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if len(res.Files) != 1 || res.Files[0].Features != 2 {
		t.Fatalf("unexpected files %+v", res.Files)
	}

	data, err := os.ReadFile(res.Files[0].Path)
	if err != nil {
		t.Fatal(err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		t.Fatal(err)
	}
	// the bowtie stays invalid without repair
	if p, ok := fc.Features[1].Geometry.(orb.Polygon); !ok || len(p[0]) != 5 {
		t.Errorf("expected unrepaired bowtie, got %v", fc.Features[1].Geometry)
	}
}

// failingRepairer panics on one feature id and passes everything else
type failingRepairer struct {
	id string
}

func (r failingRepairer) Repair(f *geojson.Feature) (*geojson.Feature, repair.Outcome) {
	id := repair.FeatureID(f)
	if id == r.id {
		panic("engine bug")
	}
	return f, repair.Outcome{FeatureID: id, OriginalValid: true, Method: repair.MethodNone, Success: true}
}

func TestConvertContinuesAfterFailedCollection(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "regulations.csv")
	if err := os.WriteFile(input, []byte(convertCSV), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.OutputDir = filepath.Join(dir, "out")
	cfg.LogDir = filepath.Join(dir, "logs")
	cfg.SplitByRegulation = true

	agg := report.NewAggregator()
	proc := pipeline.NewProcessor(cfg, nil, agg, nil, func() pipeline.Repairer {
		return failingRepairer{id: "A1"}
	})
	res, err := New(cfg, proc, agg).Convert(context.Background(), input)
	if err == nil {
		t.Fatal("expected an error for the failed collection")
	}
	if res == nil || len(res.Files) != 1 {
		t.Fatalf("expected 1 written file, got %+v", res)
	}

	if _, err := os.Stat(filepath.Join(cfg.OutputDir, "regulation_6.geojson")); err != nil {
		t.Errorf("expected regulation_6.geojson to be written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.OutputDir, "regulation_11.geojson")); !os.IsNotExist(err) {
		t.Errorf("expected no output for the failed collection, got %v", err)
	}

	s := agg.Finalize()
	if s.FailedUnits != 1 {
		t.Errorf("expected 1 failed unit, got %d", s.FailedUnits)
	}
}
