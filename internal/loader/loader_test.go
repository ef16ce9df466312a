package loader

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/wegman-software/jartic2geojson-go/internal/chunk"
	"github.com/wegman-software/jartic2geojson-go/internal/config"
	"github.com/wegman-software/jartic2geojson-go/internal/wkb"
)

func TestBuildRows(t *testing.T) {
	fc := geojson.NewFeatureCollection()
	a := geojson.NewFeature(orb.LineString{{139.0, 35.0}, {139.1, 35.1}})
	a.ID = "A1"
	a.Properties["regulation_code"] = "11"
	fc.Append(a)
	b := geojson.NewFeature(nil)
	fc.Append(b)

	c, err := chunk.NewMemorySource(fc).Next(10)
	if err != nil {
		t.Fatal(err)
	}
	rows, err := BuildRows(wkb.NewEncoder(0), c)
	if err != nil {
		t.Fatalf("BuildRows failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}

	if rows[0][0] != "A1" {
		t.Errorf("expected id A1, got %v", rows[0][0])
	}
	var props map[string]interface{}
	if err := json.Unmarshal([]byte(rows[0][1].(string)), &props); err != nil {
		t.Fatalf("properties are not JSON: %v", err)
	}
	if props["regulation_code"] != "11" {
		t.Errorf("expected regulation_code 11, got %v", props["regulation_code"])
	}
	geom := rows[0][2].([]byte)
	if binary.LittleEndian.Uint32(geom[5:9]) != wkb.SRID4326 {
		t.Errorf("expected SRID 4326 in EWKB")
	}

	if rows[1][0] != "feature_1" {
		t.Errorf("expected positional id feature_1, got %v", rows[1][0])
	}
	if rows[1][2].([]byte) != nil {
		t.Errorf("expected NULL geometry, got %v", rows[1][2])
	}
}

func TestRowsDoNotShareEncoderBuffer(t *testing.T) {
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(orb.Point{1, 1}))
	fc.Append(geojson.NewFeature(orb.Point{2, 2}))

	c, _ := chunk.NewMemorySource(fc).Next(2)
	rows, err := BuildRows(wkb.NewEncoder(64), c)
	if err != nil {
		t.Fatal(err)
	}
	first := rows[0][2].([]byte)
	second := rows[1][2].([]byte)
	if string(first) == string(second) {
		t.Error("rows share the encoder buffer")
	}
}

func TestRowSourceStreamsChunks(t *testing.T) {
	fc := geojson.NewFeatureCollection()
	for i := 0; i < 7; i++ {
		fc.Append(geojson.NewFeature(orb.Point{float64(i), 0}))
	}
	data, err := json.Marshal(fc)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "r.geojson")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	src, err := chunk.OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	rs := newRowSource(src, 3)
	n := 0
	for rs.Next() {
		vals, _ := rs.Values()
		if vals[0] == "" {
			t.Errorf("row %d has no id", n)
		}
		n++
	}
	if rs.Err() != nil {
		t.Fatalf("unexpected error: %v", rs.Err())
	}
	if n != 7 {
		t.Errorf("expected 7 rows, got %d", n)
	}
	if _, err := src.Next(1); err != io.EOF {
		t.Errorf("expected source to be drained, got %v", err)
	}
}

func TestTableNameQuoted(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DBSchema = "traffic"
	cfg.DBTable = "regulations"
	l := &Loader{cfg: cfg}
	if got := l.TableName(); got != `"traffic"."regulations"` {
		t.Errorf("expected quoted name, got %s", got)
	}
}
