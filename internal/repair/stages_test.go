package repair

import (
	"errors"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/wegman-software/jartic2geojson-go/internal/topology"
)

func TestGEOSEngineRepairsBowtie(t *testing.T) {
	e := NewGEOSEngine(nil)

	out, outcome := e.Repair(feature("bowtie", badGeom))

	switch outcome.Method {
	case MethodMakeValid, MethodBufferZero, MethodDoubleBuffer:
	default:
		t.Fatalf("expected make_valid, buffer_zero or double_buffer, got %s", outcome.Method)
	}
	if !outcome.Success || outcome.OriginalValid {
		t.Errorf("unexpected outcome: %+v", outcome)
	}

	valid, _, err := topology.NewContext().IsValid(out.Geometry)
	if err != nil || !valid {
		t.Errorf("expected valid output, got valid=%v err=%v", valid, err)
	}
}

func TestGEOSEngineEnvelopeReachable(t *testing.T) {
	gctx := topology.NewContext()
	stages := DefaultStages(gctx)
	for i := 0; i < 3; i++ {
		stages[i].Transform = func(orb.Geometry) (orb.Geometry, error) {
			return nil, errors.New("disabled")
		}
	}
	// simplify keeps the bowtie invalid
	stages[3].Transform = func(g orb.Geometry) (orb.Geometry, error) { return g, nil }

	e := NewEngine(gctx, stages, nil)
	_, outcome := e.Repair(feature("bowtie", badGeom))

	if outcome.Method != MethodEnvelope || !outcome.Success {
		t.Errorf("expected envelope fallback, got %+v", outcome)
	}
}

func TestGEOSEngineIdempotentOnValid(t *testing.T) {
	e := NewGEOSEngine(nil)

	inputs := []orb.Geometry{
		goodGeom,
		orb.LineString{{139.0, 35.0}, {139.1, 35.1}},
		orb.Point{139.7, 35.6},
	}
	for _, g := range inputs {
		out, outcome := e.Repair(feature("v", g))
		if outcome.Method != MethodNone {
			t.Errorf("%s: expected none, got %s", g.GeoJSONType(), outcome.Method)
		}
		if !orb.Equal(out.Geometry, g) {
			t.Errorf("%s: geometry changed: %v", g.GeoJSONType(), out.Geometry)
		}
	}
}

func TestGEOSEngineTerminatesValid(t *testing.T) {
	e := NewGEOSEngine(nil)
	gctx := topology.NewContext()

	inputs := []orb.Geometry{
		// repeated point ring
		orb.Polygon{{{1, 1}, {1, 1}, {1, 1}, {1, 1}}},
		// collinear ring
		orb.Polygon{{{0, 0}, {1, 0}, {2, 0}, {0, 0}}},
		// overlapping holes
		orb.Polygon{
			{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}},
			{{1, 1}, {5, 1}, {5, 5}, {1, 5}, {1, 1}},
			{{3, 3}, {7, 3}, {7, 7}, {3, 7}, {3, 3}},
		},
	}

	for i, g := range inputs {
		out, outcome := e.Repair(feature("degenerate", g))
		if outcome.Method == MethodUnrepairable {
			t.Errorf("input %d: expected a valid result, got unrepairable: %s", i, outcome.Err)
			continue
		}
		valid, reason, err := gctx.IsValid(out.Geometry)
		if err != nil || !valid {
			t.Errorf("input %d: %s result is not valid: %s %v", i, outcome.Method, reason, err)
		}
	}
}

func TestGEOSEngineKeepsProperties(t *testing.T) {
	e := NewGEOSEngine(nil)

	in := geojson.NewFeature(badGeom)
	in.ID = "k"
	in.Properties["regulation_code"] = "6"

	out, _ := e.Repair(in)
	if out.Properties["regulation_code"] != "6" || out.ID != "k" {
		t.Errorf("expected id and properties to carry over, got %v %v", out.ID, out.Properties)
	}
}

func TestGEOSEngineOpenRingRepairedNotEnveloped(t *testing.T) {
	e := NewGEOSEngine(nil)

	openBowtie := orb.Polygon{{{0, 0}, {2, 2}, {2, 0}, {0, 2}}}
	out, outcome := e.Repair(feature("open", openBowtie))

	if outcome.Method == MethodEnvelope || outcome.Method == MethodUnrepairable {
		t.Fatalf("expected a topological repair, got %s", outcome.Method)
	}
	if !outcome.Success || outcome.OriginalValid {
		t.Errorf("unexpected outcome: %+v", outcome)
	}
	valid, _, err := topology.NewContext().IsValid(out.Geometry)
	if err != nil || !valid {
		t.Errorf("expected valid output, got valid=%v err=%v", valid, err)
	}
}
