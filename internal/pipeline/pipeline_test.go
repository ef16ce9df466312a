package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/wegman-software/jartic2geojson-go/internal/chunk"
	"github.com/wegman-software/jartic2geojson-go/internal/config"
	"github.com/wegman-software/jartic2geojson-go/internal/repair"
	"github.com/wegman-software/jartic2geojson-go/internal/report"
)

// jitterRepairer marks features with a "bad" property as repaired and
// sleeps a little so chunks complete out of order
type jitterRepairer struct {
	rng *rand.Rand
}

func newJitterRepairer() Repairer {
	return &jitterRepairer{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (r *jitterRepairer) Repair(f *geojson.Feature) (*geojson.Feature, repair.Outcome) {
	time.Sleep(time.Duration(r.rng.Intn(300)) * time.Microsecond)
	o := repair.Outcome{FeatureID: repair.FeatureID(f), Method: repair.MethodNone, Success: true, OriginalValid: true}
	if f.Properties["bad"] == true {
		out := *f
		out.Geometry = orb.Point{0, 0}
		o.OriginalValid = false
		o.Method = repair.MethodMakeValid
		return &out, o
	}
	return f, o
}

func testCollection(n int) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for i := 0; i < n; i++ {
		f := geojson.NewFeature(orb.Point{139 + float64(i)/1000, 35})
		f.ID = fmt.Sprintf("k%d", i)
		if i%7 == 0 {
			f.Properties["bad"] = true
		}
		fc.Append(f)
	}
	return fc
}

func writeInput(t *testing.T, dir, name string, fc *geojson.FeatureCollection) Unit {
	t.Helper()
	data, err := json.Marshal(fc)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return Unit{Path: path, Rel: name, Size: int64(len(data))}
}

func testConfig(t *testing.T, workers, chunkSize int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.OutputDir = filepath.Join(t.TempDir(), "out")
	cfg.LogDir = filepath.Join(t.TempDir(), "logs")
	cfg.Workers = workers
	cfg.ChunkSize = chunkSize
	return cfg
}

func TestOrderIdenticalAcrossWorkerCounts(t *testing.T) {
	in := t.TempDir()
	unit := writeInput(t, in, "regulation_11.geojson", testCollection(200))

	var outputs [][]byte
	for _, workers := range []int{1, 2, 8} {
		cfg := testConfig(t, workers, 7)
		agg := report.NewAggregator()
		p := NewProcessor(cfg, nil, agg, nil, newJitterRepairer)

		results, err := p.Run(context.Background(), []Unit{unit})
		if err != nil {
			t.Fatalf("workers=%d: Run failed: %v", workers, err)
		}
		if len(results) != 1 || results[0].Features != 200 {
			t.Fatalf("workers=%d: unexpected results %+v", workers, results)
		}

		data, err := os.ReadFile(filepath.Join(cfg.OutputDir, "regulation_11_fixed.geojson"))
		if err != nil {
			t.Fatalf("workers=%d: missing output: %v", workers, err)
		}
		outputs = append(outputs, data)

		outcomes, err := report.ReadJSONL(filepath.Join(cfg.LogDir, "regulation_11.geojson.outcomes.jsonl"))
		if err != nil {
			t.Fatalf("workers=%d: missing outcome log: %v", workers, err)
		}
		for i, o := range outcomes {
			if o.FeatureID != fmt.Sprintf("k%d", i) {
				t.Fatalf("workers=%d: outcome %d out of order: %s", workers, i, o.FeatureID)
			}
		}

		s := agg.Finalize()
		if s.Total != 200 || s.RepairedByMethod[repair.MethodMakeValid] != 29 {
			t.Errorf("workers=%d: unexpected summary %+v", workers, s)
		}
	}

	for i := 1; i < len(outputs); i++ {
		if !bytes.Equal(outputs[0], outputs[i]) {
			t.Errorf("output %d differs from sequential output", i)
		}
	}

	fc, err := geojson.UnmarshalFeatureCollection(outputs[0])
	if err != nil {
		t.Fatalf("output is not a FeatureCollection: %v", err)
	}
	for i, f := range fc.Features {
		if f.ID != fmt.Sprintf("k%d", i) {
			t.Fatalf("feature %d out of order: %v", i, f.ID)
		}
	}
}

func TestDirectoryRunIsolatesFailures(t *testing.T) {
	in := t.TempDir()
	units := []Unit{
		writeInput(t, in, "a.geojson", testCollection(20)),
		writeInput(t, in, "sub/b.geojson", testCollection(5)),
	}
	corrupt := filepath.Join(in, "c.geojson")
	if err := os.WriteFile(corrupt, []byte(`{"type":"FeatureCollection","features":[{"type":"Feat`), 0644); err != nil {
		t.Fatal(err)
	}
	units = append(units, Unit{Path: corrupt, Rel: "c.geojson"})
	units = append(units, Unit{Path: filepath.Join(in, "missing.geojson"), Rel: "missing.geojson"})

	cfg := testConfig(t, 3, 4)
	agg := report.NewAggregator()
	p := NewProcessor(cfg, nil, agg, nil, newJitterRepairer)

	results, err := p.Run(context.Background(), units)
	if err != nil {
		t.Fatalf("Run returned fatal error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 successful files, got %d", len(results))
	}

	if _, err := os.Stat(filepath.Join(cfg.OutputDir, "sub", "b_fixed.geojson")); err != nil {
		t.Errorf("expected nested output: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.OutputDir, "c_fixed.geojson")); !os.IsNotExist(err) {
		t.Errorf("expected no output for the corrupt file, got %v", err)
	}

	s := agg.Finalize()
	if s.FailedUnits != 2 {
		t.Errorf("expected 2 failed units, got %d", s.FailedUnits)
	}
	if s.Total != 25 {
		t.Errorf("expected 25 features from the good files, got %d", s.Total)
	}
}

func TestRepairCollection(t *testing.T) {
	cfg := testConfig(t, 4, 3)
	agg := report.NewAggregator()
	p := NewProcessor(cfg, nil, agg, nil, newJitterRepairer)

	in := testCollection(50)
	out, err := p.RepairCollection(context.Background(), "all_regulations.geojson", in)
	if err != nil {
		t.Fatalf("RepairCollection failed: %v", err)
	}
	if len(out.Features) != 50 {
		t.Fatalf("expected 50 features, got %d", len(out.Features))
	}
	for i, f := range out.Features {
		if f.ID != fmt.Sprintf("k%d", i) {
			t.Fatalf("feature %d out of order: %v", i, f.ID)
		}
	}
	if _, ok := in.Features[0].Geometry.(orb.Point); !ok || in.Features[0].Geometry.(orb.Point)[0] == 0 {
		t.Error("input collection was modified")
	}
}

func TestRunOrderedFatalStopsDispatch(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("output directory is read-only")

	_, errs, err := RunOrdered(context.Background(), 5, 1, func(ctx context.Context, i int) (int, error) {
		calls.Add(1)
		if i == 1 {
			return 0, &FatalError{Err: boom}
		}
		return i, nil
	})

	if !errors.Is(err, boom) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if errs[0] != nil {
		t.Errorf("unit 0 should have succeeded: %v", errs[0])
	}
	for i := 2; i < 5; i++ {
		if !errors.Is(errs[i], ErrNotDispatched) {
			t.Errorf("unit %d: expected ErrNotDispatched, got %v", i, errs[i])
		}
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 units to run, got %d", calls.Load())
	}
}

func TestRunOrderedUnitErrorsIsolated(t *testing.T) {
	results, errs, err := RunOrdered(context.Background(), 10, 4, func(ctx context.Context, i int) (int, error) {
		time.Sleep(time.Duration(10-i) * time.Millisecond)
		if i%3 == 0 {
			return 0, &UnitError{Unit: fmt.Sprint(i), Err: errors.New("unreadable")}
		}
		return i * i, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 10; i++ {
		if i%3 == 0 {
			var ue *UnitError
			if !errors.As(errs[i], &ue) {
				t.Errorf("unit %d: expected UnitError, got %v", i, errs[i])
			}
			continue
		}
		if errs[i] != nil || results[i] != i*i {
			t.Errorf("unit %d: got %d, %v", i, results[i], errs[i])
		}
	}
}

type failingSink struct {
	after int
	calls int
}

func TestRepairChunksStopsOnSinkError(t *testing.T) {
	for _, workers := range []int{1, 4} {
		src := chunk.NewMemorySource(testCollection(100))
		pool := newEnginePool(workers, newJitterRepairer)
		sink := &failingSink{after: 2}

		err := repairChunks(context.Background(), src, fixedSize(5), pool, workers, func(r chunkResult) error {
			sink.calls++
			if sink.calls > sink.after {
				return errors.New("disk full")
			}
			return nil
		})
		if err == nil || err.Error() != "disk full" {
			t.Errorf("workers=%d: expected sink error, got %v", workers, err)
		}
		if sink.calls != sink.after+1 {
			t.Errorf("workers=%d: expected sink to stop after the failure, got %d calls", workers, sink.calls)
		}
	}
}

// panicRepairer fails on one feature
type panicRepairer struct{}

func (panicRepairer) Repair(f *geojson.Feature) (*geojson.Feature, repair.Outcome) {
	if f.ID == "k13" {
		panic("corrupt geometry")
	}
	return f, repair.Outcome{FeatureID: repair.FeatureID(f), Method: repair.MethodNone, Success: true, OriginalValid: true}
}

func TestRepairChunksPanicIsUnitFailure(t *testing.T) {
	src := chunk.NewMemorySource(testCollection(30))
	pool := newEnginePool(2, func() Repairer { return panicRepairer{} })

	err := repairChunks(context.Background(), src, fixedSize(5), pool, 2, func(chunkResult) error { return nil })
	if err == nil {
		t.Fatal("expected chunk failure")
	}
}

func TestFeatureIDFallback(t *testing.T) {
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(orb.Point{1, 1}))
	fc.Append(geojson.NewFeature(orb.Point{2, 2}))

	src := chunk.NewMemorySource(fc)
	c, _ := src.Next(1)
	c, _ = src.Next(1)

	pool := newEnginePool(1, newJitterRepairer)
	r := pool.repairChunk(c)
	if r.outcomes[0].FeatureID != "feature_1" {
		t.Errorf("expected positional id feature_1, got %q", r.outcomes[0].FeatureID)
	}
}

func TestOutputPath(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.OutputDir = "out"
	p := NewProcessor(cfg, nil, report.NewAggregator(), nil, newJitterRepairer)

	got := p.OutputPath(Unit{Rel: filepath.Join("2024", "regulation_6.geojson")})
	want := filepath.Join("out", "2024", "regulation_6_fixed.geojson")
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}
