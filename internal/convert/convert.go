// Package convert turns regulation CSV exports into GeoJSON feature
// collections, optionally repairing them before they are written.
package convert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/wegman-software/jartic2geojson-go/internal/chunk"
	"github.com/wegman-software/jartic2geojson-go/internal/config"
	"github.com/wegman-software/jartic2geojson-go/internal/ingest"
	"github.com/wegman-software/jartic2geojson-go/internal/logger"
	"github.com/wegman-software/jartic2geojson-go/internal/pipeline"
	"github.com/wegman-software/jartic2geojson-go/internal/repair"
	"github.com/wegman-software/jartic2geojson-go/internal/report"
	"github.com/wegman-software/jartic2geojson-go/internal/topology"
)

// crs84 is the CRS member written with every collection
var crs84 = json.RawMessage(`{"type":"name","properties":{"name":"urn:ogc:def:crs:OGC:1.3:CRS84"}}`)

// OutputFile describes one written collection
type OutputFile struct {
	Path     string
	Code     string
	Features int
	Stats    Stats
}

// Result describes a finished conversion
type Result struct {
	Input    string
	Encoding string
	Rows     int
	Skipped  []SkippedRow
	Files    []OutputFile
}

// Converter converts CSV exports. A nil processor writes features without
// repair.
type Converter struct {
	cfg    *config.Config
	proc   *pipeline.Processor
	agg    *report.Aggregator
	hull   func(orb.Geometry) (orb.Geometry, error)
	logger *zap.Logger
}

// New creates a converter. proc and agg may be nil.
func New(cfg *config.Config, proc *pipeline.Processor, agg *report.Aggregator) *Converter {
	return &Converter{
		cfg:    cfg,
		proc:   proc,
		agg:    agg,
		hull:   topology.NewContext().ConvexHull,
		logger: logger.Get(),
	}
}

// Convert reads one CSV file and writes its collections to the output
// directory. Malformed rows are skipped and reported, never fatal.
func (c *Converter) Convert(ctx context.Context, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()

	r, err := ingest.NewReader(f, c.cfg.PreserveOnewayOrder)
	if err != nil {
		return nil, err
	}
	rows, err := r.ReadAll()
	if err != nil {
		return nil, err
	}

	cols := r.Columns()
	c.logger.Info("Read CSV",
		zap.String("file", path),
		zap.String("encoding", r.Encoding()),
		zap.Int("rows", len(rows)),
		zap.Int("key_column", cols.Key),
		zap.Int("coordinate_column", cols.Coordinates),
		zap.Int("regulation_column", cols.Regulation),
		zap.Int("direction_column", cols.Direction))
	if c.cfg.SplitByRegulation && cols.Regulation < 0 {
		c.logger.Warn("No regulation code column, all rows go to regulation_unknown")
	}

	res := &Result{Input: path, Encoding: r.Encoding(), Rows: len(rows)}
	groups, skipped := c.Build(rows)
	res.Skipped = skipped
	for _, s := range skipped {
		c.logger.Warn("Row skipped", zap.String("key", s.Key), zap.Int("line", s.Line), zap.Error(s.Err))
	}
	c.recordSkipped(filepath.Base(path), skipped)

	if err := os.MkdirAll(c.cfg.OutputDir, 0755); err != nil {
		return nil, &pipeline.FatalError{Err: fmt.Errorf("cannot create output directory: %w", err)}
	}

	// Each collection is its own unit: a failed one is recorded and the rest
	// are still written
	var failed []string
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		out, err := c.writeGroup(ctx, g)
		if err != nil {
			var fatal *pipeline.FatalError
			if errors.As(err, &fatal) || ctx.Err() != nil {
				return res, err
			}
			c.logger.Error("Collection failed", zap.String("file", g.Name), zap.Error(err))
			if c.agg != nil {
				c.agg.FileFailed(g.Name, err)
			}
			failed = append(failed, g.Name)
			continue
		}
		res.Files = append(res.Files, out)
	}
	if len(failed) > 0 {
		return res, fmt.Errorf("%d of %d collections failed: %s", len(failed), len(groups), strings.Join(failed, ", "))
	}
	return res, nil
}

// writeGroup repairs a group unless repair is disabled and writes it
func (c *Converter) writeGroup(ctx context.Context, g *Group) (OutputFile, error) {
	start := time.Now()
	out := OutputFile{Path: filepath.Join(c.cfg.OutputDir, g.Name), Code: g.Code, Stats: g.Stats}

	fc := g.Collection
	if c.proc != nil {
		repaired, err := c.proc.RepairCollection(ctx, g.Name, fc)
		if err != nil {
			return out, err
		}
		fc = repaired
	}

	name, _ := json.Marshal(strings.TrimSuffix(g.Name, filepath.Ext(g.Name)))
	fw, err := chunk.CreateFile(out.Path, map[string]json.RawMessage{"name": name, "crs": crs84})
	if err != nil {
		return out, err
	}
	if err := fw.Write(fc.Features); err != nil {
		fw.Abort()
		return out, fmt.Errorf("failed to write %s: %w", out.Path, err)
	}
	if err := fw.Close(); err != nil {
		return out, err
	}
	out.Features = len(fc.Features)

	if c.agg != nil {
		c.agg.FileDone(g.Name, out.Path, time.Since(start))
	}
	c.logger.Info("Wrote collection",
		zap.String("file", out.Path),
		zap.Int("features", out.Features),
		zap.Int("points", g.Stats.Points),
		zap.Int("lines", g.Stats.Lines),
		zap.Int("polygons", g.Stats.Polygons),
		zap.Int("oneway_prohibited", g.Stats.Prohibited),
		zap.Int("oneway_designated", g.Stats.Designated),
		zap.Int("oneway_unknown", g.Stats.Unknown))
	return out, nil
}

// recordSkipped reports rows without geometry to the aggregator under the
// input file name
func (c *Converter) recordSkipped(name string, skipped []SkippedRow) {
	if c.agg == nil {
		return
	}
	for _, s := range skipped {
		c.agg.Add(name, repair.Outcome{
			FeatureID: s.Key,
			Method:    repair.MethodNone,
			Skipped:   true,
			Err:       s.Err.Error(),
		})
	}
}
