package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/wegman-software/jartic2geojson-go/internal/chunk"
	"github.com/wegman-software/jartic2geojson-go/internal/config"
	"github.com/wegman-software/jartic2geojson-go/internal/logger"
	"github.com/wegman-software/jartic2geojson-go/internal/metrics"
	"github.com/wegman-software/jartic2geojson-go/internal/parquet"
	"github.com/wegman-software/jartic2geojson-go/internal/repair"
	"github.com/wegman-software/jartic2geojson-go/internal/report"
)

// Unit is one input file. Rel is its path relative to the input root and
// names the unit in logs, outputs and the summary.
type Unit struct {
	Path string
	Rel  string
	Size int64
}

// FileResult describes a successfully repaired file
type FileResult struct {
	Unit     Unit
	Output   string
	Features int
	Chunks   int
	Duration time.Duration
}

// Processor repairs GeoJSON files chunk by chunk
type Processor struct {
	cfg     *config.Config
	sched   ChunkScheduler
	agg     *report.Aggregator
	metrics *metrics.RunMetrics
	engines *enginePool
	logger  *zap.Logger
}

// NewProcessor creates a processor. sched may be nil for a fixed chunk
// size; runMetrics may be nil.
func NewProcessor(cfg *config.Config, sched ChunkScheduler, agg *report.Aggregator, runMetrics *metrics.RunMetrics, newEngine func() Repairer) *Processor {
	if sched == nil {
		sched = fixedSize(cfg.ChunkSize)
	}
	return &Processor{
		cfg:     cfg,
		sched:   sched,
		agg:     agg,
		metrics: runMetrics,
		engines: newEnginePool(cfg.EffectiveWorkers(), newEngine),
		logger:  logger.Get(),
	}
}

// OutputPath returns <output>/<rel-dir>/<stem>_fixed<ext>
func (p *Processor) OutputPath(u Unit) string {
	ext := filepath.Ext(u.Rel)
	return filepath.Join(p.cfg.OutputDir, strings.TrimSuffix(u.Rel, ext)+"_fixed"+ext)
}

func (p *Processor) logPath(u Unit, suffix string) string {
	return filepath.Join(p.cfg.LogDir, u.Rel+suffix)
}

// Run repairs every unit. With several files and several workers, files are
// processed in parallel and chunks within a file sequentially; otherwise
// chunks of each file are processed in parallel. Unit failures are recorded
// in the aggregator; only a fatal error is returned.
func (p *Processor) Run(ctx context.Context, units []Unit) ([]FileResult, error) {
	for _, dir := range []string{p.cfg.OutputDir, p.cfg.LogDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &FatalError{Err: fmt.Errorf("cannot create directory %s: %w", dir, err)}
		}
	}

	workers := p.cfg.EffectiveWorkers()
	fileWorkers, chunkWorkers := 1, workers
	if len(units) > 1 && workers > 1 {
		fileWorkers, chunkWorkers = workers, 1
	}

	var totalBytes int64
	for _, u := range units {
		totalBytes += u.Size
	}
	progress := NewProgressTracker(totalBytes, "repair")
	var doneFiles, doneBytes, doneFeatures atomic.Int64

	p.logger.Info("Starting repair run",
		zap.Int("files", len(units)),
		zap.String("input_size", FormatBytes(totalBytes)),
		zap.Int("workers", workers),
		zap.Int("file_workers", fileWorkers),
		zap.Int("chunk_workers", chunkWorkers),
		zap.Int("chunk_size", p.cfg.ChunkSize),
		zap.Float64("memory_limit", p.cfg.MemoryLimit))

	results, errs, fatal := RunOrdered(ctx, len(units), fileWorkers, func(ctx context.Context, i int) (FileResult, error) {
		res, err := p.ProcessFile(ctx, units[i], chunkWorkers)

		files := doneFiles.Add(1)
		bytes := doneBytes.Add(units[i].Size)
		features := doneFeatures.Add(int64(res.Features))
		prog := progress.Calculate(features, bytes)
		p.logger.Info("Progress",
			zap.Int64("files_done", files),
			zap.Int("files_total", len(units)),
			zap.String("pct", fmt.Sprintf("%.1f%%", prog.Percentage)),
			zap.String("rate", FormatThroughput(prog.Throughput)),
			zap.String("eta", FormatETA(prog.ETA)))
		return res, err
	})

	var ok []FileResult
	for i, err := range errs {
		u := units[i]
		if err != nil {
			if !errors.Is(err, ErrNotDispatched) {
				p.logger.Error("File failed", zap.String("file", u.Rel), zap.Error(err))
			}
			p.agg.FileFailed(u.Rel, err)
			p.observeUnit(true)
			continue
		}
		p.agg.FileDone(u.Rel, results[i].Output, results[i].Duration)
		p.observeUnit(false)
		ok = append(ok, results[i])
	}

	return ok, fatal
}

// ProcessFile repairs one file using up to workers goroutines for its
// chunks. Output is written to a temporary file and moved into place only
// when every chunk succeeded.
func (p *Processor) ProcessFile(ctx context.Context, u Unit, workers int) (FileResult, error) {
	start := time.Now()
	res := FileResult{Unit: u, Output: p.OutputPath(u)}

	src, err := chunk.OpenFile(u.Path)
	if err != nil {
		return res, &UnitError{Unit: u.Rel, Err: err}
	}
	defer src.Close()

	members, err := src.Members()
	if err != nil {
		return res, &UnitError{Unit: u.Rel, Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(res.Output), 0755); err != nil {
		return res, &FatalError{Err: fmt.Errorf("cannot create output directory: %w", err)}
	}
	fw, err := chunk.CreateFile(res.Output, members)
	if err != nil {
		return res, &UnitError{Unit: u.Rel, Err: err}
	}

	flog, err := logger.ForFile(p.logPath(u, ".log"), p.cfg.Verbose)
	if err != nil {
		fw.Abort()
		return res, &UnitError{Unit: u.Rel, Err: err}
	}
	defer flog.Close()

	ow, err := p.newOutcomeWriter(u)
	if err != nil {
		fw.Abort()
		return res, &UnitError{Unit: u.Rel, Err: err}
	}

	flog.Info("Processing file",
		zap.String("input", u.Path),
		zap.String("output", res.Output),
		zap.Int("workers", workers))

	var counts fileCounts
	err = repairChunks(ctx, src, p.sched, p.engines, workers, func(r chunkResult) error {
		if err := fw.Write(r.features); err != nil {
			return fmt.Errorf("failed to write features: %w", err)
		}
		if err := ow.Write(r.outcomes); err != nil {
			return fmt.Errorf("failed to write outcomes: %w", err)
		}
		p.agg.Add(u.Rel, r.outcomes...)
		p.observeChunk(r)
		counts.add(flog.Logger, r.outcomes)
		res.Chunks++
		res.Features += len(r.features)
		return nil
	})
	if closeErr := ow.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close outcome log: %w", closeErr)
	}
	if err != nil {
		fw.Abort()
		flog.Error("File failed", zap.Error(err))
		return res, &UnitError{Unit: u.Rel, Err: err}
	}
	fw.AddMembers(src.TrailingMembers())
	if err := fw.Close(); err != nil {
		flog.Error("File failed", zap.Error(err))
		return res, &UnitError{Unit: u.Rel, Err: err}
	}

	res.Duration = time.Since(start)
	flog.Info("File complete",
		zap.Int("features", res.Features),
		zap.Int("chunks", res.Chunks),
		zap.Int("already_valid", counts.valid),
		zap.Int("repaired", counts.repaired),
		zap.Int("unrepairable", counts.unrepairable),
		zap.Int("skipped", counts.skipped),
		zap.Duration("duration", res.Duration.Round(time.Millisecond)))
	return res, nil
}

// RepairCollection repairs an in-memory collection and returns a new one in
// the same order. Outcomes are recorded under name.
func (p *Processor) RepairCollection(ctx context.Context, name string, fc *geojson.FeatureCollection) (*geojson.FeatureCollection, error) {
	out := geojson.NewFeatureCollection()
	out.ExtraMembers = fc.ExtraMembers

	src := chunk.NewMemorySource(fc)
	err := repairChunks(ctx, src, p.sched, p.engines, p.cfg.EffectiveWorkers(), func(r chunkResult) error {
		out.Features = append(out.Features, r.features...)
		p.agg.Add(name, r.outcomes...)
		p.observeChunk(r)
		return nil
	})
	if err != nil {
		p.agg.FileFailed(name, err)
		return nil, &UnitError{Unit: name, Err: err}
	}
	return out, nil
}

func (p *Processor) newOutcomeWriter(u Unit) (report.OutcomeWriter, error) {
	if p.cfg.OutcomeFormat == config.OutcomeFormatParquet {
		return parquet.NewOutcomeWriter(p.logPath(u, ".outcomes.parquet"), p.cfg.ChunkSize)
	}
	return report.NewJSONLWriter(p.logPath(u, ".outcomes.jsonl"))
}

func (p *Processor) observeChunk(r chunkResult) {
	if p.metrics == nil {
		return
	}
	p.metrics.ObserveChunk(r.size)
	for _, o := range r.outcomes {
		p.metrics.ObserveFeature(string(o.Method))
	}
}

func (p *Processor) observeUnit(failed bool) {
	if p.metrics != nil {
		p.metrics.ObserveUnit(failed)
	}
}

// fileCounts tallies outcomes for the per-file log
type fileCounts struct {
	valid, repaired, unrepairable, skipped int
}

func (c *fileCounts) add(log *zap.Logger, outcomes []repair.Outcome) {
	for _, o := range outcomes {
		switch {
		case o.Skipped:
			c.skipped++
			log.Warn("Feature skipped", zap.String("feature_id", o.FeatureID), zap.String("error", o.Err))
		case o.OriginalValid:
			c.valid++
		case o.Success:
			c.repaired++
			log.Info("Feature repaired",
				zap.String("feature_id", o.FeatureID),
				zap.String("method", string(o.Method)),
				zap.String("reason", o.Reason))
		default:
			c.unrepairable++
			log.Warn("Feature unrepairable",
				zap.String("feature_id", o.FeatureID),
				zap.String("reason", o.Reason),
				zap.String("error", o.Err))
		}
	}
}
