package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wegman-software/jartic2geojson-go/internal/logger"
	"github.com/wegman-software/jartic2geojson-go/internal/metrics"
	"github.com/wegman-software/jartic2geojson-go/internal/pipeline"
	"github.com/wegman-software/jartic2geojson-go/internal/repair"
	"github.com/wegman-software/jartic2geojson-go/internal/report"
	"github.com/wegman-software/jartic2geojson-go/internal/scheduler"
)

// repairRun bundles the collaborators shared by convert and repair
type repairRun struct {
	proc      *pipeline.Processor
	agg       *report.Aggregator
	collector *metrics.Collector
	metrics   *metrics.RunMetrics
	sched     *scheduler.Scheduler
}

// newRepairRun starts system metrics collection and wires the memory-aware
// scheduler, aggregator and processor. Collection stops with ctx.
func newRepairRun(ctx context.Context) *repairRun {
	log := logger.Get()

	collector := metrics.NewCollector(cfg.MetricsInterval, log)
	go collector.Start(ctx)

	runMetrics := metrics.NewRunMetrics()
	sched := scheduler.New(runMetrics.ObserveMemorySource(collector), cfg.ChunkSize, cfg.MemoryLimit, scheduler.Options{}, log)
	agg := report.NewAggregator()
	proc := pipeline.NewProcessor(cfg, sched, agg, runMetrics, func() pipeline.Repairer {
		return repair.NewGEOSEngine(log)
	})

	return &repairRun{proc: proc, agg: agg, collector: collector, metrics: runMetrics, sched: sched}
}

// finish writes the run summary and the metrics textfile
func (r *repairRun) finish() report.RunSummary {
	log := logger.Get()
	summary := r.agg.Finalize()

	jsonPath, textPath, err := report.WriteSummary(cfg.LogDir, summary)
	if err != nil {
		log.Error("Failed to write summary", zap.Error(err))
	} else {
		log.Info("Summary written", zap.String("json", jsonPath), zap.String("text", textPath))
	}

	if cfg.MetricsFile != "" {
		if err := r.metrics.WriteTextfile(cfg.MetricsFile); err != nil {
			log.Error("Failed to write metrics", zap.Error(err))
		}
	}

	if snap := r.collector.Last(); snap != nil {
		log.Info("Last resource sample",
			zap.String("proc_rss", fmt.Sprintf("%.1f MB", snap.ProcessRSSMB)),
			zap.Float64("proc_mem_pct", snap.ProcessMemory))
	}

	shrinks, pauses := r.sched.Stats()
	log.Info("Run complete",
		zap.Int("features", summary.Total),
		zap.Int("already_valid", summary.AlreadyValid),
		zap.Int("repaired", summary.Repaired),
		zap.Int("unrepairable", summary.Unrepairable),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed_units", summary.FailedUnits),
		zap.String("success_rate", formatPercent(summary.SuccessRate)),
		zap.Int("chunk_shrinks", shrinks),
		zap.Int("memory_pauses", pauses))
	return summary
}
