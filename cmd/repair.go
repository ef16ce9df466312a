package cmd

import (
	"time"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/wegman-software/jartic2geojson-go/internal/logger"
	"github.com/wegman-software/jartic2geojson-go/internal/pipeline"
)

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Repair invalid geometries in GeoJSON files",
	Long: `Repair geometrically invalid features of one GeoJSON file or a directory
of files.

Every invalid feature goes through make_valid, buffer_zero, double_buffer,
simplify and envelope until one produces a valid geometry. Files are streamed
in chunks whose size follows process memory usage; output keeps input order.

Outputs:
  <output-dir>/<relative path>/<name>_fixed.geojson
  <log-dir>/<relative path>.log and .outcomes.jsonl (or .parquet)
  <log-dir>/summary_<timestamp>.json and .txt`,
	Run: runRepair,
}

func init() {
	rootCmd.AddCommand(repairCmd)

	repairCmd.Flags().StringVarP(&cfg.InputPath, "input", "i", "", "Input GeoJSON file or directory")
	repairCmd.Flags().StringVarP(&cfg.Pattern, "pattern", "p", cfg.Pattern, "File name pattern in directory mode")
	repairCmd.Flags().BoolVarP(&cfg.Recursive, "recursive", "r", cfg.Recursive, "Descend into subdirectories")
	repairCmd.Flags().IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "Target features per chunk")
	repairCmd.Flags().Float64Var(&cfg.MemoryLimit, "memory-limit", cfg.MemoryLimit, "Process memory limit in percent of system memory")
	repairCmd.Flags().StringVar(&cfg.OutcomeFormat, "outcome-format", cfg.OutcomeFormat, "Per-feature outcome log format: jsonl or parquet")
}

func runRepair(cmd *cobra.Command, args []string) {
	log := logger.Get()

	if err := cfg.Validate(); err != nil {
		exitWithError("invalid configuration", err)
	}

	units, err := pipeline.Discover(cfg.InputPath, cfg.Pattern, cfg.Recursive, cfg.OutputDir, cfg.LogDir)
	if err != nil {
		exitWithError("failed to discover input files", err)
	}
	if len(units) == 0 {
		log.Warn("No input files matched", zap.String("input", cfg.InputPath), zap.String("pattern", cfg.Pattern))
		return
	}

	log.Info("Starting geometry repair",
		zap.String("input", cfg.InputPath),
		zap.Int("files", len(units)),
		zap.String("output", cfg.OutputDir),
		zap.String("logs", cfg.LogDir),
		zap.Int("chunk_size", cfg.ChunkSize),
		zap.Float64("memory_limit", cfg.MemoryLimit),
		zap.Int("workers", cfg.EffectiveWorkers()),
		zap.String("outcome_format", cfg.OutcomeFormat))

	ctx, stop := signalContext()
	defer stop()

	start := time.Now()
	run := newRepairRun(ctx)
	results, runErr := run.proc.Run(ctx, units)
	summary := run.finish()

	if runErr != nil {
		exitWithError("repair run aborted", runErr)
	}

	log.Info("Repair complete",
		zap.Duration("duration", time.Since(start).Round(time.Millisecond)),
		zap.Int("files_ok", len(results)),
		zap.Int("files_failed", summary.FailedUnits))
	if summary.FailedUnits > 0 {
		exitWithError("some files failed", nil)
	}
}
