package cmd

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/wegman-software/jartic2geojson-go/internal/convert"
	"github.com/wegman-software/jartic2geojson-go/internal/logger"
)

var convertCmd = &cobra.Command{
	Use:   "convert <input.csv>",
	Short: "Convert a regulation CSV export to GeoJSON",
	Long: `Convert a JARTIC traffic regulation CSV export to GeoJSON.

This stage:
  1. Detects the file encoding (Shift-JIS or UTF-8) and the special columns
  2. Builds points, lines and polygons; one-way lines are stored in
     prohibited-direction order
  3. Repairs invalid geometries in memory (unless --no-repair)
  4. Writes all_regulations.geojson, or regulation_<code>.geojson per code
     with --split`,
	Args: cobra.ExactArgs(1),
	Run:  runConvert,
}

func init() {
	rootCmd.AddCommand(convertCmd)

	convertCmd.Flags().BoolVarP(&cfg.SplitByRegulation, "split", "s", cfg.SplitByRegulation, "Write one file per regulation code")
	convertCmd.Flags().BoolVar(&cfg.PreserveOnewayOrder, "preserve-oneway-order", cfg.PreserveOnewayOrder, "Keep duplicate one-way coordinates and add direction metadata")
	convertCmd.Flags().StringVar(&cfg.PolygonMethod, "polygon-method", cfg.PolygonMethod, "Polygon construction: raw, convex_hull or sort_angle")
	convertCmd.Flags().BoolVar(&cfg.SkipRepair, "no-repair", cfg.SkipRepair, "Write features without geometry repair")
	convertCmd.Flags().IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "Features per repair chunk")
	convertCmd.Flags().Float64Var(&cfg.MemoryLimit, "memory-limit", cfg.MemoryLimit, "Process memory limit in percent of system memory")
}

func runConvert(cmd *cobra.Command, args []string) {
	cfg.InputPath = args[0]
	log := logger.Get()

	if err := cfg.Validate(); err != nil {
		exitWithError("invalid configuration", err)
	}

	log.Info("Starting conversion",
		zap.String("input", cfg.InputPath),
		zap.String("output", cfg.OutputDir),
		zap.Bool("split", cfg.SplitByRegulation),
		zap.Bool("preserve_oneway_order", cfg.PreserveOnewayOrder),
		zap.String("polygon_method", cfg.PolygonMethod),
		zap.Bool("repair", !cfg.SkipRepair),
		zap.Int("workers", cfg.EffectiveWorkers()))

	ctx, stop := signalContext()
	defer stop()

	start := time.Now()
	var converter *convert.Converter
	var run *repairRun
	if cfg.SkipRepair {
		converter = convert.New(cfg, nil, nil)
	} else {
		run = newRepairRun(ctx)
		converter = convert.New(cfg, run.proc, run.agg)
	}

	res, err := converter.Convert(ctx, cfg.InputPath)
	if run != nil {
		run.finish()
	}
	if err != nil {
		exitWithError("conversion failed", err)
	}

	features := 0
	for _, f := range res.Files {
		features += f.Features
	}
	log.Info("Conversion complete",
		zap.Duration("duration", time.Since(start).Round(time.Millisecond)),
		zap.String("encoding", res.Encoding),
		zap.Int("rows", res.Rows),
		zap.Int("features", features),
		zap.Int("skipped_rows", len(res.Skipped)),
		zap.Int("files", len(res.Files)))
}

func formatPercent(v float64) string {
	return fmt.Sprintf("%.1f%%", v)
}
