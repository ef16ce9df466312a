package cmd

import (
	"time"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/wegman-software/jartic2geojson-go/internal/loader"
	"github.com/wegman-software/jartic2geojson-go/internal/logger"
	"github.com/wegman-software/jartic2geojson-go/internal/pipeline"
)

var (
	createIndexes bool
	dropExisting  bool
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load GeoJSON collections into PostgreSQL",
	Long: `Bulk load GeoJSON feature collections into PostgreSQL/PostGIS.

This stage:
  1. Creates the target table (feature_id, properties JSONB, geom)
  2. Streams each file through COPY, one transaction per file
  3. Optionally creates spatial and feature id indexes

Files are loaded in parallel; a file that fails is rolled back and reported.`,
	Run: runLoad,
}

func init() {
	rootCmd.AddCommand(loadCmd)

	loadCmd.Flags().StringVarP(&cfg.InputPath, "input", "i", "", "GeoJSON file or directory")
	loadCmd.Flags().StringVarP(&cfg.Pattern, "pattern", "p", cfg.Pattern, "File name pattern in directory mode")
	loadCmd.Flags().BoolVarP(&cfg.Recursive, "recursive", "r", cfg.Recursive, "Descend into subdirectories")
	loadCmd.Flags().StringVar(&cfg.DBTable, "table", cfg.DBTable, "Target table")
	loadCmd.Flags().IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "Features decoded per batch")
	loadCmd.Flags().BoolVar(&createIndexes, "create-indexes", true, "Create spatial indexes after loading")
	loadCmd.Flags().BoolVar(&dropExisting, "drop-existing", false, "Drop the existing table before loading")
}

func runLoad(cmd *cobra.Command, args []string) {
	log := logger.Get()

	if err := cfg.Validate(); err != nil {
		exitWithError("invalid configuration", err)
	}

	units, err := pipeline.Discover(cfg.InputPath, cfg.Pattern, cfg.Recursive)
	if err != nil {
		exitWithError("failed to discover input files", err)
	}
	paths := make([]string, len(units))
	for i, u := range units {
		paths[i] = u.Path
	}

	log.Info("Starting PostgreSQL load",
		zap.String("input", cfg.InputPath),
		zap.Int("files", len(paths)),
		zap.String("database", cfg.DBName),
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("user", cfg.DBUser),
		zap.String("schema", cfg.DBSchema),
		zap.String("table", cfg.DBTable),
	)

	ctx, stop := signalContext()
	defer stop()

	start := time.Now()

	ldr, err := loader.NewLoader(ctx, cfg, dropExisting, createIndexes)
	if err != nil {
		exitWithError("failed to create loader", err)
	}
	defer ldr.Close()

	stats, err := ldr.Run(ctx, paths)
	if err != nil {
		exitWithError("load failed", err)
	}

	elapsed := time.Since(start)

	log.Info("Load complete",
		zap.Duration("duration", elapsed.Round(time.Second)),
		zap.Int("files", stats.Files),
		zap.Int("failed_files", stats.FailedFiles),
		zap.Int64("rows", stats.RowsLoaded),
		zap.Float64("throughput_rows_s", float64(stats.RowsLoaded)/elapsed.Seconds()),
	)
}
