package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/wegman-software/jartic2geojson-go/internal/config"
	"github.com/wegman-software/jartic2geojson-go/internal/logger"
)

var (
	cfg        = config.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "jartic2geojson",
	Short: "Convert JARTIC traffic regulation data to GeoJSON and repair geometries",
	Long: `jartic2geojson converts JARTIC traffic regulation CSV exports to GeoJSON and
repairs invalid geometries.

Features:
  - Shift-JIS / UTF-8 CSV ingestion with automatic column detection
  - One-way restrictions normalized to prohibited-direction coordinate order
  - Staged geometry repair (make_valid, buffer, simplify, envelope) via GEOS
  - Chunked, memory-aware parallel processing of large collections
  - Per-file logs, outcome logs (JSONL or Parquet) and run summaries
  - Bulk loading of repaired collections into PostGIS`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		settingsErr := loadSettings(cmd.Flags())

		// Initialize logger with optional file output
		if cfg.LogFile != "" {
			logger.InitWithFile(cfg.Verbose, cfg.LogFile)
		} else {
			logger.Init(cfg.Verbose)
		}

		if settingsErr != nil {
			exitWithError("invalid configuration", settingsErr)
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&cfg.OutputDir, "output-dir", "o", cfg.OutputDir, "Directory for GeoJSON output")
	rootCmd.PersistentFlags().StringVarP(&cfg.LogDir, "log-dir", "l", cfg.LogDir, "Directory for per-file logs and run summaries")
	rootCmd.PersistentFlags().IntVarP(&cfg.Workers, "workers", "j", cfg.Workers, "Number of parallel workers (0 = all CPUs)")

	// Logging and metrics flags
	rootCmd.PersistentFlags().StringVar(&cfg.LogFile, "log-file", "", "Path to log file for persistent logging (JSON format)")
	rootCmd.PersistentFlags().DurationVar(&cfg.MetricsInterval, "metrics-interval", cfg.MetricsInterval, "Interval for system metrics logging (e.g., 10s, 1m)")
	rootCmd.PersistentFlags().StringVar(&cfg.MetricsFile, "metrics-file", "", "Write run metrics in Prometheus text format to this file")

	// Database flags (persistent so they're available to all subcommands)
	rootCmd.PersistentFlags().StringVar(&cfg.DBHost, "db-host", cfg.DBHost, "PostgreSQL host")
	rootCmd.PersistentFlags().IntVar(&cfg.DBPort, "db-port", cfg.DBPort, "PostgreSQL port")
	rootCmd.PersistentFlags().StringVarP(&cfg.DBName, "db-name", "d", cfg.DBName, "PostgreSQL database name")
	rootCmd.PersistentFlags().StringVarP(&cfg.DBUser, "db-user", "U", cfg.DBUser, "PostgreSQL user")
	rootCmd.PersistentFlags().StringVarP(&cfg.DBPassword, "db-password", "W", cfg.DBPassword, "PostgreSQL password")
	rootCmd.PersistentFlags().StringVar(&cfg.DBSchema, "db-schema", cfg.DBSchema, "PostgreSQL schema")
}

// loadSettings layers the config file and JARTIC2GEOJSON_* environment
// variables under the flags given on the command line
func loadSettings(flags *pflag.FlagSet) error {
	explicit := make(map[string]string)
	flags.Visit(func(f *pflag.Flag) {
		explicit[f.Name] = f.Value.String()
	})

	if configFile != "" {
		if err := config.LoadFile(configFile, cfg); err != nil {
			return err
		}
	}
	if err := cfg.ApplyEnv(nil); err != nil {
		return err
	}

	for name, value := range explicit {
		if err := flags.Set(name, value); err != nil {
			return err
		}
	}
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func exitWithError(msg string, err error) {
	log := logger.Get()
	if err != nil {
		log.Error(msg, zap.Error(err))
	} else {
		log.Error(msg)
	}
	logger.Sync()
	os.Exit(1)
}
