package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Outcome log formats
const (
	OutcomeFormatJSONL   = "jsonl"
	OutcomeFormatParquet = "parquet"
)

// Polygon construction methods for convert
const (
	PolygonMethodRaw        = "raw"
	PolygonMethodConvexHull = "convex_hull"
	PolygonMethodSortAngle  = "sort_angle"
)

// envPrefix is prepended to upper-cased YAML keys for environment overrides
const envPrefix = "JARTIC2GEOJSON_"

// FatalConfigurationError reports an invalid setting detected before any work is dispatched
type FatalConfigurationError struct {
	Field  string
	Reason string
}

func (e *FatalConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Config holds the global configuration for convert, repair and load runs
type Config struct {
	// Input settings
	InputPath string `yaml:"input"`
	Pattern   string `yaml:"pattern"`
	Recursive bool   `yaml:"recursive"`

	// Output settings
	OutputDir     string `yaml:"output_dir"`
	LogDir        string `yaml:"log_dir"`
	OutcomeFormat string `yaml:"outcome_format"`

	// Conversion settings
	SplitByRegulation   bool   `yaml:"split_by_regulation"`
	PreserveOnewayOrder bool   `yaml:"preserve_oneway_order"`
	PolygonMethod       string `yaml:"polygon_method"`
	SkipRepair          bool   `yaml:"skip_repair"`

	// Processing settings
	Workers     int     `yaml:"workers"`      // 0 = all CPUs, 1 = sequential
	ChunkSize   int     `yaml:"chunk_size"`   // features per chunk
	MemoryLimit float64 `yaml:"memory_limit"` // percent of system memory

	// Database settings
	DBHost     string `yaml:"db_host"`
	DBPort     int    `yaml:"db_port"`
	DBName     string `yaml:"db_name"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBSchema   string `yaml:"db_schema"`
	DBTable    string `yaml:"db_table"`

	// Logging and metrics
	Verbose         bool          `yaml:"verbose"`
	LogFile         string        `yaml:"log_file"`         // empty = no file logging
	MetricsInterval time.Duration `yaml:"metrics_interval"` // system metrics logging interval
	MetricsFile     string        `yaml:"metrics_file"`     // Prometheus textfile output
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Pattern:             "*.geojson",
		OutputDir:           "output",
		LogDir:              "geometry_logs",
		OutcomeFormat:       OutcomeFormatJSONL,
		PreserveOnewayOrder: true,
		PolygonMethod:       PolygonMethodRaw,
		Workers:             1,
		ChunkSize:           1000,
		MemoryLimit:         80.0,
		DBHost:              "localhost",
		DBPort:              5432,
		DBName:              "jartic",
		DBUser:              "postgres",
		DBSchema:            "public",
		DBTable:             "regulations",
		MetricsInterval:     30 * time.Second,
	}
}

// LoadFile overlays a YAML configuration file onto cfg
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return nil
}

// ApplyEnv overrides settings from JARTIC2GEOJSON_<KEY> environment variables.
// Keys are the YAML names upper-cased, e.g. JARTIC2GEOJSON_CHUNK_SIZE.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(envPrefix + key); ok {
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "true", "yes", "1", "y":
				*dst = true
			default:
				*dst = false
			}
		}
	}
	integer := func(key string, dst *int) error {
		if v, ok := lookup(envPrefix + key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return &FatalConfigurationError{Field: strings.ToLower(key), Reason: fmt.Sprintf("not an integer: %q", v)}
			}
			*dst = n
		}
		return nil
	}

	str("OUTPUT_DIR", &c.OutputDir)
	str("LOG_DIR", &c.LogDir)
	str("POLYGON_METHOD", &c.PolygonMethod)
	str("OUTCOME_FORMAT", &c.OutcomeFormat)
	boolean("SPLIT_BY_REGULATION", &c.SplitByRegulation)
	boolean("PRESERVE_ONEWAY_ORDER", &c.PreserveOnewayOrder)
	boolean("VERBOSE", &c.Verbose)
	if err := integer("WORKERS", &c.Workers); err != nil {
		return err
	}
	if err := integer("CHUNK_SIZE", &c.ChunkSize); err != nil {
		return err
	}
	if v, ok := lookup(envPrefix + "MEMORY_LIMIT"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return &FatalConfigurationError{Field: "memory_limit", Reason: fmt.Sprintf("not a number: %q", v)}
		}
		c.MemoryLimit = f
	}
	return nil
}

// EffectiveWorkers resolves the worker count (0 means all available CPUs)
func (c *Config) EffectiveWorkers() int {
	if c.Workers == 0 {
		return runtime.NumCPU()
	}
	return c.Workers
}

// ConnectionString returns a PostgreSQL connection string
func (c *Config) ConnectionString() string {
	connStr := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBName, c.DBUser,
	)
	if c.DBPassword != "" {
		connStr += fmt.Sprintf(" password=%s", c.DBPassword)
	}
	return connStr
}

// Validate checks the resource and output settings.
// Every failure is a *FatalConfigurationError.
func (c *Config) Validate() error {
	if c.InputPath == "" {
		return &FatalConfigurationError{Field: "input", Reason: "input path is required"}
	}
	if c.ChunkSize < 1 {
		return &FatalConfigurationError{Field: "chunk_size", Reason: fmt.Sprintf("must be a positive integer, got %d", c.ChunkSize)}
	}
	if c.MemoryLimit <= 0 || c.MemoryLimit > 100 {
		return &FatalConfigurationError{Field: "memory_limit", Reason: fmt.Sprintf("must be within (0, 100], got %.1f", c.MemoryLimit)}
	}
	if c.Workers < 0 {
		return &FatalConfigurationError{Field: "workers", Reason: fmt.Sprintf("must be >= 0, got %d", c.Workers)}
	}
	switch c.OutcomeFormat {
	case OutcomeFormatJSONL, OutcomeFormatParquet:
	default:
		return &FatalConfigurationError{Field: "outcome_format", Reason: fmt.Sprintf("unknown format %q", c.OutcomeFormat)}
	}
	switch c.PolygonMethod {
	case PolygonMethodRaw, PolygonMethodConvexHull, PolygonMethodSortAngle:
	default:
		return &FatalConfigurationError{Field: "polygon_method", Reason: fmt.Sprintf("unknown method %q", c.PolygonMethod)}
	}
	return nil
}
