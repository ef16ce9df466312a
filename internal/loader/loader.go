package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/wegman-software/jartic2geojson-go/internal/chunk"
	"github.com/wegman-software/jartic2geojson-go/internal/config"
	"github.com/wegman-software/jartic2geojson-go/internal/logger"
	"github.com/wegman-software/jartic2geojson-go/internal/pipeline"
	"github.com/wegman-software/jartic2geojson-go/internal/repair"
	"github.com/wegman-software/jartic2geojson-go/internal/wkb"
)

const tempTable = "regulation_load_tmp"

// Stats holds loader statistics
type Stats struct {
	RowsLoaded  int64
	Files       int
	FailedFiles int
}

// Loader loads GeoJSON feature collections into PostGIS
type Loader struct {
	cfg           *config.Config
	pool          *pgxpool.Pool
	dropExisting  bool
	createIndexes bool
	logger        *zap.Logger
}

// NewLoader creates a new PostgreSQL loader
func NewLoader(ctx context.Context, cfg *config.Config, dropExisting, createIndexes bool) (*Loader, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.EffectiveWorkers())

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	return &Loader{
		cfg:           cfg,
		pool:          pool,
		dropExisting:  dropExisting,
		createIndexes: createIndexes,
		logger:        logger.Get(),
	}, nil
}

// Close closes connections
func (l *Loader) Close() error {
	l.pool.Close()
	return nil
}

// TableName returns the quoted <schema>.<table> target
func (l *Loader) TableName() string {
	return pgx.Identifier{l.cfg.DBSchema, l.cfg.DBTable}.Sanitize()
}

// Run loads every file into the target table. Files are loaded in parallel,
// each in its own transaction; a failed file does not affect the others.
func (l *Loader) Run(ctx context.Context, paths []string) (*Stats, error) {
	if err := l.prepare(ctx); err != nil {
		return nil, err
	}

	counts, errs, err := pipeline.RunOrdered(ctx, len(paths), l.cfg.EffectiveWorkers(), func(ctx context.Context, i int) (int64, error) {
		l.logger.Info("Loading file", zap.String("file", paths[i]))
		n, err := l.loadFile(ctx, paths[i])
		if err != nil {
			return 0, &pipeline.UnitError{Unit: filepath.Base(paths[i]), Err: err}
		}
		l.logger.Info("File loaded", zap.String("file", paths[i]), zap.Int64("rows", n))
		return n, nil
	})
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	for i, e := range errs {
		if e != nil {
			l.logger.Error("Load failed", zap.String("file", paths[i]), zap.Error(e))
			stats.FailedFiles++
			continue
		}
		stats.Files++
		stats.RowsLoaded += counts[i]
	}

	if _, err := l.pool.Exec(ctx, fmt.Sprintf("ALTER TABLE %s SET LOGGED", l.TableName())); err != nil {
		l.logger.Debug("SET LOGGED failed", zap.Error(err))
	}

	if l.createIndexes && stats.Files > 0 {
		l.logger.Info("Creating indexes", zap.String("table", l.TableName()))
		if err := l.createTableIndexes(ctx); err != nil {
			return stats, fmt.Errorf("failed to create indexes: %w", err)
		}
	}
	return stats, nil
}

// prepare creates the PostGIS extension, schema and target table
func (l *Loader) prepare(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS postgis"); err != nil {
		return fmt.Errorf("failed to create PostGIS extension: %w", err)
	}

	if l.cfg.DBSchema != "public" {
		schema := pgx.Identifier{l.cfg.DBSchema}.Sanitize()
		if _, err := l.pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	if l.dropExisting {
		if _, err := l.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", l.TableName())); err != nil {
			return fmt.Errorf("failed to drop table: %w", err)
		}
	}

	// UNLOGGED while loading, switched to LOGGED afterwards
	createSQL := fmt.Sprintf(`
		CREATE UNLOGGED TABLE IF NOT EXISTS %s (
			feature_id TEXT NOT NULL,
			properties JSONB,
			geom GEOMETRY(Geometry, 4326)
		)
	`, l.TableName())
	if _, err := l.pool.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

// loadFile streams one FeatureCollection through COPY into a temp table and
// moves the rows into the target table in a single transaction
func (l *Loader) loadFile(ctx context.Context, path string) (int64, error) {
	src, err := chunk.OpenFile(path)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tempTableSQL := fmt.Sprintf(`
		CREATE TEMP TABLE IF NOT EXISTS %s (
			feature_id TEXT,
			properties TEXT,
			geom_wkb BYTEA
		) ON COMMIT DROP
	`, tempTable)
	if _, err := tx.Exec(ctx, tempTableSQL); err != nil {
		return 0, fmt.Errorf("failed to create temp table: %w", err)
	}

	rows := newRowSource(src, l.cfg.ChunkSize)
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, []string{"feature_id", "properties", "geom_wkb"}, rows); err != nil {
		return 0, fmt.Errorf("COPY failed: %w", err)
	}

	insertSQL := fmt.Sprintf(`
		INSERT INTO %s (feature_id, properties, geom)
		SELECT
			feature_id,
			properties::jsonb,
			ST_GeomFromEWKB(geom_wkb)
		FROM %s
	`, l.TableName(), tempTable)
	tag, err := tx.Exec(ctx, insertSQL)
	if err != nil {
		return 0, fmt.Errorf("failed to insert from temp table: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (l *Loader) createTableIndexes(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SET maintenance_work_mem = '1GB'"); err != nil {
		l.logger.Debug("Could not raise maintenance_work_mem", zap.Error(err))
	}

	table := l.TableName()
	stmts := []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING GIST (geom)",
			pgx.Identifier{l.cfg.DBTable + "_geom_idx"}.Sanitize(), table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (feature_id)",
			pgx.Identifier{l.cfg.DBTable + "_feature_id_idx"}.Sanitize(), table),
		fmt.Sprintf("ANALYZE %s", table),
	}
	for _, stmt := range stmts {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// BuildRows converts a chunk to COPY rows: feature id, properties as JSON
// text and EWKB geometry. Features without geometry get a NULL geom.
func BuildRows(enc *wkb.Encoder, c *chunk.Chunk) ([][]interface{}, error) {
	rows := make([][]interface{}, 0, c.Len())
	for i, f := range c.Features {
		row, err := buildRow(enc, f, c.Offset+i)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func buildRow(enc *wkb.Encoder, f *geojson.Feature, pos int) ([]interface{}, error) {
	id := repair.FeatureID(f)
	if id == "" {
		id = fmt.Sprintf("feature_%d", pos)
	}

	props, err := json.Marshal(f.Properties)
	if err != nil {
		return nil, fmt.Errorf("feature %s: failed to encode properties: %w", id, err)
	}

	var geom []byte
	if f.Geometry != nil {
		b, err := enc.Encode(f.Geometry)
		if err != nil {
			return nil, fmt.Errorf("feature %s: %w", id, err)
		}
		// the encoder reuses its buffer
		geom = append([]byte(nil), b...)
	}
	return []interface{}{id, string(props), geom}, nil
}

// rowSource implements pgx.CopyFromSource, reading chunks lazily so only
// one chunk of a file is held in memory
type rowSource struct {
	src       chunk.Source
	chunkSize int
	enc       *wkb.Encoder
	rows      [][]interface{}
	current   []interface{}
	err       error
}

func newRowSource(src chunk.Source, chunkSize int) *rowSource {
	if chunkSize < 1 {
		chunkSize = 1
	}
	return &rowSource{src: src, chunkSize: chunkSize, enc: wkb.NewEncoder(1024)}
}

func (r *rowSource) Next() bool {
	for len(r.rows) == 0 {
		if r.err != nil {
			return false
		}
		c, err := r.src.Next(r.chunkSize)
		if errors.Is(err, io.EOF) {
			return false
		}
		if err != nil {
			r.err = err
			return false
		}
		r.rows, r.err = BuildRows(r.enc, c)
		if r.err != nil {
			return false
		}
	}
	r.current = r.rows[0]
	r.rows = r.rows[1:]
	return true
}

func (r *rowSource) Values() ([]interface{}, error) {
	return r.current, nil
}

func (r *rowSource) Err() error {
	return r.err
}
