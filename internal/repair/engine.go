package repair

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/wegman-software/jartic2geojson-go/internal/topology"
)

// Validator decides whether a geometry is topologically valid
type Validator interface {
	IsValid(g orb.Geometry) (valid bool, reason string, err error)
}

// Stage is one corrective transform in the fallback chain
type Stage struct {
	Method    Method
	Transform func(orb.Geometry) (orb.Geometry, error)
}

// Engine validates features and runs the stage chain on invalid ones.
// An Engine is not safe for concurrent use; give each worker its own.
type Engine struct {
	validator Validator
	stages    []Stage
	logger    *zap.Logger
}

// NewEngine creates an engine trying stages in the given order
func NewEngine(validator Validator, stages []Stage, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		validator: validator,
		stages:    stages,
		logger:    logger,
	}
}

// Repair returns a feature carrying a valid geometry and the outcome record.
// The input feature is never modified. Stage errors and panics are absorbed;
// when every stage fails the original geometry is kept and the outcome is
// unrepairable.
func (e *Engine) Repair(f *geojson.Feature) (*geojson.Feature, Outcome) {
	out := Outcome{FeatureID: FeatureID(f)}

	if f == nil || f.Geometry == nil {
		out.Method = MethodNone
		out.Skipped = true
		out.Err = "feature has no geometry"
		return f, out
	}

	// Open rings are closed first, the way a geometry constructor would
	geom, closed := topology.CloseRings(f.Geometry)

	valid, reason, err := e.validator.IsValid(geom)
	if err == nil && valid {
		out.OriginalValid = true
		out.Method = MethodNone
		out.Success = true
		if closed {
			return withGeometry(f, geom), out
		}
		return f, out
	}
	if err != nil {
		reason = err.Error()
	}
	out.Reason = reason

	var lastErr error
	for _, stage := range e.stages {
		g, err := e.attempt(stage, geom)
		if err != nil {
			lastErr = err
			e.logger.Debug("Repair stage failed",
				zap.String("feature_id", out.FeatureID),
				zap.String("method", string(stage.Method)),
				zap.Error(err))
			continue
		}

		out.Method = stage.Method
		out.Success = true
		return withGeometry(f, g), out
	}

	out.Method = MethodUnrepairable
	if lastErr != nil {
		out.Err = lastErr.Error()
	}
	return f, out
}

// attempt runs a single stage and validates its result
func (e *Engine) attempt(stage Stage, g orb.Geometry) (result orb.Geometry, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("%w: %s: panic: %v", ErrRepairStageFailure, stage.Method, r)
		}
	}()

	result, err = stage.Transform(g)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRepairStageFailure, stage.Method, err)
	}
	if result == nil || isEmpty(result) {
		return nil, fmt.Errorf("%w: %s: empty result", ErrRepairStageFailure, stage.Method)
	}

	valid, reason, err := e.validator.IsValid(result)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRepairStageFailure, stage.Method, err)
	}
	if !valid {
		return nil, fmt.Errorf("%w: %s: still invalid: %s", ErrRepairStageFailure, stage.Method, reason)
	}
	return result, nil
}

func withGeometry(f *geojson.Feature, g orb.Geometry) *geojson.Feature {
	out := *f
	out.Geometry = g
	out.BBox = nil
	return &out
}

func isEmpty(g orb.Geometry) bool {
	switch v := g.(type) {
	case orb.Point:
		return false
	case orb.MultiPoint:
		return len(v) == 0
	case orb.LineString:
		return len(v) == 0
	case orb.MultiLineString:
		return len(v) == 0
	case orb.Ring:
		return len(v) == 0
	case orb.Polygon:
		return len(v) == 0 || len(v[0]) == 0
	case orb.MultiPolygon:
		return len(v) == 0
	case orb.Collection:
		return len(v) == 0
	case orb.Bound:
		return false
	}
	return false
}

// FeatureID returns the feature's id as text, falling back to an "id" or
// unique-key property
func FeatureID(f *geojson.Feature) string {
	if f == nil {
		return ""
	}
	if f.ID != nil {
		return fmt.Sprint(f.ID)
	}
	for _, key := range []string{"id", "ユニークキー"} {
		if v, ok := f.Properties[key]; ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return ""
}
