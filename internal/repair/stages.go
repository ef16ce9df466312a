package repair

import (
	"errors"
	"math"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/wegman-software/jartic2geojson-go/internal/topology"
)

const (
	bufferFraction    = 1e-6
	minBufferDistance = 1e-9

	simplifyFraction = 1e-7
	simplifyGrowth   = 10.0
	simplifyAttempts = 5
)

// NewGEOSEngine creates an engine backed by its own GEOS context
func NewGEOSEngine(logger *zap.Logger) *Engine {
	gctx := topology.NewContext()
	return NewEngine(gctx, DefaultStages(gctx), logger)
}

// DefaultStages returns make_valid, buffer_zero, double_buffer, simplify and
// envelope in that order
func DefaultStages(gctx *topology.Context) []Stage {
	return []Stage{
		{Method: MethodMakeValid, Transform: gctx.MakeValid},
		{Method: MethodBufferZero, Transform: func(g orb.Geometry) (orb.Geometry, error) {
			return gctx.Buffer(g, 0)
		}},
		{Method: MethodDoubleBuffer, Transform: func(g orb.Geometry) (orb.Geometry, error) {
			return gctx.DoubleBuffer(g, BufferDistance(g))
		}},
		{Method: MethodSimplify, Transform: simplifyStage(gctx)},
		{Method: MethodEnvelope, Transform: Envelope},
	}
}

// BufferDistance scales the double buffer to the geometry's extent
func BufferDistance(g orb.Geometry) float64 {
	return math.Max(extent(g)*bufferFraction, minBufferDistance)
}

func extent(g orb.Geometry) float64 {
	b := g.Bound()
	return math.Max(b.Max[0]-b.Min[0], b.Max[1]-b.Min[1])
}

// simplifyStage retries topology-preserving simplification with a growing
// tolerance. The result must also pass the validator, which the engine checks
// on return, so only GEOS-valid candidates stop the loop early.
func simplifyStage(gctx *topology.Context) func(orb.Geometry) (orb.Geometry, error) {
	return func(g orb.Geometry) (orb.Geometry, error) {
		tolerance := math.Max(extent(g)*simplifyFraction, minBufferDistance)

		var lastErr error
		for i := 0; i < simplifyAttempts; i++ {
			out, err := gctx.Simplify(g, tolerance)
			tolerance *= simplifyGrowth
			if err != nil {
				lastErr = err
				continue
			}
			valid, _, err := gctx.IsValid(out)
			if err == nil && valid {
				return out, nil
			}
			lastErr = errors.New("simplified geometry still invalid")
		}
		return nil, lastErr
	}
}

// Envelope replaces g with its bounding rectangle. Degenerate bounds are
// padded so the rectangle has area.
func Envelope(g orb.Geometry) (orb.Geometry, error) {
	if g == nil || isEmpty(g) {
		return nil, topology.ErrEmptyGeometry
	}
	b := g.Bound()
	for _, v := range []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.New("bound is not finite")
		}
	}

	pad := BufferDistance(g)
	if b.Max[0]-b.Min[0] == 0 {
		b.Min[0] -= pad
		b.Max[0] += pad
	}
	if b.Max[1]-b.Min[1] == 0 {
		b.Min[1] -= pad
		b.Max[1] += pad
	}
	return b.ToPolygon(), nil
}
