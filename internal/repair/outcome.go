// Package repair restores validity of feature geometries through an ordered
// chain of fallback stages.
package repair

import "errors"

// Method names the stage that produced a feature's final geometry
type Method string

const (
	MethodNone         Method = "none"
	MethodMakeValid    Method = "make_valid"
	MethodBufferZero   Method = "buffer_zero"
	MethodDoubleBuffer Method = "double_buffer"
	MethodSimplify     Method = "simplify"
	MethodEnvelope     Method = "envelope"
	MethodUnrepairable Method = "unrepairable"
)

// Methods lists every method in chain order, for stable report output
var Methods = []Method{
	MethodNone,
	MethodMakeValid,
	MethodBufferZero,
	MethodDoubleBuffer,
	MethodSimplify,
	MethodEnvelope,
	MethodUnrepairable,
}

// ErrRepairStageFailure marks a stage that did not produce a valid geometry
var ErrRepairStageFailure = errors.New("repair stage failed")

// Outcome is the per-feature result of a repair attempt
type Outcome struct {
	FeatureID     string `json:"feature_id"`
	OriginalValid bool   `json:"original_valid"`
	Method        Method `json:"method_applied"`
	Success       bool   `json:"success"`
	Skipped       bool   `json:"skipped,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Err           string `json:"error,omitempty"`
}

// Repaired reports whether the feature was invalid and a stage fixed it
func (o Outcome) Repaired() bool {
	return !o.OriginalValid && o.Success && !o.Skipped
}
