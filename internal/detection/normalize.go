// Package detection converts backend-native detector output into the unified
// detection schema.
package detection

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"predictionhub/internal/model"
)

// Normalize validates every candidate in raw, drops those below floor and
// computes the mean confidence of the rest (0 when nothing is kept).
// Detection order follows the backend's emission order.
func Normalize(raw RawOutput, tag model.ModelSelector, floor float64) (model.NormalizedResult, error) {
	if raw == nil {
		return model.NormalizedResult{}, model.Malformed("output", "detector returned no output")
	}
	if tag.Combined() || !tag.Valid() {
		return model.NormalizedResult{}, model.Invalid("model", "%q is not a single detector", tag)
	}
	if raw.Tag() != tag {
		return model.NormalizedResult{}, model.Malformed("model", "output from %s given for %s", raw.Tag(), tag)
	}
	if math.IsNaN(floor) || floor < 0 || floor > 1 {
		return model.NormalizedResult{}, model.Invalid("threshold", "%v is outside [0,1]", floor)
	}

	cands, err := raw.candidates()
	if err != nil {
		return model.NormalizedResult{}, err
	}

	dets := make([]model.UnifiedDetection, 0, len(cands))
	confs := make([]float64, 0, len(cands))
	for _, c := range cands {
		d, err := model.NewUnifiedDetection(c.Box, c.Confidence, c.ClassID, c.Label)
		if err != nil {
			return model.NormalizedResult{}, err
		}
		if d.Confidence() < floor {
			continue
		}
		dets = append(dets, d)
		confs = append(confs, d.Confidence())
	}

	result := model.NormalizedResult{Detections: dets, Model: tag}
	if len(confs) > 0 {
		result.Confidence = stat.Mean(confs, nil)
	}
	return result, nil
}
