package dto

import (
	"math"

	"predictionhub/internal/model"
)

const (
	// DefaultLimit is the page size used when a request does not name one.
	DefaultLimit = 100
	// MaxLimit bounds a single page.
	MaxLimit = 1000
)

// FilterSpec narrows the prediction history. A nil field places no
// restriction on its dimension. Results are always ordered newest first.
type FilterSpec struct {
	OwnerID       *string
	Model         *model.ModelSelector
	SearchText    *string
	MinConfidence *float64
	MaxConfidence *float64
	Offset        int
	Limit         int
}

// Validate rejects out-of-range pagination and confidence bounds.
func (f *FilterSpec) Validate() error {
	if f.Limit <= 0 {
		return model.InvalidFilter("limit", "must be positive, got %d", f.Limit)
	}
	if f.Limit > MaxLimit {
		return model.InvalidFilter("limit", "must not exceed %d, got %d", MaxLimit, f.Limit)
	}
	if f.Offset < 0 {
		return model.InvalidFilter("skip", "must not be negative, got %d", f.Offset)
	}
	if f.Model != nil && !f.Model.Valid() {
		return model.InvalidFilter("model", "unknown model selector %q", *f.Model)
	}
	if err := checkConfidence("min_confidence", f.MinConfidence); err != nil {
		return err
	}
	if err := checkConfidence("max_confidence", f.MaxConfidence); err != nil {
		return err
	}
	if f.MinConfidence != nil && f.MaxConfidence != nil && *f.MinConfidence > *f.MaxConfidence {
		return model.InvalidFilter("min_confidence", "%v is greater than max_confidence %v", *f.MinConfidence, *f.MaxConfidence)
	}
	return nil
}

func checkConfidence(field string, v *float64) error {
	if v == nil {
		return nil
	}
	if math.IsNaN(*v) || *v < 0 || *v > 1 {
		return model.InvalidFilter(field, "%v is outside [0,1]", *v)
	}
	return nil
}
