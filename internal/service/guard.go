package service

import (
	"context"
	"errors"
	"fmt"

	"predictionhub/internal/model"
	"predictionhub/internal/repository"
)

// Guard enforces at most one record per (content key, model, thresholds).
// Lookup happens before inference; the store's uniqueness constraint settles
// races between concurrent requests.
type Guard struct {
	repo repository.PredictionRepository
}

func NewGuard(repo repository.PredictionRepository) *Guard {
	return &Guard{repo: repo}
}

// FindExisting returns the stored record matching the natural key, if any.
// Nil thresholds match any stored value.
func (g *Guard) FindExisting(ctx context.Context, key model.ContentKey, m model.ModelSelector, t model.ThresholdSet) (*model.PredictionRecord, bool, error) {
	rec, err := g.repo.FindExisting(ctx, key, m, t)
	if err != nil {
		return nil, false, err
	}
	return rec, rec != nil, nil
}

// Store creates rec. When a concurrent request stored the same natural key
// first, the existing record is returned with conflict set.
func (g *Guard) Store(ctx context.Context, rec *model.PredictionRecord) (stored *model.PredictionRecord, conflict bool, err error) {
	err = g.repo.Create(ctx, rec)
	if err == nil {
		return rec, false, nil
	}
	if !errors.Is(err, model.ErrConflict) {
		return nil, false, err
	}

	existing, err := g.repo.FindExisting(ctx, rec.ContentKey, rec.Model, rec.Thresholds)
	if err != nil {
		return nil, false, fmt.Errorf("failed to re-fetch conflicting prediction: %w", err)
	}
	if existing == nil {
		// the winning record was deleted between the conflict and the re-fetch
		return nil, false, fmt.Errorf("prediction %s vanished after conflict: %w", rec.NaturalKey(), model.ErrConflict)
	}
	return existing, true, nil
}
