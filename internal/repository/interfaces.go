package repository

import (
	"context"

	"predictionhub/internal/dto"
	"predictionhub/internal/model"
)

// PredictionRepository defines the interface for prediction record operations.
type PredictionRepository interface {
	// Create operations

	// Create validates and stores rec, upserting its owner. A record that
	// collides with an existing one on the natural key fails with
	// model.ErrConflict.
	Create(ctx context.Context, rec *model.PredictionRecord) error

	// Read operations

	// GetByID returns model.ErrNotFound when no record has the id.
	GetByID(ctx context.Context, id string) (*model.PredictionRecord, error)
	// FindExisting returns the earliest record matching the content key, model
	// and every non-nil threshold, or nil when there is none.
	FindExisting(ctx context.Context, key model.ContentKey, m model.ModelSelector, t model.ThresholdSet) (*model.PredictionRecord, error)
	// Query returns one page of matches, newest first, without image payloads.
	Query(ctx context.Context, f dto.FilterSpec) ([]model.PredictionRecord, error)
	// Count returns the number of matches ignoring pagination.
	Count(ctx context.Context, f dto.FilterSpec) (int, error)
	CountByModel(ctx context.Context) (model.Statistics, error)

	// Update operations
	UpdateAnnotation(ctx context.Context, id string, text *string) (*model.PredictionRecord, error)

	// Delete operations
	Delete(ctx context.Context, id string) error
}
