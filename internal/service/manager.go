package service

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"predictionhub/internal/config"
	"predictionhub/internal/contenthash"
	"predictionhub/internal/detection"
	"predictionhub/internal/dto"
	"predictionhub/internal/logger"
	"predictionhub/internal/metrics"
	"predictionhub/internal/model"
	"predictionhub/internal/repository"
)

const statisticsKey = "statistics"

// Manager runs predictions and serves the prediction history.
type Manager struct {
	repo      repository.PredictionRepository
	guard     *Guard
	detectors map[model.ModelSelector]Detector
	events    Publisher
	metrics   *metrics.Metrics
	stats     *cache.Cache
	statsMu   sync.Mutex
	statsGen  uint64
	defaults  model.ThresholdSet
	logger    *logger.Logger

	newID func() string
	now   func() time.Time
}

// PredictRequest carries one prediction. Thresholds left nil fall back to the
// configured defaults; thresholds for detectors the model does not run are ignored.
type PredictRequest struct {
	Model      model.ModelSelector
	Image      []byte
	ImageMIME  string
	Thresholds model.ThresholdSet
	OwnerID    *string
	OwnerName  string
	Annotation *string
}

// PredictResult is the outcome of Predict. Duplicate is set when the record
// already existed, whether found up front or after losing an insert race.
type PredictResult struct {
	Record    *model.PredictionRecord
	Duplicate bool
}

func NewManager(repo repository.PredictionRepository, detectors map[model.ModelSelector]Detector, events Publisher, m *metrics.Metrics, cfg *config.Config, logger *logger.Logger) *Manager {
	if events == nil {
		events = nopPublisher{}
	}
	if m == nil {
		m = metrics.New()
	}
	ttl := cfg.StatsCacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Manager{
		repo:      repo,
		guard:     NewGuard(repo),
		detectors: detectors,
		events:    events,
		metrics:   m,
		stats:     cache.New(ttl, ttl*2),
		defaults: model.ThresholdSet{
			RFDETR: model.Float(cfg.RFDETRDefaultThreshold),
			YOLO:   model.Float(cfg.YOLODefaultThreshold),
		},
		logger: logger,
		newID:  func() string { return uuid.New().String() },
		now:    time.Now,
	}
}

// DefaultThresholds returns the thresholds applied when a request omits them.
func (m *Manager) DefaultThresholds() model.ThresholdSet {
	return m.defaults
}

// Detector returns the configured detector for a single-detector tag.
func (m *Manager) Detector(tag model.ModelSelector) (Detector, bool) {
	d, ok := m.detectors[tag]
	return d, ok
}

// Predict hashes the image, returns an existing record for the same content,
// model and thresholds, or runs inference and stores a new record.
func (m *Manager) Predict(ctx context.Context, req PredictRequest) (*PredictResult, error) {
	if !req.Model.Valid() {
		return nil, model.Invalid("model", "unknown model selector %q", req.Model)
	}
	if len(req.Image) == 0 {
		return nil, model.Invalid("image", "must not be empty")
	}
	thresholds, err := m.resolveThresholds(req.Model, req.Thresholds)
	if err != nil {
		return nil, err
	}

	key := contenthash.Hash(req.Image)
	existing, found, err := m.guard.FindExisting(ctx, key, req.Model, thresholds)
	if err != nil {
		return nil, fmt.Errorf("failed to check duplicate: %w", err)
	}
	if found {
		m.logger.Info("Duplicate %s prediction, returning %s (key %s)", req.Model, existing.ID, key.String()[:12])
		m.metrics.DuplicateServed(req.Model.String())
		return &PredictResult{Record: existing, Duplicate: true}, nil
	}

	results, err := m.runDetectors(ctx, req.Model, req.Image, thresholds)
	if err != nil {
		return nil, err
	}
	// nothing is stored for a request the caller abandoned
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec := &model.PredictionRecord{
		ID:             m.newID(),
		OwnerID:        req.OwnerID,
		OwnerName:      req.OwnerName,
		Model:          req.Model,
		Image:          req.Image,
		ImageMIME:      req.ImageMIME,
		ContentKey:     key,
		PerceptualHash: contenthash.Fingerprint(req.Image),
		Results:        results,
		Thresholds:     thresholds,
		Annotation:     req.Annotation,
		CreatedAt:      m.now(),
	}

	stored, conflict, err := m.guard.Store(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to store prediction: %w", err)
	}
	if conflict {
		m.logger.Warning("Prediction %s: lost insert race, returning %s", rec.ID, stored.ID)
		m.metrics.ConflictRecovered()
		m.metrics.DuplicateServed(req.Model.String())
		return &PredictResult{Record: stored, Duplicate: true}, nil
	}

	m.invalidateStatistics()
	m.metrics.PredictionCreated(req.Model.String())
	m.events.Publish(EventCreated, eventFor(stored))
	m.logger.Info("Prediction %s stored (%s, key %s)", stored.ID, stored.Model, key.String()[:12])
	return &PredictResult{Record: stored}, nil
}

func (m *Manager) resolveThresholds(sel model.ModelSelector, given model.ThresholdSet) (model.ThresholdSet, error) {
	var out model.ThresholdSet
	for _, tag := range sel.Detectors() {
		v := given.For(tag)
		if v == nil {
			v = m.defaults.For(tag)
		}
		if v == nil || math.IsNaN(*v) || *v < 0 || *v > 1 {
			return out, model.Invalid(tag.String()+"_threshold", "must be within [0,1]")
		}
		switch tag {
		case model.ModelRFDETR:
			out.RFDETR = model.Float(*v)
		case model.ModelYOLO:
			out.YOLO = model.Float(*v)
		}
	}
	return out, nil
}

// runDetectors invokes every detector the selector needs. Combined requests
// run both concurrently; the first failure cancels the other.
func (m *Manager) runDetectors(ctx context.Context, sel model.ModelSelector, image []byte, thresholds model.ThresholdSet) ([]model.NormalizedResult, error) {
	tags := sel.Detectors()
	results := make([]model.NormalizedResult, len(tags))

	g, gctx := errgroup.WithContext(ctx)
	for i, tag := range tags {
		i, tag := i, tag
		g.Go(func() error {
			res, err := m.detect(gctx, tag, image, *thresholds.For(tag))
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return results, nil
}

func (m *Manager) detect(ctx context.Context, tag model.ModelSelector, image []byte, floor float64) (model.NormalizedResult, error) {
	d, ok := m.detectors[tag]
	if !ok {
		return model.NormalizedResult{}, fmt.Errorf("no %s detector configured: %w", tag, model.ErrDetectorUnavailable)
	}

	start := time.Now()
	raw, err := d.Detect(ctx, image, floor)
	m.metrics.ObserveDetector(tag.String(), time.Since(start), err)
	if err != nil {
		m.logger.Error("%s detector failed: %v", tag, err)
		return model.NormalizedResult{}, fmt.Errorf("%s detector: %w", tag, err)
	}

	res, err := detection.Normalize(raw, tag, floor)
	if err != nil {
		m.logger.Warning("%s detector returned malformed output: %v", tag, err)
		return model.NormalizedResult{}, err
	}
	m.logger.Debug("%s: %d detection(s), mean confidence %.3f", tag, len(res.Detections), res.Confidence)
	return res, nil
}

// GetPrediction returns model.ErrNotFound for unknown ids.
func (m *Manager) GetPrediction(ctx context.Context, id string) (*model.PredictionRecord, error) {
	return m.repo.GetByID(ctx, id)
}

// UpdateAnnotation replaces the comment on a prediction.
func (m *Manager) UpdateAnnotation(ctx context.Context, id string, text *string) (*model.PredictionRecord, error) {
	rec, err := m.repo.UpdateAnnotation(ctx, id, text)
	if err != nil {
		return nil, err
	}
	m.events.Publish(EventAnnotated, HistoryEvent{ID: rec.ID, Comment: rec.Annotation})
	return rec, nil
}

// DeletePrediction hard-deletes a prediction.
func (m *Manager) DeletePrediction(ctx context.Context, id string) error {
	if err := m.repo.Delete(ctx, id); err != nil {
		return err
	}
	m.invalidateStatistics()
	m.events.Publish(EventDeleted, HistoryEvent{ID: id})
	m.logger.Info("Prediction %s deleted", id)
	return nil
}

// QueryPredictions returns one page of history and the number of matches
// across all pages.
func (m *Manager) QueryPredictions(ctx context.Context, f dto.FilterSpec) ([]model.PredictionRecord, int, error) {
	if err := f.Validate(); err != nil {
		return nil, 0, err
	}
	page, err := m.repo.Query(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	total, err := m.repo.Count(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	m.metrics.QueryServed()
	return page, total, nil
}

// CheckDuplicate reports whether a record exists for the key. Single-detector
// selectors need their threshold; for combined lookups a missing threshold
// matches any stored value.
func (m *Manager) CheckDuplicate(ctx context.Context, key model.ContentKey, sel model.ModelSelector, t model.ThresholdSet) (*model.PredictionRecord, bool, error) {
	if !sel.Valid() {
		return nil, false, model.Invalid("model", "unknown model selector %q", sel)
	}
	lookup := t
	if !sel.Combined() {
		v := t.For(sel)
		if v == nil {
			return nil, false, model.Invalid(sel.String()+"_threshold", "required for model %s", sel)
		}
		lookup = model.ThresholdSet{}
		if sel == model.ModelRFDETR {
			lookup.RFDETR = v
		} else {
			lookup.YOLO = v
		}
	}
	return m.guard.FindExisting(ctx, key, sel, lookup)
}

// GetStatistics returns record counts, cached for the configured TTL.
func (m *Manager) GetStatistics(ctx context.Context) (model.Statistics, error) {
	if cached, ok := m.stats.Get(statisticsKey); ok {
		return cached.(model.Statistics), nil
	}
	m.statsMu.Lock()
	gen := m.statsGen
	m.statsMu.Unlock()

	stats, err := m.repo.CountByModel(ctx)
	if err != nil {
		return model.Statistics{}, err
	}

	// Counts read before a create or delete landed must not be cached.
	m.statsMu.Lock()
	if m.statsGen == gen {
		m.stats.SetDefault(statisticsKey, stats)
	}
	m.statsMu.Unlock()
	return stats, nil
}

func (m *Manager) invalidateStatistics() {
	m.statsMu.Lock()
	m.statsGen++
	m.stats.Delete(statisticsKey)
	m.statsMu.Unlock()
}

func eventFor(rec *model.PredictionRecord) HistoryEvent {
	ev := HistoryEvent{ID: rec.ID, Model: rec.Model.String(), Confidence: rec.Confidence()}
	if rec.OwnerID != nil {
		ev.OwnerID = *rec.OwnerID
	}
	return ev
}
