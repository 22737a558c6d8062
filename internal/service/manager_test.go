package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"predictionhub/internal/config"
	"predictionhub/internal/contenthash"
	"predictionhub/internal/detection"
	"predictionhub/internal/dto"
	"predictionhub/internal/logger"
	"predictionhub/internal/model"
	"predictionhub/internal/repository/sqlite"
	"predictionhub/internal/repository/sqlstore"
)

type fakeDetector struct {
	tag   model.ModelSelector
	calls int32
	confs []float64
	err   error
	hook  func(ctx context.Context)
}

func (d *fakeDetector) Backend() string { return "fake" }

func (d *fakeDetector) Detect(ctx context.Context, image []byte, floor float64) (detection.RawOutput, error) {
	atomic.AddInt32(&d.calls, 1)
	if d.hook != nil {
		d.hook(ctx)
	}
	if d.err != nil {
		return nil, d.err
	}
	boxes := make([][]float64, len(d.confs))
	for i := range boxes {
		boxes[i] = []float64{0, 0, float64(10 + i), float64(10 + i)}
	}
	if d.tag == model.ModelYOLO {
		cls := make([]float64, len(d.confs))
		return detection.YOLOOutput{Results: []detection.YOLOResult{{XYXY: boxes, Conf: d.confs, Cls: cls, Names: map[int]string{0: "person"}}}}, nil
	}
	return detection.RFDETROutput{XYXY: boxes, Confidence: d.confs}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(kind string, data interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, kind)
}

type fixture struct {
	manager *Manager
	store   *sqlstore.Store
	rfdetr  *fakeDetector
	yolo    *fakeDetector
	events  *recordingPublisher
}

func setupManager(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		store:  sqlite.NewPredictionRepository(db),
		rfdetr: &fakeDetector{tag: model.ModelRFDETR, confs: []float64{0.9, 0.7, 0.5}},
		yolo:   &fakeDetector{tag: model.ModelYOLO, confs: []float64{0.8}},
		events: &recordingPublisher{},
	}
	cfg := &config.Config{RFDETRDefaultThreshold: 0.1, YOLODefaultThreshold: 0.4, StatsCacheTTL: time.Minute}
	detectors := map[model.ModelSelector]Detector{model.ModelRFDETR: f.rfdetr, model.ModelYOLO: f.yolo}
	f.manager = NewManager(f.store, detectors, f.events, nil, cfg, logger.NewNop())
	return f
}

func TestManager_PredictThenDuplicate(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()
	req := PredictRequest{Model: model.ModelRFDETR, Image: []byte("image-bytes"), ImageMIME: "image/jpeg"}

	first, err := f.manager.Predict(ctx, req)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if first.Duplicate {
		t.Error("First prediction reported as duplicate")
	}
	if got := first.Record.Results[0].Confidence; got < 0.6999 || got > 0.7001 {
		t.Errorf("Expected aggregate confidence 0.7, got %v", got)
	}
	if first.Record.Thresholds.RFDETR == nil || *first.Record.Thresholds.RFDETR != 0.1 {
		t.Errorf("Expected default threshold 0.1, got %+v", first.Record.Thresholds)
	}

	second, err := f.manager.Predict(ctx, req)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if !second.Duplicate || second.Record.ID != first.Record.ID {
		t.Errorf("Expected duplicate of %s, got %+v", first.Record.ID, second)
	}
	if calls := atomic.LoadInt32(&f.rfdetr.calls); calls != 1 {
		t.Errorf("Expected detector to run once, ran %d times", calls)
	}

	// another threshold is a new prediction
	req.Thresholds.RFDETR = model.Float(0.6)
	third, err := f.manager.Predict(ctx, req)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if third.Duplicate || len(third.Record.Results[0].Detections) != 2 {
		t.Errorf("Expected new record with 2 detections, got duplicate=%v %+v", third.Duplicate, third.Record.Results)
	}
}

func TestManager_ConcurrentIdenticalPredict(t *testing.T) {
	f := setupManager(t)

	// hold both requests inside the detector so both pass the up-front lookup
	var arrived sync.WaitGroup
	arrived.Add(2)
	f.yolo.hook = func(ctx context.Context) {
		arrived.Done()
		arrived.Wait()
	}

	req := PredictRequest{Model: model.ModelYOLO, Image: []byte("same image"), Thresholds: model.ThresholdSet{YOLO: model.Float(0.4)}}
	results := make([]*PredictResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.manager.Predict(context.Background(), req)
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("Predict %d failed: %v", i, errs[i])
		}
		if !results[i].Duplicate {
			fresh++
		}
	}
	if fresh != 1 {
		t.Errorf("Expected exactly one non-duplicate response, got %d", fresh)
	}
	if results[0].Record.ID != results[1].Record.ID {
		t.Errorf("Responses name different records: %s, %s", results[0].Record.ID, results[1].Record.ID)
	}

	total, err := f.store.Count(context.Background(), dto.FilterSpec{Limit: 10})
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if total != 1 {
		t.Errorf("Expected 1 stored record, got %d", total)
	}
}

func TestManager_PredictCombined(t *testing.T) {
	f := setupManager(t)
	res, err := f.manager.Predict(context.Background(), PredictRequest{
		Model:      model.ModelBoth,
		Image:      []byte("combined"),
		Thresholds: model.ThresholdSet{YOLO: model.Float(0.5)},
	})
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	rec := res.Record
	if len(rec.Results) != 2 || rec.Results[0].Model != model.ModelRFDETR || rec.Results[1].Model != model.ModelYOLO {
		t.Fatalf("Unexpected results %+v", rec.Results)
	}
	if *rec.Thresholds.RFDETR != 0.1 || *rec.Thresholds.YOLO != 0.5 {
		t.Errorf("Unexpected thresholds %v %v", *rec.Thresholds.RFDETR, *rec.Thresholds.YOLO)
	}
	if c := rec.DetectorConfidence(model.ModelYOLO); c == nil || *c != 0.8 {
		t.Errorf("Expected yolo confidence 0.8, got %v", c)
	}
}

func TestManager_PredictCancelledStoresNothing(t *testing.T) {
	f := setupManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.rfdetr.hook = func(context.Context) { cancel() }

	_, err := f.manager.Predict(ctx, PredictRequest{Model: model.ModelRFDETR, Image: []byte("abandoned")})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	total, err := f.store.Count(context.Background(), dto.FilterSpec{Limit: 10})
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if total != 0 {
		t.Errorf("Expected nothing stored, got %d records", total)
	}
}

func TestManager_PredictFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		req   PredictRequest
		want  error
	}{
		{
			name:  "malformed output",
			setup: func(f *fixture) { f.rfdetr.confs = []float64{1.7} },
			req:   PredictRequest{Model: model.ModelRFDETR, Image: []byte("x")},
			want:  model.ErrMalformedDetectorOutput,
		},
		{
			name:  "detector down",
			setup: func(f *fixture) { f.yolo.err = fmt.Errorf("dial: %w", model.ErrDetectorUnavailable) },
			req:   PredictRequest{Model: model.ModelBoth, Image: []byte("x")},
			want:  model.ErrDetectorUnavailable,
		},
		{
			name:  "missing detector",
			setup: func(f *fixture) { delete(f.manager.detectors, model.ModelYOLO) },
			req:   PredictRequest{Model: model.ModelYOLO, Image: []byte("x")},
			want:  model.ErrDetectorUnavailable,
		},
		{
			name: "empty image",
			req:  PredictRequest{Model: model.ModelYOLO},
			want: model.ErrValidation,
		},
		{
			name: "threshold out of range",
			req:  PredictRequest{Model: model.ModelYOLO, Image: []byte("x"), Thresholds: model.ThresholdSet{YOLO: model.Float(2)}},
			want: model.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupManager(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			_, err := f.manager.Predict(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, err)
			}
			total, _ := f.store.Count(context.Background(), dto.FilterSpec{Limit: 10})
			if total != 0 {
				t.Errorf("Expected nothing stored, got %d", total)
			}
		})
	}
}

func TestManager_QueryNewestFirstByConfidence(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	clock := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	f.manager.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	var ids []string
	for i, conf := range []float64{0.5, 0.85, 0.95} {
		f.yolo.confs = []float64{conf}
		res, err := f.manager.Predict(ctx, PredictRequest{Model: model.ModelYOLO, Image: []byte(fmt.Sprintf("img-%d", i))})
		if err != nil {
			t.Fatalf("Predict failed: %v", err)
		}
		ids = append(ids, res.Record.ID)
	}

	page, total, err := f.manager.QueryPredictions(ctx, dto.FilterSpec{
		Limit:         10,
		MinConfidence: model.Float(0.8),
		MaxConfidence: model.Float(1.0),
	})
	if err != nil {
		t.Fatalf("QueryPredictions failed: %v", err)
	}
	if total != 2 || len(page) != 2 {
		t.Fatalf("Expected 2 matches, got page %d total %d", len(page), total)
	}
	if page[0].ID != ids[2] || page[1].ID != ids[1] {
		t.Errorf("Expected [%s %s], got [%s %s]", ids[2], ids[1], page[0].ID, page[1].ID)
	}

	for _, bad := range []dto.FilterSpec{{Limit: -1}, {Limit: 10, Offset: -1}} {
		if _, _, err := f.manager.QueryPredictions(ctx, bad); !errors.Is(err, model.ErrInvalidFilter) {
			t.Errorf("Expected ErrInvalidFilter for %+v, got %v", bad, err)
		}
	}
}

func TestManager_DeleteThenGet(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()
	res, err := f.manager.Predict(ctx, PredictRequest{Model: model.ModelYOLO, Image: []byte("to delete")})
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}

	if err := f.manager.DeletePrediction(ctx, res.Record.ID); err != nil {
		t.Fatalf("DeletePrediction failed: %v", err)
	}
	if _, err := f.manager.GetPrediction(ctx, res.Record.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := f.manager.DeletePrediction(ctx, res.Record.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}

	want := []string{EventCreated, EventDeleted}
	if fmt.Sprint(f.events.events) != fmt.Sprint(want) {
		t.Errorf("Expected events %v, got %v", want, f.events.events)
	}
}

func TestManager_UpdateAnnotation(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()
	res, err := f.manager.Predict(ctx, PredictRequest{Model: model.ModelYOLO, Image: []byte("note")})
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}

	text := "front door"
	rec, err := f.manager.UpdateAnnotation(ctx, res.Record.ID, &text)
	if err != nil {
		t.Fatalf("UpdateAnnotation failed: %v", err)
	}
	if rec.Annotation == nil || *rec.Annotation != text {
		t.Errorf("Expected %q, got %v", text, rec.Annotation)
	}
	if _, err := f.manager.UpdateAnnotation(ctx, "missing", &text); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestManager_CheckDuplicate(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()
	image := []byte("check me")
	res, err := f.manager.Predict(ctx, PredictRequest{Model: model.ModelBoth, Image: image})
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	key := contenthash.Hash(image)

	tests := []struct {
		name    string
		model   model.ModelSelector
		th      model.ThresholdSet
		dup     bool
		wantErr error
	}{
		{"combined exact", model.ModelBoth, model.ThresholdSet{RFDETR: model.Float(0.1), YOLO: model.Float(0.4)}, true, nil},
		{"combined partial", model.ModelBoth, model.ThresholdSet{RFDETR: model.Float(0.1)}, true, nil},
		{"combined other threshold", model.ModelBoth, model.ThresholdSet{YOLO: model.Float(0.9)}, false, nil},
		{"single not stored", model.ModelYOLO, model.ThresholdSet{YOLO: model.Float(0.4)}, false, nil},
		{"single missing threshold", model.ModelYOLO, model.ThresholdSet{RFDETR: model.Float(0.1)}, false, model.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, dup, err := f.manager.CheckDuplicate(ctx, key, tt.model, tt.th)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("CheckDuplicate failed: %v", err)
			}
			if dup != tt.dup {
				t.Errorf("Expected duplicate=%v, got %v", tt.dup, dup)
			}
			if dup && rec.ID != res.Record.ID {
				t.Errorf("Expected %s, got %s", res.Record.ID, rec.ID)
			}
		})
	}
}

func TestManager_StatisticsCachedAndInvalidated(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	stats, err := f.manager.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("GetStatistics failed: %v", err)
	}
	if stats.Total != 0 {
		t.Fatalf("Expected empty statistics, got %+v", stats)
	}

	if _, err := f.manager.Predict(ctx, PredictRequest{Model: model.ModelRFDETR, Image: []byte("a")}); err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if _, err := f.manager.Predict(ctx, PredictRequest{Model: model.ModelBoth, Image: []byte("a")}); err != nil {
		t.Fatalf("Predict failed: %v", err)
	}

	stats, err = f.manager.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("GetStatistics failed: %v", err)
	}
	if stats.Total != 2 || stats.ByModel[model.ModelRFDETR] != 1 || stats.ByModel[model.ModelBoth] != 1 {
		t.Errorf("Unexpected statistics %+v", stats)
	}
}

type slowCountRepo struct {
	*sqlstore.Store
	afterCount func()
}

func (r *slowCountRepo) CountByModel(ctx context.Context) (model.Statistics, error) {
	stats, err := r.Store.CountByModel(ctx)
	if r.afterCount != nil {
		hook := r.afterCount
		r.afterCount = nil
		hook()
	}
	return stats, err
}

func TestManager_StatisticsNotCachedAcrossConcurrentWrite(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	repo := &slowCountRepo{Store: f.store}
	cfg := &config.Config{RFDETRDefaultThreshold: 0.1, YOLODefaultThreshold: 0.4, StatsCacheTTL: time.Minute}
	detectors := map[model.ModelSelector]Detector{model.ModelRFDETR: f.rfdetr, model.ModelYOLO: f.yolo}
	manager := NewManager(repo, detectors, nil, nil, cfg, logger.NewNop())

	repo.afterCount = func() {
		if _, err := manager.Predict(ctx, PredictRequest{Model: model.ModelRFDETR, Image: []byte("b")}); err != nil {
			t.Errorf("Predict failed: %v", err)
		}
	}

	stats, err := manager.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("GetStatistics failed: %v", err)
	}
	if stats.Total != 0 {
		t.Fatalf("Expected counts read before the write, got %+v", stats)
	}

	stats, err = manager.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("GetStatistics failed: %v", err)
	}
	if stats.Total != 1 || stats.ByModel[model.ModelRFDETR] != 1 {
		t.Errorf("Stale statistics were cached: %+v", stats)
	}
}
