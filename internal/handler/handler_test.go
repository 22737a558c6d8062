package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"predictionhub/internal/config"
	"predictionhub/internal/contenthash"
	"predictionhub/internal/detection"
	"predictionhub/internal/dto"
	"predictionhub/internal/logger"
	"predictionhub/internal/metrics"
	"predictionhub/internal/model"
	"predictionhub/internal/repository/sqlite"
	"predictionhub/internal/route"
	"predictionhub/internal/service"
	"predictionhub/internal/service/websocket"
)

type stubDetector struct {
	output detection.RawOutput
}

func (d *stubDetector) Backend() string { return "stub" }

func (d *stubDetector) Detect(ctx context.Context, image []byte, floor float64) (detection.RawOutput, error) {
	return d.output, nil
}

type server struct {
	handler http.Handler
	yolo    *stubDetector
}

func setupServer(t *testing.T) *server {
	t.Helper()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		RFDETRDefaultThreshold: 0.1,
		YOLODefaultThreshold:   0.4,
		MaxFileSizeMB:          1,
		StatsCacheTTL:          time.Minute,
		ThumbnailSize:          20,
		LogDirectory:           t.TempDir(),
	}
	log := logger.NewNop()

	yolo := &stubDetector{output: detection.YOLOOutput{Results: []detection.YOLOResult{{
		XYXY:  [][]float64{{1, 1, 20, 20}, {5, 5, 30, 30}},
		Conf:  []float64{0.9, 0.5},
		Cls:   []float64{0, 2},
		Names: map[int]string{0: "person"},
	}}}}
	rfdetr := &stubDetector{output: detection.RFDETROutput{
		XYXY:       [][]float64{{0, 0, 10, 10}},
		Confidence: []float64{0.6},
	}}
	detectors := map[model.ModelSelector]service.Detector{model.ModelYOLO: yolo, model.ModelRFDETR: rfdetr}

	m := metrics.New()
	hub := websocket.NewHubService(log)
	manager := service.NewManager(sqlite.NewPredictionRepository(db), detectors, hub, m, cfg, log)

	return &server{handler: route.SetupRoutes(manager, hub, m, cfg, log), yolo: yolo}
}

func pngImage(t *testing.T, seed uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 40))
	img.Set(int(seed)%40, 3, color.RGBA{R: seed, G: 10, B: 20, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func multipartBody(t *testing.T, filename, contentType string, data []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="image"; filename="`+filename+`"`)
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		t.Fatalf("Failed to create part: %v", err)
	}
	part.Write(data)
	for k, v := range fields {
		w.WriteField(k, v)
	}
	w.Close()
	return body, w.FormDataContentType()
}

func (s *server) do(t *testing.T, req *http.Request, owner string) *httptest.ResponseRecorder {
	t.Helper()
	if owner != "" {
		req.Header.Set("Authorization", "Bearer "+owner)
		req.Header.Set("X-Owner-Name", owner+"-name")
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *server) predict(t *testing.T, sel string, data []byte, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, "photo.png", "image/png", data, fields)
	req := httptest.NewRequest(http.MethodPost, "/v1/api/ml/predict/"+sel, body)
	req.Header.Set("Content-Type", ct)
	return s.do(t, req, "owner-1")
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func TestPredict_CreatesThenReturnsDuplicate(t *testing.T) {
	s := setupServer(t)
	data := pngImage(t, 1)

	rec := s.predict(t, "yolo", data, map[string]string{"comment": "first"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var first dto.PredictResponse
	decode(t, rec, &first)
	if first.IsDuplicate || first.PredictionID == "" {
		t.Fatalf("Unexpected first response: %+v", first)
	}
	if first.ImageHash != contenthash.Hash(data).String() {
		t.Errorf("Expected image hash of the upload, got %s", first.ImageHash)
	}
	if first.Confidence == nil || *first.Confidence < 0.6999 || *first.Confidence > 0.7001 {
		t.Errorf("Expected confidence 0.7, got %v", first.Confidence)
	}

	rec = s.predict(t, "yolo", data, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for duplicate, got %d: %s", rec.Code, rec.Body.String())
	}
	var second dto.PredictResponse
	decode(t, rec, &second)
	if !second.IsDuplicate || second.DuplicateOfID != first.PredictionID {
		t.Errorf("Expected duplicate of %s, got %+v", first.PredictionID, second)
	}

	// a different threshold is a different prediction
	rec = s.predict(t, "yolo", data, map[string]string{"confidence_threshold": "0.6"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201 for new threshold, got %d: %s", rec.Code, rec.Body.String())
	}
	var third dto.PredictResponse
	decode(t, rec, &third)
	if third.Confidence == nil || *third.Confidence < 0.8999 || *third.Confidence > 0.9001 {
		t.Errorf("Expected confidence 0.9 above floor 0.6, got %v", third.Confidence)
	}
}

func TestPredict_Combined(t *testing.T) {
	s := setupServer(t)

	rec := s.predict(t, "both", pngImage(t, 2), map[string]string{"rfdetr_threshold": "0.2", "yolo_threshold": "0.3"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp dto.PredictResponse
	decode(t, rec, &resp)
	if resp.Confidence != nil {
		t.Errorf("Combined prediction should carry no single confidence, got %v", *resp.Confidence)
	}
	if resp.RFDETRConfidence == nil || resp.YOLOConfidence == nil {
		t.Fatalf("Expected both detector confidences, got %+v", resp)
	}
	var results map[string]json.RawMessage
	if err := json.Unmarshal(resp.Results, &results); err != nil {
		t.Fatalf("Failed to decode results: %v", err)
	}
	if _, ok := results["rfdetr"]; !ok {
		t.Errorf("Expected rfdetr results, got %s", resp.Results)
	}
	if _, ok := results["yolo"]; !ok {
		t.Errorf("Expected yolo results, got %s", resp.Results)
	}
}

func TestPredict_Rejections(t *testing.T) {
	s := setupServer(t)
	data := pngImage(t, 3)

	t.Run("unauthenticated", func(t *testing.T) {
		body, ct := multipartBody(t, "photo.png", "image/png", data, nil)
		req := httptest.NewRequest(http.MethodPost, "/v1/api/ml/predict/yolo", body)
		req.Header.Set("Content-Type", ct)
		if rec := s.do(t, req, ""); rec.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401, got %d", rec.Code)
		}
	})

	tests := []struct {
		name       string
		sel        string
		filename   string
		ctype      string
		data       []byte
		fields     map[string]string
		wantStatus int
		wantField  string
	}{
		{"unknown model", "ssd", "photo.png", "image/png", data, nil, http.StatusBadRequest, "model"},
		{"not an image", "yolo", "notes.txt", "text/plain", []byte("hello"), nil, http.StatusBadRequest, "image"},
		{"threshold out of range", "yolo", "photo.png", "image/png", data, map[string]string{"yolo_threshold": "1.5"}, http.StatusBadRequest, "yolo_threshold"},
		{"threshold not a number", "rfdetr", "photo.png", "image/png", data, map[string]string{"rfdetr_threshold": "high"}, http.StatusBadRequest, "rfdetr_threshold"},
		{"too large", "yolo", "photo.png", "image/png", make([]byte, 1<<20+10), nil, http.StatusRequestEntityTooLarge, "image"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			body, ct := multipartBody(t, tc.filename, tc.ctype, tc.data, tc.fields)
			req := httptest.NewRequest(http.MethodPost, "/v1/api/ml/predict/"+tc.sel, body)
			req.Header.Set("Content-Type", ct)
			rec := s.do(t, req, "owner-1")
			if rec.Code != tc.wantStatus {
				t.Fatalf("Expected %d, got %d: %s", tc.wantStatus, rec.Code, rec.Body.String())
			}
			var e struct {
				Field string `json:"field"`
			}
			decode(t, rec, &e)
			if e.Field != tc.wantField {
				t.Errorf("Expected field %q, got %q", tc.wantField, e.Field)
			}
		})
	}
}

func TestPredict_MalformedDetectorOutput(t *testing.T) {
	s := setupServer(t)
	s.yolo.output = detection.YOLOOutput{Results: []detection.YOLOResult{{
		XYXY: [][]float64{{10, 10, 5, 5}},
		Conf: []float64{0.9},
		Cls:  []float64{0},
	}}}

	rec := s.predict(t, "yolo", pngImage(t, 4), nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422, got %d: %s", rec.Code, rec.Body.String())
	}

	stats := s.do(t, httptest.NewRequest(http.MethodGet, "/v1/api/history/statistics", nil), "owner-1")
	var data dto.StatisticsData
	decode(t, stats, &data)
	if data.Total != 0 {
		t.Errorf("Expected nothing stored, got %d", data.Total)
	}
}

func TestHistory_ListFilters(t *testing.T) {
	s := setupServer(t)
	for i := 0; i < 3; i++ {
		if rec := s.predict(t, "yolo", pngImage(t, uint8(10+i)), nil); rec.Code != http.StatusCreated {
			t.Fatalf("Predict failed: %d %s", rec.Code, rec.Body.String())
		}
	}
	if rec := s.predict(t, "rfdetr", pngImage(t, 20), map[string]string{"comment": "Parked Car"}); rec.Code != http.StatusCreated {
		t.Fatalf("Predict failed: %d %s", rec.Code, rec.Body.String())
	}

	tests := []struct {
		name      string
		query     url.Values
		wantCount int
		wantTotal int
		wantPages int
	}{
		{"all", url.Values{"model": {"all"}}, 4, 4, 1},
		{"by model", url.Values{"model": {"yolo"}}, 3, 3, 1},
		{"paged", url.Values{"limit": {"2"}, "skip": {"2"}}, 2, 4, 2},
		{"search comment", url.Values{"search_text": {"parked"}}, 1, 1, 1},
		{"search owner name", url.Values{"search_text": {"OWNER-1-NAME"}}, 4, 4, 1},
		{"confidence range", url.Values{"min_confidence": {"0.55"}, "max_confidence": {"0.65"}}, 1, 1, 1},
		{"other owner", url.Values{"user_id": {"someone-else"}}, 0, 0, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/api/history/predictions?"+tc.query.Encode(), nil)
			rec := s.do(t, req, "owner-1")
			if rec.Code != http.StatusOK {
				t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
			}
			var data dto.PredictionsData
			decode(t, rec, &data)
			if data.ReturnedCount != tc.wantCount || len(data.Predictions) != tc.wantCount {
				t.Errorf("Expected %d predictions, got %d", tc.wantCount, data.ReturnedCount)
			}
			if data.Total != tc.wantTotal || data.TotalPages != tc.wantPages {
				t.Errorf("Expected total %d over %d pages, got %d over %d", tc.wantTotal, tc.wantPages, data.Total, data.TotalPages)
			}
			if strings.Contains(rec.Body.String(), "imageBase64") {
				t.Error("List pages must not embed images")
			}
		})
	}

	for _, bad := range []string{"limit=0", "limit=1001", "skip=-1", "min_confidence=2", "min_confidence=0.8&max_confidence=0.2", "model=ssd", "limit=ten"} {
		t.Run("invalid "+bad, func(t *testing.T) {
			rec := s.do(t, httptest.NewRequest(http.MethodGet, "/v1/api/history/predictions?"+bad, nil), "owner-1")
			if rec.Code != http.StatusBadRequest {
				t.Errorf("Expected 400 for %s, got %d", bad, rec.Code)
			}
		})
	}
}

func TestHistory_PredictionLifecycle(t *testing.T) {
	s := setupServer(t)
	data := pngImage(t, 30)
	rec := s.predict(t, "yolo", data, nil)
	var created dto.PredictResponse
	decode(t, rec, &created)
	path := "/v1/api/history/predictions/" + created.PredictionID

	rec = s.do(t, httptest.NewRequest(http.MethodGet, path, nil), "owner-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var info dto.PredictionInfo
	decode(t, rec, &info)
	if !strings.HasPrefix(info.Image, "data:image/png;base64,") {
		t.Errorf("Expected embedded png data URL, got %.40q", info.Image)
	}
	if info.User == nil || info.User.ID != "owner-1" || info.User.Username != "owner-1-name" {
		t.Errorf("Unexpected owner %+v", info.User)
	}

	form := url.Values{"comment": {"checked by hand"}}
	req := httptest.NewRequest(http.MethodPut, path+"/comment", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = s.do(t, req, "owner-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for comment, got %d: %s", rec.Code, rec.Body.String())
	}
	decode(t, rec, &info)
	if info.Comment == nil || *info.Comment != "checked by hand" {
		t.Errorf("Expected updated comment, got %v", info.Comment)
	}

	req = httptest.NewRequest(http.MethodPut, path+"/comment", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if rec = s.do(t, req, "owner-1"); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without comment field, got %d", rec.Code)
	}

	rec = s.do(t, httptest.NewRequest(http.MethodGet, path+"/thumbnail", nil), "owner-1")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/jpeg" {
		t.Fatalf("Expected jpeg thumbnail, got %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}

	if rec = s.do(t, httptest.NewRequest(http.MethodDelete, path, nil), "owner-1"); rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for delete, got %d", rec.Code)
	}
	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		if rec = s.do(t, httptest.NewRequest(method, path, nil), "owner-1"); rec.Code != http.StatusNotFound {
			t.Errorf("%s after delete: expected 404, got %d", method, rec.Code)
		}
	}
}

func TestHistory_CheckDuplicate(t *testing.T) {
	s := setupServer(t)
	data := pngImage(t, 40)
	rec := s.predict(t, "both", data, map[string]string{"rfdetr_threshold": "0.2", "yolo_threshold": "0.3"})
	var created dto.PredictResponse
	decode(t, rec, &created)
	hash := contenthash.Hash(data).String()

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantDup    bool
	}{
		{"exact", "model=both&rfdetr_threshold=0.2&yolo_threshold=0.3", http.StatusOK, true},
		{"partial thresholds", "model=both&yolo_threshold=0.3", http.StatusOK, true},
		{"no thresholds", "model=both", http.StatusOK, true},
		{"other threshold", "model=both&rfdetr_threshold=0.5", http.StatusOK, false},
		{"other model", "model=yolo&yolo_threshold=0.3", http.StatusOK, false},
		{"single needs threshold", "model=yolo", http.StatusBadRequest, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/api/history/check-duplicate?image_hash="+hash+"&"+tc.query, nil)
			rec := s.do(t, req, "owner-1")
			if rec.Code != tc.wantStatus {
				t.Fatalf("Expected %d, got %d: %s", tc.wantStatus, rec.Code, rec.Body.String())
			}
			if tc.wantStatus != http.StatusOK {
				return
			}
			var got dto.DuplicateCheck
			decode(t, rec, &got)
			if got.IsDuplicate != tc.wantDup {
				t.Errorf("Expected duplicate=%v, got %+v", tc.wantDup, got)
			}
			if got.IsDuplicate && got.DuplicateOfID != created.PredictionID {
				t.Errorf("Expected duplicate id %s, got %s", created.PredictionID, got.DuplicateOfID)
			}
		})
	}

	rec = s.do(t, httptest.NewRequest(http.MethodGet, "/v1/api/history/check-duplicate?image_hash=xyz&model=both", nil), "owner-1")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad hash, got %d", rec.Code)
	}
}

func TestHistory_Statistics(t *testing.T) {
	s := setupServer(t)
	s.predict(t, "yolo", pngImage(t, 50), nil)
	s.predict(t, "both", pngImage(t, 51), nil)

	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/v1/api/history/statistics", nil), "owner-1")
	var data dto.StatisticsData
	decode(t, rec, &data)
	if data.Total != 2 || data.ByModel["yolo"] != 1 || data.ByModel["both"] != 1 || data.ByModel["rfdetr"] != 0 {
		t.Errorf("Unexpected statistics %+v", data)
	}
}

func TestML_InfoAndConfig(t *testing.T) {
	s := setupServer(t)

	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/v1/api/ml/config", nil), "owner-1")
	var cfg dto.ConfigInfo
	decode(t, rec, &cfg)
	if cfg.MaxFileSizeMB != 1 || cfg.DefaultThresholds["rfdetr"] != 0.1 || cfg.DefaultThresholds["yolo"] != 0.4 {
		t.Errorf("Unexpected config %+v", cfg)
	}

	rec = s.do(t, httptest.NewRequest(http.MethodGet, "/v1/api/ml/health", nil), "owner-1")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected healthy detectors, got %d", rec.Code)
	}

	rec = s.do(t, httptest.NewRequest(http.MethodGet, "/v1/api/ml/models/info", nil), "owner-1")
	var info struct {
		Models []dto.DetectorInfo `json:"models"`
	}
	decode(t, rec, &info)
	if len(info.Models) != 2 || !info.Models[0].Available || info.Models[0].Backend != "stub" {
		t.Errorf("Unexpected models info %+v", info.Models)
	}
}

func TestOps_OpenRoutes(t *testing.T) {
	s := setupServer(t)
	s.predict(t, "yolo", pngImage(t, 60), nil)

	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/health", nil), "")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 for /health, got %d", rec.Code)
	}
	rec = s.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil), "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `predictionhub_predictions_created_total{model="yolo"} 1`) {
		t.Errorf("Expected created counter in metrics, got %d", rec.Code)
	}
}
