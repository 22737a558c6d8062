package dto

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"predictionhub/internal/model"
)

// PredictionInfo is the client view of a stored prediction.
type PredictionInfo struct {
	ID               string          `json:"id"`
	Model            string          `json:"model"`
	Image            string          `json:"imageBase64,omitempty"`
	Results          json.RawMessage `json:"results"`
	Confidence       *float64        `json:"confidence"`
	RFDETRConfidence *float64        `json:"rfdetrConfidence"`
	YOLOConfidence   *float64        `json:"yoloConfidence"`
	RFDETRThreshold  *float64        `json:"rfdetrThreshold"`
	YOLOThreshold    *float64        `json:"yoloThreshold"`
	Comment          *string         `json:"comment"`
	ImageHash        string          `json:"imageHash"`
	PerceptualHash   string          `json:"perceptualHash,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
	User             *OwnerInfo      `json:"user"`
}

// OwnerInfo identifies the caller that created a prediction.
type OwnerInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// MarshalJSON renders the timestamp in RFC 3339 with UTC offset.
func (p PredictionInfo) MarshalJSON() ([]byte, error) {
	type Alias PredictionInfo
	return json.Marshal(&struct {
		Timestamp string `json:"timestamp"`
		Alias
	}{
		Timestamp: p.Timestamp.UTC().Format(time.RFC3339),
		Alias:     (Alias)(p),
	})
}

// NewPredictionInfo converts a record. The image is embedded as a data URL
// only when withImage is set; history pages omit it.
func NewPredictionInfo(rec *model.PredictionRecord, withImage bool) (PredictionInfo, error) {
	results, err := ResultsJSON(rec)
	if err != nil {
		return PredictionInfo{}, err
	}
	info := PredictionInfo{
		ID:               rec.ID,
		Model:            rec.Model.String(),
		Results:          results,
		Confidence:       rec.Confidence(),
		RFDETRConfidence: rec.DetectorConfidence(model.ModelRFDETR),
		YOLOConfidence:   rec.DetectorConfidence(model.ModelYOLO),
		RFDETRThreshold:  rec.Thresholds.RFDETR,
		YOLOThreshold:    rec.Thresholds.YOLO,
		Comment:          rec.Annotation,
		ImageHash:        rec.ContentKey.String(),
		PerceptualHash:   rec.PerceptualHash,
		Timestamp:        rec.CreatedAt,
	}
	if withImage {
		info.Image = DataURL(rec.ImageMIME, rec.Image)
	}
	if rec.OwnerID != nil {
		info.User = &OwnerInfo{ID: *rec.OwnerID, Username: rec.OwnerName}
	}
	return info, nil
}

// ResultsJSON encodes the normalized results: the single result object for
// one detector, or {"rfdetr": ..., "yolo": ...} for combined records.
func ResultsJSON(rec *model.PredictionRecord) (json.RawMessage, error) {
	if !rec.Model.Combined() {
		if len(rec.Results) == 0 {
			return json.RawMessage("null"), nil
		}
		return json.Marshal(rec.Results[0])
	}
	combined := make(map[string]model.NormalizedResult, len(rec.Results))
	for _, res := range rec.Results {
		combined[res.Model.String()] = res
	}
	return json.Marshal(combined)
}

// DataURL renders image bytes as data:<mime>;base64,<payload>.
func DataURL(mime string, data []byte) string {
	if mime == "" {
		mime = "application/octet-stream"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}
