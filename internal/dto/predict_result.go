package dto

import (
	"encoding/json"

	"predictionhub/internal/model"
)

// PredictResponse is returned by the predict endpoints. For duplicates the
// stored record's results are returned and DuplicateOfID names it.
type PredictResponse struct {
	PredictionID     string          `json:"predictionId"`
	Model            string          `json:"model"`
	Results          json.RawMessage `json:"results"`
	Confidence       *float64        `json:"confidence,omitempty"`
	RFDETRConfidence *float64        `json:"rfdetrConfidence,omitempty"`
	YOLOConfidence   *float64        `json:"yoloConfidence,omitempty"`
	IsDuplicate      bool            `json:"isDuplicate"`
	DuplicateOfID    string          `json:"duplicateOfId,omitempty"`
	ImageHash        string          `json:"imageHash"`
	PerceptualHash   string          `json:"perceptualHash,omitempty"`
}

func NewPredictResponse(rec *model.PredictionRecord, duplicate bool) (PredictResponse, error) {
	results, err := ResultsJSON(rec)
	if err != nil {
		return PredictResponse{}, err
	}
	resp := PredictResponse{
		PredictionID:     rec.ID,
		Model:            rec.Model.String(),
		Results:          results,
		Confidence:       rec.Confidence(),
		RFDETRConfidence: rec.DetectorConfidence(model.ModelRFDETR),
		YOLOConfidence:   rec.DetectorConfidence(model.ModelYOLO),
		IsDuplicate:      duplicate,
		ImageHash:        rec.ContentKey.String(),
		PerceptualHash:   rec.PerceptualHash,
	}
	if duplicate {
		resp.DuplicateOfID = rec.ID
	}
	return resp, nil
}

// DuplicateCheck answers whether a matching prediction already exists.
type DuplicateCheck struct {
	IsDuplicate   bool   `json:"isDuplicate"`
	DuplicateOfID string `json:"duplicateId,omitempty"`
}

// StatisticsData reports record counts.
type StatisticsData struct {
	Total   int            `json:"total"`
	ByModel map[string]int `json:"byModel"`
}

func NewStatisticsData(s model.Statistics) StatisticsData {
	by := make(map[string]int, len(model.AllModels))
	for _, m := range model.AllModels {
		by[m.String()] = s.ByModel[m]
	}
	return StatisticsData{Total: s.Total, ByModel: by}
}

// DetectorInfo describes one configured detector backend.
type DetectorInfo struct {
	Name             string  `json:"name"`
	Backend          string  `json:"backend"`
	Available        bool    `json:"available"`
	DefaultThreshold float64 `json:"defaultThreshold"`
}

// ConfigInfo exposes upload limits and defaults to clients.
type ConfigInfo struct {
	MaxFileSizeMB     int64              `json:"maxFileSizeMb"`
	AllowedExtensions []string           `json:"allowedExtensions"`
	DefaultThresholds map[string]float64 `json:"defaultThresholds"`
}
