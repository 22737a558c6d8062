package model

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ModelSelector identifies which detector(s) produced a record.
type ModelSelector string

const (
	ModelRFDETR ModelSelector = "rfdetr"
	ModelYOLO   ModelSelector = "yolo"
	ModelBoth   ModelSelector = "both"
)

// AllModels lists the selectors in display order.
var AllModels = []ModelSelector{ModelRFDETR, ModelYOLO, ModelBoth}

// ParseModelSelector accepts the lower-case wire names.
func ParseModelSelector(s string) (ModelSelector, error) {
	m := ModelSelector(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", Invalid("model", "unknown model selector %q", s)
	}
	return m, nil
}

func (m ModelSelector) Valid() bool {
	switch m {
	case ModelRFDETR, ModelYOLO, ModelBoth:
		return true
	}
	return false
}

// Combined reports whether the selector runs both detectors.
func (m ModelSelector) Combined() bool {
	return m == ModelBoth
}

// Detectors expands the selector into the single-detector tags it runs.
func (m ModelSelector) Detectors() []ModelSelector {
	if m == ModelBoth {
		return []ModelSelector{ModelRFDETR, ModelYOLO}
	}
	return []ModelSelector{m}
}

func (m ModelSelector) String() string {
	return string(m)
}

// ThresholdSet holds the confidence floor used per detector. A nil entry means
// the detector did not run (or, in a lookup, that the threshold is unrestricted).
type ThresholdSet struct {
	RFDETR *float64
	YOLO   *float64
}

// Float is a convenience for building ThresholdSet literals.
func Float(v float64) *float64 {
	return &v
}

// For returns the threshold recorded for a single-detector tag.
func (t ThresholdSet) For(m ModelSelector) *float64 {
	switch m {
	case ModelRFDETR:
		return t.RFDETR
	case ModelYOLO:
		return t.YOLO
	}
	return nil
}

// Count returns how many thresholds are set.
func (t ThresholdSet) Count() int {
	n := 0
	if t.RFDETR != nil {
		n++
	}
	if t.YOLO != nil {
		n++
	}
	return n
}

// ContentKey is the SHA-256 digest of the raw image bytes.
type ContentKey [32]byte

func (k ContentKey) String() string {
	return hex.EncodeToString(k[:])
}

func (k ContentKey) IsZero() bool {
	return k == ContentKey{}
}

// ParseContentKey decodes a 64-character hex digest.
func ParseContentKey(s string) (ContentKey, error) {
	var k ContentKey
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return k, Invalid("image_hash", "not hex: %v", err)
	}
	if len(raw) != len(k) {
		return k, Invalid("image_hash", "expected %d bytes, got %d", len(k), len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// DedupKey renders the natural key (content, model, thresholds) as one string
// so a single UNIQUE column can enforce it. Unset thresholds render as "-".
func DedupKey(key ContentKey, m ModelSelector, t ThresholdSet) string {
	return fmt.Sprintf("%s|%s|%s|%s", key, m, formatThreshold(t.RFDETR), formatThreshold(t.YOLO))
}

func formatThreshold(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'g', -1, 64)
}

// PredictionRecord is the persisted unit of one prediction.
type PredictionRecord struct {
	ID             string
	OwnerID        *string
	OwnerName      string
	Model          ModelSelector
	Image          []byte
	ImageMIME      string
	ContentKey     ContentKey
	PerceptualHash string
	Results        []NormalizedResult
	Thresholds     ThresholdSet
	Annotation     *string
	CreatedAt      time.Time
}

// Validate checks that the number of results and thresholds matches the
// model selector: two of each for combined records, one of each otherwise.
func (r *PredictionRecord) Validate() error {
	if r.ID == "" {
		return Invalid("id", "must not be empty")
	}
	if !r.Model.Valid() {
		return Invalid("model", "unknown model selector %q", r.Model)
	}
	if r.ContentKey.IsZero() {
		return Invalid("content_key", "must be set")
	}

	want := r.Model.Detectors()
	if len(r.Results) != len(want) {
		return Invalid("results", "model %s requires %d result(s), got %d", r.Model, len(want), len(r.Results))
	}
	if r.Thresholds.Count() != len(want) {
		return Invalid("thresholds", "model %s requires %d threshold(s), got %d", r.Model, len(want), r.Thresholds.Count())
	}
	for i, tag := range want {
		if r.Results[i].Model != tag {
			return Invalid("results", "result %d is tagged %q, expected %q", i, r.Results[i].Model, tag)
		}
		if r.Thresholds.For(tag) == nil {
			return Invalid("thresholds", "missing threshold for %s", tag)
		}
	}
	return nil
}

// NaturalKey returns the deduplication key of the record.
func (r *PredictionRecord) NaturalKey() string {
	return DedupKey(r.ContentKey, r.Model, r.Thresholds)
}

// Result returns the normalized result produced by one detector tag.
func (r *PredictionRecord) Result(tag ModelSelector) (NormalizedResult, bool) {
	for _, res := range r.Results {
		if res.Model == tag {
			return res, true
		}
	}
	return NormalizedResult{}, false
}

// Confidence is the representative confidence of a single-detector record.
// Combined records have none; use Result for the per-detector values.
func (r *PredictionRecord) Confidence() *float64 {
	if r.Model.Combined() || len(r.Results) == 0 {
		return nil
	}
	return Float(r.Results[0].Confidence)
}

// DetectorConfidence returns the aggregate confidence of one detector within
// a combined record.
func (r *PredictionRecord) DetectorConfidence(tag ModelSelector) *float64 {
	if !r.Model.Combined() {
		return nil
	}
	res, ok := r.Result(tag)
	if !ok {
		return nil
	}
	return Float(res.Confidence)
}

// Owner is a caller known to the store, used for display-name search.
type Owner struct {
	ID          string
	DisplayName string
}

// Statistics summarizes the stored records.
type Statistics struct {
	Total   int
	ByModel map[ModelSelector]int
}
