package model

import (
	"encoding/json"
	"fmt"
	"math"
)

// DefaultClassLabel is used when a detector does not name its classes.
const DefaultClassLabel = "item"

// Box is an axis-aligned bounding box in source-image pixel space.
type Box struct {
	X1, Y1, X2, Y2 float64
}

// Validate checks that all coordinates are finite and x1<x2, y1<y2.
func (b Box) Validate() error {
	for _, v := range [4]float64{b.X1, b.Y1, b.X2, b.Y2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Malformed("xyxy", "non-finite coordinate in %v", b.array())
		}
	}
	if b.X1 >= b.X2 {
		return Malformed("xyxy", "x1 %.3f must be less than x2 %.3f", b.X1, b.X2)
	}
	if b.Y1 >= b.Y2 {
		return Malformed("xyxy", "y1 %.3f must be less than y2 %.3f", b.Y1, b.Y2)
	}
	return nil
}

func (b Box) array() [4]float64 {
	return [4]float64{b.X1, b.Y1, b.X2, b.Y2}
}

// MarshalJSON encodes the box as [x1, y1, x2, y2].
func (b Box) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.array())
}

// UnmarshalJSON decodes a box from [x1, y1, x2, y2].
func (b *Box) UnmarshalJSON(data []byte) error {
	var xyxy []float64
	if err := json.Unmarshal(data, &xyxy); err != nil {
		return err
	}
	if len(xyxy) != 4 {
		return fmt.Errorf("box must have 4 coordinates, got %d", len(xyxy))
	}
	b.X1, b.Y1, b.X2, b.Y2 = xyxy[0], xyxy[1], xyxy[2], xyxy[3]
	return nil
}

// UnifiedDetection is one located object. Fields are unexported so a value
// cannot change once NewUnifiedDetection has validated it.
type UnifiedDetection struct {
	box        Box
	confidence float64
	classID    int
	classLabel string
}

// NewUnifiedDetection validates geometry and confidence. An empty label is
// replaced with DefaultClassLabel.
func NewUnifiedDetection(box Box, confidence float64, classID int, label string) (UnifiedDetection, error) {
	if err := box.Validate(); err != nil {
		return UnifiedDetection{}, err
	}
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return UnifiedDetection{}, Malformed("confidence", "%v is outside [0,1]", confidence)
	}
	if label == "" {
		label = DefaultClassLabel
	}
	return UnifiedDetection{box: box, confidence: confidence, classID: classID, classLabel: label}, nil
}

func (d UnifiedDetection) Box() Box            { return d.box }
func (d UnifiedDetection) Confidence() float64 { return d.confidence }
func (d UnifiedDetection) ClassID() int        { return d.classID }
func (d UnifiedDetection) ClassLabel() string  { return d.classLabel }

type unifiedDetectionJSON struct {
	XYXY       Box     `json:"xyxy"`
	Confidence float64 `json:"confidence"`
	ClassID    int     `json:"class_id"`
	ClassName  string  `json:"class_name"`
}

func (d UnifiedDetection) MarshalJSON() ([]byte, error) {
	return json.Marshal(unifiedDetectionJSON{
		XYXY:       d.box,
		Confidence: d.confidence,
		ClassID:    d.classID,
		ClassName:  d.classLabel,
	})
}

// UnmarshalJSON re-validates stored detections through NewUnifiedDetection.
func (d *UnifiedDetection) UnmarshalJSON(data []byte) error {
	var raw unifiedDetectionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := NewUnifiedDetection(raw.XYXY, raw.Confidence, raw.ClassID, raw.ClassName)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// NormalizedResult is the output of one detector invocation after normalization.
// Detections keep the detector's emission order.
type NormalizedResult struct {
	Detections []UnifiedDetection `json:"detections"`
	Confidence float64            `json:"confidence"`
	Model      ModelSelector      `json:"model"`
}
