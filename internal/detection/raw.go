package detection

import (
	"math"

	"predictionhub/internal/model"
)

// Candidate is one detection as reported by a backend, before validation.
type Candidate struct {
	Box        model.Box
	Confidence float64
	ClassID    int
	Label      string
}

// RawOutput is the closed set of backend-native output shapes. New detectors
// are added as a new implementation here, never by inspecting shapes at runtime.
type RawOutput interface {
	// Tag names the detector that produced the output.
	Tag() model.ModelSelector

	candidates() ([]Candidate, error)
}

// RFDETROutput is the RF-DETR response: parallel arrays without class labels.
type RFDETROutput struct {
	XYXY       [][]float64 `json:"xyxy"`
	Confidence []float64   `json:"confidence"`
	ClassID    []int       `json:"class_id"`
}

func (RFDETROutput) Tag() model.ModelSelector { return model.ModelRFDETR }

func (o RFDETROutput) candidates() ([]Candidate, error) {
	if len(o.XYXY) != len(o.Confidence) {
		return nil, model.Malformed("confidence", "rfdetr returned %d boxes and %d confidences", len(o.XYXY), len(o.Confidence))
	}
	if len(o.ClassID) > len(o.XYXY) {
		return nil, model.Malformed("class_id", "rfdetr returned %d class ids for %d boxes", len(o.ClassID), len(o.XYXY))
	}

	out := make([]Candidate, 0, len(o.XYXY))
	for i, xyxy := range o.XYXY {
		box, err := boxFromSlice(xyxy)
		if err != nil {
			return nil, err
		}
		// class ids may be omitted entirely; missing entries default to 0.
		classID := 0
		if i < len(o.ClassID) {
			classID = o.ClassID[i]
		}
		out = append(out, Candidate{Box: box, Confidence: o.Confidence[i], ClassID: classID})
	}
	return out, nil
}

// YOLOResult is one entry of a YOLO response. Cls values arrive as floats.
type YOLOResult struct {
	XYXY  [][]float64    `json:"xyxy"`
	Conf  []float64      `json:"conf"`
	Cls   []float64      `json:"cls"`
	Names map[int]string `json:"names"`
}

// YOLOOutput is the YOLO response: a list of results, each with boxes and a
// class-name table.
type YOLOOutput struct {
	Results []YOLOResult `json:"results"`
}

func (YOLOOutput) Tag() model.ModelSelector { return model.ModelYOLO }

func (o YOLOOutput) candidates() ([]Candidate, error) {
	var out []Candidate
	for _, res := range o.Results {
		if len(res.XYXY) != len(res.Conf) || len(res.XYXY) != len(res.Cls) {
			return nil, model.Malformed("boxes", "yolo result has %d boxes, %d conf, %d cls",
				len(res.XYXY), len(res.Conf), len(res.Cls))
		}
		for i, xyxy := range res.XYXY {
			box, err := boxFromSlice(xyxy)
			if err != nil {
				return nil, err
			}
			cls := res.Cls[i]
			if math.IsNaN(cls) || math.IsInf(cls, 0) || cls != math.Trunc(cls) || cls < 0 {
				return nil, model.Malformed("cls", "invalid class id %v", cls)
			}
			classID := int(cls)
			out = append(out, Candidate{
				Box:        box,
				Confidence: res.Conf[i],
				ClassID:    classID,
				Label:      res.Names[classID],
			})
		}
	}
	return out, nil
}

func boxFromSlice(xyxy []float64) (model.Box, error) {
	if len(xyxy) != 4 {
		return model.Box{}, model.Malformed("xyxy", "expected 4 coordinates, got %d", len(xyxy))
	}
	return model.Box{X1: xyxy[0], Y1: xyxy[1], X2: xyxy[2], Y2: xyxy[3]}, nil
}
