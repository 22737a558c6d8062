// Package yolov8 decodes raw YOLOv8 output tensors into detection results.
package yolov8

import (
	"fmt"
	"math"
	"sort"

	"predictionhub/internal/detection"
)

// Params holds the post-processing settings for a YOLOv8 model.
type Params struct {
	// InputSize is the square side the image is resized to before inference.
	InputSize int
	// NMSThreshold is the largest IoU two same-class boxes may share and both be kept.
	NMSThreshold float64
	// MaxDetections caps the number of boxes returned.
	MaxDetections int
}

// DefaultParams returns the settings of a stock COCO-trained YOLOv8 export.
func DefaultParams() Params {
	return Params{
		InputSize:     640,
		NMSThreshold:  0.45,
		MaxDetections: 64,
	}
}

// Tensor is a [1, 4+classes, anchors] output laid out channel-major, the
// default ONNX export. Each anchor column is cx, cy, w, h followed by one
// score per class.
type Tensor struct {
	Data     []float32
	Channels int
	Anchors  int
}

type box struct {
	x1, y1, x2, y2 float64
	score          float64
	class          int
}

func (t Tensor) at(channel, anchor int) float64 {
	return float64(t.Data[channel*t.Anchors+anchor])
}

// Decode turns the tensor into a YOLO result in source-image coordinates.
// Boxes scoring below floor are dropped before non-maximum suppression.
// srcWidth and srcHeight are the dimensions of the decoded image.
func Decode(t Tensor, srcWidth, srcHeight int, floor float64, labels []string, p Params) (detection.YOLOResult, error) {
	if t.Channels <= 4 || t.Anchors <= 0 {
		return detection.YOLOResult{}, fmt.Errorf("unexpected output shape [1 %d %d]", t.Channels, t.Anchors)
	}
	if len(t.Data) != t.Channels*t.Anchors {
		return detection.YOLOResult{}, fmt.Errorf("output has %d values, want %d", len(t.Data), t.Channels*t.Anchors)
	}
	if p.InputSize <= 0 {
		p.InputSize = DefaultParams().InputSize
	}
	scaleX := float64(srcWidth) / float64(p.InputSize)
	scaleY := float64(srcHeight) / float64(p.InputSize)

	var candidates []box
	for a := 0; a < t.Anchors; a++ {
		class, score := -1, 0.0
		for c := 4; c < t.Channels; c++ {
			if s := t.at(c, a); s > score {
				class, score = c-4, s
			}
		}
		if class < 0 || score < floor {
			continue
		}
		cx, cy, w, h := t.at(0, a), t.at(1, a), t.at(2, a), t.at(3, a)
		b := box{
			x1:    clamp((cx-w/2)*scaleX, float64(srcWidth)),
			y1:    clamp((cy-h/2)*scaleY, float64(srcHeight)),
			x2:    clamp((cx+w/2)*scaleX, float64(srcWidth)),
			y2:    clamp((cy+h/2)*scaleY, float64(srcHeight)),
			score: score,
			class: class,
		}
		if b.x2 <= b.x1 || b.y2 <= b.y1 {
			continue
		}
		candidates = append(candidates, b)
	}

	kept := nms(candidates, p.NMSThreshold)
	if p.MaxDetections > 0 && len(kept) > p.MaxDetections {
		kept = kept[:p.MaxDetections]
	}

	res := detection.YOLOResult{
		XYXY:  make([][]float64, 0, len(kept)),
		Conf:  make([]float64, 0, len(kept)),
		Cls:   make([]float64, 0, len(kept)),
		Names: make(map[int]string),
	}
	for _, b := range kept {
		res.XYXY = append(res.XYXY, []float64{b.x1, b.y1, b.x2, b.y2})
		res.Conf = append(res.Conf, b.score)
		res.Cls = append(res.Cls, float64(b.class))
		if b.class < len(labels) && labels[b.class] != "" {
			res.Names[b.class] = labels[b.class]
		}
	}
	return res, nil
}

// nms keeps the highest scoring box of every overlapping same-class group.
// The result is ordered by descending score.
func nms(boxes []box, threshold float64) []box {
	sort.SliceStable(boxes, func(i, j int) bool { return boxes[i].score > boxes[j].score })

	suppressed := make([]bool, len(boxes))
	var kept []box
	for i := range boxes {
		if suppressed[i] {
			continue
		}
		kept = append(kept, boxes[i])
		for j := i + 1; j < len(boxes); j++ {
			if suppressed[j] || boxes[j].class != boxes[i].class {
				continue
			}
			if iou(boxes[i], boxes[j]) > threshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

// iou is the Intersection over Union of two boxes.
func iou(a, b box) float64 {
	w := math.Max(0, math.Min(a.x2, b.x2)-math.Max(a.x1, b.x1))
	h := math.Max(0, math.Min(a.y2, b.y2)-math.Max(a.y1, b.y1))
	inter := w * h
	union := (a.x2-a.x1)*(a.y2-a.y1) + (b.x2-b.x1)*(b.y2-b.y1) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func clamp(v, hi float64) float64 {
	return math.Max(0, math.Min(v, hi))
}
