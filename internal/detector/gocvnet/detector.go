// Package gocvnet runs a YOLOv8 ONNX model in-process on the OpenCV DNN module.
package gocvnet

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"predictionhub/internal/detection"
	"predictionhub/internal/detector/yolov8"
	"predictionhub/internal/logger"
	"predictionhub/internal/model"
)

// Detector is a YOLO detector backed by gocv. The network is not safe for
// concurrent use, so inferences are serialized.
type Detector struct {
	net    gocv.Net
	mutex  sync.Mutex
	labels []string
	params yolov8.Params
	logger *logger.Logger
}

// NewDetector loads the ONNX model at modelPath. labelsPath is optional; when
// empty, detections carry no class names.
func NewDetector(modelPath, labelsPath string, logger *logger.Logger) (*Detector, error) {
	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model file not found: %s", modelPath)
	}

	var labels []string
	if labelsPath != "" {
		var err error
		if labels, err = LoadLabels(labelsPath); err != nil {
			return nil, err
		}
	}

	net := gocv.ReadNetFromONNX(modelPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load network from %s", modelPath)
	}
	errBackend := net.SetPreferableBackend(gocv.NetBackendDefault)
	errTarget := net.SetPreferableTarget(gocv.NetTargetCPU)
	if errBackend != nil || errTarget != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set preferable backend or target")
	}

	logger.Info("YOLOv8 network loaded from %s (%d labels)", modelPath, len(labels))
	return &Detector{
		net:    net,
		labels: labels,
		params: yolov8.DefaultParams(),
		logger: logger,
	}, nil
}

func (d *Detector) Backend() string {
	return "gocv"
}

// Detect decodes the image, runs the network and returns a single-result YOLO
// output in source-image coordinates.
func (d *Detector) Detect(ctx context.Context, imageBytes []byte, floor float64) (detection.RawOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mat, err := gocv.IMDecode(imageBytes, gocv.IMReadColor)
	if err != nil {
		return nil, model.Invalid("image", "failed to decode image: %v", err)
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, model.Invalid("image", "decoded image is empty")
	}

	size := d.params.InputSize
	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.mutex.Lock()
	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	d.mutex.Unlock()
	defer output.Close()

	dims := output.Size()
	if len(dims) != 3 {
		return nil, model.Malformed("output", "unexpected output dimensions %v", dims)
	}
	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, model.Malformed("output", "read output tensor: %v", err)
	}

	tensor := yolov8.Tensor{Data: data, Channels: dims[1], Anchors: dims[2]}
	res, err := yolov8.Decode(tensor, mat.Cols(), mat.Rows(), floor, d.labels, d.params)
	if err != nil {
		return nil, model.Malformed("output", "%v", err)
	}
	d.logger.Debug("gocv: %d detection(s) above %.2f", len(res.Conf), floor)

	return detection.YOLOOutput{Results: []detection.YOLOResult{res}}, nil
}

// Close releases the network.
func (d *Detector) Close() error {
	return d.net.Close()
}
