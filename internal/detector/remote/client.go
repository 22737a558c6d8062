// Package remote talks to detector inference services over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"predictionhub/internal/detection"
	"predictionhub/internal/model"
)

const maxResponseSize = 32 << 20

// Client posts images to one inference service and decodes its native output.
type Client struct {
	baseURL string
	tag     model.ModelSelector
	http    *http.Client
}

// NewClient creates a client for the detector identified by tag.
func NewClient(baseURL string, tag model.ModelSelector, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tag:     tag,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Backend() string {
	return "remote " + c.baseURL
}

// Detect sends the image as multipart field "file" with the floor as
// "confidence_threshold" to <baseURL>/predict.
func (c *Client) Detect(ctx context.Context, image []byte, floor float64) (detection.RawOutput, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "image")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("copy image data: %w", err)
	}
	if err := writer.WriteField("confidence_threshold", strconv.FormatFloat(floor, 'f', -1, 64)); err != nil {
		return nil, fmt.Errorf("write threshold: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("send request: %v: %w", err, model.ErrDetectorUnavailable)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %v: %w", err, model.ErrDetectorUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inference failed with status %d: %w", resp.StatusCode, model.ErrDetectorUnavailable)
	}

	return decode(c.tag, data)
}

func decode(tag model.ModelSelector, data []byte) (detection.RawOutput, error) {
	switch tag {
	case model.ModelRFDETR:
		var out detection.RFDETROutput
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, model.Malformed("response", "decode rfdetr output: %v", err)
		}
		return out, nil

	case model.ModelYOLO:
		var out detection.YOLOOutput
		// services return either {"results": [...]} or the bare list
		if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
			if err := json.Unmarshal(trimmed, &out.Results); err != nil {
				return nil, model.Malformed("response", "decode yolo output: %v", err)
			}
			return out, nil
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, model.Malformed("response", "decode yolo output: %v", err)
		}
		return out, nil
	}
	return nil, model.Invalid("model", "%q is not a single detector", tag)
}

// Health checks <baseURL>/health.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%v: %w", err, model.ErrDetectorUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ml service unhealthy: %d: %w", resp.StatusCode, model.ErrDetectorUnavailable)
	}
	return nil
}
