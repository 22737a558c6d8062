package service

import (
	"context"

	"predictionhub/internal/detection"
)

// Detector runs inference for one backend. Implementations return the
// backend's native output; the manager normalizes it.
type Detector interface {
	// Backend names the implementation, e.g. "remote" or "gocv".
	Backend() string
	Detect(ctx context.Context, image []byte, floor float64) (detection.RawOutput, error)
}

// HealthChecker is implemented by detectors that can report readiness.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Publisher receives history events for live viewers.
type Publisher interface {
	Publish(kind string, data interface{})
}

// Event kinds published to live viewers.
const (
	EventCreated   = "created"
	EventAnnotated = "annotated"
	EventDeleted   = "deleted"
)

// HistoryEvent is the payload of a live history event.
type HistoryEvent struct {
	ID         string   `json:"id"`
	Model      string   `json:"model,omitempty"`
	OwnerID    string   `json:"ownerId,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Comment    *string  `json:"comment,omitempty"`
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, interface{}) {}
