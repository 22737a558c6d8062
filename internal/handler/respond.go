package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"predictionhub/internal/logger"
	"predictionhub/internal/model"
)

// errorBody is the JSON payload of every failed request.
type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// respondJSON writes v as JSON with the given status.
func respondJSON(w http.ResponseWriter, logger *logger.Logger, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Error encoding JSON response: %v", err)
	}
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrMalformedDetectorOutput):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrValidation), errors.Is(err, model.ErrInvalidFilter):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrDetectorUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err with its mapped status. Server-side failures are
// logged and their details withheld from the client.
func respondError(w http.ResponseWriter, logger *logger.Logger, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}

	var fe *model.FieldError
	if errors.As(err, &fe) {
		body.Field = fe.Field
	}
	switch {
	case status >= 500 && status != http.StatusBadGateway && status != http.StatusGatewayTimeout:
		logger.Error("Request failed: %v", err)
		body = errorBody{Error: http.StatusText(status)}
	case status >= 500:
		logger.Error("Detector failure: %v", err)
	default:
		logger.Debug("Request rejected (%d): %v", status, err)
	}
	respondJSON(w, logger, status, body)
}

// intParam parses an optional integer query parameter. Absent values yield def.
func intParam(q url.Values, name string, def int) (int, error) {
	s := strings.TrimSpace(q.Get(name))
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, model.InvalidFilter(name, "not an integer: %q", s)
	}
	return v, nil
}

// floatValue parses an optional float. Absent values yield nil.
func floatValue(s, field string, kind func(field, format string, args ...interface{}) error) (*float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, kind(field, "not a number: %q", s)
	}
	return &v, nil
}

// stringParam returns nil for absent or blank values.
func stringParam(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
