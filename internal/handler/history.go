package handler

import (
	"net/http"
	"strconv"
	"strings"

	"predictionhub/internal/config"
	"predictionhub/internal/dto"
	"predictionhub/internal/logger"
	"predictionhub/internal/model"
	"predictionhub/internal/preview"
	"predictionhub/internal/service"
)

// GetPredictionsHandler returns a filtered page of the prediction history,
// newest first. Images are not embedded in list pages.
func GetPredictionsHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter, err := parseFilter(r)
		if err != nil {
			respondError(w, logger, err)
			return
		}

		records, total, err := manager.QueryPredictions(r.Context(), filter)
		if err != nil {
			respondError(w, logger, err)
			return
		}

		items := make([]dto.PredictionInfo, 0, len(records))
		for i := range records {
			info, err := dto.NewPredictionInfo(&records[i], false)
			if err != nil {
				respondError(w, logger, err)
				return
			}
			items = append(items, info)
		}

		respondJSON(w, logger, http.StatusOK, dto.NewPredictionsData(items, total, filter))
	}
}

// parseFilter reads skip, limit, user_id, model, search_text, min_confidence
// and max_confidence. model=all places no restriction on the model.
func parseFilter(r *http.Request) (dto.FilterSpec, error) {
	q := r.URL.Query()
	f := dto.FilterSpec{
		OwnerID:    stringParam(q.Get("user_id")),
		SearchText: stringParam(q.Get("search_text")),
	}

	var err error
	if f.Offset, err = intParam(q, "skip", 0); err != nil {
		return f, err
	}
	if f.Limit, err = intParam(q, "limit", dto.DefaultLimit); err != nil {
		return f, err
	}
	if s := strings.TrimSpace(q.Get("model")); s != "" && !strings.EqualFold(s, "all") {
		sel, err := model.ParseModelSelector(s)
		if err != nil {
			return f, model.InvalidFilter("model", "unknown model selector %q", s)
		}
		f.Model = &sel
	}
	if f.MinConfidence, err = floatValue(q.Get("min_confidence"), "min_confidence", model.InvalidFilter); err != nil {
		return f, err
	}
	if f.MaxConfidence, err = floatValue(q.Get("max_confidence"), "max_confidence", model.InvalidFilter); err != nil {
		return f, err
	}
	return f, f.Validate()
}

// GetPredictionHandler returns one prediction including its image.
func GetPredictionHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := manager.GetPrediction(r.Context(), r.PathValue("id"))
		if err != nil {
			respondError(w, logger, err)
			return
		}
		info, err := dto.NewPredictionInfo(rec, true)
		if err != nil {
			respondError(w, logger, err)
			return
		}
		respondJSON(w, logger, http.StatusOK, info)
	}
}

// UpdateCommentHandler replaces the comment from the "comment" form field.
// An empty value clears it.
func UpdateCommentHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		comment := r.FormValue("comment")
		if _, ok := r.Form["comment"]; !ok {
			respondError(w, logger, model.Invalid("comment", "field is required"))
			return
		}

		rec, err := manager.UpdateAnnotation(r.Context(), r.PathValue("id"), stringParam(comment))
		if err != nil {
			respondError(w, logger, err)
			return
		}
		info, err := dto.NewPredictionInfo(rec, false)
		if err != nil {
			respondError(w, logger, err)
			return
		}
		respondJSON(w, logger, http.StatusOK, info)
	}
}

// DeletePredictionHandler removes one prediction.
func DeletePredictionHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := manager.DeletePrediction(r.Context(), id); err != nil {
			respondError(w, logger, err)
			return
		}
		respondJSON(w, logger, http.StatusOK, map[string]string{"status": "deleted", "id": id})
	}
}

// ThumbnailHandler serves a JPEG preview of a prediction's image.
func ThumbnailHandler(manager *service.Manager, cfg *config.Config, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := manager.GetPrediction(r.Context(), r.PathValue("id"))
		if err != nil {
			respondError(w, logger, err)
			return
		}

		thumb, err := preview.Thumbnail(rec.Image, cfg.ThumbnailSize)
		if err != nil {
			logger.Warning("Thumbnail for %s failed: %v", rec.ID, err)
			respondError(w, logger, model.Invalid("image", "stored image cannot be previewed"))
			return
		}

		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Content-Length", strconv.Itoa(len(thumb)))
		w.Header().Set("Cache-Control", "private, max-age=3600")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(thumb); err != nil {
			logger.Error("Error writing thumbnail: %v", err)
		}
	}
}

// CheckDuplicateHandler reports whether a prediction exists for image_hash,
// model and thresholds.
func CheckDuplicateHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		key, err := model.ParseContentKey(q.Get("image_hash"))
		if err != nil {
			respondError(w, logger, err)
			return
		}
		sel, err := model.ParseModelSelector(q.Get("model"))
		if err != nil {
			respondError(w, logger, err)
			return
		}

		var t model.ThresholdSet
		if t.RFDETR, err = floatValue(q.Get("rfdetr_threshold"), "rfdetr_threshold", model.Invalid); err != nil {
			respondError(w, logger, err)
			return
		}
		if t.YOLO, err = floatValue(q.Get("yolo_threshold"), "yolo_threshold", model.Invalid); err != nil {
			respondError(w, logger, err)
			return
		}

		rec, found, err := manager.CheckDuplicate(r.Context(), key, sel, t)
		if err != nil {
			respondError(w, logger, err)
			return
		}
		resp := dto.DuplicateCheck{IsDuplicate: found}
		if found {
			resp.DuplicateOfID = rec.ID
		}
		respondJSON(w, logger, http.StatusOK, resp)
	}
}

// StatisticsHandler returns the total and per-model prediction counts.
func StatisticsHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := manager.GetStatistics(r.Context())
		if err != nil {
			respondError(w, logger, err)
			return
		}
		respondJSON(w, logger, http.StatusOK, dto.NewStatisticsData(stats))
	}
}
