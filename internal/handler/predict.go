package handler

import (
	"errors"
	"io"
	"net/http"

	"predictionhub/internal/config"
	"predictionhub/internal/dto"
	"predictionhub/internal/logger"
	"predictionhub/internal/middleware"
	"predictionhub/internal/model"
	"predictionhub/internal/preview"
	"predictionhub/internal/service"
)

// multipartMemory is the part of a multipart body kept in memory; the rest
// spills to temporary files.
const multipartMemory = 10 << 20

// PredictHandler runs the model named by the {model} path segment on the
// uploaded "image" part. Thresholds come from rfdetr_threshold and
// yolo_threshold; single-model requests also accept confidence_threshold.
func PredictHandler(manager *service.Manager, cfg *config.Config, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sel, err := model.ParseModelSelector(r.PathValue("model"))
		if err != nil {
			respondError(w, logger, err)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxFileSize()+1<<20)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondJSON(w, logger, http.StatusRequestEntityTooLarge, errorBody{Error: "file too large", Field: "image"})
				return
			}
			respondError(w, logger, model.Invalid("image", "invalid multipart body: %v", err))
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("image")
		if err != nil {
			respondError(w, logger, model.Invalid("image", "missing image file"))
			return
		}
		defer file.Close()

		if header.Size > cfg.MaxFileSize() {
			respondJSON(w, logger, http.StatusRequestEntityTooLarge, errorBody{Error: "file too large", Field: "image"})
			return
		}
		data, err := io.ReadAll(file)
		if err != nil {
			respondError(w, logger, model.Invalid("image", "failed to read upload: %v", err))
			return
		}
		mime, err := preview.CheckUpload(header.Filename, header.Header.Get("Content-Type"), data)
		if err != nil {
			respondError(w, logger, err)
			return
		}

		thresholds, err := formThresholds(r, sel)
		if err != nil {
			respondError(w, logger, err)
			return
		}

		req := service.PredictRequest{
			Model:      sel,
			Image:      data,
			ImageMIME:  mime,
			Thresholds: thresholds,
			Annotation: stringParam(r.FormValue("comment")),
		}
		if id, ok := middleware.IdentityFromContext(r.Context()); ok {
			req.OwnerID = &id.OwnerID
			req.OwnerName = id.DisplayName
		}

		res, err := manager.Predict(r.Context(), req)
		if err != nil {
			respondError(w, logger, err)
			return
		}

		resp, err := dto.NewPredictResponse(res.Record, res.Duplicate)
		if err != nil {
			respondError(w, logger, err)
			return
		}
		status := http.StatusCreated
		if res.Duplicate {
			status = http.StatusOK
		}
		respondJSON(w, logger, status, resp)
	}
}

func formThresholds(r *http.Request, sel model.ModelSelector) (model.ThresholdSet, error) {
	var t model.ThresholdSet
	var err error
	if t.RFDETR, err = floatValue(r.FormValue("rfdetr_threshold"), "rfdetr_threshold", model.Invalid); err != nil {
		return t, err
	}
	if t.YOLO, err = floatValue(r.FormValue("yolo_threshold"), "yolo_threshold", model.Invalid); err != nil {
		return t, err
	}
	if sel.Combined() {
		return t, nil
	}

	generic, err := floatValue(r.FormValue("confidence_threshold"), "confidence_threshold", model.Invalid)
	if err != nil || generic == nil {
		return t, err
	}
	switch sel {
	case model.ModelRFDETR:
		if t.RFDETR == nil {
			t.RFDETR = generic
		}
	case model.ModelYOLO:
		if t.YOLO == nil {
			t.YOLO = generic
		}
	}
	return t, nil
}
