package handler

import (
	"context"
	"net/http"
	"time"

	"predictionhub/internal/config"
	"predictionhub/internal/dto"
	"predictionhub/internal/logger"
	"predictionhub/internal/model"
	"predictionhub/internal/preview"
	"predictionhub/internal/service"
)

const healthTimeout = 5 * time.Second

func detectorInfos(manager *service.Manager) []dto.DetectorInfo {
	defaults := manager.DefaultThresholds()
	infos := make([]dto.DetectorInfo, 0, 2)
	for _, tag := range model.ModelBoth.Detectors() {
		info := dto.DetectorInfo{Name: tag.String()}
		if v := defaults.For(tag); v != nil {
			info.DefaultThreshold = *v
		}
		if d, ok := manager.Detector(tag); ok {
			info.Backend = d.Backend()
			info.Available = true
		}
		infos = append(infos, info)
	}
	return infos
}

// ModelsInfoHandler lists the detector backends and their default thresholds.
func ModelsInfoHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, logger, http.StatusOK, map[string]interface{}{
			"models": detectorInfos(manager),
		})
	}
}

// MLHealthHandler probes every configured detector that supports health checks.
// It answers 503 when no detector is usable.
func MLHealthHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		infos := detectorInfos(manager)
		healthy := 0
		for i := range infos {
			d, ok := manager.Detector(model.ModelSelector(infos[i].Name))
			if !ok {
				continue
			}
			if hc, ok := d.(service.HealthChecker); ok {
				if err := hc.Health(ctx); err != nil {
					logger.Warning("Detector %s unhealthy: %v", infos[i].Name, err)
					infos[i].Available = false
					continue
				}
			}
			healthy++
		}

		status, state := http.StatusOK, "healthy"
		if healthy == 0 {
			status, state = http.StatusServiceUnavailable, "unavailable"
		} else if healthy < len(infos) {
			state = "degraded"
		}
		respondJSON(w, logger, status, map[string]interface{}{
			"status": state,
			"models": infos,
		})
	}
}

// MLConfigHandler reports upload limits and default thresholds.
func MLConfigHandler(manager *service.Manager, cfg *config.Config, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defaults := make(map[string]float64)
		for _, tag := range model.ModelBoth.Detectors() {
			if v := manager.DefaultThresholds().For(tag); v != nil {
				defaults[tag.String()] = *v
			}
		}
		respondJSON(w, logger, http.StatusOK, dto.ConfigInfo{
			MaxFileSizeMB:     cfg.MaxFileSizeMB,
			AllowedExtensions: preview.AllowedExtensions,
			DefaultThresholds: defaults,
		})
	}
}

// HealthHandler answers liveness probes.
func HealthHandler(logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, logger, http.StatusOK, map[string]string{"status": "ok"})
	}
}
