package route

import (
	"net/http"

	"predictionhub/internal/config"
	"predictionhub/internal/handler"
	"predictionhub/internal/logger"
	"predictionhub/internal/metrics"
	"predictionhub/internal/middleware"
	"predictionhub/internal/service"
	"predictionhub/internal/service/websocket"
)

// SetupRoutes registers the ML, history and ops endpoints and wraps the mux
// with the identity middleware.
func SetupRoutes(manager *service.Manager, hub *websocket.HubService, m *metrics.Metrics,
	cfg *config.Config, logger *logger.Logger) http.Handler {
	mux := http.NewServeMux()

	// ML endpoints
	mux.HandleFunc("POST /v1/api/ml/predict/{model}", handler.PredictHandler(manager, cfg, logger))
	mux.HandleFunc("GET /v1/api/ml/models/info", handler.ModelsInfoHandler(manager, logger))
	mux.HandleFunc("GET /v1/api/ml/health", handler.MLHealthHandler(manager, logger))
	mux.HandleFunc("GET /v1/api/ml/config", handler.MLConfigHandler(manager, cfg, logger))

	// History endpoints
	mux.HandleFunc("GET /v1/api/history/check-duplicate", handler.CheckDuplicateHandler(manager, logger))
	mux.HandleFunc("GET /v1/api/history/predictions", handler.GetPredictionsHandler(manager, logger))
	mux.HandleFunc("GET /v1/api/history/predictions/{id}", handler.GetPredictionHandler(manager, logger))
	mux.HandleFunc("PUT /v1/api/history/predictions/{id}/comment", handler.UpdateCommentHandler(manager, logger))
	mux.HandleFunc("DELETE /v1/api/history/predictions/{id}", handler.DeletePredictionHandler(manager, logger))
	mux.HandleFunc("GET /v1/api/history/predictions/{id}/thumbnail", handler.ThumbnailHandler(manager, cfg, logger))
	mux.HandleFunc("GET /v1/api/history/statistics", handler.StatisticsHandler(manager, logger))
	mux.HandleFunc("GET /v1/api/history/live", handler.LiveHistoryHandler(hub, logger))

	// Log endpoints
	mux.HandleFunc("GET /v1/api/logs/{level}", handler.ShowLogsHandler(cfg))

	// Ops
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /health", handler.HealthHandler(logger))

	return middleware.AuthMiddleware(mux)
}
