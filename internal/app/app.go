package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"predictionhub/internal/config"
	"predictionhub/internal/detector/gocvnet"
	"predictionhub/internal/detector/remote"
	"predictionhub/internal/logger"
	"predictionhub/internal/metrics"
	"predictionhub/internal/model"
	"predictionhub/internal/repository/postgres"
	"predictionhub/internal/repository/sqlite"
	"predictionhub/internal/repository/sqlstore"
	"predictionhub/internal/route"
	"predictionhub/internal/service"
	"predictionhub/internal/service/websocket"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	config  *config.Config
	logger  *logger.Logger
	hub     *websocket.HubService
	store   *sqlstore.Store
	manager *service.Manager
	server  *http.Server
	closers []io.Closer
}

// OpenStore opens the configured database and brings its schema up to date.
func OpenStore(ctx context.Context, cfg *config.Config) (*sqlstore.Store, io.Closer, error) {
	if cfg.UsesPostgres() {
		db, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewPredictionRepository(db), db, nil
	}
	db, err := sqlite.New(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return sqlite.NewPredictionRepository(db), db, nil
}

// buildDetectors creates a remote client for every configured service URL and
// falls back to the in-process gocv network for YOLO when a model path is set.
func buildDetectors(cfg *config.Config, logger *logger.Logger) (map[model.ModelSelector]service.Detector, []io.Closer) {
	detectors := make(map[model.ModelSelector]service.Detector)
	var closers []io.Closer

	if cfg.RFDETRURL != "" {
		detectors[model.ModelRFDETR] = remote.NewClient(cfg.RFDETRURL, model.ModelRFDETR, cfg.DetectorTimeout)
	}
	switch {
	case cfg.YOLOURL != "":
		detectors[model.ModelYOLO] = remote.NewClient(cfg.YOLOURL, model.ModelYOLO, cfg.DetectorTimeout)
	case cfg.YOLOModelPath != "":
		d, err := gocvnet.NewDetector(cfg.YOLOModelPath, cfg.YOLOLabelsPath, logger)
		if err != nil {
			logger.Warning("Could not initialize YOLO network: %v", err)
			break
		}
		detectors[model.ModelYOLO] = d
		closers = append(closers, d)
	}

	for _, tag := range model.ModelBoth.Detectors() {
		if d, ok := detectors[tag]; ok {
			logger.Info("Detector %s: %s", tag, d.Backend())
		} else {
			logger.Warning("Detector %s is not configured; %s predictions will fail", tag, tag)
		}
	}
	return detectors, closers
}

// NewApp opens the store, builds the detectors and wires the HTTP surface.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	log, err := logger.NewLogger(cfg)
	if err != nil {
		return nil, err
	}

	repo, store, err := OpenStore(ctx, cfg)
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	detectors, closers := buildDetectors(cfg, log)
	m := metrics.New()
	hub := websocket.NewHubService(log)
	manager := service.NewManager(repo, detectors, hub, m, cfg, log)

	return &App{
		config:  cfg,
		logger:  log,
		hub:     hub,
		store:   repo,
		manager: manager,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           route.SetupRoutes(manager, hub, m, cfg, log),
			ReadHeaderTimeout: 10 * time.Second,
		},
		closers: append(closers, store, log),
	}, nil
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	go a.hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Prediction hub listening on %s (database: %s)", a.server.Addr, a.storeKind())
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.logger.Info("Server stopped")
	return nil
}

// Close releases detectors, the database and log files, in that order.
func (a *App) Close() error {
	var first error
	for _, c := range a.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (a *App) storeKind() string {
	if a.config.UsesPostgres() {
		return a.store.Backend()
	}
	return a.store.Backend() + " " + a.config.DatabaseURL
}
