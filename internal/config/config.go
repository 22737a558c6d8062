package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port        int
	DatabaseURL string // postgres:// selects PostgreSQL, anything else is a SQLite path

	RFDETRURL      string // remote RF-DETR inference service
	YOLOURL        string // remote YOLO inference service
	YOLOModelPath  string // local YOLOv8 ONNX model, used when YOLOURL is empty
	YOLOLabelsPath string

	RFDETRDefaultThreshold float64
	YOLODefaultThreshold   float64
	MaxFileSizeMB          int64
	DetectorTimeout        time.Duration

	StatsCacheTTL time.Duration
	ThumbnailSize int
	LogDirectory  string
	LogLevel      string
}

func Load() *Config {
	return &Config{
		Port:                   getEnvAsInt("PORT", 8000),
		DatabaseURL:            getEnv("DATABASE_URL", filepath.Join(".", "data", "predictions.db")),
		RFDETRURL:              getEnv("RFDETR_URL", ""),
		YOLOURL:                getEnv("YOLO_URL", ""),
		YOLOModelPath:          getEnv("YOLO_MODEL_PATH", ""),
		YOLOLabelsPath:         getEnv("YOLO_LABELS_PATH", ""),
		RFDETRDefaultThreshold: getEnvAsFloat("RFDETR_DEFAULT_THRESHOLD", 0.1),
		YOLODefaultThreshold:   getEnvAsFloat("YOLO_DEFAULT_THRESHOLD", 0.4),
		MaxFileSizeMB:          getEnvAsInt64("MAX_FILE_SIZE_MB", 50),
		DetectorTimeout:        getEnvAsDuration("DETECTOR_TIMEOUT", 60*time.Second),
		StatsCacheTTL:          getEnvAsDuration("STATS_CACHE_TTL", 30*time.Second),
		ThumbnailSize:          getEnvAsInt("THUMBNAIL_SIZE", 300),
		LogDirectory:           getEnv("LOG_DIR", filepath.Join(".", "logs")),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
	}
}

// UsesPostgres reports whether DatabaseURL names a PostgreSQL server.
func (c *Config) UsesPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

// MaxFileSize is the upload limit in bytes.
func (c *Config) MaxFileSize() int64 {
	return c.MaxFileSizeMB << 20
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
