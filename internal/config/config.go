package config

import (
	"fmt"
	"os"
	"strings"
)

// Backend selects which SpatialBackend implementation serves analysis
// requests. Chosen once at startup, never per-request.
type Backend string

const (
	BackendDatabase Backend = "database"
	BackendFile     Backend = "file"
)

// Config holds everything the binaries read from the environment.
type Config struct {
	Port        string
	DatabaseURL string
	RedisAddr   string

	OGCBaseURL string
	PageSize   int

	Backend  Backend
	LayerDir string // GeoJSON layer directory for the file backend

	CatalogPath string // optional YAML layer catalog

	LogLevel  string
	LogFormat string

	AllowedOrigins []string
}

// Load reads configuration from the environment. Only DATABASE_URL is
// required when the database backend is selected; the file backend needs
// LAYER_DIR instead.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getenv("PORT", "5050"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		OGCBaseURL:  getenv("OGC_BASE_URL", "https://wmts.mapama.gob.es/sig-api/ogc/features/v1"),
		PageSize:    1000,
		Backend:     Backend(getenv("SPATIAL_BACKEND", string(BackendDatabase))),
		LayerDir:    getenv("LAYER_DIR", "capas"),
		CatalogPath: os.Getenv("LAYER_CATALOG"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		LogFormat:   getenv("LOG_FORMAT", "json"),
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	switch cfg.Backend {
	case BackendDatabase:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is empty")
		}
	case BackendFile:
		if cfg.LayerDir == "" {
			return nil, fmt.Errorf("LAYER_DIR is empty")
		}
	default:
		return nil, fmt.Errorf("unknown SPATIAL_BACKEND %q", cfg.Backend)
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
