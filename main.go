package main

import (
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"

	"github.com/dnogares/afecciones/internal/afecciones"
	"github.com/dnogares/afecciones/internal/config"
	"github.com/dnogares/afecciones/internal/db"
	"github.com/dnogares/afecciones/internal/logging"
	"github.com/dnogares/afecciones/internal/middleware"
	"github.com/dnogares/afecciones/internal/ogc"
	"github.com/dnogares/afecciones/internal/sync"
)

func RootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, "Server is up!")
}

func main() {
	_ = godotenv.Load(".env.local")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Invalid configuration: ", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal("Failed to build logger: ", err)
	}
	defer logger.Sync()

	var backend afecciones.SpatialBackend
	var syncer *sync.Syncer

	switch cfg.Backend {
	case config.BackendDatabase:
		gdb, err := db.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatal("Failed to connect to database: ", err)
		}
		if err := db.EnsurePostGIS(gdb); err != nil {
			log.Fatal("Failed to enable PostGIS: ", err)
		}
		if err := afecciones.Migrate(gdb); err != nil {
			log.Fatal("Failed to migrate spatial tables: ", err)
		}
		if err := sync.Migrate(gdb); err != nil {
			log.Fatal("Failed to migrate sync tables: ", err)
		}
		backend = afecciones.NewDatabaseBackend(gdb, logger)
		syncer = sync.NewSyncer(gdb, ogc.NewClient(cfg.OGCBaseURL, logger), cfg.PageSize, logger)

	case config.BackendFile:
		backend = afecciones.NewFileBackend(cfg.LayerDir, logger)
	}

	cache := afecciones.NewResultCache(cfg.RedisAddr, logger)
	analyzer := afecciones.NewAnalyzer(backend, cache, logger)
	service := afecciones.NewService(analyzer, logger)

	r := chi.NewRouter()
	r.Use(middleware.CORSMiddleware(cfg.AllowedOrigins))
	r.Get("/", RootHandler)
	r.Mount("/api/v1/afecciones", service.SetupRoutes())
	if syncer != nil {
		r.Mount("/api/v1/sync", syncer.SetupRoutes())
	}

	fmt.Println("Server listening on port :" + cfg.Port + "...")

	if err := http.ListenAndServe("0.0.0.0:"+cfg.Port, r); err != nil {
		log.Fatal(err)
	}
}
