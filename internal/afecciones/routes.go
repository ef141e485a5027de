package afecciones

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// SetupRoutes mounts the affectation endpoints. chi resolves the static
// /capas and /resumen prefixes before the {refcat} wildcard.
func (s *Service) SetupRoutes() http.Handler {
	r := chi.NewRouter()

	r.Get("/capas/disponibles", s.GetLayers)
	r.Get("/capas/{capa}/estadisticas", s.GetLayerStats)
	r.Get("/resumen/provincia/{provincia}", s.GetProvinceSummary)
	r.Post("/batch", s.PostBatch)
	r.Get("/{refcat}", s.GetAfecciones)

	return r
}
