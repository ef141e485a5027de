package sync

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// SetupRoutes exposes read-only sync reporting. Mutation happens through
// the CLI, not the HTTP surface.
func (s *Syncer) SetupRoutes() http.Handler {
	r := chi.NewRouter()

	r.Get("/status", s.handleStatus)
	r.Get("/collections", s.handleCollections)

	return r
}

func (s *Syncer) handleStatus(w http.ResponseWriter, r *http.Request) {
	records, err := s.Status(r.Context(), r.URL.Query().Get("namespace"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []Record{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"records": records})
}

func (s *Syncer) handleCollections(w http.ResponseWriter, r *http.Request) {
	cols, err := s.ListCollections(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"collections": cols})
}
