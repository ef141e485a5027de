package afecciones

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Service wires the analyzer to the HTTP surface.
type Service struct {
	analyzer *Analyzer
	log      *zap.Logger
}

func NewService(analyzer *Analyzer, log *zap.Logger) *Service {
	return &Service{analyzer: analyzer, log: log}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(err))
	kind := KindOf(err)
	if kind == "" {
		kind = "internal"
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"kind":  kind,
		"error": err.Error(),
	})
}

func addServerTiming(w http.ResponseWriter, kv ...[2]string) {
	if len(kv) == 0 {
		return
	}
	val := ""
	for i, p := range kv {
		if i > 0 {
			val += ", "
		}
		val += fmt.Sprintf("%s;dur=%s", p[0], p[1])
	}
	w.Header().Add("Server-Timing", val)
}

// AfeccionesOut is the single-parcel response: the summary plus results
// regrouped as layer → hits for the map UI.
type AfeccionesOut struct {
	Refcat       string              `json:"refcat"`
	Province     string              `json:"provincia,omitempty"`
	Municipality string              `json:"municipio,omitempty"`
	ParcelAreaM2 float64             `json:"parcel_area_m2"`
	LayersHit    int                 `json:"total_capas_afectan"`
	TotalAreaM2  float64             `json:"area_total_afectada_m2"`
	TotalPercent float64             `json:"porcentaje_total_afectacion"`
	Results      []Result            `json:"afecciones_detalle"`
	ByLayer      map[string][]Result `json:"afecciones"`
}

func summaryOut(s *Summary) AfeccionesOut {
	out := AfeccionesOut{
		Refcat:       s.Refcat,
		Province:     s.Province,
		Municipality: s.Municipality,
		ParcelAreaM2: s.ParcelAreaM2,
		LayersHit:    s.LayersHit,
		TotalAreaM2:  s.TotalAreaM2,
		TotalPercent: s.TotalPercent,
		Results:      s.Results,
		ByLayer:      map[string][]Result{},
	}
	for _, r := range s.Results {
		out.ByLayer[r.Layer] = append(out.ByLayer[r.Layer], r)
	}
	return out
}

// GetAfecciones handles GET /{refcat}?capas=...&buffer_m=...
func (s *Service) GetAfecciones(w http.ResponseWriter, r *http.Request) {
	refcat := chi.URLParam(r, "refcat")
	if !ValidRefcat(refcat) {
		http.Error(w, "refcat must be 14 or 20 alphanumeric characters", http.StatusBadRequest)
		return
	}

	params, err := paramsFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	start := time.Now()
	summary, err := s.analyzer.Analyze(r.Context(), refcat, params)
	if err != nil {
		writeError(w, err)
		return
	}
	addServerTiming(w, [2]string{"analyze", fmt.Sprintf("%.1f", float64(time.Since(start).Microseconds())/1000)})

	writeJSON(w, summaryOut(summary))
}

// BatchRequest is the body of POST /batch.
type BatchRequest struct {
	Refcats []string `json:"refcats"`
	Params
}

// BatchOut reports each reference independently; one bad reference never
// aborts the rest.
type BatchOut struct {
	Total     int                  `json:"total_referencias"`
	Processed int                  `json:"procesadas"`
	Failed    int                  `json:"fallidas"`
	Results   map[string]BatchItem `json:"resultados"`
}

// PostBatch handles POST /batch.
func (s *Service) PostBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if len(req.Refcats) == 0 {
		http.Error(w, "refcats is empty", http.StatusBadRequest)
		return
	}

	items, err := s.analyzer.AnalyzeBatch(r.Context(), req.Refcats, req.Params)
	if err != nil {
		writeError(w, err)
		return
	}

	out := BatchOut{Total: len(req.Refcats), Results: items}
	for _, item := range items {
		if item.Error == "" {
			out.Processed++
		} else {
			out.Failed++
		}
	}
	writeJSON(w, out)
}

// GetLayers handles GET /capas/disponibles.
func (s *Service) GetLayers(w http.ResponseWriter, r *http.Request) {
	layers, err := s.analyzer.ActiveLayers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if layers == nil {
		layers = []LayerInfo{}
	}
	writeJSON(w, map[string]any{"capas": layers})
}

// GetLayerStats handles GET /capas/{capa}/estadisticas.
func (s *Service) GetLayerStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.analyzer.LayerStats(r.Context(), chi.URLParam(r, "capa"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, stats)
}

// GetProvinceSummary handles GET /resumen/provincia/{provincia}.
func (s *Service) GetProvinceSummary(w http.ResponseWriter, r *http.Request) {
	province := chi.URLParam(r, "provincia")
	summary, err := s.analyzer.ProvinceSummary(r.Context(), province, r.URL.Query()["capas"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, summary)
}

func paramsFromQuery(r *http.Request) (Params, error) {
	q := r.URL.Query()
	p := Params{
		Layers:           q["capas"],
		IntersectionType: Intersects,
	}

	if v := q.Get("tipo_interseccion"); v != "" {
		p.IntersectionType = IntersectionType(v)
		if !p.IntersectionType.Valid() {
			return p, fmt.Errorf("tipo_interseccion must be one of intersects, contains, within, dwithin")
		}
	}

	var err error
	if p.BufferM, err = floatParam(q.Get("buffer_m"), 0); err != nil {
		return p, fmt.Errorf("buffer_m: %w", err)
	}
	if p.BufferM < 0 {
		return p, fmt.Errorf("buffer_m must be >= 0")
	}
	if p.MinAreaM2, err = floatParam(q.Get("min_area_afectada"), 0); err != nil {
		return p, fmt.Errorf("min_area_afectada: %w", err)
	}
	if p.MinPercent, err = floatParam(q.Get("min_porcentaje"), 0); err != nil {
		return p, fmt.Errorf("min_porcentaje: %w", err)
	}
	if p.MinPercent < 0 || p.MinPercent > 100 {
		return p, fmt.Errorf("min_porcentaje must be in [0,100]")
	}
	return p, nil
}

func floatParam(raw string, fallback float64) (float64, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseFloat(raw, 64)
}
