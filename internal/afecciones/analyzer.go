// Package afecciones computes spatial affectations: overlaps between a
// cadastral parcel and regulatory constraint layers, expressed as
// intersected area and percentage of the parcel.
package afecciones

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"

	"go.uber.org/zap"
)

// refcats are 14 chars (parcel) or 20 chars (parcel + charge).
var refcatPattern = regexp.MustCompile(`^[0-9A-Za-z]{14}([0-9A-Za-z]{6})?$`)

// ValidRefcat reports whether a cadastral reference is well-formed.
func ValidRefcat(refcat string) bool {
	return refcatPattern.MatchString(refcat)
}

// Analyzer runs affectation analysis on an injected SpatialBackend and
// optionally memoizes summaries in a result cache.
type Analyzer struct {
	backend SpatialBackend
	cache   *ResultCache
	log     *zap.Logger
}

func NewAnalyzer(backend SpatialBackend, cache *ResultCache, log *zap.Logger) *Analyzer {
	return &Analyzer{backend: backend, cache: cache, log: log}
}

// Analyze resolves the parcel, evaluates each requested layer (or every
// active layer when none are named) and returns the per-feature results
// sorted by descending percentage. Thresholds are applied on unrounded
// values; rounding to 2 decimals happens only on the way out.
func (a *Analyzer) Analyze(ctx context.Context, refcat string, p Params) (*Summary, error) {
	if p.IntersectionType == "" {
		p.IntersectionType = Intersects
	}
	if !p.IntersectionType.Valid() {
		return nil, fmt.Errorf("unknown intersection type %q", p.IntersectionType)
	}

	if s := a.cache.Get(ctx, refcat, p); s != nil {
		return s, nil
	}

	parcel, err := a.backend.Parcel(ctx, refcat)
	if err != nil {
		return nil, err
	}

	layers := p.Layers
	if len(layers) == 0 {
		active, err := a.backend.ActiveLayers(ctx)
		if err != nil {
			return nil, err
		}
		for _, l := range active {
			layers = append(layers, l.CollectionID)
		}
	}

	summary := &Summary{
		Refcat:       refcat,
		Province:     parcel.Province,
		Municipality: parcel.Municipality,
		ParcelAreaM2: round2(parcel.AreaM2),
		Results:      []Result{},
	}

	var (
		totalArea float64
		layersHit = map[string]struct{}{}
		keep      []scoredResult
	)

	for _, layer := range layers {
		hits, parcelArea, err := a.backend.LayerHits(ctx, refcat, layer, p.BufferM, p.IntersectionType)
		if err != nil {
			return nil, err
		}

		for _, hit := range hits {
			percent := 0.0
			if parcelArea > 0 {
				percent = hit.AreaM2 / parcelArea * 100
			}
			percent = clampPercent(percent)

			// Noise thresholds compare unrounded values.
			if hit.AreaM2 < p.MinAreaM2 || percent < p.MinPercent {
				continue
			}

			layersHit[layer] = struct{}{}
			totalArea += hit.AreaM2
			keep = append(keep, scoredResult{
				percent: percent,
				result: Result{
					Refcat:     refcat,
					Layer:      layer,
					Type:       string(p.IntersectionType),
					AreaM2:     round2(hit.AreaM2),
					Percent:    roundPercent(percent),
					Attributes: hit.Attributes,
				},
			})
		}
	}

	sort.SliceStable(keep, func(i, j int) bool {
		return keep[i].percent > keep[j].percent
	})
	for _, k := range keep {
		summary.Results = append(summary.Results, k.result)
	}

	summary.LayersHit = len(layersHit)
	summary.TotalAreaM2 = round2(totalArea)
	if parcel.AreaM2 > 0 {
		summary.TotalPercent = roundPercent(clampPercent(totalArea / parcel.AreaM2 * 100))
	}

	a.cache.Set(ctx, refcat, p, summary)

	return summary, nil
}

// AnalyzeBatch analyzes each reference independently. A NotFound or
// InvalidGeometry on one reference becomes a per-item error; it never
// aborts the remaining references. BackendUnavailable still fails the
// whole batch since nothing after it can succeed either.
func (a *Analyzer) AnalyzeBatch(ctx context.Context, refcats []string, p Params) (map[string]BatchItem, error) {
	out := make(map[string]BatchItem, len(refcats))
	for _, refcat := range refcats {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		summary, err := a.Analyze(ctx, refcat, p)
		if err != nil {
			kind := KindOf(err)
			if kind == KindBackendUnavailable {
				return nil, err
			}
			a.log.Warn("batch item failed",
				zap.String("refcat", refcat), zap.Error(err))
			out[refcat] = BatchItem{Error: err.Error(), Kind: kind}
			continue
		}
		out[refcat] = BatchItem{Summary: summary}
	}
	return out, nil
}

// ProvinceSummary is a read-only rollup; the backend does the work.
func (a *Analyzer) ProvinceSummary(ctx context.Context, province string, layers []string) (*ProvinceSummary, error) {
	return a.backend.ProvinceSummary(ctx, province, layers)
}

// ActiveLayers exposes the backend's layer catalog to the HTTP layer.
func (a *Analyzer) ActiveLayers(ctx context.Context) ([]LayerInfo, error) {
	return a.backend.ActiveLayers(ctx)
}

// LayerStats exposes per-layer statistics to the HTTP layer.
func (a *Analyzer) LayerStats(ctx context.Context, layer string) (*LayerStats, error) {
	return a.backend.LayerStats(ctx, layer)
}

type scoredResult struct {
	percent float64 // unrounded sort key
	result  Result
}

func clampPercent(p float64) float64 {
	return math.Min(100, math.Max(0, p))
}

// roundPercent rounds for presentation only and keeps the clamp.
func roundPercent(p float64) float64 {
	return clampPercent(round2(p))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
