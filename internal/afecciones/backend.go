package afecciones

import "context"

// ParcelInfo is the resolved parcel a request analyzes against.
// AreaM2 is derived from the stored geometry at query time.
type ParcelInfo struct {
	Refcat       string
	Province     string
	Municipality string
	AreaM2       float64
}

// Hit is one raw layer-feature overlap before thresholds, clamping and
// rounding are applied. Percent handling is the analyzer's job so both
// backends stay contract-identical.
type Hit struct {
	FeatureID  string
	AreaM2     float64
	Attributes map[string]any
}

// LayerInfo describes a synced layer available for analysis.
type LayerInfo struct {
	CollectionID string `json:"collection_id"`
	Namespace    string `json:"namespace,omitempty"`
	FeatureCount int    `json:"feature_count"`
	LastSync     string `json:"last_sync,omitempty"`
	Title        string `json:"title,omitempty"`
}

// SpatialBackend is the capability the analyzer runs on: either the
// spatial database or local vector files. Implementations must return
// results of identical shape; callers never observe which backend served
// a request except through latency.
type SpatialBackend interface {
	// Parcel resolves a parcel by cadastral reference. Returns a
	// NotFound error when absent.
	Parcel(ctx context.Context, refcat string) (*ParcelInfo, error)

	// LayerHits evaluates one layer against the parcel: coarse bbox
	// prefilter, then the exact predicate, then intersection area.
	// The buffered parcel area is reported back so percent computation
	// uses the dilated footprint. Returns NotFound when the layer is
	// unknown.
	LayerHits(ctx context.Context, refcat, layer string, bufferM float64, itype IntersectionType) (hits []Hit, parcelAreaM2 float64, err error)

	// ActiveLayers lists the layers available for analysis.
	ActiveLayers(ctx context.Context) ([]LayerInfo, error)

	// LayerStats reports feature count, extent and total area of one
	// layer.
	LayerStats(ctx context.Context, layer string) (*LayerStats, error)

	// ProvinceSummary rolls up affected-parcel counts and areas per
	// layer across every parcel of a province.
	ProvinceSummary(ctx context.Context, province string, layers []string) (*ProvinceSummary, error)
}
