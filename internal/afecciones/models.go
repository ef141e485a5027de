package afecciones

import "time"

// Parcel is a cadastral parcel in EPSG:25830. Geometry is stored as EWKB
// by PostGIS; area and perimeter are always derived with ST_Area /
// ST_Perimeter and never persisted alongside the geometry.
type Parcel struct {
	ID           uint      `json:"-" gorm:"primaryKey"`
	Refcat       string    `json:"refcat" gorm:"uniqueIndex;size:20"`
	Province     string    `json:"province"`
	Municipality string    `json:"municipality"`
	LandUse      string    `json:"land_use"`
	Geometry     []byte    `json:"-" gorm:"column:geom;type:geometry(MULTIPOLYGON,25830)"`
	SyncedAt     time.Time `json:"synced_at"`
}

func (Parcel) TableName() string { return "catastro_parcels" }

// LayerFeature is one feature of a synced constraint layer. All layers
// share this table, keyed by (collection_id, feature_id), so no SQL ever
// needs a dynamically built table name.
type LayerFeature struct {
	ID           uint   `json:"-" gorm:"primaryKey"`
	CollectionID string `json:"collection_id" gorm:"uniqueIndex:idx_layer_feature,priority:1;size:255"`
	FeatureID    string `json:"feature_id" gorm:"uniqueIndex:idx_layer_feature,priority:2;size:255"`
	Properties   []byte `json:"properties" gorm:"type:jsonb"`
	Geometry     []byte `json:"-" gorm:"column:geom;type:geometry(GEOMETRY,25830)"`
}

func (LayerFeature) TableName() string { return "layer_features" }

// IntersectionType selects the exact spatial predicate used after the
// bounding-box prefilter.
type IntersectionType string

const (
	Intersects IntersectionType = "intersects"
	Contains   IntersectionType = "contains"
	Within     IntersectionType = "within"
	DWithin    IntersectionType = "dwithin"
)

func (t IntersectionType) Valid() bool {
	switch t {
	case Intersects, Contains, Within, DWithin:
		return true
	}
	return false
}

// Params are the caller-supplied analysis parameters. Thresholds default
// to zero; there is no built-in noise floor.
type Params struct {
	Layers           []string         `json:"layers"`
	BufferM          float64          `json:"buffer_m"`
	IntersectionType IntersectionType `json:"intersection_type"`
	MinAreaM2        float64          `json:"min_area_m2"`
	MinPercent       float64          `json:"min_percent"`
}

// Result is one parcel x layer-feature affectation. Percent is the share
// of the (possibly buffered) parcel area covered by the intersection,
// clamped to [0,100] and rounded to 2 decimals for presentation.
type Result struct {
	Refcat     string         `json:"refcat"`
	Layer      string         `json:"layer"`
	Type       string         `json:"type"`
	AreaM2     float64        `json:"area_m2"`
	Percent    float64        `json:"percent"`
	Attributes map[string]any `json:"attributes"`
}

// Summary wraps the per-feature results for one parcel with totals.
type Summary struct {
	Refcat       string   `json:"refcat"`
	Province     string   `json:"province,omitempty"`
	Municipality string   `json:"municipality,omitempty"`
	ParcelAreaM2 float64  `json:"parcel_area_m2"`
	LayersHit    int      `json:"layers_hit"`
	TotalAreaM2  float64  `json:"total_area_m2"`
	TotalPercent float64  `json:"total_percent"`
	Results      []Result `json:"results"`
}

// BatchItem is one entry of a batch response: either a summary or a
// per-item error, never both.
type BatchItem struct {
	Summary *Summary `json:"summary,omitempty"`
	Error   string   `json:"error,omitempty"`
	Kind    Kind     `json:"kind,omitempty"`
}

// ProvinceSummary aggregates per-layer affectation counts over every
// parcel of a province. Read-only rollup, no new analysis.
type ProvinceSummary struct {
	Province        string               `json:"province"`
	TotalParcels    int64                `json:"total_parcels"`
	AffectedParcels int64                `json:"affected_parcels"`
	TotalAreaM2     float64              `json:"total_area_m2"`
	PercentAffected float64              `json:"percent_affected"`
	Layers          []ProvinceLayerStats `json:"layers"`
}

// ProvinceLayerStats is the per-layer slice of a province rollup.
type ProvinceLayerStats struct {
	Layer           string  `json:"layer"`
	AffectedParcels int64   `json:"affected_parcels"`
	AffectedAreaM2  float64 `json:"affected_area_m2"`
}

// LayerStats describes one synced layer: feature count, extent and total
// geometry area.
type LayerStats struct {
	Layer         string  `json:"layer"`
	TotalFeatures int64   `json:"total_features"`
	ExtentWKT     string  `json:"extent_wkt"`
	TotalAreaM2   float64 `json:"total_area_m2"`
}
