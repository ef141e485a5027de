package ogc

import "encoding/json"

// Collection describes one feature collection exposed by the OGC
// Features service.
type Collection struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Extent      *Extent  `json:"extent,omitempty"`
	CRS         []string `json:"crs,omitempty"`
	Links       []Link   `json:"links,omitempty"`
}

type Extent struct {
	Spatial struct {
		BBox [][]float64 `json:"bbox"`
	} `json:"spatial"`
}

type Link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
}

type collectionsResponse struct {
	Collections []Collection `json:"collections"`
}

// Feature is one GeoJSON feature from an items page. Geometry stays raw:
// the synchronizer hands it to PostGIS (ST_GeomFromGeoJSON) or GEOS
// untouched, and a nil geometry is counted as skipped.
type Feature struct {
	ID         json.RawMessage `json:"id"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

// FeaturePage is one page of collection items.
type FeaturePage struct {
	Features       []Feature `json:"features"`
	NumberMatched  int       `json:"numberMatched"`
	NumberReturned int       `json:"numberReturned"`
	Links          []Link    `json:"links,omitempty"`
}

// StringID renders a feature id (which the service serves as either a
// string or a number) as a stable string key. Features without an id get
// an empty string and the caller derives one.
func (f Feature) StringID() string {
	if len(f.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(f.ID, &s); err == nil {
		return s
	}
	// Numeric id: the raw token is already its decimal form.
	return string(f.ID)
}
