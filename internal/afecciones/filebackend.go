package afecciones

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/twpayne/go-geos"
	"go.uber.org/zap"
)

// parcelsFile is the vector file the fallback resolves parcels from.
const parcelsFile = "catastro_parcels.geojson"

// FileBackend is the degraded mode used when the spatial database is
// unreachable: constraint layers are GeoJSON files (already in the
// metric projection) and the overlay runs in-process through GEOS.
// Results carry the same shape as the database backend's, only slower.
type FileBackend struct {
	dir string
	log *zap.Logger

	mu      sync.Mutex // guards the GEOS context and the caches
	geos    *geos.Context
	layers  map[string][]*fileFeature
	parcels map[string]*fileParcel
}

type fileFeature struct {
	id    string
	geom  *geos.Geom
	attrs map[string]any
}

type fileParcel struct {
	geom         *geos.Geom
	province     string
	municipality string
	valid        bool
}

func NewFileBackend(dir string, log *zap.Logger) *FileBackend {
	return &FileBackend{
		dir:    dir,
		log:    log,
		geos:   geos.NewContext(),
		layers: map[string][]*fileFeature{},
	}
}

func (b *FileBackend) Parcel(ctx context.Context, refcat string) (*ParcelInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, err := b.parcelLocked(refcat)
	if err != nil {
		return nil, err
	}
	return &ParcelInfo{
		Refcat:       refcat,
		Province:     p.province,
		Municipality: p.municipality,
		AreaM2:       p.geom.Area(),
	}, nil
}

func (b *FileBackend) LayerHits(ctx context.Context, refcat, layer string, bufferM float64, itype IntersectionType) ([]Hit, float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	parcel, err := b.parcelLocked(refcat)
	if err != nil {
		return nil, 0, err
	}
	features, err := b.layerLocked(layer)
	if err != nil {
		return nil, 0, err
	}

	// dwithin keeps the raw footprint and uses the buffer as distance,
	// mirroring the database backend.
	target := parcel.geom
	if bufferM > 0 && itype != DWithin {
		target = target.Buffer(bufferM, 8)
	}
	targetBounds := target.Bounds()

	var hits []Hit
	for _, f := range features {
		fb := f.geom.Bounds()
		if itype != DWithin && !boundsOverlap(targetBounds, fb) {
			continue
		}

		var area float64
		switch itype {
		case Contains:
			// Feature contains the parcel; the whole parcel is affected.
			if !f.geom.Contains(target) {
				continue
			}
			area = target.Area()
		case Within:
			// Feature lies within the parcel.
			if !f.geom.Within(target) {
				continue
			}
			area = f.geom.Area()
		case DWithin:
			if target.Distance(f.geom) > bufferM {
				continue
			}
			area = f.geom.Area()
		default: // intersects
			if !target.Intersects(f.geom) {
				continue
			}
			area = target.Intersection(f.geom).Area()
		}

		hits = append(hits, Hit{FeatureID: f.id, AreaM2: area, Attributes: f.attrs})
	}

	return hits, target.Area(), nil
}

func (b *FileBackend) ActiveLayers(ctx context.Context) ([]LayerInfo, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, WrapError(KindBackendUnavailable, err, "layer directory %s unreadable", b.dir)
	}

	var layers []LayerInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".geojson") || name == parcelsFile {
			continue
		}
		layer := strings.TrimSuffix(name, ".geojson")

		b.mu.Lock()
		features, err := b.layerLocked(layer)
		b.mu.Unlock()
		if err != nil {
			b.log.Warn("skipping unreadable layer file", zap.String("layer", layer), zap.Error(err))
			continue
		}
		layers = append(layers, LayerInfo{
			CollectionID: layer,
			FeatureCount: len(features),
		})
	}
	sort.Slice(layers, func(i, j int) bool { return layers[i].CollectionID < layers[j].CollectionID })
	return layers, nil
}

func (b *FileBackend) LayerStats(ctx context.Context, layer string) (*LayerStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	features, err := b.layerLocked(layer)
	if err != nil {
		return nil, err
	}

	stats := LayerStats{Layer: layer, TotalFeatures: int64(len(features))}
	var extent *geos.Box2D
	for _, f := range features {
		stats.TotalAreaM2 += f.geom.Area()
		fb := f.geom.Bounds()
		if extent == nil {
			cp := *fb
			extent = &cp
		} else {
			if fb.MinX < extent.MinX {
				extent.MinX = fb.MinX
			}
			if fb.MinY < extent.MinY {
				extent.MinY = fb.MinY
			}
			if fb.MaxX > extent.MaxX {
				extent.MaxX = fb.MaxX
			}
			if fb.MaxY > extent.MaxY {
				extent.MaxY = fb.MaxY
			}
		}
	}
	if extent != nil {
		stats.ExtentWKT = fmt.Sprintf("POLYGON((%[1]g %[2]g, %[3]g %[2]g, %[3]g %[4]g, %[1]g %[4]g, %[1]g %[2]g))",
			extent.MinX, extent.MinY, extent.MaxX, extent.MaxY)
	}
	stats.TotalAreaM2 = round2(stats.TotalAreaM2)
	return &stats, nil
}

func (b *FileBackend) ProvinceSummary(ctx context.Context, province string, layers []string) (*ProvinceSummary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.loadParcelsLocked(); err != nil {
		return nil, err
	}

	if len(layers) == 0 {
		var err error
		if layers, err = b.layerNamesLocked(); err != nil {
			return nil, err
		}
	}

	out := ProvinceSummary{Province: province}
	perLayer := map[string]*ProvinceLayerStats{}
	perLayerSeen := map[string]map[string]struct{}{}
	affectedParcels := map[string]struct{}{}

	for refcat, p := range b.parcels {
		if p.province != province {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		out.TotalParcels++
		if !p.valid {
			// Secondary parcel in a rollup: skip, do not fail.
			continue
		}
		out.TotalAreaM2 += p.geom.Area()

		pb := p.geom.Bounds()
		for _, layer := range layers {
			features, err := b.layerLocked(layer)
			if err != nil {
				return nil, err
			}
			for _, f := range features {
				if !boundsOverlap(pb, f.geom.Bounds()) || !p.geom.Intersects(f.geom) {
					continue
				}
				ls := perLayer[layer]
				if ls == nil {
					ls = &ProvinceLayerStats{Layer: layer}
					perLayer[layer] = ls
					perLayerSeen[layer] = map[string]struct{}{}
				}
				if _, seen := perLayerSeen[layer][refcat]; !seen {
					perLayerSeen[layer][refcat] = struct{}{}
					ls.AffectedParcels++
				}
				ls.AffectedAreaM2 += p.geom.Intersection(f.geom).Area()
				affectedParcels[refcat] = struct{}{}
			}
		}
	}

	if out.TotalParcels == 0 {
		return nil, NewError(KindNotFound, "no parcels for province %s", province)
	}

	for _, ls := range perLayer {
		ls.AffectedAreaM2 = round2(ls.AffectedAreaM2)
		out.Layers = append(out.Layers, *ls)
	}
	sort.Slice(out.Layers, func(i, j int) bool {
		return out.Layers[i].AffectedAreaM2 > out.Layers[j].AffectedAreaM2
	})

	out.AffectedParcels = int64(len(affectedParcels))
	out.TotalAreaM2 = round2(out.TotalAreaM2)
	out.PercentAffected = roundPercent(float64(out.AffectedParcels) / float64(out.TotalParcels) * 100)

	return &out, nil
}

// layerNamesLocked lists the layer files without loading their features.
func (b *FileBackend) layerNamesLocked() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, WrapError(KindBackendUnavailable, err, "layer directory %s unreadable", b.dir)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".geojson") || name == parcelsFile {
			continue
		}
		names = append(names, strings.TrimSuffix(name, ".geojson"))
	}
	sort.Strings(names)
	return names, nil
}

func (b *FileBackend) parcelLocked(refcat string) (*fileParcel, error) {
	if err := b.loadParcelsLocked(); err != nil {
		return nil, err
	}
	p, ok := b.parcels[refcat]
	if !ok {
		return nil, NewError(KindNotFound, "parcel %s not found", refcat)
	}
	if !p.valid {
		return nil, NewError(KindInvalidGeometry, "parcel %s has a degenerate geometry", refcat)
	}
	return p, nil
}

func (b *FileBackend) loadParcelsLocked() error {
	if b.parcels != nil {
		return nil
	}

	features, err := b.readCollection(filepath.Join(b.dir, parcelsFile))
	if err != nil {
		return WrapError(KindBackendUnavailable, err, "parcel file unavailable")
	}

	b.parcels = make(map[string]*fileParcel, len(features))
	for _, raw := range features {
		refcat, _ := raw.Properties["refcat"].(string)
		if refcat == "" {
			continue
		}
		p := &fileParcel{}
		p.province, _ = raw.Properties["provincia"].(string)
		p.municipality, _ = raw.Properties["municipio"].(string)

		geom, err := b.geos.NewGeomFromGeoJSON(string(raw.Geometry))
		if err != nil || geom == nil {
			b.log.Warn("unparseable parcel geometry", zap.String("refcat", refcat))
			b.parcels[refcat] = p // present but invalid
			continue
		}
		p.geom = geom
		p.valid = geom.IsValid()
		b.parcels[refcat] = p
	}
	return nil
}

func (b *FileBackend) layerLocked(layer string) ([]*fileFeature, error) {
	if features, ok := b.layers[layer]; ok {
		return features, nil
	}

	path := filepath.Join(b.dir, layerFileName(layer))
	if _, err := os.Stat(path); err != nil {
		return nil, NewError(KindNotFound, "layer %s not found", layer)
	}

	raw, err := b.readCollection(path)
	if err != nil {
		return nil, WrapError(KindBackendUnavailable, err, "layer file %s unreadable", path)
	}

	features := make([]*fileFeature, 0, len(raw))
	for i, rf := range raw {
		geom, err := b.geos.NewGeomFromGeoJSON(string(rf.Geometry))
		if err != nil || geom == nil {
			// Skip-and-count like the sync path.
			b.log.Warn("skipping invalid layer geometry",
				zap.String("layer", layer), zap.Int("index", i))
			continue
		}
		if !geom.IsValid() {
			geom = geom.MakeValid()
		}
		id := rf.id()
		if id == "" {
			id = fmt.Sprintf("row-%d", i)
		}
		features = append(features, &fileFeature{id: id, geom: geom, attrs: rf.Properties})
	}
	b.layers[layer] = features
	return features, nil
}

type rawFeature struct {
	ID         json.RawMessage `json:"id"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

func (f rawFeature) id() string {
	if len(f.ID) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(f.ID, &s) == nil {
		return s
	}
	return string(f.ID)
}

func (b *FileBackend) readCollection(path string) ([]rawFeature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc struct {
		Features []rawFeature `json:"features"`
	}
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return fc.Features, nil
}

// layerFileName mirrors the collection-id normalization the original
// data dumps use: ':' to '_', lowercase.
func layerFileName(layer string) string {
	return strings.ToLower(strings.ReplaceAll(layer, ":", "_")) + ".geojson"
}

func boundsOverlap(a, b *geos.Box2D) bool {
	if a == nil || b == nil {
		return true
	}
	return a.MinX <= b.MaxX && b.MinX <= a.MaxX && a.MinY <= b.MaxY && b.MinY <= a.MaxY
}
