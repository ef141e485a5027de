package afecciones

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const queryTimeout = 15 * time.Second

// DatabaseBackend answers spatial questions with PostGIS. All heavy
// lifting (GIST index, exact predicates, intersection areas) happens in
// the database; Go only shapes the rows.
type DatabaseBackend struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewDatabaseBackend(gdb *gorm.DB, log *zap.Logger) *DatabaseBackend {
	return &DatabaseBackend{db: gdb, log: log}
}

// Migrate creates the parcel and layer-feature tables.
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&Parcel{}, &LayerFeature{})
}

func (b *DatabaseBackend) Parcel(ctx context.Context, refcat string) (*ParcelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var row struct {
		Refcat       string
		Province     string
		Municipality string
		AreaM2       float64
	}
	res := b.db.WithContext(ctx).Raw(`
		SELECT refcat, province, municipality, ST_Area(geom) AS area_m2
		FROM catastro_parcels
		WHERE refcat = ?`, refcat).Scan(&row)
	if res.Error != nil {
		return nil, b.classify(res.Error, "parcel lookup")
	}
	if res.RowsAffected == 0 {
		return nil, NewError(KindNotFound, "parcel %s not found", refcat)
	}
	return &ParcelInfo{
		Refcat:       row.Refcat,
		Province:     row.Province,
		Municipality: row.Municipality,
		AreaM2:       row.AreaM2,
	}, nil
}

func (b *DatabaseBackend) LayerHits(ctx context.Context, refcat, layer string, bufferM float64, itype IntersectionType) ([]Hit, float64, error) {
	if err := b.requireLayer(ctx, layer); err != nil {
		return nil, 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	// Predicate and reported area vary per intersection type. dwithin
	// uses the buffer as a distance instead of dilating the parcel, and
	// widens the bbox prefilter accordingly.
	var predicate, areaExpr, bboxExpr string
	switch itype {
	case Contains:
		// The layer feature contains the parcel; the whole parcel is
		// affected, so the parcel area is reported.
		predicate = `ST_Contains(f.geom, o.geom)`
		areaExpr = `ST_Area(o.geom)`
		bboxExpr = `o.geom && f.geom`
	case Within:
		// The layer feature lies within the parcel.
		predicate = `ST_Within(f.geom, o.geom)`
		areaExpr = `ST_Area(f.geom)`
		bboxExpr = `o.geom && f.geom`
	case DWithin:
		predicate = `ST_DWithin(o.geom, f.geom, @distance)`
		areaExpr = `ST_Area(f.geom)`
		bboxExpr = `ST_Expand(o.geom, @distance) && f.geom`
	default: // intersects
		predicate = `ST_Intersects(o.geom, f.geom)`
		areaExpr = `ST_Area(ST_Intersection(o.geom, f.geom))`
		bboxExpr = `o.geom && f.geom`
	}

	// For dwithin the parcel footprint is not dilated; the distance is
	// the predicate's own parameter.
	buffer := bufferM
	if itype == DWithin {
		buffer = 0
	}

	query := `
		WITH parcela AS (
			SELECT geom FROM catastro_parcels WHERE refcat = @refcat
		),
		objetivo AS (
			SELECT CASE WHEN @buffer > 0 THEN ST_Buffer(geom, @buffer) ELSE geom END AS geom
			FROM parcela
		)
		SELECT f.feature_id,
		       f.properties,
		       ` + areaExpr + ` AS area_m2,
		       ST_Area(o.geom) AS parcel_area_m2
		FROM objetivo o
		JOIN layer_features f
		  ON f.collection_id = @layer
		 AND ` + bboxExpr + `
		 AND ` + predicate

	rows, err := b.db.WithContext(ctx).Raw(query,
		map[string]any{
			"refcat":   refcat,
			"buffer":   buffer,
			"distance": bufferM,
			"layer":    layer,
		}).Rows()
	if err != nil {
		return nil, 0, b.classify(err, "layer intersection query")
	}
	defer rows.Close()

	var (
		hits       []Hit
		parcelArea float64
	)
	for rows.Next() {
		var (
			featureID string
			props     []byte
			area      float64
		)
		if err := rows.Scan(&featureID, &props, &area, &parcelArea); err != nil {
			return nil, 0, b.classify(err, "scan layer hit")
		}
		attrs := map[string]any{}
		if len(props) > 0 {
			if err := json.Unmarshal(props, &attrs); err != nil {
				b.log.Warn("unparseable feature properties",
					zap.String("layer", layer), zap.String("feature", featureID))
			}
		}
		hits = append(hits, Hit{FeatureID: featureID, AreaM2: area, Attributes: attrs})
	}
	if err := rows.Err(); err != nil {
		return nil, 0, b.classify(err, "iterate layer hits")
	}

	if parcelArea == 0 && len(hits) == 0 {
		// No hits never touched a row, so the buffered area was not
		// reported back; fetch it so percent math stays consistent.
		res := b.db.WithContext(ctx).Raw(`
			SELECT CASE WHEN ? > 0 THEN ST_Area(ST_Buffer(geom, ?)) ELSE ST_Area(geom) END
			FROM catastro_parcels WHERE refcat = ?`, buffer, buffer, refcat).Scan(&parcelArea)
		if res.Error != nil {
			return nil, 0, b.classify(res.Error, "parcel area")
		}
	}

	return hits, parcelArea, nil
}

func (b *DatabaseBackend) ActiveLayers(ctx context.Context) ([]LayerInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := b.db.WithContext(ctx).Raw(`
		SELECT collection_id, namespace, feature_count, last_sync, metadata
		FROM sync_records
		WHERE status = 'synced'
		ORDER BY namespace, collection_id`).Rows()
	if err != nil {
		return nil, b.classify(err, "list synced layers")
	}
	defer rows.Close()

	var layers []LayerInfo
	for rows.Next() {
		var (
			info     LayerInfo
			lastSync time.Time
			meta     []byte
		)
		if err := rows.Scan(&info.CollectionID, &info.Namespace, &info.FeatureCount, &lastSync, &meta); err != nil {
			return nil, b.classify(err, "scan synced layer")
		}
		if !lastSync.IsZero() {
			info.LastSync = lastSync.Format(time.RFC3339)
		}
		if len(meta) > 0 {
			var m struct {
				Title string `json:"title"`
			}
			if json.Unmarshal(meta, &m) == nil {
				info.Title = m.Title
			}
		}
		layers = append(layers, info)
	}
	return layers, rows.Err()
}

func (b *DatabaseBackend) LayerStats(ctx context.Context, layer string) (*LayerStats, error) {
	if err := b.requireLayer(ctx, layer); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	stats := LayerStats{Layer: layer}
	res := b.db.WithContext(ctx).Raw(`
		SELECT count(*) AS total_features,
		       COALESCE(ST_AsText(ST_Extent(geom)), '') AS extent_wkt,
		       COALESCE(SUM(ST_Area(geom)), 0) AS total_area_m2
		FROM layer_features
		WHERE collection_id = ? AND geom IS NOT NULL`, layer).
		Scan(&stats)
	if res.Error != nil {
		return nil, b.classify(res.Error, "layer stats")
	}
	return &stats, nil
}

func (b *DatabaseBackend) ProvinceSummary(ctx context.Context, province string, layers []string) (*ProvinceSummary, error) {
	if len(layers) == 0 {
		active, err := b.ActiveLayers(ctx)
		if err != nil {
			return nil, err
		}
		for _, l := range active {
			layers = append(layers, l.CollectionID)
		}
	}
	if len(layers) == 0 {
		return nil, NewError(KindNotFound, "no synced layers to analyze")
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	out := ProvinceSummary{Province: province}

	res := b.db.WithContext(ctx).Raw(`
		SELECT count(*) AS total_parcels,
		       COALESCE(SUM(ST_Area(geom)), 0) AS total_area_m2
		FROM catastro_parcels
		WHERE province = ?`, province).Scan(&out)
	if res.Error != nil {
		return nil, b.classify(res.Error, "province parcel totals")
	}
	if out.TotalParcels == 0 {
		return nil, NewError(KindNotFound, "no parcels for province %s", province)
	}

	res = b.db.WithContext(ctx).Raw(`
		SELECT count(DISTINCT p.refcat)
		FROM catastro_parcels p
		JOIN layer_features f
		  ON f.collection_id IN ?
		 AND p.geom && f.geom
		 AND ST_Intersects(p.geom, f.geom)
		WHERE p.province = ?`, layers, province).Scan(&out.AffectedParcels)
	if res.Error != nil {
		return nil, b.classify(res.Error, "province affected count")
	}

	rows, err := b.db.WithContext(ctx).Raw(`
		SELECT f.collection_id AS layer,
		       count(DISTINCT p.refcat) AS affected_parcels,
		       COALESCE(SUM(ST_Area(ST_Intersection(p.geom, f.geom))), 0) AS affected_area_m2
		FROM catastro_parcels p
		JOIN layer_features f
		  ON f.collection_id IN ?
		 AND p.geom && f.geom
		 AND ST_Intersects(p.geom, f.geom)
		WHERE p.province = ?
		GROUP BY f.collection_id
		ORDER BY affected_area_m2 DESC`, layers, province).Rows()
	if err != nil {
		return nil, b.classify(err, "province per-layer rollup")
	}
	defer rows.Close()

	for rows.Next() {
		var ls ProvinceLayerStats
		if err := rows.Scan(&ls.Layer, &ls.AffectedParcels, &ls.AffectedAreaM2); err != nil {
			return nil, b.classify(err, "scan province layer stats")
		}
		out.Layers = append(out.Layers, ls)
	}
	if err := rows.Err(); err != nil {
		return nil, b.classify(err, "iterate province rollup")
	}

	if out.TotalParcels > 0 {
		out.PercentAffected = roundPercent(float64(out.AffectedParcels) / float64(out.TotalParcels) * 100)
	}
	return &out, nil
}

// requireLayer resolves the layer against the sync control table so an
// unknown layer surfaces as NotFound instead of an empty result.
func (b *DatabaseBackend) requireLayer(ctx context.Context, layer string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var n int64
	res := b.db.WithContext(ctx).Raw(
		`SELECT count(*) FROM sync_records WHERE collection_id = ?`, layer).Scan(&n)
	if res.Error != nil {
		return b.classify(res.Error, "layer lookup")
	}
	if n == 0 {
		return NewError(KindNotFound, "layer %s not found", layer)
	}
	return nil
}

func (b *DatabaseBackend) classify(err error, what string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapError(KindUpstreamTimeout, err, "%s exceeded the query timeout", what)
	}
	return WrapError(KindBackendUnavailable, err, "%s failed", what)
}
