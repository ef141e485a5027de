package afecciones

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// rectJSON renders an axis-aligned rectangle as a GeoJSON Polygon.
func rectJSON(minX, minY, maxX, maxY float64) string {
	return fmt.Sprintf(`{"type":"Polygon","coordinates":[[[%[1]g,%[2]g],[%[3]g,%[2]g],[%[3]g,%[4]g],[%[1]g,%[4]g],[%[1]g,%[2]g]]]}`,
		minX, minY, maxX, maxY)
}

func featureJSON(id, geom, props string) string {
	return fmt.Sprintf(`{"type":"Feature","id":%q,"geometry":%s,"properties":%s}`, id, geom, props)
}

func collectionJSON(features ...string) string {
	out := `{"type":"FeatureCollection","features":[`
	for i, f := range features {
		if i > 0 {
			out += ","
		}
		out += f
	}
	return out + "]}"
}

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

// newFixtureBackend builds a layer directory with one 100x100 parcel at
// the origin and a "habitat" layer covering its left half plus one far
// feature that never intersects.
func newFixtureBackend(t *testing.T) *FileBackend {
	t.Helper()
	dir := t.TempDir()

	writeFixture(t, dir, parcelsFile, collectionJSON(
		featureJSON("p1", rectJSON(0, 0, 100, 100),
			fmt.Sprintf(`{"refcat":%q,"provincia":"04","municipio":"Abla"}`, testRefcat)),
	))
	writeFixture(t, dir, "habitat.geojson", collectionJSON(
		featureJSON("h1", rectJSON(0, 0, 50, 100), `{"nombre":"Habitat"}`),
		featureJSON("h2", rectJSON(5000, 5000, 5100, 5100), `{"nombre":"Lejano"}`),
	))

	return NewFileBackend(dir, zap.NewNop())
}

func TestFileBackendParcel(t *testing.T) {
	b := newFixtureBackend(t)

	p, err := b.Parcel(context.Background(), testRefcat)
	require.NoError(t, err)
	assert.Equal(t, "04", p.Province)
	assert.Equal(t, "Abla", p.Municipality)
	assert.InDelta(t, 10000.0, p.AreaM2, 1e-6)

	_, err = b.Parcel(context.Background(), "99999X99999999")
	assert.True(t, IsNotFound(err))
}

func TestFileBackendIntersects(t *testing.T) {
	b := newFixtureBackend(t)

	hits, parcelArea, err := b.LayerHits(context.Background(), testRefcat, "habitat", 0, Intersects)
	require.NoError(t, err)
	assert.InDelta(t, 10000.0, parcelArea, 1e-6)
	require.Len(t, hits, 1)
	assert.Equal(t, "h1", hits[0].FeatureID)
	assert.InDelta(t, 5000.0, hits[0].AreaM2, 1e-6)
	assert.Equal(t, "Habitat", hits[0].Attributes["nombre"])
}

// TestFileBackendBufferReachesFurther checks the buffer widens the
// search: a feature 40m away is missed without a buffer and caught
// with one.
func TestFileBackendBufferReachesFurther(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, parcelsFile, collectionJSON(
		featureJSON("p1", rectJSON(0, 0, 100, 100),
			fmt.Sprintf(`{"refcat":%q,"provincia":"04"}`, testRefcat)),
	))
	writeFixture(t, dir, "vias.geojson", collectionJSON(
		featureJSON("v1", rectJSON(140, 0, 160, 100), `{}`),
	))
	b := NewFileBackend(dir, zap.NewNop())

	hits, _, err := b.LayerHits(context.Background(), testRefcat, "vias", 0, Intersects)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, parcelArea, err := b.LayerHits(context.Background(), testRefcat, "vias", 50, Intersects)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	// The buffered footprint is what the overlay runs against.
	assert.Greater(t, parcelArea, 10000.0)
}

func TestFileBackendDWithin(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, parcelsFile, collectionJSON(
		featureJSON("p1", rectJSON(0, 0, 100, 100),
			fmt.Sprintf(`{"refcat":%q,"provincia":"04"}`, testRefcat)),
	))
	writeFixture(t, dir, "vias.geojson", collectionJSON(
		featureJSON("v1", rectJSON(110, 0, 120, 100), `{}`),
	))
	b := NewFileBackend(dir, zap.NewNop())

	// 10m away: inside a 20m radius, outside a 5m one. The footprint is
	// never dilated for dwithin, so parcel area stays exact.
	hits, parcelArea, err := b.LayerHits(context.Background(), testRefcat, "vias", 20, DWithin)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1000.0, hits[0].AreaM2, 1e-6) // feature's own area
	assert.InDelta(t, 10000.0, parcelArea, 1e-6)

	hits, _, err = b.LayerHits(context.Background(), testRefcat, "vias", 5, DWithin)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestFileBackendContainsAndWithin(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, parcelsFile, collectionJSON(
		featureJSON("p1", rectJSON(0, 0, 100, 100),
			fmt.Sprintf(`{"refcat":%q,"provincia":"04"}`, testRefcat)),
	))
	writeFixture(t, dir, "zonas.geojson", collectionJSON(
		featureJSON("inner", rectJSON(10, 10, 20, 20), `{}`),
		featureJSON("outer", rectJSON(-50, -50, 150, 150), `{}`),
	))
	b := NewFileBackend(dir, zap.NewNop())

	// contains: the feature surrounding the parcel matches and the whole
	// parcel counts as affected.
	hits, _, err := b.LayerHits(context.Background(), testRefcat, "zonas", 0, Contains)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "outer", hits[0].FeatureID)
	assert.InDelta(t, 10000.0, hits[0].AreaM2, 1e-6) // parcel's own area

	// within: only the feature inside the parcel matches, with its own area.
	hits, _, err = b.LayerHits(context.Background(), testRefcat, "zonas", 0, Within)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "inner", hits[0].FeatureID)
	assert.InDelta(t, 100.0, hits[0].AreaM2, 1e-6)
}

// TestAnalyzeContainsSurroundedParcel runs the analyzer over the file
// backend for a parcel completely inside a layer feature: a contains
// request reports the parcel fully affected.
func TestAnalyzeContainsSurroundedParcel(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, parcelsFile, collectionJSON(
		featureJSON("p1", rectJSON(0, 0, 100, 100),
			fmt.Sprintf(`{"refcat":%q,"provincia":"04"}`, testRefcat)),
	))
	writeFixture(t, dir, "zonas.geojson", collectionJSON(
		featureJSON("outer", rectJSON(-50, -50, 150, 150), `{}`),
	))
	b := NewFileBackend(dir, zap.NewNop())

	s, err := NewAnalyzer(b, nil, zap.NewNop()).Analyze(context.Background(), testRefcat, Params{
		Layers:           []string{"zonas"},
		IntersectionType: Contains,
	})
	require.NoError(t, err)
	require.Len(t, s.Results, 1)
	assert.InDelta(t, 10000.0, s.Results[0].AreaM2, 1e-6)
	assert.InDelta(t, 100.0, s.Results[0].Percent, 1e-6)
	assert.InDelta(t, 100.0, s.TotalPercent, 1e-6)
}

func TestFileBackendUnknownLayer(t *testing.T) {
	b := newFixtureBackend(t)

	_, _, err := b.LayerHits(context.Background(), testRefcat, "no-such-layer", 0, Intersects)
	assert.True(t, IsNotFound(err))
}

func TestFileBackendInvalidParcelGeometry(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, parcelsFile, collectionJSON(
		featureJSON("p1", `{"type":"Polygon","coordinates":[[[0,0]]]}`,
			fmt.Sprintf(`{"refcat":%q}`, testRefcat)),
	))
	b := NewFileBackend(dir, zap.NewNop())

	_, err := b.Parcel(context.Background(), testRefcat)
	require.Error(t, err)
	assert.Equal(t, KindInvalidGeometry, KindOf(err))
}

// TestFileBackendSkipsBadLayerFeatures checks the skip-and-count rule:
// a broken feature in a layer file drops that feature, not the layer.
func TestFileBackendSkipsBadLayerFeatures(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, parcelsFile, collectionJSON(
		featureJSON("p1", rectJSON(0, 0, 100, 100),
			fmt.Sprintf(`{"refcat":%q}`, testRefcat)),
	))
	writeFixture(t, dir, "mixto.geojson", collectionJSON(
		featureJSON("good", rectJSON(0, 0, 10, 10), `{}`),
		featureJSON("bad", `{"type":"Polygon","coordinates":[[[0,0]]]}`, `{}`),
	))
	b := NewFileBackend(dir, zap.NewNop())

	hits, _, err := b.LayerHits(context.Background(), testRefcat, "mixto", 0, Intersects)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "good", hits[0].FeatureID)
}

func TestFileBackendActiveLayers(t *testing.T) {
	b := newFixtureBackend(t)

	layers, err := b.ActiveLayers(context.Background())
	require.NoError(t, err)
	require.Len(t, layers, 1) // the parcels file is not a layer
	assert.Equal(t, "habitat", layers[0].CollectionID)
	assert.Equal(t, 2, layers[0].FeatureCount)
}

func TestFileBackendLayerStats(t *testing.T) {
	b := newFixtureBackend(t)

	stats, err := b.LayerStats(context.Background(), "habitat")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalFeatures)
	assert.InDelta(t, 15000.0, stats.TotalAreaM2, 0.01)
	assert.NotEmpty(t, stats.ExtentWKT)
}

func TestFileBackendProvinceSummary(t *testing.T) {
	b := newFixtureBackend(t)

	sum, err := b.ProvinceSummary(context.Background(), "04", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.TotalParcels)
	assert.Equal(t, int64(1), sum.AffectedParcels)
	assert.InDelta(t, 100.0, sum.PercentAffected, 1e-6)
	require.Len(t, sum.Layers, 1)
	assert.Equal(t, "habitat", sum.Layers[0].Layer)
	assert.InDelta(t, 5000.0, sum.Layers[0].AffectedAreaM2, 0.01)

	_, err = b.ProvinceSummary(context.Background(), "99", nil)
	assert.True(t, IsNotFound(err))
}

func TestLayerFileName(t *testing.T) {
	assert.Equal(t, "biodiversidad_habitat.geojson", layerFileName("Biodiversidad:Habitat"))
	assert.Equal(t, "vias.geojson", layerFileName("vias"))
}
