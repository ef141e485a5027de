package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/dnogares/afecciones/internal/db"
	"github.com/dnogares/afecciones/internal/ogc"
)

// dbAvailable tracks whether the database connection was established.
var dbAvailable bool

var testDB *gorm.DB

func TestMain(m *testing.M) {
	// Load .env relative to the module root (two directories up from internal/sync/).
	_ = godotenv.Load("../../.env")

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		// No database available, run only the unit tests.
		os.Exit(m.Run())
	}

	var err error
	testDB, err = db.Connect(databaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect test database: %v\n", err)
		os.Exit(1)
	}
	if err := db.EnsurePostGIS(testDB); err != nil {
		fmt.Fprintf(os.Stderr, "enable postgis: %v\n", err)
		os.Exit(1)
	}
	if err := Migrate(testDB); err != nil {
		fmt.Fprintf(os.Stderr, "migrate sync tables: %v\n", err)
		os.Exit(1)
	}
	// The destination table is owned by the analyzer's migration; create a
	// compatible copy here so these tests do not depend on that package.
	if err := testDB.Exec(`CREATE TABLE IF NOT EXISTS layer_features (
		id BIGSERIAL PRIMARY KEY,
		collection_id VARCHAR(255),
		feature_id VARCHAR(255),
		properties JSONB,
		geom geometry(GEOMETRY, 25830),
		CONSTRAINT idx_layer_feature UNIQUE (collection_id, feature_id)
	)`).Error; err != nil {
		fmt.Fprintf(os.Stderr, "create layer_features: %v\n", err)
		os.Exit(1)
	}
	dbAvailable = true

	os.Exit(m.Run())
}

// fakeSource serves canned pages and can be told to fail partway through.
type fakeSource struct {
	pages       map[string][][]ogc.Feature
	failAtPage  int // 1-based; 0 means never fail
	fetchCalls  int
	failWithErr error
}

func (f *fakeSource) Collections(ctx context.Context) ([]ogc.Collection, error) {
	var cols []ogc.Collection
	for id := range f.pages {
		cols = append(cols, ogc.Collection{ID: id})
	}
	return cols, nil
}

func (f *fakeSource) CollectionMetadata(ctx context.Context, collectionID string) (*ogc.Collection, error) {
	return &ogc.Collection{ID: collectionID, Title: "Test layer"}, nil
}

func (f *fakeSource) FetchPage(ctx context.Context, collectionID string, limit, offset int) (*ogc.FeaturePage, error) {
	f.fetchCalls++
	if f.failAtPage > 0 && f.fetchCalls >= f.failAtPage {
		if f.failWithErr != nil {
			return nil, f.failWithErr
		}
		return nil, errors.New("upstream exploded")
	}
	pages := f.pages[collectionID]
	idx := offset / limit
	if idx >= len(pages) {
		return &ogc.FeaturePage{}, nil
	}
	return &ogc.FeaturePage{Features: pages[idx]}, nil
}

// testFeature builds a small square near Almería in CRS84 lon/lat, the
// coordinate order the upstream service delivers.
func testFeature(id string, lon, lat float64) ogc.Feature {
	geom := fmt.Sprintf(`{"type":"Polygon","coordinates":[[[%[1]g,%[2]g],[%[3]g,%[2]g],[%[3]g,%[4]g],[%[1]g,%[4]g],[%[1]g,%[2]g]]]}`,
		lon, lat, lon+0.001, lat+0.001)
	return ogc.Feature{
		ID:         json.RawMessage(fmt.Sprintf("%q", id)),
		Geometry:   json.RawMessage(geom),
		Properties: map[string]any{"nombre": id},
	}
}

func requireDB(t *testing.T) {
	t.Helper()
	if !dbAvailable {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
}

func resetCollection(t *testing.T, collectionID string) {
	t.Helper()
	if err := testDB.Exec(`DELETE FROM layer_features WHERE collection_id = ?`, collectionID).Error; err != nil {
		t.Fatalf("reset layer_features: %v", err)
	}
	if err := testDB.Exec(`DELETE FROM sync_records WHERE collection_id = ?`, collectionID).Error; err != nil {
		t.Fatalf("reset sync_records: %v", err)
	}
}

func countRows(t *testing.T, collectionID string) int64 {
	t.Helper()
	var n int64
	if err := testDB.Raw(`SELECT COUNT(*) FROM layer_features WHERE collection_id = ?`, collectionID).Scan(&n).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func recordFor(t *testing.T, collectionID string) Record {
	t.Helper()
	var rec Record
	if err := testDB.Where("collection_id = ?", collectionID).First(&rec).Error; err != nil {
		t.Fatalf("load sync record: %v", err)
	}
	return rec
}

func TestSyncReplaceRoundTrip(t *testing.T) {
	requireDB(t)
	const col = "test:replace_roundtrip"
	resetCollection(t, col)

	source := &fakeSource{pages: map[string][][]ogc.Feature{
		col: {{testFeature("f1", -2.50, 37.00), testFeature("f2", -2.49, 37.00)}},
	}}
	s := NewSyncer(testDB, source, 100, zap.NewNop())

	out, err := s.Sync(context.Background(), col, StrategyReplace)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if out.Features != 2 || out.Skipped != 0 {
		t.Errorf("expected 2 features / 0 skipped, got %d / %d", out.Features, out.Skipped)
	}
	if n := countRows(t, col); n != 2 {
		t.Errorf("expected 2 rows, found %d", n)
	}

	rec := recordFor(t, col)
	if rec.Status != StatusSynced {
		t.Errorf("expected status synced, got %s", rec.Status)
	}
	if rec.FeatureCount != 2 {
		t.Errorf("expected feature_count 2, got %d", rec.FeatureCount)
	}
	if rec.Namespace != "test" {
		t.Errorf("expected namespace test, got %q", rec.Namespace)
	}

	// A second replace with fewer features rebuilds, never accumulates.
	source.pages[col] = [][]ogc.Feature{{testFeature("f3", -2.48, 37.00)}}
	source.fetchCalls = 0
	if _, err := s.Sync(context.Background(), col, StrategyReplace); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if n := countRows(t, col); n != 1 {
		t.Errorf("expected 1 row after replace, found %d", n)
	}
}

// TestSyncFailureKeepsLiveRows drives a mid-run upstream failure and
// checks the previously synced rows survive and the record reports the
// error.
func TestSyncFailureKeepsLiveRows(t *testing.T) {
	requireDB(t)
	const col = "test:failure_keeps_rows"
	resetCollection(t, col)

	source := &fakeSource{pages: map[string][][]ogc.Feature{
		col: {{testFeature("f1", -2.50, 37.00), testFeature("f2", -2.49, 37.00)}},
	}}
	s := NewSyncer(testDB, source, 100, zap.NewNop())
	if _, err := s.Sync(context.Background(), col, StrategyReplace); err != nil {
		t.Fatalf("seed sync: %v", err)
	}

	source.fetchCalls = 0
	source.failAtPage = 1
	if _, err := s.Sync(context.Background(), col, StrategyReplace); err == nil {
		t.Fatal("expected the sync to fail")
	}

	if n := countRows(t, col); n != 2 {
		t.Errorf("expected the 2 live rows to survive, found %d", n)
	}
	rec := recordFor(t, col)
	if rec.Status != StatusError {
		t.Errorf("expected status error, got %s", rec.Status)
	}
	if rec.ErrorMessage == "" {
		t.Error("expected a stored error message")
	}

	// No staging orphans.
	var staged int64
	if err := testDB.Raw(`SELECT COUNT(*) FROM layer_features_staging WHERE collection_id = ?`, col).Scan(&staged).Error; err != nil {
		t.Fatalf("count staging: %v", err)
	}
	if staged != 0 {
		t.Errorf("expected empty staging area, found %d rows", staged)
	}
}

func TestSyncUpsertIdempotent(t *testing.T) {
	requireDB(t)
	const col = "test:upsert_idempotent"
	resetCollection(t, col)

	source := &fakeSource{pages: map[string][][]ogc.Feature{
		col: {{testFeature("f1", -2.50, 37.00)}},
	}}
	s := NewSyncer(testDB, source, 100, zap.NewNop())

	for i := 0; i < 2; i++ {
		source.fetchCalls = 0
		if _, err := s.Sync(context.Background(), col, StrategyUpsert); err != nil {
			t.Fatalf("sync run %d: %v", i+1, err)
		}
	}
	if n := countRows(t, col); n != 1 {
		t.Errorf("expected 1 row after repeated upserts, found %d", n)
	}
}

func TestSyncAppendAccumulates(t *testing.T) {
	requireDB(t)
	const col = "test:append_accumulates"
	resetCollection(t, col)

	s := NewSyncer(testDB, &fakeSource{pages: map[string][][]ogc.Feature{
		col: {{testFeature("f1", -2.50, 37.00)}},
	}}, 100, zap.NewNop())
	if _, err := s.Sync(context.Background(), col, StrategyAppend); err != nil {
		t.Fatalf("first append: %v", err)
	}

	s2 := NewSyncer(testDB, &fakeSource{pages: map[string][][]ogc.Feature{
		col: {{testFeature("f2", -2.49, 37.00)}},
	}}, 100, zap.NewNop())
	if _, err := s2.Sync(context.Background(), col, StrategyAppend); err != nil {
		t.Fatalf("second append: %v", err)
	}

	if n := countRows(t, col); n != 2 {
		t.Errorf("expected 2 rows after two appends, found %d", n)
	}
}

// TestSyncSkipsBadGeometries mixes a null-geometry feature into a page
// and expects it skipped and counted, not fatal.
func TestSyncSkipsBadGeometries(t *testing.T) {
	requireDB(t)
	const col = "test:skips_bad_geometries"
	resetCollection(t, col)

	noGeom := ogc.Feature{
		ID:         json.RawMessage(`"empty"`),
		Geometry:   json.RawMessage("null"),
		Properties: map[string]any{},
	}
	source := &fakeSource{pages: map[string][][]ogc.Feature{
		col: {{testFeature("f1", -2.50, 37.00), noGeom}},
	}}
	s := NewSyncer(testDB, source, 100, zap.NewNop())

	out, err := s.Sync(context.Background(), col, StrategyReplace)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if out.Features != 1 || out.Skipped != 1 {
		t.Errorf("expected 1 feature / 1 skipped, got %d / %d", out.Features, out.Skipped)
	}
	if n := countRows(t, col); n != 1 {
		t.Errorf("expected 1 row, found %d", n)
	}
}

func TestStatusFiltersByNamespace(t *testing.T) {
	requireDB(t)
	const colA = "alfa:capa_uno"
	const colB = "beta:capa_dos"
	resetCollection(t, colA)
	resetCollection(t, colB)

	source := &fakeSource{pages: map[string][][]ogc.Feature{
		colA: {{testFeature("f1", -2.50, 37.00)}},
		colB: {{testFeature("f1", -2.49, 37.00)}},
	}}
	s := NewSyncer(testDB, source, 100, zap.NewNop())
	for _, col := range []string{colA, colB} {
		source.fetchCalls = 0
		if _, err := s.Sync(context.Background(), col, StrategyReplace); err != nil {
			t.Fatalf("sync %s: %v", col, err)
		}
	}

	records, err := s.Status(context.Background(), "alfa")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, rec := range records {
		if rec.Namespace != "alfa" {
			t.Errorf("namespace filter leaked record %s", rec.CollectionID)
		}
	}
	found := false
	for _, rec := range records {
		if rec.CollectionID == colA {
			found = true
		}
	}
	if !found {
		t.Errorf("expected %s in the filtered records", colA)
	}
}
