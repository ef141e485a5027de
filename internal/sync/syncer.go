// Package sync refreshes constraint-layer collections from the OGC
// Features service into PostGIS, bookkeeping each collection's state in
// sync_records.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dnogares/afecciones/internal/db"
	"github.com/dnogares/afecciones/internal/ogc"
)

// FeatureSource is the slice of the OGC client the syncer needs.
// Satisfied by *ogc.Client; tests inject a fake.
type FeatureSource interface {
	Collections(ctx context.Context) ([]ogc.Collection, error)
	CollectionMetadata(ctx context.Context, collectionID string) (*ogc.Collection, error)
	FetchPage(ctx context.Context, collectionID string, limit, offset int) (*ogc.FeaturePage, error)
}

// Outcome summarizes one finished sync.
type Outcome struct {
	CollectionID string        `json:"collection_id"`
	Features     int           `json:"features"`
	Skipped      int           `json:"skipped"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Syncer drives collection syncs. It holds no per-job state; Sync may be
// called concurrently for different collections. Two concurrent replace
// runs of the same collection serialize on the swap transaction and the
// later writer wins.
type Syncer struct {
	db       *gorm.DB
	source   FeatureSource
	log      *zap.Logger
	pageSize int
}

func NewSyncer(gdb *gorm.DB, source FeatureSource, pageSize int, log *zap.Logger) *Syncer {
	if pageSize <= 0 {
		pageSize = ogc.DefaultPageSize
	}
	return &Syncer{db: gdb, source: source, log: log, pageSize: pageSize}
}

// Migrate creates the control and staging tables.
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&Record{}, &stagedFeature{})
}

// Sync fetches every page of a collection and applies it with the given
// strategy. Page fetch failures are retried by the client; when retries
// are exhausted the record is marked error and previously synced rows
// stay untouched. Cancellation is honored between pages.
func (s *Syncer) Sync(ctx context.Context, collectionID string, strategy Strategy) (*Outcome, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}

	start := time.Now()
	s.log.Info("sync started",
		zap.String("collection", collectionID),
		zap.String("strategy", string(strategy)))

	if err := s.markPending(ctx, collectionID); err != nil {
		return nil, fmt.Errorf("mark pending: %w", err)
	}

	outcome, err := s.run(ctx, collectionID, strategy)
	if err != nil {
		// Cancellation is not a sync failure; leave the record pending
		// so a later run picks it up.
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		msg := err.Error()
		if errors.Is(err, ogc.ErrTimeout) {
			msg = "upstream timeout: " + msg
		}
		s.markError(collectionID, msg)
		s.log.Error("sync failed", zap.String("collection", collectionID), zap.Error(err))
		return nil, err
	}

	outcome.Elapsed = time.Since(start)

	if err := s.markSynced(ctx, collectionID, outcome.Features); err != nil {
		return nil, fmt.Errorf("mark synced: %w", err)
	}

	s.log.Info("sync finished",
		zap.String("collection", collectionID),
		zap.Int("features", outcome.Features),
		zap.Int("skipped", outcome.Skipped),
		zap.Duration("elapsed", outcome.Elapsed))

	return outcome, nil
}

// SyncNamespace syncs every collection whose id carries the namespace
// prefix. Per-collection failures are logged and do not stop the rest.
func (s *Syncer) SyncNamespace(ctx context.Context, namespace string, strategy Strategy) ([]Outcome, error) {
	cols, err := s.source.Collections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}

	var outcomes []Outcome
	for _, col := range cols {
		if NamespaceOf(col.ID) != namespace {
			continue
		}
		if ctx.Err() != nil {
			return outcomes, ctx.Err()
		}
		out, err := s.Sync(ctx, col.ID, strategy)
		if err != nil {
			s.log.Warn("collection skipped",
				zap.String("collection", col.ID), zap.Error(err))
			continue
		}
		outcomes = append(outcomes, *out)
	}
	return outcomes, nil
}

// ListCollections reports what the upstream service offers.
func (s *Syncer) ListCollections(ctx context.Context) ([]ogc.Collection, error) {
	return s.source.Collections(ctx)
}

// Status returns the sync records, optionally filtered by namespace.
func (s *Syncer) Status(ctx context.Context, namespace string) ([]Record, error) {
	q := s.db.WithContext(ctx).Order("namespace, collection_id")
	if namespace != "" {
		q = q.Where("namespace = ?", namespace)
	}
	var records []Record
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("load sync records: %w", err)
	}
	return records, nil
}

func (s *Syncer) run(ctx context.Context, collectionID string, strategy Strategy) (*Outcome, error) {
	jobID := uuid.New()
	outcome := &Outcome{CollectionID: collectionID}

	// replace builds into the staging table first so the live rows are
	// swapped in one short transaction at the end.
	staging := strategy == StrategyReplace
	defer func() {
		if staging {
			// Orphaned staging rows from a failed run; swap flips
			// staging to false on success.
			s.cleanupStaging(jobID)
		}
	}()

	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := s.source.FetchPage(ctx, collectionID, s.pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("fetch page at offset %d: %w", offset, err)
		}
		if len(page.Features) == 0 {
			break
		}

		inserted, skipped, err := s.writePage(ctx, jobID, collectionID, strategy, page.Features, offset)
		if err != nil {
			return nil, fmt.Errorf("write page at offset %d: %w", offset, err)
		}
		outcome.Features += inserted
		outcome.Skipped += skipped

		if len(page.Features) < s.pageSize {
			break
		}
		offset += s.pageSize
	}

	if strategy == StrategyReplace {
		if err := s.swap(ctx, jobID, collectionID); err != nil {
			return nil, fmt.Errorf("swap staging rows: %w", err)
		}
		staging = false
	}

	if err := db.EnsureSpatialIndex(s.db.WithContext(ctx), "idx_layer_features_geom", FeatureTable, "geom"); err != nil {
		return nil, fmt.Errorf("ensure spatial index: %w", err)
	}

	s.storeMetadata(ctx, collectionID)

	return outcome, nil
}

// writePage inserts one page in a single short transaction. When the
// batch insert fails (typically one unparseable geometry poisoning the
// statement) it degrades to row-by-row inserts, skipping and counting the
// bad features instead of failing the sync.
func (s *Syncer) writePage(ctx context.Context, jobID uuid.UUID, collectionID string, strategy Strategy, features []ogc.Feature, offset int) (inserted, skipped int, err error) {
	rows := make([]featureRow, 0, len(features))
	for i, f := range features {
		if len(f.Geometry) == 0 || string(f.Geometry) == "null" {
			skipped++
			continue
		}
		id := f.StringID()
		if id == "" {
			id = fmt.Sprintf("row-%d", offset+i)
		}
		props, merr := json.Marshal(f.Properties)
		if merr != nil {
			skipped++
			continue
		}
		rows = append(rows, featureRow{ID: id, Properties: props, Geometry: f.Geometry})
	}
	if len(rows) == 0 {
		return 0, skipped, nil
	}

	batchErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.insertBatch(tx, jobID, collectionID, strategy, rows)
	})
	if batchErr == nil {
		return len(rows), skipped, nil
	}

	// Per-row fallback, each in its own short transaction, to isolate the
	// feature(s) the batch choked on. Anything that still fails is skipped
	// and counted, not fatal.
	for _, row := range rows {
		rerr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return s.insertBatch(tx, jobID, collectionID, strategy, []featureRow{row})
		})
		if rerr != nil {
			skipped++
			continue
		}
		inserted++
	}
	return inserted, skipped, nil
}

type featureRow struct {
	ID         string
	Properties []byte
	Geometry   json.RawMessage
}

// geomExpr transforms the incoming GeoJSON (CRS84 lon/lat) into the
// working metric projection and repairs self-intersections on the way in.
const geomExpr = `ST_MakeValid(ST_Transform(ST_SetSRID(ST_GeomFromGeoJSON(?), 4326), 25830))`

func (s *Syncer) insertBatch(tx *gorm.DB, jobID uuid.UUID, collectionID string, strategy Strategy, rows []featureRow) error {
	var (
		sb   strings.Builder
		args []any
	)

	switch strategy {
	case StrategyReplace:
		sb.WriteString(`INSERT INTO layer_features_staging (job_id, collection_id, feature_id, properties, geom) VALUES `)
		for i, row := range rows {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(`(?, ?, ?, ?, ` + geomExpr + `)`)
			args = append(args, jobID, collectionID, row.ID, row.Properties, string(row.Geometry))
		}
	default:
		sb.WriteString(`INSERT INTO layer_features (collection_id, feature_id, properties, geom) VALUES `)
		for i, row := range rows {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(`(?, ?, ?, ` + geomExpr + `)`)
			args = append(args, collectionID, row.ID, row.Properties, string(row.Geometry))
		}
		if strategy == StrategyUpsert {
			sb.WriteString(` ON CONFLICT (collection_id, feature_id) DO UPDATE SET properties = EXCLUDED.properties, geom = EXCLUDED.geom`)
		}
	}

	return tx.Exec(sb.String(), args...).Error
}

// swap atomically replaces the collection's live rows with the staged
// ones. Concurrent replaces of the same collection serialize here; the
// last writer wins.
func (s *Syncer) swap(ctx context.Context, jobID uuid.UUID, collectionID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`DELETE FROM layer_features WHERE collection_id = ?`, collectionID).Error; err != nil {
			return err
		}
		if err := tx.Exec(`
			INSERT INTO layer_features (collection_id, feature_id, properties, geom)
			SELECT collection_id, feature_id, properties, geom
			FROM layer_features_staging
			WHERE job_id = ?`, jobID).Error; err != nil {
			return err
		}
		return tx.Exec(`DELETE FROM layer_features_staging WHERE job_id = ?`, jobID).Error
	})
}

func (s *Syncer) cleanupStaging(jobID uuid.UUID) {
	if err := s.db.Exec(`DELETE FROM layer_features_staging WHERE job_id = ?`, jobID).Error; err != nil {
		s.log.Warn("staging cleanup failed", zap.String("job", jobID.String()), zap.Error(err))
	}
}

func (s *Syncer) markPending(ctx context.Context, collectionID string) error {
	rec := Record{
		CollectionID: collectionID,
		DestTable:    FeatureTable,
		Namespace:    NamespaceOf(collectionID),
		Status:       StatusPending,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at"}),
	}).Create(&rec).Error
}

func (s *Syncer) markSynced(ctx context.Context, collectionID string, count int) error {
	return s.db.WithContext(ctx).Model(&Record{}).
		Where("collection_id = ?", collectionID).
		Updates(map[string]any{
			"status":        StatusSynced,
			"feature_count": count,
			"last_sync":     time.Now(),
			"error_message": "",
		}).Error
}

func (s *Syncer) markError(collectionID, msg string) {
	// Record the failure even when the triggering context is gone.
	if err := s.db.Model(&Record{}).
		Where("collection_id = ?", collectionID).
		Updates(map[string]any{
			"status":        StatusError,
			"error_message": msg,
		}).Error; err != nil {
		s.log.Error("record error status failed",
			zap.String("collection", collectionID), zap.Error(err))
	}
}

// storeMetadata attaches the upstream collection descriptor to the
// record. Purely informational; failures are logged and ignored.
func (s *Syncer) storeMetadata(ctx context.Context, collectionID string) {
	meta, err := s.source.CollectionMetadata(ctx, collectionID)
	if err != nil {
		s.log.Debug("collection metadata unavailable",
			zap.String("collection", collectionID), zap.Error(err))
		return
	}
	blob, err := json.Marshal(map[string]string{
		"title":       meta.Title,
		"description": meta.Description,
	})
	if err != nil {
		return
	}
	if err := s.db.WithContext(ctx).Model(&Record{}).
		Where("collection_id = ?", collectionID).
		Update("metadata", blob).Error; err != nil {
		s.log.Debug("store metadata failed",
			zap.String("collection", collectionID), zap.Error(err))
	}
}
