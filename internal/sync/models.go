package sync

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status of a collection's last sync. Transitions are pending→synced or
// pending→error; a later run may move synced→error or refresh
// synced→synced. Records are upserted, never deleted.
type Status string

const (
	StatusPending Status = "pending"
	StatusSynced  Status = "synced"
	StatusError   Status = "error"
)

// Strategy controls how fetched features land in layer_features.
type Strategy string

const (
	// StrategyReplace rebuilds the collection's rows via a staging
	// area and an atomic swap; a failed run leaves the old rows intact.
	StrategyReplace Strategy = "replace"
	// StrategyAppend inserts without checking for duplicates.
	StrategyAppend Strategy = "append"
	// StrategyUpsert inserts or updates keyed by feature id.
	StrategyUpsert Strategy = "upsert"
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategyReplace, StrategyAppend, StrategyUpsert:
		return true
	}
	return false
}

// FeatureTable is the single generic destination table. All collections
// share it, keyed by (collection_id, feature_id), so no SQL is ever
// built from a dynamic table name.
const FeatureTable = "layer_features"

// Record is the per-collection control row.
type Record struct {
	ID           uint      `json:"-" gorm:"primaryKey"`
	CollectionID string    `json:"collection_id" gorm:"uniqueIndex;size:255"`
	DestTable    string    `json:"table_name" gorm:"column:table_name;size:255"`
	Namespace    string    `json:"namespace" gorm:"index;size:100"`
	LastSync     time.Time `json:"last_sync"`
	FeatureCount int       `json:"feature_count"`
	Status       Status    `json:"status" gorm:"index;size:50;default:pending"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Metadata     []byte    `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Record) TableName() string { return "sync_records" }

// stagedFeature is a row of the staging area used by the replace
// strategy. Rows are scoped by job id and removed on swap or cleanup.
type stagedFeature struct {
	ID           uint      `gorm:"primaryKey"`
	JobID        uuid.UUID `gorm:"type:uuid;index"`
	CollectionID string    `gorm:"size:255"`
	FeatureID    string    `gorm:"size:255"`
	Properties   []byte    `gorm:"type:jsonb"`
	Geometry     []byte    `gorm:"column:geom;type:geometry(GEOMETRY,25830)"`
}

func (stagedFeature) TableName() string { return "layer_features_staging" }

// NamespaceOf extracts the namespace prefix of a collection id, e.g.
// "biodiversidad" from "biodiversidad:habitat_art17".
func NamespaceOf(collectionID string) string {
	if i := strings.IndexByte(collectionID, ':'); i > 0 {
		return collectionID[:i]
	}
	return ""
}
