package db

import (
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// EnsurePostGIS enables the PostGIS extension. Safe to run repeatedly.
func EnsurePostGIS(d *gorm.DB) error {
	return d.Exec(`CREATE EXTENSION IF NOT EXISTS postgis`).Error
}

// EnsureSpatialIndex creates a GIST index on a geometry column if it does
// not exist yet. Called after every successful sync so freshly loaded
// layers are immediately queryable with the bbox prefilter. Identifiers
// are interpolated into the DDL, so they are quoted here.
func EnsureSpatialIndex(d *gorm.DB, index, table, column string) error {
	return d.Exec(
		`CREATE INDEX IF NOT EXISTS ` + pq.QuoteIdentifier(index) +
			` ON ` + pq.QuoteIdentifier(table) +
			` USING GIST (` + pq.QuoteIdentifier(column) + `)`,
	).Error
}
