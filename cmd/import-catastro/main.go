// import-catastro loads cadastral parcels from a GeoJSON dump into the
// catastro_parcels table, upserting by refcat.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/gorm"

	"github.com/dnogares/afecciones/internal/afecciones"
	"github.com/dnogares/afecciones/internal/db"
)

type parcelFeature struct {
	Geometry   json.RawMessage `json:"geometry"`
	Properties struct {
		Refcat       string `json:"refcat"`
		Province     string `json:"provincia"`
		Municipality string `json:"municipio"`
		LandUse      string `json:"uso"`
	} `json:"properties"`
}

func main() {
	godotenv.Load(".env.local")

	srid := flag.Int("srid", 25830, "SRID of the input file geometries")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: import-catastro [-srid N] <parcels.geojson>")
		os.Exit(1)
	}
	path := flag.Arg(0)

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL not set")
	}

	gdb, err := db.Connect(dsn)
	if err != nil {
		log.Fatalf("DB connection error: %v", err)
	}
	if err := db.EnsurePostGIS(gdb); err != nil {
		log.Fatalf("Failed to enable PostGIS: %v", err)
	}
	if err := afecciones.Migrate(gdb); err != nil {
		log.Fatalf("Failed to migrate tables: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("Read %s: %v", path, err)
	}
	var fc struct {
		Features []parcelFeature `json:"features"`
	}
	if err := json.Unmarshal(data, &fc); err != nil {
		log.Fatalf("Parse %s: %v", path, err)
	}

	imported, skipped := 0, 0
	start := time.Now()

	for _, f := range fc.Features {
		if !afecciones.ValidRefcat(f.Properties.Refcat) || len(f.Geometry) == 0 {
			skipped++
			continue
		}
		err := gdb.Transaction(func(tx *gorm.DB) error {
			return tx.Exec(`
				INSERT INTO catastro_parcels (refcat, province, municipality, land_use, geom, synced_at)
				VALUES (?, ?, ?, ?,
					ST_Multi(ST_MakeValid(ST_Transform(ST_SetSRID(ST_GeomFromGeoJSON(?), ?), 25830))),
					now())
				ON CONFLICT (refcat) DO UPDATE SET
					province = EXCLUDED.province,
					municipality = EXCLUDED.municipality,
					land_use = EXCLUDED.land_use,
					geom = EXCLUDED.geom,
					synced_at = EXCLUDED.synced_at`,
				f.Properties.Refcat, f.Properties.Province, f.Properties.Municipality,
				f.Properties.LandUse, string(f.Geometry), *srid).Error
		})
		if err != nil {
			log.Printf("skip %s: %v", f.Properties.Refcat, err)
			skipped++
			continue
		}
		imported++
	}

	if err := db.EnsureSpatialIndex(gdb, "idx_catastro_parcels_geom", "catastro_parcels", "geom"); err != nil {
		log.Fatalf("Failed to create spatial index: %v", err)
	}

	fmt.Printf("✓ Imported %d parcels (%d skipped) in %s\n", imported, skipped, time.Since(start).Round(time.Millisecond))
}
