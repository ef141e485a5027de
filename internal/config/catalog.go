package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// Catalog is the optional YAML layer catalog: the curated list of MAPAMA
// collections the sync CLI refreshes, grouped by namespace. It also
// supplies display titles for layers the OGC service describes poorly.
type Catalog struct {
	Namespaces []CatalogNamespace `yaml:"namespaces"`
}

type CatalogNamespace struct {
	Name        string             `yaml:"name"`
	Collections []CatalogCollection `yaml:"collections"`
}

type CatalogCollection struct {
	ID    string `yaml:"id"`
	Title string `yaml:"title"`
}

// LoadCatalog parses a catalog file. A missing path is an error; callers
// that treat the catalog as optional should check the path themselves.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return &c, nil
}

// CollectionIDs flattens the catalog to the collection ids of one
// namespace, or all namespaces when ns is empty.
func (c *Catalog) CollectionIDs(ns string) []string {
	var ids []string
	for _, n := range c.Namespaces {
		if ns != "" && n.Name != ns {
			continue
		}
		for _, col := range n.Collections {
			ids = append(ids, col.ID)
		}
	}
	return ids
}

// Title returns the catalog title for a collection id, or "" when the
// collection is not listed.
func (c *Catalog) Title(collectionID string) string {
	for _, n := range c.Namespaces {
		for _, col := range n.Collections {
			if col.ID == collectionID {
				return col.Title
			}
		}
	}
	return ""
}
