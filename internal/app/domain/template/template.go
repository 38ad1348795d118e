// Package template defines the Template aggregate: a frozen snapshot of a
// service's schema plus seed data that the isolation engine clones into a
// fresh namespace.
package template

import "time"

// TableDefinition describes one table captured into a template's structural
// definition.
type TableDefinition struct {
	Name       string   `json:"name"`
	DDL        string   `json:"ddl"`
	PrimaryKey []string `json:"primary_key"`
}

// Template is a named, versioned, immutable capture of a service's schema and
// seed rows.
type Template struct {
	ID                   string            `json:"id"`
	Service              string            `json:"service"`
	Name                 string            `json:"name"`
	Version              string            `json:"version"`
	StructuralDefinition []TableDefinition `json:"structural_definition"`
	SeedBundle           map[string][]map[string]any `json:"seed_bundle"`
	CreatedAt            time.Time         `json:"created_at"`
}

// Ref identifies a template either by ID, or by (service, name, version) with
// version empty meaning "latest".
type Ref struct {
	ID      string
	Service string
	Name    string
	Version string
}
