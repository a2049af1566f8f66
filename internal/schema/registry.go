package schema

import (
	"embed"
	"fmt"
	"sort"

	"entgo.io/ent/dialect"
)

//go:embed schemas/postgres/*.sql schemas/sqlite/*.sql
var schemaFS embed.FS

// Schema is one migration step.
type Schema struct {
	Name  string // file stem, e.g. "batch_jobs"
	DDL   string // dialect specific statements
	Order int    // application order (lower = first)
}

// registry holds all schemas in application order.
var registry = []Schema{
	{Name: "batch_jobs", Order: 1},
	{Name: "batch_applications", Order: 2}, // keyed by batch_jobs.id
	{Name: "entities", Order: 3},
	{Name: "chapters", Order: 4},
	{Name: "llm_calls", Order: 5},
}

// dir maps an ent dialect name to its schema directory.
func dir(d string) (string, error) {
	switch d {
	case dialect.Postgres:
		return "postgres", nil
	case dialect.SQLite:
		return "sqlite", nil
	default:
		return "", fmt.Errorf("unsupported dialect: %s", d)
	}
}

// All returns every schema for dialect d in application order.
func All(d string) ([]Schema, error) {
	schemas := make([]Schema, len(registry))
	copy(schemas, registry)

	for i := range schemas {
		ddl, err := load(d, schemas[i].Name)
		if err != nil {
			return nil, err
		}
		schemas[i].DDL = ddl
	}

	sort.Slice(schemas, func(i, j int) bool {
		return schemas[i].Order < schemas[j].Order
	})
	return schemas, nil
}

// Get returns a single schema by name.
func Get(d, name string) (*Schema, error) {
	for _, s := range registry {
		if s.Name == name {
			ddl, err := load(d, name)
			if err != nil {
				return nil, err
			}
			return &Schema{Name: s.Name, DDL: ddl, Order: s.Order}, nil
		}
	}
	return nil, fmt.Errorf("schema not found: %s", name)
}

func load(d, name string) (string, error) {
	sub, err := dir(d)
	if err != nil {
		return "", err
	}
	content, err := schemaFS.ReadFile(fmt.Sprintf("schemas/%s/%s.sql", sub, name))
	if err != nil {
		return "", fmt.Errorf("failed to read schema %s: %w", name, err)
	}
	return string(content), nil
}
