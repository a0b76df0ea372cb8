// Package registry realizes spec.md §9's "explicit registration phase":
// the source discovers entity classes by scanning named packages; this
// module instead migrates its schema from a fixed list of entity
// descriptors known at startup (stores and handlers are constructed by
// hand in cmd/wopiproxy), with polymorphism over entity kinds
// expressed as a tagged variant over {Tenant, Storage, Session, CommandLog}
// rather than reflection-driven discovery.
package registry

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/genropy/genro-wopi/internal/types"
)

// EntityKind tags one of the four persisted entities spec.md §6 names.
type EntityKind string

const (
	EntityTenant     EntityKind = "tenant"
	EntityStorage    EntityKind = "storage"
	EntitySession    EntityKind = "session"
	EntityCommandLog EntityKind = "command_log"
)

// Descriptor is one entry in the fixed entity list: its kind and the gorm
// model used to migrate and query it.
type Descriptor struct {
	Kind  EntityKind
	Model any
}

// entities is the fixed list the builder works from, replacing a runtime
// package scan. Order matters for AutoMigrate when foreign keys are added
// later (tenants and storages before sessions and command_log).
var entities = []Descriptor{
	{Kind: EntityTenant, Model: &types.Tenant{}},
	{Kind: EntityStorage, Model: &types.Storage{}},
	{Kind: EntitySession, Model: &types.Session{}},
	{Kind: EntityCommandLog, Model: &types.CommandLog{}},
}

// Entities returns the fixed entity descriptor list.
func Entities() []Descriptor {
	out := make([]Descriptor, len(entities))
	copy(out, entities)
	return out
}

// Builder runs the registration phase: it migrates every known entity
// against db and returns an error if that fails, rather than a
// package-scanning entity-discovery pass.
type Builder struct {
	db *gorm.DB
}

func NewBuilder(db *gorm.DB) *Builder {
	return &Builder{db: db}
}

// AutoMigrate runs gorm's schema sync for every entity in the fixed list.
// This is the only schema-management path the proxy ships: local/dev
// bootstrap and production startup both run the same fixed migration.
func (b *Builder) AutoMigrate() error {
	models := make([]any, 0, len(entities))
	for _, d := range entities {
		models = append(models, d.Model)
	}
	if err := b.db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("auto-migrate entities: %w", err)
	}
	return nil
}
