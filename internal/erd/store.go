// Package erd holds the read model of schemas and tables that structural edits
// are resolved against.
package erd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a schema or table does not exist.
	ErrNotFound        = errors.New("erd: not found")
	errMissingDatabase = errors.New("erd: database handle is required")
	errMissingID       = errors.New("erd: id is required")
)

// Schema is one database schema inside a project.
type Schema struct {
	ID        string `gorm:"column:schema_id;primaryKey;size:64;not null"`
	ProjectID string `gorm:"column:project_id;size:190;not null;index"`
	DBVendor  string `gorm:"column:db_vendor;size:32;not null"`
	Name      string `gorm:"column:name;size:190;not null"`
	Charset   string `gorm:"column:charset;size:64"`
	Collation string `gorm:"column:collation;size:64"`
}

func (Schema) TableName() string {
	return "erd_schemas"
}

// Table is one table of a schema.
type Table struct {
	ID        string `gorm:"column:table_id;primaryKey;size:64;not null"`
	SchemaID  string `gorm:"column:schema_id;size:64;not null;index"`
	Name      string `gorm:"column:name;size:190;not null"`
	Charset   string `gorm:"column:charset;size:64"`
	Collation string `gorm:"column:collation;size:64"`
}

func (Table) TableName() string {
	return "erd_tables"
}

// Store reads and writes schemas and tables.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Store{db: db}, nil
}

// GetTableByID returns ErrNotFound when no table has tableID.
func (s *Store) GetTableByID(ctx context.Context, tableID string) (Table, error) {
	if strings.TrimSpace(tableID) == "" {
		return Table{}, errMissingID
	}
	var table Table
	err := s.db.WithContext(ctx).Where("table_id = ?", tableID).Take(&table).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Table{}, fmt.Errorf("table %s: %w", tableID, ErrNotFound)
	}
	if err != nil {
		return Table{}, fmt.Errorf("erd: load table %s: %w", tableID, err)
	}
	return table, nil
}

// GetSchemaByID returns ErrNotFound when no schema has schemaID.
func (s *Store) GetSchemaByID(ctx context.Context, schemaID string) (Schema, error) {
	if strings.TrimSpace(schemaID) == "" {
		return Schema{}, errMissingID
	}
	var schema Schema
	err := s.db.WithContext(ctx).Where("schema_id = ?", schemaID).Take(&schema).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Schema{}, fmt.Errorf("schema %s: %w", schemaID, ErrNotFound)
	}
	if err != nil {
		return Schema{}, fmt.Errorf("erd: load schema %s: %w", schemaID, err)
	}
	return schema, nil
}

// SaveSchema inserts or replaces a schema.
func (s *Store) SaveSchema(ctx context.Context, schema Schema) error {
	if strings.TrimSpace(schema.ID) == "" || strings.TrimSpace(schema.ProjectID) == "" {
		return errMissingID
	}
	return s.db.WithContext(ctx).Save(&schema).Error
}

// SaveTable inserts or replaces a table.
func (s *Store) SaveTable(ctx context.Context, table Table) error {
	if strings.TrimSpace(table.ID) == "" || strings.TrimSpace(table.SchemaID) == "" {
		return errMissingID
	}
	return s.db.WithContext(ctx).Save(&table).Error
}
