package snapshot

import (
	"fmt"
	"strings"
)

// ColumnDef defines a single column for a snapshot table.
type ColumnDef struct {
	// Name is the column name
	Name string

	// Type is the ClickHouse data type (e.g., "String", "DateTime", "Float64")
	Type string

	// Codec is the optional compression codec (e.g., "ZSTD(1)", "DoubleDelta, ZSTD(1)")
	Codec string
}

// SQL returns the full column definition for CREATE TABLE statements.
// Example: "chain LowCardinality(String) CODEC(ZSTD(1))"
func (c ColumnDef) SQL() string {
	if c.Codec != "" {
		return fmt.Sprintf("%s %s CODEC(%s)", c.Name, c.Type, c.Codec)
	}
	return fmt.Sprintf("%s %s", c.Name, c.Type)
}

// Validate checks that the column has a name and a type.
func (c ColumnDef) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("column name cannot be empty")
	}
	if c.Type == "" {
		return fmt.Errorf("column %s: type cannot be empty", c.Name)
	}
	return nil
}

// ColumnsToSchemaSQL converts a list of ColumnDef to a CREATE TABLE schema string.
func ColumnsToSchemaSQL(columns []ColumnDef) string {
	parts := make([]string, 0, len(columns))
	for _, col := range columns {
		parts = append(parts, col.SQL())
	}
	return strings.Join(parts, ",\n\t\t\t")
}

// ColumnsToNameList extracts just the column names, in order. Used for INSERT statements.
func ColumnsToNameList(columns []ColumnDef) []string {
	names := make([]string, 0, len(columns))
	for _, col := range columns {
		names = append(names, col.Name)
	}
	return names
}
