package schema

import (
	"fmt"
	"strings"
)

// TableName is the catalog table.
const TableName = "tokens"

// KeyColumn is the primary key column.
const KeyColumn = "cgId"

// Column describes one expected column.
type Column struct {
	Name    string
	Type    string
	NotNull bool
	PK      bool
	// Default is the SQL literal used both in the DDL and to replace NULLs
	// when rows are copied into a rebuilt table. Empty for the key.
	Default string
	// DeclareDefault controls whether the DEFAULT clause is emitted.
	DeclareDefault bool
}

// Index describes one expected single-column index.
type Index struct {
	Name   string
	Column string
}

// Columns is the expected column list, in table order.
var Columns = []Column{
	{Name: "cgId", Type: "TEXT", NotNull: true, PK: true},
	{Name: "symbol", Type: "TEXT", NotNull: true, Default: "''"},
	{Name: "name", Type: "TEXT", NotNull: true, Default: "''"},
	{Name: "description", Type: "TEXT", NotNull: true, Default: "''", DeclareDefault: true},
	{Name: "imageUrl", Type: "TEXT", NotNull: true, Default: "''", DeclareDefault: true},
	{Name: "updatedAt", Type: "INTEGER", NotNull: true, Default: "0", DeclareDefault: true},
}

// Indexes is the expected index list.
var Indexes = []Index{
	{Name: "idx_tokens_symbol", Column: "symbol"},
	{Name: "idx_tokens_name", Column: "name"},
}

// ColumnNames returns the expected column names, in order.
func ColumnNames() []string {
	names := make([]string, len(Columns))
	for i, c := range Columns {
		names[i] = c.Name
	}
	return names
}

// CreateTableSQL returns the DDL for the catalog layout under the given
// table name.
func CreateTableSQL(table string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n", table)
	for i, c := range Columns {
		fmt.Fprintf(&b, "\t%s %s", c.Name, c.Type)
		if c.NotNull {
			b.WriteString(" NOT NULL")
		}
		if c.PK {
			b.WriteString(" PRIMARY KEY")
		}
		if c.DeclareDefault {
			fmt.Fprintf(&b, " DEFAULT %s", c.Default)
		}
		if i < len(Columns)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(")")
	return b.String()
}

// CreateIndexSQL returns the statements creating every expected index on
// the catalog table.
func CreateIndexSQL() []string {
	stmts := make([]string, len(Indexes))
	for i, idx := range Indexes {
		stmts[i] = fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)", idx.Name, TableName, idx.Column)
	}
	return stmts
}
