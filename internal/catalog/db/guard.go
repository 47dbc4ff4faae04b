package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/allcryptotokens/tokendb/internal/catalog/schema"
)

// ErrIrrecoverableSchema is returned when the tokens table cannot be
// rebuilt without losing or inventing identities.
var ErrIrrecoverableSchema = errors.New("irrecoverable schema")

const shadowTable = "tokens_shadow"

// GuardReport describes what Ensure found and did.
type GuardReport struct {
	Created        bool
	Rebuilt        bool
	IndexesCreated []string
	Reasons        []string
}

// columnInfo is one row of PRAGMA table_info.
type columnInfo struct {
	name    string
	typ     string
	notNull bool
	dflt    sql.NullString
	pk      int
}

// Ensure validates the tokens table against the catalog layout and repairs
// it in place.
//
// A missing table is created. Missing indexes are created. Nullable or
// missing non-key columns, a cgId that is not the primary key, or extra
// NOT NULL columns without a default trigger a rebuild: the rows are copied
// into a shadow table with NULLs replaced by column defaults, the old table
// is dropped and the shadow renamed into place, all in one transaction.
// Views over the table and triggers on it are carried across the swap; a
// view that needs a column the layout does not keep fails the rebuild.
//
// ErrIrrecoverableSchema is returned when cgId is missing, is not TEXT, is
// part of a composite key, or holds NULL, empty or duplicate values.
func Ensure(ctx context.Context, conn *sql.DB) (*GuardReport, error) {
	report := &GuardReport{}

	cols, err := tableInfo(ctx, conn, schema.TableName)
	if err != nil {
		return nil, err
	}

	if len(cols) == 0 {
		if err := createTable(ctx, conn); err != nil {
			return nil, err
		}
		report.Created = true
		report.IndexesCreated = indexNames()
		return report, nil
	}

	reasons, err := diagnose(ctx, conn, cols)
	if err != nil {
		return nil, err
	}

	if len(reasons) > 0 {
		report.Reasons = reasons
		if err := rebuild(ctx, conn, cols); err != nil {
			return nil, err
		}
		report.Rebuilt = true
		report.IndexesCreated = indexNames()
		return report, nil
	}

	missing, err := missingIndexes(ctx, conn)
	if err != nil {
		return nil, err
	}
	for _, idx := range missing {
		stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)", idx.Name, schema.TableName, idx.Column)
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create index %s: %w", idx.Name, err)
		}
		report.IndexesCreated = append(report.IndexesCreated, idx.Name)
	}

	return report, nil
}

func indexNames() []string {
	names := make([]string, len(schema.Indexes))
	for i, idx := range schema.Indexes {
		names[i] = idx.Name
	}
	return names
}

func tableInfo(ctx context.Context, q querier, table string) ([]columnInfo, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to read table info: %w", err)
	}
	defer rows.Close()

	var cols []columnInfo
	for rows.Next() {
		var (
			cid     int
			c       columnInfo
			notNull int
		)
		if err := rows.Scan(&cid, &c.name, &c.typ, &notNull, &c.dflt, &c.pk); err != nil {
			return nil, fmt.Errorf("failed to scan table info: %w", err)
		}
		c.notNull = notNull != 0
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read table info: %w", err)
	}
	return cols, nil
}

// diagnose returns the reasons a rebuild is needed, or ErrIrrecoverableSchema.
func diagnose(ctx context.Context, q querier, cols []columnInfo) ([]string, error) {
	byName := make(map[string]columnInfo, len(cols))
	pkCols := 0
	for _, c := range cols {
		byName[strings.ToLower(c.name)] = c
		if c.pk > 0 {
			pkCols++
		}
	}

	key, ok := byName[strings.ToLower(schema.KeyColumn)]
	if !ok {
		return nil, fmt.Errorf("%w: column %s is missing", ErrIrrecoverableSchema, schema.KeyColumn)
	}
	if !strings.EqualFold(strings.TrimSpace(key.typ), "TEXT") {
		return nil, fmt.Errorf("%w: column %s has type %q, want TEXT", ErrIrrecoverableSchema, schema.KeyColumn, key.typ)
	}
	if pkCols > 1 {
		return nil, fmt.Errorf("%w: primary key spans %d columns", ErrIrrecoverableSchema, pkCols)
	}

	var reasons []string
	if key.pk == 0 {
		if pkCols == 1 {
			return nil, fmt.Errorf("%w: primary key is not %s", ErrIrrecoverableSchema, schema.KeyColumn)
		}
		reasons = append(reasons, schema.KeyColumn+" is not the primary key")
	}
	if !key.notNull {
		reasons = append(reasons, schema.KeyColumn+" is nullable")
	}

	for _, want := range schema.Columns {
		if want.PK {
			continue
		}
		got, ok := byName[strings.ToLower(want.Name)]
		switch {
		case !ok:
			reasons = append(reasons, want.Name+" is missing")
		case want.NotNull && !got.notNull:
			reasons = append(reasons, want.Name+" is nullable")
		case !strings.EqualFold(strings.TrimSpace(got.typ), want.Type):
			reasons = append(reasons, fmt.Sprintf("%s has type %q", want.Name, got.typ))
		}
	}

	known := make(map[string]bool, len(schema.Columns))
	for _, c := range schema.Columns {
		known[strings.ToLower(c.Name)] = true
	}
	for _, c := range cols {
		if !known[strings.ToLower(c.name)] && c.notNull && !c.dflt.Valid {
			reasons = append(reasons, fmt.Sprintf("extra column %s is NOT NULL without default", c.name))
		}
	}

	if len(reasons) == 0 {
		return nil, nil
	}

	// The copy must keep every identity exactly once.
	var bad, dupes int
	err := q.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT COUNT(*) FROM %s WHERE %s IS NULL OR %s = ''",
		schema.TableName, schema.KeyColumn, schema.KeyColumn)).Scan(&bad)
	if err != nil {
		return nil, fmt.Errorf("failed to check identifiers: %w", err)
	}
	if bad > 0 {
		return nil, fmt.Errorf("%w: %d rows have an empty %s", ErrIrrecoverableSchema, bad, schema.KeyColumn)
	}
	err = q.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT COUNT(*) FROM (SELECT %s FROM %s GROUP BY %s HAVING COUNT(*) > 1)",
		schema.KeyColumn, schema.TableName, schema.KeyColumn)).Scan(&dupes)
	if err != nil {
		return nil, fmt.Errorf("failed to check identifiers: %w", err)
	}
	if dupes > 0 {
		return nil, fmt.Errorf("%w: %d duplicated %s values", ErrIrrecoverableSchema, dupes, schema.KeyColumn)
	}

	return reasons, nil
}

func missingIndexes(ctx context.Context, q querier) ([]schema.Index, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = ?`, schema.TableName)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes: %w", err)
	}
	defer rows.Close()

	have := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan index: %w", err)
		}
		have[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list indexes: %w", err)
	}

	var missing []schema.Index
	for _, idx := range schema.Indexes {
		if !have[idx.Name] {
			missing = append(missing, idx)
		}
	}
	return missing, nil
}

func createTable(ctx context.Context, conn *sql.DB) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmts := append([]string{schema.CreateTableSQL(schema.TableName)}, schema.CreateIndexSQL()...)
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// schemaObject is a view or trigger that has to survive the table swap.
type schemaObject struct {
	typ  string
	name string
	sql  string
}

// dependents lists the views that mention the tokens table and the triggers
// defined on it. DROP TABLE removes the triggers and RENAME fails while a
// view still points at the old table, so both are recreated after the swap.
func dependents(ctx context.Context, q querier) ([]schemaObject, error) {
	rows, err := q.QueryContext(ctx, `SELECT type, name, sql FROM sqlite_master
		WHERE sql IS NOT NULL
		  AND ((type = 'view' AND sql LIKE '%' || ? || '%') OR (type = 'trigger' AND tbl_name = ?))
		ORDER BY rowid`, schema.TableName, schema.TableName)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependent objects: %w", err)
	}
	defer rows.Close()

	var objs []schemaObject
	for rows.Next() {
		var o schemaObject
		if err := rows.Scan(&o.typ, &o.name, &o.sql); err != nil {
			return nil, fmt.Errorf("failed to scan dependent object: %w", err)
		}
		objs = append(objs, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list dependent objects: %w", err)
	}
	return objs, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// rebuild copies tokens into a correctly shaped shadow table and swaps it
// into place. The rename is the commit point; everything runs in one
// transaction, so a crash or a failed step leaves either the old table or
// the new one. Dependent views and triggers are dropped and recreated
// inside the same transaction.
func rebuild(ctx context.Context, conn *sql.DB, cols []columnInfo) error {
	present := make(map[string]string, len(cols))
	for _, c := range cols {
		present[strings.ToLower(c.name)] = c.name
	}

	names := schema.ColumnNames()
	exprs := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		old, ok := present[strings.ToLower(c.Name)]
		switch {
		case c.PK:
			exprs[i] = old
		case ok:
			exprs[i] = fmt.Sprintf("COALESCE(%s, %s)", old, c.Default)
		default:
			exprs[i] = c.Default
		}
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	deps, err := dependents(ctx, tx)
	if err != nil {
		return err
	}

	var stmts []string
	for _, d := range deps {
		if d.typ == "view" {
			stmts = append(stmts, "DROP VIEW "+quoteIdent(d.name))
		}
	}
	stmts = append(stmts,
		"DROP TABLE IF EXISTS "+shadowTable,
		schema.CreateTableSQL(shadowTable),
		fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
			shadowTable, strings.Join(names, ", "), strings.Join(exprs, ", "), schema.TableName),
		"DROP TABLE "+schema.TableName,
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", shadowTable, schema.TableName),
	)
	stmts = append(stmts, schema.CreateIndexSQL()...)

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to rebuild table: %w", err)
		}
	}

	// Views first, since triggers may select from them.
	for _, typ := range []string{"view", "trigger"} {
		for _, d := range deps {
			if d.typ != typ {
				continue
			}
			if _, err := tx.ExecContext(ctx, d.sql); err != nil {
				return fmt.Errorf("failed to recreate %s %s: %w", d.typ, d.name, err)
			}
			if d.typ != "view" {
				continue
			}
			// CREATE VIEW does not resolve columns; selecting does.
			rows, err := tx.QueryContext(ctx, "SELECT * FROM "+quoteIdent(d.name)+" LIMIT 0")
			if err != nil {
				return fmt.Errorf("failed to recreate view %s: %w", d.name, err)
			}
			rows.Close()
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rebuild: %w", err)
	}
	return nil
}
