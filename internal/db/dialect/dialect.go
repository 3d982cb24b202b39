// Package dialect provides SQL fragment helpers for SQLite/PostgreSQL portability.
package dialect

import "fmt"

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// JSONExtract returns the SQL fragment to extract a JSON field as text.
//
//	SQLite:   json_extract(col, '$.path')
//	Postgres: col::jsonb->>'path'
func JSONExtract(driver, col, path string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("%s::jsonb->>'%s'", col, path)
	}
	return fmt.Sprintf("json_extract(%s, '$.%s')", col, path)
}

// IndexExpr returns the SQL fragment for an expression index over a
// JSON field. Postgres requires the expression wrapped in its own
// parentheses inside the index column list; SQLite does not.
//
//	SQLite:   json_extract(col, '$.path')
//	Postgres: (col::jsonb->>'path')
func IndexExpr(driver, col, path string) string {
	if IsPostgres(driver) {
		return "(" + JSONExtract(driver, col, path) + ")"
	}
	return JSONExtract(driver, col, path)
}
