// Package dialect provides SQL fragment helpers for SQLite/PostgreSQL portability.
package dialect

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// BoolToInt converts a boolean to an integer for SQL storage.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// Upsert returns the conflict clause for an idempotent insert keyed on the
// given columns. Both SQLite and PostgreSQL accept the standard ON CONFLICT
// syntax, so the fragment is shared; the helper exists to keep call sites
// honest about the conflict key.
func Upsert(conflictColumns string, updateSet string) string {
	return " ON CONFLICT(" + conflictColumns + ") DO UPDATE SET " + updateSet
}
