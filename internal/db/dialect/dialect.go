// Package dialect papers over the SQL differences between the two drivers
// the session schema supports: sqlite3 (the default, file-backed) and pgx
// (PostgreSQL).
package dialect

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Driver names as registered with database/sql.
const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres reports whether the driver speaks PostgreSQL.
func IsPostgres(driver string) bool {
	return driver == PGX
}

// BoolToInt maps a bool onto the 0/1 flag columns of the session schema.
// SQLite has no native boolean type, so flags are stored as integers on
// both drivers.
func BoolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// InsertReturningID runs an INSERT and hands back the generated row id.
// PostgreSQL only exposes it through RETURNING; SQLite carries the rowid
// on the exec result. The query is rebound for the driver's placeholders.
func InsertReturningID(ctx context.Context, db *sqlx.DB, query string, args ...any) (int64, error) {
	if IsPostgres(db.DriverName()) {
		var id int64
		if err := db.QueryRowContext(ctx, db.Rebind(query+" RETURNING id"), args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("insert returning id: %w", err)
		}
		return id, nil
	}

	res, err := db.ExecContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
