package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Connection defaults for the control-plane state store. Postgres handles
// concurrent writers natively, so unlike the SQLite pair there is no
// writer/reader split; controld shares one pool for both roles.
const (
	pgDefaultMaxConns = 25
	pgDefaultMinConns = 5
	pgConnMaxIdleTime = 5 * time.Minute
)

// OpenPostgres opens the state store on PostgreSQL through the pgx stdlib
// driver and verifies the connection. Zero maxConns/minConns fall back to
// the defaults above.
func OpenPostgres(dsn string, maxConns, minConns int) (*sql.DB, error) {
	pool, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres state store: %w", err)
	}

	if maxConns <= 0 {
		maxConns = pgDefaultMaxConns
	}
	if minConns <= 0 {
		minConns = pgDefaultMinConns
	}
	pool.SetMaxOpenConns(maxConns)
	pool.SetMaxIdleConns(minConns)
	pool.SetConnMaxIdleTime(pgConnMaxIdleTime)

	if err := pool.Ping(); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("failed to ping postgres state store: %w", err)
	}
	return pool, nil
}
