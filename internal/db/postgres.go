package db

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// OpenPostgres opens a PostgreSQL database using the pgx stdlib driver.
// Zero maxConns or minConns default to 25 and 5.
func OpenPostgres(dsn string, maxConns, minConns int) (*sql.DB, error) {
	db, err := sql.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 25
	}
	if minConns <= 0 {
		minConns = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return db, nil
}

// OpenPostgresPool wraps one PostgreSQL pool as both writer and reader.
func OpenPostgresPool(dsn string, maxConns, minConns int) (*Pool, error) {
	conn, err := OpenPostgres(dsn, maxConns, minConns)
	if err != nil {
		return nil, err
	}
	x := sqlx.NewDb(conn, DriverPostgres)
	return NewPool(x, x), nil
}
