// Package database holds the annotation store. The default configuration is
// an in-memory sqlite database living for the process lifetime; a file path
// or a postgres DSN turns the same store durable without code changes.
package database

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	conn   *sql.DB
	dbType string
}

type Config struct {
	Type        string // "sqlite" or "postgres"
	SQLitePath  string // sqlite DSN; empty selects the in-memory default
	PostgresDSN string
}

// DefaultSQLiteDSN keeps annotations in memory for the process lifetime while
// still exercising the real driver. cache=shared makes every pooled
// connection see the same database.
const DefaultSQLiteDSN = "file:seglab?mode=memory&cache=shared"

func NewDB(config Config) (*DB, error) {
	var conn *sql.DB
	var err error

	dbType := config.Type
	if dbType == "" {
		dbType = "sqlite"
	}

	switch dbType {
	case "sqlite":
		dsn := config.SQLitePath
		if dsn == "" {
			dsn = DefaultSQLiteDSN
		}
		conn, err = sql.Open("sqlite3", dsn)
		if err == nil {
			// The shared in-memory database disappears when its last
			// connection closes; a single pooled connection keeps it alive
			// and sidesteps sqlite write contention.
			conn.SetMaxOpenConns(1)
		}
	case "postgres":
		conn, err = sql.Open("pgx", config.PostgresDSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn, dbType: dbType}

	if err := db.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return db, nil
}

func (db *DB) createTables() error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if db.dbType == "postgres" {
		serial = "BIGSERIAL PRIMARY KEY"
	}

	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS annotations (
		id %s,
		image_id TEXT NOT NULL,
		category_id TEXT NOT NULL,
		category_name TEXT NOT NULL,
		segmentation TEXT NOT NULL,
		bbox TEXT NOT NULL,
		area REAL NOT NULL,
		score REAL NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_annotations_image ON annotations(image_id);
	`, serial)

	_, err := db.conn.Exec(query)
	return err
}

// rebind rewrites ? placeholders into the $n form when running on postgres.
func (db *DB) rebind(query string) string {
	if db.dbType != "postgres" {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Conn() *sql.DB {
	return db.conn
}
