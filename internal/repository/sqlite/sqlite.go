// Package sqlite implements the repositories on a single SQLite file.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"
)

// psql builds queries with ? placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// DB wraps the SQLite connection with serialized writes.
type DB struct {
	conn *sql.DB
	mu   sync.RWMutex
}

// New opens (creating if needed) the database and migrates it.
func New(dbPath string) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS models (
		id TEXT PRIMARY KEY,
		version_name TEXT NOT NULL,
		model_path TEXT NOT NULL,
		metadata_path TEXT NOT NULL,
		auroc REAL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS predictions (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL DEFAULT '',
		model_id TEXT NOT NULL,
		image_path TEXT NOT NULL DEFAULT '',
		urgency_tier TEXT NOT NULL,
		threshold REAL NOT NULL,
		results_json TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_predictions_created_at ON predictions(created_at);
	CREATE INDEX IF NOT EXISTS idx_predictions_model_id ON predictions(model_id);
	CREATE INDEX IF NOT EXISTS idx_predictions_urgency ON predictions(urgency_tier);
	CREATE INDEX IF NOT EXISTS idx_models_active ON models(is_active);
	`
	if _, err := db.conn.Exec(schema); err != nil {
		return err
	}
	// databases created before request_id was tracked
	if err := db.addColumn("predictions", "request_id", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	_, err := db.conn.Exec(`CREATE INDEX IF NOT EXISTS idx_predictions_request_id ON predictions(request_id)`)
	return err
}

func (db *DB) addColumn(table, column, decl string) error {
	rows, err := db.conn.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			dflt       sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &primaryKey); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()
	_, err = db.conn.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying connection for repositories.
func (db *DB) Conn() *sql.DB {
	return db.conn
}
