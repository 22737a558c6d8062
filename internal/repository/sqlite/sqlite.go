package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-sqlite3"

	"predictionhub/internal/repository/sqlstore"
)

// driverName is go-sqlite3 with LOWER replaced by a Unicode-aware version so
// search matches non-ASCII annotations and owner names case-insensitively.
const driverName = "sqlite3_unicode"

func init() {
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("lower", strings.ToLower, true)
		},
	})
}

// DB wraps the SQLite database connection.
type DB struct {
	conn *sql.DB
}

// New creates and initializes a new SQLite database connection.
func New(dbPath string) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open(driverName, dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
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

// migrate creates the necessary tables if they don't exist.
// dedup_key holds the canonical (content, model, thresholds) string; a UNIQUE
// index over nullable threshold columns would not reject duplicates.
func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS owners (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS predictions (
		id TEXT PRIMARY KEY,
		owner_id TEXT REFERENCES owners(id) ON DELETE SET NULL,
		model TEXT NOT NULL CHECK (model IN ('rfdetr', 'yolo', 'both')),
		image BLOB NOT NULL,
		image_mime TEXT NOT NULL DEFAULT '',
		content_key TEXT NOT NULL,
		perceptual_hash TEXT NOT NULL DEFAULT '',
		results TEXT NOT NULL,
		confidence REAL,
		rfdetr_confidence REAL,
		yolo_confidence REAL,
		rfdetr_threshold REAL,
		yolo_threshold REAL,
		comment TEXT,
		dedup_key TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_predictions_content ON predictions(content_key, model);
	CREATE INDEX IF NOT EXISTS idx_predictions_owner ON predictions(owner_id);
	CREATE INDEX IF NOT EXISTS idx_predictions_created ON predictions(created_at DESC, id DESC);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying database connection for use by repositories.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// NewPredictionRepository creates a prediction store on this database.
func NewPredictionRepository(db *DB) *sqlstore.Store {
	return sqlstore.New(db.conn, Dialect{})
}

// Dialect is the SQLite flavour of sqlstore.Dialect.
type Dialect struct{}

func (Dialect) Name() string { return "sqlite3" }

func (Dialect) Rebind(query string) string { return query }

func (Dialect) SerializeWrites() bool { return true }

func (Dialect) IsUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
