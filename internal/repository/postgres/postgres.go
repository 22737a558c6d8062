// Package postgres provides the PostgreSQL backend for the prediction store.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"predictionhub/internal/repository/sqlstore"
)

const uniqueViolation = "23505"

// DB wraps a PostgreSQL connection pool.
type DB struct {
	conn *sql.DB
}

// New opens the database at url and ensures the schema exists.
func New(ctx context.Context, url string) (*DB, error) {
	conn, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.ensureTables(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

// ensureTables creates the owners and predictions tables if they don't exist.
func (db *DB) ensureTables(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS owners (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS predictions (
			id TEXT PRIMARY KEY,
			owner_id TEXT REFERENCES owners(id) ON DELETE SET NULL,
			model TEXT NOT NULL CHECK (model IN ('rfdetr', 'yolo', 'both')),
			image BYTEA NOT NULL,
			image_mime TEXT NOT NULL DEFAULT '',
			content_key TEXT NOT NULL,
			perceptual_hash TEXT NOT NULL DEFAULT '',
			results JSONB NOT NULL,
			confidence DOUBLE PRECISION,
			rfdetr_confidence DOUBLE PRECISION,
			yolo_confidence DOUBLE PRECISION,
			rfdetr_threshold DOUBLE PRECISION,
			yolo_threshold DOUBLE PRECISION,
			comment TEXT,
			dedup_key TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_predictions_content ON predictions(content_key, model);
		CREATE INDEX IF NOT EXISTS idx_predictions_owner ON predictions(owner_id);
		CREATE INDEX IF NOT EXISTS idx_predictions_created ON predictions(created_at DESC, id DESC);
	`

	if _, err := db.conn.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create prediction tables: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying connection pool.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// NewPredictionRepository creates a prediction store on this database.
func NewPredictionRepository(db *DB) *sqlstore.Store {
	return sqlstore.New(db.conn, Dialect{})
}

// Dialect is the PostgreSQL flavour of sqlstore.Dialect.
type Dialect struct{}

func (Dialect) Name() string { return "postgres" }

func (Dialect) SerializeWrites() bool { return false }

// Rebind turns each ? into $1, $2, ... in order.
func (Dialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (Dialect) IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
