// Package sqlstore implements repository.PredictionRepository over
// database/sql. Backends differ only in their Dialect and schema.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"predictionhub/internal/dto"
	"predictionhub/internal/model"
)

const selectColumns = `
	SELECT p.id, p.owner_id, COALESCE(o.display_name, ''), p.model, %s, p.image_mime,
		p.content_key, p.perceptual_hash, p.results, p.rfdetr_threshold, p.yolo_threshold,
		p.comment, p.created_at
	FROM predictions p
	LEFT JOIN owners o ON o.id = p.owner_id
`

// Store implements repository.PredictionRepository.
type Store struct {
	conn    *sql.DB
	dialect Dialect
	mu      sync.RWMutex
}

// New creates a store over an already migrated connection.
func New(conn *sql.DB, dialect Dialect) *Store {
	return &Store{conn: conn, dialect: dialect}
}

// Backend names the database driver behind the store.
func (s *Store) Backend() string {
	return s.dialect.Name()
}

func (s *Store) lock() func() {
	if !s.dialect.SerializeWrites() {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) rlock() func() {
	if !s.dialect.SerializeWrites() {
		return func() {}
	}
	s.mu.RLock()
	return s.mu.RUnlock
}

// Create inserts rec and upserts its owner in one transaction.
func (s *Store) Create(ctx context.Context, rec *model.PredictionRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	results, err := json.Marshal(rec.Results)
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Microsecond)

	defer s.lock()()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if rec.OwnerID != nil {
		if err := s.upsertOwner(ctx, tx, model.Owner{ID: *rec.OwnerID, DisplayName: rec.OwnerName}); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO predictions (id, owner_id, model, image, image_mime, content_key, perceptual_hash,
			results, confidence, rfdetr_confidence, yolo_confidence, rfdetr_threshold, yolo_threshold,
			comment, dedup_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), rec.ID, rec.OwnerID, string(rec.Model), rec.Image, rec.ImageMIME, rec.ContentKey.String(),
		rec.PerceptualHash, string(results), rec.Confidence(),
		rec.DetectorConfidence(model.ModelRFDETR), rec.DetectorConfidence(model.ModelYOLO),
		rec.Thresholds.RFDETR, rec.Thresholds.YOLO, rec.Annotation, rec.NaturalKey(), rec.CreatedAt)
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return fmt.Errorf("prediction %s already stored: %w", rec.NaturalKey(), model.ErrConflict)
		}
		return fmt.Errorf("failed to insert prediction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return fmt.Errorf("prediction %s already stored: %w", rec.NaturalKey(), model.ErrConflict)
		}
		return fmt.Errorf("failed to commit prediction: %w", err)
	}
	return nil
}

func (s *Store) upsertOwner(ctx context.Context, tx *sql.Tx, owner model.Owner) error {
	_, err := tx.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO owners (id, display_name) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET display_name = CASE
			WHEN excluded.display_name <> '' THEN excluded.display_name
			ELSE owners.display_name END
	`), owner.ID, owner.DisplayName)
	if err != nil {
		return fmt.Errorf("failed to upsert owner: %w", err)
	}
	return nil
}

// GetByID retrieves a prediction with its image payload.
func (s *Store) GetByID(ctx context.Context, id string) (*model.PredictionRecord, error) {
	defer s.rlock()()
	return s.getByID(ctx, id)
}

func (s *Store) getByID(ctx context.Context, id string) (*model.PredictionRecord, error) {
	query := fmt.Sprintf(selectColumns, "p.image") + " WHERE p.id = ?"
	rec, err := scanRecord(s.conn.QueryRowContext(ctx, s.dialect.Rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("prediction %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get prediction: %w", err)
	}
	return rec, nil
}

// FindExisting looks a record up by its natural key. Nil thresholds place no
// restriction on that detector.
func (s *Store) FindExisting(ctx context.Context, key model.ContentKey, m model.ModelSelector, t model.ThresholdSet) (*model.PredictionRecord, error) {
	defer s.rlock()()

	query := fmt.Sprintf(selectColumns, "p.image") + " WHERE p.content_key = ? AND p.model = ?"
	args := []interface{}{key.String(), string(m)}

	if t.RFDETR != nil {
		query += " AND p.rfdetr_threshold = ?"
		args = append(args, *t.RFDETR)
	}

	if t.YOLO != nil {
		query += " AND p.yolo_threshold = ?"
		args = append(args, *t.YOLO)
	}

	query += " ORDER BY p.created_at ASC, p.id ASC LIMIT 1"

	rec, err := scanRecord(s.conn.QueryRowContext(ctx, s.dialect.Rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find existing prediction: %w", err)
	}
	return rec, nil
}

// Query runs the composed filter. Image payloads are not loaded.
func (s *Store) Query(ctx context.Context, f dto.FilterSpec) ([]model.PredictionRecord, error) {
	filter, err := Compose(f)
	if err != nil {
		return nil, err
	}

	defer s.rlock()()

	query := fmt.Sprintf(selectColumns, "NULL") + filter.Where +
		" ORDER BY p.created_at DESC, p.id DESC LIMIT ? OFFSET ?"
	args := append(filter.Args, filter.Limit, filter.Offset)

	rows, err := s.conn.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query predictions: %w", err)
	}
	defer rows.Close()

	var records []model.PredictionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan prediction: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate predictions: %w", err)
	}
	return records, nil
}

// Count returns the number of predictions matching the filter, ignoring pagination.
func (s *Store) Count(ctx context.Context, f dto.FilterSpec) (int, error) {
	filter, err := Compose(f)
	if err != nil {
		return 0, err
	}

	defer s.rlock()()

	query := `
		SELECT COUNT(*)
		FROM predictions p
		LEFT JOIN owners o ON o.id = p.owner_id
	` + filter.Where

	var count int
	if err := s.conn.QueryRowContext(ctx, s.dialect.Rebind(query), filter.Args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count predictions: %w", err)
	}
	return count, nil
}

// CountByModel returns totals per model selector.
func (s *Store) CountByModel(ctx context.Context) (model.Statistics, error) {
	defer s.rlock()()

	stats := model.Statistics{ByModel: make(map[model.ModelSelector]int, len(model.AllModels))}
	for _, m := range model.AllModels {
		stats.ByModel[m] = 0
	}

	rows, err := s.conn.QueryContext(ctx, `SELECT model, COUNT(*) FROM predictions GROUP BY model`)
	if err != nil {
		return stats, fmt.Errorf("failed to get stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m string
		var count int
		if err := rows.Scan(&m, &count); err != nil {
			return stats, fmt.Errorf("failed to scan stats: %w", err)
		}
		stats.ByModel[model.ModelSelector(m)] = count
		stats.Total += count
	}
	return stats, rows.Err()
}

// UpdateAnnotation replaces the comment of a prediction. A nil text clears it.
func (s *Store) UpdateAnnotation(ctx context.Context, id string, text *string) (*model.PredictionRecord, error) {
	unlock := s.lock()
	result, err := s.conn.ExecContext(ctx, s.dialect.Rebind(`UPDATE predictions SET comment = ? WHERE id = ?`), text, id)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to update comment: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to update comment: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("prediction %s: %w", id, model.ErrNotFound)
	}
	return s.GetByID(ctx, id)
}

// Delete removes a prediction permanently.
func (s *Store) Delete(ctx context.Context, id string) error {
	defer s.lock()()

	result, err := s.conn.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM predictions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete prediction: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete prediction: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("prediction %s: %w", id, model.ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*model.PredictionRecord, error) {
	var (
		rec        model.PredictionRecord
		ownerID    sql.NullString
		modelName  string
		contentKey string
		results    []byte
		rfdetrTh   sql.NullFloat64
		yoloTh     sql.NullFloat64
		comment    sql.NullString
	)
	err := row.Scan(&rec.ID, &ownerID, &rec.OwnerName, &modelName, &rec.Image, &rec.ImageMIME,
		&contentKey, &rec.PerceptualHash, &results, &rfdetrTh, &yoloTh, &comment, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}

	rec.Model = model.ModelSelector(modelName)
	if rec.ContentKey, err = model.ParseContentKey(contentKey); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(results, &rec.Results); err != nil {
		return nil, fmt.Errorf("failed to decode results: %w", err)
	}
	if ownerID.Valid {
		rec.OwnerID = &ownerID.String
	}
	if rfdetrTh.Valid {
		rec.Thresholds.RFDETR = model.Float(rfdetrTh.Float64)
	}
	if yoloTh.Valid {
		rec.Thresholds.YOLO = model.Float(yoloTh.Float64)
	}
	if comment.Valid {
		rec.Annotation = &comment.String
	}
	return &rec, nil
}
