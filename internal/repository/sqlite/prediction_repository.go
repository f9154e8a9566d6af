package sqlite

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/Brownie44l1/cxr-api/internal/repository"
)

// PredictionRepository implements repository.PredictionRepository.
type PredictionRepository struct {
	db *DB
}

var _ repository.PredictionRepository = (*PredictionRepository)(nil)

func NewPredictionRepository(db *DB) *PredictionRepository {
	return &PredictionRepository{db: db}
}

func (r *PredictionRepository) Insert(ctx context.Context, rec *repository.PredictionRecord) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	query, args, err := psql.Insert("predictions").
		Columns("id", "request_id", "model_id", "image_path", "urgency_tier", "threshold", "results_json", "created_at").
		Values(rec.ID, rec.RequestID, rec.ModelID, rec.ImagePath, rec.UrgencyTier, rec.Threshold, rec.ResultsJSON, rec.CreatedAt.UTC()).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := r.db.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert prediction: %w", err)
	}
	return nil
}

func applyFilter(b sq.SelectBuilder, f repository.PredictionFilter) sq.SelectBuilder {
	if f.RequestID != "" {
		b = b.Where(sq.Eq{"request_id": f.RequestID})
	}
	if f.ModelID != "" {
		b = b.Where(sq.Eq{"model_id": f.ModelID})
	}
	if f.UrgencyTier != "" {
		b = b.Where(sq.Eq{"urgency_tier": f.UrgencyTier})
	}
	if !f.Since.IsZero() {
		b = b.Where(sq.GtOrEq{"created_at": f.Since.UTC()})
	}
	return b
}

// List returns matching records newest first.
func (r *PredictionRepository) List(ctx context.Context, f repository.PredictionFilter) ([]repository.PredictionRecord, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	b := applyFilter(psql.Select("id", "request_id", "model_id", "image_path", "urgency_tier", "threshold", "results_json", "created_at").
		From("predictions"), f).
		OrderBy("created_at DESC", "id")
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		if f.Limit <= 0 {
			b = b.Limit(uint64(1<<63 - 1))
		}
		b = b.Offset(uint64(f.Offset))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := r.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query predictions: %w", err)
	}
	defer rows.Close()

	records := []repository.PredictionRecord{}
	for rows.Next() {
		var rec repository.PredictionRecord
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.ModelID, &rec.ImagePath, &rec.UrgencyTier, &rec.Threshold, &rec.ResultsJSON, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan prediction: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *PredictionRepository) Count(ctx context.Context, f repository.PredictionFilter) (int, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	query, args, err := applyFilter(psql.Select("COUNT(*)").From("predictions"), f).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count: %w", err)
	}
	var n int
	if err := r.db.conn.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count predictions: %w", err)
	}
	return n, nil
}

func (r *PredictionRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, []string, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	tx, err := r.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	expired := sq.Lt{"created_at": cutoff.UTC()}
	selectQuery, args, err := psql.Select("image_path").From("predictions").Where(expired).ToSql()
	if err != nil {
		return 0, nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := tx.QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to query expired predictions: %w", err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return 0, nil, fmt.Errorf("failed to scan image path: %w", err)
		}
		if p != "" {
			paths = append(paths, p)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}

	deleteQuery, args, err := psql.Delete("predictions").Where(expired).ToSql()
	if err != nil {
		return 0, nil, fmt.Errorf("build delete: %w", err)
	}
	res, err := tx.ExecContext(ctx, deleteQuery, args...)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to delete expired predictions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil, err
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("failed to commit: %w", err)
	}
	return int(n), paths, nil
}
