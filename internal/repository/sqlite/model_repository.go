package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/Brownie44l1/cxr-api/internal/repository"
)

var modelColumns = []string{"id", "version_name", "model_path", "metadata_path", "auroc", "is_active", "created_at"}

// ModelRepository implements repository.ModelRepository.
type ModelRepository struct {
	db *DB
}

var _ repository.ModelRepository = (*ModelRepository)(nil)

func NewModelRepository(db *DB) *ModelRepository {
	return &ModelRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModel(s rowScanner) (*repository.ModelRecord, error) {
	var rec repository.ModelRecord
	if err := s.Scan(&rec.ID, &rec.VersionName, &rec.ModelPath, &rec.MetadataPath, &rec.AUROC, &rec.IsActive, &rec.CreatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *ModelRepository) Insert(ctx context.Context, rec *repository.ModelRecord) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	query, args, err := psql.Insert("models").
		Columns(modelColumns...).
		Values(rec.ID, rec.VersionName, rec.ModelPath, rec.MetadataPath, rec.AUROC, rec.IsActive, rec.CreatedAt.UTC()).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := r.db.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert model: %w", err)
	}
	return nil
}

func (r *ModelRepository) getOne(ctx context.Context, b sq.SelectBuilder) (*repository.ModelRecord, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rec, err := scanModel(r.db.conn.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get model: %w", err)
	}
	return rec, nil
}

func (r *ModelRepository) GetByID(ctx context.Context, id string) (*repository.ModelRecord, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	return r.getOne(ctx, psql.Select(modelColumns...).From("models").Where(sq.Eq{"id": id}))
}

func (r *ModelRepository) Active(ctx context.Context) (*repository.ModelRecord, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	return r.getOne(ctx, psql.Select(modelColumns...).From("models").
		Where(sq.Eq{"is_active": true}).
		OrderBy("created_at DESC").
		Limit(1))
}

// List returns every model, newest first.
func (r *ModelRepository) List(ctx context.Context) ([]repository.ModelRecord, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	query, args, err := psql.Select(modelColumns...).From("models").OrderBy("created_at DESC", "id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := r.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query models: %w", err)
	}
	defer rows.Close()

	models := []repository.ModelRecord{}
	for rows.Next() {
		rec, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model: %w", err)
		}
		models = append(models, *rec)
	}
	return models, rows.Err()
}

func (r *ModelRepository) SetActive(ctx context.Context, id string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	tx, err := r.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query, args, err := psql.Update("models").Set("is_active", true).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to activate model: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repository.ErrNotFound
	}

	query, args, err = psql.Update("models").Set("is_active", false).Where(sq.NotEq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to deactivate models: %w", err)
	}
	return tx.Commit()
}
