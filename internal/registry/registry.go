// Package registry tracks model checkpoints and which one is active.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Brownie44l1/cxr-api/internal/model"
	"github.com/Brownie44l1/cxr-api/internal/preprocess"
	"github.com/Brownie44l1/cxr-api/internal/repository"
)

// ValidationError rejects a registration request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RegisterRequest describes a new checkpoint.
type RegisterRequest struct {
	VersionName  string  `json:"version_name"`
	ModelPath    string  `json:"model_path"`
	MetadataPath string  `json:"metadata_path"`
	AUROC        float64 `json:"accuracy_auroc"`
	Activate     bool    `json:"activate"`
}

// Registry wraps the model repository with a short-lived cache of the
// active record.
type Registry struct {
	repo     repository.ModelRepository
	contract preprocess.Contract
	ttl      time.Duration
	now      func() time.Time

	mu       sync.Mutex
	active   *repository.ModelRecord
	cachedAt time.Time
}

func New(repo repository.ModelRepository, contract preprocess.Contract, ttl time.Duration) *Registry {
	return &Registry{
		repo:     repo,
		contract: contract,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Register validates the checkpoint files and stores a new record. The
// metadata must satisfy the same contract the engine enforces at load.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*repository.ModelRecord, error) {
	if strings.TrimSpace(req.VersionName) == "" {
		return nil, &ValidationError{Field: "version_name", Reason: "required"}
	}
	if req.AUROC < 0 || req.AUROC > 1 {
		return nil, &ValidationError{Field: "accuracy_auroc", Reason: "must be within [0, 1]"}
	}
	if _, err := os.Stat(req.ModelPath); err != nil {
		return nil, &ValidationError{Field: "model_path", Reason: err.Error()}
	}
	meta, err := model.LoadMetadata(req.MetadataPath)
	if err != nil {
		return nil, &ValidationError{Field: "metadata_path", Reason: err.Error()}
	}
	if err := model.ValidateMetadata(meta, r.contract); err != nil {
		return nil, &ValidationError{Field: "metadata_path", Reason: err.Error()}
	}

	rec := &repository.ModelRecord{
		ID:           uuid.NewString(),
		VersionName:  strings.TrimSpace(req.VersionName),
		ModelPath:    req.ModelPath,
		MetadataPath: req.MetadataPath,
		AUROC:        req.AUROC,
		CreatedAt:    r.now().UTC(),
	}
	if err := r.repo.Insert(ctx, rec); err != nil {
		return nil, err
	}
	if req.Activate {
		if err := r.Activate(ctx, rec.ID); err != nil {
			return nil, err
		}
		rec.IsActive = true
	}
	return rec, nil
}

func (r *Registry) List(ctx context.Context) ([]repository.ModelRecord, error) {
	return r.repo.List(ctx)
}

func (r *Registry) Get(ctx context.Context, id string) (*repository.ModelRecord, error) {
	return r.repo.GetByID(ctx, id)
}

// Activate marks id as the only active model and drops the cache.
func (r *Registry) Activate(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.repo.SetActive(ctx, id); err != nil {
		return err
	}
	r.active = nil
	r.cachedAt = time.Time{}
	return nil
}

// Active returns the active record. It returns repository.ErrNotFound
// when nothing has been activated yet.
func (r *Registry) Active(ctx context.Context) (*repository.ModelRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil && r.now().Sub(r.cachedAt) < r.ttl {
		rec := *r.active
		return &rec, nil
	}
	rec, err := r.repo.Active(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.active = nil
		}
		return nil, err
	}
	r.active = rec
	r.cachedAt = r.now()
	out := *rec
	return &out, nil
}
