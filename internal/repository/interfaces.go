// Package repository defines persistence for the audit log and the model
// registry.
package repository

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// PredictionRecord is one audited inference. ID is unique per row;
// RequestID is whatever the caller sent and may repeat.
type PredictionRecord struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"request_id"`
	ModelID     string    `json:"model_id"`
	ImagePath   string    `json:"image_path"`
	UrgencyTier string    `json:"urgency_tier"`
	Threshold   float64   `json:"threshold"`
	ResultsJSON string    `json:"results_json"`
	CreatedAt   time.Time `json:"created_at"`
}

// PredictionFilter narrows audit queries. Zero values mean no constraint.
type PredictionFilter struct {
	RequestID   string
	ModelID     string
	UrgencyTier string
	Since       time.Time
	Limit       int
	Offset      int
}

// ModelRecord is one registered checkpoint.
type ModelRecord struct {
	ID           string    `json:"id"`
	VersionName  string    `json:"version_name"`
	ModelPath    string    `json:"model_path"`
	MetadataPath string    `json:"metadata_path"`
	AUROC        float64   `json:"accuracy_auroc"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// PredictionRepository stores the audit log.
type PredictionRepository interface {
	Insert(ctx context.Context, rec *PredictionRecord) error
	List(ctx context.Context, filter PredictionFilter) ([]PredictionRecord, error)
	Count(ctx context.Context, filter PredictionFilter) (int, error)
	// DeleteOlderThan removes records created before cutoff and returns
	// how many were deleted along with their stored image paths.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, []string, error)
}

// ModelRepository stores the model registry.
type ModelRepository interface {
	Insert(ctx context.Context, rec *ModelRecord) error
	GetByID(ctx context.Context, id string) (*ModelRecord, error)
	List(ctx context.Context) ([]ModelRecord, error)
	// Active returns ErrNotFound when no model is active.
	Active(ctx context.Context) (*ModelRecord, error)
	// SetActive activates id and deactivates every other model.
	SetActive(ctx context.Context, id string) error
}
