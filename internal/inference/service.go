// Package inference is the request pipeline shared by every entry point:
// bytes -> tensor -> raw scores -> probabilities -> ranked case.
package inference

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Brownie44l1/cxr-api/internal/explain"
	"github.com/Brownie44l1/cxr-api/internal/model"
	"github.com/Brownie44l1/cxr-api/internal/pathology"
	"github.com/Brownie44l1/cxr-api/internal/preprocess"
	"github.com/Brownie44l1/cxr-api/internal/triage"
)

var (
	// ErrInvalidThreshold rejects thresholds outside [0,1].
	ErrInvalidThreshold = errors.New("threshold must be within [0, 1]")
	// ErrExplainUnavailable means no Grad-CAM graph was loaded.
	ErrExplainUnavailable = errors.New("explainability is not available for the active model")
)

// Scorer is the classifier forward pass. model.Engine implements it.
type Scorer interface {
	Infer(ctx context.Context, input []float32) ([]float32, error)
}

// Prediction is one complete pipeline result. Nothing partial is ever returned.
type Prediction struct {
	ModelID       string
	Case          triage.Case
	Probabilities [pathology.NumClasses]float64
	Threshold     float64
	Elapsed       time.Duration
	Input         *preprocess.Normalized
}

// Service is safe for concurrent use. Its pipeline is fixed at construction.
type Service struct {
	id         string
	normalizer *preprocess.Normalizer
	scorer     Scorer
	explainer  *explain.Explainer
	info       model.Info
	closers    []func()

	mu      sync.Mutex
	leases  int
	retired bool
	drained chan struct{}
}

// NewService assembles a pipeline. explainer may be nil.
func NewService(id string, normalizer *preprocess.Normalizer, scorer Scorer, explainer *explain.Explainer, info model.Info, closers ...func()) *Service {
	return &Service{
		id:         id,
		normalizer: normalizer,
		scorer:     scorer,
		explainer:  explainer,
		info:       info,
		closers:    closers,
		drained:    make(chan struct{}),
	}
}

func ValidateThreshold(threshold float64) error {
	if math.IsNaN(threshold) || threshold < 0 || threshold > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidThreshold, threshold)
	}
	return nil
}

func (s *Service) ModelID() string { return s.id }

func (s *Service) Info() model.Info { return s.info }

func (s *Service) Contract() preprocess.Contract { return s.normalizer.Contract() }

func (s *Service) Explainable() bool { return s.explainer != nil }

// Predict runs the full pipeline on raw image bytes.
func (s *Service) Predict(ctx context.Context, data []byte, threshold float64) (*Prediction, error) {
	if err := ValidateThreshold(threshold); err != nil {
		return nil, err
	}
	start := time.Now()

	input, err := s.normalizer.Normalize(data)
	if err != nil {
		return nil, err
	}
	return s.score(ctx, input, threshold, start)
}

// PredictTensor runs the pipeline on an already normalized NCHW tensor.
func (s *Service) PredictTensor(ctx context.Context, tensor []float32, threshold float64) (*Prediction, error) {
	if err := ValidateThreshold(threshold); err != nil {
		return nil, err
	}
	start := time.Now()

	resized, err := s.Contract().ImageFromTensor(tensor)
	if err != nil {
		return nil, &preprocess.DecodeError{Err: err}
	}
	return s.score(ctx, &preprocess.Normalized{Tensor: tensor, Resized: resized, Format: "tensor"}, threshold, start)
}

func (s *Service) score(ctx context.Context, input *preprocess.Normalized, threshold float64, start time.Time) (*Prediction, error) {
	raw, err := s.scorer.Infer(ctx, input.Tensor)
	if err != nil {
		return nil, err
	}
	probs, err := triage.Calibrate(raw)
	if err != nil {
		return nil, &model.InferenceError{Err: err}
	}

	return &Prediction{
		ModelID:       s.id,
		Case:          triage.Rank(probs, threshold),
		Probabilities: probs,
		Threshold:     threshold,
		Elapsed:       time.Since(start),
		Input:         input,
	}, nil
}

// Explain decodes data and renders a Grad-CAM overlay for target.
func (s *Service) Explain(ctx context.Context, data []byte, target explain.Target) (*explain.Result, error) {
	if s.explainer == nil {
		return nil, ErrExplainUnavailable
	}
	input, err := s.normalizer.Normalize(data)
	if err != nil {
		return nil, err
	}
	return s.ExplainInput(ctx, input, target)
}

// ExplainInput reuses an already normalized input, e.g. from Predict.
func (s *Service) ExplainInput(ctx context.Context, input *preprocess.Normalized, target explain.Target) (*explain.Result, error) {
	if s.explainer == nil {
		return nil, ErrExplainUnavailable
	}
	return s.explainer.Explain(ctx, input.Tensor, input.Resized, target)
}

// Close releases engines. In-flight calls finish first.
func (s *Service) Close() {
	for _, c := range s.closers {
		c()
	}
}

// acquire takes a lease unless the Service has been retired.
func (s *Service) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retired {
		return false
	}
	s.leases++
	return true
}

func (s *Service) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases--
	if s.retired && s.leases == 0 {
		close(s.drained)
	}
}

// retire refuses new leases, waits for outstanding ones and then closes.
func (s *Service) retire() {
	s.mu.Lock()
	if s.retired {
		s.mu.Unlock()
		return
	}
	s.retired = true
	if s.leases == 0 {
		close(s.drained)
	}
	s.mu.Unlock()

	<-s.drained
	s.Close()
}
