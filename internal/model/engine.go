package model

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/Brownie44l1/cxr-api/internal/pathology"
	"github.com/Brownie44l1/cxr-api/internal/preprocess"
)

// Options selects a checkpoint and how many concurrent sessions to hold.
type Options struct {
	ID           string
	ModelPath    string
	MetadataPath string
	Workers      int
	Contract     preprocess.Contract
}

// Engine wraps a loaded multi-label classifier. Output element i is the raw
// score of pathology.Class(i); the mapping is checked once at load.
type Engine struct {
	id       string
	meta     Metadata
	contract preprocess.Contract
	sessions *pool
}

// Load validates metadata against the preprocessing contract, opens the
// session pool and runs one warm-up pass.
func Load(ctx context.Context, opts Options) (*Engine, error) {
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, &ModelNotLoadedError{Path: opts.ModelPath, Err: err}
	}

	meta, err := LoadMetadata(opts.MetadataPath)
	if err != nil {
		return nil, &ModelNotLoadedError{Path: opts.MetadataPath, Err: err}
	}
	if err := ValidateMetadata(meta, opts.Contract); err != nil {
		var shapeErr *ShapeMismatchError
		if errors.As(err, &shapeErr) {
			return nil, err
		}
		return nil, &ModelNotLoadedError{Path: opts.MetadataPath, Err: err}
	}

	inputs := []tensorSpec{{name: meta.InputName, shape: meta.InputShape}}
	outputs := []tensorSpec{{name: meta.OutputName, shape: meta.OutputShape}}
	sessions, err := newPool(opts.Workers, func() (*binding, error) {
		return newBinding(opts.ModelPath, inputs, outputs)
	})
	if err != nil {
		return nil, &ModelNotLoadedError{Path: opts.ModelPath, Err: err}
	}

	e := &Engine{
		id:       opts.ID,
		meta:     meta,
		contract: opts.Contract,
		sessions: sessions,
	}

	if _, err := e.Infer(ctx, make([]float32, opts.Contract.TensorLen())); err != nil {
		e.Close()
		return nil, &ModelNotLoadedError{Path: opts.ModelPath, Err: fmt.Errorf("warm-up pass: %w", err)}
	}
	return e, nil
}

// ValidateMetadata enforces the checkpoint/resize/normalization contract.
func ValidateMetadata(meta Metadata, contract preprocess.Contract) error {
	if n := len(meta.OutputShape); n == 0 {
		return errors.New("metadata has no output_shape")
	}
	if width := int(meta.OutputShape[len(meta.OutputShape)-1]); width != pathology.NumClasses {
		return &ShapeMismatchError{Expected: pathology.NumClasses, Got: width}
	}
	if !equalShape(meta.InputShape, contract.InputShape()) {
		return fmt.Errorf("input_shape %v does not match preprocessing contract %v", meta.InputShape, contract.InputShape())
	}
	if meta.ImageSize != contract.Size {
		return fmt.Errorf("checkpoint trained at %dx%d, preprocessing resizes to %dx%d",
			meta.ImageSize, meta.ImageSize, contract.Size, contract.Size)
	}
	if !pathology.MatchesOrder(meta.Classes) {
		return fmt.Errorf("class order %v does not match canonical order %s", meta.Classes, pathology.OrderVersion)
	}
	return nil
}

func equalShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Infer runs one forward pass and returns a copy of the raw scores.
func (e *Engine) Infer(ctx context.Context, input []float32) ([]float32, error) {
	if len(input) != e.contract.TensorLen() {
		return nil, &InferenceError{Err: fmt.Errorf("expected %d input values, got %d", e.contract.TensorLen(), len(input))}
	}

	scores := make([]float32, pathology.NumClasses)
	err := e.sessions.with(ctx, func(b *binding) error {
		copy(b.inputs[0].GetData(), input)
		if err := b.session.Run(); err != nil {
			return err
		}
		out := b.outputs[0].GetData()
		copy(scores, out[len(out)-pathology.NumClasses:])
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return nil, &ModelNotLoadedError{Err: err}
		}
		return nil, &InferenceError{Err: err}
	}
	return scores, nil
}

func (e *Engine) ID() string { return e.id }

func (e *Engine) Metadata() Metadata { return e.meta }

// Info describes the engine for diagnostics.
func (e *Engine) Info() Info {
	return Info{
		ModelID:    e.id,
		ModelType:  e.meta.Architecture,
		NumClasses: pathology.NumClasses,
		Labels:     pathology.Labels(),
		ClassOrder: pathology.OrderVersion,
		InputShape: e.contract.InputShape(),
		Framework:  "ONNX Runtime",
		Preprocessing: Preprocessing{
			Resize: fmt.Sprintf("%dx%d", e.contract.Size, e.contract.Size),
			Filter: e.contract.FilterName(),
			Mean:   e.contract.Mean,
			Std:    e.contract.Std,
			Layout: "NCHW",
		},
		Explainable: e.meta.GradCAM != nil,
	}
}

// Close waits for in-flight passes and releases every session.
func (e *Engine) Close() {
	e.sessions.close()
}
