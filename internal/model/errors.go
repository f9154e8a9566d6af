package model

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by an engine that has been shut down.
var ErrClosed = errors.New("model engine closed")

// ModelNotLoadedError means weights are missing, corrupt or incompatible.
// It is fatal at startup.
type ModelNotLoadedError struct {
	Path string
	Err  error
}

func (e *ModelNotLoadedError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("model not loaded: %v", e.Err)
	}
	return fmt.Sprintf("model not loaded from %s: %v", e.Path, e.Err)
}

func (e *ModelNotLoadedError) Unwrap() error { return e.Err }

// ShapeMismatchError means the checkpoint output width differs from the
// canonical class count.
type ShapeMismatchError struct {
	Expected int
	Got      int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("model output width %d, expected %d classes", e.Got, e.Expected)
}

// InferenceError wraps a failed forward pass.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed: %v", e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }
