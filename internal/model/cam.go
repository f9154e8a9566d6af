package model

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/Brownie44l1/cxr-api/internal/pathology"
	"github.com/Brownie44l1/cxr-api/internal/preprocess"
)

// Heatmap is a row-major activation map.
type Heatmap struct {
	Width  int
	Height int
	Values []float32
}

// Attribution is the output of one Grad-CAM pass.
type Attribution struct {
	Heatmap Heatmap
	Logits  []float32
}

// CAMEngine runs the exported Grad-CAM graph for the classifier's target
// layer. The gradient computation lives inside the graph.
type CAMEngine struct {
	meta     CAMMetadata
	contract preprocess.Contract
	sessions *pool
}

// LoadCAM opens the attribution graph described by meta.GradCAM.
func LoadCAM(meta Metadata, contract preprocess.Contract, workers int) (*CAMEngine, error) {
	if meta.GradCAM == nil {
		return nil, errors.New("metadata declares no gradcam graph")
	}
	cam := *meta.GradCAM
	if _, err := os.Stat(cam.ModelPath); err != nil {
		return nil, &ModelNotLoadedError{Path: cam.ModelPath, Err: err}
	}
	if len(cam.CAMShape) < 2 {
		return nil, &ModelNotLoadedError{Path: cam.ModelPath, Err: fmt.Errorf("cam_shape %v needs height and width", cam.CAMShape)}
	}

	inputs := []tensorSpec{
		{name: cam.InputName, shape: contract.InputShape()},
		{name: cam.TargetName, shape: []int64{1, int64(pathology.NumClasses)}},
	}
	outputs := []tensorSpec{
		{name: cam.CAMName, shape: cam.CAMShape},
		{name: cam.LogitsName, shape: []int64{1, int64(pathology.NumClasses)}},
	}
	sessions, err := newPool(workers, func() (*binding, error) {
		return newBinding(cam.ModelPath, inputs, outputs)
	})
	if err != nil {
		return nil, &ModelNotLoadedError{Path: cam.ModelPath, Err: err}
	}
	return &CAMEngine{meta: cam, contract: contract, sessions: sessions}, nil
}

// TargetLayer names the layer the activation map is taken from.
func (c *CAMEngine) TargetLayer() string { return c.meta.TargetLayer }

// Attribute computes the activation map of target for input.
func (c *CAMEngine) Attribute(ctx context.Context, input []float32, target pathology.Class) (*Attribution, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("invalid target class %d", int(target))
	}
	if len(input) != c.contract.TensorLen() {
		return nil, &InferenceError{Err: fmt.Errorf("expected %d input values, got %d", c.contract.TensorLen(), len(input))}
	}

	shape := c.meta.CAMShape
	h, w := int(shape[len(shape)-2]), int(shape[len(shape)-1])
	out := &Attribution{
		Heatmap: Heatmap{Width: w, Height: h, Values: make([]float32, w*h)},
		Logits:  make([]float32, pathology.NumClasses),
	}

	err := c.sessions.with(ctx, func(b *binding) error {
		copy(b.inputs[0].GetData(), input)
		oneHot := b.inputs[1].GetData()
		for i := range oneHot {
			oneHot[i] = 0
		}
		oneHot[target] = 1

		if err := b.session.Run(); err != nil {
			return err
		}
		copy(out.Heatmap.Values, b.outputs[0].GetData())
		copy(out.Logits, b.outputs[1].GetData())
		return nil
	})
	if err != nil {
		return nil, &InferenceError{Err: err}
	}
	return out, nil
}

func (c *CAMEngine) Close() {
	c.sessions.close()
}
