package explain

import (
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"math"

	"github.com/Brownie44l1/cxr-api/internal/model"
	"github.com/Brownie44l1/cxr-api/internal/pathology"
	"github.com/Brownie44l1/cxr-api/internal/triage"
)

// Scorer runs the classifier forward pass.
type Scorer interface {
	Infer(ctx context.Context, input []float32) ([]float32, error)
}

// Attributor computes an activation map for one class.
type Attributor interface {
	Attribute(ctx context.Context, input []float32, target pathology.Class) (*model.Attribution, error)
	TargetLayer() string
}

// Result is the JSON body of a Grad-CAM response.
type Result struct {
	HeatmapBase64  string             `json:"heatmap_base64"`
	TargetClass    string             `json:"target_class"`
	TargetClassIdx int                `json:"target_class_idx"`
	TargetLayer    string             `json:"target_layer"`
	Confidence     float64            `json:"confidence"`
	AllPredictions map[string]float64 `json:"all_predictions"`
}

// Explainer resolves the target, runs attribution and renders the overlay.
type Explainer struct {
	scorer     Scorer
	attributor Attributor
	renderer   Renderer
}

func NewExplainer(scorer Scorer, attributor Attributor, renderer Renderer) *Explainer {
	return &Explainer{scorer: scorer, attributor: attributor, renderer: renderer}
}

// Explain produces one overlay for tensor. resized is the RGB image the
// tensor was computed from.
func (e *Explainer) Explain(ctx context.Context, tensor []float32, resized image.Image, target Target) (*Result, error) {
	class, err := e.resolve(ctx, tensor, target)
	if err != nil {
		return nil, err
	}

	attr, err := e.attributor.Attribute(ctx, tensor, class)
	if err != nil {
		return nil, err
	}
	probs, err := triage.Calibrate(attr.Logits)
	if err != nil {
		return nil, &model.InferenceError{Err: err}
	}

	png, err := e.renderer.Render(resized, Scale(attr.Heatmap))
	if err != nil {
		return nil, fmt.Errorf("render overlay: %w", err)
	}

	all := make(map[string]float64, pathology.NumClasses)
	for i, p := range probs {
		all[pathology.ClassOrder[i]] = p
	}

	return &Result{
		HeatmapBase64:  "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
		TargetClass:    class.String(),
		TargetClassIdx: int(class),
		TargetLayer:    e.attributor.TargetLayer(),
		Confidence:     math.Round(probs[class]*10000) / 10000,
		AllPredictions: all,
	}, nil
}

func (e *Explainer) resolve(ctx context.Context, tensor []float32, target Target) (pathology.Class, error) {
	if !target.IsDefault() {
		return target.Resolve()
	}
	raw, err := e.scorer.Infer(ctx, tensor)
	if err != nil {
		return 0, err
	}
	probs, err := triage.Calibrate(raw)
	if err != nil {
		return 0, &model.InferenceError{Err: err}
	}
	return Argmax(probs), nil
}
