// Package triage turns raw model scores into a ranked, clinically tiered case.
package triage

import (
	"fmt"
	"math"

	"github.com/Brownie44l1/cxr-api/internal/pathology"
)

// Sigmoid is the logistic function.
func Sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// Calibrate applies Sigmoid to every raw score independently. The result is
// multi-label: probabilities do not sum to 1.
func Calibrate(raw []float32) ([pathology.NumClasses]float64, error) {
	var probs [pathology.NumClasses]float64
	if len(raw) != pathology.NumClasses {
		return probs, fmt.Errorf("expected %d raw scores, got %d", pathology.NumClasses, len(raw))
	}
	for i, v := range raw {
		x := float64(v)
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return probs, fmt.Errorf("non-finite raw score for %s: %v", pathology.ClassOrder[i], v)
		}
		probs[i] = Sigmoid(x)
	}
	return probs, nil
}
