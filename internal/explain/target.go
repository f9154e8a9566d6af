// Package explain produces Grad-CAM overlays for a chosen pathology. The
// attribution itself is delegated to an exported graph; this package only
// resolves the target and renders the result.
package explain

import (
	"fmt"

	"github.com/Brownie44l1/cxr-api/internal/pathology"
)

// TargetResolutionError reports a requested target outside the class set.
type TargetResolutionError struct {
	Name  string
	Index int
}

func (e *TargetResolutionError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("unknown target class %q", e.Name)
	}
	return fmt.Sprintf("target class index %d out of range [0,%d)", e.Index, pathology.NumClasses)
}

// Target selects the class to explain. Name wins over Index; when both are
// empty the most probable class is used.
type Target struct {
	Name  string
	Index *int
}

// IsDefault reports whether no explicit target was requested.
func (t Target) IsDefault() bool {
	return t.Name == "" && t.Index == nil
}

// Resolve maps an explicit target to a class. It must not be called for a
// default target.
func (t Target) Resolve() (pathology.Class, error) {
	if t.Name != "" {
		c, ok := pathology.Parse(t.Name)
		if !ok {
			return 0, &TargetResolutionError{Name: t.Name}
		}
		return c, nil
	}
	if t.Index == nil {
		return 0, &TargetResolutionError{Index: -1}
	}
	c := pathology.Class(*t.Index)
	if !c.Valid() {
		return 0, &TargetResolutionError{Index: *t.Index}
	}
	return c, nil
}

// Argmax returns the most probable class; ties go to the lower index.
func Argmax(probs [pathology.NumClasses]float64) pathology.Class {
	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}
	return pathology.Class(best)
}
