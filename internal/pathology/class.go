// Package pathology defines the closed set of chest X-ray findings the model
// predicts and the clinical tiers attached to them.
//
// ClassOrder is the single canonical index order shared by preprocessing,
// model output and every lookup table. It must match the order the checkpoint
// was trained with.
package pathology

import "fmt"

// Class identifies one of the 13 pathologies by its fixed output index.
type Class int

const (
	Atelectasis Class = iota
	Cardiomegaly
	Consolidation
	Edema
	Effusion
	Emphysema
	Fibrosis
	Infiltration
	Mass
	Nodule
	PleuralThickening
	Pneumonia
	Pneumothorax

	// NumClasses is the expected model output width.
	NumClasses = int(Pneumothorax) + 1
)

// OrderVersion changes whenever ClassOrder changes.
const OrderVersion = "nih14-13c-v1"

// ClassOrder maps output index to label.
var ClassOrder = [NumClasses]string{
	Atelectasis:       "Atelectasis",
	Cardiomegaly:      "Cardiomegaly",
	Consolidation:     "Consolidation",
	Edema:             "Edema",
	Effusion:          "Effusion",
	Emphysema:         "Emphysema",
	Fibrosis:          "Fibrosis",
	Infiltration:      "Infiltration",
	Mass:              "Mass",
	Nodule:            "Nodule",
	PleuralThickening: "Pleural_Thickening",
	Pneumonia:         "Pneumonia",
	Pneumothorax:      "Pneumothorax",
}

var byName = func() map[string]Class {
	m := make(map[string]Class, NumClasses)
	for i, name := range ClassOrder {
		m[name] = Class(i)
	}
	return m
}()

// String returns the label used in API responses.
func (c Class) String() string {
	if !c.Valid() {
		return fmt.Sprintf("Class(%d)", int(c))
	}
	return ClassOrder[c]
}

// Valid reports whether c is inside the closed class set.
func (c Class) Valid() bool {
	return c >= 0 && int(c) < NumClasses
}

// Parse resolves a label to its class. Matching is exact.
func Parse(name string) (Class, bool) {
	c, ok := byName[name]
	return c, ok
}

// Labels returns a copy of the canonical label order.
func Labels() []string {
	out := make([]string, NumClasses)
	copy(out, ClassOrder[:])
	return out
}

// MatchesOrder reports whether labels is exactly the canonical order.
func MatchesOrder(labels []string) bool {
	if len(labels) != NumClasses {
		return false
	}
	for i, name := range labels {
		if ClassOrder[i] != name {
			return false
		}
	}
	return true
}
