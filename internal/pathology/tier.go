package pathology

// Severity is derived from probability alone.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

const (
	highSeverityCutoff   = 0.75
	mediumSeverityCutoff = 0.50
)

// SeverityOf classifies a probability. Cutoffs are inclusive.
func SeverityOf(p float64) Severity {
	switch {
	case p >= highSeverityCutoff:
		return SeverityHigh
	case p >= mediumSeverityCutoff:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Urgency is the clinical priority of a finding, independent of model confidence.
type Urgency string

const (
	UrgencyCritical Urgency = "critical"
	UrgencyModerate Urgency = "moderate"
	UrgencyRoutine  Urgency = "routine"
)

// Priority orders urgencies; lower is more urgent.
func (u Urgency) Priority() int {
	switch u {
	case UrgencyCritical:
		return 0
	case UrgencyModerate:
		return 1
	default:
		return 2
	}
}

// urgencyTable is indexed by Class so a missing entry fails to compile
// rather than defaulting at runtime.
var urgencyTable = [NumClasses]Urgency{
	Pneumothorax: UrgencyCritical,
	Mass:         UrgencyCritical,
	Edema:        UrgencyCritical,

	Pneumonia:     UrgencyModerate,
	Consolidation: UrgencyModerate,
	Infiltration:  UrgencyModerate,
	Effusion:      UrgencyModerate,

	Nodule:            UrgencyRoutine,
	Fibrosis:          UrgencyRoutine,
	Atelectasis:       UrgencyRoutine,
	Cardiomegaly:      UrgencyRoutine,
	Emphysema:         UrgencyRoutine,
	PleuralThickening: UrgencyRoutine,
}

func init() {
	for i, u := range urgencyTable {
		if u == "" {
			panic("pathology: no urgency tier for " + ClassOrder[i])
		}
	}
}

// UrgencyOf returns the fixed clinical tier for c.
func UrgencyOf(c Class) Urgency {
	return urgencyTable[c]
}
