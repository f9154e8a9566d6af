package triage

import (
	"math"
	"slices"

	"github.com/Brownie44l1/cxr-api/internal/pathology"
)

// Finding is one class that cleared the threshold.
type Finding struct {
	Class         pathology.Class    `json:"-"`
	Label         string             `json:"label"`
	Score         float64            `json:"score"`
	ConfidencePct float64            `json:"confidence_pct"`
	Severity      pathology.Severity `json:"severity"`
	Urgency       pathology.Urgency  `json:"urgency_tier"`
}

// Case is the ranked result of one inference. An empty Findings slice is a
// valid "nothing detected" case.
type Case struct {
	Findings []Finding         `json:"predictions"`
	Urgency  pathology.Urgency `json:"urgency_tier"`
}

// NewFinding decorates a class probability with its tiers.
func NewFinding(c pathology.Class, p float64) Finding {
	return Finding{
		Class:         c,
		Label:         c.String(),
		Score:         p,
		ConfidencePct: math.Round(p*10000) / 100,
		Severity:      pathology.SeverityOf(p),
		Urgency:       pathology.UrgencyOf(c),
	}
}

// Rank keeps the classes with probability >= threshold and orders them most
// urgent first, then most confident, then by canonical class index.
func Rank(probs [pathology.NumClasses]float64, threshold float64) Case {
	findings := make([]Finding, 0, pathology.NumClasses)
	for i, p := range probs {
		if p >= threshold {
			findings = append(findings, NewFinding(pathology.Class(i), p))
		}
	}
	return Rerank(findings, threshold)
}

// Rerank filters and sorts an existing finding list. Ranking an already
// ranked list with the same threshold returns the same order.
func Rerank(findings []Finding, threshold float64) Case {
	kept := make([]Finding, 0, len(findings))
	for _, f := range findings {
		if f.Score >= threshold {
			kept = append(kept, f)
		}
	}
	slices.SortStableFunc(kept, compareFindings)
	return Case{Findings: kept, Urgency: CaseUrgency(kept)}
}

func compareFindings(a, b Finding) int {
	if pa, pb := a.Urgency.Priority(), b.Urgency.Priority(); pa != pb {
		return pa - pb
	}
	switch {
	case a.Score > b.Score:
		return -1
	case a.Score < b.Score:
		return 1
	}
	return int(a.Class) - int(b.Class)
}

// CaseUrgency is the most urgent tier among findings, routine when empty.
func CaseUrgency(findings []Finding) pathology.Urgency {
	urgency := pathology.UrgencyRoutine
	for _, f := range findings {
		if f.Urgency.Priority() < urgency.Priority() {
			urgency = f.Urgency
		}
	}
	return urgency
}

// Labels lists finding labels in ranked order.
func (c Case) Labels() []string {
	out := make([]string, len(c.Findings))
	for i, f := range c.Findings {
		out[i] = f.Label
	}
	return out
}
