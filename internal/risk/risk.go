// Package risk converts validation findings and structural code metrics into
// a deterministic 0-100 risk score and coarse tier. Assessment is a pure
// function: no I/O, no clock, identical inputs always produce identical
// output so scores are reproducible from the audit trail.
package risk

import (
	"regexp"

	"secure-agent-exec/internal/artifact"
	"secure-agent-exec/internal/validator"
)

// Tier is the coarse risk bucket driving sandbox and approval policy.
type Tier int

const (
	TierLow Tier = iota
	TierMedium
	TierHigh
)

func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMedium:
		return "medium"
	case TierHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Tier thresholds.
const (
	mediumThreshold = 40
	highThreshold   = 70
)

// Severity weights. Each severity class's total contribution is capped so a
// flood of low findings cannot crowd out the signal from a single critical.
var severityWeights = map[validator.Severity]struct{ weight, cap int }{
	validator.SeverityCritical: {40, 80},
	validator.SeverityHigh:     {20, 60},
	validator.SeverityMedium:   {8, 32},
	validator.SeverityLow:      {2, 10},
}

// rawNetworkCall matches direct network primitives not behind an approved
// wrapper. A match adds a structural penalty on top of any finding weight.
var rawNetworkCall = regexp.MustCompile(`\b(socket\s*\(|net\.Dial|http\.Get|fetch\s*\(|urlopen\s*\()`)

// branchKeyword is a cheap cyclomatic-complexity proxy.
var branchKeyword = regexp.MustCompile(`\b(if|for|while|case|catch|except)\b`)

// Assessment is the scored outcome of validating one artifact.
type Assessment struct {
	Score    int                 `json:"score"`
	Tier     Tier                `json:"tier"`
	Findings []validator.Finding `json:"findings"`
}

// Assess scores an artifact from its findings plus structural metrics.
// Repeated findings for the same pattern at different locations all count:
// repetition of a dangerous pattern is itself a risk signal.
func Assess(art artifact.Artifact, findings []validator.Finding) Assessment {
	perSeverity := make(map[validator.Severity]int, len(severityWeights))
	hasCritical := false

	for _, f := range findings {
		w, ok := severityWeights[f.Severity]
		if !ok {
			continue
		}
		if perSeverity[f.Severity]+w.weight <= w.cap {
			perSeverity[f.Severity] += w.weight
		} else {
			perSeverity[f.Severity] = w.cap
		}
		if f.Severity == validator.SeverityCritical {
			hasCritical = true
		}
	}

	score := 0
	for _, contribution := range perSeverity {
		score += contribution
	}
	score += structuralScore(art)

	// A critical finding means the artifact can subvert the host regardless
	// of how small the rest of the score is: floor it into the high tier.
	if hasCritical && score < highThreshold {
		score = highThreshold
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}

	return Assessment{
		Score:    score,
		Tier:     TierForScore(score),
		Findings: findings,
	}
}

// TierForScore maps a score to its tier. Kept separate so the mapping is
// testable as the pure function it is required to be.
func TierForScore(score int) Tier {
	switch {
	case score >= highThreshold:
		return TierHigh
	case score >= mediumThreshold:
		return TierMedium
	default:
		return TierLow
	}
}

func structuralScore(art artifact.Artifact) int {
	score := 0

	if rawNetworkCall.MatchString(art.Source) {
		score += 10
	}

	if lines := art.LineCount(); lines > 200 {
		score += 10
	} else if lines > 100 {
		score += 5
	}

	if branches := len(branchKeyword.FindAllStringIndex(art.Source, -1)); branches > 30 {
		score += 10
	} else if branches > 15 {
		score += 5
	}

	return score
}
