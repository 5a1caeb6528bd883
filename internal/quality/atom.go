// Package quality scores inferred atoms and verifies inferred molecules.
// Everything here is pure: inputs are taken by value or read only, and an
// atom's confidence is never written.
package quality

import (
	"math"
	"regexp"
	"strings"

	"github.com/jasontalley/pact-sub013/internal/config"
	"github.com/jasontalley/pact-sub013/internal/intent"
)

// Decision is the gate's verdict for one atom.
type Decision string

// Atom decisions.
const (
	DecisionApprove Decision = "approve"
	DecisionRevise  Decision = "revise"
	DecisionReject  Decision = "reject"
)

// Thresholds tune the gate.
type Thresholds struct {
	Approve              int `json:"approve"`
	Revise               int `json:"revise"`
	MinCompleteness      int `json:"minCompleteness"`
	MinFit               int `json:"minFit"`
	MinAtomsForCoherence int `json:"minAtomsForCoherence"`
	MaxCategories        int `json:"maxCategories"`
}

// DefaultThresholds returns the stock thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Approve:              80,
		Revise:               60,
		MinCompleteness:      60,
		MinFit:               60,
		MinAtomsForCoherence: 2,
		MaxCategories:        2,
	}
}

// ThresholdsFromConfig maps the quality config section. Zero values fall
// back to the defaults.
func ThresholdsFromConfig(c config.QualityConfig) Thresholds {
	t := DefaultThresholds()
	if c.ApproveThreshold > 0 {
		t.Approve = c.ApproveThreshold
	}
	if c.ReviseThreshold > 0 {
		t.Revise = c.ReviseThreshold
	}
	if c.MinCompleteness > 0 {
		t.MinCompleteness = c.MinCompleteness
	}
	if c.MinFit > 0 {
		t.MinFit = c.MinFit
	}
	if c.MinAtomsForCoherence > 0 {
		t.MinAtomsForCoherence = c.MinAtomsForCoherence
	}
	if c.MaxCategories > 0 {
		t.MaxCategories = c.MaxCategories
	}
	return t
}

// AtomBreakdown is the per-dimension score of an atom.
type AtomBreakdown struct {
	Description int `json:"description"` // 0-25
	Outcomes    int `json:"outcomes"`    // 0-25
	Grounding   int `json:"grounding"`   // 0-25
	Category    int `json:"category"`    // 0-10
	Reasoning   int `json:"reasoning"`   // 0-15
}

// Total sums the breakdown.
func (b AtomBreakdown) Total() int {
	return b.Description + b.Outcomes + b.Grounding + b.Category + b.Reasoning
}

// AtomVerdict is the result of ScoreAtom.
type AtomVerdict struct {
	TempID    string        `json:"tempId"`
	Score     int           `json:"score"`
	Decision  Decision      `json:"decision"`
	Breakdown AtomBreakdown `json:"breakdown"`
	Issues    []string      `json:"issues,omitempty"`
}

var vagueTerms = []string{
	"works", "properly", "correctly", "handles", "appropriately", "as expected",
	"etc", "stuff", "things", "various", "somehow", "should work", "and so on",
}

var wordRe = regexp.MustCompile(`[A-Za-z0-9_']+`)

// VagueTerms returns the untestable filler phrases found in text.
func VagueTerms(text string) []string {
	lower := " " + strings.ToLower(text) + " "
	var found []string
	for _, term := range vagueTerms {
		if containsWord(lower, term) {
			found = append(found, term)
		}
	}
	return found
}

func containsWord(padded, term string) bool {
	idx := 0
	for {
		i := strings.Index(padded[idx:], term)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(term)
		if !isWordByte(padded[start-1]) && (end >= len(padded) || !isWordByte(padded[end])) {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}

func wordCount(s string) int {
	return len(wordRe.FindAllString(s, -1))
}

// ScoreAtom scores a on a 0-100 scale and derives a decision from t.
func ScoreAtom(a intent.InferredAtom, t Thresholds) AtomVerdict {
	var b AtomBreakdown
	var issues []string

	switch words := wordCount(a.Description); {
	case words == 0:
		issues = append(issues, "description is empty")
	case words >= 4:
		b.Description = 25
	case words >= 2:
		b.Description = 15
	default:
		b.Description = 5
		issues = append(issues, "description is a single word")
	}
	if vague := VagueTerms(a.Description); len(vague) > 0 && b.Description > 0 {
		b.Description = max(0, b.Description-10*len(vague))
		issues = append(issues, "description uses vague wording: "+strings.Join(vague, ", "))
	}

	outcomes := 0
	for _, o := range a.ObservableOutcomes {
		if strings.TrimSpace(o) != "" {
			outcomes++
		}
	}
	b.Outcomes = int(math.Round(25 * math.Min(1, float64(outcomes)/2)))
	if outcomes == 0 {
		issues = append(issues, "no observable outcomes")
	}

	for _, ref := range a.SourceEvidence {
		if strings.TrimSpace(ref) != "" {
			b.Grounding = 15
			break
		}
	}
	if b.Grounding == 0 {
		issues = append(issues, "no source evidence")
	}
	if a.SourceTest.FilePath != "" && a.SourceTest.TestName != "" {
		b.Grounding += 10
	} else {
		issues = append(issues, "source test is incomplete")
	}

	if a.Category.Valid() {
		b.Category = 10
	} else {
		issues = append(issues, "unknown category")
	}

	switch words := wordCount(a.Reasoning); {
	case words >= 5:
		b.Reasoning = 15
	case words > 0:
		b.Reasoning = 8
	default:
		issues = append(issues, "no reasoning")
	}

	score := b.Total()
	return AtomVerdict{
		TempID:    a.TempID,
		Score:     score,
		Decision:  decide(score, t),
		Breakdown: b,
		Issues:    issues,
	}
}

func decide(score int, t Thresholds) Decision {
	switch {
	case score >= t.Approve:
		return DecisionApprove
	case score >= t.Revise:
		return DecisionRevise
	default:
		return DecisionReject
	}
}
