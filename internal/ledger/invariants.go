package ledger

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jasontalley/pact-sub013/internal/config"
	"github.com/jasontalley/pact-sub013/internal/intent"
	"github.com/jasontalley/pact-sub013/internal/quality"
)

// Severity of an invariant check.
type Severity string

// Severities. Failing error checks block a commit.
const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// CheckResult is the outcome of one invariant for one commit attempt.
type CheckResult struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Severity Severity `json:"severity"`
	Passed   bool     `json:"passed"`
	Message  string   `json:"message,omitempty"`
	AtomIDs  []string `json:"atomIds,omitempty"`
}

func (c CheckResult) String() string {
	if c.Message == "" {
		return c.ID
	}
	return c.ID + ": " + c.Message
}

// checkInput is everything an invariant may look at.
type checkInput struct {
	requested []string
	atoms     map[string]*intent.Atom
	// members of the commitment being superseded; nil for a fresh commit
	members       map[string]bool
	committed     []*intent.Atom
	minConfidence float64
}

type invariant struct {
	id   string
	name string
	// structural invariants describe writes the store cannot perform;
	// an override justification does not lift them.
	structural bool
	eval       func(in *checkInput) (failing []string, msg string)
}

var invariants = []invariant{
	{
		id: "INV-001", name: "atoms exist", structural: true,
		eval: func(in *checkInput) ([]string, string) {
			var missing []string
			for _, id := range in.requested {
				if in.atoms[id] == nil {
					missing = append(missing, id)
				}
			}
			return missing, "unknown atom(s)"
		},
	},
	{
		id: "INV-002", name: "atoms committable", structural: true,
		eval: func(in *checkInput) ([]string, string) {
			var bad []string
			for _, id := range in.requested {
				a := in.atoms[id]
				if a == nil {
					continue
				}
				if a.Status == intent.AtomDraft {
					continue
				}
				if a.Status == intent.AtomCommitted && in.members[id] {
					continue
				}
				bad = append(bad, id)
			}
			return bad, "atom(s) already committed or superseded"
		},
	},
	{
		id: "INV-003", name: "observable outcomes present",
		eval: eachAtom(func(a *intent.Atom) bool {
			for _, o := range a.ObservableOutcomes {
				if strings.TrimSpace(o) != "" {
					return true
				}
			}
			return false
		}, "atom(s) without observable outcomes"),
	},
	{
		id: "INV-004", name: "testable wording",
		eval: eachAtom(func(a *intent.Atom) bool {
			return len(quality.VagueTerms(a.Description)) == 0
		}, "atom(s) with vague wording"),
	},
	{
		id: "INV-005", name: "confidence minimum",
		eval: func(in *checkInput) ([]string, string) {
			var low []string
			for _, id := range in.requested {
				if a := in.atoms[id]; a != nil && a.Confidence < in.minConfidence {
					low = append(low, id)
				}
			}
			return low, fmt.Sprintf("atom(s) below confidence %.2f", in.minConfidence)
		},
	},
	{
		id: "INV-006", name: "no duplicate descriptions",
		eval: func(in *checkInput) ([]string, string) {
			seen := make(map[string]string)
			for _, a := range in.committed {
				if !in.members[a.ID] {
					seen[normalize(a.Description)] = a.ID
				}
			}
			var dup []string
			for _, id := range in.requested {
				a := in.atoms[id]
				if a == nil {
					continue
				}
				key := normalize(a.Description)
				if other, ok := seen[key]; ok && other != id {
					dup = append(dup, id)
					continue
				}
				seen[key] = id
			}
			return dup, "atom(s) duplicate an existing description"
		},
	},
	{
		id: "INV-007", name: "linked source test",
		eval: eachAtom(func(a *intent.Atom) bool {
			return a.SourceTest.FilePath != "" && a.SourceTest.TestName != ""
		}, "atom(s) without a source test"),
	},
}

func eachAtom(ok func(a *intent.Atom) bool, msg string) func(in *checkInput) ([]string, string) {
	return func(in *checkInput) ([]string, string) {
		var failing []string
		for _, id := range in.requested {
			if a := in.atoms[id]; a != nil && !ok(a) {
				failing = append(failing, id)
			}
		}
		return failing, msg
	}
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// evaluation splits the enabled checks by outcome.
type evaluation struct {
	checks   []CheckResult
	blocking []CheckResult
	warnings []CheckResult
	// structural blocking failures cannot be overridden
	structural []CheckResult
}

func evaluate(rules map[string]config.InvariantRule, in *checkInput) *evaluation {
	ev := &evaluation{checks: []CheckResult{}}
	for _, inv := range invariants {
		rule, ok := rules[inv.id]
		if !ok {
			rule = config.DefaultInvariantRules()[inv.id]
		}
		if !rule.Enabled && !inv.structural {
			continue
		}
		sev := Severity(rule.Severity)
		if inv.structural {
			sev = SeverityError
		}

		failing, msg := inv.eval(in)
		sort.Strings(failing)
		res := CheckResult{ID: inv.id, Name: inv.name, Severity: sev, Passed: len(failing) == 0}
		if !res.Passed {
			res.Message = fmt.Sprintf("%s: %s", msg, strings.Join(failing, ", "))
			res.AtomIDs = failing
		}
		ev.checks = append(ev.checks, res)

		switch {
		case res.Passed:
		case sev == SeverityError:
			ev.blocking = append(ev.blocking, res)
			if inv.structural {
				ev.structural = append(ev.structural, res)
			}
		default:
			ev.warnings = append(ev.warnings, res)
		}
	}
	return ev
}

func describe(results []CheckResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.String()
	}
	return out
}
