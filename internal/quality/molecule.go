package quality

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/jasontalley/pact-sub013/internal/intent"
)

// Action is the recommended follow-up for a molecule.
type Action string

// Molecule actions, in decreasing priority.
const (
	ActionMerge  Action = "merge"
	ActionSplit  Action = "split"
	ActionRename Action = "rename"
	ActionAccept Action = "accept"
)

// MoleculeResult is the verification outcome for one molecule. Molecule is
// always the input as given; DegradedMolecule is set only when Passes is
// false.
type MoleculeResult struct {
	Molecule          intent.InferredMolecule  `json:"molecule"`
	Passes            bool                     `json:"passes"`
	CompletenessScore int                      `json:"completenessScore"`
	FitScore          int                      `json:"fitScore"`
	RecommendedAction Action                   `json:"recommendedAction"`
	Issues            []string                 `json:"issues,omitempty"`
	DegradedMolecule  *intent.InferredMolecule `json:"degradedMolecule,omitempty"`
}

// Output is the molecule that continues down the pipeline.
func (r MoleculeResult) Output() intent.InferredMolecule {
	if r.DegradedMolecule != nil {
		return *r.DegradedMolecule
	}
	return r.Molecule
}

var genericNames = map[string]bool{
	"misc": true, "miscellaneous": true, "general": true, "other": true, "others": true,
	"various": true, "stuff": true, "common": true, "utils": true, "utilities": true,
	"helpers": true, "tests": true, "features": true, "untitled": true, "unnamed": true,
}

var numberedName = regexp.MustCompile(`^(group|cluster|molecule|feature|story|set)\s*#?\d*$`)

// IsGenericName reports whether name says nothing about the behavior it
// groups.
func IsGenericName(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" || n == strings.ToLower(intent.DegradedMoleculeName) {
		return true
	}
	return genericNames[n] || numberedName.MatchString(n)
}

// VerifyMolecule checks m against the atoms it references. atoms is read
// only.
func VerifyMolecule(m intent.InferredMolecule, atoms []intent.InferredAtom, t Thresholds) MoleculeResult {
	return verifyMolecule(m, indexAtoms(atoms), t)
}

func indexAtoms(atoms []intent.InferredAtom) map[string]*intent.InferredAtom {
	byID := make(map[string]*intent.InferredAtom, len(atoms))
	for i := range atoms {
		byID[atoms[i].TempID] = &atoms[i]
	}
	return byID
}

func verifyMolecule(m intent.InferredMolecule, byID map[string]*intent.InferredAtom, t Thresholds) MoleculeResult {
	res := MoleculeResult{Molecule: m}

	seen := make(map[string]bool, len(m.AtomTempIDs))
	categories := make(map[intent.Category]int)
	resolved := 0
	for _, id := range m.AtomTempIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if a, ok := byID[id]; ok {
			resolved++
			categories[a.Category]++
		}
	}
	distinct := len(seen)
	if distinct > resolved {
		res.Issues = append(res.Issues, fmt.Sprintf("%d atom reference(s) do not resolve", distinct-resolved))
	}

	genericName := IsGenericName(m.Name)
	genericDesc := wordCount(m.Description) < 3

	completeness := 0.0
	if distinct > 0 {
		completeness += 40 * float64(resolved) / float64(distinct)
	}
	coherence := max(1, t.MinAtomsForCoherence)
	completeness += 30 * math.Min(1, float64(resolved)/float64(coherence))
	if !genericDesc {
		completeness += 15
	}
	if !genericName {
		completeness += 15
	}
	res.CompletenessScore = int(math.Round(completeness))

	dominant := 0
	for _, n := range categories {
		dominant = max(dominant, n)
	}
	if resolved > 0 {
		res.FitScore = int(math.Round(100 * float64(dominant) / float64(resolved)))
	}

	tooSmall := resolved < t.MinAtomsForCoherence
	tooBroad := t.MaxCategories > 0 && len(categories) > t.MaxCategories
	if tooSmall {
		res.Issues = append(res.Issues, fmt.Sprintf("%d atom(s), below the coherence minimum of %d", resolved, t.MinAtomsForCoherence))
	}
	if tooBroad {
		res.Issues = append(res.Issues, fmt.Sprintf("spans %d categories, above the maximum of %d", len(categories), t.MaxCategories))
	}
	if res.CompletenessScore < t.MinCompleteness {
		res.Issues = append(res.Issues, fmt.Sprintf("completeness %d below %d", res.CompletenessScore, t.MinCompleteness))
	}
	if res.FitScore < t.MinFit {
		res.Issues = append(res.Issues, fmt.Sprintf("fit %d below %d", res.FitScore, t.MinFit))
	}

	res.Passes = !tooSmall && !tooBroad &&
		res.CompletenessScore >= t.MinCompleteness && res.FitScore >= t.MinFit

	switch {
	case tooSmall:
		res.RecommendedAction = ActionMerge
	case tooBroad:
		res.RecommendedAction = ActionSplit
	case genericName || genericDesc:
		res.RecommendedAction = ActionRename
	default:
		res.RecommendedAction = ActionAccept
	}

	if !res.Passes {
		d := m.Degrade(strings.Join(res.Issues, "; "))
		res.DegradedMolecule = &d
	}
	return res
}

// BatchResult is the outcome of VerifyMolecules. Results and Molecules are
// index-aligned with the input.
type BatchResult struct {
	Results        []MoleculeResult          `json:"results"`
	Molecules      []intent.InferredMolecule `json:"molecules"`
	TotalMolecules int                       `json:"totalMolecules"`
	PassedCount    int                       `json:"passedCount"`
	DegradedCount  int                       `json:"degradedCount"`
	ByAction       map[Action]int            `json:"byAction,omitempty"`
}

// VerifyMolecules verifies every molecule. The output always has exactly
// one molecule per input molecule.
func VerifyMolecules(molecules []intent.InferredMolecule, atoms []intent.InferredAtom, t Thresholds) BatchResult {
	byID := indexAtoms(atoms)
	out := BatchResult{
		Results:        make([]MoleculeResult, len(molecules)),
		Molecules:      make([]intent.InferredMolecule, len(molecules)),
		TotalMolecules: len(molecules),
		ByAction:       make(map[Action]int),
	}
	for i, m := range molecules {
		r := verifyMolecule(m, byID, t)
		out.Results[i] = r
		out.Molecules[i] = r.Output()
		out.ByAction[r.RecommendedAction]++
		if r.Passes {
			out.PassedCount++
		} else {
			out.DegradedCount++
		}
	}
	return out
}

// Actions lists the recommended actions present in b, in priority order.
func (b BatchResult) Actions() []Action {
	var out []Action
	for a := range b.ByAction {
		out = append(out, a)
	}
	rank := map[Action]int{ActionMerge: 0, ActionSplit: 1, ActionRename: 2, ActionAccept: 3}
	sort.Slice(out, func(i, j int) bool { return rank[out[i]] < rank[out[j]] })
	return out
}
