// Package intent holds the intent-atom data model: transient inference
// candidates, persisted atoms, molecules and the canonical snapshots that
// get frozen into commitments.
package intent

import (
	"fmt"
	"time"
)

// AtomStatus is the lifecycle state of a persisted atom.
type AtomStatus string

// Atom status constants.
const (
	AtomDraft      AtomStatus = "draft"
	AtomCommitted  AtomStatus = "committed"
	AtomSuperseded AtomStatus = "superseded"
)

// Category classifies the kind of behavior an atom describes.
type Category string

// Category constants.
const (
	CategoryFunctional      Category = "functional"
	CategoryPerformance     Category = "performance"
	CategorySecurity        Category = "security"
	CategoryReliability     Category = "reliability"
	CategoryUsability       Category = "usability"
	CategoryMaintainability Category = "maintainability"
)

// validCategories defines allowed values for Category.
var validCategories = map[Category]bool{
	CategoryFunctional:      true,
	CategoryPerformance:     true,
	CategorySecurity:        true,
	CategoryReliability:     true,
	CategoryUsability:       true,
	CategoryMaintainability: true,
}

// Valid reports whether c is a recognized category.
func (c Category) Valid() bool { return validCategories[c] }

// DegradedMoleculeName is the sentinel name given to molecules that fail
// verification. Their atom references are kept untouched.
const DegradedMoleculeName = "Unnamed Cluster"

// TestRef points at a single test in the repository.
type TestRef struct {
	FilePath string `json:"filePath"`
	TestName string `json:"testName"`
	Line     int    `json:"line,omitempty"`
}

// Key returns the evidence key for the test ("path::name").
func (r TestRef) Key() string {
	return TestKey(r.FilePath, r.TestName)
}

// TestKey builds the canonical evidence key for a test.
func TestKey(filePath, testName string) string {
	return filePath + "::" + testName
}

// InferredAtom is a candidate atom produced by the inference adapter. It
// only lives inside a reconciliation run.
//
// Confidence is assigned once by the inference adapter; everything
// downstream treats it as read-only.
type InferredAtom struct {
	TempID             string   `json:"tempId"`
	Description        string   `json:"description"`
	Category           Category `json:"category"`
	SourceTest         TestRef  `json:"sourceTest"`
	ObservableOutcomes []string `json:"observableOutcomes"`
	Confidence         float64  `json:"confidence"`
	Reasoning          string   `json:"reasoning"`
	SourceEvidence     []string `json:"sourceEvidence"`
}

// InferredMolecule is a candidate grouping of inferred atoms.
type InferredMolecule struct {
	TempID        string   `json:"tempId"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	AtomTempIDs   []string `json:"atomTempIds"`
	Confidence    float64  `json:"confidence"`
	Reasoning     string   `json:"reasoning"`
	ParentTempID  string   `json:"parentTempId,omitempty"`
	Degraded      bool     `json:"degraded,omitempty"`
	DegradeReason string   `json:"degradeReason,omitempty"`
}

// Degrade returns the placeholder variant of m: sentinel name, zero
// confidence, identical atom references. m itself is not modified.
func (m InferredMolecule) Degrade(reason string) InferredMolecule {
	ids := make([]string, len(m.AtomTempIDs))
	copy(ids, m.AtomTempIDs)
	return InferredMolecule{
		TempID:        m.TempID,
		Name:          DegradedMoleculeName,
		Description:   m.Description,
		AtomTempIDs:   ids,
		Confidence:    0,
		Reasoning:     m.Reasoning,
		ParentTempID:  m.ParentTempID,
		Degraded:      true,
		DegradeReason: reason,
	}
}

// Atom is a persisted intent atom.
type Atom struct {
	ID                 string
	Description        string
	Category           Category
	Status             AtomStatus
	ObservableOutcomes []string
	Confidence         float64
	SourceTest         TestRef
	SourceEvidence     []string
	Origin             Origin
	RunID              string
	TempID             string
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Molecule is a persisted molecule.
type Molecule struct {
	ID          string
	Name        string
	Description string
	AtomIDs     []string
	Confidence  float64
	ParentID    string
	Degraded    bool
	RunID       string
	CreatedAt   time.Time
}

// CanonicalAtomSnapshot is the frozen form of an atom inside a commitment.
type CanonicalAtomSnapshot struct {
	AtomID             string   `json:"atomId"`
	Description        string   `json:"description"`
	Category           Category `json:"category"`
	ObservableOutcomes []string `json:"observableOutcomes"`
	Confidence         float64  `json:"confidence"`
	SourceTest         TestRef  `json:"sourceTest"`
	Origin             string   `json:"origin"`
	Version            int64    `json:"version"`
}

// Snapshot freezes a into its canonical form.
func (a *Atom) Snapshot() CanonicalAtomSnapshot {
	outcomes := make([]string, len(a.ObservableOutcomes))
	copy(outcomes, a.ObservableOutcomes)
	origin := ""
	if a.Origin != nil {
		origin = string(a.Origin.Kind())
	}
	return CanonicalAtomSnapshot{
		AtomID:             a.ID,
		Description:        a.Description,
		Category:           a.Category,
		ObservableOutcomes: outcomes,
		Confidence:         a.Confidence,
		SourceTest:         a.SourceTest,
		Origin:             origin,
		Version:            a.Version,
	}
}

// FormatAtomID renders the display id for the n-th atom.
func FormatAtomID(n int64) string {
	return fmt.Sprintf("IA-%03d", n)
}
