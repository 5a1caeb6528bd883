// Package drift tracks the discrepancies between the commitment ledger and
// what a repository's manifest says is actually there.
//
// Detection is pure: Detect turns one observation of manifest plus ledger
// into a sorted, deduplicated list of discrepancies. Engine.Apply folds
// such a list into the persisted drift items of a project.
package drift

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jasontalley/pact-sub013/internal/classify"
	"github.com/jasontalley/pact-sub013/internal/intent"
	"github.com/jasontalley/pact-sub013/internal/manifest"
)

// Type is a drift category.
type Type string

// Drift types.
const (
	TypeOrphanTest        Type = "orphan_test"
	TypeCommitmentBacklog Type = "commitment_backlog"
	TypeStaleCoupling     Type = "stale_coupling"
	TypeUncoveredCode     Type = "uncovered_code"
)

// Types lists every drift type in report order.
var Types = []Type{TypeStaleCoupling, TypeOrphanTest, TypeCommitmentBacklog, TypeUncoveredCode}

// Discrepancy is one observed gap between ledger and implementation.
type Discrepancy struct {
	Type     Type   `json:"driftType"`
	FilePath string `json:"filePath"`
	TestName string `json:"testName,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Key is the deduplication key of a discrepancy while open.
func (d Discrepancy) Key() string { return key(d.FilePath, d.TestName, string(d.Type)) }

func key(file, test, typ string) string { return intent.TestKey(file, test) + "/" + typ }

// Observation is everything detection looks at.
type Observation struct {
	Manifest       *manifest.RepoManifest
	Classification *classify.Result
	// Atoms is every atom of the project, any status.
	Atoms []*intent.Atom
	// CoverageFloor in percent; zero disables uncovered_code.
	CoverageFloor float64
}

// Detect lists the discrepancies in o. For a delta classification only
// discrepancies inside the changed file set are reported.
func Detect(o Observation) []Discrepancy {
	if o.Manifest == nil || o.Classification == nil {
		return nil
	}
	var scope map[string]bool
	if o.Classification.Mode == classify.ModeDelta {
		scope = make(map[string]bool, len(o.Classification.Scope))
		for _, f := range o.Classification.Scope {
			scope[f] = true
		}
	}

	byID := make(map[string]*intent.Atom, len(o.Atoms))
	for _, a := range o.Atoms {
		byID[a.ID] = a
	}

	var out []Discrepancy
	add := func(d Discrepancy) {
		if scope != nil && !scope[d.FilePath] {
			return
		}
		out = append(out, d)
	}

	dangling := make(map[string]bool, len(o.Classification.Dangling))
	for _, dl := range o.Classification.Dangling {
		dangling[dl.Test.Key()] = true
		add(Discrepancy{
			Type: TypeStaleCoupling, FilePath: dl.Test.FilePath, TestName: dl.Test.TestName,
			Detail: "linked to unknown atom(s) " + strings.Join(dl.AtomIDs, ", "),
		})
	}
	for _, t := range o.Classification.Orphans {
		if dangling[t.Key()] {
			continue
		}
		add(Discrepancy{Type: TypeOrphanTest, FilePath: t.FilePath, TestName: t.TestName, Detail: "test has no linked atom"})
	}

	for _, t := range o.Classification.Annotated {
		var superseded []string
		for _, id := range t.AtomLinks {
			if a := byID[id]; a != nil && a.Status == intent.AtomSuperseded {
				superseded = append(superseded, id)
			}
		}
		if len(superseded) > 0 {
			add(Discrepancy{
				Type: TypeStaleCoupling, FilePath: t.FilePath, TestName: t.TestName,
				Detail: "linked to superseded atom(s) " + strings.Join(superseded, ", "),
			})
		}
	}

	evidence := o.Manifest.EvidenceIndex()
	backlog := make(map[string]*Discrepancy)
	backlogIDs := make(map[string][]string)
	for _, a := range o.Atoms {
		switch a.Status {
		case intent.AtomCommitted:
			if a.SourceTest.TestName != "" && !evidence[a.SourceTest.Key()] {
				add(Discrepancy{
					Type: TypeStaleCoupling, FilePath: a.SourceTest.FilePath, TestName: a.SourceTest.TestName,
					Detail: fmt.Sprintf("source test of committed atom %s no longer exists", a.ID),
				})
			}
		case intent.AtomDraft:
			test := a.SourceTest.TestName
			if test == "" {
				test = a.ID
			}
			d := Discrepancy{Type: TypeCommitmentBacklog, FilePath: a.SourceTest.FilePath, TestName: test}
			k := d.Key()
			if backlog[k] == nil {
				backlog[k] = &d
			}
			backlogIDs[k] = append(backlogIDs[k], a.ID)
		}
	}
	for k, d := range backlog {
		ids := backlogIDs[k]
		sort.Strings(ids)
		d.Detail = "draft atom(s) awaiting commitment: " + strings.Join(ids, ", ")
		add(*d)
	}

	if o.CoverageFloor > 0 {
		for _, c := range o.Manifest.Coverage {
			if c.Percent < o.CoverageFloor {
				add(Discrepancy{
					Type: TypeUncoveredCode, FilePath: c.FilePath,
					Detail: fmt.Sprintf("coverage %.1f%% below floor %.1f%%", c.Percent, o.CoverageFloor),
				})
			}
		}
	}

	return dedupe(out)
}

// dedupe sorts by key and keeps the first discrepancy per key, merging
// details of later duplicates.
func dedupe(in []Discrepancy) []Discrepancy {
	sort.SliceStable(in, func(i, j int) bool { return in[i].Key() < in[j].Key() })
	out := make([]Discrepancy, 0, len(in))
	for _, d := range in {
		if n := len(out); n > 0 && out[n-1].Key() == d.Key() {
			if d.Detail != "" && !strings.Contains(out[n-1].Detail, d.Detail) {
				out[n-1].Detail += "; " + d.Detail
			}
			continue
		}
		out = append(out, d)
	}
	return out
}
