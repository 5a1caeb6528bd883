// Package classify partitions a manifest's test evidence into tests that
// are already linked to an atom and orphan tests that still need intent.
// Classification is deterministic and never calls inference.
package classify

import (
	"errors"
	"fmt"
	"sort"

	"github.com/jasontalley/pact-sub013/internal/manifest"
)

// Mode selects which evidence is considered.
type Mode string

// Run modes.
const (
	ModeFull  Mode = "full"
	ModeDelta Mode = "delta"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return m == ModeFull || m == ModeDelta }

// ErrNoDelta is returned for delta classification of a manifest that
// carries neither a changed file list nor a diff.
var ErrNoDelta = errors.New("delta mode needs changed files or a diff")

// Options tunes classification.
type Options struct {
	// AtomExists reports whether an atom id is known to the ledger. When
	// nil every link counts as known.
	AtomExists func(atomID string) bool
}

// DanglingLink is a test whose atom links all point at unknown atoms.
type DanglingLink struct {
	Test    manifest.TestEvidence `json:"test"`
	AtomIDs []string              `json:"atomIds"`
}

// Result is a complete partition of the considered evidence.
type Result struct {
	Mode      Mode                    `json:"mode"`
	Annotated []manifest.TestEvidence `json:"annotated"`
	Orphans   []manifest.TestEvidence `json:"orphans"`
	Dangling  []DanglingLink          `json:"dangling,omitempty"`
	// Scope is the changed file set for delta runs.
	Scope []string `json:"scope,omitempty"`
}

// Considered is the number of tests that were partitioned.
func (r *Result) Considered() int { return len(r.Annotated) + len(r.Orphans) }

// OrphanKeys returns the evidence keys of all orphans.
func (r *Result) OrphanKeys() map[string]bool {
	keys := make(map[string]bool, len(r.Orphans))
	for _, t := range r.Orphans {
		keys[t.Key()] = true
	}
	return keys
}

// Classify partitions m's tests. In delta mode only tests in files changed
// since the manifest's base commit are considered, and every one of them
// lands in exactly one side of the partition.
func Classify(m *manifest.RepoManifest, mode Mode, opts Options) (*Result, error) {
	if m == nil {
		return nil, errors.New("manifest is required")
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("unknown mode %q", mode)
	}

	res := &Result{
		Mode:      mode,
		Annotated: []manifest.TestEvidence{},
		Orphans:   []manifest.TestEvidence{},
	}

	var inScope func(path string) bool
	if mode == ModeDelta {
		if len(m.ChangedFiles) == 0 && m.Diff == "" {
			return nil, ErrNoDelta
		}
		changed, err := m.ChangedFileSet()
		if err != nil {
			return nil, err
		}
		set := make(map[string]bool, len(changed))
		for _, f := range changed {
			set[f] = true
		}
		res.Scope = changed
		inScope = func(path string) bool { return set[path] }
	}

	seen := make(map[string]bool, len(m.Tests))
	for _, t := range m.Tests {
		if inScope != nil && !inScope(t.FilePath) {
			continue
		}
		// Duplicate declarations of one key are one piece of evidence.
		if seen[t.Key()] {
			continue
		}
		seen[t.Key()] = true

		if len(t.AtomLinks) == 0 {
			res.Orphans = append(res.Orphans, t)
			continue
		}
		if known(t.AtomLinks, opts.AtomExists) {
			res.Annotated = append(res.Annotated, t)
			continue
		}
		res.Orphans = append(res.Orphans, t)
		res.Dangling = append(res.Dangling, DanglingLink{Test: t, AtomIDs: append([]string(nil), t.AtomLinks...)})
	}

	sortTests(res.Annotated)
	sortTests(res.Orphans)
	sort.Slice(res.Dangling, func(i, j int) bool { return res.Dangling[i].Test.Key() < res.Dangling[j].Test.Key() })
	return res, nil
}

func known(links []string, exists func(string) bool) bool {
	if exists == nil {
		return true
	}
	for _, id := range links {
		if exists(id) {
			return true
		}
	}
	return false
}

func sortTests(ts []manifest.TestEvidence) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].Key() < ts[j].Key() })
}
