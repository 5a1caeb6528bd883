// Package manifest defines the repository manifest consumed by
// reconciliation runs: a deterministic evidence inventory for one
// (project, commit) pair. Building manifests is delegated to a Builder;
// Cache memoises builds through the store.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/jasontalley/pact-sub013/internal/apperr"
	"github.com/jasontalley/pact-sub013/internal/intent"
)

// Status values. Only complete manifests are stored.
const (
	StatusComplete = "complete"
)

// Source is the root evidence a run is started from. Exactly one of
// Path, Files or RemoteRef must be set.
type Source struct {
	ProjectID  string            `json:"projectId" validate:"required"`
	CommitHash string            `json:"commitHash,omitempty"`
	BaseCommit string            `json:"baseCommit,omitempty"`
	Path       string            `json:"path,omitempty"`
	Files      map[string]string `json:"files,omitempty"`
	RemoteRef  string            `json:"remoteRef,omitempty"`
	// Diff is an optional unified diff against BaseCommit for delta runs.
	Diff string `json:"diff,omitempty"`
}

// Kind names which root the source uses.
func (s Source) Kind() string {
	switch {
	case s.Path != "":
		return "path"
	case len(s.Files) > 0:
		return "files"
	case s.RemoteRef != "":
		return "remote"
	default:
		return ""
	}
}

// Validate checks that the source names a single root.
func (s Source) Validate() error {
	var errs apperr.ValidationErrors
	if s.ProjectID == "" {
		errs = append(errs, apperr.ValidationError{Field: "source.projectid", Message: "is required"})
	}
	n := 0
	if s.Path != "" {
		n++
	}
	if len(s.Files) > 0 {
		n++
	}
	if s.RemoteRef != "" {
		n++
	}
	switch {
	case n == 0:
		errs = append(errs, apperr.ValidationError{Field: "source", Message: "one of path, files or remoteRef is required"})
	case n > 1:
		errs = append(errs, apperr.ValidationError{Field: "source", Message: "only one of path, files or remoteRef may be set"})
	}
	return errs.OrNil()
}

// TestEvidence is one test found in the repository. AtomLinks holds the
// atom ids the test is annotated with.
type TestEvidence struct {
	FilePath  string   `json:"filePath"`
	TestName  string   `json:"testName"`
	Line      int      `json:"line,omitempty"`
	AtomLinks []string `json:"atomLinks,omitempty"`
	Body      string   `json:"body,omitempty"`
}

// Ref returns the test's reference.
func (t TestEvidence) Ref() intent.TestRef {
	return intent.TestRef{FilePath: t.FilePath, TestName: t.TestName, Line: t.Line}
}

// Key returns the test's evidence key.
func (t TestEvidence) Key() string { return intent.TestKey(t.FilePath, t.TestName) }

// SourceExport is an exported symbol of a source file.
type SourceExport struct {
	FilePath string `json:"filePath"`
	Symbol   string `json:"symbol"`
}

// FileCoverage is line coverage for one source file, in percent.
type FileCoverage struct {
	FilePath string  `json:"filePath"`
	Percent  float64 `json:"percent"`
}

// RepoManifest is the evidence snapshot for (ProjectID, CommitHash).
type RepoManifest struct {
	ManifestID     string             `json:"manifestId,omitempty"`
	ProjectID      string             `json:"projectId"`
	CommitHash     string             `json:"commitHash"`
	BaseCommit     string             `json:"baseCommit,omitempty"`
	Status         string             `json:"status,omitempty"`
	Files          []string           `json:"files"`
	Languages      map[string]int     `json:"languages,omitempty"`
	Tests          []TestEvidence     `json:"tests"`
	Exports        []SourceExport     `json:"exports,omitempty"`
	Coverage       []FileCoverage     `json:"coverage,omitempty"`
	DomainConcepts []string           `json:"domainConcepts,omitempty"`
	Health         map[string]float64 `json:"health,omitempty"`
	ChangedFiles   []string           `json:"changedFiles,omitempty"`
	Diff           string             `json:"diff,omitempty"`
}

// HasFile reports whether path is part of the manifest's file list.
func (m *RepoManifest) HasFile(path string) bool {
	for _, f := range m.Files {
		if f == path {
			return true
		}
	}
	for _, t := range m.Tests {
		if t.FilePath == path {
			return true
		}
	}
	return false
}

// EvidenceIndex returns every resolvable evidence reference: file paths
// and test keys.
func (m *RepoManifest) EvidenceIndex() map[string]bool {
	idx := make(map[string]bool, len(m.Files)+2*len(m.Tests))
	for _, f := range m.Files {
		idx[f] = true
	}
	for _, t := range m.Tests {
		idx[t.FilePath] = true
		idx[t.Key()] = true
	}
	return idx
}

// ChangedFileSet returns the files changed since BaseCommit. ChangedFiles
// wins when present; otherwise Diff is parsed.
func (m *RepoManifest) ChangedFileSet() ([]string, error) {
	if len(m.ChangedFiles) > 0 {
		out := append([]string(nil), m.ChangedFiles...)
		sort.Strings(out)
		return out, nil
	}
	if m.Diff == "" {
		return nil, nil
	}
	return ChangedFiles([]byte(m.Diff))
}

// Encode serialises m for storage. Stored content never carries the
// manifest id, which is assigned by the store.
func Encode(m *RepoManifest) ([]byte, error) {
	cp := *m
	cp.ManifestID = ""
	data, err := json.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return data, nil
}

// Decode parses stored manifest content.
func Decode(data []byte) (*RepoManifest, error) {
	var m RepoManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// Builder produces a manifest for a source. Implementations must be
// deterministic for a given commit and honour ctx cancellation.
type Builder interface {
	Build(ctx context.Context, src Source) (*RepoManifest, error)
}

// SourceChecker is implemented by builders that handle only some source
// kinds, so unsupported sources are refused before a run is queued.
type SourceChecker interface {
	CheckSource(src Source) error
}

// BuilderFunc adapts a function to Builder.
type BuilderFunc func(ctx context.Context, src Source) (*RepoManifest, error)

// Build calls f.
func (f BuilderFunc) Build(ctx context.Context, src Source) (*RepoManifest, error) {
	return f(ctx, src)
}
