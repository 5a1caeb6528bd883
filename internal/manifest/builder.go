package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/jasontalley/pact-sub013/internal/apperr"
)

// ManifestFileName is the file FileBuilder reads when Source.Path is a
// directory.
const ManifestFileName = "pact-manifest.json"

// CoverageFileName is an optional entry of a file map holding per-file
// coverage percentages as a JSON object.
const CoverageFileName = "coverage.json"

// maxBodyLines caps how much of a test body is kept as evidence.
const maxBodyLines = 60

// ErrRemoteUnsupported is returned for remote sources; those need a
// builder that can fetch repositories.
var ErrRemoteUnsupported = errors.New("remote sources are not supported by the file builder")

var (
	goTestRe     = regexp.MustCompile(`^func (Test\w*)\(\w+ \*testing\.T\)`)
	jsTestRe     = regexp.MustCompile(`^\s*(?:it|test)\(\s*['"` + "`" + `]([^'"` + "`" + `]+)['"` + "`" + `]`)
	pyTestRe     = regexp.MustCompile(`^\s*def (test_\w+)\(`)
	atomLinkRe   = regexp.MustCompile(`@atom\s+(IA-\d+)`)
	goExportRe   = regexp.MustCompile(`^func (?:\([^)]*\) )?([A-Z]\w*)\(`)
	jsExportRe   = regexp.MustCompile(`^export (?:default )?(?:async )?(?:function|const|class|interface|type) (\w+)`)
	pyExportRe   = regexp.MustCompile(`^def ([a-z]\w*)\(`)
	commentStart = []string{"//", "#", "*", "/*"}
)

// FileBuilder builds manifests deterministically from a pre-read file map
// or from a manifest JSON file on disk. It does not walk repositories or
// talk to Git.
type FileBuilder struct{}

// NewFileBuilder creates a FileBuilder.
func NewFileBuilder() *FileBuilder { return &FileBuilder{} }

// CheckSource implements SourceChecker: remote refs need a builder that
// can fetch repositories.
func (b *FileBuilder) CheckSource(src Source) error {
	if src.RemoteRef != "" {
		return apperr.ValidationErrors{{Field: "source.remoteref", Message: "is not supported by the file builder"}}
	}
	return nil
}

// Build implements Builder.
func (b *FileBuilder) Build(ctx context.Context, src Source) (*RepoManifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := src.Validate(); err != nil {
		return nil, err
	}

	var (
		m       *RepoManifest
		err     error
		hashSrc = src.Files
	)
	switch src.Kind() {
	case "path":
		var raw []byte
		m, raw, err = readManifestFile(src.Path)
		hashSrc = map[string]string{ManifestFileName: string(raw)}
	case "files":
		m, err = scanFiles(ctx, src.Files)
	default:
		return nil, ErrRemoteUnsupported
	}
	if err != nil {
		return nil, err
	}

	// The run's project owns the manifest; a file written for another
	// project is refused rather than silently re-labelled.
	if m.ProjectID != "" && m.ProjectID != src.ProjectID {
		return nil, apperr.Invalid("source.projectid",
			"is %q but the manifest file belongs to %q", src.ProjectID, m.ProjectID)
	}
	m.ProjectID = src.ProjectID
	if src.CommitHash != "" {
		m.CommitHash = src.CommitHash
	}
	if m.CommitHash == "" {
		m.CommitHash = contentHash(hashSrc)
	}
	if src.BaseCommit != "" {
		m.BaseCommit = src.BaseCommit
	}
	if src.Diff != "" {
		m.Diff = src.Diff
	}
	m.Status = StatusComplete
	return m, nil
}

func readManifestFile(p string) (*RepoManifest, []byte, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, nil, fmt.Errorf("stat manifest source: %w", err)
	}
	if info.IsDir() {
		p = filepath.Join(p, ManifestFileName)
	}
	data, err := os.ReadFile(p) //nolint:gosec // G304: path is the caller's evidence root
	if err != nil {
		return nil, nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Decode(data)
	return m, data, err
}

func scanFiles(ctx context.Context, files map[string]string) (*RepoManifest, error) {
	normalized := make(map[string]string, len(files))
	names := make([]string, 0, len(files))
	for name, content := range files {
		slashed := filepath.ToSlash(name)
		normalized[slashed] = content
		names = append(names, slashed)
	}
	sort.Strings(names)

	m := &RepoManifest{Languages: make(map[string]int)}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content := normalized[name]

		if name == CoverageFileName {
			cov, err := parseCoverage(content)
			if err != nil {
				return nil, err
			}
			m.Coverage = cov
			continue
		}

		m.Files = append(m.Files, name)
		lang := languageOf(name)
		if lang != "" {
			m.Languages[lang]++
		}

		if isTestFile(name) {
			m.Tests = append(m.Tests, scanTests(name, content)...)
		} else if lang != "" {
			m.Exports = append(m.Exports, scanExports(name, lang, content)...)
		}
	}
	m.DomainConcepts = domainConcepts(m.Exports)
	return m, nil
}

func parseCoverage(content string) ([]FileCoverage, error) {
	var raw map[string]float64
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", CoverageFileName, err)
	}
	out := make([]FileCoverage, 0, len(raw))
	for f, pct := range raw {
		out = append(out, FileCoverage{FilePath: f, Percent: pct})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out, nil
}

func languageOf(name string) string {
	switch path.Ext(name) {
	case ".go":
		return "go"
	case ".ts", ".tsx":
		return "typescript"
	case ".js", ".jsx", ".mjs":
		return "javascript"
	case ".py":
		return "python"
	default:
		return ""
	}
}

func isTestFile(name string) bool {
	base := path.Base(name)
	switch {
	case strings.HasSuffix(base, "_test.go"):
		return true
	case strings.Contains(base, ".test.") || strings.Contains(base, ".spec."):
		return true
	case strings.HasSuffix(base, ".py") && (strings.HasPrefix(base, "test_") || strings.HasSuffix(base, "_test.py")):
		return true
	}
	return false
}

// scanTests finds test declarations and the @atom links in the comment
// block directly above each one.
func scanTests(file, content string) []TestEvidence {
	lines := strings.Split(content, "\n")
	var out []TestEvidence
	for i, line := range lines {
		name := matchTest(line)
		if name == "" {
			continue
		}
		out = append(out, TestEvidence{
			FilePath:  file,
			TestName:  name,
			Line:      i + 1,
			AtomLinks: linksAbove(lines, i),
			Body:      bodyFrom(lines, i),
		})
	}
	return out
}

func matchTest(line string) string {
	for _, re := range []*regexp.Regexp{goTestRe, jsTestRe, pyTestRe} {
		if m := re.FindStringSubmatch(line); m != nil {
			return m[1]
		}
	}
	return ""
}

func linksAbove(lines []string, at int) []string {
	var links []string
	for i := at - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if !isComment(trimmed) {
			break
		}
		for _, m := range atomLinkRe.FindAllStringSubmatch(trimmed, -1) {
			links = append(links, m[1])
		}
	}
	sort.Strings(links)
	return links
}

func isComment(line string) bool {
	if line == "" {
		return false
	}
	for _, p := range commentStart {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	// Python decorators sit between comments and the def.
	return strings.HasPrefix(line, "@")
}

func bodyFrom(lines []string, at int) string {
	end := at + maxBodyLines
	for i := at + 1; i < len(lines) && i < end; i++ {
		if matchTest(lines[i]) != "" {
			end = i
			break
		}
	}
	if end > len(lines) {
		end = len(lines)
	}
	return strings.TrimRight(strings.Join(lines[at:end], "\n"), "\n")
}

func scanExports(file, lang, content string) []SourceExport {
	var re *regexp.Regexp
	switch lang {
	case "go":
		re = goExportRe
	case "typescript", "javascript":
		re = jsExportRe
	case "python":
		re = pyExportRe
	default:
		return nil
	}
	var out []SourceExport
	for _, line := range strings.Split(content, "\n") {
		if m := re.FindStringSubmatch(line); m != nil {
			out = append(out, SourceExport{FilePath: file, Symbol: m[1]})
		}
	}
	return out
}

// domainConcepts derives a sorted set of lower-cased words from exported
// symbol names ("CreateOrder" -> "create", "order").
func domainConcepts(exports []SourceExport) []string {
	seen := make(map[string]bool)
	for _, e := range exports {
		for _, w := range splitIdent(e.Symbol) {
			if len(w) > 2 {
				seen[w] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for w := range seen {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

func splitIdent(s string) []string {
	var (
		words []string
		cur   strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, strings.ToLower(cur.String()))
			cur.Reset()
		}
	}
	for i, r := range s {
		switch {
		case r == '_':
			flush()
		case r >= 'A' && r <= 'Z' && i > 0:
			flush()
			cur.WriteRune(r)
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}

// contentHash derives a stable pseudo commit hash from a file map so file
// map sources without a commit still dedupe.
func contentHash(files map[string]string) string {
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)
	h := sha256.New()
	for _, n := range names {
		h.Write([]byte(n))
		h.Write([]byte{0})
		h.Write([]byte(files[n]))
		h.Write([]byte{0})
	}
	return "content-" + hex.EncodeToString(h.Sum(nil))[:16]
}
