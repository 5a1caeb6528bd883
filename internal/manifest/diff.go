package manifest

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

const devNull = "/dev/null"

// ChangedFiles lists every path touched by a unified diff, sorted. Renames
// contribute both names and deletions contribute the original path.
func ChangedFiles(unified []byte) ([]string, error) {
	if len(bytes.TrimSpace(unified)) == 0 {
		return nil, nil
	}

	fileDiffs, err := diff.NewMultiFileDiffReader(bytes.NewReader(unified)).ReadAllFiles()
	if err != nil {
		return nil, fmt.Errorf("parse diff: %w", err)
	}

	seen := make(map[string]bool)
	for _, fd := range fileDiffs {
		for _, name := range []string{fd.OrigName, fd.NewName} {
			if p := stripDiffPrefix(name); p != "" {
				seen[p] = true
			}
		}
	}

	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// stripDiffPrefix drops git's a/ and b/ prefixes and any trailing
// timestamp.
func stripDiffPrefix(name string) string {
	if i := strings.IndexByte(name, '\t'); i >= 0 {
		name = name[:i]
	}
	name = strings.TrimSpace(name)
	if name == "" || name == devNull {
		return ""
	}
	name = strings.TrimPrefix(name, "a/")
	name = strings.TrimPrefix(name, "b/")
	return name
}
