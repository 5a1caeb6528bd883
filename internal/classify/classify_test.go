package classify

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasontalley/pact-sub013/internal/manifest"
)

func test(file, name string, links ...string) manifest.TestEvidence {
	return manifest.TestEvidence{FilePath: file, TestName: name, AtomLinks: links}
}

func TestClassify_FullPartition(t *testing.T) {
	m := &manifest.RepoManifest{Tests: []manifest.TestEvidence{
		test("a_test.go", "TestA", "IA-001"),
		test("a_test.go", "TestB"),
		test("b_test.go", "TestC", "IA-404"),
		test("b_test.go", "TestD"),
	}}
	known := map[string]bool{"IA-001": true}

	res, err := Classify(m, ModeFull, Options{AtomExists: func(id string) bool { return known[id] }})
	require.NoError(t, err)

	assert.Equal(t, []string{"a_test.go::TestA"}, keys(res.Annotated))
	assert.Equal(t, []string{"a_test.go::TestB", "b_test.go::TestC", "b_test.go::TestD"}, keys(res.Orphans))
	require.Len(t, res.Dangling, 1)
	assert.Equal(t, []string{"IA-404"}, res.Dangling[0].AtomIDs)
	assert.Equal(t, 4, res.Considered())
}

func TestClassify_AllOrphans(t *testing.T) {
	var tests []manifest.TestEvidence
	for i := 0; i < 5; i++ {
		tests = append(tests, test("x_test.go", fmt.Sprintf("Test%d", i)))
	}
	res, err := Classify(&manifest.RepoManifest{Tests: tests}, ModeFull, Options{})
	require.NoError(t, err)
	assert.Len(t, res.Orphans, 5)
	assert.Empty(t, res.Annotated)
}

func TestClassify_DeltaCoversChangedSetOnly(t *testing.T) {
	m := &manifest.RepoManifest{
		ChangedFiles: []string{"b_test.go"},
		Tests: []manifest.TestEvidence{
			test("a_test.go", "TestA"),
			test("b_test.go", "TestB", "IA-001"),
			test("b_test.go", "TestC"),
		},
	}
	res, err := Classify(m, ModeDelta, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b_test.go"}, res.Scope)
	assert.Equal(t, []string{"b_test.go::TestB"}, keys(res.Annotated))
	assert.Equal(t, []string{"b_test.go::TestC"}, keys(res.Orphans))
}

func TestClassify_DeltaFromDiff(t *testing.T) {
	m := &manifest.RepoManifest{
		Diff: "--- a/b_test.go\n+++ b/b_test.go\n@@ -1 +1 @@\n-x\n+y\n",
		Tests: []manifest.TestEvidence{
			test("a_test.go", "TestA"),
			test("b_test.go", "TestB"),
		},
	}
	res, err := Classify(m, ModeDelta, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b_test.go::TestB"}, keys(res.Orphans))
}

func TestClassify_DeltaWithoutChangeInfo(t *testing.T) {
	_, err := Classify(&manifest.RepoManifest{}, ModeDelta, Options{})
	assert.ErrorIs(t, err, ErrNoDelta)
}

func TestClassify_RejectsBadInput(t *testing.T) {
	_, err := Classify(nil, ModeFull, Options{})
	assert.Error(t, err)
	_, err = Classify(&manifest.RepoManifest{}, Mode("partial"), Options{})
	assert.Error(t, err)
}

// The partition is disjoint and exhaustive for arbitrary manifests.
func TestClassify_PartitionProperty(t *testing.T) {
	for n := 0; n < 40; n++ {
		var tests []manifest.TestEvidence
		changed := map[string]bool{}
		for i := 0; i < n; i++ {
			file := fmt.Sprintf("f%d_test.go", i%5)
			var links []string
			if i%3 == 0 {
				links = []string{fmt.Sprintf("IA-%03d", i%4)}
			}
			tests = append(tests, test(file, fmt.Sprintf("T%d", i), links...))
			if i%2 == 0 {
				changed[file] = true
			}
		}
		var changedList []string
		for f := range changed {
			changedList = append(changedList, f)
		}
		m := &manifest.RepoManifest{Tests: tests, ChangedFiles: append(changedList, "none.go")}
		exists := func(id string) bool { return id != "IA-003" }

		for _, mode := range []Mode{ModeFull, ModeDelta} {
			res, err := Classify(m, mode, Options{AtomExists: exists})
			require.NoError(t, err)

			expected := map[string]bool{}
			for _, tt := range tests {
				if mode == ModeFull || changed[tt.FilePath] {
					expected[tt.Key()] = true
				}
			}
			got := map[string]bool{}
			for _, tt := range append(append([]manifest.TestEvidence{}, res.Annotated...), res.Orphans...) {
				require.False(t, got[tt.Key()], "test %s appears twice", tt.Key())
				got[tt.Key()] = true
			}
			assert.Equal(t, expected, got, "n=%d mode=%s", n, mode)
		}
	}
}

func keys(ts []manifest.TestEvidence) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.Key())
	}
	return out
}
