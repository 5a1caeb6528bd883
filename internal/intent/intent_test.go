package intent

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrigin_RoundTrip(t *testing.T) {
	origins := []Origin{
		ProposedByAgent{Agent: "inference", Rationale: "derived from test", Confidence: 0.82},
		CreatedByHuman{Author: "reviewer"},
		ImportedFromRun{RunID: "run-1"},
	}

	for _, o := range origins {
		t.Run(string(o.Kind()), func(t *testing.T) {
			raw, err := MarshalOrigin(o)
			require.NoError(t, err)
			assert.Contains(t, string(raw), fmt.Sprintf(`"kind":%q`, o.Kind()))

			got, err := UnmarshalOrigin(raw)
			require.NoError(t, err)
			assert.Equal(t, o, got)
		})
	}
}

func TestOrigin_NilAndUnknown(t *testing.T) {
	raw, err := MarshalOrigin(nil)
	require.NoError(t, err)
	got, err := UnmarshalOrigin(raw)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = UnmarshalOrigin([]byte(`{"kind":"robot","data":{}}`))
	assert.Error(t, err)
}

func TestDegrade_PreservesAtomReferences(t *testing.T) {
	m := InferredMolecule{
		TempID:      "m1",
		Name:        "Checkout flow",
		AtomTempIDs: []string{"a1", "a2"},
		Confidence:  0.9,
	}

	d := m.Degrade("completeness below minimum")

	assert.Equal(t, DegradedMoleculeName, d.Name)
	assert.Zero(t, d.Confidence)
	assert.True(t, d.Degraded)
	assert.Equal(t, "completeness below minimum", d.DegradeReason)
	assert.Empty(t, cmp.Diff(m.AtomTempIDs, d.AtomTempIDs))

	// The copy is independent of the original.
	d.AtomTempIDs[0] = "zz"
	assert.Equal(t, "a1", m.AtomTempIDs[0])
	assert.Equal(t, "Checkout flow", m.Name)
	assert.Equal(t, 0.9, m.Confidence)
}

func TestAtomSnapshot(t *testing.T) {
	a := &Atom{
		ID:                 "IA-001",
		Description:        "rejects expired tokens",
		Category:           CategorySecurity,
		ObservableOutcomes: []string{"401 returned"},
		Confidence:         0.9,
		SourceTest:         TestRef{FilePath: "auth_test.go", TestName: "TestExpired"},
		Origin:             CreatedByHuman{Author: "dev"},
		Version:            2,
	}

	snap := a.Snapshot()
	want := CanonicalAtomSnapshot{
		AtomID:             "IA-001",
		Description:        "rejects expired tokens",
		Category:           CategorySecurity,
		ObservableOutcomes: []string{"401 returned"},
		Confidence:         0.9,
		SourceTest:         TestRef{FilePath: "auth_test.go", TestName: "TestExpired"},
		Origin:             "human",
		Version:            2,
	}
	if diff := cmp.Diff(want, snap); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}

	a.ObservableOutcomes[0] = "changed"
	assert.Equal(t, "401 returned", snap.ObservableOutcomes[0])
}

func TestCategoryValid(t *testing.T) {
	assert.True(t, CategoryFunctional.Valid())
	assert.False(t, Category("vibes").Valid())
}

func TestFormatAtomID(t *testing.T) {
	assert.Equal(t, "IA-007", FormatAtomID(7))
	assert.Equal(t, "IA-1234", FormatAtomID(1234))
}

func TestHierarchy_RejectsCycles(t *testing.T) {
	h := NewHierarchy()
	require.NoError(t, h.Add("root", ""))
	require.NoError(t, h.Add("mid", "root"))
	require.NoError(t, h.Add("leaf", "mid"))

	assert.Equal(t, []string{"mid", "root"}, h.Ancestors("leaf"))

	err := h.SetParent("root", "leaf")
	assert.True(t, errors.Is(err, ErrHierarchyCycle))
	assert.Equal(t, "", h.Parent("root"), "failed assignment must not be applied")

	assert.ErrorIs(t, h.SetParent("mid", "mid"), ErrHierarchyCycle)
	assert.ErrorIs(t, h.SetParent("leaf", "ghost"), ErrHierarchyNotFound)
}

func TestHierarchy_DepthCap(t *testing.T) {
	h := NewHierarchy()
	require.NoError(t, h.Add("m0", ""))
	for i := 1; i <= MaxHierarchyDepth; i++ {
		require.NoError(t, h.Add(fmt.Sprintf("m%d", i), fmt.Sprintf("m%d", i-1)))
	}

	require.NoError(t, h.Add("tip", ""))
	err := h.SetParent("tip", fmt.Sprintf("m%d", MaxHierarchyDepth))
	assert.ErrorIs(t, err, ErrHierarchyTooDeep)
}
