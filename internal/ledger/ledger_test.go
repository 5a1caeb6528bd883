package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasontalley/pact-sub013/internal/apperr"
	"github.com/jasontalley/pact-sub013/internal/config"
	"github.com/jasontalley/pact-sub013/internal/intent"
	"github.com/jasontalley/pact-sub013/internal/storage"
)

func newTestLedger(t *testing.T) (*Service, *storage.SQLiteStore) {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewService(store, Config{MinConfidence: 0.5}), store
}

func draft(t *testing.T, store *storage.SQLiteStore, desc string, mutate ...func(a *intent.Atom)) *intent.Atom {
	t.Helper()
	a := &intent.Atom{
		Description:        desc,
		Category:           intent.CategoryFunctional,
		ObservableOutcomes: []string{"returns the value"},
		Confidence:         0.8,
		SourceTest:         intent.TestRef{FilePath: "pkg/a_test.go", TestName: "Test" + desc},
		Origin:             intent.ProposedByAgent{Rationale: "from test", Confidence: 0.8},
	}
	for _, m := range mutate {
		m(a)
	}
	require.NoError(t, store.CreateAtom(context.Background(), a))
	return a
}

func TestCommitFreezesCanonicalSnapshot(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestLedger(t)
	b := draft(t, store, "Cache evicts the oldest entry")
	a := draft(t, store, "Cache returns stored values")

	// Request order must not change the canonical form.
	c, err := svc.Commit(ctx, CommitRequest{AtomIDs: []string{b.ID, a.ID}, CommittedBy: "alice"})
	require.NoError(t, err)

	assert.Equal(t, "COM-001", c.CommitmentID)
	assert.Equal(t, storage.CommitmentActive, c.Status)
	assert.Equal(t, 1, c.ChainVersion)
	require.Len(t, c.Atoms, 2)
	assert.Equal(t, "IA-001", c.Atoms[0].AtomID)
	assert.Equal(t, "IA-002", c.Atoms[1].AtomID)
	assert.Equal(t, "agent", c.Atoms[0].Origin)
	assert.Len(t, c.InvariantChecks, 7)

	canonical, hash, err := Canonicalize([]*intent.Atom{a, b})
	require.NoError(t, err)
	assert.Equal(t, canonical, c.CanonicalJSON)
	assert.Equal(t, hash, c.ContentHash)

	got, err := store.GetAtom(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, intent.AtomCommitted, got.Status)
}

func TestBlockingInvariantRefusesCommit(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestLedger(t)
	bad := draft(t, store, "Parser rejects empty input", func(a *intent.Atom) { a.ObservableOutcomes = nil })

	preview, err := svc.Preview(ctx, []string{bad.ID})
	require.NoError(t, err)
	assert.False(t, preview.CanCommit)
	require.Len(t, preview.Blocking, 1)
	assert.Equal(t, "INV-003", preview.Blocking[0].ID)
	assert.Equal(t, []string{bad.ID}, preview.Blocking[0].AtomIDs)

	_, err = svc.Commit(ctx, CommitRequest{AtomIDs: []string{bad.ID}, CommittedBy: "alice"})
	require.ErrorIs(t, err, apperr.ErrInvariantViolation)
	var iv *apperr.InvariantViolation
	require.ErrorAs(t, err, &iv)
	assert.Contains(t, iv.Failed[0], "INV-003")

	_, err = store.GetCommitment(ctx, "COM-001")
	assert.ErrorIs(t, err, storage.ErrCommitmentNotFound, "no row may be written")
	got, err := store.GetAtom(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, intent.AtomDraft, got.Status)
}

func TestOverrideIsRecorded(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestLedger(t)
	bad := draft(t, store, "Parser rejects empty input", func(a *intent.Atom) { a.ObservableOutcomes = nil })

	c, err := svc.Commit(ctx, CommitRequest{
		AtomIDs:               []string{bad.ID},
		CommittedBy:           "alice",
		OverrideJustification: "outcomes captured in the linked ADR",
	})
	require.NoError(t, err)
	assert.Equal(t, "outcomes captured in the linked ADR", c.OverrideJustification)

	var failed []string
	for _, chk := range c.InvariantChecks {
		if !chk.Passed {
			failed = append(failed, chk.ID)
		}
	}
	assert.Equal(t, []string{"INV-003"}, failed)
}

func TestStructuralInvariantsIgnoreOverride(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestLedger(t)
	a := draft(t, store, "Queue delivers in order")
	_, err := svc.Commit(ctx, CommitRequest{AtomIDs: []string{a.ID}, CommittedBy: "alice"})
	require.NoError(t, err)

	_, err = svc.Commit(ctx, CommitRequest{AtomIDs: []string{a.ID, "IA-404"}, CommittedBy: "bob", OverrideJustification: "please"})
	require.ErrorIs(t, err, apperr.ErrInvariantViolation)
	var iv *apperr.InvariantViolation
	require.ErrorAs(t, err, &iv)
	assert.Len(t, iv.Failed, 2) // INV-001 and INV-002
}

func TestWarningsDoNotBlock(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestLedger(t)
	a := draft(t, store, "Export works properly", func(a *intent.Atom) {
		a.Confidence = 0.2
		a.SourceTest = intent.TestRef{}
	})
	b := draft(t, store, "export works  PROPERLY")

	p, err := svc.Preview(ctx, []string{a.ID, b.ID})
	require.NoError(t, err)
	assert.True(t, p.CanCommit)
	ids := make([]string, 0, len(p.Warnings))
	for _, w := range p.Warnings {
		ids = append(ids, w.ID)
	}
	assert.Equal(t, []string{"INV-004", "INV-005", "INV-006", "INV-007"}, ids)
}

func TestDisabledInvariantIsSkipped(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer store.Close()

	rules := config.DefaultInvariantRules()
	rules["INV-003"] = config.InvariantRule{Enabled: false, Severity: "error"}
	svc := NewService(store, Config{Rules: rules})

	bad := draft(t, store, "Parser rejects empty input", func(a *intent.Atom) { a.ObservableOutcomes = nil })
	_, err = svc.Commit(ctx, CommitRequest{AtomIDs: []string{bad.ID}, CommittedBy: "alice"})
	require.NoError(t, err)
}

func TestStructuralInvariantsCannotBeDisabled(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer store.Close()

	rules := config.DefaultInvariantRules()
	rules["INV-001"] = config.InvariantRule{Enabled: false, Severity: "warning"}
	rules["INV-002"] = config.InvariantRule{Enabled: false, Severity: "warning"}
	svc := NewService(store, Config{Rules: rules})

	a := draft(t, store, "Cache returns stored values")
	_, err = svc.Commit(ctx, CommitRequest{
		AtomIDs:               []string{a.ID, "IA-999"},
		CommittedBy:           "alice",
		OverrideJustification: "ship it",
	})
	require.ErrorIs(t, err, apperr.ErrInvariantViolation)
	assert.Contains(t, err.Error(), "IA-999")

	got, err := store.GetAtom(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, intent.AtomDraft, got.Status)
}

func TestBuildWriteRefusesMissingAtom(t *testing.T) {
	_, err := buildWrite([]string{"IA-404"}, map[string]*intent.Atom{}, &evaluation{}, "alice", "")
	var iv *apperr.InvariantViolation
	require.ErrorAs(t, err, &iv)
	assert.Contains(t, iv.Failed[0], "IA-404")
}

func TestCommitValidatesRequest(t *testing.T) {
	svc, _ := newTestLedger(t)
	_, err := svc.Commit(context.Background(), CommitRequest{AtomIDs: []string{"IA-001", "IA-001"}})
	require.ErrorIs(t, err, apperr.ErrValidation)
	var verrs apperr.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Len(t, verrs, 2)
}

func TestCanonicalJSONCannotBeRewritten(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestLedger(t)
	a := draft(t, store, "Cache returns stored values")
	c, err := svc.Commit(ctx, CommitRequest{AtomIDs: []string{a.ID}, CommittedBy: "alice"})
	require.NoError(t, err)

	_, err = store.DB().ExecContext(ctx, `UPDATE commitments SET canonical_json = '[]' WHERE id = ?`, c.ID)
	require.Error(t, err)
	err = storage.MapWriteError("commitment", c.CommitmentID, "update canonical_json", err)
	assert.ErrorIs(t, err, apperr.ErrImmutability)

	again, err := svc.Get(ctx, c.CommitmentID)
	require.NoError(t, err)
	assert.Equal(t, c.CanonicalJSON, again.CanonicalJSON)
}

func TestSupersedeChainsAndPreservesOriginal(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestLedger(t)
	a := draft(t, store, "Cache returns stored values")
	b := draft(t, store, "Cache evicts the oldest entry")
	first, err := svc.Commit(ctx, CommitRequest{AtomIDs: []string{a.ID, b.ID}, CommittedBy: "alice"})
	require.NoError(t, err)

	c := draft(t, store, "Cache expires entries after ttl")
	second, err := svc.Supersede(ctx, SupersedeRequest{
		CommitmentID: first.CommitmentID,
		AtomIDs:      []string{a.ID, c.ID},
		Reason:       "eviction replaced by ttl",
		CommittedBy:  "bob",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.Supersedes)
	assert.Equal(t, 2, second.ChainVersion)
	assert.Equal(t, "eviction replaced by ttl", second.SupersessionReason)

	old, err := svc.Get(ctx, first.CommitmentID)
	require.NoError(t, err)
	assert.Equal(t, storage.CommitmentSuperseded, old.Status)
	assert.Equal(t, second.ID, old.SupersededBy)
	assert.Equal(t, first.CanonicalJSON, old.CanonicalJSON)
	assert.Equal(t, first.ContentHash, old.ContentHash)

	gotB, err := store.GetAtom(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, intent.AtomSuperseded, gotB.Status)

	history, err := svc.History(ctx, second.CommitmentID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, first.CommitmentID, history[0].CommitmentID)
	assert.Equal(t, second.CommitmentID, history[1].CommitmentID)

	fromOld, err := svc.History(ctx, first.CommitmentID)
	require.NoError(t, err)
	assert.Len(t, fromOld, 2)

	_, err = svc.Supersede(ctx, SupersedeRequest{
		CommitmentID: first.CommitmentID, AtomIDs: []string{a.ID}, Reason: "again", CommittedBy: "carol",
	})
	assert.ErrorIs(t, err, apperr.ErrConcurrencyConflict)
}

func TestSupersedeRejectsForeignCommittedAtoms(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestLedger(t)
	a := draft(t, store, "Cache returns stored values")
	b := draft(t, store, "Queue delivers in order")
	first, err := svc.Commit(ctx, CommitRequest{AtomIDs: []string{a.ID}, CommittedBy: "alice"})
	require.NoError(t, err)
	_, err = svc.Commit(ctx, CommitRequest{AtomIDs: []string{b.ID}, CommittedBy: "alice"})
	require.NoError(t, err)

	_, err = svc.Supersede(ctx, SupersedeRequest{
		CommitmentID: first.CommitmentID, AtomIDs: []string{a.ID, b.ID}, Reason: "merge", CommittedBy: "bob",
	})
	require.ErrorIs(t, err, apperr.ErrInvariantViolation)
}

func TestDeletesAreRefused(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestLedger(t)
	a := draft(t, store, "Cache returns stored values")
	spare := draft(t, store, "Cache reports its size")
	c, err := svc.Commit(ctx, CommitRequest{AtomIDs: []string{a.ID}, CommittedBy: "alice"})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.DeleteCommitment(ctx, c.CommitmentID), apperr.ErrImmutability)
	assert.ErrorIs(t, svc.DeleteAtom(ctx, a.ID), apperr.ErrImmutability)
	assert.NoError(t, svc.DeleteAtom(ctx, spare.ID))
}

func TestConcurrentCommitsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestLedger(t)
	a := draft(t, store, "Cache returns stored values")
	b := draft(t, store, "Cache evicts the oldest entry")

	const writers = 4
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := range writers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Commit(ctx, CommitRequest{AtomIDs: []string{a.ID, b.ID}, CommittedBy: "writer"})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, apperr.ErrConcurrencyConflict), errors.Is(err, apperr.ErrInvariantViolation):
			// lost the race: either the CAS failed or the atoms were already committed
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestCheckResultsRoundTripThroughStorage(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestLedger(t)
	a := draft(t, store, "Cache returns stored values")
	c, err := svc.Commit(ctx, CommitRequest{AtomIDs: []string{a.ID}, CommittedBy: "alice"})
	require.NoError(t, err)

	row, err := store.GetCommitment(ctx, c.ID)
	require.NoError(t, err)
	var checks []CheckResult
	require.NoError(t, json.Unmarshal([]byte(row.InvariantChecksJSON), &checks))
	assert.Equal(t, c.InvariantChecks, checks)
}
