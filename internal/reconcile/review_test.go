package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasontalley/pact-sub013/internal/apperr"
	"github.com/jasontalley/pact-sub013/internal/drift"
	"github.com/jasontalley/pact-sub013/internal/inference"
	"github.com/jasontalley/pact-sub013/internal/intent"
	"github.com/jasontalley/pact-sub013/internal/storage"
)

func reviewPool() []intent.InferredAtom {
	return []intent.InferredAtom{
		goodAtom("a1", "auth/login_test.go", "TestRejectsBadPassword", "Login rejects a wrong password"),
		reviseAtom("a2", "auth/login_test.go", "TestLocksAfterFiveFailures", "Account locks after five failed attempts"),
		reviseAtom("a3", "auth/login_test.go", "TestIssuesSessionToken", "Login issues a signed session token"),
	}
}

func TestReviewRoundsThenApply(t *testing.T) {
	h := newHarness(t, newFakeService(reviewPool(), nil))
	ctx := context.Background()

	st := h.runToRest(t, startInput(drift.AttestationLocal))
	require.Equal(t, StatusInterrupted, st.Status, "last error: %s", st.LastError)
	assert.Equal(t, PhaseAwaitReview, st.Phase)
	assert.Equal(t, 1, st.ReviewRound)
	require.NotNil(t, st.PendingReview)
	require.Len(t, st.PendingReview.Items, 2)
	assert.Equal(t, "a2", st.PendingReview.Items[0].Atom.TempID)
	assert.Equal(t, 73, st.PendingReview.Items[0].Score)
	assert.Contains(t, st.PendingReview.Items[0].Issues, "no reasoning")
	assert.Equal(t, 1, st.Counts.Approved)
	assert.Equal(t, 2, st.Counts.Revise)

	// Every pending atom needs exactly one decision.
	_, err := h.engine.SubmitReview(ctx, st.RunID, []ReviewDecision{{TempID: "a2", Action: ReviewApprove}})
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Contains(t, err.Error(), "missing decision for a3")

	_, err = h.engine.SubmitReview(ctx, st.RunID, []ReviewDecision{
		{TempID: "a2", Action: ReviewApprove},
		{TempID: "a3", Action: ReviewClarify},
	})
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Contains(t, err.Error(), "comment")

	pending, err := h.engine.SubmitReview(ctx, st.RunID, []ReviewDecision{
		{TempID: "a2", Action: ReviewApprove},
		{TempID: "a3", Action: ReviewClarify, Comment: "which token format?"},
	})
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, 2, pending.Round)
	require.Len(t, pending.Items, 1)
	assert.Equal(t, "a3", pending.Items[0].Atom.TempID)
	assert.Equal(t, "which token format?", pending.Items[0].Clarification)

	st, err = h.engine.Status(ctx, st.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusInterrupted, st.Status)
	assert.Equal(t, 2, st.ReviewRound)
	assert.Equal(t, 2, st.Counts.Approved)

	pending, err = h.engine.SubmitReview(ctx, st.RunID, []ReviewDecision{{TempID: "a3", Action: ReviewReject}})
	require.NoError(t, err)
	assert.Nil(t, pending)

	st = h.settle(t, st.RunID)
	require.Equal(t, StatusCompleted, st.Status, "last error: %s", st.LastError)
	assert.Equal(t, 2, st.Counts.Approved)
	assert.Equal(t, 1, st.Counts.Rejected)
	assert.Equal(t, 0, st.Counts.Revise)

	atoms, err := h.store.QueryAtoms(ctx, storage.AtomQuery{RunID: st.RunID})
	require.NoError(t, err)
	var temps []string
	for _, a := range atoms {
		temps = append(temps, a.TempID)
	}
	assert.ElementsMatch(t, []string{"a1", "a2"}, temps)

	// Review never re-runs inference.
	assert.Equal(t, 1, h.svc.callCount(inference.TaskInferAtoms))

	_, err = h.engine.SubmitReview(ctx, st.RunID, nil)
	assert.ErrorIs(t, err, ErrNotInterrupted)
}

func TestRecoverInterruptedRunReturnsPendingReview(t *testing.T) {
	h := newHarness(t, newFakeService(reviewPool(), nil))
	ctx := context.Background()

	st := h.runToRest(t, startInput(drift.AttestationLocal))
	require.Equal(t, StatusInterrupted, st.Status)

	runs, err := h.engine.ListRecoverable(ctx, "proj")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, st.RunID, runs[0].RunID)
	assert.Equal(t, 3, runs[0].AtomsInferred)

	res, err := h.engine.Recover(ctx, st.RunID)
	require.NoError(t, err)
	assert.Equal(t, st.RunID, res.RunID)
	assert.False(t, res.Derived)
	assert.Equal(t, PhaseAwaitReview, res.ResumeFrom)
	require.NotNil(t, res.PendingReview)
	assert.Len(t, res.PendingReview.Items, 2)
	assert.Equal(t, 1, h.svc.callCount(inference.TaskInferAtoms))
}

func TestRecoverFailedRunSkipsInference(t *testing.T) {
	var flaky *flakyDrift
	h := newHarness(t, newFakeService(threeGoodAtoms(), loginMolecule()), withDrift(func(s *storage.SQLiteStore) Drift {
		flaky = &flakyDrift{Engine: drift.NewEngine(s, drift.Config{Logger: discardLogger()})}
		flaky.failing.Store(true)
		return flaky
	}))
	ctx := context.Background()

	st := h.runToRest(t, startInput(drift.AttestationCI))
	require.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, PhaseApply, st.Phase)
	assert.Contains(t, st.LastError, "drift store offline")
	assert.Equal(t, 3, st.Counts.AtomsInferred)

	runs, err := h.engine.ListRecoverable(ctx, "proj")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, StatusFailed, runs[0].Status)

	flaky.failing.Store(false)
	res, err := h.engine.Recover(ctx, st.RunID)
	require.NoError(t, err)
	assert.True(t, res.Derived)
	assert.NotEqual(t, st.RunID, res.RunID)
	assert.Equal(t, st.RunID, res.RecoveredFrom)
	assert.Equal(t, PhaseApply, res.ResumeFrom)

	derived := h.settle(t, res.RunID)
	require.Equal(t, StatusCompleted, derived.Status, "last error: %s", derived.LastError)
	assert.Equal(t, st.RunID, derived.RecoveredFrom)
	assert.Equal(t, 3, derived.Counts.AtomsInferred)

	// Inference ran once, and the atoms persisted before the failure were
	// not written a second time.
	assert.Equal(t, 1, h.svc.callCount(inference.TaskInferAtoms))
	assert.Equal(t, 1, h.svc.callCount(inference.TaskSynthesizeMolecules))
	all, err := h.store.QueryAtoms(ctx, storage.AtomQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	items, err := h.store.QueryDriftItems(ctx, storage.DriftQuery{ProjectID: "proj"})
	require.NoError(t, err)
	assert.NotEmpty(t, items)

	// The original stays failed but is no longer offered.
	orig, err := h.engine.Status(ctx, st.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, orig.Status)
	runs, err = h.engine.ListRecoverable(ctx, "proj")
	require.NoError(t, err)
	assert.Empty(t, runs)
	_, err = h.engine.Recover(ctx, st.RunID)
	assert.ErrorIs(t, err, ErrNotRecoverable)
}

func TestCancelInterruptedRun(t *testing.T) {
	h := newHarness(t, newFakeService(reviewPool(), nil))
	ctx := context.Background()

	st := h.runToRest(t, startInput(drift.AttestationLocal))
	require.Equal(t, StatusInterrupted, st.Status)

	require.NoError(t, h.engine.Cancel(ctx, st.RunID))
	st, err := h.engine.Status(ctx, st.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, st.Status)
	assert.Nil(t, st.PendingReview)

	_, err = h.engine.SubmitReview(ctx, st.RunID, []ReviewDecision{
		{TempID: "a2", Action: ReviewApprove},
		{TempID: "a3", Action: ReviewApprove},
	})
	assert.ErrorIs(t, err, ErrNotInterrupted)

	atoms, err := h.store.QueryAtoms(ctx, storage.AtomQuery{RunID: st.RunID})
	require.NoError(t, err)
	assert.Empty(t, atoms)
}

func TestCheckDecisions(t *testing.T) {
	pending := []ReviewItem{
		{Atom: intent.InferredAtom{TempID: "a1"}},
		{Atom: intent.InferredAtom{TempID: "a2"}},
	}

	tests := []struct {
		name      string
		decisions []ReviewDecision
		wantErr   string
	}{
		{
			name:      "all decided",
			decisions: []ReviewDecision{{TempID: "a1", Action: ReviewApprove}, {TempID: "a2", Action: ReviewReject}},
		},
		{
			name:      "unknown atom",
			decisions: []ReviewDecision{{TempID: "a1", Action: ReviewApprove}, {TempID: "a2", Action: ReviewReject}, {TempID: "a9", Action: ReviewReject}},
			wantErr:   "a9 is not pending review",
		},
		{
			name:      "duplicate decision",
			decisions: []ReviewDecision{{TempID: "a1", Action: ReviewApprove}, {TempID: "a1", Action: ReviewReject}, {TempID: "a2", Action: ReviewReject}},
			wantErr:   "more than one decision",
		},
		{
			name:      "unknown action",
			decisions: []ReviewDecision{{TempID: "a1", Action: "maybe"}, {TempID: "a2", Action: ReviewReject}},
			wantErr:   "decisions[0].action",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkDecisions(pending, tt.decisions)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, apperr.ErrValidation)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
