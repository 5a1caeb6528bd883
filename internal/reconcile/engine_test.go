package reconcile

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasontalley/pact-sub013/internal/apperr"
	"github.com/jasontalley/pact-sub013/internal/classify"
	"github.com/jasontalley/pact-sub013/internal/drift"
	"github.com/jasontalley/pact-sub013/internal/inference"
	"github.com/jasontalley/pact-sub013/internal/intent"
	"github.com/jasontalley/pact-sub013/internal/manifest"
	"github.com/jasontalley/pact-sub013/internal/quality"
	"github.com/jasontalley/pact-sub013/internal/storage"
)

// fakeService answers atom requests from a fixed pool, returning only the
// atoms whose source test appears in the prompt.
type fakeService struct {
	mu        sync.Mutex
	pool      []intent.InferredAtom
	molecules []intent.InferredMolecule
	fail      map[inference.Task]bool
	calls     map[inference.Task]int

	block   bool
	started chan struct{}
	once    sync.Once
}

func newFakeService(pool []intent.InferredAtom, molecules []intent.InferredMolecule) *fakeService {
	return &fakeService{
		pool:      pool,
		molecules: molecules,
		fail:      map[inference.Task]bool{},
		calls:     map[inference.Task]int{},
		started:   make(chan struct{}),
	}
}

func (s *fakeService) Name() string { return "fake" }

func (s *fakeService) Infer(ctx context.Context, req inference.Request) (json.RawMessage, error) {
	s.mu.Lock()
	s.calls[req.Task]++
	block, fail := s.block, s.fail[req.Task]
	s.mu.Unlock()

	if block {
		s.once.Do(func() { close(s.started) })
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail {
		return nil, inference.Fail(inference.FailureUnavailable, false, errors.New("backend unavailable"))
	}
	if req.Task == inference.TaskInferAtoms {
		out := []intent.InferredAtom{}
		for _, a := range s.pool {
			if strings.Contains(req.Prompt, a.SourceTest.TestName) {
				out = append(out, a)
			}
		}
		return json.Marshal(map[string]any{"atoms": out})
	}
	return json.Marshal(map[string]any{"molecules": s.molecules})
}

func (s *fakeService) callCount(task inference.Task) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[task]
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses []string
	phases   map[string]string
	drift    [3]int
}

func (o *recordingObserver) RunStatusChanged(status string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, status)
}

func (o *recordingObserver) PhaseFinished(phase, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phases == nil {
		o.phases = map[string]string{}
	}
	o.phases[phase] = outcome
}

func (o *recordingObserver) DriftApplied(created, confirmed, resolved int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.drift = [3]int{created, confirmed, resolved}
}

// flakyDrift fails Apply while failing is set.
type flakyDrift struct {
	*drift.Engine
	failing atomic.Bool
}

func (d *flakyDrift) Apply(ctx context.Context, rc drift.RunContext, found []drift.Discrepancy) (*drift.ApplyResult, error) {
	if d.failing.Load() {
		return nil, errors.New("drift store offline")
	}
	return d.Engine.Apply(ctx, rc, found)
}

type harness struct {
	engine *Engine
	store  *storage.SQLiteStore
	svc    *fakeService
	obs    *recordingObserver
	logDir string
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	build manifest.Builder
	drift func(*storage.SQLiteStore) Drift
}

func withBuilder(f manifest.BuilderFunc) harnessOption {
	return func(c *harnessConfig) { c.build = f }
}

func withFileBuilder() harnessOption {
	return func(c *harnessConfig) { c.build = manifest.NewFileBuilder() }
}

func withDrift(f func(*storage.SQLiteStore) Drift) harnessOption {
	return func(c *harnessConfig) { c.drift = f }
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, svc *fakeService, opts ...harnessOption) *harness {
	t.Helper()
	hc := harnessConfig{
		build: manifest.BuilderFunc(func(context.Context, manifest.Source) (*manifest.RepoManifest, error) { return repoManifest(), nil }),
		drift: func(s *storage.SQLiteStore) Drift { return drift.NewEngine(s, drift.Config{Logger: discardLogger()}) },
	}
	for _, o := range opts {
		o(&hc)
	}

	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := discardLogger()
	adapter := inference.NewAdapter(svc, inference.Config{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		CallTimeout:    5 * time.Second,
		Logger:         logger,
	})
	obs := &recordingObserver{}
	logDir := filepath.Join(t.TempDir(), "runs")
	e, err := NewEngine(
		store,
		manifest.NewCache(store, hc.build, logger),
		adapter,
		quality.NewGate(quality.DefaultThresholds(), logger),
		hc.drift(store),
		Config{RunLogDir: logDir, Logger: logger, Observer: obs},
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	return &harness{engine: e, store: store, svc: svc, obs: obs, logDir: logDir}
}

func repoManifest() *manifest.RepoManifest {
	return &manifest.RepoManifest{
		ProjectID:  "proj",
		CommitHash: "abc123",
		Files:      []string{"auth/login.go", "auth/login_test.go", "billing/invoice.go", "billing/invoice_test.go"},
		Tests: []manifest.TestEvidence{
			{FilePath: "auth/login_test.go", TestName: "TestRejectsBadPassword", Line: 10},
			{FilePath: "auth/login_test.go", TestName: "TestLocksAfterFiveFailures", Line: 30},
			{FilePath: "auth/login_test.go", TestName: "TestIssuesSessionToken", Line: 50},
			{FilePath: "billing/invoice_test.go", TestName: "TestTotalsLineItems", Line: 8},
			{FilePath: "billing/invoice_test.go", TestName: "TestRoundsTaxAmounts", Line: 20},
		},
	}
}

func goodAtom(tempID, file, test, desc string) intent.InferredAtom {
	return intent.InferredAtom{
		TempID:             tempID,
		Description:        desc,
		Category:           intent.CategorySecurity,
		SourceTest:         intent.TestRef{FilePath: file, TestName: test},
		ObservableOutcomes: []string{"returns an error", "records the attempt"},
		Confidence:         0.9,
		Reasoning:          "the test asserts the returned status and audit entry",
		SourceEvidence:     []string{strings.Replace(file, "_test.go", ".go", 1)},
	}
}

// reviseAtom scores in the revise band: one outcome and no reasoning.
func reviseAtom(tempID, file, test, desc string) intent.InferredAtom {
	a := goodAtom(tempID, file, test, desc)
	a.ObservableOutcomes = a.ObservableOutcomes[:1]
	a.Reasoning = ""
	return a
}

func threeGoodAtoms() []intent.InferredAtom {
	return []intent.InferredAtom{
		goodAtom("a1", "auth/login_test.go", "TestRejectsBadPassword", "Login rejects a wrong password"),
		goodAtom("a2", "auth/login_test.go", "TestLocksAfterFiveFailures", "Account locks after five failed attempts"),
		goodAtom("a3", "auth/login_test.go", "TestIssuesSessionToken", "Login issues a signed session token"),
	}
}

func loginMolecule() []intent.InferredMolecule {
	return []intent.InferredMolecule{{
		TempID:      "m1",
		Name:        "Login protection",
		Description: "Guards on the password login path",
		AtomTempIDs: []string{"a1", "a2", "a3"},
		Confidence:  0.8,
		Reasoning:   "all three atoms protect the login endpoint",
	}}
}

func startInput(att drift.Attestation) StartInput {
	return StartInput{
		Source:      manifest.Source{ProjectID: "proj", CommitHash: "abc123", Path: "/repo"},
		Mode:        classify.ModeFull,
		Attestation: att,
	}
}

func (h *harness) runToRest(t *testing.T, in StartInput) *RunStatus {
	t.Helper()
	ctx := context.Background()
	id, err := h.engine.Start(ctx, in)
	require.NoError(t, err)
	return h.settle(t, id)
}

func (h *harness) settle(t *testing.T, runID string) *RunStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Wait(ctx, runID))
	st, err := h.engine.Status(ctx, runID)
	require.NoError(t, err)
	return st
}

func TestRunInfersAtomsForOrphans(t *testing.T) {
	h := newHarness(t, newFakeService(threeGoodAtoms(), loginMolecule()))

	st := h.runToRest(t, startInput(drift.AttestationLocal))

	require.Equal(t, StatusCompleted, st.Status, "last error: %s", st.LastError)
	assert.Equal(t, PhaseApply, st.Phase)
	assert.Equal(t, 5, st.Counts.Orphans)
	assert.Equal(t, 0, st.Counts.Annotated)
	assert.Equal(t, 3, st.Counts.AtomsInferred)
	assert.Equal(t, 1, st.Counts.MoleculesInferred)
	assert.Equal(t, 3, st.Counts.Approved)
	assert.Empty(t, st.Errors)
	assert.NotEmpty(t, st.ManifestID)
	assert.Equal(t, "abc123", st.CommitHash)

	atoms, err := h.store.QueryAtoms(context.Background(), storage.AtomQuery{RunID: st.RunID})
	require.NoError(t, err)
	require.Len(t, atoms, 3)
	for _, a := range atoms {
		assert.Equal(t, intent.AtomDraft, a.Status)
		origin, ok := a.Origin.(intent.ProposedByAgent)
		require.True(t, ok, "origin %T", a.Origin)
		assert.Equal(t, "inference", origin.Agent)
		assert.InDelta(t, 0.9, origin.Confidence, 1e-9)
	}

	h.obs.mu.Lock()
	defer h.obs.mu.Unlock()
	assert.Equal(t, []string{"queued", "running", "completed"}, h.obs.statuses)
	assert.Equal(t, "ok", h.obs.phases[string(PhaseApply)])
}

func TestSynthesisFailureIsRecordedAndRunCompletes(t *testing.T) {
	svc := newFakeService(threeGoodAtoms(), loginMolecule())
	svc.fail[inference.TaskSynthesizeMolecules] = true
	h := newHarness(t, svc)

	st := h.runToRest(t, startInput(drift.AttestationLocal))

	require.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, 3, st.Counts.AtomsInferred)
	assert.Equal(t, 0, st.Counts.MoleculesInferred)
	require.Len(t, st.Errors, 1)
	assert.Equal(t, PhaseSynthesizeMolecules, st.Errors[0].Phase)
	assert.Equal(t, "transient_inference", st.Errors[0].Kind)
	assert.Equal(t, 1, st.Counts.Errors)

	h.obs.mu.Lock()
	defer h.obs.mu.Unlock()
	assert.Equal(t, "degraded", h.obs.phases[string(PhaseSynthesizeMolecules)])
}

func TestManifestFailureFailsRun(t *testing.T) {
	svc := newFakeService(threeGoodAtoms(), nil)
	h := newHarness(t, svc, withBuilder(func(context.Context, manifest.Source) (*manifest.RepoManifest, error) {
		return nil, errors.New("checkout missing")
	}))

	st := h.runToRest(t, startInput(drift.AttestationLocal))

	require.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, PhaseLoadManifest, st.Phase)
	assert.Contains(t, st.LastError, "checkout missing")
	assert.Equal(t, 0, st.Counts.AtomsInferred)
	require.Len(t, st.Errors, 1)
	assert.Equal(t, "internal", st.Errors[0].Kind)
	assert.Zero(t, svc.callCount(inference.TaskInferAtoms))

	// Nothing was inferred, so there is nothing to recover.
	runs, err := h.engine.ListRecoverable(context.Background(), "proj")
	require.NoError(t, err)
	assert.Empty(t, runs)
	_, err = h.engine.Recover(context.Background(), st.RunID)
	assert.ErrorIs(t, err, ErrNotRecoverable)
}

func TestDeltaRunWithoutChangesFails(t *testing.T) {
	h := newHarness(t, newFakeService(threeGoodAtoms(), nil))
	in := startInput(drift.AttestationLocal)
	in.Mode = classify.ModeDelta

	st := h.runToRest(t, in)

	require.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, PhaseClassify, st.Phase)
	require.Len(t, st.Errors, 1)
	assert.Equal(t, "no_delta", st.Errors[0].Kind)
}

func TestDeltaRunOnlyInfersChangedFiles(t *testing.T) {
	pool := append(threeGoodAtoms(),
		goodAtom("b1", "billing/invoice_test.go", "TestTotalsLineItems", "Invoice total sums every line item"))
	h := newHarness(t, newFakeService(pool, nil))
	in := startInput(drift.AttestationLocal)
	in.Mode = classify.ModeDelta
	in.Source.BaseCommit = "base000"
	in.Source.Diff = "diff --git a/billing/invoice_test.go b/billing/invoice_test.go\n" +
		"--- a/billing/invoice_test.go\n+++ b/billing/invoice_test.go\n@@ -1 +1 @@\n-x\n+y\n"

	st := h.runToRest(t, in)

	require.Equal(t, StatusCompleted, st.Status, "last error: %s", st.LastError)
	assert.Equal(t, 2, st.Counts.Orphans)
	assert.Equal(t, 1, st.Counts.AtomsInferred)
}

func TestStartRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, newFakeService(nil, nil))
	ctx := context.Background()

	_, err := h.engine.Start(ctx, StartInput{Mode: classify.ModeFull, Attestation: drift.AttestationLocal})
	require.ErrorIs(t, err, apperr.ErrValidation)

	in := startInput(drift.AttestationCI)
	in.Lane = drift.LaneHotfix
	_, err = h.engine.Start(ctx, in)
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Contains(t, err.Error(), "justification")

	in.Mode = "sideways"
	_, err = h.engine.Start(ctx, in)
	require.ErrorIs(t, err, apperr.ErrValidation)

	runs, err := h.store.QueryRuns(ctx, storage.RunQuery{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestStartRefusesSourcesTheBuilderCannotHandle(t *testing.T) {
	h := newHarness(t, newFakeService(nil, nil), withFileBuilder())
	ctx := context.Background()

	in := startInput(drift.AttestationLocal)
	in.Source = manifest.Source{ProjectID: "proj", RemoteRef: "git@example.com:proj.git"}
	_, err := h.engine.Start(ctx, in)
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Contains(t, err.Error(), "remoteref")

	in.Source = manifest.Source{ProjectID: "proj", Path: "/repo", RemoteRef: "x"}
	_, err = h.engine.Start(ctx, in)
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Contains(t, err.Error(), "only one of")

	runs, err := h.store.QueryRuns(ctx, storage.RunQuery{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestCIRunRecordsDriftAndLocalRunDoesNot(t *testing.T) {
	h := newHarness(t, newFakeService(threeGoodAtoms(), nil))
	ctx := context.Background()

	local := h.runToRest(t, startInput(drift.AttestationLocal))
	require.Equal(t, StatusCompleted, local.Status)
	items, err := h.store.QueryDriftItems(ctx, storage.DriftQuery{ProjectID: "proj"})
	require.NoError(t, err)
	assert.Empty(t, items)

	ci := h.runToRest(t, startInput(drift.AttestationCI))
	require.Equal(t, StatusCompleted, ci.Status, "last error: %s", ci.LastError)

	// Drafts never link tests, so all five tests stay orphans and each of
	// the three source tests carries a backlog entry for its drafts.
	items, err = h.store.QueryDriftItems(ctx, storage.DriftQuery{ProjectID: "proj"})
	require.NoError(t, err)
	byType := map[string]int{}
	for _, it := range items {
		byType[it.DriftType]++
		assert.Equal(t, ci.RunID, it.DetectedByRunID)
	}
	assert.Equal(t, 5, byType[string(drift.TypeOrphanTest)])
	assert.Equal(t, 3, byType[string(drift.TypeCommitmentBacklog)])

	h.obs.mu.Lock()
	defer h.obs.mu.Unlock()
	assert.Equal(t, [3]int{8, 0, 0}, h.obs.drift)
}

func TestEventsReplayAndMirror(t *testing.T) {
	h := newHarness(t, newFakeService(threeGoodAtoms(), loginMolecule()))
	ctx := context.Background()

	st := h.runToRest(t, startInput(drift.AttestationLocal))
	require.Equal(t, StatusCompleted, st.Status)

	events, err := h.engine.Replay(ctx, st.RunID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
	assert.Equal(t, EventPhaseStarted, events[0].Type)
	assert.Equal(t, PhaseLoadManifest, events[0].Phase)
	last := events[len(events)-1]
	assert.Equal(t, EventCompleted, last.Type)
	assert.Equal(t, StatusCompleted, last.Status)
	assert.Equal(t, 3, last.AtomsInferred)

	tail, err := h.engine.Replay(ctx, st.RunID, last.Seq-1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, last.Seq, tail[0].Seq)

	f, err := os.Open(h.engine.MirrorPath(st.RunID))
	require.NoError(t, err)
	defer f.Close()
	var lines []mirrorLine
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var l mirrorLine
		require.NoError(t, json.Unmarshal(sc.Bytes(), &l))
		lines = append(lines, l)
	}
	require.NoError(t, sc.Err())
	require.Len(t, lines, len(events))
	assert.Equal(t, EventCompleted, lines[len(lines)-1].Type)
	assert.Equal(t, last.Seq, lines[len(lines)-1].Data.Seq)

	_, err = h.engine.Replay(ctx, "no-such-run", 0)
	assert.ErrorIs(t, err, storage.ErrRunNotFound)
}

func TestSubscribeStreamsUntilFinalEvent(t *testing.T) {
	h := newHarness(t, newFakeService(threeGoodAtoms(), nil))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := h.engine.Start(ctx, startInput(drift.AttestationLocal))
	require.NoError(t, err)
	ch, err := h.engine.Subscribe(ctx, id, 0)
	require.NoError(t, err)

	var got []Event
	for ev := range ch {
		got = append(got, ev)
	}
	require.NotEmpty(t, got)
	for i, ev := range got {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
	assert.Equal(t, EventCompleted, got[len(got)-1].Type)
}

func TestCancelStopsRunningRun(t *testing.T) {
	svc := newFakeService(threeGoodAtoms(), nil)
	svc.block = true
	h := newHarness(t, svc)
	ctx := context.Background()

	id, err := h.engine.Start(ctx, startInput(drift.AttestationLocal))
	require.NoError(t, err)
	select {
	case <-svc.started:
	case <-time.After(10 * time.Second):
		t.Fatal("inference was never called")
	}

	require.NoError(t, h.engine.Cancel(ctx, id))
	st := h.settle(t, id)
	assert.Equal(t, StatusCancelled, st.Status)
	assert.Equal(t, PhaseInferAtoms, st.Phase)

	err = h.engine.Cancel(ctx, id)
	assert.ErrorIs(t, err, storage.ErrRunStateConflict)

	events, err := h.engine.Replay(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, EventCancelled, events[len(events)-1].Type)
}

func TestCloseFailsInFlightRun(t *testing.T) {
	svc := newFakeService(threeGoodAtoms(), nil)
	svc.block = true
	h := newHarness(t, svc)
	ctx := context.Background()

	id, err := h.engine.Start(ctx, startInput(drift.AttestationLocal))
	require.NoError(t, err)
	select {
	case <-svc.started:
	case <-time.After(10 * time.Second):
		t.Fatal("inference was never called")
	}

	require.NoError(t, h.engine.Close())
	run, err := h.store.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(StatusFailed), run.Status)
	assert.Contains(t, run.LastError, "execution stopped")

	_, err = h.engine.Start(ctx, startInput(drift.AttestationLocal))
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestConcurrentRunsAreIsolated(t *testing.T) {
	h := newHarness(t, newFakeService(threeGoodAtoms(), nil))
	ctx := context.Background()

	ids := make([]string, 6)
	for i := range ids {
		id, err := h.engine.Start(ctx, startInput(drift.AttestationLocal))
		require.NoError(t, err)
		ids[i] = id
	}
	for _, id := range ids {
		st := h.settle(t, id)
		assert.Equal(t, StatusCompleted, st.Status, "run %s: %s", id, st.LastError)
		atoms, err := h.store.QueryAtoms(ctx, storage.AtomQuery{RunID: id})
		require.NoError(t, err)
		assert.Len(t, atoms, 3)
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&apperr.TransientInferenceError{Operation: "infer_atoms", Err: errors.New("x")}, "transient_inference"},
		{apperr.Invalid("mode", "bad"), "validation"},
		{classify.ErrNoDelta, "no_delta"},
		{&apperr.ImmutabilityViolation{Entity: "commitment"}, "immutability"},
		{storage.ErrRunStateConflict, "conflict"},
		{context.Canceled, "cancelled"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorKind(tt.err), "%v", tt.err)
	}
}
