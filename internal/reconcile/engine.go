// Package reconcile runs reconciliation runs: it takes a repository's test
// evidence through classification, inference and quality verification,
// waits for human review when needed, and applies the approved atoms.
//
// Every run executes in its own goroutine. Each phase persists its output
// snapshot before the run advances, so a run can always be rebuilt from its
// row and snapshots alone; the event log is a convenience on top.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/jasontalley/pact-sub013/internal/classify"
	"github.com/jasontalley/pact-sub013/internal/drift"
	"github.com/jasontalley/pact-sub013/internal/inference"
	"github.com/jasontalley/pact-sub013/internal/intent"
	"github.com/jasontalley/pact-sub013/internal/manifest"
	"github.com/jasontalley/pact-sub013/internal/quality"
	"github.com/jasontalley/pact-sub013/internal/storage"
)

// Store is the subset of storage the engine uses.
type Store interface {
	CreateRun(ctx context.Context, run *storage.Run) error
	GetRun(ctx context.Context, runID string) (*storage.Run, error)
	UpdateRun(ctx context.Context, update *storage.RunUpdate) (*storage.Run, error)
	QueryRuns(ctx context.Context, q storage.RunQuery) ([]storage.Run, error)
	AppendRunError(ctx context.Context, e *storage.RunError) error
	ListRunErrors(ctx context.Context, runID string) ([]storage.RunError, error)
	AppendRunEvent(ctx context.Context, e *storage.RunEvent) error
	ListRunEvents(ctx context.Context, runID string, afterSeq int64) ([]storage.RunEvent, error)
	SavePhaseState(ctx context.Context, ps *storage.PhaseState) error
	ListPhaseStates(ctx context.Context, runID string) ([]storage.PhaseState, error)
	PersistRunOutput(ctx context.Context, out *storage.RunOutput) (*storage.RunOutputResult, error)
	QueryAtoms(ctx context.Context, q storage.AtomQuery) ([]*intent.Atom, error)
}

// Manifests resolves run sources to manifests.
type Manifests interface {
	Get(ctx context.Context, src manifest.Source) (*manifest.RepoManifest, error)
	Load(ctx context.Context, manifestID string) (*manifest.RepoManifest, error)
	CheckSource(src manifest.Source) error
}

// Inference produces candidate atoms and molecules.
type Inference interface {
	InferAtoms(ctx context.Context, m *manifest.RepoManifest, cls *classify.Result) (*inference.AtomBatch, error)
	SynthesizeMolecules(ctx context.Context, atoms []intent.InferredAtom) (*inference.MoleculeBatch, error)
}

// Drift records drift debt for CI-attested runs.
type Drift interface {
	Apply(ctx context.Context, rc drift.RunContext, found []drift.Discrepancy) (*drift.ApplyResult, error)
	CoverageFloor() float64
}

// Observer receives run lifecycle notifications.
type Observer interface {
	RunStatusChanged(status string)
	PhaseFinished(phase, outcome string, d time.Duration)
	DriftApplied(created, confirmed, resolved int)
}

// Config configures an Engine.
type Config struct {
	// MaxConcurrentRuns bounds how many runs execute at once. Zero means 4.
	MaxConcurrentRuns int
	// RunLogDir enables the JSONL event mirror when non-empty.
	RunLogDir string
	// AgentName is recorded as the origin of inferred atoms.
	AgentName string
	Logger    *slog.Logger
	Observer  Observer
	NewRunID  func() string
}

// Engine owns the lifecycle of reconciliation runs. All run state lives in
// the store; the engine only tracks which runs currently execute.
type Engine struct {
	store     Store
	manifests Manifests
	inference Inference
	gate      *quality.Gate
	drift     Drift
	cfg       Config

	events *broker
	mirror *eventMirror
	sem    *semaphore.Weighted

	base context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	closed   bool
	active   map[string]*execution
	wg       sync.WaitGroup
	reviewMu sync.Mutex
}

type execution struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates an engine. Call Close to stop in-flight runs.
func NewEngine(store Store, manifests Manifests, inf Inference, gate *quality.Gate, dr Drift, cfg Config) (*Engine, error) {
	if store == nil || manifests == nil || inf == nil || gate == nil || dr == nil {
		return nil, errors.New("reconcile: store, manifests, inference, gate and drift are required")
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 4
	}
	if cfg.AgentName == "" {
		cfg.AgentName = "inference"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewRunID == nil {
		cfg.NewRunID = uuid.NewString
	}

	e := &Engine{
		store:     store,
		manifests: manifests,
		inference: inf,
		gate:      gate,
		drift:     dr,
		cfg:       cfg,
		events:    newBroker(),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentRuns)),
		active:    make(map[string]*execution),
	}
	if cfg.RunLogDir != "" {
		m, err := newEventMirror(cfg.RunLogDir, cfg.Logger)
		if err != nil {
			return nil, err
		}
		e.mirror = m
	}
	e.base, e.stop = context.WithCancel(context.Background())
	return e, nil
}

// MirrorPath returns the JSONL mirror file of runID, or "" when mirroring
// is off.
func (e *Engine) MirrorPath(runID string) string {
	if e.mirror == nil {
		return ""
	}
	return e.mirror.Path(runID)
}

// Start validates in, persists a queued run and executes it in the
// background. It returns as soon as the run row exists.
func (e *Engine) Start(ctx context.Context, in StartInput) (string, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}
	if err := e.manifests.CheckSource(in.Source); err != nil {
		return "", err
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return "", ErrEngineClosed
	}

	src, err := json.Marshal(in.Source)
	if err != nil {
		return "", fmt.Errorf("encode source: %w", err)
	}
	lane := in.Lane
	if lane == "" {
		lane = drift.LaneNormal
	}
	run := &storage.Run{
		RunID:         e.cfg.NewRunID(),
		ProjectID:     in.Source.ProjectID,
		CommitHash:    in.Source.CommitHash,
		Mode:          string(in.Mode),
		Status:        string(StatusQueued),
		Attestation:   string(in.Attestation),
		ExceptionLane: string(lane),
		Justification: in.Justification,
		SourceJSON:    string(src),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return "", err
	}
	e.observeStatus(StatusQueued)
	e.cfg.Logger.Info("run queued", "run_id", run.RunID, "project_id", run.ProjectID, "mode", run.Mode, "attestation", run.Attestation)

	if err := e.launch(run.RunID); err != nil {
		return "", err
	}
	return run.RunID, nil
}

// Status returns the run's current state, rebuilt from the store.
func (e *Engine) Status(ctx context.Context, runID string) (*RunStatus, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	rows, err := e.store.ListRunErrors(ctx, runID)
	if err != nil {
		return nil, err
	}
	p, err := e.decode(ctx, run)
	if err != nil {
		return nil, err
	}

	st := &RunStatus{
		RunID:         run.RunID,
		ProjectID:     run.ProjectID,
		CommitHash:    run.CommitHash,
		ManifestID:    run.ManifestID,
		Mode:          classify.Mode(run.Mode),
		Attestation:   drift.Attestation(run.Attestation),
		Status:        Status(run.Status),
		Phase:         Phase(run.CurrentPhase),
		Errors:        make([]RunError, 0, len(rows)),
		LastError:     run.LastError,
		ReviewRound:   run.ReviewRound,
		RecoveredFrom: run.RecoveredFrom,
		CreatedAt:     time.UnixMilli(run.CreatedAt).UTC(),
		UpdatedAt:     time.UnixMilli(run.UpdatedAt).UTC(),
	}
	for _, r := range rows {
		st.Errors = append(st.Errors, RunError{Phase: Phase(r.Phase), Kind: r.Kind, Message: r.Message, At: time.UnixMilli(r.CreatedAt).UTC()})
	}
	st.Counts = p.counts()
	st.Counts.Errors = len(rows)
	if st.Status == StatusInterrupted && p.review != nil {
		st.PendingReview = p.review.pending()
	}
	return st, nil
}

// Cancel moves a queued, running or interrupted run to cancelled and stops
// its execution. Snapshots persisted so far are kept.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	cancelled := string(StatusCancelled)
	run, err := e.store.UpdateRun(ctx, &storage.RunUpdate{
		RunID:        runID,
		ExpectStatus: statuses(StatusQueued, StatusRunning, StatusInterrupted),
		Status:       &cancelled,
	})
	if err != nil {
		return err
	}
	e.observeStatus(StatusCancelled)
	e.emit(ctx, run, EventCancelled, "cancelled by request")
	e.cfg.Logger.Info("run cancelled", "run_id", runID, "phase", run.CurrentPhase)

	e.mu.Lock()
	ex := e.active[runID]
	e.mu.Unlock()
	if ex != nil {
		ex.cancel()
	}
	return nil
}

// Wait blocks until the run's current execution returns. It returns
// immediately when the run is not executing.
func (e *Engine) Wait(ctx context.Context, runID string) error {
	e.mu.Lock()
	ex := e.active[runID]
	e.mu.Unlock()
	if ex == nil {
		return nil
	}
	select {
	case <-ex.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work, cancels in-flight executions and waits for
// every goroutine the engine started. Runs stopped this way are marked
// failed and can be recovered.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.stop()
	e.wg.Wait()
	return nil
}

// launch starts an execution of runID. A previous execution of the same
// run that is still winding down is waited for first, so phases of one run
// never overlap.
func (e *Engine) launch(runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}

	prev := e.active[runID]
	ctx, cancel := context.WithCancel(e.base)
	ex := &execution{cancel: cancel, done: make(chan struct{})}
	e.active[runID] = ex
	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		defer cancel()
		defer func() {
			e.mu.Lock()
			if e.active[runID] == ex {
				delete(e.active, runID)
			}
			e.mu.Unlock()
			close(ex.done)
		}()

		if prev != nil {
			select {
			case <-prev.done:
			case <-ctx.Done():
				e.abandon(ctx, runID)
				return
			}
		}
		if err := e.sem.Acquire(ctx, 1); err != nil {
			e.abandon(ctx, runID)
			return
		}
		defer e.sem.Release(1)
		e.execute(ctx, runID)
	}()
	return nil
}

// execute drives runID from its first incomplete phase to the next resting
// state: completed, failed, interrupted or cancelled.
func (e *Engine) execute(ctx context.Context, runID string) {
	log := e.cfg.Logger.With("run_id", runID)

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		log.Error("load run", "error", err)
		return
	}
	if Status(run.Status) == StatusQueued {
		running := string(StatusRunning)
		run, err = e.store.UpdateRun(ctx, &storage.RunUpdate{RunID: runID, ExpectStatus: statuses(StatusQueued), Status: &running})
		if err != nil {
			log.Debug("run not started", "error", err)
			return
		}
		e.observeStatus(StatusRunning)
	}
	if Status(run.Status) != StatusRunning {
		return
	}

	p, err := e.decode(ctx, run)
	if err == nil {
		err = p.rehydrate(ctx)
	}
	if err != nil {
		e.fail(ctx, run, Phase(run.CurrentPhase), err)
		return
	}

	for _, phase := range Phases {
		if p.done(phase) {
			continue
		}
		if ctx.Err() != nil {
			e.abandon(ctx, runID)
			return
		}

		ph := string(phase)
		run, err = e.store.UpdateRun(ctx, &storage.RunUpdate{RunID: runID, ExpectStatus: statuses(StatusRunning), CurrentPhase: &ph})
		if err != nil {
			log.Debug("run left running state", "phase", phase, "error", err)
			return
		}
		e.emit(ctx, run, EventPhaseStarted, "")

		started := time.Now()
		issues, err := p.runPhase(ctx, phase)

		if ctx.Err() != nil {
			e.observePhase(phase, "cancelled", started)
			e.abandon(ctx, runID)
			return
		}
		if errors.Is(err, errAwaitReview) {
			e.observePhase(phase, "interrupted", started)
			e.interrupt(ctx, run, p)
			return
		}
		if err != nil && phase.Critical() {
			e.observePhase(phase, "failed", started)
			e.recordIssues(ctx, run, phase, issues)
			e.fail(ctx, run, phase, err)
			return
		}
		if err != nil {
			issues = append(issues, err)
			log.Warn("phase degraded", "phase", phase, "error", err)
		}
		e.recordIssues(ctx, run, phase, issues)

		if err := p.save(ctx, phase); err != nil {
			e.observePhase(phase, "failed", started)
			e.fail(ctx, run, phase, err)
			return
		}
		run, err = e.store.UpdateRun(ctx, p.progress(runID))
		if err != nil {
			log.Debug("run left running state", "phase", phase, "error", err)
			return
		}
		outcome := "ok"
		if len(issues) > 0 {
			outcome = "degraded"
		}
		e.observePhase(phase, outcome, started)
		e.emit(ctx, run, EventProgress, fmt.Sprintf("%s finished", phase))
	}

	completed := string(StatusCompleted)
	run, err = e.store.UpdateRun(ctx, &storage.RunUpdate{RunID: runID, ExpectStatus: statuses(StatusRunning), Status: &completed})
	if err != nil {
		log.Debug("run left running state", "error", err)
		return
	}
	e.observeStatus(StatusCompleted)
	e.emit(ctx, run, EventCompleted, "")
	log.Info("run completed", "atoms", run.AtomsInferred, "molecules", run.MoleculesInferred)
}

func (e *Engine) recordIssues(ctx context.Context, run *storage.Run, phase Phase, issues []error) {
	for _, issue := range issues {
		if err := e.store.AppendRunError(context.WithoutCancel(ctx), &storage.RunError{
			RunID:   run.RunID,
			Phase:   string(phase),
			Kind:    errorKind(issue),
			Message: issue.Error(),
		}); err != nil {
			e.cfg.Logger.Error("append run error", "run_id", run.RunID, "error", err)
		}
	}
}

// fail records err and moves the run to failed. Partial counts stay as
// they are.
func (e *Engine) fail(ctx context.Context, run *storage.Run, phase Phase, err error) {
	ctx = context.WithoutCancel(ctx)
	e.recordIssues(ctx, run, phase, []error{err})

	failed, msg := string(StatusFailed), err.Error()
	updated, uerr := e.store.UpdateRun(ctx, &storage.RunUpdate{
		RunID:        run.RunID,
		ExpectStatus: statuses(StatusQueued, StatusRunning),
		Status:       &failed,
		LastError:    &msg,
	})
	if uerr != nil {
		e.cfg.Logger.Debug("run not failed", "run_id", run.RunID, "error", uerr)
		return
	}
	e.observeStatus(StatusFailed)
	e.emit(ctx, updated, EventFailed, msg)
	e.cfg.Logger.Error("run failed", "run_id", run.RunID, "phase", phase, "error", err)
}

// abandon handles an execution whose context ended. A cancelled run is
// left alone; anything else was stopped by shutdown and is failed so it
// can be recovered.
func (e *Engine) abandon(ctx context.Context, runID string) {
	ctx = context.WithoutCancel(ctx)
	run, err := e.store.GetRun(ctx, runID)
	if err != nil || Status(run.Status).Terminal() || Status(run.Status) == StatusInterrupted {
		return
	}
	e.fail(ctx, run, Phase(run.CurrentPhase), errors.New("execution stopped before the run finished"))
}

func (e *Engine) interrupt(ctx context.Context, run *storage.Run, p *pipeline) {
	if err := p.save(ctx, PhaseAwaitReview); err != nil {
		e.fail(ctx, run, PhaseAwaitReview, err)
		return
	}
	interrupted, round := string(StatusInterrupted), p.review.Round
	updated, err := e.store.UpdateRun(ctx, &storage.RunUpdate{
		RunID:        run.RunID,
		ExpectStatus: statuses(StatusRunning),
		Status:       &interrupted,
		ReviewRound:  &round,
	})
	if err != nil {
		e.cfg.Logger.Debug("run not interrupted", "run_id", run.RunID, "error", err)
		return
	}
	e.observeStatus(StatusInterrupted)
	e.emit(ctx, updated, EventInterrupted, fmt.Sprintf("%d atom(s) awaiting review", len(p.review.Pending)))
	e.cfg.Logger.Info("run awaiting review", "run_id", run.RunID, "pending", len(p.review.Pending), "round", p.review.Round)
}

func (e *Engine) observeStatus(s Status) {
	if e.cfg.Observer != nil {
		e.cfg.Observer.RunStatusChanged(string(s))
	}
}

func (e *Engine) observePhase(p Phase, outcome string, started time.Time) {
	if e.cfg.Observer != nil {
		e.cfg.Observer.PhaseFinished(string(p), outcome, time.Since(started))
	}
}

func statuses(s ...Status) []string {
	out := make([]string, len(s))
	for i, v := range s {
		out[i] = string(v)
	}
	return out
}
