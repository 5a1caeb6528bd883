package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jasontalley/pact-sub013/internal/apperr"
	"github.com/jasontalley/pact-sub013/internal/storage"
)

// Pending returns the review payload of an interrupted run.
func (e *Engine) Pending(ctx context.Context, runID string) (*PendingReview, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if Status(run.Status) != StatusInterrupted {
		return nil, fmt.Errorf("%w: run %s is %s", ErrNotInterrupted, runID, run.Status)
	}
	p, err := e.decode(ctx, run)
	if err != nil {
		return nil, err
	}
	return p.review.pending(), nil
}

// SubmitReview applies one decision per pending atom. Approved atoms join
// the run's output and rejected ones are dropped. Atoms sent back for
// clarification stay pending for another round; once nothing is pending the
// run resumes at apply. The returned payload is nil when the run resumed.
func (e *Engine) SubmitReview(ctx context.Context, runID string, decisions []ReviewDecision) (*PendingReview, error) {
	e.reviewMu.Lock()
	defer e.reviewMu.Unlock()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if Status(run.Status) != StatusInterrupted {
		return nil, fmt.Errorf("%w: run %s is %s", ErrNotInterrupted, runID, run.Status)
	}
	p, err := e.decode(ctx, run)
	if err != nil {
		return nil, err
	}
	if p.review == nil || len(p.review.Pending) == 0 {
		return nil, fmt.Errorf("%w: run %s has nothing to review", ErrNotInterrupted, runID)
	}
	if err := checkDecisions(p.review.Pending, decisions); err != nil {
		return nil, err
	}

	byID := make(map[string]ReviewDecision, len(decisions))
	for _, d := range decisions {
		byID[d.TempID] = d
	}
	rs := p.review
	still := make([]ReviewItem, 0, len(rs.Pending))
	for _, item := range rs.Pending {
		d := byID[item.Atom.TempID]
		switch d.Action {
		case ReviewApprove:
			rs.Approved = append(rs.Approved, item.Atom)
		case ReviewReject:
			rs.Rejected = append(rs.Rejected, item.Atom)
		case ReviewClarify:
			item.Clarification = d.Comment
			still = append(still, item)
		}
	}
	rs.History = append(rs.History, reviewRecord{Round: rs.Round, Decisions: decisions, At: time.Now().UTC()})
	rs.Pending = still

	log := e.cfg.Logger.With("run_id", runID, "round", rs.Round)
	if len(still) > 0 {
		rs.Round++
		if err := p.save(ctx, PhaseAwaitReview); err != nil {
			return nil, err
		}
		round := rs.Round
		updated, err := e.store.UpdateRun(ctx, &storage.RunUpdate{
			RunID:        runID,
			ExpectStatus: statuses(StatusInterrupted),
			ReviewRound:  &round,
		})
		if err != nil {
			return nil, err
		}
		e.emit(ctx, updated, EventInterrupted, fmt.Sprintf("%d atom(s) awaiting clarification", len(still)))
		log.Info("review round recorded", "clarify", len(still), "approved", len(rs.Approved), "rejected", len(rs.Rejected))
		return rs.pending(), nil
	}

	if err := p.save(ctx, PhaseAwaitReview); err != nil {
		return nil, err
	}
	if err := e.resume(ctx, runID, PhaseApply); err != nil {
		return nil, err
	}
	log.Info("review complete", "approved", len(rs.Approved), "rejected", len(rs.Rejected))
	return nil, nil
}

// checkDecisions requires exactly one valid decision per pending item.
func checkDecisions(pending []ReviewItem, decisions []ReviewDecision) error {
	var errs apperr.ValidationErrors
	want := make(map[string]bool, len(pending))
	for _, item := range pending {
		want[item.Atom.TempID] = true
	}
	seen := make(map[string]bool, len(decisions))
	for i, d := range decisions {
		field := fmt.Sprintf("decisions[%d]", i)
		if err := apperr.ValidateStruct(d); err != nil {
			var verrs apperr.ValidationErrors
			if !errors.As(err, &verrs) {
				return err
			}
			for _, v := range verrs {
				v.Field = field + "." + v.Field
				errs = append(errs, v)
			}
			continue
		}
		switch {
		case !want[d.TempID]:
			errs = append(errs, apperr.ValidationError{Field: field + ".tempid", Message: fmt.Sprintf("%s is not pending review", d.TempID)})
		case seen[d.TempID]:
			errs = append(errs, apperr.ValidationError{Field: field + ".tempid", Message: fmt.Sprintf("%s has more than one decision", d.TempID)})
		case d.Action == ReviewClarify && strings.TrimSpace(d.Comment) == "":
			errs = append(errs, apperr.ValidationError{Field: field + ".comment", Message: "is required to ask for clarification"})
		}
		seen[d.TempID] = true
	}
	for _, item := range pending {
		if !seen[item.Atom.TempID] {
			errs = append(errs, apperr.ValidationError{Field: "decisions", Message: fmt.Sprintf("missing decision for %s", item.Atom.TempID)})
		}
	}
	return errs.OrNil()
}

// resume moves an interrupted run back to running at phase and executes it.
func (e *Engine) resume(ctx context.Context, runID string, phase Phase) error {
	running, ph := string(StatusRunning), string(phase)
	updated, err := e.store.UpdateRun(ctx, &storage.RunUpdate{
		RunID:        runID,
		ExpectStatus: statuses(StatusInterrupted),
		Status:       &running,
		CurrentPhase: &ph,
	})
	if err != nil {
		return err
	}
	e.observeStatus(StatusRunning)
	e.emit(ctx, updated, EventProgress, "resumed at "+ph)
	return e.launch(runID)
}

// ListRecoverable lists the project's failed and interrupted runs that
// produced inference output worth keeping. Failed runs that were already
// recovered are left out.
func (e *Engine) ListRecoverable(ctx context.Context, projectID string) ([]RecoverableRun, error) {
	runs, err := e.store.QueryRuns(ctx, storage.RunQuery{ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	recovered := make(map[string]bool)
	for _, r := range runs {
		if r.RecoveredFrom != "" {
			recovered[r.RecoveredFrom] = true
		}
	}

	out := []RecoverableRun{}
	for _, r := range runs {
		if !recoverable(&r) || (recovered[r.RunID] && Status(r.Status) == StatusFailed) {
			continue
		}
		out = append(out, RecoverableRun{
			RunID:             r.RunID,
			ProjectID:         r.ProjectID,
			Status:            Status(r.Status),
			Phase:             Phase(r.CurrentPhase),
			AtomsInferred:     r.AtomsInferred,
			MoleculesInferred: r.MoleculesInferred,
			LastError:         r.LastError,
			UpdatedAt:         time.UnixMilli(r.UpdatedAt).UTC(),
		})
	}
	return out, nil
}

func recoverable(r *storage.Run) bool {
	st := Status(r.Status)
	if st != StatusFailed && st != StatusInterrupted {
		return false
	}
	return r.AtomsInferred > 0 || r.MoleculesInferred > 0
}

// Recover continues a recoverable run without re-running inference. An
// interrupted run keeps its id and returns its pending review. A failed run
// is terminal, so a derived run is created that inherits every finished
// phase snapshot and executes the rest.
func (e *Engine) Recover(ctx context.Context, runID string) (*RecoveryResult, error) {
	e.reviewMu.Lock()
	defer e.reviewMu.Unlock()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !recoverable(run) {
		return nil, fmt.Errorf("%w: run %s is %s with no inference output", ErrNotRecoverable, runID, run.Status)
	}
	p, err := e.decode(ctx, run)
	if err != nil {
		return nil, err
	}

	if Status(run.Status) == StatusInterrupted {
		res := &RecoveryResult{RunID: runID, RecoveredFrom: runID, ResumeFrom: PhaseAwaitReview}
		if pr := p.review.pending(); pr != nil {
			res.PendingReview = pr
			return res, nil
		}
		// The review finished but the run never resumed.
		res.ResumeFrom = nextPhase(p)
		if err := e.resume(ctx, runID, res.ResumeFrom); err != nil {
			return nil, err
		}
		return res, nil
	}

	runs, err := e.store.QueryRuns(ctx, storage.RunQuery{ProjectID: run.ProjectID})
	if err != nil {
		return nil, err
	}
	for _, r := range runs {
		if r.RecoveredFrom == runID {
			return nil, fmt.Errorf("%w: run %s was already recovered as %s", ErrNotRecoverable, runID, r.RunID)
		}
	}

	derived := &storage.Run{
		RunID:             e.cfg.NewRunID(),
		ProjectID:         run.ProjectID,
		CommitHash:        run.CommitHash,
		ManifestID:        run.ManifestID,
		Mode:              run.Mode,
		Status:            string(StatusQueued),
		Attestation:       run.Attestation,
		ExceptionLane:     run.ExceptionLane,
		Justification:     run.Justification,
		SourceJSON:        run.SourceJSON,
		AtomsInferred:     run.AtomsInferred,
		MoleculesInferred: run.MoleculesInferred,
		RecoveredFrom:     runID,
		ReviewRound:       run.ReviewRound,
	}
	if err := e.store.CreateRun(ctx, derived); err != nil {
		return nil, err
	}
	states, err := e.store.ListPhaseStates(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, ps := range states {
		cp := ps
		cp.RunID = derived.RunID
		if err := e.store.SavePhaseState(ctx, &cp); err != nil {
			return nil, fmt.Errorf("copy %s snapshot: %w", ps.Phase, err)
		}
	}
	e.observeStatus(StatusQueued)

	res := &RecoveryResult{RunID: derived.RunID, RecoveredFrom: runID, Derived: true, ResumeFrom: nextPhase(p)}
	e.cfg.Logger.Info("run recovered", "run_id", derived.RunID, "recovered_from", runID, "resume_from", res.ResumeFrom)
	if err := e.launch(derived.RunID); err != nil {
		return nil, err
	}
	return res, nil
}

// nextPhase is the first phase p has not finished.
func nextPhase(p *pipeline) Phase {
	for _, ph := range Phases {
		if !p.done(ph) {
			return ph
		}
	}
	return PhaseApply
}

