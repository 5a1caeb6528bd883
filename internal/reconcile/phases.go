package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jasontalley/pact-sub013/internal/apperr"
	"github.com/jasontalley/pact-sub013/internal/classify"
	"github.com/jasontalley/pact-sub013/internal/drift"
	"github.com/jasontalley/pact-sub013/internal/inference"
	"github.com/jasontalley/pact-sub013/internal/intent"
	"github.com/jasontalley/pact-sub013/internal/manifest"
	"github.com/jasontalley/pact-sub013/internal/quality"
	"github.com/jasontalley/pact-sub013/internal/storage"
)

// errAwaitReview stops execution until a reviewer decides.
var errAwaitReview = errors.New("awaiting review")

type manifestState struct {
	ManifestID string `json:"manifestId"`
	CommitHash string `json:"commitHash"`
	Files      int    `json:"files"`
	Tests      int    `json:"tests"`
}

type atomsState struct {
	Atoms     []intent.InferredAtom `json:"atoms"`
	Discarded []inference.Discard   `json:"discarded,omitempty"`
}

type moleculesState struct {
	Molecules []intent.InferredMolecule `json:"molecules"`
	Discarded []inference.Discard       `json:"discarded,omitempty"`
}

type reviewRecord struct {
	Round     int              `json:"round"`
	Decisions []ReviewDecision `json:"decisions"`
	At        time.Time        `json:"at"`
}

// reviewState is the await_review snapshot. Round zero means the run never
// needed a reviewer.
type reviewState struct {
	Round    int                   `json:"round"`
	Pending  []ReviewItem          `json:"pending"`
	Approved []intent.InferredAtom `json:"approved"`
	Rejected []intent.InferredAtom `json:"rejected"`
	History  []reviewRecord        `json:"history,omitempty"`
}

func (r *reviewState) pending() *PendingReview {
	if r == nil || len(r.Pending) == 0 {
		return nil
	}
	items := make([]ReviewItem, len(r.Pending))
	copy(items, r.Pending)
	return &PendingReview{Round: r.Round, Items: items}
}

// applyState is the apply snapshot. Persisted is saved before drift runs so
// a resumed apply never writes the run's atoms twice.
type applyState struct {
	Persisted    bool               `json:"persisted"`
	AtomIDs      map[string]string  `json:"atomIds"`
	MoleculeIDs  map[string]string  `json:"moleculeIds"`
	Drift        *drift.ApplyResult `json:"drift,omitempty"`
	DriftSkipped string             `json:"driftSkipped,omitempty"`
	Discrepancy  int                `json:"discrepancies"`
	Complete     bool               `json:"complete"`
}

// pipeline is one run's in-memory view, rebuilt from its row and phase
// snapshots on every execution.
type pipeline struct {
	e      *Engine
	run    *storage.Run
	source manifest.Source

	manifest  *manifest.RepoManifest
	loaded    *manifestState
	cls       *classify.Result
	atoms     *atomsState
	molecules *moleculesState
	verified  *quality.RunVerification
	review    *reviewState
	applied   *applyState
}

// decode rebuilds the pipeline of run from the store. The manifest itself
// is not loaded; see rehydrate.
func (e *Engine) decode(ctx context.Context, run *storage.Run) (*pipeline, error) {
	p := &pipeline{e: e, run: run}
	if run.SourceJSON != "" {
		if err := json.Unmarshal([]byte(run.SourceJSON), &p.source); err != nil {
			return nil, fmt.Errorf("decode run source: %w", err)
		}
	}

	states, err := e.store.ListPhaseStates(ctx, run.RunID)
	if err != nil {
		return nil, err
	}
	for _, ps := range states {
		var target any
		switch Phase(ps.Phase) {
		case PhaseLoadManifest:
			p.loaded = &manifestState{}
			target = p.loaded
		case PhaseClassify:
			p.cls = &classify.Result{}
			target = p.cls
		case PhaseInferAtoms:
			p.atoms = &atomsState{}
			target = p.atoms
		case PhaseSynthesizeMolecules:
			p.molecules = &moleculesState{}
			target = p.molecules
		case PhaseVerifyQuality:
			p.verified = &quality.RunVerification{}
			target = p.verified
		case PhaseAwaitReview:
			p.review = &reviewState{}
			target = p.review
		case PhaseApply:
			p.applied = &applyState{}
			target = p.applied
		default:
			e.cfg.Logger.Warn("unknown phase snapshot", "run_id", run.RunID, "phase", ps.Phase)
			continue
		}
		if err := json.Unmarshal(ps.StateJSON, target); err != nil {
			return nil, fmt.Errorf("decode %s snapshot: %w", ps.Phase, err)
		}
	}
	return p, nil
}

// rehydrate loads the manifest a previous execution already resolved.
func (p *pipeline) rehydrate(ctx context.Context) error {
	if p.loaded == nil || p.manifest != nil {
		return nil
	}
	m, err := p.e.manifests.Load(ctx, p.loaded.ManifestID)
	if err != nil {
		return fmt.Errorf("reload manifest %s: %w", p.loaded.ManifestID, err)
	}
	p.manifest = manifest.WithDelta(m, p.source)
	return nil
}

// done reports whether phase already has a final snapshot.
func (p *pipeline) done(phase Phase) bool {
	switch phase {
	case PhaseLoadManifest:
		return p.loaded != nil
	case PhaseClassify:
		return p.cls != nil
	case PhaseInferAtoms:
		return p.atoms != nil
	case PhaseSynthesizeMolecules:
		return p.molecules != nil
	case PhaseVerifyQuality:
		return p.verified != nil
	case PhaseAwaitReview:
		return p.review != nil && len(p.review.Pending) == 0
	case PhaseApply:
		return p.applied != nil && p.applied.Complete
	}
	return false
}

// runPhase executes one phase. issues are recorded against the run without
// failing it; err fails critical phases only.
func (p *pipeline) runPhase(ctx context.Context, phase Phase) ([]error, error) {
	switch phase {
	case PhaseLoadManifest:
		return nil, p.loadManifest(ctx)
	case PhaseClassify:
		return nil, p.classify(ctx)
	case PhaseInferAtoms:
		return p.inferAtoms(ctx)
	case PhaseSynthesizeMolecules:
		return p.synthesize(ctx)
	case PhaseVerifyQuality:
		p.verified = p.e.gate.VerifyRun(p.atomList(), p.moleculeList())
		return nil, nil
	case PhaseAwaitReview:
		return nil, p.awaitReview()
	case PhaseApply:
		return nil, p.apply(ctx)
	}
	return nil, fmt.Errorf("unknown phase %q", phase)
}

func (p *pipeline) loadManifest(ctx context.Context) error {
	m, err := p.e.manifests.Get(ctx, p.source)
	if err != nil {
		return err
	}
	p.manifest = m
	p.loaded = &manifestState{
		ManifestID: m.ManifestID,
		CommitHash: m.CommitHash,
		Files:      len(m.Files),
		Tests:      len(m.Tests),
	}
	return nil
}

func (p *pipeline) classify(ctx context.Context) error {
	if p.manifest == nil {
		return errors.New("classify: manifest not loaded")
	}
	atoms, err := p.e.store.QueryAtoms(ctx, storage.AtomQuery{})
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(atoms))
	for _, a := range atoms {
		known[a.ID] = true
	}
	cls, err := classify.Classify(p.manifest, classify.Mode(p.run.Mode), classify.Options{
		AtomExists: func(id string) bool { return known[id] },
	})
	if err != nil {
		return err
	}
	p.cls = cls
	return nil
}

func (p *pipeline) inferAtoms(ctx context.Context) ([]error, error) {
	p.atoms = &atomsState{Atoms: []intent.InferredAtom{}}
	batch, err := p.e.inference.InferAtoms(ctx, p.manifest, p.cls)
	if err != nil {
		return nil, err
	}
	p.atoms.Atoms = nonNilAtoms(batch.Atoms)
	p.atoms.Discarded = batch.Discarded
	issues := make([]error, 0, len(batch.Failures))
	for _, f := range batch.Failures {
		issues = append(issues, f)
	}
	return issues, nil
}

func (p *pipeline) synthesize(ctx context.Context) ([]error, error) {
	p.molecules = &moleculesState{Molecules: []intent.InferredMolecule{}}
	atoms := p.atomList()
	if len(atoms) == 0 {
		return nil, nil
	}
	batch, err := p.e.inference.SynthesizeMolecules(ctx, atoms)
	if err != nil {
		return nil, err
	}
	if batch.Molecules != nil {
		p.molecules.Molecules = batch.Molecules
	}
	p.molecules.Discarded = batch.Discarded
	issues := make([]error, 0, len(batch.Failures))
	for _, f := range batch.Failures {
		issues = append(issues, f)
	}
	return issues, nil
}

func (p *pipeline) awaitReview() error {
	if p.review != nil {
		if len(p.review.Pending) > 0 {
			return errAwaitReview
		}
		return nil
	}
	rs := &reviewState{Pending: []ReviewItem{}, Approved: []intent.InferredAtom{}, Rejected: []intent.InferredAtom{}}
	p.review = rs
	if p.verified == nil || !p.verified.NeedsReview() {
		return nil
	}

	verdicts := make(map[string]quality.AtomVerdict, len(p.verified.Verdicts))
	for _, v := range p.verified.Verdicts {
		verdicts[v.TempID] = v
	}
	for _, a := range p.verified.Revise {
		v := verdicts[a.TempID]
		rs.Pending = append(rs.Pending, ReviewItem{Atom: a, Score: v.Score, Issues: v.Issues})
	}
	rs.Round = 1
	return errAwaitReview
}

func (p *pipeline) apply(ctx context.Context) error {
	if p.applied == nil {
		p.applied = &applyState{}
	}
	log := p.e.cfg.Logger.With("run_id", p.run.RunID)

	if !p.applied.Persisted {
		res, err := p.e.store.PersistRunOutput(ctx, p.output())
		if errors.Is(err, storage.ErrRunOutputExists) {
			res, err = p.existingOutput(ctx)
		}
		if err != nil {
			return err
		}
		p.applied.AtomIDs = res.AtomIDs
		p.applied.MoleculeIDs = res.MoleculeIDs
		p.applied.Persisted = true
		if err := p.save(ctx, PhaseApply); err != nil {
			return err
		}
		log.Info("run output persisted", "atoms", len(res.AtomIDs), "molecules", len(res.MoleculeIDs))
	}

	if drift.Attestation(p.run.Attestation) != drift.AttestationCI {
		p.applied.DriftSkipped = "local attestation"
		p.applied.Complete = true
		return nil
	}
	if p.manifest == nil || p.cls == nil {
		return errors.New("apply: manifest or classification missing")
	}

	atoms, err := p.e.store.QueryAtoms(ctx, storage.AtomQuery{})
	if err != nil {
		return err
	}
	found := drift.Detect(drift.Observation{
		Manifest:       p.manifest,
		Classification: p.cls,
		Atoms:          atoms,
		CoverageFloor:  p.e.drift.CoverageFloor(),
	})
	res, err := p.e.drift.Apply(ctx, drift.RunContext{
		RunID:         p.run.RunID,
		ProjectID:     p.run.ProjectID,
		Attestation:   drift.Attestation(p.run.Attestation),
		Lane:          drift.Lane(p.run.ExceptionLane),
		Justification: p.run.Justification,
		Delta:         classify.Mode(p.run.Mode) == classify.ModeDelta,
		Scope:         p.cls.Scope,
	}, found)
	if err != nil {
		return fmt.Errorf("apply drift: %w", err)
	}
	p.applied.Drift = res
	p.applied.Discrepancy = len(found)
	p.applied.Complete = true
	if o := p.e.cfg.Observer; o != nil {
		o.DriftApplied(res.Created, res.Confirmed, res.Resolved)
	}
	return nil
}

// output converts the gate's approvals and the reviewer's approvals into
// draft atoms. Molecules keep temp references until storage assigns ids.
func (p *pipeline) output() *storage.RunOutput {
	out := &storage.RunOutput{RunID: p.run.RunID}
	var approved []intent.InferredAtom
	if p.verified != nil {
		approved = append(approved, p.verified.Approved...)
	}
	if p.review != nil {
		approved = append(approved, p.review.Approved...)
	}
	for _, a := range approved {
		out.Atoms = append(out.Atoms, &intent.Atom{
			Description:        a.Description,
			Category:           a.Category,
			Status:             intent.AtomDraft,
			ObservableOutcomes: a.ObservableOutcomes,
			Confidence:         a.Confidence,
			SourceTest:         a.SourceTest,
			SourceEvidence:     a.SourceEvidence,
			Origin:             intent.ProposedByAgent{Agent: p.e.cfg.AgentName, Rationale: a.Reasoning, Confidence: a.Confidence},
			TempID:             a.TempID,
		})
	}
	if p.verified != nil {
		for _, m := range p.verified.Molecules.Molecules {
			out.Molecules = append(out.Molecules, &intent.Molecule{
				ID:          m.TempID,
				Name:        m.Name,
				Description: m.Description,
				AtomIDs:     append([]string(nil), m.AtomTempIDs...),
				Confidence:  m.Confidence,
				ParentID:    m.ParentTempID,
				Degraded:    m.Degraded,
			})
		}
	}
	return out
}

// existingOutput rebuilds the id map of output an earlier execution already
// persisted. Molecule ids are not recoverable this way and stay empty.
func (p *pipeline) existingOutput(ctx context.Context) (*storage.RunOutputResult, error) {
	atoms, err := p.e.store.QueryAtoms(ctx, storage.AtomQuery{RunID: p.run.RunID})
	if err != nil {
		return nil, err
	}
	res := &storage.RunOutputResult{AtomIDs: make(map[string]string, len(atoms)), MoleculeIDs: map[string]string{}}
	for _, a := range atoms {
		if a.TempID != "" {
			res.AtomIDs[a.TempID] = a.ID
		}
	}
	return res, nil
}

func (p *pipeline) atomList() []intent.InferredAtom {
	if p.atoms == nil {
		return nil
	}
	return p.atoms.Atoms
}

func (p *pipeline) moleculeList() []intent.InferredMolecule {
	if p.molecules == nil {
		return nil
	}
	return p.molecules.Molecules
}

// state returns the snapshot value of phase, or nil when it has none.
func (p *pipeline) state(phase Phase) any {
	switch phase {
	case PhaseLoadManifest:
		if p.loaded != nil {
			return p.loaded
		}
	case PhaseClassify:
		if p.cls != nil {
			return p.cls
		}
	case PhaseInferAtoms:
		if p.atoms != nil {
			return p.atoms
		}
	case PhaseSynthesizeMolecules:
		if p.molecules != nil {
			return p.molecules
		}
	case PhaseVerifyQuality:
		if p.verified != nil {
			return p.verified
		}
	case PhaseAwaitReview:
		if p.review != nil {
			return p.review
		}
	case PhaseApply:
		if p.applied != nil {
			return p.applied
		}
	}
	return nil
}

// save persists the snapshot of phase.
func (p *pipeline) save(ctx context.Context, phase Phase) error {
	st := p.state(phase)
	if st == nil {
		return nil
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode %s snapshot: %w", phase, err)
	}
	manifestID := ""
	if p.loaded != nil {
		manifestID = p.loaded.ManifestID
	}
	return p.e.store.SavePhaseState(ctx, &storage.PhaseState{
		RunID:      p.run.RunID,
		Phase:      string(phase),
		ManifestID: manifestID,
		StateJSON:  data,
	})
}

// progress is the run row update after a finished phase.
func (p *pipeline) progress(runID string) *storage.RunUpdate {
	u := &storage.RunUpdate{RunID: runID, ExpectStatus: statuses(StatusRunning)}
	if p.loaded != nil {
		u.ManifestID = &p.loaded.ManifestID
		u.CommitHash = &p.loaded.CommitHash
	}
	atoms, molecules := len(p.atomList()), len(p.moleculeList())
	u.AtomsInferred = &atoms
	u.MoleculesInferred = &molecules
	if p.review != nil {
		round := p.review.Round
		u.ReviewRound = &round
	}
	return u
}

func (p *pipeline) counts() Counts {
	var c Counts
	if p.cls != nil {
		c.Orphans = len(p.cls.Orphans)
		c.Annotated = len(p.cls.Annotated)
	}
	c.AtomsInferred = len(p.atomList())
	c.MoleculesInferred = len(p.moleculeList())
	if p.verified != nil {
		c.Approved = len(p.verified.Approved)
		c.Revise = len(p.verified.Revise)
		c.Rejected = len(p.verified.Rejected)
	}
	if p.review != nil && p.review.Round > 0 {
		c.Approved += len(p.review.Approved)
		c.Rejected += len(p.review.Rejected)
		c.Revise = len(p.review.Pending)
	}
	return c
}

// errorKind classifies err for the run's error list.
func errorKind(err error) string {
	switch {
	case errors.Is(err, apperr.ErrTransientInference):
		return "transient_inference"
	case errors.Is(err, apperr.ErrEvidenceGrounding):
		return "evidence_grounding"
	case errors.Is(err, apperr.ErrValidation):
		return "validation"
	case errors.Is(err, classify.ErrNoDelta):
		return "no_delta"
	case errors.Is(err, apperr.ErrImmutability):
		return "immutability"
	case errors.Is(err, apperr.ErrConcurrencyConflict), errors.Is(err, storage.ErrRunStateConflict):
		return "conflict"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "internal"
	}
}

func nonNilAtoms(in []intent.InferredAtom) []intent.InferredAtom {
	if in == nil {
		return []intent.InferredAtom{}
	}
	return in
}
