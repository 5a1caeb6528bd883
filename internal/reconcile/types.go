package reconcile

import (
	"errors"
	"strings"
	"time"

	"github.com/jasontalley/pact-sub013/internal/apperr"
	"github.com/jasontalley/pact-sub013/internal/classify"
	"github.com/jasontalley/pact-sub013/internal/drift"
	"github.com/jasontalley/pact-sub013/internal/intent"
	"github.com/jasontalley/pact-sub013/internal/manifest"
)

// Status is a run's lifecycle state.
type Status string

// Run statuses.
const (
	StatusQueued      Status = "queued"
	StatusRunning     Status = "running"
	StatusInterrupted Status = "interrupted"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether no further transition can leave s. A failed
// run is terminal; recovery creates a new run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Phase is one step of the pipeline.
type Phase string

// Phases in execution order.
const (
	PhaseLoadManifest        Phase = "load_manifest"
	PhaseClassify            Phase = "classify"
	PhaseInferAtoms          Phase = "infer_atoms"
	PhaseSynthesizeMolecules Phase = "synthesize_molecules"
	PhaseVerifyQuality       Phase = "verify_quality"
	PhaseAwaitReview         Phase = "await_review"
	PhaseApply               Phase = "apply"
)

// Phases lists every phase in order.
var Phases = []Phase{
	PhaseLoadManifest,
	PhaseClassify,
	PhaseInferAtoms,
	PhaseSynthesizeMolecules,
	PhaseVerifyQuality,
	PhaseAwaitReview,
	PhaseApply,
}

// Critical reports whether a failure in p fails the run. Failures in the
// inference phases are recorded and replaced by empty output.
func (p Phase) Critical() bool {
	return p != PhaseInferAtoms && p != PhaseSynthesizeMolecules
}

// Errors returned by the engine.
var (
	ErrEngineClosed   = errors.New("reconcile engine is closed")
	ErrNotInterrupted = errors.New("run is not awaiting review")
	ErrNotRecoverable = errors.New("run is not recoverable")
)

// StartInput describes a run to start.
type StartInput struct {
	Source        manifest.Source   `json:"source" validate:"-"`
	Mode          classify.Mode     `json:"mode" validate:"required,oneof=full delta"`
	Attestation   drift.Attestation `json:"attestation" validate:"required,oneof=local ci-attested"`
	Lane          drift.Lane        `json:"lane,omitempty" validate:"omitempty,oneof=normal hotfix-exception spike-exception"`
	Justification string            `json:"justification,omitempty"`
}

// Validate checks in without touching any state.
func (in StartInput) Validate() error {
	var errs apperr.ValidationErrors
	if err := apperr.ValidateStruct(in); err != nil {
		var verrs apperr.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		errs = append(errs, verrs...)
	}
	if err := in.Source.Validate(); err != nil {
		var verrs apperr.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		errs = append(errs, verrs...)
	}
	if in.Lane.IsException() && strings.TrimSpace(in.Justification) == "" {
		errs = append(errs, apperr.ValidationError{Field: "justification", Message: "is required for exception lanes"})
	}
	return errs.OrNil()
}

// Counts are a run's partial results.
type Counts struct {
	Orphans           int `json:"orphans"`
	Annotated         int `json:"annotated"`
	AtomsInferred     int `json:"atomsInferred"`
	MoleculesInferred int `json:"moleculesInferred"`
	Approved          int `json:"approved"`
	Revise            int `json:"revise"`
	Rejected          int `json:"rejected"`
	Errors            int `json:"errors"`
}

// RunError is one entry of a run's error list.
type RunError struct {
	Phase   Phase     `json:"phase"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// RunStatus is the externally visible state of a run.
type RunStatus struct {
	RunID         string            `json:"runId"`
	ProjectID     string            `json:"projectId"`
	CommitHash    string            `json:"commitHash,omitempty"`
	ManifestID    string            `json:"manifestId,omitempty"`
	Mode          classify.Mode     `json:"mode"`
	Attestation   drift.Attestation `json:"attestation"`
	Status        Status            `json:"status"`
	Phase         Phase             `json:"phase,omitempty"`
	Counts        Counts            `json:"counts"`
	Errors        []RunError        `json:"errors"`
	LastError     string            `json:"lastError,omitempty"`
	ReviewRound   int               `json:"reviewRound"`
	PendingReview *PendingReview    `json:"pendingReview,omitempty"`
	RecoveredFrom string            `json:"recoveredFrom,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// ReviewAction is a reviewer's verdict on one atom.
type ReviewAction string

// Review actions.
const (
	ReviewApprove ReviewAction = "approve"
	ReviewReject  ReviewAction = "reject"
	ReviewClarify ReviewAction = "clarify"
)

// ReviewDecision is one reviewer verdict.
type ReviewDecision struct {
	TempID  string       `json:"tempId" validate:"required"`
	Action  ReviewAction `json:"action" validate:"required,oneof=approve reject clarify"`
	Comment string       `json:"comment,omitempty"`
}

// ReviewItem is an atom waiting for a human decision.
type ReviewItem struct {
	Atom          intent.InferredAtom `json:"atom"`
	Score         int                 `json:"score"`
	Issues        []string            `json:"issues,omitempty"`
	Clarification string              `json:"clarification,omitempty"`
}

// PendingReview is the review payload of an interrupted run.
type PendingReview struct {
	Round int          `json:"round"`
	Items []ReviewItem `json:"items"`
}

// RecoverableRun summarises a run that Recover can pick up.
type RecoverableRun struct {
	RunID             string    `json:"runId"`
	ProjectID         string    `json:"projectId"`
	Status            Status    `json:"status"`
	Phase             Phase     `json:"phase"`
	AtomsInferred     int       `json:"atomsInferred"`
	MoleculesInferred int       `json:"moleculesInferred"`
	LastError         string    `json:"lastError,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// RecoveryResult describes what Recover did.
type RecoveryResult struct {
	// RunID is the run that continues: a new derived run for failed runs,
	// the same run for interrupted ones.
	RunID         string         `json:"runId"`
	RecoveredFrom string         `json:"recoveredFrom"`
	Derived       bool           `json:"derived"`
	ResumeFrom    Phase          `json:"resumeFrom"`
	PendingReview *PendingReview `json:"pendingReview,omitempty"`
}
