// Package storage provides SQLite-based persistent storage for pact.
// It holds manifests, reconciliation runs with their append-only error and
// event logs, atoms, molecules, the commitment ledger and drift debt items.
package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jasontalley/pact-sub013/internal/intent"
)

// Store defines the interface for all storage operations.
type Store interface {
	// Manifests
	PutManifest(ctx context.Context, m *ManifestRecord) (*ManifestRecord, error)
	GetManifest(ctx context.Context, manifestID string) (*ManifestRecord, error)
	GetManifestByCommit(ctx context.Context, projectID, commitHash string) (*ManifestRecord, error)

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	UpdateRun(ctx context.Context, update *RunUpdate) (*Run, error)
	QueryRuns(ctx context.Context, q RunQuery) ([]Run, error)
	AppendRunError(ctx context.Context, e *RunError) error
	ListRunErrors(ctx context.Context, runID string) ([]RunError, error)
	AppendRunEvent(ctx context.Context, e *RunEvent) error
	ListRunEvents(ctx context.Context, runID string, afterSeq int64) ([]RunEvent, error)
	SavePhaseState(ctx context.Context, ps *PhaseState) error
	GetPhaseState(ctx context.Context, runID, phase string) (*PhaseState, error)
	ListPhaseStates(ctx context.Context, runID string) ([]PhaseState, error)

	// Atoms and molecules
	PersistRunOutput(ctx context.Context, out *RunOutput) (*RunOutputResult, error)
	CreateAtom(ctx context.Context, a *intent.Atom) error
	GetAtom(ctx context.Context, atomID string) (*intent.Atom, error)
	GetAtoms(ctx context.Context, atomIDs []string) ([]*intent.Atom, error)
	QueryAtoms(ctx context.Context, q AtomQuery) ([]*intent.Atom, error)
	DeleteAtom(ctx context.Context, atomID string) error
	ListMolecules(ctx context.Context, runID string) ([]*intent.Molecule, error)

	// Ledger
	InsertCommitment(ctx context.Context, c *CommitmentWrite) (*Commitment, error)
	SupersedeCommitment(ctx context.Context, oldID string, c *CommitmentWrite) (*Commitment, error)
	GetCommitment(ctx context.Context, ref string) (*Commitment, error)
	CommitmentAtomIDs(ctx context.Context, id string) ([]string, error)
	ActiveCommitmentForAtom(ctx context.Context, atomID string) (*Commitment, error)
	DeleteCommitment(ctx context.Context, id string) error

	// Drift
	QueryDriftItems(ctx context.Context, q DriftQuery) ([]DriftItem, error)
	GetDriftItem(ctx context.Context, id string) (*DriftItem, error)
	ApplyDriftBatch(ctx context.Context, b *DriftBatch) error
	SetDriftStatus(ctx context.Context, id string, from []string, to, justification string) (*DriftItem, error)

	// Lifecycle
	Close() error
}

// Not-found sentinels.
var (
	ErrManifestNotFound   = errors.New("manifest not found")
	ErrRunNotFound        = errors.New("run not found")
	ErrPhaseStateNotFound = errors.New("phase state not found")
	ErrAtomNotFound       = errors.New("atom not found")
	ErrCommitmentNotFound = errors.New("commitment not found")
	ErrDriftItemNotFound  = errors.New("drift item not found")
)

// ErrRunStateConflict is returned by UpdateRun when the run's status is not
// one of the expected statuses.
var ErrRunStateConflict = errors.New("run state conflict")

// ErrRunOutputExists is returned when a run's atoms were already persisted.
var ErrRunOutputExists = errors.New("run output already persisted")

// Validation error messages used across multiple methods.
const (
	errRunIDRequired  = "run_id is required"
	errAtomIDRequired = "atom_id is required"
)

// ManifestRecord is a stored repository manifest. Content is the manifest's
// JSON encoding; the manifest package owns its shape.
type ManifestRecord struct {
	ManifestID string
	ProjectID  string
	CommitHash string
	Status     string
	Content    []byte
	CreatedAt  int64
}

// Run is a reconciliation run row.
type Run struct {
	RunID             string
	ProjectID         string
	CommitHash        string
	ManifestID        string
	Mode              string
	Status            string
	CurrentPhase      string
	Attestation       string
	ExceptionLane     string
	Justification     string
	SourceJSON        string
	AtomsInferred     int
	MoleculesInferred int
	LastError         string
	RecoveredFrom     string
	ReviewRound       int
	CreatedAt         int64
	UpdatedAt         int64
}

// RunUpdate describes a partial update to a run. Nil fields are left
// untouched. When ExpectStatus is non-empty the update only applies if the
// run's current status is one of them.
type RunUpdate struct {
	RunID             string
	ExpectStatus      []string
	Status            *string
	CurrentPhase      *string
	ManifestID        *string
	CommitHash        *string
	AtomsInferred     *int
	MoleculesInferred *int
	LastError         *string
	ReviewRound       *int
}

// RunQuery filters runs.
type RunQuery struct {
	ProjectID string
	Statuses  []string
	Limit     int
}

// RunError is one entry of a run's append-only error list.
type RunError struct {
	ID        int64
	RunID     string
	Phase     string
	Kind      string
	Message   string
	CreatedAt int64
}

// RunEvent is one entry of a run's ordered event log. Seq is assigned on
// append, starting at 1.
type RunEvent struct {
	RunID             string
	Seq               int64
	Type              string
	Status            string
	Phase             string
	AtomsInferred     int
	MoleculesInferred int
	ErrorCount        int
	Message           string
	CreatedAt         int64
}

// PhaseState is the persisted output of a completed phase.
type PhaseState struct {
	RunID      string
	Phase      string
	ManifestID string
	StateJSON  []byte
	CreatedAt  int64
	UpdatedAt  int64
}

// RunOutput is what a run's apply phase persists in one transaction.
// Atom TempIDs must be unique; molecule AtomIDs and ParentID reference temp
// ids and are rewritten to persisted ids.
type RunOutput struct {
	RunID     string
	Atoms     []*intent.Atom
	Molecules []*intent.Molecule
}

// RunOutputResult maps temp ids to the persisted ids.
type RunOutputResult struct {
	AtomIDs     map[string]string
	MoleculeIDs map[string]string
}

// AtomQuery filters atoms.
type AtomQuery struct {
	Statuses []intent.AtomStatus
	RunID    string
	Limit    int
}

// Commitment is a stored commitment row.
type Commitment struct {
	ID                    string
	Seq                   int64
	CommitmentID          string
	CanonicalJSON         string
	ContentHash           string
	CommittedBy           string
	CommittedAt           int64
	InvariantChecksJSON   string
	OverrideJustification string
	Supersedes            string
	SupersededBy          string
	SupersessionReason    string
	Status                string
	ChainVersion          int
}

// Commitment statuses.
const (
	CommitmentActive     = "active"
	CommitmentSuperseded = "superseded"
)

// CommitmentWrite carries everything needed to insert a commitment.
// ExpectVersions maps each atom id to the version the caller validated;
// any mismatch aborts the transaction with a concurrency conflict.
type CommitmentWrite struct {
	AtomIDs               []string
	ExpectVersions        map[string]int64
	CanonicalJSON         string
	ContentHash           string
	CommittedBy           string
	InvariantChecksJSON   string
	OverrideJustification string
	SupersessionReason    string
}

// DriftItem is a drift debt row.
type DriftItem struct {
	ID                   string
	ProjectID            string
	FilePath             string
	TestName             string
	DriftType            string
	Status               string
	Severity             string
	Detail               string
	DetectedByRunID      string
	LastConfirmedByRunID string
	ResolvedByRunID      string
	DetectedAt           int64
	LastConfirmedAt      int64
	ResolvedAt           int64
	AgeDays              int
	ConfirmationCount    int
	DueAt                int64
	ExceptionLane        string
	Justification        string
}

// DriftQuery filters drift items.
type DriftQuery struct {
	ProjectID string
	Statuses  []string
	Types     []string
}

// DriftBatch is applied in one transaction: inserts first, then
// confirmations, then resolutions.
type DriftBatch struct {
	Insert  []*DriftItem
	Confirm []*DriftItem
	Resolve []*DriftItem
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var _ Store = (*SQLiteStore)(nil)
