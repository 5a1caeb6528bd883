// Package ledger freezes verified atoms into immutable commitments.
//
// A commitment's canonical JSON is written once. Replacing it means
// superseding: a new row is chained to the old one and the old row keeps
// its content forever. The SQLite layer enforces both rules with triggers;
// this package runs the invariant checks and builds the frozen snapshot.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jasontalley/pact-sub013/internal/apperr"
	"github.com/jasontalley/pact-sub013/internal/config"
	"github.com/jasontalley/pact-sub013/internal/intent"
	"github.com/jasontalley/pact-sub013/internal/storage"
)

// maxChainLength bounds History walks.
const maxChainLength = 1024

// Store is the subset of storage the ledger uses.
type Store interface {
	GetAtoms(ctx context.Context, atomIDs []string) ([]*intent.Atom, error)
	QueryAtoms(ctx context.Context, q storage.AtomQuery) ([]*intent.Atom, error)
	InsertCommitment(ctx context.Context, c *storage.CommitmentWrite) (*storage.Commitment, error)
	SupersedeCommitment(ctx context.Context, oldID string, c *storage.CommitmentWrite) (*storage.Commitment, error)
	GetCommitment(ctx context.Context, ref string) (*storage.Commitment, error)
	CommitmentAtomIDs(ctx context.Context, id string) ([]string, error)
	DeleteCommitment(ctx context.Context, id string) error
	DeleteAtom(ctx context.Context, atomID string) error
}

// Config configures a Service.
type Config struct {
	Rules         map[string]config.InvariantRule
	MinConfidence float64
	Logger        *slog.Logger
}

// ConfigFromSettings maps the ledger config section.
func ConfigFromSettings(c config.LedgerConfig, logger *slog.Logger) Config {
	return Config{Rules: c.Invariants, MinConfidence: c.MinConfidence, Logger: logger}
}

// Service is the commitment ledger.
type Service struct {
	store  Store
	rules  map[string]config.InvariantRule
	minCnf float64
	logger *slog.Logger
}

// NewService creates a ledger over store.
func NewService(store Store, cfg Config) *Service {
	if cfg.Rules == nil {
		cfg.Rules = config.DefaultInvariantRules()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{store: store, rules: cfg.Rules, minCnf: cfg.MinConfidence, logger: cfg.Logger}
}

// Commitment is a decoded commitment row.
type Commitment struct {
	ID                    string                         `json:"id"`
	CommitmentID          string                         `json:"commitmentId"`
	Atoms                 []intent.CanonicalAtomSnapshot `json:"atoms"`
	CanonicalJSON         string                         `json:"canonicalJson"`
	ContentHash           string                         `json:"contentHash"`
	CommittedBy           string                         `json:"committedBy"`
	CommittedAt           time.Time                      `json:"committedAt"`
	InvariantChecks       []CheckResult                  `json:"invariantChecks"`
	OverrideJustification string                         `json:"overrideJustification,omitempty"`
	Supersedes            string                         `json:"supersedes,omitempty"`
	SupersededBy          string                         `json:"supersededBy,omitempty"`
	SupersessionReason    string                         `json:"supersessionReason,omitempty"`
	Status                string                         `json:"status"`
	ChainVersion          int                            `json:"chainVersion"`
}

// Preview is a dry-run evaluation of a commit.
type Preview struct {
	AtomIDs   []string      `json:"atomIds"`
	CanCommit bool          `json:"canCommit"`
	Blocking  []CheckResult `json:"blockingIssues"`
	Warnings  []CheckResult `json:"warnings"`
	Checks    []CheckResult `json:"checks"`
}

// CommitRequest freezes a set of draft atoms.
type CommitRequest struct {
	AtomIDs               []string `json:"atomIds" validate:"required,min=1,unique,dive,required"`
	CommittedBy           string   `json:"committedBy" validate:"required"`
	OverrideJustification string   `json:"overrideJustification,omitempty"`
}

// SupersedeRequest replaces an active commitment.
type SupersedeRequest struct {
	CommitmentID          string   `json:"commitmentId" validate:"required"`
	AtomIDs               []string `json:"atomIds" validate:"required,min=1,unique,dive,required"`
	Reason                string   `json:"reason" validate:"required"`
	CommittedBy           string   `json:"committedBy" validate:"required"`
	OverrideJustification string   `json:"overrideJustification,omitempty"`
}

// Preview evaluates a fresh commit of atomIDs without writing anything.
func (s *Service) Preview(ctx context.Context, atomIDs []string) (*Preview, error) {
	if len(atomIDs) == 0 {
		return nil, apperr.Invalid("atomIds", "must not be empty")
	}
	ids := dedupe(atomIDs)
	_, ev, err := s.evaluate(ctx, ids, nil)
	if err != nil {
		return nil, err
	}
	return &Preview{
		AtomIDs:   ids,
		CanCommit: len(ev.blocking) == 0,
		Blocking:  nonNilChecks(ev.blocking),
		Warnings:  nonNilChecks(ev.warnings),
		Checks:    ev.checks,
	}, nil
}

// Commit runs the invariant checks and freezes the atoms. Blocking
// failures refuse the commit with an InvariantViolation unless an override
// justification is given; structural failures are never overridable.
func (s *Service) Commit(ctx context.Context, req CommitRequest) (*Commitment, error) {
	if err := apperr.ValidateStruct(req); err != nil {
		return nil, err
	}
	atoms, ev, err := s.evaluate(ctx, req.AtomIDs, nil)
	if err != nil {
		return nil, err
	}
	if err := s.gate(ev, req.OverrideJustification); err != nil {
		return nil, err
	}

	w, err := buildWrite(req.AtomIDs, atoms, ev, req.CommittedBy, req.OverrideJustification)
	if err != nil {
		return nil, err
	}
	row, err := s.store.InsertCommitment(ctx, w)
	if err != nil {
		return nil, err
	}
	s.logger.Info("commitment created",
		"commitment_id", row.CommitmentID, "atoms", len(req.AtomIDs),
		"committed_by", req.CommittedBy, "override", req.OverrideJustification != "")
	return decode(row)
}

// Supersede creates a new commitment replacing req.CommitmentID. The
// replaced commitment must be active; its canonical JSON is left as is.
func (s *Service) Supersede(ctx context.Context, req SupersedeRequest) (*Commitment, error) {
	if err := apperr.ValidateStruct(req); err != nil {
		return nil, err
	}
	old, err := s.store.GetCommitment(ctx, req.CommitmentID)
	if err != nil {
		return nil, err
	}
	if old.Status != storage.CommitmentActive {
		return nil, &apperr.ConcurrencyConflict{Entity: "commitment", ID: old.CommitmentID, Reason: "already superseded by " + old.SupersededBy}
	}
	members, err := s.store.CommitmentAtomIDs(ctx, old.ID)
	if err != nil {
		return nil, err
	}
	memberSet := make(map[string]bool, len(members))
	for _, id := range members {
		memberSet[id] = true
	}

	atoms, ev, err := s.evaluate(ctx, req.AtomIDs, memberSet)
	if err != nil {
		return nil, err
	}
	if err := s.gate(ev, req.OverrideJustification); err != nil {
		return nil, err
	}

	w, err := buildWrite(req.AtomIDs, atoms, ev, req.CommittedBy, req.OverrideJustification)
	if err != nil {
		return nil, err
	}
	w.SupersessionReason = req.Reason
	row, err := s.store.SupersedeCommitment(ctx, old.ID, w)
	if err != nil {
		return nil, err
	}
	s.logger.Info("commitment superseded",
		"old", old.CommitmentID, "new", row.CommitmentID, "chain_version", row.ChainVersion)
	return decode(row)
}

// Get returns one commitment by row id or display id.
func (s *Service) Get(ctx context.Context, id string) (*Commitment, error) {
	row, err := s.store.GetCommitment(ctx, id)
	if err != nil {
		return nil, err
	}
	return decode(row)
}

// History returns the whole supersession chain containing id, oldest
// first.
func (s *Service) History(ctx context.Context, id string) ([]*Commitment, error) {
	start, err := s.store.GetCommitment(ctx, id)
	if err != nil {
		return nil, err
	}

	var back []*storage.Commitment
	for cur := start; cur.Supersedes != ""; {
		if len(back) >= maxChainLength {
			return nil, fmt.Errorf("commitment chain of %s exceeds %d entries", start.CommitmentID, maxChainLength)
		}
		prev, err := s.store.GetCommitment(ctx, cur.Supersedes)
		if err != nil {
			return nil, fmt.Errorf("walk back from %s: %w", cur.CommitmentID, err)
		}
		back = append(back, prev)
		cur = prev
	}

	chain := make([]*storage.Commitment, 0, len(back)+1)
	for i := len(back) - 1; i >= 0; i-- {
		chain = append(chain, back[i])
	}
	chain = append(chain, start)

	for cur := start; cur.SupersededBy != ""; {
		if len(chain) >= maxChainLength {
			return nil, fmt.Errorf("commitment chain of %s exceeds %d entries", start.CommitmentID, maxChainLength)
		}
		next, err := s.store.GetCommitment(ctx, cur.SupersededBy)
		if err != nil {
			return nil, fmt.Errorf("walk forward from %s: %w", cur.CommitmentID, err)
		}
		chain = append(chain, next)
		cur = next
	}

	out := make([]*Commitment, 0, len(chain))
	for _, row := range chain {
		c, err := decode(row)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// DeleteCommitment always fails with an ImmutabilityViolation for an
// existing commitment.
func (s *Service) DeleteCommitment(ctx context.Context, id string) error {
	err := s.store.DeleteCommitment(ctx, id)
	if errors.Is(err, apperr.ErrImmutability) {
		s.logger.Warn("refused commitment delete", "commitment_id", id)
	}
	return err
}

// DeleteAtom removes a draft atom. Committed and superseded atoms are
// refused with an ImmutabilityViolation.
func (s *Service) DeleteAtom(ctx context.Context, atomID string) error {
	err := s.store.DeleteAtom(ctx, atomID)
	if errors.Is(err, apperr.ErrImmutability) {
		s.logger.Warn("refused atom delete", "atom_id", atomID)
	}
	return err
}

func (s *Service) evaluate(ctx context.Context, ids []string, members map[string]bool) (map[string]*intent.Atom, *evaluation, error) {
	found, err := s.store.GetAtoms(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	atoms := make(map[string]*intent.Atom, len(found))
	for _, a := range found {
		atoms[a.ID] = a
	}
	committed, err := s.store.QueryAtoms(ctx, storage.AtomQuery{Statuses: []intent.AtomStatus{intent.AtomCommitted}})
	if err != nil {
		return nil, nil, err
	}

	ev := evaluate(s.rules, &checkInput{
		requested:     ids,
		atoms:         atoms,
		members:       members,
		committed:     committed,
		minConfidence: s.minCnf,
	})
	return atoms, ev, nil
}

func (s *Service) gate(ev *evaluation, override string) error {
	if len(ev.blocking) == 0 {
		return nil
	}
	if len(ev.structural) > 0 || strings.TrimSpace(override) == "" {
		return &apperr.InvariantViolation{Failed: describe(ev.blocking)}
	}
	s.logger.Warn("invariant failures overridden", "checks", describe(ev.blocking), "justification", override)
	return nil
}

// Canonicalize renders the frozen snapshot of atoms: sorted by atom id,
// encoded as compact JSON, and hashed with SHA-256.
func Canonicalize(atoms []*intent.Atom) (string, string, error) {
	snaps := make([]intent.CanonicalAtomSnapshot, 0, len(atoms))
	for _, a := range atoms {
		snaps = append(snaps, a.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].AtomID < snaps[j].AtomID })

	data, err := json.Marshal(snaps)
	if err != nil {
		return "", "", fmt.Errorf("encode canonical snapshot: %w", err)
	}
	sum := sha256.Sum256(data)
	return string(data), hex.EncodeToString(sum[:]), nil
}

func buildWrite(ids []string, atoms map[string]*intent.Atom, ev *evaluation, by, override string) (*storage.CommitmentWrite, error) {
	list := make([]*intent.Atom, 0, len(ids))
	versions := make(map[string]int64, len(ids))
	for _, id := range ids {
		a, ok := atoms[id]
		if !ok || a == nil {
			return nil, &apperr.InvariantViolation{Failed: []string{fmt.Sprintf("INV-001: atom %s does not exist", id)}}
		}
		list = append(list, a)
		versions[id] = a.Version
	}
	canonical, hash, err := Canonicalize(list)
	if err != nil {
		return nil, err
	}
	checks, err := json.Marshal(ev.checks)
	if err != nil {
		return nil, fmt.Errorf("encode invariant checks: %w", err)
	}
	return &storage.CommitmentWrite{
		AtomIDs:               ids,
		ExpectVersions:        versions,
		CanonicalJSON:         canonical,
		ContentHash:           hash,
		CommittedBy:           by,
		InvariantChecksJSON:   string(checks),
		OverrideJustification: override,
	}, nil
}

func decode(row *storage.Commitment) (*Commitment, error) {
	c := &Commitment{
		ID:                    row.ID,
		CommitmentID:          row.CommitmentID,
		CanonicalJSON:         row.CanonicalJSON,
		ContentHash:           row.ContentHash,
		CommittedBy:           row.CommittedBy,
		CommittedAt:           time.UnixMilli(row.CommittedAt).UTC(),
		OverrideJustification: row.OverrideJustification,
		Supersedes:            row.Supersedes,
		SupersededBy:          row.SupersededBy,
		SupersessionReason:    row.SupersessionReason,
		Status:                row.Status,
		ChainVersion:          row.ChainVersion,
	}
	if err := json.Unmarshal([]byte(row.CanonicalJSON), &c.Atoms); err != nil {
		return nil, fmt.Errorf("decode canonical json of %s: %w", row.CommitmentID, err)
	}
	if row.InvariantChecksJSON != "" {
		if err := json.Unmarshal([]byte(row.InvariantChecksJSON), &c.InvariantChecks); err != nil {
			return nil, fmt.Errorf("decode invariant checks of %s: %w", row.CommitmentID, err)
		}
	}
	return c, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func nonNilChecks(c []CheckResult) []CheckResult {
	if c == nil {
		return []CheckResult{}
	}
	return c
}
