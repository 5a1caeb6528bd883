package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jasontalley/pact-sub013/internal/apperr"
	"github.com/jasontalley/pact-sub013/internal/classify"
	"github.com/jasontalley/pact-sub013/internal/intent"
	"github.com/jasontalley/pact-sub013/internal/manifest"
)

// Defaults for Config fields left zero.
const (
	DefaultBatchSize      = 10
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 10 * time.Second
	DefaultCallTimeout    = 120 * time.Second
)

// ErrAnnotatedInput is returned when annotated tests would be sent to the
// inference service.
var ErrAnnotatedInput = errors.New("annotated tests must not be sent to inference")

// Observer receives adapter telemetry. All methods must be safe for
// concurrent use.
type Observer interface {
	InferenceCall(task Task, kind string, attempts int, d time.Duration)
	CandidateDiscarded(task Task, reason string)
}

// Config configures an Adapter.
type Config struct {
	BatchSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CallTimeout    time.Duration
	Redactor       *Redactor
	Logger         *slog.Logger
	Observer       Observer
}

// Adapter is the typed boundary in front of a Service.
type Adapter struct {
	svc Service
	cfg Config
}

// NewAdapter creates an Adapter over svc.
func NewAdapter(svc Service, cfg Config) *Adapter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{svc: svc, cfg: cfg}
}

// Discard records a candidate rejected before reaching the quality gate.
// Err is an *apperr.EvidenceGroundingError or an apperr.ValidationErrors.
type Discard struct {
	TempID string `json:"tempId"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// AtomBatch is the outcome of InferAtoms.
type AtomBatch struct {
	Atoms     []intent.InferredAtom
	Discarded []Discard
	Failures  []*apperr.TransientInferenceError
}

// MoleculeBatch is the outcome of SynthesizeMolecules.
type MoleculeBatch struct {
	Molecules []intent.InferredMolecule
	Discarded []Discard
	Failures  []*apperr.TransientInferenceError
}

// InferAtoms sends the orphan tests of cls in batches and returns the
// grounded candidates. Exhausted batches are reported in Failures and
// contribute nothing; only context cancellation and annotated input are
// returned as errors.
func (a *Adapter) InferAtoms(ctx context.Context, m *manifest.RepoManifest, cls *classify.Result) (*AtomBatch, error) {
	if m == nil || cls == nil {
		return nil, errors.New("manifest and classification are required")
	}
	annotated := make(map[string]bool, len(cls.Annotated))
	for _, t := range cls.Annotated {
		annotated[t.Key()] = true
	}
	for _, t := range cls.Orphans {
		if annotated[t.Key()] {
			return nil, fmt.Errorf("%w: %s", ErrAnnotatedInput, t.Key())
		}
	}

	out := &AtomBatch{Atoms: []intent.InferredAtom{}}
	evidence := m.EvidenceIndex()
	usedIDs := make(map[string]bool)

	for start := 0; start < len(cls.Orphans); start += a.cfg.BatchSize {
		end := min(start+a.cfg.BatchSize, len(cls.Orphans))
		batch := cls.Orphans[start:end]

		req := Request{Task: TaskInferAtoms, Prompt: buildAtomPrompt(m, batch, a.cfg.Redactor), Schema: AtomSchema}
		resp, err := callWithRetry(ctx, a, req, decodeAtoms)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			out.Failures = append(out.Failures, err)
			continue
		}

		inBatch := make(map[string]manifest.TestEvidence, len(batch))
		for _, t := range batch {
			inBatch[t.Key()] = t
		}
		for _, cand := range resp.Atoms {
			cand.TempID = uniqueID(cand.TempID, "atom", usedIDs)
			if d, ok := a.checkAtom(&cand, inBatch, evidence); !ok {
				out.Discarded = append(out.Discarded, d)
				continue
			}
			out.Atoms = append(out.Atoms, cand)
		}
	}
	return out, nil
}

// SynthesizeMolecules groups atoms into candidate molecules with one call.
// Molecules referencing unknown atoms are discarded.
func (a *Adapter) SynthesizeMolecules(ctx context.Context, atoms []intent.InferredAtom) (*MoleculeBatch, error) {
	out := &MoleculeBatch{Molecules: []intent.InferredMolecule{}}
	if len(atoms) == 0 {
		return out, nil
	}

	known := make(map[string]bool, len(atoms))
	for _, at := range atoms {
		known[at.TempID] = true
	}

	req := Request{Task: TaskSynthesizeMolecules, Prompt: buildMoleculePrompt(atoms, a.cfg.Redactor), Schema: MoleculeSchema}
	resp, err := callWithRetry(ctx, a, req, decodeMolecules)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		out.Failures = append(out.Failures, err)
		return out, nil
	}

	usedIDs := make(map[string]bool)
	var kept []intent.InferredMolecule
	for _, cand := range resp.Molecules {
		cand.TempID = uniqueID(cand.TempID, "mol", usedIDs)
		if d, ok := a.checkMolecule(&cand, known); !ok {
			out.Discarded = append(out.Discarded, d)
			continue
		}
		kept = append(kept, cand)
	}
	out.Molecules = append(out.Molecules, a.pruneParents(kept)...)
	return out, nil
}

func (a *Adapter) checkAtom(cand *intent.InferredAtom, inBatch map[string]manifest.TestEvidence, evidence map[string]bool) (Discard, bool) {
	var verrs apperr.ValidationErrors
	if strings.TrimSpace(cand.Description) == "" {
		verrs = append(verrs, apperr.ValidationError{Field: "description", Message: "is required"})
	}
	if !cand.Category.Valid() {
		verrs = append(verrs, apperr.ValidationError{Field: "category", Message: fmt.Sprintf("unknown category %q", cand.Category)})
	}
	if len(nonBlank(cand.ObservableOutcomes)) == 0 {
		verrs = append(verrs, apperr.ValidationError{Field: "observableOutcomes", Message: "must not be empty"})
	}
	if len(nonBlank(cand.SourceEvidence)) == 0 {
		verrs = append(verrs, apperr.ValidationError{Field: "sourceEvidence", Message: "must not be empty"})
	}
	if math.IsNaN(cand.Confidence) || cand.Confidence < 0 || cand.Confidence > 1 {
		verrs = append(verrs, apperr.ValidationError{Field: "confidence", Message: "must be within [0, 1]"})
	}
	if len(verrs) > 0 {
		return a.discard(TaskInferAtoms, cand.TempID, "schema", verrs), false
	}

	test, ok := inBatch[cand.SourceTest.Key()]
	if !ok {
		return a.discard(TaskInferAtoms, cand.TempID, "grounding", &apperr.EvidenceGroundingError{
			CandidateID: cand.TempID,
			Ref:         cand.SourceTest.Key(),
			Reason:      "source test was not part of the request",
		}), false
	}
	cand.SourceEvidence = nonBlank(cand.SourceEvidence)
	for _, ref := range cand.SourceEvidence {
		if !evidence[strings.TrimSpace(ref)] {
			return a.discard(TaskInferAtoms, cand.TempID, "grounding", &apperr.EvidenceGroundingError{
				CandidateID: cand.TempID,
				Ref:         ref,
				Reason:      "no such file or test in the manifest",
			}), false
		}
	}

	if cand.SourceTest.Line == 0 {
		cand.SourceTest.Line = test.Line
	}
	cand.ObservableOutcomes = nonBlank(cand.ObservableOutcomes)
	return Discard{}, true
}

func (a *Adapter) checkMolecule(cand *intent.InferredMolecule, known map[string]bool) (Discard, bool) {
	var verrs apperr.ValidationErrors
	if len(cand.AtomTempIDs) == 0 {
		verrs = append(verrs, apperr.ValidationError{Field: "atomTempIds", Message: "must reference at least one atom"})
	}
	if math.IsNaN(cand.Confidence) || cand.Confidence < 0 || cand.Confidence > 1 {
		verrs = append(verrs, apperr.ValidationError{Field: "confidence", Message: "must be within [0, 1]"})
	}
	if len(verrs) > 0 {
		return a.discard(TaskSynthesizeMolecules, cand.TempID, "schema", verrs), false
	}
	for _, id := range cand.AtomTempIDs {
		if !known[id] {
			return a.discard(TaskSynthesizeMolecules, cand.TempID, "grounding", &apperr.EvidenceGroundingError{
				CandidateID: cand.TempID,
				Ref:         id,
				Reason:      "unknown atom",
			}), false
		}
	}
	return Discard{}, true
}

// pruneParents clears parent references that are unknown or would form a
// cycle or an over-deep chain.
func (a *Adapter) pruneParents(mols []intent.InferredMolecule) []intent.InferredMolecule {
	h := intent.NewHierarchy()
	for _, m := range mols {
		_ = h.Add(m.TempID, "")
	}
	for i := range mols {
		p := mols[i].ParentTempID
		if p == "" {
			continue
		}
		if err := h.SetParent(mols[i].TempID, p); err != nil {
			a.cfg.Logger.Warn("dropping molecule parent", "molecule", mols[i].TempID, "parent", p, "error", err)
			mols[i].ParentTempID = ""
		}
	}
	return mols
}

func (a *Adapter) discard(task Task, tempID, reason string, err error) Discard {
	a.cfg.Logger.Debug("inference candidate discarded", "task", task, "temp_id", tempID, "reason", reason, "error", err)
	if a.cfg.Observer != nil {
		a.cfg.Observer.CandidateDiscarded(task, reason)
	}
	return Discard{TempID: tempID, Reason: reason + ": " + err.Error(), Err: err}
}

// callWithRetry invokes the service with bounded exponential backoff and
// decodes the reply. Decoding failures count as retryable invalid
// responses.
func callWithRetry[T any](ctx context.Context, a *Adapter, req Request, decode func(json.RawMessage) (T, error)) (T, *apperr.TransientInferenceError) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.cfg.InitialBackoff
	bo.MaxInterval = a.cfg.MaxBackoff

	attempts := 0
	started := time.Now()
	op := func() (T, error) {
		attempts++
		var zero T

		callCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
		defer cancel()

		raw, err := a.svc.Infer(callCtx, req)
		if err == nil {
			var out T
			out, err = decode(raw)
			if err == nil {
				return out, nil
			}
			err = Fail(FailureInvalidResponse, true, err)
		}
		if ctx.Err() != nil {
			return zero, backoff.Permanent(ctx.Err())
		}
		if !IsRetryable(err) {
			return zero, backoff.Permanent(err)
		}
		a.cfg.Logger.Debug("inference attempt failed", "task", req.Task, "attempt", attempts, "error", err)
		return zero, err
	}

	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(a.cfg.MaxAttempts)),
	)

	kind := "ok"
	if err != nil {
		kind = string(KindOf(err))
	}
	if a.cfg.Observer != nil {
		a.cfg.Observer.InferenceCall(req.Task, kind, attempts, time.Since(started))
	}
	if err != nil {
		a.cfg.Logger.Warn("inference failed", "task", req.Task, "backend", a.svc.Name(), "attempts", attempts, "error", err)
		var zero T
		return zero, &apperr.TransientInferenceError{Operation: string(req.Task), Kind: kind, Attempts: attempts, Err: err}
	}
	return out, nil
}

type atomResponse struct {
	Atoms []intent.InferredAtom `json:"atoms"`
}

type moleculeResponse struct {
	Molecules []intent.InferredMolecule `json:"molecules"`
}

func decodeAtoms(raw json.RawMessage) (atomResponse, error) {
	var resp atomResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return resp, fmt.Errorf("decode atoms: %w", err)
	}
	if resp.Atoms == nil {
		return resp, errors.New("decode atoms: missing \"atoms\"")
	}
	return resp, nil
}

func decodeMolecules(raw json.RawMessage) (moleculeResponse, error) {
	var resp moleculeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return resp, fmt.Errorf("decode molecules: %w", err)
	}
	if resp.Molecules == nil {
		return resp, errors.New("decode molecules: missing \"molecules\"")
	}
	// Degradation is the quality gate's call, never the model's.
	for i := range resp.Molecules {
		resp.Molecules[i].Degraded = false
		resp.Molecules[i].DegradeReason = ""
	}
	return resp, nil
}

func uniqueID(id, prefix string, used map[string]bool) string {
	id = strings.TrimSpace(id)
	if id == "" || used[id] {
		for n := len(used) + 1; ; n++ {
			candidate := fmt.Sprintf("%s-%d", prefix, n)
			if !used[candidate] {
				id = candidate
				break
			}
		}
	}
	used[id] = true
	return id
}

func nonBlank(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
