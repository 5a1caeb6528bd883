package quality

import (
	"log/slog"

	"github.com/jasontalley/pact-sub013/internal/intent"
)

// Gate applies the thresholds to a whole run's candidates.
type Gate struct {
	thresholds Thresholds
	logger     *slog.Logger
}

// NewGate creates a gate. A nil logger uses slog.Default().
func NewGate(t Thresholds, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{thresholds: t, logger: logger}
}

// Thresholds returns the gate's thresholds.
func (g *Gate) Thresholds() Thresholds { return g.thresholds }

// RunVerification is the verify_quality phase output.
type RunVerification struct {
	Verdicts  []AtomVerdict         `json:"verdicts"`
	Approved  []intent.InferredAtom `json:"approved"`
	Revise    []intent.InferredAtom `json:"revise"`
	Rejected  []intent.InferredAtom `json:"rejected"`
	Molecules BatchResult           `json:"molecules"`
}

// NeedsReview reports whether a human has to decide on any atom.
func (r *RunVerification) NeedsReview() bool { return len(r.Revise) > 0 }

// VerifyRun scores every atom and verifies every molecule against the full
// atom set. Rejected atoms stay referenced by their molecules.
func (g *Gate) VerifyRun(atoms []intent.InferredAtom, molecules []intent.InferredMolecule) *RunVerification {
	out := &RunVerification{
		Verdicts: make([]AtomVerdict, 0, len(atoms)),
		Approved: []intent.InferredAtom{},
		Revise:   []intent.InferredAtom{},
		Rejected: []intent.InferredAtom{},
	}
	for _, a := range atoms {
		v := ScoreAtom(a, g.thresholds)
		out.Verdicts = append(out.Verdicts, v)
		switch v.Decision {
		case DecisionApprove:
			out.Approved = append(out.Approved, a)
		case DecisionRevise:
			out.Revise = append(out.Revise, a)
		default:
			out.Rejected = append(out.Rejected, a)
		}
	}
	out.Molecules = VerifyMolecules(molecules, atoms, g.thresholds)

	g.logger.Debug("quality gate",
		"atoms", len(atoms),
		"approved", len(out.Approved),
		"revise", len(out.Revise),
		"rejected", len(out.Rejected),
		"molecules", out.Molecules.TotalMolecules,
		"degraded", out.Molecules.DegradedCount,
	)
	return out
}
