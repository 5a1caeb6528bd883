package intent

import (
	"encoding/json"
	"fmt"
)

// OriginKind discriminates the Origin variants.
type OriginKind string

// Origin kinds.
const (
	OriginAgent    OriginKind = "agent"
	OriginHuman    OriginKind = "human"
	OriginImported OriginKind = "imported"
)

// Origin records who or what produced an atom. It is a closed set of
// variants; use a type switch to read the per-origin fields.
type Origin interface {
	Kind() OriginKind
	isOrigin()
}

// ProposedByAgent marks an atom inferred by the inference service.
type ProposedByAgent struct {
	Agent      string  `json:"agent"`
	Rationale  string  `json:"rationale"`
	Confidence float64 `json:"confidence"`
}

// CreatedByHuman marks an atom authored directly by a person.
type CreatedByHuman struct {
	Author string `json:"author"`
}

// ImportedFromRun marks an atom carried over from an earlier run's output.
type ImportedFromRun struct {
	RunID string `json:"runId"`
}

func (ProposedByAgent) Kind() OriginKind { return OriginAgent }
func (CreatedByHuman) Kind() OriginKind  { return OriginHuman }
func (ImportedFromRun) Kind() OriginKind { return OriginImported }

func (ProposedByAgent) isOrigin() {}
func (CreatedByHuman) isOrigin()  {}
func (ImportedFromRun) isOrigin() {}

type originEnvelope struct {
	Kind OriginKind      `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalOrigin encodes o as {"kind": ..., "data": {...}}.
func MarshalOrigin(o Origin) ([]byte, error) {
	if o == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("marshal origin: %w", err)
	}
	return json.Marshal(originEnvelope{Kind: o.Kind(), Data: data})
}

// UnmarshalOrigin decodes the envelope written by MarshalOrigin.
func UnmarshalOrigin(raw []byte) (Origin, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var env originEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal origin: %w", err)
	}

	switch env.Kind {
	case OriginAgent:
		var o ProposedByAgent
		if err := json.Unmarshal(env.Data, &o); err != nil {
			return nil, fmt.Errorf("unmarshal agent origin: %w", err)
		}
		return o, nil
	case OriginHuman:
		var o CreatedByHuman
		if err := json.Unmarshal(env.Data, &o); err != nil {
			return nil, fmt.Errorf("unmarshal human origin: %w", err)
		}
		return o, nil
	case OriginImported:
		var o ImportedFromRun
		if err := json.Unmarshal(env.Data, &o); err != nil {
			return nil, fmt.Errorf("unmarshal imported origin: %w", err)
		}
		return o, nil
	default:
		return nil, fmt.Errorf("unknown origin kind %q", env.Kind)
	}
}
