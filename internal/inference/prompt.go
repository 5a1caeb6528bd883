package inference

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jasontalley/pact-sub013/internal/intent"
	"github.com/jasontalley/pact-sub013/internal/manifest"
)

// maxEvidenceBytes caps each test body included in a prompt.
const maxEvidenceBytes = 4 * 1024

// AtomSchema describes the infer_atoms response.
var AtomSchema = json.RawMessage(`{
  "type": "object",
  "required": ["atoms"],
  "properties": {
    "atoms": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["tempId", "description", "category", "sourceTest", "observableOutcomes", "confidence", "reasoning", "sourceEvidence"],
        "properties": {
          "tempId": {"type": "string"},
          "description": {"type": "string", "minLength": 1},
          "category": {"enum": ["functional", "performance", "security", "reliability", "usability", "maintainability"]},
          "sourceTest": {
            "type": "object",
            "required": ["filePath", "testName"],
            "properties": {"filePath": {"type": "string"}, "testName": {"type": "string"}, "line": {"type": "integer"}}
          },
          "observableOutcomes": {"type": "array", "minItems": 1, "items": {"type": "string"}},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "reasoning": {"type": "string"},
          "sourceEvidence": {"type": "array", "minItems": 1, "items": {"type": "string"}}
        }
      }
    }
  }
}`)

// MoleculeSchema describes the synthesize_molecules response.
var MoleculeSchema = json.RawMessage(`{
  "type": "object",
  "required": ["molecules"],
  "properties": {
    "molecules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["tempId", "name", "description", "atomTempIds", "confidence", "reasoning"],
        "properties": {
          "tempId": {"type": "string"},
          "name": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "atomTempIds": {"type": "array", "minItems": 1, "items": {"type": "string"}},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "reasoning": {"type": "string"},
          "parentTempId": {"type": "string"}
        }
      }
    }
  }
}`)

func buildAtomPrompt(m *manifest.RepoManifest, batch []manifest.TestEvidence, r *Redactor) string {
	var b strings.Builder
	b.WriteString("Infer intent atoms from the following tests. Each atom is one testable statement of intended behavior.\n")
	b.WriteString("Reference only the tests and files listed here. sourceTest must be one of these tests; ")
	b.WriteString("sourceEvidence entries must be file paths or \"file::test\" keys from this list.\n\n")

	if len(m.DomainConcepts) > 0 {
		fmt.Fprintf(&b, "Domain concepts: %s\n\n", strings.Join(m.DomainConcepts, ", "))
	}

	for _, t := range batch {
		fmt.Fprintf(&b, "Test %s (line %d)\n", t.Key(), t.Line)
		if t.Body != "" {
			b.WriteString("```\n")
			b.WriteString(truncate(r.Redact(t.Body), maxEvidenceBytes))
			b.WriteString("\n```\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("Respond with a single JSON object matching the schema.\n")
	return b.String()
}

func buildMoleculePrompt(atoms []intent.InferredAtom, r *Redactor) string {
	var b strings.Builder
	b.WriteString("Group the following intent atoms into molecules (user stories or features). ")
	b.WriteString("Every molecule must reference at least one atom by tempId; reference only the tempIds listed.\n\n")
	for _, a := range atoms {
		fmt.Fprintf(&b, "- %s [%s] %s\n", a.TempID, a.Category, r.Redact(a.Description))
		for _, o := range a.ObservableOutcomes {
			fmt.Fprintf(&b, "    outcome: %s\n", r.Redact(o))
		}
	}
	b.WriteString("\nRespond with a single JSON object matching the schema.\n")
	return b.String()
}
