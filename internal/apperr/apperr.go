// Package apperr defines the error taxonomy shared by the reconciliation
// engine, the commitment ledger and the drift engine.
//
// Every typed error matches its sentinel with errors.Is, so callers can
// branch on the category without caring about the concrete payload:
//
//	if errors.Is(err, apperr.ErrConcurrencyConflict) { retry() }
package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinels for errors.Is matching.
var (
	ErrValidation          = errors.New("validation error")
	ErrEvidenceGrounding   = errors.New("evidence grounding error")
	ErrTransientInference  = errors.New("transient inference error")
	ErrInvariantViolation  = errors.New("invariant violation")
	ErrImmutability        = errors.New("immutability violation")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// ValidationError represents a single malformed input field.
type ValidationError struct {
	Field   string // dot-separated path, e.g. "source.path"
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is reports whether target is ErrValidation.
func (e ValidationError) Is(target error) bool { return target == ErrValidation }

// ValidationErrors collects every validation failure found for one input.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	sort.Strings(msgs)
	return "validation failed: " + strings.Join(msgs, "; ")
}

// Is reports whether target is ErrValidation.
func (v ValidationErrors) Is(target error) bool { return target == ErrValidation }

// OrNil returns nil when no validation errors were collected.
func (v ValidationErrors) OrNil() error {
	if len(v) == 0 {
		return nil
	}
	return v
}

// Invalid is shorthand for a one-field ValidationErrors.
func Invalid(field, format string, args ...any) error {
	return ValidationErrors{{Field: field, Message: fmt.Sprintf(format, args...)}}
}

// EvidenceGroundingError reports an inference candidate that referenced
// evidence absent from the manifest. The candidate is discarded.
type EvidenceGroundingError struct {
	CandidateID string
	Ref         string
	Reason      string
}

func (e *EvidenceGroundingError) Error() string {
	return fmt.Sprintf("candidate %s: ungrounded reference %q: %s", e.CandidateID, e.Ref, e.Reason)
}

// Is reports whether target is ErrEvidenceGrounding.
func (e *EvidenceGroundingError) Is(target error) bool { return target == ErrEvidenceGrounding }

// TransientInferenceError is returned once retries against the inference
// service are exhausted.
type TransientInferenceError struct {
	Operation string
	Kind      string
	Attempts  int
	Err       error
}

func (e *TransientInferenceError) Error() string {
	return fmt.Sprintf("%s: inference failed after %d attempt(s) (%s): %v", e.Operation, e.Attempts, e.Kind, e.Err)
}

// Is reports whether target is ErrTransientInference.
func (e *TransientInferenceError) Is(target error) bool { return target == ErrTransientInference }

func (e *TransientInferenceError) Unwrap() error { return e.Err }

// InvariantViolation reports blocking commitment checks that failed.
type InvariantViolation struct {
	Failed []string // "INV-003: atom IA-004 has no observable outcomes"
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("commit blocked by %d invariant(s): %s", len(e.Failed), strings.Join(e.Failed, "; "))
}

// Is reports whether target is ErrInvariantViolation.
func (e *InvariantViolation) Is(target error) bool { return target == ErrInvariantViolation }

// ImmutabilityViolation reports an attempt to mutate frozen ledger state.
type ImmutabilityViolation struct {
	Entity string // "commitment", "atom", "run_error"
	ID     string
	Op     string // "update canonical_json", "delete"
	Err    error
}

func (e *ImmutabilityViolation) Error() string {
	msg := fmt.Sprintf("immutability violation: cannot %s %s %s", e.Op, e.Entity, e.ID)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether target is ErrImmutability.
func (e *ImmutabilityViolation) Is(target error) bool { return target == ErrImmutability }

func (e *ImmutabilityViolation) Unwrap() error { return e.Err }

// ConcurrencyConflict is returned to the losing writer of a check-and-set.
// The caller must refresh its view and retry.
type ConcurrencyConflict struct {
	Entity string
	ID     string
	Reason string
}

func (e *ConcurrencyConflict) Error() string {
	return fmt.Sprintf("concurrency conflict on %s %s: %s", e.Entity, e.ID, e.Reason)
}

// Is reports whether target is ErrConcurrencyConflict.
func (e *ConcurrencyConflict) Is(target error) bool { return target == ErrConcurrencyConflict }
