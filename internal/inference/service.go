// Package inference wraps the external Inference Service. The Adapter turns
// orphan tests into candidate atoms and atoms into candidate molecules,
// checking every response against its schema and against the evidence that
// was actually sent.
package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Task names the kind of structured result requested.
type Task string

// Inference tasks.
const (
	TaskInferAtoms          Task = "infer_atoms"
	TaskSynthesizeMolecules Task = "synthesize_molecules"
)

// Request is one structured inference call.
type Request struct {
	Task   Task            `json:"task"`
	Prompt string          `json:"prompt"`
	Schema json.RawMessage `json:"schema"`
}

// Service is the external inference contract. Implementations return a
// JSON document shaped by req.Schema, or a *Failure.
type Service interface {
	Name() string
	Infer(ctx context.Context, req Request) (json.RawMessage, error)
}

// FailureKind classifies inference failures.
type FailureKind string

// Failure kinds.
const (
	FailureTimeout         FailureKind = "timeout"
	FailureRateLimited     FailureKind = "rate_limited"
	FailureUnavailable     FailureKind = "unavailable"
	FailureInvalidResponse FailureKind = "invalid_response"
	FailureRejected        FailureKind = "rejected"
	FailureInternal        FailureKind = "internal"
)

// Failure is the error shape returned by Service implementations.
type Failure struct {
	Kind      FailureKind
	Retryable bool
	Err       error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("inference %s", f.Kind)
	}
	return fmt.Sprintf("inference %s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Fail builds a Failure.
func Fail(kind FailureKind, retryable bool, err error) *Failure {
	return &Failure{Kind: kind, Retryable: retryable, Err: err}
}

// KindOf reports the failure kind of err, or FailureInternal.
func KindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	return FailureInternal
}

// IsRetryable reports whether err is worth another attempt. Per-call
// deadlines are retryable; everything else must say so explicitly.
func IsRetryable(err error) bool {
	var f *Failure
	if errors.As(err, &f) {
		return f.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}
