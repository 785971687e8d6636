package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lessonreel/lessonreel-backend/internal/types"
)

// ErrorKind classifies a stage failure for the ack/nack decision.
type ErrorKind string

const (
	// ErrTransient failures are nacked so the broker redelivers, up to the
	// attempt budget: timeouts, 5xx, rate limiting.
	ErrTransient ErrorKind = "transient"
	// ErrPermanent failures can never succeed on retry: the request is
	// marked failed and the message acked on the spot.
	ErrPermanent ErrorKind = "permanent"
)

// StageError carries the executor's own classification of a failure.
type StageError struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return e.Detail + ": " + e.Err.Error()
	}
	return e.Detail
}

func (e *StageError) Unwrap() error { return e.Err }

func Permanent(format string, args ...any) error {
	return &StageError{Kind: ErrPermanent, Detail: fmt.Sprintf(format, args...)}
}

func Transient(format string, args ...any) error {
	return &StageError{Kind: ErrTransient, Detail: fmt.Sprintf(format, args...)}
}

func PermanentWrap(err error, detail string) error {
	return &StageError{Kind: ErrPermanent, Detail: detail, Err: err}
}

func TransientWrap(err error, detail string) error {
	return &StageError{Kind: ErrTransient, Detail: detail, Err: err}
}

// Classify maps any error to an ErrorKind. Unclassified errors are treated
// as transient: external collaborators flake far more often than inputs are
// fundamentally unprocessable, and a wrongly-retried permanent failure is
// bounded by the dead-letter budget anyway.
func Classify(err error) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ErrTransient
}

// StageContext is the input handed to a stage executor. Outputs accumulates
// every prior stage's outputs, persisted on the request between stages so a
// redelivered message can resume mid-chain.
type StageContext struct {
	RequestID     uuid.UUID
	CorrelationID string
	Query         string
	GradeLevel    int
	Student       map[string]any
	Outputs       map[string]any
}

// StageResult is what a stage executor hands back on success.
type StageResult struct {
	// OutputReference points at the produced artifact, when the stage
	// produces one. The final stage's reference becomes the request's
	// result_reference.
	OutputReference string
	Outputs         map[string]any
}

// StageExecutor is the narrow contract the orchestrator requires of the
// external generation collaborators.
type StageExecutor interface {
	Execute(ctx context.Context, sc StageContext) (*StageResult, error)
}

// ExecutorSet maps each stage in the canonical chain to its executor.
type ExecutorSet map[types.RequestStatus]StageExecutor

// ValidationExecutor backs the validating stage. Unlike the generation
// stages it has no external collaborator; it re-checks the request content
// the pipeline is about to spend money on.
type ValidationExecutor struct {
	MaxQueryLen int
}

func NewValidationExecutor() *ValidationExecutor {
	return &ValidationExecutor{MaxQueryLen: 2000}
}

func (v *ValidationExecutor) Execute(ctx context.Context, sc StageContext) (*StageResult, error) {
	query := strings.TrimSpace(sc.Query)
	if query == "" {
		return nil, Permanent("request has an empty query")
	}
	if v.MaxQueryLen > 0 && len(query) > v.MaxQueryLen {
		return nil, Permanent("query exceeds %d characters", v.MaxQueryLen)
	}
	if sc.GradeLevel < 1 || sc.GradeLevel > 12 {
		return nil, Permanent("grade level %d out of range 1-12", sc.GradeLevel)
	}
	return &StageResult{Outputs: map[string]any{"validated_query": query}}, nil
}
