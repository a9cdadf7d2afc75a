package saga

import (
	"fmt"
	"strings"

	commonerrors "github.com/tileworks/platform/pkg/errors"
)

var (
	// ErrNotFound: no live record for the id (never created or expired).
	ErrNotFound = commonerrors.New(commonerrors.CodeSagaNotFound, "saga not found")
	// ErrInvalidTransition: the operation is not allowed from the current status.
	ErrInvalidTransition = commonerrors.New(commonerrors.CodeInvalidTransition, "invalid saga transition")
	// ErrInvalidDefinition: CreateSaga input rejected.
	ErrInvalidDefinition = commonerrors.New(commonerrors.CodeInvalidDefinition, "invalid saga definition")
	// ErrPartialCompensation matches *PartialCompensationError.
	ErrPartialCompensation = commonerrors.New(commonerrors.CodePartialCompensation, "saga partially compensated")
)

// FailedCompensation identifies one step whose rollback call failed.
type FailedCompensation struct {
	StepID string `json:"stepId"`
	Error  string `json:"error"`
}

// PartialCompensationError means rollback finished with failures; the saga
// stays COMPENSATING so it is never reported as fully rolled back.
type PartialCompensationError struct {
	SagaID string
	Failed []FailedCompensation
}

func (e *PartialCompensationError) Error() string {
	ids := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		ids[i] = f.StepID
	}
	return fmt.Sprintf("saga %s: compensation failed for steps [%s]", e.SagaID, strings.Join(ids, ", "))
}

func (e *PartialCompensationError) Unwrap() error { return ErrPartialCompensation }

func notFound(sagaID string) error {
	return fmt.Errorf("saga %s: %w", sagaID, ErrNotFound)
}

func invalidTransition(sagaID, op string, status Status) error {
	return fmt.Errorf("saga %s: %s from %s: %w", sagaID, op, status, ErrInvalidTransition)
}
