package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tileworks/platform/internal/metrics"
	"github.com/tileworks/platform/pkg/logger"
)

// Orchestrator applies saga transitions. Every call loads fresh state from
// the repository, so any process can drive a saga by id. Writes carry no
// version check: concurrent drivers of one saga can overwrite each other.
type Orchestrator struct {
	repo    Repository
	log     *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string
}

type Option func(*Orchestrator)

func WithLogger(log *logger.Logger) Option {
	return func(o *Orchestrator) { o.log = logger.OrNop(log).WithComponent("saga") }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// NewOrchestrator 创建编排器
func NewOrchestrator(repo Repository, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		repo:  repo,
		log:   logger.Nop(),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreateSaga validates steps, stores a PENDING saga and returns its id.
func (o *Orchestrator) CreateSaga(ctx context.Context, transactionType string, steps []StepDefinition) (string, error) {
	if err := validateDefinition(steps); err != nil {
		return "", err
	}

	now := o.now()
	state := &State{
		SagaID:          o.newID(),
		TransactionType: transactionType,
		Steps:           make([]Step, len(steps)),
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for i, def := range steps {
		state.Steps[i] = Step{StepDefinition: def, Status: StepPending}
	}

	if err := o.repo.Create(ctx, state); err != nil {
		return "", err
	}
	o.transitioned(ctx, state, "created")
	return state.SagaID, nil
}

// ExecuteStep completes the step at CurrentStep with result and advances.
func (o *Orchestrator) ExecuteStep(ctx context.Context, sagaID string, result json.RawMessage) (*Advance, error) {
	state, err := o.repo.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if state.Status != StatusPending {
		return nil, invalidTransition(sagaID, "executeStep", state.Status)
	}
	step, ok := state.Current()
	if !ok {
		return nil, invalidTransition(sagaID, "executeStep past last step", state.Status)
	}

	step.Status = StepCompleted
	step.Result = result
	step.Error = ""
	state.CurrentStep++

	adv := &Advance{}
	if state.CurrentStep == len(state.Steps) {
		now := o.now()
		state.Status = StatusCompleted
		state.CompletedAt = &now
		adv.Completed = true
	} else {
		next := state.Steps[state.CurrentStep]
		adv.NextStep = &next
	}

	if err := o.save(ctx, state); err != nil {
		return nil, err
	}
	if adv.Completed {
		o.transitioned(ctx, state, "completed")
	}
	return adv, nil
}

// FailStep marks the step at CurrentStep FAILED and moves the saga to
// COMPENSATING. CurrentStep is not advanced.
func (o *Orchestrator) FailStep(ctx context.Context, sagaID string, errorMessage string) error {
	state, err := o.repo.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	if state.Status != StatusPending {
		return invalidTransition(sagaID, "failStep", state.Status)
	}
	step, ok := state.Current()
	if !ok {
		return invalidTransition(sagaID, "failStep past last step", state.Status)
	}

	step.Status = StepFailed
	step.Error = errorMessage
	state.Status = StatusCompensating

	if err := o.save(ctx, state); err != nil {
		return err
	}
	o.transitioned(ctx, state, "failed step "+step.StepID)
	return nil
}

// Compensate marks every COMPLETED step with a compensation, from
// CurrentStep-1 down to 0, as COMPENSATING. It returns all COMPENSATING steps
// in reverse completion order, so a second call after a partial rollback
// hands back only what is still outstanding. Sagas not in COMPENSATING
// yield an empty list.
func (o *Orchestrator) Compensate(ctx context.Context, sagaID string) ([]Step, error) {
	state, err := o.repo.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if state.Status != StatusCompensating {
		return []Step{}, nil
	}

	last := state.CurrentStep - 1
	if last >= len(state.Steps) {
		last = len(state.Steps) - 1
	}
	out := make([]Step, 0, last+1)
	for i := last; i >= 0; i-- {
		step := &state.Steps[i]
		if step.Status == StepCompleted && step.Compensable() {
			step.Status = StepCompensating
		}
		if step.Status == StepCompensating {
			step.CompensationError = ""
			out = append(out, *step)
		}
	}

	if err := o.save(ctx, state); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkCompensationFailed records that the compensation call for stepID failed.
func (o *Orchestrator) MarkCompensationFailed(ctx context.Context, sagaID, stepID, message string) error {
	state, err := o.repo.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	if state.Status != StatusCompensating {
		return invalidTransition(sagaID, "markCompensationFailed", state.Status)
	}
	for i := range state.Steps {
		step := &state.Steps[i]
		if step.StepID != stepID {
			continue
		}
		if step.Status != StepCompensating {
			return fmt.Errorf("saga %s: step %s is %s, not compensating: %w", sagaID, stepID, step.Status, ErrInvalidTransition)
		}
		if message == "" {
			message = "compensation failed"
		}
		step.CompensationError = message
		return o.save(ctx, state)
	}
	return fmt.Errorf("saga %s: unknown step %s: %w", sagaID, stepID, ErrInvalidTransition)
}

// MarkCompensated flips COMPENSATING steps to COMPENSATED and closes the saga.
// Steps with a recorded compensation failure stay COMPENSATING, the saga stays
// COMPENSATING and a *PartialCompensationError is returned.
func (o *Orchestrator) MarkCompensated(ctx context.Context, sagaID string) error {
	state, err := o.repo.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	switch state.Status {
	case StatusCompensated:
		return nil
	case StatusCompensating:
	default:
		return invalidTransition(sagaID, "markCompensated", state.Status)
	}

	var failed []FailedCompensation
	for i := range state.Steps {
		step := &state.Steps[i]
		if step.Status != StepCompensating {
			continue
		}
		if step.CompensationError != "" {
			failed = append(failed, FailedCompensation{StepID: step.StepID, Error: step.CompensationError})
			continue
		}
		step.Status = StepCompensated
	}
	if len(failed) == 0 {
		state.Status = StatusCompensated
	}

	if err := o.save(ctx, state); err != nil {
		return err
	}
	if len(failed) > 0 {
		o.log.WithContext(ctx).Errorf("saga partially compensated", map[string]interface{}{
			"sagaId": sagaID,
			"failed": failed,
		})
		return &PartialCompensationError{SagaID: sagaID, Failed: failed}
	}
	o.transitioned(ctx, state, "compensated")
	return nil
}

// GetSaga returns a snapshot of the saga.
func (o *Orchestrator) GetSaga(ctx context.Context, sagaID string) (*State, error) {
	return o.repo.Get(ctx, sagaID)
}

func (o *Orchestrator) save(ctx context.Context, state *State) error {
	state.UpdatedAt = o.now()
	return o.repo.Save(ctx, state)
}

func (o *Orchestrator) transitioned(ctx context.Context, state *State, what string) {
	o.metrics.IncSagaTransition(state.TransactionType, string(state.Status))
	o.log.WithContext(ctx).Infof("saga "+what, map[string]interface{}{
		"sagaId":          state.SagaID,
		"transactionType": state.TransactionType,
		"status":          state.Status,
		"currentStep":     state.CurrentStep,
	})
}

func validateDefinition(steps []StepDefinition) error {
	if len(steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidDefinition)
	}
	seen := make(map[string]struct{}, len(steps))
	for i, s := range steps {
		id := strings.TrimSpace(s.StepID)
		if id == "" {
			return fmt.Errorf("%w: step %d has no stepId", ErrInvalidDefinition, i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate stepId %q", ErrInvalidDefinition, id)
		}
		seen[id] = struct{}{}
		if strings.TrimSpace(s.Service) == "" || strings.TrimSpace(s.Action) == "" {
			return fmt.Errorf("%w: step %q needs service and action", ErrInvalidDefinition, id)
		}
		if s.Compensation != nil && strings.TrimSpace(s.Compensation.Action) == "" {
			return fmt.Errorf("%w: step %q compensation needs an action", ErrInvalidDefinition, id)
		}
	}
	return nil
}
