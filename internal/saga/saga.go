// Package saga is a pure state machine over saga records kept in the shared
// store. It never performs network calls; the executor drives it.
package saga

import (
	"encoding/json"
	"time"
)

// Status 状态
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusCompleted    Status = "COMPLETED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCompensated
}

// StepStatus 步骤状态
type StepStatus string

const (
	StepPending      StepStatus = "PENDING"
	StepCompleted    StepStatus = "COMPLETED"
	StepFailed       StepStatus = "FAILED"
	StepCompensating StepStatus = "COMPENSATING"
	StepCompensated  StepStatus = "COMPENSATED"
)

// Compensation undoes a completed step on the same service.
type Compensation struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StepDefinition is the caller-facing step descriptor.
type StepDefinition struct {
	StepID       string          `json:"stepId"`
	Service      string          `json:"service"`
	Action       string          `json:"action"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Compensation *Compensation   `json:"compensation,omitempty"`
}

// Step is a StepDefinition plus its execution record.
type Step struct {
	StepDefinition
	Status            StepStatus      `json:"status"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             string          `json:"error,omitempty"`
	CompensationError string          `json:"compensationError,omitempty"`
}

// Compensable reports whether rollback must call back into the service.
func (s *Step) Compensable() bool {
	return s.Compensation != nil && s.Compensation.Action != ""
}

// State is the persisted saga record.
type State struct {
	SagaID          string     `json:"sagaId"`
	TransactionType string     `json:"transactionType"`
	Steps           []Step     `json:"steps"`
	CurrentStep     int        `json:"currentStep"`
	Status          Status     `json:"status"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

// Current returns the step at CurrentStep, if any.
func (s *State) Current() (*Step, bool) {
	if s.CurrentStep < 0 || s.CurrentStep >= len(s.Steps) {
		return nil, false
	}
	return &s.Steps[s.CurrentStep], true
}

// Advance is the result of ExecuteStep.
type Advance struct {
	NextStep  *Step
	Completed bool
}
