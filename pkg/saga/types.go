// Package saga coordinates multi-step workflows with compensating
// rollback. A saga is a persisted, ordered list of steps executed
// at-least-once; when a step exhausts its retries the completed steps
// are compensated in reverse order. Ownership across instances is
// enforced with a distributed lock per saga.
package saga

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mentormesh/core/pkg/database"
)

// Status is the saga lifecycle state.
type Status string

const (
	StatusStarted      Status = "started"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
)

// Terminal reports whether the saga will make no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCompensated
}

// StepStatus is the per-step execution state.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepInProgress  StepStatus = "in_progress"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

// Action names one invocation. Endpoints with an http(s) scheme are
// called over HTTP with Payload as the JSON body; any other endpoint is
// the name of a handler registered on the executor.
type Action struct {
	Endpoint string         `json:"endpoint"`
	Method   string         `json:"method,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Step is one unit of saga work. Compensation, when set, undoes the
// action after a later step fails; both must be idempotent since the
// executor re-invokes on resume.
type Step struct {
	Name         string     `json:"name"`
	Action       Action     `json:"action"`
	Compensation *Action    `json:"compensation,omitempty"`
	Status       StepStatus `json:"status"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	TimeoutSec   int        `json:"timeout_seconds"`
}

// Saga is one workflow execution. Context carries data between steps;
// each completed step's response is stored under
// "step_<name>_response" and handlers may add their own keys.
type Saga struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Status      Status         `json:"status"`
	Steps       []Step         `json:"steps"`
	CurrentStep int            `json:"current_step"`
	Context     map[string]any `json:"context"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Definition is a reusable saga template keyed by type.
type Definition struct {
	Type  string
	Steps []Step
}

// New instantiates a definition with a fresh id and the given initial
// context. Step state starts pending with zero retries.
func (d Definition) New(context map[string]any) *Saga {
	if context == nil {
		context = map[string]any{}
	}
	now := time.Now().UTC()
	steps := make([]Step, len(d.Steps))
	copy(steps, d.Steps)
	for i := range steps {
		steps[i].Status = StepPending
		steps[i].RetryCount = 0
	}
	return &Saga{
		ID:        uuid.NewString(),
		Type:      d.Type,
		Status:    StatusStarted,
		Steps:     steps,
		Context:   context,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ContextString returns a string context value, or "" when absent or
// not a string.
func (s *Saga) ContextString(key string) string {
	v, _ := s.Context[key].(string)
	return v
}

func (s *Saga) toRow() (*database.SagaRow, error) {
	steps, err := json.Marshal(s.Steps)
	if err != nil {
		return nil, fmt.Errorf("encode steps: %w", err)
	}
	sagaCtx, err := json.Marshal(s.Context)
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}
	return &database.SagaRow{
		ID:          s.ID,
		SagaType:    s.Type,
		Status:      string(s.Status),
		CurrentStep: s.CurrentStep,
		Steps:       string(steps),
		Context:     string(sagaCtx),
		LastError:   s.LastError,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		CompletedAt: s.CompletedAt,
	}, nil
}

func fromRow(row *database.SagaRow) (*Saga, error) {
	s := &Saga{
		ID:          row.ID,
		Type:        row.SagaType,
		Status:      Status(row.Status),
		CurrentStep: row.CurrentStep,
		LastError:   row.LastError,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
		CompletedAt: row.CompletedAt,
	}
	if err := json.Unmarshal([]byte(row.Steps), &s.Steps); err != nil {
		return nil, fmt.Errorf("decode steps for saga %s: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.Context), &s.Context); err != nil {
		return nil, fmt.Errorf("decode context for saga %s: %w", row.ID, err)
	}
	if s.Context == nil {
		s.Context = map[string]any{}
	}
	return s, nil
}
