// Package domain contains core domain types for the pagesmith service.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionAbandoned SessionStatus = "abandoned"
)

// Closed reports whether the session accepts no further turns.
func (s SessionStatus) Closed() bool {
	return s == SessionCompleted || s == SessionAbandoned
}

// Role tags the author of a history entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ExecutionStatus is the state of one agent invocation.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCanceled  ExecutionStatus = "canceled"
)

// ErrExecutionRunning is returned when a session already has a running execution.
var ErrExecutionRunning = errors.New("agent execution already running")

// HistoryEntry is one message in the conversation.
type HistoryEntry struct {
	Role      Role           `json:"role"`
	Agent     string         `json:"agent,omitempty"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// AgentExecution records one strategy invocation.
type AgentExecution struct {
	ID         string          `json:"id"`
	Stage      Stage           `json:"stage"`
	Agent      string          `json:"agent"`
	Status     ExecutionStatus `json:"status"`
	Input      string          `json:"input"`
	Override   bool            `json:"override,omitempty"`
	TestMode   bool            `json:"test_mode,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Metrics aggregates per-session counters.
type Metrics struct {
	Turns            int `json:"turns"`
	StageTransitions int `json:"stage_transitions"`
	Errors           int `json:"errors"`
}

// Session is one conversation.
type Session struct {
	ID              string                    `json:"id"`
	OwnerID         string                    `json:"owner_id,omitempty"`
	Status          SessionStatus             `json:"status"`
	CurrentStage    Stage                     `json:"current_stage"`
	CompletedStages []Stage                   `json:"completed_stages"`
	Progress        float64                   `json:"progress"`
	CollectedData   map[string]any            `json:"collected_data,omitempty"`
	StageOutputs    map[Stage]json.RawMessage `json:"stage_outputs,omitempty"`
	Files           []StreamingFile           `json:"files,omitempty"`
	History         []HistoryEntry            `json:"history"`
	Executions      []AgentExecution          `json:"executions"`
	Metrics         Metrics                   `json:"metrics"`
	CreatedAt       time.Time                 `json:"created_at"`
	UpdatedAt       time.Time                 `json:"updated_at"`
}

// NewSession returns an active session at the welcome stage.
func NewSession(id, ownerID string, now time.Time) *Session {
	return &Session{
		ID:              id,
		OwnerID:         ownerID,
		Status:          SessionActive,
		CurrentStage:    StageWelcome,
		CompletedStages: []Stage{},
		History:         []HistoryEntry{},
		Executions:      []AgentExecution{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// RecordMessage appends a history entry.
func (s *Session) RecordMessage(role Role, agent, content string, now time.Time, meta map[string]any) {
	s.History = append(s.History, HistoryEntry{
		Role:      role,
		Agent:     agent,
		Content:   content,
		Timestamp: now,
		Metadata:  meta,
	})
	s.UpdatedAt = now
}

// RunningExecution returns the execution currently running, if any.
func (s *Session) RunningExecution() *AgentExecution {
	for i := range s.Executions {
		if s.Executions[i].Status == ExecutionRunning {
			return &s.Executions[i]
		}
	}
	return nil
}

// BeginExecution appends a running execution entry.
func (s *Session) BeginExecution(exec AgentExecution) error {
	if running := s.RunningExecution(); running != nil {
		return fmt.Errorf("%w: %s", ErrExecutionRunning, running.ID)
	}
	exec.Status = ExecutionRunning
	s.Executions = append(s.Executions, exec)
	s.UpdatedAt = exec.StartedAt
	return nil
}

// FinishExecution closes the execution with the given id.
func (s *Session) FinishExecution(id string, status ExecutionStatus, output json.RawMessage, errMsg string, now time.Time) {
	for i := range s.Executions {
		if s.Executions[i].ID != id {
			continue
		}
		s.Executions[i].Status = status
		s.Executions[i].Output = output
		s.Executions[i].Error = errMsg
		finished := now
		s.Executions[i].FinishedAt = &finished
		break
	}
	s.UpdatedAt = now
}

// LastExecution returns the most recent execution, if any.
func (s *Session) LastExecution() *AgentExecution {
	if len(s.Executions) == 0 {
		return nil
	}
	return &s.Executions[len(s.Executions)-1]
}

// Advance marks the current stage completed and moves to the next one.
func (s *Session) Advance(ctx context.Context, now time.Time) (Stage, error) {
	from := s.CurrentStage
	next, err := NewStageMachine(from).Advance(ctx)
	if err != nil {
		return from, err
	}
	if !slices.Contains(s.CompletedStages, from) {
		s.CompletedStages = append(s.CompletedStages, from)
	}
	s.CurrentStage = next
	s.Metrics.StageTransitions++
	if next.Terminal() {
		s.Status = SessionCompleted
	}
	s.UpdatedAt = now
	return next, nil
}

// ResetTo positions the session at stage and clears completion.
// Completed stages at or after stage are forgotten.
func (s *Session) ResetTo(stage Stage, now time.Time) error {
	m := NewStageMachine(s.CurrentStage)
	if err := m.Reset(stage); err != nil {
		return err
	}
	s.CurrentStage = m.Current()
	s.CompletedStages = slices.DeleteFunc(s.CompletedStages, func(done Stage) bool {
		return !done.Before(stage)
	})
	if s.Status == SessionCompleted || s.Status == SessionAbandoned {
		s.Status = SessionActive
	}
	if stage.Terminal() {
		s.Status = SessionCompleted
	}
	s.UpdatedAt = now
	return nil
}

// SetProgress raises progress; it never decreases.
func (s *Session) SetProgress(p float64) {
	if p > 100 {
		p = 100
	}
	if p > s.Progress {
		s.Progress = p
	}
}

// Clone returns a deep copy of the session. Metadata maps and raw outputs
// are copied one level deep.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.CompletedStages = slices.Clone(s.CompletedStages)
	out.CollectedData = maps.Clone(s.CollectedData)
	if s.StageOutputs != nil {
		out.StageOutputs = make(map[Stage]json.RawMessage, len(s.StageOutputs))
		for k, v := range s.StageOutputs {
			out.StageOutputs[k] = slices.Clone(v)
		}
	}
	out.Files = slices.Clone(s.Files)
	out.History = make([]HistoryEntry, len(s.History))
	for i, h := range s.History {
		h.Metadata = maps.Clone(h.Metadata)
		out.History[i] = h
	}
	out.Executions = make([]AgentExecution, len(s.Executions))
	for i, e := range s.Executions {
		e.Output = slices.Clone(e.Output)
		if e.FinishedAt != nil {
			t := *e.FinishedAt
			e.FinishedAt = &t
		}
		out.Executions[i] = e
	}
	return &out
}
