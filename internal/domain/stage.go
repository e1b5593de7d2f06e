package domain

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/looplab/fsm"
)

// Stage is a named phase of the conversation state machine.
type Stage string

const (
	StageWelcome        Stage = "welcome"
	StageInfoCollection Stage = "info_collection"
	StageDesign         Stage = "design"
	StageCoding         Stage = "coding"
	StageDone           Stage = "done"
)

var stageOrder = []Stage{StageWelcome, StageInfoCollection, StageDesign, StageCoding, StageDone}

var (
	// ErrInvalidStage is returned for names outside the stage enumeration.
	ErrInvalidStage = errors.New("invalid stage")
	// ErrTerminalStage is returned when advancing past done.
	ErrTerminalStage = errors.New("stage is terminal")
)

// Stages returns every stage in transition order.
func Stages() []Stage {
	return slices.Clone(stageOrder)
}

// ParseStage resolves a stage name. Hyphens and case are normalized so
// directive text like "Info-Collection" resolves.
func ParseStage(name string) (Stage, error) {
	s := Stage(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_"))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStage, name)
	}
	return s, nil
}

// Valid reports whether s is part of the enumeration.
func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// Index returns the position of s in transition order, or -1.
func (s Stage) Index() int {
	return slices.Index(stageOrder, s)
}

// Terminal reports whether s is the done stage.
func (s Stage) Terminal() bool {
	return s == StageDone
}

// Next returns the stage after s. Done maps to itself.
func (s Stage) Next() Stage {
	i := s.Index()
	if i < 0 || i+1 >= len(stageOrder) {
		return s
	}
	return stageOrder[i+1]
}

// Before reports whether s comes strictly before other.
func (s Stage) Before(other Stage) bool {
	return s.Index() < other.Index()
}

const eventAdvance = "advance"

// StageMachine is the forward-only transition graph of one session.
// Reset is the only way to move backwards.
type StageMachine struct {
	fsm *fsm.FSM
}

// NewStageMachine returns a machine positioned at current.
func NewStageMachine(current Stage) *StageMachine {
	events := make(fsm.Events, 0, len(stageOrder)-1)
	for i := 0; i < len(stageOrder)-1; i++ {
		events = append(events, fsm.EventDesc{
			Name: eventAdvance,
			Src:  []string{string(stageOrder[i])},
			Dst:  string(stageOrder[i+1]),
		})
	}
	return &StageMachine{fsm: fsm.NewFSM(string(current), events, fsm.Callbacks{})}
}

// Current returns the machine's stage.
func (m *StageMachine) Current() Stage {
	return Stage(m.fsm.Current())
}

// Advance moves one stage forward.
func (m *StageMachine) Advance(ctx context.Context) (Stage, error) {
	from := m.Current()
	if from.Terminal() {
		return from, ErrTerminalStage
	}
	if err := m.fsm.Event(ctx, eventAdvance); err != nil {
		var invalid fsm.InvalidEventError
		if errors.As(err, &invalid) {
			return from, fmt.Errorf("%w: %s", ErrInvalidStage, from)
		}
		return from, fmt.Errorf("advance from %s: %w", from, err)
	}
	return m.Current(), nil
}

// Reset positions the machine at stage without checking order.
func (m *StageMachine) Reset(stage Stage) error {
	if !stage.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStage, stage)
	}
	m.fsm.SetState(string(stage))
	return nil
}
