package domain

import (
	"context"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestParseStage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Stage
		wantErr bool
	}{
		{"welcome", StageWelcome, false},
		{"Info-Collection", StageInfoCollection, false},
		{" design ", StageDesign, false},
		{"CODING", StageCoding, false},
		{"done", StageDone, false},
		{"deploy", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseStage(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidStage) {
					t.Fatalf("ParseStage(%q) err = %v, want ErrInvalidStage", tt.in, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("ParseStage(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
			}
		})
	}
}

func TestStageMachineWalksForward(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewStageMachine(StageWelcome)
	for _, want := range Stages()[1:] {
		got, err := m.Advance(ctx)
		if err != nil {
			t.Fatalf("Advance() error = %v", err)
		}
		if got != want {
			t.Fatalf("Advance() = %q, want %q", got, want)
		}
	}
	if _, err := m.Advance(ctx); !errors.Is(err, ErrTerminalStage) {
		t.Fatalf("Advance() past done err = %v, want ErrTerminalStage", err)
	}
}

func TestStageMachineReset(t *testing.T) {
	t.Parallel()

	m := NewStageMachine(StageCoding)
	if err := m.Reset(StageInfoCollection); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if m.Current() != StageInfoCollection {
		t.Fatalf("Current() = %q", m.Current())
	}
	if err := m.Reset("nope"); !errors.Is(err, ErrInvalidStage) {
		t.Fatalf("Reset(nope) err = %v", err)
	}
}

func TestStageMachineNeverMovesBackward(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("advance only increases the stage index", prop.ForAll(
		func(start, steps int) bool {
			m := NewStageMachine(stageOrder[start])
			prev := m.Current().Index()
			for range steps {
				next, err := m.Advance(context.Background())
				if err != nil {
					return errors.Is(err, ErrTerminalStage) && next.Terminal()
				}
				if next.Index() != prev+1 {
					return false
				}
				prev = next.Index()
			}
			return true
		},
		gen.IntRange(0, len(stageOrder)-1),
		gen.IntRange(0, 8),
	))

	properties.TestingRun(t)
}
