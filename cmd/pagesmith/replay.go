package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/pagesmith/internal/agent"
	"github.com/ashureev/pagesmith/internal/domain"
	"github.com/ashureev/pagesmith/internal/model"
	"github.com/ashureev/pagesmith/internal/response"
	"github.com/ashureev/pagesmith/internal/store"
)

// errTurnFailed is returned when the replayed turn ended with an error snapshot.
var errTurnFailed = errors.New("replayed turn ended with an error")

type replayOptions struct {
	stage     string
	chunk     int
	delay     time.Duration
	finalOnly bool
	validate  bool
}

func newReplayCmd() *cobra.Command {
	opts := replayOptions{}
	cmd := &cobra.Command{
		Use:   "replay [file|-]",
		Short: "Stream recorded model output through the turn pipeline",
		Long: `Replays a recorded model response as if a provider streamed it in chunks,
and prints every snapshot the consumer would receive as one JSON line.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			return runReplay(cmd.Context(), cmd.OutOrStdout(), doc, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.stage, "stage", "s", string(domain.StageWelcome), "Stage whose agent handles the turn")
	cmd.Flags().IntVarP(&opts.chunk, "chunk", "c", 16, "Chunk size in bytes")
	cmd.Flags().DurationVar(&opts.delay, "delay", 0, "Delay between chunks")
	cmd.Flags().BoolVar(&opts.finalOnly, "final", false, "Print only the last snapshot")
	cmd.Flags().BoolVar(&opts.validate, "validate", true, "Validate the completed document against the response schema")
	return cmd
}

func readInput(stdin io.Reader, name string) (string, error) {
	if name == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return string(data), nil
}

func runReplay(ctx context.Context, out io.Writer, doc string, opts replayOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	stage, err := domain.ParseStage(opts.stage)
	if err != nil {
		return err
	}

	client := model.NewScripted(opts.chunk, opts.delay)
	client.Enqueue(string(stage), model.Script{Chunks: model.Split(doc, opts.chunk), Delay: opts.delay})

	var agentOpts []agent.Option
	if opts.validate {
		v, err := response.NewValidator()
		if err != nil {
			return err
		}
		agentOpts = append(agentOpts, agent.WithValidator(v))
	}
	repo := store.NewMemory()
	orch, err := agent.NewOrchestrator(repo, client, agent.DefaultStrategies(nil), agentOpts...)
	if err != nil {
		return err
	}
	defer orch.Close()

	sess, err := orch.CreateSession(ctx, "")
	if err != nil {
		return err
	}
	if stage == domain.StageCoding {
		// The coding agent refuses to run without a design.
		sess.StageOutputs = map[domain.Stage]json.RawMessage{domain.StageDesign: json.RawMessage(`{"replay":true}`)}
		if err := repo.Replace(ctx, sess); err != nil {
			return err
		}
	}

	turn, err := orch.Turn(ctx, agent.TurnRequest{
		SessionID: sess.ID,
		Message:   fmt.Sprintf("[agent:%s] replay", stage),
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	var last domain.PartialResponse
	n := 0
	for snap := range turn {
		last = snap
		n++
		if opts.finalOnly {
			continue
		}
		if err := enc.Encode(snap); err != nil {
			return err
		}
	}
	if n == 0 {
		return errors.New("no snapshots produced")
	}
	if opts.finalOnly {
		if err := enc.Encode(last); err != nil {
			return err
		}
	}
	if st := last.SystemState; st != nil && st.Intent == domain.IntentError {
		return fmt.Errorf("%w: %s", errTurnFailed, last.Reply())
	}
	return nil
}
