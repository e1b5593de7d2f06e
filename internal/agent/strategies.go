package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/ashureev/pagesmith/internal/config"
	"github.com/ashureev/pagesmith/internal/domain"
	"github.com/ashureev/pagesmith/internal/model"
)

// ErrMissingPrerequisite is returned by Prepare when a stage needs output
// from an earlier stage that the session has not recorded.
var ErrMissingPrerequisite = errors.New("missing prerequisite")

const (
	historyWindow = 20
	testMaxTokens = 512
)

// Turn is the strategy-facing view of one user turn.
type Turn struct {
	Input    string
	Override bool
	TestMode bool
	// Retry is set when Input is already the last user entry in history.
	Retry bool
}

// Result is what the orchestrator assembled from a finished stream.
type Result struct {
	Response domain.PartialResponse
	Raw      json.RawMessage
}

// Outcome tells the orchestrator how to move the session after a turn.
type Outcome struct {
	Advance  bool
	Complete bool
}

// Strategy is the stage-specific half of an agent turn.
type Strategy interface {
	Stage() domain.Stage
	Name() string
	// Timeout bounds the model call. Zero uses the orchestrator default.
	Timeout() time.Duration
	Prepare(sess *domain.Session, turn Turn) (model.Request, error)
	Finalize(sess *domain.Session, res Result) Outcome
}

// Strategies is the dispatch table, keyed by stage.
type Strategies map[domain.Stage]Strategy

// Validate reports the first non-terminal stage without a strategy.
func (s Strategies) Validate() error {
	for _, stage := range domain.Stages() {
		if stage.Terminal() {
			continue
		}
		st, ok := s[stage]
		if !ok || st == nil {
			return fmt.Errorf("no strategy for stage %s", stage)
		}
		if st.Stage() != stage {
			return fmt.Errorf("strategy %s registered under stage %s", st.Name(), stage)
		}
	}
	return nil
}

// DefaultStrategies builds the four stage agents from a profile.
func DefaultStrategies(profile *config.AgentProfile) Strategies {
	if profile == nil {
		profile = config.DefaultAgentProfile()
	}
	return Strategies{
		domain.StageWelcome:        &WelcomeStrategy{base: newBase(domain.StageWelcome, "welcome_agent", welcomePrompt, profile)},
		domain.StageInfoCollection: &InfoCollectionStrategy{base: newBase(domain.StageInfoCollection, "info_agent", infoPrompt, profile)},
		domain.StageDesign:         &DesignStrategy{base: newBase(domain.StageDesign, "design_agent", designPrompt, profile)},
		domain.StageCoding:         &CodingStrategy{base: newBase(domain.StageCoding, "coding_agent", codingPrompt, profile)},
	}
}

const responseContract = `Reply with a single JSON object and nothing else:
{"immediate_display":{"reply":string},
 "interaction":{"type":"choices"|"form"|"confirm","prompt":string,"options":[...],"fields":[...]} | null,
 "system_state":{"intent":"continue"|"advance"|"complete","stage":string,"progress":0-100,"done":bool,"metadata":{}}}
Put "reply" first so it can be shown while you write.`

const (
	welcomePrompt = `You are the welcome agent of a website builder. Greet the user, find out what kind of site they want and offer a few starting points. Set intent "advance" once the kind of site is clear.`
	infoPrompt    = `You are the information agent. Collect the site name, audience, sections and tone. Record what you learned in system_state.metadata.collected. Set intent "advance" once you have enough to design.`
	designPrompt  = `You are the design agent. Propose a layout, palette and section list for the site. Put the structured design in system_state.metadata.design. Set intent "advance" when the user accepts it.`
	codingPrompt  = `You are the coding agent. Implement the agreed design as static files. Add a top level "files" array of {"filename","content","language","type","description"} after immediate_display. Set done true when every file is written.`
	testModeHint  = `Test mode: keep the reply to one sentence and produce the smallest valid output.`
)

// base carries what every stage agent shares.
type base struct {
	stage   domain.Stage
	name    string
	prompt  string
	profile config.StageProfile
}

func newBase(stage domain.Stage, name, prompt string, profile *config.AgentProfile) base {
	return base{stage: stage, name: name, prompt: prompt, profile: profile.For(string(stage))}
}

func (b *base) Stage() domain.Stage    { return b.stage }
func (b *base) Name() string           { return b.name }
func (b *base) Timeout() time.Duration { return b.profile.Timeout }

// request builds the model call from the prompt, session context and history.
func (b *base) request(sess *domain.Session, turn Turn, extra ...string) model.Request {
	var sys strings.Builder
	sys.WriteString(b.prompt)
	sys.WriteString("\n\n")
	sys.WriteString(responseContract)
	if b.profile.Instructions != "" {
		sys.WriteString("\n\n")
		sys.WriteString(b.profile.Instructions)
	}
	if len(sess.CollectedData) > 0 {
		if data, err := json.Marshal(sess.CollectedData); err == nil {
			fmt.Fprintf(&sys, "\n\nKnown about the project: %s", data)
		}
	}
	for _, e := range extra {
		sys.WriteString("\n\n")
		sys.WriteString(e)
	}

	req := model.Request{
		Model:       b.profile.Model,
		MaxTokens:   b.profile.MaxTokens,
		Temperature: b.profile.Temperature,
		Stage:       string(b.stage),
		Messages:    historyMessages(sess.History, historyWindow),
	}
	if !turn.Retry {
		req.Messages = appendMessage(req.Messages, model.RoleUser, turn.Input)
	}
	if turn.TestMode {
		sys.WriteString("\n\n")
		sys.WriteString(testModeHint)
		if req.MaxTokens == 0 || req.MaxTokens > testMaxTokens {
			req.MaxTokens = testMaxTokens
		}
	}
	req.System = sys.String()
	return req
}

// finalize records the raw document as this stage's output and reads the
// control fields.
func (b *base) finalize(sess *domain.Session, res Result) Outcome {
	if sess.StageOutputs == nil {
		sess.StageOutputs = make(map[domain.Stage]json.RawMessage)
	}
	if len(res.Raw) > 0 {
		sess.StageOutputs[b.stage] = res.Raw
	}
	st := res.Response.SystemState
	if st == nil {
		return Outcome{}
	}
	return Outcome{
		Advance:  st.Intent == domain.IntentAdvance,
		Complete: st.Done && res.Response.Interaction == nil,
	}
}

// historyMessages converts the tail of history to model messages. System
// entries are dropped and consecutive same-role entries merged.
func historyMessages(history []domain.HistoryEntry, window int) []model.Message {
	if len(history) > window {
		history = history[len(history)-window:]
	}
	var out []model.Message
	for _, h := range history {
		switch h.Role {
		case domain.RoleUser:
			out = appendMessage(out, model.RoleUser, h.Content)
		case domain.RoleAssistant:
			out = appendMessage(out, model.RoleAssistant, h.Content)
		}
	}
	return out
}

func appendMessage(msgs []model.Message, role model.Role, content string) []model.Message {
	if content == "" {
		return msgs
	}
	if n := len(msgs); n > 0 && msgs[n-1].Role == role {
		msgs[n-1].Content += "\n\n" + content
		return msgs
	}
	return append(msgs, model.Message{Role: role, Content: content})
}

func metadataValue(res Result, key string) (any, bool) {
	st := res.Response.SystemState
	if st == nil || st.Metadata == nil {
		return nil, false
	}
	v, ok := st.Metadata[key]
	return v, ok
}

// WelcomeStrategy opens the conversation.
type WelcomeStrategy struct{ base }

// Prepare implements Strategy.
func (s *WelcomeStrategy) Prepare(sess *domain.Session, turn Turn) (model.Request, error) {
	return s.request(sess, turn), nil
}

// Finalize implements Strategy.
func (s *WelcomeStrategy) Finalize(sess *domain.Session, res Result) Outcome {
	return s.finalize(sess, res)
}

// InfoCollectionStrategy gathers project facts into CollectedData.
type InfoCollectionStrategy struct{ base }

// Prepare implements Strategy.
func (s *InfoCollectionStrategy) Prepare(sess *domain.Session, turn Turn) (model.Request, error) {
	return s.request(sess, turn), nil
}

// Finalize merges system_state.metadata.collected into the session.
func (s *InfoCollectionStrategy) Finalize(sess *domain.Session, res Result) Outcome {
	if v, ok := metadataValue(res, "collected"); ok {
		if collected, ok := v.(map[string]any); ok {
			if sess.CollectedData == nil {
				sess.CollectedData = make(map[string]any, len(collected))
			}
			maps.Copy(sess.CollectedData, collected)
		}
	}
	return s.finalize(sess, res)
}

// DesignStrategy produces the design the coding stage builds from.
type DesignStrategy struct{ base }

// Prepare implements Strategy.
func (s *DesignStrategy) Prepare(sess *domain.Session, turn Turn) (model.Request, error) {
	return s.request(sess, turn), nil
}

// Finalize records metadata.design as the stage output when present.
func (s *DesignStrategy) Finalize(sess *domain.Session, res Result) Outcome {
	out := s.finalize(sess, res)
	if v, ok := metadataValue(res, "design"); ok {
		if design, err := json.Marshal(v); err == nil {
			sess.StageOutputs[s.stage] = design
		}
	}
	return out
}

// CodingStrategy turns the recorded design into files.
type CodingStrategy struct{ base }

// Prepare fails with ErrMissingPrerequisite when no design is recorded.
func (s *CodingStrategy) Prepare(sess *domain.Session, turn Turn) (model.Request, error) {
	design, ok := sess.StageOutputs[domain.StageDesign]
	if !ok || len(design) == 0 {
		return model.Request{}, fmt.Errorf("%w: %s needs a recorded %s output", ErrMissingPrerequisite, s.stage, domain.StageDesign)
	}
	hint := "Agreed design: " + string(design)
	if turn.TestMode {
		hint += "\nWrite a single small file."
	}
	return s.request(sess, turn, hint), nil
}

// Finalize stores the generated files on the session.
func (s *CodingStrategy) Finalize(sess *domain.Session, res Result) Outcome {
	if len(res.Response.Files) > 0 {
		sess.Files = append([]domain.StreamingFile(nil), res.Response.Files...)
	}
	return s.finalize(sess, res)
}
