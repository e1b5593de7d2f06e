// Package response assembles streamed model output into PartialResponse
// snapshots.
package response

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ashureev/pagesmith/internal/domain"
	"github.com/ashureev/pagesmith/internal/streamjson"
)

// Field paths the assembler subscribes to.
const (
	PathReply       = "immediate_display.reply"
	PathDisplay     = "immediate_display"
	PathInteraction = "interaction"
	PathSystemState = "system_state"
)

// Assembler owns the PartialResponse of one in-flight turn.
//
// Every routed event that changes the response triggers exactly one call to
// the update callback with a private copy of the new state. A system_state
// carrying done=true is held back until the document completes or Finish is
// called; the snapshot that reveals it is the last one the assembler sends.
type Assembler struct {
	agent     string
	onUpdate  func(domain.PartialResponse)
	logger    *slog.Logger
	validator *Validator
	now       func() time.Time

	parser *streamjson.Parser
	router *streamjson.Router

	state       domain.PartialResponse
	progress    float64
	pendingDone bool
	sealed      bool
	anomalies   int
	final       json.RawMessage
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithLogger sets the logger used for parse anomalies.
func WithLogger(l *slog.Logger) Option {
	return func(a *Assembler) { a.logger = l }
}

// WithValidator validates completed documents.
func WithValidator(v *Validator) Option {
	return func(a *Assembler) { a.validator = v }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// WithFloor starts the progress clamp at p.
func WithFloor(p float64) Option {
	return func(a *Assembler) { a.progress = p }
}

// NewAssembler returns an assembler for one turn of the named agent.
func NewAssembler(agent string, onUpdate func(domain.PartialResponse), opts ...Option) *Assembler {
	a := &Assembler{
		agent:    agent,
		onUpdate: onUpdate,
		logger:   slog.Default(),
		now:      time.Now,
		parser:   streamjson.NewParser(),
		router:   streamjson.NewRouter(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.router.Register(PathReply, a.onReply)
	a.router.Register(PathDisplay, a.onDisplay)
	a.router.Register(PathInteraction, a.onInteraction)
	a.router.Register(PathSystemState, a.onSystemState)
	a.router.Register(streamjson.Wildcard, a.onAny)
	return a
}

// Router exposes the event router so callers can add their own paths.
func (a *Assembler) Router() *streamjson.Router {
	return a.router
}

// Feed parses a raw chunk and routes the resulting events.
func (a *Assembler) Feed(chunk string) {
	a.router.DispatchAll(a.parser.Feed(chunk))
}

// Snapshot returns a copy of the current state as the consumer would see it.
func (a *Assembler) Snapshot() domain.PartialResponse {
	snap := a.state.Clone()
	if a.pendingDone && !a.sealed && snap.SystemState != nil {
		snap.SystemState.Done = false
	}
	return snap
}

// Final returns the raw text of the last completed document, if any.
func (a *Assembler) Final() json.RawMessage {
	return a.final
}

// Sealed reports whether the done snapshot has been delivered.
func (a *Assembler) Sealed() bool {
	return a.sealed
}

// Progress returns the highest progress seen this turn.
func (a *Assembler) Progress() float64 {
	return a.progress
}

// Anomalies returns the number of parse or decode anomalies absorbed.
func (a *Assembler) Anomalies() int {
	return a.anomalies
}

// Finish ends the turn. If done was signaled and not yet delivered, the
// terminal snapshot is sent now. The final state is returned.
func (a *Assembler) Finish() domain.PartialResponse {
	if !a.sealed && (a.pendingDone || a.state.Done()) {
		a.sealed = true
		a.pendingDone = false
		a.deliver(a.state.Clone())
	}
	return a.state.Clone()
}

func (a *Assembler) notify() {
	if a.sealed {
		return
	}
	a.deliver(a.Snapshot())
}

func (a *Assembler) deliver(snap domain.PartialResponse) {
	if a.onUpdate != nil {
		a.onUpdate(snap)
	}
}

func (a *Assembler) anomaly(msg string, attrs ...any) {
	a.anomalies++
	a.logger.Debug("[ASSEMBLER] "+msg, append([]any{"agent", a.agent}, attrs...)...)
}

func (a *Assembler) display() domain.ImmediateDisplay {
	if a.state.ImmediateDisplay != nil {
		return *a.state.ImmediateDisplay
	}
	return domain.ImmediateDisplay{
		AgentName: a.agent,
		Timestamp: a.now().UTC().Format(time.RFC3339),
	}
}

func (a *Assembler) onReply(ev streamjson.Event) {
	if a.sealed || ev.Kind != streamjson.EventData {
		return
	}
	reply, ok := ev.Value.(string)
	if !ok {
		a.anomaly("reply is not a string", "path", ev.Path)
		return
	}
	d := a.display()
	if d.Reply == reply && a.state.ImmediateDisplay != nil {
		return
	}
	d.Reply = reply
	a.state.ImmediateDisplay = &d
	a.notify()
}

func (a *Assembler) onDisplay(ev streamjson.Event) {
	if a.sealed || ev.Kind != streamjson.EventData || ev.Raw == nil {
		return
	}
	var decoded domain.ImmediateDisplay
	if err := json.Unmarshal(ev.Raw, &decoded); err != nil {
		a.anomaly("immediate_display did not decode", "error", err)
		return
	}
	d := a.display()
	d.Reply = decoded.Reply
	if decoded.AgentName != "" {
		d.AgentName = decoded.AgentName
	}
	if decoded.Timestamp != "" {
		d.Timestamp = decoded.Timestamp
	}
	if a.state.ImmediateDisplay != nil && *a.state.ImmediateDisplay == d {
		return
	}
	a.state.ImmediateDisplay = &d
	a.notify()
}

func (a *Assembler) onInteraction(ev streamjson.Event) {
	if a.sealed || ev.Kind != streamjson.EventData || !ev.Closed {
		return
	}
	if ev.Raw == nil {
		a.anomaly("interaction is not an object", "path", ev.Path)
		return
	}
	var in *domain.Interaction
	if err := json.Unmarshal(ev.Raw, &in); err != nil {
		a.anomaly("interaction did not decode", "error", err)
		return
	}
	if in == nil && a.state.Interaction == nil {
		return
	}
	a.state.Interaction = in
	a.notify()
}

func (a *Assembler) onSystemState(ev streamjson.Event) {
	if a.sealed || ev.Kind != streamjson.EventData || ev.Raw == nil {
		return
	}
	var st domain.SystemState
	if err := json.Unmarshal(ev.Raw, &st); err != nil {
		a.anomaly("system_state did not decode", "error", err)
		return
	}
	a.setSystemState(&st)
	if st.Done {
		a.pendingDone = true
		return
	}
	a.notify()
}

func (a *Assembler) setSystemState(st *domain.SystemState) {
	if st.Progress < a.progress {
		st.Progress = a.progress
	}
	if st.Progress > 100 {
		st.Progress = 100
	}
	a.progress = st.Progress
	a.state.SystemState = st
}

func (a *Assembler) onAny(ev streamjson.Event) {
	switch ev.Kind {
	case streamjson.EventError:
		a.anomaly("parse anomaly", "error", ev.Err)
	case streamjson.EventComplete:
		a.onComplete(ev)
	}
}

func (a *Assembler) onComplete(ev streamjson.Event) {
	if a.sealed {
		return
	}
	if a.validator != nil {
		if err := a.validator.Validate(ev.Value); err != nil {
			a.anomaly("completed document failed validation", "error", err)
		}
	}
	var next domain.PartialResponse
	if err := json.Unmarshal(ev.Raw, &next); err != nil {
		a.anomaly("completed document did not decode", "error", err)
		return
	}
	a.final = ev.Raw
	if next.ImmediateDisplay != nil {
		d := a.display()
		d.Reply = next.ImmediateDisplay.Reply
		if next.ImmediateDisplay.AgentName != "" {
			d.AgentName = next.ImmediateDisplay.AgentName
		}
		if next.ImmediateDisplay.Timestamp != "" {
			d.Timestamp = next.ImmediateDisplay.Timestamp
		}
		next.ImmediateDisplay = &d
	}
	if next.SystemState != nil {
		a.state.SystemState = nil
		a.setSystemState(next.SystemState)
	}
	// Files are tracked by the extraction pass, not taken from the document.
	next.Files = a.state.Files
	a.state = next
	a.pendingDone = false
	if a.state.Done() {
		a.sealed = true
		a.deliver(a.state.Clone())
		return
	}
	a.notify()
}
