package domain

import "maps"

// Intent tags carried in system_state.intent.
const (
	IntentContinue = "continue"
	IntentAdvance  = "advance"
	IntentComplete = "complete"
	IntentError    = "error"
)

// PartialResponse is the unit streamed to the consumer for one turn.
// Files is only populated during the coding stage.
type PartialResponse struct {
	ImmediateDisplay *ImmediateDisplay `json:"immediate_display,omitempty"`
	Interaction      *Interaction      `json:"interaction,omitempty"`
	SystemState      *SystemState      `json:"system_state,omitempty"`
	Files            []StreamingFile   `json:"files,omitempty"`
}

// ImmediateDisplay is the human-readable reply region.
type ImmediateDisplay struct {
	Reply     string `json:"reply"`
	AgentName string `json:"agent_name,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Interaction describes choices or a form the consumer must render.
type Interaction struct {
	Type     string              `json:"type"`
	Prompt   string              `json:"prompt,omitempty"`
	Options  []InteractionOption `json:"options,omitempty"`
	Fields   []InteractionField  `json:"fields,omitempty"`
	Metadata map[string]any      `json:"metadata,omitempty"`
}

// InteractionOption is one selectable choice.
type InteractionOption struct {
	ID          string `json:"id,omitempty"`
	Label       string `json:"label"`
	Value       any    `json:"value,omitempty"`
	Description string `json:"description,omitempty"`
}

// InteractionField is one form input.
type InteractionField struct {
	Name        string              `json:"name"`
	Label       string              `json:"label,omitempty"`
	Type        string              `json:"type,omitempty"`
	Required    bool                `json:"required,omitempty"`
	Placeholder string              `json:"placeholder,omitempty"`
	Options     []InteractionOption `json:"options,omitempty"`
}

// SystemState carries control information for the orchestrator.
type SystemState struct {
	Intent   string         `json:"intent,omitempty"`
	Stage    Stage          `json:"stage,omitempty"`
	Progress float64        `json:"progress"`
	Done     bool           `json:"done"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Clone returns a copy that shares no mutable state with r.
// Metadata maps are copied one level deep.
func (r PartialResponse) Clone() PartialResponse {
	out := PartialResponse{}
	if r.ImmediateDisplay != nil {
		d := *r.ImmediateDisplay
		out.ImmediateDisplay = &d
	}
	if r.Interaction != nil {
		in := *r.Interaction
		in.Options = append([]InteractionOption(nil), r.Interaction.Options...)
		in.Fields = append([]InteractionField(nil), r.Interaction.Fields...)
		in.Metadata = maps.Clone(r.Interaction.Metadata)
		out.Interaction = &in
	}
	if r.SystemState != nil {
		st := *r.SystemState
		st.Metadata = maps.Clone(r.SystemState.Metadata)
		out.SystemState = &st
	}
	if r.Files != nil {
		out.Files = append([]StreamingFile(nil), r.Files...)
	}
	return out
}

// Done reports whether the response signals done.
func (r PartialResponse) Done() bool {
	return r.SystemState != nil && r.SystemState.Done
}

// Reply returns the reply text or "".
func (r PartialResponse) Reply() string {
	if r.ImmediateDisplay == nil {
		return ""
	}
	return r.ImmediateDisplay.Reply
}
