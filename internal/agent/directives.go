package agent

import (
	"regexp"
	"strings"

	"github.com/ashureev/pagesmith/internal/domain"
)

// leadingDirective matches one bracketed directive at the start of input:
// [test], [mode:test], [agent:coding], [stage:design].
var leadingDirective = regexp.MustCompile(`^\s*\[([A-Za-z_]+)(?::\s*([A-Za-z_\-]+)\s*)?\]`)

// Directives are the control markers stripped from a user message.
type Directives struct {
	// Stage is set when the message forces a stage's strategy.
	Stage    domain.Stage
	TestMode bool
	// Text is the message without its directives.
	Text string
}

// Override reports whether a stage override was requested.
func (d Directives) Override() bool {
	return d.Stage != ""
}

// ParseDirectives strips leading directives from input. Parsing stops at
// the first bracket that is not a known directive, so ordinary text such
// as "[draft] my site" is left alone. An override naming an unknown stage
// returns domain.ErrInvalidStage.
func ParseDirectives(input string) (Directives, error) {
	var d Directives
	rest := input
	for {
		m := leadingDirective.FindStringSubmatchIndex(rest)
		if m == nil {
			break
		}
		key := strings.ToLower(rest[m[2]:m[3]])
		val := ""
		if m[4] >= 0 {
			val = rest[m[4]:m[5]]
		}

		switch {
		case (key == "agent" || key == "stage") && val != "":
			stage, err := domain.ParseStage(val)
			if err != nil {
				return Directives{}, err
			}
			d.Stage = stage
		case key == "test" && val == "":
			d.TestMode = true
		case key == "mode" && strings.EqualFold(val, "test"):
			d.TestMode = true
		default:
			d.Text = strings.TrimSpace(rest)
			return d, nil
		}
		rest = rest[m[1]:]
	}
	d.Text = strings.TrimSpace(rest)
	return d, nil
}
