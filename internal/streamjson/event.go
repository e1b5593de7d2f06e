// Package streamjson decodes structured documents while they are still
// streaming. A Parser turns raw text chunks into field-level events and a
// Router dispatches those events to callbacks keyed by dotted path.
package streamjson

import (
	"encoding/json"
	"fmt"
)

// EventKind discriminates parser events.
type EventKind uint8

const (
	// EventData carries one field value discovered before the document completed.
	EventData EventKind = iota + 1
	// EventComplete carries the fully decoded document.
	EventComplete
	// EventError reports a malformed fragment. Scanning continues.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventData:
		return "data"
	case EventComplete:
		return "complete"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event is one parser output.
//
// For string values Value holds the decoded string and Raw is nil. For
// containers, literals and complete documents Value holds the decoded value
// and Raw the exact JSON text. Closed is false only for a string value that
// is still open at the end of a chunk.
type Event struct {
	Kind    EventKind
	Path    string
	Value   any
	Raw     json.RawMessage
	Partial bool
	Closed  bool
	Err     error
}

// SyntaxError describes a byte the scanner could not place.
type SyntaxError struct {
	Offset int64
	Char   byte
	State  string
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("streamjson: %s at offset %d (%q in %s)", e.Msg, e.Offset, e.Char, e.State)
}
