package streamjson

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// scanState is the lexical state of the scanner.
type scanState uint8

const (
	stateTop     scanState = iota // outside any document, skipping preamble
	stateObject                   // inside an object, between tokens
	stateArray                    // inside an array, between tokens
	stateString                   // inside a string literal
	stateEscape                   // after a backslash inside a string
	stateLiteral                  // inside a number, true, false or null
)

func (s scanState) String() string {
	switch s {
	case stateTop:
		return "top"
	case stateObject:
		return "object"
	case stateArray:
		return "array"
	case stateString:
		return "string"
	case stateEscape:
		return "escape"
	case stateLiteral:
		return "literal"
	default:
		return "unknown"
	}
}

// phase tracks where a container is between its members.
type phase uint8

const (
	phaseKey   phase = iota // object: expecting a key or '}'
	phaseColon              // object: key read, expecting ':'
	phaseValue              // expecting a value
	phaseInValue
	phaseAfter // value done, expecting ',' or a closing bracket
)

type frame struct {
	array  bool
	phase  phase
	key    string
	index  int
	start  int  // offset of the opening bracket in buf
	pushed bool // a member segment is on the path stack
}

// transition handles one byte in a given state. Returning true re-dispatches
// the same byte in the new state.
type transition func(p *Parser, c byte) bool

var transitions = [...]transition{
	stateTop:     (*Parser).scanTop,
	stateObject:  (*Parser).scanObject,
	stateArray:   (*Parser).scanArray,
	stateString:  (*Parser).scanString,
	stateEscape:  (*Parser).scanEscape,
	stateLiteral: (*Parser).scanLiteral,
}

// Parser is an incremental decoder for one stream of JSON documents.
// It is not safe for concurrent use.
type Parser struct {
	buf      []byte
	pos      int   // next unscanned offset in buf
	base     int64 // stream offset of buf[0]
	docStart int   // offset of the open document's '{', or -1

	state  scanState
	frames []frame
	path   PathStack

	str        []byte
	strKey     bool
	strEmitted int
	unicode    int // hex digits left in a \u escape

	lit []byte

	closed bool // root container closed during the scan
	out    []Event
}

// NewParser returns an empty parser.
func NewParser() *Parser {
	return &Parser{docStart: -1}
}

// Reset discards buffered input and scanner state.
func (p *Parser) Reset() {
	p.base += int64(len(p.buf))
	p.buf = p.buf[:0]
	p.pos = 0
	p.resetScanner()
}

func (p *Parser) resetScanner() {
	p.docStart = -1
	p.state = stateTop
	p.frames = p.frames[:0]
	p.path.Reset()
	p.str = p.str[:0]
	p.strEmitted = 0
	p.unicode = 0
	p.lit = p.lit[:0]
}

// Buffered returns the number of bytes held for the open document.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// Feed consumes the next chunk and returns the events it produced.
//
// The accumulated buffer is first decoded as a whole; if that succeeds a
// single EventComplete is returned and the parser resets. Otherwise the new
// bytes are scanned and data events are emitted for every value that
// became decodable.
func (p *Parser) Feed(chunk string) []Event {
	p.out = nil
	p.buf = append(p.buf, chunk...)

	if ev, ok := p.tryComplete(); ok {
		p.Reset()
		return []Event{ev}
	}

	for p.pos < len(p.buf) {
		c := p.buf[p.pos]
		for transitions[p.state](p, c) {
		}
		p.pos++
		if p.closed {
			p.closed = false
			p.drop(p.pos)
		}
	}
	p.flushOpenString()
	return p.out
}

// tryComplete decodes the open document in one go.
func (p *Parser) tryComplete() (Event, bool) {
	start := p.docStart
	if start < 0 {
		i := bytes.IndexByte(p.buf[p.pos:], '{')
		if i < 0 {
			return Event{}, false
		}
		start = p.pos + i
	}
	doc := trimTrailer(p.buf[start:])
	if len(doc) == 0 || doc[len(doc)-1] != '}' || !json.Valid(doc) {
		return Event{}, false
	}
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return Event{}, false
	}
	return Event{Kind: EventComplete, Value: v, Raw: bytes.Clone(doc), Closed: true}, true
}

// trimTrailer strips trailing whitespace and a closing markdown fence.
func trimTrailer(b []byte) []byte {
	b = bytes.TrimRight(b, " \t\r\n")
	b = bytes.TrimSuffix(b, []byte("```"))
	return bytes.TrimRight(b, " \t\r\n")
}

// drop discards buf[:n] after a document closed mid-chunk.
func (p *Parser) drop(n int) {
	rest := p.buf[n:]
	p.base += int64(n)
	p.buf = append(p.buf[:0], rest...)
	p.pos = 0
	p.resetScanner()
}

func (p *Parser) emit(ev Event) {
	p.out = append(p.out, ev)
}

func (p *Parser) fail(c byte, msg string) {
	p.emit(Event{
		Kind: EventError,
		Path: p.path.String(),
		Err: &SyntaxError{
			Offset: p.base + int64(p.pos),
			Char:   c,
			State:  p.state.String(),
			Msg:    msg,
		},
	})
}

func (p *Parser) top() *frame {
	if len(p.frames) == 0 {
		return nil
	}
	return &p.frames[len(p.frames)-1]
}

// settle returns the scanner to the state of the innermost container.
func (p *Parser) settle() {
	f := p.top()
	switch {
	case f == nil:
		p.state = stateTop
	case f.array:
		p.state = stateArray
	default:
		p.state = stateObject
	}
}

func (p *Parser) scanTop(c byte) bool {
	if c == '{' {
		p.docStart = p.pos
		p.open(false)
	}
	return false
}

func (p *Parser) scanObject(c byte) bool {
	if isSpace(c) {
		return false
	}
	f := p.top()
	switch f.phase {
	case phaseKey:
		switch c {
		case '"':
			p.beginString(true)
		case '}':
			p.close()
		default:
			p.fail(c, "expected object key")
		}
	case phaseColon:
		if c != ':' {
			p.fail(c, "expected ':'")
			return false
		}
		p.path.Push(f.key)
		f.pushed = true
		f.phase = phaseValue
	case phaseValue:
		p.beginValue(c)
	case phaseAfter:
		switch c {
		case ',':
			p.popMember(f)
			f.phase = phaseKey
		case '}':
			p.popMember(f)
			p.close()
		default:
			p.fail(c, "expected ',' or '}'")
		}
	default:
		p.fail(c, "unexpected byte")
	}
	return false
}

func (p *Parser) scanArray(c byte) bool {
	if isSpace(c) {
		return false
	}
	f := p.top()
	switch f.phase {
	case phaseValue:
		if c == ']' {
			p.popMember(f)
			p.close()
			return false
		}
		p.beginValue(c)
	case phaseAfter:
		switch c {
		case ',':
			p.popMember(f)
			f.index++
			f.phase = phaseValue
		case ']':
			p.popMember(f)
			p.close()
		default:
			p.fail(c, "expected ',' or ']'")
		}
	default:
		p.fail(c, "unexpected byte")
	}
	return false
}

func (p *Parser) scanString(c byte) bool {
	if p.unicode > 0 {
		if isHex(c) {
			p.str = append(p.str, c)
			p.unicode--
			return false
		}
		p.unicode = 0
	}
	switch c {
	case '\\':
		p.str = append(p.str, c)
		p.state = stateEscape
	case '"':
		p.endString()
	default:
		p.str = append(p.str, c)
	}
	return false
}

func (p *Parser) scanEscape(c byte) bool {
	p.str = append(p.str, c)
	if c == 'u' {
		p.unicode = 4
	}
	p.state = stateString
	return false
}

func (p *Parser) scanLiteral(c byte) bool {
	if isDelimiter(c) {
		p.endLiteral()
		return true
	}
	p.lit = append(p.lit, c)
	return false
}

// beginValue starts whatever value c opens inside the current container.
func (p *Parser) beginValue(c byte) {
	f := p.top()
	if f.array && !f.pushed {
		p.path.Push(strconv.Itoa(f.index))
		f.pushed = true
	}
	switch {
	case c == '"':
		f.phase = phaseInValue
		p.beginString(false)
	case c == '{':
		f.phase = phaseInValue
		p.open(false)
	case c == '[':
		f.phase = phaseInValue
		p.open(true)
	case isLiteralStart(c):
		f.phase = phaseInValue
		p.lit = append(p.lit[:0], c)
		p.state = stateLiteral
	default:
		p.fail(c, "expected value")
	}
}

func (p *Parser) popMember(f *frame) {
	if f.pushed {
		p.path.Pop()
		f.pushed = false
	}
}

func (p *Parser) open(array bool) {
	fr := frame{array: array, phase: phaseKey, start: p.pos}
	if array {
		fr.phase = phaseValue
	}
	p.frames = append(p.frames, fr)
	p.settle()
}

// close ends the innermost container at the current byte.
func (p *Parser) close() {
	f := p.frames[len(p.frames)-1]
	p.frames = p.frames[:len(p.frames)-1]
	raw := p.buf[f.start : p.pos+1]

	if len(p.frames) == 0 {
		p.settle()
		p.closed = true
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			p.fail(p.buf[p.pos], "document did not decode: "+err.Error())
			return
		}
		p.emit(Event{Kind: EventComplete, Value: v, Raw: bytes.Clone(raw), Closed: true})
		return
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		p.fail(p.buf[p.pos], "container did not decode: "+err.Error())
	} else {
		p.emit(Event{
			Kind:    EventData,
			Path:    p.path.String(),
			Value:   v,
			Raw:     bytes.Clone(raw),
			Partial: true,
			Closed:  true,
		})
	}
	p.top().phase = phaseAfter
	p.settle()
}

func (p *Parser) beginString(key bool) {
	p.str = p.str[:0]
	p.strKey = key
	p.strEmitted = 0
	p.unicode = 0
	p.state = stateString
}

func (p *Parser) endString() {
	f := p.top()
	s := Unescape(p.str)
	if p.strKey {
		f.key = s
		f.phase = phaseColon
	} else {
		p.emit(Event{
			Kind:    EventData,
			Path:    p.path.String(),
			Value:   s,
			Partial: true,
			Closed:  true,
		})
		f.phase = phaseAfter
	}
	p.str = p.str[:0]
	p.strEmitted = 0
	p.settle()
}

// flushOpenString reports the readable prefix of a string value that is
// still open when the chunk ends.
func (p *Parser) flushOpenString() {
	if p.state != stateString && p.state != stateEscape {
		return
	}
	if p.strKey || len(p.str) == p.strEmitted {
		return
	}
	p.strEmitted = len(p.str)
	p.emit(Event{
		Kind:    EventData,
		Path:    p.path.String(),
		Value:   Unescape(p.str),
		Partial: true,
	})
}

func (p *Parser) endLiteral() {
	f := p.top()
	var v any
	if err := json.Unmarshal(p.lit, &v); err != nil {
		p.fail(p.lit[0], "invalid literal "+strconv.Quote(string(p.lit)))
	} else {
		p.emit(Event{
			Kind:    EventData,
			Path:    p.path.String(),
			Value:   v,
			Raw:     bytes.Clone(p.lit),
			Partial: true,
			Closed:  true,
		})
	}
	p.lit = p.lit[:0]
	f.phase = phaseAfter
	p.settle()
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isDelimiter(c byte) bool {
	return isSpace(c) || c == ',' || c == '}' || c == ']'
}

func isLiteralStart(c byte) bool {
	return c == '-' || (c >= '0' && c <= '9') || c == 't' || c == 'f' || c == 'n'
}
