// Package files tracks generated file artifacts while a coding turn is still
// streaming.
//
// The extractor does not decode the response document. It finds the files
// array in the raw text, splits it into object segments with a string-aware
// scan and reads the known members of each segment directly, so a file's
// content becomes visible while its string literal is still open.
package files

import (
	"bytes"

	"github.com/ashureev/pagesmith/internal/domain"
	"github.com/ashureev/pagesmith/internal/streamjson"
)

// SignalKind names a file lifecycle notification.
type SignalKind string

const (
	SignalNewFile       SignalKind = "new_file"
	SignalContentUpdate SignalKind = "content_update"
	SignalCompleted     SignalKind = "completed"
	SignalError         SignalKind = "error"
)

// Signal reports one change to a tracked file. File is a copy.
type Signal struct {
	Kind SignalKind
	File domain.StreamingFile
}

// Progress estimation: content length n maps to n*100/(n+progressScale),
// capped at streamingCap until the file completes.
const (
	progressScale = 2000
	streamingCap  = 95
)

// Extractor is a single-turn file tracker. It is not safe for concurrent use.
type Extractor struct {
	buf    []byte
	array  int // offset just past the files '[', or -1
	resume int // offset of the first segment that has not closed
	closed bool

	order []string
	files map[string]*domain.StreamingFile
}

// NewExtractor returns an empty extractor.
func NewExtractor() *Extractor {
	return &Extractor{
		array: -1,
		files: make(map[string]*domain.StreamingFile),
	}
}

// Feed consumes the next raw chunk and returns the resulting signals.
func (e *Extractor) Feed(chunk string) []Signal {
	e.buf = append(e.buf, chunk...)
	if e.closed {
		return nil
	}
	if e.array < 0 {
		start, ok := findFilesArray(e.buf)
		if !ok {
			return nil
		}
		e.array = start
		e.resume = start
	}

	var out []Signal
	pos := e.resume
	for {
		pos = skipSeparators(e.buf, pos)
		if pos >= len(e.buf) {
			break
		}
		switch e.buf[pos] {
		case ']':
			e.closed = true
			return append(out, e.completeAll()...)
		case '{':
		default:
			// Not an object; skip the stray byte.
			pos++
			e.resume = pos
			continue
		}
		end, ok := objectEnd(e.buf, pos)
		if !ok {
			out = append(out, e.apply(e.buf[pos:], false)...)
			break
		}
		out = append(out, e.apply(e.buf[pos:end], true)...)
		pos = end
		e.resume = pos
	}
	return out
}

// Files returns copies of all tracked files in discovery order.
func (e *Extractor) Files() []domain.StreamingFile {
	if len(e.order) == 0 {
		return nil
	}
	out := make([]domain.StreamingFile, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, *e.files[name])
	}
	return out
}

// Done reports whether the files array has closed.
func (e *Extractor) Done() bool {
	return e.closed
}

// Abort moves every file that is not final to error. Used when the turn is
// canceled or fails.
func (e *Extractor) Abort() []Signal {
	var out []Signal
	for _, name := range e.order {
		f := e.files[name]
		if f.Status.Final() {
			continue
		}
		f.Status = domain.FileError
		out = append(out, Signal{Kind: SignalError, File: *f})
	}
	return out
}

// Finish ends the stream. Files whose record never closed become errors.
func (e *Extractor) Finish() []Signal {
	if e.closed {
		return nil
	}
	e.closed = true
	return e.Abort()
}

func (e *Extractor) completeAll() []Signal {
	var out []Signal
	for _, name := range e.order {
		f := e.files[name]
		if f.Status.Final() {
			continue
		}
		out = append(out, e.complete(f)...)
	}
	return out
}

// complete finishes f. A record that closed without content still passes
// through streaming with empty content first.
func (e *Extractor) complete(f *domain.StreamingFile) []Signal {
	var out []Signal
	if f.Status == domain.FilePending {
		f.Status = domain.FileStreaming
		out = append(out, Signal{Kind: SignalContentUpdate, File: *f})
	}
	f.Status = domain.FileCompleted
	f.Progress = 100
	return append(out, Signal{Kind: SignalCompleted, File: *f})
}

// apply merges one object segment into the tracked state.
func (e *Extractor) apply(seg []byte, closed bool) []Signal {
	fields := scanFields(seg)
	name, ok := fields["filename"]
	if !ok || !name.terminated || name.value == "" {
		return nil
	}

	f, known := e.files[name.value]
	if known && f.Status.Final() {
		return nil
	}

	var out []Signal
	content, hasContent := fields["content"]
	if !known {
		f = &domain.StreamingFile{Filename: name.value, Status: domain.FilePending}
		e.files[name.value] = f
		e.order = append(e.order, name.value)
	}
	changed := !known
	for key, dst := range map[string]*string{
		"language":    &f.Language,
		"type":        &f.Type,
		"description": &f.Description,
	} {
		if v, ok := fields[key]; ok && v.terminated && *dst != v.value {
			*dst = v.value
			changed = true
		}
	}
	if f.Language == "" || f.Type == "" {
		lang, cat := Infer(f.Filename)
		if f.Language == "" {
			f.Language = lang
		}
		if f.Type == "" {
			f.Type = cat
		}
	}
	if hasContent && (content.value != f.Content || f.Status == domain.FilePending) {
		f.Content = content.value
		f.Status = domain.FileStreaming
		f.Progress = max(f.Progress, estimate(len(f.Content)))
		changed = true
	}

	switch {
	case !known:
		out = append(out, Signal{Kind: SignalNewFile, File: *f})
	case changed:
		out = append(out, Signal{Kind: SignalContentUpdate, File: *f})
	}
	if closed {
		out = append(out, e.complete(f)...)
	}
	return out
}

func estimate(n int) int {
	return min(streamingCap, n*100/(n+progressScale))
}

// findFilesArray returns the offset just past the '[' that opens the files
// member of the root object. Occurrences inside string values or nested
// containers are skipped.
func findFilesArray(buf []byte) (int, bool) {
	key := []byte(`"files"`)
	depth := 0
	inString, escaped := false, false
	for i := 0; i < len(buf); i++ {
		c := buf[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '{', '[':
			depth++
			continue
		case '}', ']':
			depth--
			continue
		case '"':
		default:
			continue
		}
		if depth != 1 || !bytes.HasPrefix(buf[i:], key) {
			inString = true
			continue
		}
		j := skipSpace(buf, i+len(key))
		if j >= len(buf) {
			return 0, false
		}
		if buf[j] != ':' {
			// "files" used as a value, not a key.
			i += len(key) - 1
			continue
		}
		j = skipSpace(buf, j+1)
		if j >= len(buf) {
			return 0, false
		}
		if buf[j] != '[' {
			i = j - 1
			continue
		}
		return j + 1, true
	}
	return 0, false
}

// objectEnd returns the offset just past the '}' matching the '{' at start.
func objectEnd(buf []byte, start int) (int, bool) {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(buf); i++ {
		c := buf[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

type field struct {
	value      string
	terminated bool
}

// scanFields reads the string-valued members at the top level of one
// object segment. A trailing string that is still open is returned with
// terminated=false and whatever text has arrived so far.
func scanFields(seg []byte) map[string]field {
	out := make(map[string]field)
	depth := 0
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		switch c {
		case '{', '[':
			depth++
			continue
		case '}', ']':
			depth--
			continue
		case '"':
		default:
			continue
		}
		raw, end, ok := stringAt(seg, i)
		if !ok {
			return out
		}
		i = end - 1
		if depth != 1 {
			continue
		}
		j := skipSpace(seg, end)
		if j >= len(seg) || seg[j] != ':' {
			continue
		}
		j = skipSpace(seg, j+1)
		if j >= len(seg) || seg[j] != '"' {
			// Non-string member; the outer loop skips over it.
			i = j - 1
			continue
		}
		val, vend, terminated := stringAt(seg, j)
		out[streamjson.Unescape(raw)] = field{value: streamjson.Unescape(val), terminated: terminated}
		if !terminated {
			return out
		}
		i = vend - 1
	}
	return out
}

// stringAt reads the string literal whose opening quote is at seg[i]. It
// returns the raw body, the offset past the closing quote and whether the
// literal terminated.
func stringAt(seg []byte, i int) (raw []byte, end int, terminated bool) {
	escaped := false
	for j := i + 1; j < len(seg); j++ {
		switch {
		case escaped:
			escaped = false
		case seg[j] == '\\':
			escaped = true
		case seg[j] == '"':
			return seg[i+1 : j], j + 1, true
		}
	}
	return seg[i+1:], len(seg), false
}

func skipSpace(buf []byte, i int) int {
	for i < len(buf) && (buf[i] == ' ' || buf[i] == '\t' || buf[i] == '\n' || buf[i] == '\r') {
		i++
	}
	return i
}

func skipSeparators(buf []byte, i int) int {
	for i < len(buf) {
		switch buf[i] {
		case ' ', '\t', '\n', '\r', ',':
			i++
		default:
			return i
		}
	}
	return i
}
