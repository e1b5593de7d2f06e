package streamjson

import "strings"

// PathStack tracks the dotted address of the value being scanned.
// Object members push their key; array elements push their index.
type PathStack struct {
	segs []string
}

// Push appends a segment.
func (s *PathStack) Push(seg string) {
	s.segs = append(s.segs, seg)
}

// Pop removes and returns the innermost segment.
func (s *PathStack) Pop() (string, bool) {
	if len(s.segs) == 0 {
		return "", false
	}
	seg := s.segs[len(s.segs)-1]
	s.segs = s.segs[:len(s.segs)-1]
	return seg, true
}

// Peek returns the innermost segment without removing it.
func (s *PathStack) Peek() (string, bool) {
	if len(s.segs) == 0 {
		return "", false
	}
	return s.segs[len(s.segs)-1], true
}

// Len returns the number of segments.
func (s *PathStack) Len() int {
	return len(s.segs)
}

// Reset drops every segment.
func (s *PathStack) Reset() {
	s.segs = s.segs[:0]
}

// String joins the segments with dots. The root path is "".
func (s *PathStack) String() string {
	return strings.Join(s.segs, ".")
}
