package domain

// FileStatus is the lifecycle state of a generated file.
type FileStatus string

const (
	FilePending   FileStatus = "pending"
	FileStreaming FileStatus = "streaming"
	FileCompleted FileStatus = "completed"
	FileError     FileStatus = "error"
)

// CanTransition reports whether moving from s to next keeps the lifecycle
// pending -> streaming -> completed|error. Staying put is allowed.
func (s FileStatus) CanTransition(next FileStatus) bool {
	if s == next {
		return s != FileCompleted && s != FileError
	}
	switch s {
	case FilePending:
		return next == FileStreaming || next == FileError
	case FileStreaming:
		return next == FileCompleted || next == FileError
	default:
		return false
	}
}

// Final reports whether no further transition is possible.
func (s FileStatus) Final() bool {
	return s == FileCompleted || s == FileError
}

// StreamingFile is one generated artifact of the coding stage.
type StreamingFile struct {
	Filename    string     `json:"filename"`
	Content     string     `json:"content"`
	Language    string     `json:"language,omitempty"`
	Type        string     `json:"type,omitempty"`
	Description string     `json:"description,omitempty"`
	Status      FileStatus `json:"status,omitempty"`
	Progress    int        `json:"progress"`
}
