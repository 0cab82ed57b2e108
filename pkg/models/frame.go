package models

// Frame is one entry of a stacktrace. Lines are 1-based, columns 0-based
// (source-map convention); Column is a pointer because native and Rust
// frames may lack one entirely, and 0 is a legal column.
type Frame struct {
	Function    string   `json:"function,omitempty"`
	Module      string   `json:"module,omitempty"`
	Filename    string   `json:"filename,omitempty"`
	AbsPath     string   `json:"abs_path,omitempty"`
	Line        int      `json:"lineno,omitempty"`
	Column      *int     `json:"colno,omitempty"`
	ContextLine string   `json:"context_line,omitempty"`
	PreContext  []string `json:"pre_context,omitempty"`
	PostContext []string `json:"post_context,omitempty"`
	InApp       bool     `json:"in_app"`
}

// Stacktrace is an ordered sequence of frames, innermost first.
type Stacktrace struct {
	Frames []Frame `json:"frames"`
}

// Clone returns a deep copy of the stacktrace, used to preserve the
// pre-symbolication frames alongside the symbolicated ones.
func (s Stacktrace) Clone() Stacktrace {
	frames := make([]Frame, len(s.Frames))
	copy(frames, s.Frames)
	for i := range frames {
		if s.Frames[i].Column != nil {
			col := *s.Frames[i].Column
			frames[i].Column = &col
		}
		frames[i].PreContext = append([]string(nil), s.Frames[i].PreContext...)
		frames[i].PostContext = append([]string(nil), s.Frames[i].PostContext...)
	}
	return Stacktrace{Frames: frames}
}
