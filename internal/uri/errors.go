package uri

import "strconv"

// SyntaxError reports an input string that could not be parsed as a URI
// reference, or components that do not form one.
type SyntaxError struct {
	Input  string
	Reason string
	// Index is the byte offset of the offending character, or -1 when the
	// error is not tied to a position.
	Index int
}

func (e *SyntaxError) Error() string {
	s := e.Reason
	if e.Index > -1 {
		s += " at index " + strconv.Itoa(e.Index)
	}
	return s + ": " + e.Input
}

// UsageError marks syntax errors as caller mistakes for error classification.
func (e *SyntaxError) UsageError() bool { return true }
