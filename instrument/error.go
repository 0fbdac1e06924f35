package instrument

import "fmt"

// Error identifies a unit that could not be instrumented. Units are produced
// by a standard compiler, so a malformed unit indicates a loader or compiler
// defect rather than a runtime condition; the caller decides whether to skip
// the unit or abort.
type Error struct {
	Unit   string // name of the offending code unit
	Path   string
	Offset int // byte offset the failure relates to, -1 if not applicable
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("instrument %q (%s) at offset %d: %s", e.Unit, e.Path, e.Offset, e.Reason)
	}
	return fmt.Sprintf("instrument %q (%s): %s", e.Unit, e.Path, e.Reason)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

func errorf(unit, path string, offset int, format string, args ...any) *Error {
	return &Error{
		Unit:   unit,
		Path:   path,
		Offset: offset,
		Reason: fmt.Sprintf(format, args...),
	}
}
