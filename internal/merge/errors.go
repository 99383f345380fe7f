package merge

import "fmt"

// Error marks structurally invalid merger input. Mergers tolerate missing
// data; Error is reserved for inputs that indicate a caller bug.
type Error struct{ msg string }

func (e *Error) Error() string { return "merge: " + e.msg }

func errorf(format string, args ...any) *Error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}
