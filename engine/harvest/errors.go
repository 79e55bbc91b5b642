package harvest

import (
	"errors"
	"fmt"
)

// ErrInvalidArgument is wrapped by every ArgError.
var ErrInvalidArgument = errors.New("invalid argument")

// ArgError reports a rejected harvest or configuration parameter.
type ArgError struct {
	Name    string
	Value   string
	Reason  string
	Wrapped error
}

func (e *ArgError) Error() string {
	return fmt.Sprintf("%s: %s %s (got %q)", e.Wrapped, e.Name, e.Reason, e.Value)
}

func (e *ArgError) Unwrap() error { return e.Wrapped }

// NewArgError creates an ArgError wrapping ErrInvalidArgument.
func NewArgError(name, value, reason string) *ArgError {
	return &ArgError{Name: name, Value: value, Reason: reason, Wrapped: ErrInvalidArgument}
}
