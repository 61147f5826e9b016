package tools

import (
	"errors"
	"fmt"
)

// ErrDisabled is returned by tools invoked while disabled in config.
var ErrDisabled = errors.New("tool is disabled")

// ArgumentError reports a missing or malformed tool argument. The
// executor renders it into the action output so the analyzer and the
// next plan can see what went wrong.
type ArgumentError struct {
	Tool   string
	Arg    string
	Reason string
}

// Error implements the error interface.
func (e *ArgumentError) Error() string {
	return fmt.Sprintf("%s: argument %q %s", e.Tool, e.Arg, e.Reason)
}
