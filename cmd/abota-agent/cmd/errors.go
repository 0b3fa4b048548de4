package cmd

import "errors"

var (
	// errUnknownLogLevel is returned for log levels zap does not know.
	errUnknownLogLevel = errors.New("unknown log level")
	// errUndefinedVariable is returned by printenv for variables that are not set.
	errUndefinedVariable = errors.New("not defined")
	// errUnknownSlot is returned for slot arguments that name neither slot.
	errUnknownSlot = errors.New("unknown slot")
	// errActiveSlot is returned when asked to overwrite the running slot.
	errActiveSlot = errors.New("refusing to overwrite the active slot")
	// errBadAssignment is returned for config set arguments without "=".
	errBadAssignment = errors.New("expected key=value")
	// errCopyIndex is returned for environment copy indexes other than 0 and 1.
	errCopyIndex = errors.New("copy index must be 0 or 1")
)
