package pipeline

import "fmt"

// ConfigurationError reports a malformed or conflicting step, set or watch rule declaration.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + e.Reason
}

func configErrorf(format string, args ...interface{}) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// UnknownTargetError is returned when a target matches neither a step nor a step set.
type UnknownTargetError struct {
	Target string
}

func (e *UnknownTargetError) Error() string {
	return fmt.Sprintf("unknown target %q", e.Target)
}

// TransformError wraps the diagnostic of a failed stage. The step's previous artifacts are left untouched
// whenever this error is returned.
type TransformError struct {
	Step  string
	Stage string
	Err   error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("step %s: stage %s failed: %s", e.Step, e.Stage, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}
