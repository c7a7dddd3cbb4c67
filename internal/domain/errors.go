package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a run failure. Every failure surfaced to callers
// carries exactly one kind; unknown causes map to KindExecution.
type ErrorKind string

const (
	KindContext        ErrorKind = "context_error"          // Context is not a JSON object / not serializable.
	KindGeneration     ErrorKind = "generation_error"       // Generator produced no usable script.
	KindPolicy         ErrorKind = "policy_violation"       // Static validation rejected the script.
	KindDependency     ErrorKind = "dependency_install"     // venv or pip install failed.
	KindTimeout        ErrorKind = "execution_timeout"      // Wall-clock limit exceeded.
	KindOutputContract ErrorKind = "output_contract_error"  // Script produced no stdout.
	KindExecution      ErrorKind = "execution_error"        // Any other runtime failure.
)

// RunError is a classified pipeline failure. It wraps the underlying
// cause so errors.Is/As keep working through the taxonomy.
type RunError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *RunError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *RunError) Unwrap() error { return e.Err }

// NewRunError creates a classified error. err may be nil.
func NewRunError(kind ErrorKind, msg string, err error) *RunError {
	return &RunError{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the ErrorKind from err, walking the wrap chain.
// Unclassified errors report KindExecution.
func KindOf(err error) ErrorKind {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindExecution
}

// Message returns the human-readable message without the kind prefix.
func (e *RunError) Message() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}
