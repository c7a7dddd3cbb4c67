package engine

import "github.com/kvothesson/capibara/internal/domain"

// Result wraps a RunResult with explicit output lookups. A missing field
// reports ok=false rather than faulting, so callers distinguish "absent"
// from "present and null".
type Result struct {
	run *domain.RunResult
}

// WrapResult builds a Result view over a run outcome.
func WrapResult(run *domain.RunResult) Result {
	return Result{run: run}
}

// OK reports whether the run succeeded.
func (r Result) OK() bool {
	return r.run != nil && r.run.Status == domain.StatusOK
}

// Err returns the run's error message, empty on success.
func (r Result) Err() string {
	if r.run == nil {
		return ""
	}
	return r.run.Message
}

// Artifacts returns the file paths the script reported creating.
func (r Result) Artifacts() []string {
	if r.run == nil {
		return nil
	}
	return r.run.Artifacts
}

// Get looks up an output field by name.
func (r Result) Get(name string) (any, bool) {
	if r.run == nil || r.run.Output == nil {
		return nil, false
	}
	v, ok := r.run.Output[name]
	return v, ok
}

// String looks up an output field and asserts it is a string.
func (r Result) String(name string) (string, bool) {
	v, ok := r.Get(name)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Float looks up an output field and asserts it is a number. JSON
// numbers decode as float64, so this covers ints printed by scripts.
func (r Result) Float(name string) (float64, bool) {
	v, ok := r.Get(name)
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// Strings looks up an output field holding a list of strings.
func (r Result) Strings(name string) ([]string, bool) {
	v, ok := r.Get(name)
	if !ok {
		return nil, false
	}
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
