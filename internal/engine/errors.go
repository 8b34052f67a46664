package engine

import (
	"errors"
	"fmt"
	"strings"

	"millwork/internal/repo"
)

// ValidationError rejects malformed input before any write.
type ValidationError struct {
	Field string
	Msg   string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// ConflictError reports a state that forbids the operation, such as
// completing a cancelled task.
type ConflictError struct {
	Op  string
	Msg string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

// StepError is one failed step of a multi-step operation.
type StepError struct {
	Step string `json:"step"`
	Err  error  `json:"-"`
}

func (e StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e StepError) Unwrap() error { return e.Err }

// PartialFailureError means some steps of Op were applied and others were
// not. Callers decide on remediation from Done and Failed.
type PartialFailureError struct {
	Op     string
	Done   []string
	Failed []StepError
}

func (e *PartialFailureError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		parts = append(parts, f.Error())
	}
	msg := fmt.Sprintf("%s partially failed: %s", e.Op, strings.Join(parts, "; "))
	if len(e.Done) > 0 {
		msg += fmt.Sprintf(" (applied: %s)", strings.Join(e.Done, ", "))
	}
	return msg
}

func (e *PartialFailureError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, f := range e.Failed {
		out = append(out, f)
	}
	return out
}

// RemoteUnavailableError wraps a store failure.
type RemoteUnavailableError struct {
	Op  string
	Err error
}

func (e *RemoteUnavailableError) Error() string {
	return fmt.Sprintf("%s: store unavailable: %v", e.Op, e.Err)
}

func (e *RemoteUnavailableError) Unwrap() error { return e.Err }

// storeErr classifies a store error: not-found passes through, typed engine
// errors pass through, everything else becomes RemoteUnavailableError.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return err
	}
	var (
		ve ValidationError
		re *RemoteUnavailableError
	)
	if errors.As(err, &ve) || errors.As(err, &re) {
		return err
	}
	return &RemoteUnavailableError{Op: op, Err: err}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, repo.ErrNotFound)
}

// steps collects per-step results for best-effort operations.
type steps struct {
	op     string
	done   []string
	failed []StepError
}

func (s *steps) record(name string, err error) {
	if err != nil {
		s.failed = append(s.failed, StepError{Step: name, Err: err})
		return
	}
	s.done = append(s.done, name)
}

// err returns nil when every step succeeded, a plain store error when
// nothing was applied, and a PartialFailureError otherwise.
func (s *steps) err() error {
	switch {
	case len(s.failed) == 0:
		return nil
	case len(s.done) == 0 && len(s.failed) == 1:
		return storeErr(s.op, s.failed[0].Err)
	case len(s.done) == 0:
		errs := make([]error, 0, len(s.failed))
		for _, f := range s.failed {
			errs = append(errs, f)
		}
		return &RemoteUnavailableError{Op: s.op, Err: errors.Join(errs...)}
	default:
		return &PartialFailureError{Op: s.op, Done: s.done, Failed: s.failed}
	}
}
