// Package cerr defines the error taxonomy shared across cuenv's cache and
// scheduling subsystems: a single Error type carrying a Kind instead of a
// proliferation of sentinel errors or exception-style control flow.
package cerr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for callers that need to branch on failure category
// without string-matching messages.
type Kind int

const (
	KindUnknown Kind = iota
	KindIO
	KindValidation
	KindGraph
	KindIntegrity
	KindSerialization
	KindSecret
	KindTimeout
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindValidation:
		return "validation"
	case KindGraph:
		return "graph"
	case KindIntegrity:
		return "integrity"
	case KindSerialization:
		return "serialization"
	case KindSecret:
		return "secret"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by every exported cuenv
// operation that can fail. Op names the failing operation (e.g.
// "cas.Store", "dag.Build"); Path and Operation are populated for IO errors
// per the spec's {source, path, operation} contract; TaskID/DependencyID are
// populated for Graph errors.
type Error struct {
	Kind         Kind
	Op           string
	Path         string
	Operation    string
	TaskID       string
	DependencyID string
	CyclePath    []string
	Err          error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Path != "" {
		msg += fmt.Sprintf(" path=%s", e.Path)
	}
	if e.Operation != "" {
		msg += fmt.Sprintf(" operation=%s", e.Operation)
	}
	if e.TaskID != "" {
		msg += fmt.Sprintf(" task=%s", e.TaskID)
	}
	if e.DependencyID != "" {
		msg += fmt.Sprintf(" dependency=%s", e.DependencyID)
	}
	if len(e.CyclePath) > 0 {
		msg += fmt.Sprintf(" cycle=%v", e.CyclePath)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, cerr.KindIntegrity) style checks by comparing Kind
// against a target *Error with only Kind set.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newErr(k Kind, op string, err error) *Error {
	return &Error{Kind: k, Op: op, Err: err}
}

func IO(op, path, operation string, err error) *Error {
	return &Error{Kind: KindIO, Op: op, Path: path, Operation: operation, Err: err}
}

func Validation(op string, err error) *Error { return newErr(KindValidation, op, err) }

func Graph(op, taskID, dependencyID string, cycle []string, err error) *Error {
	return &Error{Kind: KindGraph, Op: op, TaskID: taskID, DependencyID: dependencyID, CyclePath: cycle, Err: err}
}

func Integrity(op string, err error) *Error { return newErr(KindIntegrity, op, err) }

func Serialization(op string, err error) *Error { return newErr(KindSerialization, op, err) }

func Secret(op string, err error) *Error { return newErr(KindSecret, op, err) }

func Timeout(op string, err error) *Error { return newErr(KindTimeout, op, err) }

func Cancelled(op string, err error) *Error { return newErr(KindCancelled, op, err) }

// KindOf extracts the Kind from err if it is (or wraps) a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
