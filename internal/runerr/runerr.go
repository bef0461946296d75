// Package runerr defines the closed error taxonomy shared by the execution
// pipeline. Nodes return these as tagged values; nothing in the pipeline
// panics or throws across the engine boundary.
package runerr

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable error category.
type Kind string

// Pipeline error kinds.
const (
	KindValidation         Kind = "validation"
	KindRepoClone          Kind = "repo_clone"
	KindRepoFetch          Kind = "repo_fetch"
	KindRepoCheckout       Kind = "repo_checkout"
	KindContainerCreate    Kind = "container_create"
	KindContainerExec      Kind = "container_exec"
	KindContainerUnhealthy Kind = "container_unhealthy"
	KindContainerTimeout   Kind = "container_timeout"
	KindTool               Kind = "tool"
	KindMissingTool        Kind = "missing_tool"
	KindBuildFailed        Kind = "build_failed"
	KindMergeConflict      Kind = "merge_conflict"
	KindPushNetwork        Kind = "push_network"
	KindTimeout            Kind = "timeout"
	KindInternal           Kind = "internal"
)

// Error is a pipeline failure with a closed kind, the stage (node) where it
// occurred, and a concise summary suitable for remediation task synthesis.
type Error struct {
	Kind    Kind
	Stage   string
	Summary string // Short human summary; already redacted by the caller.
	Fatal   bool   // Fatal errors terminate the execution instead of injecting.
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s[%s]: %v", e.Kind, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Stage, e.Summary)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error wrapping err.
func New(kind Kind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// Newf creates an Error with a formatted summary and no wrapped error.
func Newf(kind Kind, stage, format string, args ...any) *Error {
	return &Error{Kind: kind, Stage: stage, Summary: fmt.Sprintf(format, args...)}
}

// Fatal creates an Error that terminates the execution.
func Fatal(kind Kind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Fatal: true, Err: err}
}

// WithSummary sets the remediation summary.
func (e *Error) WithSummary(format string, args ...any) *Error {
	e.Summary = fmt.Sprintf(format, args...)
	return e
}

// KindOf returns the Kind of err, or KindInternal if err is not an Error.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindInternal
}

// As extracts an *Error from err, wrapping unknown errors as KindInternal so
// the engine always has a tagged value to route on.
func As(err error, stage string) *Error {
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return New(KindInternal, stage, err)
}
