// Package errors defines the failure categories shared by the orchestration
// components. Recoverable failures travel as values; only ContractViolation
// marks a programming error.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for conditions that carry no extra data.
var (
	// ErrFailureThresholdExceeded reports that the plan has too many failures
	// to continue without replanning.
	ErrFailureThresholdExceeded = errors.New("failure threshold exceeded")

	// ErrReplanLimitExceeded reports that the replan ceiling was reached.
	ErrReplanLimitExceeded = errors.New("replan limit exceeded")

	// ErrSessionNotFound is returned when a resume targets an unknown or
	// expired session.
	ErrSessionNotFound = errors.New("session not found")
)

// TransientWorkerError is returned once worker invocation retries are exhausted.
type TransientWorkerError struct {
	Worker   string
	Attempts int
	Err      error
}

func (e *TransientWorkerError) Error() string {
	return fmt.Sprintf("worker %q failed after %d attempt(s): %v", e.Worker, e.Attempts, e.Err)
}

func (e *TransientWorkerError) Unwrap() error {
	return e.Err
}

// MalformedOutputError reports model output that could not be parsed or
// validated. Diagnostic is fed back to the model on self-repair.
type MalformedOutputError struct {
	Source     string // "plan" or "decision"
	Diagnostic string
	Raw        string
	Err        error
}

func (e *MalformedOutputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed %s output: %s: %v", e.Source, e.Diagnostic, e.Err)
	}
	return fmt.Sprintf("malformed %s output: %s", e.Source, e.Diagnostic)
}

func (e *MalformedOutputError) Unwrap() error {
	return e.Err
}

// ToolExecutionError wraps the failure of a single tool call.
type ToolExecutionError struct {
	Tool      string
	RequestID string
	Err       error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q (request %s): %v", e.Tool, e.RequestID, e.Err)
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Err
}

// ContractViolation marks a broken internal contract, such as a routing
// target outside the known set or a task id missing from the plan.
type ContractViolation struct {
	Component string
	Detail    string
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("contract violation in %s: %s", e.Component, e.Detail)
}

// Violation builds a ContractViolation with a formatted detail.
func Violation(component, format string, args ...any) *ContractViolation {
	return &ContractViolation{Component: component, Detail: fmt.Sprintf(format, args...)}
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var cv *ContractViolation
	if errors.As(err, &cv) {
		return false
	}
	var mo *MalformedOutputError
	return !errors.As(err, &mo)
}

// IsMalformed reports whether err is a MalformedOutputError.
func IsMalformed(err error) bool {
	var mo *MalformedOutputError
	return errors.As(err, &mo)
}

// IsContractViolation reports whether err is a ContractViolation.
func IsContractViolation(err error) bool {
	var cv *ContractViolation
	return errors.As(err, &cv)
}

// IsTransientWorker reports whether err is a TransientWorkerError.
func IsTransientWorker(err error) bool {
	var tw *TransientWorkerError
	return errors.As(err, &tw)
}
