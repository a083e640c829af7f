// Package lcgerrors contains the error types returned by the LCG backend.
//
// Submission and preparation failures are returned to the caller of the backend operation. Reconciliation
// anomalies are never returned as errors; they are logged and the monitoring pass carries on. Remote
// communication errors are returned so that the caller can retry on its next monitoring cycle.
//
// Callers should classify errors with errors.As rather than by inspecting messages.
package lcgerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrPreparation is returned when a job descriptor could not be built. No part of the job is submitted.
type ErrPreparation struct {
	// Fully qualified id of the job that could not be prepared, if known
	JobId string
	// Optional message included with the error message
	Message string
	Cause   error
}

func (err *ErrPreparation) Error() string {
	s := "job preparation failed"
	if err.JobId != "" {
		s = fmt.Sprintf("preparation of job %s failed", err.JobId)
	}
	if err.Message != "" {
		s += "; " + err.Message
	}
	if err.Cause != nil {
		s += ": " + err.Cause.Error()
	}
	return s
}

func (err *ErrPreparation) Unwrap() error {
	return err.Cause
}

// ErrSubmission is returned when the middleware rejected a submission or fewer batches were submitted than
// attempted. Any batch that did get submitted has been cancelled on a best-effort basis before this is returned.
type ErrSubmission struct {
	JobId     string
	Attempted int
	Succeeded int
	Message   string
	Cause     error
}

func (err *ErrSubmission) Error() string {
	s := fmt.Sprintf("submission of job %s failed", err.JobId)
	if err.Attempted > 0 {
		s += fmt.Sprintf(" (%d of %d submitted)", err.Succeeded, err.Attempted)
	}
	if err.Message != "" {
		s += "; " + err.Message
	}
	if err.Cause != nil {
		s += ": " + err.Cause.Error()
	}
	return s
}

func (err *ErrSubmission) Unwrap() error {
	return err.Cause
}

// ErrRemoteCommunication wraps a failed call to the grid middleware. It is not retried by the backend.
type ErrRemoteCommunication struct {
	// The middleware operation, e.g. "submit" or "status"
	Operation string
	// The middleware flavour the call was made against
	Middleware string
	Cause      error
}

func (err *ErrRemoteCommunication) Error() string {
	return fmt.Sprintf("%s call to %s middleware failed: %v", err.Operation, err.Middleware, err.Cause)
}

func (err *ErrRemoteCommunication) Unwrap() error {
	return err.Cause
}

// ErrMiddlewareDisabled is returned when an operation targets a middleware flavour that is not enabled.
type ErrMiddlewareDisabled struct {
	Middleware string
}

func (err *ErrMiddlewareDisabled) Error() string {
	return fmt.Sprintf("operations of %s middleware not enabled", err.Middleware)
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "middleware"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message to include with the error message
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrInvalidTransition is returned when a job status change is not permitted by the state machine,
// or when a compare-and-swap observed a different status than expected.
type ErrInvalidTransition struct {
	JobId string
	From  string
	To    string
}

func (err *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("job %s cannot transition from %s to %s", err.JobId, err.From, err.To)
}

// ErrNotFound is returned when a job is not in the repository.
type ErrNotFound struct {
	Type  string
	Value string
}

func (err *ErrNotFound) Error() string {
	if err.Type != "" {
		return fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	}
	return fmt.Sprintf("resource %q does not exist", err.Value)
}

// IsRemoteCommunication reports whether err, or any error it wraps, is an ErrRemoteCommunication.
func IsRemoteCommunication(err error) bool {
	var e *ErrRemoteCommunication
	return errors.As(err, &e)
}

// IsSubmission reports whether err, or any error it wraps, is an ErrSubmission.
func IsSubmission(err error) bool {
	var e *ErrSubmission
	return errors.As(err, &e)
}

// IsPreparation reports whether err, or any error it wraps, is an ErrPreparation.
func IsPreparation(err error) bool {
	var e *ErrPreparation
	return errors.As(err, &e)
}
