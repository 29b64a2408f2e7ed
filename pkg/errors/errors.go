// SPDX-License-Identifier: Apache-2.0

// Package errors defines the typed errors used across the kiln kernel.
//
// Every caller-visible failure carries a stable code. OAuth codes follow the
// RFC 6749 wire vocabulary and serialize directly into the token endpoint
// error body; sandbox and bus codes are internal but equally stable.
package errors

import (
	"errors"
	"fmt"
)

// OAuth error codes (RFC 6749 / RFC 9449 vocabulary).
const (
	// ErrInvalidClient is returned when the client is unknown or fails authentication.
	ErrInvalidClient = "invalid_client"

	// ErrInvalidRequest is returned when a request is structurally invalid.
	ErrInvalidRequest = "invalid_request"

	// ErrInvalidGrant is returned when a code or token is invalid, expired, or consumed.
	ErrInvalidGrant = "invalid_grant"

	// ErrInvalidScope is returned when the requested scopes are not grantable.
	ErrInvalidScope = "invalid_scope"

	// ErrUnsupportedResponseType is returned for response types other than "code".
	ErrUnsupportedResponseType = "unsupported_response_type"

	// ErrUnsupportedGrantType is returned for grant types the server does not support.
	ErrUnsupportedGrantType = "unsupported_grant_type"

	// ErrInvalidDPoPProof is returned when a DPoP proof fails validation.
	ErrInvalidDPoPProof = "invalid_dpop_proof"
)

// Sandbox error codes.
const (
	// ErrSandboxInvalidRequest is returned when an execution request fails validation.
	ErrSandboxInvalidRequest = "invalid_request"

	// ErrInvalidLanguage is returned when the requested language is not supported.
	ErrInvalidLanguage = "invalid_language"

	// ErrCodeTooLarge is returned when the submitted code exceeds the size cap.
	ErrCodeTooLarge = "code_too_large"

	// ErrTooManyExecutions is returned when the concurrent execution cap is reached.
	ErrTooManyExecutions = "too_many"

	// ErrImageNotFound is returned when the image is absent and the pull policy forbids pulling.
	ErrImageNotFound = "image_not_found"

	// ErrImagePullFailed is returned when pulling the execution image fails.
	ErrImagePullFailed = "image_pull_failed"

	// ErrContainerCreateFailed is returned when the runtime cannot create the container.
	ErrContainerCreateFailed = "container_create_failed"

	// ErrContainerStartFailed is returned when the runtime cannot start the container.
	ErrContainerStartFailed = "container_start_failed"

	// ErrExecutionTimeout is returned when an execution exceeds its timeout.
	ErrExecutionTimeout = "execution_timeout"

	// ErrExecutionOOM is returned when an execution is killed by the memory limit.
	ErrExecutionOOM = "execution_oom"

	// ErrExecutionFailed is returned when an execution fails for any other reason.
	ErrExecutionFailed = "execution_failed"

	// ErrOutputTooLarge is returned when output exceeds the configured cap.
	ErrOutputTooLarge = "output_too_large"

	// ErrRuntimeNotAvailable is returned when no container runtime can be reached.
	ErrRuntimeNotAvailable = "docker_not_available"

	// ErrInternal is returned for unexpected internal failures.
	ErrInternal = "internal_error"
)

// Event bus error codes.
const (
	// ErrQueueFull is returned when the bus pending queue is at capacity.
	ErrQueueFull = "queue_full"

	// ErrTopicSubscriberLimit is returned when a topic is at its subscriber cap.
	ErrTopicSubscriberLimit = "subscriber_limit"
)

// Error is a kernel error with a stable code.
type Error struct {
	// Code is the stable error tag.
	Code string

	// Message is a human-readable description. It never contains token material.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error returns the formatted error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error with the given code and message.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a new Error with the given code, message, and cause.
func Wrap(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf returns the stable code of err, or ErrInternal when err is not a
// kernel error. A nil err yields the empty string.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrInternal
}

// IsCode reports whether err carries the given stable code.
func IsCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
