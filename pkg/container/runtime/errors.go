// SPDX-License-Identifier: Apache-2.0

package runtime

import "fmt"

// Sentinel errors for container operations.
var (
	// ErrRuntimeNotAvailable is returned when no container engine socket
	// can be reached.
	ErrRuntimeNotAvailable = fmt.Errorf("container runtime not available")

	// ErrImageNotFound is returned when the requested image does not
	// exist locally and the pull policy forbids fetching it.
	ErrImageNotFound = fmt.Errorf("image not found")

	// ErrImagePullFailed is returned when fetching an image from its
	// registry fails.
	ErrImagePullFailed = fmt.Errorf("image pull failed")

	// ErrContainerNotFound is returned when operating on a container
	// unknown to the engine.
	ErrContainerNotFound = fmt.Errorf("container not found")

	// ErrCreateFailed is returned when container creation fails.
	ErrCreateFailed = fmt.Errorf("container create failed")

	// ErrStartFailed is returned when a created container cannot start.
	ErrStartFailed = fmt.Errorf("container start failed")

	// ErrWaitFailed is returned when waiting on a container fails for a
	// reason other than timeout.
	ErrWaitFailed = fmt.Errorf("container wait failed")

	// ErrExecutionTimeout is returned when the container outlives its
	// deadline and is force-stopped.
	ErrExecutionTimeout = fmt.Errorf("execution timed out")
)

// ContainerError carries the container ID alongside the underlying error.
type ContainerError struct {
	Err         error
	ContainerID string
	Message     string
}

// Error formats the error with the container ID when known.
func (e *ContainerError) Error() string {
	if e.Message != "" {
		if e.ContainerID != "" {
			return fmt.Sprintf("%s: %s (container: %s)", e.Err, e.Message, e.ContainerID)
		}
		return fmt.Sprintf("%s: %s", e.Err, e.Message)
	}
	if e.ContainerID != "" {
		return fmt.Sprintf("%s (container: %s)", e.Err, e.ContainerID)
	}
	return e.Err.Error()
}

// Unwrap exposes the sentinel for errors.Is.
func (e *ContainerError) Unwrap() error {
	return e.Err
}

// NewContainerError wraps err with container context.
func NewContainerError(err error, containerID, message string) *ContainerError {
	return &ContainerError{
		Err:         err,
		ContainerID: containerID,
		Message:     message,
	}
}
