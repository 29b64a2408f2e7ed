// SPDX-License-Identifier: Apache-2.0

// Package runtime defines the container runtime abstraction used by the
// sandbox orchestrator. Implementations wrap a concrete engine (Docker,
// Podman) behind a narrow capability surface; the orchestrator never
// talks to an engine SDK directly.
package runtime

import (
	"context"
	"time"

	"github.com/kiln-dev/kiln/pkg/config"
)

// State is the lifecycle state of a sandbox container.
type State string

const (
	StateCreating State = "creating"
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateRemoved  State = "removed"
	StateError    State = "error"
)

// TopicContainerLifecycle receives a LifecycleEvent per state transition.
const TopicContainerLifecycle = "container.lifecycle"

// LifecycleEvent is published on each container state transition.
type LifecycleEvent struct {
	ContainerID string `json:"containerId"`
	ExecutionID string `json:"executionId,omitempty"`
	State       State  `json:"state"`
	Error       string `json:"error,omitempty"`
}

// Label keys attached to every sandbox container so strays can be
// identified and reaped.
const (
	LabelManagedBy   = "kiln.managed"
	LabelExecutionID = "kiln.execution-id"
	LabelLanguage    = "kiln.language"
	LabelUserID      = "kiln.user-id"
	LabelTenantID    = "kiln.tenant-id"
)

// SourceDir is where injected files land inside the container. It sits
// outside the tmpfs working directory and is declared as an anonymous
// volume at create time: the engine refuses archive uploads into a
// read-only rootfs unless the destination resolves inside a volume.
const SourceDir = "/src"

// FileSpec is a file injected into the container before start.
type FileSpec struct {
	Content    []byte
	Executable bool
}

// CreateOptions describes the container to create. Hardening fields are
// explicit rather than defaulted so the caller's policy is visible at the
// call site.
type CreateOptions struct {
	Name    string
	Image   string
	Command []string
	Env     map[string]string
	Labels  map[string]string

	// Files are injected into the source directory before the container
	// starts, keyed by relative path.
	Files map[string]FileSpec

	WorkDir string
	UserID  int
	GroupID int

	Resources config.ResourceLimits

	// NetworkEnabled attaches the default network; when false the
	// container runs with no network at all.
	NetworkEnabled bool

	// DNSServers override the engine's resolver configuration when
	// networking is enabled.
	DNSServers []string

	ReadOnlyRootFS      bool
	DropAllCapabilities bool
	UseSeccomp          bool
}

// ExitResult is the outcome of waiting for a container to finish.
type ExitResult struct {
	ExitCode  int
	OOMKilled bool
	TimedOut  bool
}

// Logs holds the demultiplexed output streams of a finished container.
type Logs struct {
	Stdout []byte
	Stderr []byte
}

// Stats is a point-in-time resource snapshot.
type Stats struct {
	MemoryUsedBytes int64
}

// Info describes an existing container, used by the reaper.
type Info struct {
	ID      string
	Name    string
	State   State
	Created time.Time
	Labels  map[string]string
}

// Runtime is the capability surface the orchestrator needs from a
// container engine.
type Runtime interface {
	// IsAvailable reports whether the engine can be reached.
	IsAvailable(ctx context.Context) bool

	// HasImage reports whether the image exists locally.
	HasImage(ctx context.Context, image string) (bool, error)

	// PullImage fetches the image from its registry.
	PullImage(ctx context.Context, image string) error

	// CreateContainer creates a container without starting it and
	// returns the engine-assigned ID.
	CreateContainer(ctx context.Context, opts CreateOptions) (string, error)

	// StartContainer starts a created container.
	StartContainer(ctx context.Context, containerID string) error

	// WaitForExit blocks until the container stops or the timeout
	// elapses. On timeout the container is force-stopped and the
	// result reports TimedOut.
	WaitForExit(ctx context.Context, containerID string, timeout time.Duration) (ExitResult, error)

	// GetLogs returns the container's stdout and stderr.
	GetLogs(ctx context.Context, containerID string) (Logs, error)

	// GetStats returns a resource snapshot for the container.
	GetStats(ctx context.Context, containerID string) (Stats, error)

	// StopContainer stops a running container, killing it after the
	// grace period.
	StopContainer(ctx context.Context, containerID string, grace time.Duration) error

	// RemoveContainer deletes the container. Removing an absent
	// container is not an error.
	RemoveContainer(ctx context.Context, containerID string) error

	// ListManaged lists containers carrying the managed label.
	ListManaged(ctx context.Context) ([]Info, error)

	// Reap removes managed containers older than maxAge and returns
	// how many were removed.
	Reap(ctx context.Context, maxAge time.Duration) (int, error)
}
