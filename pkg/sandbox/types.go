// SPDX-License-Identifier: Apache-2.0

// Package sandbox orchestrates untrusted code execution inside hardened
// containers: admission, config merging, the container lifecycle, output
// capping, and the audit trail.
package sandbox

import "time"

// Topics carrying execution outcomes.
const (
	TopicExecutionCompleted = "sandbox.execution.completed"
	TopicExecutionFailed    = "sandbox.execution.failed"
	TopicExecutionTimeout   = "sandbox.execution.timeout"
	TopicExecutionOOM       = "sandbox.execution.oom"
)

// ExecutionFile is a file injected into the sandbox before the code runs.
type ExecutionFile struct {
	Path       string `json:"path"`
	Content    string `json:"content"`
	Executable bool   `json:"executable,omitempty"`
}

// RequestResources are the per-request resource overrides. Zero fields
// fall back to the configured defaults.
type RequestResources struct {
	MemoryBytes      int64   `json:"memoryBytes,omitempty"`
	MemorySwapBytes  int64   `json:"memorySwapBytes,omitempty"`
	CPUs             float64 `json:"cpus,omitempty"`
	PidsLimit        int64   `json:"pidsLimit,omitempty"`
	MaxOutputBytes   int64   `json:"maxOutputBytes,omitempty"`
	MaxFileSizeBytes int64   `json:"maxFileSizeBytes,omitempty"`
}

// RequestNetwork is the per-request network override. Enabling the
// network requires at least one allowed host.
type RequestNetwork struct {
	Enabled      bool     `json:"enabled"`
	AllowedHosts []string `json:"allowedHosts,omitempty"`
	AllowedPorts []int    `json:"allowedPorts,omitempty"`
}

// RequestConfig carries the caller's overrides over the default profile.
type RequestConfig struct {
	TimeoutMs int64             `json:"timeoutMs,omitempty"`
	Resources *RequestResources `json:"resources,omitempty"`
	Network   *RequestNetwork   `json:"network,omitempty"`
}

// ExecutionRequest is the boundary envelope for one execution.
type ExecutionRequest struct {
	ExecutionID   string            `json:"executionId,omitempty"`
	Language      string            `json:"language"`
	Code          string            `json:"code"`
	Stdin         string            `json:"stdin,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Files         []ExecutionFile   `json:"files,omitempty"`
	Config        *RequestConfig    `json:"config,omitempty"`
	UserID        string            `json:"userId,omitempty"`
	TenantID      string            `json:"tenantId,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
}

// ExecutionResult is the boundary envelope for one outcome.
type ExecutionResult struct {
	ExecutionID     string    `json:"executionId"`
	Success         bool      `json:"success"`
	ExitCode        int       `json:"exitCode"`
	Stdout          string    `json:"stdout"`
	Stderr          string    `json:"stderr"`
	DurationMs      int64     `json:"durationMs"`
	MemoryUsedBytes int64     `json:"memoryUsedBytes"`
	TimedOut        bool      `json:"timedOut"`
	OOMKilled       bool      `json:"oomKilled"`
	Error           string    `json:"error,omitempty"`
	ContainerID     string    `json:"containerId,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}
