// SPDX-License-Identifier: Apache-2.0

// Package audit provides the append-only audit log for security-sensitive
// events: sandbox executions, OAuth client registration, and token misuse.
//
// Entries are immutable once appended. The JSON field names below are a
// stable contract; renaming or reordering them requires a version bump.
package audit

import (
	"context"
	"time"

	"github.com/kiln-dev/kiln/pkg/config"
)

// Actions recorded in audit entries.
const (
	ActionExecution      = "sandbox_execution"
	ActionClientRegister = "client_registered"
	ActionClientDelete   = "client_deleted"
	ActionTokenRevoke    = "token_revoked"
	ActionReuseAttempt   = "reuse_attempt"
)

// Severities.
const (
	SeverityInfo     = "info"
	SeverityCritical = "critical"
)

// TopicAuditWritten is the bus topic receiving a notification per append.
const TopicAuditWritten = "audit.written"

// Entry is one immutable audit record.
type Entry struct {
	ID            string `json:"id"`
	Action        string `json:"action"`
	Severity      string `json:"severity"`
	Actor         string `json:"actor,omitempty"`
	ExecutionID   string `json:"executionId,omitempty"`
	UserID        string `json:"userId,omitempty"`
	TenantID      string `json:"tenantId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`

	Language      string `json:"language,omitempty"`
	CodeHash      string `json:"codeHash,omitempty"`
	CodeSizeBytes int    `json:"codeSizeBytes,omitempty"`
	ContainerID   string `json:"containerId,omitempty"`

	StartTime  time.Time  `json:"startTime"`
	EndTime    *time.Time `json:"endTime,omitempty"`
	DurationMs int64      `json:"durationMs,omitempty"`

	ExitCode        *int  `json:"exitCode,omitempty"`
	Success         bool  `json:"success"`
	TimedOut        bool  `json:"timedOut"`
	OOMKilled       bool  `json:"oomKilled"`
	MemoryUsedBytes int64 `json:"memoryUsedBytes,omitempty"`
	StdoutBytes     int64 `json:"stdoutBytes"`
	StderrBytes     int64 `json:"stderrBytes"`

	Error          string                 `json:"error,omitempty"`
	NetworkEnabled bool                   `json:"networkEnabled"`
	ResourceLimits *config.ResourceLimits `json:"resourceLimits,omitempty"`

	ClientIP  string `json:"clientIp,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// Query filters audit entries. Zero-valued fields match everything.
type Query struct {
	UserID    string
	TenantID  string
	StartTime *time.Time
	EndTime   *time.Time
	Success   *bool
	Language  string
	Action    string

	// Limit bounds the result size; zero means no bound.
	Limit int

	// Offset skips that many matching entries, newest first.
	Offset int
}

// Matches reports whether e satisfies q.
func (q Query) Matches(e *Entry) bool {
	if q.UserID != "" && e.UserID != q.UserID {
		return false
	}
	if q.TenantID != "" && e.TenantID != q.TenantID {
		return false
	}
	if q.Language != "" && e.Language != q.Language {
		return false
	}
	if q.Action != "" && e.Action != q.Action {
		return false
	}
	if q.Success != nil && e.Success != *q.Success {
		return false
	}
	if q.StartTime != nil && e.StartTime.Before(*q.StartTime) {
		return false
	}
	if q.EndTime != nil && e.StartTime.After(*q.EndTime) {
		return false
	}
	return true
}

// Store persists audit entries.
type Store interface {
	// Append stores the entry. The entry's ID must already be assigned.
	Append(ctx context.Context, e *Entry) error

	// Query returns matching entries, newest first.
	Query(ctx context.Context, q Query) ([]*Entry, error)

	// Get returns the entry with the given id, or nil when absent.
	Get(ctx context.Context, id string) (*Entry, error)

	// PurgeOlderThan removes entries whose StartTime precedes cutoff and
	// returns how many were removed.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// Close releases store resources.
	Close() error
}
