// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kiln-dev/kiln/pkg/events"
	"github.com/kiln-dev/kiln/pkg/logger"
)

// Recorder appends entries to the store and notifies bus subscribers.
// It is the single write path for audit data; components never touch
// the Store directly.
type Recorder struct {
	store         Store
	bus           *events.Bus
	consoleMirror bool
}

// NewRecorder creates a recorder. The bus is optional; when nil, appends
// are stored without notification.
func NewRecorder(store Store, bus *events.Bus, consoleMirror bool) *Recorder {
	return &Recorder{
		store:         store,
		bus:           bus,
		consoleMirror: consoleMirror,
	}
}

// Record assigns an ID when absent, defaults severity to info, persists
// the entry, and publishes it on the audit topic. Persistence failure is
// returned; a publish failure is logged but does not fail the record,
// the store copy is already durable at that point.
func (r *Recorder) Record(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if e.StartTime.IsZero() {
		e.StartTime = time.Now().UTC()
	}

	if err := r.store.Append(ctx, e); err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}

	if r.consoleMirror {
		logger.Infow("audit",
			"id", e.ID,
			"action", e.Action,
			"severity", e.Severity,
			"userId", e.UserID,
			"executionId", e.ExecutionID,
			"success", e.Success,
		)
	}

	if r.bus != nil {
		if _, err := r.bus.Publish(ctx, TopicAuditWritten, e, nil); err != nil {
			logger.Warnf("audit notification failed for %s: %v", e.ID, err)
		}
	}
	return nil
}

// RecordCritical marks the entry critical before recording it.
func (r *Recorder) RecordCritical(ctx context.Context, e *Entry) error {
	e.Severity = SeverityCritical
	return r.Record(ctx, e)
}

// Query proxies to the store.
func (r *Recorder) Query(ctx context.Context, q Query) ([]*Entry, error) {
	return r.store.Query(ctx, q)
}

// Get proxies to the store.
func (r *Recorder) Get(ctx context.Context, id string) (*Entry, error) {
	return r.store.Get(ctx, id)
}

// StartPurgeLoop purges entries older than retention every interval until
// ctx is canceled.
func (r *Recorder) StartPurgeLoop(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 || retention <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().UTC().Add(-retention)
				n, err := r.store.PurgeOlderThan(ctx, cutoff)
				if err != nil {
					logger.Warnf("audit purge failed: %v", err)
					continue
				}
				if n > 0 {
					logger.Debugf("audit purge removed %d entries", n)
				}
			}
		}
	}()
}
