// SPDX-License-Identifier: Apache-2.0

// Package events implements the in-process event bus: topic pub/sub with
// retained events, priority-ordered delivery, per-subscription retry with
// exponential backoff, middleware chaining, and a dead-letter topic.
package events

import (
	"context"
	"sync/atomic"
	"time"
)

// Default subscription parameters.
const (
	// DefaultConcurrency is the per-subscription handler concurrency.
	DefaultConcurrency = 10

	// DefaultHandlerTimeout bounds a single handler invocation.
	DefaultHandlerTimeout = 30 * time.Second
)

// DefaultRetryPolicy is applied when a subscription does not set one.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:       3,
	InitialDelay:      time.Second,
	MaxDelay:          30 * time.Second,
	BackoffMultiplier: 2,
}

// Event is a published message on a topic.
type Event struct {
	// ID is the opaque event identifier assigned at publish.
	ID string `json:"id"`

	// Type is the topic the event was published to.
	Type string `json:"type"`

	// Payload is the event body.
	Payload any `json:"payload"`

	// Timestamp is when the event was published.
	Timestamp time.Time `json:"timestamp"`

	// CorrelationID groups events belonging to one logical operation.
	CorrelationID string `json:"correlation_id,omitempty"`

	// CausationID names the event that caused this one.
	CausationID string `json:"causation_id,omitempty"`

	// Version is the event schema version.
	Version int `json:"version"`
}

// Envelope wraps an Event for delivery to a single subscriber.
type Envelope struct {
	Event *Event `json:"event"`

	// Attempt is the 1-based delivery attempt counter.
	Attempt int `json:"attempt"`

	// FirstAttemptAt is when the first delivery attempt started.
	FirstAttemptAt time.Time `json:"first_attempt_at"`

	// LastAttemptAt is when the most recent attempt started.
	LastAttemptAt time.Time `json:"last_attempt_at"`

	// SubscriberID identifies the subscription being delivered to.
	SubscriberID string `json:"subscriber_id"`
}

// Handler processes a delivered event. Returning an error triggers the
// subscription's retry policy.
type Handler func(ctx context.Context, env *Envelope) error

// Filter decides whether a subscription receives an event.
type Filter func(ev *Event) bool

// Middleware wraps the publish path. Calling next proceeds down the chain;
// not calling it short-circuits the publish. Errors returned before next
// completes fail the publish; errors inside delivery never do.
type Middleware func(ctx context.Context, ev *Event, next func(context.Context) error) error

// RetryPolicy controls redelivery of failed handler invocations.
type RetryPolicy struct {
	// MaxAttempts is the total number of handler invocations before
	// dead-lettering, including the first.
	MaxAttempts int `json:"max_attempts"`

	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration `json:"initial_delay"`

	// MaxDelay caps the computed backoff delay.
	MaxDelay time.Duration `json:"max_delay"`

	// BackoffMultiplier scales the delay between consecutive attempts.
	BackoffMultiplier float64 `json:"backoff_multiplier"`
}

// TopicConfig bounds a topic's retention and fan-out.
type TopicConfig struct {
	RetainCount    int
	RetainDuration time.Duration
	MaxSubscribers int
}

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	// Filter drops events before delivery when it returns false.
	Filter Filter

	// Priority orders subscribers per event; higher delivers first.
	Priority int

	// Sequential forces deliveries to this subscription to not interleave.
	Sequential bool

	// Concurrency bounds concurrent handler invocations. Default 10.
	Concurrency int

	// Timeout bounds one handler invocation. Default 30s.
	Timeout time.Duration

	// Retry is the redelivery policy. Zero value takes DefaultRetryPolicy.
	Retry RetryPolicy

	// DeadLetterTopic overrides the bus-wide dead-letter topic.
	DeadLetterTopic string

	// StartFromNow, when false, replays the topic's retained events to the
	// new subscription in stored order before any live event.
	StartFromNow bool
}

// PublishOptions configures one publish call.
type PublishOptions struct {
	CorrelationID string
	CausationID   string

	// Delay defers delivery by the given duration.
	Delay time.Duration

	// TTL drops the event silently if delivery has not begun in time.
	TTL time.Duration
}

// SubscriptionStats counts delivery outcomes for one subscription.
type SubscriptionStats struct {
	Received     int64 `json:"received"`
	Processed    int64 `json:"processed"`
	Failed       int64 `json:"failed"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"dead_lettered"`
}

type subscriptionCounters struct {
	received     atomic.Int64
	processed    atomic.Int64
	failed       atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
}

func (c *subscriptionCounters) snapshot() SubscriptionStats {
	return SubscriptionStats{
		Received:     c.received.Load(),
		Processed:    c.processed.Load(),
		Failed:       c.failed.Load(),
		Retried:      c.retried.Load(),
		DeadLettered: c.deadLettered.Load(),
	}
}

// DeadLetterPayload is the payload of events published to the dead-letter
// topic after a subscription exhausts its retry budget.
type DeadLetterPayload struct {
	// OriginalEvent is the envelope of the final failed attempt.
	OriginalEvent *Envelope `json:"originalEvent"`

	// SubscriptionID is the subscription that exhausted its retries.
	SubscriptionID string `json:"subscriptionId"`

	// Error is the final handler error message.
	Error string `json:"error"`

	// FailedAt is when the final attempt failed.
	FailedAt time.Time `json:"failedAt"`
}
