// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	kerrors "github.com/kiln-dev/kiln/pkg/errors"
	"github.com/kiln-dev/kiln/pkg/logger"
	"github.com/kiln-dev/kiln/pkg/telemetry"
)

// Options configures a Bus.
type Options struct {
	// RetainCount is the default per-topic retained event count.
	RetainCount int

	// RetainDuration is the default per-topic retained event age bound.
	RetainDuration time.Duration

	// MaxSubscribers is the default per-topic subscriber cap.
	MaxSubscribers int

	// MaxQueueSize bounds outstanding delayed events.
	MaxQueueSize int

	// DeadLetterTopic names the reserved dead-letter topic.
	DeadLetterTopic string

	// Metrics receives delivery counters when non-nil.
	Metrics *telemetry.Metrics
}

// DefaultOptions returns the bus defaults: retain 100 events for an hour,
// 100 subscribers per topic, 10k delayed events, "__dead_letter__" DLQ.
func DefaultOptions() Options {
	return Options{
		RetainCount:     100,
		RetainDuration:  time.Hour,
		MaxSubscribers:  100,
		MaxQueueSize:    10000,
		DeadLetterTopic: "__dead_letter__",
	}
}

type topic struct {
	mu       sync.Mutex
	name     string
	cfg      TopicConfig
	retained []*Event
	subs     map[string]*subscription
}

type subscription struct {
	id        string
	topicName string
	handler   Handler
	opts      SubscribeOptions
	sem       *semaphore.Weighted
	counters  subscriptionCounters
	removed   atomic.Bool

	// ready is closed once the retained-event backfill has been replayed;
	// live deliveries block on it so the backlog is seen first.
	ready chan struct{}
}

// Bus is a topic-based publish/subscribe hub for a single process.
type Bus struct {
	mu          sync.RWMutex
	topics      map[string]*topic
	subIndex    map[string]string // subscription id -> topic name
	middlewares []Middleware
	opts        Options

	inflight     sync.WaitGroup
	delayedCount atomic.Int64
	timersMu     sync.Mutex
	timers       map[*time.Timer]struct{}
	closed       atomic.Bool
}

// NewBus creates a Bus and its reserved dead-letter topic.
func NewBus(opts Options) *Bus {
	if opts.DeadLetterTopic == "" {
		opts.DeadLetterTopic = DefaultOptions().DeadLetterTopic
	}
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = DefaultOptions().MaxQueueSize
	}
	if opts.MaxSubscribers <= 0 {
		opts.MaxSubscribers = DefaultOptions().MaxSubscribers
	}
	b := &Bus{
		topics:   make(map[string]*topic),
		subIndex: make(map[string]string),
		timers:   make(map[*time.Timer]struct{}),
		opts:     opts,
	}
	// The DLQ exists from construction and cannot be deleted.
	b.topicFor(opts.DeadLetterTopic)
	return b
}

// Use appends a middleware to the publish chain.
func (b *Bus) Use(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middlewares = append(b.middlewares, mw)
}

// topicFor returns the topic, creating it with bus defaults on first use.
func (b *Bus) topicFor(name string) *topic {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if ok {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok = b.topics[name]; ok {
		return t
	}
	t = &topic{
		name: name,
		cfg: TopicConfig{
			RetainCount:    b.opts.RetainCount,
			RetainDuration: b.opts.RetainDuration,
			MaxSubscribers: b.opts.MaxSubscribers,
		},
		subs: make(map[string]*subscription),
	}
	b.topics[name] = t
	return t
}

// ConfigureTopic creates or reconfigures a topic with explicit bounds.
func (b *Bus) ConfigureTopic(name string, cfg TopicConfig) {
	t := b.topicFor(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	if cfg.RetainCount > 0 {
		t.cfg.RetainCount = cfg.RetainCount
	}
	if cfg.RetainDuration > 0 {
		t.cfg.RetainDuration = cfg.RetainDuration
	}
	if cfg.MaxSubscribers > 0 {
		t.cfg.MaxSubscribers = cfg.MaxSubscribers
	}
}

// DeleteTopic removes a topic, its retained events, and its subscriptions.
// The dead-letter topic cannot be deleted.
func (b *Bus) DeleteTopic(name string) error {
	if name == b.opts.DeadLetterTopic {
		return fmt.Errorf("topic %s is reserved and cannot be deleted", name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		return nil
	}
	t.mu.Lock()
	for id, sub := range t.subs {
		sub.removed.Store(true)
		delete(b.subIndex, id)
	}
	t.subs = make(map[string]*subscription)
	t.retained = nil
	t.mu.Unlock()
	delete(b.topics, name)
	return nil
}

// Publish publishes payload on topicName and returns the event id.
//
// Middleware errors raised before the chain tail completes are returned to
// the caller; handler failures never are. With a positive Delay the event is
// scheduled and the call returns immediately.
func (b *Bus) Publish(ctx context.Context, topicName string, payload any, opts *PublishOptions) (string, error) {
	if b.closed.Load() {
		return "", fmt.Errorf("event bus is shut down")
	}
	if opts == nil {
		opts = &PublishOptions{}
	}

	ev := &Event{
		ID:            uuid.NewString(),
		Type:          topicName,
		Payload:       payload,
		Timestamp:     time.Now(),
		CorrelationID: opts.CorrelationID,
		CausationID:   opts.CausationID,
		Version:       1,
	}

	if opts.Delay > 0 {
		if b.delayedCount.Load() >= int64(b.opts.MaxQueueSize) {
			return "", kerrors.New(kerrors.ErrQueueFull, "delayed event queue is full")
		}
		b.delayedCount.Add(1)
		ttl := opts.TTL
		b.schedule(opts.Delay, func() {
			b.delayedCount.Add(-1)
			if ttl > 0 && time.Since(ev.Timestamp) > ttl {
				logger.Debugw("dropping expired delayed event", "event_id", ev.ID, "topic", ev.Type)
				return
			}
			if err := b.runChain(context.Background(), ev); err != nil {
				// The publisher has long returned; all we can do is log.
				logger.Errorw("delayed publish failed in middleware",
					"event_id", ev.ID, "topic", ev.Type, "error", err)
			}
		})
		return ev.ID, nil
	}

	if err := b.runChain(ctx, ev); err != nil {
		return "", err
	}
	b.opts.Metrics.EventPublished(topicName)
	return ev.ID, nil
}

// runChain runs the middleware chain; the tail retains and delivers.
func (b *Bus) runChain(ctx context.Context, ev *Event) error {
	b.mu.RLock()
	mws := slices.Clone(b.middlewares)
	b.mu.RUnlock()

	next := func(ctx context.Context) error {
		b.retainAndDeliver(ctx, ev)
		return nil
	}
	for i := len(mws) - 1; i >= 0; i-- {
		mw, inner := mws[i], next
		next = func(ctx context.Context) error {
			return mw(ctx, ev, inner)
		}
	}
	return next(ctx)
}

func (b *Bus) retainAndDeliver(_ context.Context, ev *Event) {
	t := b.topicFor(ev.Type)
	t.retain(ev)
	b.deliver(t, ev)
}

// retain appends ev and trims by age then by count.
func (t *topic) retain(ev *Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retained = append(t.retained, ev)

	if t.cfg.RetainDuration > 0 {
		cutoff := time.Now().Add(-t.cfg.RetainDuration)
		firstLive := 0
		for firstLive < len(t.retained) && t.retained[firstLive].Timestamp.Before(cutoff) {
			firstLive++
		}
		t.retained = t.retained[firstLive:]
	}
	if over := len(t.retained) - t.cfg.RetainCount; over > 0 {
		t.retained = t.retained[over:]
	}
}

// deliver fans ev out to the topic's current subscribers, highest priority
// first. The fan-out runs on its own goroutine so publish never blocks on
// handlers; within it, each subscriber's first attempt completes before the
// next lower-priority subscriber is invoked. Retries are scheduled off this
// path.
func (b *Bus) deliver(t *topic, ev *Event) {
	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	sort.SliceStable(subs, func(i, j int) bool {
		return subs[i].opts.Priority > subs[j].opts.Priority
	})

	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		now := time.Now()
		for _, sub := range subs {
			sub.counters.received.Add(1)
			if sub.opts.Filter != nil && !sub.opts.Filter(ev) {
				continue
			}
			b.attempt(sub, &Envelope{
				Event:          ev,
				Attempt:        1,
				FirstAttemptAt: now,
				LastAttemptAt:  now,
				SubscriberID:   sub.id,
			})
		}
	}()
}

// spawnAttempt registers the attempt as in-flight work and runs it, either
// immediately on a fresh goroutine or after the given delay.
func (b *Bus) spawnAttempt(sub *subscription, env *Envelope, after time.Duration) {
	if after <= 0 {
		b.inflight.Add(1)
		go func() {
			defer b.inflight.Done()
			b.attempt(sub, env)
		}()
		return
	}
	b.schedule(after, func() {
		b.attempt(sub, env)
	})
}

// schedule runs fn after d, tracked both by the in-flight group and the
// timer set so Clear can cancel it.
func (b *Bus) schedule(d time.Duration, fn func()) {
	b.inflight.Add(1)
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		defer b.inflight.Done()
		b.untrackTimer(t)
		fn()
	})
	b.timersMu.Lock()
	b.timers[t] = struct{}{}
	b.timersMu.Unlock()
}

func (b *Bus) untrackTimer(t *time.Timer) {
	b.timersMu.Lock()
	delete(b.timers, t)
	b.timersMu.Unlock()
}

// cancelTimers stops all scheduled work that has not fired yet.
func (b *Bus) cancelTimers() {
	b.timersMu.Lock()
	defer b.timersMu.Unlock()
	for t := range b.timers {
		if t.Stop() {
			// The callback will never run; release its in-flight slot.
			b.inflight.Done()
		}
		delete(b.timers, t)
	}
}

// attempt delivers env to sub once, scheduling a retry or dead-lettering on
// failure. It waits for the subscription's backfill to finish first.
func (b *Bus) attempt(sub *subscription, env *Envelope) {
	<-sub.ready
	b.deliverAttempt(sub, env)
}

// deliverAttempt is the ungated delivery path; the backfill goroutine
// calls it directly.
func (b *Bus) deliverAttempt(sub *subscription, env *Envelope) {
	if sub.removed.Load() {
		return
	}
	if err := sub.sem.Acquire(context.Background(), 1); err != nil {
		return
	}

	env.LastAttemptAt = time.Now()
	err := b.invoke(sub, env)
	sub.sem.Release(1)

	if err == nil {
		sub.counters.processed.Add(1)
		b.opts.Metrics.EventDelivered(sub.topicName, "ok")
		return
	}

	sub.counters.failed.Add(1)
	b.opts.Metrics.EventDelivered(sub.topicName, "error")

	if env.Attempt < sub.opts.Retry.MaxAttempts {
		delay := retryDelay(sub.opts.Retry, env.Attempt)
		sub.counters.retried.Add(1)
		next := *env
		next.Attempt = env.Attempt + 1
		b.spawnAttempt(sub, &next, delay)
		return
	}

	b.deadLetter(sub, env, err)
}

// invoke races the handler against the subscription timeout. A handler that
// ignores cancellation may keep running; the race decides the outcome.
func (b *Bus) invoke(sub *subscription, env *Envelope) error {
	ctx, cancel := context.WithTimeout(context.Background(), sub.opts.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- sub.handler(ctx, env)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("handler timed out after %s", sub.opts.Timeout)
	}
}

// deadLetter publishes the exhausted envelope to the subscription's DLQ.
// The DLQ publish bypasses middleware; a retry is never scheduled once the
// dead letter is chosen.
func (b *Bus) deadLetter(sub *subscription, env *Envelope, cause error) {
	sub.counters.deadLettered.Add(1)
	b.opts.Metrics.EventDeadLettered(sub.topicName)

	dlqTopic := sub.opts.DeadLetterTopic
	if dlqTopic == "" {
		dlqTopic = b.opts.DeadLetterTopic
	}

	dlqEvent := &Event{
		ID:            uuid.NewString(),
		Type:          dlqTopic,
		Payload:       &DeadLetterPayload{OriginalEvent: env, SubscriptionID: sub.id, Error: cause.Error(), FailedAt: time.Now()},
		Timestamp:     time.Now(),
		CorrelationID: env.Event.CorrelationID,
		CausationID:   env.Event.ID,
		Version:       1,
	}
	logger.Warnw("event dead-lettered",
		"topic", sub.topicName, "subscription_id", sub.id, "event_id", env.Event.ID, "error", cause.Error())
	b.retainAndDeliver(context.Background(), dlqEvent)
}

// Subscribe registers handler on topicName and returns the subscription id.
func (b *Bus) Subscribe(topicName string, handler Handler, opts *SubscribeOptions) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("handler must not be nil")
	}
	normalized := normalizeSubscribeOptions(opts)

	t := b.topicFor(topicName)
	sub := &subscription{
		id:        uuid.NewString(),
		topicName: topicName,
		handler:   handler,
		opts:      normalized,
		ready:     make(chan struct{}),
	}
	weight := int64(normalized.Concurrency)
	if normalized.Sequential {
		weight = 1
	}
	sub.sem = semaphore.NewWeighted(weight)

	var backfill []*Event
	t.mu.Lock()
	if len(t.subs) >= t.cfg.MaxSubscribers {
		t.mu.Unlock()
		return "", kerrors.New(kerrors.ErrTopicSubscriberLimit,
			fmt.Sprintf("topic %s is at its subscriber limit", topicName))
	}
	if !normalized.StartFromNow {
		backfill = slices.Clone(t.retained)
	}
	t.subs[sub.id] = sub
	t.mu.Unlock()

	b.mu.Lock()
	b.subIndex[sub.id] = topicName
	b.mu.Unlock()

	if len(backfill) == 0 {
		close(sub.ready)
		return sub.id, nil
	}

	// Replay retained events in stored order; live deliveries queue up on
	// sub.ready until the whole backlog has been attempted.
	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		defer close(sub.ready)
		for _, ev := range backfill {
			sub.counters.received.Add(1)
			if sub.opts.Filter != nil && !sub.opts.Filter(ev) {
				continue
			}
			now := time.Now()
			b.deliverAttempt(sub, &Envelope{
				Event:          ev,
				Attempt:        1,
				FirstAttemptAt: now,
				LastAttemptAt:  now,
				SubscriberID:   sub.id,
			})
		}
	}()
	return sub.id, nil
}

func normalizeSubscribeOptions(opts *SubscribeOptions) SubscribeOptions {
	normalized := SubscribeOptions{StartFromNow: true}
	if opts != nil {
		normalized = *opts
	}
	if normalized.Concurrency <= 0 {
		normalized.Concurrency = DefaultConcurrency
	}
	if normalized.Timeout <= 0 {
		normalized.Timeout = DefaultHandlerTimeout
	}
	if normalized.Retry.MaxAttempts <= 0 {
		normalized.Retry = DefaultRetryPolicy
	}
	if normalized.Retry.BackoffMultiplier <= 0 {
		normalized.Retry.BackoffMultiplier = DefaultRetryPolicy.BackoffMultiplier
	}
	return normalized
}

// Unsubscribe removes the subscription. In-flight deliveries may still
// complete; no new attempt starts after removal.
func (b *Bus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	topicName, ok := b.subIndex[subscriptionID]
	delete(b.subIndex, subscriptionID)
	b.mu.Unlock()
	if !ok {
		return
	}

	t := b.topicFor(topicName)
	t.mu.Lock()
	if sub, ok := t.subs[subscriptionID]; ok {
		sub.removed.Store(true)
		delete(t.subs, subscriptionID)
	}
	t.mu.Unlock()
}

// Stats returns the delivery counters for a subscription.
func (b *Bus) Stats(subscriptionID string) (SubscriptionStats, bool) {
	b.mu.RLock()
	topicName, ok := b.subIndex[subscriptionID]
	b.mu.RUnlock()
	if !ok {
		return SubscriptionStats{}, false
	}
	t := b.topicFor(topicName)
	t.mu.Lock()
	defer t.mu.Unlock()
	sub, ok := t.subs[subscriptionID]
	if !ok {
		return SubscriptionStats{}, false
	}
	return sub.counters.snapshot(), true
}

// Retained returns a snapshot of the topic's retained events in publish order.
func (b *Bus) Retained(topicName string) []*Event {
	t := b.topicFor(topicName)
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.retained)
}

// Drain blocks until no delivery is in flight and no scheduled work is
// pending, or ctx is done.
func (b *Bus) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clear cancels all pending scheduled events, removes all non-DLQ
// subscriptions, and drops retained events on non-DLQ topics. Dead letters
// and their subscriptions survive.
func (b *Bus) Clear() {
	b.cancelTimers()
	b.delayedCount.Store(0)

	b.mu.Lock()
	defer b.mu.Unlock()
	for name, t := range b.topics {
		if name == b.opts.DeadLetterTopic {
			continue
		}
		t.mu.Lock()
		for id, sub := range t.subs {
			sub.removed.Store(true)
			delete(b.subIndex, id)
		}
		t.subs = make(map[string]*subscription)
		t.retained = nil
		t.mu.Unlock()
	}
}

// Shutdown stops accepting publishes, cancels scheduled work, and waits for
// in-flight deliveries. Idempotent.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.closed.Store(true)
	b.cancelTimers()
	return b.Drain(ctx)
}
