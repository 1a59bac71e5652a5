// Package audit is an internal, topic-based publish-subscribe bus for
// query-lifecycle events, separate from the pipe protocol's own "log"
// Output events (dispatcher.emitLog). Where emitLog's output is part of
// the wire protocol a front end renders to the user, audit.Bus is an
// in-process hook a host process can attach diagnostics or metrics
// collectors to without touching the pipe protocol at all.
//
// Adapted from the teacher's eventbus.go: the wire-format coupling to
// wrapify.R and the *Datasource self-reference are dropped (this bus
// carries gateway-domain events, not HTTP-response-shaped ones), and the
// topic vocabulary is rebuilt around query/session/config lifecycle
// events instead of raw SQL verb topics. The subscribe/publish/wildcard-
// topic-match/worker-pool mechanics are otherwise unchanged.
package audit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Topic categorizes an Event. TopicAll ("*") and a ".*" suffix both match
// as a wildcard prefix, e.g. "query.*" matches "query.result".
type Topic string

const (
	TopicAll Topic = "*"

	TopicQuery        Topic = "query"
	TopicQueryResult  Topic = "query.result"
	TopicQueryError   Topic = "query.error"
	TopicQuerySQLErr  Topic = "query.sql_error"
	TopicQueryCancel  Topic = "query.cancelled"
	TopicConfig       Topic = "config"
	TopicConfigUpdate Topic = "config.update"
	TopicSession      Topic = "session"
	TopicSessionOpen  Topic = "session.open"
)

// Event is one audit record: a topic, the request/session it belongs to
// if any, a free-form payload, and metadata. Unlike the pipe protocol's
// Output, Event is never serialized to a front end; it exists purely for
// in-process subscribers.
type Event struct {
	topic     Topic
	requestID string
	session   string
	payload   any
	timestamp time.Time
	metadata  map[string]any
}

func (e Event) Topic() Topic               { return e.topic }
func (e Event) RequestID() string          { return e.requestID }
func (e Event) Session() string            { return e.session }
func (e Event) Payload() any               { return e.payload }
func (e Event) Timestamp() time.Time       { return e.timestamp }
func (e Event) Metadata() map[string]any   { return e.metadata }

// NewEvent builds an Event ready to Publish.
func NewEvent(topic Topic, requestID, session string, payload any) Event {
	return Event{
		topic:     topic,
		requestID: requestID,
		session:   session,
		payload:   payload,
		timestamp: time.Now(),
		metadata:  make(map[string]any),
	}
}

// WithMetadata returns a copy of e with key=value added to its metadata.
func (e Event) WithMetadata(key string, value any) Event {
	next := make(map[string]any, len(e.metadata)+1)
	for k, v := range e.metadata {
		next[k] = v
	}
	next[key] = value
	e.metadata = next
	return e
}

// Subscriber receives delivered events.
type Subscriber func(event Event)

// Filter decides whether a subscriber should receive a given event.
type Filter func(event Event) bool

type subscription struct {
	id         string
	subscriber Subscriber
	filter     Filter
	async      bool
}

// Bus is a thread-safe publish-subscribe dispatcher for audit Events.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[Topic]map[string]*subscription

	eventChan chan Event
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	nextID uint64
}

// Config sizes a Bus's async worker pool and event buffer.
type Config struct {
	WorkerCount int
	BufferSize  int
}

// DefaultConfig is 4 workers, a 100-event buffer.
func DefaultConfig() Config {
	return Config{WorkerCount: 4, BufferSize: 100}
}

// NewBus starts a Bus with DefaultConfig.
func NewBus() *Bus {
	return NewBusWithConfig(DefaultConfig())
}

// NewBusWithConfig starts a Bus with the given worker/buffer sizing.
func NewBusWithConfig(cfg Config) *Bus {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		subscriptions: make(map[Topic]map[string]*subscription),
		eventChan:     make(chan Event, cfg.BufferSize),
		ctx:           ctx,
		cancel:        cancel,
	}
	for i := 0; i < cfg.WorkerCount; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

// Subscribe registers subscriber for topic with synchronous delivery,
// returning a subscription ID for Unsubscribe.
func (b *Bus) Subscribe(topic Topic, subscriber Subscriber) string {
	return b.SubscribeWithFilter(topic, subscriber, nil, false)
}

// SubscribeAsync registers subscriber for topic with async delivery: each
// matching event is handled in its own goroutine.
func (b *Bus) SubscribeAsync(topic Topic, subscriber Subscriber) string {
	return b.SubscribeWithFilter(topic, subscriber, nil, true)
}

// SubscribeWithFilter registers subscriber for topic, delivered only when
// filter is nil or returns true, synchronously unless async is set.
func (b *Bus) SubscribeWithFilter(topic Topic, subscriber Subscriber, filter Filter, async bool) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscriptions[topic] == nil {
		b.subscriptions[topic] = make(map[string]*subscription)
	}
	b.nextID++
	id := fmt.Sprintf("%s-%d", topic, b.nextID)
	b.subscriptions[topic][id] = &subscription{id: id, subscriber: subscriber, filter: filter, async: async}
	return id
}

// Unsubscribe removes one subscription by ID. Returns false if not found.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, subs := range b.subscriptions {
		if _, ok := subs[id]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscriptions, topic)
			}
			return true
		}
	}
	return false
}

// Publish queues event for asynchronous delivery by the worker pool,
// dropping it if the buffer is full rather than blocking the publisher.
func (b *Bus) Publish(event Event) {
	select {
	case b.eventChan <- event:
	case <-b.ctx.Done():
	default:
	}
}

// PublishSync delivers event to every matching subscriber on the calling
// goroutine (async subscribers still run in their own goroutine), and
// blocks until every synchronous subscriber has returned.
func (b *Bus) PublishSync(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.deliverLocked(event)
}

// Shutdown cancels the worker pool and waits for in-flight delivery to
// finish.
func (b *Bus) Shutdown() {
	b.cancel()
	close(b.eventChan)
	b.wg.Wait()
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case event, ok := <-b.eventChan:
			if !ok {
				return
			}
			b.mu.RLock()
			b.deliverLocked(event)
			b.mu.RUnlock()
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bus) deliverLocked(event Event) {
	for topic, subs := range b.subscriptions {
		if !topicMatches(event.topic, topic) {
			continue
		}
		for _, sub := range subs {
			if sub.filter != nil && !sub.filter(event) {
				continue
			}
			if sub.async {
				go sub.subscriber(event)
			} else {
				sub.subscriber(event)
			}
		}
	}
}

func topicMatches(eventTopic, subTopic Topic) bool {
	if subTopic == TopicAll || eventTopic == subTopic {
		return true
	}
	sub := string(subTopic)
	if strings.HasSuffix(sub, ".*") {
		prefix := strings.TrimSuffix(sub, ".*")
		return strings.HasPrefix(string(eventTopic), prefix+".")
	}
	return false
}

// SubscriptionCount returns the number of active subscriptions across all
// topics.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := 0
	for _, subs := range b.subscriptions {
		count += len(subs)
	}
	return count
}
