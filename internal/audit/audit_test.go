package audit

import (
	"sync"
	"testing"
	"time"
)

func TestSubscribeSyncReceivesMatchingTopic(t *testing.T) {
	bus := NewBus()
	defer bus.Shutdown()

	var mu sync.Mutex
	var got []Topic
	bus.Subscribe(TopicQueryResult, func(e Event) {
		mu.Lock()
		got = append(got, e.Topic())
		mu.Unlock()
	})

	bus.PublishSync(NewEvent(TopicQueryResult, "req-1", "default", "ok"))
	bus.PublishSync(NewEvent(TopicQueryError, "req-2", "default", "boom"))

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != TopicQueryResult {
		t.Fatalf("expected exactly one TopicQueryResult delivery, got %v", got)
	}
}

func TestSubscribeWildcardPrefixMatches(t *testing.T) {
	bus := NewBus()
	defer bus.Shutdown()

	var count int32counter
	bus.Subscribe("query.*", func(e Event) {
		count.add(1)
	})

	bus.PublishSync(NewEvent(TopicQueryResult, "req-1", "default", nil))
	bus.PublishSync(NewEvent(TopicQueryError, "req-2", "default", nil))
	bus.PublishSync(NewEvent(TopicConfigUpdate, "req-3", "default", nil))

	if count.get() != 2 {
		t.Fatalf("expected 2 deliveries under query.*, got %d", count.get())
	}
}

func TestSubscribeAllMatchesEverything(t *testing.T) {
	bus := NewBus()
	defer bus.Shutdown()

	var count int32counter
	bus.Subscribe(TopicAll, func(e Event) { count.add(1) })

	bus.PublishSync(NewEvent(TopicQueryResult, "", "", nil))
	bus.PublishSync(NewEvent(TopicSessionOpen, "", "", nil))

	if count.get() != 2 {
		t.Fatalf("expected TopicAll to match every event, got %d", count.get())
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Shutdown()

	var count int32counter
	id := bus.Subscribe(TopicQuery, func(e Event) { count.add(1) })
	bus.PublishSync(NewEvent(TopicQuery, "", "", nil))

	if !bus.Unsubscribe(id) {
		t.Fatalf("expected unsubscribe to succeed")
	}
	if bus.Unsubscribe(id) {
		t.Fatalf("expected second unsubscribe of the same id to fail")
	}
	bus.PublishSync(NewEvent(TopicQuery, "", "", nil))

	if count.get() != 1 {
		t.Fatalf("expected no delivery after unsubscribe, got %d", count.get())
	}
}

func TestPublishAsyncEventuallyDelivers(t *testing.T) {
	bus := NewBus()
	defer bus.Shutdown()

	var count int32counter
	bus.SubscribeAsync(TopicQueryResult, func(e Event) { count.add(1) })

	bus.Publish(NewEvent(TopicQueryResult, "req-1", "default", nil))

	deadline := time.Now().Add(time.Second)
	for count.get() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if count.get() != 1 {
		t.Fatalf("expected 1 async delivery, got %d", count.get())
	}
}

func TestSubscriptionCount(t *testing.T) {
	bus := NewBus()
	defer bus.Shutdown()

	if bus.SubscriptionCount() != 0 {
		t.Fatalf("expected 0 subscriptions initially")
	}
	bus.Subscribe(TopicQuery, func(Event) {})
	bus.Subscribe(TopicConfig, func(Event) {})
	if bus.SubscriptionCount() != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", bus.SubscriptionCount())
	}
}

func TestWithMetadataDoesNotMutateOriginal(t *testing.T) {
	base := NewEvent(TopicQuery, "req-1", "default", nil)
	derived := base.WithMetadata("elapsed_ms", 12)

	if len(base.Metadata()) != 0 {
		t.Fatalf("expected base event metadata untouched, got %v", base.Metadata())
	}
	if derived.Metadata()["elapsed_ms"] != 12 {
		t.Fatalf("expected derived metadata to carry elapsed_ms, got %v", derived.Metadata())
	}
}

func TestInterpolateSQLBasicTypes(t *testing.T) {
	got := InterpolateSQL("select * from t where id = $1 and name = $2 and active = $3", []any{int64(7), "o'brien", true})
	want := "select * from t where id = 7 and name = 'o''brien' and active = TRUE"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestInterpolateSQLArrayAndWhitespace(t *testing.T) {
	got := InterpolateSQL("select *\n  from t\n where id = any($1)", []any{[]int64{1, 2, 3}})
	want := "select * from t where id = any(ARRAY[1, 2, 3])"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestInterpolateSQLNoParams(t *testing.T) {
	got := InterpolateSQL("select 1", nil)
	if got != "select 1" {
		t.Fatalf("got %q", got)
	}
}

type int32counter struct {
	mu sync.Mutex
	n  int
}

func (c *int32counter) add(d int) {
	c.mu.Lock()
	c.n += d
	c.mu.Unlock()
}

func (c *int32counter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
