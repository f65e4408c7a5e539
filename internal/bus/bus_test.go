package bus

import (
	"sync"
	"testing"
	"time"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Ch():
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func assertEmpty(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestFilter_Matches(t *testing.T) {
	ev := Event{Topic: TopicTaskChanged, TaskChangedEvent: TaskChangedEvent{TaskID: "t1"}}
	cases := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"zero", Filter{}, true},
		{"prefix", Filter{TopicPrefix: TopicTaskPrefix}, true},
		{"exact topic", Filter{TopicPrefix: TopicTaskChanged}, true},
		{"other topic", Filter{TopicPrefix: TopicTaskDeleted}, false},
		{"same task", Filter{TaskID: "t1"}, true},
		{"other task", Filter{TaskID: "t2"}, false},
		{"topic and task", Filter{TopicPrefix: TopicTaskPrefix, TaskID: "t1"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.filter.matches(ev); got != tc.want {
				t.Fatalf("matches = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBus_RoutesByTaskAndTopic(t *testing.T) {
	b := New()
	all := b.Subscribe(Filter{TopicPrefix: TopicTaskPrefix})
	watched := b.Subscribe(Filter{TaskID: "t1"})
	completions := b.Subscribe(Filter{TopicPrefix: TopicTaskCompleted})
	defer b.Close()

	b.Publish(TopicTaskChanged, TaskChangedEvent{TaskID: "t2", EventType: "proof.submitted", Revision: 2})
	b.Publish(TopicTaskCompleted, TaskChangedEvent{TaskID: "t1", OverallStatus: "completed", Revision: 5})

	if ev := receive(t, all); ev.TaskID != "t2" || ev.Topic != TopicTaskChanged {
		t.Fatalf("first event on all = %+v", ev)
	}
	if ev := receive(t, all); ev.TaskID != "t1" {
		t.Fatalf("second event on all = %+v", ev)
	}
	if ev := receive(t, watched); ev.Topic != TopicTaskCompleted || ev.Revision != 5 {
		t.Fatalf("watched event = %+v", ev)
	}
	assertEmpty(t, watched)
	if ev := receive(t, completions); ev.OverallStatus != "completed" {
		t.Fatalf("completion event = %+v", ev)
	}
	assertEmpty(t, completions)
}

func TestBus_FullBufferDropsAndCounts(t *testing.T) {
	b := New()
	sub := b.Subscribe(Filter{})
	defer b.Unsubscribe(sub)

	for i := 0; i < subscriberBuffer+3; i++ {
		b.Publish(TopicTaskChanged, TaskChangedEvent{TaskID: "t1", Revision: int64(i + 1)})
	}
	if got := b.Dropped(); got != 3 {
		t.Fatalf("dropped = %d, want 3", got)
	}
	// The oldest notifications are kept.
	if ev := receive(t, sub); ev.Revision != 1 {
		t.Fatalf("first revision = %d, want 1", ev.Revision)
	}
}

func TestBus_UnsubscribeClosesOnce(t *testing.T) {
	b := New()
	sub := b.Subscribe(Filter{})
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("subscribers = %d", n)
	}
	b.Publish(TopicTaskChanged, TaskChangedEvent{TaskID: "t1"})
}

func TestBus_CloseEndsFeeds(t *testing.T) {
	b := New()
	sub := b.Subscribe(Filter{TaskID: "t1"})
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel after Close")
	}
	late := b.Subscribe(Filter{})
	if _, ok := <-late.Ch(); ok {
		t.Fatal("subscribe after Close should return a closed feed")
	}
	b.Publish(TopicTaskChanged, TaskChangedEvent{TaskID: "t1"})
	b.Unsubscribe(sub)
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestBus_NilPublishIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(TopicTaskChanged, TaskChangedEvent{})
}

func TestBus_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				sub := b.Subscribe(Filter{TaskID: "t1"})
				b.Publish(TopicTaskChanged, TaskChangedEvent{TaskID: "t1", Revision: int64(i)})
				b.Unsubscribe(sub)
			}
		}()
	}
	wg.Wait()
	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("subscribers leaked: %d", n)
	}
}
