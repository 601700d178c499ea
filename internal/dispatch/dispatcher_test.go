package dispatch

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"consultline.local/projects/engine/internal/events"
	"consultline.local/projects/engine/internal/subscribers"
)

type fakeSubscriber struct {
	name      string
	failUntil int

	mu    sync.Mutex
	calls int
	ch    chan events.Event
}

func (f *fakeSubscriber) Name() string {
	return f.name
}

func (f *fakeSubscriber) Handle(_ context.Context, event events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failUntil {
		return errors.New("forced failure")
	}
	if f.ch != nil {
		f.ch <- event
	}
	return nil
}

func (f *fakeSubscriber) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	logger := log.New(os.Stdout, "", 0)
	sub := &fakeSubscriber{name: "sub", failUntil: 2, ch: make(chan events.Event, 1)}
	d := New(logger, []subscribers.Subscriber{sub})
	event := events.New(events.TypeSessionEnded, "sess_1", nil)

	d.Dispatch(context.Background(), event)

	select {
	case got := <-sub.ch:
		if got.EventID != event.EventID {
			t.Fatalf("unexpected event id: %s", got.EventID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dispatch")
	}

	if calls := sub.Calls(); calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDispatcherStopsAfterRetries(t *testing.T) {
	logger := log.New(os.Stdout, "", 0)
	sub := &fakeSubscriber{name: "sub", failUntil: 10, ch: make(chan events.Event, 1)}
	d := New(logger, []subscribers.Subscriber{sub})

	d.Dispatch(context.Background(), events.New(events.TypeSessionStarted, "sess_1", nil))
	time.Sleep(800 * time.Millisecond)

	if calls := sub.Calls(); calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDispatcherFansOutToAllSubscribers(t *testing.T) {
	logger := log.New(os.Stdout, "", 0)
	first := &fakeSubscriber{name: "first", ch: make(chan events.Event, 1)}
	second := &fakeSubscriber{name: "second", ch: make(chan events.Event, 1)}
	d := New(logger, []subscribers.Subscriber{first, second})

	d.Dispatch(context.Background(), events.New(events.TypeSessionLowBalance, "sess_1", nil))

	for _, sub := range []*fakeSubscriber{first, second} {
		select {
		case <-sub.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for subscriber %s", sub.name)
		}
	}
}
