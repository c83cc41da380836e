package events

import (
	"context"
	"testing"
	"time"
)

func TestOpenWithEmptyURLReturnsLocalBus(t *testing.T) {
	b, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := b.(*localBus); !ok {
		t.Fatalf("expected *localBus, got %T", b)
	}
}

func TestLocalBusFansOutToAllSubscribers(t *testing.T) {
	b := newLocalBus(10)
	ch1, unsub1 := b.Subscribe()
	ch2, unsub2 := b.Subscribe()
	defer unsub1()
	defer unsub2()

	ev := Event{ID: "1", Category: CategoryTaskDispatched, TaskID: "build"}
	if err := b.Publish(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case got := <-ch:
			if got.TaskID != "build" {
				t.Fatalf("expected task id build, got %q", got.TaskID)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestLocalBusSubscriberOnlySeesEventsAfterSubscribing(t *testing.T) {
	b := newLocalBus(10)
	_ = b.Publish(context.Background(), Event{ID: "early", TaskID: "build"})

	ch, unsub := b.Subscribe()
	defer unsub()

	_ = b.Publish(context.Background(), Event{ID: "late", TaskID: "test"})

	select {
	case got := <-ch:
		if got.ID != "late" {
			t.Fatalf("expected only the post-subscribe event, got %q", got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestLocalBusUnsubscribeClosesChannel(t *testing.T) {
	b := newLocalBus(10)
	ch, unsub := b.Subscribe()
	unsub()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after unsubscribe")
	}
}

func TestLocalBusCloseStopsFurtherPublishes(t *testing.T) {
	b := newLocalBus(10)
	ch, _ := b.Subscribe()
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(context.Background(), Event{ID: "after-close"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after bus Close")
	}
}
