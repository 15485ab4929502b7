package status

import (
	"context"
	"testing"
	"time"

	"pointmap/pkg/poi"
)

func TestPublishReachesSubscriber(t *testing.T) {
	b := NewBus(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := b.Subscribe(ctx, 8)
	region := poi.Region{South: 1, West: 2, North: 3, East: 4}
	b.Publish(Splitting, region)

	select {
	case ev := <-events:
		if ev.Kind != Splitting || ev.Region != region {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}
}

func TestPublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	b := NewBus(1)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Waiting, poi.Region{})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked with no listeners")
	}
}

func TestNilBusIsSafe(t *testing.T) {
	var b *Bus
	b.Publish(Succeeded, poi.Region{}) // must not panic
}

func TestUnsubscribeOnContextEnd(t *testing.T) {
	b := NewBus(8)
	ctx, cancel := context.WithCancel(context.Background())
	events := b.Subscribe(ctx, 1)
	cancel()

	select {
	case _, ok := <-events:
		if ok {
			// A buffered event may still arrive; the close follows.
			if _, ok := <-events; ok {
				t.Fatal("channel not closed after context end")
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel never closed after context end")
	}
}
