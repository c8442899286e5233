package eventbus

import (
	"testing"
	"time"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(TopicPositionOpened, 1)
	defer unsub()

	b.Publish(TopicPositionOpened, "pos-1")

	select {
	case got := <-ch:
		if got != "pos-1" {
			t.Errorf("got %v, want pos-1", got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected to receive published payload")
	}
}

func TestPublishDropsWhenSubscriberBufferFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(TopicBBO, 1)
	defer unsub()

	// Fill the buffer, then publish again: Publish must not block even
	// though the subscriber hasn't drained anything yet.
	b.Publish(TopicBBO, "first")
	done := make(chan struct{})
	go func() {
		b.Publish(TopicBBO, "second")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}

	if got := <-ch; got != "first" {
		t.Errorf("got %v, want first (second payload should have been dropped)", got)
	}
}

func TestPublishWithNoSubscribersDoesNotPanic(t *testing.T) {
	b := New()
	b.Publish(TopicLiquidationRisk, "anything")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(TopicPositionClosed, 1)
	unsub()

	b.Publish(TopicPositionClosed, "pos-1")

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected the channel to be closed after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("expected unsubscribed channel to be closed, not blocked")
	}
}

func TestMultipleSubscribersEachReceiveTheEvent(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe(TopicInsufficientMargin, 1)
	ch2, unsub2 := b.Subscribe(TopicInsufficientMargin, 1)
	defer unsub1()
	defer unsub2()

	b.Publish(TopicInsufficientMargin, "acct-1")

	for _, ch := range []<-chan any{ch1, ch2} {
		select {
		case got := <-ch:
			if got != "acct-1" {
				t.Errorf("got %v, want acct-1", got)
			}
		case <-time.After(time.Second):
			t.Fatal("expected both subscribers to receive the event")
		}
	}
}
