package changebus

import (
	"context"
	"testing"
	"time"
)

func TestPublishDeliversInOrderToSubscribedAccount(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(context.Background(), "acct-1")
	defer sub.Close()

	bus.Publish(Change{LSN: 1, Op: OpInsert, Table: "resources", New: map[string]interface{}{"account_id": "acct-1"}})
	bus.Publish(Change{LSN: 2, Op: OpUpdate, Table: "resources", New: map[string]interface{}{"account_id": "acct-1"}})

	first := <-sub.C
	second := <-sub.C
	if first.LSN != 1 || second.LSN != 2 {
		t.Fatalf("expected LSN order 1,2; got %d,%d", first.LSN, second.LSN)
	}
}

func TestPublishDoesNotCrossAccounts(t *testing.T) {
	bus := New()
	subA := bus.Subscribe(context.Background(), "acct-a")
	defer subA.Close()

	bus.Publish(Change{LSN: 1, Table: "resources", New: map[string]interface{}{"account_id": "acct-b"}})

	select {
	case c := <-subA.C:
		t.Fatalf("unexpected delivery to unrelated account: %+v", c)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestNoReplayBeforeSubscribe(t *testing.T) {
	bus := New()
	bus.Publish(Change{LSN: 1, Table: "resources", New: map[string]interface{}{"account_id": "acct-1"}})

	sub := bus.Subscribe(context.Background(), "acct-1")
	defer sub.Close()
	bus.Publish(Change{LSN: 2, Table: "resources", New: map[string]interface{}{"account_id": "acct-1"}})

	got := <-sub.C
	if got.LSN != 2 {
		t.Fatalf("expected only post-subscribe change (LSN 2), got %d", got.LSN)
	}
}

func TestSlowSubscriberIsDroppedNotBlocked(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(context.Background(), "acct-1")

	for i := 0; i < subscriberQueueDepth+10; i++ {
		bus.Publish(Change{LSN: uint64(i), Table: "resources", New: map[string]interface{}{"account_id": "acct-1"}})
	}

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.C:
			if !ok {
				return // channel closed: subscriber was dropped, as expected
			}
		case <-deadline:
			t.Fatalf("expected subscriber channel to eventually close after overload")
		}
	}
}

func TestCloseUnsubscribes(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(context.Background(), "acct-1")
	sub.Close()

	deadline := time.After(time.Second)
	for bus.SubscriberCount("acct-1") != 0 {
		select {
		case <-deadline:
			t.Fatalf("expected subscriber to be removed after Close")
		case <-time.After(time.Millisecond):
		}
	}
}
