package ws

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/glowlabs/glow/internal/models"
	"go.uber.org/zap"
)

func testMemory(fact string) models.Memory {
	return models.Memory{
		ID:        "mem-1",
		UserID:    "internal-id",
		Fact:      fact,
		Displayed: true,
		CreatedAt: time.Now().UTC(),
	}
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	hub := NewHub(zap.NewNop())
	sub := hub.Subscribe("maria")
	defer hub.Unsubscribe("maria", sub)

	hub.Publish("maria", testMemory("likes tea"))

	select {
	case payload := <-sub.Events():
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if ev.UserID != "maria" {
			t.Errorf("user_id = %q, want maria", ev.UserID)
		}
		if ev.Memory.Fact != "likes tea" {
			t.Errorf("fact = %q, want likes tea", ev.Memory.Fact)
		}
		if ev.Timestamp.IsZero() {
			t.Error("timestamp not set")
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestPublishIsScopedToUser(t *testing.T) {
	hub := NewHub(zap.NewNop())
	sub := hub.Subscribe("maria")
	defer hub.Unsubscribe("maria", sub)

	hub.Publish("bob", testMemory("plays chess"))

	select {
	case payload := <-sub.Events():
		t.Fatalf("unexpected delivery: %s", payload)
	default:
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	hub := NewHub(zap.NewNop())
	sub := hub.Subscribe("maria")
	defer hub.Unsubscribe("maria", sub)

	// Nobody drains; publishes beyond the buffer are dropped, not queued.
	done := make(chan struct{})
	go func() {
		for i := 0; i < sendBuffer*3; i++ {
			hub.Publish("maria", testMemory("fact"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub(zap.NewNop())
	sub := hub.Subscribe("maria")

	hub.Unsubscribe("maria", sub)
	if _, ok := <-sub.Events(); ok {
		t.Fatal("channel still open after unsubscribe")
	}

	// Safe to repeat, and publishing to an empty channel is a no-op.
	hub.Unsubscribe("maria", sub)
	hub.Publish("maria", testMemory("fact"))
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	hub := NewHub(zap.NewNop())
	first := hub.Subscribe("maria")
	second := hub.Subscribe("maria")
	defer hub.Unsubscribe("maria", first)
	defer hub.Unsubscribe("maria", second)

	hub.Publish("maria", testMemory("likes tea"))

	for i, sub := range []*Subscriber{first, second} {
		select {
		case <-sub.Events():
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}
