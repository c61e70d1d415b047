package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestFanOutPreservesOrder(t *testing.T) {
	n := New(64, zap.NewNop())
	defer n.Close()
	ctx := context.Background()

	a := n.Subscribe(ctx)
	b := n.Subscribe(ctx)
	for _, id := range []string{"m-1", "m-2", "m-3"} {
		n.Publish(Event{Type: MissionChanged, MissionID: id})
	}

	for _, ch := range []<-chan Event{a, b} {
		for _, want := range []string{"m-1", "m-2", "m-3"} {
			e := recv(t, ch)
			if e.MissionID != want {
				t.Fatalf("got %s, want %s", e.MissionID, want)
			}
			if e.ID == "" || e.At.IsZero() {
				t.Errorf("event not stamped: %+v", e)
			}
		}
	}
}

func TestSlowSubscriberGetsResync(t *testing.T) {
	n := New(4, zap.NewNop())
	defer n.Close()
	ctx := context.Background()

	slow := n.Subscribe(ctx)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			n.Publish(Event{Type: LogAppended, EntityID: "l"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a subscriber that is not reading")
	}

	sawResync := false
	count := 0
	for !sawResync {
		e := recv(t, slow)
		count++
		if e.Type == Resync {
			sawResync = true
		}
	}
	if count > 500 {
		t.Errorf("received %d events before resync", count)
	}
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	n := New(8, zap.NewNop())
	defer n.Close()
	ctx, cancel := context.WithCancel(context.Background())

	ch := n.Subscribe(ctx)
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			// A buffered event is fine; the next read must observe close.
			if _, ok := <-ch; ok {
				t.Fatal("channel still open after cancel")
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}

	deadline := time.Now().Add(2 * time.Second)
	for n.Subscribers() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := n.Subscribers(); got != 0 {
		t.Errorf("subscribers = %d after cancel", got)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (s *recordingSink) Forward(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	if s.fail {
		return errors.New("sink down")
	}
	return nil
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestAttachKeepsForwardingAfterErrors(t *testing.T) {
	n := New(16, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &recordingSink{fail: true}
	n.Attach(ctx, "recording", sink)
	n.Publish(Event{Type: AlertRaised, EntityID: "a-1"})
	n.Publish(Event{Type: AlertRaised, EntityID: "a-2"})

	deadline := time.Now().Add(2 * time.Second)
	for sink.len() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.len() != 2 {
		t.Fatalf("sink received %d events, want 2", sink.len())
	}
	n.Close()
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	n := New(4, zap.NewNop())
	n.Close()
	n.Publish(Event{Type: MissionChanged})
	ch := n.Subscribe(context.Background())
	if _, ok := <-ch; ok {
		t.Error("subscription on a closed notifier delivered an event")
	}
}

func TestRedisFeed(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Skipf("start redis: %v", err)
	}
	testcontainers.CleanupContainer(t, container)
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}
	url := "redis://" + endpoint

	pub, err := NewRedisPublisher(ctx, url, "missions:test", zap.NewNop())
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	defer pub.Close()
	lis, err := NewRedisListener(ctx, url, "missions:test", zap.NewNop())
	if err != nil {
		t.Fatalf("listener: %v", err)
	}
	defer lis.Close()

	listenCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	feed := lis.Listen(listenCtx)

	// XREAD with "$" only sees entries added after the read starts; retry
	// until the listener is attached.
	want := Event{ID: "e-1", Type: MissionChanged, MissionID: "m-1", Status: "completed", At: time.Now().UTC()}
	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		if err := pub.Forward(ctx, want); err != nil {
			t.Fatalf("Forward: %v", err)
		}
		select {
		case got := <-feed:
			if got.ID != want.ID || got.MissionID != "m-1" || got.Status != "completed" {
				t.Fatalf("got %+v", got)
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("no event received from redis")
		}
	}
}
