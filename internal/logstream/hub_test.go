package logstream

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// collector is a Subscriber that records every payload it receives.
type collector struct {
	mu    sync.Mutex
	lines []Line
}

func (c *collector) Send(payload []byte) error {
	var line Line
	if err := json.Unmarshal(payload, &line); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
	return nil
}

func (c *collector) Close() {}

func (c *collector) snapshot() []Line {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Line(nil), c.lines...)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func TestPublishReachesSubscriber(t *testing.T) {
	hub := NewHub(16, testLogger())
	sub := &collector{}
	hub.Register("dep-1", sub)
	defer hub.Unregister("dep-1", sub)

	hub.Publish("dep-1", "ready")

	waitFor(t, func() bool { return len(sub.snapshot()) == 1 }, "line delivered")
	line := sub.snapshot()[0]
	if line.DeploymentID != "dep-1" || line.Text != "ready" {
		t.Fatalf("unexpected line: %+v", line)
	}
	if line.Ts.IsZero() {
		t.Fatalf("expected server timestamp on line")
	}
}

func TestLinesKeepTheirDeploymentTag(t *testing.T) {
	hub := NewHub(16, testLogger())
	sub := &collector{}
	hub.Register("a", sub)
	defer hub.Unregister("a", sub)

	hub.Publish("b", "not for a")
	hub.Publish("a", "for a")

	waitFor(t, func() bool { return len(sub.snapshot()) == 1 }, "line for a delivered")
	for _, line := range sub.snapshot() {
		if line.DeploymentID != "a" {
			t.Fatalf("subscriber for a received line tagged %q", line.DeploymentID)
		}
	}
}

func TestWildcardSubscriberSeesEveryDeployment(t *testing.T) {
	hub := NewHub(16, testLogger())
	sub := &collector{}
	hub.Register(Wildcard, sub)
	defer hub.Unregister(Wildcard, sub)

	hub.Publish("a", "from a")
	hub.Publish("b", "from b")

	waitFor(t, func() bool { return len(sub.snapshot()) == 2 }, "both lines delivered")
	seen := map[string]string{}
	for _, line := range sub.snapshot() {
		seen[line.DeploymentID] = line.Text
	}
	if seen["a"] != "from a" || seen["b"] != "from b" {
		t.Fatalf("unexpected wildcard lines: %v", seen)
	}
}

func TestDeliveryPreservesPublishOrder(t *testing.T) {
	hub := NewHub(128, testLogger())
	sub := &collector{}
	hub.Register("dep-1", sub)
	defer hub.Unregister("dep-1", sub)

	const n = 50
	for i := 0; i < n; i++ {
		hub.Publish("dep-1", string(rune('a'+i%26)))
	}

	waitFor(t, func() bool { return len(sub.snapshot()) == n }, "all lines delivered")
	for i, line := range sub.snapshot() {
		if want := string(rune('a' + i%26)); line.Text != want {
			t.Fatalf("line %d out of order: got %q, want %q", i, line.Text, want)
		}
	}
}

// blockingSubscriber stalls in Send until released.
type blockingSubscriber struct {
	release chan struct{}
}

func (b *blockingSubscriber) Send([]byte) error {
	<-b.release
	return nil
}

func (b *blockingSubscriber) Close() {}

func TestSlowSubscriberNeverBlocksPublish(t *testing.T) {
	hub := NewHub(1, testLogger())
	slow := &blockingSubscriber{release: make(chan struct{})}
	hub.Register("dep-1", slow)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			hub.Publish("dep-1", "flood")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publisher blocked on a slow subscriber")
	}

	waitFor(t, func() bool {
		_, dropped := hub.Stats()
		return dropped > 0
	}, "overflow counted as drops")

	close(slow.release)
	hub.Unregister("dep-1", slow)
}

// failingSubscriber errors on every send and counts the attempts.
type failingSubscriber struct {
	mu    sync.Mutex
	sends int
}

func (f *failingSubscriber) Send([]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	return io.ErrClosedPipe
}

func (f *failingSubscriber) Close() {}

func (f *failingSubscriber) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

func TestFailedSubscriberIsEvicted(t *testing.T) {
	hub := NewHub(16, testLogger())
	bad := &failingSubscriber{}
	good := &collector{}
	hub.Register("dep-1", bad)
	hub.Register("dep-1", good)
	defer hub.Unregister("dep-1", good)

	hub.Publish("dep-1", "first")
	waitFor(t, func() bool { return bad.sendCount() == 1 }, "failing send attempted")
	waitFor(t, func() bool { return len(good.snapshot()) == 1 }, "healthy subscriber kept")

	// Give the eviction time to land, then confirm the bad subscriber
	// is no longer receiving.
	waitFor(t, func() bool {
		hub.Publish("dep-1", "after eviction")
		return len(good.snapshot()) >= 2 && bad.sendCount() == 1
	}, "evicted subscriber stopped receiving")
}

func TestUnregisterStopsDelivery(t *testing.T) {
	hub := NewHub(16, testLogger())
	sub := &collector{}
	hub.Register("dep-1", sub)

	hub.Publish("dep-1", "one")
	waitFor(t, func() bool { return len(sub.snapshot()) == 1 }, "first line delivered")

	hub.Unregister("dep-1", sub)
	hub.Publish("dep-1", "two")

	time.Sleep(50 * time.Millisecond)
	if got := len(sub.snapshot()); got != 1 {
		t.Fatalf("expected no delivery after unregister, got %d lines", got)
	}
}
