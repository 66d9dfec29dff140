package broadcast

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/visionforge/visionforge/pkg/types"
)

func makeEvent(runID string, seq int) *types.Event {
	return &types.Event{
		ID:        fmt.Sprintf("%d", seq),
		RunID:     runID,
		Type:      types.EventTypeLog,
		Timestamp: time.Now().UTC(),
	}
}

func TestFanOutOrder(t *testing.T) {
	b := New(0)
	defer b.Close()

	const subscribers = 3
	const events = 5

	chans := make([]<-chan *types.Event, subscribers)
	cancels := make([]func(), subscribers)
	for i := range chans {
		chans[i], cancels[i] = b.Subscribe("run-1")
	}
	defer func() {
		for _, c := range cancels {
			c()
		}
	}()

	for seq := 1; seq <= events; seq++ {
		b.Publish(makeEvent("run-1", seq))
	}

	for i, ch := range chans {
		for seq := 1; seq <= events; seq++ {
			select {
			case ev := <-ch:
				if ev.ID != fmt.Sprintf("%d", seq) {
					t.Errorf("subscriber %d event %d: got id %s", i, seq, ev.ID)
				}
			case <-time.After(time.Second):
				t.Fatalf("subscriber %d timed out waiting for event %d", i, seq)
			}
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(0)
	defer b.Close()

	ch, cancel := b.Subscribe("run-1")

	b.Publish(makeEvent("run-1", 1))
	b.Publish(makeEvent("run-1", 2))
	cancel()
	b.Publish(makeEvent("run-1", 3))

	var got []string
	for ev := range ch {
		got = append(got, ev.ID)
	}
	if len(got) != 2 || got[0] != "1" || got[1] != "2" {
		t.Errorf("received %v, want [1 2]", got)
	}

	// Cancelling twice must not panic.
	cancel()

	if n := b.SubscriberCount("run-1"); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}
}

func TestRunIsolation(t *testing.T) {
	b := New(0)
	defer b.Close()

	chA, cancelA := b.Subscribe("run-a")
	defer cancelA()
	chB, cancelB := b.Subscribe("run-b")
	defer cancelB()

	b.Publish(makeEvent("run-a", 1))

	select {
	case ev := <-chA:
		if ev.RunID != "run-a" {
			t.Errorf("got event for %s", ev.RunID)
		}
	case <-time.After(time.Second):
		t.Fatal("run-a subscriber got nothing")
	}

	select {
	case ev := <-chB:
		t.Errorf("run-b subscriber received %+v", ev)
	default:
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := New(2)
	defer b.Close()

	_, cancel := b.Subscribe("run-1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		// Far more events than the buffer holds; extras are dropped.
		for seq := 1; seq <= 50; seq++ {
			b.Publish(makeEvent("run-1", seq))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestCloseRun(t *testing.T) {
	b := New(0)
	defer b.Close()

	ch, cancel := b.Subscribe("run-1")
	b.Publish(makeEvent("run-1", 1))
	b.CloseRun("run-1")

	var got []string
	for ev := range ch {
		got = append(got, ev.ID)
	}
	if len(got) != 1 {
		t.Errorf("received %v, want the one buffered event", got)
	}

	// cancel after CloseRun must not panic on the already-closed channel.
	cancel()
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New(0)
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, cancel := b.Subscribe("run-1")
			for seq := 1; seq <= 20; seq++ {
				b.Publish(makeEvent("run-1", seq))
			}
			cancel()
			for range ch {
			}
		}()
	}
	wg.Wait()
}
