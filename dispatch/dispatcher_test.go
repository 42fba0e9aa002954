package dispatch

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/agentcomm/logging"
	"github.com/vinayprograms/agentcomm/message"
)

func quietLogger() *logging.Logger {
	l := logging.New()
	l.SetOutput(io.Discard)
	return l
}

func TestDispatchInvokesHandler(t *testing.T) {
	d := New(16, time.Minute, 2, quietLogger())

	got := make(chan *message.Message, 1)
	d.Register("tasks", func(m *message.Message) error {
		got <- m
		return nil
	})

	msg := message.New("tasks", "alice", "hello", message.PriorityNormal)
	if !d.Dispatch(msg) {
		t.Fatal("Dispatch returned false for a fresh message")
	}

	select {
	case m := <-got:
		if m.ID != msg.ID {
			t.Errorf("handler got message %s, want %s", m.ID, msg.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}
}

func TestDispatchDropsDuplicateID(t *testing.T) {
	d := New(16, time.Minute, 2, quietLogger())

	var calls atomic.Int32
	d.Register("tasks", func(m *message.Message) error {
		calls.Add(1)
		return nil
	})

	msg := message.New("tasks", "alice", "hello", message.PriorityNormal)
	if !d.Dispatch(msg) {
		t.Fatal("first dispatch rejected")
	}

	// Same ID arriving again, as when both transports deliver it.
	dup := *msg
	if d.Dispatch(&dup) {
		t.Error("duplicate dispatch returned true")
	}

	d.Wait()
	if n := calls.Load(); n != 1 {
		t.Errorf("handler invoked %d times, want 1", n)
	}
}

func TestDispatchNoHandlerForTopic(t *testing.T) {
	d := New(16, time.Minute, 2, quietLogger())

	msg := message.New("unrouted", "alice", "hello", message.PriorityNormal)
	if d.Dispatch(msg) {
		t.Error("Dispatch returned true with no handler registered")
	}
}

func TestRegisterReplacesHandler(t *testing.T) {
	d := New(16, time.Minute, 2, quietLogger())

	var first, second atomic.Int32
	d.Register("tasks", func(m *message.Message) error {
		first.Add(1)
		return nil
	})
	d.Register("tasks", func(m *message.Message) error {
		second.Add(1)
		return nil
	})

	d.Dispatch(message.New("tasks", "alice", "one", message.PriorityNormal))
	d.Wait()

	if first.Load() != 0 {
		t.Error("replaced handler was invoked")
	}
	if second.Load() != 1 {
		t.Errorf("replacement handler invoked %d times, want 1", second.Load())
	}
}

func TestCallbackErrorIsIsolated(t *testing.T) {
	d := New(16, time.Minute, 2, quietLogger())

	var after atomic.Int32
	d.Register("bad", func(m *message.Message) error {
		return fmt.Errorf("handler exploded")
	})
	d.Register("good", func(m *message.Message) error {
		after.Add(1)
		return nil
	})

	d.Dispatch(message.New("bad", "alice", "boom", message.PriorityNormal))
	d.Dispatch(message.New("good", "alice", "fine", message.PriorityNormal))
	d.Wait()

	if after.Load() != 1 {
		t.Errorf("delivery after failing callback: got %d invocations, want 1", after.Load())
	}
}

func TestCallbackPanicIsRecovered(t *testing.T) {
	d := New(16, time.Minute, 2, quietLogger())

	d.Register("panics", func(m *message.Message) error {
		panic("callback panic")
	})

	var ok atomic.Int32
	d.Register("tasks", func(m *message.Message) error {
		ok.Add(1)
		return nil
	})

	d.Dispatch(message.New("panics", "alice", "boom", message.PriorityNormal))
	d.Dispatch(message.New("tasks", "alice", "fine", message.PriorityNormal))
	d.Wait()

	if ok.Load() != 1 {
		t.Errorf("dispatch after panicking callback: got %d invocations, want 1", ok.Load())
	}
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	const workers = 3
	d := New(64, time.Minute, workers, quietLogger())

	var running, peak atomic.Int32
	release := make(chan struct{})
	var wg sync.WaitGroup

	d.Register("load", func(m *message.Message) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		wg.Done()
		return nil
	})

	const total = 12
	wg.Add(total)
	go func() {
		for i := 0; i < total; i++ {
			d.Dispatch(message.New("load", "alice", "work", message.PriorityNormal))
		}
	}()

	// Let the pool fill, then drain.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	d.Wait()

	if p := peak.Load(); p > workers {
		t.Errorf("peak concurrency %d exceeds worker bound %d", p, workers)
	}
}

func TestRunConsumesStream(t *testing.T) {
	d := New(64, time.Minute, 4, quietLogger())

	var calls atomic.Int32
	d.Register("stream", func(m *message.Message) error {
		calls.Add(1)
		return nil
	})

	in := make(chan *message.Message, 8)
	for i := 0; i < 5; i++ {
		in <- message.New("stream", "alice", "msg", message.PriorityNormal)
	}
	close(in)

	d.Run(context.Background(), in)
	d.Wait()

	if n := calls.Load(); n != 5 {
		t.Errorf("handler invoked %d times, want 5", n)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	d := New(64, time.Minute, 4, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	in := make(chan *message.Message)
	done := make(chan struct{})
	go func() {
		d.Run(ctx, in)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}

func TestSeenCacheEvictsBySize(t *testing.T) {
	c := newSeenCache(3, time.Hour)

	for _, id := range []string{"a", "b", "c"} {
		if !c.add(id) {
			t.Fatalf("add(%q) = false, want true", id)
		}
	}
	// Fourth entry evicts the oldest.
	c.add("d")
	if c.len() != 3 {
		t.Errorf("cache size %d, want 3", c.len())
	}
	if !c.add("a") {
		t.Error("evicted ID still treated as duplicate")
	}
	if c.add("d") {
		t.Error("retained ID not treated as duplicate")
	}
}

func TestSeenCacheExpiresByTTL(t *testing.T) {
	c := newSeenCache(100, 10*time.Minute)

	base := time.Now()
	c.now = func() time.Time { return base }

	c.add("old")

	c.now = func() time.Time { return base.Add(11 * time.Minute) }
	if !c.add("old") {
		t.Error("expired ID still treated as duplicate")
	}
}
