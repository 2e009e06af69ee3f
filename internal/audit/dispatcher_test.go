package audit

import (
	"context"
	"sync"
	"testing"
	"time"
)

type memorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *memorySink) Emit(_ context.Context, event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *memorySink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// gateSink blocks deliveries until released, simulating a slow consumer.
type gateSink struct {
	memorySink
	release chan struct{}
}

func (s *gateSink) Emit(ctx context.Context, event Event) {
	<-s.release
	s.memorySink.Emit(ctx, event)
}

func TestHighSeverityDeliveredSynchronously(t *testing.T) {
	sink := &memorySink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 8}, sink)
	defer d.Close()

	d.Emit(context.Background(), Event{EventType: "refresh_reuse_detected", Severity: SeverityHigh})

	// No draining, no sleeping: the event must already be in the sink.
	if sink.len() != 1 {
		t.Fatalf("expected synchronous delivery, sink has %d events", sink.len())
	}
}

func TestCloseFlushesBufferedEvents(t *testing.T) {
	sink := &memorySink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 64}, sink)

	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), Event{EventType: "token_issued", Severity: SeverityLow})
	}
	d.Close()

	if sink.len() != 10 {
		t.Fatalf("expected all 10 events flushed, got %d", sink.len())
	}
}

func TestDropIfFullCountsDrops(t *testing.T) {
	sink := &gateSink{release: make(chan struct{})}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	// The worker picks one event and blocks in the sink; the buffer holds
	// one more; everything after that is dropped.
	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), Event{EventType: "token_issued", Severity: SeverityLow})
	}

	deadline := time.After(2 * time.Second)
	for d.Dropped() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected dropped events under backpressure")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	close(sink.release)
	d.Close()
}

func TestDisabledDispatcherIsNil(t *testing.T) {
	d := NewDispatcher(Config{Enabled: false}, &memorySink{})
	if d != nil {
		t.Fatal("disabled config must produce a nil dispatcher")
	}
	// Nil dispatchers are safe to use.
	d.Emit(context.Background(), Event{Severity: SeverityHigh})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher reports zero drops")
	}
}
