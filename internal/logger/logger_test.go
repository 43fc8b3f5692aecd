package logger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/store"
)

type captureSink struct {
	mu      sync.Mutex
	batches [][]store.UsageEvent
	fail    error
	closed  bool
}

func (s *captureSink) Write(_ context.Context, events []store.UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	batch := make([]store.UsageEvent, len(events))
	copy(batch, events)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *captureSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *captureSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func TestRecorder_FlushesOnClose(t *testing.T) {
	sink := &captureSink{}
	r, err := NewRecorder(context.Background(), sink, nil)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 7; i++ {
		r.Record(store.UsageEvent{RequestID: fmt.Sprintf("req-%d", i)})
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	if got := sink.total(); got != 7 {
		t.Fatalf("flushed %d events, want 7", got)
	}
	if !sink.closed {
		t.Fatal("Close must close the sink")
	}
}

func TestRecorder_BatchSizeFlush(t *testing.T) {
	sink := &captureSink{}
	r, err := NewRecorder(context.Background(), sink, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	for i := 0; i < batchSize; i++ {
		r.Record(store.UsageEvent{})
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sink.total() >= batchSize {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("batch not flushed, sink has %d events", sink.total())
}

func TestRecorder_DropsOnOverflow(t *testing.T) {
	sink := &captureSink{}
	r, err := newRecorder(context.Background(), sink, nil, 1)
	if err != nil {
		t.Fatal(err)
	}

	// Much more than the 1-slot buffer can hold between flushes; at least
	// some of these must be dropped rather than block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50_000; i++ {
			r.Record(store.UsageEvent{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Record blocked")
	}
	_ = r.Close()

	if r.Dropped() == 0 {
		t.Error("expected overflow drops to be counted")
	}
}

func TestRecorder_SinkErrorCountsDropped(t *testing.T) {
	sink := &captureSink{fail: errors.New("sink down")}
	r, err := NewRecorder(context.Background(), sink, nil)
	if err != nil {
		t.Fatal(err)
	}

	r.Record(store.UsageEvent{})
	r.Record(store.UsageEvent{})
	_ = r.Close()

	if r.Dropped() != 2 {
		t.Fatalf("dropped = %d, want 2", r.Dropped())
	}
}

func TestRecorder_NilContext(t *testing.T) {
	if _, err := NewRecorder(nil, nil, nil); err == nil { //nolint:staticcheck
		t.Fatal("nil context must be rejected")
	}
}

func TestSlogSink_WriteAndClose(t *testing.T) {
	s := NewSlogSink(nil)
	if err := s.Write(context.Background(), []store.UsageEvent{{RequestID: "r"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}
