package stream

import (
	"testing"
	"time"

	"github.com/k3wko/daxmon/internal/telemetry"
	"github.com/k3wko/daxmon/internal/vita"
)

func queuedPacket(seq uint8) *vita.Packet {
	return &vita.Packet{Type: vita.TypeIFDataStream, StreamID: 0x42, Sequence: seq}
}

func TestQueueEvictsOldestOnOverflow(t *testing.T) {
	var counters telemetry.Counters
	q := NewQueue(2, &counters)

	q.Push(queuedPacket(1))
	q.Push(queuedPacket(2))
	q.Push(queuedPacket(3))

	if got := counters.QueueEvictions.Load(); got != 1 {
		t.Fatalf("expected 1 eviction, got %d", got)
	}
	first := <-q.C()
	second := <-q.C()
	if first.Sequence != 2 || second.Sequence != 3 {
		t.Fatalf("expected sequences 2,3 after eviction, got %d,%d", first.Sequence, second.Sequence)
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d queued", q.Len())
	}
}

func TestQueuePushNeverBlocksWithoutConsumer(t *testing.T) {
	q := NewQueue(4, nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			q.Push(queuedPacket(uint8(i % 16)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("push blocked without a consumer")
	}
}

func TestQueueCloseEndsConsumer(t *testing.T) {
	q := NewQueue(2, nil)
	q.Push(queuedPacket(1))
	q.Close()
	q.Close() // idempotent

	var got []uint8
	for p := range q.C() {
		got = append(got, p.Sequence)
	}
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected the buffered packet then close, got %v", got)
	}
}
