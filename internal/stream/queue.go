package stream

import (
	"sync"

	"github.com/k3wko/daxmon/internal/telemetry"
	"github.com/k3wko/daxmon/internal/vita"
)

// DefaultQueueDepth buffers about a quarter second of packets at the
// highest I/Q rate.
const DefaultQueueDepth = 256

// Queue is the hand-off between the receiver and the pipeline. Push never
// blocks: when the buffer is full the oldest queued packet is evicted so
// the newest samples survive back pressure.
type Queue struct {
	ch        chan *vita.Packet
	counters  *telemetry.Counters
	closeOnce sync.Once
}

// NewQueue builds a queue with the given depth, or DefaultQueueDepth when
// depth is not positive.
func NewQueue(depth int, counters *telemetry.Counters) *Queue {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	if counters == nil {
		counters = &telemetry.Counters{}
	}
	return &Queue{ch: make(chan *vita.Packet, depth), counters: counters}
}

// Push enqueues the packet, evicting the oldest queued packet if the
// consumer has fallen behind.
func (q *Queue) Push(p *vita.Packet) {
	for {
		select {
		case q.ch <- p:
			return
		default:
		}
		select {
		case <-q.ch:
			q.counters.QueueEvictions.Add(1)
		default:
		}
	}
}

// C is the consumer side of the queue.
func (q *Queue) C() <-chan *vita.Packet {
	return q.ch
}

// Len reports how many packets are currently queued.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close ends the stream for the consumer. Call only after the final Push.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.ch) })
}
