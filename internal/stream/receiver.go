// Package stream receives the radio's DAX I/Q datagrams over UDP and hands
// validated packets to the processing pipeline. The receiver never does FFT
// work on its read goroutine; anomalies move counters instead of tearing
// the session down.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/k3wko/daxmon/internal/logging"
	"github.com/k3wko/daxmon/internal/telemetry"
	"github.com/k3wko/daxmon/internal/vita"
)

// Descriptor identifies the negotiated stream and how to decode it.
type Descriptor struct {
	StreamID   uint32
	Channel    int
	SampleRate int
	Format     vita.SampleFormat
}

// The packet counter is 4 bits wide. Arrivals within the forward half
// window are treated as loss before a live packet; the backward half means
// stale or duplicate delivery.
const (
	seqModulus  = 16
	staleWindow = seqModulus / 2
)

// Receiver owns the UDP socket the radio sends I/Q datagrams to. Open
// binds early so the OS-chosen port can be quoted in the stream creation
// command; Run starts consuming once the stream ID is known.
type Receiver struct {
	conn     net.PacketConn
	queue    *Queue
	counters *telemetry.Counters
	log      logging.Logger

	started atomic.Bool
	lastSeq int
}

// Open binds an OS-chosen UDP port with a raised receive buffer.
func Open(ctx context.Context, queue *Queue, counters *telemetry.Counters, log logging.Logger) (*Receiver, error) {
	if log == nil {
		log = logging.Default()
	}
	if counters == nil {
		counters = &telemetry.Counters{}
	}
	lc := udpListenConfig()
	conn, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("bind stream socket: %w", err)
	}
	return &Receiver{
		conn:     conn,
		queue:    queue,
		counters: counters,
		log:      log.With(logging.F("component", "stream")),
		lastSeq:  -1,
	}, nil
}

// LocalPort reports the bound UDP port.
func (r *Receiver) LocalPort() int {
	return r.conn.LocalAddr().(*net.UDPAddr).Port
}

// Run reads datagrams until ctx ends. Packets for other streams are
// ignored; malformed datagrams and stale arrivals are counted and dropped.
func (r *Receiver) Run(ctx context.Context, desc Descriptor) error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("stream receiver already consumed")
	}
	defer r.conn.Close()

	log := r.log.With(logging.F("stream_id", fmt.Sprintf("0x%08X", desc.StreamID)))
	log.Info("stream receiver running",
		logging.F("port", r.LocalPort()),
		logging.F("rate", desc.SampleRate),
		logging.F("format", desc.Format.String()))

	buf := make([]byte, 65536)
	for {
		if ctx.Err() != nil {
			return nil
		}
		_ = r.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("stream read: %w", err)
		}

		// the parser aliases its input and the packet outlives this
		// iteration, so each datagram gets its own buffer
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		pkt, err := vita.Parse(datagram)
		if err != nil {
			r.counters.FramingErrors.Add(1)
			log.Debug("dropping malformed datagram", logging.F("err", err))
			continue
		}
		if !pkt.Type.IsData() || pkt.StreamID != desc.StreamID {
			continue
		}
		if !r.admit(pkt.Sequence) {
			r.counters.PacketsDropped.Add(1)
			continue
		}
		r.counters.PacketsReceived.Add(1)
		r.queue.Push(pkt)
	}
}

// admit applies the sequence policy and records forward gaps as missed
// packets. Returns false for arrivals that must be discarded.
func (r *Receiver) admit(seq uint8) bool {
	s := int(seq) % seqModulus
	if r.lastSeq < 0 {
		r.lastSeq = s
		return true
	}
	expected := (r.lastSeq + 1) % seqModulus
	delta := (s - expected + seqModulus) % seqModulus
	if delta >= staleWindow {
		return false
	}
	if delta > 0 {
		r.counters.SequenceGaps.Add(uint64(delta))
	}
	r.lastSeq = s
	return true
}

// Close releases the socket. Run will return shortly after.
func (r *Receiver) Close() error {
	return r.conn.Close()
}
