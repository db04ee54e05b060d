package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/k3wko/daxmon/internal/logging"
)

// State is the channel lifecycle position. The only transitions are
// Disconnected -> Connecting -> Connected -> Bound, plus Closed from
// anywhere. Closed is terminal; a lost connection is never redialed by the
// channel itself.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected // transport up, no bound identity yet
	StateBound
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBound:
		return "bound"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected   = errors.New("control channel not connected")
	ErrClosed         = errors.New("control channel closed")
	ErrConnectionLost = errors.New("control connection lost")
	ErrCommandTimeout = errors.New("command timed out")
)

// DefaultCommandTimeout bounds how long Await waits without a caller deadline.
const DefaultCommandTimeout = 5 * time.Second

// Channel is a sequenced command/status connection to one radio. A single
// background goroutine owns all reads and demultiplexes replies to waiters;
// writes are serialized by the sender's mutex hold.
type Channel struct {
	Address string
	Timeout time.Duration

	log     logging.Logger
	clients *ClientRegistry
	tuning  *TuningTracker

	mu        sync.Mutex
	state     State
	conn      net.Conn
	seq       uint32
	pending   map[uint32]chan Reply
	statusFns []func(StatusEvent)
	unmapped  map[uint32]struct{}
	lastErr   error

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
}

// New builds a channel for the given control endpoint. Nothing is dialed
// until Connect.
func New(addr string, log logging.Logger) *Channel {
	if log == nil {
		log = logging.Default()
	}
	return &Channel{
		Address:  addr,
		Timeout:  DefaultCommandTimeout,
		log:      log.With(logging.F("component", "control"), logging.F("radio", addr)),
		clients:  newClientRegistry(),
		tuning:   newTuningTracker(),
		pending:  make(map[uint32]chan Reply),
		unmapped: make(map[uint32]struct{}),
		done:     make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that terminated the channel, if any.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Done is closed once the channel terminates, deliberately or by loss.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Clients exposes the GUI clients observed on this channel.
func (c *Channel) Clients() *ClientRegistry { return c.clients }

// Tuning exposes the committed tuning state fed from status lines.
func (c *Channel) Tuning() *TuningTracker { return c.tuning }

// OnStatus registers a handler for unsolicited events. Handlers run on the
// read goroutine and must not block.
func (c *Channel) OnStatus(fn func(StatusEvent)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.statusFns = append(c.statusFns, fn)
	c.mu.Unlock()
}

// Connect dials the radio and starts the read loop. A failed dial leaves the
// channel Disconnected so the caller may retry.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("connect from state %s", state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	d := net.Dialer{Timeout: c.Timeout}
	conn, err := d.DialContext(ctx, "tcp", c.Address)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("connect %s: %w", c.Address, err)
	}

	c.mu.Lock()
	if c.state != StateConnecting { // Close raced the dial
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	c.log.Info("connected")
	go c.readLoop(conn)
	return nil
}

// LocalIP returns the local address of the control connection. The radio
// needs it as the destination for the I/Q stream.
func (c *Channel) LocalIP() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ""
	}
	if ta, ok := c.conn.LocalAddr().(*net.TCPAddr); ok {
		return ta.IP.String()
	}
	host, _, err := net.SplitHostPort(c.conn.LocalAddr().String())
	if err != nil {
		return ""
	}
	return host
}

// Pending is an in-flight command awaiting its reply.
type Pending struct {
	Sequence uint32
	Command  string

	c  *Channel
	ch chan Reply
}

// Send writes a sequenced command and returns a handle to await the reply.
func (c *Channel) Send(command string) (*Pending, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, errors.New("empty command")
	}

	c.mu.Lock()
	switch c.state {
	case StateConnected, StateBound:
	case StateClosed:
		c.mu.Unlock()
		return nil, ErrClosed
	default:
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.seq++
	seq := c.seq
	ch := make(chan Reply, 1)
	c.pending[seq] = ch
	conn := c.conn
	c.mu.Unlock()

	c.log.Debug("tx", logging.F("seq", seq), logging.F("command", command))
	_ = conn.SetWriteDeadline(time.Now().Add(c.Timeout))
	if _, err := conn.Write([]byte(fmt.Sprintf("%d|%s\n", seq, command))); err != nil {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
		conn.Close() // read loop observes the close and fails the channel
		return nil, fmt.Errorf("write %q: %w", command, ErrConnectionLost)
	}
	return &Pending{Sequence: seq, Command: command, c: c, ch: ch}, nil
}

// Await blocks until the reply arrives, the context ends, or the connection
// is lost. Without a caller deadline the channel's command timeout applies.
// A non-zero status yields a RejectedError alongside the reply.
func (p *Pending) Await(ctx context.Context) (Reply, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.c.Timeout)
		defer cancel()
	}
	select {
	case r, ok := <-p.ch:
		if !ok {
			return Reply{}, fmt.Errorf("%q: %w", p.Command, ErrConnectionLost)
		}
		if r.Status != 0 {
			return r, &RejectedError{Command: p.Command, Status: r.Status, Payload: r.Payload}
		}
		return r, nil
	case <-ctx.Done():
		p.c.abandon(p.Sequence)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Reply{}, fmt.Errorf("%q: %w", p.Command, ErrCommandTimeout)
		}
		return Reply{}, ctx.Err()
	}
}

// Request is Send followed by Await.
func (c *Channel) Request(ctx context.Context, command string) (Reply, error) {
	p, err := c.Send(command)
	if err != nil {
		return Reply{}, err
	}
	return p.Await(ctx)
}

// Bind claims the given GUI client identity so the channel inherits that
// client's panadapters and slices. The id must be a UUID.
func (c *Channel) Bind(ctx context.Context, clientID string) error {
	id, err := uuid.Parse(clientID)
	if err != nil {
		return fmt.Errorf("bind client id %q: %w", clientID, err)
	}
	if s := c.State(); s != StateConnected {
		return fmt.Errorf("bind from state %s", s)
	}
	if _, err := c.Request(ctx, "client bind client_id="+id.String()); err != nil {
		return err
	}
	c.mu.Lock()
	if c.state == StateConnected {
		c.state = StateBound
	}
	c.mu.Unlock()
	c.log.Info("bound", logging.F("client_id", id.String()))
	return nil
}

// SkipBind marks the channel operational without claiming an identity, for
// radios with no GUI client to inherit from.
func (c *Channel) SkipBind() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return fmt.Errorf("skip bind from state %s", c.state)
	}
	c.state = StateBound
	c.log.Info("operating unbound")
	return nil
}

// Close tears the channel down. Safe to call more than once; commands in
// flight fail with ErrConnectionLost.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		} else {
			c.markDone()
		}
	})
	return nil
}

func (c *Channel) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Channel) abandon(seq uint32) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

func (c *Channel) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	// client list replies can run long
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		c.handleLine(scanner.Text())
	}
	err := scanner.Err()
	if err == nil {
		err = ErrConnectionLost // clean EOF: radio hung up
	}
	c.fail(err)
}

// fail moves the channel to Closed, releases every waiter, and records the
// cause unless the shutdown was deliberate.
func (c *Channel) fail(err error) {
	c.mu.Lock()
	deliberate := c.state == StateClosed
	c.state = StateClosed
	if !deliberate {
		c.lastErr = err
	}
	waiters := c.pending
	c.pending = make(map[uint32]chan Reply)
	c.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	c.markDone()

	if deliberate {
		c.log.Debug("read loop finished")
	} else {
		c.log.Error("connection lost", logging.F("err", err))
	}
}

func (c *Channel) handleLine(line string) {
	reply, ev, err := ParseLine(line)
	if err != nil {
		c.log.Debug("ignoring unparseable line", logging.F("err", err))
		return
	}
	if reply != nil {
		c.dispatchReply(*reply)
		return
	}
	c.dispatchStatus(*ev)
}

func (c *Channel) dispatchReply(r Reply) {
	c.mu.Lock()
	ch, ok := c.pending[r.Sequence]
	if ok {
		delete(c.pending, r.Sequence)
	}
	logUnmapped := false
	if r.Status != 0 && !knownStatus(r.Status) {
		if _, seen := c.unmapped[r.Status]; !seen {
			c.unmapped[r.Status] = struct{}{}
			logUnmapped = true
		}
	}
	c.mu.Unlock()

	if r.Status != 0 {
		c.log.Warn("command rejected", logging.F("seq", r.Sequence), logging.F("status", StatusDetail(r.Status)))
		if logUnmapped {
			c.log.Warn("unmapped status code, add it to the table once confirmed",
				logging.F("status", fmt.Sprintf("0x%08X", r.Status)))
		}
	}
	if !ok {
		// late reply after a waiter timed out, or push we never asked for
		c.log.Debug("reply with no waiter", logging.F("seq", r.Sequence))
		return
	}
	ch <- r
}

func (c *Channel) dispatchStatus(ev StatusEvent) {
	switch ev.Tag {
	case TagVersion:
		c.log.Info("protocol version", logging.F("version", ev.Payload))
	case TagMessage:
		c.log.Info("radio message", logging.F("text", ev.Payload))
	}
	c.clients.Ingest(ev.Payload)
	c.tuning.Ingest(ev.Payload)

	c.mu.Lock()
	fns := append([]func(StatusEvent){}, c.statusFns...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
