// Package session orchestrates one monitoring session: find the radio, claim
// a control channel, negotiate a DAX I/Q stream, and keep the receive and
// analysis goroutines running until stopped.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	version "github.com/hashicorp/go-version"

	"github.com/k3wko/daxmon/internal/control"
	"github.com/k3wko/daxmon/internal/discovery"
	"github.com/k3wko/daxmon/internal/logging"
	"github.com/k3wko/daxmon/internal/pipeline"
	"github.com/k3wko/daxmon/internal/stream"
	"github.com/k3wko/daxmon/internal/telemetry"
	"github.com/k3wko/daxmon/internal/vita"
)

const (
	DefaultDiscoveryWait  = 5 * time.Second
	DefaultDiscoveryTries = 3

	// DefaultStatusWait bounds how long negotiation waits for the status
	// burst after a subscription before moving on without it.
	DefaultStatusWait = 250 * time.Millisecond

	stopTimeout = 2 * time.Second
)

// Options configures a session. Zero values fall back to defaults.
type Options struct {
	// Radio selection. A non-empty Address skips discovery entirely; a
	// Serial narrows discovery to one radio.
	Address        string
	Serial         string
	DiscoveryPort  int
	DiscoveryWait  time.Duration
	DiscoveryTries int
	MDNS           bool
	MinVersion     string // reject radios announcing older firmware

	// Identity. An explicit BindClientID must bind or Start fails. Left
	// empty, the first observed GUI client is used, falling back to
	// unbound operation. SkipBind never binds.
	BindClientID string
	SkipBind     bool

	// Stream negotiation.
	Channel    int
	SampleRate int
	CenterHz   float64 // 0 leaves tuning to the GUI
	Format     vita.SampleFormat
	QueueDepth int

	// Analysis settings handed to the pipeline. Sample rate and format
	// are overwritten with the session's own.
	Analysis pipeline.Config

	StatusWait     time.Duration
	CommandTimeout time.Duration

	Logger logging.Logger
	Store  *telemetry.Store
}

func (o Options) normalize() (Options, error) {
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
	if o.Store == nil {
		o.Store = telemetry.NewStore(telemetry.StoreConfig{})
	}
	if o.Channel <= 0 {
		o.Channel = 1
	}
	if o.SampleRate == 0 {
		o.SampleRate = 96000
	}
	switch o.SampleRate {
	case 24000, 48000, 96000, 192000:
	default:
		return o, fmt.Errorf("unsupported sample rate %d", o.SampleRate)
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = stream.DefaultQueueDepth
	}
	if o.DiscoveryPort == 0 {
		o.DiscoveryPort = discovery.DefaultPort
	}
	if o.DiscoveryWait <= 0 {
		o.DiscoveryWait = DefaultDiscoveryWait
	}
	if o.DiscoveryTries <= 0 {
		o.DiscoveryTries = DefaultDiscoveryTries
	}
	if o.StatusWait <= 0 {
		o.StatusWait = DefaultStatusWait
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = control.DefaultCommandTimeout
	}
	if o.Address != "" {
		if _, _, err := net.SplitHostPort(o.Address); err != nil {
			o.Address = net.JoinHostPort(o.Address, strconv.Itoa(discovery.DefaultPort))
		}
	}
	if o.BindClientID != "" {
		if _, err := uuid.Parse(o.BindClientID); err != nil {
			return o, fmt.Errorf("bind client id %q: %w", o.BindClientID, err)
		}
	}
	if o.MinVersion != "" {
		if _, err := version.NewVersion(o.MinVersion); err != nil {
			return o, fmt.Errorf("minimum version %q: %w", o.MinVersion, err)
		}
	}
	o.Analysis.SampleRate = o.SampleRate
	o.Analysis.Format = o.Format
	return o, nil
}

// Session is one live monitoring run against one radio.
type Session struct {
	opts  Options
	log   logging.Logger
	store *telemetry.Store

	ctrl     *control.Channel
	queue    *stream.Queue
	receiver *stream.Receiver
	pipe     *pipeline.Pipeline

	radio       discovery.Record // zero when a direct address was given
	addr        string
	boundClient string
	streamID    uint32

	runStop  context.CancelFunc
	wg       sync.WaitGroup
	stopping atomic.Bool
	stopOnce sync.Once
}

// Start brings a session all the way up. On any failure everything already
// opened is torn down again and the error is returned; the store is left in
// the error state with the reason.
func Start(ctx context.Context, opts Options) (*Session, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	s := &Session{
		opts:  opts,
		log:   opts.Logger,
		store: opts.Store,
	}
	s.setStatus(telemetry.StateStarting, "")
	if err := s.start(ctx); err != nil {
		s.abort(err)
		return nil, err
	}
	return s, nil
}

func (s *Session) start(ctx context.Context) error {
	pipe, err := pipeline.New(s.opts.Analysis, s.store, s.liveTuning, s.log)
	if err != nil {
		return err
	}
	s.pipe = pipe

	addr := s.opts.Address
	if addr == "" {
		rec, err := s.selectRadio(ctx)
		if err != nil {
			return fmt.Errorf("discover radio: %w", err)
		}
		s.radio = rec
		addr = rec.Addr()
		s.log.Info("radio selected",
			logging.F("model", rec.Model),
			logging.F("serial", rec.Serial),
			logging.F("addr", addr))
	}
	s.addr = addr

	ctrl := control.New(addr, s.log)
	ctrl.Timeout = s.opts.CommandTimeout
	if err := ctrl.Connect(ctx); err != nil {
		return err
	}
	s.ctrl = ctrl

	if err := s.negotiate(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.runStop = cancel

	desc := stream.Descriptor{
		StreamID:   s.streamID,
		Channel:    s.opts.Channel,
		SampleRate: s.opts.SampleRate,
		Format:     s.opts.Format,
	}
	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		if err := s.receiver.Run(runCtx, desc); err != nil {
			s.log.Error("receiver stopped", logging.F("err", err))
		}
	}()
	go func() {
		defer s.wg.Done()
		if err := s.pipe.Run(runCtx, s.queue.C()); err != nil {
			s.log.Error("pipeline stopped", logging.F("err", err))
		}
	}()
	go s.watch(runCtx)

	s.setStatus(telemetry.StateRunning, "")
	s.log.Info("session running",
		logging.F("stream_id", fmt.Sprintf("0x%08x", s.streamID)),
		logging.F("channel", s.opts.Channel),
		logging.F("rate", s.opts.SampleRate))
	return nil
}

// negotiate walks the radio through the DAX I/Q setup. The receiver binds
// its socket before the stream is created so the create command can carry
// the real port.
func (s *Session) negotiate(ctx context.Context) error {
	s.subscribe(ctx, "sub client all", "sub client")
	if reply, err := s.request(ctx, "client list"); err == nil {
		n := s.ctrl.Clients().IngestList(reply.Payload)
		s.log.Debug("client list", logging.F("parsed", n))
	}

	if err := s.bind(ctx); err != nil {
		return err
	}

	s.subscribe(ctx, "sub pan all", "sub pan")
	s.awaitStatus(ctx, func() bool { return len(s.ctrl.Tuning().Pans()) > 0 })
	if pans := s.ctrl.Tuning().Pans(); len(pans) > 0 {
		s.ctrl.Tuning().SetPanID(pans[0].ID)
		s.tryCommand(ctx, fmt.Sprintf("dax iq set %d pan=0x%08x", s.opts.Channel, pans[0].ID))
	}

	s.queue = stream.NewQueue(s.opts.QueueDepth, s.store.Counters())
	recv, err := stream.Open(ctx, s.queue, s.store.Counters(), s.log)
	if err != nil {
		return fmt.Errorf("open receiver: %w", err)
	}
	s.receiver = recv

	create := fmt.Sprintf("stream create daxiq=%d ip=%s port=%d",
		s.opts.Channel, s.ctrl.LocalIP(), recv.LocalPort())
	reply, err := s.request(ctx, create)
	if err != nil {
		return fmt.Errorf("create daxiq stream: %w", err)
	}
	id, err := parseStreamID(reply.Payload)
	if err != nil {
		return err
	}
	s.streamID = id
	s.ctrl.Tuning().SetStreamID(id)
	s.ctrl.Tuning().SetSampleRate(s.opts.SampleRate)
	s.log.Info("daxiq stream created",
		logging.F("stream_id", fmt.Sprintf("0x%08x", id)),
		logging.F("port", recv.LocalPort()))

	if pan := s.ctrl.Tuning().Snapshot().PanID; pan != 0 {
		s.tryCommand(ctx, fmt.Sprintf("sub pan 0x%08x", pan))
	}
	s.tryCommand(ctx, fmt.Sprintf("dax iq set %d rate=%d", s.opts.Channel, s.opts.SampleRate))

	if s.opts.CenterHz > 0 {
		s.awaitStatus(ctx, func() bool { return s.ctrl.Tuning().Snapshot().SliceID >= 0 })
		if slice := s.ctrl.Tuning().Snapshot().SliceID; slice > 0 {
			s.tryCommand(ctx, fmt.Sprintf("slice set %d RF_frequency=%d", slice, int64(s.opts.CenterHz)))
		} else {
			s.log.Info("no slice assigned, center frequency follows the gui")
		}
	}
	return nil
}

// bind claims a GUI client identity so this channel inherits its panadapters
// and slices. Auto-selection failures degrade to unbound operation; an
// explicit target that fails is fatal.
func (s *Session) bind(ctx context.Context) error {
	if s.opts.SkipBind {
		return s.ctrl.SkipBind()
	}
	id := s.opts.BindClientID
	if id == "" {
		s.awaitStatus(ctx, func() bool {
			return len(s.ctrl.Clients().Clients()) > 0 || len(s.radio.GUIClientIDs) > 0
		})
		if clients := s.ctrl.Clients().Clients(); len(clients) > 0 {
			id = clients[0].ID
		} else if len(s.radio.GUIClientIDs) > 0 {
			id = s.radio.GUIClientIDs[0]
		}
	}
	if id == "" {
		s.log.Info("no gui client to bind, operating unbound")
		return s.ctrl.SkipBind()
	}
	if err := s.ctrl.Bind(ctx, id); err != nil {
		var rej *control.RejectedError
		if errors.As(err, &rej) {
			s.store.Counters().CommandsRejected.Add(1)
		}
		if s.opts.BindClientID != "" {
			return fmt.Errorf("bind %s: %w", id, err)
		}
		s.log.Warn("bind rejected, operating unbound",
			logging.F("client_id", id), logging.F("err", err))
		return s.ctrl.SkipBind()
	}
	s.boundClient = id
	return nil
}

// selectRadio retries discovery with exponential backoff until a usable
// radio announces itself. A firmware below MinVersion is a permanent
// failure; an empty network is retried.
func (s *Session) selectRadio(ctx context.Context) (discovery.Record, error) {
	var rec discovery.Record
	attempt := 0
	op := func() error {
		attempt++
		records, err := discovery.Discover(ctx, discovery.Options{
			Port:    s.opts.DiscoveryPort,
			Timeout: s.opts.DiscoveryWait,
			MDNS:    s.opts.MDNS,
			Logger:  s.log,
		})
		if err != nil {
			s.log.Warn("discovery attempt failed",
				logging.F("attempt", attempt), logging.F("err", err))
			return err
		}
		chosen, ok := pick(records, s.opts.Serial)
		if !ok {
			return fmt.Errorf("radio %q not announced", s.opts.Serial)
		}
		if err := s.versionGate(chosen); err != nil {
			return backoff.Permanent(err)
		}
		rec = chosen
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = 0
	wrapped := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.opts.DiscoveryTries-1)), ctx)
	if err := backoff.Retry(op, wrapped); err != nil {
		return discovery.Record{}, err
	}
	return rec, nil
}

func pick(records []discovery.Record, serial string) (discovery.Record, bool) {
	if serial == "" {
		if len(records) == 0 {
			return discovery.Record{}, false
		}
		return records[0], true
	}
	for _, rec := range records {
		if rec.Serial == serial {
			return rec, true
		}
	}
	return discovery.Record{}, false
}

func (s *Session) versionGate(rec discovery.Record) error {
	if s.opts.MinVersion == "" || rec.Version == "" {
		return nil
	}
	want, err := version.NewVersion(s.opts.MinVersion)
	if err != nil {
		return err
	}
	have, err := version.NewVersion(rec.Version)
	if err != nil {
		s.log.Warn("unparseable firmware version", logging.F("version", rec.Version))
		return nil
	}
	if have.LessThan(want) {
		return fmt.Errorf("radio %s firmware %s is older than required %s",
			rec.Serial, rec.Version, s.opts.MinVersion)
	}
	return nil
}

// watch turns a lost control channel into the error state. A deliberate
// Stop closes the same channel, so shutdown is ignored here.
func (s *Session) watch(runCtx context.Context) {
	defer s.wg.Done()
	select {
	case <-s.ctrl.Done():
		if s.stopping.Load() {
			return
		}
		err := s.ctrl.Err()
		if err == nil {
			err = control.ErrConnectionLost
		}
		s.log.Error("control channel lost", logging.F("err", err))
		s.setStatus(telemetry.StateError, err.Error())
		s.runStop()
	case <-runCtx.Done():
	}
}

// Stop tears the session down: analysis and receive goroutines first, then a
// best-effort stream remove, then the control channel. Safe to call more
// than once; later calls are no-ops.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		s.runStop()

		if s.streamID != 0 {
			ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			if _, err := s.ctrl.Request(ctx, fmt.Sprintf("stream remove 0x%08x", s.streamID)); err != nil {
				s.log.Warn("stream remove failed", logging.F("err", err))
			}
			cancel()
		}
		s.ctrl.Close()
		s.wg.Wait()
		s.receiver.Close()
		s.queue.Close()

		if s.store.Status().State != telemetry.StateError {
			s.setStatus(telemetry.StateStopped, "")
		}
		s.log.Info("session stopped")
	})
}

// abort unwinds a partial start.
func (s *Session) abort(cause error) {
	if s.runStop != nil {
		s.runStop()
	}
	if s.ctrl != nil {
		s.ctrl.Close()
	}
	s.wg.Wait()
	if s.receiver != nil {
		s.receiver.Close()
	}
	if s.queue != nil {
		s.queue.Close()
	}
	s.setStatus(telemetry.StateError, cause.Error())
}

// Status returns the current session status.
func (s *Session) Status() telemetry.Status { return s.store.Status() }

// Output exposes the telemetry store frames and counters flow into.
func (s *Session) Output() *telemetry.Store { return s.store }

// StreamID returns the negotiated DAX I/Q stream id.
func (s *Session) StreamID() uint32 { return s.streamID }

// Radio returns the discovery record of the selected radio. Zero when the
// session was pointed at an address directly.
func (s *Session) Radio() discovery.Record { return s.radio }

// Done is closed once the control channel terminates, by Stop or by loss.
func (s *Session) Done() <-chan struct{} { return s.ctrl.Done() }

// liveTuning labels spectral frames. Status-reported tuning wins over the
// requested configuration once the radio confirms it.
func (s *Session) liveTuning() pipeline.Tuning {
	t := pipeline.Tuning{CenterHz: s.opts.CenterHz, SampleRate: s.opts.SampleRate}
	if s.ctrl == nil {
		return t
	}
	tun := s.ctrl.Tuning().Snapshot()
	if tun.CenterHz > 0 {
		t.CenterHz = tun.CenterHz
	}
	if tun.SampleRate > 0 {
		t.SampleRate = tun.SampleRate
	}
	return t
}

func (s *Session) setStatus(state telemetry.SessionState, errText string) {
	st := telemetry.Status{
		State:       state,
		Radio:       s.radio.Model,
		RadioAddr:   s.addr,
		Channel:     s.opts.Channel,
		CenterHz:    s.opts.CenterHz,
		SampleRate:  s.opts.SampleRate,
		BoundClient: s.boundClient,
		Error:       errText,
		Since:       time.Now(),
	}
	if s.streamID != 0 {
		st.StreamID = fmt.Sprintf("0x%08x", s.streamID)
	}
	s.store.SetStatus(st)
}

// request issues one command, counting rejections.
func (s *Session) request(ctx context.Context, command string) (control.Reply, error) {
	reply, err := s.ctrl.Request(ctx, command)
	if err != nil {
		var rej *control.RejectedError
		if errors.As(err, &rej) {
			s.store.Counters().CommandsRejected.Add(1)
		}
	}
	return reply, err
}

// tryCommand issues a command whose rejection the session tolerates.
func (s *Session) tryCommand(ctx context.Context, command string) {
	if _, err := s.request(ctx, command); err != nil {
		s.log.Warn("command not accepted",
			logging.F("command", command), logging.F("err", err))
	}
}

// subscribe tries each subscription form in turn until the radio accepts
// one. Older firmware only knows the short forms.
func (s *Session) subscribe(ctx context.Context, commands ...string) {
	for _, command := range commands {
		if _, err := s.request(ctx, command); err == nil {
			s.log.Debug("subscribed", logging.F("command", command))
			return
		}
	}
	s.log.Warn("subscription not accepted", logging.F("command", commands[0]))
}

// awaitStatus polls for a condition fed by the status read goroutine, giving
// up after the configured status wait.
func (s *Session) awaitStatus(ctx context.Context, cond func() bool) {
	deadline := time.Now().Add(s.opts.StatusWait)
	for !cond() && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// parseStreamID reads a stream create reply payload. Radios answer with a
// bare hex id, with or without a 0x prefix.
func parseStreamID(payload string) (uint32, error) {
	text := strings.TrimSpace(payload)
	text = strings.TrimPrefix(text, "0x")
	text = strings.TrimPrefix(text, "0X")
	if text == "" {
		return 0, errors.New("stream create reply carried no stream id")
	}
	id, err := strconv.ParseUint(text, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("stream id %q: %w", payload, err)
	}
	if id == 0 {
		return 0, errors.New("stream id 0 is not usable")
	}
	return uint32(id), nil
}
