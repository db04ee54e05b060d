package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/k3wko/daxmon/internal/logging"
	"github.com/k3wko/daxmon/internal/pipeline"
	"github.com/k3wko/daxmon/internal/telemetry"
	"github.com/k3wko/daxmon/internal/vita"
)

const testClientID = "0f27b559-1a96-4d74-a46b-43b6517b3091"

func testLogger() logging.Logger {
	return logging.New(logging.Debug, logging.Text, io.Discard)
}

func testOptions(addr string, store *telemetry.Store) Options {
	return Options{
		Address:        addr,
		SampleRate:     96000,
		CenterHz:       14.1e6,
		StatusWait:     50 * time.Millisecond,
		CommandTimeout: 2 * time.Second,
		Analysis: pipeline.Config{
			FFTSize: 64,
			Overlap: 0.5,
		},
		Logger: testLogger(),
		Store:  store,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// scriptedRadio is a loopback stand-in for a radio's control endpoint. The
// handler maps each received command to the lines written back, status
// pushes included.
type scriptedRadio struct {
	t  *testing.T
	ln net.Listener

	mu       sync.Mutex
	conn     net.Conn
	commands []string
	iqPort   int

	handler func(seq uint32, cmd string) []string
}

func newScriptedRadio(t *testing.T, handler func(seq uint32, cmd string) []string) *scriptedRadio {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	r := &scriptedRadio{t: t, ln: ln, handler: handler}
	go r.serve()
	t.Cleanup(r.Close)
	return r
}

func (r *scriptedRadio) Addr() string { return r.ln.Addr().String() }

func (r *scriptedRadio) serve() {
	conn, err := r.ln.Accept()
	if err != nil {
		return
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		seqText, cmd, ok := strings.Cut(scanner.Text(), "|")
		if !ok {
			continue
		}
		seq64, err := strconv.ParseUint(seqText, 10, 32)
		if err != nil {
			continue
		}
		r.mu.Lock()
		r.commands = append(r.commands, cmd)
		r.mu.Unlock()
		for _, out := range r.handler(uint32(seq64), cmd) {
			fmt.Fprintf(conn, "%s\n", out)
		}
	}
}

func (r *scriptedRadio) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

func (r *scriptedRadio) IQPort() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.iqPort
}

func (r *scriptedRadio) DropConn() {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (r *scriptedRadio) Close() {
	r.ln.Close()
	r.DropConn()
}

// happyRadio scripts a full negotiation: one GUI client, one panadapter,
// a slice assigned to the stream, and a clean teardown.
func happyRadio(t *testing.T) *scriptedRadio {
	var r *scriptedRadio
	r = newScriptedRadio(t, func(seq uint32, cmd string) []string {
		ok := fmt.Sprintf("%d|0|", seq)
		switch {
		case cmd == "sub client all":
			return []string{
				"S1DE0|client 0x1DE0 connected client_id=" + testClientID + " program=SmartSDR-Win station=Shack gui=1",
				ok,
			}
		case cmd == "client list":
			return []string{fmt.Sprintf("%d|0|client 0x1DE0 connected client_id=%s program=SmartSDR-Win station=Shack gui=1", seq, testClientID)}
		case cmd == "sub pan all":
			return []string{
				"S1DE0|display pan 0x40000000 center=14.100000 bandwidth=0.200000 ant=ANT1",
				ok,
			}
		case strings.HasPrefix(cmd, "stream create daxiq="):
			port := 0
			for _, tok := range strings.Fields(cmd) {
				if v, found := strings.CutPrefix(tok, "port="); found {
					port, _ = strconv.Atoi(v)
				}
			}
			r.mu.Lock()
			r.iqPort = port
			r.mu.Unlock()
			return []string{
				fmt.Sprintf("%d|0|40000010", seq),
				"S1DE0|stream 0x40000010 type=dax_iq daxiq_channel=1 pan=0x40000000 slice=1",
			}
		default:
			return []string{ok}
		}
	})
	return r
}

func iqDatagram(streamID uint32, seq uint8) []byte {
	samples := make([]complex64, 32)
	for i := range samples {
		samples[i] = complex(0.25, -0.25)
	}
	return vita.Marshal(&vita.Packet{
		Type:     vita.TypeIFDataStream,
		StreamID: streamID,
		Sequence: seq,
		Payload:  vita.EncodeSamples(samples, vita.FormatInt16),
	})
}

func hasCommand(cmds []string, want string) bool {
	for _, cmd := range cmds {
		if cmd == want {
			return true
		}
	}
	return false
}

func TestStartNegotiatesAndStreams(t *testing.T) {
	radio := happyRadio(t)
	store := telemetry.NewStore(telemetry.StoreConfig{})
	sess, err := Start(context.Background(), testOptions(radio.Addr(), store))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sess.Stop()

	if got := sess.StreamID(); got != 0x40000010 {
		t.Fatalf("stream id = 0x%08x, want 0x40000010", got)
	}
	st := sess.Status()
	if st.State != telemetry.StateRunning {
		t.Fatalf("state = %s, want %s", st.State, telemetry.StateRunning)
	}
	if st.BoundClient != testClientID {
		t.Fatalf("bound client = %q, want %q", st.BoundClient, testClientID)
	}
	if st.StreamID != "0x40000010" {
		t.Fatalf("status stream id = %q", st.StreamID)
	}

	cmds := radio.Commands()
	for _, want := range []string{
		"sub client all",
		"client list",
		"client bind client_id=" + testClientID,
		"sub pan all",
		"dax iq set 1 pan=0x40000000",
		"sub pan 0x40000000",
		"dax iq set 1 rate=96000",
		"slice set 1 RF_frequency=14100000",
	} {
		if !hasCommand(cmds, want) {
			t.Fatalf("command log missing %q, got %v", want, cmds)
		}
	}

	var create string
	for _, cmd := range cmds {
		if strings.HasPrefix(cmd, "stream create daxiq=1 ") {
			create = cmd
		}
	}
	if create == "" {
		t.Fatalf("no stream create in command log: %v", cmds)
	}
	if !strings.Contains(create, "ip=127.0.0.1") ||
		!strings.Contains(create, fmt.Sprintf("port=%d", radio.IQPort())) {
		t.Fatalf("stream create carries wrong endpoint: %q", create)
	}

	// bind must precede the stream create
	bindIdx, createIdx := -1, -1
	for i, cmd := range cmds {
		if strings.HasPrefix(cmd, "client bind ") {
			bindIdx = i
		}
		if strings.HasPrefix(cmd, "stream create ") {
			createIdx = i
		}
	}
	if bindIdx < 0 || createIdx < 0 || bindIdx > createIdx {
		t.Fatalf("bind at %d, create at %d", bindIdx, createIdx)
	}

	// feed I/Q into the negotiated port until spectra appear
	conn, err := net.Dial("udp4", fmt.Sprintf("127.0.0.1:%d", radio.IQPort()))
	if err != nil {
		t.Fatalf("dial iq: %v", err)
	}
	defer conn.Close()
	for seq := 0; seq < 8; seq++ {
		if _, err := conn.Write(iqDatagram(0x40000010, uint8(seq))); err != nil {
			t.Fatalf("send iq: %v", err)
		}
	}
	waitFor(t, "spectral frames", func() bool { return len(store.Spectrogram()) > 0 })

	counters := store.Counters().Snapshot()
	if counters.PacketsReceived == 0 || counters.FramesProduced == 0 {
		t.Fatalf("counters after streaming: %+v", counters)
	}
	frame := store.Spectrogram()[0]
	if frame.CenterHz != 14.1e6 || frame.SampleRate != 96000 {
		t.Fatalf("frame labels: center=%v rate=%d", frame.CenterHz, frame.SampleRate)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	radio := happyRadio(t)
	store := telemetry.NewStore(telemetry.StoreConfig{})
	sess, err := Start(context.Background(), testOptions(radio.Addr(), store))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	sess.Stop()
	sess.Stop()

	var removes []string
	for _, cmd := range radio.Commands() {
		if strings.HasPrefix(cmd, "stream remove ") {
			removes = append(removes, cmd)
		}
	}
	if len(removes) != 1 || removes[0] != "stream remove 0x40000010" {
		t.Fatalf("expected one stream remove for 0x40000010, got %v", removes)
	}
	if got := sess.Status().State; got != telemetry.StateStopped {
		t.Fatalf("state after stop = %s, want %s", got, telemetry.StateStopped)
	}
}

func TestExplicitBindFailureIsFatal(t *testing.T) {
	radio := newScriptedRadio(t, func(seq uint32, cmd string) []string {
		if strings.HasPrefix(cmd, "client bind ") {
			return []string{fmt.Sprintf("%d|50000016|", seq)}
		}
		return []string{fmt.Sprintf("%d|0|", seq)}
	})
	store := telemetry.NewStore(telemetry.StoreConfig{})
	opts := testOptions(radio.Addr(), store)
	opts.BindClientID = testClientID

	if _, err := Start(context.Background(), opts); err == nil {
		t.Fatal("expected explicit bind failure to abort the session")
	}
	if got := store.Status().State; got != telemetry.StateError {
		t.Fatalf("state = %s, want %s", got, telemetry.StateError)
	}
	if store.Counters().Snapshot().CommandsRejected == 0 {
		t.Fatal("rejection was not counted")
	}
}

func TestAutoBindFallsBackToUnbound(t *testing.T) {
	// a radio with no GUI clients and no panadapters
	radio := newScriptedRadio(t, func(seq uint32, cmd string) []string {
		if strings.HasPrefix(cmd, "stream create daxiq=") {
			return []string{fmt.Sprintf("%d|0|0x40000020", seq)}
		}
		return []string{fmt.Sprintf("%d|0|", seq)}
	})
	store := telemetry.NewStore(telemetry.StoreConfig{})
	opts := testOptions(radio.Addr(), store)
	opts.CenterHz = 0 // nothing to tune without a slice

	sess, err := Start(context.Background(), opts)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sess.Stop()

	if got := sess.StreamID(); got != 0x40000020 {
		t.Fatalf("stream id = 0x%08x, want 0x40000020", got)
	}
	if st := sess.Status(); st.BoundClient != "" {
		t.Fatalf("expected unbound session, got %q", st.BoundClient)
	}
	for _, cmd := range radio.Commands() {
		if strings.HasPrefix(cmd, "client bind ") {
			t.Fatalf("unexpected bind attempt: %q", cmd)
		}
	}
}

func TestStartFailsWhenStreamRefused(t *testing.T) {
	radio := newScriptedRadio(t, func(seq uint32, cmd string) []string {
		if strings.HasPrefix(cmd, "stream create ") {
			return []string{fmt.Sprintf("%d|50000016|", seq)}
		}
		return []string{fmt.Sprintf("%d|0|", seq)}
	})
	store := telemetry.NewStore(telemetry.StoreConfig{})

	_, err := Start(context.Background(), testOptions(radio.Addr(), store))
	if err == nil {
		t.Fatal("expected stream create rejection to abort the session")
	}
	if !strings.Contains(err.Error(), "create daxiq stream") {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := store.Status().State; got != telemetry.StateError {
		t.Fatalf("state = %s, want %s", got, telemetry.StateError)
	}
}

func TestControlLossMarksError(t *testing.T) {
	radio := happyRadio(t)
	store := telemetry.NewStore(telemetry.StoreConfig{})
	sess, err := Start(context.Background(), testOptions(radio.Addr(), store))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	radio.DropConn()
	waitFor(t, "error state", func() bool {
		return sess.Status().State == telemetry.StateError
	})

	// a stop after the loss keeps the error state and its reason
	sess.Stop()
	st := sess.Status()
	if st.State != telemetry.StateError || st.Error == "" {
		t.Fatalf("status after stop: %+v", st)
	}
}

func TestOptionsValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Options)
	}{
		{"sample rate", func(o *Options) { o.SampleRate = 44100 }},
		{"bind client id", func(o *Options) { o.BindClientID = "not-a-uuid" }},
		{"minimum version", func(o *Options) { o.MinVersion = "not!a!version" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := testOptions("127.0.0.1:4992", nil)
			tc.mutate(&opts)
			if _, err := Start(context.Background(), opts); err == nil {
				t.Fatal("expected options to be rejected")
			}
		})
	}
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe port: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

// announce repeats a discovery payload at the given port until stop closes.
func announce(t *testing.T, port int, payload string) (stop func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		sender, err := net.Dial("udp4", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			return
		}
		defer sender.Close()
		for {
			_, _ = sender.Write([]byte(payload))
			select {
			case <-done:
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func TestDiscoveryFindsAndConnects(t *testing.T) {
	radio := happyRadio(t)
	host, portText, err := net.SplitHostPort(radio.Addr())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port := freeUDPPort(t)
	payload := fmt.Sprintf("model=FLEX-6600 serial=0621-1104-6601-1244 ip=%s port=%s version=3.3.32", host, portText)
	stop := announce(t, port, payload)
	defer stop()

	store := telemetry.NewStore(telemetry.StoreConfig{})
	opts := testOptions("", store)
	opts.DiscoveryPort = port
	opts.DiscoveryWait = 400 * time.Millisecond
	opts.DiscoveryTries = 1
	opts.Serial = "0621-1104-6601-1244"
	opts.MinVersion = "3.0.0"

	sess, err := Start(context.Background(), opts)
	if err != nil {
		t.Fatalf("start via discovery: %v", err)
	}
	defer sess.Stop()

	if rec := sess.Radio(); rec.Model != "FLEX-6600" || rec.Serial != "0621-1104-6601-1244" {
		t.Fatalf("selected radio: %+v", rec)
	}
	if st := sess.Status(); st.State != telemetry.StateRunning || st.Radio != "FLEX-6600" {
		t.Fatalf("status: %+v", st)
	}
}

func TestDiscoveryVersionGate(t *testing.T) {
	port := freeUDPPort(t)
	stop := announce(t, port, "model=FLEX-6400 serial=0621-1104 ip=127.0.0.1 port=4992 version=2.4.9")
	defer stop()

	store := telemetry.NewStore(telemetry.StoreConfig{})
	opts := testOptions("", store)
	opts.DiscoveryPort = port
	opts.DiscoveryWait = 400 * time.Millisecond
	opts.DiscoveryTries = 1
	opts.MinVersion = "3.0.0"

	_, err := Start(context.Background(), opts)
	if err == nil {
		t.Fatal("expected the version gate to reject the radio")
	}
	if !strings.Contains(err.Error(), "older than required") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseStreamID(t *testing.T) {
	cases := []struct {
		payload string
		want    uint32
		ok      bool
	}{
		{"40000010", 0x40000010, true},
		{"0x40000010", 0x40000010, true},
		{"  2000002A \n", 0x2000002A, true},
		{"", 0, false},
		{"0", 0, false},
		{"zz", 0, false},
	}
	for _, tc := range cases {
		got, err := parseStreamID(tc.payload)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("parseStreamID(%q) = %v, %v; want 0x%08x", tc.payload, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Fatalf("parseStreamID(%q) accepted bad input", tc.payload)
		}
	}
}
