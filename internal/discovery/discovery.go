// Package discovery locates radios on the local network. Radios announce
// themselves with periodic UDP broadcasts on the control port; the payload is
// delimited key=value text, usually wrapped in a VITA extension packet tagged
// with the vendor OUI and the discovery packet class. Radios running newer
// firmware additionally publish a DNS-SD service record, which Discover can
// merge in.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/k3wko/daxmon/internal/logging"
	"github.com/k3wko/daxmon/internal/vita"
)

// DefaultPort is the UDP port radios broadcast their announcements on.
const DefaultPort = 4992

// ErrDiscoveryTimeout reports that the collection window closed without a
// single radio announcing itself.
var ErrDiscoveryTimeout = errors.New("discovery timed out with no radios found")

// Record is one radio announcement. Identity is the serial number; all other
// fields are informational. Records are immutable once parsed.
type Record struct {
	Model    string
	Serial   string
	IP       string
	Port     int
	Version  string
	Nickname string
	Callsign string
	Status   string

	// GUI clients currently attached to the radio, from the announcement's
	// comma-separated lists. Used for automatic bind-target selection.
	GUIClientIDs     []string
	GUIClientHandles []string

	// Fields holds every key=value pair of the announcement, keys lowered.
	Fields map[string]string

	Source string // "broadcast" or "mdns"
	SeenAt time.Time
}

// Addr returns the radio's control endpoint as host:port.
func (r Record) Addr() string {
	return net.JoinHostPort(r.IP, strconv.Itoa(r.Port))
}

// ParseRecord parses delimited key=value announcement text. Fields are
// separated by semicolons or whitespace and keys are case-insensitive. A
// record needs a model and a serial; a missing ip falls back to the datagram
// source, a missing port to the well-known control port.
func ParseRecord(payload string, src net.Addr) (Record, error) {
	rec := Record{
		Port:   DefaultPort,
		Fields: make(map[string]string),
		SeenAt: time.Now(),
	}

	tokens := strings.FieldsFunc(payload, func(r rune) bool {
		return r == ';' || unicode.IsSpace(r)
	})
	for _, tok := range tokens {
		key, value, ok := strings.Cut(tok, "=")
		if !ok || key == "" {
			continue
		}
		key = strings.ToLower(key)
		rec.Fields[key] = value
		switch key {
		case "model":
			rec.Model = value
		case "serial":
			rec.Serial = value
		case "ip":
			rec.IP = value
		case "port":
			p, err := strconv.Atoi(value)
			if err != nil || p <= 0 || p > 65535 {
				return Record{}, fmt.Errorf("bad port %q in announcement", value)
			}
			rec.Port = p
		case "version":
			rec.Version = value
		case "nickname":
			rec.Nickname = value
		case "callsign":
			rec.Callsign = value
		case "status":
			rec.Status = value
		case "gui_client_ids":
			rec.GUIClientIDs = splitList(value)
		case "gui_client_handles":
			rec.GUIClientHandles = splitList(value)
		}
	}

	if rec.Model == "" || rec.Serial == "" {
		return Record{}, fmt.Errorf("announcement missing model/serial: %q", payload)
	}
	if rec.IP == "" {
		if host := hostOf(src); host != "" {
			rec.IP = host
		} else {
			return Record{}, fmt.Errorf("announcement for %s has no address", rec.Serial)
		}
	}
	return rec, nil
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if ua, ok := addr.(*net.UDPAddr); ok {
		return ua.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return ""
	}
	return host
}

// extractText pulls the announcement text out of a datagram. VITA-wrapped
// announcements must carry the vendor OUI and the discovery packet class;
// anything that does not parse as VITA is taken as bare text when it looks
// like key=value ASCII.
func extractText(datagram []byte) (string, bool) {
	if pkt, err := vita.Parse(datagram); err == nil {
		if pkt.Class == nil || pkt.Class.OUI != vita.OUIFlex || pkt.Class.PacketClass != vita.ClassDiscovery {
			return "", false
		}
		return strings.TrimRight(string(pkt.Payload), "\x00"), true
	}
	text := string(datagram)
	if !strings.Contains(text, "=") {
		return "", false
	}
	for _, r := range text {
		if r > unicode.MaxASCII || (!unicode.IsPrint(r) && !unicode.IsSpace(r)) {
			return "", false
		}
	}
	return text, true
}

// Listener receives announcement datagrams on the discovery port. A Listener
// runs at most once; Run returns when the context ends.
type Listener struct {
	conn    net.PacketConn
	log     logging.Logger
	started atomic.Bool
}

// Listen binds the discovery port with address reuse and broadcast enabled so
// it can share the port with other listeners on the host.
func Listen(port int, log logging.Logger) (*Listener, error) {
	if port == 0 {
		port = DefaultPort
	}
	if log == nil {
		log = logging.Default()
	}
	lc := udpListenConfig()
	conn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind discovery port %d: %w", port, err)
	}
	return &Listener{conn: conn, log: log.With(logging.F("component", "discovery"))}, nil
}

// Run reads announcements until ctx ends, delivering each parsed record on
// out. Malformed datagrams are dropped and logged at debug level. Run does not
// close out.
func (l *Listener) Run(ctx context.Context, out chan<- Record) error {
	if !l.started.CompareAndSwap(false, true) {
		return errors.New("discovery listener already consumed")
	}
	defer l.conn.Close()

	buf := make([]byte, 2048)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, src, err := l.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("discovery read: %w", err)
		}

		text, ok := extractText(buf[:n])
		if !ok {
			l.log.Debug("ignoring non-announcement datagram", logging.F("bytes", n), logging.F("src", src.String()))
			continue
		}
		rec, err := ParseRecord(text, src)
		if err != nil {
			l.log.Debug("skipping malformed announcement", logging.F("err", err))
			continue
		}
		rec.Source = "broadcast"
		select {
		case out <- rec:
		case <-ctx.Done():
			return nil
		}
	}
}

// Close releases the socket. Run will return shortly after.
func (l *Listener) Close() error {
	return l.conn.Close()
}

// Options configures a one-shot Discover call.
type Options struct {
	Port    int           // discovery port, default 4992
	Timeout time.Duration // collection window, default 5s
	MDNS    bool          // also browse DNS-SD
	Service string        // DNS-SD service, default "_flexradio._tcp"
	Logger  logging.Logger
}

// Discover listens for the configured window and returns every distinct radio
// heard, deduplicated by serial with the freshest announcement winning.
// Returns ErrDiscoveryTimeout when the window closes empty.
func Discover(ctx context.Context, opts Options) ([]Record, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}

	listener, err := Listen(opts.Port, log)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	records := make(chan Record, 16)
	errs := make(chan error, 2)
	go func() { errs <- listener.Run(ctx, records) }()
	if opts.MDNS {
		go func() { errs <- browseMDNS(ctx, opts.Service, records, log) }()
	} else {
		errs <- nil
	}

	bySerial := make(map[string]Record)
collect:
	for {
		select {
		case rec := <-records:
			bySerial[rec.Serial] = rec
		case <-ctx.Done():
			break collect
		}
	}
	listener.Close()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for drained := false; !drained; {
		select {
		case rec := <-records:
			bySerial[rec.Serial] = rec
		default:
			drained = true
		}
	}
	if len(bySerial) == 0 {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, ErrDiscoveryTimeout
	}

	out := make([]Record, 0, len(bySerial))
	for _, rec := range bySerial {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out, nil
}
