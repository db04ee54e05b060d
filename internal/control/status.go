package control

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

// GUIClient is one GUI instance attached to the radio, as reported in client
// status lines and `client list` replies. A bound channel inherits the
// panadapters and slices owned by its bind target.
type GUIClient struct {
	ID      string
	Handle  string
	Station string
	Program string
	Host    string
	IP      string
}

// ClientRegistry accumulates GUI clients observed on the channel.
type ClientRegistry struct {
	mu      sync.Mutex
	clients map[string]GUIClient
}

func newClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]GUIClient)}
}

// Ingest scans a status payload or one line of a `client list` reply for a
// client record. Non-GUI clients and records without a client id are ignored.
func (r *ClientRegistry) Ingest(payload string) {
	payload = strings.TrimSpace(payload)
	var record string
	switch {
	case strings.HasPrefix(payload, "client "):
		record = payload
	case strings.Contains(payload, " client "):
		_, rest, _ := strings.Cut(payload, " client ")
		record = "client " + strings.TrimSpace(rest)
	default:
		return
	}

	tokens := strings.Fields(record)
	if len(tokens) < 2 {
		return
	}
	c := GUIClient{Handle: tokens[1]}
	kv := make(map[string]string, len(tokens))
	for _, tok := range tokens[2:] {
		if key, value, ok := strings.Cut(tok, "="); ok {
			kv[key] = value
		}
	}
	c.ID = kv["client_id"]
	c.Station = kv["station"]
	c.Program = kv["program"]
	c.Host = kv["host"]
	c.IP = kv["ip"]

	isGUI := kv["gui"] == "1" || strings.HasPrefix(c.Program, "SmartSDR")
	if !isGUI || c.ID == "" {
		return
	}

	r.mu.Lock()
	r.clients[c.ID] = c
	r.mu.Unlock()
}

// IngestList feeds every line of a multi-line `client list` reply through
// Ingest and returns how many new clients appeared.
func (r *ClientRegistry) IngestList(payload string) int {
	before := len(r.Clients())
	for _, line := range strings.Split(payload, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			r.Ingest(line)
		}
	}
	delta := len(r.Clients()) - before
	if delta < 0 {
		return 0
	}
	return delta
}

// Clients returns the observed GUI clients ordered by station then id.
func (r *ClientRegistry) Clients() []GUIClient {
	r.mu.Lock()
	out := make([]GUIClient, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Station != out[j].Station {
			return out[i].Station < out[j].Station
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Tuning is the latest committed tuning view for the monitored stream. The
// pipeline labels spectral frames from this; a frequency change takes effect
// here only once the radio reports it back in a status line.
type Tuning struct {
	StreamID    uint32
	PanID       uint32
	SliceID     int // -1 while no slice is assigned
	CenterHz    float64
	BandwidthHz float64
	SampleRate  int
}

// PanInfo describes one panadapter observed in display status lines.
type PanInfo struct {
	ID          uint32
	CenterHz    float64
	BandwidthHz float64
	Antenna     string
	StreamID    string
}

// TuningTracker folds stream, slice, and panadapter status lines into a
// Tuning snapshot readable from any goroutine.
type TuningTracker struct {
	mu   sync.RWMutex
	t    Tuning
	pans map[uint32]*PanInfo
}

func newTuningTracker() *TuningTracker {
	return &TuningTracker{
		t:    Tuning{SliceID: -1},
		pans: make(map[uint32]*PanInfo),
	}
}

// Snapshot returns the current committed tuning.
func (tr *TuningTracker) Snapshot() Tuning {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return tr.t
}

// SetStreamID pins the tracker to one data stream; tuning fields from other
// streams' status lines are ignored afterwards.
func (tr *TuningTracker) SetStreamID(id uint32) {
	tr.mu.Lock()
	tr.t.StreamID = id
	tr.mu.Unlock()
}

// SetSampleRate records the negotiated stream sample rate.
func (tr *TuningTracker) SetSampleRate(rate int) {
	tr.mu.Lock()
	tr.t.SampleRate = rate
	tr.mu.Unlock()
}

// SetPanID pins the panadapter the session decided to use.
func (tr *TuningTracker) SetPanID(id uint32) {
	tr.mu.Lock()
	tr.t.PanID = id
	if p, ok := tr.pans[id]; ok {
		if p.CenterHz > 0 {
			tr.t.CenterHz = p.CenterHz
		}
		if p.BandwidthHz > 0 {
			tr.t.BandwidthHz = p.BandwidthHz
		}
	}
	tr.mu.Unlock()
}

// Pans lists panadapters seen so far, lowest id first.
func (tr *TuningTracker) Pans() []PanInfo {
	tr.mu.RLock()
	out := make([]PanInfo, 0, len(tr.pans))
	for _, p := range tr.pans {
		out = append(out, *p)
	}
	tr.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Ingest folds one status payload into the tracker.
func (tr *TuningTracker) Ingest(payload string) {
	fields := strings.Fields(payload)
	if len(fields) < 2 {
		return
	}
	switch {
	case fields[0] == "stream" && strings.Contains(payload, "dax_iq"):
		tr.ingestStream(payload, fields)
	case fields[0] == "slice":
		tr.ingestSlice(payload, fields)
	case fields[0] == "display" && fields[1] == "pan" && len(fields) >= 3:
		tr.ingestPan(payload, fields)
	}
}

func (tr *TuningTracker) ingestStream(payload string, fields []string) {
	id, err := strconv.ParseUint(strings.TrimPrefix(fields[1], "0x"), 16, 32)
	if err != nil {
		return
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.t.StreamID != 0 && uint32(id) != tr.t.StreamID {
		return
	}
	if s, ok := extractKey(payload, "slice"); ok {
		if v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 32); err == nil {
			tr.t.SliceID = int(v)
		}
	}
	if s, ok := extractKey(payload, "pan"); ok {
		if v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 32); err == nil && v != 0 {
			tr.t.PanID = uint32(v)
		}
	}
}

func (tr *TuningTracker) ingestSlice(payload string, fields []string) {
	n, err := strconv.Atoi(fields[1])
	if err != nil {
		return
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	// slice 0 in stream status means "no slice assigned"
	if n == 0 || n != tr.t.SliceID {
		return
	}
	if s, ok := extractKey(payload, "RF_frequency"); ok {
		if hz, ok := parseFreqHz(s); ok {
			tr.t.CenterHz = hz
		}
	}
}

func (tr *TuningTracker) ingestPan(payload string, fields []string) {
	id64, err := strconv.ParseUint(strings.TrimPrefix(fields[2], "0x"), 16, 32)
	if err != nil || id64 == 0 {
		return
	}
	id := uint32(id64)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	p := tr.pans[id]
	if p == nil {
		p = &PanInfo{ID: id}
		tr.pans[id] = p
	}
	if s, ok := extractKey(payload, "center"); ok {
		if hz, ok := parseFreqHz(s); ok {
			p.CenterHz = hz
		}
	}
	if s, ok := extractKey(payload, "bandwidth"); ok {
		if hz, ok := parseBandwidthHz(s); ok {
			p.BandwidthHz = hz
		}
	}
	if s, ok := extractKey(payload, "ant"); ok {
		p.Antenna = s
	} else if s, ok := extractKey(payload, "rxant"); ok {
		p.Antenna = s
	}
	if s, ok := extractKey(payload, "stream_id"); ok {
		p.StreamID = s
	}

	if tr.t.PanID == 0 {
		tr.t.PanID = id
	}
	// slice tuning wins over pan center when a slice is assigned
	if id == tr.t.PanID {
		if tr.t.SliceID <= 0 && p.CenterHz > 0 {
			tr.t.CenterHz = p.CenterHz
		}
		if p.BandwidthHz > 0 {
			tr.t.BandwidthHz = p.BandwidthHz
		}
	}
}
