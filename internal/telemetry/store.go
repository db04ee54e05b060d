// Package telemetry holds the shared output state of a capture session:
// spectrogram history, noise-floor profile, energy trace, counters and
// session status. A single writer (the processing pipeline) publishes into
// the store; any number of readers take snapshots or subscribe to the live
// frame feed.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"
)

// SpectralFrame is one processed FFT window: DC-centered bin powers in dB
// full scale, labeled with the tuning that was current when the window
// closed.
type SpectralFrame struct {
	Timestamp    time.Time `json:"timestamp"`
	Sequence     uint64    `json:"sequence"`
	CenterHz     float64   `json:"centerHz"`
	SampleRate   int       `json:"sampleRate"`
	BinHz        float64   `json:"binHz"`
	Bins         []float64 `json:"bins"`
	NoiseFloorDB float64   `json:"noiseFloorDb"`
	EnergyDB     float64   `json:"energyDb"`
}

// NoiseProfile is the current per-bin noise-floor estimate.
type NoiseProfile struct {
	Timestamp time.Time `json:"timestamp"`
	Bins      []float64 `json:"bins"`
}

// TracePoint is one scalar sample of a time series.
type TracePoint struct {
	Timestamp time.Time `json:"timestamp"`
	DB        float64   `json:"db"`
}

// SessionState labels the lifecycle phase of the owning session.
type SessionState string

const (
	StateIdle     SessionState = "idle"
	StateStarting SessionState = "starting"
	StateRunning  SessionState = "running"
	StateStopped  SessionState = "stopped"
	StateError    SessionState = "error"
)

// Status describes the session as consumers see it.
type Status struct {
	State       SessionState `json:"state"`
	Radio       string       `json:"radio,omitempty"`
	RadioAddr   string       `json:"radioAddr,omitempty"`
	StreamID    string       `json:"streamId,omitempty"`
	Channel     int          `json:"channel,omitempty"`
	CenterHz    float64      `json:"centerHz,omitempty"`
	SampleRate  int          `json:"sampleRate,omitempty"`
	BoundClient string       `json:"boundClient,omitempty"`
	Error       string       `json:"error,omitempty"`
	Since       time.Time    `json:"since"`
}

// Counters aggregates the session's monotonic event counts. All fields are
// atomics so the hot paths never take the store lock.
type Counters struct {
	PacketsReceived  atomic.Uint64
	PacketsDropped   atomic.Uint64
	SequenceGaps     atomic.Uint64
	FramingErrors    atomic.Uint64
	QueueEvictions   atomic.Uint64
	FramesProduced   atomic.Uint64
	SamplesConsumed  atomic.Uint64
	CommandsRejected atomic.Uint64
}

// CountersSnapshot is a plain copy of Counters for polling and encoding.
type CountersSnapshot struct {
	PacketsReceived  uint64 `json:"packetsReceived"`
	PacketsDropped   uint64 `json:"packetsDropped"`
	SequenceGaps     uint64 `json:"sequenceGaps"`
	FramingErrors    uint64 `json:"framingErrors"`
	QueueEvictions   uint64 `json:"queueEvictions"`
	FramesProduced   uint64 `json:"framesProduced"`
	SamplesConsumed  uint64 `json:"samplesConsumed"`
	CommandsRejected uint64 `json:"commandsRejected"`
}

// Snapshot returns a consistent copy of all counters.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		PacketsReceived:  c.PacketsReceived.Load(),
		PacketsDropped:   c.PacketsDropped.Load(),
		SequenceGaps:     c.SequenceGaps.Load(),
		FramingErrors:    c.FramingErrors.Load(),
		QueueEvictions:   c.QueueEvictions.Load(),
		FramesProduced:   c.FramesProduced.Load(),
		SamplesConsumed:  c.SamplesConsumed.Load(),
		CommandsRejected: c.CommandsRejected.Load(),
	}
}

// StoreConfig sizes the history rings.
type StoreConfig struct {
	SpectrogramDepth int
	EnergyDepth      int
}

const (
	DefaultSpectrogramDepth = 300
	DefaultEnergyDepth      = 3000
)

// Snapshot is the full output state at one instant.
type Snapshot struct {
	Status      Status           `json:"status"`
	Counters    CountersSnapshot `json:"counters"`
	Spectrogram []SpectralFrame  `json:"spectrogram"`
	NoiseFloor  NoiseProfile     `json:"noiseFloor"`
	EnergyTrace []TracePoint     `json:"energyTrace"`
}

// Store collects session output and fans live frames out to subscribers.
// Frames are immutable once published; readers must not modify bin slices.
type Store struct {
	counters Counters

	mu          sync.RWMutex
	status      Status
	frames      []SpectralFrame
	frameDepth  int
	noise       NoiseProfile
	energy      []TracePoint
	energyDepth int
	subscribers map[chan SpectralFrame]struct{}
}

// NewStore builds a store with the provided ring depths. Zero values pick
// the defaults.
func NewStore(cfg StoreConfig) *Store {
	if cfg.SpectrogramDepth <= 0 {
		cfg.SpectrogramDepth = DefaultSpectrogramDepth
	}
	if cfg.EnergyDepth <= 0 {
		cfg.EnergyDepth = DefaultEnergyDepth
	}
	return &Store{
		status:      Status{State: StateIdle, Since: time.Now()},
		frameDepth:  cfg.SpectrogramDepth,
		energyDepth: cfg.EnergyDepth,
		subscribers: make(map[chan SpectralFrame]struct{}),
	}
}

// Counters exposes the shared counter block.
func (s *Store) Counters() *Counters {
	return &s.counters
}

// PushFrame appends a frame to the spectrogram ring, records its energy
// point and delivers it to live subscribers. Oldest entries are evicted
// once a ring is full.
func (s *Store) PushFrame(frame SpectralFrame) {
	s.mu.Lock()
	s.frames = append(s.frames, frame)
	if len(s.frames) > s.frameDepth {
		s.frames = s.frames[len(s.frames)-s.frameDepth:]
	}
	s.energy = append(s.energy, TracePoint{Timestamp: frame.Timestamp, DB: frame.EnergyDB})
	if len(s.energy) > s.energyDepth {
		s.energy = s.energy[len(s.energy)-s.energyDepth:]
	}
	for ch := range s.subscribers {
		select {
		case ch <- frame:
		default:
		}
	}
	s.mu.Unlock()
}

// SetNoiseProfile replaces the current per-bin noise-floor estimate.
func (s *Store) SetNoiseProfile(p NoiseProfile) {
	s.mu.Lock()
	s.noise = p
	s.mu.Unlock()
}

// NoiseFloor returns the current noise-floor profile.
func (s *Store) NoiseFloor() NoiseProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.noise
}

// Spectrogram returns the frame history, oldest first.
func (s *Store) Spectrogram() []SpectralFrame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SpectralFrame, len(s.frames))
	copy(out, s.frames)
	return out
}

// EnergyTrace returns the energy history, oldest first.
func (s *Store) EnergyTrace() []TracePoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TracePoint, len(s.energy))
	copy(out, s.energy)
	return out
}

// SetStatus replaces the session status.
func (s *Store) SetStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Status returns the current session status.
func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Snapshot copies the whole output state in one locked read.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Status:      s.status,
		Counters:    s.counters.Snapshot(),
		NoiseFloor:  s.noise,
		Spectrogram: make([]SpectralFrame, len(s.frames)),
		EnergyTrace: make([]TracePoint, len(s.energy)),
	}
	copy(snap.Spectrogram, s.frames)
	copy(snap.EnergyTrace, s.energy)
	return snap
}

// Subscribe registers a listener for live frames. Sends never block; a slow
// listener misses frames instead of stalling the pipeline. The returned
// cancel removes the subscription and closes the channel.
func (s *Store) Subscribe() (chan SpectralFrame, func()) {
	ch := make(chan SpectralFrame, 16)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}
