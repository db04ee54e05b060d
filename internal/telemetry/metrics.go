package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector reads metrics straight out of a Store at scrape time, so the
// hot paths only ever touch the atomic counters.
type Collector struct {
	store *Store

	packetsReceived  *prometheus.Desc
	packetsDropped   *prometheus.Desc
	sequenceGaps     *prometheus.Desc
	framingErrors    *prometheus.Desc
	queueEvictions   *prometheus.Desc
	framesProduced   *prometheus.Desc
	samplesConsumed  *prometheus.Desc
	commandsRejected *prometheus.Desc

	noiseFloorDB      *prometheus.Desc
	energyDB          *prometheus.Desc
	spectrogramFrames *prometheus.Desc
	sessionRunning    *prometheus.Desc
}

// NewCollector builds a Prometheus collector over the store.
func NewCollector(store *Store) *Collector {
	return &Collector{
		store: store,
		packetsReceived: prometheus.NewDesc("daxmon_packets_received_total",
			"Sample packets accepted by the UDP receiver.", nil, nil),
		packetsDropped: prometheus.NewDesc("daxmon_packets_dropped_total",
			"Sample packets discarded as stale or duplicate.", nil, nil),
		sequenceGaps: prometheus.NewDesc("daxmon_sequence_gaps_total",
			"Packets missed across forward sequence gaps.", nil, nil),
		framingErrors: prometheus.NewDesc("daxmon_framing_errors_total",
			"Datagrams rejected by header or payload validation.", nil, nil),
		queueEvictions: prometheus.NewDesc("daxmon_queue_evictions_total",
			"Queued packets evicted because the pipeline fell behind.", nil, nil),
		framesProduced: prometheus.NewDesc("daxmon_frames_produced_total",
			"Spectral frames published to the store.", nil, nil),
		samplesConsumed: prometheus.NewDesc("daxmon_samples_consumed_total",
			"I/Q samples folded into the analysis window.", nil, nil),
		commandsRejected: prometheus.NewDesc("daxmon_commands_rejected_total",
			"Control commands the radio answered with a nonzero status.", nil, nil),
		noiseFloorDB: prometheus.NewDesc("daxmon_noise_floor_db",
			"Mean of the current per-bin noise-floor estimate.", nil, nil),
		energyDB: prometheus.NewDesc("daxmon_energy_db",
			"Most recent total-power measurement.", nil, nil),
		spectrogramFrames: prometheus.NewDesc("daxmon_spectrogram_frames",
			"Frames currently held in the spectrogram ring.", nil, nil),
		sessionRunning: prometheus.NewDesc("daxmon_session_running",
			"1 while the capture session is in the running state.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packetsReceived
	ch <- c.packetsDropped
	ch <- c.sequenceGaps
	ch <- c.framingErrors
	ch <- c.queueEvictions
	ch <- c.framesProduced
	ch <- c.samplesConsumed
	ch <- c.commandsRejected
	ch <- c.noiseFloorDB
	ch <- c.energyDB
	ch <- c.spectrogramFrames
	ch <- c.sessionRunning
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.store.Counters().Snapshot()
	ch <- prometheus.MustNewConstMetric(c.packetsReceived, prometheus.CounterValue, float64(snap.PacketsReceived))
	ch <- prometheus.MustNewConstMetric(c.packetsDropped, prometheus.CounterValue, float64(snap.PacketsDropped))
	ch <- prometheus.MustNewConstMetric(c.sequenceGaps, prometheus.CounterValue, float64(snap.SequenceGaps))
	ch <- prometheus.MustNewConstMetric(c.framingErrors, prometheus.CounterValue, float64(snap.FramingErrors))
	ch <- prometheus.MustNewConstMetric(c.queueEvictions, prometheus.CounterValue, float64(snap.QueueEvictions))
	ch <- prometheus.MustNewConstMetric(c.framesProduced, prometheus.CounterValue, float64(snap.FramesProduced))
	ch <- prometheus.MustNewConstMetric(c.samplesConsumed, prometheus.CounterValue, float64(snap.SamplesConsumed))
	ch <- prometheus.MustNewConstMetric(c.commandsRejected, prometheus.CounterValue, float64(snap.CommandsRejected))

	v := c.store.gauges()
	if v.hasNoise {
		ch <- prometheus.MustNewConstMetric(c.noiseFloorDB, prometheus.GaugeValue, v.noiseDB)
	}
	if v.hasEnergy {
		ch <- prometheus.MustNewConstMetric(c.energyDB, prometheus.GaugeValue, v.energyDB)
	}
	ch <- prometheus.MustNewConstMetric(c.spectrogramFrames, prometheus.GaugeValue, float64(v.frames))
	running := 0.0
	if v.running {
		running = 1
	}
	ch <- prometheus.MustNewConstMetric(c.sessionRunning, prometheus.GaugeValue, running)
}

type gaugeView struct {
	frames    int
	noiseDB   float64
	hasNoise  bool
	energyDB  float64
	hasEnergy bool
	running   bool
}

func (s *Store) gauges() gaugeView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := gaugeView{frames: len(s.frames), running: s.status.State == StateRunning}
	if n := len(s.noise.Bins); n > 0 {
		sum := 0.0
		for _, b := range s.noise.Bins {
			sum += b
		}
		v.noiseDB = sum / float64(n)
		v.hasNoise = true
	}
	if n := len(s.energy); n > 0 {
		v.energyDB = s.energy[n-1].DB
		v.hasEnergy = true
	}
	return v
}
