// Package pipeline folds queued I/Q packets into overlapping FFT windows
// and publishes the results: spectrogram rows, a per-bin noise-floor
// estimate and a total-power trace, all labeled with the tuning that was
// current when each window closed.
package pipeline

import (
	"context"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/k3wko/daxmon/internal/dsp"
	"github.com/k3wko/daxmon/internal/logging"
	"github.com/k3wko/daxmon/internal/telemetry"
	"github.com/k3wko/daxmon/internal/vita"
)

// NoiseMode selects how the per-bin noise floor is estimated.
type NoiseMode string

const (
	// NoiseEWMA folds each frame into an exponential moving average.
	NoiseEWMA NoiseMode = "ewma"
	// NoisePercentile takes a low percentile over the recent history,
	// which tracks the floor through intermittent carriers.
	NoisePercentile NoiseMode = "percentile"
)

const (
	DefaultOverlap         = 0.5
	DefaultNoiseAlpha      = 0.15
	DefaultNoisePercentile = 0.10
	DefaultNoiseHistory    = 60
)

// Tuning labels frames with the radio state they were captured under.
type Tuning struct {
	CenterHz   float64
	SampleRate int
}

// TuningFunc reports the current tuning. Called once per produced frame.
type TuningFunc func() Tuning

// Config sizes the analysis.
type Config struct {
	FFTSize         int
	Window          string
	Overlap         float64 // fraction of the window shared between frames
	FloorDB         float64
	RefDB           float64
	SampleRate      int
	Format          vita.SampleFormat
	NoiseMode       NoiseMode
	NoiseAlpha      float64
	NoisePercentile float64
	NoiseHistory    int // frames retained for the percentile estimate
}

func (c Config) withDefaults() Config {
	if c.FFTSize <= 0 {
		c.FFTSize = dsp.DefaultSize
	}
	if c.Overlap < 0 || c.Overlap >= 1 {
		c.Overlap = DefaultOverlap
	}
	if c.NoiseMode == "" {
		c.NoiseMode = NoiseEWMA
	}
	if c.NoiseAlpha <= 0 || c.NoiseAlpha > 1 {
		c.NoiseAlpha = DefaultNoiseAlpha
	}
	if c.NoisePercentile <= 0 || c.NoisePercentile >= 1 {
		c.NoisePercentile = DefaultNoisePercentile
	}
	if c.NoiseHistory <= 0 {
		c.NoiseHistory = DefaultNoiseHistory
	}
	return c
}

// Pipeline consumes packets on a single goroutine; Submit is not safe for
// concurrent use.
type Pipeline struct {
	cfg      Config
	analyzer *dsp.Analyzer
	store    *telemetry.Store
	counters *telemetry.Counters
	tuning   TuningFunc
	log      logging.Logger

	hop      int
	buf      []complex64
	lastSeq  int
	frameSeq uint64
	lastTS   time.Time

	noiseEWMA []float64
	noiseHist [][]float64
	histNext  int
	scratch   []float64
}

// New builds a pipeline publishing into store. A nil tuning func labels
// frames with the configured sample rate and no center frequency.
func New(cfg Config, store *telemetry.Store, tuning TuningFunc, log logging.Logger) (*Pipeline, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logging.Default()
	}
	if tuning == nil {
		tuning = func() Tuning { return Tuning{} }
	}
	analyzer, err := dsp.NewAnalyzer(dsp.Config{
		Size:    cfg.FFTSize,
		Window:  cfg.Window,
		FloorDB: cfg.FloorDB,
		RefDB:   cfg.RefDB,
	})
	if err != nil {
		return nil, err
	}
	hop := int(float64(cfg.FFTSize) * (1 - cfg.Overlap))
	if hop < 1 {
		hop = 1
	}
	return &Pipeline{
		cfg:      cfg,
		analyzer: analyzer,
		store:    store,
		counters: store.Counters(),
		tuning:   tuning,
		log:      log.With(logging.F("component", "pipeline")),
		hop:      hop,
		lastSeq:  -1,
		scratch:  make([]float64, 0, cfg.NoiseHistory),
	}, nil
}

// Run drains the packet channel until ctx ends or the channel closes.
func (p *Pipeline) Run(ctx context.Context, in <-chan *vita.Packet) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-in:
			if !ok {
				return nil
			}
			p.Submit(pkt)
		}
	}
}

// Submit folds one packet into the analysis window. Stale arrivals are
// discarded, decode failures counted; an underfilled window simply waits
// for more samples.
func (p *Pipeline) Submit(pkt *vita.Packet) {
	if pkt == nil || !pkt.Type.IsData() {
		return
	}
	if !p.admit(pkt.Sequence) {
		p.counters.PacketsDropped.Add(1)
		return
	}
	samples, err := vita.DecodeSamples(pkt.Payload, p.cfg.Format)
	if err != nil {
		p.counters.FramingErrors.Add(1)
		p.log.Debug("dropping undecodable payload", logging.F("err", err))
		return
	}
	p.counters.SamplesConsumed.Add(uint64(len(samples)))
	p.ingest(samples, pkt.Time())
}

// admit mirrors the receiver's sequence policy so a pipeline fed directly
// still refuses stale packets. Gaps are not re-counted here.
func (p *Pipeline) admit(seq uint8) bool {
	s := int(seq) % 16
	if p.lastSeq < 0 {
		p.lastSeq = s
		return true
	}
	expected := (p.lastSeq + 1) % 16
	if delta := (s - expected + 16) % 16; delta >= 8 {
		return false
	}
	p.lastSeq = s
	return true
}

func (p *Pipeline) ingest(samples []complex64, captured time.Time) {
	p.buf = append(p.buf, samples...)
	for len(p.buf) >= p.cfg.FFTSize {
		p.emit(p.buf[:p.cfg.FFTSize], captured)
		p.buf = p.buf[p.hop:]
	}
}

func (p *Pipeline) emit(window []complex64, captured time.Time) {
	bins, err := p.analyzer.PowerSpectrum(window)
	if err != nil {
		// window length is managed above; treat as a defect, not data loss
		p.log.Error("power spectrum failed", logging.F("err", err))
		return
	}
	noise := p.updateNoise(bins)

	ts := captured
	if ts.IsZero() {
		ts = time.Now()
	}
	if ts.Before(p.lastTS) {
		ts = p.lastTS
	}
	p.lastTS = ts

	t := p.tuning()
	rate := t.SampleRate
	if rate <= 0 {
		rate = p.cfg.SampleRate
	}
	binHz := 0.0
	if rate > 0 {
		binHz = float64(rate) / float64(p.cfg.FFTSize)
	}

	p.frameSeq++
	frame := telemetry.SpectralFrame{
		Timestamp:    ts,
		Sequence:     p.frameSeq,
		CenterHz:     t.CenterHz,
		SampleRate:   rate,
		BinHz:        binHz,
		Bins:         bins,
		NoiseFloorDB: meanOf(noise),
		EnergyDB:     p.analyzer.BlockPower(window),
	}
	p.store.PushFrame(frame)
	p.store.SetNoiseProfile(telemetry.NoiseProfile{Timestamp: ts, Bins: noise})
	p.counters.FramesProduced.Add(1)
}

// updateNoise returns a fresh copy of the per-bin estimate after folding
// in the new frame.
func (p *Pipeline) updateNoise(bins []float64) []float64 {
	if p.cfg.NoiseMode == NoisePercentile {
		return p.percentileNoise(bins)
	}
	if p.noiseEWMA == nil {
		p.noiseEWMA = append([]float64(nil), bins...)
	} else {
		a := p.cfg.NoiseAlpha
		for i, b := range bins {
			p.noiseEWMA[i] = (1-a)*p.noiseEWMA[i] + a*b
		}
	}
	return append([]float64(nil), p.noiseEWMA...)
}

func (p *Pipeline) percentileNoise(bins []float64) []float64 {
	row := append([]float64(nil), bins...)
	if len(p.noiseHist) < p.cfg.NoiseHistory {
		p.noiseHist = append(p.noiseHist, row)
	} else {
		p.noiseHist[p.histNext] = row
		p.histNext = (p.histNext + 1) % p.cfg.NoiseHistory
	}

	out := make([]float64, len(bins))
	for i := range out {
		col := p.scratch[:0]
		for _, frame := range p.noiseHist {
			col = append(col, frame[i])
		}
		sort.Float64s(col)
		out[i] = stat.Quantile(p.cfg.NoisePercentile, stat.Empirical, col, nil)
	}
	return out
}

func meanOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
