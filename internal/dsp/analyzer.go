package dsp

import (
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// Config sizes an Analyzer. Zero values pick the defaults.
type Config struct {
	Size    int     // FFT length, default 2048
	Window  string  // hann (default), hamming, blackman, rect
	FloorDB float64 // clamp for silent bins, default -120
	RefDB   float64 // calibration offset added to every bin, default 0
}

const (
	DefaultSize    = 2048
	DefaultFloorDB = -120.0
)

// Analyzer converts fixed-size windows of complex samples into DC-centered
// power spectra in dB relative to full scale. The FFT plan and window
// coefficients are computed once; the fourier plan is not safe for concurrent
// use, so calls are serialized.
type Analyzer struct {
	size    int
	floorDB float64
	refDB   float64

	mu      sync.Mutex
	fft     *fourier.CmplxFFT
	win     window.Values
	norm    float64 // size * sqrt(mean(win^2)), the power normalization divisor
	scratch []complex128
}

// NewAnalyzer builds an analyzer for the configured FFT size.
func NewAnalyzer(cfg Config) (*Analyzer, error) {
	if cfg.Size == 0 {
		cfg.Size = DefaultSize
	}
	if cfg.Size < 2 {
		return nil, fmt.Errorf("fft size %d too small", cfg.Size)
	}
	if cfg.FloorDB == 0 {
		cfg.FloorDB = DefaultFloorDB
	}
	win, err := windowValues(cfg.Window, cfg.Size)
	if err != nil {
		return nil, err
	}

	sumSq := 0.0
	for _, v := range win {
		sumSq += v * v
	}
	norm := float64(cfg.Size) * math.Sqrt(sumSq/float64(cfg.Size))

	return &Analyzer{
		size:    cfg.Size,
		floorDB: cfg.FloorDB,
		refDB:   cfg.RefDB,
		fft:     fourier.NewCmplxFFT(cfg.Size),
		win:     win,
		norm:    norm,
		scratch: make([]complex128, cfg.Size),
	}, nil
}

func windowValues(name string, n int) (window.Values, error) {
	switch name {
	case "", "hann":
		return window.NewValues(window.Hann, n), nil
	case "hamming":
		return window.NewValues(window.Hamming, n), nil
	case "blackman":
		return window.NewValues(window.Blackman, n), nil
	case "rect", "none":
		v := make(window.Values, n)
		for i := range v {
			v[i] = 1
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unsupported window %q", name)
	}
}

// Size returns the FFT length the analyzer was planned for.
func (a *Analyzer) Size() int { return a.size }

// FloorDB returns the configured silence clamp.
func (a *Analyzer) FloorDB() float64 { return a.floorDB }

const magEpsilon = 1e-12

// PowerSpectrum computes one spectrum. The input length must equal the
// configured size. Bins are DC-centered and clamped to the floor; an all-zero
// input yields the floor in every bin.
func (a *Analyzer) PowerSpectrum(samples []complex64) ([]float64, error) {
	if len(samples) != a.size {
		return nil, fmt.Errorf("window of %d samples, analyzer planned for %d", len(samples), a.size)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, s := range samples {
		a.scratch[i] = complex(float64(real(s))*a.win[i], float64(imag(s))*a.win[i])
	}
	coeffs := a.fft.Coefficients(nil, a.scratch)

	half := a.size / 2
	out := make([]float64, a.size)
	for i := range out {
		mag := cmplx.Abs(coeffs[(i+half)%a.size]) / a.norm
		db := 20*math.Log10(mag+magEpsilon) + a.refDB
		if db < a.floorDB {
			db = a.floorDB
		}
		out[i] = db
	}
	return out, nil
}

// BlockPower returns the total time-domain power of a sample block in dB,
// clamped to the floor like spectrum bins.
func (a *Analyzer) BlockPower(samples []complex64) float64 {
	if len(samples) == 0 {
		return a.floorDB
	}
	sum := 0.0
	for _, s := range samples {
		re, im := float64(real(s)), float64(imag(s))
		sum += re*re + im*im
	}
	db := 10*math.Log10(sum/float64(len(samples))+magEpsilon) + a.refDB
	if db < a.floorDB {
		db = a.floorDB
	}
	return db
}

// BinFrequencies labels each DC-centered bin with its absolute frequency.
func BinFrequencies(centerHz float64, sampleRate, size int) []float64 {
	out := make([]float64, size)
	step := float64(sampleRate) / float64(size)
	for i := range out {
		out[i] = centerHz + float64(i-size/2)*step
	}
	return out
}
