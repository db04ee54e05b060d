package dsp

import (
	"math"
	"testing"
)

func TestSilenceClampsToFloor(t *testing.T) {
	a, err := NewAnalyzer(Config{Size: 1024, FloorDB: -120})
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}

	spectrum, err := a.PowerSpectrum(make([]complex64, 1024))
	if err != nil {
		t.Fatalf("power spectrum: %v", err)
	}
	if len(spectrum) != 1024 {
		t.Fatalf("spectrum length = %d", len(spectrum))
	}
	for i, db := range spectrum {
		if db != -120 {
			t.Fatalf("bin %d = %v, want exactly -120", i, db)
		}
	}
}

func TestFullScaleToneRectWindow(t *testing.T) {
	const n = 256
	a, err := NewAnalyzer(Config{Size: n, Window: "rect"})
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}

	samples := make([]complex64, n)
	for i := range samples {
		samples[i] = 1
	}
	spectrum, err := a.PowerSpectrum(samples)
	if err != nil {
		t.Fatalf("power spectrum: %v", err)
	}

	dc := spectrum[n/2]
	if math.Abs(dc) > 1e-6 {
		t.Fatalf("DC bin = %v dB, want 0", dc)
	}
	for i, db := range spectrum {
		if i == n/2 {
			continue
		}
		if db != DefaultFloorDB {
			t.Fatalf("off-tone bin %d = %v, want floor", i, db)
		}
	}
}

func TestTonePlacementAfterShift(t *testing.T) {
	const n = 64
	a, err := NewAnalyzer(Config{Size: n, Window: "rect"})
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}

	for _, k := range []int{5, -3} {
		samples := make([]complex64, n)
		for i := range samples {
			phase := 2 * math.Pi * float64(k) * float64(i) / n
			samples[i] = complex(float32(math.Cos(phase)), float32(math.Sin(phase)))
		}
		spectrum, err := a.PowerSpectrum(samples)
		if err != nil {
			t.Fatalf("power spectrum: %v", err)
		}

		peak := 0
		for i, db := range spectrum {
			if db > spectrum[peak] {
				peak = i
			}
		}
		if want := n/2 + k; peak != want {
			t.Fatalf("tone at %+d: peak in bin %d, want %d", k, peak, want)
		}
	}
}

func TestHannWindowPowerNormalization(t *testing.T) {
	const n = 2048
	a, err := NewAnalyzer(Config{Size: n})
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}

	samples := make([]complex64, n)
	for i := range samples {
		samples[i] = 1
	}
	spectrum, err := a.PowerSpectrum(samples)
	if err != nil {
		t.Fatalf("power spectrum: %v", err)
	}

	// power-normalized Hann puts the coherent peak near -1.76 dB
	dc := spectrum[n/2]
	if dc < -1.9 || dc > -1.6 {
		t.Fatalf("DC bin = %v dB, want about -1.76", dc)
	}
}

func TestReferenceOffsetApplied(t *testing.T) {
	const n = 128
	a, err := NewAnalyzer(Config{Size: n, Window: "rect", RefDB: 10})
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}
	samples := make([]complex64, n)
	for i := range samples {
		samples[i] = 1
	}
	spectrum, err := a.PowerSpectrum(samples)
	if err != nil {
		t.Fatalf("power spectrum: %v", err)
	}
	if math.Abs(spectrum[n/2]-10) > 1e-6 {
		t.Fatalf("DC bin = %v dB, want 10 with the offset", spectrum[n/2])
	}
}

func TestBlockPower(t *testing.T) {
	a, err := NewAnalyzer(Config{Size: 64})
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}

	if db := a.BlockPower(make([]complex64, 64)); db != DefaultFloorDB {
		t.Fatalf("silent block = %v, want floor", db)
	}

	half := make([]complex64, 64)
	for i := range half {
		half[i] = 0.5
	}
	if db := a.BlockPower(half); math.Abs(db+6.0206) > 1e-3 {
		t.Fatalf("quarter-power block = %v dB, want about -6.02", db)
	}

	if db := a.BlockPower(nil); db != DefaultFloorDB {
		t.Fatalf("empty block = %v, want floor", db)
	}
}

func TestBinFrequencies(t *testing.T) {
	freqs := BinFrequencies(14.1e6, 96000, 4)
	want := []float64{14.052e6, 14.076e6, 14.1e6, 14.124e6}
	for i := range want {
		if math.Abs(freqs[i]-want[i]) > 1e-6 {
			t.Fatalf("bin %d = %v, want %v", i, freqs[i], want[i])
		}
	}
}

func TestAnalyzerValidation(t *testing.T) {
	if _, err := NewAnalyzer(Config{Size: 1}); err == nil {
		t.Fatal("size 1 accepted")
	}
	if _, err := NewAnalyzer(Config{Window: "kaiser"}); err == nil {
		t.Fatal("unknown window accepted")
	}

	a, err := NewAnalyzer(Config{Size: 64})
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}
	if _, err := a.PowerSpectrum(make([]complex64, 32)); err == nil {
		t.Fatal("short window accepted")
	}
}
