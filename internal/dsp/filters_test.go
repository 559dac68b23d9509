package dsp

import (
	"math"
	"math/cmplx"
	"testing"
)

// response evaluates the channel's frequency response at freq by
// correlating a complex exponential against the taps, the same way the
// decimation kernels consume them.
func response(row []complex64, freq, sampleRate float64) complex128 {
	var sum complex128
	for n, tap := range row {
		phase := 2 * math.Pi * freq * float64(n) / sampleRate
		sum += complex128(tap) * cmplx.Exp(complex(0, phase))
	}
	return sum
}

func TestStageFiltersPowerOfTwoLength(t *testing.T) {
	bank, err := DesignStageFilters(0, []float64{1e6}, 5e6, 5e5, 2048)
	if err != nil {
		t.Fatalf("design: %v", err)
	}
	n := bank.TapsPerFilter
	if n < MinFilterTaps || n&(n-1) != 0 {
		t.Fatalf("filter length %d is not a power of two >= %d", n, MinFilterTaps)
	}
	if len(bank.Taps) != bank.NumFreqs*n {
		t.Fatalf("bank size %d != %d x %d", len(bank.Taps), bank.NumFreqs, n)
	}
}

func TestBandpassUnitGainAtCentre(t *testing.T) {
	freqs := []float64{1e6, -0.5e6, 0.25e6}
	bank, err := DesignStageFilters(0, freqs, 5e6, 5e5, 2048*len(freqs))
	if err != nil {
		t.Fatalf("design: %v", err)
	}
	for f, freq := range freqs {
		gain := cmplx.Abs(response(bank.Row(f), freq, 5e6))
		if math.Abs(gain-1) > 0.01 {
			t.Fatalf("channel %d gain %f at centre %g Hz, expected 1", f, gain, freq)
		}
	}
}

func TestBandpassRejectsOtherChannels(t *testing.T) {
	freqs := []float64{0.5e6, -0.5e6}
	bank, err := DesignStageFilters(0, freqs, 5e6, 5e5, 4096)
	if err != nil {
		t.Fatalf("design: %v", err)
	}
	// Tone at channel 1's centre must be stopband for channel 0 and vice
	// versa: the 1 MHz separation is far outside the stage passband.
	for f := range freqs {
		other := freqs[1-f]
		leak := cmplx.Abs(response(bank.Row(f), other, 5e6))
		if leak > 0.01 {
			t.Fatalf("channel %d leaks %f at %g Hz", f, leak, other)
		}
	}
}

func TestLaterStagesAreRealLowpass(t *testing.T) {
	freqs := []float64{1e6, 2e6}
	bank, err := DesignStageFilters(1, freqs, 5e5, 5e4, 4096)
	if err != nil {
		t.Fatalf("design: %v", err)
	}
	row0 := bank.Row(0)
	for f := 0; f < bank.NumFreqs; f++ {
		for n, tap := range bank.Row(f) {
			if imag(tap) != 0 {
				t.Fatalf("stage 2 tap [%d,%d] has imaginary part %g", f, n, imag(tap))
			}
			if tap != row0[n] {
				t.Fatalf("stage 2 channel %d differs from channel 0 at tap %d", f, n)
			}
		}
	}
	if gain := cmplx.Abs(response(row0, 0, 5e5)); math.Abs(gain-1) > 0.01 {
		t.Fatalf("lowpass DC gain %f, expected 1", gain)
	}
}

func TestLowpassViewSharesRowZero(t *testing.T) {
	bank, err := DesignStageFilters(1, []float64{1e6, 2e6, 3e6}, 5e5, 5e4, 8192)
	if err != nil {
		t.Fatalf("design: %v", err)
	}
	lp := bank.Lowpass()
	if lp.NumFreqs != 1 || lp.TapsPerFilter != bank.TapsPerFilter {
		t.Fatalf("lowpass view has wrong shape %dx%d", lp.NumFreqs, lp.TapsPerFilter)
	}
	if &lp.Taps[0] != &bank.Taps[0] {
		t.Fatal("lowpass view does not alias the bank")
	}
}

func TestDesignRejectsBadInputs(t *testing.T) {
	tests := []struct {
		name    string
		freqs   []float64
		in, out float64
		maxTaps int
	}{
		{name: "no_freqs", freqs: nil, in: 5e6, out: 5e5, maxTaps: 2048},
		{name: "zero_rate", freqs: []float64{1e6}, in: 0, out: 5e5, maxTaps: 2048},
		{name: "upsampling", freqs: []float64{1e6}, in: 5e5, out: 5e6, maxTaps: 2048},
		{name: "taps_cap", freqs: []float64{1e6, 2e6, 3e6}, in: 5e6, out: 5e5, maxTaps: 512},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DesignStageFilters(0, tt.freqs, tt.in, tt.out, tt.maxTaps); err == nil {
				t.Fatal("expected design error")
			}
		})
	}
}
