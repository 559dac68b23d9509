// Package dsp implements the receive-side decimation DSP: complex bandpass
// filter design and the multi-stage decimation kernels that run on the
// gpu runtime.
package dsp

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/window"
)

// Blackman–Harris stopband attenuation, used by the Harris tap estimate.
const windowAttenuationDB = 92.0

// Fraction of the stage output rate used as the filter transition band.
const transitionFraction = 0.2

// MinFilterTaps is the shortest usable filter length.
const MinFilterTaps = 4

// FilterBank holds the taps for one decimation stage, frequency-major:
// NumFreqs rows of TapsPerFilter complex taps. TapsPerFilter is always a
// power of two.
type FilterBank struct {
	Taps          []complex64
	NumFreqs      int
	TapsPerFilter int
}

// Row returns the taps for one frequency channel.
func (fb *FilterBank) Row(f int) []complex64 {
	return fb.Taps[f*fb.TapsPerFilter : (f+1)*fb.TapsPerFilter]
}

// Lowpass returns a single-row view of the bank, for stages whose channels
// all share the same taps.
func (fb *FilterBank) Lowpass() *FilterBank {
	return &FilterBank{
		Taps:          fb.Taps[:fb.TapsPerFilter],
		NumFreqs:      1,
		TapsPerFilter: fb.TapsPerFilter,
	}
}

// DesignStageFilters builds the filter bank for one decimation stage.
//
// Stage 0 produces a complex bandpass per entry of passFreqs: the prototype
// lowpass mixed to each frequency's offset from the centre. Later stages are
// the shared real lowpass replicated across frequencies, stored as complex
// with zero imaginary part. Taps are normalised so the gain at each
// channel's centre frequency is 1, and the filter length is zero-padded up
// to the next power of two.
//
// maxTotalTaps caps TapsPerFilter × len(passFreqs).
func DesignStageFilters(stageIdx int, passFreqs []float64, inputRate, outputRate float64, maxTotalTaps int) (*FilterBank, error) {
	numFreqs := len(passFreqs)
	if numFreqs == 0 {
		return nil, fmt.Errorf("dsp: stage %d has no receive frequencies", stageIdx)
	}
	if inputRate <= 0 || outputRate <= 0 || outputRate > inputRate {
		return nil, fmt.Errorf("dsp: stage %d invalid rates %g -> %g", stageIdx, inputRate, outputRate)
	}

	proto, err := prototypeLowpass(inputRate, outputRate)
	if err != nil {
		return nil, fmt.Errorf("dsp: stage %d: %w", stageIdx, err)
	}
	taps := nextPowerOfTwo(len(proto))
	if taps < MinFilterTaps {
		taps = MinFilterTaps
	}
	if taps*numFreqs > maxTotalTaps {
		return nil, fmt.Errorf("dsp: stage %d needs %d taps for %d channels, cap is %d",
			stageIdx, taps*numFreqs, numFreqs, maxTotalTaps)
	}

	bank := &FilterBank{
		Taps:          make([]complex64, numFreqs*taps),
		NumFreqs:      numFreqs,
		TapsPerFilter: taps,
	}
	for f, freq := range passFreqs {
		row := bank.Row(f)
		if stageIdx == 0 {
			mixTo(row, proto, freq, inputRate)
		} else {
			for n, h := range proto {
				row[n] = complex(float32(h), 0)
			}
		}
	}
	return bank, nil
}

// prototypeLowpass designs the windowed-sinc lowpass for a stage, cut off at
// the output Nyquist, normalised to unit DC gain.
func prototypeLowpass(inputRate, outputRate float64) ([]float64, error) {
	cutoff := outputRate / 2
	transition := transitionFraction * outputRate
	n := int(math.Ceil(windowAttenuationDB * inputRate / (22 * transition)))
	if n < MinFilterTaps {
		n = MinFilterTaps
	}

	h := make([]float64, n)
	centre := float64(n-1) / 2
	for i := range h {
		h[i] = sinc(2 * cutoff / inputRate * (float64(i) - centre))
	}
	window.BlackmanHarris(h)

	var sum float64
	for _, v := range h {
		sum += v
	}
	if sum == 0 {
		return nil, fmt.Errorf("degenerate lowpass (zero DC gain, %d taps)", n)
	}
	for i := range h {
		h[i] /= sum
	}
	return h, nil
}

// mixTo shifts the lowpass prototype to a bandpass centred at freq. The
// kernels correlate a forward window against the taps, so the mix uses the
// conjugate exponential: the channel's response then peaks at +freq.
func mixTo(dst []complex64, proto []float64, freq, sampleRate float64) {
	for n, h := range proto {
		phase := -2 * math.Pi * freq * float64(n) / sampleRate
		dst[n] = complex64(complex(h, 0) * cmplx.Exp(complex(0, phase)))
	}
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	return math.Sin(math.Pi*x) / (math.Pi * x)
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
