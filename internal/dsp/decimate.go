package dsp

import (
	"fmt"

	"github.com/superdarn-hankasalmi/borealis/internal/gpu"
)

// KernelVariant selects between the two decimation kernels.
type KernelVariant int

const (
	// KernelSmall runs one tap per thread slot; taps × freqs must fit in a
	// block.
	KernelSmall KernelVariant = iota
	// KernelLarge runs two taps per thread slot, for banks up to twice the
	// block limit.
	KernelLarge
)

func (v KernelVariant) String() string {
	if v == KernelLarge {
		return "large"
	}
	return "small"
}

// SelectVariant picks the kernel variant for a filter bank, or fails when
// the bank cannot be scheduled on the device at all.
func SelectVariant(dev *gpu.Device, tapsPerFilter, numFreqs int) (KernelVariant, error) {
	total := tapsPerFilter * numFreqs
	if total > 2*dev.MaxThreadsPerBlock {
		return 0, fmt.Errorf("dsp: filter bank of %d taps x %d channels exceeds twice the %d-thread block limit",
			tapsPerFilter, numFreqs, dev.MaxThreadsPerBlock)
	}
	if total > dev.MaxThreadsPerBlock {
		return KernelLarge, nil
	}
	return KernelSmall, nil
}

// StagePlan describes one decimation launch: the geometry, the variant, and
// the sample counts it transforms.
type StagePlan struct {
	Variant           KernelVariant
	Grid              gpu.Dim3
	Block             gpu.Dim3
	SharedComplex     int
	SamplesPerAntenna int
	NumAntennas       int
	NumFreqs          int
	DmRate            int
	OutPerAntenna     int
}

// PlanStage validates a stage's geometry against the device and filter bank.
// numAntennas counts the independent input streams: physical antennas for
// the first stage, antenna × frequency pairs for folded later stages.
func PlanStage(dev *gpu.Device, bank *FilterBank, samplesPerAntenna, numAntennas, dmRate int) (*StagePlan, error) {
	if dmRate <= 0 || samplesPerAntenna <= 0 || numAntennas <= 0 {
		return nil, fmt.Errorf("dsp: invalid stage geometry (%d samples, %d antennas, rate %d)",
			samplesPerAntenna, numAntennas, dmRate)
	}
	if samplesPerAntenna%dmRate != 0 {
		return nil, fmt.Errorf("dsp: %d samples per antenna not divisible by decimation rate %d",
			samplesPerAntenna, dmRate)
	}
	taps := bank.TapsPerFilter
	if taps&(taps-1) != 0 || taps < MinFilterTaps {
		return nil, fmt.Errorf("dsp: filter length %d is not a power of two >= %d", taps, MinFilterTaps)
	}

	variant, err := SelectVariant(dev, taps, bank.NumFreqs)
	if err != nil {
		return nil, err
	}
	blockX := taps
	if variant == KernelLarge {
		blockX = taps / 2
	}
	plan := &StagePlan{
		Variant:           variant,
		Grid:              gpu.Dim3{X: samplesPerAntenna / dmRate, Y: numAntennas},
		Block:             gpu.Dim3{X: blockX, Y: bank.NumFreqs},
		SharedComplex:     bank.NumFreqs * taps,
		SamplesPerAntenna: samplesPerAntenna,
		NumAntennas:       numAntennas,
		NumFreqs:          bank.NumFreqs,
		DmRate:            dmRate,
		OutPerAntenna:     samplesPerAntenna / dmRate,
	}
	if plan.SharedComplex*8 > dev.SharedMemPerBlock {
		return nil, fmt.Errorf("dsp: stage needs %d bytes of shared memory, device has %d",
			plan.SharedComplex*8, dev.SharedMemPerBlock)
	}
	return plan, nil
}

// OutputLen returns the length of the stage's output block:
// freqs × antennas × decimated samples.
func (p *StagePlan) OutputLen() int {
	return p.NumFreqs * p.NumAntennas * p.OutPerAntenna
}

// LaunchConfig returns the gpu launch geometry for the plan.
func (p *StagePlan) LaunchConfig() gpu.LaunchConfig {
	return gpu.LaunchConfig{Grid: p.Grid, Block: p.Block, SharedComplex: p.SharedComplex}
}

// Launch enqueues the stage kernel on the stream.
//
// out[f, a, k] = sum over t of in[a, k*dmRate + t] * tap[f, t]. Loads past
// the end of an antenna's samples produce zero; trailing outputs whose
// window crossed the edge are contaminated and must be discarded by the
// consumer.
func (p *StagePlan) Launch(s *gpu.Stream, in, taps, out *gpu.Buffer) error {
	kernel := p.smallKernel(in.Data, taps.Data, out.Data)
	if p.Variant == KernelLarge {
		kernel = p.largeKernel(in.Data, taps.Data, out.Data)
	}
	return s.Launch(p.LaunchConfig(), kernel)
}

// smallKernel: thread (tx, ty) loads one sample, multiplies by one tap, and
// the frequency row reduces to the decimated output sample.
func (p *StagePlan) smallKernel(in, taps, out []complex64) gpu.KernelFunc {
	spa, dm, nt := p.SamplesPerAntenna, p.DmRate, p.Block.X
	outPer, na := p.OutPerAntenna, p.NumAntennas
	return func(b *gpu.Block) {
		antennaOffset := b.Idx.Y * spa
		decOffset := b.Idx.X * dm
		for ty := 0; ty < b.Dim.Y; ty++ {
			for tx := 0; tx < nt; tx++ {
				var s complex64
				if idx := decOffset + tx; idx < spa {
					s = in[antennaOffset+idx]
				}
				b.Shared[ty*nt+tx] = s * taps[ty*nt+tx]
			}
		}
		// barrier, then per-row reduction
		for ty := 0; ty < b.Dim.Y; ty++ {
			row := b.Shared[ty*nt : (ty+1)*nt]
			gpu.ReduceRow(row)
			out[(ty*na+b.Idx.Y)*outPer+b.Idx.X] = row[0]
		}
	}
}

// largeKernel: thread (tx, ty) loads two adjacent samples and taps and
// pre-sums the products into the first half of its row, so the reduction
// runs as if the filter had half the taps. Both edge cases (one sample out,
// both out) load zero.
func (p *StagePlan) largeKernel(in, taps, out []complex64) gpu.KernelFunc {
	spa, dm := p.SamplesPerAntenna, p.DmRate
	half := p.Block.X
	nt := half * 2
	outPer, na := p.OutPerAntenna, p.NumAntennas
	return func(b *gpu.Block) {
		antennaOffset := b.Idx.Y * spa
		decOffset := b.Idx.X * dm
		for ty := 0; ty < b.Dim.Y; ty++ {
			for tx := 0; tx < half; tx++ {
				var s0, s1 complex64
				if idx := decOffset + 2*tx; idx < spa {
					s0 = in[antennaOffset+idx]
				}
				if idx := decOffset + 2*tx + 1; idx < spa {
					s1 = in[antennaOffset+idx]
				}
				b.Shared[ty*nt+tx] = s0*taps[ty*nt+2*tx] + s1*taps[ty*nt+2*tx+1]
			}
		}
		for ty := 0; ty < b.Dim.Y; ty++ {
			row := b.Shared[ty*nt : ty*nt+half]
			gpu.ReduceRow(row)
			out[(ty*na+b.Idx.Y)*outPer+b.Idx.X] = row[0]
		}
	}
}
