package rxdsp

import (
	"fmt"

	"github.com/superdarn-hankasalmi/borealis/internal/gpu"
)

// bufferSet owns every allocation made for one sequence: the raw sample
// buffer, the three filter banks, the three stage outputs, and the pinned
// host output. All of it is freed together on teardown.
type bufferSet struct {
	rfSamples    *gpu.Buffer
	stageFilters [numStages]*gpu.Buffer
	stageOutputs [numStages]*gpu.Buffer
	hostOutput   *gpu.Buffer
}

// free releases everything. Buffers free idempotently, so partial
// allocation failures tear down cleanly through the same path.
func (b *bufferSet) free() {
	b.rfSamples.Free()
	for i := range b.stageFilters {
		b.stageFilters[i].Free()
		b.stageOutputs[i].Free()
	}
	b.hostOutput.Free()
}

// allocate reserves the device side of the set: raw samples, per-stage
// filters and per-stage outputs.
func (b *bufferSet) allocate(dev *gpu.Device, rawSamples int, filterLens, outputLens [numStages]int) error {
	var err error
	if b.rfSamples, err = dev.AllocComplex(rawSamples); err != nil {
		return fmt.Errorf("rf sample buffer: %w", err)
	}
	for s := 0; s < numStages; s++ {
		if b.stageFilters[s], err = dev.AllocComplex(filterLens[s]); err != nil {
			return fmt.Errorf("stage %d filter buffer: %w", s+1, err)
		}
		if b.stageOutputs[s], err = dev.AllocComplex(outputLens[s]); err != nil {
			return fmt.Errorf("stage %d output buffer: %w", s+1, err)
		}
	}
	return nil
}
