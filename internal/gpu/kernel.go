package gpu

import (
	"fmt"
)

// Dim3 represents grid or block dimensions.
type Dim3 struct {
	X, Y, Z int
}

// Size returns the total element count, treating unset axes as 1.
func (d Dim3) Size() int {
	return max1(d.X) * max1(d.Y) * max1(d.Z)
}

// LaunchConfig describes one kernel launch.
type LaunchConfig struct {
	Grid  Dim3
	Block Dim3
	// SharedComplex is the per-block shared memory size in complex samples.
	SharedComplex int
}

// Block is the per-block execution context handed to a kernel. The thread
// grid of the block runs as explicit loops inside the kernel body; Shared is
// the block's shared-memory slab.
type Block struct {
	Idx    Dim3
	Dim    Dim3
	Grid   Dim3
	Shared []complex64
}

// KernelFunc is a kernel body, invoked once per block.
type KernelFunc func(b *Block)

// ValidateLaunch rejects geometries the device cannot schedule. A block or
// grid with every axis unset is empty; otherwise unset axes count as 1.
func (d *Device) ValidateLaunch(cfg LaunchConfig) error {
	if cfg.Block == (Dim3{}) {
		return fmt.Errorf("gpu: empty block %+v", cfg.Block)
	}
	threads := cfg.Block.Size()
	if threads > d.MaxThreadsPerBlock {
		return fmt.Errorf("gpu: block of %d threads exceeds device limit %d", threads, d.MaxThreadsPerBlock)
	}
	if cfg.Grid == (Dim3{}) {
		return fmt.Errorf("gpu: empty grid %+v", cfg.Grid)
	}
	if bytes := cfg.SharedComplex * bytesPerSample; bytes > d.SharedMemPerBlock {
		return fmt.Errorf("gpu: %d bytes of shared memory exceeds device limit %d", bytes, d.SharedMemPerBlock)
	}
	return nil
}

// Launch validates cfg synchronously, then enqueues the kernel on the
// stream. Blocks fan out across the device's cores; the stream does not
// advance past the launch until every block has retired.
func (s *Stream) Launch(cfg LaunchConfig, kernel KernelFunc) error {
	if err := s.dev.ValidateLaunch(cfg); err != nil {
		return err
	}
	return s.submit(func() {
		s.dev.runBlocks(cfg.Grid, func(idx Dim3) {
			b := &Block{
				Idx:  idx,
				Dim:  cfg.Block,
				Grid: cfg.Grid,
			}
			if cfg.SharedComplex > 0 {
				b.Shared = make([]complex64, cfg.SharedComplex)
			}
			kernel(b)
		})
	})
}
