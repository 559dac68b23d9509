// Package gpu provides the compute-device runtime used by the decimation
// pipeline: device enumeration, per-sequence work streams, timing events,
// budgeted buffer allocation and kernel launches with a grid/block geometry.
//
// Execution is on host cores. The launch geometry and the shared-memory and
// thread-count limits are enforced exactly as a device runtime would, so the
// kernel code and its selection logic stay testable against the same caps.
package gpu

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

const (
	defaultMaxThreadsPerBlock = 1024
	defaultSharedMemPerBlock  = 48 * 1024
	defaultWarpSize           = 32
	defaultMemBudgetBytes     = 4 << 30

	// Nominal figures reported for the host memory system.
	defaultMemClockMHz  = 3200
	defaultBusWidthBits = 256
)

var (
	ErrOutOfMemory     = errors.New("gpu: out of device memory")
	ErrStreamDestroyed = errors.New("gpu: stream destroyed")
)

// Device describes one compute device and owns its memory budget and
// block-execution worker slots.
type Device struct {
	ID                 int
	Name               string
	Cores              int
	MaxThreadsPerBlock int
	SharedMemPerBlock  int // bytes
	WarpSize           int
	MemClockMHz        int
	BusWidthBits       int

	memFree int64
	sem     chan struct{}
}

// Probe enumerates the available compute devices. memBudgetBytes bounds
// buffer allocations on each device; zero selects the default budget.
func Probe(memBudgetBytes int64) ([]*Device, error) {
	if memBudgetBytes <= 0 {
		memBudgetBytes = defaultMemBudgetBytes
	}
	cores := runtime.NumCPU()
	if cores < 1 {
		cores = 1
	}
	d := &Device{
		ID:                 0,
		Name:               fmt.Sprintf("host-%dc", cores),
		Cores:              cores,
		MaxThreadsPerBlock: defaultMaxThreadsPerBlock,
		SharedMemPerBlock:  defaultSharedMemPerBlock,
		WarpSize:           defaultWarpSize,
		MemClockMHz:        defaultMemClockMHz,
		BusWidthBits:       defaultBusWidthBits,
		memFree:            memBudgetBytes,
		sem:                make(chan struct{}, cores),
	}
	return []*Device{d}, nil
}

// MemFree reports the remaining allocation budget in bytes.
func (d *Device) MemFree() int64 {
	return atomic.LoadInt64(&d.memFree)
}

// Buffer is a device or pinned-host allocation of complex samples.
type Buffer struct {
	Data []complex64

	dev   *Device
	bytes int64
	freed atomic.Bool
}

const bytesPerSample = 8

func (d *Device) alloc(n int) (*Buffer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("gpu: invalid allocation size %d", n)
	}
	size := int64(n) * bytesPerSample
	for {
		free := atomic.LoadInt64(&d.memFree)
		if free < size {
			return nil, fmt.Errorf("%w: need %d bytes, %d free", ErrOutOfMemory, size, free)
		}
		if atomic.CompareAndSwapInt64(&d.memFree, free, free-size) {
			break
		}
	}
	return &Buffer{Data: make([]complex64, n), dev: d, bytes: size}, nil
}

// AllocComplex allocates a device buffer of n complex samples.
func (d *Device) AllocComplex(n int) (*Buffer, error) {
	return d.alloc(n)
}

// AllocPinned allocates a page-locked host buffer of n complex samples.
// Pinned memory draws from the same budget as device memory.
func (d *Device) AllocPinned(n int) (*Buffer, error) {
	return d.alloc(n)
}

// Free returns the buffer's bytes to the device budget. Safe to call more
// than once and on nil buffers.
func (b *Buffer) Free() {
	if b == nil || b.freed.Swap(true) {
		return
	}
	atomic.AddInt64(&b.dev.memFree, b.bytes)
	b.Data = nil
}

// runBlocks executes fn for every block of the grid, bounded by the device's
// core count.
func (d *Device) runBlocks(grid Dim3, fn func(idx Dim3)) {
	var wg sync.WaitGroup
	for bz := 0; bz < max1(grid.Z); bz++ {
		for by := 0; by < max1(grid.Y); by++ {
			for bx := 0; bx < max1(grid.X); bx++ {
				idx := Dim3{X: bx, Y: by, Z: bz}
				wg.Add(1)
				d.sem <- struct{}{}
				go func() {
					defer func() {
						<-d.sem
						wg.Done()
					}()
					fn(idx)
				}()
			}
		}
	}
	wg.Wait()
}

func max1(v int) int {
	if v < 1 {
		return 1
	}
	return v
}
