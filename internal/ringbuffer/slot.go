// Package ringbuffer gives the decimation core access to the driver's
// shared-memory ring buffer. Each pulse sequence reads exactly one named
// slot; the slot is held under a lease for the lifetime of the sequence and
// released on teardown, after the ack has told the driver the samples are
// off the buffer.
package ringbuffer

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultRoot is where named slots live on a stock Linux host.
const DefaultRoot = "/dev/shm"

// ErrSlotMissing reports that the named slot does not exist.
var ErrSlotMissing = errors.New("ringbuffer: slot missing")

const bytesPerSample = 8 // interleaved float32 I and Q

// Slot is a leased view of one ring-buffer slot, mapped read-only.
type Slot struct {
	name     string
	mapped   []byte
	samples  []complex64
	released atomic.Bool
}

// Open maps the named slot and verifies it holds at least expectedSamples
// interleaved complex samples. root selects the shared-memory directory;
// empty means DefaultRoot.
func Open(root, name string, expectedSamples int) (*Slot, error) {
	if root == "" {
		root = DefaultRoot
	}
	if expectedSamples <= 0 {
		return nil, fmt.Errorf("ringbuffer: invalid sample count %d for slot %q", expectedSamples, name)
	}

	path := filepath.Join(root, name)
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, fmt.Errorf("%w: %s", ErrSlotMissing, name)
		}
		return nil, fmt.Errorf("ringbuffer: open %s: %w", path, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("ringbuffer: stat %s: %w", path, err)
	}
	need := int64(expectedSamples) * bytesPerSample
	if st.Size < need {
		return nil, fmt.Errorf("ringbuffer: slot %s holds %d bytes, need %d", name, st.Size, need)
	}

	mapped, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("ringbuffer: mmap %s: %w", path, err)
	}

	s := &Slot{
		name:    name,
		mapped:  mapped,
		samples: unsafe.Slice((*complex64)(unsafe.Pointer(&mapped[0])), expectedSamples),
	}
	return s, nil
}

// Name returns the slot's name.
func (s *Slot) Name() string { return s.name }

// Samples returns the slot's complex samples, antenna-major. The view is
// valid until Release.
func (s *Slot) Samples() []complex64 { return s.samples }

// Release unmaps the slot and ends the lease. Idempotent.
func (s *Slot) Release() error {
	if s == nil || s.released.Swap(true) {
		return nil
	}
	s.samples = nil
	mapped := s.mapped
	s.mapped = nil
	return unix.Munmap(mapped)
}

// Write fills the named slot with samples, creating it if needed. This is
// the driver half of the lease protocol; the core uses it only in tests and
// tooling.
func Write(root, name string, samples []complex64) error {
	if root == "" {
		root = DefaultRoot
	}
	path := filepath.Join(root, name)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o644)
	if err != nil {
		return fmt.Errorf("ringbuffer: create %s: %w", path, err)
	}
	defer unix.Close(fd)

	size := int64(len(samples)) * bytesPerSample
	if err := unix.Ftruncate(fd, size); err != nil {
		return fmt.Errorf("ringbuffer: truncate %s: %w", path, err)
	}
	mapped, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("ringbuffer: mmap %s: %w", path, err)
	}
	dst := unsafe.Slice((*complex64)(unsafe.Pointer(&mapped[0])), len(samples))
	copy(dst, samples)
	return unix.Munmap(mapped)
}
