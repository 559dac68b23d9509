package gpu

import (
	"sync"
)

// Stream is a FIFO work queue drained by a single worker goroutine. Work
// submitted to one stream runs in submission order; distinct streams overlap
// freely. The first task error sticks and is handed to later callbacks.
type Stream struct {
	dev *Device

	mu        sync.Mutex
	tasks     chan func()
	destroyed bool
	err       error

	wg sync.WaitGroup
}

const streamQueueDepth = 64

// NewStream creates an independent work stream on the device.
func (d *Device) NewStream() *Stream {
	s := &Stream{
		dev:   d,
		tasks: make(chan func(), streamQueueDepth),
	}
	go func() {
		for task := range s.tasks {
			task()
			s.wg.Done()
		}
	}()
	return s
}

// Device returns the device this stream belongs to.
func (s *Stream) Device() *Device { return s.dev }

func (s *Stream) submit(task func()) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrStreamDestroyed
	}
	s.wg.Add(1)
	s.mu.Unlock()
	s.tasks <- task
	return nil
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Err returns the first asynchronous error observed on the stream.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// CopyToDevice enqueues a host-to-device transfer.
func (s *Stream) CopyToDevice(dst *Buffer, src []complex64) error {
	return s.submit(func() {
		if dst == nil || len(dst.Data) < len(src) {
			s.setErr(errCopyBounds(len(src), dst))
			return
		}
		copy(dst.Data, src)
	})
}

// CopyFromDevice enqueues a device-to-host transfer.
func (s *Stream) CopyFromDevice(dst []complex64, src *Buffer) error {
	return s.submit(func() {
		if src == nil || len(src.Data) > len(dst) {
			s.setErr(errCopyBounds(len(dst), src))
			return
		}
		copy(dst, src.Data)
	})
}

// CopyDeviceToDevice enqueues a device-side transfer.
func (s *Stream) CopyDeviceToDevice(dst, src *Buffer) error {
	return s.submit(func() {
		if dst == nil || src == nil || len(dst.Data) < len(src.Data) {
			s.setErr(errCopyBounds(0, dst))
			return
		}
		copy(dst.Data, src.Data)
	})
}

// AddCallback enqueues a host callback that runs after all previously
// submitted work. The callback receives the stream's sticky error and runs
// on the stream worker: it must not block or call stream operations that
// wait; real work is handed to a fresh goroutine.
func (s *Stream) AddCallback(fn func(err error)) error {
	return s.submit(func() {
		fn(s.Err())
	})
}

// Synchronize blocks until every task submitted so far has run.
func (s *Stream) Synchronize() error {
	done := make(chan struct{})
	if err := s.submit(func() { close(done) }); err != nil {
		return err
	}
	<-done
	return s.Err()
}

// Destroy drains the stream and releases its worker. Idempotent; work
// submitted after Destroy fails with ErrStreamDestroyed.
func (s *Stream) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.mu.Unlock()
	s.wg.Wait()
	close(s.tasks)
}
