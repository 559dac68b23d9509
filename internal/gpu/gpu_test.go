package gpu

import (
	"sync/atomic"
	"testing"
	"time"
)

func testDevice(t *testing.T) *Device {
	t.Helper()
	devices, err := Probe(0)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if len(devices) == 0 {
		t.Fatal("no devices enumerated")
	}
	return devices[0]
}

func TestProbeCapabilities(t *testing.T) {
	dev := testDevice(t)
	if dev.MaxThreadsPerBlock != 1024 {
		t.Fatalf("expected 1024 threads per block, got %d", dev.MaxThreadsPerBlock)
	}
	if dev.WarpSize != 32 {
		t.Fatalf("expected warp size 32, got %d", dev.WarpSize)
	}
	if dev.SharedMemPerBlock < 16*1024 {
		t.Fatalf("implausible shared memory per block %d", dev.SharedMemPerBlock)
	}
	if dev.Cores < 1 {
		t.Fatalf("no cores reported")
	}
}

func TestAllocBudget(t *testing.T) {
	devices, _ := Probe(1024) // budget for 128 complex samples
	dev := devices[0]

	buf, err := dev.AllocComplex(100)
	if err != nil {
		t.Fatalf("alloc within budget: %v", err)
	}
	if _, err := dev.AllocComplex(100); err == nil {
		t.Fatal("expected allocation beyond budget to fail")
	}
	buf.Free()
	if _, err := dev.AllocComplex(100); err != nil {
		t.Fatalf("alloc after free: %v", err)
	}
}

func TestFreeIsIdempotent(t *testing.T) {
	devices, _ := Probe(1 << 20)
	dev := devices[0]
	before := dev.MemFree()

	buf, err := dev.AllocComplex(16)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	buf.Free()
	buf.Free()
	var nilBuf *Buffer
	nilBuf.Free()

	if dev.MemFree() != before {
		t.Fatalf("double free corrupted budget: %d != %d", dev.MemFree(), before)
	}
}

func TestStreamOrdering(t *testing.T) {
	dev := testDevice(t)
	s := dev.NewStream()
	defer s.Destroy()

	var order []int
	for i := 0; i < 10; i++ {
		i := i
		if err := s.submit(func() { order = append(order, i) }); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if err := s.Synchronize(); err != nil {
		t.Fatalf("synchronize: %v", err)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("tasks ran out of order: %v", order)
		}
	}
}

func TestStreamCallbackSeesStickyError(t *testing.T) {
	dev := testDevice(t)
	s := dev.NewStream()
	defer s.Destroy()

	// Undersized destination buffer poisons the stream.
	small, err := dev.AllocComplex(4)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	defer small.Free()
	if err := s.CopyToDevice(small, make([]complex64, 8)); err != nil {
		t.Fatalf("enqueue copy: %v", err)
	}

	got := make(chan error, 1)
	if err := s.AddCallback(func(err error) { got <- err }); err != nil {
		t.Fatalf("enqueue callback: %v", err)
	}
	if err := <-got; err == nil {
		t.Fatal("callback did not observe the copy error")
	}
}

func TestStreamDestroyRejectsWork(t *testing.T) {
	dev := testDevice(t)
	s := dev.NewStream()
	s.Destroy()
	s.Destroy() // no-op
	if err := s.submit(func() {}); err != ErrStreamDestroyed {
		t.Fatalf("expected ErrStreamDestroyed, got %v", err)
	}
}

func TestStreamsOverlap(t *testing.T) {
	dev := testDevice(t)
	if dev.Cores < 2 {
		t.Skip("single core host cannot demonstrate overlap")
	}
	s1 := dev.NewStream()
	s2 := dev.NewStream()
	defer s1.Destroy()
	defer s2.Destroy()

	release := make(chan struct{})
	started := make(chan struct{})
	_ = s1.submit(func() { close(started); <-release })

	var ran atomic.Bool
	_ = s2.submit(func() { ran.Store(true) })

	<-started
	_ = s2.Synchronize()
	if !ran.Load() {
		t.Fatal("second stream blocked behind first")
	}
	close(release)
	_ = s1.Synchronize()
}

func TestEventElapsed(t *testing.T) {
	dev := testDevice(t)
	s := dev.NewStream()
	defer s.Destroy()

	start := NewEvent()
	stop := NewEvent()
	_ = start.Record(s)
	_ = s.submit(func() { time.Sleep(20 * time.Millisecond) })
	_ = stop.Record(s)
	stop.Synchronize()

	ms := ElapsedMs(start, stop)
	if ms < 15 {
		t.Fatalf("elapsed %f ms, expected >= 15", ms)
	}
}

func TestLaunchValidation(t *testing.T) {
	dev := testDevice(t)
	tests := []struct {
		name string
		cfg  LaunchConfig
		ok   bool
	}{
		{name: "fits", cfg: LaunchConfig{Grid: Dim3{X: 1, Y: 1}, Block: Dim3{X: 256, Y: 4}}, ok: true},
		{name: "too_many_threads", cfg: LaunchConfig{Grid: Dim3{X: 1}, Block: Dim3{X: 1024, Y: 2}}, ok: false},
		{name: "empty_block", cfg: LaunchConfig{Grid: Dim3{X: 1}, Block: Dim3{}}, ok: false},
		{name: "shared_overflow", cfg: LaunchConfig{Grid: Dim3{X: 1}, Block: Dim3{X: 32}, SharedComplex: 1 << 20}, ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := dev.ValidateLaunch(tt.cfg)
			if tt.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLaunchCoversGrid(t *testing.T) {
	dev := testDevice(t)
	s := dev.NewStream()
	defer s.Destroy()

	grid := Dim3{X: 7, Y: 3}
	var hits atomic.Int64
	err := s.Launch(LaunchConfig{Grid: grid, Block: Dim3{X: 8}}, func(b *Block) {
		hits.Add(1)
		if b.Idx.X >= grid.X || b.Idx.Y >= grid.Y {
			t.Errorf("block index %+v outside grid", b.Idx)
		}
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	_ = s.Synchronize()
	if hits.Load() != int64(grid.Size()) {
		t.Fatalf("ran %d blocks, expected %d", hits.Load(), grid.Size())
	}
}

func naiveSum(vals []complex64) complex64 {
	var sum complex64
	for _, v := range vals {
		sum += v
	}
	return sum
}

func TestReduceRowMatchesNaiveSum(t *testing.T) {
	for _, n := range []int{4, 8, 16, 32, 64, 128, 256, 512, 1024} {
		row := make([]complex64, n)
		for i := range row {
			row[i] = complex(float32(i%7)-3, float32(i%5)-2)
		}
		want := naiveSum(row)
		ReduceRow(row)
		got := row[0]
		if d := got - want; real(d)*real(d)+imag(d)*imag(d) > 1e-6 {
			t.Fatalf("n=%d: reduction %v != naive %v", n, got, want)
		}
	}
}

func TestReduceRowsIndependentRows(t *testing.T) {
	const rows, rowLen = 3, 64
	shared := make([]complex64, rows*rowLen)
	var want [rows]complex64
	for r := 0; r < rows; r++ {
		for i := 0; i < rowLen; i++ {
			v := complex(float32(r+1), float32(i)-31.5)
			shared[r*rowLen+i] = v
			want[r] += v
		}
	}
	ReduceRows(shared, rows, rowLen)
	for r := 0; r < rows; r++ {
		got := shared[r*rowLen]
		if d := got - want[r]; real(d)*real(d)+imag(d)*imag(d) > 1e-4 {
			t.Fatalf("row %d: %v != %v", r, got, want[r])
		}
	}
}
