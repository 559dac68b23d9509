package app

import (
	"context"
	"io"
	"math"
	"math/cmplx"
	"testing"
	"time"

	"github.com/superdarn-hankasalmi/borealis/internal/config"
	"github.com/superdarn-hankasalmi/borealis/internal/gpu"
	"github.com/superdarn-hankasalmi/borealis/internal/logging"
	"github.com/superdarn-hankasalmi/borealis/internal/radarmsg"
	"github.com/superdarn-hankasalmi/borealis/internal/ringbuffer"
	"github.com/superdarn-hankasalmi/borealis/internal/rxdsp"
	"github.com/superdarn-hankasalmi/borealis/internal/telemetry"
)

func testLogger() logging.Logger {
	return logging.New(logging.Debug, logging.Text, io.Discard)
}

func testReceiver(t *testing.T, root string) (*Receiver, *telemetry.Hub) {
	t.Helper()
	devices, err := gpu.Probe(0)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	opts := config.Defaults()
	opts.ShmRoot = root
	hub := telemetry.NewHub(opts.HistoryLimit, testLogger())
	return NewReceiver(devices[0], opts, nil, nil, hub, testLogger()), hub
}

func writeToneSlot(t *testing.T, root, name string, spa, antennas int) {
	t.Helper()
	samples := make([]complex64, spa*antennas)
	for n := 0; n < spa; n++ {
		phase := 2 * math.Pi * 1e6 * float64(n) / 5e6
		v := complex64(cmplx.Exp(complex(0, phase)))
		for a := 0; a < antennas; a++ {
			samples[a*spa+n] = v
		}
	}
	if err := ringbuffer.Write(root, name, samples); err != nil {
		t.Fatalf("write slot: %v", err)
	}
}

func testRequest(seq uint32, slot string) radarmsg.SequenceRequest {
	return radarmsg.SequenceRequest{
		SequenceNum:       seq,
		RxFrequenciesHz:   []float64{1e6},
		DecimationRates:   []uint32{10, 10, 5},
		RxSampleRateHz:    5e6,
		MainAntennas:      2,
		IntfAntennas:      0,
		SlotName:          slot,
		SamplesPerAntenna: 50_000,
	}
}

func TestParamsFromRequest(t *testing.T) {
	r, _ := testReceiver(t, t.TempDir())

	params, err := r.paramsFromRequest(testRequest(5, "seq.5"))
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if params.SequenceNum != 5 || params.NumAntennas != 2 || params.SamplesPerAntenna != 50_000 {
		t.Fatalf("unexpected params %+v", params)
	}
	if params.DecimationRates != [3]int{10, 10, 5} {
		t.Fatalf("rates %v", params.DecimationRates)
	}

	// Zero antenna counts fall back to the site arrays.
	req := testRequest(6, "seq.6")
	req.MainAntennas, req.IntfAntennas = 0, 0
	params, err = r.paramsFromRequest(req)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if params.NumAntennas != config.Defaults().TotalAntennas() {
		t.Fatalf("antennas %d, want site total", params.NumAntennas)
	}
}

func TestParamsFromRequestRejects(t *testing.T) {
	r, _ := testReceiver(t, t.TempDir())

	req := testRequest(7, "seq.7")
	req.DecimationRates = []uint32{10, 50}
	if _, err := r.paramsFromRequest(req); err == nil {
		t.Fatal("expected rejection of two-stage rates")
	}

	req = testRequest(8, "seq.8")
	req.RxSampleRateHz = config.Defaults().MaxRxSampleRate * 2
	if _, err := r.paramsFromRequest(req); err == nil {
		t.Fatal("expected rejection above the site rate limit")
	}
}

func TestRunProcessesRequestsFromControlChannel(t *testing.T) {
	root := t.TempDir()
	r, hub := testReceiver(t, root)

	ctrl, err := radarmsg.Listen("tcp://127.0.0.1:0", testLogger())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ctrl.Close()

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- r.Run(ctx, ctrl) }()

	sender := radarmsg.NewSender("tcp://"+ctrl.Addr().String(), testLogger())
	if err := sender.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer sender.Close()

	for i := uint32(0); i < 2; i++ {
		name := "ctrl-seq." + string(rune('a'+i))
		writeToneSlot(t, root, name, 50_000, 2)
		if err := sender.Send(testRequest(100+i, name)); err != nil {
			t.Fatalf("send request: %v", err)
		}
	}

	var results []rxdsp.Result
	timeout := time.After(15 * time.Second)
	for len(results) < 2 {
		select {
		case res := <-r.Output():
			results = append(results, res)
		case <-timeout:
			t.Fatalf("received %d results, want 2 (live=%d)", len(results), r.Live())
		}
	}
	seen := map[uint32]bool{}
	for _, res := range results {
		seen[res.SequenceNum] = true
	}
	if !seen[100] || !seen[101] {
		t.Fatalf("missing sequences in %v", seen)
	}

	if len(hub.History()) != 2 {
		t.Fatalf("hub recorded %d sequences, want 2", len(hub.History()))
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestSubmitTracksLiveSequences(t *testing.T) {
	root := t.TempDir()
	r, _ := testReceiver(t, root)
	writeToneSlot(t, root, "live.0", 50_000, 2)

	params, err := r.paramsFromRequest(testRequest(200, "live.0"))
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	proc, err := r.Submit(params)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-proc.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("sequence never finished")
	}
	deadline := time.Now().Add(2 * time.Second)
	for r.Live() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("live count stuck at %d", r.Live())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
