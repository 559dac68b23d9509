// Package rxdsp runs the per-sequence decimation pipeline: it stages raw
// samples onto the device, acknowledges the ring-buffer slot, runs the three
// filter-and-decimate stages on a private stream, and reports timing back to
// the radar controller.
package rxdsp

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/superdarn-hankasalmi/borealis/internal/dsp"
	"github.com/superdarn-hankasalmi/borealis/internal/gpu"
	"github.com/superdarn-hankasalmi/borealis/internal/logging"
	"github.com/superdarn-hankasalmi/borealis/internal/radarmsg"
	"github.com/superdarn-hankasalmi/borealis/internal/ringbuffer"
	"github.com/superdarn-hankasalmi/borealis/internal/telemetry"
)

const numStages = 3

// State tracks a sequence through the pipeline.
type State int32

const (
	StateInit State = iota
	StateCopying
	StateCopyAcked
	StateStage1
	StateStage2
	StateStage3
	StateDraining
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateCopying:
		return "copying"
	case StateCopyAcked:
		return "copy-acked"
	case StateStage1:
		return "stage1"
	case StateStage2:
		return "stage2"
	case StateStage3:
		return "stage3"
	case StateDraining:
		return "draining"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MessageSender is the outbound half of a message channel.
type MessageSender interface {
	Send(radarmsg.Message) error
}

// Params describes one pulse sequence to process.
type Params struct {
	SequenceNum       uint32
	RxFrequenciesHz   []float64
	DecimationRates   [numStages]int
	SampleRateHz      float64
	NumAntennas       int
	SamplesPerAntenna int
	SlotName          string
}

func (p Params) validate() error {
	if len(p.RxFrequenciesHz) == 0 {
		return errors.New("no receive frequencies")
	}
	if p.NumAntennas <= 0 || p.SamplesPerAntenna <= 0 || p.SampleRateHz <= 0 {
		return fmt.Errorf("bad geometry (%d antennas, %d samples, %g Hz)",
			p.NumAntennas, p.SamplesPerAntenna, p.SampleRateHz)
	}
	product := 1
	for s, r := range p.DecimationRates {
		if r <= 0 {
			return fmt.Errorf("stage %d decimation rate %d", s+1, r)
		}
		product *= r
	}
	if p.SamplesPerAntenna%product != 0 {
		return fmt.Errorf("%d samples per antenna not divisible by total decimation %d",
			p.SamplesPerAntenna, product)
	}
	return nil
}

// Result is the final decimated block handed to the downstream stage,
// frequency-major, antenna-major, time-major.
type Result struct {
	SequenceNum       uint32
	NumFreqs          int
	NumAntennas       int
	SamplesPerChannel int
	Samples           []complex64
}

// Deps wires a processor to its host process.
type Deps struct {
	Ack     MessageSender
	Timing  MessageSender
	Hub     *telemetry.Hub
	Out     chan<- Result
	ShmRoot string
	MaxTaps int
	Log     logging.Logger
}

// SequenceProcessor owns one sequence: its stream, events, buffers and
// ring-buffer lease. It either completes all stages or destroys itself
// cleanly; partial states are never observable from outside.
type SequenceProcessor struct {
	params Params
	deps   Deps
	dev    *gpu.Device

	stream      *gpu.Stream
	initial     *gpu.Event
	kernelStart *gpu.Event
	stop        *gpu.Event

	bufs bufferSet
	slot *ringbuffer.Slot

	state    atomic.Int32
	ackedAt  atomic.Int64 // unix nanos, 0 until the ack went out
	reported atomic.Bool  // one timing report per sequence

	destroyOnce sync.Once
	done        chan struct{}
	log         logging.Logger
}

// New builds a processor for one sequence. Nothing runs until Start.
func New(dev *gpu.Device, params Params, deps Deps) (*SequenceProcessor, error) {
	if err := params.validate(); err != nil {
		return nil, fmt.Errorf("rxdsp: sequence %d: %w", params.SequenceNum, err)
	}
	if deps.MaxTaps <= 0 {
		deps.MaxTaps = 2048
	}
	log := deps.Log
	if log == nil {
		log = logging.Default()
	}
	p := &SequenceProcessor{
		params: params,
		deps:   deps,
		dev:    dev,
		done:   make(chan struct{}),
		log:    log.With(logging.Field{Key: "seq", Value: params.SequenceNum}),
	}
	return p, nil
}

// State returns the sequence's current pipeline state.
func (p *SequenceProcessor) State() State { return State(p.state.Load()) }

// setState advances the pipeline state unless a terminal state has already
// been reached; queued progress callbacks may drain after a failure.
func (p *SequenceProcessor) setState(s State) {
	for {
		cur := p.state.Load()
		if State(cur) == StateDone || State(cur) == StateFailed {
			return
		}
		if p.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// Done is closed when the sequence has fully torn down.
func (p *SequenceProcessor) Done() <-chan struct{} { return p.done }

// AckedAt returns when the ack went out; zero if it never did.
func (p *SequenceProcessor) AckedAt() time.Time {
	ns := p.ackedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// KernelStartedAt returns the kernel-start event time; zero if unrecorded.
func (p *SequenceProcessor) KernelStartedAt() time.Time {
	if p.kernelStart == nil || !p.kernelStart.Recorded() {
		return time.Time{}
	}
	return p.kernelStart.Time()
}

// Start runs the sequence. It returns once all work is enqueued on the
// sequence's stream; completion is signalled through Done and the timing
// channel.
func (p *SequenceProcessor) Start() {
	par := p.params

	// Filter design happens first so configuration errors fail before any
	// device state exists.
	banks, plans, err := p.designStages()
	if err != nil {
		p.log.Error("stage design failed", logging.Field{Key: "err", Value: err})
		p.fail(radarmsg.StatusLaunchInvalid)
		return
	}

	slot, err := ringbuffer.Open(p.deps.ShmRoot, par.SlotName, par.SamplesPerAntenna*par.NumAntennas)
	if err != nil {
		p.log.Error("slot open failed", logging.Field{Key: "err", Value: err})
		status := radarmsg.StatusCopyFailed
		if errors.Is(err, ringbuffer.ErrSlotMissing) {
			status = radarmsg.StatusSlotMissing
		}
		p.fail(status)
		return
	}
	p.slot = slot

	var filterLens, outputLens [numStages]int
	for s := 0; s < numStages; s++ {
		filterLens[s] = len(banks[s].Taps)
		outputLens[s] = plans[s].OutputLen()
	}
	if err := p.bufs.allocate(p.dev, par.SamplesPerAntenna*par.NumAntennas, filterLens, outputLens); err != nil {
		p.log.Error("device allocation failed", logging.Field{Key: "err", Value: err})
		p.fail(radarmsg.StatusAllocFailed)
		return
	}

	p.stream = p.dev.NewStream()
	p.initial = gpu.NewEvent()
	p.kernelStart = gpu.NewEvent()
	p.stop = gpu.NewEvent()

	_ = p.initial.Record(p.stream)
	p.setState(StateCopying)
	_ = p.stream.CopyToDevice(p.bufs.rfSamples, p.slot.Samples())
	_ = p.stream.AddCallback(p.copyComplete)

	for s := 0; s < numStages; s++ {
		_ = p.stream.CopyToDevice(p.bufs.stageFilters[s], banks[s].Taps)
	}

	stageStates := [numStages]State{StateStage1, StateStage2, StateStage3}
	in := p.bufs.rfSamples
	for s := 0; s < numStages; s++ {
		st := stageStates[s]
		_ = p.stream.AddCallback(func(error) { p.setState(st) })
		if err := plans[s].Launch(p.stream, in, p.bufs.stageFilters[s], p.bufs.stageOutputs[s]); err != nil {
			p.log.Error("kernel launch rejected", logging.Field{Key: "err", Value: err})
			p.fail(radarmsg.StatusLaunchInvalid)
			return
		}
		in = p.bufs.stageOutputs[s]
	}

	final := plans[numStages-1]
	host, err := p.dev.AllocPinned(final.OutputLen())
	if err != nil {
		p.log.Error("pinned allocation failed", logging.Field{Key: "err", Value: err})
		p.fail(radarmsg.StatusAllocFailed)
		return
	}
	p.bufs.hostOutput = host

	_ = p.stream.AddCallback(func(error) { p.setState(StateDraining) })
	_ = p.stream.CopyFromDevice(host.Data, p.bufs.stageOutputs[numStages-1])
	_ = p.stop.Record(p.stream)
	_ = p.stream.AddCallback(func(err error) {
		// Teardown cannot run on the stream worker; hand it off.
		go p.finalize(final, err)
	})
}

// designStages builds the three filter banks and launch plans. Stage 1 is
// the per-frequency bandpass; stages 2 and 3 run the shared lowpass with
// frequency folded into the antenna grid dimension.
func (p *SequenceProcessor) designStages() ([numStages]*dsp.FilterBank, [numStages]*dsp.StagePlan, error) {
	par := p.params
	var banks [numStages]*dsp.FilterBank
	var plans [numStages]*dsp.StagePlan

	numFreqs := len(par.RxFrequenciesHz)
	rate := par.SampleRateHz
	samples := par.SamplesPerAntenna
	antennas := par.NumAntennas

	for s := 0; s < numStages; s++ {
		outRate := rate / float64(par.DecimationRates[s])
		bank, err := dsp.DesignStageFilters(s, par.RxFrequenciesHz, rate, outRate, p.deps.MaxTaps)
		if err != nil {
			return banks, plans, err
		}
		if s > 0 {
			bank = bank.Lowpass()
		}
		planAntennas := antennas
		if s > 0 {
			planAntennas = antennas * numFreqs
		}
		plan, err := dsp.PlanStage(p.dev, bank, samples, planAntennas, par.DecimationRates[s])
		if err != nil {
			return banks, plans, err
		}
		banks[s] = bank
		plans[s] = plan
		rate = outRate
		samples = samples / par.DecimationRates[s]
	}
	return banks, plans, nil
}

// copyComplete runs on the stream worker once the raw samples are on the
// device: ack the slot, then mark the kernel-start timing point. Sending on
// the ack channel is one of the two blocking operations the host side
// permits.
func (p *SequenceProcessor) copyComplete(err error) {
	if err != nil {
		go p.fail(radarmsg.StatusCopyFailed)
		return
	}
	p.setState(StateCopyAcked)
	p.ackedAt.Store(time.Now().UnixNano())
	if p.deps.Ack != nil {
		if err := p.deps.Ack.Send(radarmsg.Ack{SequenceNum: p.params.SequenceNum}); err != nil {
			p.log.Warn("ack send failed, dropping", logging.Field{Key: "err", Value: err})
		}
	}
	p.kernelStart.RecordNow()
}

// finalize runs off the stream worker after the device-to-host copy: report
// timing, hand the block downstream, tear everything down.
func (p *SequenceProcessor) finalize(final *dsp.StagePlan, streamErr error) {
	p.stop.Synchronize()
	if streamErr != nil {
		p.log.Error("stream error during sequence", logging.Field{Key: "err", Value: streamErr})
		p.fail(radarmsg.StatusCopyFailed)
		return
	}

	if p.reported.Swap(true) {
		p.Destroy()
		return
	}
	kernelMs := gpu.ElapsedMs(p.kernelStart, p.stop)
	totalMs := gpu.ElapsedMs(p.initial, p.stop)

	p.sendTiming(float32(kernelMs), float32(totalMs), radarmsg.StatusOK)
	if p.deps.Hub != nil {
		p.deps.Hub.Report(p.params.SequenceNum, kernelMs, totalMs, radarmsg.StatusOK.String())
	}

	if p.deps.Out != nil {
		out := Result{
			SequenceNum:       p.params.SequenceNum,
			NumFreqs:          len(p.params.RxFrequenciesHz),
			NumAntennas:       p.params.NumAntennas,
			SamplesPerChannel: final.OutPerAntenna,
			Samples:           append([]complex64(nil), p.bufs.hostOutput.Data...),
		}
		p.deps.Out <- out
	}

	p.state.Store(int32(StateDone))
	p.Destroy()
}

func (p *SequenceProcessor) sendTiming(kernelMs, totalMs float32, status radarmsg.Status) {
	if p.deps.Timing == nil {
		return
	}
	msg := radarmsg.Timing{
		SequenceNum:  p.params.SequenceNum,
		KernelTimeMs: kernelMs,
		TotalTimeMs:  totalMs,
		Status:       status,
	}
	if err := p.deps.Timing.Send(msg); err != nil {
		p.log.Warn("timing send failed, dropping", logging.Field{Key: "err", Value: err})
	}
}

// fail reports the sequence as dropped and tears down best-effort. The
// timing message carries the sentinel kernel time so the controller counts
// the sequence as lost.
func (p *SequenceProcessor) fail(status radarmsg.Status) {
	p.state.Store(int32(StateFailed))
	if !p.reported.Swap(true) {
		p.sendTiming(radarmsg.FailureKernelTime, radarmsg.FailureKernelTime, status)
		if p.deps.Hub != nil {
			p.deps.Hub.Report(p.params.SequenceNum, radarmsg.FailureKernelTime, radarmsg.FailureKernelTime, status.String())
		}
	}
	p.Destroy()
}

// Destroy frees the sequence's buffers, stream, events and slot lease.
// Destroying an already-destroyed processor is a no-op.
func (p *SequenceProcessor) Destroy() {
	p.destroyOnce.Do(func() {
		if p.stream != nil {
			p.stream.Synchronize()
			p.stream.Destroy()
		}
		p.bufs.free()
		if p.slot != nil {
			_ = p.slot.Release()
		}
		close(p.done)
	})
}
