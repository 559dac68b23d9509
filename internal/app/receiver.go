// Package app wires the receive core together: it accepts start-of-sequence
// requests from the radar control process and runs one pipeline instance per
// sequence, overlapping instances on their private streams.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/superdarn-hankasalmi/borealis/internal/config"
	"github.com/superdarn-hankasalmi/borealis/internal/gpu"
	"github.com/superdarn-hankasalmi/borealis/internal/logging"
	"github.com/superdarn-hankasalmi/borealis/internal/radarmsg"
	"github.com/superdarn-hankasalmi/borealis/internal/rxdsp"
	"github.com/superdarn-hankasalmi/borealis/internal/telemetry"
)

const outputDepth = 8

// Receiver admits sequences and tracks the live pipeline instances. Once a
// sequence is admitted it runs to completion or reports failure; the
// receiver never drops or throttles work.
type Receiver struct {
	dev  *gpu.Device
	opts config.Options

	ack    rxdsp.MessageSender
	timing rxdsp.MessageSender
	hub    *telemetry.Hub
	out    chan rxdsp.Result
	log    logging.Logger

	mu   sync.Mutex
	live map[uint32]*rxdsp.SequenceProcessor
	wg   sync.WaitGroup
}

// NewReceiver builds a receiver over one device. ack and timing may be nil
// when the corresponding channel is not connected (tests).
func NewReceiver(dev *gpu.Device, opts config.Options, ack, timing rxdsp.MessageSender, hub *telemetry.Hub, log logging.Logger) *Receiver {
	if log == nil {
		log = logging.Default()
	}
	return &Receiver{
		dev:    dev,
		opts:   opts,
		ack:    ack,
		timing: timing,
		hub:    hub,
		out:    make(chan rxdsp.Result, outputDepth),
		log:    log,
		live:   make(map[uint32]*rxdsp.SequenceProcessor),
	}
}

// Output delivers each sequence's final decimated block to the downstream
// beamforming stage.
func (r *Receiver) Output() <-chan rxdsp.Result { return r.out }

// Live reports the number of sequences currently in flight.
func (r *Receiver) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Submit admits one sequence. It returns once the pipeline instance is
// created and tracked; staging and processing run asynchronously, with the
// instance's work on its own stream.
func (r *Receiver) Submit(params rxdsp.Params) (*rxdsp.SequenceProcessor, error) {
	proc, err := rxdsp.New(r.dev, params, rxdsp.Deps{
		Ack:     r.ack,
		Timing:  r.timing,
		Hub:     r.hub,
		Out:     r.out,
		ShmRoot: r.opts.ShmRoot,
		MaxTaps: r.opts.MaxFilterTapsPerStage,
		Log:     r.log,
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.live[params.SequenceNum] = proc
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		proc.Start()
		<-proc.Done()
		r.mu.Lock()
		delete(r.live, params.SequenceNum)
		r.mu.Unlock()
	}()
	return proc, nil
}

// paramsFromRequest converts a wire request, filling gaps from site
// configuration.
func (r *Receiver) paramsFromRequest(req radarmsg.SequenceRequest) (rxdsp.Params, error) {
	if len(req.DecimationRates) != 3 {
		return rxdsp.Params{}, fmt.Errorf("app: sequence %d carries %d decimation rates, need 3",
			req.SequenceNum, len(req.DecimationRates))
	}
	antennas := int(req.MainAntennas + req.IntfAntennas)
	if antennas == 0 {
		antennas = r.opts.TotalAntennas()
	}
	rate := req.RxSampleRateHz
	if rate > r.opts.MaxRxSampleRate {
		return rxdsp.Params{}, fmt.Errorf("app: sequence %d sample rate %g exceeds site limit %g",
			req.SequenceNum, rate, r.opts.MaxRxSampleRate)
	}
	params := rxdsp.Params{
		SequenceNum:       req.SequenceNum,
		RxFrequenciesHz:   req.RxFrequenciesHz,
		SampleRateHz:      rate,
		NumAntennas:       antennas,
		SamplesPerAntenna: int(req.SamplesPerAntenna),
		SlotName:          req.SlotName,
	}
	for i, d := range req.DecimationRates {
		params.DecimationRates[i] = int(d)
	}
	return params, nil
}

// Run consumes start-of-sequence requests from the control listener until
// the context ends, then waits for in-flight sequences to drain.
func (r *Receiver) Run(ctx context.Context, ctrl *radarmsg.Listener) error {
	defer r.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ctrl.Messages():
			if !ok {
				return nil
			}
			req, isReq := msg.(radarmsg.SequenceRequest)
			if !isReq {
				r.log.Warn("ignoring unexpected control message",
					logging.Field{Key: "kind", Value: msg.Kind()})
				continue
			}
			params, err := r.paramsFromRequest(req)
			if err != nil {
				r.log.Error("rejecting malformed request", logging.Field{Key: "err", Value: err})
				continue
			}
			if _, err := r.Submit(params); err != nil {
				r.log.Error("sequence rejected", logging.Field{Key: "err", Value: err})
			}
		}
	}
}
