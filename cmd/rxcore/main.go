// rxcore is the receive-side signal processing daemon: it accepts pulse
// sequence requests from radar control, decimates the raw ring-buffer
// samples for every receive frequency, and reports acks and kernel timing
// back to the transmit side.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/superdarn-hankasalmi/borealis/internal/app"
	"github.com/superdarn-hankasalmi/borealis/internal/config"
	"github.com/superdarn-hankasalmi/borealis/internal/gpu"
	"github.com/superdarn-hankasalmi/borealis/internal/logging"
	"github.com/superdarn-hankasalmi/borealis/internal/radarmsg"
	"github.com/superdarn-hankasalmi/borealis/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configDir := pflag.String("config-dir", "", "extra directory searched for rxcore.toml")
	logLevel := pflag.String("log-level", "", "override configured log level")
	pflag.Parse()

	var paths []string
	if *configDir != "" {
		paths = append(paths, *configDir)
	}
	opts, err := config.Load(paths...)
	if err != nil {
		return err
	}

	levelStr := opts.LogLevel
	if *logLevel != "" {
		levelStr = *logLevel
	}
	level, err := logging.ParseLevel(levelStr)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(opts.LogFormat)
	if err != nil {
		return err
	}
	log := logging.New(level, format, os.Stderr)
	logging.SetDefault(log)

	devices, err := gpu.Probe(opts.DeviceMemBytes)
	if err != nil {
		return fmt.Errorf("device probe: %w", err)
	}
	dev := devices[0]
	log.Info("device ready",
		logging.Field{Key: "name", Value: dev.Name},
		logging.Field{Key: "maxThreads", Value: dev.MaxThreadsPerBlock},
		logging.Field{Key: "sharedMem", Value: dev.SharedMemPerBlock},
		logging.Field{Key: "warp", Value: dev.WarpSize})

	ack := radarmsg.NewSender(opts.AckEndpoint, log)
	if err := ack.Connect(); err != nil {
		return err
	}
	defer ack.Close()
	timing := radarmsg.NewSender(opts.TimingEndpoint, log)
	if err := timing.Connect(); err != nil {
		return err
	}
	defer timing.Close()

	hub := telemetry.NewHub(opts.HistoryLimit, log)
	if opts.TelemetryAddr != "" {
		go func() {
			if err := hub.Serve(opts.TelemetryAddr); err != nil {
				log.Warn("telemetry server stopped", logging.Field{Key: "err", Value: err})
			}
		}()
	}

	ctrl, err := radarmsg.Listen(opts.ControlEndpoint, log)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	receiver := app.NewReceiver(dev, opts, ack, timing, hub, log)

	// Downstream beamforming attaches here; until it does, account for the
	// blocks so the pipeline never stalls on a full channel.
	go func() {
		for res := range receiver.Output() {
			log.Debug("decimated block ready",
				logging.Field{Key: "seq", Value: res.SequenceNum},
				logging.Field{Key: "freqs", Value: res.NumFreqs},
				logging.Field{Key: "samples", Value: res.SamplesPerChannel})
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("rxcore ready",
		logging.Field{Key: "control", Value: opts.ControlEndpoint},
		logging.Field{Key: "ack", Value: opts.AckEndpoint},
		logging.Field{Key: "timing", Value: opts.TimingEndpoint})
	err = receiver.Run(ctx, ctrl)
	if err == context.Canceled {
		err = nil
	}
	return err
}
