// Package config loads the immutable start-up configuration for the
// receive-side core. All tuning lives here; nothing is mutable at runtime.
package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

// Options is the full configuration consumed by the core.
type Options struct {
	MainAntennaCount int `mapstructure:"main_antenna_count"`
	IntfAntennaCount int `mapstructure:"intf_antenna_count"`

	MaxRxSampleRate     float64 `mapstructure:"max_rx_sample_rate"`
	MaxOutputSampleRate float64 `mapstructure:"max_output_sample_rate"`

	MaxFilteringStages    int `mapstructure:"max_filtering_stages"`
	MaxFilterTapsPerStage int `mapstructure:"max_filter_taps_per_stage"`

	RingbufferName      string `mapstructure:"ringbuffer_name"`
	RingbufferSizeBytes int64  `mapstructure:"ringbuffer_size_bytes"`
	ShmRoot             string `mapstructure:"shm_root"`

	AckEndpoint     string `mapstructure:"ack_endpoint"`
	TimingEndpoint  string `mapstructure:"timing_endpoint"`
	ControlEndpoint string `mapstructure:"control_endpoint"`

	DeviceMemBytes int64  `mapstructure:"device_mem_bytes"`
	TelemetryAddr  string `mapstructure:"telemetry_addr"`
	HistoryLimit   int    `mapstructure:"history_limit"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// Defaults returns the options used when no config file is found. There is
// no guarantee these suit a particular radar site; they match the test
// arrays.
func Defaults() Options {
	return Options{
		MainAntennaCount:      16,
		IntfAntennaCount:      4,
		MaxRxSampleRate:       5e6,
		MaxOutputSampleRate:   10e3,
		MaxFilteringStages:    3,
		MaxFilterTapsPerStage: 2048,
		RingbufferName:        "borealis_rx",
		RingbufferSizeBytes:   512 << 20,
		ShmRoot:               "/dev/shm",
		AckEndpoint:           "tcp://127.0.0.1:7878",
		TimingEndpoint:        "tcp://127.0.0.1:7879",
		ControlEndpoint:       "tcp://127.0.0.1:7877",
		DeviceMemBytes:        4 << 30,
		TelemetryAddr:         "127.0.0.1:7880",
		HistoryLimit:          500,
		LogLevel:              "info",
		LogFormat:             "text",
	}
}

// Load reads configuration from an 'rxcore' file (TOML) found in
// /etc/borealis or the working directory, falling back to Defaults when no
// file exists. extraPaths are searched first.
func Load(extraPaths ...string) (Options, error) {
	v := viper.New()
	v.SetConfigName("rxcore") // name of config file (without extension)
	for _, p := range extraPaths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath("/etc/borealis")
	v.AddConfigPath(".")

	opts := Defaults()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Options{}, fmt.Errorf("config: read: %w", err)
		}
		return opts, opts.Validate()
	}
	if err := v.Unmarshal(&opts); err != nil {
		return Options{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return opts, opts.Validate()
}

// Validate rejects configurations the core cannot run with.
func (o Options) Validate() error {
	if o.MainAntennaCount <= 0 || o.IntfAntennaCount < 0 {
		return fmt.Errorf("config: bad antenna counts (%d main, %d intf)",
			o.MainAntennaCount, o.IntfAntennaCount)
	}
	if o.MaxRxSampleRate <= 0 || o.MaxOutputSampleRate <= 0 {
		return errors.New("config: sample rates must be positive")
	}
	if o.MaxOutputSampleRate > o.MaxRxSampleRate {
		return errors.New("config: max output rate exceeds max rx rate")
	}
	if o.MaxFilteringStages != 3 {
		return fmt.Errorf("config: max_filtering_stages is fixed at 3, got %d", o.MaxFilteringStages)
	}
	if o.MaxFilterTapsPerStage <= 0 || o.MaxFilterTapsPerStage&(o.MaxFilterTapsPerStage-1) != 0 {
		return fmt.Errorf("config: max_filter_taps_per_stage must be a power of two, got %d",
			o.MaxFilterTapsPerStage)
	}
	if o.RingbufferName == "" {
		return errors.New("config: ringbuffer_name is required")
	}
	if o.RingbufferSizeBytes <= 0 {
		return errors.New("config: ringbuffer_size_bytes must be positive")
	}
	if o.AckEndpoint == "" || o.TimingEndpoint == "" {
		return errors.New("config: ack and timing endpoints are required")
	}
	if o.HistoryLimit <= 0 {
		return errors.New("config: history_limit must be positive")
	}
	return nil
}

// TotalAntennas is the number of receive channels across both arrays.
func (o Options) TotalAntennas() int {
	return o.MainAntennaCount + o.IntfAntennaCount
}
