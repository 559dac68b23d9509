package radarmsg

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAckRoundTrip(t *testing.T) {
	in := Ack{SequenceNum: 42}
	out, err := Decode(Encode(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestTimingRoundTrip(t *testing.T) {
	tests := []Timing{
		{SequenceNum: 7, KernelTimeMs: 12.5, TotalTimeMs: 20.25, Status: StatusOK},
		{SequenceNum: 8, KernelTimeMs: FailureKernelTime, TotalTimeMs: FailureKernelTime, Status: StatusSlotMissing},
	}
	for _, in := range tests {
		out, err := Decode(Encode(in))
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestSequenceRequestRoundTrip(t *testing.T) {
	in := SequenceRequest{
		SequenceNum:       1001,
		RxFrequenciesHz:   []float64{1e6, -0.5e6},
		DecimationRates:   []uint32{10, 10, 5},
		RxSampleRateHz:    5e6,
		MainAntennas:      16,
		IntfAntennas:      4,
		SlotName:          "borealis_rx.3",
		SamplesPerAntenna: 1_000_000,
	}
	out, err := Decode(Encode(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeSkipsUnknownTags(t *testing.T) {
	payload := Encode(Ack{SequenceNum: 9})

	// A newer producer appends fields this decoder has never heard of.
	var w fieldWriter
	w.buf = payload
	w.u64(200, 0xDEADBEEF)
	w.bytes(201, []byte("future metadata"))
	w.f64(202, 3.14)

	out, err := Decode(w.buf)
	require.NoError(t, err)
	assert.Equal(t, Ack{SequenceNum: 9}, out)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	tests := [][]byte{
		{1},                 // truncated header
		{1, 99, 0, 0, 0, 0}, // unknown wire type
		{1, wireU32, 0, 0},  // field runs past end
		{},                  // no kind at all
	}
	for _, payload := range tests {
		_, err := Decode(payload)
		assert.Error(t, err)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payloads := [][]byte{
		Encode(Ack{SequenceNum: 1}),
		Encode(Timing{SequenceNum: 2, KernelTimeMs: 5}),
		Encode(Ack{SequenceNum: 3}),
	}
	for _, p := range payloads {
		require.NoError(t, WriteFrame(&buf, p))
	}
	for _, want := range payloads {
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, maxFrameBytes+1))
	assert.Error(t, err)
}

func TestStatusStrings(t *testing.T) {
	assert.Equal(t, "OK", StatusOK.String())
	assert.Equal(t, "SLOT_MISSING", StatusSlotMissing.String())
	assert.Equal(t, "ALLOC_FAILED", StatusAllocFailed.String())
	assert.Equal(t, "LAUNCH_INVALID", StatusLaunchInvalid.String())
	assert.Equal(t, "COPY_FAILED", StatusCopyFailed.String())
}
