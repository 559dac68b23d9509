package radarmsg

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superdarn-hankasalmi/borealis/internal/logging"
)

func testLogger() logging.Logger {
	return logging.New(logging.Debug, logging.Text, io.Discard)
}

func TestResolveEndpoint(t *testing.T) {
	tests := []struct {
		uri     string
		network string
		addr    string
		ok      bool
	}{
		{uri: "tcp://127.0.0.1:7878", network: "tcp", addr: "127.0.0.1:7878", ok: true},
		{uri: "unix:///tmp/ack.sock", network: "unix", addr: "/tmp/ack.sock", ok: true},
		{uri: "ipc:///tmp/timing.sock", network: "unix", addr: "/tmp/timing.sock", ok: true},
		{uri: "ftp://nope", ok: false},
	}
	for _, tt := range tests {
		network, addr, err := ResolveEndpoint(tt.uri)
		if !tt.ok {
			assert.Error(t, err, tt.uri)
			continue
		}
		require.NoError(t, err, tt.uri)
		assert.Equal(t, tt.network, network)
		assert.Equal(t, tt.addr, addr)
	}
}

func TestSenderToListener(t *testing.T) {
	ln, err := Listen("tcp://127.0.0.1:0", testLogger())
	require.NoError(t, err)
	defer ln.Close()

	s := NewSender("tcp://"+ln.Addr().String(), testLogger())
	require.NoError(t, s.Connect())
	defer s.Close()

	want := []Message{
		Ack{SequenceNum: 1},
		Timing{SequenceNum: 1, KernelTimeMs: 3.5, TotalTimeMs: 7, Status: StatusOK},
		Ack{SequenceNum: 2},
	}
	for _, m := range want {
		require.NoError(t, s.Send(m))
	}

	for _, m := range want {
		select {
		case got := <-ln.Messages():
			assert.Equal(t, m, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %v", m)
		}
	}
}

func TestSenderWithoutConnection(t *testing.T) {
	s := NewSender("tcp://127.0.0.1:1", testLogger())
	assert.Error(t, s.Send(Ack{SequenceNum: 1}))
}

func TestListenerOverUnixSocket(t *testing.T) {
	sock := t.TempDir() + "/msgs.sock"
	ln, err := Listen("unix://"+sock, testLogger())
	require.NoError(t, err)
	defer ln.Close()

	s := NewSender("unix://"+sock, testLogger())
	require.NoError(t, s.Connect())
	defer s.Close()

	require.NoError(t, s.Send(Ack{SequenceNum: 77}))
	select {
	case got := <-ln.Messages():
		assert.Equal(t, Ack{SequenceNum: 77}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}
