package radarmsg

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/superdarn-hankasalmi/borealis/internal/logging"
	"github.com/superdarn-hankasalmi/borealis/internal/mdns"
)

const (
	dialTimeout    = 5 * time.Second
	writeTimeout   = 5 * time.Second
	maxDialRetries = 8
	mdnsTimeout    = 3 * time.Second
)

// ResolveEndpoint turns a transport-neutral URI into a dialable network and
// address. Supported schemes: tcp://host:port, unix:///path, and
// mdns://instance (resolved by browsing for advertised endpoints).
func ResolveEndpoint(uri string) (network, addr string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("radarmsg: bad endpoint %q: %w", uri, err)
	}
	switch u.Scheme {
	case "tcp":
		return "tcp", u.Host, nil
	case "unix", "ipc":
		return "unix", u.Path, nil
	case "mdns":
		instance := u.Host
		if instance == "" {
			instance = strings.TrimPrefix(u.Opaque, "//")
		}
		addr, err := mdns.Resolve(instance, mdnsTimeout)
		if err != nil {
			return "", "", err
		}
		return "tcp", addr, nil
	default:
		return "", "", fmt.Errorf("radarmsg: unsupported endpoint scheme %q", u.Scheme)
	}
}

// Sender is one outbound message channel. It is single-producer from the
// core's perspective; Send is still safe for concurrent use because stream
// callbacks from overlapping sequences share a channel.
type Sender struct {
	uri string
	log logging.Logger

	mu   sync.Mutex
	conn net.Conn
}

// NewSender returns an unconnected sender for the endpoint URI.
func NewSender(uri string, log logging.Logger) *Sender {
	if log == nil {
		log = logging.Default()
	}
	return &Sender{uri: uri, log: log.With(logging.Field{Key: "endpoint", Value: uri})}
}

// Connect resolves and dials the endpoint, retrying with exponential
// backoff.
func (s *Sender) Connect() error {
	network, addr, err := ResolveEndpoint(s.uri)
	if err != nil {
		return err
	}
	op := func() error {
		conn, err := net.DialTimeout(network, addr, dialTimeout)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		return nil
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxDialRetries)); err != nil {
		return fmt.Errorf("radarmsg: connect %s: %w", s.uri, err)
	}
	return nil
}

// SetConn injects a connection directly (tests, tunnels).
func (s *Sender) SetConn(conn net.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// Send writes one message as a frame. A send failure never fails the
// sequence that produced the message: callers log and drop.
func (s *Sender) Send(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("radarmsg: %s not connected", s.uri)
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return WriteFrame(s.conn, Encode(m))
}

// Close shuts the channel down.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Listener accepts inbound message frames on an endpoint and delivers the
// decoded messages on a channel. Used for the control channel and by test
// consumers of the ack and timing channels.
type Listener struct {
	ln   net.Listener
	out  chan Message
	log  logging.Logger
	done chan struct{}
	once sync.Once
}

// Listen binds the endpoint URI and starts accepting senders.
func Listen(uri string, log logging.Logger) (*Listener, error) {
	if log == nil {
		log = logging.Default()
	}
	network, addr, err := ResolveEndpoint(uri)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("radarmsg: listen %s: %w", uri, err)
	}
	l := &Listener{
		ln:   ln,
		out:  make(chan Message, 64),
		log:  log.With(logging.Field{Key: "endpoint", Value: uri}),
		done: make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Messages returns the stream of decoded inbound messages.
func (l *Listener) Messages() <-chan Message { return l.out }

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
			default:
				l.log.Warn("accept failed", logging.Field{Key: "err", Value: err})
			}
			return
		}
		go l.readLoop(conn)
	}
}

func (l *Listener) readLoop(conn net.Conn) {
	defer conn.Close()
	for {
		payload, err := ReadFrame(conn)
		if err != nil {
			return
		}
		msg, err := Decode(payload)
		if err != nil {
			l.log.Warn("dropping undecodable frame", logging.Field{Key: "err", Value: err})
			continue
		}
		select {
		case l.out <- msg:
		case <-l.done:
			return
		}
	}
}

// Close stops accepting and releases the endpoint.
func (l *Listener) Close() error {
	l.once.Do(func() { close(l.done) })
	return l.ln.Close()
}
