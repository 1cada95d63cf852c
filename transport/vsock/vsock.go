// Package vsock adapts an AF_VSOCK stream connection, dialed or accepted via
// linuxkit/virtsock, into a transport.Transport. AF_VSOCK delivers an
// ordered byte stream rather than discrete messages, so message boundaries
// are recovered with internal/framing.
package vsock

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/linuxkit/virtsock/pkg/vsock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nbspou/wstalk/internal/framing"
)

var log = logrus.WithField("component", "transport/vsock")

// CIDAny dials/listens against any context id, matching vsock.CIDAny.
const CIDAny = vsock.CIDAny

// Dial opens an AF_VSOCK connection to (cid, port) and wraps it.
func Dial(cid, port uint32) (*Transport, error) {
	conn, err := vsock.Dial(cid, port)
	if err != nil {
		return nil, errors.Wrap(err, "transport/vsock: dial")
	}
	return New(conn), nil
}

// Listener accepts AF_VSOCK connections and wraps each as a Transport.
type Listener struct {
	inner net.Listener
}

// Listen opens an AF_VSOCK listener on (cid, port).
func Listen(cid, port uint32) (*Listener, error) {
	l, err := vsock.Listen(cid, port)
	if err != nil {
		return nil, errors.Wrap(err, "transport/vsock: listen")
	}
	return &Listener{inner: l}, nil
}

// Accept blocks for the next inbound connection and wraps it.
func (l *Listener) Accept() (*Transport, error) {
	conn, err := l.inner.Accept()
	if err != nil {
		return nil, errors.Wrap(err, "transport/vsock: accept")
	}
	return New(conn), nil
}

// Close closes the underlying listener.
func (l *Listener) Close() error {
	return l.inner.Close()
}

// Transport implements transport.Transport over a raw net.Conn stream,
// using internal/framing to recover message boundaries. AF_VSOCK has no
// native ping/pong; the heartbeat is emulated by sending a zero-length
// frame, which the Multiplexer on the other end never sees as a protocol
// frame (it arrives as an empty transport message and is simply ignored by
// a peer not expecting it, matching how this adapter discards one itself).
type Transport struct {
	conn net.Conn
	enc  *framing.Encoder

	writeMu sync.Mutex

	messages chan []byte
	done     chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error

	heartbeatMu sync.Mutex
	heartbeat   time.Duration
	resetTicker chan struct{}
}

// New wraps conn and starts its read loop.
func New(conn net.Conn) *Transport {
	t := &Transport{
		conn:        conn,
		enc:         framing.NewEncoder(conn),
		messages:    make(chan []byte, 16),
		done:        make(chan struct{}),
		resetTicker: make(chan struct{}, 1),
	}
	go t.pinger()
	go t.reader()
	return t
}

func (t *Transport) Send(payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	select {
	case <-t.done:
		return errors.New("transport/vsock: send on closed transport")
	default:
	}
	return t.enc.Encode(payload)
}

func (t *Transport) Messages() <-chan []byte {
	return t.messages
}

func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	return t.conn.Close()
}

func (t *Transport) SetHeartbeat(interval time.Duration) {
	t.heartbeatMu.Lock()
	t.heartbeat = interval
	t.heartbeatMu.Unlock()
	select {
	case t.resetTicker <- struct{}{}:
	default:
	}
}

func (t *Transport) currentHeartbeat() time.Duration {
	t.heartbeatMu.Lock()
	defer t.heartbeatMu.Unlock()
	return t.heartbeat
}

func (t *Transport) pinger() {
	for {
		interval := t.currentHeartbeat()
		if interval <= 0 {
			select {
			case <-t.done:
				return
			case <-t.resetTicker:
				continue
			}
		}
		select {
		case <-t.done:
			return
		case <-t.resetTicker:
			continue
		case <-time.After(interval):
			if err := t.Send(nil); err != nil {
				log.WithError(err).Warn("failed to send heartbeat frame")
			}
		}
	}
}

func (t *Transport) reader() {
	defer close(t.messages)
	dec := framing.NewDecoder(t.conn)
	for {
		payload, err := dec.Decode()
		if err != nil {
			t.mu.Lock()
			if !errors.Is(err, io.EOF) {
				t.err = err
			}
			t.mu.Unlock()
			return
		}
		if len(payload) == 0 {
			// Heartbeat frame; not handed to the Multiplexer.
			continue
		}
		cp := append([]byte(nil), payload...)
		select {
		case t.messages <- cp:
		case <-t.done:
			return
		}
	}
}
