// Package ws adapts a gorilla/websocket connection into a transport.Transport:
// binary messages in both directions, ping/pong keep-alive, and a
// runtime-programmable heartbeat interval.
package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "transport/ws")

const (
	defaultReadTimeout  = 60 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// Conn is the subset of *websocket.Conn this adapter depends on, so tests
// can substitute a fake.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	ReadMessage() (messageType int, p []byte, err error)
	SetReadDeadline(t time.Time) error
	SetPingHandler(h func(string) error)
	SetPongHandler(h func(string) error)
	Close() error
}

// Transport wraps a Conn, implementing transport.Transport.
type Transport struct {
	conn Conn

	writeMu sync.Mutex

	messages  chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error

	heartbeatMu sync.Mutex
	heartbeat   time.Duration
	resetPing   chan struct{}
}

// New wraps conn and starts its read loop. The returned Transport is ready
// to hand to mux.New.
func New(conn Conn) *Transport {
	t := &Transport{
		conn:      conn,
		messages:  make(chan []byte, 16),
		done:      make(chan struct{}),
		resetPing: make(chan struct{}, 1),
	}

	conn.SetPingHandler(func(string) error {
		t.writeMu.Lock()
		defer t.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(defaultWriteTimeout))
	})
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(defaultReadTimeout))
	})
	conn.SetReadDeadline(time.Now().Add(defaultReadTimeout))

	go t.pinger()
	go t.reader()
	return t
}

func (t *Transport) Send(payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	select {
	case <-t.done:
		return errors.New("transport/ws: send on closed transport")
	default:
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, payload)
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
	case t.resetPing <- struct{}{}:
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
			case <-t.resetPing:
				continue
			}
		}
		select {
		case <-t.done:
			return
		case <-t.resetPing:
			continue
		case <-time.After(interval):
			t.writeMu.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWriteTimeout))
			t.writeMu.Unlock()
			if err != nil {
				log.WithError(err).Warn("failed to write ping")
			}
		}
	}
}

func (t *Transport) reader() {
	defer close(t.messages)
	for {
		msgType, payload, err := t.conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.err = err
			}
			t.mu.Unlock()
			return
		}
		if msgType != websocket.BinaryMessage {
			t.mu.Lock()
			t.err = errors.Errorf("transport/ws: unexpected message type %d", msgType)
			t.mu.Unlock()
			return
		}
		select {
		case t.messages <- payload:
		case <-t.done:
			return
		}
	}
}
