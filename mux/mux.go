// Package mux implements the connection-scoped coordinator: it owns a
// transport.Transport, owns every open and closing channel.Channel, assigns
// channel ids, dispatches inbound frames, drives the two-phase close
// handshake, and manages keep-alive.
package mux

import (
	"bytes"
	"container/ring"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nbspou/wstalk/channel"
	"github.com/nbspou/wstalk/frame"
	"github.com/nbspou/wstalk/transport"
)

var log = logrus.WithField("component", "mux")

const (
	// heartbeatInterval is the keep-alive period programmed on the
	// transport while at least one channel exists.
	heartbeatInterval = 10 * time.Second

	// channelIDLimit is one past the largest allocatable channel id.
	channelIDLimit = uint64(1) << 48

	eventLogSize = 200
)

// ErrClosed is returned by operations attempted after the Multiplexer has
// torn down.
var ErrClosed = errors.New("mux: multiplexer closed")

// OnChannel is invoked, from the dispatch goroutine, when a remote
// open-channel frame creates a new inbound Channel.
type OnChannel func(ch *channel.Channel, initialPayload []byte)

// OnClose is invoked exactly once, after the transport has closed and every
// channel has been signaled remote-closed.
type OnClose func()

// Config carries the three construction-time booleans from the data model:
// role, auto-close-when-empty, and keep-alive.
type Config struct {
	// Client selects even-parity local ids starting at 2. A false value
	// (server role) selects odd-parity ids starting at 3.
	Client bool
	// AutoCloseEmpty closes the Multiplexer the first time both the open
	// and closing maps become empty after having held a channel.
	AutoCloseEmpty bool
	// KeepAliveEnabled programs the transport's heartbeat while at least
	// one channel exists, and clears it otherwise.
	KeepAliveEnabled bool
}

type dispatchEvent struct {
	kind      string
	channelID uint64
	command   frame.Command
}

func (e dispatchEvent) String() string {
	return fmt.Sprintf("%-4s channel=%d command=%d", e.kind, e.channelID, e.command)
}

// Multiplexer is the connection-scoped coordinator described in the package
// doc. The zero value is not usable; construct one with New.
type Multiplexer struct {
	id  string
	log *logrus.Entry
	cfg Config

	onChannel OnChannel
	onClose   OnClose

	mu        sync.Mutex
	transport transport.Transport
	open      map[uint64]*channel.Channel
	closing   map[uint64]*channel.Channel
	nextID    uint64

	eventsMu sync.Mutex
	events   *ring.Ring

	closeOnce    sync.Once
	dispatchDone chan struct{}
}

// New takes ownership of t, begins dispatching its inbound messages, and
// returns the running Multiplexer. onChannel and onClose may be nil.
func New(t transport.Transport, onChannel OnChannel, onClose OnClose, cfg Config) *Multiplexer {
	id := uuid.NewString()
	nextID := uint64(3)
	if cfg.Client {
		nextID = 2
	}
	m := &Multiplexer{
		id:           id,
		log:          log.WithField("session", id),
		cfg:          cfg,
		onChannel:    onChannel,
		onClose:      onClose,
		transport:    t,
		open:         make(map[uint64]*channel.Channel),
		closing:      make(map[uint64]*channel.Channel),
		nextID:       nextID,
		events:       ring.New(eventLogSize),
		dispatchDone: make(chan struct{}),
	}

	m.mu.Lock()
	m.refreshHeartbeatLocked()
	m.mu.Unlock()

	go m.dispatch()
	return m
}

// OpenChannel allocates the next local channel id and transmits an
// open-channel frame carrying initialPayload. It returns (nil, false) only
// when the id space is exhausted or the Multiplexer is already closed; this
// is the only non-fatal refusal in the package.
func (m *Multiplexer) OpenChannel(initialPayload []byte) (*channel.Channel, bool) {
	m.mu.Lock()
	if m.transport == nil {
		m.mu.Unlock()
		return nil, false
	}
	if m.nextID >= channelIDLimit {
		m.mu.Unlock()
		return nil, false
	}
	id := m.nextID
	m.nextID += 2
	ch := channel.New(id, m)
	m.open[id] = ch
	m.refreshHeartbeatLocked()
	m.mu.Unlock()

	if err := m.sendFrame(frame.CommandOpen, id, initialPayload); err != nil {
		m.log.WithError(err).WithField("channel", id).Error("failed to send open-channel frame")
	}
	return ch, true
}

// ChannelsAvailable reports whether a further OpenChannel call could
// succeed, i.e. whether the id space is not yet exhausted.
func (m *Multiplexer) ChannelsAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextID < channelIDLimit
}

// IsOpen reports whether the Multiplexer still holds its transport.
func (m *Multiplexer) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transport != nil
}

// SendData implements channel.Owner: it transmits payload as a data frame
// on behalf of id.
func (m *Multiplexer) SendData(id uint64, payload []byte) error {
	return m.sendFrame(frame.CommandData, id, payload)
}

// RequestClose implements channel.Owner: it moves ch from open to closing
// and transmits a close-channel frame. It is a no-op if ch is not currently
// in open (already closing or already removed).
func (m *Multiplexer) RequestClose(ch *channel.Channel) {
	id := ch.ID()
	m.mu.Lock()
	if _, ok := m.open[id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.open, id)
	m.closing[id] = ch
	m.refreshHeartbeatLocked()
	m.mu.Unlock()

	if err := m.sendFrame(frame.CommandClose, id, nil); err != nil {
		m.log.WithError(err).WithField("channel", id).Error("failed to send close-channel frame")
	}
}

// Close tears down the Multiplexer: detaches the transport, closes it and
// drains the dispatch goroutine concurrently, force-closes every remaining
// channel, and invokes the close callback exactly once. It is idempotent
// and safe to call from the dispatch goroutine itself.
func (m *Multiplexer) Close() error {
	var closeErr error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		t := m.transport
		m.transport = nil
		remaining := make([]*channel.Channel, 0, len(m.open)+len(m.closing))
		for _, ch := range m.open {
			remaining = append(remaining, ch)
		}
		for _, ch := range m.closing {
			remaining = append(remaining, ch)
		}
		m.open = make(map[uint64]*channel.Channel)
		m.closing = make(map[uint64]*channel.Channel)
		m.mu.Unlock()

		for _, ch := range remaining {
			ch.ForceClosed()
		}

		if t != nil {
			g := &errgroup.Group{}
			g.Go(t.Close)
			g.Go(func() error {
				<-m.dispatchDone
				return nil
			})
			closeErr = g.Wait()
		}

		m.invokeOnClose()
	})
	return closeErr
}

// dispatch is the Multiplexer's single dispatch goroutine: it reads
// transport messages until the transport is exhausted or a protocol
// violation occurs, then tears the Multiplexer down.
func (m *Multiplexer) dispatch() {
	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()

	var dispatchErr error
	for raw := range t.Messages() {
		if err := m.handleMessage(raw); err != nil {
			dispatchErr = err
			break
		}
	}
	if dispatchErr == nil {
		dispatchErr = t.Err()
	}
	close(m.dispatchDone)

	if dispatchErr != nil {
		var dump bytes.Buffer
		m.DumpState(&dump)
		m.log.WithError(dispatchErr).Error("tearing down multiplexer")
		m.log.Error(dump.String())
	}
	m.Close()
}

func (m *Multiplexer) handleMessage(raw []byte) error {
	f, err := frame.Decode(raw)
	if err != nil {
		return err
	}
	m.appendEvent("recv", f.ChannelID, f.Command)
	if f.Warning {
		m.log.WithField("channel", f.ChannelID).Warn("peer set the non-breaking reserved bit")
	}

	switch f.Command {
	case frame.CommandData:
		return m.handleData(f)
	case frame.CommandOpen:
		return m.handleOpen(f)
	case frame.CommandClose:
		return m.handleClose(f)
	default:
		return errors.Errorf("mux: reserved system command on channel %d", f.ChannelID)
	}
}

func (m *Multiplexer) handleData(f frame.Frame) error {
	m.mu.Lock()
	ch, ok := m.open[f.ChannelID]
	if !ok {
		ch, ok = m.closing[f.ChannelID]
	}
	m.mu.Unlock()
	if !ok {
		return errors.Errorf("mux: data frame for unknown channel %d", f.ChannelID)
	}
	ch.Deliver(append([]byte(nil), f.Payload...))
	return nil
}

func (m *Multiplexer) handleOpen(f frame.Frame) error {
	if err := m.validateRemoteParity(f.ChannelID); err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.open[f.ChannelID]; ok {
		m.mu.Unlock()
		return errors.Errorf("mux: duplicate open for channel %d", f.ChannelID)
	}
	if _, ok := m.closing[f.ChannelID]; ok {
		m.mu.Unlock()
		return errors.Errorf("mux: duplicate open for channel %d", f.ChannelID)
	}
	ch := channel.New(f.ChannelID, m)
	m.open[f.ChannelID] = ch
	m.refreshHeartbeatLocked()
	m.mu.Unlock()

	m.invokeOnChannel(ch, append([]byte(nil), f.Payload...))
	return nil
}

func (m *Multiplexer) handleClose(f frame.Frame) error {
	m.mu.Lock()
	ch, isOpen := m.open[f.ChannelID]
	var isClosing bool
	if !isOpen {
		ch, isClosing = m.closing[f.ChannelID]
	}
	if !isOpen && !isClosing {
		m.mu.Unlock()
		return errors.Errorf("mux: close frame for unknown channel %d", f.ChannelID)
	}
	if isOpen {
		delete(m.open, f.ChannelID)
	} else {
		delete(m.closing, f.ChannelID)
	}
	m.refreshHeartbeatLocked()
	autoClose := m.checkAutoCloseLocked()
	m.mu.Unlock()

	ch.MarkRemoteClosed()

	if isOpen {
		if err := m.sendFrame(frame.CommandClose, f.ChannelID, nil); err != nil {
			m.log.WithError(err).WithField("channel", f.ChannelID).Error("failed to send close confirmation")
		}
		ch.FinishRemoteClose()
	}

	if autoClose {
		go m.Close()
	}
	return nil
}

// validateRemoteParity enforces that an inbound open's id carries the
// opposite parity from this Multiplexer's own local allocations, promoting
// the spec's SHOULD to a MUST (see DESIGN.md).
func (m *Multiplexer) validateRemoteParity(id uint64) error {
	localParity := uint64(1)
	if m.cfg.Client {
		localParity = 0
	}
	if id%2 == localParity {
		return errors.Errorf("mux: inbound open for channel %d has local parity", id)
	}
	return nil
}

// refreshHeartbeatLocked must be called with mu held. It reflects the
// keep-alive policy: programmed while at least one channel exists, cleared
// once both maps are empty. At construction both maps are empty, so the net
// effect is that the heartbeat starts cleared even though the policy text
// describes programming it "on construction" (see DESIGN.md).
func (m *Multiplexer) refreshHeartbeatLocked() {
	if !m.cfg.KeepAliveEnabled || m.transport == nil {
		return
	}
	if len(m.open) == 0 && len(m.closing) == 0 {
		m.transport.SetHeartbeat(0)
		return
	}
	m.transport.SetHeartbeat(heartbeatInterval)
}

// checkAutoCloseLocked must be called with mu held, after a removal from
// open or closing. It reports whether the Multiplexer should now self-close
// under the auto-close-when-empty policy.
func (m *Multiplexer) checkAutoCloseLocked() bool {
	return m.cfg.AutoCloseEmpty && len(m.open) == 0 && len(m.closing) == 0
}

func (m *Multiplexer) invokeOnChannel(ch *channel.Channel, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("panic", r).Error("on-channel callback panicked")
		}
	}()
	if m.onChannel != nil {
		m.onChannel(ch, payload)
	}
}

func (m *Multiplexer) invokeOnClose() {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("panic", r).Error("on-close callback panicked")
		}
	}()
	if m.onClose != nil {
		m.onClose()
	}
}

func (m *Multiplexer) sendFrame(cmd frame.Command, id uint64, payload []byte) error {
	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()
	if t == nil {
		return ErrClosed
	}
	m.appendEvent("send", id, cmd)
	return t.Send(frame.AppendEncode(nil, cmd, id, payload))
}

func (m *Multiplexer) appendEvent(kind string, id uint64, cmd frame.Command) {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	m.events.Value = dispatchEvent{kind: kind, channelID: id, command: cmd}
	m.events = m.events.Next()
}

// DumpState writes a diagnostic dump of the dispatch event trace and the
// currently open/closing channel ids, modeled on the teacher's
// container/ring-backed event log.
func (m *Multiplexer) DumpState(w io.Writer) {
	m.eventsMu.Lock()
	io.WriteString(w, "dispatch event trace:\n")
	m.events.Do(func(v interface{}) {
		if e, ok := v.(dispatchEvent); ok {
			io.WriteString(w, e.String())
			io.WriteString(w, "\n")
		}
	})
	m.eventsMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	fmt.Fprintf(w, "open channels: %d\n", len(m.open))
	for id := range m.open {
		fmt.Fprintf(w, "  %d\n", id)
	}
	fmt.Fprintf(w, "closing channels: %d\n", len(m.closing))
	for id := range m.closing {
		fmt.Fprintf(w, "  %d\n", id)
	}
	io.WriteString(w, "end of state dump\n")
}
