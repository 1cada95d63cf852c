// Package channel implements the owning record for one logical stream
// multiplexed over a Multiplexer: payload send, a lazy finite sequence of
// inbound payloads, and the local/remote close state machine.
package channel

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// State is one of the four states a Channel passes through during its
// lifetime: open, local-closed (local Close() called, awaiting peer
// confirmation), remote-closed (peer closed first, confirmation already
// replied), or closed (terminal).
type State int32

const (
	// StateOpen is the initial state: both directions are live.
	StateOpen State = iota
	// StateLocalClosed means the application called Close locally and a
	// close-channel frame has been sent; the peer's confirmation is
	// pending. Inbound data frames may still arrive and are delivered
	// normally until the peer's close arrives.
	StateLocalClosed
	// StateRemoteClosed means the peer's close-channel frame arrived while
	// the channel was still open locally. The inbound sequence is
	// terminated; a confirmation has been (or is about to be) sent.
	StateRemoteClosed
	// StateClosed is terminal: reached either by receiving the peer's
	// close confirmation after a local close, by Multiplexer teardown, or
	// immediately following StateRemoteClosed once the confirmation is on
	// the wire.
	StateClosed
)

// String renders a State for logging.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateLocalClosed:
		return "local-closed"
	case StateRemoteClosed:
		return "remote-closed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by Send when the channel is not in StateOpen.
var ErrClosed = errors.New("channel: not open")

// Owner is the narrow capability a Channel needs from its Multiplexer: the
// ability to transmit a data frame on the channel's id, and to request that
// the Multiplexer begin closing it. It exists so that channel does not need
// to import mux, keeping the back-reference non-owning and the dependency
// direction single-way (mux depends on channel, not the reverse).
type Owner interface {
	// SendData transmits payload as a data frame on behalf of id. It is
	// called with the channel already verified to be open.
	SendData(id uint64, payload []byte) error
	// RequestClose asks the owner to move the channel from its open set to
	// its closing set and transmit a close-channel frame. It is a no-op if
	// the owner no longer recognizes the channel.
	RequestClose(ch *Channel)
}

// Channel is one logical bidirectional byte-frame stream multiplexed over a
// Multiplexer's transport. The zero Channel is not usable; construct one
// with New.
type Channel struct {
	id    uint64
	owner Owner

	mu         sync.Mutex
	cond       *sync.Cond
	state      State
	inbox      [][]byte
	terminated bool
}

// New constructs a Channel with the given id, owned by owner. It is placed
// into StateOpen.
func New(id uint64, owner Owner) *Channel {
	c := &Channel{
		id:    id,
		owner: owner,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// ID returns the channel's 48-bit id.
func (c *Channel) ID() uint64 {
	return c.id
}

// State returns the channel's current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send encodes and transmits payload as a data frame on this channel. It
// fails with ErrClosed if the channel is not in StateOpen.
func (c *Channel) Send(payload []byte) error {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()
	return c.owner.SendData(c.id, payload)
}

// Close requests a local close. It is idempotent: calling it when the
// channel is not in StateOpen is a silent no-op. On success it transitions
// StateOpen -> StateLocalClosed and asks the owning Multiplexer to move the
// channel into its closing set and transmit a close-channel frame.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return nil
	}
	c.state = StateLocalClosed
	c.mu.Unlock()

	c.owner.RequestClose(c)
	return nil
}

// Deliver appends an inbound data payload to the channel's sequence. It is
// called by the owning Multiplexer's dispatch loop; payload ownership
// transfers to the channel.
func (c *Channel) Deliver(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return
	}
	c.inbox = append(c.inbox, payload)
	c.cond.Broadcast()
}

// MarkRemoteClosed signals that the peer has closed this channel. It
// terminates the inbound sequence (per spec: "at most once; its inbound
// sequence terminates on the first such transition") and advances the state
// machine: StateOpen -> StateRemoteClosed (peer closed first; a confirmation
// is expected to be sent by the caller), StateLocalClosed -> StateClosed
// (this is the confirmation we were awaiting). Any other current state is
// left unchanged, since the channel is already terminal.
func (c *Channel) MarkRemoteClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateOpen:
		c.state = StateRemoteClosed
	case StateLocalClosed:
		c.state = StateClosed
	}
	c.terminated = true
	c.cond.Broadcast()
}

// FinishRemoteClose advances a channel that was just marked StateRemoteClosed
// to StateClosed, once the owning Multiplexer has sent (or attempted to
// send) the close confirmation frame. It is a no-op from any other state.
func (c *Channel) FinishRemoteClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateRemoteClosed {
		c.state = StateClosed
	}
}

// ForceClosed jumps the channel directly to StateClosed and terminates its
// inbound sequence, regardless of prior state. It is used by Multiplexer
// teardown, which closes every remaining channel unconditionally.
func (c *Channel) ForceClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateClosed
	c.terminated = true
	c.cond.Broadcast()
}

// Receive blocks until the next inbound payload is available, the channel's
// sequence terminates, or ctx is done. It returns (payload, true) for a
// delivered payload, or (nil, false) once the sequence has terminated and no
// payload remains. Receive is safe to call from a single consumer goroutine;
// it is not restartable past termination.
func (c *Channel) Receive(ctx context.Context) ([]byte, bool) {
	if ctx != nil {
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				c.mu.Lock()
				c.cond.Broadcast()
				c.mu.Unlock()
			case <-done:
			}
		}()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.inbox) == 0 && !c.terminated {
		if ctx != nil && ctx.Err() != nil {
			return nil, false
		}
		c.cond.Wait()
	}
	if len(c.inbox) == 0 {
		return nil, false
	}
	payload := c.inbox[0]
	c.inbox = c.inbox[1:]
	return payload, true
}
