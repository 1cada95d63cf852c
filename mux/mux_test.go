package mux

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/nbspou/wstalk/channel"
	"github.com/nbspou/wstalk/frame"
)

func TestOpenSendCloseHandshake(t *testing.T) {
	a, b := newPipePair()

	received := make(chan *channel.Channel, 1)
	initialPayload := make(chan []byte, 1)
	serverMux := New(b, func(ch *channel.Channel, payload []byte) {
		received <- ch
		initialPayload <- payload
	}, nil, Config{Client: false})
	defer serverMux.Close()

	clientMux := New(a, nil, nil, Config{Client: true})
	defer clientMux.Close()

	clientCh, ok := clientMux.OpenChannel(nil)
	if !ok {
		t.Fatal("OpenChannel refused")
	}
	if clientCh.ID() != 2 {
		t.Fatalf("client channel id = %d, want 2", clientCh.ID())
	}

	var serverCh *channel.Channel
	select {
	case serverCh = <-received:
	case <-time.After(time.Second):
		t.Fatal("server did not observe inbound open")
	}
	if serverCh.ID() != 2 {
		t.Fatalf("server channel id = %d, want 2", serverCh.ID())
	}
	if payload := <-initialPayload; len(payload) != 0 {
		t.Fatalf("initial payload = %v, want empty", payload)
	}

	if err := clientCh.Send([]byte{0xDE, 0xAD}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, ok := serverCh.Receive(context.Background())
	if !ok || !bytes.Equal(got, []byte{0xDE, 0xAD}) {
		t.Fatalf("server received (%v, %v), want ([222 173], true)", got, ok)
	}

	if err := clientCh.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, ok := serverCh.Receive(context.Background()); ok {
		t.Fatal("expected server channel's inbound sequence to terminate")
	}

	deadline := time.Now().Add(time.Second)
	for clientCh.State() != channel.StateClosed {
		if time.Now().After(deadline) {
			t.Fatalf("client channel did not reach StateClosed, state = %v", clientCh.State())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSimultaneousOpensNoCollision(t *testing.T) {
	a, b := newPipePair()

	aReceived := make(chan *channel.Channel, 1)
	bReceived := make(chan *channel.Channel, 1)

	clientMux := New(a, func(ch *channel.Channel, _ []byte) { aReceived <- ch }, nil, Config{Client: true})
	defer clientMux.Close()
	serverMux := New(b, func(ch *channel.Channel, _ []byte) { bReceived <- ch }, nil, Config{Client: false})
	defer serverMux.Close()

	clientCh, ok := clientMux.OpenChannel(nil)
	if !ok {
		t.Fatal("client OpenChannel refused")
	}
	serverCh, ok := serverMux.OpenChannel(nil)
	if !ok {
		t.Fatal("server OpenChannel refused")
	}

	if clientCh.ID() != 2 {
		t.Fatalf("client-opened id = %d, want 2", clientCh.ID())
	}
	if serverCh.ID() != 3 {
		t.Fatalf("server-opened id = %d, want 3", serverCh.ID())
	}

	select {
	case got := <-bReceived:
		if got.ID() != 2 {
			t.Fatalf("server observed id %d, want 2", got.ID())
		}
	case <-time.After(time.Second):
		t.Fatal("server did not observe client's open")
	}
	select {
	case got := <-aReceived:
		if got.ID() != 3 {
			t.Fatalf("client observed id %d, want 3", got.ID())
		}
	case <-time.After(time.Second):
		t.Fatal("client did not observe server's open")
	}
}

func TestShortVsLongIDBoundary(t *testing.T) {
	const boundary = uint64(0x10000)

	a, b := newPipePair()

	received := make(chan struct{}, 2)
	serverMux := New(b, func(*channel.Channel, []byte) { received <- struct{}{} }, nil, Config{Client: false})
	defer serverMux.Close()

	clientMux := New(a, nil, nil, Config{Client: true})
	defer clientMux.Close()

	clientMux.mu.Lock()
	clientMux.nextID = boundary - 2
	clientMux.mu.Unlock()

	ch1, ok := clientMux.OpenChannel(nil)
	if !ok || ch1.ID() != boundary-2 {
		t.Fatalf("unexpected first channel: ok=%v id=%d", ok, ch1.ID())
	}
	if got := frame.HeaderLen(ch1.ID()); got != 3 {
		t.Fatalf("HeaderLen(%d) = %d, want 3", ch1.ID(), got)
	}

	ch2, ok := clientMux.OpenChannel(nil)
	if !ok || ch2.ID() != boundary {
		t.Fatalf("unexpected second channel: ok=%v id=%d", ok, ch2.ID())
	}
	if got := frame.HeaderLen(ch2.ID()); got != frame.MaxHeaderLen {
		t.Fatalf("HeaderLen(%d) = %d, want %d", ch2.ID(), got, frame.MaxHeaderLen)
	}

	<-received
	<-received
}

// TestCloseRaceDataDuringClosing injects a data frame, as if sent by a peer
// unaware the local close has been sent, onto a channel that has already
// moved into this Multiplexer's `closing` map. Delivery must succeed rather
// than be treated as data for an unknown channel.
func TestCloseRaceDataDuringClosing(t *testing.T) {
	a, b := newPipePair()

	clientMux := New(a, nil, nil, Config{Client: true})
	defer clientMux.Close()

	clientCh, ok := clientMux.OpenChannel(nil)
	if !ok {
		t.Fatal("OpenChannel refused")
	}
	if err := clientCh.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	encoded := frame.AppendEncode(nil, frame.CommandData, clientCh.ID(), []byte("in flight"))
	if err := b.Send(encoded); err != nil {
		t.Fatalf("injecting data frame: %v", err)
	}

	got, ok := clientCh.Receive(context.Background())
	if !ok || string(got) != "in flight" {
		t.Fatalf("data during closing: (%q, %v), want (\"in flight\", true)", got, ok)
	}
}

func TestProtocolViolationTearsDownMultiplexer(t *testing.T) {
	a, b := newPipePair()

	closed := make(chan struct{})
	clientMux := New(a, nil, func() { close(closed) }, Config{Client: true})

	ch1, _ := clientMux.OpenChannel(nil)
	ch2, _ := clientMux.OpenChannel(nil)

	// Breaking reserved bit 0 set.
	if err := b.Send([]byte{0x01, 0x00, 0x00}); err != nil {
		t.Fatalf("injecting violation: %v", err)
	}

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("on-close was not invoked after protocol violation")
	}

	if ch1.State() != channel.StateClosed || ch2.State() != channel.StateClosed {
		t.Fatalf("channels not force-closed: %v, %v", ch1.State(), ch2.State())
	}
	if clientMux.IsOpen() {
		t.Fatal("multiplexer should report closed")
	}
}

// TestIDExhaustionBoundary seeds nextID one allocation short of the limit:
// the last legal OpenChannel call must still succeed, and the one after it
// must be refused rather than wrap or allocate past channelIDLimit.
func TestIDExhaustionBoundary(t *testing.T) {
	a, b := newPipePair()

	serverMux := New(b, func(*channel.Channel, []byte) {}, nil, Config{Client: false})
	defer serverMux.Close()

	clientMux := New(a, nil, nil, Config{Client: true})
	defer clientMux.Close()

	clientMux.mu.Lock()
	clientMux.nextID = channelIDLimit - 2
	clientMux.mu.Unlock()

	ch, ok := clientMux.OpenChannel(nil)
	if !ok || ch.ID() != channelIDLimit-2 {
		t.Fatalf("last legal OpenChannel: ok=%v id=%d, want true, %d", ok, ch.ID(), channelIDLimit-2)
	}
	if clientMux.ChannelsAvailable() {
		t.Fatal("ChannelsAvailable should be false once nextID reaches the limit")
	}

	if _, ok := clientMux.OpenChannel(nil); ok {
		t.Fatal("OpenChannel past the id limit should be refused")
	}
}

// TestUnknownChannelDataTearsDownMultiplexer exercises the fatal path for a
// data frame addressed to a channel id the Multiplexer has never opened or
// accepted.
func TestUnknownChannelDataTearsDownMultiplexer(t *testing.T) {
	a, b := newPipePair()

	closed := make(chan struct{})
	clientMux := New(a, nil, func() { close(closed) }, Config{Client: true})

	encoded := frame.AppendEncode(nil, frame.CommandData, 99, []byte("orphan"))
	if err := b.Send(encoded); err != nil {
		t.Fatalf("injecting data frame: %v", err)
	}

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("on-close was not invoked after unknown-channel data")
	}
	if clientMux.IsOpen() {
		t.Fatal("multiplexer should report closed")
	}
}

// TestDuplicateOpenTearsDownMultiplexer exercises the fatal path for two
// open-channel frames naming the same id.
func TestDuplicateOpenTearsDownMultiplexer(t *testing.T) {
	a, b := newPipePair()

	closed := make(chan struct{})
	clientMux := New(a, func(*channel.Channel, []byte) {}, func() { close(closed) }, Config{Client: true})

	first := frame.AppendEncode(nil, frame.CommandOpen, 3, nil)
	if err := b.Send(first); err != nil {
		t.Fatalf("injecting first open: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for clientMux.IsOpen() {
		clientMux.mu.Lock()
		_, ok := clientMux.open[3]
		clientMux.mu.Unlock()
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first open was never accepted")
		}
		time.Sleep(time.Millisecond)
	}

	second := frame.AppendEncode(nil, frame.CommandOpen, 3, nil)
	if err := b.Send(second); err != nil {
		t.Fatalf("injecting duplicate open: %v", err)
	}

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("on-close was not invoked after duplicate open")
	}
	if clientMux.IsOpen() {
		t.Fatal("multiplexer should report closed")
	}
}

// TestCloseOfUnknownChannelTearsDownMultiplexer exercises the fatal path for
// a close-channel frame naming an id the Multiplexer never opened.
func TestCloseOfUnknownChannelTearsDownMultiplexer(t *testing.T) {
	a, b := newPipePair()

	closed := make(chan struct{})
	clientMux := New(a, nil, func() { close(closed) }, Config{Client: true})

	encoded := frame.AppendEncode(nil, frame.CommandClose, 99, nil)
	if err := b.Send(encoded); err != nil {
		t.Fatalf("injecting close frame: %v", err)
	}

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("on-close was not invoked after close of unknown channel")
	}
	if clientMux.IsOpen() {
		t.Fatal("multiplexer should report closed")
	}
}

func TestKeepAliveGating(t *testing.T) {
	a, b := newPipePair()

	clientMux := New(a, nil, nil, Config{Client: true, KeepAliveEnabled: true})
	defer clientMux.Close()

	if hb := a.Heartbeat(); hb != 0 {
		t.Fatalf("heartbeat = %v, want 0 before any channel", hb)
	}

	ch, ok := clientMux.OpenChannel(nil)
	if !ok {
		t.Fatal("OpenChannel refused")
	}
	if hb := a.Heartbeat(); hb != heartbeatInterval {
		t.Fatalf("heartbeat = %v, want %v after open", hb, heartbeatInterval)
	}

	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	confirmation := frame.AppendEncode(nil, frame.CommandClose, ch.ID(), nil)
	if err := b.Send(confirmation); err != nil {
		t.Fatalf("injecting close confirmation: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for a.Heartbeat() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("heartbeat = %v, want 0 after close confirmation", a.Heartbeat())
		}
		time.Sleep(time.Millisecond)
	}
}
