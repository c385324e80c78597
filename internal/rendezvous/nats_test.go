package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-interview/internal/bus"
	"github.com/loqalabs/loqa-interview/internal/clock"
	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/faults"
	"github.com/loqalabs/loqa-interview/internal/media"
	"github.com/loqalabs/loqa-interview/internal/natsserver"
	"github.com/loqalabs/loqa-interview/internal/protocol"
)

func connectPair(t *testing.T) (*bus.Client, *bus.Client) {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, discardLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	connect := func(name string) *bus.Client {
		client, err := bus.Connect(context.Background(), config.BusConfig{
			Servers:        []string{srv.ClientURL()},
			ConnectTimeout: 2000,
		}, name, discardLogger())
		if err != nil {
			t.Fatalf("connect %s: %v", name, err)
		}
		t.Cleanup(client.Close)
		return client
	}
	return connect("caller"), connect("callee")
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestNATSTransportCallAndHangup(t *testing.T) {
	callerBus, calleeBus := connectPair(t)
	caller, err := NewNATSTransport(callerBus, "caller", discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer caller.Close()
	callee, err := NewNATSTransport(calleeBus, "callee", discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer callee.Close()

	calleeStream := media.NewStream("callee-stream")
	answered := make(chan Call, 1)
	callee.OnCall(func(offer Offer) {
		if offer.From() != "caller" {
			t.Errorf("unexpected caller %q", offer.From())
		}
		call, err := offer.Answer(calleeStream)
		if err != nil {
			t.Errorf("answer: %v", err)
			return
		}
		answered <- call
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	call, err := caller.Call(ctx, "callee", media.NewStream("caller-stream"))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if call.RemoteID() != "callee" {
		t.Fatalf("unexpected remote %q", call.RemoteID())
	}

	var remote protocol.StreamInfo
	call.OnStream(func(info protocol.StreamInfo) { remote = info })
	if remote.ID != "callee-stream" {
		t.Fatalf("expected callee stream, got %+v", remote)
	}

	var inbound Call
	select {
	case inbound = <-answered:
	case <-time.After(2 * time.Second):
		t.Fatal("callee never answered")
	}
	if inbound.ID() != call.ID() {
		t.Fatalf("call ids differ: %s vs %s", inbound.ID(), call.ID())
	}

	closed := make(chan struct{})
	inbound.OnClose(func() { close(closed) })
	call.Close()
	waitFor(t, closed, "remote hangup")
}

func TestNATSTransportRejectedCall(t *testing.T) {
	callerBus, calleeBus := connectPair(t)
	caller, err := NewNATSTransport(callerBus, "", discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer caller.Close()
	if caller.LocalID() == "" {
		t.Fatal("expected generated peer id")
	}
	callee, err := NewNATSTransport(calleeBus, "busy-peer", discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer callee.Close()
	callee.OnCall(func(offer Offer) { offer.Reject("busy") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := caller.Call(ctx, "busy-peer", nil); !errors.Is(err, faults.ErrCallSetup) {
		t.Fatalf("expected call setup error, got %v", err)
	}
}

// barrierDirectory holds every Join until two peers have joined, so each
// sees the other on registration and both dial at once.
type barrierDirectory struct {
	mu    sync.Mutex
	peers []string
	ready chan struct{}
}

func newBarrierDirectory() *barrierDirectory {
	return &barrierDirectory{ready: make(chan struct{})}
}

func (d *barrierDirectory) Join(ctx context.Context, sessionKey, peerID string) ([]string, error) {
	d.mu.Lock()
	d.peers = append(d.peers, peerID)
	if len(d.peers) == 2 {
		close(d.ready)
	}
	d.mu.Unlock()

	select {
	case <-d.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return d.Peers(ctx, sessionKey, peerID)
}

func (d *barrierDirectory) Peers(context.Context, string, string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.peers...), nil
}

func (d *barrierDirectory) Leave(context.Context, string, string) error { return nil }

func newBusClient(t *testing.T, dir Directory, busClient *bus.Client, id string) *Client {
	t.Helper()
	transport, err := NewNATSTransport(busClient, id, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = transport.Close() })
	cfg := config.Default().Rendezvous
	cfg.SessionKey = "room"
	return NewClient(dir, transport, cfg, clock.NewFake(time.Unix(0, 0)), discardLogger())
}

func TestSimultaneousDialsConnectExactlyOnce(t *testing.T) {
	busA, busB := connectPair(t)

	for round := 0; round < 5; round++ {
		dir := newBarrierDirectory()
		idA, idB := fmt.Sprintf("peer-a-%d", round), fmt.Sprintf("peer-b-%d", round)
		clients := map[string]*Client{
			idA: newBusClient(t, dir, busA, idA),
			idB: newBusClient(t, dir, busB, idB),
		}

		connected := make(map[string]chan struct{})
		for id, c := range clients {
			ch := make(chan struct{})
			connected[id] = ch
			var once sync.Once
			c.OnState(func(s CallState) {
				if s == CallConnected {
					once.Do(func() { close(ch) })
				}
			})
			c.OnAlert(func(err error) { t.Errorf("round %d: %s alerted: %v", round, id, err) })
		}

		for _, c := range clients {
			go func(c *Client) {
				if err := c.Start(context.Background(), media.NewStream(c.LocalID()+"-stream")); err != nil {
					t.Errorf("start %s: %v", c.LocalID(), err)
				}
			}(c)
		}
		waitFor(t, connected[idA], idA+" connected")
		waitFor(t, connected[idB], idB+" connected")

		if got := clients[idA].RemoteID(); got != idB {
			t.Fatalf("round %d: %s connected to %q", round, idA, got)
		}
		if got := clients[idB].RemoteID(); got != idA {
			t.Fatalf("round %d: %s connected to %q", round, idB, got)
		}
		for _, c := range clients {
			c.Stop(context.Background())
		}
	}
}
