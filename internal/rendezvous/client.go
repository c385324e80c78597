package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-interview/internal/clock"
	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/faults"
	"github.com/loqalabs/loqa-interview/internal/media"
	"github.com/loqalabs/loqa-interview/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type CallState int

const (
	CallNone CallState = iota
	CallPolling
	CallCalling
	CallConnected
)

func (s CallState) String() string {
	switch s {
	case CallNone:
		return "none"
	case CallPolling:
		return "polling"
	case CallCalling:
		return "calling"
	case CallConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// collisionWait bounds how long a peer whose outbound call crossed the
// partner's waits for the partner's offer.
const collisionWait = 10 * time.Second

// Client finds the interview partner and keeps at most one call per
// session. Once a call has been placed or accepted, no further outbound
// call is attempted even if more peers appear.
type Client struct {
	directory  Directory
	transport  Transport
	sessionKey string
	pollEvery  time.Duration
	clock      clock.Clock
	log        *slog.Logger
	polls      metric.Int64Counter
	calls      metric.Int64Counter

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	stream     *media.Stream
	started    bool
	stopped    bool
	registered bool
	polling    bool
	joined     bool
	alerted    bool
	state      CallState
	remoteID   string
	poller     clock.Timer
	call       Call
	dialSeq    uint64
	dialCancel context.CancelFunc
	awaiting   string
	awaitTimer clock.Timer

	onState  []func(CallState)
	onAlert  []func(error)
	onRemote []func(protocol.StreamInfo)
}

func NewClient(directory Directory, transport Transport, cfg config.RendezvousConfig, clk clock.Clock, logger *slog.Logger) *Client {
	c := &Client{
		directory:  directory,
		transport:  transport,
		sessionKey: cfg.SessionKey,
		pollEvery:  time.Duration(cfg.PollIntervalMS) * time.Millisecond,
		clock:      clk,
		log:        logger.With(slog.String("component", "rendezvous"), slog.String("room", cfg.SessionKey)),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-interview/rendezvous")
	var err error
	if c.polls, err = meter.Int64Counter("loqa.rendezvous.polls", metric.WithDescription("Directory registrations and polls")); err != nil {
		c.log.Warn("failed to initialize metrics", slogError(err))
	}
	if c.calls, err = meter.Int64Counter("loqa.rendezvous.calls", metric.WithDescription("Calls placed or answered")); err != nil {
		c.log.Warn("failed to initialize metrics", slogError(err))
	}
	return c
}

// OnState registers fn for call state changes.
func (c *Client) OnState(fn func(CallState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = append(c.onState, fn)
}

// OnAlert registers fn for the one-time call setup alert.
func (c *Client) OnAlert(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAlert = append(c.onAlert, fn)
}

// OnRemoteStream registers fn for the partner's published stream.
func (c *Client) OnRemoteStream(fn func(protocol.StreamInfo)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRemote = append(c.onRemote, fn)
}

// Start registers with the directory and either calls a waiting peer or
// polls until one appears. stream is published on the call. Registration
// failures are retried on the next poll tick.
func (c *Client) Start(ctx context.Context, stream *media.Stream) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	if c.sessionKey == "" {
		c.mu.Unlock()
		return fmt.Errorf("rendezvous needs a session key: %w", faults.ErrSignaling)
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.stream = stream
	c.state = CallPolling
	c.mu.Unlock()

	c.transport.OnCall(c.handleOffer)
	c.log.Info("rendezvous started", slog.String("peer", c.transport.LocalID()))
	c.emitState()

	c.tick()

	c.mu.Lock()
	if !c.joined && !c.stopped && c.poller == nil {
		c.poller = c.clock.Every(c.pollEvery, c.tick)
	}
	c.mu.Unlock()
	return nil
}

// Stop clears the poll interval, closes the call and leaves the room.
func (c *Client) Stop(ctx context.Context) {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.stopPollerLocked()
	c.stopAwaitLocked()
	call := c.call
	c.call = nil
	registered := c.registered
	c.state = CallNone
	cancel := c.cancel
	c.mu.Unlock()

	if call != nil {
		call.Close()
	}
	if registered {
		if err := c.directory.Leave(ctx, c.sessionKey, c.transport.LocalID()); err != nil {
			c.log.Warn("leave room failed", slogError(err))
		}
	}
	cancel()
	c.emitState()
	c.log.Info("rendezvous stopped")
}

func (c *Client) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) RemoteID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteID
}

// Joined reports whether a call has been placed or accepted.
func (c *Client) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

func (c *Client) LocalID() string {
	return c.transport.LocalID()
}

// tick registers or polls once. Overlapping ticks are skipped.
func (c *Client) tick() {
	c.mu.Lock()
	if c.stopped || c.joined || c.polling {
		c.mu.Unlock()
		return
	}
	c.polling = true
	registered := c.registered
	ctx := c.ctx
	c.mu.Unlock()

	localID := c.transport.LocalID()
	var peers []string
	var err error
	op := "poll"
	if registered {
		peers, err = c.directory.Peers(ctx, c.sessionKey, localID)
	} else {
		op = "join"
		peers, err = c.directory.Join(ctx, c.sessionKey, localID)
	}
	if c.polls != nil {
		c.polls.Add(context.Background(), 1, metric.WithAttributes(attribute.String("op", op), attribute.Bool("ok", err == nil)))
	}

	c.mu.Lock()
	c.polling = false
	if err != nil {
		c.mu.Unlock()
		if !errors.Is(err, context.Canceled) {
			c.log.Warn("directory "+op+" failed", slogError(err))
		}
		return
	}
	c.registered = true
	remote := firstOther(peers, localID)
	if remote == "" || c.joined || c.stopped {
		c.mu.Unlock()
		return
	}
	c.joined = true
	c.remoteID = remote
	c.state = CallCalling
	c.stopPollerLocked()
	dialCtx, cancel := context.WithCancel(ctx)
	c.dialSeq++
	seq := c.dialSeq
	c.dialCancel = cancel
	stream := c.stream
	c.mu.Unlock()

	c.emitState()
	c.dial(dialCtx, seq, remote, stream)
}

// dial places the outbound call. seq identifies the attempt; an inbound
// offer from the same partner may supersede it while it is in flight.
func (c *Client) dial(ctx context.Context, seq uint64, remote string, stream *media.Stream) {
	c.log.Info("calling peer", slog.String("remote", remote))
	call, err := c.transport.Call(ctx, remote, stream)
	if c.calls != nil {
		c.calls.Add(context.Background(), 1, metric.WithAttributes(attribute.String("direction", "outbound"), attribute.Bool("ok", err == nil)))
	}

	c.mu.Lock()
	if seq != c.dialSeq {
		c.mu.Unlock()
		if call != nil {
			call.Close()
		}
		c.log.Info("outbound call superseded by inbound call", slog.String("remote", remote))
		return
	}
	c.dialCancel()
	c.dialCancel = nil
	switch {
	case errors.Is(err, faults.ErrCallCollision) && !c.stopped:
		c.awaiting = remote
		c.awaitTimer = c.clock.AfterFunc(collisionWait, c.collisionExpired)
		c.mu.Unlock()
		c.log.Info("call crossed the partner's, waiting for its offer", slog.String("remote", remote))
	case err != nil:
		c.state = CallNone
		c.mu.Unlock()
		c.emitState()
		c.alert(fmt.Errorf("call %s: %w", remote, err))
	default:
		c.mu.Unlock()
		c.attach(call)
	}
}

// collisionExpired gives up on a partner that won a call collision but
// never sent its offer.
func (c *Client) collisionExpired() {
	c.mu.Lock()
	remote := c.awaiting
	if remote == "" || c.stopped || c.call != nil {
		c.mu.Unlock()
		return
	}
	c.awaiting = ""
	c.awaitTimer = nil
	c.state = CallNone
	c.mu.Unlock()
	c.emitState()
	c.alert(fmt.Errorf("call %s: no offer after collision: %w", remote, faults.ErrCallSetup))
}

// handleOffer answers an inbound offer when no call is in progress. When
// both peers dial each other at once the offer from the lower peer ID
// wins: the higher side answers it and abandons its own attempt, the lower
// side rejects with RejectCollision.
func (c *Client) handleOffer(offer Offer) {
	from := offer.From()
	var superseded context.CancelFunc

	c.mu.Lock()
	switch {
	case c.stopped || c.call != nil:
		c.mu.Unlock()
		c.rejectBusy(offer)
		return
	case c.state == CallCalling && c.awaiting != "" && c.awaiting == from:
		c.stopAwaitLocked()
	case c.state == CallCalling && c.dialCancel != nil && c.remoteID == from:
		if from > c.transport.LocalID() {
			c.mu.Unlock()
			c.log.Info("rejecting crossed inbound call", slog.String("from", from))
			offer.Reject(protocol.RejectCollision)
			return
		}
		superseded = c.dialCancel
		c.dialCancel = nil
		c.dialSeq++
	case c.state == CallCalling:
		c.mu.Unlock()
		c.rejectBusy(offer)
		return
	}
	c.joined = true
	c.remoteID = from
	c.state = CallCalling
	c.stopPollerLocked()
	stream := c.stream
	c.mu.Unlock()
	if superseded != nil {
		superseded()
	}
	c.emitState()

	call, err := offer.Answer(stream)
	if c.calls != nil {
		c.calls.Add(context.Background(), 1, metric.WithAttributes(attribute.String("direction", "inbound"), attribute.Bool("ok", err == nil)))
	}
	if err != nil {
		c.mu.Lock()
		c.state = CallNone
		c.mu.Unlock()
		c.emitState()
		c.alert(fmt.Errorf("answer %s: %w", from, err))
		return
	}
	c.attach(call)
}

func (c *Client) rejectBusy(offer Offer) {
	c.log.Info("rejecting inbound call", slog.String("from", offer.From()))
	offer.Reject("busy")
}

func (c *Client) attach(call Call) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		call.Close()
		return
	}
	c.call = call
	c.mu.Unlock()

	call.OnStream(func(info protocol.StreamInfo) {
		c.mu.Lock()
		if c.call != call {
			c.mu.Unlock()
			return
		}
		c.state = CallConnected
		remote := append([]func(protocol.StreamInfo){}, c.onRemote...)
		c.mu.Unlock()
		c.emitState()
		for _, fn := range remote {
			fn(info)
		}
	})
	call.OnClose(func() {
		c.mu.Lock()
		if c.call != call {
			c.mu.Unlock()
			return
		}
		c.call = nil
		c.state = CallNone
		c.mu.Unlock()
		c.log.Info("call closed", slog.String("call_id", call.ID()))
		c.emitState()
	})
}

// alert reports a call setup failure once per session. Local recording and
// transcription are not affected.
func (c *Client) alert(err error) {
	c.mu.Lock()
	first := !c.alerted
	c.alerted = true
	fns := append([]func(error){}, c.onAlert...)
	c.mu.Unlock()

	c.log.Warn("call setup failed", slogError(err))
	if !first {
		return
	}
	for _, fn := range fns {
		fn(err)
	}
}

func (c *Client) emitState() {
	c.mu.Lock()
	state := c.state
	fns := append([]func(CallState){}, c.onState...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}

func (c *Client) stopPollerLocked() {
	if c.poller != nil {
		c.poller.Stop()
		c.poller = nil
	}
}

func (c *Client) stopAwaitLocked() {
	c.awaiting = ""
	if c.awaitTimer != nil {
		c.awaitTimer.Stop()
		c.awaitTimer = nil
	}
}

func firstOther(peers []string, self string) string {
	for _, p := range peers {
		if p != "" && p != self {
			return p
		}
	}
	return ""
}
