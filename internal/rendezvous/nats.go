package rendezvous

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-interview/internal/bus"
	"github.com/loqalabs/loqa-interview/internal/faults"
	"github.com/loqalabs/loqa-interview/internal/media"
	"github.com/loqalabs/loqa-interview/internal/protocol"
	"github.com/nats-io/nats.go"
)

// NATSTransport signals calls over the bus. Offers are requests on the
// callee's call subject; either side ends the call on the hangup subject.
type NATSTransport struct {
	bus     *bus.Client
	localID string
	log     *slog.Logger
	sub     *nats.Subscription

	mu      sync.Mutex
	handler func(Offer)
}

// NewNATSTransport listens for offers addressed to localID. An empty
// localID gets a generated identity.
func NewNATSTransport(busClient *bus.Client, localID string, logger *slog.Logger) (*NATSTransport, error) {
	if localID == "" {
		localID = uuid.NewString()
	}
	t := &NATSTransport{
		bus:     busClient,
		localID: localID,
		log:     logger.With(slog.String("component", "call-transport"), slog.String("peer", localID)),
	}
	sub, err := bus.SubscribeJSON(busClient, protocol.CallSubject(localID), t.handleOffer)
	if err != nil {
		return nil, err
	}
	t.sub = sub
	return t, nil
}

func (t *NATSTransport) LocalID() string { return t.localID }

func (t *NATSTransport) OnCall(handler func(Offer)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

func (t *NATSTransport) Close() error {
	if t.sub != nil {
		return t.sub.Unsubscribe()
	}
	return nil
}

func (t *NATSTransport) Call(ctx context.Context, remoteID string, stream *media.Stream) (Call, error) {
	callID := uuid.NewString()
	call, err := t.newCall(callID, remoteID)
	if err != nil {
		return nil, err
	}

	offer := protocol.CallOffer{CallID: callID, From: t.localID, To: remoteID, Stream: stream.Info()}
	var answer protocol.CallAnswer
	if err := t.bus.RequestJSON(ctx, protocol.CallSubject(remoteID), offer, &answer); err != nil {
		call.finish()
		return nil, fmt.Errorf("call %s: %v: %w", remoteID, err, faults.ErrCallSetup)
	}
	if !answer.Accepted {
		call.finish()
		if answer.Reason == protocol.RejectCollision {
			return nil, fmt.Errorf("call %s: %w: %w", remoteID, faults.ErrCallCollision, faults.ErrCallSetup)
		}
		return nil, fmt.Errorf("call %s rejected: %s: %w", remoteID, answer.Reason, faults.ErrCallSetup)
	}
	t.log.Info("call established", slog.String("call_id", callID), slog.String("remote", remoteID))
	call.setRemoteStream(answer.Stream)
	return call, nil
}

func (t *NATSTransport) handleOffer(offer protocol.CallOffer, msg *nats.Msg) {
	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()

	o := &natsOffer{transport: t, msg: msg, offer: offer}
	if handler == nil {
		o.Reject("not accepting calls")
		return
	}
	handler(o)
}

func (t *NATSTransport) newCall(callID, remoteID string) (*natsCall, error) {
	c := &natsCall{transport: t, id: callID, remote: remoteID}
	sub, err := bus.SubscribeJSON(t.bus, protocol.HangupSubject(callID), c.handleHangup)
	if err != nil {
		return nil, fmt.Errorf("subscribe hangup: %v: %w", err, faults.ErrCallSetup)
	}
	c.sub = sub
	return c, nil
}

type natsOffer struct {
	transport *NATSTransport
	msg       *nats.Msg
	offer     protocol.CallOffer
	once      sync.Once
}

func (o *natsOffer) From() string { return o.offer.From }

func (o *natsOffer) Answer(stream *media.Stream) (Call, error) {
	call, err := o.transport.newCall(o.offer.CallID, o.offer.From)
	if err != nil {
		o.Reject("internal error")
		return nil, err
	}
	answered := false
	var respondErr error
	o.once.Do(func() {
		answered = true
		respondErr = o.respond(protocol.CallAnswer{CallID: o.offer.CallID, Accepted: true, Stream: stream.Info()})
	})
	if !answered || respondErr != nil {
		call.finish()
		if respondErr == nil {
			respondErr = fmt.Errorf("offer already answered")
		}
		return nil, fmt.Errorf("answer call %s: %v: %w", o.offer.CallID, respondErr, faults.ErrCallSetup)
	}
	o.transport.log.Info("call answered", slog.String("call_id", o.offer.CallID), slog.String("remote", o.offer.From))
	call.setRemoteStream(o.offer.Stream)
	return call, nil
}

func (o *natsOffer) Reject(reason string) {
	o.once.Do(func() {
		if err := o.respond(protocol.CallAnswer{CallID: o.offer.CallID, Accepted: false, Reason: reason}); err != nil {
			o.transport.log.Warn("failed to reject call", slogError(err))
		}
	})
}

func (o *natsOffer) respond(answer protocol.CallAnswer) error {
	data, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	return o.msg.Respond(data)
}

type natsCall struct {
	transport *NATSTransport
	id        string
	remote    string
	sub       *nats.Subscription

	mu       sync.Mutex
	stream   *protocol.StreamInfo
	onStream []func(protocol.StreamInfo)
	onClose  []func()
	closed   bool
}

func (c *natsCall) ID() string { return c.id }

func (c *natsCall) RemoteID() string { return c.remote }

func (c *natsCall) OnStream(fn func(protocol.StreamInfo)) {
	c.mu.Lock()
	if c.stream == nil {
		c.onStream = append(c.onStream, fn)
		c.mu.Unlock()
		return
	}
	info := *c.stream
	c.mu.Unlock()
	fn(info)
}

func (c *natsCall) OnClose(fn func()) {
	c.mu.Lock()
	if !c.closed {
		c.onClose = append(c.onClose, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn()
}

// Close hangs up and notifies the remote side.
func (c *natsCall) Close() {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	hangup := protocol.CallHangup{CallID: c.id, From: c.transport.localID}
	if err := c.transport.bus.PublishJSON(protocol.HangupSubject(c.id), hangup); err != nil {
		c.transport.log.Warn("failed to publish hangup", slogError(err))
	}
	c.finish()
}

func (c *natsCall) handleHangup(hangup protocol.CallHangup, _ *nats.Msg) {
	if hangup.From == c.transport.localID {
		return
	}
	c.transport.log.Info("remote hung up", slog.String("call_id", c.id))
	c.finish()
}

func (c *natsCall) setRemoteStream(info protocol.StreamInfo) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.stream = &info
	fns := c.onStream
	c.onStream = nil
	c.mu.Unlock()
	for _, fn := range fns {
		fn(info)
	}
}

func (c *natsCall) finish() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fns := c.onClose
	c.onClose = nil
	c.onStream = nil
	c.mu.Unlock()

	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	for _, fn := range fns {
		fn()
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
