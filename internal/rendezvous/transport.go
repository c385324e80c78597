// Package rendezvous registers the local peer with the directory, waits for
// the interview partner to appear and establishes a single call with it.
package rendezvous

import (
	"context"

	"github.com/loqalabs/loqa-interview/internal/media"
	"github.com/loqalabs/loqa-interview/internal/protocol"
)

// Directory is the peer directory contract.
type Directory interface {
	// Join registers peerID and returns the other peers already present.
	Join(ctx context.Context, sessionKey, peerID string) ([]string, error)
	// Peers lists every peer in the room, the caller included, and keeps
	// peerID's registration alive.
	Peers(ctx context.Context, sessionKey, peerID string) ([]string, error)
	Leave(ctx context.Context, sessionKey, peerID string) error
}

// Transport places and receives calls under a local signaling identity.
type Transport interface {
	LocalID() string
	Call(ctx context.Context, remoteID string, stream *media.Stream) (Call, error)
	// OnCall sets the handler for inbound offers.
	OnCall(handler func(Offer))
	Close() error
}

// Call is an established call. Handlers registered after the event already
// happened run immediately.
type Call interface {
	ID() string
	RemoteID() string
	OnStream(fn func(protocol.StreamInfo))
	OnClose(fn func())
	Close()
}

// Offer is an inbound call awaiting an answer.
type Offer interface {
	From() string
	Answer(stream *media.Stream) (Call, error)
	Reject(reason string)
}
