package core

import (
	"context"

	"github.com/dkeye/liveroom/internal/domain"
)

// Frame is a raw encoded message as written to the wire.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// SignalChannel is the client side of the relay, scoped to one room.
// Messages are delivered in relay order. A transport loss is surfaced once as
// a KindDisconnected message, after which the stream is closed. The channel
// never reconnects on its own.
type SignalChannel interface {
	Connect(ctx context.Context, room domain.SessionID, authToken string) error
	Messages() <-chan Message
	Send(Message) error
	Close() error
}
