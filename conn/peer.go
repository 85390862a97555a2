package conn

import "context"

// Peer is what either end of a connection can do with the other.
type Peer interface {
	Send(ctx context.Context, payload any) error
	Message(ctx context.Context, payload any) error
	Go(ctx context.Context, payload any) (*Call, error)
	Request(ctx context.Context, payload any, reply any) error
	OnMessage(h MessageHandler)
	OnRequest(h RequestHandler)
	OnError(h ErrorHandler)
	Pending() int
}

var _ Peer = (*Conn)(nil)

// ErrorReporter is implemented by the worker end, which reports failures to the supervisor.
type ErrorReporter interface {
	Peer
	Error(ctx context.Context, err error) error
}
