package channel

import (
	"context"
	"encoding/json"
	"io"
	"sync"
)

const pipeBuffer = 64

// Pipe returns the two ends of an in-memory channel.
func Pipe() (Channel, Channel) {
	ab := make(chan json.RawMessage, pipeBuffer)
	ba := make(chan json.RawMessage, pipeBuffer)
	a := &pipeEnd{in: ba, out: ab, closed: make(chan struct{})}
	b := &pipeEnd{in: ab, out: ba, closed: make(chan struct{})}
	a.peerClosed = b.closed
	b.peerClosed = a.closed
	return a, b
}

// pipeEnd never closes its data channels; closure is signaled through closed so a racing Send cannot panic.
type pipeEnd struct {
	in  chan json.RawMessage
	out chan json.RawMessage

	closeOnce  sync.Once
	closed     chan struct{}
	peerClosed chan struct{}
}

func (p *pipeEnd) Send(ctx context.Context, msg json.RawMessage) error {
	select {
	case <-p.closed:
		return ErrClosed
	case <-p.peerClosed:
		return ErrClosed
	default:
	}
	cp := make(json.RawMessage, len(msg))
	copy(cp, msg)
	select {
	case p.out <- cp:
		return nil
	case <-p.closed:
		return ErrClosed
	case <-p.peerClosed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Recv(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.closed:
		return nil, ErrClosed
	default:
	}
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.peerClosed:
		// deliver what the peer sent before closing
		select {
		case msg := <-p.in:
			return msg, nil
		default:
			return nil, io.EOF
		}
	case <-p.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}
