package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const readLimit = 16 << 20

// WebSocket is a channel carrying one JSON document per WebSocket text message.
type WebSocket struct {
	conn *websocket.Conn

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	// peerGone is closed once Recv has seen the peer close the connection
	peerOnce sync.Once
	peerGone chan struct{}
}

func NewWebSocket(conn *websocket.Conn) *WebSocket {
	conn.SetReadLimit(readLimit)
	return &WebSocket{
		conn:     conn,
		closed:   make(chan struct{}),
		peerGone: make(chan struct{}),
	}
}

func (w *WebSocket) Send(ctx context.Context, msg json.RawMessage) error {
	select {
	case <-w.closed:
		return ErrClosed
	case <-w.peerGone:
		return ErrClosed
	default:
	}
	err := wsjson.Write(ctx, w.conn, msg)
	if err != nil {
		if isClosure(err) {
			return ErrClosed
		}
		return fmt.Errorf("writing WebSocket message: %w", err)
	}
	return nil
}

// isClosure reports whether err means the connection was closed rather than broken.
func isClosure(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

func (w *WebSocket) Recv(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-w.closed:
		return nil, ErrClosed
	default:
	}
	var msg json.RawMessage
	err := wsjson.Read(ctx, w.conn, &msg)
	if err == nil {
		return msg, nil
	}
	select {
	case <-w.closed:
		return nil, ErrClosed
	default:
	}
	if isClosure(err) {
		w.peerOnce.Do(func() { close(w.peerGone) })
		return nil, io.EOF
	}
	return nil, fmt.Errorf("reading WebSocket message: %w", err)
}

func (w *WebSocket) Close() error {
	w.closeOnce.Do(func() {
		close(w.closed)
		w.closeErr = w.conn.Close(websocket.StatusNormalClosure, "")
	})
	return w.closeErr
}
