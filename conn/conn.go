package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/guseggert/untrust/channel"
	"github.com/guseggert/untrust/outcome"
	"go.uber.org/zap"
)

// maxBacklog bounds the events of one kind held while nothing is subscribed to that kind.
const maxBacklog = 256

// Call is the pending result of a request.
type Call = outcome.Outcome[json.RawMessage]

// Respond sends the response to one request. Only the first call sends anything.
type Respond func(ctx context.Context, value any) error

type (
	MessageHandler func(payload json.RawMessage)
	RequestHandler func(payload json.RawMessage, respond Respond)
	ErrorHandler   func(err *RemoteError)
)

type Conn struct {
	log *zap.SugaredLogger
	ch  channel.Channel

	mut     sync.Mutex
	closed  bool
	ids     *idPool
	pending map[uint64]*Call

	msgHandlers []MessageHandler
	reqHandlers []RequestHandler
	errHandlers []ErrorHandler

	msgBacklog []json.RawMessage
	reqBacklog []Request
	errBacklog []*RemoteError

	tasks *taskQueue

	readerDone chan struct{}
	done       chan struct{}
	err        error
}

// New wraps ch and starts serving it. The Conn owns ch from now on.
func New(ch channel.Channel, log *zap.SugaredLogger) *Conn {
	c := &Conn{
		log:        log.Named("conn"),
		ch:         ch,
		ids:        newIDPool(),
		pending:    map[uint64]*Call{},
		tasks:      newTaskQueue(),
		readerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	go c.readEnvelopes()
	go c.dispatch()
	return c
}

// Send emits a message event carrying payload.
func (c *Conn) Send(ctx context.Context, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	return c.write(ctx, Message{Payload: raw})
}

// Message is an alias of Send.
func (c *Conn) Message(ctx context.Context, payload any) error {
	return c.Send(ctx, payload)
}

// SendError emits an error event.
func (c *Conn) SendError(ctx context.Context, rerr RemoteError) error {
	return c.write(ctx, Error{Err: rerr})
}

// Go emits a request and returns its pending result. Concurrent calls are independent and may complete in any order.
// The result is rejected with ErrConnectionClosed if the connection ends first.
func (c *Conn) Go(ctx context.Context, payload any) (*Call, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	c.mut.Lock()
	if c.closed {
		c.mut.Unlock()
		return nil, ErrConnectionClosed
	}
	id := c.ids.alloc()
	call := outcome.New[json.RawMessage]()
	c.pending[id] = call
	c.mut.Unlock()

	err = c.write(ctx, Request{ID: id, Payload: raw})
	if err != nil {
		// the request never left, so its id can be reused
		c.mut.Lock()
		if p, ok := c.pending[id]; ok && p == call {
			delete(c.pending, id)
			c.ids.free(id)
		}
		c.mut.Unlock()
		return nil, err
	}
	return call, nil
}

// Request emits a request and waits for its response, decoding it into reply if reply is non-nil.
// Giving up on ctx does not free the request id; it stays reserved until the response arrives or the connection ends.
func (c *Conn) Request(ctx context.Context, payload any, reply any) error {
	call, err := c.Go(ctx, payload)
	if err != nil {
		return err
	}
	raw, err := call.Wait(ctx)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	if err := json.Unmarshal(raw, reply); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Conn) OnMessage(h MessageHandler) {
	c.mut.Lock()
	c.msgHandlers = append(c.msgHandlers, h)
	backlog := c.msgBacklog
	c.msgBacklog = nil
	replay := func() {
		for _, p := range backlog {
			p := p
			c.safeCall("message", func() { h(p) })
		}
	}
	queued := len(backlog) == 0 || c.tasks.push(replay)
	c.mut.Unlock()
	if !queued {
		// the dispatcher has stopped; the caller may be holding a resource the handler needs
		go replay()
	}
}

func (c *Conn) OnRequest(h RequestHandler) {
	c.mut.Lock()
	c.reqHandlers = append(c.reqHandlers, h)
	backlog := c.reqBacklog
	c.reqBacklog = nil
	replay := func() {
		for _, req := range backlog {
			req := req
			respond := c.responder(req.ID)
			c.safeCall("request", func() { h(req.Payload, respond) })
		}
	}
	queued := len(backlog) == 0 || c.tasks.push(replay)
	c.mut.Unlock()
	if !queued {
		// the dispatcher has stopped; the caller may be holding a resource the handler needs
		go replay()
	}
}

func (c *Conn) OnError(h ErrorHandler) {
	c.mut.Lock()
	c.errHandlers = append(c.errHandlers, h)
	backlog := c.errBacklog
	c.errBacklog = nil
	replay := func() {
		for _, rerr := range backlog {
			rerr := rerr
			c.safeCall("error", func() { h(rerr) })
		}
	}
	queued := len(backlog) == 0 || c.tasks.push(replay)
	c.mut.Unlock()
	if !queued {
		// the dispatcher has stopped; the caller may be holding a resource the handler needs
		go replay()
	}
}

// Pending returns the number of requests awaiting a response.
func (c *Conn) Pending() int {
	c.mut.Lock()
	defer c.mut.Unlock()
	return len(c.pending)
}

// Close closes the channel. Pending requests are rejected once the reader stops.
func (c *Conn) Close() error {
	c.mut.Lock()
	c.closed = true
	c.mut.Unlock()
	return c.ch.Close()
}

// Done is closed once the channel has ended and every queued event has been dispatched.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the transport error that ended the connection, or nil if it ended normally. Only valid after Done is closed.
func (c *Conn) Err() error {
	<-c.done
	return c.err
}

func (c *Conn) write(ctx context.Context, env Envelope) error {
	c.mut.Lock()
	closed := c.closed
	c.mut.Unlock()
	if closed {
		return ErrConnectionClosed
	}

	b, err := Encode(env)
	if err != nil {
		return err
	}
	err = c.ch.Send(ctx, b)
	if errors.Is(err, channel.ErrClosed) {
		return ErrConnectionClosed
	}
	return err
}

func (c *Conn) responder(id uint64) Respond {
	var once sync.Once
	return func(ctx context.Context, value any) error {
		err := ErrAlreadyResponded
		once.Do(func() {
			var raw json.RawMessage
			raw, err = marshalPayload(value)
			if err != nil {
				return
			}
			err = c.write(ctx, Response{ID: id, Payload: raw})
		})
		return err
	}
}

func (c *Conn) readEnvelopes() {
	defer c.shutdown()
	ctx := context.Background()
	for {
		b, err := c.ch.Recv(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, channel.ErrClosed) {
				c.log.Debugf("reader got error: %s", err)
				c.err = err
			}
			return
		}
		env, err := Decode(b)
		if err != nil {
			c.log.Debugf("ignoring envelope: %s", err)
			continue
		}
		c.handle(env)
	}
}

func (c *Conn) handle(env Envelope) {
	c.mut.Lock()
	defer c.mut.Unlock()

	switch e := env.(type) {
	case Response:
		call, ok := c.pending[e.ID]
		if !ok {
			c.log.Debugw("ignoring response without pending request", "ID", e.ID)
			return
		}
		delete(c.pending, e.ID)
		c.ids.free(e.ID)
		call.Resolve(e.Payload)

	case Message:
		if len(c.msgHandlers) == 0 {
			c.msgBacklog = appendBounded(c.msgBacklog, e.Payload)
			return
		}
		handlers := append([]MessageHandler(nil), c.msgHandlers...)
		c.tasks.push(func() {
			for _, h := range handlers {
				c.safeCall("message", func() { h(e.Payload) })
			}
		})

	case Request:
		if len(c.reqHandlers) == 0 {
			c.reqBacklog = appendBounded(c.reqBacklog, e)
			return
		}
		handlers := append([]RequestHandler(nil), c.reqHandlers...)
		respond := c.responder(e.ID)
		c.tasks.push(func() {
			for _, h := range handlers {
				c.safeCall("request", func() { h(e.Payload, respond) })
			}
		})

	case Error:
		rerr := e.Err
		if len(c.errHandlers) == 0 {
			c.errBacklog = appendBounded(c.errBacklog, &rerr)
			return
		}
		handlers := append([]ErrorHandler(nil), c.errHandlers...)
		c.tasks.push(func() {
			for _, h := range handlers {
				c.safeCall("error", func() { h(&rerr) })
			}
		})
	}
}

func (c *Conn) shutdown() {
	c.mut.Lock()
	c.closed = true
	pending := c.pending
	c.pending = map[uint64]*Call{}
	c.mut.Unlock()

	for _, call := range pending {
		call.Reject(ErrConnectionClosed)
	}
	c.ch.Close()
	close(c.readerDone)
}

func (c *Conn) dispatch() {
	defer close(c.done)
	for {
		select {
		case <-c.tasks.signal:
			c.tasks.runAll()
		case <-c.readerDone:
			c.tasks.drainAndStop()
			return
		}
	}
}

func (c *Conn) safeCall(kind string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorw("event handler panicked", "Event", kind, "Panic", r)
		}
	}()
	f()
}

func appendBounded[T any](s []T, v T) []T {
	if len(s) >= maxBacklog {
		s = s[1:]
	}
	return append(s, v)
}

// taskQueue is an unbounded FIFO of funcs, so the reader never blocks on handlers.
// Once stopped it refuses new tasks.
type taskQueue struct {
	mut     sync.Mutex
	stopped bool
	tasks   []func()
	signal  chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{signal: make(chan struct{}, 1)}
}

func (q *taskQueue) push(f func()) bool {
	q.mut.Lock()
	if q.stopped {
		q.mut.Unlock()
		return false
	}
	q.tasks = append(q.tasks, f)
	q.mut.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *taskQueue) pop() (func(), bool) {
	q.mut.Lock()
	defer q.mut.Unlock()
	if len(q.tasks) == 0 {
		return nil, false
	}
	f := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	return f, true
}

func (q *taskQueue) runAll() {
	for {
		f, ok := q.pop()
		if !ok {
			return
		}
		f()
	}
}

func (q *taskQueue) drainAndStop() {
	for {
		q.mut.Lock()
		if len(q.tasks) == 0 {
			q.stopped = true
			q.mut.Unlock()
			return
		}
		f := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mut.Unlock()
		f()
	}
}
