package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/untrust/channel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var log = zap.NewNop().Sugar()

func newPair(t *testing.T) (*Conn, *Conn) {
	a, b := channel.Pipe()
	ca, cb := New(a, log), New(b, log)
	t.Cleanup(func() {
		ca.Close()
		cb.Close()
	})
	return ca, cb
}

func TestConcurrentRequestsOutOfOrder(t *testing.T) {
	client, server := newPair(t)

	server.OnRequest(func(payload json.RawMessage, respond Respond) {
		var n int
		if err := json.Unmarshal(payload, &n); err != nil {
			panic(err)
		}
		delay := time.Duration(rand.Intn(5)) * time.Millisecond
		go func() {
			time.Sleep(delay)
			_ = respond(context.Background(), n*2)
		}()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const n = 1000
	results := make([]int, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			return client.Request(gctx, i, &results[i])
		})
	}
	require.NoError(t, g.Wait())

	for i, r := range results {
		assert.Equal(t, i*2, r)
	}
	assert.Equal(t, 0, client.Pending())
}

func TestIDPoolReusesMostRecentlyFreed(t *testing.T) {
	p := newIDPool()
	assert.Equal(t, uint64(1), p.alloc())
	assert.Equal(t, uint64(2), p.alloc())
	assert.Equal(t, uint64(3), p.alloc())

	p.free(3)
	p.free(2)
	assert.Equal(t, uint64(2), p.alloc())
	assert.Equal(t, uint64(3), p.alloc())
	assert.Equal(t, uint64(4), p.alloc())
}

func TestIDPoolNeverReissuesOutstanding(t *testing.T) {
	p := newIDPool()
	outstanding := map[uint64]bool{}
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		if len(outstanding) > 0 && r.Intn(2) == 0 {
			for id := range outstanding {
				delete(outstanding, id)
				p.free(id)
				break
			}
			continue
		}
		id := p.alloc()
		require.False(t, outstanding[id], "id %d issued twice", id)
		require.NotZero(t, id)
		outstanding[id] = true
	}
}

func TestMessagesAreDeliveredInOrder(t *testing.T) {
	a, b := newPair(t)
	ctx := context.Background()

	var mut sync.Mutex
	var got []string
	done := make(chan struct{})
	b.OnMessage(func(payload json.RawMessage) {
		var s string
		require.NoError(t, json.Unmarshal(payload, &s))
		mut.Lock()
		got = append(got, s)
		if len(got) == 3 {
			close(done)
		}
		mut.Unlock()
	})

	for _, s := range []string{"foo", "bar", "baz"} {
		require.NoError(t, a.Send(ctx, s))
	}
	<-done
	assert.Equal(t, []string{"foo", "bar", "baz"}, got)
}

func TestBacklogReplayedToFirstSubscriber(t *testing.T) {
	a, b := newPair(t)
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, "early"))
	require.NoError(t, a.SendError(ctx, RemoteError{Message: "boom", Stack: "stack"}))
	require.Eventually(t, func() bool {
		b.mut.Lock()
		defer b.mut.Unlock()
		return len(b.msgBacklog) == 1 && len(b.errBacklog) == 1
	}, 5*time.Second, time.Millisecond)

	msgs := make(chan json.RawMessage, 2)
	b.OnMessage(func(payload json.RawMessage) { msgs <- payload })
	require.NoError(t, a.Send(ctx, "late"))
	assert.JSONEq(t, `"early"`, string(<-msgs))
	assert.JSONEq(t, `"late"`, string(<-msgs))

	errs := make(chan *RemoteError, 1)
	b.OnError(func(err *RemoteError) { errs <- err })
	rerr := <-errs
	assert.Equal(t, "boom", rerr.Message)
	assert.Equal(t, "stack", rerr.Stack)
}

func TestBacklogReplayedAfterConnectionEnds(t *testing.T) {
	a, b := newPair(t)
	require.NoError(t, a.Send(context.Background(), "last words"))
	require.NoError(t, a.Close())
	<-b.Done()

	release := make(chan struct{})
	msgs := make(chan json.RawMessage, 1)
	subscribed := make(chan struct{})
	go func() {
		b.OnMessage(func(payload json.RawMessage) {
			<-release
			msgs <- payload
		})
		close(subscribed)
	}()

	// the handler must not run on the subscribing goroutine
	select {
	case <-subscribed:
	case <-time.After(5 * time.Second):
		t.Fatal("OnMessage blocked on its handler")
	}
	close(release)

	select {
	case m := <-msgs:
		assert.JSONEq(t, `"last words"`, string(m))
	case <-time.After(5 * time.Second):
		t.Fatal("backlog was not replayed")
	}
}

func TestBacklogIsBounded(t *testing.T) {
	a, b := newPair(t)
	ctx := context.Background()

	for i := 0; i < maxBacklog+10; i++ {
		require.NoError(t, a.Send(ctx, i))
	}
	require.NoError(t, a.Close())
	<-b.Done()

	var got []int
	b.OnMessage(func(payload json.RawMessage) {
		var i int
		require.NoError(t, json.Unmarshal(payload, &i))
		got = append(got, i)
	})
	require.Len(t, got, maxBacklog)
	assert.Equal(t, 10, got[0])
	assert.Equal(t, maxBacklog+9, got[len(got)-1])
}

func TestRespondTwice(t *testing.T) {
	client, server := newPair(t)

	second := make(chan error, 1)
	server.OnRequest(func(payload json.RawMessage, respond Respond) {
		ctx := context.Background()
		if err := respond(ctx, "first"); err != nil {
			second <- err
			return
		}
		second <- respond(ctx, "second")
	})

	var reply string
	require.NoError(t, client.Request(context.Background(), nil, &reply))
	assert.Equal(t, "first", reply)
	assert.ErrorIs(t, <-second, ErrAlreadyResponded)
}

func TestPendingRejectedOnClose(t *testing.T) {
	client, server := newPair(t)
	received := make(chan struct{})
	server.OnRequest(func(json.RawMessage, Respond) { close(received) })

	call, err := client.Go(context.Background(), "never answered")
	require.NoError(t, err)
	<-received

	require.NoError(t, server.Close())
	_, err = call.Wait(context.Background())
	assert.ErrorIs(t, err, ErrConnectionClosed)
	<-client.Done()
	assert.NoError(t, client.Err())

	_, err = client.Go(context.Background(), "after close")
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.ErrorIs(t, client.Send(context.Background(), "after close"), ErrConnectionClosed)
}

func TestCancelledRequestKeepsID(t *testing.T) {
	client, server := newPair(t)
	responds := make(chan Respond, 1)
	server.OnRequest(func(_ json.RawMessage, respond Respond) { responds <- respond })

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- client.Request(ctx, "slow", nil) }()
	respond := <-responds
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Equal(t, 1, client.Pending())

	require.NoError(t, respond(context.Background(), "late"))
	require.Eventually(t, func() bool { return client.Pending() == 0 }, 5*time.Second, time.Millisecond)
}

func TestIgnoresUnknownEnvelopes(t *testing.T) {
	raw, other := channel.Pipe()
	c := New(other, log)
	t.Cleanup(func() { c.Close() })
	ctx := context.Background()

	msgs := make(chan json.RawMessage, 1)
	c.OnMessage(func(payload json.RawMessage) { msgs <- payload })

	for _, b := range []string{
		`{"event":"bogus"}`,
		`{"event":"request","request":1}`,
		`{"event":"response","id":99,"response":1}`,
		`not json`,
		`{"event":"message","message":"ok"}`,
	} {
		require.NoError(t, raw.Send(ctx, json.RawMessage(b)))
	}
	assert.JSONEq(t, `"ok"`, string(<-msgs))
	assert.Equal(t, 0, c.Pending())
}

func TestHandlerPanicDoesNotStopDispatch(t *testing.T) {
	a, b := newPair(t)
	ctx := context.Background()

	msgs := make(chan string, 1)
	b.OnMessage(func(payload json.RawMessage) {
		var s string
		_ = json.Unmarshal(payload, &s)
		if s == "panic" {
			panic("handler failed")
		}
		msgs <- s
	})
	require.NoError(t, a.Send(ctx, "panic"))
	require.NoError(t, a.Send(ctx, "ok"))
	assert.Equal(t, "ok", <-msgs)
}

func TestEncodeDecode(t *testing.T) {
	cases := []struct {
		name    string
		env     Envelope
		wire    string
		decoded Envelope
	}{
		{
			name: "message",
			env:  Message{Payload: json.RawMessage(`"foo"`)},
			wire: `{"event":"message","message":"foo"}`,
		},
		{
			name:    "message without payload",
			env:     Message{},
			wire:    `{"event":"message","message":null}`,
			decoded: Message{Payload: json.RawMessage("null")},
		},
		{
			name: "request",
			env:  Request{ID: 7, Payload: json.RawMessage(`{"x":4}`)},
			wire: `{"event":"request","id":7,"request":{"x":4}}`,
		},
		{
			name: "response",
			env:  Response{ID: 7, Payload: json.RawMessage(`20`)},
			wire: `{"event":"response","id":7,"response":20}`,
		},
		{
			name: "error",
			env:  Error{Err: RemoteError{Message: "bar", Stack: "at line 1"}},
			wire: `{"event":"error","error":{"message":"bar","stack":"at line 1"}}`,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b, err := Encode(c.env)
			require.NoError(t, err)
			assert.JSONEq(t, c.wire, string(b))

			env, err := Decode(b)
			require.NoError(t, err)
			want := c.decoded
			if want == nil {
				want = c.env
			}
			assert.Equal(t, want, env)
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	cases := []string{
		`{"event":"nope"}`,
		`{"event":"request","request":1}`,
		`{"event":"response","response":1}`,
	}
	for _, c := range cases {
		t.Run(c, func(t *testing.T) {
			_, err := Decode(json.RawMessage(c))
			assert.ErrorIs(t, err, ErrUnknownEvent)
		})
	}
	_, err := Decode(json.RawMessage(`{`))
	assert.Error(t, err)
}

func TestRemoteErrorFormat(t *testing.T) {
	err := &RemoteError{Message: "bar", Stack: "stack traceback"}
	assert.Equal(t, "bar", err.Error())
	assert.Equal(t, "bar", fmt.Sprintf("%v", err))
	assert.Equal(t, "bar\nstack traceback", fmt.Sprintf("%+v", err))
}
