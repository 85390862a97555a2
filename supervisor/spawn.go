package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/untrust/bootstrap"
	"github.com/guseggert/untrust/channel"
	inet "github.com/guseggert/untrust/internal/net"
	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
)

// Spawn starts a worker process that runs code against the DSL registered as dslName,
// and returns the Worker once the transport to it is up.
// arg is JSON encoded for the worker; nil means no argument.
func Spawn(ctx context.Context, code, dslName string, arg any, opts ...Option) (*Worker, error) {
	if dslName == "" {
		return nil, &ArgumentError{Arg: "dslName", Reason: "must not be empty"}
	}
	var argJSON string
	if arg != nil {
		b, err := json.Marshal(arg)
		if err != nil {
			return nil, &ArgumentError{Arg: "arg", Reason: err.Error()}
		}
		argJSON = string(b)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	cmd, err := o.command(bootstrap.Args{Code: code, DSL: dslName, Arg: argJSON})
	if err != nil {
		return nil, err
	}

	switch o.transport {
	case TransportStream, "":
		return spawnStream(cmd, o)
	case TransportWebSocket:
		return spawnWebSocket(ctx, cmd, o)
	default:
		return nil, &ArgumentError{Arg: "transport", Reason: fmt.Sprintf("unknown transport %q", o.transport)}
	}
}

func (o *options) command(args bootstrap.Args) (*exec.Cmd, error) {
	bin := o.workerBin
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("finding worker executable: %w", err)
		}
		bin = exe
	}
	cmd := exec.Command(bin, o.workerArgs...)
	cmd.Env = append(os.Environ(), o.env...)
	cmd.Env = append(cmd.Env, args.Environ()...)
	if o.execTimeout > 0 {
		cmd.Env = append(cmd.Env, bootstrap.EnvExecTimeout+"="+o.execTimeout.String())
	}
	if o.workerLogLevel != "" {
		cmd.Env = append(cmd.Env, bootstrap.EnvLogLevel+"="+o.workerLogLevel)
	}
	cmd.Stdin = strings.NewReader(args.Code)
	cmd.Stdout = o.stdout
	cmd.Stderr = o.stderr
	return cmd, nil
}

func spawnStream(cmd *exec.Cmd, o *options) (*Worker, error) {
	// supervisor -> worker
	childR, parentW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating pipe: %w", err)
	}
	// worker -> supervisor
	parentR, childW, err := os.Pipe()
	if err != nil {
		childR.Close()
		parentW.Close()
		return nil, fmt.Errorf("creating pipe: %w", err)
	}

	// ExtraFiles[i] becomes descriptor 3+i in the child
	cmd.ExtraFiles = []*os.File{childR, childW}
	err = cmd.Start()
	// the child holds its own copies now
	childR.Close()
	childW.Close()
	if err != nil {
		parentR.Close()
		parentW.Close()
		return nil, fmt.Errorf("starting worker: %w", err)
	}
	return newWorker(cmd, channel.NewStream(parentR, parentW), o, nil)
}

// wsListener accepts exactly one WebSocket connection, from the worker holding the token.
type wsListener struct {
	token    string
	once     sync.Once
	accepted chan *channel.WebSocket
	release  chan struct{}
}

func (l *wsListener) handle(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if ps.ByName("token") != l.token {
		http.NotFound(w, r)
		return
	}
	first := false
	l.once.Do(func() { first = true })
	if !first {
		http.Error(w, "worker already connected", http.StatusConflict)
		return
	}
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	l.accepted <- channel.NewWebSocket(c)
	// the connection lives until the worker is done with it
	<-l.release
}

func spawnWebSocket(ctx context.Context, cmd *exec.Cmd, o *options) (*Worker, error) {
	listener, err := inet.ListenLoopback()
	if err != nil {
		return nil, err
	}

	l := &wsListener{
		token:    uuid.NewString(),
		accepted: make(chan *channel.WebSocket, 1),
		release:  make(chan struct{}),
	}
	router := httprouter.New()
	router.GET("/worker/:token", l.handle)
	srv := &http.Server{Handler: router}
	go srv.Serve(listener)

	var releaseOnce sync.Once
	cleanup := func() {
		releaseOnce.Do(func() { close(l.release) })
		srv.Close()
	}

	url := fmt.Sprintf("ws://%s/worker/%s", listener.Addr(), l.token)
	cmd.Env = append(cmd.Env, channel.EnvWorkerURL+"="+url)
	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, fmt.Errorf("starting worker: %w", err)
	}

	timer := time.NewTimer(o.connectTimeout)
	defer timer.Stop()

	var ws *channel.WebSocket
	select {
	case ws = <-l.accepted:
	case <-ctx.Done():
		err = ctx.Err()
	case <-timer.C:
		err = errors.New("timed out waiting for worker to connect")
	}
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		cleanup()
		return nil, fmt.Errorf("connecting to worker: %w", err)
	}
	return newWorker(cmd, ws, o, []func(){cleanup})
}
