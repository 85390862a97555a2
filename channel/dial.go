package channel

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// EnvWorkerURL names the environment variable through which a supervisor hands its worker a WebSocket URL.
const EnvWorkerURL = "UNTRUST_WORKER_URL"

type dialer struct {
	customizeRetryableClient func(*retryablehttp.Client)
}

type DialOption func(*dialer)

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) DialOption {
	return func(d *dialer) {
		d.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// Dial opens a WebSocket channel to url, retrying the handshake while the listener comes up.
func Dial(ctx context.Context, url string, log *zap.SugaredLogger, opts ...DialOption) (*WebSocket, error) {
	d := &dialer{}
	for _, o := range opts {
		o(d)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Transport: &http.Transport{}}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: log.Named("dial")}
	if d.customizeRetryableClient != nil {
		d.customizeRetryableClient(retryClient)
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: retryClient.StandardClient()})
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return NewWebSocket(conn), nil
}
