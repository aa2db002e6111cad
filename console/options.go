package console

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const loggerName = "console"

const (
	DefaultSettleDelay      = 20 * time.Millisecond
	DefaultReconnectBackoff = 5 * time.Second
)

var defaultLogger *zap.SugaredLogger

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	defaultLogger = logger.Sugar().Named(loggerName)
}

type Option func(c *Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.log = l.Named(loggerName).Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(c *Client) {
		c.log = c.log.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithSettleDelay sets the pause between one request settling and the next being sent,
// which gives the remote prompt time to redraw.
func WithSettleDelay(d time.Duration) Option {
	return func(c *Client) {
		c.settleDelay = d
	}
}

// WithReconnectBackoff sets how long the queue waits after a failed connection attempt before dialing again.
func WithReconnectBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.reconnectBackoff = d
	}
}

// WithoutBootstrap stops the client from running the recovery sequence on every new connection.
// Init still runs it on demand.
func WithoutBootstrap() Option {
	return func(c *Client) {
		c.bootstrapEnabled = false
	}
}

type callOptions struct {
	timeout time.Duration
	cache   bool

	memo     bool
	priority bool
	gen      uint64
}

type CallOption func(o *callOptions)

// WithTimeout fails the call with a TimeoutError if no reply arrives in d. Zero waits forever.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = d
	}
}

// WithCache controls whether Memo may return an existing call. The new call is cached either way.
func WithCache(enabled bool) CallOption {
	return func(o *callOptions) {
		o.cache = enabled
	}
}

func buildCallOptions(opts []CallOption) callOptions {
	o := callOptions{cache: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
