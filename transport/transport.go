package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Dialer opens a new link to a console each time DialContext is called.
type Dialer interface {
	DialContext(ctx context.Context) (io.ReadWriteCloser, error)
	// String names the target, for logs and errors.
	String() string
}

// ConnectionError is returned for any failure to open a link. Target names the address that was dialed.
type ConnectionError struct {
	Target string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to address %s: %s", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

type options struct {
	baudRate    int
	dialTimeout time.Duration
	httpClient  *http.Client
}

type Option func(o *options)

// WithBaudRate sets the serial line speed. It has no effect on other link types.
func WithBaudRate(baud int) Option {
	return func(o *options) {
		o.baudRate = baud
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = d
	}
}

// WithHTTPClient sets the client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// New parses the address and returns the matching dialer.
func New(address string, opts ...Option) (Dialer, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	return NewForAddress(addr, opts...), nil
}

func NewForAddress(addr Address, opts ...Option) Dialer {
	o := options{
		baudRate:    DefaultBaudRate,
		dialTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	switch addr.Kind {
	case KindSerial:
		return &SerialDialer{Path: addr.Path, BaudRate: o.baudRate}
	case KindWebSocket:
		return &WebSocketDialer{URL: addr.URL, HTTPClient: o.httpClient, Timeout: o.dialTimeout}
	default:
		return &TCPDialer{Host: addr.Host, Port: addr.Port, Timeout: o.dialTimeout}
	}
}
