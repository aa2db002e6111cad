package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/guseggert/espz/console"
)

type HeartbeatResponse struct {
	LastHeartbeat string
	State         string
	Target        string
}

type ExecRequest struct {
	Expression string
	// TimeoutMS bounds the wait for the reply. Zero waits until the HTTP request is canceled.
	TimeoutMS int64
	// Cache memoizes the result until the console reconnects. Only use it for side-effect-free expressions.
	Cache bool
}

// ExecResponse carries exactly one of Value, Undefined or Error.
type ExecResponse struct {
	Value     json.RawMessage `json:",omitempty"`
	Undefined bool            `json:",omitempty"`
	Error     *ErrorBody      `json:",omitempty"`
}

type ResetRequest struct {
	Hard bool
	// Interrupt sends Ctrl+C instead of resetting the interpreter.
	Interrupt bool
}

// OutputMessage is one print line on the /output stream.
type OutputMessage struct {
	Line string
}

type ErrorKind string

const (
	KindRemote     ErrorKind = "remote"
	KindProtocol   ErrorKind = "protocol"
	KindTimeout    ErrorKind = "timeout"
	KindConnection ErrorKind = "connection"
	KindClosed     ErrorKind = "closed"
	KindInternal   ErrorKind = "internal"
)

// ErrorBody is a console error in transit.
type ErrorBody struct {
	Kind      ErrorKind
	Message   string
	ID        uint64 `json:",omitempty"`
	Stack     string `json:",omitempty"`
	Payload   string `json:",omitempty"`
	Target    string `json:",omitempty"`
	TimeoutMS int64  `json:",omitempty"`
}

func errorBody(err error) *ErrorBody {
	var (
		remote   *console.RemoteError
		protocol *console.ProtocolError
		timeout  *console.TimeoutError
		conn     *console.ConnectionError
	)
	switch {
	case errors.As(err, &remote):
		return &ErrorBody{Kind: KindRemote, Message: remote.Message, ID: remote.ID, Stack: remote.Stack}
	case errors.As(err, &protocol):
		return &ErrorBody{Kind: KindProtocol, Message: err.Error(), ID: protocol.ID, Payload: protocol.Payload}
	case errors.As(err, &timeout):
		return &ErrorBody{Kind: KindTimeout, Message: err.Error(), ID: timeout.ID, TimeoutMS: timeout.Timeout.Milliseconds()}
	case errors.As(err, &conn):
		msg := err.Error()
		if conn.Err != nil {
			msg = conn.Err.Error()
		}
		return &ErrorBody{Kind: KindConnection, Message: msg, Target: conn.Target}
	case errors.Is(err, console.ErrClosed):
		return &ErrorBody{Kind: KindClosed, Message: err.Error()}
	}
	return &ErrorBody{Kind: KindInternal, Message: err.Error()}
}

// Err rebuilds the console error the body was made from, so callers can use errors.As on either side of the gateway.
func (b *ErrorBody) Err() error {
	switch b.Kind {
	case KindRemote:
		return &console.RemoteError{ID: b.ID, Message: b.Message, Stack: b.Stack}
	case KindProtocol:
		return &console.ProtocolError{ID: b.ID, Payload: b.Payload, Err: errors.New(b.Message)}
	case KindTimeout:
		return &console.TimeoutError{ID: b.ID, Timeout: time.Duration(b.TimeoutMS) * time.Millisecond}
	case KindConnection:
		return &console.ConnectionError{Target: b.Target, Err: errors.New(b.Message)}
	case KindClosed:
		return console.ErrClosed
	}
	return fmt.Errorf("gateway error: %s", b.Message)
}
