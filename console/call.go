package console

import (
	"context"
	"encoding/json"
)

// Call is one submitted expression. Value and Error are set before Done is closed, and never change after.
type Call struct {
	ID         uint64
	Expression string

	// Value is the JSON result. It is nil when the remote value was undefined.
	Value json.RawMessage
	Error error

	done chan struct{}
}

func newCall(id uint64, expression string) *Call {
	return &Call{ID: id, Expression: expression, done: make(chan struct{})}
}

// Done is closed once the call has settled.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the call settles or ctx is done. Giving up on ctx does not abandon the request.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.Value, c.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Decode waits for the call and unmarshals its value into v.
func (c *Call) Decode(ctx context.Context, v any) error {
	raw, err := c.Wait(ctx)
	if err != nil {
		return err
	}
	if raw == nil {
		return ErrUndefined
	}
	return json.Unmarshal(raw, v)
}

func (c *Call) settle(v json.RawMessage, err error) {
	select {
	case <-c.done:
		return
	default:
	}
	c.Value = v
	c.Error = err
	close(c.done)
}

func (c *Call) failed() bool {
	select {
	case <-c.done:
		return c.Error != nil
	default:
		return false
	}
}
