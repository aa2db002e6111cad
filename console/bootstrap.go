package console

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const (
	probeExpression = "42"
	envExpression   = "process.env"
)

type bootstrapTimings struct {
	probeTimeout time.Duration
	envTimeout   time.Duration
	retryTimeout time.Duration
	finalTimeout time.Duration

	interruptPause time.Duration
	retryPause     time.Duration
	finalPause     time.Duration
	settlePause    time.Duration
}

var defaultBootstrapTimings = bootstrapTimings{
	probeTimeout:   5 * time.Second,
	envTimeout:     2 * time.Second,
	retryTimeout:   2 * time.Second,
	finalTimeout:   5 * time.Second,
	interruptPause: 50 * time.Millisecond,
	retryPause:     500 * time.Millisecond,
	finalPause:     time.Second,
	settlePause:    500 * time.Millisecond,
}

// bootstrapRun is the recovery sequence for one connection.
type bootstrapRun struct {
	gen   uint64
	done  chan struct{}
	value json.RawMessage
	err   error
}

func (c *Client) startBootstrap() {
	run := &bootstrapRun{gen: c.gen, done: make(chan struct{})}
	c.boot = run
	c.bootstrapping = true
	go func() {
		run.value, run.err = c.bootstrap(c.ctx, run.gen)
		if run.err != nil && c.ctx.Err() == nil {
			c.log.Warnw("console did not recover", "Target", c.Target(), "Error", run.err)
		}
		close(run.done)
		c.send(bootstrapDoneEvent{gen: run.gen})
	}()
}

// Init returns the device environment read while bootstrapping the current connection, connecting first if needed.
// If bootstrapping is disabled, the sequence runs now.
func (c *Client) Init(ctx context.Context) (json.RawMessage, error) {
	if err := c.EnsureConnection(ctx); err != nil {
		return nil, err
	}
	reply := make(chan initResult, 1)
	if !c.send(initEvent{reply: reply}) {
		return nil, ErrClosed
	}
	res := <-reply
	if res.err != nil {
		return nil, res.err
	}
	if res.run == nil {
		return c.bootstrap(ctx, res.gen)
	}
	select {
	case <-res.run.done:
		return res.run.value, res.run.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// bootstrap brings a console that may be stuck mid-statement back to a usable prompt and reads process.env.
// Its requests jump the queue and are bound to connection gen.
func (c *Client) bootstrap(ctx context.Context, gen uint64) (env json.RawMessage, err error) {
	t := c.timings
	defer func() {
		if sleepErr := sleep(ctx, t.settlePause); sleepErr != nil && err == nil {
			env, err = nil, sleepErr
		}
	}()

	exec := func(expression string, timeout time.Duration) (json.RawMessage, error) {
		return c.request(expression, callOptions{timeout: timeout, priority: true, gen: gen}).Wait(ctx)
	}
	// the environment is read fresh but kept for later queries
	readEnv := func(timeout time.Duration) (json.RawMessage, error) {
		return c.request(envExpression, callOptions{timeout: timeout, priority: true, gen: gen, memo: true}).Wait(ctx)
	}

	if _, err := exec(probeExpression, t.probeTimeout); err != nil {
		c.log.Debugf("probe failed: %s", err)
	}
	env, err = readEnv(t.envTimeout)
	if err == nil {
		return env, nil
	}
	c.log.Debugf("reading environment failed: %s", err)

	c.log.Info("Trying to reset before connecting...")
	if err := sleep(ctx, t.interruptPause); err != nil {
		return nil, err
	}
	if err := c.ResetPrompt(ctx); err != nil {
		c.log.Debugf("sending interrupt: %s", err)
	}
	if err := sleep(ctx, t.retryPause); err != nil {
		return nil, err
	}
	env, err = readEnv(t.retryTimeout)
	if err == nil {
		return env, nil
	}
	c.log.Debugf("reading environment failed: %s", err)

	c.log.Info("Still trying to connect...")
	if err := c.ResetPrompt(ctx); err != nil {
		c.log.Debugf("sending interrupt: %s", err)
	}
	if err := sleep(ctx, t.finalPause); err != nil {
		return nil, err
	}
	env, err = readEnv(t.finalTimeout)
	if err != nil {
		return nil, fmt.Errorf("bootstrapping console: %w", err)
	}
	return env, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
