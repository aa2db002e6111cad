package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/espz/transport"
	"go.uber.org/zap"
)

const readBufferSize = 4096

type State int32

const (
	Disconnected State = iota
	Connecting
	Open
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Client turns a device console into a request/reply channel.
// All of its state is owned by a single event loop goroutine; the exported methods are safe for concurrent use.
type Client struct {
	log    *zap.SugaredLogger
	dialer transport.Dialer

	settleDelay      time.Duration
	reconnectBackoff time.Duration
	bootstrapEnabled bool
	timings          bootstrapTimings

	ctx      context.Context
	cancel   context.CancelFunc
	events   chan any
	loopDone chan struct{}
	output   *lineStream
	state    atomic.Int32

	// Owned by the event loop.
	conn          io.ReadWriteCloser
	gen           uint64
	session       string
	nextID        uint64
	framer        framer
	queue         queue
	cache         cache
	active        *request
	waiters       []chan connResult
	boot          *bootstrapRun
	bootstrapping bool

	timeoutTimer *time.Timer
	settleTimer  *time.Timer
	backoffTimer *time.Timer
}

type connResult struct {
	conn io.ReadWriteCloser
	err  error
}

type initResult struct {
	run *bootstrapRun
	gen uint64
	err error
}

// Events handled by the loop.
type (
	submitEvent struct {
		expression string
		opts       callOptions
		reply      chan *Call
	}
	connectEvent struct {
		reply chan connResult
	}
	initEvent struct {
		reply chan initResult
	}
	dialEvent struct {
		conn io.ReadWriteCloser
		err  error
	}
	chunkEvent struct {
		gen  uint64
		data []byte
	}
	readErrorEvent struct {
		gen uint64
		err error
	}
	writeErrorEvent struct {
		gen uint64
		id  uint64
		err error
	}
	bootstrapDoneEvent struct {
		gen uint64
	}
)

// New starts a client for the console behind dialer. No connection is made until one is needed.
func New(dialer transport.Dialer, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		log:              defaultLogger,
		dialer:           dialer,
		settleDelay:      DefaultSettleDelay,
		reconnectBackoff: DefaultReconnectBackoff,
		bootstrapEnabled: true,
		timings:          defaultBootstrapTimings,
		ctx:              ctx,
		cancel:           cancel,
		events:           make(chan any),
		loopDone:         make(chan struct{}),
		output:           newLineStream(),
		cache:            cache{},
	}
	for _, o := range opts {
		o(c)
	}
	go c.run()
	return c
}

// Dial is New with a dialer chosen from the address.
func Dial(address string, opts ...Option) (*Client, error) {
	d, err := transport.New(address)
	if err != nil {
		return nil, err
	}
	return New(d, opts...), nil
}

func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) { c.state.Store(int32(s)) }

// Target names the console address.
func (c *Client) Target() string { return c.dialer.String() }

// Output returns the stream of unsolicited print lines, without their CRLF.
// Lines are buffered until read. The channel is closed by Close.
func (c *Client) Output() <-chan string { return c.output.out }

// EnsureConnection returns once the link is open, dialing if needed.
// Concurrent callers share one connection attempt.
func (c *Client) EnsureConnection(ctx context.Context) error {
	_, err := c.connection(ctx)
	return err
}

func (c *Client) connection(ctx context.Context) (io.ReadWriteCloser, error) {
	reply := make(chan connResult, 1)
	if !c.send(connectEvent{reply: reply}) {
		return nil, ErrClosed
	}
	select {
	case r := <-reply:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Go queues an expression for evaluation and returns immediately.
func (c *Client) Go(expression string, opts ...CallOption) *Call {
	return c.request(expression, buildCallOptions(opts))
}

// Exec evaluates an expression and waits for its result.
// A nil value with a nil error means the expression evaluated to undefined.
func (c *Client) Exec(ctx context.Context, expression string, opts ...CallOption) (json.RawMessage, error) {
	return c.Go(expression, opts...).Wait(ctx)
}

// Memo is Go for side-effect-free expressions: while connected, the same expression text returns the same Call.
func (c *Client) Memo(expression string, opts ...CallOption) *Call {
	o := buildCallOptions(opts)
	o.memo = true
	return c.request(expression, o)
}

// Query is the blocking form of Memo.
func (c *Client) Query(ctx context.Context, expression string, opts ...CallOption) (json.RawMessage, error) {
	return c.Memo(expression, opts...).Wait(ctx)
}

func (c *Client) request(expression string, o callOptions) *Call {
	reply := make(chan *Call, 1)
	if !c.send(submitEvent{expression: expression, opts: o, reply: reply}) {
		call := newCall(0, expression)
		call.settle(nil, ErrClosed)
		return call
	}
	return <-reply
}

// Write sends raw bytes to the console, bypassing the request queue.
// If ctx ends first, Write returns its error but the bytes may still be written later.
func (c *Client) Write(ctx context.Context, data []byte) error {
	conn, err := c.connection(ctx)
	if err != nil {
		return err
	}
	errc := make(chan error, 1)
	go func() {
		_, err := conn.Write(data)
		errc <- err
	}()
	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("writing to console: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResetPrompt sends Ctrl+C to abandon whatever the console is doing.
func (c *Client) ResetPrompt(ctx context.Context) error {
	return c.Write(ctx, []byte(Interrupt))
}

// Recover interrupts twice and re-enables echo, for a console left with echo turned off.
func (c *Client) Recover(ctx context.Context) error {
	return c.Write(ctx, []byte(Interrupt+Interrupt+"echo(1)\n"))
}

// Close stops the client. Queued and in-flight calls fail with ErrClosed.
func (c *Client) Close() error {
	c.cancel()
	<-c.loopDone
	return nil
}

func (c *Client) send(ev any) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (c *Client) run() {
	defer close(c.loopDone)
	defer c.shutdown()
	for {
		c.advance()
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.events:
			c.handle(ev)
		case <-timerC(c.timeoutTimer):
			c.timeoutTimer = nil
			c.expire()
		case <-timerC(c.settleTimer):
			c.settleTimer = nil
		case <-timerC(c.backoffTimer):
			c.backoffTimer = nil
		}
	}
}

func (c *Client) handle(ev any) {
	switch ev := ev.(type) {
	case submitEvent:
		c.enqueue(ev)
	case connectEvent:
		c.connect(ev.reply)
	case initEvent:
		if c.State() != Open {
			ev.reply <- initResult{err: &ConnectionError{Target: c.Target(), Err: ErrConnectionLost}}
			return
		}
		ev.reply <- initResult{run: c.boot, gen: c.gen}
	case dialEvent:
		c.dialed(ev.conn, ev.err)
	case chunkEvent:
		if ev.gen == c.gen && c.conn != nil {
			c.consume(ev.data)
		}
	case readErrorEvent:
		if ev.gen == c.gen && c.conn != nil {
			c.disconnected(ev.err)
		}
	case writeErrorEvent:
		if ev.gen == c.gen && c.active != nil && c.active.id == ev.id {
			c.finish(nil, &ConnectionError{Target: c.Target(), Err: fmt.Errorf("writing request: %w", ev.err)})
		}
	case bootstrapDoneEvent:
		if ev.gen == c.gen {
			c.bootstrapping = false
		}
	default:
		panic(fmt.Sprintf("unknown event %T", ev))
	}
}

func (c *Client) enqueue(ev submitEvent) {
	if ev.opts.memo && ev.opts.cache {
		if call, ok := c.cache.lookup(ev.expression); ok {
			ev.reply <- call
			return
		}
	}
	c.nextID++
	r := &request{
		id:         c.nextID,
		expression: ev.expression,
		timeout:    ev.opts.timeout,
		created:    time.Now(),
		call:       newCall(c.nextID, ev.expression),
		priority:   ev.opts.priority,
		gen:        ev.opts.gen,
	}
	if ev.opts.memo {
		c.cache.store(ev.expression, r.call)
	}
	c.queue.push(r)
	ev.reply <- r.call
}

// advance dispatches the next request if nothing is in flight, dialing first if there is no link.
func (c *Client) advance() {
	for c.active == nil && c.settleTimer == nil {
		r := c.queue.head(c.bootstrapping)
		if r == nil {
			return
		}
		if r.gen != 0 && (r.gen != c.gen || c.State() != Open) {
			c.queue.pop()
			r.call.settle(nil, &ConnectionError{Target: c.Target(), Err: ErrConnectionLost})
			continue
		}
		switch c.State() {
		case Connecting:
			return
		case Disconnected:
			if c.backoffTimer == nil {
				c.dial()
			}
			return
		}
		c.dispatch(c.queue.pop())
	}
}

func (c *Client) dispatch(r *request) {
	c.active = r
	if r.timeout > 0 {
		c.timeoutTimer = time.NewTimer(r.timeout)
	}
	c.log.Debugw("dispatching request", "ID", r.id, "Session", c.session, "Queued", time.Since(r.created))

	text := harness(r.id, r.expression)
	conn, gen, id := c.conn, c.gen, r.id
	go func() {
		if _, err := io.WriteString(conn, text); err != nil {
			c.send(writeErrorEvent{gen: gen, id: id, err: err})
		}
	}()
}

// finish settles the in-flight request and holds the queue for the settle delay.
func (c *Client) finish(v json.RawMessage, err error) {
	r := c.active
	c.active = nil
	stopTimer(c.timeoutTimer)
	c.timeoutTimer = nil

	r.call.settle(v, err)
	if err != nil {
		c.log.Debugw("request failed", "ID", r.id, "Error", err, "Elapsed", time.Since(r.created))
	} else {
		c.log.Debugw("request settled", "ID", r.id, "Elapsed", time.Since(r.created))
	}
	c.settleTimer = time.NewTimer(c.settleDelay)
}

func (c *Client) expire() {
	if c.active == nil {
		return
	}
	c.finish(nil, &TimeoutError{ID: c.active.id, Timeout: c.active.timeout})
}

func (c *Client) connect(reply chan connResult) {
	if c.State() == Open {
		reply <- connResult{conn: c.conn}
		return
	}
	c.waiters = append(c.waiters, reply)
	if c.State() == Disconnected {
		c.dial()
	}
}

func (c *Client) notifyWaiters(r connResult) {
	for _, w := range c.waiters {
		w <- r
	}
	c.waiters = nil
}

func (c *Client) dial() {
	c.setState(Connecting)
	stopTimer(c.backoffTimer)
	c.backoffTimer = nil
	c.log.Debugw("connecting", "Target", c.Target())
	go func() {
		conn, err := c.dialer.DialContext(c.ctx)
		if !c.send(dialEvent{conn: conn, err: err}) && conn != nil {
			conn.Close()
		}
	}()
}

func (c *Client) dialed(conn io.ReadWriteCloser, err error) {
	if err != nil {
		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			err = &ConnectionError{Target: c.Target(), Err: err}
		}
		c.setState(Disconnected)
		c.notifyWaiters(connResult{err: err})
		if c.queue.len() > 0 {
			c.log.Warnf("failed to connect (retrying in %s): %s", c.reconnectBackoff, err)
			c.backoffTimer = time.NewTimer(c.reconnectBackoff)
		} else {
			c.log.Debugf("failed to connect: %s", err)
		}
		return
	}

	if c.conn != nil {
		c.conn.Close()
	}
	c.gen++
	c.conn = conn
	c.session = uuid.NewString()
	c.framer.reset()
	c.setState(Open)
	c.log.Infow("connected", "Target", c.Target(), "Session", c.session)

	go c.read(c.gen, conn)
	c.notifyWaiters(connResult{conn: conn})

	c.boot = nil
	if c.bootstrapEnabled {
		c.startBootstrap()
	}
}

func (c *Client) disconnected(err error) {
	c.log.Infow("disconnected", "Target", c.Target(), "Session", c.session, "Error", err)
	c.conn.Close()
	c.conn = nil
	c.session = ""
	c.framer.reset()
	c.cache.clear()
	c.bootstrapping = false
	c.setState(Disconnected)
	if c.active != nil {
		c.finish(nil, &ConnectionError{Target: c.Target(), Err: fmt.Errorf("%w: %s", ErrConnectionLost, err)})
	}
}

// read forwards everything received on one connection to the loop.
func (c *Client) read(gen uint64, conn io.Reader) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if !c.send(chunkEvent{gen: gen, data: data}) {
				return
			}
		}
		if err != nil {
			c.send(readErrorEvent{gen: gen, err: err})
			return
		}
	}
}

func (c *Client) consume(data []byte) {
	for _, line := range c.framer.Feed(data) {
		switch line.Kind {
		case LinePrint:
			c.output.push(line.Text)
		case LineReply:
			c.correlate(line.Text)
		}
	}
}

func (c *Client) correlate(text string) {
	m, ok := ParseMarker(text)
	if !ok {
		return
	}
	if c.active == nil || c.active.id != m.ID {
		c.log.Debugw("dropping reply with no waiting request", "ID", m.ID)
		return
	}
	v, err := m.Decode()
	c.finish(v, err)
}

func (c *Client) shutdown() {
	stopTimer(c.timeoutTimer)
	stopTimer(c.settleTimer)
	stopTimer(c.backoffTimer)
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.setState(Disconnected)
	if c.active != nil {
		c.active.call.settle(nil, ErrClosed)
		c.active = nil
	}
	for _, r := range c.queue.drain() {
		r.call.settle(nil, ErrClosed)
	}
	c.notifyWaiters(connResult{err: ErrClosed})
	c.output.close()
}
