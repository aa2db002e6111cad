package gateway

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guseggert/espz/console"
	"github.com/guseggert/espz/internal/consoletest"
	inet "github.com/guseggert/espz/internal/net"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

const envJSON = `{"VERSION":"2v19","BOARD":"ESP32","MODULES":"Flash,Storage,net"}`

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newConsole(t *testing.T, d *consoletest.Dialer) *console.Client {
	c := console.New(d,
		console.WithoutBootstrap(),
		console.WithLogger(log.Desugar()),
		console.WithSettleDelay(time.Millisecond),
		console.WithReconnectBackoff(20*time.Millisecond),
	)
	t.Cleanup(func() { c.Close() })
	return c
}

func newTestServer(t *testing.T, h consoletest.HandlerFunc) (*consoletest.Dialer, *Server, *Client) {
	d := consoletest.NewDialer(h)
	s, err := NewServer(newConsole(t, d), WithLogger(log.Desugar()))
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Stop()
		ts.Close()
	})
	return d, s, NewClient(log, ts.URL)
}

func TestExecEndpoint(t *testing.T) {
	_, _, client := newTestServer(t, consoletest.Answers(map[string]string{
		"1+1":      "2",
		"print(1)": "undefined",
	}))
	ctx := testContext(t)

	v, err := client.Exec(ctx, "1+1", time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, "2", string(v))

	v, err = client.Exec(ctx, "print(1)", time.Second)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestExecEndpointErrors(t *testing.T) {
	_, _, client := newTestServer(t, func(_ *consoletest.Device, id uint64, expr string) string {
		switch expr {
		case "boom":
			return consoletest.Failure(id, "boom is not defined", "at line 1")
		case "garbled":
			return consoletest.Reply(id, "{nope")
		}
		return ""
	})
	ctx := testContext(t)

	cases := []struct {
		name  string
		expr  string
		check func(t *testing.T, err error)
	}{
		{
			name: "remote error",
			expr: "boom",
			check: func(t *testing.T, err error) {
				var rerr *console.RemoteError
				require.True(t, errors.As(err, &rerr), "unexpected error %v", err)
				assert.Equal(t, "boom is not defined", rerr.Message)
				assert.Equal(t, "at line 1", rerr.Stack)
			},
		},
		{
			name: "protocol error",
			expr: "garbled",
			check: func(t *testing.T, err error) {
				var perr *console.ProtocolError
				require.True(t, errors.As(err, &perr), "unexpected error %v", err)
				assert.Equal(t, "{nope", perr.Payload)
			},
		},
		{
			name: "timeout",
			expr: "silent",
			check: func(t *testing.T, err error) {
				var terr *console.TimeoutError
				require.True(t, errors.As(err, &terr), "unexpected error %v", err)
				assert.Equal(t, 50*time.Millisecond, terr.Timeout)
			},
		},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			_, err := client.Exec(ctx, c.expr, 50*time.Millisecond)
			require.Error(t, err)
			c.check(t, err)
		})
	}
}

func TestExecEndpointConnectionLost(t *testing.T) {
	_, _, client := newTestServer(t, func(dev *consoletest.Device, id uint64, expr string) string {
		dev.Close()
		return ""
	})

	_, err := client.Exec(testContext(t), "1", time.Second)
	var cerr *console.ConnectionError
	require.True(t, errors.As(err, &cerr), "unexpected error %v", err)
	assert.Equal(t, "pipe", cerr.Target)
	assert.Contains(t, cerr.Error(), console.ErrConnectionLost.Error())
}

func TestExecEndpointRejectsEmptyExpression(t *testing.T) {
	_, _, client := newTestServer(t, nil)
	_, err := client.Exec(testContext(t), "  ", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestQueryEndpointIsCached(t *testing.T) {
	d, _, client := newTestServer(t, consoletest.Answers(map[string]string{"process.env": envJSON}))
	ctx := testContext(t)

	for i := 0; i < 3; i++ {
		v, err := client.Query(ctx, "process.env", time.Second)
		require.NoError(t, err)
		assert.JSONEq(t, envJSON, string(v))
	}
	assert.Len(t, d.Device(0).Received(), 1)
}

func TestInfoEndpoint(t *testing.T) {
	_, _, client := newTestServer(t, consoletest.Answers(map[string]string{"process.env": envJSON}))

	env, err := client.Info(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "2v19", env.Version)
	assert.Equal(t, "ESP32", env.Board)
	assert.True(t, env.HasModule("Storage"))
}

func TestInfoEndpointUndefined(t *testing.T) {
	_, _, client := newTestServer(t, consoletest.Answers(map[string]string{"process.env": "undefined"}))

	_, err := client.Info(testContext(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "process.env is undefined")
}

func TestFileEndpoint(t *testing.T) {
	d, _, client := newTestServer(t, func(_ *consoletest.Device, id uint64, expr string) string {
		return consoletest.Reply(id, "true")
	})

	err := client.SendFile(testContext(t), "app.js", strings.NewReader(`print("hi")`))
	require.NoError(t, err)
	assert.Equal(t, []string{`require('Storage').write("app.js","print(\"hi\")")`}, d.Device(0).Expressions())
}

func TestFileEndpointRemoteError(t *testing.T) {
	_, _, client := newTestServer(t, func(_ *consoletest.Device, id uint64, expr string) string {
		return consoletest.Failure(id, "Not enough free space", "")
	})

	err := client.SendFile(testContext(t), "app.js", strings.NewReader("x"))
	var rerr *console.RemoteError
	require.True(t, errors.As(err, &rerr), "unexpected error %v", err)
	assert.Equal(t, "Not enough free space", rerr.Message)
}

func TestFileEndpointTooLarge(t *testing.T) {
	_, _, client := newTestServer(t, nil)
	err := client.SendFile(testContext(t), "big.bin", bytes.NewReader(make([]byte, maxFileSize+1)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "413")
}

func TestResetEndpoint(t *testing.T) {
	d, _, client := newTestServer(t, func(_ *consoletest.Device, id uint64, expr string) string {
		return consoletest.Reply(id, "undefined")
	})
	ctx := testContext(t)

	require.NoError(t, client.Reset(ctx, false))
	require.NoError(t, client.Reset(ctx, true))
	assert.Equal(t, []string{"reset()", "reset(true)"}, d.Device(0).Expressions())

	require.NoError(t, client.Interrupt(ctx))
	require.Eventually(t, func() bool { return d.Device(0).Interrupts() == 1 }, 2*time.Second, time.Millisecond)
}

func TestHeartbeat(t *testing.T) {
	_, _, client := newTestServer(t, consoletest.Answers(map[string]string{"1": "1"}))
	ctx := testContext(t)

	require.NoError(t, client.WaitForServer(ctx))

	hb, err := client.SendHeartbeat(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pipe", hb.Target)
	assert.NotEmpty(t, hb.LastHeartbeat)

	_, err = client.Exec(ctx, "1", time.Second)
	require.NoError(t, err)
	hb, err = client.SendHeartbeat(ctx)
	require.NoError(t, err)
	assert.Equal(t, console.Open.String(), hb.State)
}

func TestTail(t *testing.T) {
	d, _, client := newTestServer(t, consoletest.Answers(map[string]string{"1": "1"}))
	ctx := testContext(t)

	_, err := client.Exec(ctx, "1", time.Second)
	require.NoError(t, err)
	// printed before anyone listens; the gateway holds it for the first consumer
	d.Device(0).Emit(consoletest.Print("booted"))

	tailCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string, 10)
	errs := make(chan error, 1)
	go func() {
		errs <- client.Tail(tailCtx, func(line string) { lines <- line })
	}()

	assert.Equal(t, "booted", <-lines)
	d.Device(0).Emit(consoletest.Print("tick"))
	assert.Equal(t, "tick", <-lines)

	cancel()
	require.NoError(t, <-errs)
}

func TestTailEndsWhenServerStops(t *testing.T) {
	_, s, client := newTestServer(t, nil)

	errs := make(chan error, 1)
	go func() {
		errs <- client.Tail(testContext(t), func(string) {})
	}()
	require.Eventually(t, func() bool { return s.output.Len() == 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, s.Stop())
	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("tail did not return")
	}
}

func TestServerRun(t *testing.T) {
	addr, err := inet.GetEphemeralAddr()
	require.NoError(t, err)
	d := consoletest.NewDialer(consoletest.Answers(map[string]string{"1": "1"}))
	s, err := NewServer(newConsole(t, d), WithLogger(log.Desugar()), WithListenAddr(addr))
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() { errs <- s.Run() }()

	ctx := testContext(t)
	client := NewClient(log, "http://"+addr, WithClientWaitInterval(5*time.Millisecond))
	require.NoError(t, client.WaitForServer(ctx))
	v, err := client.Exec(ctx, "1", time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, "1", string(v))

	require.NoError(t, s.Stop())
	require.NoError(t, <-errs)
}

func TestCheckRetry(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name   string
		status int
		retry  bool
	}{
		{name: "ok", status: http.StatusOK, retry: false},
		{name: "bad gateway", status: http.StatusBadGateway, retry: false},
		{name: "unavailable", status: http.StatusServiceUnavailable, retry: true},
		{name: "too many requests", status: http.StatusTooManyRequests, retry: true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			retry, err := checkRetry(ctx, &http.Response{StatusCode: c.status}, nil)
			assert.Equal(t, c.retry, retry)
			if !c.retry {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClientRetriesUnavailableServer(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"Value":42}`))
	}))
	defer ts.Close()

	var retries int
	client := NewClient(log, ts.URL, WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RequestLogHook = func(_ retryablehttp.Logger, _ *http.Request, attempt int) {
			retries = attempt
		}
	}))
	v, err := client.Exec(testContext(t), "42", time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, "42", string(v))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, retries)
}
