package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/guseggert/espz/device"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client talks to a gateway Server. Transient HTTP failures are retried; console errors are not.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	customizeRetryableClient func(*retryablehttp.Client)
	waitInterval             time.Duration
	tlsConfig                *tls.Config
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("gateway_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

// WithClientTLSConfig sets the TLS config for https:// gateways, usually from ClientTLSConfig.
func WithClientTLSConfig(cfg *tls.Config) ClientOption {
	return func(c *Client) {
		c.tlsConfig = cfg
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// checkRetry retries like retryablehttp does, except for 502s: the gateway uses those for console errors,
// and the request may already have run on the device.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp != nil && resp.StatusCode == http.StatusBadGateway {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// NewClient builds a client for the gateway at baseURL, such as http://127.0.0.1:8023.
func NewClient(log *zap.SugaredLogger, baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		Logger:       log.Named("gateway_client"),
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.CheckRetry = checkRetry
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	if c.tlsConfig != nil {
		if t, ok := retryClient.HTTPClient.Transport.(*http.Transport); ok {
			t.TLSClientConfig = c.tlsConfig
		}
	}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c
}

func (c *Client) do(ctx context.Context, method, urlPath string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+urlPath, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")
	return c.HTTPClient.Do(req)
}

func (c *Client) postJSON(ctx context.Context, urlPath string, v any) (*http.Response, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, urlPath, bytes.NewReader(b))
}

// statusError turns a failed response into an error, rebuilding console errors from their JSON body.
func statusError(resp *http.Response, what string) error {
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("non-200 HTTP status code %d received when %s, error reading body: %w", resp.StatusCode, what, err)
	}
	if resp.StatusCode == http.StatusBadGateway {
		var body ErrorBody
		if err := json.Unmarshal(b, &body); err == nil && body.Kind != "" {
			return fmt.Errorf("%s: %w", what, body.Err())
		}
	}
	return fmt.Errorf("non-200 HTTP status code %d received when %s: %s", resp.StatusCode, what, strings.TrimSpace(string(b)))
}

func (c *Client) SendHeartbeat(ctx context.Context) (*HeartbeatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	resp, err := c.do(ctx, http.MethodGet, "/heartbeat", nil)
	if err != nil {
		return nil, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected heartbeat status code %d", resp.StatusCode)
	}
	var hb HeartbeatResponse
	if err := json.NewDecoder(resp.Body).Decode(&hb); err != nil {
		return nil, fmt.Errorf("decoding heartbeat: %w", err)
	}
	return &hb, nil
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

func (c *Client) exec(ctx context.Context, req ExecRequest) (json.RawMessage, error) {
	resp, err := c.postJSON(ctx, "/exec", req)
	if err != nil {
		return nil, fmt.Errorf("sending expression over HTTP: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, "evaluating expression")
	}
	var execResp ExecResponse
	if err := json.NewDecoder(resp.Body).Decode(&execResp); err != nil {
		return nil, fmt.Errorf("decoding exec response: %w", err)
	}
	if execResp.Error != nil {
		return nil, execResp.Error.Err()
	}
	if execResp.Undefined {
		return nil, nil
	}
	return execResp.Value, nil
}

// Exec evaluates expression on the device. Errors from the device come back as the console package's error types.
func (c *Client) Exec(ctx context.Context, expression string, timeout time.Duration) (json.RawMessage, error) {
	return c.exec(ctx, ExecRequest{Expression: expression, TimeoutMS: timeout.Milliseconds()})
}

// Query is Exec through the gateway's result cache.
func (c *Client) Query(ctx context.Context, expression string, timeout time.Duration) (json.RawMessage, error) {
	return c.exec(ctx, ExecRequest{Expression: expression, TimeoutMS: timeout.Milliseconds(), Cache: true})
}

func (c *Client) Info(ctx context.Context) (*device.Env, error) {
	resp, err := c.do(ctx, http.MethodGet, "/info", nil)
	if err != nil {
		return nil, fmt.Errorf("reading info over HTTP: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, "reading info")
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading info body: %w", err)
	}
	return device.ParseEnv(b)
}

// SendFile writes contents to the device's Storage under name.
func (c *Client) SendFile(ctx context.Context, name string, contents io.Reader) error {
	resp, err := c.do(ctx, http.MethodPost, path.Join("/file", name), contents)
	if err != nil {
		return fmt.Errorf("sending file over HTTP: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp, "sending file")
	}
	return nil
}

func (c *Client) reset(ctx context.Context, req ResetRequest) error {
	resp, err := c.postJSON(ctx, "/reset", req)
	if err != nil {
		return fmt.Errorf("sending reset over HTTP: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp, "resetting")
	}
	return nil
}

func (c *Client) Reset(ctx context.Context, hard bool) error {
	return c.reset(ctx, ResetRequest{Hard: hard})
}

// Interrupt sends Ctrl+C to the console.
func (c *Client) Interrupt(ctx context.Context) error {
	return c.reset(ctx, ResetRequest{Interrupt: true})
}

// Tail calls fn with every print line from the device until ctx is done or the server goes away.
func (c *Client) Tail(ctx context.Context, fn func(line string)) error {
	u := c.baseURL + "/output"
	c.Logger.Debugw("dialing WebSocket", "URL", u)
	var opts websocket.DialOptions
	if c.tlsConfig != nil {
		opts.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: c.tlsConfig}}
	}
	conn, _, err := websocket.Dial(ctx, u, &opts)
	if err != nil {
		return fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		var msg OutputMessage
		err := wsjson.Read(ctx, conn, &msg)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			return fmt.Errorf("reading output: %w", err)
		}
		fn(msg.Line)
	}
}
