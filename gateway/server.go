// Package gateway shares one console between several local consumers over HTTP.
//
// The device console only supports one link at a time, and a serial port cannot be opened twice.
// The gateway owns that link and exposes it as a small JSON API, plus a WebSocket stream of print output.
package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/espz/console"
	"github.com/guseggert/espz/device"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	DefaultListenAddr = "127.0.0.1:8023"

	maxFileSize      = 1 << 20
	outputBufferSize = 256
)

// Server is an HTTP front for a console client.
type Server struct {
	logger *zap.SugaredLogger

	console    *console.Client
	board      *device.Board
	listenAddr string
	tlsConfig  *tls.Config

	router     *httprouter.Router
	httpServer *http.Server
	output     *fanout

	ctx    context.Context
	cancel context.CancelFunc

	mut           sync.Mutex
	lastHeartbeat time.Time
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l.Named("gateway").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.logger = s.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithTLSConfig serves HTTPS. With ServerTLSConfig, only clients holding a certificate from the same CA get through.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(s *Server) {
		s.tlsConfig = cfg
	}
}

// NewServer starts forwarding the client's print output; it is delivered once a consumer connects to /output.
func NewServer(c *console.Client, opts ...Option) (*Server, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		logger:     logger.Named("gateway").Sugar(),
		console:    c,
		listenAddr: DefaultListenAddr,
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, o := range opts {
		o(s)
	}
	s.board = device.New(c, device.WithLogger(s.logger.Desugar()))
	s.output = newFanout(s.logger.Named("output"))

	router := httprouter.New()
	router.GET("/heartbeat", s.heartbeat)
	router.GET("/info", s.info)
	router.POST("/exec", s.exec)
	router.POST("/file/*path", s.postFile)
	router.POST("/reset", s.reset)
	router.GET("/output", s.outputWS)
	s.router = router

	go s.output.Pump(ctx, c.Output())
	return s, nil
}

// Handler returns the routes, for mounting in another server.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on the listen address and returns once the server has stopped.
func (s *Server) Run() error {
	l, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	return s.Serve(l)
}

func (s *Server) Serve(l net.Listener) error {
	server := &http.Server{Handler: s.router, BaseContext: func(net.Listener) context.Context { return s.ctx }}
	s.mut.Lock()
	s.httpServer = server
	s.mut.Unlock()

	if s.tlsConfig != nil {
		l = tls.NewListener(l, s.tlsConfig)
	}
	s.logger.Infow("serving", "Addr", l.Addr().String(), "Target", s.console.Target(), "TLS", s.tlsConfig != nil)
	err := server.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes the HTTP server and ends all output streams. It does not close the console client.
func (s *Server) Stop() error {
	s.cancel()
	s.output.Close()
	s.mut.Lock()
	server := s.httpServer
	s.mut.Unlock()
	if server == nil {
		return nil
	}
	return server.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.mut.Lock()
	lastHeartbeat := s.lastHeartbeat
	s.lastHeartbeat = time.Now()
	s.mut.Unlock()

	writeJSON(w, http.StatusOK, HeartbeatResponse{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
		State:         s.console.State().String(),
		Target:        s.console.Target(),
	})
}

func (s *Server) info(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	env, err := s.board.Env(r.Context())
	if err != nil {
		s.logger.Debugf("reading env: %s", err)
		writeJSON(w, http.StatusBadGateway, errorBody(err))
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(env.Raw)
}

// exec always answers 200 once the expression was accepted, since retrying a request that reached the device would evaluate it twice.
func (s *Server) exec(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req ExecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Expression) == "" {
		http.Error(w, "request contained no expression", http.StatusBadRequest)
		return
	}

	opts := []console.CallOption{console.WithTimeout(time.Duration(req.TimeoutMS) * time.Millisecond)}
	s.logger.Debugw("exec", "Expression", req.Expression, "TimeoutMS", req.TimeoutMS, "Cache", req.Cache)
	var call *console.Call
	if req.Cache {
		call = s.console.Memo(req.Expression, opts...)
	} else {
		call = s.console.Go(req.Expression, opts...)
	}

	var resp ExecResponse
	v, err := call.Wait(r.Context())
	switch {
	case err != nil:
		resp.Error = errorBody(err)
	case v == nil:
		resp.Undefined = true
	default:
		resp.Value = v
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) postFile(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := strings.TrimPrefix(params.ByName("path"), "/")
	if name == "" {
		http.Error(w, "missing file name", http.StatusBadRequest)
		return
	}
	contents, err := io.ReadAll(io.LimitReader(r.Body, maxFileSize+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(contents) > maxFileSize {
		http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
		return
	}
	if err := s.board.WriteFile(r.Context(), name, contents); err != nil {
		writeJSON(w, http.StatusBadGateway, errorBody(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req ResetRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	var err error
	if req.Interrupt {
		err = s.console.ResetPrompt(r.Context())
	} else {
		err = s.board.Reset(r.Context(), req.Hard)
	}
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorBody(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) outputWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debugf("output WebSocket accept error: %s", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	// the stream is one-way; CloseRead handles control frames and tells us when the peer goes away
	ctx := conn.CloseRead(r.Context())

	lines := s.output.Add(outputBufferSize)
	defer s.output.Remove(lines)

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server stopping")
				return
			}
			if err := wsjson.Write(ctx, conn, OutputMessage{Line: line}); err != nil {
				s.logger.Debugf("writing output line: %s", err)
				return
			}
		}
	}
}
