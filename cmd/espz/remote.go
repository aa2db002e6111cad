package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/guseggert/espz/console"
	"github.com/guseggert/espz/device"
	"github.com/guseggert/espz/gateway"
	"github.com/guseggert/espz/internal/config"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// remote is what the commands need from a device, whether the console is opened here or reached through a gateway.
type remote interface {
	Target() string
	Info(ctx context.Context) (*device.Env, error)
	Exec(ctx context.Context, expression string, timeout time.Duration) (json.RawMessage, error)
	WriteFile(ctx context.Context, name string, contents []byte) error
	Reset(ctx context.Context, hard bool) error
	Interrupt(ctx context.Context) error
	Tail(ctx context.Context, fn func(line string)) error
	Close() error
}

type directRemote struct {
	console *console.Client
	board   *device.Board
	// bootstrap means the environment comes from the recovery sequence, and its failure is reported here.
	bootstrap bool
	timeout   time.Duration
}

func (r *directRemote) Target() string { return r.console.Target() }

func (r *directRemote) Info(ctx context.Context) (*device.Env, error) {
	if !r.bootstrap {
		return r.board.Env(ctx, console.WithTimeout(r.timeout))
	}
	raw, err := r.console.Init(ctx)
	if err != nil {
		return nil, err
	}
	return device.ParseEnv(raw)
}

func (r *directRemote) Exec(ctx context.Context, expression string, timeout time.Duration) (json.RawMessage, error) {
	return r.console.Exec(ctx, expression, console.WithTimeout(timeout))
}

func (r *directRemote) WriteFile(ctx context.Context, name string, contents []byte) error {
	return r.board.WriteFile(ctx, name, contents)
}

func (r *directRemote) Reset(ctx context.Context, hard bool) error { return r.board.Reset(ctx, hard) }

func (r *directRemote) Interrupt(ctx context.Context) error { return r.console.ResetPrompt(ctx) }

func (r *directRemote) Tail(ctx context.Context, fn func(line string)) error {
	if err := r.console.EnsureConnection(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-r.console.Output():
			if !ok {
				return nil
			}
			fn(line)
		}
	}
}

func (r *directRemote) Close() error { return r.console.Close() }

type gatewayRemote struct {
	url     string
	client  *gateway.Client
	timeout time.Duration
}

func (r *gatewayRemote) Target() string { return r.url }

func (r *gatewayRemote) Info(ctx context.Context) (*device.Env, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	return r.client.Info(ctx)
}

func (r *gatewayRemote) Exec(ctx context.Context, expression string, timeout time.Duration) (json.RawMessage, error) {
	return r.client.Exec(ctx, expression, timeout)
}

func (r *gatewayRemote) WriteFile(ctx context.Context, name string, contents []byte) error {
	return r.client.SendFile(ctx, name, bytes.NewReader(contents))
}

func (r *gatewayRemote) Reset(ctx context.Context, hard bool) error { return r.client.Reset(ctx, hard) }

func (r *gatewayRemote) Interrupt(ctx context.Context) error { return r.client.Interrupt(ctx) }

func (r *gatewayRemote) Tail(ctx context.Context, fn func(line string)) error {
	return r.client.Tail(ctx, fn)
}

func (r *gatewayRemote) Close() error { return nil }

// loadConfig reads --config, or the nearest espz.yaml, and applies the global flags over it.
func loadConfig(cctx *cli.Context) (*config.Config, error) {
	path := cctx.String("config")
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working dir: %w", err)
		}
		path, err = config.Find(wd)
		if err != nil {
			return nil, fmt.Errorf("finding %s: %w", config.FileName, err)
		}
	}

	cfg := config.Default()
	if path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	}

	if cctx.IsSet("address") {
		cfg.Address = cctx.String("address")
	}
	if cctx.IsSet("baud") {
		cfg.BaudRate = cctx.Int("baud")
	}
	if cctx.IsSet("timeout") {
		cfg.ExecTimeout = cctx.Duration("timeout")
	}
	if cctx.IsSet("gateway") {
		cfg.Gateway = cctx.String("gateway")
	}
	if cctx.IsSet("tls-dir") {
		cfg.TLSDir = cctx.String("tls-dir")
	}
	if cctx.Bool("no-bootstrap") {
		off := false
		cfg.Bootstrap = &off
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cctx *cli.Context) (*zap.Logger, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	if !cctx.Bool("verbose") {
		logger = logger.WithOptions(zap.IncreaseLevel(zapcore.InfoLevel))
	}
	return logger, nil
}

// openConsole opens the configured console directly. Library logging stays at warnings unless --verbose.
func openConsole(cctx *cli.Context, cfg *config.Config, logger *zap.Logger) (*console.Client, error) {
	level := zapcore.WarnLevel
	if cctx.Bool("verbose") {
		level = zapcore.DebugLevel
	}
	return cfg.Dial(console.WithLogger(logger), console.WithLogLevel(level))
}

func openRemote(cctx *cli.Context) (remote, *config.Config, error) {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cctx)
	if err != nil {
		return nil, nil, err
	}

	if cfg.Gateway != "" {
		var opts []gateway.ClientOption
		if cfg.TLSDir != "" {
			tlsConfig, err := gateway.LoadClientTLSConfig(cfg.TLSDir)
			if err != nil {
				return nil, nil, fmt.Errorf("loading TLS config: %w", err)
			}
			opts = append(opts, gateway.WithClientTLSConfig(tlsConfig))
		}
		client := gateway.NewClient(logger.Sugar(), cfg.Gateway, opts...)
		return &gatewayRemote{url: cfg.Gateway, client: client, timeout: cfg.ExecTimeout}, cfg, nil
	}

	c, err := openConsole(cctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return &directRemote{
		console:   c,
		board:     device.New(c, device.WithLogger(logger)),
		bootstrap: cfg.BootstrapEnabled(),
		timeout:   cfg.ExecTimeout,
	}, cfg, nil
}
