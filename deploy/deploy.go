package deploy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/guseggert/espz/console"
	"github.com/guseggert/espz/device"
	"go.uber.org/zap"
)

type ResetMode int

const (
	NoReset ResetMode = iota
	SoftReset
	HardReset
)

func (m ResetMode) String() string {
	switch m {
	case SoftReset:
		return "soft"
	case HardReset:
		return "hard"
	default:
		return "none"
	}
}

// ParseResetMode accepts the values of the --reset flag.
func ParseResetMode(s string) (ResetMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "false", "none", "no":
		return NoReset, nil
	case "true", "soft", "yes":
		return SoftReset, nil
	case "hard", "full":
		return HardReset, nil
	}
	return NoReset, fmt.Errorf("unknown reset mode %q", s)
}

type Options struct {
	Reset ResetMode
	// Boot stores the code as boot code and reboots, instead of running it in the current session.
	Boot bool
	// Save calls save() after the code ran. Ignored with Boot.
	Save bool

	SoftResetWait time.Duration
	HardResetWait time.Duration
	AssetPause    time.Duration
	RunWait       time.Duration
	SettlePause   time.Duration
	SaveWait      time.Duration
	RebootDelay   time.Duration
	RebootWait    time.Duration
}

func DefaultOptions() Options {
	return Options{
		SoftResetWait: time.Second,
		HardResetWait: 2 * time.Second,
		AssetPause:    time.Second,
		RunWait:       5 * time.Second,
		SettlePause:   500 * time.Millisecond,
		SaveWait:      2 * time.Second,
		RebootDelay:   time.Second,
		RebootWait:    10 * time.Second,
	}
}

// Result describes the device after a deploy.
type Result struct {
	// Memory is read after the code ran, or after save() if it was requested. Nil when the device rebooted.
	Memory   *device.Memory
	Rebooted bool
}

var defaultLogger *zap.SugaredLogger

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	defaultLogger = logger.Sugar().Named("deploy")
}

type Deployer struct {
	log   *zap.SugaredLogger
	board *device.Board
}

type Option func(d *Deployer)

func WithLogger(l *zap.Logger) Option {
	return func(d *Deployer) {
		d.log = l.Named("deploy").Sugar()
	}
}

func New(board *device.Board, opts ...Option) *Deployer {
	d := &Deployer{log: defaultLogger, board: board}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Send uploads the bundle's assets and then its code.
func (d *Deployer) Send(ctx context.Context, bundle *Bundle, opts Options) (*Result, error) {
	if err := d.board.Probe(ctx); err != nil {
		d.log.Debugf("console not answering, resetting prompt: %s", err)
		if err := d.board.Console().Write(ctx, []byte(console.Interrupt)); err != nil {
			d.log.Warnf("failed to reset prompt: %s", err)
		}
	}

	if opts.Reset != NoReset {
		d.reset(ctx, opts.Reset, opts)
	}
	if err := d.board.Probe(ctx); err != nil {
		return nil, err
	}

	for _, a := range bundle.Assets {
		d.log.Infof("Writing %s (%db)", a.FileName, len(a.Source))
		if err := d.board.WriteFile(ctx, a.FileName, a.Source); err != nil {
			return nil, err
		}
		if err := sleep(ctx, opts.AssetPause); err != nil {
			return nil, err
		}
		if err := d.board.Probe(ctx); err != nil {
			return nil, err
		}
	}
	if opts.Reset != NoReset && len(bundle.Assets) > 0 {
		d.reset(ctx, SoftReset, opts)
		if err := d.board.Probe(ctx); err != nil {
			d.log.Debugf("probe after reset failed: %s", err)
		}
	}

	d.log.Infof("Sending compiled code (%db)", len(bundle.Code))
	if opts.Boot {
		return d.sendBoot(ctx, bundle.Code, opts)
	}
	return d.sendRaw(ctx, bundle.Code, opts)
}

// reset failures are logged only; the probe that follows decides whether the device is usable.
func (d *Deployer) reset(ctx context.Context, mode ResetMode, opts Options) {
	wait := opts.SoftResetWait
	if mode == HardReset {
		wait = opts.HardResetWait
	}
	d.log.Infof("Sending %s reset", mode)
	if err := d.board.Reset(ctx, mode == HardReset); err != nil {
		d.log.Debugf("reset failed: %s", err)
		return
	}
	if err := sleep(ctx, wait); err != nil {
		d.log.Debugf("waiting for reset: %s", err)
	}
}

func (d *Deployer) sendBoot(ctx context.Context, code string, opts Options) (*Result, error) {
	if err := d.board.SetBootCode(ctx, code, opts.RebootDelay); err != nil {
		return nil, err
	}
	d.log.Info("Setting boot code, the device will reboot")
	if err := sleep(ctx, opts.RebootWait); err != nil {
		return nil, err
	}
	return &Result{Rebooted: true}, nil
}

func (d *Deployer) sendRaw(ctx context.Context, code string, opts Options) (*Result, error) {
	if !strings.HasSuffix(code, "\n") {
		code += "\n"
	}
	// echo off, so the console does not print the program back
	if err := d.board.Console().Write(ctx, []byte("\x10"+code)); err != nil {
		return nil, fmt.Errorf("transmitting code: %w", err)
	}
	d.log.Infof("Transmitted, waiting %s", opts.RunWait)
	if err := sleep(ctx, opts.RunWait); err != nil {
		return nil, err
	}
	mem, err := d.board.Memory(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking device after sending code: %w", err)
	}
	d.log.Infow("Executed", "Free", mem.Free, "Usage", mem.Usage)
	if err := sleep(ctx, opts.SettlePause); err != nil {
		return nil, err
	}
	res := &Result{Memory: mem}

	if opts.Save {
		d.log.Info("Saving")
		if err := d.board.Save(ctx); err != nil {
			return nil, err
		}
		if err := sleep(ctx, opts.SaveWait); err != nil {
			return nil, err
		}
		if res.Memory, err = d.board.Memory(ctx); err != nil {
			return nil, fmt.Errorf("checking device after save: %w", err)
		}
	}
	return res, nil
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
