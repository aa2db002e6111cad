// Package device wraps a console client with helpers for the Espruino runtime on the other end.
package device

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/guseggert/espz/console"
	"go.uber.org/zap"
)

// ChunkSize bounds the data carried by a single Storage.write request, so one request line stays within the console's input buffer.
const ChunkSize = 1000

const (
	probeExpression  = "42"
	gcExpression     = `global['\xFF'].history=[];process.memory();undefined;`
	memoryExpression = "process.memory()"
	envExpression    = "process.env"
)

var defaultLogger *zap.SugaredLogger

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	defaultLogger = logger.Sugar().Named("device")
}

// Console is the part of *console.Client a Board drives.
type Console interface {
	Exec(ctx context.Context, expression string, opts ...console.CallOption) (json.RawMessage, error)
	Query(ctx context.Context, expression string, opts ...console.CallOption) (json.RawMessage, error)
	Write(ctx context.Context, data []byte) error
}

type Board struct {
	log     *zap.SugaredLogger
	console Console
}

type Option func(b *Board)

func WithLogger(l *zap.Logger) Option {
	return func(b *Board) {
		b.log = l.Named("device").Sugar()
	}
}

func New(c Console, opts ...Option) *Board {
	b := &Board{log: defaultLogger, console: c}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Console returns the client the board was built on.
func (b *Board) Console() Console { return b.console }

// Probe evaluates a trivial expression to check that the prompt is answering.
func (b *Board) Probe(ctx context.Context, opts ...console.CallOption) error {
	_, err := b.console.Exec(ctx, probeExpression, opts...)
	if err != nil {
		return fmt.Errorf("probing console: %w", err)
	}
	return nil
}

// Env reads process.env. The result is memoized until the connection drops unless opts disable the cache.
func (b *Board) Env(ctx context.Context, opts ...console.CallOption) (*Env, error) {
	raw, err := b.console.Query(ctx, envExpression, opts...)
	if err != nil {
		return nil, fmt.Errorf("reading process.env: %w", err)
	}
	return ParseEnv(raw)
}

// Memory reports the interpreter's variable store usage.
func (b *Board) Memory(ctx context.Context) (*Memory, error) {
	raw, err := b.console.Exec(ctx, memoryExpression)
	if err != nil {
		return nil, fmt.Errorf("reading process.memory(): %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("reading process.memory(): %w", console.ErrUndefined)
	}
	m := &Memory{}
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, fmt.Errorf("decoding process.memory(): %w", err)
	}
	return m, nil
}

// GC drops the console's input history and runs a garbage collection pass.
func (b *Board) GC(ctx context.Context) error {
	if _, err := b.console.Exec(ctx, gcExpression); err != nil {
		return fmt.Errorf("collecting garbage: %w", err)
	}
	return nil
}

// Reset clears the interpreter state. A hard reset also skips the saved code on restart.
func (b *Board) Reset(ctx context.Context, hard bool) error {
	expr := "reset()"
	if hard {
		expr = "reset(true)"
	}
	b.log.Debugw("resetting", "Hard", hard)
	if _, err := b.console.Exec(ctx, expr); err != nil {
		return fmt.Errorf("resetting device: %w", err)
	}
	return nil
}

// Save persists the current interpreter state to flash.
func (b *Board) Save(ctx context.Context) error {
	if _, err := b.console.Exec(ctx, "save()"); err != nil {
		return fmt.Errorf("saving: %w", err)
	}
	return nil
}

// SetBootCode stores code as the boot code and schedules a reboot after delay.
// The console drops when the device reboots, so callers should reconnect after a while.
func (b *Board) SetBootCode(ctx context.Context, code string, delay time.Duration) error {
	if _, err := b.console.Exec(ctx, "(global.BOOTCODE="+console.Quote(code)+`,"done")`); err != nil {
		return fmt.Errorf("staging boot code: %w", err)
	}
	expr := "setTimeout(function(){ E.setBootCode(global.BOOTCODE); delete global.BOOTCODE; print('rebooting'); E.reboot(); }, " +
		strconv.FormatInt(delay.Milliseconds(), 10) + `) && "done"`
	if _, err := b.console.Exec(ctx, expr); err != nil {
		return fmt.Errorf("scheduling boot code write: %w", err)
	}
	return nil
}

// WriteFile stores contents in the device's Storage under name.
// Large files are sent in ChunkSize pieces: the first write sizes the file and the rest fill it at their offsets.
func (b *Board) WriteFile(ctx context.Context, name string, contents []byte) error {
	f := console.Quote(name)
	chunks := split(contents, ChunkSize)
	if len(chunks) <= 1 {
		b.log.Debugw("writing file", "Name", name, "Size", len(contents))
		if _, err := b.console.Exec(ctx, fmt.Sprintf("require('Storage').write(%s,%s)", f, console.Quote(string(contents)))); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
		return nil
	}

	offset := 0
	for i, chunk := range chunks {
		var expr string
		if i == 0 {
			expr = fmt.Sprintf("require('Storage').write(%s,%s,0,%d)", f, console.Quote(string(chunk)), len(contents))
		} else {
			expr = fmt.Sprintf("require('Storage').write(%s,%s,%d)", f, console.Quote(string(chunk)), offset)
		}
		b.log.Debugw("writing file chunk", "Name", name, "Offset", offset, "Size", len(chunk), "Total", len(contents))
		if _, err := b.console.Exec(ctx, expr); err != nil {
			return fmt.Errorf("writing %s at offset %d: %w", name, offset, err)
		}
		offset += len(chunk)
	}
	return nil
}

// split cuts data into pieces of at most size bytes without splitting a UTF-8 sequence.
func split(data []byte, size int) [][]byte {
	var chunks [][]byte
	for len(data) > size {
		n := size
		for n > 0 && !utf8.RuneStart(data[n]) {
			n--
		}
		if n == 0 {
			n = size
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	if len(data) > 0 || len(chunks) == 0 {
		chunks = append(chunks, data)
	}
	return chunks
}
