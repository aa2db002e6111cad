package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/guseggert/espz/console"
	"github.com/guseggert/espz/device"
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

const memory = `{"free":900,"usage":100,"total":1000,"history":0,"gc":0,"gctime":0.5,"blocksize":14}`

type fakeConsole struct {
	mu     sync.Mutex
	execs  []string
	writes []string
	// failures counts down how many more times an expression fails.
	failures map[string]int
}

func (f *fakeConsole) Exec(ctx context.Context, expression string, opts ...console.CallOption) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, expression)
	if f.failures[expression] > 0 {
		f.failures[expression]--
		return nil, &console.TimeoutError{ID: uint64(len(f.execs))}
	}
	switch expression {
	case "42":
		return json.RawMessage("42"), nil
	case "process.memory()":
		return json.RawMessage(memory), nil
	}
	return nil, nil
}

func (f *fakeConsole) Query(ctx context.Context, expression string, opts ...console.CallOption) (json.RawMessage, error) {
	return f.Exec(ctx, expression, opts...)
}

func (f *fakeConsole) Write(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, string(data))
	return nil
}

func newTestDeployer() (*Deployer, *fakeConsole) {
	f := &fakeConsole{failures: map[string]int{}}
	board := device.New(f, device.WithLogger(log.Desugar()))
	return New(board, WithLogger(log.Desugar())), f
}

func TestNewLogsByDefault(t *testing.T) {
	d := New(device.New(&fakeConsole{failures: map[string]int{}}))
	assert.Same(t, defaultLogger, d.log)
}

func testBundle() *Bundle {
	return &Bundle{
		Code: "setInterval(tick,1000)",
		Assets: []Asset{
			{FileName: "a.txt", Source: []byte("A")},
			{FileName: "b.bin", Source: []byte("B")},
		},
	}
}

func TestSendRawAndSave(t *testing.T) {
	d, f := newTestDeployer()

	res, err := d.Send(context.Background(), testBundle(), Options{Save: true})
	require.NoError(t, err)
	assert.False(t, res.Rebooted)
	assert.Equal(t, int64(900), res.Memory.Free)

	assert.Equal(t, []string{
		"42",
		"42",
		`require('Storage').write("a.txt","A")`,
		"42",
		`require('Storage').write("b.bin","B")`,
		"42",
		"process.memory()",
		"save()",
		"process.memory()",
	}, f.execs)
	assert.Equal(t, []string{"\x10setInterval(tick,1000)\n"}, f.writes)
}

func TestSendInterruptsUnresponsivePrompt(t *testing.T) {
	d, f := newTestDeployer()
	f.failures["42"] = 1

	_, err := d.Send(context.Background(), &Bundle{Code: "x()\n"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{console.Interrupt, "\x10x()\n"}, f.writes)
	assert.Equal(t, []string{"42", "42", "process.memory()"}, f.execs)
}

func TestSendFailsWhenProbeKeepsFailing(t *testing.T) {
	d, f := newTestDeployer()
	f.failures["42"] = 2

	_, err := d.Send(context.Background(), testBundle(), Options{})
	var terr *console.TimeoutError
	require.True(t, errors.As(err, &terr))
	assert.Empty(t, f.writes[1:])
}

func TestSendBootWithHardReset(t *testing.T) {
	d, f := newTestDeployer()
	bundle := &Bundle{Code: "main()", Assets: []Asset{{FileName: "c.json", Source: []byte("{}")}}}

	res, err := d.Send(context.Background(), bundle, Options{Reset: HardReset, Boot: true, Save: true})
	require.NoError(t, err)
	assert.True(t, res.Rebooted)
	assert.Nil(t, res.Memory)

	assert.Equal(t, []string{
		"42",
		"reset(true)",
		"42",
		`require('Storage').write("c.json","{}")`,
		"42",
		"reset()",
		"42",
		`(global.BOOTCODE="main()","done")`,
		`setTimeout(function(){ E.setBootCode(global.BOOTCODE); delete global.BOOTCODE; print('rebooting'); E.reboot(); }, 0) && "done"`,
	}, f.execs)
	assert.Empty(t, f.writes)
}

func TestParseResetMode(t *testing.T) {
	cases := []struct {
		in     string
		expect ResetMode
		err    bool
	}{
		{in: "", expect: NoReset},
		{in: "false", expect: NoReset},
		{in: "true", expect: SoftReset},
		{in: "Soft", expect: SoftReset},
		{in: "hard", expect: HardReset},
		{in: "full", expect: HardReset},
		{in: "sideways", err: true},
	}
	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			m, err := ParseResetMode(c.in)
			if c.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expect, m)
		})
	}
}

func TestFileCompiler(t *testing.T) {
	dir := t.TempDir()
	write := func(name, contents string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(contents), 0o644))
		return p
	}
	lib := write("lib.js", "function tick(){}")
	main := write("main.js", "setInterval(tick,1000)\n")
	asset := write("page.html", "<h1>hi</h1>")

	c := &FileCompiler{Assets: []string{asset}}
	b, err := c.Compile(context.Background(), []string{lib, main})
	require.NoError(t, err)
	assert.Equal(t, "function tick(){}\nsetInterval(tick,1000)\n", b.Code)
	assert.Equal(t, []Asset{{FileName: "page.html", Source: []byte("<h1>hi</h1>")}}, b.Assets)
	assert.Equal(t, len(b.Code)+11, b.Size())

	_, err = c.Compile(context.Background(), []string{filepath.Join(dir, "missing.js")})
	assert.ErrorContains(t, err, "reading entry")

	_, err = c.Compile(context.Background(), nil)
	assert.Error(t, err)
}
