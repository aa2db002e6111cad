package device

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/espz/console"
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

// fakeConsole records what a Board evaluates and answers from a table.
type fakeConsole struct {
	mu      sync.Mutex
	execs   []string
	queries []string
	writes  [][]byte
	results map[string]string
	errs    map[string]error
}

func newFakeConsole() *fakeConsole {
	return &fakeConsole{results: map[string]string{}, errs: map[string]error{}}
}

func (f *fakeConsole) answer(expression string) (json.RawMessage, error) {
	if err, ok := f.errs[expression]; ok {
		return nil, err
	}
	if v, ok := f.results[expression]; ok {
		return json.RawMessage(v), nil
	}
	return nil, nil
}

func (f *fakeConsole) Exec(ctx context.Context, expression string, opts ...console.CallOption) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, expression)
	return f.answer(expression)
}

func (f *fakeConsole) Query(ctx context.Context, expression string, opts ...console.CallOption) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, expression)
	return f.answer(expression)
}

func (f *fakeConsole) Write(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, data)
	return nil
}

func newTestBoard() (*Board, *fakeConsole) {
	f := newFakeConsole()
	return New(f, WithLogger(log.Desugar())), f
}

func TestEnv(t *testing.T) {
	b, f := newTestBoard()
	f.results["process.env"] = `{"VERSION":"2v19","GIT_COMMIT":"f8b9b8e","BOARD":"ESP32","RAM":520192,"FLASH":0,"STORAGE":262144,"SERIAL":"3c71bf","CONSOLE":"Telnet","MODULES":"Flash,Storage,heatshrink, net ,Wifi","EXPTR":1073484860}`

	env, err := b.Env(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ESP32", env.Board)
	assert.Equal(t, "2v19", env.Version)
	assert.Equal(t, int64(262144), env.Storage)
	assert.Equal(t, []string{"Flash", "Storage", "heatshrink", "net", "Wifi"}, env.ModuleList())
	assert.True(t, env.HasModule("Wifi"))
	assert.False(t, env.HasModule("Bluetooth"))
	assert.Equal(t, "ESP32 running Espruino 2v19", env.String())
	assert.Contains(t, string(env.Raw), "EXPTR")
	assert.Equal(t, []string{"process.env"}, f.queries)
}

func TestEnvUndefined(t *testing.T) {
	b, _ := newTestBoard()
	_, err := b.Env(context.Background())
	assert.ErrorContains(t, err, "undefined")
}

func TestMemory(t *testing.T) {
	b, f := newTestBoard()
	f.results["process.memory()"] = `{"free":1200,"usage":300,"total":1500,"history":12,"gc":4,"gctime":1.52,"blocksize":14}`

	m, err := b.Memory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Memory{Free: 1200, Usage: 300, Total: 1500, History: 12, GC: 4, GCTime: 1.52, BlockSize: 14}, m)
}

func TestSimpleCommands(t *testing.T) {
	cases := []struct {
		name   string
		run    func(b *Board) error
		expect []string
	}{
		{name: "probe", run: func(b *Board) error { return b.Probe(context.Background()) }, expect: []string{"42"}},
		{name: "gc", run: func(b *Board) error { return b.GC(context.Background()) }, expect: []string{`global['\xFF'].history=[];process.memory();undefined;`}},
		{name: "soft reset", run: func(b *Board) error { return b.Reset(context.Background(), false) }, expect: []string{"reset()"}},
		{name: "hard reset", run: func(b *Board) error { return b.Reset(context.Background(), true) }, expect: []string{"reset(true)"}},
		{name: "save", run: func(b *Board) error { return b.Save(context.Background()) }, expect: []string{"save()"}},
		{
			name: "boot code",
			run:  func(b *Board) error { return b.SetBootCode(context.Background(), `print("hi")`, time.Second) },
			expect: []string{
				`(global.BOOTCODE="print(\"hi\")","done")`,
				`setTimeout(function(){ E.setBootCode(global.BOOTCODE); delete global.BOOTCODE; print('rebooting'); E.reboot(); }, 1000) && "done"`,
			},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b, f := newTestBoard()
			require.NoError(t, c.run(b))
			assert.Equal(t, c.expect, f.execs)
		})
	}
}

func TestCommandErrorsAreWrapped(t *testing.T) {
	b, f := newTestBoard()
	remote := &console.RemoteError{ID: 3, Message: "Storage full"}
	f.errs["save()"] = remote

	err := b.Save(context.Background())
	assert.ErrorIs(t, err, remote)
	assert.EqualError(t, err, "saving: Storage full")
}

func TestWriteFileSmall(t *testing.T) {
	b, f := newTestBoard()
	require.NoError(t, b.WriteFile(context.Background(), "app.js", []byte(`print("<hi>")`)))
	assert.Equal(t, []string{`require('Storage').write("app.js","print(\"<hi>\")")`}, f.execs)
}

func TestWriteFileChunked(t *testing.T) {
	b, f := newTestBoard()
	contents := strings.Repeat("a", 2500)
	require.NoError(t, b.WriteFile(context.Background(), "big.txt", []byte(contents)))

	chunk := func(n int) string { return `"` + strings.Repeat("a", n) + `"` }
	assert.Equal(t, []string{
		`require('Storage').write("big.txt",` + chunk(1000) + `,0,2500)`,
		`require('Storage').write("big.txt",` + chunk(1000) + `,1000)`,
		`require('Storage').write("big.txt",` + chunk(500) + `,2000)`,
	}, f.execs)
}

func TestWriteFileStopsOnError(t *testing.T) {
	b, f := newTestBoard()
	contents := strings.Repeat("b", 1500)
	second := `require('Storage').write("x",` + `"` + strings.Repeat("b", 500) + `"` + `,1000)`
	f.errs[second] = errors.New("boom")

	err := b.WriteFile(context.Background(), "x", []byte(contents))
	assert.EqualError(t, err, "writing x at offset 1000: boom")
	assert.Len(t, f.execs, 2)
}

func TestSplit(t *testing.T) {
	cases := []struct {
		name   string
		data   string
		size   int
		expect []string
	}{
		{name: "empty", data: "", size: 4, expect: []string{""}},
		{name: "fits", data: "abcd", size: 4, expect: []string{"abcd"}},
		{name: "even", data: "abcdefgh", size: 4, expect: []string{"abcd", "efgh"}},
		{name: "remainder", data: "abcdefghij", size: 4, expect: []string{"abcd", "efgh", "ij"}},
		// é is two bytes and must not straddle a boundary
		{name: "multibyte", data: "abcé", size: 4, expect: []string{"abc", "é"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var got []string
			for _, chunk := range split([]byte(c.data), c.size) {
				got = append(got, string(chunk))
			}
			assert.Equal(t, c.expect, got)
		})
	}
}
