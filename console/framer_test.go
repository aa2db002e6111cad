package console

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramer(t *testing.T) {
	cases := []struct {
		name   string
		chunks []string
		expect []Line
	}{
		{
			name:   "reply after redraw",
			chunks: []string{"\r\x1b[J$R$1 42\r\n>"},
			expect: []Line{{Kind: LineReply, Text: "$R$1 42"}},
		},
		{
			name:   "waits for the prompt",
			chunks: []string{"hello\r\n", "world\r\n", ">"},
			expect: []Line{{Kind: LinePrint, Text: "hello"}, {Kind: LinePrint, Text: "world"}},
		},
		{
			name:   "reply split across chunks",
			chunks: []string{"\r\x1b[J$R$", "3 \"ab", "c\"\r\n>"},
			expect: []Line{{Kind: LineReply, Text: "$R$3 \"abc\""}},
		},
		{
			name:   "echo and result echo",
			chunks: []string{">1+1\r\n=2\r\n>"},
			expect: []Line{{Kind: LineEcho, Text: ">1+1"}, {Kind: LineEcho, Text: "=2"}},
		},
		{
			name:   "continuation lines inside an echo block",
			chunks: []string{">function f(){\r\n:return 1}\r\n=undefined\r\n>"},
			expect: []Line{
				{Kind: LineEcho, Text: ">function f(){"},
				{Kind: LineEcho, Text: ":return 1}"},
				{Kind: LineEcho, Text: "=undefined"},
			},
		},
		{
			name:   "colon outside an echo block is output",
			chunks: []string{":not echo\r\n>"},
			expect: []Line{{Kind: LinePrint, Text: ":not echo"}},
		},
		{
			name:   "prompt kept from a previous pass is erased by the redraw",
			chunks: []string{">", "\r\x1b[J$R$2 true\r\n>"},
			expect: []Line{{Kind: LineReply, Text: "$R$2 true"}},
		},
		{
			name:   "bare clear-screen prefix",
			chunks: []string{"\x1b[J$E$4 {\"message\":\"no\"}\r\n>"},
			expect: []Line{{Kind: LineReply, Text: "$E$4 {\"message\":\"no\"}"}},
		},
		{
			name:   "reply without a prompt",
			chunks: []string{"$R$1 42\r\n"},
			expect: []Line{{Kind: LineReply, Text: "$R$1 42"}},
		},
		{
			name:   "reply taken ahead of buffered output",
			chunks: []string{"tick\r\n$R$2 1\r\n", "tock\r\n>"},
			expect: []Line{
				{Kind: LineReply, Text: "$R$2 1"},
				{Kind: LinePrint, Text: "tick"},
				{Kind: LinePrint, Text: "tock"},
			},
		},
		{
			name:   "reply printed over a kept prompt",
			chunks: []string{">", "$R$3 true\r\n"},
			expect: []Line{{Kind: LineReply, Text: "$R$3 true"}},
		},
		{
			name:   "reply printed over a kept prompt before the next prompt",
			chunks: []string{">", "$R$3 true\r\n>"},
			expect: []Line{{Kind: LineReply, Text: "$R$3 true"}},
		},
		{
			name:   "print interleaved with a reply",
			chunks: []string{"tick\r\n\r\x1b[J$R$5 1\r\ntock\r\n>"},
			expect: []Line{
				{Kind: LinePrint, Text: "tick"},
				{Kind: LineReply, Text: "$R$5 1"},
				{Kind: LinePrint, Text: "tock"},
			},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var f framer
			var lines []Line
			for _, chunk := range c.chunks {
				lines = append(lines, f.Feed([]byte(chunk))...)
			}
			assert.Equal(t, c.expect, lines)
		})
	}
}

func TestFramerKeepsPartialLine(t *testing.T) {
	var f framer
	lines := f.Feed([]byte("foo\r\nbar>"))
	require.Equal(t, []Line{{Kind: LinePrint, Text: "foo"}}, lines)

	lines = f.Feed([]byte("baz\r\n>"))
	assert.Equal(t, []Line{{Kind: LinePrint, Text: "bar>baz"}}, lines)
}

func TestFramerReset(t *testing.T) {
	var f framer
	assert.Nil(t, f.Feed([]byte("\r\x1b[J$R$1 4")))
	f.reset()
	assert.Equal(t, []Line{{Kind: LineReply, Text: "$R$2 1"}}, f.Feed([]byte("$R$2 1\r\n>")))
}

func TestFramerReplyWithoutPromptLeavesOutputBuffered(t *testing.T) {
	var f framer
	lines := f.Feed([]byte(">1+1\r\n$R$1 2\r\n"))
	require.Equal(t, []Line{{Kind: LineReply, Text: "$R$1 2"}}, lines)

	lines = f.Feed([]byte("hello\r\n>"))
	assert.Equal(t, []Line{{Kind: LineEcho, Text: ">1+1"}, {Kind: LinePrint, Text: "hello"}}, lines)
}
